package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/samber/lo"

	"lanxfer/pkg/control"
	"lanxfer/pkg/transfer"
	"lanxfer/pkg/types"
	"lanxfer/pkg/utils"
)

// Style definitions
var (
	primaryColor   = lipgloss.Color("#FF79C6") // Pink
	secondaryColor = lipgloss.Color("#8BE9FD") // Cyan
	accentColor    = lipgloss.Color("#50FA7B") // Green
	warningColor   = lipgloss.Color("#FFB86C") // Orange
	dangerColor    = lipgloss.Color("#FF5555") // Red
	mutedColor     = lipgloss.Color("#6272A4") // Comment
	bgLightColor   = lipgloss.Color("#44475A") // Current Line
	fgColor        = lipgloss.Color("#F8F8F2") // Foreground

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(18)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	accentValueStyle = lipgloss.NewStyle().
				Foreground(accentColor).
				Bold(true)

	warningValueStyle = lipgloss.NewStyle().
				Foreground(warningColor).
				Bold(true)

	dangerValueStyle = lipgloss.NewStyle().
				Foreground(dangerColor).
				Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)

	iconStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true).
			MarginRight(1)
)

// createPanel frames content under a title.
func createPanel(title, icon, content string, width int) string {
	panel := panelStyle
	if width > 0 {
		panel = panel.Width(width)
	}
	titleLine := iconStyle.Render(icon) + titleStyle.Render(title)
	return panel.Render(lipgloss.JoinVertical(lipgloss.Left, titleLine, content))
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle.Foreground(fgColor)
		}).
		Headers(headers...)
}

func labelled(label, value string, style lipgloss.Style) string {
	return labelStyle.Render(label+":") + " " + style.Render(value)
}

func printReceiverBanner(name string, port int, dir, controlAddr string, autoAccept bool) {
	mode := "ask"
	modeStyle := warningValueStyle
	if autoAccept {
		mode = "auto-accept"
		modeStyle = accentValueStyle
	}

	lines := []string{
		labelled("Name", name, accentValueStyle),
		labelled("Port", fmt.Sprintf("%d", port), valueStyle),
		labelled("Saving to", dir, valueStyle),
		labelled("Control API", controlAddr, valueStyle),
		labelled("Offers", mode, modeStyle),
	}
	fmt.Println(createPanel("RECEIVING", "📥", strings.Join(lines, "\n"), 0))
}

func printEvent(e transfer.Event) {
	stamp := mutedStyle.Render(e.Time.Format("15:04:05"))
	switch e.Type {
	case transfer.EventOfferReceived:
		if e.Offer == nil {
			return
		}
		fmt.Printf("%s %s %s offers %d file(s), %s %s\n", stamp,
			iconStyle.Render("✉"),
			valueStyle.Render(e.Offer.SenderName),
			len(e.Offer.Files),
			utils.FormatDataSize(e.Offer.TotalSize),
			mutedStyle.Render("batch "+string(e.BatchID)))
	case transfer.EventTransferComplete:
		fmt.Printf("%s %s %s %s\n", stamp, accentValueStyle.Render("✔"), e.FileName, mutedStyle.Render(directionWord(e.Direction)+" "+e.Peer))
	case transfer.EventTransferRejected:
		fmt.Printf("%s %s %s %s\n", stamp, warningValueStyle.Render("✘ rejected"), fileOrBatch(e), mutedStyle.Render(e.Reason))
	case transfer.EventTransferCancelled:
		fmt.Printf("%s %s %s %s\n", stamp, warningValueStyle.Render("■ cancelled"), fileOrBatch(e), mutedStyle.Render(e.Reason))
	case transfer.EventTransferFailed:
		fmt.Printf("%s %s %s %s\n", stamp, dangerValueStyle.Render("✘ failed"), fileOrBatch(e), mutedStyle.Render(e.Reason))
	}
}

func fileOrBatch(e transfer.Event) string {
	if e.FileName != "" {
		return e.FileName
	}
	return "batch " + string(e.BatchID)
}

func directionWord(d types.Direction) string {
	if d == types.DirectionReceive {
		return "from"
	}
	return "to"
}

func renderOffer(o transfer.OfferInfo) string {
	t := newTable("FILE", "SIZE")
	for _, f := range o.Files {
		t.Row(f.Name, utils.FormatDataSize(f.Size))
	}

	lines := []string{
		labelled("From", fmt.Sprintf("%s (%s)", o.SenderName, o.Address), accentValueStyle),
		labelled("Total", utils.FormatDataSize(o.TotalSize), valueStyle),
		labelled("Encrypted", fmt.Sprintf("%t", o.Encrypted), valueStyle),
		labelled("Expires in", utils.FormatETA(time.Until(o.ExpiresAt)), warningValueStyle),
		"",
		t.Render(),
	}
	return createPanel("INCOMING OFFER", "✉", strings.Join(lines, "\n"), 0) + "\n"
}

func renderOffers(offers []control.OfferView) string {
	t := newTable("BATCH", "FROM", "FILES", "SIZE", "ENCRYPTED", "EXPIRES")
	for _, o := range offers {
		t.Row(
			o.BatchID,
			o.Sender,
			fmt.Sprintf("%d", len(o.Files)),
			utils.FormatDataSize(o.TotalSize),
			fmt.Sprintf("%t", o.Encrypted),
			utils.FormatETA(time.Until(o.ExpiresAt)),
		)
	}
	return createPanel("PENDING OFFERS", "✉", t.Render(), 0)
}

func renderPeers(peers []control.PeerView) string {
	if len(peers) == 0 {
		return createPanel("PEERS", "📡", mutedStyle.Render("No receivers found"), 0)
	}

	t := newTable("NAME", "ADDRESS", "STATUS", "LAST SEEN", "ID")
	for _, p := range peers {
		statusIcon, statusColor := "🟢", accentColor
		if p.Status != types.PeerOnline.String() {
			statusIcon, statusColor = "🟡", warningColor
		}
		t.Row(
			p.DisplayName,
			fmt.Sprintf("%s:%d", p.Address, p.Port),
			fmt.Sprintf("%s %s", statusIcon, lipgloss.NewStyle().Foreground(statusColor).Render(strings.ToUpper(p.Status))),
			formatAgo(p.LastSeen),
			mutedStyle.Render(p.ID),
		)
	}
	return createPanel("PEERS", "📡", t.Render(), 0)
}

func renderStats(s control.StatsView) string {
	lines := []string{
		labelled("Active", fmt.Sprintf("%d", s.Active), valueStyle),
		labelled("Files sent", fmt.Sprintf("%d (%s)", s.FilesSent, utils.FormatDataSize(s.BytesSent)), valueStyle),
		labelled("Files received", fmt.Sprintf("%d (%s)", s.FilesReceived, utils.FormatDataSize(s.BytesReceived)), valueStyle),
		labelled("Failed", fmt.Sprintf("%d", s.Failed), countStyle(s.Failed, dangerValueStyle)),
		labelled("Cancelled", fmt.Sprintf("%d", s.Cancelled), countStyle(s.Cancelled, warningValueStyle)),
		labelled("Rejected", fmt.Sprintf("%d", s.Rejected), countStyle(s.Rejected, warningValueStyle)),
	}
	return createPanel("ENGINE", "🌐", strings.Join(lines, "\n"), 50)
}

func countStyle(n int64, nonZero lipgloss.Style) lipgloss.Style {
	if n == 0 {
		return valueStyle
	}
	return nonZero
}

func renderSessions(sessions []control.SessionView) string {
	if len(sessions) == 0 {
		return createPanel("TRANSFERS", "📦", mutedStyle.Render("No active transfers"), 0)
	}

	t := newTable("FILE", "PEER", "STATE", "PROGRESS", "SPEED", "ETA", "SESSION")
	for _, s := range sessions {
		t.Row(
			directionArrow(s.Direction)+" "+s.FileName,
			s.Peer,
			stateStyle(s.State).Render(s.State),
			createMiniProgressBar(s.Percent(), 15),
			utils.FormatSpeed(s.Speed),
			utils.FormatETA(s.ETA()),
			mutedStyle.Render(s.SessionID),
		)
	}
	return createPanel("TRANSFERS", "📦", t.Render(), 0)
}

func renderHistory(records []control.RecordView) string {
	if len(records) == 0 {
		return createPanel("HISTORY", "🕘", mutedStyle.Render("No finished transfers"), 0)
	}

	t := newTable("WHEN", "FILES", "PEER", "SIZE", "OUTCOME", "DURATION", "REASON")
	for _, r := range records {
		t.Row(
			r.Timestamp.Local().Format("2006-01-02 15:04"),
			directionArrow(r.Direction.String())+" "+summarizeNames(r.FileNames),
			r.Peer,
			fmt.Sprintf("%s/%s", utils.FormatDataSize(r.BytesTransferred), utils.FormatDataSize(r.TotalSize)),
			outcomeStyle(r.Outcome).Render(string(r.Outcome)),
			r.Duration.Round(time.Millisecond).String(),
			r.Reason,
		)
	}
	return createPanel("HISTORY", "🕘", t.Render(), 0)
}

func summarizeNames(names []string) string {
	if len(names) <= 2 {
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s, +%d more", strings.Join(names[:2], ", "), len(names)-2)
}

func renderResults(results []transfer.Progress) string {
	t := newTable("FILE", "SIZE", "STATE")
	for _, p := range results {
		t.Row(p.FileName, utils.FormatDataSize(p.Total), stateStyle(p.State.String()).Render(p.State.String()))
	}

	done := lo.CountBy(results, func(p transfer.Progress) bool { return p.State == transfer.StateDone })
	summary := labelled("Delivered", fmt.Sprintf("%d/%d", done, len(results)), getHealthStyle(done, len(results)))
	return createPanel("BATCH RESULT", "📦", summary+"\n\n"+t.Render(), 0)
}

// redrawProgress rewrites the previous frame of lines in place and returns
// the number of lines now on screen.
func redrawProgress(progress []transfer.Progress, previous int) int {
	if previous > 0 {
		fmt.Printf("\033[%dA", previous)
	}
	for _, p := range progress {
		fmt.Printf("\033[2K%-28s %s %10s/%-10s %12s  ETA %s\n",
			truncate(p.FileName, 28),
			createStyledProgressBar(p.Percent(), 30),
			utils.FormatDataSize(p.Bytes),
			utils.FormatDataSize(p.Total),
			utils.FormatSpeed(p.Speed),
			utils.FormatETA(p.ETA))
	}
	for i := len(progress); i < previous; i++ {
		fmt.Print("\033[2K\n")
	}
	return max(len(progress), previous)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func directionArrow(direction string) string {
	if direction == types.DirectionReceive.String() {
		return "↓"
	}
	return "↑"
}

func stateStyle(state string) lipgloss.Style {
	switch state {
	case transfer.StateDone.String():
		return accentValueStyle
	case transfer.StateFailed.String():
		return dangerValueStyle
	case transfer.StateCancelled.String(), transfer.StateRejected.String():
		return warningValueStyle
	default:
		return valueStyle
	}
}

func outcomeStyle(o types.Outcome) lipgloss.Style {
	switch o {
	case types.OutcomeSuccess:
		return accentValueStyle
	case types.OutcomeFailed:
		return dangerValueStyle
	default:
		return warningValueStyle
	}
}

func createStyledProgressBar(percentage float64, width int) string {
	filled := int(percentage * float64(width) / 100)
	filled = min(max(filled, 0), width)

	var bar strings.Builder
	color := getProgressBarColor(percentage)
	bar.WriteString(lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("█", filled)))
	bar.WriteString(mutedStyle.Render(strings.Repeat("·", width-filled)))
	return bar.String()
}

func createMiniProgressBar(percentage float64, width int) string {
	filled := int(percentage * float64(width) / 100)
	filled = min(max(filled, 0), width)

	color := getProgressBarColor(percentage)
	filledPart := lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("▪", filled))
	emptyPart := mutedStyle.Render(strings.Repeat("·", width-filled))

	return fmt.Sprintf("%s%s %.1f%%", filledPart, emptyPart, percentage)
}

// getProgressBarColor shades a bar by completion.
func getProgressBarColor(percentage float64) lipgloss.Color {
	if percentage >= 100 {
		return accentColor
	} else if percentage >= 50 {
		return secondaryColor
	}
	return warningColor
}

func getHealthStyle(healthy, total int) lipgloss.Style {
	if healthy == total {
		return accentValueStyle
	} else if healthy > total/2 {
		return warningValueStyle
	}
	return dangerValueStyle
}
