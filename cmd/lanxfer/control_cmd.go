package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"lanxfer/pkg/control"
	"lanxfer/pkg/history"
	"lanxfer/pkg/types"
)

const rpcTimeout = 5 * time.Second

func peersCmd() *cobra.Command {
	var (
		wait       time.Duration
		viaControl bool
	)

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List receivers on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			if viaControl {
				client, err := controlClient()
				if err != nil {
					return err
				}
				defer client.Close()

				ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
				defer cancel()
				peers, err := client.Peers(ctx)
				if err != nil {
					return fmt.Errorf("failed to query receiver: %w", err)
				}
				fmt.Println(renderPeers(peers))
				return nil
			}

			logger := setupLogger(verbose)
			defer logger.Sync()

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			disco, err := newDiscovery(settings, logger, nil)
			if err != nil {
				return err
			}
			defer disco.Stop()

			if err := disco.StartListening(); err != nil {
				return err
			}
			if err := disco.Query(); err != nil {
				return err
			}

			select {
			case <-time.After(wait):
			case <-cmd.Context().Done():
			}

			views := make([]control.PeerView, 0)
			for _, p := range disco.Snapshot() {
				views = append(views, control.NewPeerView(p))
			}
			fmt.Println(renderPeers(views))
			return nil
		},
	}

	cmd.Flags().DurationVarP(&wait, "wait", "w", 3*time.Second, "how long to listen for announcements")
	cmd.Flags().BoolVar(&viaControl, "receiver", false, "ask the running receiver instead of listening")
	return cmd
}

func statusCmd() *cobra.Command {
	var watch time.Duration

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show transfers and offers of the running receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := controlClient()
			if err != nil {
				return err
			}
			defer client.Close()

			show := func() error {
				ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
				defer cancel()

				progress, err := client.Progress(ctx)
				if err != nil {
					return fmt.Errorf("failed to query receiver: %w", err)
				}
				stats, err := client.Stats(ctx)
				if err != nil {
					return fmt.Errorf("failed to query receiver: %w", err)
				}
				fmt.Println(renderStats(stats))
				fmt.Println(renderSessions(progress.Sessions))
				if len(progress.Offers) > 0 {
					fmt.Println(renderOffers(progress.Offers))
				}
				return nil
			}

			if watch <= 0 {
				return show()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ticker := time.NewTicker(watch)
			defer ticker.Stop()
			for {
				fmt.Print("\033[H\033[2J")
				if err := show(); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}

	cmd.Flags().DurationVarP(&watch, "watch", "w", 0, "refresh at this interval until interrupted")
	return cmd
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel [SESSION|BATCH|all]",
		Short: "Cancel a transfer, a batch, a pending offer or everything",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := "all"
			if len(args) == 1 {
				id = args[0]
			}
			return withClient(func(ctx context.Context, c *control.Client) error {
				if err := c.Cancel(ctx, id); err != nil {
					return fmt.Errorf("failed to cancel %s: %w", id, err)
				}
				fmt.Println(accentValueStyle.Render("Cancelled ") + id)
				return nil
			})
		},
	}
}

func acceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept BATCH",
		Short: "Accept a pending offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *control.Client) error {
				if err := c.Accept(ctx, args[0]); err != nil {
					return fmt.Errorf("failed to accept %s: %w", args[0], err)
				}
				fmt.Println(accentValueStyle.Render("Accepted ") + args[0])
				return nil
			})
		},
	}
}

func rejectCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject BATCH",
		Short: "Decline a pending offer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *control.Client) error {
				if err := c.Reject(ctx, args[0], reason); err != nil {
					return fmt.Errorf("failed to reject %s: %w", args[0], err)
				}
				fmt.Println(warningValueStyle.Render("Rejected ") + args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason sent to the sender")
	return cmd
}

func historyCmd() *cobra.Command {
	var (
		limit   int
		batch   string
		outcome string
		local   bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List finished transfers",
		Long: `List finished transfers, newest first. By default the running receiver is
asked; --local reads the history database directly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if local {
				return localHistory(history.Query{
					Limit:   limit,
					BatchID: types.BatchID(batch),
					Outcome: types.Outcome(outcome),
				})
			}
			return withClient(func(ctx context.Context, c *control.Client) error {
				records, err := c.History(ctx, control.HistoryQuery{Limit: limit, BatchID: batch, Outcome: outcome})
				if err != nil {
					return fmt.Errorf("failed to query history: %w", err)
				}
				fmt.Println(renderHistory(records))
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum records to show, 0 for all")
	cmd.Flags().StringVar(&batch, "batch", "", "only this batch")
	cmd.Flags().StringVar(&outcome, "outcome", "", "only success, failed, cancelled or rejected")
	cmd.Flags().BoolVar(&local, "local", false, "read history_path instead of asking the receiver")
	return cmd
}

// localHistory reads the badger store directly. Badger holds an exclusive
// lock, so this fails while a receiver has the same database open.
func localHistory(q history.Query) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	path, err := settings.ResolvedHistoryPath()
	if err != nil {
		return err
	}
	if path == "" {
		return fmt.Errorf("history_path is not set; history is only kept by the running receiver")
	}

	store, err := history.OpenBadgerStore(path, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.List(q)
	if err != nil {
		return err
	}
	fmt.Println(renderHistory(records))
	return nil
}

func withClient(fn func(context.Context, *control.Client) error) error {
	client, err := controlClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	return fn(ctx, client)
}
