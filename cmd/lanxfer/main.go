package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"lanxfer/pkg/config"
	"lanxfer/pkg/control"
	"lanxfer/pkg/discovery"
	"lanxfer/pkg/history"
	"lanxfer/pkg/types"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lanxfer",
		Short: "Peer-to-peer file transfer on the local network",
		Long: `Send files to other machines on the same network without a server.
Receivers announce themselves over UDP multicast; transfers run over TCP with
optional compression and encryption.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		receiveCmd(),
		sendCmd(),
		peersCmd(),
		statusCmd(),
		cancelCmd(),
		acceptCmd(),
		rejectCmd(),
		historyCmd(),
		configCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func loadSettings() (config.EngineSettings, error) {
	settings, err := config.Load(configFile)
	if err != nil {
		return settings, fmt.Errorf("failed to load config: %w", err)
	}
	return settings, nil
}

func newDiscovery(settings config.EngineSettings, logger *zap.Logger, onChange func(int)) (*discovery.Service, error) {
	return discovery.New(discovery.Config{
		Port:     settings.DiscoveryPort,
		Group:    settings.DiscoveryGroup,
		Interval: settings.DiscoveryInterval,
		Version:  config.ProtocolVersion,
		Logger:   logger,
		OnChange: onChange,
	})
}

// openHistory returns the persistent log when history_path is set and an
// in-memory one otherwise.
func openHistory(settings config.EngineSettings, logger *zap.Logger) (*history.Log, error) {
	path, err := settings.ResolvedHistoryPath()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return history.NewLog(history.NewMemoryStore(), logger), nil
	}
	store, err := history.OpenBadgerStore(path, logger)
	if err != nil {
		return nil, err
	}
	return history.NewLog(store, logger), nil
}

// parseTarget treats host:port and bare IPs as manual addresses and
// anything else as a peer id or display name.
func parseTarget(target string, defaultPort int) types.Target {
	if _, _, err := net.SplitHostPort(target); err == nil {
		return types.Target{Address: target}
	}
	if ip := net.ParseIP(target); ip != nil {
		return types.Target{Address: net.JoinHostPort(ip.String(), strconv.Itoa(defaultPort))}
	}
	return types.Target{PeerID: types.PeerID(target)}
}

// controlClient dials the control API of the local receiver.
func controlClient() (*control.Client, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}
	return control.Dial(settings.ControlAddr(), settings.ControlToken)
}

func formatAgo(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	elapsed := time.Since(t)
	switch {
	case elapsed < time.Minute:
		return fmt.Sprintf("%ds ago", int(elapsed.Seconds()))
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm ago", int(elapsed.Minutes()))
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(elapsed.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(elapsed.Hours()/24))
	}
}
