package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lanxfer/pkg/transfer"
	"lanxfer/pkg/types"
)

func sendCmd() *cobra.Command {
	var (
		to          string
		compress    bool
		encrypt     bool
		threads     int
		waitPeers   time.Duration
		quiet       bool
		noChecksums bool
	)

	cmd := &cobra.Command{
		Use:   "send [flags] FILE|DIR...",
		Short: "Send files to a peer",
		Long: `Send files or folders to a receiver. The target is a discovered peer's
name or id, or a manual host:port address.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("threads") {
				settings.MaxParallelThreads = threads
			}
			if noChecksums {
				settings.VerifyChecksums = false
			}
			if err := settings.Validate(); err != nil {
				return err
			}

			files, err := types.CollectFiles(args)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return types.ErrNoFiles
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			target := parseTarget(to, settings.ListenPort)
			var peers transfer.PeerResolver
			if target.Address == "" {
				disco, err := newDiscovery(settings, logger, nil)
				if err != nil {
					return err
				}
				defer disco.Stop()
				peers = disco

				if err := disco.StartListening(); err != nil {
					return fmt.Errorf("cannot look up %q without discovery, use host:port: %w", to, err)
				}
				if err := waitForPeer(ctx, disco, to, waitPeers); err != nil {
					return err
				}
			}

			mgr, err := transfer.New(transfer.Options{
				Settings: settings,
				Logger:   logger,
				Peers:    peers,
			})
			if err != nil {
				return err
			}
			defer mgr.Close()

			handle, err := mgr.Send(types.TransferRequest{
				Files:   files,
				Target:  target,
				Options: types.TransferOptions{Compression: compress, Encryption: encrypt},
			})
			if err != nil {
				return err
			}

			ticker := time.NewTicker(250 * time.Millisecond)
			defer ticker.Stop()

			lines := 0
			for done := false; !done; {
				select {
				case <-ctx.Done():
					logger.Info("Cancelling batch", zap.String("batch_id", string(handle.ID)))
					if err := mgr.Cancel(string(handle.ID)); err != nil {
						logger.Warn("Failed to cancel batch", zap.Error(err))
					}
					<-handle.Done()
					done = true
				case <-handle.Done():
					done = true
				case <-ticker.C:
				}
				if !quiet {
					lines = redrawProgress(mgr.QueryProgress(), lines)
				}
			}

			fmt.Println(renderResults(handle.Results()))
			return handle.Err()
		},
	}

	cmd.Flags().StringVarP(&to, "to", "t", "", "peer name, peer id or host:port")
	cmd.Flags().BoolVarP(&compress, "compress", "z", false, "compress chunks with zstd")
	cmd.Flags().BoolVarP(&encrypt, "encrypt", "e", false, "encrypt chunks")
	cmd.Flags().IntVar(&threads, "threads", 0, "maximum parallel chunk streams")
	cmd.Flags().DurationVar(&waitPeers, "wait", 3*time.Second, "how long to wait for the peer to be discovered")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not draw progress")
	cmd.Flags().BoolVar(&noChecksums, "no-checksums", false, "skip end-to-end SHA-256 verification")
	cmd.MarkFlagRequired("to")

	return cmd
}

// waitForPeer queries the network until name resolves or wait elapses.
func waitForPeer(ctx context.Context, resolver interface {
	transfer.PeerResolver
	Query() error
}, name string, wait time.Duration) error {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	resolver.Query()
	for {
		if _, ok := resolver.Lookup(name); ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %q not seen within %s", types.ErrUnknownPeer, name, wait)
		case <-ticker.C:
			resolver.Query()
		}
	}
}
