package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lanxfer/pkg/control"
	"lanxfer/pkg/transfer"
	"lanxfer/pkg/types"
)

func receiveCmd() *cobra.Command {
	var (
		port        int
		dir         string
		name        string
		autoAccept  bool
		interactive bool
		noDiscovery bool
		metricsAddr string
		controlAddr string
		keepPartial bool
		overwrite   bool
	)

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Accept incoming transfers",
		Long: `Listen for offers, advertise this machine to peers and serve the local
control API used by status, accept, reject and cancel.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			settings, err := loadSettings()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("port") {
				settings.ListenPort = port
			}
			if flags.Changed("dir") {
				settings.SaveDirectory = dir
			}
			if flags.Changed("name") {
				settings.DisplayName = name
			}
			if flags.Changed("auto-accept") {
				settings.AutoAccept = autoAccept
			}
			if flags.Changed("metrics") {
				settings.MetricsAddress = metricsAddr
			}
			if flags.Changed("control") {
				settings.ControlAddress = controlAddr
			}
			if flags.Changed("keep-partial") {
				settings.KeepPartialFiles = keepPartial
			}
			if flags.Changed("overwrite") {
				settings.OverwriteFiles = overwrite
			}
			if err := settings.Validate(); err != nil {
				return err
			}

			hist, err := openHistory(settings, logger)
			if err != nil {
				return err
			}

			var mgr *transfer.Manager
			disco, err := newDiscovery(settings, logger, func(count int) {
				if mgr != nil {
					mgr.Metrics().DiscoveredPeers.Set(float64(count))
				}
			})
			if err != nil {
				return err
			}

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			mgr, err = transfer.New(transfer.Options{
				Settings: settings,
				Logger:   logger,
				Peers:    disco,
				History:  hist,
				Registry: registry,
			})
			if err != nil {
				hist.Close()
				return err
			}
			defer func() {
				if err := mgr.Close(); err != nil {
					logger.Warn("Engine closed with errors", zap.Error(err))
				}
			}()

			events, unsubscribe := mgr.Subscribe(64)
			defer unsubscribe()

			if err := mgr.Listen(settings.ListenPort, ""); err != nil {
				return err
			}
			listenPort := mgr.ListenAddr().(*net.TCPAddr).Port

			if !noDiscovery {
				// Discovery failures leave manual addresses working.
				if err := disco.StartListening(); err != nil {
					logger.Warn("Discovery listener unavailable", zap.Error(err))
				}
				if err := disco.StartAdvertising(settings.DisplayName, listenPort); err != nil {
					logger.Warn("Discovery advertiser unavailable", zap.Error(err))
				}
				defer disco.Stop()
			}

			ctrl := control.NewServer(mgr, settings.ControlToken, logger)
			if err := ctrl.Start(settings.ControlAddr()); err != nil {
				return err
			}
			defer ctrl.Stop()

			if settings.MetricsAddress != "" {
				server := transfer.StartMetricsServer(settings.MetricsAddress, mgr, registry, logger)
				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					server.Shutdown(ctx)
				}()
			}

			dirPath, _ := settings.ResolvedSaveDirectory()
			printReceiverBanner(settings.DisplayName, listenPort, dirPath, settings.ControlAddr(), settings.AutoAccept)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var prompts chan transfer.OfferInfo
			if interactive && !settings.AutoAccept {
				prompts = make(chan transfer.OfferInfo, 16)
				go promptLoop(ctx, mgr, prompts, logger)
			}

			for {
				select {
				case <-ctx.Done():
					logger.Info("Shutting down receiver")
					return nil
				case e, ok := <-events:
					if !ok {
						return nil
					}
					printEvent(e)
					if e.Type == transfer.EventOfferReceived && prompts != nil && e.Offer != nil {
						select {
						case prompts <- *e.Offer:
						default:
							logger.Warn("Too many offers waiting for a prompt",
								zap.String("batch_id", string(e.BatchID)))
						}
					}
				}
			}
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "TCP port for offers and chunks")
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "directory received files are saved to")
	cmd.Flags().StringVar(&name, "name", "", "display name announced to peers")
	cmd.Flags().BoolVar(&autoAccept, "auto-accept", false, "accept every offer without asking")
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", true, "prompt for each offer on stdin")
	cmd.Flags().BoolVar(&noDiscovery, "no-discovery", false, "do not advertise or listen for peers")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "serve /metrics and /health on this address")
	cmd.Flags().StringVar(&controlAddr, "control", "", "control API address")
	cmd.Flags().BoolVar(&keepPartial, "keep-partial", false, "keep partial files of failed transfers")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "overwrite existing files instead of renaming")

	return cmd
}

// promptLoop asks about one offer at a time on stdin.
func promptLoop(ctx context.Context, mgr *transfer.Manager, offers <-chan transfer.OfferInfo, logger *zap.Logger) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		var offer transfer.OfferInfo
		select {
		case <-ctx.Done():
			return
		case offer = <-offers:
		}

		if time.Now().After(offer.ExpiresAt) {
			continue
		}
		fmt.Print(renderOffer(offer))
		fmt.Printf("Accept %d file(s) from %s? [y/N] ", len(offer.Files), offer.SenderName)

		var answer string
		var open bool
		select {
		case <-ctx.Done():
			return
		case answer, open = <-lines:
		case <-time.After(time.Until(offer.ExpiresAt)):
			fmt.Println()
			fmt.Println(mutedStyle.Render("Offer expired"))
			continue
		}
		if !open {
			return
		}

		var err error
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			err = mgr.Accept(offer.BatchID)
		default:
			err = mgr.Reject(offer.BatchID, "")
		}
		if err != nil && !errors.Is(err, types.ErrNoPendingOffer) {
			logger.Warn("Failed to answer offer", zap.String("batch_id", string(offer.BatchID)), zap.Error(err))
		}
	}
}
