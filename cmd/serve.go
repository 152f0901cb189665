package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sablecrm/telebridge/internal/config"
	"github.com/sablecrm/telebridge/internal/egress"
	"github.com/sablecrm/telebridge/internal/engine"
	"github.com/sablecrm/telebridge/internal/fanout"
	"github.com/sablecrm/telebridge/internal/flood"
	"github.com/sablecrm/telebridge/internal/gateway"
	"github.com/sablecrm/telebridge/internal/httpapi"
	"github.com/sablecrm/telebridge/internal/media"
	"github.com/sablecrm/telebridge/internal/peers"
	"github.com/sablecrm/telebridge/internal/store"
	"github.com/sablecrm/telebridge/internal/store/pg"
	"github.com/sablecrm/telebridge/internal/store/sqlite"
	"github.com/sablecrm/telebridge/internal/tracing"
	"github.com/sablecrm/telebridge/internal/updates"
	"github.com/sablecrm/telebridge/internal/wire"
	"github.com/sablecrm/telebridge/internal/wire/legacy"
	"github.com/sablecrm/telebridge/internal/wire/modern"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the messaging engine: gateway, admin API, and session workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer shutdownTracing(context.Background())

	st, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	dialer := newDialer(cfg.Network)
	governor := flood.NewGovernor()
	cache := peers.NewCache()
	source := updates.NewSource(logger, governor, cfg.Polling.Interval, cfg.Polling.FetchWindow)
	defer source.Close()

	eng := engine.NewManager(logger, st, dialer, governor, cache, source,
		wire.Generation(cfg.Network.DefaultGeneration))
	eng.SetCallTimeout(cfg.Network.CallTimeout)
	defer eng.Close()

	hub := fanout.NewHub(logger)

	var publisher *egress.Publisher
	if cfg.Egress.Enabled {
		publisher, err = egress.Dial(ctx, cfg.Egress.URL, cfg.Egress.Exchange, logger)
		if err != nil {
			return fmt.Errorf("egress dial: %w", err)
		}
		defer publisher.Close()
	}

	webhook := egress.NewWebhook(st, logger)

	// Bridge: the single consumer of the update stream fans each update to
	// realtime observers, to per-session webhooks, and, when configured, to
	// the CRM broker.
	go func() {
		for u := range source.Updates() {
			hub.Publish(u)
			if err := webhook.Notify(ctx, u); err != nil {
				logger.Warn("webhook delivery failed",
					"session_id", u.SessionID, "error", err)
			}
			if publisher != nil {
				if err := publisher.Publish(ctx, u); err != nil {
					logger.Warn("egress publish failed",
						"session_id", u.SessionID, "error", err)
				}
			}
		}
	}()

	admin := httpapi.NewServer(cfg.Admin, logger, eng)
	if cfg.Media.Enabled {
		archiver, err := media.New(ctx, cfg.Media, logger)
		if err != nil {
			return fmt.Errorf("media archiver: %w", err)
		}
		admin.WithMediaArchiver(archiver)
	}

	gw := gateway.NewServer(cfg.Gateway, logger, hub, eng)

	watcher, err := config.NewWatcher(logger, resolveConfigPath(), cfg)
	if err != nil {
		logger.Warn("config watcher unavailable, edits need a restart", "error", err)
	} else {
		watcher.OnChange(func(next config.Reloadable) {
			source.SetPolling(next.PollingInterval, next.FetchWindow)
			eng.SetCallTimeout(next.CallTimeout)
		})
		if werr := watcher.Start(); werr != nil {
			logger.Warn("config watcher failed to start", "error", werr)
		} else {
			defer watcher.Stop()
		}
	}

	// Restore previously authenticated sessions before accepting traffic so
	// observers reconnecting after a restart find their sessions live.
	if err := eng.RestoreAll(ctx, ""); err != nil {
		logger.Error("session restore failed", "error", err)
	}

	errCh := make(chan error, 2)
	go func() { errCh <- gw.Start(ctx) }()
	go func() { errCh <- admin.Start(ctx) }()

	select {
	case err := <-errCh:
		stop()
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	}
}

func openStore(cfg config.StoreConfig) (store.SessionStore, error) {
	sc := store.Config{PostgresDSN: cfg.PostgresDSN, Mode: cfg.Mode, SQLitePath: cfg.SQLitePath}
	if sc.IsManaged() {
		return pg.NewSessionStore(cfg.PostgresDSN)
	}
	return sqlite.Open(cfg.SQLitePath)
}

func newDialer(cfg config.NetworkConfig) wire.Dialer {
	return func(gen wire.Generation) (wire.Client, error) {
		switch gen {
		case wire.GenerationLegacy:
			return legacy.New(cfg.LegacyAddr, cfg.AppID, cfg.AppKey), nil
		case wire.GenerationModern:
			return modern.New(cfg.ModernURL, cfg.AppID, cfg.AppKey), nil
		default:
			return nil, fmt.Errorf("unknown client generation %q", gen)
		}
	}
}
