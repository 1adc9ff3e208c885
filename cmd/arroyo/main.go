package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/italolelis/arroyo/internal/config"
	"github.com/italolelis/arroyo/internal/dc"
	"github.com/italolelis/arroyo/internal/dc/deluge"
	dcmemory "github.com/italolelis/arroyo/internal/dc/memory"
	"github.com/italolelis/arroyo/internal/dc/putio"
	"github.com/italolelis/arroyo/internal/http/rest"
	"github.com/italolelis/arroyo/internal/logctx"
	"github.com/italolelis/arroyo/internal/notifier"
	"github.com/italolelis/arroyo/internal/reconciler"
	"github.com/italolelis/arroyo/internal/storage"
	"github.com/italolelis/arroyo/internal/storage/filestore"
	"github.com/italolelis/arroyo/internal/storage/memory"
	"github.com/italolelis/arroyo/internal/storage/postgres"
	"github.com/italolelis/arroyo/internal/storage/sqlite"
	"github.com/italolelis/arroyo/internal/svc/arr"
	"github.com/italolelis/arroyo/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := logctx.New(os.Stdout, cfg.SlogLevel())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("arroyo starting...", "version", version, "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
		PushInterval:   cfg.Telemetry.PushInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Ledger
	base, err := buildLedger(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer base.Close()

	ledger := storage.NewInstrumentedLedger(base, tel)

	// =========================================================================
	// Start Download Adapter
	built, err := adapterRegistry(cfg).Build(ctx, strings.ToLower(cfg.Adapter))
	if err != nil {
		return err
	}

	adapter := dc.NewInstrumentedAdapter(built, tel)

	if err := adapter.Authenticate(ctx); err != nil {
		return fmt.Errorf("authentication error: %w", err)
	}

	// =========================================================================
	// Start Reconciler
	rec := reconciler.New(ledger, adapter,
		reconciler.WithAdapterTimeout(cfg.AdapterTimeout),
		reconciler.WithTelemetry(tel),
		reconciler.WithEventBuffer(cfg.EventBuffer),
	)

	var notif notifier.Notifier = notifier.NopNotifier{}
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, rec, adapter, tel, cfg)

	logger.Info("tracking downloads",
		"adapter", adapter.Name(),
		"ledger", cfg.LedgerDriver,
		"target_label", cfg.TargetLabel,
		"sync_interval", cfg.SyncInterval.String(),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	g.Go(func() error {
		rec.Watch(gctx, cfg.SyncInterval)

		return nil
	})

	g.Go(func() error {
		rec.WatchImports(gctx, cfg.ImportCheckInterval, importCheckers(cfg)...)

		return nil
	})

	g.Go(func() error {
		notifier.Forward(gctx, rec.Events(), notif)

		return nil
	})

	return g.Wait()
}

// buildLedger opens the ledger selected by LEDGER_DRIVER.
func buildLedger(ctx context.Context, cfg *config.Config) (storage.Ledger, error) {
	switch strings.ToLower(cfg.LedgerDriver) {
	case "memory":
		return memory.NewLedger(), nil
	case "sqlite":
		return sqlite.NewLedger(ctx, cfg.DBPath)
	case "postgres":
		return postgres.NewLedger(ctx, cfg.PostgresDSN)
	case "file":
		return filestore.Open(cfg.LedgerFile)
	}

	return nil, fmt.Errorf("invalid ledger driver: %s", cfg.LedgerDriver)
}

// adapterRegistry lists every download adapter this binary can drive.
func adapterRegistry(cfg *config.Config) *dc.Registry {
	r := dc.NewRegistry()

	r.Register("deluge", func(context.Context) (dc.Adapter, error) {
		return deluge.NewClient(cfg.DelugeBaseURL, cfg.DelugeAPIURLPath, cfg.DelugeUsername, cfg.DelugePassword, cfg.TargetLabel,
			deluge.WithInsecure(true),
			deluge.WithTimeout(cfg.AdapterTimeout),
		), nil
	})

	r.Register("putio", func(context.Context) (dc.Adapter, error) {
		return putio.NewClient(cfg.PutioToken, cfg.TargetLabel), nil
	})

	r.Register("memory", func(context.Context) (dc.Adapter, error) {
		return dcmemory.New(), nil
	})

	return r
}

func importCheckers(cfg *config.Config) []reconciler.ImportChecker {
	var checkers []reconciler.ImportChecker

	if cfg.Sonarr.Enabled() {
		checkers = append(checkers, arr.NewClient(cfg.Sonarr.APIKey, cfg.Sonarr.URL))
	}

	if cfg.Radarr.Enabled() {
		checkers = append(checkers, arr.NewClient(cfg.Radarr.APIKey, cfg.Radarr.URL))
	}

	return checkers
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, rec *reconciler.Reconciler, adapter dc.Adapter, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	var tHandler *rest.TransmissionHandler

	if cfg.Transmission.Username != "" {
		tHandler = rest.NewTransmissionHandler(
			cfg.Transmission.Username,
			cfg.Transmission.Password,
			rec,
			adapter,
			cfg.TargetLabel,
			cfg.Transmission.DownloadDir,
		)
	}

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      rest.NewRouter(rest.NewAPIHandler(rec), tHandler, tel),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
