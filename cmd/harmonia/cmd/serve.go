package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/harmonia-media/harmonia/internal/api"
	"github.com/harmonia-media/harmonia/internal/catalog"
	"github.com/harmonia-media/harmonia/internal/config"
	"github.com/harmonia-media/harmonia/internal/database"
	"github.com/harmonia-media/harmonia/internal/download"
	"github.com/harmonia-media/harmonia/internal/logutil"
	"github.com/harmonia-media/harmonia/internal/torrentd"
	"github.com/harmonia-media/harmonia/internal/watchdog"
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Harmonia acquisition pipeline",
		Long:  `Run the download queue processor, the missing files watchdog schedule and the operator API.`,
		RunE:  runServe,
	}

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Default().Error("Failed to load config", "error", err)
		return err
	}

	logger := logutil.Setup(cfg.Log)
	logger.Info("Starting harmonia", "config", configFile)

	db, err := database.Open(database.Config{DatabasePath: cfg.Database.Path})
	if err != nil {
		return fmt.Errorf("failed to open queue database: %w", err)
	}
	defer db.Close()

	cat, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("failed to open catalog database: %w", err)
	}
	defer cat.Close()

	client := torrentd.NewClient(torrentd.Config{
		BaseURL:      cfg.Fulfillment.URL,
		WebSocketURL: cfg.Fulfillment.WebSocketURL,
		APIToken:     cfg.Fulfillment.APIToken,
		Timeout:      cfg.Fulfillment.Timeout(),
		EventBuffer:  cfg.Fulfillment.EventBuffer,
	})

	audit := download.NewAuditLogger(db.Audit)

	manager := download.NewManager(db.Queue, audit, client, cat, download.ManagerConfig{
		Limits: download.Limits{
			MaxSubmissionsPerHour: cfg.Download.MaxSubmissionsPerHour,
			MaxSubmissionsPerDay:  cfg.Download.MaxSubmissionsPerDay,
			UserMaxRequestsPerDay: cfg.Download.UserMaxRequestsPerDay,
			UserMaxQueueSize:      cfg.Download.UserMaxQueueSize,
		},
		Retry: download.RetryPolicy{
			MaxRetries:     cfg.Download.MaxRetries,
			InitialBackoff: cfg.Download.InitialBackoff(),
			MaxBackoff:     cfg.Download.MaxBackoff(),
			Multiplier:     cfg.Download.BackoffMultiplier,
		},
		WatchdogMaxRetries:       cfg.Watchdog.MaxRetries,
		StaleInProgressThreshold: cfg.Download.StaleInProgressThreshold(),
		AuditRetention:           cfg.Download.AuditRetention(),
		MediaRoot:                cfg.Catalog.MediaRoot,
	})

	wd := watchdog.New(cat, afero.NewOsFs(), manager, audit, watchdog.Config{
		MediaRoot:  cfg.Catalog.MediaRoot,
		BatchSize:  cfg.Watchdog.BatchSize,
		MaxRetries: cfg.Watchdog.MaxRetries,
	})

	processor := download.NewProcessor(client, manager, download.ProcessorConfig{
		ReconnectDelay: cfg.Fulfillment.ReconnectDelay(),
	})

	server := api.NewServer(manager, wd, client)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Interrupted sessions leave items stuck in_progress; sweep them
	// before the processor starts submitting.
	if reset, err := manager.ResetStaleInProgress(ctx); err != nil {
		logger.Warn("Startup stale sweep failed", "error", err)
	} else if reset > 0 {
		logger.Info("Recovered stale in-progress items", "count", reset)
	}

	scheduler, err := setupScheduler(ctx, cfg, manager, wd, logger)
	if err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()

	if cfg.Watchdog.Enabled && cfg.Watchdog.ScanOnStartup {
		go func() {
			if _, err := wd.Scan(ctx, watchdog.ModeActual); err != nil {
				logger.Error("Startup scan failed", "error", err)
			}
		}()
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return processor.Run(ctx)
	})

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.API.Port)
		logger.Info("Operator API listening", "addr", addr)
		return server.Listen(addr)
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		// Signal-driven shutdown is a clean exit.
		err = nil
	}
	return err
}

func setupScheduler(ctx context.Context, cfg *config.Config, manager *download.Manager, wd *watchdog.Watchdog, logger *slog.Logger) (*cron.Cron, error) {
	scheduler := cron.New()

	if cfg.Watchdog.Enabled {
		_, err := scheduler.AddFunc(cfg.Watchdog.Schedule, func() {
			if _, err := wd.Scan(ctx, watchdog.ModeActual); err != nil {
				logger.Error("Scheduled scan failed", "error", err)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule watchdog: %w", err)
		}
	}

	_, err := scheduler.AddFunc("@every 10m", func() {
		if _, err := manager.ResetStaleInProgress(ctx); err != nil {
			logger.Error("Stale sweep failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule stale sweep: %w", err)
	}

	_, err = scheduler.AddFunc("@daily", func() {
		if _, err := manager.PruneAuditLog(ctx); err != nil {
			logger.Error("Audit prune failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule audit prune: %w", err)
	}

	return scheduler, nil
}
