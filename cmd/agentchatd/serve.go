package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/agent-command/agentchatd/internal/api"
	"github.com/agent-command/agentchatd/internal/clock"
	"github.com/agent-command/agentchatd/internal/config"
	"github.com/agent-command/agentchatd/internal/ingest"
	"github.com/agent-command/agentchatd/internal/logging"
	"github.com/agent-command/agentchatd/internal/manager"
	"github.com/agent-command/agentchatd/internal/metrics"
	"github.com/agent-command/agentchatd/internal/mux"
	"github.com/agent-command/agentchatd/internal/status"
	"github.com/agent-command/agentchatd/internal/store"
	"github.com/agent-command/agentchatd/internal/supervisor"
	"github.com/agent-command/agentchatd/internal/ws"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, level := logging.New(cfg.Log)

	if err := os.MkdirAll(cfg.Storage.StateDir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	lock := flock.New(filepath.Join(cfg.Storage.StateDir, "agentchatd.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another agentchatd is running with state dir %s", cfg.Storage.StateDir)
	}
	defer func() { _ = lock.Unlock() }()

	db, err := store.Open(ctx, cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	reg := metrics.New()
	supOpts, err := supervisor.OptionsFromConfig(&cfg.Agent)
	if err != nil {
		return err
	}

	var journal *ingest.Journal
	if *cfg.Journal.Enabled {
		journal = ingest.NewJournal(filepath.Join(cfg.Storage.StateDir, "sessions"), cfg.Journal.Interval(), clock.Real())
	}

	mgr := manager.New(manager.Options{
		Store:      db,
		Supervisor: supOpts,
		Mux: mux.Options{
			QueueFrames:     cfg.Mux.QueueFrames,
			Policy:          cfg.Mux.OverflowPolicy,
			ScrollbackBytes: *cfg.Mux.ScrollbackBytes,
		},
		Status:  []status.Option{status.WithWindow(cfg.Status.StaleAfter())},
		Journal: journal,
		Logger:  logger,
		Metrics: reg,
	})
	if err := mgr.Startup(ctx); err != nil {
		return err
	}

	ingestor := ingest.New(ingest.Options{
		Status:  mgr.Status(),
		Reports: db,
		Threads: db,
		Journal: journal,
		Logger:  logger,
		Metrics: reg,
	})
	terminal := ws.NewServer(mgr, ws.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AutoSpawn:      *cfg.Agent.AutoSpawnOnAttach,
		Logger:         logger,
	})
	handler := api.New(api.Options{
		Manager:  mgr,
		Ingest:   ingestor,
		Terminal: terminal,
		DB:       db,
		Metrics:  reg,
		Logger:   logger,
		Version:  Version,
	}).Handler()

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(next *config.Config) {
				mgr.Status().SetWindow(next.Status.StaleAfter())
				level.Set(logging.ParseLevel(next.Log.Level))
				logger.Info("config reloaded", "stale_after", next.Status.StaleAfter(), "log_level", next.Log.Level)
			})
			if err != nil {
				logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Listen, "version", Version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			shutdownManager(mgr, logger)
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Hijacked terminal connections are not tracked by Shutdown; the
	// manager closes them when it stops every hub.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	shutdownManager(mgr, logger)
	return nil
}

func shutdownManager(mgr *manager.Manager, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		logger.Warn("stop agents", "error", err)
	}
}
