package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/recordsync/internal/api"
	"github.com/hyperengineering/recordsync/internal/auth"
	"github.com/hyperengineering/recordsync/internal/autoheal"
	"github.com/hyperengineering/recordsync/internal/config"
	"github.com/hyperengineering/recordsync/internal/consistency"
	"github.com/hyperengineering/recordsync/internal/ledger"
	"github.com/hyperengineering/recordsync/internal/registry"
	"github.com/hyperengineering/recordsync/internal/replication"
	"github.com/hyperengineering/recordsync/internal/store"
	"github.com/hyperengineering/recordsync/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "recordsync",
	Short: "RecordSync - signed change ledger and sync server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	slog.Info("configuration loaded")

	// 4. Initialize store (migrations, WAL mode)
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Table registry and block signer
	reg := registry.MustNew()
	signer, err := ledger.LoadOrCreateSigner(cfg.Database.KeyPath)
	if err != nil {
		return err
	}
	slog.Info("signer loaded", "signer_id", signer.ID)

	// 6. Ledger engine (replays the change log into memory)
	engine, err := ledger.NewEngine(ctx, db, reg, signer, logger)
	if err != nil {
		return err
	}
	slog.Info("ledger engine initialized", "height", engine.Height())

	// 7. Replication, consistency and autoheal components
	applier := replication.NewApplier(db, reg, engine, logger)
	producer := replication.NewProducer(db, reg, replication.ProducerOptions{
		EnforceV2:   cfg.Sync.V2Enforce,
		PageDefault: cfg.Sync.PullPageDefault,
		PageMax:     cfg.Sync.PullPageMax,
	}, logger)
	reporter := consistency.NewReporter(db, reg, consistency.Thresholds{
		ObserveRatio:   cfg.Autoheal.ObserveRatio,
		DegradedRatio:  cfg.Autoheal.DegradedRatio,
		CriticalRatio:  cfg.Autoheal.CriticalRatio,
		DriftThreshold: cfg.Autoheal.DriftThreshold,
	}, logger)
	controller := autoheal.NewController(db, reporter, engine, autoheal.Options{
		Enabled:                  cfg.Autoheal.Enabled,
		Cooldown:                 time.Duration(cfg.Autoheal.Cooldown),
		SameFingerprintCooldown:  time.Duration(cfg.Autoheal.SameFingerprintCooldown),
		MaxActionsPer24h:         cfg.Autoheal.MaxActionsPer24h,
		MaxDeepRepairPer24h:      cfg.Autoheal.MaxDeepRepairPer24h,
		CriticalConsecutive:      cfg.Autoheal.CriticalConsecutive,
		ResetConsecutive:         cfg.Autoheal.ResetConsecutive,
		ForceFullPullConsecutive: cfg.Autoheal.ForceFullPullConsecutive,
	}, logger)

	// 8. HTTP router
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, os.Getenv("RECORDSYNC_DEV_MODE") == "true")
	handler := api.NewHandler(db, reg, engine, applier, producer, reporter, verifier, logger)
	router := api.NewRouter(handler, verifier)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 9. Background workers
	var wg sync.WaitGroup
	coordinator := worker.NewAutohealCoordinator(db, controller, time.Duration(cfg.Worker.AutohealInterval))
	startWorker(ctx, &wg, "autoheal-coordinator", coordinator.Run)

	// 10. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr, "version", Version)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		// Any other error indicates an actual server failure that should trigger shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel() // Trigger shutdown on server failure
		}
	}()

	// 11. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 12. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 12a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 12b. Wait for workers to complete
	wg.Wait()

	// 12c. Close store
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
