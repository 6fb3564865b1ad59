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

	"github.com/overhaulhq/shopsync/internal/api"
	"github.com/overhaulhq/shopsync/internal/auth"
	"github.com/overhaulhq/shopsync/internal/config"
	"github.com/overhaulhq/shopsync/internal/ledger"
	"github.com/overhaulhq/shopsync/internal/snapshot"
	"github.com/overhaulhq/shopsync/internal/store"
	shopsync "github.com/overhaulhq/shopsync/internal/sync"
	"github.com/overhaulhq/shopsync/internal/worker"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:          "shopsync",
	Short:        "ShopSync - workshop synchronization server",
	SilenceUsage: true,
	RunE:         run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	// 3. Initialize logger
	logger := slog.New(newLogHandler(cfg.Log))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	// 4. Open the database and build the store and ledger over it
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	led, err := ledger.New(db, []byte(cfg.Ledger.HMACKey), []byte(cfg.Ledger.SignKey))
	if err != nil {
		return err
	}
	st := store.New(db, cfg.Database.Path, shopsync.DefaultRegistry(), led)
	slog.Info("store initialized", "path", cfg.Database.Path)

	// 5. Initialize auth
	issuer, err := auth.NewTokenIssuer([]byte(cfg.Auth.AccessSecret), time.Duration(cfg.Auth.AccessTokenTTL))
	if err != nil {
		return err
	}
	authSvc, err := auth.NewService(st, issuer, cfg.Auth.RefreshTokenTTL())
	if err != nil {
		return err
	}

	// 6. Initialize HTTP router
	limits := api.Limits{
		PushMaxTotal:    cfg.Sync.PushMaxTotal,
		PushMaxPerTable: cfg.Sync.PushMaxPerTable,
		PullLimit:       cfg.Sync.PullDefaultLimit,
		PollIntervalMs:  cfg.Sync.PollIntervalMs,
	}
	handler := api.NewHandler(st, authSvc, issuer, limits, cfg.Server.AllowedOrigins, Version)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	// 7. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 8. Start background workers
	var uploader snapshot.Uploader
	if cfg.SnapshotStorage.Bucket != "" {
		uploader, err = snapshot.NewUploader(cfg.SnapshotStorage)
		if err != nil {
			return err
		}
	}
	checkpoints := worker.NewCheckpointCoordinator(st, time.Duration(cfg.Worker.CheckpointInterval), uploader)
	retention := worker.NewRetentionCoordinator(st, time.Duration(cfg.Worker.RetentionInterval))

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "checkpoint-coordinator", checkpoints.Run)
	startWorker(ctx, &wg, "retention-coordinator", retention.Run)

	// 9. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr, "version", Version)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		// Any other error indicates an actual server failure that should trigger shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel() // Trigger shutdown on server failure
		}
	}()

	// 10. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 11. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 11a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 11b. Wait for workers to complete
	wg.Wait()

	// 11c. Close store
	if err := st.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogHandler(cfg config.LogConfig) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
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

// openStore loads configuration and opens the authoritative store for
// subcommands that operate on the database without running the server.
func openStore() (*store.SQLiteStore, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	led, err := ledger.New(db, []byte(cfg.Ledger.HMACKey), []byte(cfg.Ledger.SignKey))
	if err != nil {
		db.Close()
		return nil, err
	}
	return store.New(db, cfg.Database.Path, shopsync.DefaultRegistry(), led), nil
}
