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

	"github.com/hyperengineering/mailrelay/internal/api"
	"github.com/hyperengineering/mailrelay/internal/archive"
	"github.com/hyperengineering/mailrelay/internal/config"
	"github.com/hyperengineering/mailrelay/internal/engine"
	"github.com/hyperengineering/mailrelay/internal/forward"
	"github.com/hyperengineering/mailrelay/internal/queue"
	"github.com/hyperengineering/mailrelay/internal/store"
	"github.com/hyperengineering/mailrelay/internal/upstream"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mailrelay",
	Short: "Mailrelay - mailbox change notification relay",
	RunE:  run,
}

func init() {
	rootCmd.AddCommand(cursorCmd)
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
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	// 4. Initialize cursor store (optional)
	var cursors store.CursorStore = store.NoopStore{}
	if cfg.Store.Path != "" {
		sqliteStore, err := store.NewSQLiteStore(cfg.Store.Path)
		if err != nil {
			return err
		}
		cursors = sqliteStore
		slog.Info("cursor store initialized", "path", cfg.Store.Path)
	} else {
		slog.Info("cursor store disabled, baseline derived from change source on restart")
	}

	// 5. Initialize delivery archive (optional)
	archiver, err := archive.NewArchiver(cfg.Archive)
	if err != nil {
		return err
	}

	// 6. Initialize upstream clients and forward sink
	tokens := upstream.NewOAuthTokenProvider(
		cfg.Upstream.TokenURL,
		cfg.Upstream.ClientID,
		cfg.Upstream.ClientSecret,
		cfg.Upstream.RefreshToken,
		time.Duration(cfg.Upstream.CallTimeout),
	)
	source := upstream.NewClient(
		cfg.Upstream.BaseURL,
		cfg.Upstream.Mailbox,
		time.Duration(cfg.Upstream.CallTimeout),
	)
	sink := forward.NewWebhookSink(cfg.Forward.URL, time.Duration(cfg.Forward.CallTimeout))
	slog.Info("upstream clients initialized", "mailbox", cfg.Upstream.Mailbox)

	// 7. Initialize queue and engine
	q := queue.New(cfg.Queue.MaxLength)
	eng := engine.New(engine.Config{
		Queue:        q,
		Tokens:       tokens,
		Source:       source,
		Sink:         sink,
		Cursors:      cursors,
		Archive:      archiver,
		Mailbox:      cfg.Upstream.Mailbox,
		RequiredTags: cfg.Forward.RequiredTags,
		CallTimeout:  time.Duration(cfg.Upstream.CallTimeout),
	})

	// 8. Initialize HTTP router
	handler := api.NewHandler(q, eng,
		time.Duration(cfg.Server.IntakeWaitTimeout),
		cfg.Auth.APIKey, cfg.Upstream.Mailbox, Version)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	// 9. Configure HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 10. Start the engine worker
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "engine", eng.Run)

	// 11. Start HTTP server in goroutine
	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		// Any other error indicates an actual server failure that should trigger shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel() // Trigger shutdown on server failure
		}
	}()

	// 12. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 13. Graceful shutdown sequence
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 13a. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 13b. Wait for the engine to stop
	wg.Wait()

	// 13c. Close cursor store
	if err := cursors.Close(); err != nil {
		slog.Error("cursor store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
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
