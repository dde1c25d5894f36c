// Command relay runs the client-side message delivery daemon: it keeps
// a websocket session to the realtime server, queues traffic while the
// connection or the backend data store is down, and syncs deferred
// message edits.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/teamdesk/relay/internal/config"
	"github.com/teamdesk/relay/internal/conn"
	"github.com/teamdesk/relay/internal/dispatch"
	"github.com/teamdesk/relay/internal/editsync"
	"github.com/teamdesk/relay/internal/health"
	"github.com/teamdesk/relay/internal/logging"
	"github.com/teamdesk/relay/internal/metrics"
	"github.com/teamdesk/relay/internal/store"
)

const metricsShutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("starting relay",
		"device", cfg.DeviceName,
		"server", cfg.ServerURL,
		"user", cfg.Username,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	monitor := health.NewMonitor(cfg.HealthURL, nil, logging.Component(logger, "health"))
	manager := conn.NewManager(cfg.ServerURL, monitor, logging.Component(logger, "conn"))
	dispatcher := dispatch.NewDispatcher(manager, monitor, st, cfg.UserID, logging.Component(logger, "dispatch"))
	edits := editsync.NewManager(manager, st, logging.Component(logger, "editsync"))
	dispatcher.SetEditSink(edits)

	// State left by a previous run comes back before anything new moves:
	// interrupted sends re-enter the queue and pending edit chains resume.
	if err := dispatcher.Restore(); err != nil {
		return fmt.Errorf("recovering interrupted sends: %w", err)
	}

	if err := edits.Start(ctx); err != nil {
		return fmt.Errorf("resuming pending edits: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return monitor.Run(gctx)
	})

	g.Go(func() error {
		return dispatcher.Run(gctx)
	})

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsAddr, logger)
		})
	}

	if err := manager.Start(gctx, conn.Identity{UserID: cfg.UserID, Username: cfg.Username}); err != nil {
		// Not fatal: the manager retries on its own schedule and the
		// queue holds traffic until the session is up.
		logger.Warn("initial connection failed, retrying in background", "error", err)
	}
	defer manager.Stop()

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.Info("relay stopped")

	return nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.StateDB != "" {
		return store.LoadAt(cfg.StateDB)
	}

	return store.Load()
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}()

	logger.Info("metrics listening", "addr", addr)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}

	return nil
}
