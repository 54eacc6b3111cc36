// Package warden implements app.Runner for the relay process and the
// wiring shared by the warden commands.
package warden

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/chainsafe/bridge-warden/pkg/app/httpserver"
	"github.com/chainsafe/bridge-warden/pkg/config"
)

// Server runs the relay engine next to the ops HTTP server.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewServer initializes a new warden Server.
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// Run starts the engine and blocks until SIGINT/SIGTERM or a fatal server error.
// In-flight dispatches are finished before it returns.
func (s *Server) Run() error {
	if s.cfg == nil {
		return fmt.Errorf("nil config")
	}
	cfg := s.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s.logger.Info("Starting bridge warden")

	w, err := Build(ctx, cfg, s.logger)
	if err != nil {
		return err
	}

	if err := w.Engine.Start(ctx); err != nil {
		_ = w.Close()
		return fmt.Errorf("start relay engine: %w", err)
	}

	router := NewRouter(RouterConfig{
		MetricsEnabled: !cfg.Monitoring.Disabled,
		TokenDecimals:  cfg.Relay.TokenDecimals,
	}, w.Ledger, w.Engine, s.logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return httpserver.ServeAndWait(ctx, s.logger, srv, cfg.Server.ShutdownTimeout,
		stopEngine(w), func(context.Context) error { return w.Close() })
}

// stopEngine waits for in-flight dispatches, giving up when the shutdown budget runs out.
func stopEngine(w *Warden) httpserver.ShutdownHook {
	return func(ctx context.Context) error {
		stopped := make(chan struct{})
		go func() {
			w.Engine.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("relay engine did not stop in time: %w", ctx.Err())
		}
	}
}
