// Package httpserver runs the warden's ops HTTP server with a bounded graceful shutdown.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const defaultShutdownTimeout = 30 * time.Second

// ShutdownHook runs after the HTTP server stopped accepting requests, within
// the same shutdown budget.
type ShutdownHook func(ctx context.Context) error

// ServeAndWait binds srv.Addr, serves until ctx is done or the server fails,
// then shuts down within shutdownTimeout and runs the hooks in order.
// The hooks also run when the address cannot be bound.
func ServeAndWait(
	ctx context.Context,
	logger *zap.Logger,
	srv *http.Server,
	shutdownTimeout time.Duration,
	hooks ...ShutdownHook,
) error {
	if srv == nil {
		return fmt.Errorf("nil http server")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	shutdownCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), shutdownTimeout)
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		hctx, cancel := shutdownCtx()
		defer cancel()
		return errors.Join(fmt.Errorf("listen on %s: %w", srv.Addr, err), runHooks(hctx, hooks))
	}
	logger.Info("Ops server listening", zap.String("address", ln.Addr().String()))

	served := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			served <- err
			return
		}
		served <- nil
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case serveErr = <-served:
		if serveErr != nil {
			logger.Error("Ops server failed", zap.Error(serveErr))
		}
	}

	hctx, cancel := shutdownCtx()
	defer cancel()

	logger.Info("Shutting down", zap.Duration("timeout", shutdownTimeout))
	var shutdownErr error
	if err := srv.Shutdown(hctx); err != nil {
		shutdownErr = fmt.Errorf("http shutdown: %w", err)
	}
	if err := errors.Join(serveErr, shutdownErr, runHooks(hctx, hooks)); err != nil {
		return err
	}
	logger.Info("Ops server stopped")
	return nil
}

func runHooks(ctx context.Context, hooks []ShutdownHook) error {
	var errs []error
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
