// Package server constructs, starts and stops the HTTP service.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// CreateServer creates an HTTP server for handler on port. No write timeout
// is set because upgraded connections outlive any single response.
func CreateServer(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// StartServer listens until the server is shut down. A clean shutdown
// returns nil.
func StartServer(logger *slog.Logger, server *http.Server) error {
	logger.Info("server listening", slog.String("addr", server.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ShutdownServer stops accepting requests, closes every hub connection and
// waits up to timeout for both to drain.
func ShutdownServer(logger *slog.Logger, server *http.Server, hub *Hub, timeout time.Duration) error {
	logger.Info("shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// http.Server.Shutdown does not wait for hijacked connections, so the
	// hub is drained separately.
	httpErr := server.Shutdown(ctx)
	if httpErr != nil {
		logger.Error("HTTP server shutdown error", slog.Any("error", httpErr))
	}
	hubErr := hub.Shutdown(ctx)

	if err := errors.Join(httpErr, hubErr); err != nil {
		return err
	}
	logger.Info("HTTP server shutdown completed")
	return nil
}
