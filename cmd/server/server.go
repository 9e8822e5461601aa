package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/multierr"
)

// startHTTPServer serves router until ctx is cancelled, the listener fails, or
// the relay stops. It then stops accepting requests; websocket connections are
// hijacked and are closed separately by the connection manager.
func (app *application) startHTTPServer(ctx context.Context, router http.Handler, relayDone <-chan error) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.config.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info("starting server", "port", app.config.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		app.logger.Info("shutting down server")
	case err := <-serverErr:
		app.logger.Error("server failed", "error", err)
		runErr = fmt.Errorf("server error: %w", err)
	case err := <-relayDone:
		app.logger.Error("relay stopped, shutting down server", "error", err)
		runErr = fmt.Errorf("relay stopped: %w", err)
	}

	timeout := time.Duration(app.config.Server.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("server shutdown failed", "error", err)
		return multierr.Append(runErr, fmt.Errorf("server shutdown failed: %w", err))
	}

	app.logger.Info("HTTP server stopped")
	return runErr
}
