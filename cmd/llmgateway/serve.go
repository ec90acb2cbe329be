package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/llm-gateway/internal/api"
	"github.com/felipepmaragno/llm-gateway/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin HTTP server (health, metrics, rate-limit inspection)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, serve)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, a *app.App) error {
	handler := api.NewServer(api.Config{
		Gateway:       a.Gateway,
		Checkers:      a.HealthCheckers(),
		HealthTimeout: a.Config.HealthTimeout,
		Version:       app.Version,
		Logger:        a.Logger,
	})

	srv := &http.Server{
		Addr:         a.Config.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("server listening", "addr", a.Config.Addr, "version", app.Version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.Logger.Info("shutting down server")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Error("server forced to shutdown", "error", err)
		return err
	}

	a.Logger.Info("server stopped")
	return nil
}
