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

	environment "examdesk/internal/env"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "examdesk",
		Short:         "Exam booking and certificate payment service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, observability server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return environment.Migrate(cmd.Context())
		},
	}
}

func serve(ctx context.Context) error {
	env, err := environment.Setup(ctx)
	if err != nil {
		return fmt.Errorf("setup environment: %w", err)
	}
	defer func() {
		for _, closer := range env.Closers {
			closer()
		}
	}()

	logger := env.Logger
	logger.Info("Starting examdesk", "version", Version)

	serverErr := make(chan error, 2)
	listen := func(name string, srv *http.Server) {
		logger.Info("Starting server", slog.String("name", name), slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("%s server: %w", name, err)
		}
	}
	go listen("observability", env.Servers.HTTP.Observability)
	go listen("api", env.Servers.HTTP.API)

	if err := env.Services.WorkerService.Start(); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("Shutting down", "signal", sig.String())
	case runErr = <-serverErr:
		logger.Error("Server failed, shutting down", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), env.Config.ShutdownDuration)
	defer cancel()

	// stop taking payments before the workers go away
	if err := env.Servers.HTTP.API.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", slog.Any("error", err))
	}

	env.Services.WorkerService.Stop()

	if err := env.Servers.HTTP.Observability.Shutdown(shutdownCtx); err != nil {
		logger.Error("Observability server shutdown error", slog.Any("error", err))
	}

	logger.Info("Application stopped")
	return runErr
}
