package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ent0n29/threadbot/internal/app"
	"github.com/ent0n29/threadbot/internal/config"
	"github.com/ent0n29/threadbot/internal/logging"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "threadbot",
		Short:         "Reply-chain LLM chat bot",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.AddCommand(newServeCommand(), newCacheCommand())
	return root
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat surface and HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func loadConfig() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), fmt.Errorf("config error: %w", err)
	}
	logger := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	return cfg, logger, nil
}

func runServe(ctx context.Context) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	built, err := app.Build(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	built.Sessions.StartJanitor(runCtx, 5*time.Second)
	built.Persister.StartAutosave(runCtx, cfg.CacheAutosaveInterval)

	listenErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Str("model", cfg.Model).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err, ok := <-listenErr:
		if ok && err != nil {
			_ = built.Cleanup(context.WithoutCancel(ctx))
			return fmt.Errorf("listen error: %w", err)
		}
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	built.API.Close()
	drained := make(chan struct{})
	go func() {
		built.API.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn().Msg("in-flight replies still running at shutdown deadline")
	}

	if err := built.Cleanup(context.WithoutCancel(ctx)); err != nil {
		logger.Error().Err(err).Msg("node cache flush failed")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}
