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

	"github.com/urfave/cli/v3"

	"github.com/rendis/flowchat/internal/panel"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the HTTP API, chat endpoints and workflow engine",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(ctx, cfg)
		},
	}
}

func runServe(ctx context.Context, cfg Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(os.Stderr, cfg)
	st, err := startStack(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv := panel.NewServer(panel.Deps{
		Engine:  st.engine,
		Hub:     st.hub,
		Sweeper: st.sweeper,
		Logger:  logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		if serveErr != nil {
			serveErr = fmt.Errorf("http server: %w", serveErr)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Streaming connections are long-lived; Shutdown stops accepting and
	// the engine drain below bounds how long in-flight runs get.
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.String("error", err.Error()))
	}
	return errors.Join(serveErr, st.Close(shutdownCtx))
}
