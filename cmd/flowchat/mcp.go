package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/rendis/flowchat/pkg/mcp"
)

func newMCPCommand() *cli.Command {
	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve the workflow tools over MCP stdio",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			return runMCP(ctx, cfg)
		},
	}
}

func runMCP(ctx context.Context, cfg Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(os.Stderr, cfg)
	st, err := startStack(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Engine: st.engine,
		Hub:    st.hub,
		Logger: logger,
	})
	serveErr := srv.Serve(ctx)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, st.Close(shutdownCtx))
}
