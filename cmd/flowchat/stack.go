package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/flowchat/internal/engine"
	"github.com/rendis/flowchat/internal/llm"
	"github.com/rendis/flowchat/internal/logging"
	"github.com/rendis/flowchat/internal/scheduler"
	"github.com/rendis/flowchat/internal/store"
	"github.com/rendis/flowchat/internal/streaming"
)

// stack is the wired engine shared by serve and mcp.
type stack struct {
	logger  *slog.Logger
	store   *store.LibSQLStore
	hub     *streaming.MemoryHub
	engine  *engine.Engine
	sweeper *scheduler.Sweeper
}

// newLogger builds the process logger. Logs always go to w so that stdout
// stays free for the MCP stdio transport.
func newLogger(w io.Writer, cfg Config) *slog.Logger {
	logger := logging.New(w, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return logger
}

// startStack opens the store, builds the engine, recovers unfinished runs
// and starts the wait sweeper.
func startStack(ctx context.Context, cfg Config, logger *slog.Logger) (*stack, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	st, err := store.NewLibSQLStore(dbURI(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	completer, err := llm.New(llm.Config{
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
		APIKey:  cfg.LLM.APIKey,
		Timeout: time.Duration(cfg.LLM.Timeout),
		Logger:  logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	hub := streaming.NewMemoryHub()
	eng, err := engine.New(st, completer, hub, engine.Config{
		PoolSize:     cfg.PoolSize,
		MaxSteps:     cfg.MaxSteps,
		InputTimeout: time.Duration(cfg.InputTimeout),
		Logger:       logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create engine: %w", err)
	}

	if err := eng.Recover(ctx); err != nil {
		logger.Warn("recovery incomplete", slog.String("error", err.Error()))
	}

	sweeper, err := scheduler.NewSweeper(eng, scheduler.Config{Spec: cfg.SweepInterval, Logger: logger})
	if err != nil {
		_ = eng.Shutdown(ctx)
		_ = st.Close()
		return nil, err
	}
	if err := sweeper.Start(ctx); err != nil {
		_ = eng.Shutdown(ctx)
		_ = st.Close()
		return nil, err
	}

	logger.Info("flowchat engine ready",
		slog.String("db_path", cfg.DBPath),
		slog.Int("pool_size", cfg.PoolSize),
		slog.String("model", cfg.LLM.Model),
	)
	return &stack{logger: logger, store: st, hub: hub, engine: eng, sweeper: sweeper}, nil
}

// dbURI turns a plain path into the file URI libsql expects.
func dbURI(path string) string {
	if strings.Contains(path, ":") && !filepath.IsAbs(path) {
		return path // already a URI such as file:/x.db or libsql://host
	}
	return "file:" + path
}

// Close stops the sweeper, drains the engine and closes the store.
func (r *stack) Close(ctx context.Context) error {
	var errs []error
	if err := r.sweeper.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := r.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine shutdown: %w", err))
	}
	if err := r.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}
