package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "flowchat",
		Usage:                 "Run conversational agent workflows",
		Version:               version,
		EnableShellCompletion: true,
		Flags:                 configFlags(),
		Commands: []*cli.Command{
			newServeCommand(),
			newMCPCommand(),
			newValidateCommand(),
			newDiagramCommand(),
			newInitCommand(),
			newVersionCommand(),
		},
	}
}

// configFlags are shared by every command; they override settings.json
// and the FLOWCHAT_* environment.
func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "path to settings.json (default: $FLOWCHAT_HOME/settings.json)",
		},
		&cli.StringFlag{
			Name:    "db-path",
			Usage:   "database path",
			Sources: cli.EnvVars("FLOWCHAT_DB_PATH"),
		},
		&cli.StringFlag{
			Name:    "listen-addr",
			Usage:   "HTTP listen address",
			Sources: cli.EnvVars("FLOWCHAT_LISTEN_ADDR"),
		},
		&cli.IntFlag{
			Name:    "pool-size",
			Usage:   "max concurrently executing runs",
			Sources: cli.EnvVars("FLOWCHAT_POOL_SIZE"),
		},
		&cli.IntFlag{
			Name:    "max-steps",
			Usage:   "node executions per run before the cycle guard fails it",
			Sources: cli.EnvVars("FLOWCHAT_MAX_STEPS"),
		},
		&cli.DurationFlag{
			Name:    "input-timeout",
			Usage:   "how long a run waits for user input",
			Sources: cli.EnvVars("FLOWCHAT_INPUT_TIMEOUT"),
		},
		&cli.StringFlag{
			Name:    "sweep-interval",
			Usage:   "cron schedule of the wait-timeout sweep",
			Sources: cli.EnvVars("FLOWCHAT_SWEEP_INTERVAL"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log level: debug, info, warn, error",
			Sources: cli.EnvVars("FLOWCHAT_LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log format: text, json",
			Sources: cli.EnvVars("FLOWCHAT_LOG_FORMAT"),
		},
		&cli.StringFlag{
			Name:    "llm-base-url",
			Usage:   "base URL of the OpenAI-compatible chat API",
			Sources: cli.EnvVars("FLOWCHAT_LLM_BASE_URL"),
		},
		&cli.StringFlag{
			Name:    "llm-model",
			Usage:   "chat model name",
			Sources: cli.EnvVars("FLOWCHAT_LLM_MODEL"),
		},
		&cli.DurationFlag{
			Name:    "llm-timeout",
			Usage:   "chat request timeout",
			Sources: cli.EnvVars("FLOWCHAT_LLM_TIMEOUT"),
		},
	}
}

// resolveConfig merges defaults, settings.json, env vars and flags.
func resolveConfig(cmd *cli.Command) (Config, error) {
	dir := flowchatDir()
	path := cmd.String("config")
	if path == "" {
		path = settingsPath(dir)
	}

	cfg, err := loadConfig(dir, path, os.Getenv)
	if err != nil {
		return cfg, err
	}
	applyFlags(cmd, &cfg)
	return cfg, cfg.Validate()
}

// applyFlags copies every explicitly set flag onto cfg.
func applyFlags(cmd *cli.Command, cfg *Config) {
	if cmd.IsSet("db-path") {
		cfg.DBPath = cmd.String("db-path")
	}
	if cmd.IsSet("listen-addr") {
		cfg.ListenAddr = cmd.String("listen-addr")
	}
	if cmd.IsSet("pool-size") {
		cfg.PoolSize = cmd.Int("pool-size")
	}
	if cmd.IsSet("max-steps") {
		cfg.MaxSteps = cmd.Int("max-steps")
	}
	if cmd.IsSet("input-timeout") {
		cfg.InputTimeout = Duration(cmd.Duration("input-timeout"))
	}
	if cmd.IsSet("sweep-interval") {
		cfg.SweepInterval = cmd.String("sweep-interval")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.LogFormat = cmd.String("log-format")
	}
	if cmd.IsSet("llm-base-url") {
		cfg.LLM.BaseURL = cmd.String("llm-base-url")
	}
	if cmd.IsSet("llm-model") {
		cfg.LLM.Model = cmd.String("llm-model")
	}
	if cmd.IsSet("llm-timeout") {
		cfg.LLM.Timeout = Duration(cmd.Duration("llm-timeout"))
	}
}
