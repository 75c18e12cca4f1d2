package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func newInitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write settings.json from the current flags and environment",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "overwrite an existing settings file",
			},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			path := cmd.String("config")
			if path == "" {
				path = settingsPath(flowchatDir())
			}
			if _, err := os.Stat(path); err == nil && !cmd.Bool("force") {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}

			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if err := writeSettings(path, cfg); err != nil {
				return fmt.Errorf("cannot write %s: %w", path, err)
			}
			fmt.Fprintf(cmd.Root().Writer, "Config written to %s\n", path)
			return nil
		},
	}
}
