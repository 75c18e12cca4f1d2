package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/rendis/flowchat/internal/expressions"
	"github.com/rendis/flowchat/internal/validation"
	"github.com/rendis/flowchat/pkg/schema"
)

func newValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate a workflow definition file",
		ArgsUsage: "<definition.json>",
		Action: func(_ context.Context, cmd *cli.Command) error {
			raw, err := readDefinition(cmd)
			if err != nil {
				return err
			}
			return runValidate(cmd.Root().Writer, raw)
		},
	}
}

// readDefinition reads the file named by the first argument, or stdin for "-".
func readDefinition(cmd *cli.Command) ([]byte, error) {
	path := cmd.Args().First()
	if path == "" {
		return nil, fmt.Errorf("definition file argument is required")
	}
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// runValidate prints every issue and fails when the document has errors.
func runValidate(w io.Writer, raw []byte) error {
	v, err := validation.NewDefinitionValidator(expressions.NewJQ())
	if err != nil {
		return err
	}

	def, result, err := v.ParseAndValidate(raw)
	if result == nil {
		return err
	}
	printIssues(w, "error", result.Errors)
	printIssues(w, "warning", result.Warnings)
	if err != nil {
		return fmt.Errorf("%d validation error(s)", len(result.Errors))
	}

	fmt.Fprintf(w, "ok: %q has %d nodes and %d transitions\n", def.Name, len(def.Nodes), len(def.Transitions))
	return nil
}

func printIssues(w io.Writer, severity string, issues []schema.ValidationIssue) {
	for _, issue := range issues {
		fmt.Fprintf(w, "%s: %s\n", severity, issue)
	}
}
