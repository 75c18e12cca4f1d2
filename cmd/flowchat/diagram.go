package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/rendis/flowchat/internal/diagram"
	"github.com/rendis/flowchat/pkg/schema"
)

func newDiagramCommand() *cli.Command {
	return &cli.Command{
		Name:      "diagram",
		Usage:     "Render a workflow definition file as a diagram",
		ArgsUsage: "<definition.json>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Usage:   "output format: mermaid, ascii, png, svg",
				Value:   "mermaid",
			},
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "output file (default: stdout)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			raw, err := readDefinition(cmd)
			if err != nil {
				return err
			}
			out, err := renderDiagram(ctx, raw, cmd.String("format"))
			if err != nil {
				return err
			}
			if path := cmd.String("out"); path != "" {
				return os.WriteFile(path, out, 0o644)
			}
			_, err = cmd.Root().Writer.Write(out)
			return err
		},
	}
}

// renderDiagram parses raw and renders it in the requested format.
func renderDiagram(ctx context.Context, raw []byte, format string) ([]byte, error) {
	def, err := schema.ParseDefinition(raw)
	if err != nil {
		return nil, err
	}
	model, err := diagram.Build(def, nil)
	if err != nil {
		return nil, err
	}

	switch format {
	case "", "mermaid":
		return []byte(diagram.RenderMermaid(model)), nil
	case "ascii":
		return []byte(diagram.RenderASCII(model)), nil
	case diagram.FormatPNG, diagram.FormatSVG:
		return diagram.RenderImage(ctx, model, format)
	default:
		return nil, fmt.Errorf("unsupported format %q (valid: mermaid, ascii, png, svg)", format)
	}
}

