package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/henry-bao/simple-whisper/internal/render"
)

func newRenderCommand(root *rootOptions) *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "render <text>...",
		Short: "Print the SVG rendering of text",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}

			renderer, err := render.NewRenderer(renderLayout(cfg.Render))
			if err != nil {
				return err
			}

			svg, err := renderer.Render(strings.Join(args, " "))
			if err != nil {
				return err
			}

			if out != "" {
				if err := os.WriteFile(out, svg, 0644); err != nil {
					return fmt.Errorf("failed to write %s: %w", out, err)
				}
				return nil
			}

			_, err = cmd.OutOrStdout().Write(append(svg, '\n'))
			return err
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "", "write the SVG to this file instead of stdout")

	return cmd
}
