package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/klubi/conduit/internal/tui"
)

func newUICmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ui",
		Aliases: []string{"top", "dashboard"},
		Short:   "Launch the interactive terminal UI",
		Long:    "Launch a k9s-style terminal UI for the windows, systems and catalog of the running shell.",
		Example: `  conduit ui`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := tui.NewApp(apiClient)
			if err := app.Run(cmd.Context()); err != nil {
				return fmt.Errorf("UI error: %w", err)
			}
			return nil
		},
	}

	return cmd
}
