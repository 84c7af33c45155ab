package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newOpenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "open [dir]",
		Short: "Open a new window",
		Long:  "Open a new shell window with its own backend session, optionally rooted at a directory.",
		Example: `  conduit open
  conduit open ~/src/project`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var dir string
			if len(args) > 0 {
				abs, err := filepath.Abs(args[0])
				if err != nil {
					return err
				}
				dir = abs
			}

			win, err := apiClient.OpenWindow(cmd.Context(), dir)
			if err != nil {
				return err
			}
			fmt.Printf("window/%s opened (pid %d)\n", win.ID, win.PID)
			return nil
		},
	}

	return cmd
}

func newFocusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "focus <window>",
		Short: "Focus a window",
		Long:  "Make a window the most recently focused one, so activations without a target land in it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			win, err := apiClient.FocusWindow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("window/%s focused\n", win.ID)
			return nil
		},
	}
}

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload <window>",
		Short: "Restart a window's backend session",
		Long:  "Replace a window's backend with a fresh session. This is how a window recovers after its backend died.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			win, err := apiClient.ReloadWindow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("window/%s reloaded (pid %d)\n", win.ID, win.PID)
			return nil
		},
	}
}
