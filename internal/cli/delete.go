package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <resource-type> <name>",
		Short: "Delete a resource",
		Long:  "Close a window, remove a system from a window, or forget a saved system.",
		Example: `  conduit delete window 3f0c...
  conduit delete system git
  conduit delete saved files`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[1]

			switch normalizeResourceType(args[0]) {
			case "windows":
				if err := apiClient.CloseWindow(cmd.Context(), name); err != nil {
					return err
				}
				fmt.Printf("window/%s closed\n", name)

			case "systems":
				if err := windowClient().RemoveSystem(cmd.Context(), name); err != nil {
					return err
				}
				fmt.Printf("system/%s removed\n", name)

			case "saved":
				if err := apiClient.ForgetSystem(cmd.Context(), name); err != nil {
					return err
				}
				fmt.Printf("saved-system/%s forgotten\n", name)

			default:
				return fmt.Errorf("unknown resource type %q. Valid types: windows, systems, saved", args[0])
			}

			return nil
		},
	}

	return cmd
}
