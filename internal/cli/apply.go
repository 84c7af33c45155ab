package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
	"github.com/klubi/conduit/pkg/manifest"
)

func newApplyCmd() *cobra.Command {
	var (
		filename string
		save     bool
		wait     bool
	)

	cmd := &cobra.Command{
		Use:   "apply -f <file>",
		Short: "Apply a manifest file",
		Long: `Add or replace the systems declared in a YAML manifest.

Systems go to the target window, or to the saved systems with --save.`,
		Example: `  conduit apply -f systems.yaml
  conduit apply -f systems.yaml --save`,
		RunE: func(cmd *cobra.Command, args []string) error {
			resources, err := manifest.ParseFile(filename)
			if err != nil {
				return fmt.Errorf("parsing manifest %s: %w", filename, err)
			}

			if len(resources) == 0 {
				fmt.Println("No resources found in manifest.")
				return nil
			}

			for _, resource := range resources {
				sys, ok := resource.(*v1alpha1.SystemManifest)
				if !ok {
					return fmt.Errorf("unsupported resource %T", resource)
				}
				req := v1alpha1.AddSystemRequest{Config: sys.Spec, Replace: true}

				if save {
					if err := apiClient.SaveSystem(cmd.Context(), req); err != nil {
						return fmt.Errorf("saving %s/%s: %w", sys.Kind, sys.Metadata.Name, err)
					}
					fmt.Printf("%s/%s saved\n", sys.Kind, sys.Metadata.Name)
					continue
				}

				st, err := windowClient().AddSystem(cmd.Context(), req, wait)
				if err != nil {
					return fmt.Errorf("applying %s/%s: %w", sys.Kind, sys.Metadata.Name, err)
				}
				fmt.Printf("%s/%s configured (%s)\n", sys.Kind, sys.Metadata.Name, colorState(st.State))
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&filename, "filename", "f", "", "Path to manifest file (required)")
	cmd.Flags().BoolVar(&save, "save", false, "Save the systems for new windows")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for each handshake to finish")
	cmd.MarkFlagRequired("filename")

	return cmd
}
