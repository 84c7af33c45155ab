package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/klubi/conduit/internal/builtin"
	"github.com/klubi/conduit/internal/config"
	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
	"github.com/klubi/conduit/pkg/manifest"
)

// starterSystems seed a new manifest.
var starterSystems = []v1alpha1.SystemConfig{
	{
		Name:        "files",
		Type:        v1alpha1.TransportBuiltin,
		Builtin:     builtin.WorkspaceName,
		Description: "Files in the window's working directory",
	},
	{
		Name:        "git",
		Type:        v1alpha1.TransportStdio,
		Description: "Git history of the working directory",
		Cmd:         "uvx",
		Args:        []string{"mcp-server-git"},
	},
}

func newInitCmd() *cobra.Command {
	var (
		outputFile  string
		writeConfig bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter systems manifest",
		Long: `Create a systems manifest in the current directory.

The manifest declares a builtin workspace system and a stdio example that
you can customize and apply with 'conduit apply -f'. With --config-file the
default configuration is written to the data directory as well.`,
		Example: `  conduit init
  conduit init --output-file tools.yaml --config-file`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("getting current directory: %w", err)
			}
			outputPath := filepath.Join(cwd, outputFile)

			var buf bytes.Buffer
			if err := manifest.Encode(&buf, starterSystems); err != nil {
				return err
			}
			if err := writeNew(outputPath, buf.Bytes(), 0o644); err != nil {
				return err
			}

			var configPath string
			if writeConfig {
				configPath = cfgFile
				if configPath == "" {
					configPath = filepath.Join(cfg.Store.DataDir, "config.yaml")
				}
				data, err := yaml.Marshal(config.DefaultConfig())
				if err != nil {
					return fmt.Errorf("encoding config: %w", err)
				}
				if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
					return fmt.Errorf("creating config dir: %w", err)
				}
				if err := writeNew(configPath, data, 0o600); err != nil {
					return err
				}
			}

			bold := color.New(color.FgCyan, color.Bold)
			bold.Println("Conduit manifest initialized!")
			fmt.Println()
			fmt.Printf("  Manifest: %s\n", outputPath)
			if configPath != "" {
				fmt.Printf("  Config:   %s\n", configPath)
			}
			fmt.Println()

			color.New(color.Bold).Println("Next steps:")
			fmt.Println("  1. Review and customize the manifest:")
			fmt.Printf("     vi %s\n", outputFile)
			fmt.Println()
			fmt.Println("  2. Start the shell (if not running):")
			fmt.Println("     conduit shell .")
			fmt.Println()
			fmt.Println("  3. Apply the manifest to the focused window, or save it for every window:")
			fmt.Printf("     conduit apply -f %s\n", outputFile)
			fmt.Printf("     conduit apply -f %s --save\n", outputFile)
			fmt.Println()
			fmt.Println("  4. Check status:")
			fmt.Println("     conduit status")
			fmt.Println("     conduit get catalog")

			return nil
		},
	}

	cmd.Flags().StringVar(&outputFile, "output-file", "systems.yaml", "Output manifest filename")
	cmd.Flags().BoolVar(&writeConfig, "config-file", false, "Also write the default config file")

	return cmd
}

// writeNew writes data to path unless the file already exists.
func writeNew(path string, data []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("file %s already exists", path)
	}
	if err := os.WriteFile(path, data, perm); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
