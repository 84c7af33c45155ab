package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/klubi/conduit/internal/config"
	"github.com/klubi/conduit/internal/shell"
	"github.com/klubi/conduit/pkg/client"
)

var (
	cfgFile  string
	dataDir  string
	windowID string

	cfg       *config.Config
	apiClient *client.Client
)

// offline commands never talk to a running shell.
var offline = map[string]bool{
	"serve": true,
	"shell": true,
	"init":  true,
	"help":  true,
}

// NewRootCmd creates the top-level conduit CLI command with all subcommands.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conduit",
		Short: "Desktop shell control plane for tool providers",
		Long: `Conduit runs a headless desktop shell. Every window owns a backend
session that connects to tool providers (stdio, SSE or builtin) and
exposes their tools and resources under one namespaced catalog.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return err
			}
			if dataDir != "" {
				cfg.Store.DataDir = dataDir
			}

			if offline[cmd.Name()] || (cmd.HasParent() && cmd.Parent().Name() == "completion") {
				return nil
			}
			apiClient, err = shell.Connect(cfg.LockPath())
			if errors.Is(err, shell.ErrNoShell) {
				return fmt.Errorf("%w: start one with 'conduit shell'", err)
			}
			return err
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ~/.conduit/config.yaml)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default: ~/.conduit)")
	cmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table|json|yaml")
	cmd.PersistentFlags().StringVarP(&windowID, "window", "w", shell.CurrentWindow, "Target window id")

	cmd.AddCommand(
		newServeCmd(),
		newShellCmd(),
		newOpenCmd(),
		newLinkCmd(),
		newShareCmd(),
		newGetCmd(),
		newDescribeCmd(),
		newAddCmd(),
		newDeleteCmd(),
		newApplyCmd(),
		newReadCmd(),
		newCallCmd(),
		newFocusCmd(),
		newReloadCmd(),
		newStatusCmd(),
		newLogsCmd(),
		newInitCmd(),
		newUICmd(),
	)

	return cmd
}

// windowClient scopes the shell client to the --window target.
func windowClient() *client.Client {
	return apiClient.ForWindow(windowID)
}
