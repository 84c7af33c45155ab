package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

func newAddCmd() *cobra.Command {
	var (
		sysCfg  v1alpha1.SystemConfig
		env     []string
		wait    bool
		replace bool
		save    bool
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a system to a window",
		Long: `Connect a tool provider to the target window's backend session.

With --save the system is remembered instead and added to every new window.`,
		Example: `  conduit add git --type stdio --cmd npx --arg -y --arg server-git
  conduit add remote --type sse --url http://127.0.0.1:8931/sse --wait
  conduit add files --type builtin --builtin workspace --save`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sysCfg.Name = args[0]
			parsed, err := parseEnv(env)
			if err != nil {
				return err
			}
			sysCfg.Env = parsed

			req := v1alpha1.AddSystemRequest{Config: sysCfg, Replace: replace}
			if save {
				if err := apiClient.SaveSystem(cmd.Context(), req); err != nil {
					return err
				}
				fmt.Printf("saved-system/%s saved\n", sysCfg.Name)
				return nil
			}

			st, err := windowClient().AddSystem(cmd.Context(), req, wait)
			if err != nil {
				return err
			}
			fmt.Printf("system/%s %s\n", st.Config.Name, colorState(st.State))
			if st.Error != "" {
				fmt.Printf("  %s\n", st.Error)
			}
			return nil
		},
	}

	cmd.Flags().StringVar((*string)(&sysCfg.Type), "type", string(v1alpha1.TransportStdio), "Transport: stdio|sse|builtin")
	cmd.Flags().StringVar(&sysCfg.Cmd, "cmd", "", "Command to launch (stdio)")
	cmd.Flags().StringArrayVar(&sysCfg.Args, "arg", nil, "Command argument, repeatable (stdio)")
	cmd.Flags().StringArrayVar(&env, "env", nil, "KEY=VALUE environment entry, repeatable (stdio)")
	cmd.Flags().StringVar(&sysCfg.URL, "url", "", "Endpoint URL (sse)")
	cmd.Flags().StringVar(&sysCfg.Builtin, "builtin", "", "Builtin provider name (builtin)")
	cmd.Flags().StringVar(&sysCfg.Description, "description", "", "Human readable description")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the handshake to finish")
	cmd.Flags().BoolVar(&replace, "replace", false, "Replace a system with the same name")
	cmd.Flags().BoolVar(&save, "save", false, "Save for new windows instead of adding now")

	return cmd
}

func parseEnv(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid env entry %q, want KEY=VALUE", e)
		}
		env[k] = v
	}
	return env, nil
}
