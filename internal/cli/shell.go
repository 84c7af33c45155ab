package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/klubi/conduit/internal/logging"
	"github.com/klubi/conduit/internal/shell"
	"github.com/klubi/conduit/internal/supervisor"
	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

func newShellCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shell [link|dir]",
		Short: "Start the shell, or hand off to the running one",
		Long: `Start the conduit shell and open a window.

If a shell is already running, the argument (a deep link or a directory)
is forwarded to it as a second-instance activation and this process exits.`,
		Example: `  conduit shell
  conduit shell ~/src/project
  conduit shell 'conduit://extension?cmd=npx&arg=server-git&id=git&name=Git'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := launchActivation(args)
			if err != nil {
				return err
			}

			// 1. Logger.
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return fmt.Errorf("creating logger: %w", err)
			}
			defer logger.Sync()

			// 2. Shell, or the running one.
			supOpts := supervisor.OptionsFromConfig(cfg)
			if cfgFile != "" {
				supOpts.Args = append(append([]string{}, supOpts.Args...), "--config", cfgFile)
			}
			sh, err := shell.New(cfg, supOpts, logger)
			if errors.Is(err, shell.ErrAlreadyRunning) {
				req.Kind = v1alpha1.ActivationSecondInstance
				res, ferr := shell.Forward(cmd.Context(), cfg.LockPath(), req)
				printActivation(res)
				if ferr != nil {
					return fmt.Errorf("forwarding to running shell: %w", ferr)
				}
				return nil
			}
			if err != nil {
				return err
			}

			// 3. API and lock file.
			if err := sh.Start(); err != nil {
				return err
			}
			info := sh.Info()

			banner := color.New(color.FgCyan, color.Bold)
			banner.Println("Conduit Shell")
			fmt.Printf("   API:       %s\n", info.BaseURL())
			fmt.Printf("   Data Dir:  %s\n", cfg.Store.DataDir)
			fmt.Printf("   Logs:      %s\n", cfg.LogDir())
			fmt.Println()

			// 4. First window.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := sh.Activate(ctx, req)
			if err != nil {
				logger.Error("initial activation failed", zap.Error(err))
			}
			printActivation(res)

			// 5. Serve until interrupted.
			return sh.Run(ctx)
		},
	}

	return cmd
}

// launchActivation turns the shell's optional argument into an activation.
func launchActivation(args []string) (v1alpha1.ActivationRequest, error) {
	req := v1alpha1.ActivationRequest{Kind: v1alpha1.ActivationInApp}
	if len(args) == 0 {
		return req, nil
	}
	arg := args[0]
	if strings.Contains(arg, "://") {
		req.Kind = v1alpha1.ActivationDeepLink
		req.Link = arg
		return req, nil
	}
	dir, err := filepath.Abs(arg)
	if err != nil {
		return req, err
	}
	st, err := os.Stat(dir)
	if err != nil {
		return req, err
	}
	if !st.IsDir() {
		return req, fmt.Errorf("%s is not a directory", dir)
	}
	req.WorkingDir = dir
	return req, nil
}

func printActivation(res *v1alpha1.ActivationResult) {
	if res == nil {
		return
	}
	verb := "focused"
	if res.Created {
		verb = "opened"
	}
	fmt.Printf("window/%s %s\n", res.WindowID, verb)
	if res.System != nil {
		fmt.Printf("system/%s %s\n", res.System.Config.Name, colorState(res.System.State))
	}
	if res.Warning != "" {
		color.Yellow("Warning: %s", res.Warning)
	}
}
