package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/klubi/conduit/internal/backend"
	"github.com/klubi/conduit/internal/config"
	"github.com/klubi/conduit/internal/logging"
	"github.com/klubi/conduit/internal/provider"
)

func newServeCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:    "serve",
		Short:  "Run one backend session",
		Long:   "Run a backend session for a shell window. The shell launches this; the port and secret come from the environment.",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			// 1. Launch contract from the environment.
			env, err := config.LoadLaunchEnv()
			if err != nil {
				return err
			}

			// 2. Logger. Stderr is the session log file.
			logCfg := cfg.Log
			logCfg.Level = env.LogLevel
			logger, err := logging.New(logCfg)
			if err != nil {
				return fmt.Errorf("creating logger: %w", err)
			}
			defer logger.Sync()
			logger = logger.Named("backend").With(zap.Int("pid", os.Getpid()))

			// 3. Provider timeouts from the config file.
			popts := provider.DefaultOptions()
			popts.HandshakeTimeout = cfg.Provider.HandshakeTimeout
			popts.RequestTimeout = cfg.Provider.RequestTimeout

			// 4. Serve until signalled or the shell goes away.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = backend.Run(ctx, backend.Options{
				Port:        env.Port,
				SecretKey:   env.SecretKey,
				WorkingDir:  dir,
				ParentWatch: env.ParentWatch,
				Stdin:       os.Stdin,
				Provider:    popts,
			}, logger)
			if err != nil {
				logger.Error("backend stopped", zap.Error(err))
				return err
			}
			logger.Info("backend stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Working directory of the session")

	return cmd
}
