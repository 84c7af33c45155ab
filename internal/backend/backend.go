// Package backend runs one backend session: the provider registry, the
// capability catalog and the local control API on a loopback port.
package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/klubi/conduit/internal/apiserver"
	"github.com/klubi/conduit/internal/builtin"
	"github.com/klubi/conduit/internal/catalog"
	"github.com/klubi/conduit/internal/metrics"
	"github.com/klubi/conduit/internal/provider"
	"github.com/klubi/conduit/internal/registry"
)

// ShutdownTimeout bounds draining the control API on exit.
const ShutdownTimeout = 5 * time.Second

// Options configures a backend session.
type Options struct {
	Port       int
	SecretKey  string
	WorkingDir string

	// ParentWatch exits the backend when Stdin reaches EOF.
	ParentWatch bool
	Stdin       io.Reader

	// Builtins are registered next to the standard builtin providers.
	Builtins provider.Builtins
	Provider provider.Options
}

// Run serves until ctx is cancelled, the parent goes away or the listener
// fails. On the way out the registry is closed first so in-flight provider
// round trips are cancelled before the API drains.
func Run(ctx context.Context, opts Options, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.Provider.HandshakeTimeout <= 0 || opts.Provider.RequestTimeout <= 0 {
		opts.Provider = provider.DefaultOptions()
	}

	// 1. Builtin providers for this working directory.
	builtins := builtin.Builtins(opts.WorkingDir)
	for name, factory := range opts.Builtins {
		builtins[name] = factory
	}

	// 2. Metrics, registry and catalog.
	m := metrics.New()
	reg := registry.New(builtins, logger,
		registry.WithObserver(m),
		registry.WithProviderOptions(opts.Provider),
	)
	m.WatchSystems(reg.CountByState)
	cat := catalog.New(reg, logger,
		catalog.WithRequestTimeout(opts.Provider.RequestTimeout),
		catalog.WithFailureHook(m.FanOutFailure),
	)

	// 3. Control API on the loopback port the shell picked.
	addr := net.JoinHostPort("127.0.0.1", fmt.Sprint(opts.Port))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		_ = reg.Close()
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	srv := apiserver.NewServer(apiserver.Config{
		Addr:       addr,
		SecretKey:  opts.SecretKey,
		WorkingDir: opts.WorkingDir,
	}, reg, cat, m, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(l) }()

	// 4. Parent watch: the shell holds our stdin open for as long as it lives.
	if opts.ParentWatch {
		stdin := opts.Stdin
		if stdin == nil {
			stdin = os.Stdin
		}
		go func() {
			_, _ = io.Copy(io.Discard, bufio.NewReader(stdin))
			logger.Info("parent went away, shutting down")
			cancel()
		}()
	}

	logger.Info("backend ready",
		zap.String("addr", addr),
		zap.String("workingDir", opts.WorkingDir),
		zap.Int("pid", os.Getpid()),
	)

	// 5. Wait for a reason to stop.
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("control API failed", zap.Error(serveErr))
		}
	}

	// 6. Shut down: providers first, then the API.
	if err := reg.Close(); err != nil {
		logger.Warn("closing systems", zap.Error(err))
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("control API shutdown", zap.Error(err))
	}

	logger.Info("backend stopped")
	return serveErr
}
