// Package shell is the headless desktop shell: it owns the windows, their
// backend sessions, activation routing and the user's settings, and serves
// all of it on a loopback API.
package shell

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/klubi/conduit/internal/activation"
	"github.com/klubi/conduit/internal/config"
	"github.com/klubi/conduit/internal/metrics"
	"github.com/klubi/conduit/internal/secret"
	"github.com/klubi/conduit/internal/store"
	"github.com/klubi/conduit/internal/supervisor"
	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
	"github.com/klubi/conduit/pkg/client"
)

// lockTimeout is how long a starting shell waits for the settings database
// before concluding another shell owns it.
const lockTimeout = 200 * time.Millisecond

// ErrAlreadyRunning means another shell holds the settings database.
var ErrAlreadyRunning = errors.New("another shell is already running")

// Shell wires the window manager, the activation router and the shell API.
type Shell struct {
	cfg      *config.Config
	store    store.Store
	settings *Settings
	sup      *supervisor.Supervisor
	windows  *Manager
	router   *activation.Router
	server   *Server
	secret   string
	logger   *zap.Logger

	listener net.Listener
	serveErr chan error
}

// New opens the settings store and builds the shell. It returns
// ErrAlreadyRunning when another shell owns the store.
func New(cfg *config.Config, supOpts supervisor.Options, logger *zap.Logger) (*Shell, error) {
	// 1. Settings store; the bbolt file lock doubles as the single-instance lock.
	var st store.Store
	switch cfg.Store.Type {
	case "memory":
		st = store.NewMemoryStore()
	default:
		if err := os.MkdirAll(cfg.Store.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("creating data directory %s: %w", cfg.Store.DataDir, err)
		}
		bolt, err := store.NewBoltStore(cfg.DBPath(), lockTimeout)
		if err != nil {
			if errors.Is(err, store.ErrLocked) {
				return nil, fmt.Errorf("%w: %v", ErrAlreadyRunning, err)
			}
			return nil, fmt.Errorf("opening store at %s: %w", cfg.DBPath(), err)
		}
		st = bolt
	}

	// 2. Shell secret.
	key, err := secret.Generate()
	if err != nil {
		st.Close()
		return nil, err
	}

	// 3. Supervisor, windows, activation and the API.
	settings := NewSettings(st, cfg.Shell.MaxRecentDirs)
	sup := supervisor.New(supOpts, logger)
	windows := NewManager(sup, settings, ManagerOptions{
		AutoAddSaved: cfg.Shell.AutoAddSaved,
		Workspace:    cfg.Shell.WorkspaceOnNew,
	}, logger)
	router := activation.NewRouter(windows, cfg.Shell.Scheme, logger)

	return &Shell{
		cfg:      cfg,
		store:    st,
		settings: settings,
		sup:      sup,
		windows:  windows,
		router:   router,
		server:   NewServer(key, windows, settings, router, metrics.New(), logger),
		secret:   key,
		logger:   logger,
		serveErr: make(chan error, 1),
	}, nil
}

// Windows exposes the window manager.
func (s *Shell) Windows() *Manager { return s.windows }

// API returns the shell API server.
func (s *Shell) API() *Server { return s.server }

// Start listens on a free loopback port and advertises it in the lock file.
func (s *Shell) Start() error {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	s.listener = l

	if s.cfg.Store.Type != "memory" {
		if err := WriteLock(s.cfg.LockPath(), s.Info()); err != nil {
			l.Close()
			return err
		}
	}

	go func() { s.serveErr <- s.server.Serve(l) }()
	return nil
}

// Info describes how to reach this shell.
func (s *Shell) Info() LockInfo {
	info := LockInfo{PID: os.Getpid(), Secret: s.secret}
	if s.listener != nil {
		info.Port = s.listener.Addr().(*net.TCPAddr).Port
	}
	return info
}

// Client returns a client for this shell's API.
func (s *Shell) Client() *client.Client {
	return client.New(s.Info().BaseURL(), s.secret)
}

// Activate routes an activation raised inside this process.
func (s *Shell) Activate(ctx context.Context, req v1alpha1.ActivationRequest) (*v1alpha1.ActivationResult, error) {
	return s.router.Route(ctx, req)
}

// Run blocks until ctx is done or the API fails, then shuts down.
func (s *Shell) Run(ctx context.Context) error {
	var err error
	select {
	case <-ctx.Done():
	case err = <-s.serveErr:
		if err != nil {
			s.logger.Error("shell API failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := s.Shutdown(shutdownCtx); shutdownErr != nil && err == nil {
		err = shutdownErr
	}
	return err
}

// Shutdown closes every window (stopping its backend), stops the API and
// releases the lock.
func (s *Shell) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down shell", zap.Int("windows", s.windows.Len()))
	s.windows.CloseAll()
	s.sup.StopAll()

	var result *multierror.Error
	if err := s.server.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("shell API shutdown: %w", err))
	}
	if s.cfg.Store.Type != "memory" {
		if err := RemoveLock(s.cfg.LockPath()); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Forward hands an activation to the shell advertised at lockPath.
func Forward(ctx context.Context, lockPath string, req v1alpha1.ActivationRequest) (*v1alpha1.ActivationResult, error) {
	info, err := ReadLock(lockPath)
	if err != nil {
		return nil, err
	}
	return client.New(info.BaseURL(), info.Secret).Activate(ctx, req)
}

// Connect returns a client for the running shell advertised at lockPath.
func Connect(lockPath string) (*client.Client, error) {
	info, err := ReadLock(lockPath)
	if err != nil {
		return nil, err
	}
	return client.New(info.BaseURL(), info.Secret), nil
}
