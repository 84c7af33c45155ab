// Package supervisor launches backend sessions as child processes, waits for
// them to answer on their loopback port and watches them for crashes.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klubi/conduit/internal/config"
	"github.com/klubi/conduit/internal/secret"
	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
	"github.com/klubi/conduit/pkg/client"
)

// Options configures how sessions are launched.
type Options struct {
	// Executable is the backend binary. Empty means the running executable.
	Executable string
	// Args precede the per-session flags; default ["serve"].
	Args []string
	// Env is appended to the inherited environment of every backend.
	Env []string

	LogDir   string
	LogLevel string

	ReadinessTimeout time.Duration
	ProbeInterval    time.Duration
	StopGracePeriod  time.Duration
}

// OptionsFromConfig maps the backend section of cfg onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Executable:       cfg.Backend.Executable,
		Args:             cfg.Backend.Args,
		LogDir:           cfg.LogDir(),
		LogLevel:         cfg.Log.Level,
		ReadinessTimeout: cfg.Backend.ReadinessTimeout,
		ProbeInterval:    cfg.Backend.ProbeInterval,
		StopGracePeriod:  cfg.Backend.StopGracePeriod,
	}
}

// StartOptions describes one session.
type StartOptions struct {
	WorkingDir string
	WindowID   string
}

// Supervisor owns the set of live sessions.
type Supervisor struct {
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a Supervisor. Zero timeouts fall back to the defaults.
func New(opts Options, logger *zap.Logger) *Supervisor {
	def := config.DefaultConfig().Backend
	if len(opts.Args) == 0 {
		opts.Args = def.Args
	}
	if opts.ReadinessTimeout <= 0 {
		opts.ReadinessTimeout = def.ReadinessTimeout
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = def.ProbeInterval
	}
	if opts.StopGracePeriod <= 0 {
		opts.StopGracePeriod = def.StopGracePeriod
	}
	if opts.LogLevel == "" {
		opts.LogLevel = "info"
	}
	return &Supervisor{
		opts:     opts,
		logger:   logger.Named("supervisor"),
		sessions: make(map[string]*Session),
	}
}

// Session is one running backend process.
type Session struct {
	ID         string
	WindowID   string
	WorkingDir string
	Port       int
	CreatedAt  time.Time

	secret  string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	logPath string

	exited  chan struct{}
	exitErr error
	fatal   chan error

	ready    atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once

	// reaped is set under Supervisor.mu once the process has been waited on.
	reaped bool
}

// PID returns the backend process id.
func (s *Session) PID() int { return s.cmd.Process.Pid }

// BaseURL is the loopback address of the session's control API.
func (s *Session) BaseURL() string { return fmt.Sprintf("http://127.0.0.1:%d", s.Port) }

// Secret returns the session secret, for callers that must set the header
// themselves (the shell proxy).
func (s *Session) Secret() string { return s.secret }

// LogPath is the file the backend's stdout and stderr are written to.
func (s *Session) LogPath() string { return s.logPath }

// Client returns an API client bound to this session.
func (s *Session) Client() *client.Client { return client.New(s.BaseURL(), s.secret) }

// Fatal delivers at most one error when the process exits without being
// asked to. The channel is closed once the process is gone.
func (s *Session) Fatal() <-chan error { return s.fatal }

// Exited is closed once the process has been reaped.
func (s *Session) Exited() <-chan struct{} { return s.exited }

// StartSession launches a backend and blocks until it answers GET /status
// with the session secret.
func (s *Supervisor) StartSession(ctx context.Context, opts StartOptions) (*Session, error) {
	port, err := allocatePort()
	if err != nil {
		return nil, fmt.Errorf("%w: allocating port: %v", v1alpha1.ErrProcessLaunch, err)
	}
	key, err := secret.Generate()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", v1alpha1.ErrProcessLaunch, err)
	}

	sess := &Session{
		ID:         uuid.NewString(),
		WindowID:   opts.WindowID,
		WorkingDir: opts.WorkingDir,
		Port:       port,
		CreatedAt:  time.Now(),
		secret:     key,
		exited:     make(chan struct{}),
		fatal:      make(chan error, 1),
	}
	log := s.logger.With(zap.String("session", sess.ID), zap.Int("port", port))

	if err := s.launch(sess); err != nil {
		return nil, err
	}
	log.Info("backend launched", zap.Int("pid", sess.PID()), zap.String("workingDir", opts.WorkingDir))

	go s.watch(sess, log)

	if err := s.waitReady(ctx, sess); err != nil {
		log.Warn("backend did not become ready", zap.Error(err))
		sess.stopping.Store(true)
		s.kill(sess)
		<-sess.exited
		return nil, err
	}

	s.mu.Lock()
	if sess.reaped {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: exited right after becoming ready: %v", v1alpha1.ErrProcessLaunch, sess.exitErr)
	}
	sess.ready.Store(true)
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	log.Info("backend ready", zap.Duration("elapsed", time.Since(sess.CreatedAt)))
	return sess, nil
}

func (s *Supervisor) launch(sess *Session) error {
	exe := s.opts.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("%w: resolving executable: %v", v1alpha1.ErrProcessLaunch, err)
		}
		exe = self
	}

	args := append([]string(nil), s.opts.Args...)
	if sess.WorkingDir != "" {
		args = append(args, "--dir", sess.WorkingDir)
	}

	cmd := exec.Command(exe, args...)
	launch := config.LaunchEnv{
		Port:        sess.Port,
		SecretKey:   sess.secret,
		ParentWatch: true,
		LogLevel:    s.opts.LogLevel,
	}
	cmd.Env = append(append(os.Environ(), s.opts.Env...), launch.Environ()...)
	if sess.WorkingDir != "" {
		cmd.Dir = sess.WorkingDir
	}

	logDir := s.opts.LogDir
	if logDir == "" {
		logDir = os.TempDir()
	}
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("%w: creating log dir: %v", v1alpha1.ErrProcessLaunch, err)
	}
	sess.logPath = filepath.Join(logDir, sess.ID+".log")
	logFile, err := os.OpenFile(sess.logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("%w: opening log file: %v", v1alpha1.ErrProcessLaunch, err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	// The backend watches this pipe; EOF means the shell is gone.
	stdin, err := cmd.StdinPipe()
	if err != nil {
		logFile.Close()
		return fmt.Errorf("%w: %v", v1alpha1.ErrProcessLaunch, err)
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("%w: %v", v1alpha1.ErrProcessLaunch, err)
	}
	// The child holds its own descriptor now.
	logFile.Close()

	sess.cmd = cmd
	sess.stdin = stdin
	return nil
}

// watch reaps the process and reports exits nobody asked for. Exits before
// the session became ready are launch failures, not crashes.
func (s *Supervisor) watch(sess *Session, log *zap.Logger) {
	err := sess.cmd.Wait()
	sess.exitErr = err

	// Registration in StartSession and reaping are ordered by s.mu, so a
	// session is either never listed or was ready and gets reported.
	s.mu.Lock()
	sess.reaped = true
	wasReady := sess.ready.Load()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()

	if wasReady && !sess.stopping.Load() {
		if err == nil {
			err = errors.New("exit status 0")
		}
		log.Error("backend exited unexpectedly", zap.Error(err), zap.String("log", sess.logPath))
		sess.fatal <- fmt.Errorf("%w: %v", v1alpha1.ErrSessionFatal, err)
	}
	close(sess.fatal)
	close(sess.exited)
}

func (s *Supervisor) waitReady(ctx context.Context, sess *Session) error {
	deadline := time.NewTimer(s.opts.ReadinessTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.opts.ProbeInterval)
	defer ticker.Stop()

	c := sess.Client()
	for {
		probeCtx, probeCancel := context.WithTimeout(ctx, 5*s.opts.ProbeInterval)
		_, err := c.Status(probeCtx)
		probeCancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, v1alpha1.ErrUnauthorized) {
			return fmt.Errorf("%w: port %d answered with a different secret", v1alpha1.ErrProcessLaunch, sess.Port)
		}

		select {
		case <-sess.exited:
			return fmt.Errorf("%w: exited before ready: %v", v1alpha1.ErrProcessLaunch, sess.exitErr)
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: after %s", v1alpha1.ErrProcessTimeout, s.opts.ReadinessTimeout)
		case <-ticker.C:
		}
	}
}

// StopSession terminates the process: SIGTERM, then SIGKILL after the grace
// period. It returns once the process has exited. Safe to call twice.
func (s *Supervisor) StopSession(sess *Session) {
	sess.stopOnce.Do(func() {
		sess.stopping.Store(true)
		log := s.logger.With(zap.String("session", sess.ID))

		_ = sess.stdin.Close()
		if err := sess.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Debug("SIGTERM failed, killing", zap.Error(err))
			s.kill(sess)
		}

		timer := time.NewTimer(s.opts.StopGracePeriod)
		defer timer.Stop()
		select {
		case <-sess.exited:
		case <-timer.C:
			log.Warn("backend ignored SIGTERM, killing", zap.Duration("grace", s.opts.StopGracePeriod))
			s.kill(sess)
			<-sess.exited
		}

		s.mu.Lock()
		delete(s.sessions, sess.ID)
		s.mu.Unlock()
		log.Info("backend stopped")
	})
}

func (s *Supervisor) kill(sess *Session) {
	if err := sess.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("kill failed", zap.String("session", sess.ID), zap.Error(err))
	}
}

// Sessions returns the live sessions ordered by creation time.
func (s *Supervisor) Sessions() []*Session {
	s.mu.Lock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// StopAll stops every live session concurrently.
func (s *Supervisor) StopAll() {
	var wg sync.WaitGroup
	for _, sess := range s.Sessions() {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			s.StopSession(sess)
		}(sess)
	}
	wg.Wait()
}

// allocatePort asks the OS for a free loopback port.
func allocatePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	if err := l.Close(); err != nil {
		return 0, err
	}
	return port, nil
}
