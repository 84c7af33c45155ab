package shell

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klubi/conduit/internal/builtin"
	"github.com/klubi/conduit/internal/supervisor"
	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

// CurrentWindow addresses the most recently focused window.
const CurrentWindow = "current"

// Window is one shell window and the backend session behind it.
type Window struct {
	ID       string
	OpenedAt time.Time

	mu      sync.RWMutex
	session *supervisor.Session
	ctx     context.Context
	cancel  context.CancelFunc
	fatal   error
}

// Session returns the window's current backend session.
func (w *Window) Session() *supervisor.Session {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.session
}

// Context is cancelled when the window closes or reloads. Calls proxied to
// the window's backend are bound to it.
func (w *Window) Context() context.Context {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ctx
}

// Fatal returns the error that killed the backend, or nil.
func (w *Window) Fatal() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.fatal
}

func (w *Window) info(focused bool) v1alpha1.WindowInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()
	info := v1alpha1.WindowInfo{
		ID:         w.ID,
		SessionID:  w.session.ID,
		WorkingDir: w.session.WorkingDir,
		Port:       w.session.Port,
		PID:        w.session.PID(),
		Focused:    focused,
		OpenedAt:   w.OpenedAt,
	}
	if w.fatal != nil {
		info.Fatal = w.fatal.Error()
	}
	return info
}

// ManagerOptions tunes what a new window starts with.
type ManagerOptions struct {
	// AutoAddSaved adds the saved systems to every new window.
	AutoAddSaved bool
	// Workspace attaches the builtin workspace system to every new window.
	Workspace bool
}

// Manager owns the open windows and their focus order.
type Manager struct {
	sup      *supervisor.Supervisor
	settings *Settings
	opts     ManagerOptions
	logger   *zap.Logger

	mu      sync.Mutex
	windows map[string]*Window
	order   []string // most recently focused first
	closed  bool
}

// NewManager creates an empty window manager.
func NewManager(sup *supervisor.Supervisor, settings *Settings, opts ManagerOptions, logger *zap.Logger) *Manager {
	return &Manager{
		sup:      sup,
		settings: settings,
		opts:     opts,
		logger:   logger.Named("windows"),
		windows:  make(map[string]*Window),
	}
}

// Open starts a backend session in dir and opens a focused window on it.
func (m *Manager) Open(ctx context.Context, dir string) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", errors.New("shell is shutting down")
	}
	m.mu.Unlock()

	id := uuid.NewString()
	sess, err := m.sup.StartSession(ctx, supervisor.StartOptions{WorkingDir: dir, WindowID: id})
	if err != nil {
		return "", err
	}

	wctx, cancel := context.WithCancel(context.Background())
	w := &Window{ID: id, OpenedAt: time.Now(), session: sess, ctx: wctx, cancel: cancel}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		m.sup.StopSession(sess)
		return "", errors.New("shell is shutting down")
	}
	m.windows[id] = w
	m.order = append([]string{id}, m.order...)
	m.mu.Unlock()

	go m.watch(w, sess)

	if err := m.settings.TouchDir(dir); err != nil {
		m.logger.Warn("could not remember directory", zap.String("dir", dir), zap.Error(err))
	}
	m.seed(ctx, w)

	m.logger.Info("window opened", zap.String("window", id), zap.String("session", sess.ID), zap.String("dir", dir))
	return id, nil
}

// seed adds the systems every new session starts with. Failures are logged;
// the window stays usable.
func (m *Manager) seed(ctx context.Context, w *Window) {
	var cfgs []v1alpha1.SystemConfig
	if m.opts.Workspace && w.Session().WorkingDir != "" {
		cfgs = append(cfgs, v1alpha1.SystemConfig{
			Name:        builtin.WorkspaceName,
			Type:        v1alpha1.TransportBuiltin,
			Builtin:     builtin.WorkspaceName,
			Description: "Files in the window's working directory",
		})
	}
	if m.opts.AutoAddSaved {
		saved, err := m.settings.SavedSystems()
		if err != nil {
			m.logger.Warn("could not load saved systems", zap.Error(err))
		}
		cfgs = append(cfgs, saved...)
	}

	c := w.Session().Client()
	for _, cfg := range cfgs {
		if _, err := c.AddSystem(ctx, v1alpha1.AddSystemRequest{Config: cfg}, false); err != nil {
			m.logger.Warn("could not add system to new window",
				zap.String("window", w.ID),
				zap.String("system", cfg.Name),
				zap.Error(err),
			)
		}
	}
}

// watch marks the window fatal when its session dies on its own.
func (m *Manager) watch(w *Window, sess *supervisor.Session) {
	err, ok := <-sess.Fatal()
	if !ok {
		return
	}
	w.mu.Lock()
	if w.session == sess {
		w.fatal = err
		w.cancel()
	}
	w.mu.Unlock()
	m.logger.Error("window backend crashed, reload required", zap.String("window", w.ID), zap.Error(err))
}

// Close closes a window. Its session is stopped before Close returns and
// calls proxied to it are cancelled.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	w, err := m.lookupLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	delete(m.windows, w.ID)
	m.order = removeID(m.order, w.ID)
	m.mu.Unlock()

	w.mu.Lock()
	w.cancel()
	sess := w.session
	w.mu.Unlock()

	m.sup.StopSession(sess)
	m.logger.Info("window closed", zap.String("window", w.ID))
	return nil
}

// CloseAll closes every window and refuses new ones.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = m.Close(id)
		}(id)
	}
	wg.Wait()
}

// Reload replaces a window's session with a fresh one in the same
// directory, clearing any fatal error.
func (m *Manager) Reload(ctx context.Context, id string) error {
	w, err := m.Get(id)
	if err != nil {
		return err
	}

	dir := w.Session().WorkingDir
	sess, err := m.sup.StartSession(ctx, supervisor.StartOptions{WorkingDir: dir, WindowID: w.ID})
	if err != nil {
		return err
	}

	// Close may have run while the session was starting. The swap happens
	// under m.mu so Close either sees the new session or Reload sees the
	// window gone.
	wctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.windows[w.ID] != w {
		m.mu.Unlock()
		cancel()
		m.sup.StopSession(sess)
		return fmt.Errorf("%w: %s closed during reload", v1alpha1.ErrUnknownWindow, w.ID)
	}
	w.mu.Lock()
	old := w.session
	w.cancel()
	w.session, w.ctx, w.cancel, w.fatal = sess, wctx, cancel, nil
	w.mu.Unlock()
	m.mu.Unlock()

	go m.watch(w, sess)
	m.sup.StopSession(old)
	m.seed(ctx, w)

	m.logger.Info("window reloaded", zap.String("window", w.ID), zap.String("session", sess.ID))
	return nil
}

// Focus marks id as the most recently focused window.
func (m *Manager) Focus(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.lookupLocked(id)
	if err != nil {
		return err
	}
	m.order = append([]string{w.ID}, removeID(m.order, w.ID)...)
	return nil
}

// Get returns a window. id may be CurrentWindow.
func (m *Manager) Get(id string) (*Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(id)
}

// Info describes one window.
func (m *Manager) Info(id string) (v1alpha1.WindowInfo, error) {
	m.mu.Lock()
	w, err := m.lookupLocked(id)
	focused := err == nil && len(m.order) > 0 && m.order[0] == w.ID
	m.mu.Unlock()
	if err != nil {
		return v1alpha1.WindowInfo{}, err
	}
	return w.info(focused), nil
}

// List describes every window, most recently focused first.
func (m *Manager) List() []v1alpha1.WindowInfo {
	m.mu.Lock()
	windows := make([]*Window, 0, len(m.order))
	for _, id := range m.order {
		windows = append(windows, m.windows[id])
	}
	m.mu.Unlock()

	out := make([]v1alpha1.WindowInfo, 0, len(windows))
	for i, w := range windows {
		out = append(out, w.info(i == 0))
	}
	return out
}

// Len returns the number of open windows.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// ---------- activation.Windows ----------

// MostRecent returns the most recently focused window.
func (m *Manager) MostRecent() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return "", false
	}
	return m.order[0], true
}

// Exists reports whether id names an open window.
func (m *Manager) Exists(id string) bool {
	_, err := m.Get(id)
	return err == nil
}

// ForDir returns the most recently focused window on dir.
func (m *Manager) ForDir(dir string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		if m.windows[id].Session().WorkingDir == dir {
			return id, true
		}
	}
	return "", false
}

// RecentDir returns the most recently used working directory.
func (m *Manager) RecentDir() string { return m.settings.MostRecentDir() }

// AddSystem adds cfg to the window's session.
func (m *Manager) AddSystem(ctx context.Context, id string, cfg v1alpha1.SystemConfig, replace bool) (*v1alpha1.SystemStatus, error) {
	w, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if err := w.Fatal(); err != nil {
		return nil, err
	}
	ctx, stop := bindContext(ctx, w.Context())
	defer stop()
	return w.Session().Client().AddSystem(ctx, v1alpha1.AddSystemRequest{Config: cfg, Replace: replace}, false)
}

func (m *Manager) lookupLocked(id string) (*Window, error) {
	if id == CurrentWindow {
		if len(m.order) == 0 {
			return nil, fmt.Errorf("%w: no window is open", v1alpha1.ErrUnknownWindow)
		}
		id = m.order[0]
	}
	w, ok := m.windows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", v1alpha1.ErrUnknownWindow, id)
	}
	return w, nil
}

// bindContext returns a child of ctx that is also cancelled with bound.
func bindContext(ctx, bound context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(bound, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func removeID(ids []string, id string) []string {
	out := ids[:0:0]
	for _, other := range ids {
		if other != id {
			out = append(out, other)
		}
	}
	return out
}
