package shell

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/klubi/conduit/internal/backend"
	"github.com/klubi/conduit/internal/builtin"
	"github.com/klubi/conduit/internal/config"
	"github.com/klubi/conduit/internal/provider"
	"github.com/klubi/conduit/internal/supervisor"
	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
	"github.com/klubi/conduit/pkg/client"
)

const stallURI = "stall://forever"

// TestHelperProcess is not a real test. It runs a backend session for the
// shell tests, with an extra "stall" builtin whose resource never answers.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("SHELL_HELPER_BACKEND") != "1" {
		return
	}

	env, err := config.LoadLaunchEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var dir string
	for i, arg := range os.Args {
		if arg == "--dir" && i+1 < len(os.Args) {
			dir = os.Args[i+1]
		}
	}

	// A slow start is requested by creating the marker file.
	if marker := os.Getenv("SHELL_HELPER_SLOW_MARKER"); marker != "" {
		if _, err := os.Stat(marker); err == nil {
			time.Sleep(time.Second)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	err = backend.Run(ctx, backend.Options{
		Port:        env.Port,
		SecretKey:   env.SecretKey,
		WorkingDir:  dir,
		ParentWatch: env.ParentWatch,
		Builtins:    provider.Builtins{"stall": newStallServer},
	}, zap.NewNop())
	if err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

// newStallServer answers the handshake listing, then blocks every later
// resource listing and read until the caller gives up.
func newStallServer() (*server.MCPServer, error) {
	var lists atomic.Int32
	hooks := &server.Hooks{}
	hooks.AddBeforeListResources(func(ctx context.Context, _ any, _ *mcp.ListResourcesRequest) {
		if lists.Add(1) > 1 {
			<-ctx.Done()
		}
	})
	srv := server.NewMCPServer("stall", "1.0.0",
		server.WithResourceCapabilities(false, false),
		server.WithHooks(hooks),
	)
	srv.AddResource(mcp.NewResource(stallURI, "forever"),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	return srv, nil
}

func testSupervisorOptions(t *testing.T) supervisor.Options {
	return supervisor.Options{
		Executable:       os.Args[0],
		Args:             []string{"-test.run=^TestHelperProcess$", "--"},
		Env:              []string{"SHELL_HELPER_BACKEND=1"},
		LogDir:           filepath.Join(t.TempDir(), "logs"),
		ReadinessTimeout: 10 * time.Second,
		ProbeInterval:    20 * time.Millisecond,
		StopGracePeriod:  2 * time.Second,
	}
}

func testConfig(t *testing.T, storeType string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Store.Type = storeType
	cfg.Store.DataDir = t.TempDir()
	return cfg
}

// newTestShell starts a shell on a memory store and returns a client for it.
func newTestShell(t *testing.T, cfg *config.Config) (*Shell, *client.Client) {
	t.Helper()
	return newTestShellWith(t, cfg, testSupervisorOptions(t))
}

func newTestShellWith(t *testing.T, cfg *config.Config, opts supervisor.Options) (*Shell, *client.Client) {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t, "memory")
	}
	sh, err := New(cfg, opts, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("creating shell: %v", err)
	}
	if err := sh.Start(); err != nil {
		t.Fatalf("starting shell: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = sh.Shutdown(ctx)
	})
	return sh, sh.Client()
}

func TestShellRejectsWrongSecret(t *testing.T) {
	sh, _ := newTestShell(t, nil)
	_, err := client.New(sh.Info().BaseURL(), "nope").ListWindows(context.Background())
	if !errors.Is(err, v1alpha1.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestWindowLifecycleAndProxy(t *testing.T) {
	sh, c := newTestShell(t, nil)
	ctx := context.Background()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	win, err := c.OpenWindow(ctx, dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !win.Focused || win.WorkingDir != dir || win.PID == 0 {
		t.Errorf("unexpected window %+v", win)
	}

	wc := c.ForWindow(CurrentWindow)
	st, err := wc.Status(ctx)
	if err != nil {
		t.Fatalf("proxied status: %v", err)
	}
	if st.PID != win.PID || st.WorkingDir != dir {
		t.Errorf("status came from the wrong backend: %+v", st)
	}

	sys, err := wc.AddSystem(ctx, v1alpha1.AddSystemRequest{Config: v1alpha1.SystemConfig{
		Name: "ws", Type: v1alpha1.TransportBuiltin, Builtin: builtin.WorkspaceName,
	}}, true)
	if err != nil {
		t.Fatalf("proxied add: %v", err)
	}
	if sys.State != v1alpha1.SystemReady {
		t.Fatalf("expected ready, got %+v", sys)
	}
	entries, err := c.ForWindow(win.ID).Catalog(ctx)
	if err != nil {
		t.Fatalf("proxied catalog: %v", err)
	}
	if len(entries) == 0 {
		t.Error("expected catalog entries from the workspace system")
	}

	// A proxied error keeps its code across both hops.
	if _, err := wc.GetSystem(ctx, "missing"); !errors.Is(err, v1alpha1.ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}

	if dirs, err := c.RecentDirs(ctx); err != nil || len(dirs) != 1 || dirs[0] != dir {
		t.Errorf("expected %s in recent dirs, got %v (%v)", dir, dirs, err)
	}
	if _, err := c.WindowLogs(ctx, win.ID); err != nil {
		t.Errorf("logs: %v", err)
	}

	w, _ := sh.Windows().Get(win.ID)
	sess := w.Session()
	if err := c.CloseWindow(ctx, win.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case <-sess.Exited():
	default:
		t.Fatal("close returned before the backend exited")
	}
	if _, err := c.GetWindow(ctx, win.ID); !errors.Is(err, v1alpha1.ErrUnknownWindow) {
		t.Errorf("expected ErrUnknownWindow after close, got %v", err)
	}
	if _, err := wc.Catalog(ctx); !errors.Is(err, v1alpha1.ErrUnknownWindow) {
		t.Errorf("expected no current window, got %v", err)
	}
}

func TestFocusOrder(t *testing.T) {
	_, c := newTestShell(t, nil)
	ctx := context.Background()

	a, err := c.OpenWindow(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.OpenWindow(ctx, "")
	if err != nil {
		t.Fatal(err)
	}

	windows, _ := c.ListWindows(ctx)
	if len(windows) != 2 || windows[0].ID != b.ID || !windows[0].Focused || windows[1].Focused {
		t.Fatalf("expected %s first and focused, got %+v", b.ID, windows)
	}

	if _, err := c.FocusWindow(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	windows, _ = c.ListWindows(ctx)
	if windows[0].ID != a.ID {
		t.Errorf("expected %s first after focus, got %s", a.ID, windows[0].ID)
	}
	if _, err := c.FocusWindow(ctx, "nope"); !errors.Is(err, v1alpha1.ErrUnknownWindow) {
		t.Errorf("expected ErrUnknownWindow, got %v", err)
	}
}

func TestCloseWindowCancelsInFlightCall(t *testing.T) {
	tests := []struct {
		name string
		call func(ctx context.Context, wc *client.Client) error
	}{
		{
			name: "read",
			call: func(ctx context.Context, wc *client.Client) error {
				_, err := wc.ReadResource(ctx, "stall", stallURI)
				return err
			},
		},
		{
			name: "list all",
			call: func(ctx context.Context, wc *client.Client) error {
				_, err := wc.ListResources(ctx, "")
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, c := newTestShell(t, nil)
			ctx := context.Background()

			win, err := c.OpenWindow(ctx, "")
			if err != nil {
				t.Fatal(err)
			}
			wc := c.ForWindow(win.ID)
			if _, err := wc.AddSystem(ctx, v1alpha1.AddSystemRequest{Config: v1alpha1.SystemConfig{
				Name: "stall", Type: v1alpha1.TransportBuiltin, Builtin: "stall",
			}}, true); err != nil {
				t.Fatalf("add stall: %v", err)
			}

			callErr := make(chan error, 1)
			go func() { callErr <- tt.call(ctx, wc) }()

			// Let the call reach the backend.
			time.Sleep(200 * time.Millisecond)
			select {
			case err := <-callErr:
				t.Fatalf("call returned early: %v", err)
			default:
			}

			if err := c.CloseWindow(ctx, win.ID); err != nil {
				t.Fatalf("close: %v", err)
			}
			select {
			case err := <-callErr:
				if !errors.Is(err, context.Canceled) {
					t.Errorf("expected a cancellation error, got %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("in-flight call was not cancelled")
			}

			if err := syscall.Kill(win.PID, 0); !errors.Is(err, syscall.ESRCH) {
				t.Errorf("expected backend pid %d to be gone, got %v", win.PID, err)
			}
		})
	}
}

func TestCloseDuringReloadStopsNewSession(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "slow")
	opts := testSupervisorOptions(t)
	opts.Env = append(opts.Env, "SHELL_HELPER_SLOW_MARKER="+marker)
	sh, c := newTestShellWith(t, nil, opts)
	ctx := context.Background()

	win, err := c.OpenWindow(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(marker, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	reloadErr := make(chan error, 1)
	go func() { reloadErr <- sh.Windows().Reload(ctx, win.ID) }()

	// The replacement backend sleeps before listening.
	time.Sleep(300 * time.Millisecond)
	if err := sh.Windows().Close(win.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-reloadErr:
		if !errors.Is(err, v1alpha1.ErrUnknownWindow) {
			t.Errorf("expected ErrUnknownWindow from the interrupted reload, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("reload did not return")
	}
	if n := sh.Windows().Len(); n != 0 {
		t.Errorf("expected no windows, got %d", n)
	}
	if live := sh.sup.Sessions(); len(live) != 0 {
		t.Errorf("expected no live sessions, got %d", len(live))
	}
}

func TestCrashMarksWindowFatalUntilReload(t *testing.T) {
	sh, c := newTestShell(t, nil)
	ctx := context.Background()

	win, err := c.OpenWindow(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	proc, err := os.FindProcess(win.PID)
	if err != nil {
		t.Fatal(err)
	}
	if err := proc.Kill(); err != nil {
		t.Fatal(err)
	}

	w, _ := sh.Windows().Get(win.ID)
	deadline := time.Now().Add(5 * time.Second)
	for w.Fatal() == nil && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if !errors.Is(w.Fatal(), v1alpha1.ErrSessionFatal) {
		t.Fatalf("expected the window to be fatal, got %v", w.Fatal())
	}

	_, err = c.ForWindow(win.ID).Catalog(ctx)
	if !errors.Is(err, v1alpha1.ErrSessionFatal) {
		t.Errorf("expected ErrSessionFatal from a dead window, got %v", err)
	}
	info, _ := c.GetWindow(ctx, win.ID)
	if info.Fatal == "" {
		t.Error("expected the window info to carry the fatal error")
	}

	reloaded, err := c.ReloadWindow(ctx, win.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Fatal != "" || reloaded.PID == win.PID || reloaded.ID != win.ID {
		t.Errorf("unexpected window after reload %+v", reloaded)
	}
	if _, err := c.ForWindow(win.ID).Catalog(ctx); err != nil {
		t.Errorf("reloaded window should serve, got %v", err)
	}
}

func TestActivateDeepLink(t *testing.T) {
	_, c := newTestShell(t, nil)
	ctx := context.Background()
	link := "conduit://extension?cmd=conduit-test-no-such-command&id=ghost&name=Ghost"

	res, err := c.Activate(ctx, v1alpha1.ActivationRequest{Kind: v1alpha1.ActivationDeepLink, Link: link})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if !res.Created || res.System == nil || res.System.Config.Name != "ghost" {
		t.Fatalf("expected a new window with ghost, got %+v", res)
	}

	// Same link again: duplicate, same window, result still returned.
	again, err := c.Activate(ctx, v1alpha1.ActivationRequest{Kind: v1alpha1.ActivationDeepLink, Link: link})
	if !errors.Is(err, v1alpha1.ErrDuplicateProvider) {
		t.Fatalf("expected ErrDuplicateProvider, got %v", err)
	}
	if again == nil || again.WindowID != res.WindowID || again.Created {
		t.Errorf("expected the existing window in the result, got %+v", again)
	}

	// A failed handshake stays listed for diagnostics.
	wc := c.ForWindow(res.WindowID)
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := wc.GetSystem(ctx, "ghost")
		if err != nil {
			t.Fatal(err)
		}
		if st.State == v1alpha1.SystemFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected ghost to fail, still %s", st.State)
		}
		time.Sleep(20 * time.Millisecond)
	}

	windows, _ := c.ListWindows(ctx)
	if len(windows) != 1 {
		t.Errorf("expected one window, got %d", len(windows))
	}

	_, err = c.Activate(ctx, v1alpha1.ActivationRequest{Kind: v1alpha1.ActivationDeepLink, Link: "conduit://extension?id=broken"})
	if !errors.Is(err, v1alpha1.ErrInvalidActivationPayload) {
		t.Errorf("expected ErrInvalidActivationPayload, got %v", err)
	}
}

func TestSavedSystemsSeedNewWindows(t *testing.T) {
	_, c := newTestShell(t, nil)
	ctx := context.Background()

	ws := v1alpha1.AddSystemRequest{Config: v1alpha1.SystemConfig{
		Name: "files", Type: v1alpha1.TransportBuiltin, Builtin: builtin.WorkspaceName,
	}}
	if err := c.SaveSystem(ctx, ws); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := c.SaveSystem(ctx, ws); !errors.Is(err, v1alpha1.ErrDuplicateProvider) {
		t.Errorf("expected ErrDuplicateProvider, got %v", err)
	}

	win, err := c.OpenWindow(ctx, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.ForWindow(win.ID).GetSystem(ctx, "files"); err != nil {
		t.Errorf("expected the saved system in the new window, got %v", err)
	}

	if err := c.ForgetSystem(ctx, "files"); err != nil {
		t.Fatal(err)
	}
	if err := c.ForgetSystem(ctx, "files"); !errors.Is(err, v1alpha1.ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestSecondInstanceForwards(t *testing.T) {
	cfg := testConfig(t, "bolt")
	_, _ = newTestShell(t, cfg)

	_, err := New(cfg, testSupervisorOptions(t), zaptest.NewLogger(t))
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	// The second instance hands its activation to the first.
	_, err = Forward(context.Background(), cfg.LockPath(), v1alpha1.ActivationRequest{
		Kind:     v1alpha1.ActivationSecondInstance,
		Hint:     v1alpha1.HintExplicit,
		WindowID: "no-such-window",
	})
	if !errors.Is(err, v1alpha1.ErrUnknownWindow) {
		t.Fatalf("expected the first shell to answer ErrUnknownWindow, got %v", err)
	}

	info, err := ReadLock(cfg.LockPath())
	if err != nil {
		t.Fatal(err)
	}
	st, err := os.Stat(cfg.LockPath())
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o600 || info.PID != os.Getpid() {
		t.Errorf("unexpected lock file %+v mode %v", info, st.Mode())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	sh, c := newTestShell(t, nil)
	if _, err := c.Healthz(context.Background()); err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodGet, sh.Info().BaseURL()+"/metrics", nil)
	req.Header.Set(client.SecretHeader, sh.Info().Secret)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}
