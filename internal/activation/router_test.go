package activation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap/zaptest"

	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

// fakeWindows records what the router asks for.
type fakeWindows struct {
	order   []string            // most recent first
	dirs    map[string]string   // window -> dir
	systems map[string][]string // window -> system names
	recent  string
	opened  []string
	focused []string
	openErr error
}

func newFakeWindows() *fakeWindows {
	return &fakeWindows{dirs: map[string]string{}, systems: map[string][]string{}}
}

func (f *fakeWindows) MostRecent() (string, bool) {
	if len(f.order) == 0 {
		return "", false
	}
	return f.order[0], true
}

func (f *fakeWindows) Exists(id string) bool {
	_, ok := f.dirs[id]
	return ok
}

func (f *fakeWindows) ForDir(dir string) (string, bool) {
	for _, id := range f.order {
		if f.dirs[id] == dir {
			return id, true
		}
	}
	return "", false
}

func (f *fakeWindows) RecentDir() string { return f.recent }

func (f *fakeWindows) Open(ctx context.Context, dir string) (string, error) {
	if f.openErr != nil {
		return "", f.openErr
	}
	id := fmt.Sprintf("w%d", len(f.dirs)+1)
	f.dirs[id] = dir
	f.order = append([]string{id}, f.order...)
	f.opened = append(f.opened, dir)
	return id, nil
}

func (f *fakeWindows) Focus(id string) error {
	if !f.Exists(id) {
		return v1alpha1.ErrUnknownWindow
	}
	f.focused = append(f.focused, id)
	return nil
}

func (f *fakeWindows) AddSystem(ctx context.Context, id string, cfg v1alpha1.SystemConfig, replace bool) (*v1alpha1.SystemStatus, error) {
	for _, name := range f.systems[id] {
		if name == cfg.Name && !replace {
			return nil, fmt.Errorf("%w: %s", v1alpha1.ErrDuplicateProvider, name)
		}
	}
	f.systems[id] = append(f.systems[id], cfg.Name)
	return &v1alpha1.SystemStatus{Config: cfg, State: v1alpha1.SystemConnecting}, nil
}

const gitLink = "conduit://extension?cmd=git-mcp&id=git&name=Git"

func newTestRouter(t *testing.T, w *fakeWindows) *Router {
	return NewRouter(w, "conduit", zaptest.NewLogger(t))
}

func TestRouteDeepLinkWithNoWindowOpensOne(t *testing.T) {
	w := newFakeWindows()
	w.recent = "/home/me/project"
	r := newTestRouter(t, w)

	res, err := r.Route(context.Background(), v1alpha1.ActivationRequest{
		Kind: v1alpha1.ActivationDeepLink, Hint: v1alpha1.HintMostRecent, Link: gitLink,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Created || res.WindowID != "w1" {
		t.Errorf("expected a new window, got %+v", res)
	}
	if len(w.opened) != 1 || w.opened[0] != "/home/me/project" {
		t.Errorf("expected a window in the recent dir, opened %v", w.opened)
	}
	if res.System == nil || res.System.Config.Name != "git" {
		t.Errorf("expected git to be added, got %+v", res.System)
	}
}

func TestRouteMostRecentUsesFocusedWindow(t *testing.T) {
	w := newFakeWindows()
	r := newTestRouter(t, w)
	_, _ = w.Open(context.Background(), "/a")
	_, _ = w.Open(context.Background(), "/b")

	res, err := r.Route(context.Background(), v1alpha1.ActivationRequest{Kind: v1alpha1.ActivationDeepLink, Link: gitLink})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Created || res.WindowID != "w2" {
		t.Errorf("expected the most recent window w2, got %+v", res)
	}
	if len(w.systems["w2"]) != 1 || len(w.systems["w1"]) != 0 {
		t.Errorf("system landed in the wrong window: %v", w.systems)
	}
}

func TestRouteNoneAlwaysOpens(t *testing.T) {
	w := newFakeWindows()
	r := newTestRouter(t, w)
	_, _ = w.Open(context.Background(), "/a")

	res, err := r.Route(context.Background(), v1alpha1.ActivationRequest{
		Kind: v1alpha1.ActivationInApp, Hint: v1alpha1.HintNone, Link: gitLink, WorkingDir: "/c",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Created || res.WindowID != "w2" {
		t.Errorf("expected a new window, got %+v", res)
	}
}

func TestRouteExplicit(t *testing.T) {
	w := newFakeWindows()
	r := newTestRouter(t, w)
	_, _ = w.Open(context.Background(), "/a")
	_, _ = w.Open(context.Background(), "/b")

	res, err := r.Route(context.Background(), v1alpha1.ActivationRequest{
		Kind: v1alpha1.ActivationInApp, Hint: v1alpha1.HintExplicit, WindowID: "w1", Link: gitLink,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.WindowID != "w1" || len(w.systems["w1"]) != 1 {
		t.Errorf("expected git in w1, got %+v / %v", res, w.systems)
	}

	_, err = r.Route(context.Background(), v1alpha1.ActivationRequest{
		Kind: v1alpha1.ActivationInApp, Hint: v1alpha1.HintExplicit, WindowID: "w9", Link: gitLink,
	})
	if !errors.Is(err, v1alpha1.ErrUnknownWindow) {
		t.Fatalf("expected ErrUnknownWindow, got %v", err)
	}
	if len(w.opened) != 2 {
		t.Errorf("unknown window must not open anything, opened %v", w.opened)
	}
}

func TestRouteInvalidLinkHasNoSideEffects(t *testing.T) {
	w := newFakeWindows()
	r := newTestRouter(t, w)

	for _, ev := range []v1alpha1.ActivationRequest{
		{Kind: v1alpha1.ActivationDeepLink, Link: "conduit://extension?cmd=x"},
		{Kind: v1alpha1.ActivationDeepLink},
		{Kind: v1alpha1.ActivationInApp, Hint: "sideways", Link: gitLink},
		{Kind: v1alpha1.ActivationInApp, Hint: v1alpha1.HintExplicit, Link: gitLink},
	} {
		if _, err := r.Route(context.Background(), ev); !errors.Is(err, v1alpha1.ErrInvalidActivationPayload) {
			t.Errorf("%+v: expected ErrInvalidActivationPayload, got %v", ev, err)
		}
	}
	if len(w.opened) != 0 || len(w.focused) != 0 {
		t.Errorf("rejected activations changed state: opened %v focused %v", w.opened, w.focused)
	}
}

func TestRouteDuplicateReturnsResult(t *testing.T) {
	w := newFakeWindows()
	r := newTestRouter(t, w)
	ev := v1alpha1.ActivationRequest{Kind: v1alpha1.ActivationDeepLink, Link: gitLink}

	if _, err := r.Route(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, err := r.Route(context.Background(), ev)
	if !errors.Is(err, v1alpha1.ErrDuplicateProvider) {
		t.Fatalf("expected ErrDuplicateProvider, got %v", err)
	}
	if res == nil || res.WindowID != "w1" || res.Warning == "" {
		t.Errorf("expected a populated result with a warning, got %+v", res)
	}
	if len(w.systems["w1"]) != 1 {
		t.Errorf("duplicate changed state: %v", w.systems)
	}

	ev.Replace = true
	if _, err := r.Route(context.Background(), ev); err != nil {
		t.Errorf("replace should succeed, got %v", err)
	}
}

func TestRouteSecondInstanceFocuses(t *testing.T) {
	w := newFakeWindows()
	r := newTestRouter(t, w)
	_, _ = w.Open(context.Background(), "/a")

	res, err := r.Route(context.Background(), v1alpha1.ActivationRequest{
		Kind: v1alpha1.ActivationSecondInstance, Link: gitLink,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Focused || len(w.focused) != 1 || w.focused[0] != "w1" {
		t.Errorf("expected w1 to be focused, got %+v / %v", res, w.focused)
	}
}

func TestRouteDirectoryOnly(t *testing.T) {
	w := newFakeWindows()
	r := newTestRouter(t, w)
	_, _ = w.Open(context.Background(), "/a")
	_, _ = w.Open(context.Background(), "/b")

	// Already open: focus it.
	res, err := r.Route(context.Background(), v1alpha1.ActivationRequest{
		Kind: v1alpha1.ActivationSecondInstance, WorkingDir: "/a",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Created || res.WindowID != "w1" || !res.Focused {
		t.Errorf("expected w1 focused, got %+v", res)
	}

	// Not open: open it.
	res, err = r.Route(context.Background(), v1alpha1.ActivationRequest{
		Kind: v1alpha1.ActivationSecondInstance, WorkingDir: "/c",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Created || w.dirs[res.WindowID] != "/c" {
		t.Errorf("expected a new window on /c, got %+v", res)
	}
	if res.System != nil {
		t.Errorf("directory activation must not add systems")
	}
}

func TestRouteOpenFailure(t *testing.T) {
	w := newFakeWindows()
	w.openErr = fmt.Errorf("%w: boom", v1alpha1.ErrProcessLaunch)
	r := newTestRouter(t, w)

	_, err := r.Route(context.Background(), v1alpha1.ActivationRequest{Kind: v1alpha1.ActivationDeepLink, Link: gitLink})
	if !errors.Is(err, v1alpha1.ErrProcessLaunch) {
		t.Errorf("expected ErrProcessLaunch, got %v", err)
	}
}
