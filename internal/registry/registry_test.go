package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/klubi/conduit/internal/provider"
	"github.com/klubi/conduit/internal/provider/providertest"
	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClients hands out scripted clients by system name.
type fakeClients struct {
	mu      sync.Mutex
	clients map[string]*providertest.Client
}

func (f *fakeClients) set(name string, c *providertest.Client) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clients == nil {
		f.clients = make(map[string]*providertest.Client)
	}
	f.clients[name] = c
}

func (f *fakeClients) factory(cfg v1alpha1.SystemConfig) (provider.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[cfg.Name]
	if !ok {
		return &providertest.Transport{Err: errors.New("no such server")}, nil
	}
	return &providertest.Transport{Client: c}, nil
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) HandshakeFinished(kind v1alpha1.TransportKind, outcome string, elapsed time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.outcomes...)
}

func newTestRegistry(t *testing.T, fakes *fakeClients, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{
		WithTransportFactory(fakes.factory),
		WithProviderOptions(providertest.Options()),
	}, opts...)
	r := New(nil, zaptest.NewLogger(t), opts...)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func waitReady(t *testing.T, p *provider.Provider) v1alpha1.SystemState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	state, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("waiting for %s: %v", p.Name(), err)
	}
	return state
}

func names(ps []*provider.Provider) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Name())
	}
	return out
}

func TestAddListOrder(t *testing.T) {
	fakes := &fakeClients{}
	for _, n := range []string{"git", "jira", "docs"} {
		fakes.set(n, &providertest.Client{})
	}
	r := newTestRegistry(t, fakes)

	for _, n := range []string{"git", "jira", "docs"} {
		p, err := r.Add(providertest.Config(n), false)
		if err != nil {
			t.Fatalf("adding %s: %v", n, err)
		}
		waitReady(t, p)
	}

	got := names(r.List())
	want := []string{"git", "jira", "docs"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	if err := r.Remove("jira"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got = names(r.List())
	if len(got) != 2 || got[0] != "git" || got[1] != "docs" {
		t.Errorf("unexpected order after remove: %v", got)
	}
	if r.Len() != 2 {
		t.Errorf("expected 2 systems, got %d", r.Len())
	}
}

func TestAddDuplicateLeavesStateUntouched(t *testing.T) {
	fakes := &fakeClients{}
	fakes.set("git", &providertest.Client{})
	r := newTestRegistry(t, fakes)

	first, err := r.Add(providertest.Config("git"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitReady(t, first)

	_, err = r.Add(providertest.Config("git"), false)
	if !errors.Is(err, v1alpha1.ErrDuplicateProvider) {
		t.Fatalf("expected ErrDuplicateProvider, got %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 system, got %d", r.Len())
	}
	got, err := r.Get("git")
	if err != nil || got != first {
		t.Error("duplicate add must not replace the existing provider")
	}
	if first.State() != v1alpha1.SystemReady {
		t.Errorf("existing provider should stay ready, got %s", first.State())
	}
}

func TestAddReplaceKeepsPosition(t *testing.T) {
	fakes := &fakeClients{}
	oldClient := &providertest.Client{}
	fakes.set("a", oldClient)
	fakes.set("b", &providertest.Client{})
	r := newTestRegistry(t, fakes)

	oldA, _ := r.Add(providertest.Config("a"), false)
	b, _ := r.Add(providertest.Config("b"), false)
	waitReady(t, oldA)
	waitReady(t, b)

	newClient := &providertest.Client{Tools: []mcp.Tool{providertest.Tool("fresh", "")}}
	fakes.set("a", newClient)
	newA, err := r.Add(providertest.Config("a"), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitReady(t, newA)

	got := names(r.List())
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("replacement should keep position, got %v", got)
	}
	if oldA.State() != v1alpha1.SystemClosed || !oldClient.Closed() {
		t.Error("replaced provider should be closed")
	}
	if len(newA.Snapshot().Tools) != 1 {
		t.Error("replacement should expose the new tools")
	}
}

func TestAddThenListShowsConnectingThenReady(t *testing.T) {
	release := make(chan struct{})
	fakes := &fakeClients{}
	fakes.set("slow", &providertest.Client{InitializeFunc: func(ctx context.Context) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}})
	r := newTestRegistry(t, fakes)

	p, err := r.Add(providertest.Config("slow"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st := r.Statuses(); len(st) != 1 || st[0].State != v1alpha1.SystemConnecting {
		t.Fatalf("expected connecting right after add, got %+v", st)
	}

	close(release)
	if state := waitReady(t, p); state != v1alpha1.SystemReady {
		t.Fatalf("expected ready, got %s", state)
	}
	if st := r.Statuses(); st[0].State != v1alpha1.SystemReady {
		t.Errorf("expected ready in listing, got %s", st[0].State)
	}
}

func TestFailedHandshakeThenRemove(t *testing.T) {
	fakes := &fakeClients{}
	obs := &recordingObserver{}
	r := newTestRegistry(t, fakes, WithObserver(obs))

	p, err := r.Add(providertest.Config("ghost"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state := waitReady(t, p); state != v1alpha1.SystemFailed {
		t.Fatalf("expected failed, got %s", state)
	}
	if !errors.Is(p.Err(), v1alpha1.ErrProviderHandshake) {
		t.Errorf("expected handshake error, got %v", p.Err())
	}
	counts := r.CountByState()
	if counts[v1alpha1.SystemFailed] != 1 {
		t.Errorf("expected one failed system, got %v", counts)
	}

	if err := r.Remove("ghost"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
	if err := r.Remove("ghost"); !errors.Is(err, v1alpha1.ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}

	// The observer hears about the outcome from the handshake goroutine.
	deadline := time.Now().Add(time.Second)
	for len(obs.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := obs.snapshot(); len(got) != 1 || got[0] != OutcomeFailed {
		t.Errorf("expected one failed outcome, got %v", got)
	}
}

func TestAddInvalidConfig(t *testing.T) {
	r := newTestRegistry(t, &fakeClients{})
	for _, name := range []string{"", "platform", "a__b"} {
		if _, err := r.Add(providertest.Config(name), false); !errors.Is(err, v1alpha1.ErrInvalidConfig) {
			t.Errorf("%q: expected ErrInvalidConfig, got %v", name, err)
		}
	}
	if r.Len() != 0 {
		t.Errorf("invalid adds must not register anything, got %d", r.Len())
	}
}

func TestGetUnknown(t *testing.T) {
	r := newTestRegistry(t, &fakeClients{})
	if _, err := r.Get("nope"); !errors.Is(err, v1alpha1.ErrUnknownProvider) {
		t.Errorf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestCloseCancelsHandshakes(t *testing.T) {
	entered := make(chan struct{})
	fakes := &fakeClients{}
	fakes.set("hang", &providertest.Client{InitializeFunc: providertest.Block(entered)})
	fakes.set("ok", &providertest.Client{})
	r := New(nil, zaptest.NewLogger(t), WithTransportFactory(fakes.factory), WithProviderOptions(providertest.Options()))

	hang, err := r.Add(providertest.Config("hang"), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ok, _ := r.Add(providertest.Config("ok"), false)
	<-entered

	if err := r.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hang.State() != v1alpha1.SystemClosed || ok.State() != v1alpha1.SystemClosed {
		t.Errorf("expected every provider closed, got %s and %s", hang.State(), ok.State())
	}
	if !errors.Is(hang.Err(), context.Canceled) {
		t.Errorf("in-flight handshake should be cancelled, got %v", hang.Err())
	}
	if _, err := r.Add(providertest.Config("late"), false); !errors.Is(err, v1alpha1.ErrRegistryClosed) {
		t.Errorf("expected ErrRegistryClosed, got %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second close should be a no-op, got %v", err)
	}
}
