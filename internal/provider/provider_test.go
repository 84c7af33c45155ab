package provider_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/klubi/conduit/internal/provider"
	"github.com/klubi/conduit/internal/provider/providertest"
	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

// newNotesServer builds an in-process MCP server with one tool and one resource.
func newNotesServer() (*server.MCPServer, error) {
	s := server.NewMCPServer("notes", "1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
		server.WithInstructions("notes are plain text"),
	)
	s.AddTool(
		mcp.NewTool("echo",
			mcp.WithDescription("Echo the text back"),
			mcp.WithString("text", mcp.Required()),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(req.GetString("text", "")), nil
		},
	)
	s.AddResource(
		mcp.NewResource("notes://today", "today", mcp.WithMIMEType("text/plain")),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			return []mcp.ResourceContents{
				mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "text/plain", Text: "buy milk"},
			}, nil
		},
	)
	return s, nil
}

func newBuiltinProvider(t *testing.T) *provider.Provider {
	t.Helper()
	cfg := v1alpha1.SystemConfig{Name: "notes", Type: v1alpha1.TransportBuiltin, Builtin: "notes"}
	tr, err := provider.NewTransport(cfg, provider.Builtins{"notes": newNotesServer})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return provider.New(cfg, tr, providertest.Options(), zaptest.NewLogger(t))
}

func TestConnectBuiltinReady(t *testing.T) {
	p := newBuiltinProvider(t)
	defer p.Close()

	if p.State() != v1alpha1.SystemConnecting {
		t.Fatalf("expected connecting before Connect, got %s", p.State())
	}
	if err := p.Connect(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.State() != v1alpha1.SystemReady {
		t.Fatalf("expected ready, got %s", p.State())
	}

	snap := p.Snapshot()
	if !snap.SupportsResources {
		t.Error("expected resource support")
	}
	if snap.Instructions != "notes are plain text" {
		t.Errorf("unexpected instructions %q", snap.Instructions)
	}
	if len(snap.Tools) != 1 || snap.Tools[0].Name != "echo" {
		t.Errorf("unexpected tools %+v", snap.Tools)
	}
	if len(snap.Resources) != 1 || snap.Resources[0].URI != "notes://today" {
		t.Errorf("unexpected resources %+v", snap.Resources)
	}

	st := p.Status()
	if st.Tools != 1 || st.Resources != 1 || st.State != v1alpha1.SystemReady {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestBuiltinRoundTrips(t *testing.T) {
	p := newBuiltinProvider(t)
	defer p.Close()
	if err := p.Connect(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	res, err := p.CallTool(ctx, "echo", map[string]any{"text": "hi there"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.IsError {
		t.Error("echo should not report an error")
	}
	var content []map[string]any
	if err := json.Unmarshal(res.Content, &content); err != nil {
		t.Fatalf("decoding content: %v", err)
	}
	if len(content) != 1 || content[0]["text"] != "hi there" {
		t.Errorf("unexpected content %s", res.Content)
	}

	contents, err := p.ReadResource(ctx, "notes://today")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 || contents[0].Text != "buy milk" {
		t.Errorf("unexpected contents %+v", contents)
	}

	live, err := p.ListResources(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(live) != 1 {
		t.Errorf("expected 1 live resource, got %d", len(live))
	}
}

func TestCloseMovesToClosed(t *testing.T) {
	c := &providertest.Client{Tools: []mcp.Tool{providertest.Tool("t", "")}}
	p := provider.New(providertest.Config("a"), &providertest.Transport{Client: c}, providertest.Options(), zap.NewNop())
	if err := p.Connect(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got %v", err)
	}
	if p.State() != v1alpha1.SystemClosed {
		t.Errorf("expected closed, got %s", p.State())
	}
	if !c.Closed() {
		t.Error("client should be closed")
	}
	if len(p.Snapshot().Tools) != 0 {
		t.Error("closed provider must not expose tools")
	}
	if _, err := p.CallTool(context.Background(), "t", nil); !errors.Is(err, v1alpha1.ErrProviderNotReady) {
		t.Errorf("expected ErrProviderNotReady, got %v", err)
	}
}

func TestDialFailureMarksFailed(t *testing.T) {
	cause := errors.New("executable not found")
	p := provider.New(providertest.Config("broken"), &providertest.Transport{Err: cause}, providertest.Options(), zap.NewNop())
	defer p.Close()

	err := p.Connect()
	if !errors.Is(err, v1alpha1.ErrProviderHandshake) {
		t.Fatalf("expected ErrProviderHandshake, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("expected cause to be preserved, got %v", err)
	}
	var herr *provider.HandshakeError
	if !errors.As(err, &herr) || herr.Name != "broken" {
		t.Errorf("expected *HandshakeError for broken, got %T", err)
	}
	if p.State() != v1alpha1.SystemFailed {
		t.Errorf("expected failed, got %s", p.State())
	}
	if st := p.Status(); !strings.Contains(st.Error, "executable not found") {
		t.Errorf("status should carry the error, got %q", st.Error)
	}
}

func TestInitializeFailureClosesClient(t *testing.T) {
	c := &providertest.Client{InitializeFunc: func(context.Context) error { return errors.New("bad protocol") }}
	p := provider.New(providertest.Config("x"), &providertest.Transport{Client: c}, providertest.Options(), zap.NewNop())
	defer p.Close()

	if err := p.Connect(); !errors.Is(err, v1alpha1.ErrProviderHandshake) {
		t.Fatalf("expected ErrProviderHandshake, got %v", err)
	}
	if !c.Closed() {
		t.Error("client of a failed handshake should be closed")
	}
}

func TestHandshakeTimeout(t *testing.T) {
	c := &providertest.Client{InitializeFunc: providertest.Block(nil)}
	opts := providertest.Options()
	opts.HandshakeTimeout = 50 * time.Millisecond
	p := provider.New(providertest.Config("slow"), &providertest.Transport{Client: c}, opts, zap.NewNop())
	defer p.Close()

	err := p.Connect()
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if p.State() != v1alpha1.SystemFailed {
		t.Errorf("expected failed, got %s", p.State())
	}
}

func TestCloseDuringHandshake(t *testing.T) {
	entered := make(chan struct{})
	c := &providertest.Client{InitializeFunc: providertest.Block(entered)}
	p := provider.New(providertest.Config("hang"), &providertest.Transport{Client: c}, providertest.Options(), zap.NewNop())

	errCh := make(chan error, 1)
	go func() { errCh <- p.Connect() }()
	<-entered

	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.State() != v1alpha1.SystemClosed {
		t.Errorf("expected closed, got %s", p.State())
	}

	err := <-errCh
	if !errors.Is(err, context.Canceled) || !errors.Is(err, v1alpha1.ErrProviderHandshake) {
		t.Errorf("expected cancelled handshake, got %v", err)
	}
}

func TestCloseBeforeConnect(t *testing.T) {
	p := provider.New(providertest.Config("idle"), &providertest.Transport{}, providertest.Options(), zap.NewNop())
	if err := p.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.State() != v1alpha1.SystemClosed {
		t.Errorf("expected closed, got %s", p.State())
	}
	if err := p.Connect(); err == nil {
		t.Error("connect after close should fail")
	}
	if _, err := p.Wait(context.Background()); err != nil {
		t.Errorf("wait should return once closed, got %v", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	c := &providertest.Client{
		SupportsResources: true,
		ListResourcesFunc: func(ctx context.Context) ([]mcp.Resource, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	opts := providertest.Options()
	opts.RequestTimeout = 30 * time.Millisecond

	// Answer the handshake listing, then hang on live ones.
	handshakeDone := false
	hang := c.ListResourcesFunc
	c.ListResourcesFunc = func(ctx context.Context) ([]mcp.Resource, error) {
		if !handshakeDone {
			handshakeDone = true
			return nil, nil
		}
		return hang(ctx)
	}

	p := provider.New(providertest.Config("r"), &providertest.Transport{Client: c}, opts, zap.NewNop())
	defer p.Close()
	if err := p.Connect(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := p.ListResources(context.Background())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to v1alpha1.SystemState
		want     bool
	}{
		{v1alpha1.SystemConnecting, v1alpha1.SystemReady, true},
		{v1alpha1.SystemConnecting, v1alpha1.SystemFailed, true},
		{v1alpha1.SystemReady, v1alpha1.SystemClosed, true},
		{v1alpha1.SystemFailed, v1alpha1.SystemClosed, true},
		{v1alpha1.SystemConnecting, v1alpha1.SystemClosed, false},
		{v1alpha1.SystemReady, v1alpha1.SystemFailed, false},
		{v1alpha1.SystemFailed, v1alpha1.SystemReady, false},
		{v1alpha1.SystemClosed, v1alpha1.SystemReady, false},
		{v1alpha1.SystemClosed, v1alpha1.SystemConnecting, false},
	}
	for _, tt := range tests {
		if got := provider.ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     v1alpha1.SystemConfig
		wantErr bool
	}{
		{"stdio ok", v1alpha1.SystemConfig{Name: "git", Type: v1alpha1.TransportStdio, Cmd: "git-mcp"}, false},
		{"sse ok", v1alpha1.SystemConfig{Name: "web", Type: v1alpha1.TransportSSE, URL: "http://localhost:9000/sse"}, false},
		{"builtin ok", v1alpha1.SystemConfig{Name: "ws", Type: v1alpha1.TransportBuiltin, Builtin: "workspace"}, false},
		{"empty name", v1alpha1.SystemConfig{Type: v1alpha1.TransportStdio, Cmd: "x"}, true},
		{"reserved name", v1alpha1.SystemConfig{Name: "platform", Type: v1alpha1.TransportStdio, Cmd: "x"}, true},
		{"separator in name", v1alpha1.SystemConfig{Name: "a__b", Type: v1alpha1.TransportStdio, Cmd: "x"}, true},
		{"stdio without cmd", v1alpha1.SystemConfig{Name: "a", Type: v1alpha1.TransportStdio}, true},
		{"sse bad url", v1alpha1.SystemConfig{Name: "a", Type: v1alpha1.TransportSSE, URL: "ftp://x"}, true},
		{"unknown type", v1alpha1.SystemConfig{Name: "a", Type: "carrier-pigeon"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := provider.Validate(tt.cfg)
			if tt.wantErr && !errors.Is(err, v1alpha1.ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestNewTransport(t *testing.T) {
	builtins := provider.Builtins{"notes": newNotesServer}

	tr, err := provider.NewTransport(v1alpha1.SystemConfig{Type: v1alpha1.TransportSSE, URL: "http://localhost/sse"}, builtins)
	if err != nil || tr.Kind() != v1alpha1.TransportSSE {
		t.Errorf("expected sse transport, got %v, %v", tr, err)
	}
	if _, err := provider.NewTransport(v1alpha1.SystemConfig{Type: v1alpha1.TransportBuiltin, Builtin: "missing"}, builtins); !errors.Is(err, v1alpha1.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for unknown builtin, got %v", err)
	}
	if names := builtins.Names(); len(names) != 1 || names[0] != "notes" {
		t.Errorf("unexpected builtin names %v", names)
	}
}
