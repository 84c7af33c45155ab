// Package provider connects to one external capability provider (a "system")
// over MCP and tracks its lifecycle.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

// Options bounds the provider's round trips.
type Options struct {
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	ClientName       string
	ClientVersion    string
}

// DefaultOptions returns the timeouts used when none are configured.
func DefaultOptions() Options {
	return Options{
		HandshakeTimeout: 8 * time.Second,
		RequestTimeout:   5 * time.Second,
		ClientName:       "conduit",
		ClientVersion:    "v1alpha1",
	}
}

// HandshakeError records why a provider could not reach the ready state.
type HandshakeError struct {
	Name string
	Err  error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("system %q handshake failed: %v", e.Name, e.Err)
}

// Unwrap exposes both the taxonomy sentinel and the underlying cause.
func (e *HandshakeError) Unwrap() []error {
	return []error{v1alpha1.ErrProviderHandshake, e.Err}
}

// Snapshot is the capability set learned during the handshake.
type Snapshot struct {
	SupportsResources bool
	Instructions      string
	Tools             []mcp.Tool
	Resources         []mcp.Resource
}

// transitions lists the legal state changes.
var transitions = map[v1alpha1.SystemState][]v1alpha1.SystemState{
	v1alpha1.SystemConnecting: {v1alpha1.SystemReady, v1alpha1.SystemFailed},
	v1alpha1.SystemReady:      {v1alpha1.SystemClosed},
	v1alpha1.SystemFailed:     {v1alpha1.SystemClosed},
}

// ValidTransition reports whether a provider may move from one state to another.
func ValidTransition(from, to v1alpha1.SystemState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Provider is one connected system. It is created in the connecting state;
// Connect drives it to ready or failed and Close to closed.
type Provider struct {
	cfg       v1alpha1.SystemConfig
	transport Transport
	opts      Options
	logger    *zap.Logger

	// ctx is the provider lifetime. Cancelling it aborts the handshake and
	// every in-flight round trip and tears down the transport.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once

	mu       sync.RWMutex
	started  bool
	state    v1alpha1.SystemState
	err      error
	client   Client
	snapshot Snapshot
	addedAt  time.Time
	readyAt  time.Time
}

// New creates a provider in the connecting state. Nothing is dialled until
// Connect is called.
func New(cfg v1alpha1.SystemConfig, t Transport, opts Options, logger *zap.Logger) *Provider {
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		cfg:       cfg,
		transport: t,
		opts:      opts,
		logger:    logger.With(zap.String("system", cfg.Name), zap.String("transport", string(t.Kind()))),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     v1alpha1.SystemConnecting,
		addedAt:   time.Now(),
	}
}

// Name returns the system name.
func (p *Provider) Name() string { return p.cfg.Name }

// Config returns the descriptor the provider was created from.
func (p *Provider) Config() v1alpha1.SystemConfig { return p.cfg }

// Kind returns the transport kind.
func (p *Provider) Kind() v1alpha1.TransportKind { return p.transport.Kind() }

// State returns the current lifecycle state.
func (p *Provider) State() v1alpha1.SystemState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Err returns the handshake error of a failed provider.
func (p *Provider) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

// Done is closed once the provider has left the connecting state.
func (p *Provider) Done() <-chan struct{} { return p.done }

// Wait blocks until the provider leaves connecting or ctx is done.
func (p *Provider) Wait(ctx context.Context) (v1alpha1.SystemState, error) {
	select {
	case <-p.done:
		return p.State(), nil
	case <-ctx.Done():
		return p.State(), ctx.Err()
	}
}

// Snapshot returns the capabilities learned at handshake time. It is empty
// unless the provider is ready and never touches the transport.
func (p *Provider) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != v1alpha1.SystemReady {
		return Snapshot{}
	}
	return p.snapshot
}

// Status renders the provider for the control API.
func (p *Provider) Status() v1alpha1.SystemStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	st := v1alpha1.SystemStatus{
		Config:  p.cfg,
		State:   p.state,
		AddedAt: p.addedAt,
		ReadyAt: p.readyAt,
	}
	if p.err != nil {
		st.Error = p.err.Error()
	}
	if p.state == v1alpha1.SystemReady {
		st.SupportsResources = p.snapshot.SupportsResources
		st.Instructions = p.snapshot.Instructions
		st.Tools = len(p.snapshot.Tools)
		st.Resources = len(p.snapshot.Resources)
	}
	return st
}

// Connect dials the transport and performs the handshake. It blocks until the
// provider is ready or failed; callers that must not block run it in a
// goroutine. A provider connects at most once.
func (p *Provider) Connect() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("system %q: connect called twice", p.cfg.Name)
	}
	p.started = true
	p.mu.Unlock()
	defer close(p.done)

	start := time.Now()
	p.logger.Debug("connecting")

	snap, c, err := p.handshake()
	if err == nil && p.ctx.Err() != nil {
		err = p.ctx.Err()
	}
	if err != nil {
		if c != nil {
			_ = c.Close()
		}
		herr := &HandshakeError{Name: p.cfg.Name, Err: err}
		p.mu.Lock()
		p.err = herr
		p.setStateLocked(v1alpha1.SystemFailed)
		p.mu.Unlock()
		p.logger.Warn("system handshake failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		return herr
	}

	p.mu.Lock()
	p.client = c
	p.snapshot = snap
	p.readyAt = time.Now()
	p.setStateLocked(v1alpha1.SystemReady)
	p.mu.Unlock()

	p.logger.Info("system ready",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("tools", len(snap.Tools)),
		zap.Int("resources", len(snap.Resources)),
		zap.Bool("supportsResources", snap.SupportsResources),
	)
	return nil
}

// handshake dials and runs initialize, tools/list and resources/list under
// the handshake timeout. The returned client is non-nil whenever the dial
// succeeded, even if a later step failed.
func (p *Provider) handshake() (Snapshot, Client, error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.HandshakeTimeout)
	defer cancel()

	// 1. Dial with the lifetime context so the connection outlives the
	//    handshake, but stop waiting once the handshake deadline passes.
	type dialResult struct {
		client Client
		err    error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		c, err := p.transport.Dial(p.ctx)
		dialed <- dialResult{client: c, err: err}
	}()

	var c Client
	select {
	case r := <-dialed:
		if r.err != nil {
			return Snapshot{}, nil, fmt.Errorf("dial: %w", r.err)
		}
		c = r.client
	case <-ctx.Done():
		go func() {
			if r := <-dialed; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return Snapshot{}, nil, fmt.Errorf("dial: %w", ctx.Err())
	}

	// 2. Initialize.
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{
		Name:    p.opts.ClientName,
		Version: p.opts.ClientVersion,
	}
	initRes, err := c.Initialize(ctx, req)
	if err != nil {
		return Snapshot{}, c, fmt.Errorf("initialize: %w", err)
	}

	snap := Snapshot{
		SupportsResources: initRes.Capabilities.Resources != nil,
		Instructions:      initRes.Instructions,
	}

	// 3. Tools, when declared.
	if initRes.Capabilities.Tools != nil {
		tools, err := c.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return Snapshot{}, c, fmt.Errorf("tools/list: %w", err)
		}
		snap.Tools = tools.Tools
	}

	// 4. Resources, when declared.
	if snap.SupportsResources {
		res, err := c.ListResources(ctx, mcp.ListResourcesRequest{})
		if err != nil {
			return Snapshot{}, c, fmt.Errorf("resources/list: %w", err)
		}
		snap.Resources = res.Resources
	}

	return snap, c, nil
}

// ListResources fetches the live resource list.
func (p *Provider) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	c, err := p.readyClient()
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.requestContext(ctx)
	defer cancel()

	res, err := c.ListResources(ctx, mcp.ListResourcesRequest{})
	if err != nil {
		return nil, p.requestError(ctx, "resources/list", err)
	}
	return res.Resources, nil
}

// ReadResource reads one resource by URI.
func (p *Provider) ReadResource(ctx context.Context, uri string) ([]v1alpha1.ResourceContent, error) {
	c, err := p.readyClient()
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.requestContext(ctx)
	defer cancel()

	req := mcp.ReadResourceRequest{}
	req.Params.URI = uri
	res, err := c.ReadResource(ctx, req)
	if err != nil {
		return nil, p.requestError(ctx, "resources/read", err)
	}

	contents := make([]v1alpha1.ResourceContent, 0, len(res.Contents))
	for _, rc := range res.Contents {
		switch v := rc.(type) {
		case mcp.TextResourceContents:
			contents = append(contents, v1alpha1.ResourceContent{URI: v.URI, MIMEType: v.MIMEType, Text: v.Text})
		case *mcp.TextResourceContents:
			contents = append(contents, v1alpha1.ResourceContent{URI: v.URI, MIMEType: v.MIMEType, Text: v.Text})
		case mcp.BlobResourceContents:
			contents = append(contents, v1alpha1.ResourceContent{URI: v.URI, MIMEType: v.MIMEType, Blob: v.Blob})
		case *mcp.BlobResourceContents:
			contents = append(contents, v1alpha1.ResourceContent{URI: v.URI, MIMEType: v.MIMEType, Blob: v.Blob})
		}
	}
	return contents, nil
}

// CallTool invokes a tool by its provider-local name.
func (p *Provider) CallTool(ctx context.Context, name string, args map[string]any) (*v1alpha1.ToolResult, error) {
	c, err := p.readyClient()
	if err != nil {
		return nil, err
	}
	ctx, cancel := p.requestContext(ctx)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, p.requestError(ctx, "tools/call", err)
	}

	content, err := json.Marshal(res.Content)
	if err != nil {
		return nil, fmt.Errorf("encoding %s result: %w", name, err)
	}
	return &v1alpha1.ToolResult{Name: name, IsError: res.IsError, Content: content}, nil
}

// Close cancels the lifetime context, waits for an in-flight handshake to
// settle, closes the client and moves to closed. It is idempotent.
func (p *Provider) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.cancel()

		// A provider that was never connected settles as failed right here.
		p.mu.Lock()
		if !p.started {
			p.started = true
			p.err = &HandshakeError{Name: p.cfg.Name, Err: context.Canceled}
			p.setStateLocked(v1alpha1.SystemFailed)
			close(p.done)
		}
		p.mu.Unlock()

		<-p.done

		p.mu.Lock()
		c := p.client
		p.client = nil
		p.setStateLocked(v1alpha1.SystemClosed)
		p.mu.Unlock()

		if c != nil {
			if cerr := c.Close(); cerr != nil {
				err = fmt.Errorf("closing system %q: %w", p.cfg.Name, cerr)
			}
		}
		p.logger.Debug("system closed")
	})
	return err
}

func (p *Provider) setStateLocked(to v1alpha1.SystemState) {
	if !ValidTransition(p.state, to) {
		p.logger.DPanic("illegal state transition",
			zap.String("from", string(p.state)),
			zap.String("to", string(to)),
		)
		return
	}
	p.state = to
}

func (p *Provider) readyClient() (Client, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state != v1alpha1.SystemReady || p.client == nil {
		return nil, fmt.Errorf("%w: %q is %s", v1alpha1.ErrProviderNotReady, p.cfg.Name, p.state)
	}
	return p.client, nil
}

// requestContext bounds a round trip by the caller, the request timeout and
// the provider lifetime.
func (p *Provider) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.RequestTimeout)
	stop := context.AfterFunc(p.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// requestError prefers the context error so callers can tell a cancelled
// or timed-out round trip from a provider-side failure.
func (p *Provider) requestError(ctx context.Context, method string, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%s %s: %w", p.cfg.Name, method, cerr)
	}
	return fmt.Errorf("%s %s: %w", p.cfg.Name, method, err)
}
