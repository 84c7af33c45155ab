// Package providertest provides scripted MCP clients and transports for
// tests of packages built on top of provider.
package providertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/klubi/conduit/internal/provider"
	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

// Client is a scripted provider.Client. Zero hooks mean "answer from the
// static fields".
type Client struct {
	Instructions      string
	SupportsResources bool
	Tools             []mcp.Tool
	Resources         []mcp.Resource
	// Contents maps a resource URI to its text.
	Contents map[string]string

	// InitializeFunc runs before Initialize answers; a non-nil error fails it.
	InitializeFunc func(ctx context.Context) error
	// ListResourcesFunc replaces the live resources/list answer.
	ListResourcesFunc func(ctx context.Context) ([]mcp.Resource, error)

	mu     sync.Mutex
	closed bool
	calls  []string
}

var _ provider.Client = (*Client)(nil)

func (c *Client) record(method string) {
	c.mu.Lock()
	c.calls = append(c.calls, method)
	c.mu.Unlock()
}

// Calls returns the methods invoked so far, in order.
func (c *Client) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// Closed reports whether Close was called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) Initialize(ctx context.Context, _ mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	c.record("initialize")
	if c.InitializeFunc != nil {
		if err := c.InitializeFunc(ctx); err != nil {
			return nil, err
		}
	}

	caps := map[string]any{"tools": map[string]any{}}
	if c.SupportsResources {
		caps["resources"] = map[string]any{}
	}
	raw, err := json.Marshal(map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"serverInfo":      map[string]any{"name": "providertest", "version": "0.0.0"},
		"capabilities":    caps,
		"instructions":    c.Instructions,
	})
	if err != nil {
		return nil, err
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ListTools(ctx context.Context, _ mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	c.record("tools/list")
	return &mcp.ListToolsResult{Tools: c.Tools}, nil
}

func (c *Client) ListResources(ctx context.Context, _ mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error) {
	c.record("resources/list")
	if c.ListResourcesFunc != nil {
		res, err := c.ListResourcesFunc(ctx)
		if err != nil {
			return nil, err
		}
		return &mcp.ListResourcesResult{Resources: res}, nil
	}
	return &mcp.ListResourcesResult{Resources: c.Resources}, nil
}

func (c *Client) ReadResource(ctx context.Context, req mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	c.record("resources/read")
	text, ok := c.Contents[req.Params.URI]
	if !ok {
		return nil, fmt.Errorf("no content for %s", req.Params.URI)
	}
	return &mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "text/plain", Text: text},
		},
	}, nil
}

func (c *Client) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c.record("tools/call")
	return mcp.NewToolResultText(req.Params.Name), nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Block is an InitializeFunc that waits for the handshake context to end.
// entered, if non-nil, is closed once the handshake is inside initialize.
func Block(entered chan struct{}) func(ctx context.Context) error {
	var once sync.Once
	return func(ctx context.Context) error {
		if entered != nil {
			once.Do(func() { close(entered) })
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

// Transport dials a fixed client, or fails with Err.
type Transport struct {
	KindValue v1alpha1.TransportKind
	Client    provider.Client
	Err       error
}

var _ provider.Transport = (*Transport)(nil)

func (t *Transport) Kind() v1alpha1.TransportKind {
	if t.KindValue == "" {
		return v1alpha1.TransportStdio
	}
	return t.KindValue
}

func (t *Transport) Dial(ctx context.Context) (provider.Client, error) {
	if t.Err != nil {
		return nil, t.Err
	}
	if t.Client == nil {
		return nil, errors.New("providertest: no client")
	}
	return t.Client, nil
}

// Config returns a minimal stdio descriptor named name.
func Config(name string) v1alpha1.SystemConfig {
	return v1alpha1.SystemConfig{Name: name, Type: v1alpha1.TransportStdio, Cmd: "fake-" + name}
}

// Options returns short timeouts suitable for tests.
func Options() provider.Options {
	opts := provider.DefaultOptions()
	opts.HandshakeTimeout = 2 * time.Second
	opts.RequestTimeout = time.Second
	return opts
}

// Tool returns a tool with an empty object schema.
func Tool(name, description string) mcp.Tool {
	return mcp.NewTool(name, mcp.WithDescription(description))
}

// Resource returns a text resource.
func Resource(uri, name string) mcp.Resource {
	return mcp.NewResource(uri, name, mcp.WithMIMEType("text/plain"))
}

// Connected returns a ready provider backed by c. It fails the test if the
// handshake does not succeed and closes the provider on cleanup.
func Connected(tb testing.TB, name string, c *Client) *provider.Provider {
	tb.Helper()
	p := provider.New(Config(name), &Transport{Client: c}, Options(), zap.NewNop())
	if err := p.Connect(); err != nil {
		tb.Fatalf("connecting %s: %v", name, err)
	}
	tb.Cleanup(func() { _ = p.Close() })
	return p
}
