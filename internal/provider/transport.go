package provider

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

// Client is the part of an MCP client session a provider drives.
// *client.Client from mcp-go satisfies it.
type Client interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	ListResources(ctx context.Context, request mcp.ListResourcesRequest) (*mcp.ListResourcesResult, error)
	ReadResource(ctx context.Context, request mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Transport opens a client session to one system. Each transport kind is one
// implementation; callers never switch on the kind.
type Transport interface {
	Kind() v1alpha1.TransportKind
	// Dial connects using ctx as the lifetime of the connection: cancelling
	// it tears the transport down.
	Dial(ctx context.Context) (Client, error)
}

// BuiltinFactory builds the in-process MCP server behind a builtin system.
type BuiltinFactory func() (*server.MCPServer, error)

// Builtins maps builtin names to their factories.
type Builtins map[string]BuiltinFactory

// Names returns the registered builtin names, sorted.
func (b Builtins) Names() []string {
	names := make([]string, 0, len(b))
	for name := range b {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewTransport returns the transport described by cfg.
func NewTransport(cfg v1alpha1.SystemConfig, builtins Builtins) (Transport, error) {
	switch cfg.Type {
	case v1alpha1.TransportStdio:
		return &stdioTransport{cmd: cfg.Cmd, args: cfg.Args, env: environ(cfg.Env)}, nil
	case v1alpha1.TransportSSE:
		return &sseTransport{url: cfg.URL}, nil
	case v1alpha1.TransportBuiltin:
		factory, ok := builtins[cfg.Builtin]
		if !ok {
			return nil, fmt.Errorf("%w: unknown builtin %q", v1alpha1.ErrInvalidConfig, cfg.Builtin)
		}
		return &builtinTransport{name: cfg.Builtin, factory: factory}, nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", v1alpha1.ErrInvalidConfig, cfg.Type)
	}
}

// Validate checks that cfg names a system and carries the fields its
// transport needs.
func Validate(cfg v1alpha1.SystemConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: name must not be empty", v1alpha1.ErrInvalidConfig)
	}
	if cfg.Name == v1alpha1.PlatformName {
		return fmt.Errorf("%w: name %q is reserved", v1alpha1.ErrInvalidConfig, cfg.Name)
	}
	if containsSeparator(cfg.Name) {
		return fmt.Errorf("%w: name %q must not contain %q", v1alpha1.ErrInvalidConfig, cfg.Name, v1alpha1.NameSeparator)
	}

	switch cfg.Type {
	case v1alpha1.TransportStdio:
		if cfg.Cmd == "" {
			return fmt.Errorf("%w: stdio system %q needs a command", v1alpha1.ErrInvalidConfig, cfg.Name)
		}
	case v1alpha1.TransportSSE:
		u, err := url.Parse(cfg.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: sse system %q needs an http(s) url", v1alpha1.ErrInvalidConfig, cfg.Name)
		}
	case v1alpha1.TransportBuiltin:
		if cfg.Builtin == "" {
			return fmt.Errorf("%w: builtin system %q needs a builtin name", v1alpha1.ErrInvalidConfig, cfg.Name)
		}
	default:
		return fmt.Errorf("%w: unknown transport %q", v1alpha1.ErrInvalidConfig, cfg.Type)
	}
	return nil
}

// ---------- stdio ----------

// stdioTransport runs the system as a child process speaking line-framed
// JSON-RPC on stdin/stdout. Closing the client terminates the child.
type stdioTransport struct {
	cmd  string
	args []string
	env  []string
}

func (t *stdioTransport) Kind() v1alpha1.TransportKind { return v1alpha1.TransportStdio }

func (t *stdioTransport) Dial(ctx context.Context) (Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c, err := client.NewStdioMCPClient(t.cmd, t.env, t.args...)
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", t.cmd, err)
	}
	return c, nil
}

// ---------- sse ----------

// sseTransport holds a long-lived event stream open to the system and posts
// requests to the endpoint it advertises.
type sseTransport struct {
	url string
}

func (t *sseTransport) Kind() v1alpha1.TransportKind { return v1alpha1.TransportSSE }

func (t *sseTransport) Dial(ctx context.Context) (Client, error) {
	c, err := client.NewSSEMCPClient(t.url)
	if err != nil {
		return nil, fmt.Errorf("creating sse client for %s: %w", t.url, err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("opening event stream %s: %w", t.url, err)
	}
	return c, nil
}

// ---------- builtin ----------

// builtinTransport serves the system from an in-process MCP server.
type builtinTransport struct {
	name    string
	factory BuiltinFactory
}

func (t *builtinTransport) Kind() v1alpha1.TransportKind { return v1alpha1.TransportBuiltin }

func (t *builtinTransport) Dial(ctx context.Context) (Client, error) {
	srv, err := t.factory()
	if err != nil {
		return nil, fmt.Errorf("building builtin %s: %w", t.name, err)
	}
	c, err := client.NewInProcessClient(srv)
	if err != nil {
		return nil, fmt.Errorf("connecting builtin %s: %w", t.name, err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("starting builtin %s: %w", t.name, err)
	}
	return c, nil
}

// environ renders an env map as sorted KEY=VALUE pairs.
func environ(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func containsSeparator(name string) bool {
	for i := 0; i+len(v1alpha1.NameSeparator) <= len(name); i++ {
		if name[i:i+len(v1alpha1.NameSeparator)] == v1alpha1.NameSeparator {
			return true
		}
	}
	return false
}
