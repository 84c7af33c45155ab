// Package catalog merges the capabilities of a session's ready systems into
// one namespaced view and dispatches calls back to their owners.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/klubi/conduit/internal/provider"
	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

// Platform tool names, unqualified.
const (
	ListResourcesTool = "list_resources"
	ReadResourceTool  = "read_resource"
)

var (
	listResourcesSpec = mcp.NewTool(ListResourcesTool,
		mcp.WithDescription("List resources from one system, or from every system that supports resources when no system is given."),
		mcp.WithString("system", mcp.Description("optional system name")),
	)
	readResourceSpec = mcp.NewTool(ReadResourceTool,
		mcp.WithDescription("Read a resource by URI. When no system is given, the system that declares the URI is used."),
		mcp.WithString("uri", mcp.Required(), mcp.Description("resource URI")),
		mcp.WithString("system", mcp.Description("optional system name")),
	)
)

// Source yields the providers of a session in order. *registry.Registry
// satisfies it.
type Source interface {
	List() []*provider.Provider
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithRequestTimeout bounds each provider's part of a fan-out.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Catalog) { c.requestTimeout = d }
}

// WithFailureHook is called with the system name whenever a fan-out member
// fails or times out.
func WithFailureHook(fn func(system string)) Option {
	return func(c *Catalog) { c.onFailure = fn }
}

// Catalog is stateless: every call recomputes from one registry snapshot.
type Catalog struct {
	source         Source
	logger         *zap.Logger
	requestTimeout time.Duration
	onFailure      func(system string)
}

// New creates a catalog over source.
func New(source Source, logger *zap.Logger, opts ...Option) *Catalog {
	c := &Catalog{
		source:         source,
		logger:         logger,
		requestTimeout: 5 * time.Second,
		onFailure:      func(string) {},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// QualifiedName joins a system and capability name.
func QualifiedName(system, name string) string {
	return system + v1alpha1.NameSeparator + name
}

// SplitName splits a qualified name at the first separator.
func SplitName(qualified string) (system, name string, ok bool) {
	system, name, ok = strings.Cut(qualified, v1alpha1.NameSeparator)
	if !ok || system == "" || name == "" {
		return "", "", false
	}
	return system, name, true
}

// ready returns the ready providers of one snapshot.
func (c *Catalog) ready() []*provider.Provider {
	var out []*provider.Provider
	for _, p := range c.source.List() {
		if p.State() == v1alpha1.SystemReady {
			out = append(out, p)
		}
	}
	return out
}

func (c *Catalog) readyByName(name string) (*provider.Provider, error) {
	for _, p := range c.ready() {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", v1alpha1.ErrUnknownProvider, name)
}

// Catalog returns every tool and resource of the ready systems, namespaced
// by system, followed by the platform tools when some ready system supports
// resources.
func (c *Catalog) Catalog() []v1alpha1.CatalogEntry {
	var entries []v1alpha1.CatalogEntry
	anyResources := false

	for _, p := range c.ready() {
		snap := p.Snapshot()
		if snap.SupportsResources {
			anyResources = true
		}
		for _, t := range snap.Tools {
			entries = append(entries, v1alpha1.CatalogEntry{
				System:      p.Name(),
				Kind:        v1alpha1.CapabilityTool,
				Name:        QualifiedName(p.Name(), t.Name),
				Description: t.Description,
				Schema:      inputSchema(t),
			})
		}
		for _, r := range snap.Resources {
			entries = append(entries, v1alpha1.CatalogEntry{
				System:      p.Name(),
				Kind:        v1alpha1.CapabilityResource,
				Name:        QualifiedName(p.Name(), r.Name),
				URI:         r.URI,
				Description: r.Description,
				MIMEType:    r.MIMEType,
			})
		}
	}

	if anyResources {
		for _, t := range []mcp.Tool{listResourcesSpec, readResourceSpec} {
			entries = append(entries, v1alpha1.CatalogEntry{
				System:      v1alpha1.PlatformName,
				Kind:        v1alpha1.CapabilityTool,
				Name:        QualifiedName(v1alpha1.PlatformName, t.Name),
				Description: t.Description,
				Schema:      inputSchema(t),
			})
		}
	}
	return entries
}

// Systems lists the ready systems for prompt assembly, in registry order.
func (c *Catalog) Systems() []v1alpha1.PromptSystem {
	var out []v1alpha1.PromptSystem
	for _, p := range c.ready() {
		snap := p.Snapshot()
		out = append(out, v1alpha1.PromptSystem{
			Name:              p.Name(),
			Description:       p.Config().Description,
			SupportsResources: snap.SupportsResources,
			Instructions:      snap.Instructions,
		})
	}
	return out
}

// ListResources lists the resources of one system, or fans out to every
// ready system with resource support when system is empty. Fan-out members
// that fail are reported in Failures; the rest are still returned.
func (c *Catalog) ListResources(ctx context.Context, system string) (*v1alpha1.ResourceListing, error) {
	if system != "" {
		p, err := c.readyByName(system)
		if err != nil {
			return nil, err
		}
		if !p.Snapshot().SupportsResources {
			return nil, fmt.Errorf("%w: %q does not support resources", v1alpha1.ErrUnknownProvider, system)
		}
		res, err := p.ListResources(ctx)
		if err != nil {
			return nil, err
		}
		return &v1alpha1.ResourceListing{Resources: refs(p.Name(), res)}, nil
	}

	var targets []*provider.Provider
	for _, p := range c.ready() {
		if p.Snapshot().SupportsResources {
			targets = append(targets, p)
		}
	}

	var (
		g        errgroup.Group
		mu       sync.Mutex
		results  = make([][]v1alpha1.ResourceRef, len(targets))
		failures = make(map[string]string)
	)
	for i, p := range targets {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
			defer cancel()

			res, err := p.ListResources(pctx)
			if err != nil {
				mu.Lock()
				failures[p.Name()] = err.Error()
				mu.Unlock()
				c.onFailure(p.Name())
				c.logger.Warn("resource listing failed", zap.String("system", p.Name()), zap.Error(err))
				return nil
			}
			results[i] = refs(p.Name(), res)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	listing := &v1alpha1.ResourceListing{Resources: []v1alpha1.ResourceRef{}}
	for _, r := range results {
		listing.Resources = append(listing.Resources, r...)
	}
	if len(failures) > 0 {
		listing.Failures = failures
	}
	return listing, nil
}

// ReadResource reads uri from system. An empty system selects the ready
// system that declares the URI. A URI that is not declared, even after a
// live re-list, is ErrResourceNotFound.
func (c *Catalog) ReadResource(ctx context.Context, system, uri string) (*v1alpha1.ResourceRead, error) {
	var p *provider.Provider
	if system != "" {
		var err error
		if p, err = c.readyByName(system); err != nil {
			return nil, err
		}
		if !p.Snapshot().SupportsResources {
			return nil, fmt.Errorf("%w: %q declares no resources", v1alpha1.ErrResourceNotFound, system)
		}
		if !declares(p.Snapshot().Resources, uri) {
			live, err := p.ListResources(ctx)
			if err != nil {
				return nil, err
			}
			if !declares(live, uri) {
				return nil, fmt.Errorf("%w: %s in %q", v1alpha1.ErrResourceNotFound, uri, system)
			}
		}
	} else {
		p = c.owner(ctx, uri)
		if p == nil {
			return nil, fmt.Errorf("%w: %s", v1alpha1.ErrResourceNotFound, uri)
		}
	}

	contents, err := p.ReadResource(ctx, uri)
	if err != nil {
		return nil, err
	}
	return &v1alpha1.ResourceRead{System: p.Name(), URI: uri, Contents: contents}, nil
}

// owner finds the ready system declaring uri, checking snapshots first and a
// live listing second.
func (c *Catalog) owner(ctx context.Context, uri string) *provider.Provider {
	ready := c.ready()
	for _, p := range ready {
		if declares(p.Snapshot().Resources, uri) {
			return p
		}
	}
	listing, err := c.ListResources(ctx, "")
	if err != nil {
		return nil
	}
	for _, r := range listing.Resources {
		if r.URI != uri {
			continue
		}
		for _, p := range ready {
			if p.Name() == r.System {
				return p
			}
		}
	}
	return nil
}

// CallTool dispatches a qualified tool name to its system. The platform
// tools are served here.
func (c *Catalog) CallTool(ctx context.Context, name string, args map[string]any) (*v1alpha1.ToolResult, error) {
	system, tool, ok := SplitName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", v1alpha1.ErrUnknownTool, name)
	}
	if system == v1alpha1.PlatformName {
		return c.callPlatform(ctx, name, tool, args)
	}

	p, err := c.readyByName(system)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", v1alpha1.ErrUnknownTool, name)
	}
	found := false
	for _, t := range p.Snapshot().Tools {
		if t.Name == tool {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %q", v1alpha1.ErrUnknownTool, name)
	}

	res, err := p.CallTool(ctx, tool, args)
	if err != nil {
		return nil, err
	}
	res.Name = name
	return res, nil
}

func (c *Catalog) callPlatform(ctx context.Context, name, tool string, args map[string]any) (*v1alpha1.ToolResult, error) {
	supported := false
	for _, p := range c.ready() {
		if p.Snapshot().SupportsResources {
			supported = true
			break
		}
	}
	if !supported {
		return nil, fmt.Errorf("%w: %q", v1alpha1.ErrUnknownTool, name)
	}

	system, _ := args["system"].(string)
	switch tool {
	case ListResourcesTool:
		listing, err := c.ListResources(ctx, system)
		if err != nil {
			return nil, err
		}
		return jsonResult(name, listing)
	case ReadResourceTool:
		uri, _ := args["uri"].(string)
		if uri == "" {
			return textResult(name, "uri is required", true)
		}
		read, err := c.ReadResource(ctx, system, uri)
		if err != nil {
			return nil, err
		}
		return jsonResult(name, read)
	default:
		return nil, fmt.Errorf("%w: %q", v1alpha1.ErrUnknownTool, name)
	}
}

func refs(system string, resources []mcp.Resource) []v1alpha1.ResourceRef {
	out := make([]v1alpha1.ResourceRef, 0, len(resources))
	for _, r := range resources {
		out = append(out, v1alpha1.ResourceRef{
			System:      system,
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MIMEType:    r.MIMEType,
		})
	}
	return out
}

func declares(resources []mcp.Resource, uri string) bool {
	for _, r := range resources {
		if r.URI == uri {
			return true
		}
	}
	return false
}

// inputSchema extracts the JSON schema of a tool as it goes on the wire.
func inputSchema(t mcp.Tool) json.RawMessage {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil
	}
	var wire struct {
		InputSchema json.RawMessage `json:"inputSchema"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil
	}
	return wire.InputSchema
}

func jsonResult(name string, v any) (*v1alpha1.ToolResult, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s result: %w", name, err)
	}
	return textResult(name, string(body), false)
}

func textResult(name, text string, isError bool) (*v1alpha1.ToolResult, error) {
	content, err := json.Marshal([]mcp.Content{mcp.NewTextContent(text)})
	if err != nil {
		return nil, fmt.Errorf("encoding %s result: %w", name, err)
	}
	return &v1alpha1.ToolResult{Name: name, IsError: isError, Content: content}, nil
}
