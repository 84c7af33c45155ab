// Package v1alpha1 defines the wire types shared by the conduit shell, the
// backend control API and the CLI.
package v1alpha1

import (
	"encoding/json"
	"time"
)

const (
	APIVersion = "conduit.dev/v1alpha1"
)

// Resource kinds
const (
	KindSystem = "System"
)

// TypeMeta describes the API version and kind of a manifest document.
type TypeMeta struct {
	APIVersion string `json:"apiVersion" yaml:"apiVersion"`
	Kind       string `json:"kind" yaml:"kind"`
}

// ObjectMeta holds metadata common to manifest documents.
type ObjectMeta struct {
	Name   string            `json:"name" yaml:"name"`
	Labels map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// -------------------------------------------------------
// Systems (tool providers)
// -------------------------------------------------------

// TransportKind selects how a system is reached.
type TransportKind string

const (
	TransportStdio   TransportKind = "stdio"
	TransportSSE     TransportKind = "sse"
	TransportBuiltin TransportKind = "builtin"
)

// SystemState is the lifecycle state of a connected system.
type SystemState string

const (
	SystemConnecting SystemState = "connecting"
	SystemReady      SystemState = "ready"
	SystemFailed     SystemState = "failed"
	SystemClosed     SystemState = "closed"
)

// PlatformName is reserved for the synthetic resource tools.
const PlatformName = "platform"

// NameSeparator joins a system name and a capability name.
const NameSeparator = "__"

// SystemConfig is the launch/connection descriptor for one system.
type SystemConfig struct {
	Name        string            `json:"name" yaml:"name"`
	Type        TransportKind     `json:"type" yaml:"type"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Cmd         string            `json:"cmd,omitempty" yaml:"cmd,omitempty"`
	Args        []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL         string            `json:"url,omitempty" yaml:"url,omitempty"`
	Builtin     string            `json:"builtin,omitempty" yaml:"builtin,omitempty"`
}

// SystemStatus reports one system as seen by a session's registry.
type SystemStatus struct {
	Config            SystemConfig `json:"config"`
	State             SystemState  `json:"state"`
	Error             string       `json:"error,omitempty"`
	SupportsResources bool         `json:"supportsResources"`
	Instructions      string       `json:"instructions,omitempty"`
	Tools             int          `json:"tools"`
	Resources         int          `json:"resources"`
	AddedAt           time.Time    `json:"addedAt"`
	ReadyAt           time.Time    `json:"readyAt,omitempty"`
}

// AddSystemRequest is the body of POST /systems.
type AddSystemRequest struct {
	Config  SystemConfig `json:"config"`
	Replace bool         `json:"replace,omitempty"`
}

// SystemManifest is the manifest form of a SystemConfig.
type SystemManifest struct {
	TypeMeta `json:",inline" yaml:",inline"`
	Metadata ObjectMeta   `json:"metadata" yaml:"metadata"`
	Spec     SystemConfig `json:"spec" yaml:"spec"`
}

// BackendStatus is the body of GET /status on a backend session.
type BackendStatus struct {
	Status     string    `json:"status"`
	PID        int       `json:"pid"`
	WorkingDir string    `json:"workingDir,omitempty"`
	Systems    int       `json:"systems"`
	StartedAt  time.Time `json:"startedAt"`
}

// -------------------------------------------------------
// Catalog
// -------------------------------------------------------

// CapabilityKind distinguishes tools from resources in the catalog.
type CapabilityKind string

const (
	CapabilityTool     CapabilityKind = "tool"
	CapabilityResource CapabilityKind = "resource"
)

// CatalogEntry is one namespaced tool or resource.
type CatalogEntry struct {
	System      string          `json:"system"`
	Kind        CapabilityKind  `json:"kind"`
	Name        string          `json:"name"`
	URI         string          `json:"uri,omitempty"`
	Description string          `json:"description,omitempty"`
	MIMEType    string          `json:"mimeType,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// PromptSystem is one entry of the "currently active systems" prompt section.
type PromptSystem struct {
	Name              string `json:"name"`
	Description       string `json:"description,omitempty"`
	SupportsResources bool   `json:"supportsResources"`
	Instructions      string `json:"instructions,omitempty"`
}

// -------------------------------------------------------
// Resources and tools
// -------------------------------------------------------

// ListResourcesRequest is the body of POST /resources/list. An empty System
// fans out to every ready system that supports resources.
type ListResourcesRequest struct {
	System string `json:"system,omitempty"`
}

// ResourceRef is a resource tagged with the system that owns it.
type ResourceRef struct {
	System      string `json:"system"`
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
}

// ResourceListing is the result of a resource listing. Failures holds the
// systems that errored or timed out during a fan-out.
type ResourceListing struct {
	Resources []ResourceRef     `json:"resources"`
	Failures  map[string]string `json:"failures,omitempty"`
}

// ReadResourceRequest is the body of POST /resources/read.
type ReadResourceRequest struct {
	System string `json:"system"`
	URI    string `json:"uri"`
}

// ResourceContent is one content block of a read resource.
type ResourceContent struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ResourceRead is the result of reading a resource.
type ResourceRead struct {
	System   string            `json:"system"`
	URI      string            `json:"uri"`
	Contents []ResourceContent `json:"contents"`
}

// ToolCallRequest is the body of POST /tools/call.
type ToolCallRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult carries the raw MCP result content of a tool call.
type ToolResult struct {
	Name    string          `json:"name"`
	IsError bool            `json:"isError,omitempty"`
	Content json.RawMessage `json:"content"`
}

// -------------------------------------------------------
// Shell
// -------------------------------------------------------

// WindowInfo describes one shell window and its backend session.
type WindowInfo struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	WorkingDir string    `json:"workingDir,omitempty"`
	Port       int       `json:"port"`
	PID        int       `json:"pid"`
	Focused    bool      `json:"focused"`
	Fatal      string    `json:"fatal,omitempty"`
	OpenedAt   time.Time `json:"openedAt"`
}

// ShellStatus is the body of GET /healthz on the shell.
type ShellStatus struct {
	Status    string    `json:"status"`
	PID       int       `json:"pid"`
	Windows   int       `json:"windows"`
	StartedAt time.Time `json:"startedAt"`
}

// OpenWindowRequest is the body of POST /windows.
type OpenWindowRequest struct {
	WorkingDir string `json:"workingDir,omitempty"`
}

// ActivationKind identifies where an activation came from.
type ActivationKind string

const (
	ActivationDeepLink       ActivationKind = "deep-link"
	ActivationSecondInstance ActivationKind = "second-instance"
	ActivationInApp          ActivationKind = "in-app"
)

// TargetHint tells the router which window an activation is aimed at.
type TargetHint string

const (
	HintNone       TargetHint = "none"
	HintMostRecent TargetHint = "most-recent"
	HintExplicit   TargetHint = "explicit"
)

// ActivationRequest is the body of POST /activate.
type ActivationRequest struct {
	Kind       ActivationKind `json:"kind"`
	Hint       TargetHint     `json:"hint,omitempty"`
	WindowID   string         `json:"windowId,omitempty"`
	Link       string         `json:"link,omitempty"`
	WorkingDir string         `json:"workingDir,omitempty"`
	Replace    bool           `json:"replace,omitempty"`
}

// ActivationResult reports what an activation did.
type ActivationResult struct {
	WindowID string        `json:"windowId"`
	Created  bool          `json:"created"`
	Focused  bool          `json:"focused"`
	System   *SystemStatus `json:"system,omitempty"`
	Warning  string        `json:"warning,omitempty"`
}
