// Package client provides a Go client library for the conduit shell API and
// the backend control API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

// SecretHeader carries the session secret on every request.
const SecretHeader = "X-Secret-Key"

const apiPrefix = "/api/v1alpha1"

// Client talks to one loopback control surface: either a backend session
// directly or the shell, optionally scoped to one of its windows.
type Client struct {
	baseURL    string
	secret     string
	scope      string
	httpClient *http.Client
}

// New creates a client for baseURL (e.g. "http://127.0.0.1:41234") that
// authenticates with secretKey. Deadlines come from the request contexts.
func New(baseURL, secretKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		secret:     secretKey,
		scope:      apiPrefix,
		httpClient: &http.Client{},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	cp := *c
	cp.httpClient = hc
	return &cp
}

// ForWindow returns a client whose session calls go through the shell to the
// backend of window id. "current" selects the focused window.
func (c *Client) ForWindow(id string) *Client {
	cp := *c
	cp.scope = apiPrefix + "/windows/" + url.PathEscape(id)
	return &cp
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.baseURL }

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// APIError is a non-2xx answer. It unwraps to the taxonomy sentinel named
// by its code, so errors.Is works across the loopback hop.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Detail     json.RawMessage
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (status %d, %s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// Unwrap returns the sentinel for the error code, if any.
func (e *APIError) Unwrap() error {
	return v1alpha1.ErrorForCode(e.Code)
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// doRequest builds and executes an HTTP request.
// If body is non-nil it is JSON-encoded and sent as the request body.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(SecretHeader, c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, ctxErr)
		}
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

// doJSON executes a request, checks for a 2xx status, and JSON-decodes
// the response body into target (when target is non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, target interface{}) error {
	resp, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s %s: %w", method, path, ctxErr)
		}
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, respBody)
	}

	if target != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, target); err != nil {
			return fmt.Errorf("decode response body: %w", err)
		}
	}
	return nil
}

func decodeError(status int, body []byte) error {
	var env v1alpha1.ErrorResponse
	if err := json.Unmarshal(body, &env); err != nil || env.Error == "" {
		return &APIError{StatusCode: status, Message: string(bytes.TrimSpace(body))}
	}
	return &APIError{StatusCode: status, Code: env.Code, Message: env.Error, Detail: env.Detail}
}

func (c *Client) api(path string) string { return c.scope + path }

// ---------------------------------------------------------------------------
// Backend session
// ---------------------------------------------------------------------------

// Status calls the backend readiness probe.
func (c *Client) Status(ctx context.Context) (*v1alpha1.BackendStatus, error) {
	var out v1alpha1.BackendStatus
	path := "/status"
	if c.scope != apiPrefix {
		path = c.api("/status")
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSystems returns every system in insertion order.
func (c *Client) ListSystems(ctx context.Context) ([]v1alpha1.SystemStatus, error) {
	var out []v1alpha1.SystemStatus
	if err := c.doJSON(ctx, http.MethodGet, c.api("/systems"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AddSystem registers a system. With wait the call returns once the
// handshake has finished; otherwise the returned status is connecting.
func (c *Client) AddSystem(ctx context.Context, req v1alpha1.AddSystemRequest, wait bool) (*v1alpha1.SystemStatus, error) {
	path := c.api("/systems")
	if wait {
		path += "?wait=true"
	}
	var out v1alpha1.SystemStatus
	if err := c.doJSON(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSystem returns one system.
func (c *Client) GetSystem(ctx context.Context, name string) (*v1alpha1.SystemStatus, error) {
	var out v1alpha1.SystemStatus
	if err := c.doJSON(ctx, http.MethodGet, c.api("/systems/"+url.PathEscape(name)), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RemoveSystem closes and removes a system.
func (c *Client) RemoveSystem(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, c.api("/systems/"+url.PathEscape(name)), nil, nil)
}

// Catalog returns the merged, namespaced catalog.
func (c *Client) Catalog(ctx context.Context) ([]v1alpha1.CatalogEntry, error) {
	var out []v1alpha1.CatalogEntry
	if err := c.doJSON(ctx, http.MethodGet, c.api("/catalog"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PromptSystems returns the systems section for prompt assembly.
func (c *Client) PromptSystems(ctx context.Context) ([]v1alpha1.PromptSystem, error) {
	var out []v1alpha1.PromptSystem
	if err := c.doJSON(ctx, http.MethodGet, c.api("/prompt/systems"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListResources lists one system's resources, or all when system is empty.
func (c *Client) ListResources(ctx context.Context, system string) (*v1alpha1.ResourceListing, error) {
	var out v1alpha1.ResourceListing
	req := v1alpha1.ListResourcesRequest{System: system}
	if err := c.doJSON(ctx, http.MethodPost, c.api("/resources/list"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReadResource reads a resource.
func (c *Client) ReadResource(ctx context.Context, system, uri string) (*v1alpha1.ResourceRead, error) {
	var out v1alpha1.ResourceRead
	req := v1alpha1.ReadResourceRequest{System: system, URI: uri}
	if err := c.doJSON(ctx, http.MethodPost, c.api("/resources/read"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CallTool invokes a namespaced tool.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*v1alpha1.ToolResult, error) {
	var out v1alpha1.ToolResult
	req := v1alpha1.ToolCallRequest{Name: name, Arguments: args}
	if err := c.doJSON(ctx, http.MethodPost, c.api("/tools/call"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// Shell
// ---------------------------------------------------------------------------

// Healthz checks whether the shell is up.
func (c *Client) Healthz(ctx context.Context) (*v1alpha1.ShellStatus, error) {
	var out v1alpha1.ShellStatus
	if err := c.doJSON(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWindows returns the open windows, most recently focused first.
func (c *Client) ListWindows(ctx context.Context) ([]v1alpha1.WindowInfo, error) {
	var out []v1alpha1.WindowInfo
	if err := c.doJSON(ctx, http.MethodGet, apiPrefix+"/windows", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetWindow returns one window.
func (c *Client) GetWindow(ctx context.Context, id string) (*v1alpha1.WindowInfo, error) {
	var out v1alpha1.WindowInfo
	if err := c.doJSON(ctx, http.MethodGet, apiPrefix+"/windows/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OpenWindow starts a new window and its backend session.
func (c *Client) OpenWindow(ctx context.Context, workingDir string) (*v1alpha1.WindowInfo, error) {
	var out v1alpha1.WindowInfo
	req := v1alpha1.OpenWindowRequest{WorkingDir: workingDir}
	if err := c.doJSON(ctx, http.MethodPost, apiPrefix+"/windows", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CloseWindow closes a window; its session is stopped before this returns.
func (c *Client) CloseWindow(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, apiPrefix+"/windows/"+url.PathEscape(id), nil, nil)
}

// FocusWindow makes id the most recently focused window.
func (c *Client) FocusWindow(ctx context.Context, id string) (*v1alpha1.WindowInfo, error) {
	var out v1alpha1.WindowInfo
	if err := c.doJSON(ctx, http.MethodPost, apiPrefix+"/windows/"+url.PathEscape(id)+"/focus", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReloadWindow replaces a window's session with a fresh one.
func (c *Client) ReloadWindow(ctx context.Context, id string) (*v1alpha1.WindowInfo, error) {
	var out v1alpha1.WindowInfo
	if err := c.doJSON(ctx, http.MethodPost, apiPrefix+"/windows/"+url.PathEscape(id)+"/reload", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WindowLogs returns the backend log of a window's session.
func (c *Client) WindowLogs(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, apiPrefix+"/windows/"+url.PathEscape(id)+"/logs", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp.StatusCode, body)
	}
	return body, nil
}

// Activate routes an activation. When the system already exists the
// returned error wraps ErrDuplicateProvider and the result is still set.
func (c *Client) Activate(ctx context.Context, req v1alpha1.ActivationRequest) (*v1alpha1.ActivationResult, error) {
	var out v1alpha1.ActivationResult
	err := c.doJSON(ctx, http.MethodPost, apiPrefix+"/activate", req, &out)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && len(apiErr.Detail) > 0 {
			var partial v1alpha1.ActivationResult
			if json.Unmarshal(apiErr.Detail, &partial) == nil {
				return &partial, err
			}
		}
		return nil, err
	}
	return &out, nil
}

// ListSavedSystems returns the systems added to every new window.
func (c *Client) ListSavedSystems(ctx context.Context) ([]v1alpha1.SystemConfig, error) {
	var out []v1alpha1.SystemConfig
	if err := c.doJSON(ctx, http.MethodGet, apiPrefix+"/saved-systems", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SaveSystem persists a system config. Without replace an existing entry
// is ErrDuplicateProvider.
func (c *Client) SaveSystem(ctx context.Context, req v1alpha1.AddSystemRequest) error {
	return c.doJSON(ctx, http.MethodPost, apiPrefix+"/saved-systems", req, nil)
}

// ForgetSystem deletes a saved system.
func (c *Client) ForgetSystem(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, apiPrefix+"/saved-systems/"+url.PathEscape(name), nil, nil)
}

// RecentDirs returns the most recently used working directories.
func (c *Client) RecentDirs(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.doJSON(ctx, http.MethodGet, apiPrefix+"/recent-dirs", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
