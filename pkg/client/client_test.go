package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

const testSecret = "s3cret"

// newTestServer serves fn behind a secret check and returns a client for it.
func newTestServer(t *testing.T, fn http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(SecretHeader) != testSecret {
			writeTestError(w, http.StatusUnauthorized, v1alpha1.ErrorResponse{
				Error: "unauthorized", Code: v1alpha1.CodeUnauthorized,
			})
			return
		}
		fn(w, r)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL, testSecret)
}

func writeTestError(w http.ResponseWriter, status int, body v1alpha1.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestListSystemsSendsSecret(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1alpha1/systems" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode([]v1alpha1.SystemStatus{
			{Config: v1alpha1.SystemConfig{Name: "git"}, State: v1alpha1.SystemReady},
		})
	})

	systems, err := c.ListSystems(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(systems) != 1 || systems[0].Config.Name != "git" {
		t.Errorf("unexpected systems %+v", systems)
	}
}

func TestWrongSecretIsUnauthorized(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not be reached")
	})
	c.secret = "wrong"

	_, err := c.ListSystems(context.Background())
	if !errors.Is(err, v1alpha1.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected a 401 APIError, got %#v", err)
	}
}

func TestErrorCodesMapToSentinels(t *testing.T) {
	tests := []struct {
		code   string
		status int
		want   error
	}{
		{v1alpha1.CodeDuplicateProvider, http.StatusConflict, v1alpha1.ErrDuplicateProvider},
		{v1alpha1.CodeUnknownProvider, http.StatusNotFound, v1alpha1.ErrUnknownProvider},
		{v1alpha1.CodeResourceNotFound, http.StatusNotFound, v1alpha1.ErrResourceNotFound},
		{v1alpha1.CodeCanceled, v1alpha1.StatusClientClosedRequest, context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeTestError(w, tt.status, v1alpha1.ErrorResponse{Error: "boom", Code: tt.code})
			})
			_, err := c.GetSystem(context.Background(), "git")
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestNonJSONErrorBody(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway exploded", http.StatusBadGateway)
	})
	err := c.RemoveSystem(context.Background(), "git")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Message != "gateway exploded" || apiErr.Unwrap() != nil {
		t.Errorf("unexpected error %#v", apiErr)
	}
}

func TestForWindowScopesSessionRoutes(t *testing.T) {
	var paths []string
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/api/v1alpha1/windows/current/catalog":
			_ = json.NewEncoder(w).Encode([]v1alpha1.CatalogEntry{})
		case "/api/v1alpha1/windows/current/status":
			_ = json.NewEncoder(w).Encode(v1alpha1.BackendStatus{Status: "ok"})
		default:
			http.NotFound(w, r)
		}
	})

	wc := c.ForWindow("current")
	if _, err := wc.Catalog(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := wc.Status(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(paths) != 2 {
		t.Errorf("unexpected paths %v", paths)
	}
}

func TestAddSystemWait(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("wait") != "true" {
			t.Errorf("expected wait=true, got %q", r.URL.RawQuery)
		}
		var req v1alpha1.AddSystemRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(v1alpha1.SystemStatus{Config: req.Config, State: v1alpha1.SystemReady})
	})

	st, err := c.AddSystem(context.Background(), v1alpha1.AddSystemRequest{
		Config: v1alpha1.SystemConfig{Name: "docs", Type: v1alpha1.TransportBuiltin, Builtin: "workspace"},
	}, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.State != v1alpha1.SystemReady || st.Config.Name != "docs" {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestActivateDuplicateKeepsResult(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		detail, _ := json.Marshal(v1alpha1.ActivationResult{WindowID: "w1", Focused: true})
		writeTestError(w, http.StatusConflict, v1alpha1.ErrorResponse{
			Error:  "system already exists",
			Code:   v1alpha1.CodeDuplicateProvider,
			Detail: detail,
		})
	})

	res, err := c.Activate(context.Background(), v1alpha1.ActivationRequest{
		Kind: v1alpha1.ActivationDeepLink,
		Link: "conduit://extension?id=git&cmd=git-mcp&name=Git",
	})
	if !errors.Is(err, v1alpha1.ErrDuplicateProvider) {
		t.Fatalf("expected ErrDuplicateProvider, got %v", err)
	}
	if res == nil || res.WindowID != "w1" || !res.Focused {
		t.Errorf("expected partial result, got %+v", res)
	}
}

func TestContextCancelled(t *testing.T) {
	release := make(chan struct{})
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.ListResources(ctx, "")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}
