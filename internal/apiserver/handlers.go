package apiserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// writeJSON serialises data as JSON and writes it to the response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	WriteJSON(w, status, data, s.logger)
}

// writeError maps err onto the error envelope and its HTTP status.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	WriteError(w, r, err, s.logger)
}

// WriteJSON is shared with the shell API so both surfaces encode alike.
func WriteJSON(w http.ResponseWriter, status int, data interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode JSON response", zap.Error(err))
	}
}

// WriteError writes the {"error","code"} envelope for err. Server-side
// failures are logged; taxonomy errors are the caller's business.
func WriteError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	WriteErrorDetail(w, r, err, nil, logger)
}

// WriteErrorDetail is WriteError with a partial result attached as detail.
func WriteErrorDetail(w http.ResponseWriter, r *http.Request, err error, detail interface{}, logger *zap.Logger) {
	resp := v1alpha1.ErrorResponse{Error: err.Error()}
	if detail != nil {
		raw, mErr := json.Marshal(detail)
		if mErr != nil {
			logger.Error("failed to encode error detail", zap.Error(mErr))
		} else {
			resp.Detail = raw
		}
	}

	var bad *badRequestError
	if errors.As(err, &bad) {
		resp.Code = v1alpha1.CodeBadRequest
		WriteJSON(w, http.StatusBadRequest, resp, logger)
		return
	}

	code, status := v1alpha1.ErrorCode(err)
	if status >= http.StatusInternalServerError && code == v1alpha1.CodeInternal {
		logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	} else {
		logger.Debug("request rejected",
			zap.String("path", r.URL.Path),
			zap.String("code", code),
			zap.Error(err),
		)
	}
	resp.Code = code
	WriteJSON(w, status, resp, logger)
}

type badRequestError struct{ err error }

func (e *badRequestError) Error() string { return "malformed request body: " + e.err.Error() }
func (e *badRequestError) Unwrap() error { return e.err }

// DecodeJSON reads a JSON body into v. An empty body leaves v untouched.
func DecodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		return &badRequestError{err: err}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, v1alpha1.BackendStatus{
		Status:     "ok",
		PID:        os.Getpid(),
		WorkingDir: s.cfg.WorkingDir,
		Systems:    s.registry.Len(),
		StartedAt:  s.startedAt,
	})
}

// ---------------------------------------------------------------------------
// Systems
// ---------------------------------------------------------------------------

func (s *Server) handleListSystems(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.Statuses())
}

// handleAddSystem registers a system and answers 202 while the handshake
// runs. With ?wait=true it answers once the system is ready or failed.
func (s *Server) handleAddSystem(w http.ResponseWriter, r *http.Request) {
	var req v1alpha1.AddSystemRequest
	if err := DecodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	p, err := s.registry.Add(req.Config, req.Replace)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// The system stays registered when the caller stops waiting, so that
	// case is still an accepted add.
	if r.URL.Query().Get("wait") == "true" {
		if _, err := p.Wait(r.Context()); err == nil {
			s.writeJSON(w, http.StatusOK, p.Status())
			return
		}
	}
	s.writeJSON(w, http.StatusAccepted, p.Status())
}

func (s *Server) handleGetSystem(w http.ResponseWriter, r *http.Request) {
	p, err := s.registry.Get(mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p.Status())
}

func (s *Server) handleDeleteSystem(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Remove(mux.Vars(r)["name"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	entries := s.catalog.Catalog()
	if entries == nil {
		entries = []v1alpha1.CatalogEntry{}
	}
	s.writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handlePromptSystems(w http.ResponseWriter, r *http.Request) {
	systems := s.catalog.Systems()
	if systems == nil {
		systems = []v1alpha1.PromptSystem{}
	}
	s.writeJSON(w, http.StatusOK, systems)
}

// ---------------------------------------------------------------------------
// Resources and tools
// ---------------------------------------------------------------------------

func (s *Server) handleListResources(w http.ResponseWriter, r *http.Request) {
	var req v1alpha1.ListResourcesRequest
	if err := DecodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	listing, err := s.catalog.ListResources(r.Context(), req.System)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listing)
}

func (s *Server) handleReadResource(w http.ResponseWriter, r *http.Request) {
	var req v1alpha1.ReadResourceRequest
	if err := DecodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	read, err := s.catalog.ReadResource(r.Context(), req.System, req.URI)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, read)
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req v1alpha1.ToolCallRequest
	if err := DecodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.catalog.CallTool(r.Context(), req.Name, req.Arguments)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
