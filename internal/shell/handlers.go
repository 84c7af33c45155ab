package shell

import (
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"github.com/klubi/conduit/internal/apiserver"
	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	apiserver.WriteJSON(w, status, data, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiserver.WriteError(w, r, err, s.logger)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, v1alpha1.ShellStatus{
		Status:    "ok",
		PID:       os.Getpid(),
		Windows:   s.windows.Len(),
		StartedAt: s.startedAt,
	})
}

// ---------------------------------------------------------------------------
// Activation
// ---------------------------------------------------------------------------

// handleActivate routes an activation. A duplicate system answers 409 with
// the activation result in the error detail.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req v1alpha1.ActivationRequest
	if err := apiserver.DecodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Kind == "" {
		req.Kind = v1alpha1.ActivationInApp
	}

	res, err := s.activator.Route(r.Context(), req)
	if err != nil {
		if res != nil {
			apiserver.WriteErrorDetail(w, r, err, res, s.logger)
			return
		}
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, res)
}

// ---------------------------------------------------------------------------
// Windows
// ---------------------------------------------------------------------------

func (s *Server) handleListWindows(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.windows.List())
}

func (s *Server) handleOpenWindow(w http.ResponseWriter, r *http.Request) {
	var req v1alpha1.OpenWindowRequest
	if err := apiserver.DecodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.windows.Open(r.Context(), req.WorkingDir)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeWindow(w, r, http.StatusCreated, id)
}

func (s *Server) handleGetWindow(w http.ResponseWriter, r *http.Request) {
	s.writeWindow(w, r, http.StatusOK, mux.Vars(r)["id"])
}

// handleCloseWindow answers once the window's backend has exited.
func (s *Server) handleCloseWindow(w http.ResponseWriter, r *http.Request) {
	if err := s.windows.Close(mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFocusWindow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.windows.Focus(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeWindow(w, r, http.StatusOK, id)
}

func (s *Server) handleReloadWindow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.windows.Reload(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeWindow(w, r, http.StatusOK, id)
}

func (s *Server) handleWindowLogs(w http.ResponseWriter, r *http.Request) {
	win, err := s.windows.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := os.Open(win.Session().LogPath())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	http.ServeContent(w, r, "", win.OpenedAt, f)
}

func (s *Server) writeWindow(w http.ResponseWriter, r *http.Request, status int, id string) {
	info, err := s.windows.Info(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, status, info)
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

func (s *Server) handleListSaved(w http.ResponseWriter, r *http.Request) {
	saved, err := s.settings.SavedSystems()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleSaveSystem(w http.ResponseWriter, r *http.Request) {
	var req v1alpha1.AddSystemRequest
	if err := apiserver.DecodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.settings.SaveSystem(req.Config, req.Replace); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, req.Config)
}

func (s *Server) handleForgetSystem(w http.ResponseWriter, r *http.Request) {
	if err := s.settings.ForgetSystem(mux.Vars(r)["name"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecentDirs(w http.ResponseWriter, r *http.Request) {
	dirs, err := s.settings.RecentDirs()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dirs)
}
