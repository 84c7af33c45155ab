package shell

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/klubi/conduit/internal/activation"
	"github.com/klubi/conduit/internal/metrics"
	"github.com/klubi/conduit/internal/secret"
)

// Server is the shell API: windows, activations, settings and the
// per-window proxy to backend sessions.
type Server struct {
	router    *mux.Router
	secret    string
	windows   *Manager
	settings  *Settings
	activator *activation.Router
	metrics   *metrics.Metrics
	logger    *zap.Logger
	server    *http.Server
	startedAt time.Time
}

// NewServer creates a fully-wired shell API.
func NewServer(secretKey string, windows *Manager, settings *Settings, activator *activation.Router, m *metrics.Metrics, logger *zap.Logger) *Server {
	srv := &Server{
		router:    mux.NewRouter(),
		secret:    secretKey,
		windows:   windows,
		settings:  settings,
		activator: activator,
		metrics:   m,
		logger:    logger.Named("shell-api"),
		startedAt: time.Now(),
	}
	srv.server = &http.Server{
		Handler:           srv.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.registerRoutes()
	return srv
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Serve serves on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("shell API listening", zap.String("addr", l.Addr().String()))
	err := s.server.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) middleware() []mux.MiddlewareFunc {
	return []mux.MiddlewareFunc{
		s.metrics.Middleware(),
		secret.Middleware(s.secret, s.logger),
	}
}
