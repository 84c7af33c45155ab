package apiserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/klubi/conduit/internal/catalog"
	"github.com/klubi/conduit/internal/metrics"
	"github.com/klubi/conduit/internal/registry"
	"github.com/klubi/conduit/internal/secret"
)

// Config holds the per-session settings of the control API.
type Config struct {
	Addr       string
	SecretKey  string
	WorkingDir string
}

// Server is the backend's local control API. Every route requires the
// session secret.
type Server struct {
	router    *mux.Router
	cfg       Config
	registry  *registry.Registry
	catalog   *catalog.Catalog
	metrics   *metrics.Metrics
	logger    *zap.Logger
	server    *http.Server
	startedAt time.Time
}

// NewServer creates a fully-wired Server ready to Start().
func NewServer(cfg Config, reg *registry.Registry, cat *catalog.Catalog, m *metrics.Metrics, logger *zap.Logger) *Server {
	srv := &Server{
		router:    mux.NewRouter(),
		cfg:       cfg,
		registry:  reg,
		catalog:   cat,
		metrics:   m,
		logger:    logger,
		startedAt: time.Now(),
	}
	srv.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.registerRoutes()
	return srv
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Serve serves on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("control API listening", zap.String("addr", l.Addr().String()))
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

// middleware is applied to every matched route.
func (s *Server) middleware() []mux.MiddlewareFunc {
	return []mux.MiddlewareFunc{
		s.metrics.Middleware(),
		secret.Middleware(s.cfg.SecretKey, s.logger),
	}
}
