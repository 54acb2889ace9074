// Package api exposes the service over HTTP/JSON: the four symbol
// queries, the exploration primitives, workspace and context lifecycle,
// sync control, webhook ingest, and health.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cxxkb/internal/auth"
	"cxxkb/internal/config"
	"cxxkb/internal/contexts"
	"cxxkb/internal/engine"
	"cxxkb/internal/logging"
	"cxxkb/internal/metrics"
	"cxxkb/internal/summaries"
	"cxxkb/internal/syncjobs"
	"cxxkb/internal/webhooks"
	"cxxkb/internal/workspace"
)

// Server is the HTTP front of the service.
type Server struct {
	router *http.ServeMux
	server *http.Server
	addr   string
	logger *logging.Logger
	cfg    config.ServerConfig

	engine     *engine.Engine
	workspaces *workspace.Manager
	contexts   *contexts.Manager
	sync       *syncjobs.Manager
	webhooks   *webhooks.Service
	summaries  *summaries.Service
	auth       *auth.Manager
	metrics    *metrics.Metrics
}

// NewServer wires the HTTP surface over the service layer.
func NewServer(
	logger *logging.Logger,
	cfg config.ServerConfig,
	eng *engine.Engine,
	workspaces *workspace.Manager,
	ctxMgr *contexts.Manager,
	syncMgr *syncjobs.Manager,
	hooks *webhooks.Service,
	sums *summaries.Service,
	authMgr *auth.Manager,
	m *metrics.Metrics,
) *Server {
	s := &Server{
		addr:       fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		logger:     logger.Named("api"),
		cfg:        cfg,
		engine:     eng,
		workspaces: workspaces,
		contexts:   ctxMgr,
		sync:       syncMgr,
		webhooks:   hooks,
		summaries:  sums,
		auth:       authMgr,
		metrics:    m,
		router:     http.NewServeMux(),
	}

	s.registerRoutes()

	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.applyMiddleware(s.router),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the fully-middlewared handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start blocks serving HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("HTTP server starting", map[string]interface{}{
		"addr": s.addr,
		"auth": s.cfg.AuthEnabled,
	})
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("HTTP server stopping", nil)
	return s.server.Shutdown(ctx)
}

// applyMiddleware builds the chain: recovery outermost, then request id,
// logging, CORS, and auth innermost so rejected requests are still logged.
func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	if s.cfg.AuthEnabled {
		handler = AuthMiddleware(s.auth, s.logger)(handler)
	}
	handler = CORSMiddleware()(handler)
	handler = LoggingMiddleware(s.logger)(handler)
	handler = RequestIDMiddleware()(handler)
	handler = RecoveryMiddleware(s.logger)(handler)
	return handler
}
