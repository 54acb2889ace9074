package api

import (
	"net/http"

	"cxxkb/internal/version"
)

// registerRoutes wires the v1 surface.
func (s *Server) registerRoutes() {
	// Symbol queries
	s.router.HandleFunc("/v1/query/", s.handleQueryRoutes)

	// Exploration primitives
	s.router.HandleFunc("/v1/explore/", s.handleExploreRoutes)

	// Cache control
	s.router.HandleFunc("/v1/cache/invalidate", s.handleCacheInvalidate)

	// Workspace lifecycle, per-workspace sync control
	s.router.HandleFunc("/v1/workspace/register", s.handleWorkspaceRegister)
	s.router.HandleFunc("/v1/workspace/", s.handleWorkspaceRoutes)

	// Context lifecycle
	s.router.HandleFunc("/v1/context/", s.handleContextRoutes)

	// Sync job status
	s.router.HandleFunc("/v1/sync-jobs/", s.handleGetSyncJob)

	// Commit diff summaries
	s.router.HandleFunc("/v1/commit-diff-summaries/", s.handleSummaryRoutes)

	// Webhook ingest
	s.router.HandleFunc("/v1/webhooks/gitlab", s.handleGitLabWebhook)

	// Health and metrics
	s.router.HandleFunc("/v1/health", s.handleHealth)
	s.router.Handle("/metrics", s.metrics.Handler())

	s.router.HandleFunc("/", s.handleRoot)
}

// handleRoot answers the exact root path with service identity; anything
// unrouted is a 404.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		NotFound(w, "unknown endpoint: "+r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		MethodNotAllowed(w)
		return
	}
	WriteJSON(w, map[string]string{
		"service": "cxxkb",
		"version": version.Version,
	}, http.StatusOK)
}
