package api

import (
	"net/http"
	"strings"

	"cxxkb/internal/contexts"
	"cxxkb/internal/workspace"
)

// RegisterWorkspaceRequest names a workspace root to index.
type RegisterWorkspaceRequest struct {
	WorkspaceID  string `json:"workspace_id"`
	RootPath     string `json:"root_path"`
	ManifestPath string `json:"manifest_path,omitempty"`
}

// WorkspaceResponse is the public view of a registered workspace.
type WorkspaceResponse struct {
	WorkspaceID  string         `json:"workspace_id"`
	RootPath     string         `json:"root_path"`
	ManifestPath string         `json:"manifest_path"`
	Repos        []RepoResponse `json:"repos"`
}

// RepoResponse is the public view of one manifest repo.
type RepoResponse struct {
	RepoID          string   `json:"repo_id"`
	Root            string   `json:"root"`
	CompileCommands string   `json:"compile_commands,omitempty"`
	DefaultBranch   string   `json:"default_branch"`
	DependsOn       []string `json:"depends_on,omitempty"`
	RemoteURL       string   `json:"remote_url,omitempty"`
	ProjectPath     string   `json:"project_path,omitempty"`
	CommitSHA       string   `json:"commit_sha,omitempty"`
	SyncEnabled     bool     `json:"sync_enabled"`
}

func workspaceResponse(ws *workspace.Workspace) *WorkspaceResponse {
	resp := &WorkspaceResponse{
		WorkspaceID:  ws.ID,
		RootPath:     ws.RootPath,
		ManifestPath: ws.ManifestPath,
	}
	for _, repo := range ws.Manifest.Repos {
		resp.Repos = append(resp.Repos, RepoResponse{
			RepoID:          repo.RepoID,
			Root:            repo.Root,
			CompileCommands: repo.CompileCommands,
			DefaultBranch:   repo.DefaultBranch,
			DependsOn:       repo.DependsOn,
			RemoteURL:       repo.RemoteURL,
			ProjectPath:     repo.ProjectPath,
			CommitSHA:       repo.CommitSHA,
			SyncEnabled:     repo.RemoteURL != "",
		})
	}
	return resp
}

func (s *Server) handleWorkspaceRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w)
		return
	}

	var req RegisterWorkspaceRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.WorkspaceID == "" || req.RootPath == "" {
		BadRequest(w, "workspace_id and root_path are required")
		return
	}

	ws, err := s.workspaces.Register(r.Context(), req.WorkspaceID, req.RootPath, req.ManifestPath)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, workspaceResponse(ws), http.StatusCreated)
}

// handleWorkspaceRoutes dispatches /v1/workspace/{id}[/...]:
// GET {id}, POST {id}/refresh-manifest, POST {id}/sync-repo,
// POST {id}/sync-batch, POST {id}/sync-all-repos,
// GET {id}/repos/{repo_id}/sync-status.
func (s *Server) handleWorkspaceRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/workspace/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		NotFound(w, "workspace id is required")
		return
	}
	workspaceID := segments[0]

	switch {
	case len(segments) == 1:
		s.handleWorkspaceGet(w, r, workspaceID)
	case len(segments) == 2 && segments[1] == "refresh-manifest":
		s.handleRefreshManifest(w, r, workspaceID)
	case len(segments) == 2 && segments[1] == "sync-repo":
		s.handleSyncRepo(w, r, workspaceID)
	case len(segments) == 2 && segments[1] == "sync-batch":
		s.handleSyncBatch(w, r, workspaceID)
	case len(segments) == 2 && segments[1] == "sync-all-repos":
		s.handleSyncAllRepos(w, r, workspaceID)
	case len(segments) == 4 && segments[1] == "repos" && segments[3] == "sync-status":
		s.handleSyncStatus(w, r, workspaceID, segments[2])
	default:
		NotFound(w, "unknown workspace endpoint: "+r.URL.Path)
	}
}

func (s *Server) handleWorkspaceGet(w http.ResponseWriter, r *http.Request, workspaceID string) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w)
		return
	}
	ws, err := s.workspaces.Get(r.Context(), workspaceID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, workspaceResponse(ws), http.StatusOK)
}

func (s *Server) handleRefreshManifest(w http.ResponseWriter, r *http.Request, workspaceID string) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w)
		return
	}
	ws, changed, err := s.workspaces.RefreshManifest(r.Context(), workspaceID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, map[string]interface{}{
		"workspace":     workspaceResponse(ws),
		"repos_changed": changed,
	}, http.StatusOK)
}

// CreatePROverlayRequest materialises a sparse overlay for a PR.
type CreatePROverlayRequest struct {
	WorkspaceID string                `json:"workspace_id"`
	PRID        string                `json:"pr_id"`
	Files       []contexts.FileChange `json:"files"`
}

// ContextResponse is the public view of an analysis context.
type ContextResponse struct {
	ContextID        string `json:"context_id"`
	WorkspaceID      string `json:"workspace_id"`
	Mode             string `json:"mode"`
	BaseContextID    string `json:"base_context_id,omitempty"`
	OverlayMode      string `json:"overlay_mode"`
	OverlayFileCount int    `json:"overlay_file_count"`
	OverlayRowCount  int    `json:"overlay_row_count"`
	Status           string `json:"status"`
	ExpiresAt        string `json:"expires_at,omitempty"`
}

// handleContextRoutes dispatches /v1/context/create-pr-overlay,
// /v1/context/expire, and the path form /v1/context/{id}/expire.
func (s *Server) handleContextRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w)
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/context/"), "/")
	segments := strings.Split(rest, "/")
	switch {
	case rest == "create-pr-overlay":
		s.handleCreatePROverlay(w, r)
	case rest == "expire":
		s.handleExpireContext(w, r, "")
	case len(segments) == 2 && segments[1] == "expire":
		s.handleExpireContext(w, r, segments[0])
	default:
		NotFound(w, "unknown context endpoint: "+r.URL.Path)
	}
}

func (s *Server) handleCreatePROverlay(w http.ResponseWriter, r *http.Request) {
	var req CreatePROverlayRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.WorkspaceID == "" || req.PRID == "" {
		BadRequest(w, "workspace_id and pr_id are required")
		return
	}

	ctx, err := s.contexts.CreatePROverlay(r.Context(), req.WorkspaceID, req.PRID, req.Files)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, &ContextResponse{
		ContextID:        ctx.ContextID,
		WorkspaceID:      ctx.WorkspaceID,
		Mode:             ctx.Mode,
		BaseContextID:    ctx.BaseContextID,
		OverlayMode:      ctx.OverlayMode,
		OverlayFileCount: ctx.OverlayFileCount,
		OverlayRowCount:  ctx.OverlayRowCount,
		Status:           ctx.Status,
		ExpiresAt:        ctx.ExpiresAt,
	}, http.StatusCreated)
}

func (s *Server) handleExpireContext(w http.ResponseWriter, r *http.Request, contextID string) {
	if contextID == "" {
		var req struct {
			ContextID string `json:"context_id"`
		}
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, err)
			return
		}
		contextID = req.ContextID
	}
	if contextID == "" {
		BadRequest(w, "context_id is required")
		return
	}

	if err := s.contexts.Expire(r.Context(), contextID); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, map[string]string{
		"context_id": contextID,
		"status":     "expired",
	}, http.StatusOK)
}
