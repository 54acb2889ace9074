package api

import (
	"net/http"
	"strings"

	"cxxkb/internal/contexts"
	"cxxkb/internal/engine"
)

// handleQueryRoutes dispatches /v1/query/{operation}.
func (s *Server) handleQueryRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w)
		return
	}

	operation := strings.TrimPrefix(r.URL.Path, "/v1/query/")
	switch operation {
	case "references":
		s.handleQueryReferences(w, r)
	case "definition":
		s.handleQueryDefinition(w, r)
	case "call-graph":
		s.handleQueryCallGraph(w, r)
	case "file-symbols":
		s.handleQueryFileSymbols(w, r)
	default:
		NotFound(w, "unknown query operation: "+operation)
	}
}

func (s *Server) decodeQuery(w http.ResponseWriter, r *http.Request) (*engine.QueryRequest, bool) {
	var req engine.QueryRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return nil, false
	}
	if req.WorkspaceID == "" {
		BadRequest(w, "workspace_id is required")
		return nil, false
	}
	return &req, true
}

func (s *Server) handleQueryReferences(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	if req.Symbol == "" {
		BadRequest(w, "symbol is required")
		return
	}
	resp, err := s.engine.References(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, resp, http.StatusOK)
}

func (s *Server) handleQueryDefinition(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	if req.Symbol == "" {
		BadRequest(w, "symbol is required")
		return
	}
	resp, err := s.engine.Definition(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, resp, http.StatusOK)
}

func (s *Server) handleQueryCallGraph(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	if req.Symbol == "" {
		BadRequest(w, "symbol is required")
		return
	}
	resp, err := s.engine.CallGraph(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, resp, http.StatusOK)
}

func (s *Server) handleQueryFileSymbols(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	if req.FileKey == "" {
		BadRequest(w, "file_key is required")
		return
	}
	resp, err := s.engine.FileSymbols(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, resp, http.StatusOK)
}

// invalidateRequest accepts either a bare context_id or a full selector.
type invalidateRequest struct {
	WorkspaceID string            `json:"workspace_id"`
	ContextID   string            `json:"context_id,omitempty"`
	Context     contexts.Selector `json:"analysis_context,omitempty"`
	FileKeys    []string          `json:"file_keys,omitempty"`
	Repos       []string          `json:"repos,omitempty"`
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w)
		return
	}

	var req invalidateRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.WorkspaceID == "" {
		BadRequest(w, "workspace_id is required")
		return
	}

	sel := req.Context
	if sel.ContextID == "" && req.ContextID != "" {
		sel = contexts.Selector{Mode: "pr", ContextID: req.ContextID}
	}

	resp, err := s.engine.Invalidate(r.Context(), &engine.InvalidateRequest{
		WorkspaceID: req.WorkspaceID,
		Context:     sel,
		FileKeys:    req.FileKeys,
		Repos:       req.Repos,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, resp, http.StatusOK)
}
