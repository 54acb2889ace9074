package api

import (
	"net/http"
	"strings"

	"cxxkb/internal/storage"
	"cxxkb/internal/summaries"
)

// SummaryResponse is the public view of a commit diff summary. The
// embedding vector never leaves the store.
type SummaryResponse struct {
	SummaryID      string   `json:"summary_id"`
	WorkspaceID    string   `json:"workspace_id"`
	RepoID         string   `json:"repo_id"`
	CommitSHA      string   `json:"commit_sha"`
	EmbeddingModel string   `json:"embedding_model"`
	SummaryText    string   `json:"summary_text"`
	FilesChanged   []string `json:"files_changed,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
	Score          float64  `json:"score,omitempty"`
}

func summaryResponse(s *storage.CommitSummary) *SummaryResponse {
	return &SummaryResponse{
		SummaryID:      s.SummaryID,
		WorkspaceID:    s.WorkspaceID,
		RepoID:         s.RepoID,
		CommitSHA:      s.CommitSHA,
		EmbeddingModel: s.EmbeddingModel,
		SummaryText:    s.SummaryText,
		FilesChanged:   s.FilesChanged,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		Score:          s.Score,
	}
}

// handleSummaryRoutes dispatches /v1/commit-diff-summaries/{operation}.
func (s *Server) handleSummaryRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w)
		return
	}

	operation := strings.TrimPrefix(r.URL.Path, "/v1/commit-diff-summaries/")
	switch operation {
	case "upsert":
		s.handleSummaryUpsert(w, r)
	case "search":
		s.handleSummarySearch(w, r)
	case "get":
		s.handleSummaryGet(w, r)
	default:
		NotFound(w, "unknown summary operation: "+operation)
	}
}

func (s *Server) handleSummaryUpsert(w http.ResponseWriter, r *http.Request) {
	var req summaries.UpsertRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	summary, err := s.summaries.Upsert(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, summaryResponse(summary), http.StatusOK)
}

func (s *Server) handleSummarySearch(w http.ResponseWriter, r *http.Request) {
	var req summaries.SearchRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	results, err := s.summaries.Search(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	out := make([]*SummaryResponse, 0, len(results))
	for i := range results {
		out = append(out, summaryResponse(&results[i]))
	}
	WriteJSON(w, map[string]interface{}{"results": out}, http.StatusOK)
}

func (s *Server) handleSummaryGet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID    string `json:"workspace_id"`
		RepoID         string `json:"repo_id"`
		CommitSHA      string `json:"commit_sha"`
		EmbeddingModel string `json:"embedding_model"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	summary, err := s.summaries.Get(r.Context(), req.WorkspaceID, req.RepoID, req.CommitSHA, req.EmbeddingModel)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, summaryResponse(summary), http.StatusOK)
}
