package api

import (
	"io"
	"net/http"
	"strings"

	"cxxkb/internal/storage"
	"cxxkb/internal/syncjobs"
)

// SyncJobResponse is the public view of a sync job.
type SyncJobResponse struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	RepoID      string `json:"repo_id"`
	Ref         string `json:"ref"`
	ContextID   string `json:"context_id"`
	EventType   string `json:"event_type"`
	EventSHA    string `json:"event_sha,omitempty"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"max_attempts"`
	LeaseUntil  string `json:"lease_until,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func syncJobResponse(job *storage.SyncJob) *SyncJobResponse {
	return &SyncJobResponse{
		ID:          job.ID,
		WorkspaceID: job.WorkspaceID,
		RepoID:      job.RepoID,
		Ref:         job.Ref,
		ContextID:   job.ContextID,
		EventType:   job.EventType,
		EventSHA:    job.EventSHA,
		Status:      job.Status,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		LeaseUntil:  job.LeaseUntil,
		LastError:   job.LastError,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
}

// SyncRepoRequest asks for one repo sync.
type SyncRepoRequest struct {
	RepoID string `json:"repo_id"`
	Ref    string `json:"ref,omitempty"`
	SHA    string `json:"sha,omitempty"`
}

func (s *Server) handleSyncRepo(w http.ResponseWriter, r *http.Request, workspaceID string) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w)
		return
	}

	var req SyncRepoRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if req.RepoID == "" {
		BadRequest(w, "repo_id is required")
		return
	}

	job, created, err := s.sync.Submit(r.Context(), syncjobs.SubmitRequest{
		WorkspaceID: workspaceID,
		RepoID:      req.RepoID,
		Ref:         req.Ref,
		SHA:         req.SHA,
		EventType:   "manual",
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	WriteJSON(w, syncJobResponse(job), status)
}

// SyncBatchRequest asks for several repo syncs at once.
type SyncBatchRequest struct {
	Repos []SyncRepoRequest `json:"repos"`
}

func (s *Server) handleSyncBatch(w http.ResponseWriter, r *http.Request, workspaceID string) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w)
		return
	}

	var req SyncBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	if len(req.Repos) == 0 {
		BadRequest(w, "repos is required")
		return
	}

	reqs := make([]syncjobs.SubmitRequest, 0, len(req.Repos))
	for _, item := range req.Repos {
		reqs = append(reqs, syncjobs.SubmitRequest{
			WorkspaceID: workspaceID,
			RepoID:      item.RepoID,
			Ref:         item.Ref,
			SHA:         item.SHA,
			EventType:   "manual_batch",
		})
	}

	jobs, err := s.sync.SubmitBatch(r.Context(), reqs)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, batchResponse(jobs), http.StatusAccepted)
}

func (s *Server) handleSyncAllRepos(w http.ResponseWriter, r *http.Request, workspaceID string) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w)
		return
	}

	var req struct {
		Ref string `json:"ref,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}

	jobs, err := s.sync.SubmitAll(r.Context(), workspaceID, req.Ref)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, batchResponse(jobs), http.StatusAccepted)
}

// batchResponse renders a batch result; failed slots are reported by
// count, their errors were already logged by the job engine.
func batchResponse(jobs []*storage.SyncJob) map[string]interface{} {
	out := make([]*SyncJobResponse, 0, len(jobs))
	failed := 0
	for _, job := range jobs {
		if job == nil {
			failed++
			continue
		}
		out = append(out, syncJobResponse(job))
	}
	return map[string]interface{}{
		"jobs":   out,
		"failed": failed,
	}
}

// handleGetSyncJob serves GET /v1/sync-jobs/{id}.
func (s *Server) handleGetSyncJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w)
		return
	}
	jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/sync-jobs/"), "/")
	if jobID == "" {
		BadRequest(w, "job id is required")
		return
	}
	job, err := s.sync.Get(jobID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, syncJobResponse(job), http.StatusOK)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request, workspaceID, repoID string) {
	if r.Method != http.MethodGet {
		MethodNotAllowed(w)
		return
	}
	state, err := s.sync.SyncStatus(workspaceID, repoID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, map[string]string{
		"workspace_id":    state.WorkspaceID,
		"repo_id":         state.RepoID,
		"last_synced_sha": state.LastSyncedSHA,
		"last_synced_ref": state.LastSyncedRef,
		"last_synced_at":  state.LastSyncedAt,
		"last_status":     state.LastStatus,
		"last_error":      state.LastError,
	}, http.StatusOK)
}

// handleGitLabWebhook ingests push and merge_request events. The token
// check runs before the body is read at all.
func (s *Server) handleGitLabWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		MethodNotAllowed(w)
		return
	}

	if err := s.webhooks.VerifyToken(r.Header.Get("X-Gitlab-Token")); err != nil {
		WriteError(w, err)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		BadRequest(w, "failed to read webhook body")
		return
	}

	receipt, err := s.webhooks.HandleGitLab(r.Context(), r.Header.Get("X-Gitlab-Event"), body)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, receipt, http.StatusOK)
}
