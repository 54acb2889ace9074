package webhooks

import (
	"context"
	"crypto/subtle"
	"os"

	"cxxkb/internal/cxxerr"
	"cxxkb/internal/logging"
	"cxxkb/internal/metrics"
	"cxxkb/internal/storage"
	"cxxkb/internal/syncjobs"
	"cxxkb/internal/workspace"
)

// Service verifies and routes incoming deliveries.
type Service struct {
	logger     *logging.Logger
	workspaces *workspace.Manager
	registry   *storage.WorkspaceRepository
	jobs       *syncjobs.Manager
	metrics    *metrics.Metrics

	// secretEnv names the environment variable holding the shared
	// webhook secret. An empty or unset secret disables ingestion.
	secretEnv string
}

// New wires the webhook service.
func New(
	logger *logging.Logger,
	db *storage.DB,
	workspaces *workspace.Manager,
	jobs *syncjobs.Manager,
	m *metrics.Metrics,
	secretEnv string,
) *Service {
	return &Service{
		logger:     logger.Named("webhooks"),
		workspaces: workspaces,
		registry:   storage.NewWorkspaceRepository(db),
		jobs:       jobs,
		metrics:    m,
		secretEnv:  secretEnv,
	}
}

// VerifyToken checks the X-Gitlab-Token header against the configured
// secret in constant time. The secret value never appears in errors or
// logs.
func (s *Service) VerifyToken(got string) error {
	secret := os.Getenv(s.secretEnv)
	if secret == "" {
		return cxxerr.New(cxxerr.SyncAuthFailed, "webhook secret is not configured")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
		return cxxerr.New(cxxerr.SyncAuthFailed, "webhook token mismatch")
	}
	return nil
}

// Receipt reports what a delivery produced.
type Receipt struct {
	Accepted bool     `json:"accepted"`
	Ignored  bool     `json:"ignored,omitempty"`
	JobIDs   []string `json:"job_ids,omitempty"`
}

// HandleGitLab parses one delivery and enqueues a sync job for every
// workspace repo whose project_path matches the event's project. An
// event no repo claims is accepted and dropped; GitLab retries on
// non-2xx, and an unclaimed project will not become claimed by retrying.
func (s *Service) HandleGitLab(ctx context.Context, eventType string, body []byte) (*Receipt, error) {
	intent, err := parseEvent(eventType, body)
	if err != nil {
		s.metrics.ObserveWebhook(eventType, "rejected")
		return nil, err
	}
	if intent == nil {
		s.metrics.ObserveWebhook(eventType, "ignored")
		return &Receipt{Accepted: true, Ignored: true}, nil
	}

	receipt := &Receipt{Accepted: true}
	workspaces, err := s.registry.List()
	if err != nil {
		return nil, err
	}
	for _, row := range workspaces {
		ws, err := s.workspaces.Get(ctx, row.WorkspaceID)
		if err != nil {
			s.logger.Warn("webhook routing skipped workspace", map[string]interface{}{
				"workspace_id": row.WorkspaceID,
				"error":        err.Error(),
			})
			continue
		}
		repo := ws.Manifest.RepoByProjectPath(intent.ProjectPath)
		if repo == nil || repo.RemoteURL == "" {
			continue
		}
		job, created, err := s.jobs.Submit(ctx, syncjobs.SubmitRequest{
			WorkspaceID: row.WorkspaceID,
			RepoID:      repo.RepoID,
			Ref:         intent.Ref,
			SHA:         intent.SHA,
			EventType:   intent.EventType,
		})
		if err != nil {
			s.logger.Error("webhook job submit failed", map[string]interface{}{
				"workspace_id": row.WorkspaceID,
				"repo_id":      repo.RepoID,
				"error":        err.Error(),
			})
			continue
		}
		receipt.JobIDs = append(receipt.JobIDs, job.ID)
		if !created {
			s.logger.Debug("webhook delivery deduplicated", map[string]interface{}{
				"job_id": job.ID,
			})
		}
	}

	if len(receipt.JobIDs) == 0 {
		receipt.Ignored = true
		s.metrics.ObserveWebhook(intent.EventType, "unrouted")
	} else {
		s.metrics.ObserveWebhook(intent.EventType, "accepted")
	}
	s.logger.Info("webhook processed", map[string]interface{}{
		"event":   intent.EventType,
		"project": intent.ProjectPath,
		"jobs":    len(receipt.JobIDs),
	})
	return receipt, nil
}
