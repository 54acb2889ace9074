// Package syncjobs runs the repo sync job engine: idempotent submission,
// lease-based workers with heartbeats, retry with backoff, and the
// dead-letter terminal state. The actual git work lives in gitsync.
package syncjobs

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"cxxkb/internal/compiledb"
	"cxxkb/internal/cxxerr"
	"cxxkb/internal/gitsync"
	"cxxkb/internal/logging"
	"cxxkb/internal/metrics"
	"cxxkb/internal/storage"
	"cxxkb/internal/workspace"
	"cxxkb/internal/writer"
)

// Options tunes the worker pool.
type Options struct {
	Workers          int
	LeaseSeconds     int
	HeartbeatSeconds int
	MaxAttempts      int
	// IdleSleep is how long an idle worker waits before polling again.
	IdleSleep time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.LeaseSeconds <= 0 {
		o.LeaseSeconds = 60
	}
	if o.HeartbeatSeconds <= 0 {
		o.HeartbeatSeconds = 15
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.IdleSleep <= 0 {
		o.IdleSleep = 200 * time.Millisecond
	}
	return o
}

// Manager owns submission and the worker pool.
type Manager struct {
	logger     *logging.Logger
	jobs       *storage.SyncJobRepository
	writer     *writer.Writer
	workspaces *workspace.Manager
	git        *gitsync.Service
	compileDBs *compiledb.Cache
	metrics    *metrics.Metrics
	opts       Options
}

// New wires the job engine.
func New(
	logger *logging.Logger,
	db *storage.DB,
	wr *writer.Writer,
	workspaces *workspace.Manager,
	git *gitsync.Service,
	compileDBs *compiledb.Cache,
	m *metrics.Metrics,
	opts Options,
) *Manager {
	return &Manager{
		logger:     logger.Named("syncjobs"),
		jobs:       storage.NewSyncJobRepository(db),
		writer:     wr,
		workspaces: workspaces,
		git:        git,
		compileDBs: compileDBs,
		metrics:    m,
		opts:       opts.withDefaults(),
	}
}

// SubmitRequest names one sync.
type SubmitRequest struct {
	WorkspaceID string `json:"workspace_id"`
	RepoID      string `json:"repo_id"`
	Ref         string `json:"ref,omitempty"`
	SHA         string `json:"sha,omitempty"`
	EventType   string `json:"event_type,omitempty"`
}

// Submit enqueues a sync job. Duplicate submissions (same workspace,
// repo, ref, context, and event SHA) return the existing job.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*storage.SyncJob, bool, error) {
	if req.WorkspaceID == "" || req.RepoID == "" {
		return nil, false, cxxerr.New(cxxerr.ValidationError, "workspace_id and repo_id are required")
	}
	ws, err := m.workspaces.Get(ctx, req.WorkspaceID)
	if err != nil {
		return nil, false, err
	}
	repo := ws.Repo(req.RepoID)
	if repo == nil {
		return nil, false, cxxerr.Newf(cxxerr.NotFound, "repo %s is not in workspace %s", req.RepoID, req.WorkspaceID)
	}
	if repo.RemoteURL == "" {
		return nil, false, cxxerr.Newf(cxxerr.ValidationError, "repo %s has no remote_url", req.RepoID)
	}

	ref := req.Ref
	if ref == "" {
		ref = repo.DefaultBranch
	}
	eventType := req.EventType
	if eventType == "" {
		eventType = "manual"
	}

	var (
		job     *storage.SyncJob
		created bool
	)
	future, err := m.writer.Submit(ctx, writer.WriteOp{
		Name: "submit_sync_job",
		Fn: func() error {
			var err error
			job, created, err = m.jobs.InsertIdempotent(&storage.SyncJob{
				WorkspaceID: req.WorkspaceID,
				RepoID:      req.RepoID,
				Ref:         ref,
				ContextID:   storage.BaselineContextID(req.WorkspaceID),
				EventType:   eventType,
				EventSHA:    req.SHA,
				MaxAttempts: m.opts.MaxAttempts,
			})
			return err
		},
	})
	if err != nil {
		return nil, false, err
	}
	if err := future.Wait(ctx); err != nil {
		return nil, false, err
	}

	if created {
		m.logger.Info("sync job enqueued", map[string]interface{}{
			"job_id":  job.ID,
			"repo_id": req.RepoID,
			"ref":     ref,
		})
	}
	return job, created, nil
}

// SubmitBatch enqueues one job per request concurrently and returns the
// jobs in request order. Per-item failures are returned in-slot as nil.
func (m *Manager) SubmitBatch(ctx context.Context, reqs []SubmitRequest) ([]*storage.SyncJob, error) {
	jobs := make([]*storage.SyncJob, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			job, _, err := m.Submit(gctx, req)
			if err != nil {
				m.logger.Warn("batch submit item failed", map[string]interface{}{
					"repo_id": req.RepoID,
					"error":   err.Error(),
				})
				return nil
			}
			jobs[i] = job
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// SubmitAll enqueues a sync for every repo in the workspace that has a
// remote configured.
func (m *Manager) SubmitAll(ctx context.Context, workspaceID, ref string) ([]*storage.SyncJob, error) {
	ws, err := m.workspaces.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	var reqs []SubmitRequest
	for _, repo := range ws.Manifest.Repos {
		if repo.RemoteURL == "" {
			continue
		}
		reqs = append(reqs, SubmitRequest{
			WorkspaceID: workspaceID,
			RepoID:      repo.RepoID,
			Ref:         ref,
			SHA:         repo.CommitSHA,
			EventType:   "sync_all",
		})
	}
	return m.SubmitBatch(ctx, reqs)
}

// Get returns one job.
func (m *Manager) Get(jobID string) (*storage.SyncJob, error) {
	job, err := m.jobs.Get(jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, cxxerr.Newf(cxxerr.NotFound, "sync job not found: %s", jobID)
	}
	return job, nil
}

// SyncStatus returns the last sync outcome for a repo.
func (m *Manager) SyncStatus(workspaceID, repoID string) (*storage.SyncState, error) {
	state, err := m.jobs.GetState(workspaceID, repoID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, cxxerr.Newf(cxxerr.NotFound, "repo %s has never synced", repoID)
	}
	return state, nil
}
