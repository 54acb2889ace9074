package syncjobs

import (
	"context"
	"sync"
	"time"

	"cxxkb/internal/gitsync"
	"cxxkb/internal/storage"
	"cxxkb/internal/writer"
)

// Run starts the worker pool and blocks until ctx is cancelled and the
// workers have drained.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < m.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			m.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (m *Manager) workerLoop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := m.lease(ctx)
		if err != nil {
			m.logger.Error("job lease failed", map[string]interface{}{
				"worker": worker,
				"error":  err.Error(),
			})
		}
		if job == nil {
			select {
			case <-time.After(m.opts.IdleSleep):
			case <-ctx.Done():
				return
			}
			continue
		}
		m.handle(ctx, job)
	}
}

// lease claims the oldest runnable job through the writer; leasing is a
// write (status flip + lease_until) and must serialise with everything
// else.
func (m *Manager) lease(ctx context.Context) (*storage.SyncJob, error) {
	var job *storage.SyncJob
	future, err := m.writer.Submit(ctx, writer.WriteOp{
		Name: "lease_sync_job",
		Fn: func() error {
			var err error
			job, err = m.jobs.Lease(m.opts.LeaseSeconds)
			return err
		},
	})
	if err != nil {
		return nil, err
	}
	if err := future.Wait(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

// handle runs one leased job: heartbeat in the background, git sync,
// then the post-sync invalidation and state bookkeeping.
func (m *Manager) handle(ctx context.Context, job *storage.SyncJob) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go m.heartbeatLoop(hbCtx, job.ID)

	start := time.Now()
	ws, err := m.workspaces.Get(ctx, job.WorkspaceID)
	if err != nil {
		m.fail(ctx, job, err)
		return
	}

	outcome, err := m.git.Sync(ctx, gitsync.Request{
		Workspace: ws,
		RepoID:    job.RepoID,
		Ref:       job.Ref,
		SHA:       job.EventSHA,
	})
	if err != nil {
		m.fail(ctx, job, err)
		return
	}

	// The checkout moved: compile databases and the cached manifest may
	// both be stale now.
	m.compileDBs.Invalidate(job.WorkspaceID)
	m.workspaces.Evict(job.WorkspaceID)

	future, err := m.writer.Submit(ctx, writer.WriteOp{
		Name: "finish_sync_job",
		Fn: func() error {
			if err := m.jobs.MarkDone(job.ID); err != nil {
				return err
			}
			return m.jobs.UpsertState(&storage.SyncState{
				WorkspaceID:   job.WorkspaceID,
				RepoID:        job.RepoID,
				LastSyncedSHA: outcome.HeadSHA,
				LastSyncedRef: job.Ref,
				LastStatus:    storage.JobDone,
			})
		},
	})
	if err == nil {
		err = future.Wait(ctx)
	}
	if err != nil {
		m.logger.Error("sync bookkeeping failed", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
		return
	}

	m.metrics.ObserveSyncJob("done")
	fields := map[string]interface{}{
		"job_id":      job.ID,
		"repo_id":     job.RepoID,
		"head":        outcome.HeadSHA,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if len(outcome.Warnings) > 0 {
		fields["warnings"] = outcome.Warnings
	}
	m.logger.Info("sync job done", fields)
}

func (m *Manager) fail(ctx context.Context, job *storage.SyncJob, cause error) {
	code := gitsync.CodeOf(cause)
	msg := code + ": " + cause.Error()

	future, err := m.writer.Submit(ctx, writer.WriteOp{
		Name: "fail_sync_job",
		Fn: func() error {
			if err := m.jobs.MarkFailed(job.ID, msg); err != nil {
				return err
			}
			return m.jobs.UpsertState(&storage.SyncState{
				WorkspaceID: job.WorkspaceID,
				RepoID:      job.RepoID,
				LastStatus:  storage.JobFailed,
				LastError:   msg,
			})
		},
	})
	if err == nil {
		err = future.Wait(ctx)
	}
	if err != nil {
		m.logger.Error("failure bookkeeping failed", map[string]interface{}{
			"job_id": job.ID,
			"error":  err.Error(),
		})
	}

	// The lease already counted this attempt.
	outcome := storage.JobFailed
	if job.Attempts >= job.MaxAttempts {
		outcome = storage.JobDeadLetter
	}
	m.metrics.ObserveSyncJob(outcome)
	m.logger.Warn("sync job failed", map[string]interface{}{
		"job_id":   job.ID,
		"repo_id":  job.RepoID,
		"code":     code,
		"attempts": job.Attempts,
		"outcome":  outcome,
	})
}

// heartbeatLoop extends the lease while the job runs. A lost heartbeat
// (lease already reclaimed) stops the loop; the reclaiming worker owns
// the job now.
func (m *Manager) heartbeatLoop(ctx context.Context, jobID string) {
	ticker := time.NewTicker(time.Duration(m.opts.HeartbeatSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			alive := true
			future, err := m.writer.Submit(ctx, writer.WriteOp{
				Name: "heartbeat_sync_job",
				Fn: func() error {
					var err error
					alive, err = m.jobs.Heartbeat(jobID, m.opts.LeaseSeconds)
					return err
				},
			})
			if err == nil {
				err = future.Wait(ctx)
			}
			if err != nil || !alive {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
