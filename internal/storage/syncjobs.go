package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncJobRepository manages the repo sync queue. Jobs are deduplicated on
// (workspace_id, repo_id, ref, context_id, event_sha) so webhook redelivery
// is a no-op, and claimed under an immediate transaction so concurrent
// workers never lease the same job.
type SyncJobRepository struct {
	db *DB
}

func NewSyncJobRepository(db *DB) *SyncJobRepository {
	return &SyncJobRepository{db: db}
}

// InsertIdempotent enqueues a job unless one already exists for the same
// idempotency key. It returns the stored job and whether this call
// created it.
func (r *SyncJobRepository) InsertIdempotent(job *SyncJob) (*SyncJob, bool, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 5
	}
	now := nowRFC3339()

	result, err := r.db.Exec(`
		INSERT INTO repo_sync_jobs (
			id, workspace_id, repo_id, ref, context_id, event_type, event_sha,
			status, attempts, max_attempts, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?)
		ON CONFLICT (workspace_id, repo_id, ref, context_id, event_sha) DO NOTHING
	`, job.ID, job.WorkspaceID, job.RepoID, job.Ref, job.ContextID,
		job.EventType, job.EventSHA, job.MaxAttempts, now, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue sync job: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	stored, err := r.getByKey(job.WorkspaceID, job.RepoID, job.Ref, job.ContextID, job.EventSHA)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, fmt.Errorf("sync job vanished after insert")
	}
	return stored, inserted == 1, nil
}

// Lease claims the oldest runnable job, marks it running, and grants a
// lease of leaseSeconds. Running jobs whose lease has lapsed are folded
// back into the runnable set first. Returns nil when the queue is idle.
func (r *SyncJobRepository) Lease(leaseSeconds int) (*SyncJob, error) {
	tx, err := r.db.BeginImmediate()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	// Reclaim jobs whose worker died mid-run.
	if _, err := tx.Exec(`
		UPDATE repo_sync_jobs
		SET status = 'pending', updated_at = ?
		WHERE status = 'running' AND lease_until != '' AND lease_until < ?
	`, nowStr, nowStr); err != nil {
		return nil, fmt.Errorf("failed to reclaim expired leases: %w", err)
	}

	row := tx.QueryRow(`
		SELECT id, workspace_id, repo_id, ref, context_id, event_type, event_sha,
		       status, attempts, max_attempts, lease_until, started_at, finished_at,
		       last_error, created_at, updated_at
		FROM repo_sync_jobs
		WHERE status IN ('pending', 'failed')
		  AND attempts < max_attempts
		  AND (lease_until = '' OR lease_until < ?)
		ORDER BY created_at, id
		LIMIT 1
	`, nowStr)

	job, err := scanSyncJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	leaseUntil := now.Add(time.Duration(leaseSeconds) * time.Second).Format(time.RFC3339)
	if _, err := tx.Exec(`
		UPDATE repo_sync_jobs
		SET status = 'running',
		    attempts = attempts + 1,
		    lease_until = ?,
		    started_at = CASE WHEN started_at = '' THEN ? ELSE started_at END,
		    last_error = '',
		    updated_at = ?
		WHERE id = ?
	`, leaseUntil, nowStr, nowStr, job.ID); err != nil {
		return nil, fmt.Errorf("failed to lease sync job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job.Status = JobRunning
	job.Attempts++
	job.LeaseUntil = leaseUntil
	if job.StartedAt == "" {
		job.StartedAt = nowStr
	}
	job.LastError = ""
	return job, nil
}

// Heartbeat extends a running job's lease. Returns false when the job is
// no longer running, which tells the worker its lease was lost.
func (r *SyncJobRepository) Heartbeat(jobID string, leaseSeconds int) (bool, error) {
	now := time.Now().UTC()
	result, err := r.db.Exec(`
		UPDATE repo_sync_jobs
		SET lease_until = ?, updated_at = ?
		WHERE id = ? AND status = 'running'
	`, now.Add(time.Duration(leaseSeconds)*time.Second).Format(time.RFC3339),
		now.Format(time.RFC3339), jobID)
	if err != nil {
		return false, fmt.Errorf("failed to heartbeat sync job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkDone finishes a job successfully.
func (r *SyncJobRepository) MarkDone(jobID string) error {
	now := nowRFC3339()
	_, err := r.db.Exec(`
		UPDATE repo_sync_jobs
		SET status = 'done', lease_until = '', finished_at = ?, last_error = '', updated_at = ?
		WHERE id = ?
	`, now, now, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark sync job done: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. The job stays retriable with an
// exponential delay until attempts reach max_attempts, then moves to
// dead_letter.
func (r *SyncJobRepository) MarkFailed(jobID, errMsg string) error {
	job, err := r.Get(jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("sync job %s not found", jobID)
	}

	if len(errMsg) > 2000 {
		errMsg = errMsg[:2000]
	}
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	if job.Attempts >= job.MaxAttempts {
		_, err = r.db.Exec(`
			UPDATE repo_sync_jobs
			SET status = 'dead_letter', lease_until = '', finished_at = ?, last_error = ?, updated_at = ?
			WHERE id = ?
		`, nowStr, errMsg, nowStr, jobID)
	} else {
		retryAt := now.Add(retryDelay(job.Attempts)).Format(time.RFC3339)
		_, err = r.db.Exec(`
			UPDATE repo_sync_jobs
			SET status = 'failed', lease_until = ?, last_error = ?, updated_at = ?
			WHERE id = ?
		`, retryAt, errMsg, nowStr, jobID)
	}
	if err != nil {
		return fmt.Errorf("failed to mark sync job failed: %w", err)
	}
	return nil
}

// retryDelay doubles per attempt: 10s, 20s, 40s, ... capped at 10 minutes.
func retryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := 10 * time.Second << (attempts - 1)
	if delay > 10*time.Minute {
		delay = 10 * time.Minute
	}
	return delay
}

// Get returns one job by ID, or nil when absent.
func (r *SyncJobRepository) Get(jobID string) (*SyncJob, error) {
	row := r.db.QueryRow(`
		SELECT id, workspace_id, repo_id, ref, context_id, event_type, event_sha,
		       status, attempts, max_attempts, lease_until, started_at, finished_at,
		       last_error, created_at, updated_at
		FROM repo_sync_jobs
		WHERE id = ?
	`, jobID)

	job, err := scanSyncJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

func (r *SyncJobRepository) getByKey(workspaceID, repoID, ref, contextID, eventSHA string) (*SyncJob, error) {
	row := r.db.QueryRow(`
		SELECT id, workspace_id, repo_id, ref, context_id, event_type, event_sha,
		       status, attempts, max_attempts, lease_until, started_at, finished_at,
		       last_error, created_at, updated_at
		FROM repo_sync_jobs
		WHERE workspace_id = ? AND repo_id = ? AND ref = ? AND context_id = ? AND event_sha = ?
	`, workspaceID, repoID, ref, contextID, eventSHA)

	job, err := scanSyncJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// List returns jobs for a workspace, newest first, optionally filtered by
// status.
func (r *SyncJobRepository) List(workspaceID, status string, limit int) ([]SyncJob, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, workspace_id, repo_id, ref, context_id, event_type, event_sha,
		       status, attempts, max_attempts, lease_until, started_at, finished_at,
		       last_error, created_at, updated_at
		FROM repo_sync_jobs
		WHERE workspace_id = ?
	`
	args := []interface{}{workspaceID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync jobs: %w", err)
	}
	defer rows.Close()

	var jobs []SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// QueueDepth returns job counts per status.
func (r *SyncJobRepository) QueueDepth() (map[string]int, error) {
	rows, err := r.db.Query(`
		SELECT status, COUNT(*) FROM repo_sync_jobs GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	depth := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		depth[status] = count
	}
	return depth, rows.Err()
}

// OldestRunnableAge returns how long the oldest pending or retriable job
// has been waiting, and whether such a job exists.
func (r *SyncJobRepository) OldestRunnableAge() (time.Duration, bool, error) {
	var createdAt string
	err := r.db.QueryRow(`
		SELECT created_at FROM repo_sync_jobs
		WHERE status IN ('pending', 'failed') AND attempts < max_attempts
		ORDER BY created_at, id
		LIMIT 1
	`).Scan(&createdAt)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	created, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return 0, false, fmt.Errorf("bad created_at on sync job: %w", err)
	}
	age := time.Since(created)
	if age < 0 {
		age = 0
	}
	return age, true, nil
}

// UpsertState records the sync outcome for a repo. Empty sha/ref/timestamp
// values leave the previous successful sync untouched, so a failed run
// does not erase what is actually checked out.
func (r *SyncJobRepository) UpsertState(state *SyncState) error {
	_, err := r.db.Exec(`
		INSERT INTO repo_sync_state (
			workspace_id, repo_id, last_synced_sha, last_synced_ref,
			last_synced_at, last_status, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, repo_id) DO UPDATE SET
			last_synced_sha = CASE WHEN excluded.last_synced_sha != ''
				THEN excluded.last_synced_sha ELSE last_synced_sha END,
			last_synced_ref = CASE WHEN excluded.last_synced_ref != ''
				THEN excluded.last_synced_ref ELSE last_synced_ref END,
			last_synced_at = CASE WHEN excluded.last_synced_at != ''
				THEN excluded.last_synced_at ELSE last_synced_at END,
			last_status = excluded.last_status,
			last_error = excluded.last_error
	`, state.WorkspaceID, state.RepoID, state.LastSyncedSHA, state.LastSyncedRef,
		state.LastSyncedAt, state.LastStatus, state.LastError)
	if err != nil {
		return fmt.Errorf("failed to upsert sync state: %w", err)
	}
	return nil
}

// GetState returns the sync state for one repo, or nil when never synced.
func (r *SyncJobRepository) GetState(workspaceID, repoID string) (*SyncState, error) {
	var s SyncState
	err := r.db.QueryRow(`
		SELECT workspace_id, repo_id, last_synced_sha, last_synced_ref,
		       last_synced_at, last_status, last_error
		FROM repo_sync_state
		WHERE workspace_id = ? AND repo_id = ?
	`, workspaceID, repoID).Scan(
		&s.WorkspaceID, &s.RepoID, &s.LastSyncedSHA, &s.LastSyncedRef,
		&s.LastSyncedAt, &s.LastStatus, &s.LastError,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListStates returns all repo sync states for a workspace.
func (r *SyncJobRepository) ListStates(workspaceID string) ([]SyncState, error) {
	rows, err := r.db.Query(`
		SELECT workspace_id, repo_id, last_synced_sha, last_synced_ref,
		       last_synced_at, last_status, last_error
		FROM repo_sync_state
		WHERE workspace_id = ?
		ORDER BY repo_id
	`, workspaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []SyncState
	for rows.Next() {
		var s SyncState
		if err := rows.Scan(
			&s.WorkspaceID, &s.RepoID, &s.LastSyncedSHA, &s.LastSyncedRef,
			&s.LastSyncedAt, &s.LastStatus, &s.LastError,
		); err != nil {
			return nil, err
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSyncJob(row rowScanner) (*SyncJob, error) {
	var job SyncJob
	err := row.Scan(
		&job.ID, &job.WorkspaceID, &job.RepoID, &job.Ref, &job.ContextID,
		&job.EventType, &job.EventSHA, &job.Status, &job.Attempts, &job.MaxAttempts,
		&job.LeaseUntil, &job.StartedAt, &job.FinishedAt, &job.LastError,
		&job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}
