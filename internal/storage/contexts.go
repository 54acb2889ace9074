package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// ContextRepository provides operations on analysis_contexts and
// context_file_states.
type ContextRepository struct {
	db *DB
}

// NewContextRepository creates a new context repository
func NewContextRepository(db *DB) *ContextRepository {
	return &ContextRepository{db: db}
}

// BaselineContextID returns the canonical baseline context id for a
// workspace.
func BaselineContextID(workspaceID string) string {
	return workspaceID + ":baseline"
}

// EnsureBaseline creates the workspace's baseline context if it does not
// exist and returns it. Baseline contexts never expire.
func (r *ContextRepository) EnsureBaseline(workspaceID string) (*AnalysisContext, error) {
	contextID := BaselineContextID(workspaceID)
	now := nowRFC3339()

	_, err := r.db.Exec(`
		INSERT INTO analysis_contexts (
			context_id, workspace_id, mode, overlay_mode, status,
			created_at, last_accessed_at
		) VALUES (?, ?, 'baseline', 'full', 'active', ?, ?)
		ON CONFLICT(context_id) DO NOTHING
	`, contextID, workspaceID, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure baseline context: %w", err)
	}

	return r.Get(contextID)
}

// CreatePR creates a sparse PR overlay context on top of a baseline.
func (r *ContextRepository) CreatePR(workspaceID, contextID, baseContextID string, ttl time.Duration) (*AnalysisContext, error) {
	now := time.Now().UTC()
	expires := now.Add(ttl).Format(time.RFC3339)

	_, err := r.db.Exec(`
		INSERT INTO analysis_contexts (
			context_id, workspace_id, mode, base_context_id, overlay_mode,
			status, created_at, last_accessed_at, expires_at
		) VALUES (?, ?, 'pr', ?, 'sparse', 'active', ?, ?, ?)
		ON CONFLICT(context_id) DO UPDATE SET
			status = 'active',
			last_accessed_at = excluded.last_accessed_at,
			expires_at = excluded.expires_at
	`, contextID, workspaceID, baseContextID,
		now.Format(time.RFC3339), now.Format(time.RFC3339), expires)
	if err != nil {
		return nil, fmt.Errorf("failed to create pr context: %w", err)
	}

	return r.Get(contextID)
}

// Get retrieves a context by id, or nil if absent.
func (r *ContextRepository) Get(contextID string) (*AnalysisContext, error) {
	var ctx AnalysisContext
	err := r.db.QueryRow(`
		SELECT context_id, workspace_id, mode, base_context_id, overlay_mode,
		       overlay_file_count, overlay_row_count, status,
		       created_at, last_accessed_at, expires_at
		FROM analysis_contexts
		WHERE context_id = ?
	`, contextID).Scan(
		&ctx.ContextID, &ctx.WorkspaceID, &ctx.Mode, &ctx.BaseContextID, &ctx.OverlayMode,
		&ctx.OverlayFileCount, &ctx.OverlayRowCount, &ctx.Status,
		&ctx.CreatedAt, &ctx.LastAccessedAt, &ctx.ExpiresAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get context: %w", err)
	}
	return &ctx, nil
}

// Touch refreshes last_accessed_at; PR contexts also slide their
// expires_at forward by the TTL.
func (r *ContextRepository) Touch(contextID string, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := r.db.Exec(`
		UPDATE analysis_contexts
		SET last_accessed_at = ?,
		    expires_at = CASE WHEN mode = 'pr' THEN ? ELSE expires_at END
		WHERE context_id = ?
	`, now.Format(time.RFC3339), now.Add(ttl).Format(time.RFC3339), contextID)
	if err != nil {
		return fmt.Errorf("failed to touch context: %w", err)
	}
	return nil
}

// UpsertFileState writes one per-file overlay state.
func (r *ContextRepository) UpsertFileState(state *ContextFileState) error {
	_, err := r.db.Exec(`
		INSERT INTO context_file_states (
			context_id, file_key, state, replaced_from_file_key, content, content_hash
		) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(context_id, file_key) DO UPDATE SET
			state = excluded.state,
			replaced_from_file_key = excluded.replaced_from_file_key,
			content = excluded.content,
			content_hash = excluded.content_hash
	`, state.ContextID, state.FileKey, state.State,
		state.ReplacedFromFileKey, state.Content, state.ContentHash)
	if err != nil {
		return fmt.Errorf("failed to upsert file state: %w", err)
	}
	return nil
}

// FileStates returns every file state row for a context.
func (r *ContextRepository) FileStates(contextID string) ([]ContextFileState, error) {
	rows, err := r.db.Query(`
		SELECT context_id, file_key, state, replaced_from_file_key, content, content_hash
		FROM context_file_states
		WHERE context_id = ?
		ORDER BY file_key
	`, contextID)
	if err != nil {
		return nil, fmt.Errorf("failed to list file states: %w", err)
	}
	defer rows.Close()

	var states []ContextFileState
	for rows.Next() {
		var st ContextFileState
		if err := rows.Scan(
			&st.ContextID, &st.FileKey, &st.State,
			&st.ReplacedFromFileKey, &st.Content, &st.ContentHash,
		); err != nil {
			return nil, fmt.Errorf("failed to scan file state: %w", err)
		}
		states = append(states, st)
	}

	return states, rows.Err()
}

// GetFileState returns the state row for one file, or nil.
func (r *ContextRepository) GetFileState(contextID, fileKey string) (*ContextFileState, error) {
	var st ContextFileState
	err := r.db.QueryRow(`
		SELECT context_id, file_key, state, replaced_from_file_key, content, content_hash
		FROM context_file_states
		WHERE context_id = ? AND file_key = ?
	`, contextID, fileKey).Scan(
		&st.ContextID, &st.FileKey, &st.State,
		&st.ReplacedFromFileKey, &st.Content, &st.ContentHash,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file state: %w", err)
	}
	return &st, nil
}

// UpdateOverlayStats records the current overlay counts and flips the
// context to partial_overlay when either cap is breached (or when forced).
// Returns the resulting overlay mode.
func (r *ContextRepository) UpdateOverlayStats(contextID string, fileCount, rowCount int, maxFiles, maxRows int, forcePartial bool) (string, error) {
	mode := "sparse"
	if forcePartial || fileCount > maxFiles || rowCount > maxRows {
		mode = "partial_overlay"
	}

	_, err := r.db.Exec(`
		UPDATE analysis_contexts
		SET overlay_file_count = ?, overlay_row_count = ?, overlay_mode = ?
		WHERE context_id = ? AND mode = 'pr'
	`, fileCount, rowCount, mode, contextID)
	if err != nil {
		return "", fmt.Errorf("failed to update overlay stats: %w", err)
	}
	return mode, nil
}

// ListExpired returns active PR contexts whose expires_at has passed.
func (r *ContextRepository) ListExpired(now time.Time) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT context_id
		FROM analysis_contexts
		WHERE mode = 'pr' AND status = 'active'
		  AND expires_at != '' AND expires_at < ?
		ORDER BY expires_at
	`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to list expired contexts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListActivePRByLastAccess returns active PR contexts oldest-access first,
// for LRU eviction under the disk budget.
func (r *ContextRepository) ListActivePRByLastAccess() ([]AnalysisContext, error) {
	rows, err := r.db.Query(`
		SELECT context_id, workspace_id, mode, base_context_id, overlay_mode,
		       overlay_file_count, overlay_row_count, status,
		       created_at, last_accessed_at, expires_at
		FROM analysis_contexts
		WHERE mode = 'pr' AND status = 'active'
		ORDER BY last_accessed_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pr contexts: %w", err)
	}
	defer rows.Close()

	var contexts []AnalysisContext
	for rows.Next() {
		var ctx AnalysisContext
		if err := rows.Scan(
			&ctx.ContextID, &ctx.WorkspaceID, &ctx.Mode, &ctx.BaseContextID, &ctx.OverlayMode,
			&ctx.OverlayFileCount, &ctx.OverlayRowCount, &ctx.Status,
			&ctx.CreatedAt, &ctx.LastAccessedAt, &ctx.ExpiresAt,
		); err != nil {
			return nil, err
		}
		contexts = append(contexts, ctx)
	}
	return contexts, rows.Err()
}

// Expire marks a context expired and reclaims its rows: file states,
// tracked files (facts cascade), and recall entries. The context row
// itself is kept as a tombstone.
func (r *ContextRepository) Expire(contextID string) error {
	return r.db.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			UPDATE analysis_contexts SET status = 'expired' WHERE context_id = ?
		`, contextID); err != nil {
			return fmt.Errorf("failed to mark context expired: %w", err)
		}
		if _, err := tx.Exec(`
			DELETE FROM context_file_states WHERE context_id = ?
		`, contextID); err != nil {
			return fmt.Errorf("failed to delete file states: %w", err)
		}
		if _, err := tx.Exec(`
			DELETE FROM tracked_files WHERE context_id = ?
		`, contextID); err != nil {
			return fmt.Errorf("failed to delete tracked files: %w", err)
		}
		// recall_fts has no foreign keys; clean it manually.
		if _, err := tx.Exec(`
			DELETE FROM recall_fts WHERE context_id = ?
		`, contextID); err != nil {
			return fmt.Errorf("failed to delete recall rows: %w", err)
		}
		return nil
	})
}
