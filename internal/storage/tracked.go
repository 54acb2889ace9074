package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"cxxkb/internal/facts"
)

// FactRepository owns the write path for tracked files and their fact
// rows. Every mutation here is routed through the single writer.
type FactRepository struct {
	db *DB
}

// NewFactRepository creates a new fact repository
func NewFactRepository(db *DB) *FactRepository {
	return &FactRepository{db: db}
}

// GetTracked returns the tracked-file row for (contextID, fileKey), or nil.
func (r *FactRepository) GetTracked(contextID, fileKey string) (*TrackedFile, error) {
	var tf TrackedFile
	err := r.db.QueryRow(`
		SELECT context_id, file_key, repo_id, rel_path, abs_path,
		       content_hash, flags_hash, includes_hash, composite_hash, last_parsed_at
		FROM tracked_files
		WHERE context_id = ? AND file_key = ?
	`, contextID, fileKey).Scan(
		&tf.ContextID, &tf.FileKey, &tf.RepoID, &tf.RelPath, &tf.AbsPath,
		&tf.ContentHash, &tf.FlagsHash, &tf.IncludesHash, &tf.CompositeHash, &tf.LastParsedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tracked file: %w", err)
	}
	return &tf, nil
}

// GetTrackedBatch returns tracked-file rows for the given keys in one
// query, keyed by file_key. Missing keys are simply absent from the map.
func (r *FactRepository) GetTrackedBatch(contextID string, fileKeys []string) (map[string]*TrackedFile, error) {
	result := make(map[string]*TrackedFile, len(fileKeys))
	if len(fileKeys) == 0 {
		return result, nil
	}

	placeholders := strings.Repeat("?,", len(fileKeys))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]interface{}, 0, len(fileKeys)+1)
	args = append(args, contextID)
	for _, fk := range fileKeys {
		args = append(args, fk)
	}

	rows, err := r.db.Query(fmt.Sprintf(`
		SELECT context_id, file_key, repo_id, rel_path, abs_path,
		       content_hash, flags_hash, includes_hash, composite_hash, last_parsed_at
		FROM tracked_files
		WHERE context_id = ? AND file_key IN (%s)
	`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch get tracked files: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tf TrackedFile
		if err := rows.Scan(
			&tf.ContextID, &tf.FileKey, &tf.RepoID, &tf.RelPath, &tf.AbsPath,
			&tf.ContentHash, &tf.FlagsHash, &tf.IncludesHash, &tf.CompositeHash, &tf.LastParsedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tracked file: %w", err)
		}
		result[tf.FileKey] = &tf
	}

	return result, rows.Err()
}

// TrackedKeysByRepo lists the file keys tracked for one repo in one
// context, ordered for determinism.
func (r *FactRepository) TrackedKeysByRepo(contextID, repoID string) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT file_key FROM tracked_files
		WHERE context_id = ? AND repo_id = ?
		ORDER BY file_key
	`, contextID, repoID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var fk string
		if err := rows.Scan(&fk); err != nil {
			return nil, fmt.Errorf("failed to scan tracked key: %w", err)
		}
		keys = append(keys, fk)
	}
	return keys, rows.Err()
}

// UpsertParsePayload persists one extractor result atomically: the
// tracked-file row is upserted, stale fact rows for the file are dropped,
// fresh rows inserted, and the recall text refreshed. One transaction per
// payload so a failed parse never leaves half a file behind.
func (r *FactRepository) UpsertParsePayload(p *facts.ParsePayload) error {
	return r.db.WithTx(func(tx *sql.Tx) error {
		now := nowRFC3339()

		if _, err := tx.Exec(`
			INSERT INTO tracked_files (
				context_id, file_key, repo_id, rel_path, abs_path,
				content_hash, flags_hash, includes_hash, composite_hash, last_parsed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(context_id, file_key) DO UPDATE SET
				repo_id = excluded.repo_id,
				rel_path = excluded.rel_path,
				abs_path = excluded.abs_path,
				content_hash = excluded.content_hash,
				flags_hash = excluded.flags_hash,
				includes_hash = excluded.includes_hash,
				composite_hash = excluded.composite_hash,
				last_parsed_at = excluded.last_parsed_at
		`,
			p.ContextID, p.FileKey, p.RepoID, p.RelPath, p.AbsPath,
			p.ContentHash, p.FlagsHash, p.IncludesHash, p.CompositeHash, now,
		); err != nil {
			return fmt.Errorf("failed to upsert tracked file: %w", err)
		}

		// Delete-then-insert keeps the fact tables exact per file.
		for _, table := range []string{"symbols", "references_", "call_edges", "include_deps"} {
			if _, err := tx.Exec(
				fmt.Sprintf("DELETE FROM %s WHERE context_id = ? AND file_key = ?", table),
				p.ContextID, p.FileKey,
			); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}

		for _, s := range p.Output.Symbols {
			if _, err := tx.Exec(`
				INSERT INTO symbols (context_id, file_key, name, qualified_name, kind, line, col, extent_end_line)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, p.ContextID, p.FileKey, s.Name, s.QualifiedName, s.Kind, s.Line, s.Col, s.ExtentEndLine); err != nil {
				return fmt.Errorf("failed to insert symbol: %w", err)
			}
		}

		for _, ref := range p.Output.References {
			if _, err := tx.Exec(`
				INSERT INTO references_ (context_id, file_key, symbol_qualified_name, line, col, ref_kind)
				VALUES (?, ?, ?, ?, ?, ?)
			`, p.ContextID, p.FileKey, ref.Symbol, ref.Line, ref.Col, ref.Kind); err != nil {
				return fmt.Errorf("failed to insert reference: %w", err)
			}
		}

		for _, edge := range p.Output.CallEdges {
			if _, err := tx.Exec(`
				INSERT INTO call_edges (context_id, file_key, caller_qualified_name, callee_qualified_name, line)
				VALUES (?, ?, ?, ?, ?)
			`, p.ContextID, p.FileKey, edge.Caller, edge.Callee, edge.Line); err != nil {
				return fmt.Errorf("failed to insert call edge: %w", err)
			}
		}

		for _, dep := range p.ResolvedIncludeDeps {
			if _, err := tx.Exec(`
				INSERT INTO include_deps (context_id, file_key, included_file_key, included_abs_path, raw_path, depth)
				VALUES (?, ?, ?, ?, ?, ?)
			`, p.ContextID, p.FileKey, dep.ResolvedFileKey, dep.ResolvedAbsPath, dep.RawPath, dep.Depth); err != nil {
				return fmt.Errorf("failed to insert include dep: %w", err)
			}
		}

		if err := refreshRecallContent(tx, p); err != nil {
			return err
		}

		return nil
	})
}

// refreshRecallContent rewrites the recall_fts row for the file. Overlay
// inline content wins over disk; a file that cannot be read simply loses
// its recall row.
func refreshRecallContent(tx *sql.Tx, p *facts.ParsePayload) error {
	if _, err := tx.Exec(
		"DELETE FROM recall_fts WHERE context_id = ? AND file_key = ?",
		p.ContextID, p.FileKey,
	); err != nil {
		return fmt.Errorf("failed to clear recall row: %w", err)
	}

	var content string
	var inline sql.NullString
	err := tx.QueryRow(`
		SELECT content FROM context_file_states
		WHERE context_id = ? AND file_key = ?
	`, p.ContextID, p.FileKey).Scan(&inline)
	if err == nil && inline.Valid {
		content = inline.String
	} else {
		data, readErr := os.ReadFile(p.AbsPath)
		if readErr != nil {
			return nil
		}
		content = string(data)
	}

	if _, err := tx.Exec(
		"INSERT INTO recall_fts (context_id, file_key, content) VALUES (?, ?, ?)",
		p.ContextID, p.FileKey, content,
	); err != nil {
		return fmt.Errorf("failed to insert recall row: %w", err)
	}
	return nil
}

// InvalidateFiles drops tracked rows (facts cascade) and recall entries
// for the given keys. Backs the cache invalidation surface.
func (r *FactRepository) InvalidateFiles(contextID string, fileKeys []string) (int, error) {
	if len(fileKeys) == 0 {
		return 0, nil
	}

	invalidated := 0
	err := r.db.WithTx(func(tx *sql.Tx) error {
		for _, fk := range fileKeys {
			res, err := tx.Exec(
				"DELETE FROM tracked_files WHERE context_id = ? AND file_key = ?",
				contextID, fk,
			)
			if err != nil {
				return fmt.Errorf("failed to invalidate %s: %w", fk, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				invalidated++
			}
			if _, err := tx.Exec(
				"DELETE FROM recall_fts WHERE context_id = ? AND file_key = ?",
				contextID, fk,
			); err != nil {
				return fmt.Errorf("failed to clear recall for %s: %w", fk, err)
			}
		}
		return nil
	})
	return invalidated, err
}

// RecordParseRun writes one extractor audit record.
func (r *FactRepository) RecordParseRun(run *ParseRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	diagnostics := run.DiagnosticsJSON
	if diagnostics == "" {
		diagnostics = "[]"
	}
	success := 0
	if run.Success {
		success = 1
	}

	_, err := r.db.Exec(`
		INSERT INTO parse_runs (id, context_id, file_key, action, success, duration_ms, diagnostics_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ContextID, run.FileKey, run.Action, success, run.DurationMs, diagnostics, nowRFC3339())
	if err != nil {
		return fmt.Errorf("failed to record parse run: %w", err)
	}
	return nil
}

// EncodeDiagnostics renders extractor diagnostics for a parse run record.
func EncodeDiagnostics(diags []string) string {
	if len(diags) == 0 {
		return "[]"
	}
	data, err := json.Marshal(diags)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// BumpOverlayCounts adds persisted overlay rows to a PR context's stats
// and flips it to partial_overlay on breach. Returns the resulting mode.
func (r *FactRepository) BumpOverlayCounts(contextID string, deltaFiles, deltaRows, maxFiles, maxRows int) (string, error) {
	var mode string
	err := r.db.WithTx(func(tx *sql.Tx) error {
		var fileCount, rowCount int
		err := tx.QueryRow(`
			SELECT overlay_file_count, overlay_row_count
			FROM analysis_contexts
			WHERE context_id = ? AND mode = 'pr'
		`, contextID).Scan(&fileCount, &rowCount)
		if err == sql.ErrNoRows {
			mode = "full"
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read overlay stats: %w", err)
		}

		fileCount += deltaFiles
		rowCount += deltaRows
		mode = "sparse"
		if fileCount > maxFiles || rowCount > maxRows {
			mode = "partial_overlay"
		}

		if _, err := tx.Exec(`
			UPDATE analysis_contexts
			SET overlay_file_count = ?, overlay_row_count = ?, overlay_mode = ?
			WHERE context_id = ?
		`, fileCount, rowCount, mode, contextID); err != nil {
			return fmt.Errorf("failed to bump overlay stats: %w", err)
		}
		return nil
	})
	return mode, err
}
