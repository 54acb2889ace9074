package storage

import (
	"database/sql"
	"fmt"
)

// Schema version tracking
const currentSchemaVersion = 1

// initializeSchema creates all tables for a new database
func (db *DB) initializeSchema() error {
	return db.WithTx(func(tx *sql.Tx) error {
		if err := createSchemaVersionTable(tx); err != nil {
			return err
		}

		if err := createWorkspaceTables(tx); err != nil {
			return err
		}
		if err := createContextTables(tx); err != nil {
			return err
		}
		if err := createFactTables(tx); err != nil {
			return err
		}
		if err := createRecallTable(tx); err != nil {
			return err
		}
		if err := createJobTables(tx); err != nil {
			return err
		}
		if err := createSummaryTables(tx); err != nil {
			return err
		}
		if err := createTokenTable(tx); err != nil {
			return err
		}

		if err := setSchemaVersion(tx, currentSchemaVersion); err != nil {
			return err
		}

		db.logger.Info("Database schema initialized", map[string]interface{}{
			"version": currentSchemaVersion,
		})

		return nil
	})
}

// runMigrations runs any pending schema migrations
func (db *DB) runMigrations() error {
	version, err := db.getSchemaVersion()
	if err != nil {
		return err
	}

	if version == currentSchemaVersion {
		db.logger.Debug("Database schema is up to date", map[string]interface{}{
			"version": version,
		})
		return nil
	}

	if version == 0 {
		// Opened a file that predates version tracking; build everything
		// idempotently.
		return db.initializeSchema()
	}

	db.logger.Info("Running database migrations", map[string]interface{}{
		"from_version": version,
		"to_version":   currentSchemaVersion,
	})

	// Migration functions are added here as the schema evolves.

	return nil
}

// getSchemaVersion gets the current schema version
func (db *DB) getSchemaVersion() (int, error) {
	var tableName string
	err := db.QueryRow(`
		SELECT name FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&tableName)

	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	return version, nil
}

// setSchemaVersion sets the schema version
func setSchemaVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec("DELETE FROM schema_version")
	if err != nil {
		return err
	}
	_, err = tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version)
	return err
}

// createSchemaVersionTable creates the schema_version tracking table
func createSchemaVersionTable(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`)
	return err
}

// createWorkspaceTables creates the workspace and repo registry tables.
func createWorkspaceTables(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS workspaces (
			workspace_id TEXT PRIMARY KEY,
			root_path TEXT NOT NULL,
			manifest_path TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create workspaces table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS repos (
			workspace_id TEXT NOT NULL,
			repo_id TEXT NOT NULL,
			root TEXT NOT NULL,
			compile_commands_path TEXT NOT NULL DEFAULT '',
			default_branch TEXT NOT NULL DEFAULT 'main',
			depends_on_json TEXT NOT NULL DEFAULT '[]',
			remote_url TEXT NOT NULL DEFAULT '',
			token_env_var TEXT NOT NULL DEFAULT '',
			project_path TEXT NOT NULL DEFAULT '',
			commit_sha TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL DEFAULT 0,

			PRIMARY KEY (workspace_id, repo_id),
			FOREIGN KEY (workspace_id) REFERENCES workspaces(workspace_id) ON DELETE CASCADE
		)
	`); err != nil {
		return fmt.Errorf("failed to create repos table: %w", err)
	}

	return nil
}

// createContextTables creates analysis_contexts and context_file_states.
func createContextTables(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS analysis_contexts (
			context_id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			mode TEXT NOT NULL CHECK(mode IN ('baseline', 'pr')),
			base_context_id TEXT NOT NULL DEFAULT '',
			overlay_mode TEXT NOT NULL DEFAULT 'sparse'
				CHECK(overlay_mode IN ('full', 'sparse', 'partial_overlay')),
			overlay_file_count INTEGER NOT NULL DEFAULT 0,
			overlay_row_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'expired')),
			created_at TEXT NOT NULL,
			last_accessed_at TEXT NOT NULL,
			expires_at TEXT NOT NULL DEFAULT '',

			FOREIGN KEY (workspace_id) REFERENCES workspaces(workspace_id) ON DELETE CASCADE
		)
	`); err != nil {
		return fmt.Errorf("failed to create analysis_contexts table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS context_file_states (
			context_id TEXT NOT NULL,
			file_key TEXT NOT NULL,
			state TEXT NOT NULL
				CHECK(state IN ('added', 'modified', 'deleted', 'renamed', 'unchanged')),
			replaced_from_file_key TEXT NOT NULL DEFAULT '',
			content TEXT,
			content_hash TEXT NOT NULL DEFAULT '',

			PRIMARY KEY (context_id, file_key),
			FOREIGN KEY (context_id) REFERENCES analysis_contexts(context_id) ON DELETE CASCADE
		)
	`); err != nil {
		return fmt.Errorf("failed to create context_file_states table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_contexts_workspace ON analysis_contexts(workspace_id)",
		"CREATE INDEX IF NOT EXISTS idx_contexts_status_expires ON analysis_contexts(status, expires_at)",
		"CREATE INDEX IF NOT EXISTS idx_file_states_state ON context_file_states(context_id, state)",
	}
	for _, indexSQL := range indexes {
		if _, err := tx.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// createFactTables creates tracked_files and the four fact tables plus
// parse_runs. Fact rows cascade with their (context_id, file_key) owner.
func createFactTables(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS tracked_files (
			context_id TEXT NOT NULL,
			file_key TEXT NOT NULL,
			repo_id TEXT NOT NULL,
			rel_path TEXT NOT NULL,
			abs_path TEXT NOT NULL,
			content_hash TEXT NOT NULL DEFAULT '',
			flags_hash TEXT NOT NULL DEFAULT '',
			includes_hash TEXT NOT NULL DEFAULT '',
			composite_hash TEXT NOT NULL DEFAULT '',
			last_parsed_at TEXT NOT NULL DEFAULT '',

			PRIMARY KEY (context_id, file_key),
			FOREIGN KEY (context_id) REFERENCES analysis_contexts(context_id) ON DELETE CASCADE
		)
	`); err != nil {
		return fmt.Errorf("failed to create tracked_files table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS symbols (
			id INTEGER PRIMARY KEY,
			context_id TEXT NOT NULL,
			file_key TEXT NOT NULL,
			name TEXT NOT NULL,
			qualified_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			line INTEGER NOT NULL,
			col INTEGER NOT NULL DEFAULT 0,
			extent_end_line INTEGER NOT NULL DEFAULT 0,

			FOREIGN KEY (context_id, file_key)
				REFERENCES tracked_files(context_id, file_key) ON DELETE CASCADE
		)
	`); err != nil {
		return fmt.Errorf("failed to create symbols table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS references_ (
			id INTEGER PRIMARY KEY,
			context_id TEXT NOT NULL,
			file_key TEXT NOT NULL,
			symbol_qualified_name TEXT NOT NULL,
			line INTEGER NOT NULL,
			col INTEGER NOT NULL DEFAULT 0,
			ref_kind TEXT NOT NULL DEFAULT 'unknown',

			FOREIGN KEY (context_id, file_key)
				REFERENCES tracked_files(context_id, file_key) ON DELETE CASCADE
		)
	`); err != nil {
		return fmt.Errorf("failed to create references_ table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS call_edges (
			id INTEGER PRIMARY KEY,
			context_id TEXT NOT NULL,
			file_key TEXT NOT NULL,
			caller_qualified_name TEXT NOT NULL,
			callee_qualified_name TEXT NOT NULL,
			line INTEGER NOT NULL,

			FOREIGN KEY (context_id, file_key)
				REFERENCES tracked_files(context_id, file_key) ON DELETE CASCADE
		)
	`); err != nil {
		return fmt.Errorf("failed to create call_edges table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS include_deps (
			id INTEGER PRIMARY KEY,
			context_id TEXT NOT NULL,
			file_key TEXT NOT NULL,
			included_file_key TEXT NOT NULL DEFAULT '',
			included_abs_path TEXT NOT NULL DEFAULT '',
			raw_path TEXT NOT NULL,
			depth INTEGER NOT NULL DEFAULT 1,

			FOREIGN KEY (context_id, file_key)
				REFERENCES tracked_files(context_id, file_key) ON DELETE CASCADE
		)
	`); err != nil {
		return fmt.Errorf("failed to create include_deps table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS parse_runs (
			id TEXT PRIMARY KEY,
			context_id TEXT NOT NULL,
			file_key TEXT NOT NULL,
			action TEXT NOT NULL,
			success INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			diagnostics_json TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create parse_runs table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_tracked_repo ON tracked_files(context_id, repo_id)",
		"CREATE INDEX IF NOT EXISTS idx_symbols_name ON symbols(context_id, name)",
		"CREATE INDEX IF NOT EXISTS idx_symbols_qualified ON symbols(context_id, qualified_name)",
		"CREATE INDEX IF NOT EXISTS idx_symbols_file ON symbols(context_id, file_key)",
		"CREATE INDEX IF NOT EXISTS idx_references_symbol ON references_(context_id, symbol_qualified_name)",
		"CREATE INDEX IF NOT EXISTS idx_references_file ON references_(context_id, file_key)",
		"CREATE INDEX IF NOT EXISTS idx_call_edges_caller ON call_edges(context_id, caller_qualified_name)",
		"CREATE INDEX IF NOT EXISTS idx_call_edges_callee ON call_edges(context_id, callee_qualified_name)",
		"CREATE INDEX IF NOT EXISTS idx_include_deps_included ON include_deps(context_id, included_file_key)",
		"CREATE INDEX IF NOT EXISTS idx_parse_runs_file ON parse_runs(context_id, file_key)",
	}
	for _, indexSQL := range indexes {
		if _, err := tx.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// createRecallTable creates the FTS5 table backing lexical recall.
func createRecallTable(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS recall_fts USING fts5(
			context_id UNINDEXED,
			file_key UNINDEXED,
			content,
			tokenize = 'unicode61'
		)
	`); err != nil {
		return fmt.Errorf("failed to create recall_fts table: %w", err)
	}
	return nil
}

// createJobTables creates index_jobs, repo_sync_jobs, and repo_sync_state.
func createJobTables(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS index_jobs (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			context_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK(status IN ('pending', 'running', 'done', 'failed', 'dead_letter')),
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create index_jobs table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS repo_sync_jobs (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			repo_id TEXT NOT NULL,
			ref TEXT NOT NULL DEFAULT '',
			context_id TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL DEFAULT '',
			event_sha TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK(status IN ('pending', 'running', 'done', 'failed', 'dead_letter')),
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			lease_until TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL DEFAULT '',
			finished_at TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			UNIQUE (workspace_id, repo_id, ref, context_id, event_sha)
		)
	`); err != nil {
		return fmt.Errorf("failed to create repo_sync_jobs table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS repo_sync_state (
			workspace_id TEXT NOT NULL,
			repo_id TEXT NOT NULL,
			last_synced_sha TEXT NOT NULL DEFAULT '',
			last_synced_ref TEXT NOT NULL DEFAULT '',
			last_synced_at TEXT NOT NULL DEFAULT '',
			last_status TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',

			PRIMARY KEY (workspace_id, repo_id)
		)
	`); err != nil {
		return fmt.Errorf("failed to create repo_sync_state table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_index_jobs_status ON index_jobs(status, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_sync_jobs_status ON repo_sync_jobs(status, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_sync_jobs_workspace ON repo_sync_jobs(workspace_id, repo_id)",
	}
	for _, indexSQL := range indexes {
		if _, err := tx.Exec(indexSQL); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}

// createSummaryTables creates commit_diff_summaries and the vector
// sidecar table. Embeddings are float32 little-endian blobs linked by
// summary_id.
func createSummaryTables(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS commit_diff_summaries (
			summary_id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			repo_id TEXT NOT NULL,
			commit_sha TEXT NOT NULL,
			embedding_model TEXT NOT NULL,
			summary_text TEXT NOT NULL,
			files_changed_json TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			UNIQUE (workspace_id, repo_id, commit_sha, embedding_model)
		)
	`); err != nil {
		return fmt.Errorf("failed to create commit_diff_summaries table: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS commit_summary_vectors (
			summary_id TEXT PRIMARY KEY,
			dim INTEGER NOT NULL,
			embedding BLOB NOT NULL,

			FOREIGN KEY (summary_id)
				REFERENCES commit_diff_summaries(summary_id) ON DELETE CASCADE
		)
	`); err != nil {
		return fmt.Errorf("failed to create commit_summary_vectors table: %w", err)
	}

	if _, err := tx.Exec(
		"CREATE INDEX IF NOT EXISTS idx_summaries_repo ON commit_diff_summaries(workspace_id, repo_id)",
	); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}

// createTokenTable creates the api_tokens table.
func createTokenTable(tx *sql.Tx) error {
	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS api_tokens (
			key_id TEXT PRIMARY KEY,
			token_hash TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			last_used_at TEXT NOT NULL DEFAULT ''
		)
	`); err != nil {
		return fmt.Errorf("failed to create api_tokens table: %w", err)
	}
	return nil
}
