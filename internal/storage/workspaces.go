package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// WorkspaceRepository provides CRUD operations for the workspaces and
// repos tables.
type WorkspaceRepository struct {
	db *DB
}

// NewWorkspaceRepository creates a new workspace repository
func NewWorkspaceRepository(db *DB) *WorkspaceRepository {
	return &WorkspaceRepository{db: db}
}

// Upsert inserts or updates a workspace row.
func (r *WorkspaceRepository) Upsert(ws *Workspace) error {
	now := nowRFC3339()
	_, err := r.db.Exec(`
		INSERT INTO workspaces (workspace_id, root_path, manifest_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET
			root_path = excluded.root_path,
			manifest_path = excluded.manifest_path,
			updated_at = excluded.updated_at
	`, ws.WorkspaceID, ws.RootPath, ws.ManifestPath, now, now)

	if err != nil {
		return fmt.Errorf("failed to upsert workspace: %w", err)
	}
	return nil
}

// Get retrieves a workspace by id, or nil if not registered.
func (r *WorkspaceRepository) Get(workspaceID string) (*Workspace, error) {
	var ws Workspace
	err := r.db.QueryRow(`
		SELECT workspace_id, root_path, manifest_path, created_at, updated_at
		FROM workspaces
		WHERE workspace_id = ?
	`, workspaceID).Scan(
		&ws.WorkspaceID, &ws.RootPath, &ws.ManifestPath, &ws.CreatedAt, &ws.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return &ws, nil
}

// List returns every registered workspace, ordered by id.
func (r *WorkspaceRepository) List() ([]Workspace, error) {
	rows, err := r.db.Query(`
		SELECT workspace_id, root_path, manifest_path, created_at, updated_at
		FROM workspaces
		ORDER BY workspace_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		var ws Workspace
		if err := rows.Scan(&ws.WorkspaceID, &ws.RootPath, &ws.ManifestPath, &ws.CreatedAt, &ws.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// ReplaceRepos swaps the repo set for a workspace in one transaction.
// Called whenever the manifest is (re)loaded so the registry mirrors it.
func (r *WorkspaceRepository) ReplaceRepos(workspaceID string, repos []Repo) error {
	return r.db.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM repos WHERE workspace_id = ?", workspaceID); err != nil {
			return fmt.Errorf("failed to clear repos: %w", err)
		}

		for i, repo := range repos {
			dependsOn, err := json.Marshal(repo.DependsOn)
			if err != nil {
				return fmt.Errorf("failed to encode depends_on: %w", err)
			}
			if repo.DependsOn == nil {
				dependsOn = []byte("[]")
			}
			branch := repo.DefaultBranch
			if branch == "" {
				branch = "main"
			}

			if _, err := tx.Exec(`
				INSERT INTO repos (
					workspace_id, repo_id, root, compile_commands_path,
					default_branch, depends_on_json, remote_url, token_env_var,
					commit_sha, position
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				workspaceID, repo.RepoID, repo.Root, repo.CompileCommandsPath,
				branch, string(dependsOn), repo.RemoteURL, repo.TokenEnvVar,
				repo.CommitSHA, i,
			); err != nil {
				return fmt.Errorf("failed to insert repo %s: %w", repo.RepoID, err)
			}
		}

		return nil
	})
}

// ListRepos returns the workspace's repos in manifest order.
func (r *WorkspaceRepository) ListRepos(workspaceID string) ([]Repo, error) {
	rows, err := r.db.Query(`
		SELECT workspace_id, repo_id, root, compile_commands_path,
		       default_branch, depends_on_json, remote_url, token_env_var,
		       project_path, commit_sha, position
		FROM repos
		WHERE workspace_id = ?
		ORDER BY position
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list repos: %w", err)
	}
	defer rows.Close()

	var repos []Repo
	for rows.Next() {
		var repo Repo
		var dependsOnJSON string
		if err := rows.Scan(
			&repo.WorkspaceID, &repo.RepoID, &repo.Root, &repo.CompileCommandsPath,
			&repo.DefaultBranch, &dependsOnJSON, &repo.RemoteURL, &repo.TokenEnvVar,
			&repo.ProjectPath, &repo.CommitSHA, &repo.Position,
		); err != nil {
			return nil, fmt.Errorf("failed to scan repo: %w", err)
		}
		if err := json.Unmarshal([]byte(dependsOnJSON), &repo.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to decode depends_on for %s: %w", repo.RepoID, err)
		}
		repos = append(repos, repo)
	}

	return repos, rows.Err()
}

// GetRepo returns a single repo row, or nil if absent.
func (r *WorkspaceRepository) GetRepo(workspaceID, repoID string) (*Repo, error) {
	var repo Repo
	var dependsOnJSON string
	err := r.db.QueryRow(`
		SELECT workspace_id, repo_id, root, compile_commands_path,
		       default_branch, depends_on_json, remote_url, token_env_var,
		       project_path, commit_sha, position
		FROM repos
		WHERE workspace_id = ? AND repo_id = ?
	`, workspaceID, repoID).Scan(
		&repo.WorkspaceID, &repo.RepoID, &repo.Root, &repo.CompileCommandsPath,
		&repo.DefaultBranch, &dependsOnJSON, &repo.RemoteURL, &repo.TokenEnvVar,
		&repo.ProjectPath, &repo.CommitSHA, &repo.Position,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repo: %w", err)
	}
	if err := json.Unmarshal([]byte(dependsOnJSON), &repo.DependsOn); err != nil {
		return nil, fmt.Errorf("failed to decode depends_on: %w", err)
	}
	return &repo, nil
}
