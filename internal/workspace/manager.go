package workspace

import (
	"context"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"

	"cxxkb/internal/cxxerr"
	"cxxkb/internal/logging"
	"cxxkb/internal/storage"
	"cxxkb/internal/writer"
)

// manifestCacheSize bounds how many loaded workspaces stay in memory.
const manifestCacheSize = 32

// Manager loads and caches workspaces and keeps the registry tables in
// sync with their manifests. Registry writes go through the single
// writer like every other mutation.
type Manager struct {
	logger     *logging.Logger
	workspaces *storage.WorkspaceRepository
	contexts   *storage.ContextRepository
	writer     *writer.Writer
	cache      *lru.Cache[string, *Workspace]
}

// NewManager wires a Manager against the store and writer.
func NewManager(logger *logging.Logger, db *storage.DB, wr *writer.Writer) (*Manager, error) {
	cache, err := lru.New[string, *Workspace](manifestCacheSize)
	if err != nil {
		return nil, err
	}
	return &Manager{
		logger:     logger.Named("workspace"),
		workspaces: storage.NewWorkspaceRepository(db),
		contexts:   storage.NewContextRepository(db),
		writer:     wr,
		cache:      cache,
	}, nil
}

// Register loads and validates the manifest, persists the workspace and
// its repo registry, and ensures the baseline context. Registering an
// already-known workspace refreshes it.
func (m *Manager) Register(ctx context.Context, workspaceID, rootPath, manifestPath string) (*Workspace, error) {
	if workspaceID == "" {
		return nil, cxxerr.New(cxxerr.ValidationError, "workspace_id is required")
	}
	if rootPath == "" {
		return nil, cxxerr.New(cxxerr.ValidationError, "root_path is required")
	}
	rootAbs, err := filepath.Abs(rootPath)
	if err != nil {
		return nil, cxxerr.Wrap(cxxerr.ValidationError, "invalid root_path", err)
	}
	if manifestPath == "" {
		manifestPath = filepath.Join(rootAbs, "workspace.yaml")
	}

	mf, err := LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	if mf.WorkspaceID != workspaceID {
		return nil, cxxerr.Newf(cxxerr.ManifestError,
			"manifest declares workspace %s but registration asked for %s", mf.WorkspaceID, workspaceID)
	}

	ws := New(workspaceID, rootAbs, manifestPath, mf)
	if err := m.persist(ctx, ws); err != nil {
		return nil, err
	}
	m.cache.Add(workspaceID, ws)
	m.logger.Info("workspace registered", map[string]interface{}{
		"workspace_id": workspaceID,
		"repos":        len(mf.Repos),
	})
	return ws, nil
}

// Get returns a workspace, loading its manifest from the registry when
// it is not cached.
func (m *Manager) Get(ctx context.Context, workspaceID string) (*Workspace, error) {
	if ws, ok := m.cache.Get(workspaceID); ok {
		return ws, nil
	}
	return m.load(ctx, workspaceID, false)
}

// RefreshManifest reloads the manifest from disk, re-persists the repo
// registry, and returns the refreshed workspace plus the repo count.
func (m *Manager) RefreshManifest(ctx context.Context, workspaceID string) (*Workspace, int, error) {
	ws, err := m.load(ctx, workspaceID, true)
	if err != nil {
		return nil, 0, err
	}
	return ws, len(ws.Manifest.Repos), nil
}

// Evict drops a cached workspace so the next Get reloads the manifest.
// Called after a sync rewrites a checkout.
func (m *Manager) Evict(workspaceID string) {
	m.cache.Remove(workspaceID)
}

func (m *Manager) load(ctx context.Context, workspaceID string, repersist bool) (*Workspace, error) {
	row, err := m.workspaces.Get(workspaceID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, cxxerr.Newf(cxxerr.NotFound, "workspace not found: %s", workspaceID)
	}

	mf, err := LoadManifest(row.ManifestPath)
	if err != nil {
		return nil, err
	}
	ws := New(workspaceID, row.RootPath, row.ManifestPath, mf)
	if repersist {
		if err := m.persist(ctx, ws); err != nil {
			return nil, err
		}
	}
	m.cache.Add(workspaceID, ws)
	return ws, nil
}

func (m *Manager) persist(ctx context.Context, ws *Workspace) error {
	repos := make([]storage.Repo, 0, len(ws.Manifest.Repos))
	for _, rc := range ws.Manifest.Repos {
		repos = append(repos, storage.Repo{
			RepoID:              rc.RepoID,
			Root:                rc.Root,
			CompileCommandsPath: rc.CompileCommands,
			DefaultBranch:       rc.DefaultBranch,
			DependsOn:           rc.DependsOn,
			RemoteURL:           rc.RemoteURL,
			TokenEnvVar:         rc.TokenEnvVar,
			ProjectPath:         rc.ProjectPath,
			CommitSHA:           rc.CommitSHA,
		})
	}

	future, err := m.writer.Submit(ctx, writer.WriteOp{
		Name: "register_workspace",
		Fn: func() error {
			if err := m.workspaces.Upsert(&storage.Workspace{
				WorkspaceID:  ws.ID,
				RootPath:     ws.RootPath,
				ManifestPath: ws.ManifestPath,
			}); err != nil {
				return err
			}
			if err := m.workspaces.ReplaceRepos(ws.ID, repos); err != nil {
				return err
			}
			_, err := m.contexts.EnsureBaseline(ws.ID)
			return err
		},
	})
	if err != nil {
		return err
	}
	return future.Wait(ctx)
}
