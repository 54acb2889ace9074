package compiledb

import (
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"cxxkb/internal/logging"
	"cxxkb/internal/workspace"
)

// cacheSize bounds how many loaded compile databases stay in memory.
// One per repo is typical; 64 covers several large workspaces.
const cacheSize = 64

type cacheKey struct {
	workspaceID string
	repoID      string
	path        string
}

type cacheEntry struct {
	db        *Database
	overrides *Overrides
}

// Cache serves compile entries per (workspace, repo), reloading a
// database when its file mtime moves. Read-mostly: queries hit it on
// every freshness classification.
type Cache struct {
	logger *logging.Logger

	mu    sync.Mutex
	cache *lru.Cache[cacheKey, *cacheEntry]
}

// NewCache creates the process-wide compile database cache.
func NewCache(logger *logging.Logger) *Cache {
	c, _ := lru.New[cacheKey, *cacheEntry](cacheSize)
	return &Cache{logger: logger.Named("compiledb"), cache: c}
}

// Resolution is the outcome of a flags lookup for one file.
type Resolution struct {
	Args      []string
	Directory string
	Match     MatchKind
}

// Resolve returns the effective compile args for a file. A repo without
// a compile database, or a file with no matching entry, yields ok=false:
// the caller classifies the file missing_flags.
func (c *Cache) Resolve(ws *workspace.Workspace, repoID, relPath, absPath string) (*Resolution, bool, error) {
	dbPath := ws.CompileCommandsPath(repoID)
	if dbPath == "" {
		return nil, false, nil
	}

	entry, err := c.load(ws.ID, repoID, dbPath)
	if err != nil {
		return nil, false, err
	}

	e, match, ok := entry.db.Lookup(absPath)
	if !ok {
		return nil, false, nil
	}
	args := entry.overrides.Apply(e.Args, relPath)
	return &Resolution{Args: args, Directory: e.Directory, Match: match}, true, nil
}

// Invalidate drops every cached database for a workspace. Called on
// manifest refresh and after repo sync.
func (c *Cache) Invalidate(workspaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.cache.Keys() {
		if key.workspaceID == workspaceID {
			c.cache.Remove(key)
		}
	}
}

func (c *Cache) load(workspaceID, repoID, dbPath string) (*cacheEntry, error) {
	key := cacheKey{workspaceID: workspaceID, repoID: repoID, path: dbPath}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.cache.Get(key); ok && !staleOnDisk(cached.db) {
		return cached, nil
	}

	db, err := Load(dbPath)
	if err != nil {
		return nil, err
	}
	overrides, err := LoadOverrides(filepath.Join(filepath.Dir(dbPath), "CXXFLAGS.toml"))
	if err != nil {
		return nil, err
	}

	c.logger.Debug("compile database loaded", map[string]interface{}{
		"repo_id": repoID,
		"path":    dbPath,
		"entries": db.Len(),
	})
	entry := &cacheEntry{db: db, overrides: overrides}
	c.cache.Add(key, entry)
	return entry, nil
}

func staleOnDisk(db *Database) bool {
	fresh, err := statMtime(db.Path)
	if err != nil {
		return true
	}
	return fresh != db.ModTime
}
