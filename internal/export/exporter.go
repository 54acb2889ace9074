package export

import (
	"sort"

	"cxxkb/internal/contexts"
	"cxxkb/internal/logging"
	"cxxkb/internal/storage"
	"cxxkb/internal/workspace"
)

// Exporter reads facts for one resolved context chain and renders them.
type Exporter struct {
	logger *logging.Logger
	facts  *storage.FactRepository
	cfg    Config
}

func New(logger *logging.Logger, db *storage.DB, cfg Config) *Exporter {
	return &Exporter{
		logger: logger.Named("export"),
		facts:  storage.NewFactRepository(db),
		cfg:    cfg,
	}
}

// exportFile pairs a file key with the context leg that owns its facts.
type exportFile struct {
	FileKey string
	RepoID  string
}

// collectFiles enumerates the chain's tracked files, overlay-first, with
// baseline keys the overlay suppresses dropped and the config's path
// filters applied. The result is sorted by file key.
func (e *Exporter) collectFiles(ws *workspace.Workspace, resolved *contexts.Resolved) ([]exportFile, error) {
	seen := make(map[string]bool)
	var files []exportFile

	for legIdx, contextID := range resolved.Chain {
		for _, repoID := range ws.CandidateRepos(nil, 0) {
			keys, err := e.facts.TrackedKeysByRepo(contextID, repoID)
			if err != nil {
				return nil, err
			}
			for _, fk := range keys {
				if seen[fk] {
					continue
				}
				if legIdx > 0 && resolved.Excluded[fk] {
					continue
				}
				seen[fk] = true
				if !e.cfg.admits(fk) {
					continue
				}
				files = append(files, exportFile{FileKey: fk, RepoID: repoID})
			}
		}
	}

	sort.Slice(files, func(i, j int) bool { return files[i].FileKey < files[j].FileKey })
	return files, nil
}

func (e *Exporter) chainQuery(resolved *contexts.Resolved) storage.ChainQuery {
	var excluded []string
	for fk := range resolved.Excluded {
		excluded = append(excluded, fk)
	}
	return storage.ChainQuery{
		Chain:                resolved.Chain,
		ExcludedBaselineKeys: excluded,
		Limit:                100000,
	}
}
