package workspace

import (
	"path/filepath"
	"sort"
	"strings"

	"cxxkb/internal/cxxerr"
	"cxxkb/internal/facts"
)

// Workspace binds a registered workspace to its loaded manifest and
// answers path/key resolution questions against it.
type Workspace struct {
	ID           string
	RootPath     string
	ManifestPath string
	Manifest     *Manifest

	repoByID map[string]*RepoConfig
}

// New wraps a validated manifest. RootPath must be absolute.
func New(id, rootPath, manifestPath string, mf *Manifest) *Workspace {
	return &Workspace{
		ID:           id,
		RootPath:     filepath.Clean(rootPath),
		ManifestPath: manifestPath,
		Manifest:     mf,
		repoByID:     mf.RepoMap(),
	}
}

// Repo returns the repo config for an id, or nil.
func (w *Workspace) Repo(repoID string) *RepoConfig {
	return w.repoByID[repoID]
}

// RepoRoot returns the absolute root directory of a repo.
func (w *Workspace) RepoRoot(repoID string) (string, error) {
	repo := w.repoByID[repoID]
	if repo == nil {
		return "", cxxerr.Newf(cxxerr.NotFound, "repo %s is not in workspace %s", repoID, w.ID)
	}
	return filepath.Join(w.RootPath, filepath.FromSlash(repo.Root)), nil
}

// CompileCommandsPath returns the absolute path of a repo's compile
// database, or "" when the repo does not declare one.
func (w *Workspace) CompileCommandsPath(repoID string) string {
	repo := w.repoByID[repoID]
	if repo == nil || repo.CompileCommands == "" {
		return ""
	}
	return filepath.Join(w.RootPath, filepath.FromSlash(repo.CompileCommands))
}

// ResolvedKey ties a file key to its location in the workspace.
type ResolvedKey struct {
	FileKey string
	RepoID  string
	RelPath string
	AbsPath string
}

// FileKeyForAbsPath maps an absolute path to the repo containing it.
// Root matching is case-insensitive; the relative path keeps its original
// case for display. Repos are tried in manifest order, so nested roots
// should be listed before their parents.
func (w *Workspace) FileKeyForAbsPath(absPath string) (*ResolvedKey, bool) {
	absNorm := NormalizePath(filepath.Clean(absPath))
	for i := range w.Manifest.Repos {
		repo := &w.Manifest.Repos[i]
		rootNorm := strings.TrimRight(NormalizePath(filepath.Join(w.RootPath, filepath.FromSlash(repo.Root))), "/")
		if !pathHasPrefixFold(absNorm, rootNorm) {
			continue
		}
		rel := strings.TrimPrefix(absNorm[len(rootNorm):], "/")
		return &ResolvedKey{
			FileKey: MakeFileKey(repo.RepoID, rel),
			RepoID:  repo.RepoID,
			RelPath: rel,
			AbsPath: absNorm,
		}, true
	}
	return nil, false
}

// AbsPathForFileKey resolves a file key to its workspace location. The
// repo id portion is matched exactly.
func (w *Workspace) AbsPathForFileKey(fileKey string) (*ResolvedKey, error) {
	repoID, rel, ok := SplitFileKey(fileKey)
	if !ok {
		return nil, cxxerr.Newf(cxxerr.ValidationError, "malformed file key %q", fileKey)
	}
	repo := w.repoByID[repoID]
	if repo == nil {
		return nil, cxxerr.Newf(cxxerr.NotFound, "repo %s is not in workspace %s", repoID, w.ID)
	}
	abs := filepath.Join(w.RootPath, filepath.FromSlash(repo.Root), filepath.FromSlash(rel))
	return &ResolvedKey{
		FileKey: fileKey,
		RepoID:  repoID,
		RelPath: rel,
		AbsPath: NormalizePath(abs),
	}, nil
}

// CandidateRepos closes entryRepos over depends_on edges up to maxHops.
// An empty entry set selects every repo. Unknown entry ids are ignored.
// The result is sorted for determinism.
func (w *Workspace) CandidateRepos(entryRepos []string, maxHops int) []string {
	if len(entryRepos) == 0 {
		out := make([]string, 0, len(w.Manifest.Repos))
		for _, r := range w.Manifest.Repos {
			out = append(out, r.RepoID)
		}
		sort.Strings(out)
		return out
	}

	type hop struct {
		id    string
		depth int
	}
	queue := make([]hop, 0, len(entryRepos))
	for _, id := range entryRepos {
		if w.repoByID[id] != nil {
			queue = append(queue, hop{id: id})
		}
	}

	result := make(map[string]bool)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if result[cur.id] {
			continue
		}
		result[cur.id] = true
		if cur.depth >= maxHops {
			continue
		}
		for _, dep := range w.repoByID[cur.id].DependsOn {
			if w.repoByID[dep] != nil && !result[dep] {
				queue = append(queue, hop{id: dep, depth: cur.depth + 1})
			}
		}
	}

	out := make([]string, 0, len(result))
	for id := range result {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ResolveInclude maps a preprocessor-reported include path to workspace
// identity: first as a file directly under a repo root, then through the
// manifest's path remaps. Unresolved includes come back with
// Resolved=false and are excluded from includes hashing.
func (w *Workspace) ResolveInclude(rawPath string, depth int) facts.ResolvedIncludeDep {
	rawNorm := NormalizePath(rawPath)

	if rk, ok := w.FileKeyForAbsPath(rawNorm); ok {
		return facts.ResolvedIncludeDep{
			RawPath:         rawNorm,
			ResolvedFileKey: rk.FileKey,
			ResolvedAbsPath: rk.AbsPath,
			Resolved:        true,
			Depth:           depth,
		}
	}

	for _, remap := range w.Manifest.PathRemaps {
		fromNorm := strings.TrimRight(NormalizePath(remap.FromPrefix), "/")
		if !pathHasPrefixFold(rawNorm, fromNorm) {
			continue
		}
		if w.repoByID[remap.ToRepoID] == nil {
			continue
		}
		suffix := strings.TrimLeft(rawNorm[len(fromNorm):], "/")
		remapped := filepath.Join(w.RootPath, filepath.FromSlash(remap.ToPrefix), filepath.FromSlash(suffix))
		remappedNorm := NormalizePath(remapped)
		if rk, ok := w.FileKeyForAbsPath(remappedNorm); ok {
			return facts.ResolvedIncludeDep{
				RawPath:         rawNorm,
				ResolvedFileKey: rk.FileKey,
				ResolvedAbsPath: rk.AbsPath,
				Resolved:        true,
				Depth:           depth,
			}
		}
		return facts.ResolvedIncludeDep{
			RawPath:         rawNorm,
			ResolvedAbsPath: remappedNorm,
			Resolved:        false,
			Depth:           depth,
		}
	}

	return facts.ResolvedIncludeDep{
		RawPath:  rawNorm,
		Resolved: false,
		Depth:    depth,
	}
}

// RemapPairs returns (from_prefix, to_abs_prefix) pairs for the virtual
// filesystem overlay handed to the extractor, so includes that escape to
// external absolute prefixes land back inside the workspace.
func (w *Workspace) RemapPairs() [][2]string {
	if len(w.Manifest.PathRemaps) == 0 {
		return nil
	}
	out := make([][2]string, 0, len(w.Manifest.PathRemaps))
	for _, remap := range w.Manifest.PathRemaps {
		if w.repoByID[remap.ToRepoID] == nil {
			continue
		}
		to := filepath.Join(w.RootPath, filepath.FromSlash(remap.ToPrefix))
		out = append(out, [2]string{NormalizePath(remap.FromPrefix), NormalizePath(to)})
	}
	return out
}

// pathHasPrefixFold reports whether path equals prefix or sits under it,
// comparing case-insensitively on a path-segment boundary.
func pathHasPrefixFold(path, prefix string) bool {
	if prefix == "" {
		return false
	}
	if len(path) < len(prefix) {
		return false
	}
	if !strings.EqualFold(path[:len(prefix)], prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}
