// Package workspace loads the workspace manifest and owns canonical file
// identity: every file in every repo is addressed by a file key
// "{repo_id}:{rel_path}" with forward slashes. Absolute paths are derived
// from keys, never the other way round.
package workspace

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"cxxkb/internal/cxxerr"
)

// Manifest is the top-level workspace manifest, loaded from YAML.
type Manifest struct {
	WorkspaceID string       `yaml:"workspace_id"`
	Repos       []RepoConfig `yaml:"repos"`
	PathRemaps  []PathRemap  `yaml:"path_remaps"`
}

// RepoConfig is one repository node in the manifest.
type RepoConfig struct {
	// RepoID is the stable identifier that prefixes every file key.
	RepoID string `yaml:"repo_id"`

	// Root is the repo checkout directory relative to the workspace root.
	Root string `yaml:"root"`

	// CompileCommands points at the repo's compile_commands.json relative
	// to the workspace root. Empty means the repo has no compile database.
	CompileCommands string `yaml:"compile_commands"`

	// DefaultBranch is the branch the baseline context tracks.
	DefaultBranch string `yaml:"default_branch"`

	// DependsOn lists repos whose headers this repo may include. The
	// edges form a DAG and bound cross-repo candidate recall.
	DependsOn []string `yaml:"depends_on"`

	// RemoteURL enables git sync for this repo. HTTPS only; the token is
	// read from the environment variable named by TokenEnvVar.
	RemoteURL   string `yaml:"remote_url"`
	TokenEnvVar string `yaml:"token_env_var"`

	// ProjectPath is the forge-side project path (e.g. "platform/core")
	// used to route webhook events to this repo.
	ProjectPath string `yaml:"project_path"`

	// CommitSHA pins the synced checkout to an exact commit.
	CommitSHA string `yaml:"commit_sha"`
}

// PathRemap redirects an external include prefix into a workspace repo.
// Includes emitted under FromPrefix are rewritten to the workspace path
// ToPrefix (relative to the workspace root) before key resolution.
type PathRemap struct {
	FromPrefix string `yaml:"from_prefix"`
	ToRepoID   string `yaml:"to_repo_id"`
	ToPrefix   string `yaml:"to_prefix"`
}

// LoadManifest reads and validates the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cxxerr.Wrap(cxxerr.ManifestError, "failed to read workspace manifest "+path, err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	var mf Manifest
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, cxxerr.Wrap(cxxerr.ManifestError, "failed to parse workspace manifest", err)
	}
	if err := mf.Validate(); err != nil {
		return nil, err
	}
	return &mf, nil
}

// Validate checks structural rules and normalises defaults in place:
// default_branch falls back to "main" and commit SHAs are lowercased.
func (m *Manifest) Validate() error {
	if strings.TrimSpace(m.WorkspaceID) == "" {
		return cxxerr.New(cxxerr.ManifestError, "manifest has no workspace_id")
	}

	seen := make(map[string]bool, len(m.Repos))
	for i := range m.Repos {
		repo := &m.Repos[i]
		if err := repo.validate(); err != nil {
			return err
		}
		if seen[repo.RepoID] {
			return cxxerr.Newf(cxxerr.ManifestError, "duplicate repo_id in manifest: %s", repo.RepoID)
		}
		seen[repo.RepoID] = true
	}

	for _, repo := range m.Repos {
		for _, dep := range repo.DependsOn {
			if !seen[dep] {
				return cxxerr.Newf(cxxerr.ManifestError, "repo %s depends on unknown repo %s", repo.RepoID, dep)
			}
		}
	}
	if err := m.checkCycles(); err != nil {
		return err
	}

	for _, remap := range m.PathRemaps {
		if strings.TrimSpace(remap.FromPrefix) == "" {
			return cxxerr.New(cxxerr.ManifestError, "path_remap has empty from_prefix")
		}
		if !seen[remap.ToRepoID] {
			return cxxerr.Newf(cxxerr.ManifestError, "path_remap %s targets unknown repo %s", remap.FromPrefix, remap.ToRepoID)
		}
	}
	return nil
}

func (r *RepoConfig) validate() error {
	if strings.TrimSpace(r.RepoID) == "" {
		return cxxerr.New(cxxerr.ManifestError, "manifest contains a repo with empty repo_id")
	}
	if strings.ContainsAny(r.RepoID, ":/\\ \t") {
		return cxxerr.Newf(cxxerr.ManifestError, "repo_id %q contains characters reserved by the file-key format", r.RepoID)
	}
	if strings.TrimSpace(r.Root) == "" {
		return cxxerr.Newf(cxxerr.ManifestError, "repo %s has no root", r.RepoID)
	}
	if r.DefaultBranch == "" {
		r.DefaultBranch = "main"
	}

	if r.RemoteURL != "" {
		if !strings.HasPrefix(strings.ToLower(r.RemoteURL), "https://") {
			return cxxerr.Newf(cxxerr.ManifestError, "repo %s: remote_url must be HTTPS", r.RepoID)
		}
		if r.TokenEnvVar == "" {
			return cxxerr.Newf(cxxerr.ManifestError, "repo %s: token_env_var is required when remote_url is set", r.RepoID)
		}
		if r.CommitSHA == "" {
			return cxxerr.Newf(cxxerr.ManifestError, "repo %s: commit_sha is required when remote_url is set", r.RepoID)
		}
		sha := strings.TrimSpace(r.CommitSHA)
		if !isHexSHA(sha) {
			return cxxerr.Newf(cxxerr.ManifestError, "repo %s: commit_sha must be a 40-character hex SHA", r.RepoID)
		}
		r.CommitSHA = strings.ToLower(sha)
	}
	return nil
}

func isHexSHA(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// checkCycles rejects dependency cycles with a depth-first walk.
func (m *Manifest) checkCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(m.Repos))
	deps := make(map[string][]string, len(m.Repos))
	for _, r := range m.Repos {
		deps[r.RepoID] = r.DependsOn
	}

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return cxxerr.Newf(cxxerr.ManifestError, "repo dependency cycle through %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for _, r := range m.Repos {
		if err := visit(r.RepoID); err != nil {
			return err
		}
	}
	return nil
}

// RepoMap indexes repos by id.
func (m *Manifest) RepoMap() map[string]*RepoConfig {
	out := make(map[string]*RepoConfig, len(m.Repos))
	for i := range m.Repos {
		out[m.Repos[i].RepoID] = &m.Repos[i]
	}
	return out
}

// Repo returns the repo with the given id, or nil.
func (m *Manifest) Repo(repoID string) *RepoConfig {
	for i := range m.Repos {
		if m.Repos[i].RepoID == repoID {
			return &m.Repos[i]
		}
	}
	return nil
}

// RepoByProjectPath returns the repo declaring the given forge project
// path, or nil. Matching is case-insensitive because forges are.
func (m *Manifest) RepoByProjectPath(projectPath string) *RepoConfig {
	for i := range m.Repos {
		if m.Repos[i].ProjectPath != "" && strings.EqualFold(m.Repos[i].ProjectPath, projectPath) {
			return &m.Repos[i]
		}
	}
	return nil
}
