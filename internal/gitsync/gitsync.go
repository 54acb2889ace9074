// Package gitsync checks a workspace repo out at an exact commit. One
// sync runs at a time per (workspace, repo); the access token is read
// from the environment and handed to git as an HTTP extra header, never
// written to logs or argv-visible state beyond the single git call.
package gitsync

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cxxkb/internal/cxxerr"
	"cxxkb/internal/logging"
	"cxxkb/internal/workspace"
)

// Step codes attached to sync errors so job rows record where the
// checkout failed.
const (
	CodeCloneFailed       = "clone_failed"
	CodeResetFailed       = "reset_failed"
	CodeCleanFailed       = "clean_failed"
	CodeStatusFailed      = "status_failed"
	CodeDirtyWorktree     = "dirty_worktree"
	CodeGitTimeout        = "git_timeout"
	CodeFetchBranchFailed = "fetch_branch_failed"
	CodeCommitNotFound    = "commit_not_found"
	CodeCheckoutFailed    = "checkout_failed"
	CodeResolveHeadFailed = "resolve_head_failed"
	CodeNotConfigured     = "sync_not_configured"
	CodeMissingTokenEnv   = "missing_token_env"
	CodeRepoNotInManifest = "repo_not_in_manifest"
	CodeUnhandled         = "sync_unhandled"
)

// WarnSHABranchMismatch flags a commit that is not an ancestor of the
// requested branch; the checkout proceeds anyway.
const WarnSHABranchMismatch = "sha_branch_mismatch"

// Service runs git subprocesses with per-repo serialisation.
type Service struct {
	logger  *logging.Logger
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds the sync service. timeout bounds each git invocation.
func New(logger *logging.Logger, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Service{
		logger:  logger.Named("gitsync"),
		timeout: timeout,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Request names one checkout.
type Request struct {
	Workspace *workspace.Workspace
	RepoID    string
	// Ref is the branch the commit is expected to live on.
	Ref string
	// SHA is the exact commit to check out; empty means the branch tip.
	SHA string
}

// Outcome reports the resolved head after a successful sync.
type Outcome struct {
	HeadSHA  string
	Warnings []string
}

// Sync brings the repo checkout to the requested commit. The flow is
// clone-if-absent, refuse dirty worktree, fetch branch, fetch and verify
// the commit, ancestry check, detached checkout, resolve HEAD.
func (s *Service) Sync(ctx context.Context, req Request) (*Outcome, error) {
	repo := req.Workspace.Repo(req.RepoID)
	if repo == nil {
		return nil, syncErr(cxxerr.ValidationError, CodeRepoNotInManifest,
			"repo "+req.RepoID+" is not in the manifest")
	}
	if repo.RemoteURL == "" {
		return nil, syncErr(cxxerr.ValidationError, CodeNotConfigured,
			"repo "+req.RepoID+" has no remote_url")
	}
	if repo.TokenEnvVar == "" {
		return nil, syncErr(cxxerr.SyncAuthFailed, CodeMissingTokenEnv,
			"repo "+req.RepoID+" has no token_env_var")
	}
	token := os.Getenv(repo.TokenEnvVar)
	if token == "" {
		return nil, syncErr(cxxerr.SyncAuthFailed, CodeMissingTokenEnv,
			"environment variable "+repo.TokenEnvVar+" is empty")
	}

	unlock := s.lock(req.Workspace.ID, req.RepoID)
	defer unlock()

	root, err := req.Workspace.RepoRoot(req.RepoID)
	if err != nil {
		return nil, err
	}

	g := &gitRunner{service: s, root: root, token: token}

	if _, err := os.Stat(filepath.Join(root, ".git")); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(root), 0755); err != nil {
			return nil, syncErr(cxxerr.SyncCheckoutFailed, CodeCloneFailed, err.Error())
		}
		if _, err := g.runIn(ctx, filepath.Dir(root), "clone", "--no-checkout", repo.RemoteURL, root); err != nil {
			return nil, gitStepErr(err, cxxerr.SyncCheckoutFailed, CodeCloneFailed)
		}
		s.logger.Info("repo cloned", map[string]interface{}{
			"workspace_id": req.Workspace.ID,
			"repo_id":      req.RepoID,
		})
	} else {
		status, err := g.run(ctx, "status", "--porcelain")
		if err != nil {
			return nil, gitStepErr(err, cxxerr.SyncCheckoutFailed, CodeStatusFailed)
		}
		if strings.TrimSpace(status) != "" {
			return nil, syncErr(cxxerr.SyncCheckoutFailed, CodeDirtyWorktree,
				"worktree has local modifications; refusing to sync")
		}
	}

	ref := req.Ref
	if ref == "" {
		ref = repo.DefaultBranch
	}
	if _, err := g.run(ctx, "fetch", "origin", ref); err != nil {
		return nil, gitStepErr(err, cxxerr.SyncCheckoutFailed, CodeFetchBranchFailed)
	}

	var warnings []string
	target := req.SHA
	if target == "" {
		target = "FETCH_HEAD"
	} else {
		if _, err := g.run(ctx, "cat-file", "-e", target+"^{commit}"); err != nil {
			// Not local yet; a direct SHA fetch is allowed on GitLab.
			if _, err := g.run(ctx, "fetch", "origin", target); err != nil {
				return nil, gitStepErr(err, cxxerr.SyncCheckoutFailed, CodeCommitNotFound)
			}
			if _, err := g.run(ctx, "cat-file", "-e", target+"^{commit}"); err != nil {
				return nil, gitStepErr(err, cxxerr.SyncCheckoutFailed, CodeCommitNotFound)
			}
		}
		if _, err := g.run(ctx, "merge-base", "--is-ancestor", target, "FETCH_HEAD"); err != nil {
			warnings = append(warnings, WarnSHABranchMismatch)
			s.logger.Warn("commit is not on the requested branch", map[string]interface{}{
				"repo_id": req.RepoID,
				"ref":     ref,
			})
		}
	}

	if _, err := g.run(ctx, "checkout", "--force", "--detach", target); err != nil {
		return nil, gitStepErr(err, cxxerr.SyncCheckoutFailed, CodeCheckoutFailed)
	}
	head, err := g.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return nil, gitStepErr(err, cxxerr.SyncCheckoutFailed, CodeResolveHeadFailed)
	}

	headSHA := strings.TrimSpace(head)
	s.logger.Info("repo synced", map[string]interface{}{
		"workspace_id": req.Workspace.ID,
		"repo_id":      req.RepoID,
		"ref":          ref,
		"head":         headSHA,
	})
	return &Outcome{HeadSHA: headSHA, Warnings: warnings}, nil
}

// lock serialises syncs per (workspace, repo).
func (s *Service) lock(workspaceID, repoID string) func() {
	key := workspaceID + "/" + repoID
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// gitRunner runs git with the auth header injected per invocation via
// -c http.extraHeader. The header value never reaches the logger.
type gitRunner struct {
	service *Service
	root    string
	token   string
}

func (g *gitRunner) run(ctx context.Context, args ...string) (string, error) {
	return g.runIn(ctx, g.root, args...)
}

func (g *gitRunner) runIn(ctx context.Context, dir string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, g.service.timeout)
	defer cancel()

	argv := append([]string{"-c", "http.extraHeader=PRIVATE-TOKEN: " + g.token}, args...)
	cmd := exec.CommandContext(runCtx, "git", argv...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return "", syncErr(cxxerr.SyncCheckoutFailed, CodeGitTimeout,
			"git "+args[0]+" exceeded "+g.service.timeout.String())
	}
	if err != nil {
		return "", cxxerr.Wrap(cxxerr.SyncCheckoutFailed,
			"git "+args[0]+" failed: "+firstLine(stderr.String()), err)
	}
	return stdout.String(), nil
}

// syncErr builds a typed error with the step code in details.
func syncErr(kind cxxerr.Kind, code, message string) *cxxerr.Error {
	return cxxerr.New(kind, message).WithDetails(map[string]string{"code": code})
}

// gitStepErr re-tags a git failure with the step that ran it, keeping
// the timeout code when the failure was a timeout.
func gitStepErr(err error, kind cxxerr.Kind, code string) error {
	if CodeOf(err) == CodeGitTimeout {
		return err
	}
	return cxxerr.Wrap(kind, stepMessage(code), err).WithDetails(map[string]string{"code": code})
}

func stepMessage(code string) string {
	return strings.ReplaceAll(code, "_", " ")
}

// CodeOf extracts the step code from a sync error, or sync_unhandled.
func CodeOf(err error) string {
	var e *cxxerr.Error
	if errors.As(err, &e) {
		if details, ok := e.Details.(map[string]string); ok {
			if code := details["code"]; code != "" {
				return code
			}
		}
	}
	return CodeUnhandled
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
