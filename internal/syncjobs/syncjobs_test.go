package syncjobs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cxxkb/internal/compiledb"
	"cxxkb/internal/cxxerr"
	"cxxkb/internal/gitsync"
	"cxxkb/internal/logging"
	"cxxkb/internal/metrics"
	"cxxkb/internal/storage"
	"cxxkb/internal/workspace"
	"cxxkb/internal/writer"
)

type fixture struct {
	db      *storage.DB
	writer  *writer.Writer
	manager *Manager
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger := logging.NewLogger(logging.Config{Level: "error", Format: "json"})

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "core"), 0755))
	manifest := `workspace_id: ws1
repos:
  - repo_id: core
    root: core
    default_branch: main
    remote_url: https://gitlab.example.com/platform/core.git
    token_env_var: CXXKB_SYNC_TEST_TOKEN
    commit_sha: 0123456789abcdef0123456789abcdef01234567
  - repo_id: local
    root: local
    default_branch: main
`
	require.NoError(t, os.WriteFile(filepath.Join(root, "workspace.yaml"), []byte(manifest), 0644))

	db, err := storage.Open(filepath.Join(t.TempDir(), "cxxkb.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	wr := writer.New(logger, writer.Options{})
	wr.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		wr.Close(ctx)
	})

	wsMgr, err := workspace.NewManager(logger, db, wr)
	require.NoError(t, err)
	_, err = wsMgr.Register(context.Background(), "ws1", root, "")
	require.NoError(t, err)

	manager := New(logger, db, wr, wsMgr,
		gitsync.New(logger, time.Second), compiledb.NewCache(logger), metrics.New(), opts)
	return &fixture{db: db, writer: wr, manager: manager}
}

func TestSubmitIsIdempotent(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	req := SubmitRequest{
		WorkspaceID: "ws1", RepoID: "core", Ref: "main",
		SHA: "0123456789abcdef0123456789abcdef01234567", EventType: "push",
	}

	job1, created, err := f.manager.Submit(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)

	job2, created, err := f.manager.Submit(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job1.ID, job2.ID)
}

func TestSubmitValidation(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	_, _, err := f.manager.Submit(ctx, SubmitRequest{WorkspaceID: "ws1", RepoID: "nope"})
	assert.True(t, cxxerr.IsKind(err, cxxerr.NotFound))

	_, _, err = f.manager.Submit(ctx, SubmitRequest{WorkspaceID: "ws1", RepoID: "local"})
	assert.True(t, cxxerr.IsKind(err, cxxerr.ValidationError))
}

func TestSubmitAllSkipsLocalRepos(t *testing.T) {
	f := setup(t, Options{})

	jobs, err := f.manager.SubmitAll(context.Background(), "ws1", "main")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "core", jobs[0].RepoID)
}

func TestFailedJobRetriesThenDeadLetters(t *testing.T) {
	// The token env var is unset, so every attempt fails with
	// missing_token_env until the job dead-letters.
	f := setup(t, Options{MaxAttempts: 3})
	ctx := context.Background()

	job, _, err := f.manager.Submit(ctx, SubmitRequest{
		WorkspaceID: "ws1", RepoID: "core", Ref: "main",
		SHA: "0123456789abcdef0123456789abcdef01234567",
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		leased, err := f.manager.lease(ctx)
		require.NoError(t, err)
		require.NotNil(t, leased, "attempt %d should lease", i+1)
		f.manager.handle(ctx, leased)
		// Clear the retry-backoff lease so the next attempt is runnable.
		_, err = f.db.Exec(`UPDATE repo_sync_jobs SET lease_until = '' WHERE id = ?`, leased.ID)
		require.NoError(t, err)
	}

	final, err := f.manager.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.JobDeadLetter, final.Status)
	assert.Contains(t, final.LastError, gitsync.CodeMissingTokenEnv)

	leased, err := f.manager.lease(ctx)
	require.NoError(t, err)
	assert.Nil(t, leased, "dead-lettered job must not lease")
}

func TestSyncStatusAfterFailure(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	_, _, err := f.manager.Submit(ctx, SubmitRequest{
		WorkspaceID: "ws1", RepoID: "core", Ref: "main",
		SHA: "0123456789abcdef0123456789abcdef01234567",
	})
	require.NoError(t, err)

	leased, err := f.manager.lease(ctx)
	require.NoError(t, err)
	require.NotNil(t, leased)
	f.manager.handle(ctx, leased)

	state, err := f.manager.SyncStatus("ws1", "core")
	require.NoError(t, err)
	assert.Equal(t, storage.JobFailed, state.LastStatus)
	assert.Contains(t, state.LastError, gitsync.CodeMissingTokenEnv)
}

func TestSyncStatusUnknownRepo(t *testing.T) {
	f := setup(t, Options{})
	_, err := f.manager.SyncStatus("ws1", "never-synced")
	assert.True(t, cxxerr.IsKind(err, cxxerr.NotFound))
}
