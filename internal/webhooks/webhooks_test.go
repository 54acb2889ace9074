package webhooks

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
	"cxxkb/internal/syncjobs"
	"cxxkb/internal/workspace"
	"cxxkb/internal/writer"
)

func TestParsePushEvent(t *testing.T) {
	body := []byte(`{
		"object_kind": "push",
		"ref": "refs/heads/main",
		"checkout_sha": "0123456789abcdef0123456789abcdef01234567",
		"project": {"path_with_namespace": "platform/core"}
	}`)

	intent, err := parseEvent(EventPush, body)
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, "platform/core", intent.ProjectPath)
	assert.Equal(t, "main", intent.Ref)
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", intent.SHA)
	assert.Equal(t, "push", intent.EventType)
}

func TestParsePushFallsBackToAfter(t *testing.T) {
	body := []byte(`{
		"object_kind": "push",
		"ref": "refs/heads/feature/x",
		"after": "aaaa456789abcdef0123456789abcdef01234567",
		"project": {"path_with_namespace": "platform/core"}
	}`)

	intent, err := parseEvent(EventPush, body)
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, "feature/x", intent.Ref)
	assert.Equal(t, "aaaa456789abcdef0123456789abcdef01234567", intent.SHA)
}

func TestParsePushBranchDeletionIgnored(t *testing.T) {
	body := []byte(`{
		"object_kind": "push",
		"ref": "refs/heads/gone",
		"after": "0000000000000000000000000000000000000000",
		"project": {"path_with_namespace": "platform/core"}
	}`)

	intent, err := parseEvent(EventPush, body)
	require.NoError(t, err)
	assert.Nil(t, intent)
}

func TestParseMergeRequestEvent(t *testing.T) {
	body := []byte(`{
		"object_kind": "merge_request",
		"object_attributes": {
			"action": "open",
			"source_branch": "feature/y",
			"last_commit": {"id": "bbbb456789abcdef0123456789abcdef01234567"}
		},
		"project": {"path_with_namespace": "platform/core"}
	}`)

	intent, err := parseEvent(EventMergeRequest, body)
	require.NoError(t, err)
	require.NotNil(t, intent)
	assert.Equal(t, "feature/y", intent.Ref)
	assert.Equal(t, "merge_request", intent.EventType)
}

func TestParseMergeRequestCloseIgnored(t *testing.T) {
	body := []byte(`{
		"object_kind": "merge_request",
		"object_attributes": {
			"action": "close",
			"source_branch": "feature/y",
			"last_commit": {"id": "bbbb456789abcdef0123456789abcdef01234567"}
		},
		"project": {"path_with_namespace": "platform/core"}
	}`)

	intent, err := parseEvent(EventMergeRequest, body)
	require.NoError(t, err)
	assert.Nil(t, intent)
}

func TestParseRejectsMalformedAndUnknown(t *testing.T) {
	_, err := parseEvent(EventPush, []byte(`{not json`))
	assert.True(t, cxxerr.IsKind(err, cxxerr.ValidationError))

	_, err = parseEvent(EventPush, []byte(`{"object_kind": "tag_push"}`))
	assert.True(t, cxxerr.IsKind(err, cxxerr.ValidationError))

	_, err = parseEvent("Pipeline Hook", []byte(`{}`))
	assert.True(t, cxxerr.IsKind(err, cxxerr.ValidationError))
}

func TestVerifyToken(t *testing.T) {
	logger := logging.NewLogger(logging.Config{Level: "error", Format: "json"})
	svc := &Service{logger: logger.Named("webhooks"), secretEnv: "CXXKB_WEBHOOK_TEST_SECRET"}

	// Unset secret disables ingestion entirely.
	err := svc.VerifyToken("anything")
	assert.True(t, cxxerr.IsKind(err, cxxerr.SyncAuthFailed))

	t.Setenv("CXXKB_WEBHOOK_TEST_SECRET", "s3cret")
	assert.NoError(t, svc.VerifyToken("s3cret"))
	err = svc.VerifyToken("wrong")
	assert.True(t, cxxerr.IsKind(err, cxxerr.SyncAuthFailed))
}

func setupService(t *testing.T) *Service {
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
    project_path: platform/core
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

	jobs := syncjobs.New(logger, db, wr, wsMgr,
		gitsync.New(logger, time.Second), compiledb.NewCache(logger), metrics.New(), syncjobs.Options{})
	return New(logger, db, wsMgr, jobs, metrics.New(), "CXXKB_WEBHOOK_TEST_SECRET")
}

func TestHandleGitLabRoutesToMatchingRepo(t *testing.T) {
	svc := setupService(t)

	body := []byte(`{
		"object_kind": "push",
		"ref": "refs/heads/main",
		"checkout_sha": "0123456789abcdef0123456789abcdef01234567",
		"project": {"path_with_namespace": "platform/core"}
	}`)

	receipt, err := svc.HandleGitLab(context.Background(), EventPush, body)
	require.NoError(t, err)
	assert.True(t, receipt.Accepted)
	assert.False(t, receipt.Ignored)
	require.Len(t, receipt.JobIDs, 1)

	job, err := svc.jobs.Get(receipt.JobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "core", job.RepoID)
	assert.Equal(t, "main", job.Ref)
	assert.Equal(t, "push", job.EventType)
}

func TestHandleGitLabDeduplicatesDeliveries(t *testing.T) {
	svc := setupService(t)

	body := []byte(`{
		"object_kind": "push",
		"ref": "refs/heads/main",
		"checkout_sha": "0123456789abcdef0123456789abcdef01234567",
		"project": {"path_with_namespace": "platform/core"}
	}`)

	first, err := svc.HandleGitLab(context.Background(), EventPush, body)
	require.NoError(t, err)
	second, err := svc.HandleGitLab(context.Background(), EventPush, body)
	require.NoError(t, err)
	assert.Equal(t, first.JobIDs, second.JobIDs)
}

func TestHandleGitLabUnknownProjectIsAccepted(t *testing.T) {
	svc := setupService(t)

	body := []byte(`{
		"object_kind": "push",
		"ref": "refs/heads/main",
		"checkout_sha": "0123456789abcdef0123456789abcdef01234567",
		"project": {"path_with_namespace": "someone/else"}
	}`)

	receipt, err := svc.HandleGitLab(context.Background(), EventPush, body)
	require.NoError(t, err)
	assert.True(t, receipt.Accepted)
	assert.True(t, receipt.Ignored)
	assert.Empty(t, receipt.JobIDs)
}
