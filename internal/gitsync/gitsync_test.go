package gitsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cxxkb/internal/cxxerr"
	"cxxkb/internal/logging"
	"cxxkb/internal/workspace"
)

func testLogger() *logging.Logger {
	return logging.NewLogger(logging.Config{Level: "error", Format: "json"})
}

func testWorkspace(t *testing.T, repos ...workspace.RepoConfig) *workspace.Workspace {
	t.Helper()
	return workspace.New("ws1", t.TempDir(), "", &workspace.Manifest{
		WorkspaceID: "ws1",
		Repos:       repos,
	})
}

func TestSyncUnknownRepo(t *testing.T) {
	svc := New(testLogger(), time.Second)
	ws := testWorkspace(t)

	_, err := svc.Sync(context.Background(), Request{Workspace: ws, RepoID: "nope"})
	require.Error(t, err)
	assert.Equal(t, CodeRepoNotInManifest, CodeOf(err))
}

func TestSyncNotConfigured(t *testing.T) {
	svc := New(testLogger(), time.Second)
	ws := testWorkspace(t, workspace.RepoConfig{RepoID: "core", Root: "core"})

	_, err := svc.Sync(context.Background(), Request{Workspace: ws, RepoID: "core"})
	require.Error(t, err)
	assert.Equal(t, CodeNotConfigured, CodeOf(err))
}

func TestSyncMissingTokenEnv(t *testing.T) {
	svc := New(testLogger(), time.Second)

	ws := testWorkspace(t, workspace.RepoConfig{
		RepoID: "core", Root: "core",
		RemoteURL: "https://gitlab.example.com/platform/core.git",
	})
	_, err := svc.Sync(context.Background(), Request{Workspace: ws, RepoID: "core"})
	require.Error(t, err)
	assert.True(t, cxxerr.IsKind(err, cxxerr.SyncAuthFailed))
	assert.Equal(t, CodeMissingTokenEnv, CodeOf(err))

	ws = testWorkspace(t, workspace.RepoConfig{
		RepoID: "core", Root: "core",
		RemoteURL:   "https://gitlab.example.com/platform/core.git",
		TokenEnvVar: "CXXKB_TEST_TOKEN_UNSET",
	})
	_, err = svc.Sync(context.Background(), Request{Workspace: ws, RepoID: "core"})
	require.Error(t, err)
	assert.Equal(t, CodeMissingTokenEnv, CodeOf(err))
}

func TestTokenNeverInErrors(t *testing.T) {
	t.Setenv("CXXKB_TEST_TOKEN", "glpat-supersecret")
	svc := New(testLogger(), 200*time.Millisecond)
	ws := testWorkspace(t, workspace.RepoConfig{
		RepoID: "core", Root: "core",
		RemoteURL:   "https://127.0.0.1:1/unreachable.git",
		TokenEnvVar: "CXXKB_TEST_TOKEN",
	})

	_, err := svc.Sync(context.Background(), Request{Workspace: ws, RepoID: "core", Ref: "main"})
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "glpat-supersecret")
}

func TestCodeOfUnhandled(t *testing.T) {
	assert.Equal(t, CodeUnhandled, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeUnhandled, CodeOf(cxxerr.New(cxxerr.Internal, "no code")))
}

func TestLockSerialisesPerRepo(t *testing.T) {
	svc := New(testLogger(), time.Second)

	unlock := svc.lock("ws1", "core")
	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		u := svc.lock("ws1", "core")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	wg.Wait()
	<-acquired

	// A different repo locks independently.
	u2 := svc.lock("ws1", "other")
	u2()
}
