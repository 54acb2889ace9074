package contexts

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cxxkb/internal/logging"
	"cxxkb/internal/storage"
	"cxxkb/internal/writer"
)

type fixture struct {
	db      *storage.DB
	writer  *writer.Writer
	manager *Manager
}

func setup(t *testing.T, opts Options) *fixture {
	t.Helper()
	logger := logging.NewLogger(logging.Config{
		Format: logging.JSONFormat,
		Level:  logging.ErrorLevel,
		Output: io.Discard,
	})
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

	return &fixture{db: db, writer: wr, manager: NewManager(logger, db, wr, opts)}
}

func (f *fixture) seedWorkspace(t *testing.T, workspaceID string) string {
	t.Helper()
	require.NoError(t, storage.NewWorkspaceRepository(f.db).Upsert(&storage.Workspace{
		WorkspaceID:  workspaceID,
		RootPath:     "/src/" + workspaceID,
		ManifestPath: "/src/" + workspaceID + "/workspace.yaml",
	}))
	row, err := storage.NewContextRepository(f.db).EnsureBaseline(workspaceID)
	require.NoError(t, err)
	return row.ContextID
}

func TestResolveBaseline(t *testing.T) {
	f := setup(t, Options{})
	baseID := f.seedWorkspace(t, "ws1")

	res, err := f.manager.Resolve(context.Background(), "ws1", Selector{})
	require.NoError(t, err)
	assert.Equal(t, []string{baseID}, res.Chain)
	assert.Empty(t, res.Excluded)
	assert.Equal(t, "full", res.OverlayMode())
}

func TestResolveUnknownWorkspace(t *testing.T) {
	f := setup(t, Options{})
	_, err := f.manager.Resolve(context.Background(), "nope", Selector{})
	assert.Error(t, err)
}

func TestCreatePROverlayAndResolve(t *testing.T) {
	f := setup(t, Options{})
	baseID := f.seedWorkspace(t, "ws1")

	created, err := f.manager.CreatePROverlay(context.Background(), "ws1", "42", []FileChange{
		{FileKey: "a:src/new.cpp", State: StateAdded},
		{FileKey: "a:src/changed.cpp", State: StateModified},
		{FileKey: "a:src/gone.cpp", State: StateDeleted},
		{FileKey: "a:src/renamed.cpp", State: StateRenamed, ReplacedFromFileKey: "a:src/old.cpp"},
		{FileKey: "a:src/same.cpp", State: StateUnchanged},
	})
	require.NoError(t, err)
	assert.Equal(t, "ws1:pr:42", created.ContextID)
	assert.Equal(t, "sparse", created.OverlayMode)
	assert.Equal(t, 3, created.OverlayFileCount) // added + modified + renamed

	res, err := f.manager.Resolve(context.Background(), "ws1", Selector{Mode: "pr", ContextID: created.ContextID})
	require.NoError(t, err)
	assert.Equal(t, []string{created.ContextID, baseID}, res.Chain)

	// Overlay-owned, deleted, renamed, and rename-source keys are all
	// suppressed from the baseline leg.
	for _, fk := range []string{"a:src/new.cpp", "a:src/changed.cpp", "a:src/gone.cpp", "a:src/renamed.cpp", "a:src/old.cpp"} {
		assert.True(t, res.Excluded[fk], "expected %s excluded", fk)
	}
	assert.False(t, res.Excluded["a:src/same.cpp"])
	assert.Equal(t, StateDeleted, res.FileStates["a:src/gone.cpp"].State)
}

func TestRenameWithoutSourceDegradesToAdded(t *testing.T) {
	f := setup(t, Options{})
	f.seedWorkspace(t, "ws1")

	created, err := f.manager.CreatePROverlay(context.Background(), "ws1", "7", []FileChange{
		{FileKey: "a:src/moved.cpp", State: StateRenamed},
	})
	require.NoError(t, err)

	res, err := f.manager.Resolve(context.Background(), "ws1", Selector{Mode: "pr", ContextID: created.ContextID})
	require.NoError(t, err)
	assert.Equal(t, StateAdded, res.FileStates["a:src/moved.cpp"].State)
}

func TestCreatePROverlayRejectsBadState(t *testing.T) {
	f := setup(t, Options{})
	f.seedWorkspace(t, "ws1")

	_, err := f.manager.CreatePROverlay(context.Background(), "ws1", "9", []FileChange{
		{FileKey: "a:x.cpp", State: "truncated"},
	})
	assert.Error(t, err)
}

func TestOverlayFileCapForcesPartialMode(t *testing.T) {
	f := setup(t, Options{MaxOverlayFiles: 3})
	f.seedWorkspace(t, "ws1")

	files := make([]FileChange, 5)
	for i := range files {
		files[i] = FileChange{FileKey: "a:src/f" + string(rune('a'+i)) + ".cpp", State: StateModified}
	}
	created, err := f.manager.CreatePROverlay(context.Background(), "ws1", "big", files)
	require.NoError(t, err)
	assert.Equal(t, "partial_overlay", created.OverlayMode)

	res, err := f.manager.Resolve(context.Background(), "ws1", Selector{Mode: "pr", ContextID: created.ContextID})
	require.NoError(t, err)
	assert.True(t, res.Partial())
	// States above the cap are still recorded for suppression.
	assert.Len(t, res.FileStates, 5)
}

func TestRecordPersistedRowsFlipsModeOnRowCap(t *testing.T) {
	f := setup(t, Options{MaxOverlayRows: 100})
	f.seedWorkspace(t, "ws1")

	created, err := f.manager.CreatePROverlay(context.Background(), "ws1", "rows", []FileChange{
		{FileKey: "a:src/x.cpp", State: StateModified},
	})
	require.NoError(t, err)
	assert.Equal(t, "sparse", created.OverlayMode)

	mode, err := f.manager.RecordPersistedRows(context.Background(), created.ContextID, 0, 150)
	require.NoError(t, err)
	assert.Equal(t, "partial_overlay", mode)
}

func TestExpireContext(t *testing.T) {
	f := setup(t, Options{})
	f.seedWorkspace(t, "ws1")

	created, err := f.manager.CreatePROverlay(context.Background(), "ws1", "old", []FileChange{
		{FileKey: "a:src/x.cpp", State: StateModified},
	})
	require.NoError(t, err)

	require.NoError(t, f.manager.Expire(context.Background(), created.ContextID))

	_, err = f.manager.Resolve(context.Background(), "ws1", Selector{Mode: "pr", ContextID: created.ContextID})
	assert.Error(t, err)
}

func TestExpireBaselineRefused(t *testing.T) {
	f := setup(t, Options{})
	baseID := f.seedWorkspace(t, "ws1")
	assert.Error(t, f.manager.Expire(context.Background(), baseID))
}

func TestGCReclaimsExpiredOverlays(t *testing.T) {
	f := setup(t, Options{TTL: time.Hour})
	f.seedWorkspace(t, "ws1")

	created, err := f.manager.CreatePROverlay(context.Background(), "ws1", "stale", []FileChange{
		{FileKey: "a:src/x.cpp", State: StateModified},
	})
	require.NoError(t, err)

	// Backdate expires_at so the GC pass sees it as lapsed.
	_, err = f.db.Exec(
		`UPDATE analysis_contexts SET expires_at = ? WHERE context_id = ?`,
		time.Now().Add(-time.Minute).UTC().Format(time.RFC3339), created.ContextID)
	require.NoError(t, err)

	f.manager.gcOnce(context.Background())

	row, err := storage.NewContextRepository(f.db).Get(created.ContextID)
	require.NoError(t, err)
	assert.Equal(t, "expired", row.Status)
}
