package storage

import (
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cxxkb/internal/facts"
	"cxxkb/internal/logging"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	logger := logging.NewLogger(logging.Config{
		Format: logging.JSONFormat,
		Level:  logging.ErrorLevel,
		Output: io.Discard,
	})

	db, err := Open(filepath.Join(t.TempDir(), "cxxkb.db"), logger)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Failed to close database: %v", err)
		}
	})
	return db
}

func seedWorkspace(t *testing.T, db *DB, workspaceID string) {
	t.Helper()
	ws := &Workspace{
		WorkspaceID:  workspaceID,
		RootPath:     "/src/" + workspaceID,
		ManifestPath: "/src/" + workspaceID + "/workspace.yaml",
	}
	if err := NewWorkspaceRepository(db).Upsert(ws); err != nil {
		t.Fatalf("Failed to seed workspace: %v", err)
	}
}

func seedBaseline(t *testing.T, db *DB, workspaceID string) string {
	t.Helper()
	seedWorkspace(t, db, workspaceID)
	ctx, err := NewContextRepository(db).EnsureBaseline(workspaceID)
	if err != nil {
		t.Fatalf("Failed to seed baseline context: %v", err)
	}
	return ctx.ContextID
}

func seedPR(t *testing.T, db *DB, workspaceID, contextID string) string {
	t.Helper()
	base := BaselineContextID(workspaceID)
	_, err := NewContextRepository(db).CreatePR(workspaceID, contextID, base, 72*time.Hour)
	if err != nil {
		t.Fatalf("Failed to seed pr context: %v", err)
	}
	return contextID
}

// writeSourceFile drops real file content on disk so recall refresh has
// something to read.
func writeSourceFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write source file: %v", err)
	}
	return path
}

func samplePayload(contextID, fileKey, absPath string) *facts.ParsePayload {
	return &facts.ParsePayload{
		ContextID: contextID,
		FileKey:   fileKey,
		RepoID:    "core",
		RelPath:   "src/socket.cpp",
		AbsPath:   absPath,
		Output: facts.ExtractorOutput{
			File: absPath,
			Symbols: []facts.ExtractedSymbol{
				{Name: "Socket", QualifiedName: "net::Socket", Kind: string(facts.KindClassDecl), Line: 10, Col: 7, ExtentEndLine: 80},
				{Name: "connect", QualifiedName: "net::Socket::connect", Kind: string(facts.KindCXXMethod), Line: 42, Col: 6, ExtentEndLine: 58},
			},
			References: []facts.ExtractedReference{
				{Symbol: "net::resolve_host", Line: 45, Col: 12, Kind: string(facts.RefCall)},
			},
			CallEdges: []facts.ExtractedCallEdge{
				{Caller: "net::Socket::connect", Callee: "net::resolve_host", Line: 45},
			},
			Success: true,
		},
		ResolvedIncludeDeps: []facts.ResolvedIncludeDep{
			{RawPath: "socket.h", ResolvedFileKey: "core:include/socket.h", ResolvedAbsPath: "/src/ws1/core/include/socket.h", Resolved: true, Depth: 1},
		},
		ContentHash:   "c1",
		FlagsHash:     "f1",
		IncludesHash:  "i1",
		CompositeHash: "h1",
	}
}

func countRows(t *testing.T, db *DB, table, contextID string) int {
	t.Helper()
	var n int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM "+table+" WHERE context_id = ?", contextID,
	).Scan(&n)
	if err != nil {
		t.Fatalf("Failed to count %s rows: %v", table, err)
	}
	return n
}

func TestDatabaseInitialization(t *testing.T) {
	db := setupTestDB(t)

	if _, err := os.Stat(db.Path()); err != nil {
		t.Fatalf("Database file was not created: %v", err)
	}

	version, err := db.getSchemaVersion()
	if err != nil {
		t.Fatalf("Failed to get schema version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("Expected schema version %d, got %d", currentSchemaVersion, version)
	}
}

func TestReopenExistingDatabase(t *testing.T) {
	logger := logging.NewLogger(logging.Config{
		Format: logging.JSONFormat,
		Level:  logging.ErrorLevel,
		Output: io.Discard,
	})
	path := filepath.Join(t.TempDir(), "cxxkb.db")

	db, err := Open(path, logger)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	seedWorkspace(t, db, "ws1")
	if err := db.Close(); err != nil {
		t.Fatalf("Failed to close database: %v", err)
	}

	db2, err := Open(path, logger)
	if err != nil {
		t.Fatalf("Failed to reopen database: %v", err)
	}
	defer db2.Close()

	ws, err := NewWorkspaceRepository(db2).Get("ws1")
	if err != nil {
		t.Fatalf("Failed to read workspace after reopen: %v", err)
	}
	if ws == nil {
		t.Fatal("Workspace lost across reopen")
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := setupTestDB(t)
	seedWorkspace(t, db, "ws1")

	sentinel := errors.New("boom")
	err := db.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"UPDATE workspaces SET root_path = ? WHERE workspace_id = ?",
			"/elsewhere", "ws1",
		); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("Expected sentinel error, got %v", err)
	}

	ws, err := NewWorkspaceRepository(db).Get("ws1")
	if err != nil {
		t.Fatalf("Failed to read workspace: %v", err)
	}
	if ws.RootPath != "/src/ws1" {
		t.Errorf("Transaction leaked: root_path = %q", ws.RootPath)
	}
}

func TestIsBusy(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("database table is locked"), true},
		{errors.New("no such table: nope"), false},
	}
	for _, tc := range cases {
		if got := IsBusy(tc.err); got != tc.want {
			t.Errorf("IsBusy(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
