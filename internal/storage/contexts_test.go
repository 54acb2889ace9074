package storage

import (
	"testing"
	"time"
)

func TestEnsureBaselineIsIdempotent(t *testing.T) {
	db := setupTestDB(t)
	seedWorkspace(t, db, "ws1")
	repo := NewContextRepository(db)

	first, err := repo.EnsureBaseline("ws1")
	if err != nil {
		t.Fatalf("Failed to ensure baseline: %v", err)
	}
	if first.ContextID != "ws1:baseline" {
		t.Errorf("Expected context id ws1:baseline, got %s", first.ContextID)
	}
	if first.Mode != "baseline" || first.OverlayMode != "full" {
		t.Errorf("Unexpected baseline shape: mode=%s overlay=%s", first.Mode, first.OverlayMode)
	}

	second, err := repo.EnsureBaseline("ws1")
	if err != nil {
		t.Fatalf("Second ensure failed: %v", err)
	}
	if second.CreatedAt != first.CreatedAt {
		t.Errorf("Baseline was recreated: %s vs %s", second.CreatedAt, first.CreatedAt)
	}
}

func TestCreatePRAndTouch(t *testing.T) {
	db := setupTestDB(t)
	seedBaseline(t, db, "ws1")
	repo := NewContextRepository(db)

	ctx, err := repo.CreatePR("ws1", "ws1:pr:42", "ws1:baseline", time.Hour)
	if err != nil {
		t.Fatalf("Failed to create pr context: %v", err)
	}
	if ctx.Mode != "pr" || ctx.BaseContextID != "ws1:baseline" {
		t.Errorf("Unexpected pr shape: mode=%s base=%s", ctx.Mode, ctx.BaseContextID)
	}
	if ctx.ExpiresAt == "" {
		t.Error("PR context has no expiry")
	}

	// A longer TTL on touch must slide the expiry forward.
	if err := repo.Touch("ws1:pr:42", 48*time.Hour); err != nil {
		t.Fatalf("Failed to touch context: %v", err)
	}
	touched, err := repo.Get("ws1:pr:42")
	if err != nil {
		t.Fatalf("Failed to get context: %v", err)
	}
	if touched.ExpiresAt <= ctx.ExpiresAt {
		t.Errorf("Expiry did not slide: %s -> %s", ctx.ExpiresAt, touched.ExpiresAt)
	}

	// Baseline contexts never expire; touch must not stamp one.
	if err := repo.Touch("ws1:baseline", 48*time.Hour); err != nil {
		t.Fatalf("Failed to touch baseline: %v", err)
	}
	baseline, err := repo.Get("ws1:baseline")
	if err != nil {
		t.Fatalf("Failed to get baseline: %v", err)
	}
	if baseline.ExpiresAt != "" {
		t.Errorf("Baseline gained an expiry: %s", baseline.ExpiresAt)
	}
}

func TestGetMissingContext(t *testing.T) {
	db := setupTestDB(t)

	ctx, err := NewContextRepository(db).Get("nope")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ctx != nil {
		t.Errorf("Expected nil for missing context, got %+v", ctx)
	}
}

func TestFileStates(t *testing.T) {
	db := setupTestDB(t)
	seedBaseline(t, db, "ws1")
	seedPR(t, db, "ws1", "ws1:pr:7")
	repo := NewContextRepository(db)

	inline := "int patched() { return 1; }"
	states := []*ContextFileState{
		{ContextID: "ws1:pr:7", FileKey: "core:src/new.cpp", State: "added", Content: &inline, ContentHash: "abc"},
		{ContextID: "ws1:pr:7", FileKey: "core:src/old.cpp", State: "deleted"},
		{ContextID: "ws1:pr:7", FileKey: "core:src/moved.cpp", State: "renamed", ReplacedFromFileKey: "core:src/orig.cpp"},
	}
	for _, st := range states {
		if err := repo.UpsertFileState(st); err != nil {
			t.Fatalf("Failed to upsert file state: %v", err)
		}
	}

	got, err := repo.FileStates("ws1:pr:7")
	if err != nil {
		t.Fatalf("Failed to list file states: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 states, got %d", len(got))
	}
	// Ordered by file_key.
	if got[0].FileKey != "core:src/moved.cpp" || got[0].ReplacedFromFileKey != "core:src/orig.cpp" {
		t.Errorf("Unexpected first state: %+v", got[0])
	}

	added, err := repo.GetFileState("ws1:pr:7", "core:src/new.cpp")
	if err != nil {
		t.Fatalf("Failed to get file state: %v", err)
	}
	if added.Content == nil || *added.Content != inline {
		t.Error("Inline content lost on roundtrip")
	}

	deleted, err := repo.GetFileState("ws1:pr:7", "core:src/old.cpp")
	if err != nil {
		t.Fatalf("Failed to get deleted state: %v", err)
	}
	if deleted.Content != nil {
		t.Error("Deleted state should carry no content")
	}
}

func TestUpdateOverlayStats(t *testing.T) {
	db := setupTestDB(t)
	seedBaseline(t, db, "ws1")
	seedPR(t, db, "ws1", "ws1:pr:9")
	repo := NewContextRepository(db)

	mode, err := repo.UpdateOverlayStats("ws1:pr:9", 100, 5000, 5000, 2_000_000, false)
	if err != nil {
		t.Fatalf("Failed to update overlay stats: %v", err)
	}
	if mode != "sparse" {
		t.Errorf("Expected sparse under caps, got %s", mode)
	}

	mode, err = repo.UpdateOverlayStats("ws1:pr:9", 5001, 5000, 5000, 2_000_000, false)
	if err != nil {
		t.Fatalf("Failed to update overlay stats: %v", err)
	}
	if mode != "partial_overlay" {
		t.Errorf("Expected partial_overlay over file cap, got %s", mode)
	}

	ctx, err := repo.Get("ws1:pr:9")
	if err != nil {
		t.Fatalf("Failed to get context: %v", err)
	}
	if ctx.OverlayMode != "partial_overlay" || ctx.OverlayFileCount != 5001 {
		t.Errorf("Stats not persisted: %+v", ctx)
	}

	mode, err = repo.UpdateOverlayStats("ws1:pr:9", 10, 10, 5000, 2_000_000, true)
	if err != nil {
		t.Fatalf("Failed to force partial: %v", err)
	}
	if mode != "partial_overlay" {
		t.Errorf("Force flag ignored, got %s", mode)
	}
}

func TestExpireReclaimsRows(t *testing.T) {
	db := setupTestDB(t)
	seedBaseline(t, db, "ws1")
	seedPR(t, db, "ws1", "ws1:pr:3")
	ctxRepo := NewContextRepository(db)
	factRepo := NewFactRepository(db)

	src := writeSourceFile(t, "socket.cpp", "void connect_socket() {}")
	payload := samplePayload("ws1:pr:3", "core:src/socket.cpp", src)
	if err := factRepo.UpsertParsePayload(payload); err != nil {
		t.Fatalf("Failed to persist payload: %v", err)
	}
	if err := ctxRepo.UpsertFileState(&ContextFileState{
		ContextID: "ws1:pr:3", FileKey: "core:src/socket.cpp", State: "modified",
	}); err != nil {
		t.Fatalf("Failed to upsert state: %v", err)
	}

	if err := ctxRepo.Expire("ws1:pr:3"); err != nil {
		t.Fatalf("Failed to expire context: %v", err)
	}

	for _, table := range []string{"context_file_states", "tracked_files", "symbols", "references_", "call_edges", "include_deps", "recall_fts"} {
		if n := countRows(t, db, table, "ws1:pr:3"); n != 0 {
			t.Errorf("Expected 0 rows in %s after expire, got %d", table, n)
		}
	}

	// The context row survives as a tombstone.
	ctx, err := ctxRepo.Get("ws1:pr:3")
	if err != nil {
		t.Fatalf("Failed to get expired context: %v", err)
	}
	if ctx == nil || ctx.Status != "expired" {
		t.Errorf("Expected expired tombstone, got %+v", ctx)
	}
}

func TestListExpired(t *testing.T) {
	db := setupTestDB(t)
	seedBaseline(t, db, "ws1")
	repo := NewContextRepository(db)

	if _, err := repo.CreatePR("ws1", "ws1:pr:old", "ws1:baseline", time.Hour); err != nil {
		t.Fatalf("Failed to create context: %v", err)
	}
	if _, err := repo.CreatePR("ws1", "ws1:pr:new", "ws1:baseline", time.Hour); err != nil {
		t.Fatalf("Failed to create context: %v", err)
	}

	// Backdate one context past its TTL.
	if _, err := db.Exec(
		"UPDATE analysis_contexts SET expires_at = ? WHERE context_id = ?",
		"2000-01-01T00:00:00Z", "ws1:pr:old",
	); err != nil {
		t.Fatalf("Failed to backdate context: %v", err)
	}

	expired, err := repo.ListExpired(time.Now())
	if err != nil {
		t.Fatalf("Failed to list expired: %v", err)
	}
	if len(expired) != 1 || expired[0] != "ws1:pr:old" {
		t.Errorf("Expected [ws1:pr:old], got %v", expired)
	}
}
