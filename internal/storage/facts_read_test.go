package storage

import (
	"testing"

	"cxxkb/internal/facts"
)

// seedFileFacts persists a minimal payload carrying the given symbols for
// one file in one context.
func seedFileFacts(t *testing.T, db *DB, contextID, fileKey string, symbols []facts.ExtractedSymbol) {
	t.Helper()
	payload := &facts.ParsePayload{
		ContextID:     contextID,
		FileKey:       fileKey,
		RepoID:        "core",
		RelPath:       "src/x.cpp",
		AbsPath:       "/nonexistent/" + fileKey,
		Output:        facts.ExtractorOutput{Symbols: symbols, Success: true},
		ContentHash:   "c",
		FlagsHash:     "f",
		IncludesHash:  "i",
		CompositeHash: "h",
	}
	if err := NewFactRepository(db).UpsertParsePayload(payload); err != nil {
		t.Fatalf("Failed to seed facts for %s: %v", fileKey, err)
	}
}

func TestSearchSymbolsAcrossChain(t *testing.T) {
	db := setupTestDB(t)
	base := seedBaseline(t, db, "ws1")
	overlay := seedPR(t, db, "ws1", "ws1:pr:1")
	repo := NewFactRepository(db)

	seedFileFacts(t, db, base, "core:src/a.cpp", []facts.ExtractedSymbol{
		{Name: "connect", QualifiedName: "net::Socket::connect", Kind: "CXXMethod", Line: 42, ExtentEndLine: 58},
	})
	seedFileFacts(t, db, base, "core:src/b.cpp", []facts.ExtractedSymbol{
		{Name: "connect", QualifiedName: "legacy::connect", Kind: "Function", Line: 7, ExtentEndLine: 12},
	})
	// a.cpp is modified in the PR: same symbol moved to line 50.
	seedFileFacts(t, db, overlay, "core:src/a.cpp", []facts.ExtractedSymbol{
		{Name: "connect", QualifiedName: "net::Socket::connect", Kind: "CXXMethod", Line: 50, ExtentEndLine: 66},
	})

	got, err := repo.SearchSymbolsByName(ChainQuery{
		Chain:                []string{overlay, base},
		ExcludedBaselineKeys: []string{"core:src/a.cpp"},
	}, "connect")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 symbols, got %d: %+v", len(got), got)
	}

	byFile := make(map[string]SymbolRow)
	for _, s := range got {
		byFile[s.FileKey] = s
	}
	overlayRow, ok := byFile["core:src/a.cpp"]
	if !ok {
		t.Fatal("Overlay row missing")
	}
	if overlayRow.ContextID != overlay || overlayRow.Line != 50 {
		t.Errorf("Baseline row leaked through overlay shadow: %+v", overlayRow)
	}
	baseRow, ok := byFile["core:src/b.cpp"]
	if !ok {
		t.Fatal("Untouched baseline row missing")
	}
	if baseRow.ContextID != base {
		t.Errorf("Expected baseline provenance, got %s", baseRow.ContextID)
	}
}

func TestSearchSymbolsHonorsTombstones(t *testing.T) {
	db := setupTestDB(t)
	base := seedBaseline(t, db, "ws1")
	overlay := seedPR(t, db, "ws1", "ws1:pr:2")
	repo := NewFactRepository(db)

	seedFileFacts(t, db, base, "core:src/gone.cpp", []facts.ExtractedSymbol{
		{Name: "helper", QualifiedName: "util::helper", Kind: "Function", Line: 3, ExtentEndLine: 9},
	})

	// Deleted in the PR; its baseline facts must not surface.
	got, err := repo.SearchSymbolsByName(ChainQuery{
		Chain:                []string{overlay, base},
		ExcludedBaselineKeys: []string{"core:src/gone.cpp"},
	}, "helper")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Tombstoned file leaked: %+v", got)
	}

	// Baseline-only queries still see the file.
	got, err = repo.SearchSymbolsByName(ChainQuery{Chain: []string{base}}, "helper")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Expected baseline hit, got %+v", got)
	}
}

func TestSearchSymbolsPrefersDefinitionExtent(t *testing.T) {
	db := setupTestDB(t)
	base := seedBaseline(t, db, "ws1")
	repo := NewFactRepository(db)

	// Forward declaration and definition in the same file: the widest
	// extent is the definition.
	seedFileFacts(t, db, base, "core:src/a.cpp", []facts.ExtractedSymbol{
		{Name: "run", QualifiedName: "job::run", Kind: "Function", Line: 5, ExtentEndLine: 5},
		{Name: "run", QualifiedName: "job::run", Kind: "Function", Line: 30, ExtentEndLine: 71},
	})

	got, err := repo.SearchSymbolsByName(ChainQuery{Chain: []string{base}}, "run")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected 1 symbol after dedupe, got %d", len(got))
	}
	if got[0].Line != 30 || got[0].ExtentEndLine != 71 {
		t.Errorf("Expected the definition row, got %+v", got[0])
	}
}

func TestSearchSymbolsUnqualifiedMatch(t *testing.T) {
	db := setupTestDB(t)
	base := seedBaseline(t, db, "ws1")
	repo := NewFactRepository(db)

	seedFileFacts(t, db, base, "core:src/a.cpp", []facts.ExtractedSymbol{
		{Name: "connect", QualifiedName: "net::Socket::connect", Kind: "CXXMethod", Line: 42, ExtentEndLine: 58},
		{Name: "disconnect", QualifiedName: "net::Socket::disconnect", Kind: "CXXMethod", Line: 60, ExtentEndLine: 70},
	})

	got, err := repo.SearchSymbolsByName(ChainQuery{Chain: []string{base}}, "connect")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 1 || got[0].QualifiedName != "net::Socket::connect" {
		t.Errorf("Unqualified lookup failed: %+v", got)
	}

	got, err = repo.SearchSymbolsByName(ChainQuery{Chain: []string{base}}, "net::Socket::disconnect")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 1 || got[0].Name != "disconnect" {
		t.Errorf("Qualified lookup failed: %+v", got)
	}
}

func TestSearchSymbolsCandidateFilter(t *testing.T) {
	db := setupTestDB(t)
	base := seedBaseline(t, db, "ws1")
	repo := NewFactRepository(db)

	for _, fk := range []string{"core:src/a.cpp", "core:src/b.cpp"} {
		seedFileFacts(t, db, base, fk, []facts.ExtractedSymbol{
			{Name: "tick", QualifiedName: "clock::tick", Kind: "Function", Line: 1, ExtentEndLine: 4},
		})
	}

	got, err := repo.SearchSymbolsByName(ChainQuery{
		Chain:             []string{base},
		CandidateFileKeys: []string{"core:src/b.cpp"},
	}, "tick")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 1 || got[0].FileKey != "core:src/b.cpp" {
		t.Errorf("Candidate filter not applied: %+v", got)
	}
}

func TestSearchReferencesDedupe(t *testing.T) {
	db := setupTestDB(t)
	base := seedBaseline(t, db, "ws1")
	repo := NewFactRepository(db)

	payload := &facts.ParsePayload{
		ContextID: base,
		FileKey:   "core:src/a.cpp",
		RepoID:    "core",
		RelPath:   "src/a.cpp",
		AbsPath:   "/nonexistent/a.cpp",
		Output: facts.ExtractorOutput{
			References: []facts.ExtractedReference{
				{Symbol: "net::resolve_host", Line: 45, Col: 12, Kind: "call"},
				{Symbol: "net::resolve_host", Line: 45, Col: 12, Kind: "call"},
				{Symbol: "net::resolve_host", Line: 90, Col: 4, Kind: "addr"},
			},
			Success: true,
		},
		CompositeHash: "h",
	}
	if err := repo.UpsertParsePayload(payload); err != nil {
		t.Fatalf("Failed to seed references: %v", err)
	}

	got, err := repo.SearchReferences(ChainQuery{Chain: []string{base}}, "resolve_host")
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 deduped references, got %d", len(got))
	}
	if got[0].Line != 45 || got[1].Line != 90 {
		t.Errorf("Unexpected reference order: %+v", got)
	}
	if got[1].RefKind != "addr" {
		t.Errorf("Ref kind lost: %+v", got[1])
	}
}

func TestSearchCallEdgesDirections(t *testing.T) {
	db := setupTestDB(t)
	base := seedBaseline(t, db, "ws1")
	repo := NewFactRepository(db)

	payload := &facts.ParsePayload{
		ContextID: base,
		FileKey:   "core:src/a.cpp",
		RepoID:    "core",
		RelPath:   "src/a.cpp",
		AbsPath:   "/nonexistent/a.cpp",
		Output: facts.ExtractorOutput{
			CallEdges: []facts.ExtractedCallEdge{
				{Caller: "net::Socket::connect", Callee: "net::resolve_host", Line: 45},
				{Caller: "net::retry_loop", Callee: "net::Socket::connect", Line: 120},
			},
			Success: true,
		},
		CompositeHash: "h",
	}
	if err := repo.UpsertParsePayload(payload); err != nil {
		t.Fatalf("Failed to seed call edges: %v", err)
	}

	out, err := repo.SearchCallEdges(ChainQuery{Chain: []string{base}}, "net::Socket::connect", "outgoing")
	if err != nil {
		t.Fatalf("Outgoing search failed: %v", err)
	}
	if len(out) != 1 || out[0].CalleeQualifiedName != "net::resolve_host" {
		t.Errorf("Unexpected outgoing edges: %+v", out)
	}

	in, err := repo.SearchCallEdges(ChainQuery{Chain: []string{base}}, "net::Socket::connect", "incoming")
	if err != nil {
		t.Fatalf("Incoming search failed: %v", err)
	}
	if len(in) != 1 || in[0].CallerQualifiedName != "net::retry_loop" {
		t.Errorf("Unexpected incoming edges: %+v", in)
	}

	both, err := repo.SearchCallEdges(ChainQuery{Chain: []string{base}}, "connect", "both")
	if err != nil {
		t.Fatalf("Both search failed: %v", err)
	}
	if len(both) != 2 {
		t.Errorf("Expected 2 edges for both, got %d", len(both))
	}
}

func TestFileSymbolsOverlayShadowsBaseline(t *testing.T) {
	db := setupTestDB(t)
	base := seedBaseline(t, db, "ws1")
	overlay := seedPR(t, db, "ws1", "ws1:pr:4")
	repo := NewFactRepository(db)

	seedFileFacts(t, db, base, "core:src/a.cpp", []facts.ExtractedSymbol{
		{Name: "old_name", QualifiedName: "mod::old_name", Kind: "Function", Line: 2, ExtentEndLine: 6},
	})
	seedFileFacts(t, db, overlay, "core:src/a.cpp", []facts.ExtractedSymbol{
		{Name: "new_name", QualifiedName: "mod::new_name", Kind: "Function", Line: 2, ExtentEndLine: 6},
	})

	got, err := repo.FileSymbols(ChainQuery{Chain: []string{overlay, base}}, "core:src/a.cpp")
	if err != nil {
		t.Fatalf("FileSymbols failed: %v", err)
	}
	if len(got) != 1 || got[0].QualifiedName != "mod::new_name" {
		t.Errorf("Overlay did not shadow baseline: %+v", got)
	}

	// A file only present in the baseline falls through the overlay leg.
	seedFileFacts(t, db, base, "core:src/b.cpp", []facts.ExtractedSymbol{
		{Name: "keep", QualifiedName: "mod::keep", Kind: "Function", Line: 9, ExtentEndLine: 14},
	})
	got, err = repo.FileSymbols(ChainQuery{Chain: []string{overlay, base}}, "core:src/b.cpp")
	if err != nil {
		t.Fatalf("FileSymbols failed: %v", err)
	}
	if len(got) != 1 || got[0].ContextID != base {
		t.Errorf("Baseline fallthrough broken: %+v", got)
	}
}

func TestIncludersOf(t *testing.T) {
	db := setupTestDB(t)
	base := seedBaseline(t, db, "ws1")
	repo := NewFactRepository(db)

	for _, fk := range []string{"core:src/a.cpp", "core:src/b.cpp"} {
		payload := &facts.ParsePayload{
			ContextID: base,
			FileKey:   fk,
			RepoID:    "core",
			RelPath:   "src/x.cpp",
			AbsPath:   "/nonexistent/" + fk,
			Output:    facts.ExtractorOutput{Success: true},
			ResolvedIncludeDeps: []facts.ResolvedIncludeDep{
				{RawPath: "socket.h", ResolvedFileKey: "core:include/socket.h", Resolved: true, Depth: 1},
			},
			CompositeHash: "h",
		}
		if err := repo.UpsertParsePayload(payload); err != nil {
			t.Fatalf("Failed to seed include deps: %v", err)
		}
	}

	got, err := repo.IncludersOf(ChainQuery{Chain: []string{base}}, "core:include/socket.h")
	if err != nil {
		t.Fatalf("IncludersOf failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 includers, got %d", len(got))
	}
	if got[0].FileKey != "core:src/a.cpp" || got[1].FileKey != "core:src/b.cpp" {
		t.Errorf("Unexpected includers: %+v", got)
	}
}
