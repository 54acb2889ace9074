package storage

import "testing"

func seedRecallRow(t *testing.T, db *DB, contextID, fileKey, content string) {
	t.Helper()
	if _, err := db.Exec(
		"INSERT INTO recall_fts (context_id, file_key, content) VALUES (?, ?, ?)",
		contextID, fileKey, content,
	); err != nil {
		t.Fatalf("Failed to seed recall row: %v", err)
	}
}

func TestRecallExactPhrase(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRecallRepository(db)

	seedRecallRow(t, db, "c1", "core:src/socket.cpp",
		"int Socket::connect(const Endpoint& ep) { return resolve_host(ep); }")
	seedRecallRow(t, db, "c1", "core:src/other.cpp",
		"void unrelated() {}")

	hits, err := repo.Search("c1", "resolve_host", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 || hits[0].FileKey != "core:src/socket.cpp" {
		t.Errorf("Unexpected hits: %+v", hits)
	}
}

func TestRecallQualifiedName(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRecallRepository(db)

	seedRecallRow(t, db, "c1", "core:src/socket.cpp",
		"int x = net::Socket::connect(ep);")
	seedRecallRow(t, db, "c1", "core:src/fake.cpp",
		"// connect the socket to net power")

	hits, err := repo.Search("c1", "net::Socket::connect", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 || hits[0].FileKey != "core:src/socket.cpp" {
		t.Errorf("Qualified phrase should only match the adjacent token run: %+v", hits)
	}
}

func TestRecallPrefixFallback(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRecallRepository(db)

	seedRecallRow(t, db, "c1", "core:src/socket.cpp",
		"void resolve_hostname_async() {}")

	// No exact token "resolve_hostn"; the prefix pass finds it.
	hits, err := repo.Search("c1", "resolve_hostn", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("Prefix fallback missed: %+v", hits)
	}
}

func TestRecallContextIsolation(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRecallRepository(db)

	seedRecallRow(t, db, "c1", "core:src/socket.cpp", "void frobnicate() {}")

	hits, err := repo.Search("c2", "frobnicate", 10)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("Hits leaked across contexts: %+v", hits)
	}
}

func TestRecallQuoteEscaping(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRecallRepository(db)

	seedRecallRow(t, db, "c1", "core:src/socket.cpp", `log("connect failed")`)

	// Operator characters in the term must not break query parsing.
	if _, err := repo.Search("c1", `"connect`, 10); err != nil {
		t.Fatalf("Quoted term crashed the query: %v", err)
	}
	if _, err := repo.Search("c1", "a NOT b OR (c)", 10); err != nil {
		t.Fatalf("Operator words crashed the query: %v", err)
	}
}

func TestRecallLimit(t *testing.T) {
	db := setupTestDB(t)
	repo := NewRecallRepository(db)

	for _, fk := range []string{"core:a.cpp", "core:b.cpp", "core:c.cpp"} {
		seedRecallRow(t, db, "c1", fk, "void shared_token() {}")
	}

	hits, err := repo.Search("c1", "shared_token", 2)
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("Limit not applied: %+v", hits)
	}
}
