package storage

import (
	"reflect"
	"testing"
)

func TestWorkspaceUpsertAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewWorkspaceRepository(db)

	ws := &Workspace{
		WorkspaceID:  "ws1",
		RootPath:     "/src/ws1",
		ManifestPath: "/src/ws1/workspace.yaml",
	}
	if err := repo.Upsert(ws); err != nil {
		t.Fatalf("Failed to upsert workspace: %v", err)
	}

	got, err := repo.Get("ws1")
	if err != nil {
		t.Fatalf("Failed to get workspace: %v", err)
	}
	if got == nil || got.RootPath != "/src/ws1" {
		t.Fatalf("Unexpected workspace: %+v", got)
	}
	if got.CreatedAt == "" || got.UpdatedAt == "" {
		t.Error("Timestamps not stamped")
	}

	// Re-registering with a moved root keeps the row, updates the path.
	ws.RootPath = "/mnt/ws1"
	if err := repo.Upsert(ws); err != nil {
		t.Fatalf("Failed to re-upsert workspace: %v", err)
	}
	got2, err := repo.Get("ws1")
	if err != nil {
		t.Fatalf("Failed to get workspace: %v", err)
	}
	if got2.RootPath != "/mnt/ws1" {
		t.Errorf("Root path not updated: %s", got2.RootPath)
	}
	if got2.CreatedAt != got.CreatedAt {
		t.Error("created_at must survive upserts")
	}

	missing, err := repo.Get("nope")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if missing != nil {
		t.Errorf("Expected nil for missing workspace, got %+v", missing)
	}
}

func TestReplaceReposKeepsManifestOrder(t *testing.T) {
	db := setupTestDB(t)
	seedWorkspace(t, db, "ws1")
	repo := NewWorkspaceRepository(db)

	repos := []Repo{
		{RepoID: "core", Root: "core", CompileCommandsPath: "build/compile_commands.json"},
		{RepoID: "app", Root: "app", DependsOn: []string{"core"}},
		{RepoID: "tools", Root: "tools", DependsOn: []string{"core", "app"}},
	}
	if err := repo.ReplaceRepos("ws1", repos); err != nil {
		t.Fatalf("Failed to replace repos: %v", err)
	}

	got, err := repo.ListRepos("ws1")
	if err != nil {
		t.Fatalf("Failed to list repos: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Expected 3 repos, got %d", len(got))
	}
	for i, want := range []string{"core", "app", "tools"} {
		if got[i].RepoID != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, got[i].RepoID)
		}
	}
	if !reflect.DeepEqual(got[2].DependsOn, []string{"core", "app"}) {
		t.Errorf("depends_on lost: %v", got[2].DependsOn)
	}
	if got[0].DefaultBranch != "main" {
		t.Errorf("Expected default branch main, got %s", got[0].DefaultBranch)
	}

	// Replacing again drops repos no longer in the manifest.
	if err := repo.ReplaceRepos("ws1", repos[:1]); err != nil {
		t.Fatalf("Failed to shrink repos: %v", err)
	}
	got, err = repo.ListRepos("ws1")
	if err != nil {
		t.Fatalf("Failed to list repos: %v", err)
	}
	if len(got) != 1 || got[0].RepoID != "core" {
		t.Errorf("Expected only core to remain, got %+v", got)
	}
}

func TestGetRepo(t *testing.T) {
	db := setupTestDB(t)
	seedWorkspace(t, db, "ws1")
	repo := NewWorkspaceRepository(db)

	if err := repo.ReplaceRepos("ws1", []Repo{
		{RepoID: "vendor", Root: "third_party/vendor", RemoteURL: "https://git.example.com/vendor.git", TokenEnvVar: "VENDOR_TOKEN", ProjectPath: "platform/vendor", CommitSHA: "0123456789abcdef0123456789abcdef01234567"},
	}); err != nil {
		t.Fatalf("Failed to replace repos: %v", err)
	}

	got, err := repo.GetRepo("ws1", "vendor")
	if err != nil {
		t.Fatalf("Failed to get repo: %v", err)
	}
	if got == nil || got.RemoteURL != "https://git.example.com/vendor.git" {
		t.Fatalf("Unexpected repo: %+v", got)
	}
	if got.TokenEnvVar != "VENDOR_TOKEN" {
		t.Errorf("token_env_var lost: %s", got.TokenEnvVar)
	}
	if got.ProjectPath != "platform/vendor" {
		t.Errorf("project_path lost: %s", got.ProjectPath)
	}

	missing, err := repo.GetRepo("ws1", "nope")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if missing != nil {
		t.Errorf("Expected nil for missing repo, got %+v", missing)
	}
}
