package workspace

import (
	"reflect"
	"testing"
)

func testWorkspace(t *testing.T) *Workspace {
	t.Helper()
	mf, err := ParseManifest([]byte(sampleManifestYAML))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	return New("acme", "/work/acme", "/work/acme/workspace.yaml", mf)
}

func TestMakeAndSplitFileKey(t *testing.T) {
	key := MakeFileKey("core", "src\\net\\Socket.cpp")
	if key != "core:src/net/Socket.cpp" {
		t.Errorf("MakeFileKey = %s", key)
	}

	repoID, rel, ok := SplitFileKey(key)
	if !ok || repoID != "core" || rel != "src/net/Socket.cpp" {
		t.Errorf("SplitFileKey = %s, %s, %v", repoID, rel, ok)
	}

	if _, _, ok := SplitFileKey("no-separator"); ok {
		t.Error("expected ok=false for a key without a separator")
	}

	if NormalizeKey("Core:Src/Socket.CPP") != "core:src/socket.cpp" {
		t.Error("NormalizeKey should lowercase the whole key")
	}
}

func TestFileKeyForAbsPath(t *testing.T) {
	ws := testWorkspace(t)

	rk, ok := ws.FileKeyForAbsPath("/work/acme/core/src/Socket.cpp")
	if !ok {
		t.Fatal("path under core repo did not resolve")
	}
	if rk.FileKey != "core:src/Socket.cpp" {
		t.Errorf("file key = %s", rk.FileKey)
	}
	if rk.RepoID != "core" || rk.RelPath != "src/Socket.cpp" {
		t.Errorf("unexpected resolution: %+v", rk)
	}

	// Root matching is case-insensitive but the rel path keeps its case.
	rk, ok = ws.FileKeyForAbsPath("/WORK/ACME/CORE/include/Buffer.h")
	if !ok || rk.FileKey != "core:include/Buffer.h" {
		t.Errorf("case-insensitive root match failed: %+v ok=%v", rk, ok)
	}

	rk, ok = ws.FileKeyForAbsPath("/work/acme/libs/net/socket.cpp")
	if !ok || rk.RepoID != "net" {
		t.Errorf("nested repo root failed: %+v ok=%v", rk, ok)
	}

	if _, ok := ws.FileKeyForAbsPath("/work/other/core/src/a.cpp"); ok {
		t.Error("path outside the workspace must not resolve")
	}
	if _, ok := ws.FileKeyForAbsPath("/work/acme/corelib/a.cpp"); ok {
		t.Error("sibling directory sharing a root prefix must not resolve")
	}
}

func TestAbsPathForFileKey(t *testing.T) {
	ws := testWorkspace(t)

	rk, err := ws.AbsPathForFileKey("net:include/socket.h")
	if err != nil {
		t.Fatalf("AbsPathForFileKey: %v", err)
	}
	if rk.AbsPath != "/work/acme/libs/net/include/socket.h" {
		t.Errorf("abs path = %s", rk.AbsPath)
	}

	if _, err := ws.AbsPathForFileKey("ghost:src/a.cpp"); err == nil {
		t.Error("expected an error for an unknown repo")
	}
	if _, err := ws.AbsPathForFileKey("malformed"); err == nil {
		t.Error("expected an error for a malformed key")
	}
}

func TestRepoRootAndCompileCommands(t *testing.T) {
	ws := testWorkspace(t)

	root, err := ws.RepoRoot("net")
	if err != nil || root != "/work/acme/libs/net" {
		t.Errorf("RepoRoot = %s, %v", root, err)
	}
	if _, err := ws.RepoRoot("ghost"); err == nil {
		t.Error("expected an error for an unknown repo")
	}

	if got := ws.CompileCommandsPath("core"); got != "/work/acme/core/build/compile_commands.json" {
		t.Errorf("CompileCommandsPath = %s", got)
	}
	if got := ws.CompileCommandsPath("net"); got != "" {
		t.Errorf("repo without a compile db should yield empty, got %s", got)
	}
}

func TestCandidateRepos(t *testing.T) {
	ws := testWorkspace(t)

	tests := []struct {
		name  string
		entry []string
		hops  int
		want  []string
	}{
		{name: "closure over depends_on", entry: []string{"net"}, hops: 2, want: []string{"core", "net"}},
		{name: "zero hops stays at entry", entry: []string{"net"}, hops: 0, want: []string{"net"}},
		{name: "empty entry selects all", entry: nil, hops: 2, want: []string{"core", "net", "vendor"}},
		{name: "unknown entries ignored", entry: []string{"ghost"}, hops: 2, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ws.CandidateRepos(tt.entry, tt.hops)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("CandidateRepos(%v, %d) = %v, want %v", tt.entry, tt.hops, got, tt.want)
			}
		})
	}
}

func TestResolveIncludeDirect(t *testing.T) {
	ws := testWorkspace(t)

	dep := ws.ResolveInclude("/work/acme/core/include/socket.h", 1)
	if !dep.Resolved {
		t.Fatalf("expected resolved include, got %+v", dep)
	}
	if dep.ResolvedFileKey != "core:include/socket.h" {
		t.Errorf("file key = %s", dep.ResolvedFileKey)
	}
	if dep.Depth != 1 {
		t.Errorf("depth = %d", dep.Depth)
	}
}

func TestResolveIncludeViaRemap(t *testing.T) {
	ws := testWorkspace(t)

	dep := ws.ResolveInclude(`C:\legacy\include\socket.h`, 2)
	if !dep.Resolved {
		t.Fatalf("remapped include did not resolve: %+v", dep)
	}
	if dep.ResolvedFileKey != "core:include/socket.h" {
		t.Errorf("file key = %s", dep.ResolvedFileKey)
	}
	if dep.ResolvedAbsPath != "/work/acme/core/include/socket.h" {
		t.Errorf("abs path = %s", dep.ResolvedAbsPath)
	}

	// Prefix match is case-insensitive.
	dep = ws.ResolveInclude("c:/LEGACY/include/buffer.h", 1)
	if !dep.Resolved || dep.ResolvedFileKey != "core:include/buffer.h" {
		t.Errorf("case-insensitive remap failed: %+v", dep)
	}
}

func TestResolveIncludeUnresolved(t *testing.T) {
	ws := testWorkspace(t)

	dep := ws.ResolveInclude("/usr/include/vector", 1)
	if dep.Resolved {
		t.Fatalf("system include should stay unresolved: %+v", dep)
	}
	if dep.ResolvedFileKey != "" || dep.ResolvedAbsPath != "" {
		t.Errorf("unresolved include must carry no identity: %+v", dep)
	}
	if dep.RawPath != "/usr/include/vector" {
		t.Errorf("raw path lost: %s", dep.RawPath)
	}
}

func TestRemapPairs(t *testing.T) {
	ws := testWorkspace(t)

	pairs := ws.RemapPairs()
	if len(pairs) != 1 {
		t.Fatalf("expected 1 remap pair, got %d", len(pairs))
	}
	if pairs[0][0] != "C:/legacy/include" {
		t.Errorf("from prefix = %s", pairs[0][0])
	}
	if pairs[0][1] != "/work/acme/core/include" {
		t.Errorf("to prefix = %s", pairs[0][1])
	}
}
