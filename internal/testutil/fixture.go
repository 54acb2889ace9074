// Package testutil builds on-disk workspace fixtures for tests: a repo
// tree with sources, a compile database, a manifest, and a fake
// extractor that records its invocations.
package testutil

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// WorkspaceFixture is a one-repo workspace rooted in a temp dir.
type WorkspaceFixture struct {
	// Root is the workspace root containing workspace.yaml.
	Root string

	// RepoID is the fixture repo ("core").
	RepoID string

	// SourcePath is the absolute path of the single source file.
	SourcePath string

	// ExtractorBin is the fake extractor script.
	ExtractorBin string

	countFile string
}

// SourceFileKey returns the canonical key of the fixture source.
func (f *WorkspaceFixture) SourceFileKey() string {
	return f.RepoID + ":src/foo.cpp"
}

// Invocations counts fake-extractor runs so far.
func (f *WorkspaceFixture) Invocations(t *testing.T) int {
	t.Helper()
	data, err := os.ReadFile(f.countFile)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return len(strings.Fields(string(data)))
}

// Rewrite replaces the fixture source's content, changing its hash.
func (f *WorkspaceFixture) Rewrite(t *testing.T, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.SourcePath, []byte(content), 0644))
}

// NewWorkspace lays out the fixture. The fake extractor emits one
// Function symbol `core::answer` with a call reference and edge, for any
// input file. Skipped on Windows, where the fake extractor (a shell
// script) cannot run.
func NewWorkspace(t *testing.T) *WorkspaceFixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake extractor fixture is a shell script")
	}

	root := t.TempDir()
	srcDir := filepath.Join(root, "core", "src")
	require.NoError(t, os.MkdirAll(srcDir, 0755))
	srcPath := filepath.Join(srcDir, "foo.cpp")
	require.NoError(t, os.WriteFile(srcPath, []byte("int answer() { return 42; }\n"), 0644))

	ccdb := []map[string]string{{
		"directory": filepath.Join(root, "core"),
		"file":      srcPath,
		"command":   "clang++ -std=c++17 -c src/foo.cpp",
	}}
	data, err := json.Marshal(ccdb)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(root, "core", "compile_commands.json"), data, 0644))

	manifest := `workspace_id: ws1
repos:
  - repo_id: core
    root: core
    compile_commands: core/compile_commands.json
    default_branch: main
`
	require.NoError(t, os.WriteFile(filepath.Join(root, "workspace.yaml"), []byte(manifest), 0644))

	countFile := filepath.Join(t.TempDir(), "invocations")
	bin := filepath.Join(t.TempDir(), "fake-extractor")
	script := `#!/bin/sh
file=""
while [ $# -gt 0 ]; do
  case "$1" in
    --file) file="$2"; shift 2;;
    --) shift; break;;
    *) shift;;
  esac
done
echo "$file" >> ` + countFile + `
cat <<EOF
{"file":"$file","symbols":[{"name":"answer","qualified_name":"core::answer","kind":"Function","line":1,"col":5,"extent_end_line":1}],"references":[{"symbol":"core::answer","line":1,"col":5,"kind":"call"}],"call_edges":[{"caller":"main","callee":"core::answer","line":1}],"include_deps":[],"success":true,"diagnostics":[]}
EOF
`
	require.NoError(t, os.WriteFile(bin, []byte(script), 0755))

	return &WorkspaceFixture{
		Root:         root,
		RepoID:       "core",
		SourcePath:   srcPath,
		ExtractorBin: bin,
		countFile:    countFile,
	}
}
