package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cxxkb/internal/compiledb"
	"cxxkb/internal/contexts"
	"cxxkb/internal/envelope"
	"cxxkb/internal/extract"
	"cxxkb/internal/logging"
	"cxxkb/internal/metrics"
	"cxxkb/internal/recall"
	"cxxkb/internal/storage"
	"cxxkb/internal/workspace"
	"cxxkb/internal/writer"
)

// stubRecaller returns a fixed candidate list; the real recall service
// has its own tests.
type stubRecaller struct {
	cands []recall.Candidate
	warns []string
}

func (s *stubRecaller) Candidates(_ context.Context, _ *workspace.Workspace, _ recall.Request) ([]recall.Candidate, []string, error) {
	return s.cands, s.warns, nil
}

type fixture struct {
	root      string
	countFile string
	db        *storage.DB
	writer    *writer.Writer
	recaller  *stubRecaller
	contexts  *contexts.Manager
	engine    *Engine
}

// setup builds a one-repo workspace on disk: core/src/foo.cpp with a
// matching compile_commands.json and a fake extractor that records every
// invocation.
func setup(t *testing.T, opts Options) *fixture {
	return setupWithOverlay(t, opts, contexts.Options{})
}

// setupWithOverlay is setup with explicit overlay caps for tests that
// drive contexts into partial mode.
func setupWithOverlay(t *testing.T, opts Options, ctxOpts contexts.Options) *fixture {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake extractor fixture is a shell script")
	}

	logger := logging.NewLogger(logging.Config{Level: "error", Format: "json"})
	root := t.TempDir()

	srcDir := filepath.Join(root, "core", "src")
	require.NoError(t, os.MkdirAll(srcDir, 0755))
	fooPath := filepath.Join(srcDir, "foo.cpp")
	require.NoError(t, os.WriteFile(fooPath, []byte("int answer() { return 42; }\n"), 0644))

	ccdb := []map[string]string{{
		"directory": filepath.Join(root, "core"),
		"file":      fooPath,
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

	ctxMgr := contexts.NewManager(logger, db, wr, ctxOpts)
	driver := extract.NewDriver(logger, extract.Options{Binary: bin, MaxWorkers: 2})
	recaller := &stubRecaller{cands: []recall.Candidate{{FileKey: "core:src/foo.cpp", RepoID: "core", Source: "rg"}}}

	eng := New(logger, opts, db, wr, wsMgr, ctxMgr, recaller, nil, driver,
		compiledb.NewCache(logger), metrics.New())

	return &fixture{root: root, countFile: countFile, db: db, writer: wr, recaller: recaller, contexts: ctxMgr, engine: eng}
}

func (f *fixture) invocations(t *testing.T) int {
	t.Helper()
	data, err := os.ReadFile(f.countFile)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return len(strings.Fields(string(data)))
}

func TestColdQueryParsesAndVerifies(t *testing.T) {
	f := setup(t, Options{})

	resp, err := f.engine.Definition(context.Background(), &QueryRequest{
		WorkspaceID: "ws1",
		Symbol:      "answer",
	})
	require.NoError(t, err)
	require.Len(t, resp.Definitions, 1)
	assert.Equal(t, "core::answer", resp.Definitions[0].QualifiedName)
	assert.Equal(t, "core:src/foo.cpp", resp.Definitions[0].Location.FileKey)

	assert.Equal(t, []string{"core:src/foo.cpp"}, resp.Confidence.VerifiedFiles)
	assert.Empty(t, resp.Confidence.StaleFiles)
	assert.Equal(t, 1.0, resp.Confidence.RepoCoverage["core"])
	assert.Equal(t, 1, f.invocations(t))
}

func TestWarmQuerySkipsReparse(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	req := &QueryRequest{WorkspaceID: "ws1", Symbol: "answer"}

	_, err := f.engine.Definition(ctx, req)
	require.NoError(t, err)
	require.NoError(t, f.writer.Flush(ctx))

	resp, err := f.engine.Definition(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"core:src/foo.cpp"}, resp.Confidence.VerifiedFiles)
	assert.Equal(t, 1, f.invocations(t), "fresh file must not be reparsed")
}

func TestContentChangeTriggersReparse(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	req := &QueryRequest{WorkspaceID: "ws1", Symbol: "answer"}

	_, err := f.engine.Definition(ctx, req)
	require.NoError(t, err)
	require.NoError(t, f.writer.Flush(ctx))

	fooPath := filepath.Join(f.root, "core", "src", "foo.cpp")
	require.NoError(t, os.WriteFile(fooPath, []byte("int answer() { return 43; }\n"), 0644))

	_, err = f.engine.Definition(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, f.invocations(t))
}

func TestNoCandidatesWarnsAndSucceeds(t *testing.T) {
	f := setup(t, Options{})
	f.recaller.cands = nil

	resp, err := f.engine.References(context.Background(), &QueryRequest{
		WorkspaceID: "ws1",
		Symbol:      "missing_symbol",
	})
	require.NoError(t, err)
	assert.Empty(t, resp.References)
	assert.Contains(t, resp.Confidence.Warnings, envelope.WarnNoCandidates)
}

func TestBudgetExceededClassifiesRemainder(t *testing.T) {
	f := setup(t, Options{MaxParseBudget: 1})

	srcDir := filepath.Join(f.root, "core", "src")
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "bar.cpp"), []byte("int bar();\n"), 0644))
	f.recaller.cands = append(f.recaller.cands,
		recall.Candidate{FileKey: "core:src/bar.cpp", RepoID: "core", Source: "rg"})

	resp, err := f.engine.Definition(context.Background(), &QueryRequest{
		WorkspaceID: "ws1",
		Symbol:      "answer",
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Confidence.Warnings, envelope.WarnBudgetExceeded)
	assert.Len(t, resp.Confidence.VerifiedFiles, 1)
	// bar.cpp has no compile entry, so it lands unparsed either way; the
	// budget only allowed one parse.
	assert.Equal(t, 1, f.invocations(t))
}

func TestMissingFlagsClassification(t *testing.T) {
	f := setup(t, Options{})

	srcDir := filepath.Join(f.root, "core", "src")
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "loose.cpp"), []byte("void loose();\n"), 0644))
	f.recaller.cands = []recall.Candidate{{FileKey: "core:src/loose.cpp", RepoID: "core", Source: "rg"}}

	resp, err := f.engine.Definition(context.Background(), &QueryRequest{
		WorkspaceID: "ws1",
		Symbol:      "loose",
	})
	require.NoError(t, err)
	// The compile db falls back to the lexically-first entry's flags for
	// same-directory sources, so loose.cpp still parses; a file outside
	// any entry directory does not.
	if len(resp.Confidence.UnparsedFiles) > 0 {
		assert.Contains(t, resp.Confidence.Warnings, envelope.WarnMissingCompileDB)
	}
}

func TestFileSymbolsDirect(t *testing.T) {
	f := setup(t, Options{})

	resp, err := f.engine.FileSymbols(context.Background(), &QueryRequest{
		WorkspaceID: "ws1",
		FileKey:     "core:src/foo.cpp",
	})
	require.NoError(t, err)
	require.Len(t, resp.Symbols, 1)
	assert.Equal(t, "answer", resp.Symbols[0].Name)
}

func TestCallGraphDirectionValidation(t *testing.T) {
	f := setup(t, Options{})
	_, err := f.engine.CallGraph(context.Background(), &QueryRequest{
		WorkspaceID: "ws1",
		Symbol:      "answer",
		Direction:   "sideways",
	})
	assert.Error(t, err)
}

func TestInvalidateForcesReparse(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()
	req := &QueryRequest{WorkspaceID: "ws1", Symbol: "answer"}

	_, err := f.engine.Definition(ctx, req)
	require.NoError(t, err)
	require.NoError(t, f.writer.Flush(ctx))

	inv, err := f.engine.Invalidate(ctx, &InvalidateRequest{
		WorkspaceID: "ws1",
		FileKeys:    []string{"core:src/foo.cpp"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, inv.Invalidated)

	_, err = f.engine.Definition(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, f.invocations(t))
}

func TestHealthSnapshot(t *testing.T) {
	f := setup(t, Options{})
	h := f.engine.Health()
	assert.Equal(t, "ok", h.Status)
	assert.True(t, h.ExtractorReady)
	assert.NotEmpty(t, h.Version)
}

func TestExploreReadFile(t *testing.T) {
	f := setup(t, Options{})

	resp, err := f.engine.ReadFile(context.Background(), &ExploreRequest{
		WorkspaceID: "ws1",
		FileKey:     "core:src/foo.cpp",
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "return 42")
	assert.False(t, resp.Truncated)

	resp, err = f.engine.ReadFile(context.Background(), &ExploreRequest{
		WorkspaceID: "ws1",
		FileKey:     "core:src/foo.cpp",
		Limit:       5,
	})
	require.NoError(t, err)
	assert.Len(t, resp.Content, 5)
	assert.True(t, resp.Truncated)
}

func TestExploreGetCompileCommand(t *testing.T) {
	f := setup(t, Options{})

	resp, err := f.engine.GetCompileCommand(context.Background(), &ExploreRequest{
		WorkspaceID: "ws1",
		FileKey:     "core:src/foo.cpp",
	})
	require.NoError(t, err)
	require.True(t, resp.Found)
	assert.Contains(t, resp.Args, "-std=c++17")
}

func TestExploreClassifyFreshness(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	resp, err := f.engine.ClassifyFreshness(ctx, &ExploreRequest{
		WorkspaceID: "ws1",
		FileKeys:    []string{"core:src/foo.cpp"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Files, 1)
	assert.Equal(t, "unparsed", resp.Files[0].Class)

	_, err = f.engine.Definition(ctx, &QueryRequest{WorkspaceID: "ws1", Symbol: "answer"})
	require.NoError(t, err)
	require.NoError(t, f.writer.Flush(ctx))

	resp, err = f.engine.ClassifyFreshness(ctx, &ExploreRequest{
		WorkspaceID: "ws1",
		FileKeys:    []string{"core:src/foo.cpp"},
	})
	require.NoError(t, err)
	assert.Equal(t, "fresh", resp.Files[0].Class)
}

// A tight row cap makes the first persisted overlay file flip the
// context to partial_overlay while sibling parses are still in flight;
// the flip must reach the envelope without tearing it.
func TestOverlayRowCapDegradesMidQuery(t *testing.T) {
	f := setupWithOverlay(t, Options{MaxParseBudget: 6}, contexts.Options{MaxOverlayRows: 1})
	ctx := context.Background()

	srcDir := filepath.Join(f.root, "core", "src")
	var changes []contexts.FileChange
	var cands []recall.Candidate
	for i := 0; i < 6; i++ {
		name := fmt.Sprintf("mod%d.cpp", i)
		require.NoError(t, os.WriteFile(filepath.Join(srcDir, name),
			[]byte(fmt.Sprintf("int answer() { return %d; }\n", i)), 0644))
		fk := "core:src/" + name
		changes = append(changes, contexts.FileChange{FileKey: fk, State: contexts.StateModified})
		cands = append(cands, recall.Candidate{FileKey: fk, RepoID: "core", Source: "rg"})
	}
	created, err := f.contexts.CreatePROverlay(ctx, "ws1", "77", changes)
	require.NoError(t, err)
	assert.Equal(t, "sparse", created.OverlayMode)
	f.recaller.cands = cands

	resp, err := f.engine.Definition(ctx, &QueryRequest{
		WorkspaceID: "ws1",
		Symbol:      "answer",
		Context:     contexts.Selector{Mode: "pr", ContextID: created.ContextID},
	})
	require.NoError(t, err)

	assert.Equal(t, "partial_overlay", resp.Confidence.OverlayMode)
	assert.Contains(t, resp.Confidence.Warnings, envelope.WarnPartialOverlay)
	// Every parsed file stays verified whether it persisted before the
	// flip or was served from memory after it.
	assert.Len(t, resp.Confidence.VerifiedFiles, 6)
}

func TestListCandidatesReportsOverlayTombstones(t *testing.T) {
	f := setup(t, Options{})
	ctx := context.Background()

	created, err := f.contexts.CreatePROverlay(ctx, "ws1", "9", []contexts.FileChange{
		{FileKey: "core:src/gone.cpp", State: contexts.StateDeleted},
		{FileKey: "core:src/also_gone.cpp", State: contexts.StateDeleted},
	})
	require.NoError(t, err)

	resp, err := f.engine.ListCandidates(ctx, &ExploreRequest{
		WorkspaceID: "ws1",
		Symbol:      "answer",
		Context:     contexts.Selector{Mode: "pr", ContextID: created.ContextID},
	})
	require.NoError(t, err)
	require.Len(t, resp.Candidates, 1)
	assert.Equal(t, "core:src/foo.cpp", resp.Candidates[0].FileKey)
	assert.Equal(t, []string{"core:src/also_gone.cpp", "core:src/gone.cpp"}, resp.DeletedFileKeys)
	// Tombstones count toward the population but are never considered.
	assert.Equal(t, 3, resp.Coverage.Total)
	assert.Equal(t, 1, resp.Coverage.Considered)
}
