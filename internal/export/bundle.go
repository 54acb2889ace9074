package export

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"cxxkb/internal/contexts"
	"cxxkb/internal/storage"
	"cxxkb/internal/workspace"
)

// BundleStats summarises one bundle emission.
type BundleStats struct {
	Parts []string `json:"parts"`
	Files int      `json:"files"`
	Rows  int      `json:"rows"`
}

// bundleManifest is the first record of every bundle part.
type bundleManifest struct {
	Type        string   `json:"type"` // "manifest"
	WorkspaceID string   `json:"workspace_id"`
	ContextID   string   `json:"context_id"`
	Chain       []string `json:"chain"`
	Part        int      `json:"part"`
	Files       int      `json:"files"`
	CreatedAt   string   `json:"created_at"`
}

// bundleRecord carries one file's facts.
type bundleRecord struct {
	Type        string                  `json:"type"` // "file"
	Tracked     *storage.TrackedFile    `json:"tracked"`
	Symbols     []storage.SymbolRow     `json:"symbols,omitempty"`
	References  []storage.ReferenceRow  `json:"references,omitempty"`
	CallEdges   []storage.CallEdgeRow   `json:"call_edges,omitempty"`
	IncludeDeps []storage.IncludeDepRow `json:"include_deps,omitempty"`
}

// WriteBundle renders the chain's facts as zstd-compressed JSON lines
// under outDir, split into parts of page_size files each. Part file
// names follow bundle-NNN.jsonl.zst.
func (e *Exporter) WriteBundle(ws *workspace.Workspace, resolved *contexts.Resolved, outDir string) (*BundleStats, error) {
	files, err := e.collectFiles(ws, resolved)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("create bundle dir: %w", err)
	}

	q := e.chainQuery(resolved)
	stats := &BundleStats{}
	pageSize := e.cfg.Paging.PageSize

	for start := 0; start < len(files); start += pageSize {
		end := start + pageSize
		if end > len(files) {
			end = len(files)
		}
		part := start / pageSize
		name := fmt.Sprintf("bundle-%03d.jsonl.zst", part)
		if err := e.writePart(ws, resolved, q, files[start:end], filepath.Join(outDir, name), part, stats); err != nil {
			return nil, err
		}
		stats.Parts = append(stats.Parts, name)
	}

	e.logger.Info("context bundle written", map[string]interface{}{
		"dir":   outDir,
		"parts": len(stats.Parts),
		"files": stats.Files,
		"rows":  stats.Rows,
	})
	return stats, nil
}

func (e *Exporter) writePart(ws *workspace.Workspace, resolved *contexts.Resolved, q storage.ChainQuery, files []exportFile, path string, part int, stats *BundleStats) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create bundle part: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("init zstd writer: %w", err)
	}
	enc := json.NewEncoder(zw)

	manifest := bundleManifest{
		Type:        "manifest",
		WorkspaceID: ws.ID,
		ContextID:   resolved.Context.ContextID,
		Chain:       resolved.Chain,
		Part:        part,
		Files:       len(files),
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	if err := enc.Encode(manifest); err != nil {
		zw.Close()
		return err
	}

	for _, file := range files {
		record, err := e.fileRecord(q, resolved, file)
		if err != nil {
			zw.Close()
			return err
		}
		if record == nil {
			continue
		}
		if err := enc.Encode(record); err != nil {
			zw.Close()
			return err
		}
		stats.Files++
		stats.Rows += len(record.Symbols) + len(record.References) + len(record.CallEdges) + len(record.IncludeDeps)
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish bundle part: %w", err)
	}
	return nil
}

func (e *Exporter) fileRecord(q storage.ChainQuery, resolved *contexts.Resolved, file exportFile) (*bundleRecord, error) {
	tracked, contextID, err := e.trackedInChain(resolved, file.FileKey)
	if err != nil || tracked == nil {
		return nil, err
	}

	symbols, err := e.facts.FileSymbols(q, file.FileKey)
	if err != nil {
		return nil, err
	}
	refs, err := e.facts.FileReferences(q, file.FileKey)
	if err != nil {
		return nil, err
	}
	edges, err := e.facts.FileCallEdges(q, file.FileKey)
	if err != nil {
		return nil, err
	}
	deps, err := e.facts.IncludeDepsOf(contextID, file.FileKey)
	if err != nil {
		return nil, err
	}

	record := &bundleRecord{
		Type:        "file",
		Tracked:     tracked,
		Symbols:     symbols,
		References:  refs,
		CallEdges:   edges,
		IncludeDeps: deps,
	}
	if e.cfg.Privacy.RedactAbsolutePaths {
		record.redactPaths()
	}
	return record, nil
}

// trackedInChain finds the owning leg's tracked row for a file key.
func (e *Exporter) trackedInChain(resolved *contexts.Resolved, fileKey string) (*storage.TrackedFile, string, error) {
	for legIdx, contextID := range resolved.Chain {
		if legIdx > 0 && resolved.Excluded[fileKey] {
			continue
		}
		tracked, err := e.facts.GetTracked(contextID, fileKey)
		if err != nil {
			return nil, "", err
		}
		if tracked != nil {
			return tracked, contextID, nil
		}
	}
	return nil, "", nil
}

func (r *bundleRecord) redactPaths() {
	r.Tracked.AbsPath = ""
	for i := range r.Symbols {
		r.Symbols[i].AbsPath = ""
	}
	for i := range r.References {
		r.References[i].AbsPath = ""
	}
	for i := range r.CallEdges {
		r.CallEdges[i].AbsPath = ""
	}
	for i := range r.IncludeDeps {
		r.IncludeDeps[i].IncludedAbsPath = ""
	}
}
