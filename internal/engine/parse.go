package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cxxkb/internal/envelope"
	"cxxkb/internal/extract"
	"cxxkb/internal/facts"
	"cxxkb/internal/hashing"
	"cxxkb/internal/storage"
	"cxxkb/internal/writer"
)

// parseStage runs stage 4: refresh stale and cold candidates within the
// per-query parse budget. Files left over the budget keep their stale or
// unparsed verdict. Parse failures never fail the query; the file just
// stays in its degraded bucket.
func (e *Engine) parseStage(ctx context.Context, s *session, budget int) {
	var queue []*classification
	for i := range s.classified {
		c := &s.classified[i]
		if c.parseable() {
			queue = append(queue, c)
		}
	}
	if len(queue) > budget {
		s.conf.Warn(envelope.WarnBudgetExceeded)
		queue = queue[:budget]
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range queue {
		c := c
		g.Go(func() error {
			e.parseOne(gctx, s, c, &mu)
			return nil
		})
	}
	_ = g.Wait()

	// Everything not promoted to verified lands in its residual bucket.
	for i := range s.classified {
		c := &s.classified[i]
		switch c.class {
		case facts.Stale:
			s.conf.Stale(c.cand.FileKey, c.key.RepoID)
		case facts.Unparsed, facts.MissingFlags:
			s.conf.Unparsed(c.cand.FileKey, c.key.RepoID)
		}
	}
}

// parseOne extracts, resolves includes, and persists one file. On
// success the classification flips to fresh so the residual pass skips
// it. mu guards the builder and the ephemeral list.
func (e *Engine) parseOne(ctx context.Context, s *session, c *classification, mu *sync.Mutex) {
	absPath := c.key.AbsPath
	cleanup := func() {}
	if c.inline != nil {
		tmp, err := materialize(*c.inline, c.key.RelPath)
		if err != nil {
			e.logger.Warn("overlay content spill failed", map[string]interface{}{
				"file_key": c.cand.FileKey,
				"error":    err.Error(),
			})
			return
		}
		absPath = tmp
		cleanup = func() { os.Remove(tmp) }
	}
	defer cleanup()

	args := extract.RemapArgs(c.args, s.ws.RemapPairs())
	result, err := e.driver.Extract(ctx, extract.ActionExtractAll, absPath, args)
	if err != nil {
		outcome := "error"
		var duration time.Duration
		if result != nil {
			outcome = "timeout"
			duration = result.Duration
		}
		e.metrics.ObserveParse(outcome, duration)
		e.recordParseRun(c, string(extract.ActionExtractAll), false, duration, diagnosticsOf(result))
		return
	}
	e.metrics.ObserveParse("success", result.Duration)

	if !result.Output.Success {
		e.recordParseRun(c, string(extract.ActionExtractAll), false, result.Duration, result.Output.Diagnostics)
		return
	}

	payload := e.buildPayload(s, c, result.Output)
	payload.AbsPath = c.key.AbsPath

	mu.Lock()
	for _, w := range payload.Warnings {
		s.conf.Warn(w)
	}
	mu.Unlock()

	overlayOwned := len(s.resolved.Chain) > 1 && c.contextID == s.resolved.Chain[0]
	mu.Lock()
	partial := s.resolved.Partial()
	mu.Unlock()
	if overlayOwned && partial {
		// Partial mode refuses overlay persistence; the facts serve this
		// query from memory only.
		mu.Lock()
		s.ephemeral = append(s.ephemeral, payload)
		s.conf.Verified(c.cand.FileKey, c.key.RepoID)
		mu.Unlock()
		c.class = facts.Fresh
		return
	}

	if err := e.persistPayload(ctx, s, c, payload, overlayOwned, result.Duration, mu); err != nil {
		e.logger.Error("fact persistence failed", map[string]interface{}{
			"file_key": c.cand.FileKey,
			"error":    err.Error(),
		})
		return
	}
	mu.Lock()
	s.conf.Verified(c.cand.FileKey, c.key.RepoID)
	mu.Unlock()
	c.class = facts.Fresh
}

// buildPayload resolves the extractor's include deps through the
// workspace and computes the stored hashes.
func (e *Engine) buildPayload(s *session, c *classification, output *facts.ExtractorOutput) *facts.ParsePayload {
	resolved := make([]facts.ResolvedIncludeDep, 0, len(output.IncludeDeps))
	pairs := make([]hashing.IncludePair, 0, len(output.IncludeDeps))
	var warnings []string
	for _, dep := range output.IncludeDeps {
		r := s.ws.ResolveInclude(dep.Path, dep.Depth)
		resolved = append(resolved, r)
		if !r.Resolved {
			warnings = appendOnce(warnings, envelope.WarnUnresolvedInc)
			continue
		}
		if h, err := hashing.ContentHashFile(r.ResolvedAbsPath); err == nil {
			pairs = append(pairs, hashing.IncludePair{FileKey: r.ResolvedFileKey, ContentHash: h})
		}
	}
	includesHash := hashing.IncludesHash(pairs)

	return &facts.ParsePayload{
		ContextID:           c.contextID,
		FileKey:             c.cand.FileKey,
		RepoID:              c.key.RepoID,
		RelPath:             c.key.RelPath,
		AbsPath:             c.key.AbsPath,
		Output:              *output,
		ResolvedIncludeDeps: resolved,
		ContentHash:         c.contentHash,
		FlagsHash:           c.flagsHash,
		IncludesHash:        includesHash,
		CompositeHash:       hashing.CompositeHash(c.contentHash, c.flagsHash, includesHash),
		Warnings:            warnings,
	}
}

// persistPayload hands the payload to the single writer: facts, the
// audit row, and overlay row accounting in one op. mu guards the
// builder and the resolved context when a cap trips mid fan-out.
func (e *Engine) persistPayload(ctx context.Context, s *session, c *classification, payload *facts.ParsePayload, overlayOwned bool, duration time.Duration, mu *sync.Mutex) error {
	var mode string
	future, err := e.writer.Submit(ctx, writer.WriteOp{
		Name: "upsert_parse_payload",
		Fn: func() error {
			if err := e.facts.UpsertParsePayload(payload); err != nil {
				return err
			}
			if err := e.facts.RecordParseRun(&storage.ParseRun{
				ContextID:       payload.ContextID,
				FileKey:         payload.FileKey,
				Action:          string(extract.ActionExtractAll),
				Success:         true,
				DurationMs:      duration.Milliseconds(),
				DiagnosticsJSON: storage.EncodeDiagnostics(payload.Output.Diagnostics),
			}); err != nil {
				return err
			}
			if overlayOwned {
				var err error
				mode, err = e.facts.BumpOverlayCounts(payload.ContextID, 1, payload.PersistedRowCount(),
					e.contexts.Options().MaxOverlayFiles, e.contexts.Options().MaxOverlayRows)
				return err
			}
			return nil
		},
	})
	if err != nil {
		return err
	}
	if err := future.Wait(ctx); err != nil {
		return err
	}
	if mode == "partial_overlay" {
		e.metrics.OverlayDegraded()
		mu.Lock()
		s.resolved.Context.OverlayMode = mode
		s.conf.OverlayMode(mode)
		s.conf.Warn(envelope.WarnPartialOverlay)
		mu.Unlock()
	}
	return nil
}

// recordParseRun persists a failed run best-effort; audit rows never
// block a query.
func (e *Engine) recordParseRun(c *classification, action string, success bool, duration time.Duration, diags []string) {
	run := &storage.ParseRun{
		ContextID:       c.contextID,
		FileKey:         c.cand.FileKey,
		Action:          action,
		Success:         success,
		DurationMs:      duration.Milliseconds(),
		DiagnosticsJSON: storage.EncodeDiagnostics(diags),
	}
	if _, err := e.writer.TrySubmit(writer.WriteOp{
		Name: "record_parse_run",
		Fn:   func() error { return e.facts.RecordParseRun(run) },
	}); err == writer.ErrWouldBlock {
		e.metrics.WriterDropped()
	}
}

// materialize spills overlay-inline content to a temp file so the
// extractor can read it. The original extension is preserved for
// language detection.
func materialize(content, relPath string) (string, error) {
	f, err := os.CreateTemp("", "cxxkb-overlay-*"+filepath.Ext(relPath))
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func diagnosticsOf(r *extract.Result) []string {
	if r == nil || r.Output == nil {
		return nil
	}
	return r.Output.Diagnostics
}

func appendOnce(list []string, code string) []string {
	for _, c := range list {
		if c == code {
			return list
		}
	}
	return append(list, code)
}
