package contexts

import (
	"context"

	"cxxkb/internal/cxxerr"
	"cxxkb/internal/storage"
	"cxxkb/internal/writer"
)

// FileChange is one changed file in a PR overlay request.
type FileChange struct {
	FileKey             string  `json:"file_key"`
	State               string  `json:"state"`
	ReplacedFromFileKey string  `json:"replaced_from_file_key,omitempty"`
	Content             *string `json:"content,omitempty"`
	ContentHash         string  `json:"content_hash,omitempty"`
}

var validStates = map[string]bool{
	StateAdded:     true,
	StateModified:  true,
	StateDeleted:   true,
	StateRenamed:   true,
	StateUnchanged: true,
}

// CreatePROverlay materialises a sparse overlay context for a PR. File
// states are persisted in one writer op; facts arrive later as files are
// parsed. When the changed-file count alone breaches the overlay cap the
// context is created directly in partial_overlay mode: states above the
// cap are still recorded (tombstones must suppress baseline rows), but
// bulk fact persistence is refused and queries parse lazily.
func (m *Manager) CreatePROverlay(ctx context.Context, workspaceID, prID string, files []FileChange) (*storage.AnalysisContext, error) {
	if prID == "" {
		return nil, cxxerr.New(cxxerr.ValidationError, "pr_id is required")
	}
	baseContextID := storage.BaselineContextID(workspaceID)
	base, err := m.contexts.Get(baseContextID)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return nil, cxxerr.Newf(cxxerr.NotFound, "workspace %s has no baseline context", workspaceID)
	}

	changed := 0
	for i := range files {
		f := &files[i]
		if !validStates[f.State] {
			return nil, cxxerr.Newf(cxxerr.ValidationError, "unknown file state %q for %s", f.State, f.FileKey)
		}
		// A rename that does not name its source cannot suppress the old
		// key; it degrades to a plain add.
		if f.State == StateRenamed && f.ReplacedFromFileKey == "" {
			f.State = StateAdded
		}
		if f.State == StateAdded || f.State == StateModified || f.State == StateRenamed {
			changed++
		}
	}

	contextID := PRContextID(workspaceID, prID)
	forcePartial := changed > m.opts.MaxOverlayFiles

	var created *storage.AnalysisContext
	future, err := m.writer.Submit(ctx, writer.WriteOp{
		Name: "create_pr_overlay",
		Fn: func() error {
			row, err := m.contexts.CreatePR(workspaceID, contextID, baseContextID, m.opts.TTL)
			if err != nil {
				return err
			}
			for _, f := range files {
				if err := m.contexts.UpsertFileState(&storage.ContextFileState{
					ContextID:           contextID,
					FileKey:             f.FileKey,
					State:               f.State,
					ReplacedFromFileKey: f.ReplacedFromFileKey,
					Content:             f.Content,
					ContentHash:         f.ContentHash,
				}); err != nil {
					return err
				}
			}
			mode, err := m.contexts.UpdateOverlayStats(contextID, changed, 0,
				m.opts.MaxOverlayFiles, m.opts.MaxOverlayRows, forcePartial)
			if err != nil {
				return err
			}
			row.OverlayMode = mode
			row.OverlayFileCount = changed
			created = row
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	if err := future.Wait(ctx); err != nil {
		return nil, err
	}

	if created.OverlayMode == "partial_overlay" {
		m.logger.Warn("overlay created in partial mode", map[string]interface{}{
			"context_id":    contextID,
			"changed_files": changed,
			"max_files":     m.opts.MaxOverlayFiles,
		})
	} else {
		m.logger.Info("pr overlay created", map[string]interface{}{
			"context_id":    contextID,
			"changed_files": changed,
		})
	}
	return created, nil
}

// RecordPersistedRows accounts freshly persisted overlay fact rows
// against the caps and returns the resulting overlay mode. Baseline
// contexts always report "full".
func (m *Manager) RecordPersistedRows(ctx context.Context, contextID string, deltaFiles, deltaRows int) (string, error) {
	var mode string
	future, err := m.writer.Submit(ctx, writer.WriteOp{
		Name: "bump_overlay_counts",
		Fn: func() error {
			var err error
			mode, err = m.facts.BumpOverlayCounts(contextID, deltaFiles, deltaRows,
				m.opts.MaxOverlayFiles, m.opts.MaxOverlayRows)
			return err
		},
	})
	if err != nil {
		return "", err
	}
	if err := future.Wait(ctx); err != nil {
		return "", err
	}
	if mode == "partial_overlay" {
		m.logger.Warn("overlay cap breached, context degraded", map[string]interface{}{
			"context_id": contextID,
		})
	}
	return mode, nil
}

// Expire marks a context expired and reclaims its rows through the
// writer.
func (m *Manager) Expire(ctx context.Context, contextID string) error {
	row, err := m.contexts.Get(contextID)
	if err != nil {
		return err
	}
	if row == nil {
		return cxxerr.Newf(cxxerr.NotFound, "context not found: %s", contextID)
	}
	if row.Mode == "baseline" {
		return cxxerr.New(cxxerr.ValidationError, "baseline contexts cannot be expired")
	}

	future, err := m.writer.Submit(ctx, writer.WriteOp{
		Name: "expire_context",
		Fn: func() error {
			return m.contexts.Expire(contextID)
		},
	})
	if err != nil {
		return err
	}
	if err := future.Wait(ctx); err != nil {
		return err
	}
	m.logger.Info("context expired", map[string]interface{}{"context_id": contextID})
	return nil
}
