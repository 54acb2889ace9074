// Package contexts owns analysis-context lifecycle: the long-lived
// baseline per workspace, sparse PR overlays chained onto it, overlay
// size caps, and TTL/LRU garbage collection.
package contexts

import (
	"context"
	"time"

	"cxxkb/internal/cxxerr"
	"cxxkb/internal/logging"
	"cxxkb/internal/storage"
	"cxxkb/internal/writer"
)

// File states an overlay may declare.
const (
	StateAdded     = "added"
	StateModified  = "modified"
	StateDeleted   = "deleted"
	StateRenamed   = "renamed"
	StateUnchanged = "unchanged"
)

// Options caps overlays and tunes GC.
type Options struct {
	MaxOverlayFiles int
	MaxOverlayRows  int
	TTL             time.Duration
	DiskBudgetBytes int64
	GCInterval      time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxOverlayFiles <= 0 {
		o.MaxOverlayFiles = 5000
	}
	if o.MaxOverlayRows <= 0 {
		o.MaxOverlayRows = 2_000_000
	}
	if o.TTL <= 0 {
		o.TTL = 72 * time.Hour
	}
	if o.GCInterval <= 0 {
		o.GCInterval = 5 * time.Minute
	}
	return o
}

// Selector names the context a query wants: the baseline by default, or
// a PR overlay by id.
type Selector struct {
	Mode      string `json:"mode,omitempty"`
	ContextID string `json:"context_id,omitempty"`
}

// Resolved is a query-ready view of a context chain.
type Resolved struct {
	Context *storage.AnalysisContext
	// Chain lists context ids overlay-first; a baseline resolve has one
	// element.
	Chain []string
	// FileStates indexes the overlay's per-file states by file key.
	// Empty for baseline resolves.
	FileStates map[string]storage.ContextFileState
	// Excluded are baseline file keys the overlay suppresses: tombstones,
	// rename sources, and keys the overlay re-materialises.
	Excluded map[string]bool
}

// OverlayMode returns the resolved context's overlay mode.
func (r *Resolved) OverlayMode() string {
	return r.Context.OverlayMode
}

// Partial reports whether the overlay has degraded to partial_overlay.
func (r *Resolved) Partial() bool {
	return r.Context.OverlayMode == "partial_overlay"
}

// Manager resolves, creates, and reclaims contexts.
type Manager struct {
	logger   *logging.Logger
	contexts *storage.ContextRepository
	facts    *storage.FactRepository
	metrics  *storage.MetricsRepository
	writer   *writer.Writer
	opts     Options
}

// NewManager wires the context manager.
func NewManager(logger *logging.Logger, db *storage.DB, wr *writer.Writer, opts Options) *Manager {
	return &Manager{
		logger:   logger.Named("contexts"),
		contexts: storage.NewContextRepository(db),
		facts:    storage.NewFactRepository(db),
		metrics:  storage.NewMetricsRepository(db),
		writer:   wr,
		opts:     opts.withDefaults(),
	}
}

// Options exposes the effective caps for callers that report them.
func (m *Manager) Options() Options {
	return m.opts
}

// PRContextID renders the canonical id for a PR overlay.
func PRContextID(workspaceID, prID string) string {
	return workspaceID + ":pr:" + prID
}

// Resolve loads the context a query should run against and touches its
// last-access time. An empty selector resolves the workspace baseline.
func (m *Manager) Resolve(ctx context.Context, workspaceID string, sel Selector) (*Resolved, error) {
	switch sel.Mode {
	case "", "baseline":
		return m.resolveBaseline(workspaceID)
	case "pr":
		if sel.ContextID == "" {
			return nil, cxxerr.New(cxxerr.ValidationError, "pr analysis_context requires context_id")
		}
		return m.resolvePR(workspaceID, sel.ContextID)
	default:
		return nil, cxxerr.Newf(cxxerr.ValidationError, "unknown analysis_context mode %q", sel.Mode)
	}
}

func (m *Manager) resolveBaseline(workspaceID string) (*Resolved, error) {
	contextID := storage.BaselineContextID(workspaceID)
	row, err := m.contexts.Get(contextID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, cxxerr.Newf(cxxerr.NotFound, "workspace %s has no baseline context; register it first", workspaceID)
	}
	m.touch(contextID)
	return &Resolved{Context: row, Chain: []string{contextID}}, nil
}

func (m *Manager) resolvePR(workspaceID, contextID string) (*Resolved, error) {
	row, err := m.contexts.Get(contextID)
	if err != nil {
		return nil, err
	}
	if row == nil || row.WorkspaceID != workspaceID {
		return nil, cxxerr.Newf(cxxerr.NotFound, "context not found: %s", contextID)
	}
	if row.Status != "active" {
		return nil, cxxerr.Newf(cxxerr.NotFound, "context %s is expired", contextID)
	}
	if row.Mode != "pr" {
		// Asking for a baseline by id through the pr mode is harmless.
		m.touch(contextID)
		return &Resolved{Context: row, Chain: []string{contextID}}, nil
	}

	states, err := m.contexts.FileStates(contextID)
	if err != nil {
		return nil, err
	}
	resolved := &Resolved{
		Context:    row,
		Chain:      []string{contextID, row.BaseContextID},
		FileStates: make(map[string]storage.ContextFileState, len(states)),
		Excluded:   make(map[string]bool),
	}
	for _, st := range states {
		resolved.FileStates[st.FileKey] = st
		switch st.State {
		case StateAdded, StateModified:
			resolved.Excluded[st.FileKey] = true
		case StateDeleted:
			resolved.Excluded[st.FileKey] = true
		case StateRenamed:
			resolved.Excluded[st.FileKey] = true
			if st.ReplacedFromFileKey != "" {
				resolved.Excluded[st.ReplacedFromFileKey] = true
			}
		}
	}
	m.touch(contextID)
	return resolved, nil
}

// touch refreshes last_accessed_at through the writer. Best effort: a
// full queue drops the touch rather than stalling a read.
func (m *Manager) touch(contextID string) {
	_, err := m.writer.TrySubmit(writer.WriteOp{
		Name: "touch_context",
		Fn: func() error {
			return m.contexts.Touch(contextID, m.opts.TTL)
		},
	})
	if err != nil && err != writer.ErrWouldBlock && err != writer.ErrClosed {
		m.logger.Warn("context touch failed", map[string]interface{}{
			"context_id": contextID,
			"error":      err.Error(),
		})
	}
}
