// Package envelope defines the response metadata attached to every query
// and exploration answer: what was verified, what is stale, how much of
// the requested work was actually done.
package envelope

// Warning codes attached to confidence envelopes.
const (
	WarnNoCandidates     = "no_candidates"
	WarnBudgetExceeded   = "budget_exceeded"
	WarnSlowRecall       = "slow_recall"
	WarnPartialOverlay   = "partial_overlay"
	WarnUnresolvedInc    = "external_unresolved_include"
	WarnMissingCompileDB = "missing_compile_db"
	WarnOutsideWorkspace = "file_outside_workspace"
	WarnOutlineFallback  = "outline_fallback"
)

// Confidence enumerates what the answer is actually backed by. Every
// query response carries one, even when the result set is empty.
type Confidence struct {
	// VerifiedFiles were fresh or parsed during this query; their facts
	// are current.
	VerifiedFiles []string `json:"verified_files"`

	// StaleFiles have cached facts whose composite hash no longer
	// matches; their rows were served anyway.
	StaleFiles []string `json:"stale_files"`

	// UnparsedFiles have no usable facts (never parsed, missing compile
	// flags, parse failure, or skipped for budget).
	UnparsedFiles []string `json:"unparsed_files"`

	// RepoCoverage maps repo_id to verified/total for that repo's
	// candidates. Repos with zero candidates are absent.
	RepoCoverage map[string]float64 `json:"repo_coverage"`

	// OverlayMode is the active context's overlay mode: full, sparse,
	// or partial_overlay.
	OverlayMode string `json:"overlay_mode,omitempty"`

	Warnings []string `json:"warnings,omitempty"`
}

// Cost reports how much of a bounded exploration request was honoured.
type Cost struct {
	Requested        int      `json:"requested"`
	Applied          int      `json:"applied"`
	Consumed         int      `json:"consumed"`
	Truncated        bool     `json:"truncated"`
	TruncationReason []string `json:"truncation_reasons,omitempty"`
}

// Coverage reports how much of the candidate population an exploration
// answer covers.
type Coverage struct {
	Total          int      `json:"total"`
	Considered     int      `json:"considered"`
	Verified       int      `json:"verified"`
	Partial        int      `json:"partial"`
	PartialReasons []string `json:"partial_reasons,omitempty"`
}

// NewCost caps requested at max and records the truncation when the cap
// bites. A zero or negative request selects the cap itself.
func NewCost(requested, max int, reason string) Cost {
	c := Cost{Requested: requested, Applied: requested}
	if requested <= 0 {
		c.Applied = max
		return c
	}
	if requested > max {
		c.Applied = max
		c.Truncated = true
		c.TruncationReason = append(c.TruncationReason, reason)
	}
	return c
}

// Consume records actual usage; consuming the full allowance with more
// work left marks the cost truncated.
func (c *Cost) Consume(used int, exhausted bool, reason string) {
	c.Consumed = used
	if exhausted {
		c.Truncated = true
		c.TruncationReason = append(c.TruncationReason, reason)
	}
}
