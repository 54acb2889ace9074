package envelope

import (
	"math"
	"sort"
)

// Builder accumulates per-file verdicts during a query and renders the
// final Confidence. Not safe for concurrent use; each query owns one.
type Builder struct {
	verified   map[string]bool
	stale      map[string]bool
	unparsed   map[string]bool
	repoTotals map[string]int
	repoOK     map[string]int
	warnings   []string
	warnSeen   map[string]bool

	overlayMode string
}

// NewBuilder returns an empty confidence builder.
func NewBuilder() *Builder {
	return &Builder{
		verified:   make(map[string]bool),
		stale:      make(map[string]bool),
		unparsed:   make(map[string]bool),
		repoTotals: make(map[string]int),
		repoOK:     make(map[string]int),
		warnSeen:   make(map[string]bool),
	}
}

// Verified records a file whose facts are current. A file verified late
// (parsed during the query) is removed from the stale/unparsed buckets.
func (b *Builder) Verified(fileKey, repoID string) {
	if b.verified[fileKey] {
		return
	}
	if b.stale[fileKey] {
		delete(b.stale, fileKey)
	} else if b.unparsed[fileKey] {
		delete(b.unparsed, fileKey)
	} else {
		b.repoTotals[repoID]++
	}
	b.verified[fileKey] = true
	b.repoOK[repoID]++
}

// Stale records a file with out-of-date cached facts.
func (b *Builder) Stale(fileKey, repoID string) {
	if b.verified[fileKey] || b.stale[fileKey] || b.unparsed[fileKey] {
		return
	}
	b.stale[fileKey] = true
	b.repoTotals[repoID]++
}

// Unparsed records a file with no usable facts.
func (b *Builder) Unparsed(fileKey, repoID string) {
	if b.verified[fileKey] || b.unparsed[fileKey] {
		return
	}
	if b.stale[fileKey] {
		delete(b.stale, fileKey)
	} else {
		b.repoTotals[repoID]++
	}
	b.unparsed[fileKey] = true
}

// Warn appends a warning code once.
func (b *Builder) Warn(code string) {
	if b.warnSeen[code] {
		return
	}
	b.warnSeen[code] = true
	b.warnings = append(b.warnings, code)
}

// OverlayMode records the active context's overlay mode.
func (b *Builder) OverlayMode(mode string) {
	b.overlayMode = mode
}

// Build renders the envelope. File lists are sorted; coverage ratios are
// rounded to four decimal places.
func (b *Builder) Build() Confidence {
	c := Confidence{
		VerifiedFiles: sortedKeys(b.verified),
		StaleFiles:    sortedKeys(b.stale),
		UnparsedFiles: sortedKeys(b.unparsed),
		RepoCoverage:  make(map[string]float64, len(b.repoTotals)),
		OverlayMode:   b.overlayMode,
		Warnings:      b.warnings,
	}
	for repoID, total := range b.repoTotals {
		if total == 0 {
			continue
		}
		ratio := float64(b.repoOK[repoID]) / float64(total)
		c.RepoCoverage[repoID] = math.Round(ratio*10000) / 10000
	}
	return c
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
