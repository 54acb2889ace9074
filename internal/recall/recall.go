package recall

import (
	"context"
	"time"

	"cxxkb/internal/envelope"
	"cxxkb/internal/logging"
	"cxxkb/internal/storage"
	"cxxkb/internal/workspace"
)

// Candidate sources, in precedence order.
const (
	SourceOverlayFTS  = "overlay_fts"
	SourceBaselineFTS = "baseline_fts"
	SourceRg          = "rg"
)

// Candidate is one file the symbol might live in.
type Candidate struct {
	FileKey string `json:"file_key"`
	RepoID  string `json:"repo_id"`
	Source  string `json:"source"`
}

// Request scopes one recall run.
type Request struct {
	Symbol string
	// Chain is the context chain, overlay first.
	Chain []string
	// Excluded are file keys suppressed by the overlay (tombstones and
	// rename sources); they never become candidates from baseline legs.
	Excluded map[string]bool
	// Repos are the candidate repo ids after depends_on closure.
	Repos []string
	// MaxFiles caps the total candidate count.
	MaxFiles int
}

// Recaller is the interface the orchestrator consumes; Service is the
// production implementation.
type Recaller interface {
	Candidates(ctx context.Context, ws *workspace.Workspace, req Request) ([]Candidate, []string, error)
}

// Options tunes the service.
type Options struct {
	MaxFiles        int
	SourceGlobs     []string
	SlowRecallAfter time.Duration
}

// Service merges FTS hits from the store with a ripgrep scan of the
// checkouts. FTS covers parsed files; ripgrep covers everything else.
type Service struct {
	logger *logging.Logger
	fts    *storage.RecallRepository
	rg     *Runner
	opts   Options
}

// NewService wires the recall service.
func NewService(logger *logging.Logger, fts *storage.RecallRepository, rg *Runner, opts Options) *Service {
	if opts.MaxFiles <= 0 {
		opts.MaxFiles = 200
	}
	if opts.SlowRecallAfter <= 0 {
		opts.SlowRecallAfter = 5 * time.Second
	}
	return &Service{logger: logger.Named("recall"), fts: fts, rg: rg, opts: opts}
}

// Candidates implements Recaller. FTS legs run overlay-first so overlay
// hits win the dedupe; ripgrep fills the remaining per-repo budget.
// Recall failures degrade to warnings, never abort the query.
func (s *Service) Candidates(ctx context.Context, ws *workspace.Workspace, req Request) ([]Candidate, []string, error) {
	start := time.Now()
	var warnings []string

	maxFiles := req.MaxFiles
	if maxFiles <= 0 || maxFiles > s.opts.MaxFiles {
		maxFiles = s.opts.MaxFiles
	}
	repoSet := make(map[string]bool, len(req.Repos))
	for _, r := range req.Repos {
		repoSet[r] = true
	}

	merged := newCandidateSet(maxFiles, repoSet, req.Excluded)

	for i, contextID := range req.Chain {
		source := SourceBaselineFTS
		applyExclusions := i == len(req.Chain)-1
		if !applyExclusions {
			source = SourceOverlayFTS
		}
		hits, err := s.fts.Search(contextID, req.Symbol, maxFiles)
		if err != nil {
			s.logger.Warn("fts recall failed", map[string]interface{}{
				"context_id": contextID,
				"error":      err.Error(),
			})
			warnings = append(warnings, "fts_unavailable")
			continue
		}
		for _, hit := range hits {
			merged.add(hit.FileKey, source, applyExclusions)
		}
	}

	warnings = append(warnings, s.rgScan(ctx, ws, req, merged)...)

	if elapsed := time.Since(start); elapsed > s.opts.SlowRecallAfter {
		s.logger.Warn("slow recall", map[string]interface{}{
			"symbol":     req.Symbol,
			"elapsed_ms": elapsed.Milliseconds(),
			"candidates": len(merged.out),
		})
		warnings = append(warnings, envelope.WarnSlowRecall)
	}
	return merged.out, warnings, nil
}

// rgScan runs the lexical fallback per repo, honouring a per-repo budget
// so one huge repo cannot starve the rest.
func (s *Service) rgScan(ctx context.Context, ws *workspace.Workspace, req Request, merged *candidateSet) []string {
	if s.rg == nil || len(req.Repos) == 0 {
		return nil
	}
	pattern := BuildPattern(req.Symbol)
	if pattern == "" {
		return nil
	}

	perRepo := merged.max / len(req.Repos)
	if perRepo < 20 {
		perRepo = 20
	}

	var warnings []string
	for _, repoID := range req.Repos {
		if merged.full() {
			break
		}
		root, err := ws.RepoRoot(repoID)
		if err != nil {
			continue
		}
		hits, err := s.rg.Search(ctx, pattern, root, s.opts.SourceGlobs, perRepo)
		if err != nil {
			s.logger.Warn("rg recall failed", map[string]interface{}{
				"repo_id": repoID,
				"error":   err.Error(),
			})
			warnings = append(warnings, "rg_unavailable")
			continue
		}
		for _, hit := range hits {
			rk, ok := ws.FileKeyForAbsPath(hit.Path)
			if !ok || rk.RepoID != repoID {
				continue
			}
			merged.add(rk.FileKey, SourceRg, true)
		}
	}
	return warnings
}

// candidateSet dedupes by file key with first-source-wins semantics and
// enforces the repo scope, exclusion set, and total cap.
type candidateSet struct {
	max      int
	repos    map[string]bool
	excluded map[string]bool
	seen     map[string]bool
	out      []Candidate
}

func newCandidateSet(max int, repos, excluded map[string]bool) *candidateSet {
	return &candidateSet{max: max, repos: repos, excluded: excluded, seen: make(map[string]bool)}
}

func (c *candidateSet) full() bool {
	return len(c.out) >= c.max
}

func (c *candidateSet) add(fileKey, source string, applyExclusions bool) {
	if c.full() || c.seen[fileKey] {
		return
	}
	if applyExclusions && c.excluded[fileKey] {
		return
	}
	repoID, _, ok := workspace.SplitFileKey(fileKey)
	if !ok || (len(c.repos) > 0 && !c.repos[repoID]) {
		return
	}
	c.seen[fileKey] = true
	c.out = append(c.out, Candidate{FileKey: fileKey, RepoID: repoID, Source: source})
}
