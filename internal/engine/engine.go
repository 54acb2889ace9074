// Package engine is the query orchestrator: a five-stage pipeline that
// turns a symbol question into an answer with an explicit confidence
// envelope. Stages: resolve context, recall candidates, classify
// freshness, bounded parse fan-out, merge and assemble.
package engine

import (
	"context"
	"time"

	"cxxkb/internal/compiledb"
	"cxxkb/internal/contexts"
	"cxxkb/internal/cxxerr"
	"cxxkb/internal/envelope"
	"cxxkb/internal/extract"
	"cxxkb/internal/facts"
	"cxxkb/internal/logging"
	"cxxkb/internal/metrics"
	"cxxkb/internal/outline"
	"cxxkb/internal/recall"
	"cxxkb/internal/storage"
	"cxxkb/internal/workspace"
	"cxxkb/internal/writer"
)

// Options bounds per-query work.
type Options struct {
	// MaxParseBudget caps cold parses per query.
	MaxParseBudget int
	// MaxRecallFiles caps candidates per query.
	MaxRecallFiles int
	// MaxRepoHops bounds the depends_on closure for scope resolution.
	MaxRepoHops int
	// QueryDeadline is the default per-query deadline.
	QueryDeadline time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxParseBudget <= 0 {
		o.MaxParseBudget = 15
	}
	if o.MaxRecallFiles <= 0 {
		o.MaxRecallFiles = 200
	}
	if o.MaxRepoHops <= 0 {
		o.MaxRepoHops = 2
	}
	if o.QueryDeadline <= 0 {
		o.QueryDeadline = 3 * time.Second
	}
	return o
}

// Engine glues the workspace layer, context manager, recaller, hasher,
// extractor driver, and fact store into query answers.
type Engine struct {
	logger     *logging.Logger
	opts       Options
	db         *storage.DB
	facts      *storage.FactRepository
	syncJobs   *storage.SyncJobRepository
	metricsDB  *storage.MetricsRepository
	writer     *writer.Writer
	workspaces *workspace.Manager
	contexts   *contexts.Manager
	recaller   recall.Recaller
	rg         *recall.Runner
	driver     *extract.Driver
	compileDBs *compiledb.Cache
	outliner   *outline.Extractor
	metrics    *metrics.Metrics
}

// New wires an Engine.
func New(
	logger *logging.Logger,
	opts Options,
	db *storage.DB,
	wr *writer.Writer,
	workspaces *workspace.Manager,
	ctxMgr *contexts.Manager,
	recaller recall.Recaller,
	rg *recall.Runner,
	driver *extract.Driver,
	compileDBs *compiledb.Cache,
	m *metrics.Metrics,
) *Engine {
	return &Engine{
		logger:     logger.Named("engine"),
		opts:       opts.withDefaults(),
		db:         db,
		facts:      storage.NewFactRepository(db),
		syncJobs:   storage.NewSyncJobRepository(db),
		metricsDB:  storage.NewMetricsRepository(db),
		writer:     wr,
		workspaces: workspaces,
		contexts:   ctxMgr,
		recaller:   recaller,
		rg:         rg,
		driver:     driver,
		compileDBs: compileDBs,
		outliner:   outline.NewExtractor(),
		metrics:    m,
	}
}

// Scope narrows a query to a set of entry repos; their depends_on
// closure (bounded by MaxRepoHops) defines the candidate repos.
type Scope struct {
	EntryRepos  []string `json:"entry_repos,omitempty"`
	MaxRepoHops int      `json:"max_repo_hops,omitempty"`
}

// session carries the resolved state of one query through the stages.
type session struct {
	ws       *workspace.Workspace
	resolved *contexts.Resolved
	repos    []string
	conf     *envelope.Builder

	candidates []recall.Candidate
	classified []classification

	// ephemeral holds parse payloads that were not persisted because the
	// overlay is in partial mode; their facts merge in memory.
	ephemeral []*facts.ParsePayload
}

// resolve runs stage 1: workspace, context chain, and repo scope.
func (e *Engine) resolve(ctx context.Context, workspaceID string, sel contexts.Selector, scope Scope) (*session, error) {
	if workspaceID == "" {
		return nil, cxxerr.New(cxxerr.ValidationError, "workspace_id is required")
	}
	ws, err := e.workspaces.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	resolved, err := e.contexts.Resolve(ctx, workspaceID, sel)
	if err != nil {
		return nil, err
	}

	hops := scope.MaxRepoHops
	if hops <= 0 || hops > e.opts.MaxRepoHops {
		hops = e.opts.MaxRepoHops
	}

	s := &session{
		ws:       ws,
		resolved: resolved,
		repos:    ws.CandidateRepos(scope.EntryRepos, hops),
		conf:     envelope.NewBuilder(),
	}
	s.conf.OverlayMode(resolved.OverlayMode())
	if resolved.Partial() {
		s.conf.Warn(envelope.WarnPartialOverlay)
	}
	return s, nil
}

// chainQuery renders the session into a fact-store read scope.
func (s *session) chainQuery(limit int) storage.ChainQuery {
	keys := make([]string, 0, len(s.candidates))
	for _, c := range s.candidates {
		keys = append(keys, c.FileKey)
	}
	excluded := make([]string, 0, len(s.resolved.Excluded))
	for fk := range s.resolved.Excluded {
		excluded = append(excluded, fk)
	}
	return storage.ChainQuery{
		Chain:                s.resolved.Chain,
		CandidateFileKeys:    keys,
		ExcludedBaselineKeys: excluded,
		Limit:                limit,
	}
}

// recallStage runs stage 2 and records its warnings.
func (e *Engine) recallStage(ctx context.Context, s *session, symbol string) error {
	if symbol == "" {
		return cxxerr.New(cxxerr.ValidationError, "symbol is required")
	}
	cands, warnings, err := e.recaller.Candidates(ctx, s.ws, recall.Request{
		Symbol:   symbol,
		Chain:    s.resolved.Chain,
		Excluded: s.resolved.Excluded,
		Repos:    s.repos,
		MaxFiles: e.opts.MaxRecallFiles,
	})
	if err != nil {
		return err
	}
	s.candidates = cands
	for _, w := range warnings {
		s.conf.Warn(w)
	}
	if len(cands) == 0 {
		s.conf.Warn(envelope.WarnNoCandidates)
	}
	return nil
}
