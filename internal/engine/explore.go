package engine

import (
	"context"
	"os"
	"sort"
	"strings"

	"cxxkb/internal/contexts"
	"cxxkb/internal/cxxerr"
	"cxxkb/internal/envelope"
	"cxxkb/internal/facts"
	"cxxkb/internal/recall"
)

// Hard caps on the exploration surface. Requests above a cap are
// honoured up to the cap and marked truncated, never rejected.
const (
	MaxRgHits     = 5000
	MaxFetchLimit = 20000
	MaxReadBytes  = 512 * 1024
	MaxParseFiles = 5000
	defaultRgHits = 200
	defaultFetch  = 1000
)

// ExploreRequest is the shared body of the exploration operations; each
// operation reads the fields it needs.
type ExploreRequest struct {
	WorkspaceID string            `json:"workspace_id"`
	Context     contexts.Selector `json:"analysis_context,omitempty"`
	Scope       Scope             `json:"scope,omitempty"`
	Pattern     string            `json:"pattern,omitempty"`
	Symbol      string            `json:"symbol,omitempty"`
	FileKey     string            `json:"file_key,omitempty"`
	FileKeys    []string          `json:"file_keys,omitempty"`
	Direction   string            `json:"direction,omitempty"`
	Limit       int               `json:"limit,omitempty"`
}

// ExploreHit is one lexical match.
type ExploreHit struct {
	FileKey string `json:"file_key"`
	RepoID  string `json:"repo_id"`
	AbsPath string `json:"abs_path"`
	Line    int    `json:"line"`
}

// RgSearchResponse answers an rg-search.
type RgSearchResponse struct {
	Hits []ExploreHit  `json:"hits"`
	Cost envelope.Cost `json:"cost"`
}

// RgSearch runs a raw ripgrep pattern over the scoped repos. Matches
// outside the workspace mapping are dropped.
func (e *Engine) RgSearch(ctx context.Context, req *ExploreRequest) (*RgSearchResponse, error) {
	if req.Pattern == "" {
		return nil, cxxerr.New(cxxerr.ValidationError, "pattern is required")
	}
	s, err := e.resolve(ctx, req.WorkspaceID, req.Context, req.Scope)
	if err != nil {
		return nil, err
	}

	requested := req.Limit
	if requested <= 0 {
		requested = defaultRgHits
	}
	cost := envelope.NewCost(requested, MaxRgHits, "rg_hit_cap")

	perRepo := cost.Applied
	if len(s.repos) > 0 {
		perRepo = cost.Applied / len(s.repos)
	}
	if perRepo < 20 {
		perRepo = 20
	}

	var hits []ExploreHit
	exhausted := false
	for _, repoID := range s.repos {
		if len(hits) >= cost.Applied {
			exhausted = true
			break
		}
		root, err := s.ws.RepoRoot(repoID)
		if err != nil {
			continue
		}
		found, err := e.rg.Search(ctx, req.Pattern, root, nil, perRepo)
		if err != nil {
			e.logger.Warn("rg search failed", map[string]interface{}{
				"repo_id": repoID,
				"error":   err.Error(),
			})
			continue
		}
		for _, hit := range found {
			if len(hits) >= cost.Applied {
				exhausted = true
				break
			}
			rk, ok := s.ws.FileKeyForAbsPath(hit.Path)
			if !ok || rk.RepoID != repoID {
				continue
			}
			hits = append(hits, ExploreHit{
				FileKey: rk.FileKey, RepoID: rk.RepoID, AbsPath: rk.AbsPath, Line: hit.Line,
			})
		}
	}
	cost.Consume(len(hits), exhausted, "rg_hit_cap")
	return &RgSearchResponse{Hits: hits, Cost: cost}, nil
}

// ReadFileResponse answers a read-file.
type ReadFileResponse struct {
	FileKey   string        `json:"file_key"`
	AbsPath   string        `json:"abs_path"`
	Content   string        `json:"content"`
	Truncated bool          `json:"truncated"`
	Cost      envelope.Cost `json:"cost"`
}

// ReadFile returns up to 512 KiB of one workspace file. Paths are jailed
// to the workspace root; overlay-inline content wins over the disk.
func (e *Engine) ReadFile(ctx context.Context, req *ExploreRequest) (*ReadFileResponse, error) {
	if req.FileKey == "" {
		return nil, cxxerr.New(cxxerr.ValidationError, "file_key is required")
	}
	s, err := e.resolve(ctx, req.WorkspaceID, req.Context, req.Scope)
	if err != nil {
		return nil, err
	}
	key, err := s.ws.AbsPathForFileKey(req.FileKey)
	if err != nil {
		return nil, err
	}
	if !pathWithin(key.AbsPath, s.ws.RootPath) {
		return nil, cxxerr.Newf(cxxerr.ValidationError, "file_outside_workspace: %s", req.FileKey)
	}

	requested := req.Limit
	if requested <= 0 {
		requested = MaxReadBytes
	}
	cost := envelope.NewCost(requested, MaxReadBytes, "read_byte_cap")

	var data []byte
	if st, ok := s.resolved.FileStates[req.FileKey]; ok && st.Content != nil {
		data = []byte(*st.Content)
	} else {
		data, err = os.ReadFile(key.AbsPath)
		if err != nil {
			return nil, cxxerr.Wrap(cxxerr.NotFound, "file unreadable: "+req.FileKey, err)
		}
	}

	truncated := len(data) > cost.Applied
	if truncated {
		data = data[:cost.Applied]
	}
	cost.Consume(len(data), truncated, "read_byte_cap")
	return &ReadFileResponse{
		FileKey: req.FileKey, AbsPath: key.AbsPath,
		Content: string(data), Truncated: truncated, Cost: cost,
	}, nil
}

// CompileCommandResponse answers a get-compile-command.
type CompileCommandResponse struct {
	FileKey   string   `json:"file_key"`
	Found     bool     `json:"found"`
	Args      []string `json:"args,omitempty"`
	Directory string   `json:"directory,omitempty"`
	Match     string   `json:"match,omitempty"`
}

// GetCompileCommand reports the effective compile args for one file.
func (e *Engine) GetCompileCommand(ctx context.Context, req *ExploreRequest) (*CompileCommandResponse, error) {
	if req.FileKey == "" {
		return nil, cxxerr.New(cxxerr.ValidationError, "file_key is required")
	}
	ws, err := e.workspaces.Get(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	key, err := ws.AbsPathForFileKey(req.FileKey)
	if err != nil {
		return nil, err
	}
	res, ok, err := e.compileDBs.Resolve(ws, key.RepoID, key.RelPath, key.AbsPath)
	if err != nil {
		return nil, err
	}
	resp := &CompileCommandResponse{FileKey: req.FileKey, Found: ok}
	if ok {
		resp.Args = res.Args
		resp.Directory = res.Directory
		resp.Match = string(res.Match)
	}
	return resp, nil
}

// CandidatesResponse answers a list-candidates. DeletedFileKeys surfaces
// overlay tombstones: files the active context removed still count
// toward the candidate population even though no candidate row exists.
type CandidatesResponse struct {
	Candidates      []recall.Candidate `json:"candidates"`
	DeletedFileKeys []string           `json:"deleted_file_keys"`
	Cost            envelope.Cost      `json:"cost"`
	Coverage        envelope.Coverage  `json:"coverage"`
}

// ListCandidates exposes the recall stage directly.
func (e *Engine) ListCandidates(ctx context.Context, req *ExploreRequest) (*CandidatesResponse, error) {
	s, err := e.resolve(ctx, req.WorkspaceID, req.Context, req.Scope)
	if err != nil {
		return nil, err
	}
	if err := e.recallStage(ctx, s, req.Symbol); err != nil {
		return nil, err
	}
	var deleted []string
	for fk, st := range s.resolved.FileStates {
		if st.State == contexts.StateDeleted {
			deleted = append(deleted, fk)
		}
	}
	sort.Strings(deleted)
	cost := envelope.NewCost(req.Limit, e.opts.MaxRecallFiles, "recall_file_cap")
	cands := s.candidates
	exhausted := len(cands) > cost.Applied
	if exhausted {
		cands = cands[:cost.Applied]
	}
	cost.Consume(len(cands), exhausted, "recall_file_cap")
	return &CandidatesResponse{
		Candidates:      cands,
		DeletedFileKeys: deleted,
		Cost:            cost,
		Coverage: envelope.Coverage{
			Total:      len(s.candidates) + len(deleted),
			Considered: len(cands),
		},
	}, nil
}

// FreshnessEntry is one file's classification.
type FreshnessEntry struct {
	FileKey string `json:"file_key"`
	RepoID  string `json:"repo_id"`
	Class   string `json:"class"`
}

// FreshnessResponse answers a classify-freshness.
type FreshnessResponse struct {
	Files    []FreshnessEntry  `json:"files"`
	Coverage envelope.Coverage `json:"coverage"`
}

// ClassifyFreshness classifies the named files without parsing anything.
func (e *Engine) ClassifyFreshness(ctx context.Context, req *ExploreRequest) (*FreshnessResponse, error) {
	s, err := e.sessionForKeys(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.classifyStage(s); err != nil {
		return nil, err
	}

	resp := &FreshnessResponse{Coverage: envelope.Coverage{Total: len(req.FileKeys), Considered: len(s.classified)}}
	for _, c := range s.classified {
		resp.Files = append(resp.Files, FreshnessEntry{
			FileKey: c.cand.FileKey, RepoID: c.key.RepoID, Class: string(c.class),
		})
		switch c.class {
		case facts.Fresh:
			resp.Coverage.Verified++
		default:
			resp.Coverage.Partial++
			resp.Coverage.PartialReasons = appendOnce(resp.Coverage.PartialReasons, string(c.class))
		}
	}
	return resp, nil
}

// ParseOutcome is one file's parse result.
type ParseOutcome struct {
	FileKey string `json:"file_key"`
	Class   string `json:"class"`
	Parsed  bool   `json:"parsed"`
}

// ParseFilesResponse answers a parse-file.
type ParseFilesResponse struct {
	Files      []ParseOutcome      `json:"files"`
	Cost       envelope.Cost       `json:"cost"`
	Confidence envelope.Confidence `json:"confidence"`
}

// ParseFiles force-parses the named files, capped at 5000 per request.
// The per-query parse budget does not apply here; the request size cap
// does.
func (e *Engine) ParseFiles(ctx context.Context, req *ExploreRequest) (*ParseFilesResponse, error) {
	if len(req.FileKeys) == 0 {
		return nil, cxxerr.New(cxxerr.ValidationError, "file_keys is required")
	}
	cost := envelope.NewCost(len(req.FileKeys), MaxParseFiles, "parse_file_cap")
	keys := req.FileKeys
	if len(keys) > cost.Applied {
		keys = keys[:cost.Applied]
	}

	scoped := *req
	scoped.FileKeys = keys
	s, err := e.sessionForKeys(ctx, &scoped)
	if err != nil {
		return nil, err
	}
	if err := e.classifyStage(s); err != nil {
		return nil, err
	}

	// Explicit parses are budgeted by the request cap, not the per-query
	// parse budget.
	e.parseStage(ctx, s, cost.Applied)

	resp := &ParseFilesResponse{Cost: cost}
	parsed := 0
	for _, c := range s.classified {
		outcome := ParseOutcome{FileKey: c.cand.FileKey, Class: string(c.class), Parsed: c.class == facts.Fresh}
		if outcome.Parsed {
			parsed++
		}
		resp.Files = append(resp.Files, outcome)
	}
	cost.Consume(parsed, len(req.FileKeys) > cost.Applied, "parse_file_cap")
	resp.Cost = cost
	resp.Confidence = s.conf.Build()
	return resp, nil
}

// FetchSymbolsResponse answers a fetch-symbols.
type FetchSymbolsResponse struct {
	Symbols []Symbol      `json:"symbols"`
	Cost    envelope.Cost `json:"cost"`
}

// FetchSymbols reads symbol rows straight from the store, no recall and
// no parsing.
func (e *Engine) FetchSymbols(ctx context.Context, req *ExploreRequest) (*FetchSymbolsResponse, error) {
	s, cost, err := e.fetchSession(ctx, req)
	if err != nil {
		return nil, err
	}
	rows, err := e.facts.SearchSymbolsByName(s.chainQuery(cost.Applied), req.Symbol)
	if err != nil {
		return nil, err
	}
	cost.Consume(len(rows), len(rows) == cost.Applied, "fetch_limit_cap")
	return &FetchSymbolsResponse{Symbols: symbolRowsToDTO(rows), Cost: cost}, nil
}

// FetchReferencesResponse answers a fetch-references.
type FetchReferencesResponse struct {
	References []Reference   `json:"references"`
	Cost       envelope.Cost `json:"cost"`
}

// FetchReferences reads reference rows straight from the store.
func (e *Engine) FetchReferences(ctx context.Context, req *ExploreRequest) (*FetchReferencesResponse, error) {
	s, cost, err := e.fetchSession(ctx, req)
	if err != nil {
		return nil, err
	}
	rows, err := e.facts.SearchReferences(s.chainQuery(cost.Applied), req.Symbol)
	if err != nil {
		return nil, err
	}
	refs := make([]Reference, 0, len(rows))
	for _, r := range rows {
		refs = append(refs, Reference{
			Symbol: r.SymbolQualifiedName,
			Kind:   r.RefKind,
			Location: Location{
				FileKey: r.FileKey, RepoID: r.RepoID, AbsPath: r.AbsPath, Line: r.Line, Col: r.Col,
			},
		})
	}
	cost.Consume(len(refs), len(refs) == cost.Applied, "fetch_limit_cap")
	return &FetchReferencesResponse{References: refs, Cost: cost}, nil
}

// FetchCallEdgesResponse answers a fetch-call-edges.
type FetchCallEdgesResponse struct {
	Edges []CallEdge    `json:"edges"`
	Cost  envelope.Cost `json:"cost"`
}

// FetchCallEdges reads call-edge rows straight from the store.
func (e *Engine) FetchCallEdges(ctx context.Context, req *ExploreRequest) (*FetchCallEdgesResponse, error) {
	direction := req.Direction
	if direction == "" {
		direction = string(facts.DirectionBoth)
	}
	s, cost, err := e.fetchSession(ctx, req)
	if err != nil {
		return nil, err
	}
	rows, err := e.facts.SearchCallEdges(s.chainQuery(cost.Applied), req.Symbol, direction)
	if err != nil {
		return nil, err
	}
	edges := make([]CallEdge, 0, len(rows))
	for _, r := range rows {
		edges = append(edges, CallEdge{
			Caller: r.CallerQualifiedName,
			Callee: r.CalleeQualifiedName,
			Location: Location{
				FileKey: r.FileKey, RepoID: r.RepoID, AbsPath: r.AbsPath, Line: r.Line,
			},
		})
	}
	cost.Consume(len(edges), len(edges) == cost.Applied, "fetch_limit_cap")
	return &FetchCallEdgesResponse{Edges: edges, Cost: cost}, nil
}

// ConfidenceResponse answers a get-confidence.
type ConfidenceResponse struct {
	Confidence envelope.Confidence `json:"confidence"`
}

// GetConfidence classifies the named files and renders the envelope a
// full query over them would carry, without parsing.
func (e *Engine) GetConfidence(ctx context.Context, req *ExploreRequest) (*ConfidenceResponse, error) {
	s, err := e.sessionForKeys(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.classifyStage(s); err != nil {
		return nil, err
	}
	for i := range s.classified {
		c := &s.classified[i]
		switch c.class {
		case facts.Stale:
			s.conf.Stale(c.cand.FileKey, c.key.RepoID)
		case facts.Unparsed, facts.MissingFlags:
			s.conf.Unparsed(c.cand.FileKey, c.key.RepoID)
		}
	}
	return &ConfidenceResponse{Confidence: s.conf.Build()}, nil
}

// sessionForKeys builds a session whose candidates are the request's
// explicit file keys.
func (e *Engine) sessionForKeys(ctx context.Context, req *ExploreRequest) (*session, error) {
	if len(req.FileKeys) == 0 {
		return nil, cxxerr.New(cxxerr.ValidationError, "file_keys is required")
	}
	s, err := e.resolve(ctx, req.WorkspaceID, req.Context, req.Scope)
	if err != nil {
		return nil, err
	}
	for _, fk := range req.FileKeys {
		repoID := ""
		if i := strings.IndexByte(fk, ':'); i > 0 {
			repoID = fk[:i]
		}
		s.candidates = append(s.candidates, recall.Candidate{FileKey: fk, RepoID: repoID, Source: "direct"})
	}
	return s, nil
}

// fetchSession resolves the context and caps the fetch limit.
func (e *Engine) fetchSession(ctx context.Context, req *ExploreRequest) (*session, envelope.Cost, error) {
	if req.Symbol == "" {
		return nil, envelope.Cost{}, cxxerr.New(cxxerr.ValidationError, "symbol is required")
	}
	s, err := e.resolve(ctx, req.WorkspaceID, req.Context, req.Scope)
	if err != nil {
		return nil, envelope.Cost{}, err
	}
	requested := req.Limit
	if requested <= 0 {
		requested = defaultFetch
	}
	return s, envelope.NewCost(requested, MaxFetchLimit, "fetch_limit_cap"), nil
}

// pathWithin reports whether path sits under root, comparing
// case-insensitively on segment boundaries.
func pathWithin(path, root string) bool {
	p := strings.ToLower(strings.ReplaceAll(path, "\\", "/"))
	r := strings.TrimRight(strings.ToLower(strings.ReplaceAll(root, "\\", "/")), "/")
	return p == r || strings.HasPrefix(p, r+"/")
}
