package engine

import (
	"context"
	"strings"
	"time"

	"cxxkb/internal/contexts"
	"cxxkb/internal/cxxerr"
	"cxxkb/internal/envelope"
	"cxxkb/internal/facts"
	"cxxkb/internal/outline"
	"cxxkb/internal/recall"
	"cxxkb/internal/storage"
)

// QueryRequest is the shared body of the symbol query operations.
type QueryRequest struct {
	WorkspaceID string            `json:"workspace_id"`
	Symbol      string            `json:"symbol"`
	Context     contexts.Selector `json:"analysis_context,omitempty"`
	Scope       Scope             `json:"scope,omitempty"`
	// Direction applies to call-graph queries: outgoing, incoming, both.
	Direction string `json:"direction,omitempty"`
	// FileKey applies to file-symbols queries.
	FileKey string `json:"file_key,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// Location is a fact's position in the workspace.
type Location struct {
	FileKey string `json:"file_key"`
	RepoID  string `json:"repo_id"`
	AbsPath string `json:"abs_path"`
	Line    int    `json:"line"`
	Col     int    `json:"col,omitempty"`
}

// Symbol is one definition in a query answer.
type Symbol struct {
	Name          string   `json:"name"`
	QualifiedName string   `json:"qualified_name"`
	Kind          string   `json:"kind"`
	Location      Location `json:"location"`
	ExtentEndLine int      `json:"extent_end_line,omitempty"`
}

// Reference is one use site in a query answer.
type Reference struct {
	Symbol   string   `json:"symbol"`
	Kind     string   `json:"kind"`
	Location Location `json:"location"`
}

// CallEdge is one caller/callee pair in a query answer.
type CallEdge struct {
	Caller   string   `json:"caller"`
	Callee   string   `json:"callee"`
	Location Location `json:"location"`
}

// DefinitionResponse answers a definition query.
type DefinitionResponse struct {
	Definitions []Symbol            `json:"definitions"`
	Confidence  envelope.Confidence `json:"confidence"`
}

// ReferencesResponse answers a references query.
type ReferencesResponse struct {
	References []Reference         `json:"references"`
	Confidence envelope.Confidence `json:"confidence"`
}

// CallGraphResponse answers a call-graph query.
type CallGraphResponse struct {
	Edges      []CallEdge          `json:"edges"`
	Confidence envelope.Confidence `json:"confidence"`
}

// FileSymbolsResponse answers a file-symbols query. Outline carries the
// tree-sitter fallback for files without compile flags; it is reported
// separately from verified symbols and never persisted.
type FileSymbolsResponse struct {
	Symbols    []Symbol            `json:"symbols"`
	Outline    []outline.Symbol    `json:"outline,omitempty"`
	Confidence envelope.Confidence `json:"confidence"`
}

// runPipeline executes stages 1-4 for a symbol query and hands the
// session back for the operation-specific merge.
func (e *Engine) runPipeline(ctx context.Context, req *QueryRequest) (*session, error) {
	s, err := e.resolve(ctx, req.WorkspaceID, req.Context, req.Scope)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := e.recallStage(ctx, s, req.Symbol); err != nil {
		return nil, err
	}
	e.metrics.ObserveRecall(time.Since(start))

	if err := e.classifyStage(s); err != nil {
		return nil, err
	}
	e.parseStage(ctx, s, e.opts.MaxParseBudget)
	return s, nil
}

// observe wraps a query operation with deadline, latency, and outcome
// accounting.
func (e *Engine) observe(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	qctx, cancel := context.WithTimeout(ctx, e.opts.QueryDeadline)
	defer cancel()

	start := time.Now()
	err := fn(qctx)
	outcome := "ok"
	if err != nil {
		outcome = string(cxxerr.KindOf(err))
	}
	e.metrics.ObserveQuery(operation, outcome, time.Since(start))
	e.logger.Debug("query served", map[string]interface{}{
		"operation":   operation,
		"outcome":     outcome,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return err
}

// Definition finds where a symbol is defined.
func (e *Engine) Definition(ctx context.Context, req *QueryRequest) (*DefinitionResponse, error) {
	var resp *DefinitionResponse
	err := e.observe(ctx, "definition", func(ctx context.Context) error {
		s, err := e.runPipeline(ctx, req)
		if err != nil {
			return err
		}
		rows, err := e.facts.SearchSymbolsByName(s.chainQuery(req.Limit), req.Symbol)
		if err != nil {
			return err
		}
		defs := symbolRowsToDTO(rows)
		defs = append(defs, e.ephemeralSymbols(s, req.Symbol)...)
		resp = &DefinitionResponse{Definitions: defs, Confidence: s.conf.Build()}
		return nil
	})
	return resp, err
}

// References finds every recorded use of a symbol.
func (e *Engine) References(ctx context.Context, req *QueryRequest) (*ReferencesResponse, error) {
	var resp *ReferencesResponse
	err := e.observe(ctx, "references", func(ctx context.Context) error {
		s, err := e.runPipeline(ctx, req)
		if err != nil {
			return err
		}
		rows, err := e.facts.SearchReferences(s.chainQuery(req.Limit), req.Symbol)
		if err != nil {
			return err
		}
		refs := make([]Reference, 0, len(rows))
		for _, r := range rows {
			refs = append(refs, Reference{
				Symbol: r.SymbolQualifiedName,
				Kind:   r.RefKind,
				Location: Location{
					FileKey: r.FileKey, RepoID: r.RepoID, AbsPath: r.AbsPath,
					Line: r.Line, Col: r.Col,
				},
			})
		}
		refs = append(refs, e.ephemeralReferences(s, req.Symbol)...)
		resp = &ReferencesResponse{References: refs, Confidence: s.conf.Build()}
		return nil
	})
	return resp, err
}

// CallGraph returns call edges touching a symbol in the requested
// direction.
func (e *Engine) CallGraph(ctx context.Context, req *QueryRequest) (*CallGraphResponse, error) {
	direction := req.Direction
	if direction == "" {
		direction = string(facts.DirectionBoth)
	}
	switch facts.CallDirection(direction) {
	case facts.DirectionOutgoing, facts.DirectionIncoming, facts.DirectionBoth:
	default:
		return nil, cxxerr.Newf(cxxerr.ValidationError, "unknown call direction %q", direction)
	}

	var resp *CallGraphResponse
	err := e.observe(ctx, "call_graph", func(ctx context.Context) error {
		s, err := e.runPipeline(ctx, req)
		if err != nil {
			return err
		}
		rows, err := e.facts.SearchCallEdges(s.chainQuery(req.Limit), req.Symbol, direction)
		if err != nil {
			return err
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
		edges = append(edges, e.ephemeralCallEdges(s, req.Symbol, direction)...)
		resp = &CallGraphResponse{Edges: edges, Confidence: s.conf.Build()}
		return nil
	})
	return resp, err
}

// FileSymbols lists the symbols defined in one file. Recall is skipped:
// the file itself is the only candidate.
func (e *Engine) FileSymbols(ctx context.Context, req *QueryRequest) (*FileSymbolsResponse, error) {
	if req.FileKey == "" {
		return nil, cxxerr.New(cxxerr.ValidationError, "file_key is required")
	}

	var resp *FileSymbolsResponse
	err := e.observe(ctx, "file_symbols", func(ctx context.Context) error {
		s, err := e.resolve(ctx, req.WorkspaceID, req.Context, req.Scope)
		if err != nil {
			return err
		}
		key, err := s.ws.AbsPathForFileKey(req.FileKey)
		if err != nil {
			return err
		}
		s.candidates = []recall.Candidate{{FileKey: req.FileKey, RepoID: key.RepoID, Source: "direct"}}
		if err := e.classifyStage(s); err != nil {
			return err
		}
		e.parseStage(ctx, s, e.opts.MaxParseBudget)

		rows, err := e.facts.FileSymbols(s.chainQuery(req.Limit), req.FileKey)
		if err != nil {
			return err
		}
		syms := symbolRowsToDTO(rows)
		for _, p := range s.ephemeral {
			if p.FileKey == req.FileKey {
				syms = append(syms, payloadSymbols(p)...)
			}
		}
		outlined := e.outlineFallback(ctx, s, key.AbsPath)
		resp = &FileSymbolsResponse{Symbols: syms, Outline: outlined, Confidence: s.conf.Build()}
		return nil
	})
	return resp, err
}

// outlineFallback runs the tree-sitter outline for a file stuck in
// missing_flags. Best effort: a failed outline leaves the file in its
// degraded bucket with no extra noise.
func (e *Engine) outlineFallback(ctx context.Context, s *session, absPath string) []outline.Symbol {
	if !outline.Available() {
		return nil
	}
	for i := range s.classified {
		if s.classified[i].class != facts.MissingFlags {
			continue
		}
		outlined, err := e.outliner.FileOutline(ctx, absPath)
		if err != nil {
			e.logger.Debug("outline fallback failed", map[string]interface{}{
				"abs_path": absPath,
				"error":    err.Error(),
			})
			return nil
		}
		if len(outlined) > 0 {
			s.conf.Warn(envelope.WarnOutlineFallback)
		}
		return outlined
	}
	return nil
}

func symbolRowsToDTO(rows []storage.SymbolRow) []Symbol {
	out := make([]Symbol, 0, len(rows))
	for _, r := range rows {
		out = append(out, Symbol{
			Name:          r.Name,
			QualifiedName: r.QualifiedName,
			Kind:          r.Kind,
			ExtentEndLine: r.ExtentEndLine,
			Location: Location{
				FileKey: r.FileKey, RepoID: r.RepoID, AbsPath: r.AbsPath,
				Line: r.Line, Col: r.Col,
			},
		})
	}
	return out
}

func payloadSymbols(p *facts.ParsePayload) []Symbol {
	out := make([]Symbol, 0, len(p.Output.Symbols))
	for _, sym := range p.Output.Symbols {
		out = append(out, Symbol{
			Name:          sym.Name,
			QualifiedName: sym.QualifiedName,
			Kind:          sym.Kind,
			ExtentEndLine: sym.ExtentEndLine,
			Location: Location{
				FileKey: p.FileKey, RepoID: p.RepoID, AbsPath: p.AbsPath,
				Line: sym.Line, Col: sym.Col,
			},
		})
	}
	return out
}

// symbolMatches mirrors the store's name matching: exact name or
// qualified-name suffix.
func symbolMatches(name, qualified, query string) bool {
	if name == query || qualified == query {
		return true
	}
	return strings.HasSuffix(qualified, "::"+query)
}

// ephemeralSymbols merges partial-mode in-memory facts into a definition
// answer.
func (e *Engine) ephemeralSymbols(s *session, query string) []Symbol {
	var out []Symbol
	for _, p := range s.ephemeral {
		for _, sym := range p.Output.Symbols {
			if !symbolMatches(sym.Name, sym.QualifiedName, query) {
				continue
			}
			out = append(out, Symbol{
				Name:          sym.Name,
				QualifiedName: sym.QualifiedName,
				Kind:          sym.Kind,
				ExtentEndLine: sym.ExtentEndLine,
				Location: Location{
					FileKey: p.FileKey, RepoID: p.RepoID, AbsPath: p.AbsPath,
					Line: sym.Line, Col: sym.Col,
				},
			})
		}
	}
	return out
}

func (e *Engine) ephemeralReferences(s *session, query string) []Reference {
	var out []Reference
	for _, p := range s.ephemeral {
		for _, ref := range p.Output.References {
			if !symbolMatches(ref.Symbol, ref.Symbol, query) {
				continue
			}
			out = append(out, Reference{
				Symbol: ref.Symbol,
				Kind:   ref.Kind,
				Location: Location{
					FileKey: p.FileKey, RepoID: p.RepoID, AbsPath: p.AbsPath,
					Line: ref.Line, Col: ref.Col,
				},
			})
		}
	}
	return out
}

func (e *Engine) ephemeralCallEdges(s *session, query, direction string) []CallEdge {
	var out []CallEdge
	for _, p := range s.ephemeral {
		for _, edge := range p.Output.CallEdges {
			callerHit := symbolMatches(edge.Caller, edge.Caller, query)
			calleeHit := symbolMatches(edge.Callee, edge.Callee, query)
			keep := false
			switch facts.CallDirection(direction) {
			case facts.DirectionOutgoing:
				keep = callerHit
			case facts.DirectionIncoming:
				keep = calleeHit
			default:
				keep = callerHit || calleeHit
			}
			if !keep {
				continue
			}
			out = append(out, CallEdge{
				Caller: edge.Caller,
				Callee: edge.Callee,
				Location: Location{
					FileKey: p.FileKey, RepoID: p.RepoID, AbsPath: p.AbsPath, Line: edge.Line,
				},
			})
		}
	}
	return out
}
