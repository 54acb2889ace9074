package storage

import (
	"database/sql"
	"fmt"
	"strings"
)

// ChainQuery scopes a fact read to a context chain. Chain is ordered
// overlay first, baseline last; rows from later legs are dropped for any
// file key named in ExcludedBaselineKeys (tombstones, rename sources, and
// keys the overlay has re-materialised).
type ChainQuery struct {
	Chain                []string
	CandidateFileKeys    []string
	ExcludedBaselineKeys []string
	Limit                int
}

func (q *ChainQuery) excludedSet() map[string]bool {
	if len(q.ExcludedBaselineKeys) == 0 {
		return nil
	}
	set := make(map[string]bool, len(q.ExcludedBaselineKeys))
	for _, fk := range q.ExcludedBaselineKeys {
		set[fk] = true
	}
	return set
}

func (q *ChainQuery) limit() int {
	if q.Limit <= 0 {
		return 1000
	}
	return q.Limit
}

// candidateClause renders an optional IN filter over file keys.
func candidateClause(column string, keys []string, args *[]interface{}) string {
	if len(keys) == 0 {
		return ""
	}
	placeholders := strings.Repeat("?,", len(keys))
	placeholders = placeholders[:len(placeholders)-1]
	for _, fk := range keys {
		*args = append(*args, fk)
	}
	return fmt.Sprintf(" AND %s IN (%s)", column, placeholders)
}

// symbolMatchClause matches a name exactly or as the last component of a
// qualified name, so "connect" finds "net::Socket::connect".
const symbolMatchClause = "(s.name = ? OR s.qualified_name = ? OR s.qualified_name LIKE '%::' || ?)"

// SearchSymbolsByName returns symbol rows for a name across the context
// chain. Within one leg, duplicate (file_key, qualified_name, kind) rows
// collapse to the widest extent so definitions beat forward declarations.
func (r *FactRepository) SearchSymbolsByName(q ChainQuery, name string) ([]SymbolRow, error) {
	excluded := q.excludedSet()
	var merged []SymbolRow

	for legIdx, contextID := range q.Chain {
		args := []interface{}{contextID, name, name, name}
		query := `
			SELECT s.context_id, s.file_key, tf.repo_id, tf.abs_path,
			       s.name, s.qualified_name, s.kind, s.line, s.col, s.extent_end_line
			FROM symbols s
			JOIN tracked_files tf ON tf.context_id = s.context_id AND tf.file_key = s.file_key
			WHERE s.context_id = ? AND ` + symbolMatchClause
		query += candidateClause("s.file_key", q.CandidateFileKeys, &args)
		query += " ORDER BY s.file_key, s.qualified_name, s.line LIMIT ?"
		args = append(args, q.limit())

		rows, err := r.db.Query(query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to search symbols: %w", err)
		}

		leg, err := scanSymbolRows(rows)
		if err != nil {
			return nil, err
		}

		merged = appendSymbolLeg(merged, leg, legIdx > 0, excluded)
	}

	if len(merged) > q.limit() {
		merged = merged[:q.limit()]
	}
	return merged, nil
}

// FileSymbols returns the symbols declared in one file, ordered by line.
func (r *FactRepository) FileSymbols(q ChainQuery, fileKey string) ([]SymbolRow, error) {
	excluded := q.excludedSet()
	var merged []SymbolRow

	for legIdx, contextID := range q.Chain {
		rows, err := r.db.Query(`
			SELECT s.context_id, s.file_key, tf.repo_id, tf.abs_path,
			       s.name, s.qualified_name, s.kind, s.line, s.col, s.extent_end_line
			FROM symbols s
			JOIN tracked_files tf ON tf.context_id = s.context_id AND tf.file_key = s.file_key
			WHERE s.context_id = ? AND s.file_key = ?
			ORDER BY s.line, s.qualified_name
			LIMIT ?
		`, contextID, fileKey, q.limit())
		if err != nil {
			return nil, fmt.Errorf("failed to list file symbols: %w", err)
		}

		leg, err := scanSymbolRows(rows)
		if err != nil {
			return nil, err
		}

		merged = appendSymbolLeg(merged, leg, legIdx > 0, excluded)
		// A file materialised in the overlay fully shadows its baseline rows.
		if len(merged) > 0 {
			break
		}
	}

	return merged, nil
}

// FileReferences returns the references recorded in one file, ordered by
// position. Like FileSymbols, an overlay leg fully shadows the baseline.
func (r *FactRepository) FileReferences(q ChainQuery, fileKey string) ([]ReferenceRow, error) {
	excluded := q.excludedSet()

	for legIdx, contextID := range q.Chain {
		rows, err := r.db.Query(`
			SELECT ref.context_id, ref.file_key, tf.repo_id, tf.abs_path,
			       ref.symbol_qualified_name, ref.line, ref.col, ref.ref_kind
			FROM references_ ref
			JOIN tracked_files tf ON tf.context_id = ref.context_id AND tf.file_key = ref.file_key
			WHERE ref.context_id = ? AND ref.file_key = ?
			ORDER BY ref.line, ref.col
			LIMIT ?
		`, contextID, fileKey, q.limit())
		if err != nil {
			return nil, fmt.Errorf("failed to list file references: %w", err)
		}

		var leg []ReferenceRow
		for rows.Next() {
			var ref ReferenceRow
			if err := rows.Scan(
				&ref.ContextID, &ref.FileKey, &ref.RepoID, &ref.AbsPath,
				&ref.SymbolQualifiedName, &ref.Line, &ref.Col, &ref.RefKind,
			); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan reference: %w", err)
			}
			if legIdx > 0 && excluded[ref.FileKey] {
				continue
			}
			leg = append(leg, ref)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
		if len(leg) > 0 {
			return leg, nil
		}
	}

	return nil, nil
}

// FileCallEdges returns the call edges whose call site sits in one file.
// Overlay shadowing follows FileSymbols.
func (r *FactRepository) FileCallEdges(q ChainQuery, fileKey string) ([]CallEdgeRow, error) {
	excluded := q.excludedSet()

	for legIdx, contextID := range q.Chain {
		rows, err := r.db.Query(`
			SELECT ce.context_id, ce.file_key, tf.repo_id, tf.abs_path,
			       ce.caller_qualified_name, ce.callee_qualified_name, ce.line
			FROM call_edges ce
			JOIN tracked_files tf ON tf.context_id = ce.context_id AND tf.file_key = ce.file_key
			WHERE ce.context_id = ? AND ce.file_key = ?
			ORDER BY ce.line
			LIMIT ?
		`, contextID, fileKey, q.limit())
		if err != nil {
			return nil, fmt.Errorf("failed to list file call edges: %w", err)
		}

		var leg []CallEdgeRow
		for rows.Next() {
			var edge CallEdgeRow
			if err := rows.Scan(
				&edge.ContextID, &edge.FileKey, &edge.RepoID, &edge.AbsPath,
				&edge.CallerQualifiedName, &edge.CalleeQualifiedName, &edge.Line,
			); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan call edge: %w", err)
			}
			if legIdx > 0 && excluded[edge.FileKey] {
				continue
			}
			leg = append(leg, edge)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
		if len(leg) > 0 {
			return leg, nil
		}
	}

	return nil, nil
}

// SearchReferences returns reference rows for a symbol across the chain,
// deduped by full tuple.
func (r *FactRepository) SearchReferences(q ChainQuery, symbol string) ([]ReferenceRow, error) {
	excluded := q.excludedSet()
	seen := make(map[string]bool)
	var merged []ReferenceRow

	for legIdx, contextID := range q.Chain {
		args := []interface{}{contextID, symbol, symbol}
		query := `
			SELECT ref.context_id, ref.file_key, tf.repo_id, tf.abs_path,
			       ref.symbol_qualified_name, ref.line, ref.col, ref.ref_kind
			FROM references_ ref
			JOIN tracked_files tf ON tf.context_id = ref.context_id AND tf.file_key = ref.file_key
			WHERE ref.context_id = ?
			  AND (ref.symbol_qualified_name = ? OR ref.symbol_qualified_name LIKE '%::' || ?)
		`
		query += candidateClause("ref.file_key", q.CandidateFileKeys, &args)
		query += " ORDER BY ref.file_key, ref.line, ref.col LIMIT ?"
		args = append(args, q.limit())

		rows, err := r.db.Query(query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to search references: %w", err)
		}

		for rows.Next() {
			var ref ReferenceRow
			if err := rows.Scan(
				&ref.ContextID, &ref.FileKey, &ref.RepoID, &ref.AbsPath,
				&ref.SymbolQualifiedName, &ref.Line, &ref.Col, &ref.RefKind,
			); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan reference: %w", err)
			}
			if legIdx > 0 && excluded[ref.FileKey] {
				continue
			}
			key := fmt.Sprintf("%s|%s|%d|%d|%s", ref.FileKey, ref.SymbolQualifiedName, ref.Line, ref.Col, ref.RefKind)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, ref)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	if len(merged) > q.limit() {
		merged = merged[:q.limit()]
	}
	return merged, nil
}

// SearchCallEdges returns call edges touching a symbol. Direction selects
// whether the symbol matches the caller side, the callee side, or either.
func (r *FactRepository) SearchCallEdges(q ChainQuery, symbol string, direction string) ([]CallEdgeRow, error) {
	var match string
	switch direction {
	case "outgoing":
		match = "(ce.caller_qualified_name = ? OR ce.caller_qualified_name LIKE '%::' || ?)"
	case "incoming":
		match = "(ce.callee_qualified_name = ? OR ce.callee_qualified_name LIKE '%::' || ?)"
	default: // both
		match = `(ce.caller_qualified_name = ? OR ce.caller_qualified_name LIKE '%::' || ?
		          OR ce.callee_qualified_name = ? OR ce.callee_qualified_name LIKE '%::' || ?)`
	}

	excluded := q.excludedSet()
	seen := make(map[string]bool)
	var merged []CallEdgeRow

	for legIdx, contextID := range q.Chain {
		args := []interface{}{contextID, symbol, symbol}
		if direction != "outgoing" && direction != "incoming" {
			args = append(args, symbol, symbol)
		}

		query := `
			SELECT ce.context_id, ce.file_key, tf.repo_id, tf.abs_path,
			       ce.caller_qualified_name, ce.callee_qualified_name, ce.line
			FROM call_edges ce
			JOIN tracked_files tf ON tf.context_id = ce.context_id AND tf.file_key = ce.file_key
			WHERE ce.context_id = ? AND ` + match
		query += candidateClause("ce.file_key", q.CandidateFileKeys, &args)
		query += " ORDER BY ce.file_key, ce.line LIMIT ?"
		args = append(args, q.limit())

		rows, err := r.db.Query(query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to search call edges: %w", err)
		}

		for rows.Next() {
			var edge CallEdgeRow
			if err := rows.Scan(
				&edge.ContextID, &edge.FileKey, &edge.RepoID, &edge.AbsPath,
				&edge.CallerQualifiedName, &edge.CalleeQualifiedName, &edge.Line,
			); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan call edge: %w", err)
			}
			if legIdx > 0 && excluded[edge.FileKey] {
				continue
			}
			key := fmt.Sprintf("%s|%s|%s|%d", edge.FileKey, edge.CallerQualifiedName, edge.CalleeQualifiedName, edge.Line)
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, edge)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	if len(merged) > q.limit() {
		merged = merged[:q.limit()]
	}
	return merged, nil
}

// IncludersOf returns include-dep rows whose resolved target is the given
// file key, across the chain. Used for header-impact classification.
func (r *FactRepository) IncludersOf(q ChainQuery, includedFileKey string) ([]IncludeDepRow, error) {
	seen := make(map[string]bool)
	var merged []IncludeDepRow

	for _, contextID := range q.Chain {
		rows, err := r.db.Query(`
			SELECT context_id, file_key, included_file_key, included_abs_path, raw_path, depth
			FROM include_deps
			WHERE context_id = ? AND included_file_key = ?
			ORDER BY file_key
			LIMIT ?
		`, contextID, includedFileKey, q.limit())
		if err != nil {
			return nil, fmt.Errorf("failed to list includers: %w", err)
		}

		for rows.Next() {
			var dep IncludeDepRow
			if err := rows.Scan(
				&dep.ContextID, &dep.FileKey, &dep.IncludedFileKey,
				&dep.IncludedAbsPath, &dep.RawPath, &dep.Depth,
			); err != nil {
				rows.Close()
				return nil, err
			}
			if seen[dep.FileKey] {
				continue
			}
			seen[dep.FileKey] = true
			merged = append(merged, dep)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	return merged, nil
}

// IncludeDepsOf returns the resolved include deps recorded for one file
// in one context.
func (r *FactRepository) IncludeDepsOf(contextID, fileKey string) ([]IncludeDepRow, error) {
	rows, err := r.db.Query(`
		SELECT context_id, file_key, included_file_key, included_abs_path, raw_path, depth
		FROM include_deps
		WHERE context_id = ? AND file_key = ?
		ORDER BY raw_path
	`, contextID, fileKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list include deps: %w", err)
	}
	defer rows.Close()

	var deps []IncludeDepRow
	for rows.Next() {
		var dep IncludeDepRow
		if err := rows.Scan(
			&dep.ContextID, &dep.FileKey, &dep.IncludedFileKey,
			&dep.IncludedAbsPath, &dep.RawPath, &dep.Depth,
		); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func scanSymbolRows(rows *sql.Rows) ([]SymbolRow, error) {
	defer rows.Close()

	var result []SymbolRow
	for rows.Next() {
		var s SymbolRow
		if err := rows.Scan(
			&s.ContextID, &s.FileKey, &s.RepoID, &s.AbsPath,
			&s.Name, &s.QualifiedName, &s.Kind, &s.Line, &s.Col, &s.ExtentEndLine,
		); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// appendSymbolLeg merges one leg's rows into the accumulator. Baseline
// legs drop excluded keys; within a leg, duplicate (file_key,
// qualified_name, kind) rows collapse to the highest extent_end_line.
func appendSymbolLeg(merged, leg []SymbolRow, isBaselineLeg bool, excluded map[string]bool) []SymbolRow {
	best := make(map[string]int) // dedupe key -> index into out
	var out []SymbolRow

	for _, s := range leg {
		if isBaselineLeg && excluded[s.FileKey] {
			continue
		}
		key := s.FileKey + "|" + s.QualifiedName + "|" + s.Kind
		if idx, ok := best[key]; ok {
			if s.ExtentEndLine > out[idx].ExtentEndLine {
				out[idx] = s
			}
			continue
		}
		best[key] = len(out)
		out = append(out, s)
	}

	return append(merged, out...)
}
