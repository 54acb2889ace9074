package storage

import (
	"fmt"
	"strings"
)

// RecallHit is a single FTS candidate: a file key and its bm25 rank
// (lower ranks sort first).
type RecallHit struct {
	FileKey string
	Rank    float64
}

// RecallRepository searches the full-text recall table. Rows are
// maintained by the fact writer: refreshed on parse, removed on
// invalidation and context expiry.
type RecallRepository struct {
	db *DB
}

func NewRecallRepository(db *DB) *RecallRepository {
	return &RecallRepository{db: db}
}

// Search runs a phrase query for term within one context, falling back
// to a phrase-prefix query when the exact phrase has no hits. Qualified
// names work unmodified: unicode61 splits "net::Socket::connect" into
// the same token sequence in both query and content.
func (r *RecallRepository) Search(contextID, term string, limit int) ([]RecallHit, error) {
	if limit <= 0 {
		limit = 200
	}

	phrase := quoteFTSPhrase(term)
	hits, err := r.match(contextID, phrase, limit)
	if err != nil {
		return nil, err
	}
	if len(hits) > 0 {
		return hits, nil
	}
	return r.match(contextID, phrase+"*", limit)
}

func (r *RecallRepository) match(contextID, matchExpr string, limit int) ([]RecallHit, error) {
	rows, err := r.db.Query(`
		SELECT file_key, bm25(recall_fts) AS rank
		FROM recall_fts
		WHERE recall_fts MATCH ? AND context_id = ?
		ORDER BY rank
		LIMIT ?
	`, matchExpr, contextID, limit)
	if err != nil {
		return nil, fmt.Errorf("recall search failed: %w", err)
	}
	defer rows.Close()

	var hits []RecallHit
	for rows.Next() {
		var h RecallHit
		if err := rows.Scan(&h.FileKey, &h.Rank); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// quoteFTSPhrase wraps a user term as an FTS5 phrase string so operator
// characters in identifiers (::, ->, ~) cannot alter query syntax.
func quoteFTSPhrase(term string) string {
	return `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
}
