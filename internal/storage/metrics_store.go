package storage

import "fmt"

// MetricsRepository exposes cheap aggregate reads for the health endpoint
// and the Prometheus collectors. Every method tolerates an empty store.
type MetricsRepository struct {
	db *DB
}

func NewMetricsRepository(db *DB) *MetricsRepository {
	return &MetricsRepository{db: db}
}

// ActiveContextCounts returns active context counts keyed by mode.
func (r *MetricsRepository) ActiveContextCounts() (map[string]int, error) {
	rows, err := r.db.Query(`
		SELECT mode, COUNT(*) FROM analysis_contexts
		WHERE status = 'active'
		GROUP BY mode
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var mode string
		var n int
		if err := rows.Scan(&mode, &n); err != nil {
			return nil, err
		}
		counts[mode] = n
	}
	return counts, rows.Err()
}

// DiskUsageBytes reports the database file size as seen by SQLite.
func (r *MetricsRepository) DiskUsageBytes() (int64, error) {
	var pageCount, pageSize int64
	if err := r.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to read page_count: %w", err)
	}
	if err := r.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to read page_size: %w", err)
	}
	return pageCount * pageSize, nil
}

// TrackedFileCount returns the number of tracked files, across all
// contexts when contextID is empty.
func (r *MetricsRepository) TrackedFileCount(contextID string) (int, error) {
	var n int
	var err error
	if contextID == "" {
		err = r.db.QueryRow("SELECT COUNT(*) FROM tracked_files").Scan(&n)
	} else {
		err = r.db.QueryRow(
			"SELECT COUNT(*) FROM tracked_files WHERE context_id = ?", contextID,
		).Scan(&n)
	}
	return n, err
}

// FactRowCounts returns per-table fact row totals.
func (r *MetricsRepository) FactRowCounts() (map[string]int64, error) {
	counts := make(map[string]int64, 4)
	for _, table := range []string{"symbols", "references_", "call_edges", "include_deps"} {
		var n int64
		if err := r.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// Ping verifies the store answers a trivial query.
func (r *MetricsRepository) Ping() error {
	var one int
	return r.db.QueryRow("SELECT 1").Scan(&one)
}
