package engine

import (
	"cxxkb/internal/version"
)

// Health is the service health snapshot.
type Health struct {
	Status           string           `json:"status"`
	Version          string           `json:"version"`
	WriterQueueDepth int              `json:"writer_queue_depth"`
	WriterLagMs      int64            `json:"writer_lag_ms"`
	SyncQueueDepth   map[string]int   `json:"sync_queue_depth"`
	OldestJobAgeMs   int64            `json:"oldest_job_age_ms"`
	ActiveContexts   map[string]int   `json:"active_contexts"`
	DiskUsageBytes   int64            `json:"disk_usage_bytes"`
	FactRows         map[string]int64 `json:"fact_rows"`
	ExtractorReady   bool             `json:"extractor_ready"`
}

// Health reports queue depths, store size, and dependency readiness.
// Degraded means the store answers but a dependency (the extractor) does
// not; unhealthy means the store itself is unreachable.
func (e *Engine) Health() *Health {
	h := &Health{
		Status:           "ok",
		Version:          version.Version,
		WriterQueueDepth: e.writer.QueueDepth(),
		WriterLagMs:      e.writer.Lag().Milliseconds(),
	}

	if err := e.metricsDB.Ping(); err != nil {
		h.Status = "unhealthy"
		return h
	}

	if depth, err := e.syncJobs.QueueDepth(); err == nil {
		h.SyncQueueDepth = depth
	}
	if age, ok, err := e.syncJobs.OldestRunnableAge(); err == nil && ok {
		h.OldestJobAgeMs = age.Milliseconds()
	}
	if counts, err := e.metricsDB.ActiveContextCounts(); err == nil {
		h.ActiveContexts = counts
	}
	if usage, err := e.metricsDB.DiskUsageBytes(); err == nil {
		h.DiskUsageBytes = usage
	}
	if rows, err := e.metricsDB.FactRowCounts(); err == nil {
		h.FactRows = rows
	}

	h.ExtractorReady = e.driver.Available() == nil
	if !h.ExtractorReady {
		h.Status = "degraded"
	}
	return h
}
