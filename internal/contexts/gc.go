package contexts

import (
	"context"
	"time"
)

// RunGC expires TTL-lapsed PR overlays and evicts least-recently-used
// ones while the store exceeds the disk budget. Runs on a ticker until
// ctx is cancelled; errors are logged and the next tick retries.
func (m *Manager) RunGC(ctx context.Context) {
	ticker := time.NewTicker(m.opts.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.gcOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) gcOnce(ctx context.Context) {
	expired, err := m.contexts.ListExpired(time.Now())
	if err != nil {
		m.logger.Error("gc: listing expired contexts failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, contextID := range expired {
		if err := m.Expire(ctx, contextID); err != nil {
			m.logger.Error("gc: expire failed", map[string]interface{}{
				"context_id": contextID,
				"error":      err.Error(),
			})
		}
	}
	if len(expired) > 0 {
		m.logger.Info("gc: expired contexts reclaimed", map[string]interface{}{"count": len(expired)})
	}

	m.evictOverBudget(ctx)
}

// evictOverBudget expires the least-recently-used PR overlays until the
// store fits the disk budget. Baselines are never evicted.
func (m *Manager) evictOverBudget(ctx context.Context) {
	if m.opts.DiskBudgetBytes <= 0 {
		return
	}
	usage, err := m.metrics.DiskUsageBytes()
	if err != nil || usage <= m.opts.DiskBudgetBytes {
		return
	}

	candidates, err := m.contexts.ListActivePRByLastAccess()
	if err != nil {
		m.logger.Error("gc: listing pr contexts failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, cand := range candidates {
		if err := m.Expire(ctx, cand.ContextID); err != nil {
			m.logger.Error("gc: lru eviction failed", map[string]interface{}{
				"context_id": cand.ContextID,
				"error":      err.Error(),
			})
			continue
		}
		m.logger.Warn("gc: evicted overlay for disk budget", map[string]interface{}{
			"context_id": cand.ContextID,
		})
		usage, err = m.metrics.DiskUsageBytes()
		if err != nil || usage <= m.opts.DiskBudgetBytes {
			return
		}
	}
}
