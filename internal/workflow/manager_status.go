package workflow

import (
	"context"
	"time"

	"callsync/internal/logging"
	"callsync/internal/queue"
)

// StatusSummary represents lightweight workflow diagnostics.
type StatusSummary struct {
	Running     bool         `json:"running"`
	Owner       string       `json:"owner"`
	Backend     string       `json:"backend"`
	Interval    string       `json:"sync_interval"`
	LastError   string       `json:"last_error,omitempty"`
	LastCycle   *CycleStats  `json:"last_cycle,omitempty"`
	NextCycleAt *time.Time   `json:"next_cycle_at,omitempty"`
	Queue       queue.Counts `json:"queue"`
}

// Status returns the latest workflow information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{
		Running:  m.running,
		Owner:    m.owner,
		Backend:  m.cfg.Queue.Backend,
		Interval: m.interval.String(),
	}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	if m.lastCycle != nil {
		last := *m.lastCycle
		summary.LastCycle = &last
		if m.running {
			next := last.FinishedAt.Add(m.interval)
			summary.NextCycleAt = &next
		}
	}
	m.mu.RUnlock()

	stats, err := m.backend.Stats(ctx)
	if err != nil {
		m.logger.Warn("failed to read queue stats", logging.Error(err))
	}
	summary.Queue = queue.SummarizeStats(stats)
	return summary
}

// Preview lists the records the next cycle would attempt without claiming them.
func (m *Manager) Preview(ctx context.Context) ([]*queue.Record, []queue.Malformed, error) {
	return m.backend.Due(ctx, m.now(), m.cfg.Queue.BatchSize)
}

func (m *Manager) recordCycle(stats CycleStats, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCycle = &stats
	if err != nil {
		m.lastErr = err
	} else {
		m.lastErr = nil
	}
}
