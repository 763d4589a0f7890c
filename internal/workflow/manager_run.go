package workflow

import (
	"context"
	"errors"
	"time"

	"callsync/internal/logging"
)

// Start begins periodic sync cycles in the background. The first cycle runs
// immediately.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if m.backend == nil || m.resolver == nil || m.uploader == nil {
		m.mu.Unlock()
		return errors.New("workflow dependencies not configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	m.mu.Unlock()

	go m.loop(runCtx)
	return nil
}

// Stop terminates background processing and waits for the running cycle to
// return. Claims abandoned mid-cycle are recovered by the stale reclaim.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	m.logger.Info("sync loop started",
		logging.String("owner", m.owner),
		logging.Duration("interval", m.interval),
	)

	for {
		wait := m.interval
		if _, err := m.RunCycle(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if m.retryInterval > 0 && m.retryInterval < wait {
				wait = m.retryInterval
			}
		}
		if wait <= 0 {
			wait = time.Minute
		}

		select {
		case <-ctx.Done():
			m.logger.Info("sync loop stopped")
			return
		case <-time.After(wait):
		}
	}
}
