package workflow

import (
	"context"
	"errors"

	"callsync/internal/logging"
)

func (m *Manager) notifyCycle(ctx context.Context, stats CycleStats) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyCycleCompleted(ctx, stats.Completed, stats.Failed, stats.DeadLettered, stats.Duration); err != nil {
		if errors.Is(err, context.Canceled) {
			m.logger.Debug("daemon shutting down, could not send cycle notification")
		} else {
			m.logger.Debug("cycle notification failed", logging.Error(err))
		}
	}
}

func (m *Manager) notifyError(ctx context.Context, cause error, label string) {
	if m.notifier == nil || cause == nil {
		return
	}
	if err := m.notifier.NotifyError(ctx, cause, label); err != nil {
		if errors.Is(err, context.Canceled) {
			m.logger.Debug("daemon shutting down, could not send error notification")
		} else {
			m.logger.Debug("error notification failed", logging.Error(err))
		}
	}
}
