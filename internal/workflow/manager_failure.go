package workflow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"callsync/internal/logging"
	"callsync/internal/queue"
	"callsync/internal/services"
)

// fail records cause on the claimed record and schedules a retry after delay,
// or dead-letters it when the attempt budget is spent.
func (m *Manager) fail(ctx context.Context, logger *slog.Logger, guard *claimGuard, rec *queue.Record, cause error, delay time.Duration, stats *CycleStats) {
	rec.LastError = failureMessage(cause)
	rec.ErrorKind = services.KindOf(cause)

	if m.exhausted(rec) {
		m.deadLetterClaimed(ctx, logger, guard, rec, cause, stats)
		return
	}

	now := m.now()
	next := now.Add(delay)
	if err := guard.do(func() error { return m.backend.Fail(ctx, rec, next, now) }); err != nil {
		stats.Skipped++
		m.reportTransitionError(logger, "fail", err)
		return
	}
	stats.Failed++
	logging.WarnWithContext(logger, "attempt failed; retry scheduled", "record_failed",
		logging.Int("attempt", rec.AttemptCount),
		logging.Int("max_attempts", m.cfg.Queue.MaxAttempts),
		logging.String("error_kind", rec.ErrorKind),
		logging.Time("next_attempt_at", next.UTC()),
		logging.Error(cause),
		logging.String(logging.FieldErrorHint, hintFor(cause)),
	)
}

func (m *Manager) deadLetterClaimed(ctx context.Context, logger *slog.Logger, guard *claimGuard, rec *queue.Record, cause error, stats *CycleStats) {
	if err := guard.do(func() error { return m.backend.DeadLetter(ctx, rec, m.now()) }); err != nil {
		stats.Skipped++
		m.reportTransitionError(logger, "dead letter", err)
		return
	}
	m.afterDeadLetter(ctx, logger, rec, cause, stats)
}

// deadLetter parks an unclaimed pending record whose budget is already spent.
func (m *Manager) deadLetter(ctx context.Context, logger *slog.Logger, rec *queue.Record, cause error, stats *CycleStats) {
	if rec.LastError == "" {
		rec.LastError = failureMessage(cause)
	}
	if rec.ErrorKind == "" {
		rec.ErrorKind = services.KindOf(cause)
	}
	if err := m.backend.DeadLetter(ctx, rec, m.now()); err != nil {
		stats.Skipped++
		m.reportTransitionError(logger, "dead letter", err)
		return
	}
	m.afterDeadLetter(ctx, logger, rec, cause, stats)
}

func (m *Manager) afterDeadLetter(ctx context.Context, logger *slog.Logger, rec *queue.Record, cause error, stats *CycleStats) {
	stats.DeadLettered++
	logging.ErrorWithContext(logger, "record dead-lettered", "record_dead_lettered",
		logging.Int("attempts", rec.AttemptCount),
		logging.String("error_kind", rec.ErrorKind),
		logging.Error(cause),
		logging.Any("record", rec),
		logging.Alert("dead_letter"),
		logging.String(logging.FieldErrorHint, "fix the cause, then run callsync queue requeue "+rec.CallID),
	)
	m.tracker.DeadLetter(rec, cause)
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyDeadLetter(ctx, rec.CallID, rec.AttemptCount, rec.LastError); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("daemon shutting down, could not send dead letter notification")
		} else {
			logger.Debug("dead letter notification failed", logging.Error(err))
		}
	}
}

func (m *Manager) reportTransitionError(logger *slog.Logger, op string, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		logger.Debug("daemon shutting down, transition abandoned", logging.String("op", op))
	case errors.Is(err, queue.ErrNotClaimed):
		logging.WarnWithContext(logger, "claim lost before "+op, "claim_lost",
			logging.String(logging.FieldImpact, "the new claim owner finishes the record"),
		)
	default:
		logging.WarnWithContext(logger, "failed to persist "+op, "transition_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check queue storage access"),
			logging.String(logging.FieldImpact, "the stale claim is reclaimed after the claim timeout"),
		)
	}
}

func failureMessage(err error) string {
	if err == nil {
		return "failed without error detail"
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		return "failed without error detail"
	}
	return strings.ReplaceAll(msg, "\n", "; ")
}

func hintFor(err error) string {
	switch services.KindOf(err) {
	case services.KindUnresolved:
		return "check that the transcript file exists and is valid json"
	case services.KindConfig:
		return "check object_store and call_data settings"
	case services.KindTransient:
		return "check upload endpoints and the egress index"
	default:
		return "check logs for details"
	}
}
