package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"callsync/internal/correlate"
	"callsync/internal/logging"
	"callsync/internal/queue"
	"callsync/internal/services"
)

// CycleStats summarizes one sync cycle.
type CycleStats struct {
	CycleID      string        `json:"cycle_id"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
	Duration     time.Duration `json:"duration_ns"`
	Reclaimed    int64         `json:"reclaimed"`
	Promoted     int64         `json:"promoted"`
	Due          int           `json:"due"`
	Claimed      int           `json:"claimed"`
	Completed    int           `json:"completed"`
	Failed       int           `json:"failed"`
	Waiting      int           `json:"waiting"`
	DeadLettered int           `json:"dead_lettered"`
	Skipped      int           `json:"skipped"`
	Malformed    int           `json:"malformed"`
	Error        string        `json:"error,omitempty"`
}

// HasFailures reports whether any record did not complete cleanly.
func (s CycleStats) HasFailures() bool {
	return s.Failed > 0 || s.DeadLettered > 0 || s.Malformed > 0 || s.Error != ""
}

// RunCycle executes one sync cycle. Concurrent calls within a process run one
// after another. The returned error covers the cycle as a whole; individual
// record failures are only counted.
func (m *Manager) RunCycle(ctx context.Context) (CycleStats, error) {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	started := m.now()
	stats := CycleStats{CycleID: ulid.Make().String(), StartedAt: started.UTC()}
	ctx = services.WithCycleID(ctx, stats.CycleID)
	logger := logging.WithContext(ctx, m.logger)

	err := m.runCycle(ctx, logger, &stats)

	stats.FinishedAt = m.now().UTC()
	stats.Duration = stats.FinishedAt.Sub(stats.StartedAt)
	if err != nil {
		stats.Error = err.Error()
	}
	m.recordCycle(stats, err)

	switch {
	case err != nil && errors.Is(err, context.Canceled):
		logger.Info("sync cycle interrupted by shutdown")
	case err != nil:
		logger.Error("sync cycle failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "cycle_failed"),
			logging.String(logging.FieldErrorHint, "check queue storage access"),
		)
		m.tracker.CycleError(stats.CycleID, err)
		m.notifyError(ctx, err, "sync cycle")
	default:
		level := slog.LevelInfo
		if stats.Due == 0 && stats.Reclaimed == 0 && stats.Promoted == 0 {
			level = slog.LevelDebug
		}
		logger.Log(ctx, level, "sync cycle finished",
			logging.String(logging.FieldEventType, "cycle_finished"),
			logging.Int64("reclaimed", stats.Reclaimed),
			logging.Int64("promoted", stats.Promoted),
			logging.Int("due", stats.Due),
			logging.Int("completed", stats.Completed),
			logging.Int("failed", stats.Failed),
			logging.Int("waiting", stats.Waiting),
			logging.Int("dead_lettered", stats.DeadLettered),
			logging.Int("skipped", stats.Skipped),
			logging.Int("malformed", stats.Malformed),
			logging.Duration("duration", stats.Duration),
		)
	}
	m.notifyCycle(ctx, stats)
	return stats, err
}

func (m *Manager) runCycle(ctx context.Context, logger *slog.Logger, stats *CycleStats) error {
	now := m.now()

	reclaimed, err := m.heartbeat.ReclaimStale(ctx, logger, now)
	if err != nil {
		return fmt.Errorf("reclaim stale claims: %w", err)
	}
	stats.Reclaimed = reclaimed

	promoted, err := m.backend.PromoteDue(ctx, now)
	if err != nil {
		return fmt.Errorf("promote due records: %w", err)
	}
	stats.Promoted = promoted

	due, malformed, err := m.backend.Due(ctx, now, m.cfg.Queue.BatchSize)
	if err != nil {
		return fmt.Errorf("list due records: %w", err)
	}
	stats.Due = len(due)
	for _, bad := range malformed {
		stats.Malformed++
		logger.Error("malformed record skipped",
			logging.String("ref", bad.Ref),
			logging.Error(bad.Err),
			logging.String(logging.FieldEventType, "record_malformed"),
			logging.String(logging.FieldErrorHint, "inspect or remove the record by hand"),
			logging.Alert("malformed_record"),
		)
	}

	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.processRecord(ctx, rec, stats)
	}
	return nil
}

// processRecord runs one attempt. It never returns an error: every outcome is
// a state transition or a skipped claim.
func (m *Manager) processRecord(ctx context.Context, rec *queue.Record, stats *CycleStats) {
	ctx = services.WithCallID(ctx, rec.CallID)
	logger := logging.WithContext(ctx, m.logger)

	if m.exhausted(rec) {
		cause := services.Wrap(services.ErrBudgetExhausted, "workflow", "attempt", fmt.Sprintf("%d attempts used", rec.AttemptCount), nil)
		m.deadLetter(ctx, logger, rec, cause, stats)
		return
	}

	if err := m.backend.Claim(ctx, rec, m.owner, m.now()); err != nil {
		stats.Skipped++
		if errors.Is(err, queue.ErrNotClaimed) {
			logger.Debug("record claimed elsewhere")
			return
		}
		logging.WarnWithContext(logger, "claim failed", "claim_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check queue storage access"),
			logging.String(logging.FieldImpact, "record will be picked up by a later cycle"),
		)
		return
	}
	stats.Claimed++

	guard := &claimGuard{}
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go m.heartbeat.StartLoop(hbCtx, &hbWG, guard, rec.CallID, m.owner)
	defer func() {
		stopHeartbeat()
		hbWG.Wait()
	}()

	res := m.resolver.Resolve(ctx, rec)
	if res.Err != nil {
		m.fail(ctx, logger, guard, rec, res.Err, queue.BackoffFor(m.backoff, rec.AttemptCount), stats)
		return
	}
	if res.Waiting() {
		if rec.AttemptCount <= m.cfg.Queue.ArtifactWaitAttempts {
			stats.Waiting++
			m.fail(ctx, logger, guard, rec, waitingError(rec, res), m.artifactBackoff(), stats)
			return
		}
		logging.WarnWithContext(logger, "uploading without pending artifacts", "artifact_wait_exhausted",
			logging.String("recording", string(res.Recording)),
			logging.String("lead", string(res.Lead)),
			logging.Int("attempt", rec.AttemptCount),
			logging.String(logging.FieldErrorHint, "check the egress index and lead writer"),
			logging.String(logging.FieldImpact, "call data is sent without the missing artifact"),
		)
	}

	checkpoint := func(r *queue.Record) error {
		return guard.do(func() error { return m.backend.Checkpoint(ctx, r) })
	}
	out := m.uploader.Upload(ctx, rec, checkpoint)

	switch {
	case errors.Is(out.Err, services.ErrClaimLost):
		stats.Skipped++
		logging.WarnWithContext(logger, "claim lost during upload", "claim_lost",
			logging.Error(out.Err),
			logging.String(logging.FieldErrorHint, "raise queue.claim_timeout_seconds if uploads run long"),
			logging.String(logging.FieldImpact, "the new claim owner finishes the record"),
		)
	case out.Delivered():
		if partial := out.Error(); partial != nil {
			logging.WarnWithContext(logger, "record delivered partially", "partial_delivery",
				logging.Bool("recording_uploaded", out.RecordingUploaded),
				logging.Bool("call_data_uploaded", out.CallDataUploaded),
				logging.Error(partial),
				logging.String(logging.FieldImpact, "the failed part is not retried"),
			)
		}
		err := guard.do(func() error { return m.backend.Complete(ctx, rec, m.now()) })
		if err != nil {
			stats.Skipped++
			m.reportTransitionError(logger, "complete", err)
			return
		}
		stats.Completed++
		logger.Info("record completed",
			logging.String(logging.FieldEventType, "record_completed"),
			logging.Int("attempt", rec.AttemptCount),
			logging.Bool("recording_uploaded", out.RecordingUploaded),
			logging.Bool("call_data_uploaded", out.CallDataUploaded),
		)
	default:
		cause := out.Error()
		if cause == nil {
			cause = services.Wrap(services.ErrTransient, "workflow", "upload", "nothing was delivered", nil)
		}
		m.fail(ctx, logger, guard, rec, cause, queue.BackoffFor(m.backoff, rec.AttemptCount), stats)
	}
}

func (m *Manager) exhausted(rec *queue.Record) bool {
	return m.cfg.Queue.MaxAttempts > 0 && rec.AttemptCount >= m.cfg.Queue.MaxAttempts
}

func (m *Manager) artifactBackoff() time.Duration {
	if m.cfg.Queue.ArtifactBackoff <= 0 {
		return time.Minute
	}
	return time.Duration(m.cfg.Queue.ArtifactBackoff) * time.Second
}

func waitingError(rec *queue.Record, res correlate.Resolution) error {
	switch {
	case res.Recording == correlate.StatePending && res.Lead == correlate.StatePending:
		return services.Wrap(services.ErrTransient, "correlate", "wait", "recording "+rec.EgressRef+" and lead not yet available", nil)
	case res.Recording == correlate.StatePending:
		return services.Wrap(services.ErrTransient, "correlate", "wait", "recording "+rec.EgressRef+" not yet available", nil)
	default:
		return services.Wrap(services.ErrTransient, "correlate", "wait", "lead not yet available", nil)
	}
}
