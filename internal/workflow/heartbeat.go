package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"callsync/internal/logging"
	"callsync/internal/queue"
)

// HeartbeatMonitor keeps claims alive and reclaims abandoned ones.
type HeartbeatMonitor struct {
	backend           queue.Backend
	logger            *slog.Logger
	heartbeatInterval time.Duration
	claimTimeout      time.Duration
}

// NewHeartbeatMonitor creates a new monitor.
func NewHeartbeatMonitor(backend queue.Backend, logger *slog.Logger, interval, timeout time.Duration) *HeartbeatMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &HeartbeatMonitor{
		backend:           backend,
		logger:            logger.With(logging.String(logging.FieldComponent, "workflow-heartbeat")),
		heartbeatInterval: interval,
		claimTimeout:      timeout,
	}
}

// ReclaimStale returns processing records whose heartbeat is older than the
// claim timeout to pending.
func (h *HeartbeatMonitor) ReclaimStale(ctx context.Context, logger *slog.Logger, now time.Time) (int64, error) {
	if h.claimTimeout <= 0 {
		return 0, nil
	}
	reclaimed, err := h.backend.ReclaimStale(ctx, now.Add(-h.claimTimeout), now)
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		logger.Info("reclaimed stale claims",
			logging.Int64("count", reclaimed),
			logging.String(logging.FieldEventType, "claims_reclaimed"),
		)
	}
	return reclaimed, nil
}

// claimGuard serializes writes to one claimed record within this process.
type claimGuard struct {
	mu sync.Mutex
}

func (g *claimGuard) do(fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn()
}

// StartLoop refreshes the claim on callID until ctx is cancelled.
func (h *HeartbeatMonitor) StartLoop(ctx context.Context, wg *sync.WaitGroup, guard *claimGuard, callID, owner string) {
	defer wg.Done()
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	logger := logging.WithContext(ctx, h.logger)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := guard.do(func() error {
				return h.backend.Heartbeat(ctx, callID, owner, time.Now())
			})
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled):
				logger.Debug("heartbeat cancelled")
				return
			case errors.Is(err, queue.ErrNotClaimed):
				logging.WarnWithContext(logger, "claim no longer held", "heartbeat_claim_lost",
					logging.String(logging.FieldErrorHint, "raise queue.claim_timeout_seconds if uploads run long"),
					logging.String(logging.FieldImpact, "another driver may process this record"),
				)
				return
			default:
				logger.Warn("heartbeat update failed", logging.Error(err))
			}
		}
	}
}
