package queue

import (
	"context"
	"time"
)

// Backend is the persistence contract shared by the SQLite store and the
// directory spool. Only the workflow manager and operator commands call the
// transition methods.
type Backend interface {
	// Insert persists a new pending record. It returns ErrDuplicate when the
	// call id is already known.
	Insert(ctx context.Context, rec *Record) error
	// Get returns nil, nil when the record does not exist.
	Get(ctx context.Context, callID string) (*Record, error)
	List(ctx context.Context, statuses ...Status) ([]*Record, error)
	Stats(ctx context.Context) (map[Status]int, error)

	// Due returns pending records ready for an attempt, oldest first, plus any
	// malformed entries encountered while scanning.
	Due(ctx context.Context, now time.Time, limit int) ([]*Record, []Malformed, error)
	// Claim atomically moves rec from pending to processing under owner and
	// counts the attempt. It returns ErrNotClaimed when another driver won.
	Claim(ctx context.Context, rec *Record, owner string, now time.Time) error
	Heartbeat(ctx context.Context, callID, owner string, now time.Time) error
	// Checkpoint persists progress on a claimed record without changing status.
	Checkpoint(ctx context.Context, rec *Record) error
	Complete(ctx context.Context, rec *Record, now time.Time) error
	Fail(ctx context.Context, rec *Record, next time.Time, now time.Time) error
	DeadLetter(ctx context.Context, rec *Record, now time.Time) error

	// PromoteDue moves failed records whose backoff elapsed back to pending.
	PromoteDue(ctx context.Context, now time.Time) (int64, error)
	// ReclaimStale returns processing records whose heartbeat predates cutoff to pending.
	ReclaimStale(ctx context.Context, cutoff time.Time, now time.Time) (int64, error)
	// Requeue is the operator path from failed or dead_letter back to pending
	// with a fresh attempt budget.
	Requeue(ctx context.Context, callID string, now time.Time) (bool, error)
	PruneCompleted(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

// NextAttempt computes when a failed attempt may be retried. attempt is the
// 1-based attempt that just failed; the schedule clamps to its last entry.
func NextAttempt(schedule []time.Duration, attempt int, now time.Time) time.Time {
	return now.Add(BackoffFor(schedule, attempt))
}

// BackoffFor returns the delay after the given 1-based attempt.
func BackoffFor(schedule []time.Duration, attempt int) time.Duration {
	if len(schedule) == 0 {
		return time.Minute
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

// Counts flattens Stats into a fixed-order summary.
type Counts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	DeadLetter int `json:"dead_letter"`
	Total      int `json:"total"`
}

// SummarizeStats converts a status map to Counts.
func SummarizeStats(stats map[Status]int) Counts {
	var c Counts
	for status, n := range stats {
		c.Total += n
		switch status {
		case StatusPending:
			c.Pending += n
		case StatusProcessing:
			c.Processing += n
		case StatusCompleted:
			c.Completed += n
		case StatusFailed:
			c.Failed += n
		case StatusDeadLetter:
			c.DeadLetter += n
		}
	}
	return c
}
