package queue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Claim atomically moves a pending record to processing. Only one caller can
// win: the update is conditioned on the row still being pending.
func (s *Store) Claim(ctx context.Context, rec *Record, owner string, now time.Time) error {
	if rec == nil {
		return errors.New("record is nil")
	}
	if owner == "" {
		return errors.New("claim owner is empty")
	}
	ts := formatTime(now)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE call_records
         SET status = ?, claimed_by = ?, claimed_at = ?, heartbeat_at = ?,
             attempt_count = attempt_count + 1, last_attempt_at = ?, updated_at = ?
         WHERE call_id = ? AND status = ?`,
		StatusProcessing, owner, ts, ts, ts, ts,
		rec.CallID, StatusPending,
	)
	if err != nil {
		return fmt.Errorf("claim record: %w", err)
	}
	if err := expectOne(res.RowsAffected()); err != nil {
		return err
	}

	claimed, err := s.Get(ctx, rec.CallID)
	if err != nil {
		return err
	}
	if claimed == nil {
		return ErrNotClaimed
	}
	*rec = *claimed
	return nil
}

// Heartbeat refreshes the claim timestamp for an in-flight record.
func (s *Store) Heartbeat(ctx context.Context, callID, owner string, now time.Time) error {
	ts := formatTime(now)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE call_records SET heartbeat_at = ?, updated_at = ?
         WHERE call_id = ? AND status = ? AND claimed_by = ?`,
		ts, ts, callID, StatusProcessing, owner,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return expectOne(res.RowsAffected())
}

// Checkpoint persists upload progress on a claimed record.
func (s *Store) Checkpoint(ctx context.Context, rec *Record) error {
	staged := rec.Clone()
	now := time.Now().UTC()
	staged.UpdatedAt = now
	staged.HeartbeatAt = &now
	return s.guardedWrite(ctx, rec, staged)
}

// Complete retires a claimed record.
func (s *Store) Complete(ctx context.Context, rec *Record, now time.Time) error {
	staged := rec.Clone()
	staged.Status = StatusCompleted
	staged.NextAttemptAt = nil
	staged.LastError = ""
	staged.ErrorKind = ""
	releaseClaim(staged, now)
	return s.guardedWrite(ctx, rec, staged)
}

// Fail records a failed attempt and schedules the next one.
func (s *Store) Fail(ctx context.Context, rec *Record, next time.Time, now time.Time) error {
	staged := rec.Clone()
	staged.Status = StatusFailed
	next = next.UTC()
	staged.NextAttemptAt = &next
	releaseClaim(staged, now)
	return s.guardedWrite(ctx, rec, staged)
}

// DeadLetter parks a record for operator attention. It accepts claimed
// records as well as unclaimed pending or failed ones.
func (s *Store) DeadLetter(ctx context.Context, rec *Record, now time.Time) error {
	staged := rec.Clone()
	staged.Status = StatusDeadLetter
	staged.NextAttemptAt = nil
	releaseClaim(staged, now)
	return s.guardedWrite(ctx, rec, staged)
}

// PromoteDue moves failed records whose backoff elapsed back to pending.
func (s *Store) PromoteDue(ctx context.Context, now time.Time) (int64, error) {
	ts := formatTime(now)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE call_records SET status = ?, updated_at = ?
         WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)`,
		StatusPending, ts, StatusFailed, ts,
	)
	if err != nil {
		return 0, fmt.Errorf("promote due records: %w", err)
	}
	return res.RowsAffected()
}

// ReclaimStale returns records stuck in processing back to pending
// when their heartbeat predates cutoff. The consumed attempt stays counted.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time, now time.Time) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE call_records
         SET status = ?, claimed_by = NULL, claimed_at = NULL, heartbeat_at = NULL,
             last_error = 'claim expired without heartbeat', error_kind = 'claim_lost', updated_at = ?
         WHERE status = ? AND COALESCE(heartbeat_at, claimed_at, updated_at) < ?`,
		StatusPending, formatTime(now), StatusProcessing, formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale records: %w", err)
	}
	return res.RowsAffected()
}

// Requeue moves a failed or dead-lettered record back to pending with a fresh budget.
func (s *Store) Requeue(ctx context.Context, callID string, now time.Time) (bool, error) {
	res, err := s.execWithRetry(
		ctx,
		`UPDATE call_records
         SET status = ?, attempt_count = 0, next_attempt_at = NULL, last_error = NULL,
             error_kind = NULL, updated_at = ?
         WHERE call_id = ? AND status IN (?, ?)`,
		StatusPending, formatTime(now), callID, StatusFailed, StatusDeadLetter,
	)
	if err != nil {
		return false, fmt.Errorf("requeue record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// PruneCompleted removes completed records last touched before the cutoff.
func (s *Store) PruneCompleted(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.execWithRetry(
		ctx,
		`DELETE FROM call_records WHERE status = ? AND updated_at < ?`,
		StatusCompleted, formatTime(before),
	)
	if err != nil {
		return 0, fmt.Errorf("prune completed: %w", err)
	}
	return res.RowsAffected()
}

// guardedWrite stores staged only if the row still matches the status and
// owner captured in current, then copies staged into current.
func (s *Store) guardedWrite(ctx context.Context, current, staged *Record) error {
	if current == nil || staged == nil {
		return errors.New("record is nil")
	}
	if err := staged.Validate(); err != nil {
		return err
	}
	res, err := s.execWithRetry(
		ctx,
		`UPDATE call_records
         SET dialed_number = ?, campaign_id = ?, voice_agent_id = ?, client_id = ?, egress_ref = ?,
             transcript_path = ?, lead_path = ?, recording_path = ?, direction = ?, started_at = ?, ended_at = ?,
             recording_uploaded = ?, recording_url = ?, recording_size = ?, call_data_uploaded = ?,
             call_data_uploaded_at = ?, status = ?, attempt_count = ?, last_attempt_at = ?, next_attempt_at = ?,
             last_error = ?, error_kind = ?, claimed_by = ?, claimed_at = ?, heartbeat_at = ?, updated_at = ?
         WHERE call_id = ? AND status = ? AND COALESCE(claimed_by, '') = ?`,
		append(recordArgs(staged)[1:26], formatTime(staged.UpdatedAt),
			current.CallID, current.Status, current.ClaimedBy)...,
	)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if err := expectOne(res.RowsAffected()); err != nil {
		return err
	}
	*current = *staged
	return nil
}

func releaseClaim(rec *Record, now time.Time) {
	rec.ClaimedBy = ""
	rec.ClaimedAt = nil
	rec.HeartbeatAt = nil
	rec.UpdatedAt = now.UTC()
}

func expectOne(affected int64, err error) error {
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotClaimed
	}
	return nil
}
