package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Insert persists a new pending record.
func (s *Store) Insert(ctx context.Context, rec *Record) error {
	if rec == nil {
		return errors.New("record is nil")
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if err := rec.Validate(); err != nil {
		return err
	}

	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO call_records (`+recordColumns+`)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(call_id) DO NOTHING`,
		recordArgs(rec)...,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.CallID)
	}
	return nil
}

// Get fetches a record by call id.
func (s *Store) Get(ctx context.Context, callID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM call_records WHERE call_id = ?`, callID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return rec, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// List returns records filtered by status set (or all records when no status is provided).
// Malformed rows are skipped; Due reports them.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM call_records`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY created_at, call_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			var malformed Malformed
			if errors.As(err, &malformed) {
				continue
			}
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Stats returns a count of records grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM call_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Due returns up to limit pending records whose next attempt time has
// passed. Malformed rows are reported but do not count toward limit.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*Record, []Malformed, error) {
	if limit <= 0 {
		return nil, nil, nil
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+recordColumns+` FROM call_records
         WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
         ORDER BY created_at, call_id`,
		StatusPending,
		formatTime(now),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("query due records: %w", err)
	}
	defer rows.Close()

	var (
		records   []*Record
		malformed []Malformed
	)
	for len(records) < limit && rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			var m Malformed
			if errors.As(err, &m) {
				malformed = append(malformed, m)
				continue
			}
			return nil, nil, err
		}
		records = append(records, rec)
	}
	return records, malformed, rows.Err()
}

func recordArgs(rec *Record) []any {
	return []any{
		rec.CallID,
		nullableString(rec.DialedNumber),
		nullableString(rec.Campaign.CampaignID),
		nullableString(rec.Campaign.VoiceAgentID),
		nullableString(rec.Campaign.ClientID),
		nullableString(strings.TrimSpace(rec.EgressRef)),
		rec.TranscriptPath,
		nullableString(rec.LeadPath),
		nullableString(rec.RecordingPath),
		nullableString(rec.Direction),
		nullableTime(rec.StartedAt),
		nullableTime(rec.EndedAt),
		boolToInt(rec.Upload.RecordingUploaded),
		nullableString(rec.Upload.RecordingURL),
		rec.Upload.RecordingSize,
		boolToInt(rec.Upload.CallDataUploaded),
		nullableTime(rec.Upload.CallDataUploadedAt),
		rec.Status,
		rec.AttemptCount,
		nullableTime(rec.LastAttemptAt),
		nullableTime(rec.NextAttemptAt),
		nullableString(rec.LastError),
		nullableString(rec.ErrorKind),
		nullableString(rec.ClaimedBy),
		nullableTime(rec.ClaimedAt),
		nullableTime(rec.HeartbeatAt),
		formatTime(rec.CreatedAt),
		formatTime(rec.UpdatedAt),
	}
}
