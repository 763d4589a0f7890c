package egress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"callsync/internal/queue"
	"callsync/internal/services"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS egress_files (
    egress_ref TEXT PRIMARY KEY,
    file_path TEXT NOT NULL,
    room_name TEXT,
    recorded_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`

const indexTimeLayout = time.RFC3339Nano

// SQLIndex is the SQLite-backed egress index. It lives in its own database
// file so the recorder side can be deployed without the queue.
type SQLIndex struct {
	db   *sql.DB
	path string
}

var (
	_ Index    = (*SQLIndex)(nil)
	_ Recorder = (*SQLIndex)(nil)
)

// OpenIndex opens or creates the index at path.
func OpenIndex(path string) (*SQLIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure egress index directory: %w", err)
	}
	db, err := sql.Open("sqlite", queue.SQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open egress index: %w", err)
	}
	if _, err := db.Exec(indexSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply egress schema: %w", err)
	}
	return &SQLIndex{db: db, path: path}, nil
}

// Path returns the database file location.
func (x *SQLIndex) Path() string {
	return x.path
}

// Close releases the database handle.
func (x *SQLIndex) Close() error {
	if x == nil || x.db == nil {
		return nil
	}
	return x.db.Close()
}

// Record upserts entry. A later report for the same ref replaces the path.
func (x *SQLIndex) Record(ctx context.Context, entry Entry) error {
	if !entry.valid() {
		return services.Wrap(services.ErrValidation, "egress", "record", "egress ref and file path are required", nil)
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now()
	}
	now := time.Now().UTC().Format(indexTimeLayout)
	_, err := x.db.ExecContext(
		ctx,
		`INSERT INTO egress_files (egress_ref, file_path, room_name, recorded_at, updated_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(egress_ref) DO UPDATE SET
             file_path = excluded.file_path,
             room_name = COALESCE(NULLIF(excluded.room_name, ''), egress_files.room_name),
             recorded_at = excluded.recorded_at,
             updated_at = excluded.updated_at`,
		strings.TrimSpace(entry.EgressRef),
		strings.TrimSpace(entry.FilePath),
		entry.RoomName,
		entry.RecordedAt.UTC().Format(indexTimeLayout),
		now,
	)
	if err != nil {
		return fmt.Errorf("record egress %s: %w", entry.EgressRef, err)
	}
	return nil
}

// Lookup returns the file path recorded for ref.
func (x *SQLIndex) Lookup(ctx context.Context, ref string) (string, bool, error) {
	entry, err := x.Get(ctx, ref)
	if err != nil {
		return "", false, err
	}
	if entry == nil {
		return "", false, nil
	}
	return entry.FilePath, true, nil
}

// Get returns the full entry for ref, or nil when unknown.
func (x *SQLIndex) Get(ctx context.Context, ref string) (*Entry, error) {
	var (
		entry       Entry
		room        sql.NullString
		recordedRaw string
	)
	err := x.db.QueryRowContext(
		ctx,
		`SELECT egress_ref, file_path, room_name, recorded_at FROM egress_files WHERE egress_ref = ?`,
		strings.TrimSpace(ref),
	).Scan(&entry.EgressRef, &entry.FilePath, &room, &recordedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup egress %s: %w", ref, err)
	}
	entry.RoomName = room.String
	if ts, err := time.Parse(indexTimeLayout, recordedRaw); err == nil {
		entry.RecordedAt = ts
	}
	return &entry, nil
}

// Recent lists the most recently recorded entries.
func (x *SQLIndex) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := x.db.QueryContext(
		ctx,
		`SELECT egress_ref, file_path, room_name, recorded_at FROM egress_files
         ORDER BY updated_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list egress entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry       Entry
			room        sql.NullString
			recordedRaw string
		)
		if err := rows.Scan(&entry.EgressRef, &entry.FilePath, &room, &recordedRaw); err != nil {
			return nil, err
		}
		entry.RoomName = room.String
		if ts, err := time.Parse(indexTimeLayout, recordedRaw); err == nil {
			entry.RecordedAt = ts
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
