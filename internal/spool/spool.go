package spool

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/afero"

	"callsync/internal/fileutil"
	"callsync/internal/queue"
)

const (
	recordExt = ".json"
	newExt    = ".new"
	workDir   = ".work"
)

// Store keeps one JSON file per record in a directory named after its status.
// Moving a record between statuses is a rename, so a record is always in
// exactly one directory. Transitions first rename the file into a private
// work path; whichever caller wins that rename owns the record until it is
// renamed into its destination.
type Store struct {
	fs      afero.Fs
	root    string
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

var _ queue.Backend = (*Store)(nil)

// Open prepares the spool directories under root.
func Open(fsys afero.Fs, root string) (*Store, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	for _, status := range queue.AllStatuses() {
		if err := fsys.MkdirAll(filepath.Join(root, string(status)), 0o755); err != nil {
			return nil, fmt.Errorf("create spool directory %s: %w", status, err)
		}
	}
	if err := fsys.MkdirAll(filepath.Join(root, workDir), 0o755); err != nil {
		return nil, fmt.Errorf("create spool work directory: %w", err)
	}
	return &Store{fs: fsys, root: root, entropy: ulid.Monotonic(rand.Reader, 0)}, nil
}

// Root returns the spool directory.
func (s *Store) Root() string {
	return s.root
}

// Close is a no-op; the spool holds no open handles.
func (s *Store) Close() error {
	return nil
}

// Insert writes a new record into pending/.
func (s *Store) Insert(ctx context.Context, rec *queue.Record) error {
	if rec == nil {
		return errors.New("record is nil")
	}
	rec.Status = queue.StatusPending
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if err := rec.Validate(); err != nil {
		return err
	}
	if strings.ContainsAny(rec.CallID, `/\`) {
		return fmt.Errorf("call id %q is not a valid file name", rec.CallID)
	}

	work := filepath.Join(s.root, workDir, rec.CallID+"."+s.token()+newExt)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, _, err := s.locate(rec.CallID); err != nil {
		return err
	} else if existing != "" {
		return fmt.Errorf("%w: %s", queue.ErrDuplicate, rec.CallID)
	}
	final := s.path(queue.StatusPending, rec.CallID)
	if _, ok := s.fs.(*afero.OsFs); !ok {
		// in-memory filesystems are private to this process; mu suffices
		return fileutil.WriteJSONAtomic(s.fs, final, rec)
	}

	// A hard link fails if final exists, so of two processes inserting the
	// same call id only the first lands.
	if err := fileutil.WriteJSONAtomic(s.fs, work, rec); err != nil {
		return err
	}
	defer func() { _ = s.fs.Remove(work) }()
	if err := os.Link(work, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s", queue.ErrDuplicate, rec.CallID)
		}
		return fmt.Errorf("publish %s: %w", rec.CallID, err)
	}
	return nil
}

// Get returns the record wherever it currently lives.
func (s *Store) Get(ctx context.Context, callID string) (*queue.Record, error) {
	path, status, err := s.locate(callID)
	if err != nil || path == "" {
		return nil, err
	}
	rec, err := s.read(path, status)
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return rec, nil
}

// List returns records in the given statuses (all when empty), oldest first.
// Malformed files are skipped; Due reports them.
func (s *Store) List(ctx context.Context, statuses ...queue.Status) ([]*queue.Record, error) {
	if len(statuses) == 0 {
		statuses = queue.AllStatuses()
	}
	var out []*queue.Record
	for _, status := range statuses {
		records, _, err := s.scan(status)
		if err != nil {
			return nil, err
		}
		out = append(out, records...)
	}
	sortRecords(out)
	return out, nil
}

// Stats counts record files per status directory.
func (s *Store) Stats(ctx context.Context) (map[queue.Status]int, error) {
	stats := make(map[queue.Status]int)
	for _, status := range queue.AllStatuses() {
		names, err := s.names(filepath.Join(s.root, string(status)))
		if err != nil {
			return nil, err
		}
		if len(names) > 0 {
			stats[status] = len(names)
		}
	}
	return stats, nil
}

// Due returns pending records ready for an attempt.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*queue.Record, []queue.Malformed, error) {
	if limit <= 0 {
		return nil, nil, nil
	}
	records, malformed, err := s.scan(queue.StatusPending)
	if err != nil {
		return nil, nil, err
	}
	due := records[:0]
	for _, rec := range records {
		if rec.NextAttemptAt == nil || !rec.NextAttemptAt.After(now) {
			due = append(due, rec)
		}
	}
	sortRecords(due)
	if len(due) > limit {
		due = due[:limit]
	}
	return due, malformed, nil
}

// Claim moves pending/<id> to processing/<id>. The rename out of pending/ is
// the atomic step; a loser sees the file gone and gets ErrNotClaimed.
func (s *Store) Claim(ctx context.Context, rec *queue.Record, owner string, now time.Time) error {
	if rec == nil {
		return errors.New("record is nil")
	}
	if owner == "" {
		return errors.New("claim owner is empty")
	}
	work, current, err := s.acquire(queue.StatusPending, rec.CallID)
	if err != nil {
		return err
	}
	staged := current.Clone()
	ts := now.UTC()
	staged.Status = queue.StatusProcessing
	staged.ClaimedBy = owner
	staged.ClaimedAt = &ts
	staged.HeartbeatAt = &ts
	staged.AttemptCount++
	staged.LastAttemptAt = &ts
	staged.UpdatedAt = ts
	if err := s.commit(work, staged); err != nil {
		s.restore(work, queue.StatusPending, rec.CallID)
		return err
	}
	*rec = *staged
	return nil
}

// Heartbeat refreshes the claim timestamp of a processing record.
func (s *Store) Heartbeat(ctx context.Context, callID, owner string, now time.Time) error {
	return s.transition(queue.StatusProcessing, callID, owner, func(rec *queue.Record) {
		ts := now.UTC()
		rec.HeartbeatAt = &ts
		rec.UpdatedAt = ts
	})
}

// Checkpoint persists upload progress on a claimed record.
func (s *Store) Checkpoint(ctx context.Context, rec *queue.Record) error {
	return s.replace(rec, func(staged *queue.Record) {
		now := time.Now().UTC()
		staged.UpdatedAt = now
		staged.HeartbeatAt = &now
	})
}

// Complete moves a claimed record to completed/.
func (s *Store) Complete(ctx context.Context, rec *queue.Record, now time.Time) error {
	return s.replace(rec, func(staged *queue.Record) {
		staged.Status = queue.StatusCompleted
		staged.NextAttemptAt = nil
		staged.LastError = ""
		staged.ErrorKind = ""
		releaseClaim(staged, now)
	})
}

// Fail moves a claimed record to failed/ with its next attempt time.
func (s *Store) Fail(ctx context.Context, rec *queue.Record, next time.Time, now time.Time) error {
	return s.replace(rec, func(staged *queue.Record) {
		staged.Status = queue.StatusFailed
		next = next.UTC()
		staged.NextAttemptAt = &next
		releaseClaim(staged, now)
	})
}

// DeadLetter moves a record to dead_letter/ from whichever state rec holds.
func (s *Store) DeadLetter(ctx context.Context, rec *queue.Record, now time.Time) error {
	return s.replace(rec, func(staged *queue.Record) {
		staged.Status = queue.StatusDeadLetter
		staged.NextAttemptAt = nil
		releaseClaim(staged, now)
	})
}

// PromoteDue moves failed records whose backoff elapsed back to pending/.
func (s *Store) PromoteDue(ctx context.Context, now time.Time) (int64, error) {
	records, _, err := s.scan(queue.StatusFailed)
	if err != nil {
		return 0, err
	}
	var promoted int64
	for _, rec := range records {
		if rec.NextAttemptAt != nil && rec.NextAttemptAt.After(now) {
			continue
		}
		err := s.transition(queue.StatusFailed, rec.CallID, "", func(r *queue.Record) {
			r.Status = queue.StatusPending
			r.UpdatedAt = now.UTC()
		})
		if errors.Is(err, queue.ErrNotClaimed) {
			continue
		}
		if err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// ReclaimStale returns processing records whose heartbeat predates cutoff to
// pending/, along with work files abandoned by a crashed transition.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time, now time.Time) (int64, error) {
	records, _, err := s.scan(queue.StatusProcessing)
	if err != nil {
		return 0, err
	}
	var reclaimed int64
	for _, rec := range records {
		if !isStale(rec, cutoff) {
			continue
		}
		work, current, err := s.acquire(queue.StatusProcessing, rec.CallID)
		if errors.Is(err, queue.ErrNotClaimed) {
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		if !isStale(current, cutoff) {
			s.restore(work, queue.StatusProcessing, rec.CallID)
			continue
		}
		resetClaim(current, now)
		if err := s.commit(work, current); err != nil {
			s.restore(work, queue.StatusProcessing, rec.CallID)
			return reclaimed, err
		}
		reclaimed++
	}

	orphans, err := s.reclaimWorkFiles(cutoff, now)
	return reclaimed + orphans, err
}

// Requeue gives a failed or dead-lettered record a fresh attempt budget.
func (s *Store) Requeue(ctx context.Context, callID string, now time.Time) (bool, error) {
	for _, from := range []queue.Status{queue.StatusFailed, queue.StatusDeadLetter} {
		err := s.transition(from, callID, "", func(rec *queue.Record) {
			rec.Status = queue.StatusPending
			rec.AttemptCount = 0
			rec.NextAttemptAt = nil
			rec.LastError = ""
			rec.ErrorKind = ""
			rec.UpdatedAt = now.UTC()
		})
		if errors.Is(err, queue.ErrNotClaimed) {
			continue
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// PruneCompleted deletes completed records last touched before the cutoff.
func (s *Store) PruneCompleted(ctx context.Context, before time.Time) (int64, error) {
	records, _, err := s.scan(queue.StatusCompleted)
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, rec := range records {
		if !rec.UpdatedAt.Before(before) {
			continue
		}
		if err := s.fs.Remove(s.path(queue.StatusCompleted, rec.CallID)); err != nil && !fileutil.IsNotExist(err) {
			return removed, fmt.Errorf("remove %s: %w", rec.CallID, err)
		}
		removed++
	}
	return removed, nil
}

// replace applies mutate to a copy of rec and commits it, provided the file
// still sits in rec.Status's directory and carries rec's claim owner.
func (s *Store) replace(rec *queue.Record, mutate func(*queue.Record)) error {
	if rec == nil {
		return errors.New("record is nil")
	}
	work, current, err := s.acquire(rec.Status, rec.CallID)
	if err != nil {
		return err
	}
	if current.ClaimedBy != rec.ClaimedBy {
		s.restore(work, rec.Status, rec.CallID)
		return queue.ErrNotClaimed
	}
	staged := rec.Clone()
	mutate(staged)
	if err := staged.Validate(); err != nil {
		s.restore(work, rec.Status, rec.CallID)
		return err
	}
	if err := s.commit(work, staged); err != nil {
		s.restore(work, rec.Status, rec.CallID)
		return err
	}
	*rec = *staged
	return nil
}

// transition is replace for callers that only know the call id.
func (s *Store) transition(from queue.Status, callID, owner string, mutate func(*queue.Record)) error {
	work, current, err := s.acquire(from, callID)
	if err != nil {
		return err
	}
	if current.ClaimedBy != owner {
		s.restore(work, from, callID)
		return queue.ErrNotClaimed
	}
	mutate(current)
	if err := s.commit(work, current); err != nil {
		s.restore(work, from, callID)
		return err
	}
	return nil
}

// acquire renames status/<id>.json into a unique work path and decodes it.
func (s *Store) acquire(status queue.Status, callID string) (string, *queue.Record, error) {
	src := s.path(status, callID)
	work := filepath.Join(s.root, workDir, callID+"."+s.token()+recordExt)
	if err := s.fs.Rename(src, work); err != nil {
		if fileutil.IsNotExist(err) {
			return "", nil, queue.ErrNotClaimed
		}
		return "", nil, fmt.Errorf("acquire %s: %w", callID, err)
	}
	// rename keeps the old mtime; orphan reclaim keys on it
	now := time.Now()
	_ = s.fs.Chtimes(work, now, now)
	rec, err := s.read(work, status)
	if err != nil {
		s.restore(work, status, callID)
		return "", nil, err
	}
	return work, rec, nil
}

// commit rewrites the work file with rec and renames it into rec.Status's directory.
func (s *Store) commit(work string, rec *queue.Record) error {
	if err := fileutil.WriteJSONAtomic(s.fs, work, rec); err != nil {
		return err
	}
	if err := s.fs.Rename(work, s.path(rec.Status, rec.CallID)); err != nil {
		return fmt.Errorf("move %s to %s: %w", rec.CallID, rec.Status, err)
	}
	return nil
}

func (s *Store) restore(work string, status queue.Status, callID string) {
	_ = s.fs.Rename(work, s.path(status, callID))
}

func (s *Store) reclaimWorkFiles(cutoff, now time.Time) (int64, error) {
	dir := filepath.Join(s.root, workDir)
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return 0, fmt.Errorf("read work directory: %w", err)
	}
	var reclaimed int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) || !entry.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		rec, err := s.read(path, queue.StatusPending)
		if err != nil {
			continue
		}
		resetClaim(rec, now)
		if err := s.commit(path, rec); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

func (s *Store) scan(status queue.Status) ([]*queue.Record, []queue.Malformed, error) {
	dir := filepath.Join(s.root, string(status))
	names, err := s.names(dir)
	if err != nil {
		return nil, nil, err
	}
	var (
		records   []*queue.Record
		malformed []queue.Malformed
	)
	for _, name := range names {
		rec, err := s.read(filepath.Join(dir, name), status)
		if err != nil {
			if fileutil.IsNotExist(err) {
				continue
			}
			bad := queue.Malformed{Err: err}
			var inner queue.Malformed
			if errors.As(err, &inner) {
				bad.Err = inner.Err
			}
			bad.Ref = filepath.Join(string(status), name)
			malformed = append(malformed, bad)
			continue
		}
		records = append(records, rec)
	}
	return records, malformed, nil
}

func (s *Store) names(dir string) ([]string, error) {
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read spool directory %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// read decodes a record file. The directory is authoritative for status.
func (s *Store) read(path string, status queue.Status) (*queue.Record, error) {
	var rec queue.Record
	if err := fileutil.ReadJSON(s.fs, path, &rec); err != nil {
		if fileutil.IsNotExist(err) {
			return nil, err
		}
		return nil, queue.Malformed{Ref: filepath.Base(path), Err: err}
	}
	rec.Status = status
	if err := rec.Validate(); err != nil {
		return nil, queue.Malformed{Ref: filepath.Base(path), Err: err}
	}
	return &rec, nil
}

// locate finds the status directory currently holding callID.
func (s *Store) locate(callID string) (string, queue.Status, error) {
	for _, status := range queue.AllStatuses() {
		path := s.path(status, callID)
		ok, err := fileutil.Readable(s.fs, path)
		if err != nil {
			return "", "", err
		}
		if ok {
			return path, status, nil
		}
	}
	matches, err := afero.Glob(s.fs, filepath.Join(s.root, workDir, callID+".*"+recordExt))
	if err != nil {
		return "", "", err
	}
	if len(matches) > 0 {
		return matches[0], queue.StatusProcessing, nil
	}
	return "", "", nil
}

func (s *Store) path(status queue.Status, callID string) string {
	return filepath.Join(s.root, string(status), callID+recordExt)
}

func (s *Store) token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func isStale(rec *queue.Record, cutoff time.Time) bool {
	stamp := rec.UpdatedAt
	if rec.ClaimedAt != nil {
		stamp = *rec.ClaimedAt
	}
	if rec.HeartbeatAt != nil {
		stamp = *rec.HeartbeatAt
	}
	return stamp.Before(cutoff)
}

func releaseClaim(rec *queue.Record, now time.Time) {
	rec.ClaimedBy = ""
	rec.ClaimedAt = nil
	rec.HeartbeatAt = nil
	rec.UpdatedAt = now.UTC()
}

func resetClaim(rec *queue.Record, now time.Time) {
	releaseClaim(rec, now)
	rec.Status = queue.StatusPending
	rec.LastError = "claim expired without heartbeat"
	rec.ErrorKind = "claim_lost"
}

func sortRecords(records []*queue.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].CallID < records[j].CallID
	})
}
