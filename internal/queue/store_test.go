package queue_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"callsync/internal/queue"
	"callsync/internal/services"
	"callsync/internal/testsupport"
)

func forEachBackend(t *testing.T, fn func(t *testing.T, backend queue.Backend)) {
	t.Helper()
	for name, backend := range testsupport.Backends(t) {
		t.Run(name, func(t *testing.T) {
			fn(t, backend)
		})
	}
}

func TestInsertRejectsDuplicates(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend queue.Backend) {
		testsupport.NewRecord(t, backend, "call-dup")

		err := backend.Insert(context.Background(), &queue.Record{CallID: "call-dup", TranscriptPath: "/t.json"})
		if !errors.Is(err, queue.ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate, got %v", err)
		}
		stats, err := backend.Stats(context.Background())
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		if stats[queue.StatusPending] != 1 {
			t.Fatalf("expected one pending record, got %v", stats)
		}
	})
}

func TestInsertRequiresTranscript(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend queue.Backend) {
		err := backend.Insert(context.Background(), &queue.Record{CallID: "call-empty"})
		if !errors.Is(err, services.ErrMalformedRecord) {
			t.Fatalf("expected malformed record error, got %v", err)
		}
	})
}

func TestGetMissingReturnsNil(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend queue.Backend) {
		rec, err := backend.Get(context.Background(), "nope")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if rec != nil {
			t.Fatalf("expected nil record, got %#v", rec)
		}
	})
}

func TestDueOrdersOldestFirstAndHonoursLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend queue.Backend) {
		base := time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)
		testsupport.NewRecord(t, backend, "call-c", testsupport.WithCreatedAt(base.Add(2*time.Minute)))
		testsupport.NewRecord(t, backend, "call-a", testsupport.WithCreatedAt(base))
		testsupport.NewRecord(t, backend, "call-b", testsupport.WithCreatedAt(base.Add(time.Minute)))

		due, malformed, err := backend.Due(context.Background(), time.Now(), 2)
		if err != nil {
			t.Fatalf("Due failed: %v", err)
		}
		if len(malformed) != 0 {
			t.Fatalf("unexpected malformed records: %v", malformed)
		}
		if len(due) != 2 || due[0].CallID != "call-a" || due[1].CallID != "call-b" {
			t.Fatalf("unexpected due order: %v", callIDs(due))
		}
	})
}

func TestClaimMovesToProcessingAndCountsAttempt(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend queue.Backend) {
		ctx := context.Background()
		rec := testsupport.NewRecord(t, backend, "call-1", testsupport.WithEgressRef("EG_1"))

		now := time.Now().UTC()
		if err := backend.Claim(ctx, rec, "driver-a", now); err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		if rec.Status != queue.StatusProcessing || rec.ClaimedBy != "driver-a" || rec.AttemptCount != 1 {
			t.Fatalf("unexpected claimed record: %+v", rec)
		}

		stored := testsupport.MustGet(t, backend, "call-1")
		if stored.Status != queue.StatusProcessing || stored.EgressRef != "EG_1" {
			t.Fatalf("unexpected stored record: %+v", stored)
		}

		again := stored.Clone()
		again.Status = queue.StatusPending
		if err := backend.Claim(ctx, again, "driver-b", now); !errors.Is(err, queue.ErrNotClaimed) {
			t.Fatalf("expected ErrNotClaimed for second claim, got %v", err)
		}
		if !errors.Is(queue.ErrNotClaimed, services.ErrClaimLost) {
			t.Fatal("ErrNotClaimed should carry the claim-lost marker")
		}
	})
}

func TestConcurrentClaimsHaveSingleWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend queue.Backend) {
		ctx := context.Background()
		testsupport.NewRecord(t, backend, "call-race")

		const drivers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
		)
		for i := 0; i < drivers; i++ {
			wg.Add(1)
			go func(owner string) {
				defer wg.Done()
				rec := &queue.Record{CallID: "call-race", Status: queue.StatusPending}
				err := backend.Claim(ctx, rec, owner, time.Now())
				if err == nil {
					mu.Lock()
					winners = append(winners, owner)
					mu.Unlock()
					return
				}
				if !errors.Is(err, queue.ErrNotClaimed) {
					t.Errorf("unexpected claim error: %v", err)
				}
			}(fmt.Sprintf("driver-%d", i))
		}
		wg.Wait()

		if len(winners) != 1 {
			t.Fatalf("expected exactly one winner, got %v", winners)
		}
		stored := testsupport.MustGet(t, backend, "call-race")
		if stored.ClaimedBy != winners[0] || stored.AttemptCount != 1 {
			t.Fatalf("stored claim mismatch: %+v", stored)
		}
	})
}

func TestFailThenPromote(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend queue.Backend) {
		ctx := context.Background()
		rec := testsupport.NewRecord(t, backend, "call-retry")
		now := time.Now().UTC()
		if err := backend.Claim(ctx, rec, "driver", now); err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		rec.LastError = "object store returned 503"
		rec.ErrorKind = string(services.KindTransient)
		next := queue.NextAttempt([]time.Duration{time.Minute}, rec.AttemptCount, now)
		if err := backend.Fail(ctx, rec, next, now); err != nil {
			t.Fatalf("Fail failed: %v", err)
		}
		if rec.Status != queue.StatusFailed || rec.ClaimedBy != "" {
			t.Fatalf("unexpected failed record: %+v", rec)
		}

		promoted, err := backend.PromoteDue(ctx, now.Add(30*time.Second))
		if err != nil {
			t.Fatalf("PromoteDue failed: %v", err)
		}
		if promoted != 0 {
			t.Fatalf("expected nothing promoted before backoff, got %d", promoted)
		}

		promoted, err = backend.PromoteDue(ctx, now.Add(2*time.Minute))
		if err != nil {
			t.Fatalf("PromoteDue failed: %v", err)
		}
		if promoted != 1 {
			t.Fatalf("expected one promotion, got %d", promoted)
		}
		stored := testsupport.MustGet(t, backend, "call-retry")
		if stored.Status != queue.StatusPending || stored.AttemptCount != 1 || stored.LastError == "" {
			t.Fatalf("unexpected promoted record: %+v", stored)
		}

		due, _, err := backend.Due(ctx, now.Add(30*time.Second), 10)
		if err != nil {
			t.Fatalf("Due failed: %v", err)
		}
		if len(due) != 0 {
			t.Fatalf("record should not be due before next_attempt_at, got %v", callIDs(due))
		}
		due, _, err = backend.Due(ctx, now.Add(2*time.Minute), 10)
		if err != nil {
			t.Fatalf("Due failed: %v", err)
		}
		if len(due) != 1 {
			t.Fatalf("expected record due after backoff, got %v", callIDs(due))
		}
	})
}

func TestGuardedWritesRejectStaleOwner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend queue.Backend) {
		ctx := context.Background()
		rec := testsupport.NewRecord(t, backend, "call-owner")
		now := time.Now().UTC()
		if err := backend.Claim(ctx, rec, "driver-a", now); err != nil {
			t.Fatalf("Claim failed: %v", err)
		}

		impostor := rec.Clone()
		impostor.ClaimedBy = "driver-b"
		if err := backend.Complete(ctx, impostor, now); !errors.Is(err, queue.ErrNotClaimed) {
			t.Fatalf("expected ErrNotClaimed, got %v", err)
		}
		if err := backend.Heartbeat(ctx, "call-owner", "driver-b", now); !errors.Is(err, queue.ErrNotClaimed) {
			t.Fatalf("expected heartbeat rejection, got %v", err)
		}

		rec.Upload.RecordingUploaded = true
		rec.Upload.RecordingURL = "https://files.example.com/call-owner.ogg"
		if err := backend.Checkpoint(ctx, rec); err != nil {
			t.Fatalf("Checkpoint failed: %v", err)
		}
		if err := backend.Complete(ctx, rec, now); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		stored := testsupport.MustGet(t, backend, "call-owner")
		if stored.Status != queue.StatusCompleted || !stored.Upload.RecordingUploaded {
			t.Fatalf("unexpected completed record: %+v", stored)
		}
		if stored.Upload.RecordingURL != "https://files.example.com/call-owner.ogg" {
			t.Fatalf("checkpointed url lost: %q", stored.Upload.RecordingURL)
		}
	})
}

func TestReclaimStaleReturnsAbandonedClaims(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend queue.Backend) {
		ctx := context.Background()
		stale := testsupport.NewRecord(t, backend, "call-stale")
		fresh := testsupport.NewRecord(t, backend, "call-fresh")

		claimedAt := time.Now().UTC().Add(-time.Hour)
		if err := backend.Claim(ctx, stale, "crashed", claimedAt); err != nil {
			t.Fatalf("Claim stale failed: %v", err)
		}
		if err := backend.Claim(ctx, fresh, "alive", time.Now().UTC()); err != nil {
			t.Fatalf("Claim fresh failed: %v", err)
		}

		reclaimed, err := backend.ReclaimStale(ctx, time.Now().UTC().Add(-10*time.Minute), time.Now().UTC())
		if err != nil {
			t.Fatalf("ReclaimStale failed: %v", err)
		}
		if reclaimed != 1 {
			t.Fatalf("expected one reclaimed record, got %d", reclaimed)
		}
		got := testsupport.MustGet(t, backend, "call-stale")
		if got.Status != queue.StatusPending || got.ClaimedBy != "" || got.AttemptCount != 1 {
			t.Fatalf("unexpected reclaimed record: %+v", got)
		}
		if got.ErrorKind != string(services.KindClaimLost) {
			t.Fatalf("expected claim_lost error kind, got %q", got.ErrorKind)
		}
		if still := testsupport.MustGet(t, backend, "call-fresh"); still.Status != queue.StatusProcessing {
			t.Fatalf("fresh claim should remain processing, got %s", still.Status)
		}

		if err := backend.Complete(ctx, stale, time.Now()); !errors.Is(err, queue.ErrNotClaimed) {
			t.Fatalf("original owner should lose its claim, got %v", err)
		}
	})
}

func TestDeadLetterAndRequeue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend queue.Backend) {
		ctx := context.Background()
		rec := testsupport.NewRecord(t, backend, "call-dead")
		now := time.Now().UTC()
		if err := backend.Claim(ctx, rec, "driver", now); err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		rec.LastError = "transcript missing"
		rec.ErrorKind = string(services.KindExhausted)
		if err := backend.DeadLetter(ctx, rec, now); err != nil {
			t.Fatalf("DeadLetter failed: %v", err)
		}

		dead, err := backend.List(ctx, queue.StatusDeadLetter)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(dead) != 1 || dead[0].LastError != "transcript missing" {
			t.Fatalf("unexpected dead letters: %+v", dead)
		}

		ok, err := backend.Requeue(ctx, "call-dead", now)
		if err != nil || !ok {
			t.Fatalf("Requeue = %v, %v", ok, err)
		}
		got := testsupport.MustGet(t, backend, "call-dead")
		if got.Status != queue.StatusPending || got.AttemptCount != 0 || got.LastError != "" {
			t.Fatalf("unexpected requeued record: %+v", got)
		}

		ok, err = backend.Requeue(ctx, "call-dead", now)
		if err != nil {
			t.Fatalf("Requeue pending failed: %v", err)
		}
		if ok {
			t.Fatal("pending record should not be requeued")
		}
	})
}

func TestDeadLetterUnclaimedPending(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend queue.Backend) {
		rec := testsupport.NewRecord(t, backend, "call-over-budget")
		if err := backend.DeadLetter(context.Background(), rec, time.Now()); err != nil {
			t.Fatalf("DeadLetter failed: %v", err)
		}
		if got := testsupport.MustGet(t, backend, "call-over-budget"); got.Status != queue.StatusDeadLetter {
			t.Fatalf("expected dead_letter, got %s", got.Status)
		}
	})
}

func TestPruneCompleted(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend queue.Backend) {
		ctx := context.Background()
		rec := testsupport.NewRecord(t, backend, "call-done")
		now := time.Now().UTC()
		if err := backend.Claim(ctx, rec, "driver", now); err != nil {
			t.Fatalf("Claim failed: %v", err)
		}
		if err := backend.Complete(ctx, rec, now.Add(-48*time.Hour)); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
		testsupport.NewRecord(t, backend, "call-open")

		removed, err := backend.PruneCompleted(ctx, now.Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("PruneCompleted failed: %v", err)
		}
		if removed != 1 {
			t.Fatalf("expected one pruned record, got %d", removed)
		}
		counts := queue.SummarizeStats(mustStats(t, backend))
		if counts.Completed != 0 || counts.Pending != 1 || counts.Total != 1 {
			t.Fatalf("unexpected counts after prune: %+v", counts)
		}
	})
}

func TestDueReportsMalformedSQLiteRows(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	testsupport.NewRecord(t, store, "call-good")
	testsupport.NewRecord(t, store, "call-bad")

	db, err := sql.Open("sqlite", queue.SQLiteDSN(store.Path()))
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`UPDATE call_records SET started_at = 'yesterday-ish' WHERE call_id = 'call-bad'`); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	due, malformed, err := store.Due(context.Background(), time.Now(), 10)
	if err != nil {
		t.Fatalf("Due failed: %v", err)
	}
	if len(due) != 1 || due[0].CallID != "call-good" {
		t.Fatalf("unexpected due records: %v", callIDs(due))
	}
	if len(malformed) != 1 || malformed[0].Ref != "call-bad" {
		t.Fatalf("expected call-bad reported malformed, got %v", malformed)
	}
	if !errors.Is(malformed[0], services.ErrMalformedRecord) {
		t.Fatal("malformed entry should carry the malformed marker")
	}
}

func TestDueSkipsMalformedRowsWithoutSpendingBatch(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		testsupport.NewRecord(t, store, fmt.Sprintf("call-bad-%d", i), testsupport.WithCreatedAt(base.Add(time.Duration(i)*time.Second)))
	}
	testsupport.NewRecord(t, store, "call-good", testsupport.WithCreatedAt(base.Add(time.Minute)))

	db, err := sql.Open("sqlite", queue.SQLiteDSN(store.Path()))
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`UPDATE call_records SET started_at = 'garbled' WHERE call_id LIKE 'call-bad-%'`); err != nil {
		t.Fatalf("corrupt rows: %v", err)
	}

	for cycle := 1; cycle <= 2; cycle++ {
		due, malformed, err := store.Due(context.Background(), time.Now(), 3)
		if err != nil {
			t.Fatalf("cycle %d: Due failed: %v", cycle, err)
		}
		if len(due) != 1 || due[0].CallID != "call-good" {
			t.Fatalf("cycle %d: expected call-good due behind malformed rows, got %v", cycle, callIDs(due))
		}
		if len(malformed) != 3 {
			t.Fatalf("cycle %d: expected 3 malformed rows, got %d", cycle, len(malformed))
		}
	}
}

func TestDueReportsMalformedSpoolFiles(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenSpool(t, cfg)
	testsupport.NewRecord(t, store, "call-good")

	bad := filepath.Join(cfg.SpoolDir(), "pending", "call-bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	due, malformed, err := store.Due(context.Background(), time.Now(), 10)
	if err != nil {
		t.Fatalf("Due failed: %v", err)
	}
	if len(due) != 1 || due[0].CallID != "call-good" {
		t.Fatalf("unexpected due records: %v", callIDs(due))
	}
	if len(malformed) != 1 || malformed[0].Ref != filepath.Join("pending", "call-bad.json") {
		t.Fatalf("expected corrupt file reported, got %v", malformed)
	}
}

func TestBackoffScheduleClamps(t *testing.T) {
	schedule := []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour}
	cases := map[int]time.Duration{
		0: time.Minute,
		1: time.Minute,
		2: 5 * time.Minute,
		3: 15 * time.Minute,
		4: time.Hour,
		9: time.Hour,
	}
	for attempt, want := range cases {
		if got := queue.BackoffFor(schedule, attempt); got != want {
			t.Fatalf("BackoffFor(%d) = %s, want %s", attempt, got, want)
		}
	}
	if got := queue.BackoffFor(nil, 3); got != time.Minute {
		t.Fatalf("empty schedule should default to a minute, got %s", got)
	}
}

func TestParseStatusAcceptsDashes(t *testing.T) {
	status, ok := queue.ParseStatus("Dead-Letter")
	if !ok || status != queue.StatusDeadLetter {
		t.Fatalf("ParseStatus = %q, %v", status, ok)
	}
	if _, ok := queue.ParseStatus("archived"); ok {
		t.Fatal("unknown status should not parse")
	}
	if !queue.StatusCompleted.Terminal() || queue.StatusFailed.Terminal() {
		t.Fatal("unexpected terminal classification")
	}
}

func mustStats(t *testing.T, backend queue.Backend) map[queue.Status]int {
	t.Helper()
	stats, err := backend.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	return stats
}

func callIDs(records []*queue.Record) []string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.CallID)
	}
	return ids
}

func TestOpenRejectsForeignSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	store, err := queue.OpenPath(dbPath)
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db, err := sql.Open("sqlite", queue.SQLiteDSN(dbPath))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	if _, err := db.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	_ = db.Close()

	if _, err := queue.OpenPath(dbPath); !errors.Is(err, queue.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}
