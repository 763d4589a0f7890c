package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"callsync/internal/correlate"
	"callsync/internal/egress"
	"callsync/internal/queue"
	"callsync/internal/testsupport"
	"callsync/internal/upload"
	"callsync/internal/workflow"
)

func TestCycleCompletesRecordWithoutEgress(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		h := newHarness(t, backend)
		store := h.openBackend(t)
		h.writeTranscript(t, "C0")
		testsupport.NewRecord(t, store, "C0")

		stats, err := h.manager(store, "driver-a").RunCycle(context.Background())
		if err != nil {
			t.Fatalf("RunCycle: %v", err)
		}
		if stats.Completed != 1 || stats.Claimed != 1 {
			t.Fatalf("unexpected stats %+v", stats)
		}

		rec := testsupport.MustGet(t, store, "C0")
		if rec.Status != queue.StatusCompleted || rec.AttemptCount != 1 || rec.ClaimedBy != "" {
			t.Fatalf("unexpected record %+v", rec)
		}
		if len(h.objects.Names()) != 0 {
			t.Fatal("no binary upload expected")
		}
		payloads := h.crm.Payloads()
		if len(payloads) != 1 {
			t.Fatalf("expected one call data submission, got %d", len(payloads))
		}
		if payloads[0].CallDetails.RecordingURL != "" || string(payloads[0].Lead) != "{}" {
			t.Fatalf("unexpected payload %+v", payloads[0])
		}
	})
}

func TestCycleWaitsForEgressThenUploads(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		h := newHarness(t, backend)
		store := h.openBackend(t)
		m := h.manager(store, "driver-a")
		ctx := context.Background()
		h.writeTranscript(t, "C1")
		testsupport.NewRecord(t, store, "C1", testsupport.WithEgressRef("EG1"))

		stats, err := m.RunCycle(ctx)
		if err != nil {
			t.Fatalf("RunCycle: %v", err)
		}
		if stats.Waiting != 1 || stats.Failed != 1 {
			t.Fatalf("expected a waiting failure, got %+v", stats)
		}
		rec := testsupport.MustGet(t, store, "C1")
		if rec.Status != queue.StatusFailed || rec.NextAttemptAt == nil {
			t.Fatalf("expected failed record, got %+v", rec)
		}
		if delay := rec.NextAttemptAt.Sub(h.clock.Now()); delay != time.Duration(h.cfg.Queue.ArtifactBackoff)*time.Second {
			t.Fatalf("expected short backoff, got %v", delay)
		}
		if len(h.crm.Payloads()) != 0 {
			t.Fatal("nothing should upload while the recording is pending")
		}

		h.writeFile(t, "/recordings/EG1.ogg", "OggS-recording")
		if err := h.index.Record(ctx, egress.Entry{EgressRef: "EG1", FilePath: "/recordings/EG1.ogg"}); err != nil {
			t.Fatalf("index.Record: %v", err)
		}

		// Not yet due.
		if stats, _ := m.RunCycle(ctx); stats.Claimed != 0 {
			t.Fatalf("record retried before its backoff elapsed: %+v", stats)
		}

		h.clock.Advance(time.Duration(h.cfg.Queue.ArtifactBackoff+1) * time.Second)
		stats, err = m.RunCycle(ctx)
		if err != nil {
			t.Fatalf("RunCycle: %v", err)
		}
		if stats.Promoted != 1 || stats.Completed != 1 {
			t.Fatalf("unexpected stats %+v", stats)
		}

		rec = testsupport.MustGet(t, store, "C1")
		if rec.Status != queue.StatusCompleted || rec.RecordingPath != "/recordings/EG1.ogg" {
			t.Fatalf("unexpected record %+v", rec)
		}
		if rec.Upload.RecordingURL != "https://cdn.example.com/EG1.ogg" || rec.Upload.RecordingSize != 14 {
			t.Fatalf("unexpected upload result %+v", rec.Upload)
		}
		if names := h.objects.Names(); len(names) != 1 || names[0] != "EG1.ogg" {
			t.Fatalf("unexpected object uploads %v", names)
		}
		payloads := h.crm.Payloads()
		if len(payloads) != 1 || payloads[0].CallDetails.RecordingURL != "https://cdn.example.com/EG1.ogg" {
			t.Fatalf("unexpected payloads %+v", payloads)
		}
	})
}

func TestCycleUploadsWithoutRecordingAfterWaitBudget(t *testing.T) {
	h := newHarness(t, "sqlite")
	store := h.openBackend(t)
	m := h.manager(store, "driver-a")
	h.writeTranscript(t, "C2")
	testsupport.NewRecord(t, store, "C2", testsupport.WithEgressRef("EG-missing"))

	for i := 0; i < h.cfg.Queue.ArtifactWaitAttempts; i++ {
		if _, err := m.RunCycle(context.Background()); err != nil {
			t.Fatalf("RunCycle: %v", err)
		}
		h.clock.Advance(time.Hour)
	}
	if len(h.crm.Payloads()) != 0 {
		t.Fatal("call data sent while still waiting for the recording")
	}

	stats, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if stats.Completed != 1 {
		t.Fatalf("expected completion without recording, got %+v", stats)
	}
	rec := testsupport.MustGet(t, store, "C2")
	if rec.AttemptCount != h.cfg.Queue.ArtifactWaitAttempts+1 || rec.Upload.RecordingUploaded {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestCycleWaitsForHalfWrittenLead(t *testing.T) {
	h := newHarness(t, "sqlite")
	store := h.openBackend(t)
	m := h.manager(store, "driver-a")
	h.writeTranscript(t, "C3")
	h.writeFile(t, "/leads/C3.json", `{"name":"Ada","ema`)
	testsupport.NewRecord(t, store, "C3", testsupport.WithLeadPath("/leads/C3.json"))

	stats, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if stats.Waiting != 1 || len(h.crm.Payloads()) != 0 {
		t.Fatalf("expected the cycle to wait for the lead, got %+v", stats)
	}
	if rec := testsupport.MustGet(t, store, "C3"); rec.Status != queue.StatusFailed {
		t.Fatalf("expected failed with short backoff, got %s", rec.Status)
	}

	h.writeFile(t, "/leads/C3.json", `{"name":"Ada","email":"ada@example.com"}`)
	h.clock.Advance(time.Hour)
	if _, err := m.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	payloads := h.crm.Payloads()
	if len(payloads) != 1 || !payloads[0].Transcription.LeadGenerated {
		t.Fatalf("expected lead delivered with call data, got %+v", payloads)
	}
	if rec := testsupport.MustGet(t, store, "C3"); rec.Status != queue.StatusCompleted {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
}

func TestCycleDeadLettersAfterMaxAttempts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		h := newHarness(t, backend)
		h.crm.status.Store(http.StatusInternalServerError)
		store := h.openBackend(t)
		m := h.manager(store, "driver-a")
		h.writeTranscript(t, "C3")
		testsupport.NewRecord(t, store, "C3")
		max := h.cfg.Queue.MaxAttempts

		for attempt := 1; attempt <= max; attempt++ {
			stats, err := m.RunCycle(context.Background())
			if err != nil {
				t.Fatalf("RunCycle %d: %v", attempt, err)
			}
			rec := testsupport.MustGet(t, store, "C3")
			if rec.AttemptCount != attempt {
				t.Fatalf("attempt %d: count %d", attempt, rec.AttemptCount)
			}
			if attempt < max {
				if rec.Status != queue.StatusFailed || stats.Failed != 1 {
					t.Fatalf("attempt %d: expected failed, got %s %+v", attempt, rec.Status, stats)
				}
				want := queue.BackoffFor(h.cfg.Backoff(), attempt)
				if got := rec.NextAttemptAt.Sub(h.clock.Now()); got != want {
					t.Fatalf("attempt %d: backoff %v, want %v", attempt, got, want)
				}
				if rec.ErrorKind != "transient" || rec.LastError == "" {
					t.Fatalf("attempt %d: error not recorded: %+v", attempt, rec)
				}
			} else if rec.Status != queue.StatusDeadLetter || stats.DeadLettered != 1 {
				t.Fatalf("expected dead letter after %d attempts, got %s %+v", max, rec.Status, stats)
			}
			h.clock.Advance(2 * time.Hour)
		}

		if got := h.crm.Count("C3"); got != max {
			t.Fatalf("expected %d submissions, got %d", max, got)
		}
		if len(h.notifier.deadLetters) != 1 || h.notifier.deadLetters[0] != "C3" {
			t.Fatalf("expected dead letter notification, got %v", h.notifier.deadLetters)
		}

		stats, err := m.RunCycle(context.Background())
		if err != nil || stats.Due != 0 {
			t.Fatalf("dead letter must not be retried: %+v %v", stats, err)
		}
	})
}

func TestCycleCompletesOnPartialSuccess(t *testing.T) {
	h := newHarness(t, "sqlite")
	h.objects.fail.Store(true)
	store := h.openBackend(t)
	h.writeTranscript(t, "C4")
	h.writeFile(t, "/recordings/EG4.ogg", "OggS")
	if err := h.index.Record(context.Background(), egress.Entry{EgressRef: "EG4", FilePath: "/recordings/EG4.ogg"}); err != nil {
		t.Fatalf("index.Record: %v", err)
	}
	testsupport.NewRecord(t, store, "C4", testsupport.WithEgressRef("EG4"))

	stats, err := h.manager(store, "driver-a").RunCycle(context.Background())
	if err != nil || stats.Completed != 1 {
		t.Fatalf("expected completion, got %+v %v", stats, err)
	}
	rec := testsupport.MustGet(t, store, "C4")
	if rec.Upload.RecordingUploaded || !rec.Upload.CallDataUploaded {
		t.Fatalf("unexpected upload state %+v", rec.Upload)
	}
}

func TestCycleSkipsMalformedRecords(t *testing.T) {
	h := newHarness(t, "spool")
	store := h.openBackend(t)
	h.writeTranscript(t, "C5")
	testsupport.NewRecord(t, store, "C5")
	testsupport.WriteFile(t, h.cfg.SpoolDir()+"/pending/broken.json", 12)

	stats, err := h.manager(store, "driver-a").RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if stats.Malformed != 1 || stats.Completed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestConcurrentDriversNeverDoubleClaim(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		h := newHarness(t, backend)
		first := h.openBackend(t)
		second := h.openBackend(t)
		const n = 12
		h.cfg.Queue.BatchSize = 2 * n
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("K%02d", i)
			h.writeTranscript(t, id)
			testsupport.NewRecord(t, first, id)
		}

		drivers := []*workflow.Manager{h.manager(first, "driver-a"), h.manager(second, "driver-b")}
		var wg sync.WaitGroup
		results := make([]workflow.CycleStats, len(drivers))
		for i, d := range drivers {
			wg.Add(1)
			go func(i int, d *workflow.Manager) {
				defer wg.Done()
				results[i], _ = d.RunCycle(context.Background())
			}(i, d)
		}
		wg.Wait()

		if claimed := results[0].Claimed + results[1].Claimed; claimed != n {
			t.Fatalf("expected %d claims in total, got %+v", n, results)
		}
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("K%02d", i)
			if got := h.crm.Count(id); got != 1 {
				t.Fatalf("%s submitted %d times", id, got)
			}
			if rec := testsupport.MustGet(t, first, id); rec.Status != queue.StatusCompleted || rec.AttemptCount != 1 {
				t.Fatalf("unexpected record %+v", rec)
			}
		}
	})
}

func TestReclaimedClaimIsRetried(t *testing.T) {
	forEachBackend(t, func(t *testing.T, backend string) {
		h := newHarness(t, backend)
		store := h.openBackend(t)
		h.writeTranscript(t, "C6")
		rec := testsupport.NewRecord(t, store, "C6")

		// A driver that crashed mid-attempt.
		if err := store.Claim(context.Background(), rec, "crashed", h.clock.Now().Add(-time.Hour)); err != nil {
			t.Fatalf("Claim: %v", err)
		}
		stats, err := h.manager(store, "driver-a").RunCycle(context.Background())
		if err != nil {
			t.Fatalf("RunCycle: %v", err)
		}
		if stats.Reclaimed != 1 || stats.Completed != 1 {
			t.Fatalf("unexpected stats %+v", stats)
		}
		if got := testsupport.MustGet(t, store, "C6"); got.AttemptCount != 2 {
			t.Fatalf("expected the crashed attempt to count, got %d", got.AttemptCount)
		}
	})
}

type stubResolver struct{}

func (stubResolver) Resolve(context.Context, *queue.Record) correlate.Resolution {
	return correlate.Resolution{Recording: correlate.StateNone, Lead: correlate.StateNone}
}

type stubUploader struct {
	mu    sync.Mutex
	calls int
}

func (s *stubUploader) Upload(_ context.Context, rec *queue.Record, checkpoint func(*queue.Record) error) upload.Outcome {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	rec.Upload.CallDataUploaded = true
	if err := checkpoint(rec); err != nil {
		return upload.Outcome{Err: err}
	}
	return upload.Outcome{CallDataUploaded: true}
}

func TestManagerStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testsupport.NewConfig(t, testsupport.WithQueueBackend("spool"))
	cfg.Workflow.SyncInterval = 3600
	store := testsupport.MustOpenSpool(t, cfg)
	testsupport.NewRecord(t, store, "S1")
	uploader := &stubUploader{}
	m := workflow.NewManager(cfg, store, stubResolver{}, uploader, nil, workflow.WithNotifier(&stubNotifier{}))

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(ctx); err == nil {
		t.Fatal("expected second Start to fail")
	}

	deadline := time.Now().Add(5 * time.Second)
	for m.Status(ctx).LastCycle == nil {
		if time.Now().After(deadline) {
			t.Fatal("first cycle did not run")
		}
		time.Sleep(10 * time.Millisecond)
	}

	status := m.Status(ctx)
	if !status.Running || status.LastCycle.Completed != 1 || status.Queue.Completed != 1 || status.NextCycleAt == nil {
		t.Fatalf("unexpected status %+v", status)
	}
	m.Stop()
	m.Stop()
	if m.Status(ctx).Running {
		t.Fatal("manager still running after Stop")
	}
}

func TestRunCycleReportsBackendErrors(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	m := workflow.NewManager(cfg, store, stubResolver{}, &stubUploader{}, nil, workflow.WithNotifier(&stubNotifier{}))
	store.Close()

	stats, err := m.RunCycle(context.Background())
	if err == nil || stats.Error == "" {
		t.Fatalf("expected cycle error, got %+v %v", stats, err)
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected cancellation %v", err)
	}
	if m.Status(context.Background()).LastError == "" {
		t.Fatal("status should surface the last error")
	}
}
