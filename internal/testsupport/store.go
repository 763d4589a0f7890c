package testsupport

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"

	"callsync/internal/config"
	"callsync/internal/queue"
	"callsync/internal/spool"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenSpool opens a directory spool rooted in the test state directory.
func MustOpenSpool(t testing.TB, cfg *config.Config) *spool.Store {
	t.Helper()

	store, err := spool.Open(afero.NewOsFs(), cfg.SpoolDir())
	if err != nil {
		t.Fatalf("spool.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// Backends returns one instance of every queue backend keyed by name so
// tests can run the same assertions against each.
func Backends(t testing.TB) map[string]queue.Backend {
	t.Helper()
	return map[string]queue.Backend{
		"sqlite": MustOpenStore(t, NewConfig(t)),
		"spool":  MustOpenSpool(t, NewConfig(t)),
	}
}

// RecordOption customizes NewRecord.
type RecordOption func(*queue.Record)

// WithEgressRef sets the egress reference on the record.
func WithEgressRef(ref string) RecordOption {
	return func(r *queue.Record) { r.EgressRef = ref }
}

// WithLeadPath sets the lead pointer on the record.
func WithLeadPath(path string) RecordOption {
	return func(r *queue.Record) { r.LeadPath = path }
}

// WithTranscriptPath overrides the transcript pointer.
func WithTranscriptPath(path string) RecordOption {
	return func(r *queue.Record) { r.TranscriptPath = path }
}

// WithCreatedAt pins the creation time for ordering assertions.
func WithCreatedAt(ts time.Time) RecordOption {
	return func(r *queue.Record) { r.CreatedAt = ts }
}

// NewRecord inserts a pending record into backend and returns it.
func NewRecord(t testing.TB, backend queue.Backend, callID string, opts ...RecordOption) *queue.Record {
	t.Helper()

	start := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	end := start.Add(95 * time.Second)
	rec := &queue.Record{
		CallID:         callID,
		DialedNumber:   "+15550100",
		Campaign:       queue.Campaign{CampaignID: "camp-1", VoiceAgentID: "agent-1", ClientID: "client-1"},
		TranscriptPath: filepath.Join("/transcripts", fmt.Sprintf("%s.json", callID)),
		Direction:      "inbound",
		StartedAt:      &start,
		EndedAt:        &end,
	}
	for _, opt := range opts {
		opt(rec)
	}
	if err := backend.Insert(context.Background(), rec); err != nil {
		t.Fatalf("Insert %s: %v", callID, err)
	}
	return rec
}

// MustGet fetches a record and fails the test when it is missing.
func MustGet(t testing.TB, backend queue.Backend, callID string) *queue.Record {
	t.Helper()

	rec, err := backend.Get(context.Background(), callID)
	if err != nil {
		t.Fatalf("Get %s: %v", callID, err)
	}
	if rec == nil {
		t.Fatalf("record %s not found", callID)
	}
	return rec
}
