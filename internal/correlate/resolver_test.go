package correlate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"

	"callsync/internal/correlate"
	"callsync/internal/egress"
	"callsync/internal/logging"
	"callsync/internal/queue"
	"callsync/internal/services"
)

type mapIndex struct {
	paths map[string]string
	err   error
}

func (m *mapIndex) Lookup(_ context.Context, ref string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}
	path, ok := m.paths[ref]
	return path, ok, nil
}

func newFS(t *testing.T, files ...string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	for _, f := range files {
		if err := afero.WriteFile(fs, f, []byte("{}"), 0o644); err != nil {
			t.Fatalf("write %s: %v", f, err)
		}
	}
	return fs
}

func record() *queue.Record {
	return &queue.Record{
		CallID:         "C1",
		DialedNumber:   "+15550100",
		TranscriptPath: "/transcripts/C1.json",
		Status:         queue.StatusProcessing,
	}
}

func TestResolveWithoutEgressIsRecordingless(t *testing.T) {
	resolver := correlate.NewResolver(newFS(t, "/transcripts/C1.json"), &mapIndex{}, nil, logging.NewNop())
	res := resolver.Resolve(context.Background(), record())
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Recording != correlate.StateNone || res.Lead != correlate.StateNone || res.Waiting() {
		t.Fatalf("unexpected resolution %+v", res)
	}
}

func TestResolveMissingTranscriptIsUnresolved(t *testing.T) {
	resolver := correlate.NewResolver(newFS(t), &mapIndex{}, nil, nil)
	res := resolver.Resolve(context.Background(), record())
	if !errors.Is(res.Err, services.ErrUnresolvedArtifact) {
		t.Fatalf("expected unresolved artifact, got %v", res.Err)
	}
}

func TestResolveMissingTranscriptStillResolvesRecording(t *testing.T) {
	fs := newFS(t, "/recordings/EG1.ogg")
	index := &mapIndex{paths: map[string]string{"EG1": "/recordings/EG1.ogg"}}
	resolver := correlate.NewResolver(fs, index, nil, nil)

	rec := record()
	rec.EgressRef = "EG1"
	res := resolver.Resolve(context.Background(), rec)
	if !errors.Is(res.Err, services.ErrUnresolvedArtifact) {
		t.Fatalf("expected unresolved transcript, got %v", res.Err)
	}
	if services.KindOf(res.Err) != services.KindUnresolved {
		t.Fatalf("unexpected error kind %q", services.KindOf(res.Err))
	}
	if res.Recording != correlate.StateResolved || rec.RecordingPath != "/recordings/EG1.ogg" {
		t.Fatalf("recording should resolve regardless of transcript, got %+v path=%q", res, rec.RecordingPath)
	}
}

func TestResolveEgressMissThenHit(t *testing.T) {
	fs := newFS(t, "/transcripts/C1.json")
	index := &mapIndex{paths: map[string]string{}}
	resolver := correlate.NewResolver(fs, index, nil, nil)

	rec := record()
	rec.EgressRef = "EG1"
	res := resolver.Resolve(context.Background(), rec)
	if res.Err != nil || res.Recording != correlate.StatePending || !res.Waiting() {
		t.Fatalf("expected pending recording, got %+v", res)
	}
	if rec.RecordingPath != "" {
		t.Fatalf("recording path should stay empty, got %q", rec.RecordingPath)
	}

	// Indexed but not yet flushed to disk.
	index.paths["EG1"] = "/recordings/EG1.ogg"
	if res := resolver.Resolve(context.Background(), rec); res.Recording != correlate.StatePending {
		t.Fatalf("expected pending until file exists, got %+v", res)
	}

	if err := afero.WriteFile(fs, "/recordings/EG1.ogg", []byte("OggS"), 0o644); err != nil {
		t.Fatal(err)
	}
	res = resolver.Resolve(context.Background(), rec)
	if res.Err != nil || res.Recording != correlate.StateResolved {
		t.Fatalf("expected resolved recording, got %+v", res)
	}
	if rec.RecordingPath != "/recordings/EG1.ogg" {
		t.Fatalf("unexpected recording path %q", rec.RecordingPath)
	}
}

func TestResolveIndexErrorIsTransient(t *testing.T) {
	resolver := correlate.NewResolver(newFS(t, "/transcripts/C1.json"), &mapIndex{err: errors.New("database is locked")}, nil, nil)
	rec := record()
	rec.EgressRef = "EG1"
	res := resolver.Resolve(context.Background(), rec)
	if !errors.Is(res.Err, services.ErrTransient) {
		t.Fatalf("expected transient error, got %v", res.Err)
	}
}

func TestResolveLeadIndependently(t *testing.T) {
	fs := newFS(t, "/transcripts/C1.json")
	resolver := correlate.NewResolver(fs, &mapIndex{}, nil, nil)
	rec := record()
	rec.LeadPath = "/leads/C1.json"

	if res := resolver.Resolve(context.Background(), rec); res.Lead != correlate.StatePending || res.Recording != correlate.StateNone {
		t.Fatalf("expected pending lead only, got %+v", res)
	}
	if err := afero.WriteFile(fs, "/leads/C1.json", []byte(`{"name":"Ada"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if res := resolver.Resolve(context.Background(), rec); res.Lead != correlate.StateResolved {
		t.Fatalf("expected resolved lead, got %+v", res)
	}
}

func TestResolvePartialLeadIsPending(t *testing.T) {
	fs := newFS(t, "/transcripts/C1.json")
	if err := afero.WriteFile(fs, "/leads/C1.json", []byte(`{"name":"Ad`), 0o644); err != nil {
		t.Fatal(err)
	}
	resolver := correlate.NewResolver(fs, &mapIndex{}, nil, nil)
	rec := record()
	rec.LeadPath = "/leads/C1.json"

	res := resolver.Resolve(context.Background(), rec)
	if res.Err != nil || res.Lead != correlate.StatePending || !res.Waiting() {
		t.Fatalf("expected half-written lead to be pending, got %+v", res)
	}
}

func TestResolveFallsBackToProximity(t *testing.T) {
	fs := newFS(t, "/transcripts/C1.json", "/recordings/room-15550100.ogg")
	end := time.Now()
	if err := fs.Chtimes("/recordings/room-15550100.ogg", end, end); err != nil {
		t.Fatal(err)
	}
	fallback := egress.NewProximity(fs, "/recordings", time.Minute)
	resolver := correlate.NewResolver(fs, &mapIndex{}, fallback, nil)

	rec := record()
	rec.EgressRef = "EG_UNKNOWN"
	rec.EndedAt = &end
	res := resolver.Resolve(context.Background(), rec)
	if res.Recording != correlate.StateResolved || rec.RecordingPath != "/recordings/room-15550100.ogg" {
		t.Fatalf("expected proximity match, got %+v path=%q", res, rec.RecordingPath)
	}
}
