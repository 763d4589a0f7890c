package upload_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"

	"callsync/internal/crm"
	"callsync/internal/logging"
	"callsync/internal/objectstore"
	"callsync/internal/queue"
	"callsync/internal/services"
	"callsync/internal/upload"
)

const transcriptJSON = `{
  "session_id": "C1",
  "start_time": "2025-03-14T10:00:00Z",
  "end_time": "2025-03-14T10:01:35Z",
  "conversation_items": [
    {"role": "assistant", "content": "Hello, thanks for calling.", "timestamp": "2025-03-14T10:00:01Z", "source": "agent"},
    {"role": "user", "content": ["I'd like", "a quote."], "timestamp": 1710410405, "source": "caller"}
  ]
}`

type fakeStore struct {
	calls int
	err   error
	body  string
}

func (f *fakeStore) Put(_ context.Context, name string, body io.Reader, size int64) (objectstore.Object, error) {
	f.calls++
	data, _ := io.ReadAll(body)
	f.body = string(data)
	if f.err != nil {
		return objectstore.Object{}, f.err
	}
	return objectstore.Object{URL: "https://files.example.com/" + filepath.Base(name), Size: size}, nil
}

type fakeAPI struct {
	payloads []*crm.CallPayload
	err      error
}

func (f *fakeAPI) Submit(_ context.Context, p *crm.CallPayload) error {
	f.payloads = append(f.payloads, p)
	return f.err
}

func setup(t *testing.T) (afero.Fs, *queue.Record) {
	t.Helper()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/transcripts/C1.json", []byte(transcriptJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	start := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	end := start.Add(95 * time.Second)
	rec := &queue.Record{
		CallID:         "C1",
		DialedNumber:   "+15550100",
		Campaign:       queue.Campaign{CampaignID: "camp-1", VoiceAgentID: "agent-1", ClientID: "client-1"},
		TranscriptPath: "/transcripts/C1.json",
		Status:         queue.StatusProcessing,
		StartedAt:      &start,
		EndedAt:        &end,
	}
	return fs, rec
}

func countingCheckpoint(n *int) func(*queue.Record) error {
	return func(*queue.Record) error {
		*n++
		return nil
	}
}

func TestUploadWithoutRecordingSendsCallData(t *testing.T) {
	fs, rec := setup(t)
	store := &fakeStore{}
	api := &fakeAPI{}
	exec := upload.NewExecutor(fs, store, api, upload.Defaults{Direction: "inbound", CallStatus: "completed"}, logging.NewNop())

	var checkpoints int
	out := exec.Upload(context.Background(), rec, countingCheckpoint(&checkpoints))
	if out.Error() != nil || !out.Delivered() {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if store.calls != 0 {
		t.Fatalf("no recording should be uploaded, got %d calls", store.calls)
	}
	if checkpoints != 1 || !rec.Upload.CallDataUploaded || rec.Upload.CallDataUploadedAt == nil {
		t.Fatalf("expected call data checkpoint, got %d %+v", checkpoints, rec.Upload)
	}

	p := api.payloads[0]
	if p.CallDetails.RecordingURL != "" {
		t.Fatalf("recordingUrl should be absent, got %q", p.CallDetails.RecordingURL)
	}
	if string(p.Lead) != "{}" || p.Transcription.LeadGenerated {
		t.Fatalf("expected empty lead, got %s generated=%v", p.Lead, p.Transcription.LeadGenerated)
	}
	if p.CallDetails.Duration != 95 || p.CallDetails.StartTime != "2025-03-14T10:00:00Z" {
		t.Fatalf("unexpected call details %+v", p.CallDetails)
	}
	if p.CampaignID != "camp-1" || p.VoiceAgentID != "agent-1" || p.Client != "client-1" || p.Caller.PhoneNumber != "+15550100" {
		t.Fatalf("unexpected identity fields %+v", p)
	}
	items := p.Transcription.ConversationItems
	if len(items) != 2 || items[1].Content != "I'd like a quote." || items[1].Timestamp != "1710410405" {
		t.Fatalf("unexpected conversation items %+v", items)
	}
	if p.Transcription.DurationSeconds != 95 {
		t.Fatalf("unexpected transcript duration %v", p.Transcription.DurationSeconds)
	}
}

func TestUploadRecordingCheckpointsBeforeCallData(t *testing.T) {
	fs, rec := setup(t)
	if err := afero.WriteFile(fs, "/recordings/EG1.ogg", []byte("OggS-data"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec.EgressRef = "EG1"
	rec.RecordingPath = "/recordings/EG1.ogg"
	store := &fakeStore{}
	api := &fakeAPI{err: services.Wrap(services.ErrTransient, "crm", "submit", "503", nil)}
	exec := upload.NewExecutor(fs, store, api, upload.Defaults{}, nil)

	var seen []queue.UploadResult
	checkpoint := func(r *queue.Record) error {
		seen = append(seen, r.Upload)
		return nil
	}
	out := exec.Upload(context.Background(), rec, checkpoint)
	if !out.Delivered() || out.CallDataUploaded || !errors.Is(out.CallDataErr, services.ErrTransient) {
		t.Fatalf("expected partial success, got %+v", out)
	}
	if len(seen) != 1 || seen[0].RecordingURL != "https://files.example.com/EG1.ogg" || seen[0].RecordingSize != 9 {
		t.Fatalf("expected recording checkpoint, got %+v", seen)
	}
	if store.body != "OggS-data" {
		t.Fatalf("unexpected uploaded body %q", store.body)
	}
	if api.payloads[0].CallDetails.RecordingURL == "" || api.payloads[0].CallDetails.RecordingSize != 9 {
		t.Fatalf("payload should link the recording: %+v", api.payloads[0].CallDetails)
	}

	// Retry: the captured URL skips the binary phase.
	api.err = nil
	out = exec.Upload(context.Background(), rec, checkpoint)
	if out.Error() != nil || !out.CallDataUploaded {
		t.Fatalf("unexpected retry outcome %+v", out)
	}
	if store.calls != 1 {
		t.Fatalf("recording uploaded %d times", store.calls)
	}
}

func TestUploadBinaryFailureStillSendsCallData(t *testing.T) {
	fs, rec := setup(t)
	if err := afero.WriteFile(fs, "/recordings/EG1.ogg", []byte("OggS"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec.RecordingPath = "/recordings/EG1.ogg"
	api := &fakeAPI{}
	exec := upload.NewExecutor(fs, &fakeStore{err: services.Wrap(services.ErrTransient, "object-store", "put", "503", nil)}, api, upload.Defaults{}, nil)

	var checkpoints int
	out := exec.Upload(context.Background(), rec, countingCheckpoint(&checkpoints))
	if !out.Delivered() || out.RecordingUploaded || out.RecordingErr == nil {
		t.Fatalf("expected call-data-only delivery, got %+v", out)
	}
	if api.payloads[0].CallDetails.RecordingURL != "" {
		t.Fatal("payload must not reference a failed recording")
	}
}

func TestUploadIncludesLead(t *testing.T) {
	fs, rec := setup(t)
	if err := afero.WriteFile(fs, "/leads/C1.json", []byte(`{"name":"Ada","email":"ada@example.com"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	rec.LeadPath = "/leads/C1.json"
	api := &fakeAPI{}
	exec := upload.NewExecutor(fs, nil, api, upload.Defaults{}, nil)

	var checkpoints int
	if out := exec.Upload(context.Background(), rec, countingCheckpoint(&checkpoints)); !out.Delivered() {
		t.Fatalf("unexpected outcome %+v", out)
	}
	p := api.payloads[0]
	if !p.Transcription.LeadGenerated {
		t.Fatal("expected lead_generated")
	}
	var lead map[string]string
	if err := json.Unmarshal(p.Lead, &lead); err != nil || lead["name"] != "Ada" {
		t.Fatalf("unexpected lead %s (%v)", p.Lead, err)
	}
}

func TestUploadUnreadableTranscriptAborts(t *testing.T) {
	_, rec := setup(t)
	api := &fakeAPI{}
	exec := upload.NewExecutor(afero.NewMemMapFs(), nil, api, upload.Defaults{}, nil)

	out := exec.Upload(context.Background(), rec, func(*queue.Record) error { return nil })
	if !errors.Is(out.Err, services.ErrUnresolvedArtifact) || out.Delivered() {
		t.Fatalf("expected unresolved artifact, got %+v", out)
	}
	if len(api.payloads) != 0 {
		t.Fatal("call data must not be sent without a transcript")
	}
}

func TestUploadCheckpointFailureAborts(t *testing.T) {
	fs, rec := setup(t)
	if err := afero.WriteFile(fs, "/recordings/EG1.ogg", []byte("OggS"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec.RecordingPath = "/recordings/EG1.ogg"
	api := &fakeAPI{}
	exec := upload.NewExecutor(fs, &fakeStore{}, api, upload.Defaults{}, nil)

	out := exec.Upload(context.Background(), rec, func(*queue.Record) error { return queue.ErrNotClaimed })
	if !errors.Is(out.Err, services.ErrClaimLost) || out.Delivered() {
		t.Fatalf("expected claim lost, got %+v", out)
	}
	if len(api.payloads) != 0 {
		t.Fatal("call data must not be sent after losing the claim")
	}
}

func TestParseTranscriptItemsAlias(t *testing.T) {
	tr, err := upload.ParseTranscript([]byte(`{"session_id":"S","items":[{"role":"user","content":"hi"}],"duration_seconds":12.5}`))
	if err != nil {
		t.Fatalf("ParseTranscript: %v", err)
	}
	if len(tr.Items) != 1 || tr.Items[0].Content != "hi" || tr.DurationSeconds != 12.5 {
		t.Fatalf("unexpected transcript %+v", tr)
	}
	if _, err := upload.ParseTranscript([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}
