package workflow_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"callsync/internal/config"
	"callsync/internal/correlate"
	"callsync/internal/crm"
	"callsync/internal/egress"
	"callsync/internal/objectstore"
	"callsync/internal/queue"
	"callsync/internal/testsupport"
	"callsync/internal/upload"
	"callsync/internal/workflow"
)

const transcriptDoc = `{
  "session_id": "%s",
  "start_time": "2025-03-14T10:00:00Z",
  "end_time": "2025-03-14T10:01:35Z",
  "conversation_items": [{"role": "assistant", "content": "Hello", "timestamp": "2025-03-14T10:00:01Z", "source": "agent"}]
}`

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Now().UTC().Truncate(time.Second)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type stubNotifier struct {
	mu          sync.Mutex
	deadLetters []string
	cycles      int
}

func (s *stubNotifier) NotifyDeadLetter(_ context.Context, callID string, _ int, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, callID)
	return nil
}

func (s *stubNotifier) NotifyCycleCompleted(context.Context, int, int, int, time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cycles++
	return nil
}

func (s *stubNotifier) NotifyError(context.Context, error, string) error { return nil }
func (s *stubNotifier) TestNotification(context.Context) error          { return nil }

// objectServer accepts multipart uploads and records the file names it saw.
type objectServer struct {
	*httptest.Server
	mu    sync.Mutex
	names []string
	fail  atomic.Bool
}

func newObjectServer(t *testing.T) *objectServer {
	t.Helper()
	s := &objectServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.fail.Load() {
			http.Error(w, "storage offline", http.StatusServiceUnavailable)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n, _ := io.Copy(io.Discard, file)
		s.mu.Lock()
		s.names = append(s.names, header.Filename)
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"success":true,"url":"https://cdn.example.com/%s","size":%d}`, header.Filename, n)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *objectServer) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

// crmServer accepts call-data submissions.
type crmServer struct {
	*httptest.Server
	mu       sync.Mutex
	payloads []crm.CallPayload
	byCall   map[string]int
	status   atomic.Int32
}

func newCRMServer(t *testing.T) *crmServer {
	t.Helper()
	s := &crmServer{byCall: make(map[string]int)}
	s.status.Store(http.StatusOK)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload crm.CallPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.payloads = append(s.payloads, payload)
		s.byCall[payload.CallDetails.CallID]++
		s.mu.Unlock()
		code := int(s.status.Load())
		w.WriteHeader(code)
		if code < 300 {
			_, _ = w.Write([]byte(`{"success":true}`))
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *crmServer) Payloads() []crm.CallPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]crm.CallPayload(nil), s.payloads...)
}

func (s *crmServer) Count(callID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byCall[callID]
}

type harness struct {
	cfg      *config.Config
	fs       afero.Fs
	index    *egress.SQLIndex
	clock    *clock
	notifier *stubNotifier
	objects  *objectServer
	crm      *crmServer
}

func newHarness(t *testing.T, backend string, opts ...testsupport.ConfigOption) *harness {
	t.Helper()
	h := &harness{
		fs:       afero.NewMemMapFs(),
		clock:    newClock(),
		notifier: &stubNotifier{},
		objects:  newObjectServer(t),
		crm:      newCRMServer(t),
	}
	opts = append([]testsupport.ConfigOption{
		testsupport.WithQueueBackend(backend),
		testsupport.WithUploadTargets(h.objects.URL, h.crm.URL),
	}, opts...)
	h.cfg = testsupport.NewConfig(t, opts...)

	index, err := egress.OpenIndex(filepath.Join(testsupport.BaseDir(h.cfg), "egress.db"))
	if err != nil {
		t.Fatalf("OpenIndex: %v", err)
	}
	t.Cleanup(func() { index.Close() })
	h.index = index
	return h
}

func (h *harness) openBackend(t *testing.T) queue.Backend {
	t.Helper()
	if h.cfg.Queue.Backend == "spool" {
		return testsupport.MustOpenSpool(t, h.cfg)
	}
	return testsupport.MustOpenStore(t, h.cfg)
}

func (h *harness) manager(backend queue.Backend, owner string) *workflow.Manager {
	resolver := correlate.NewResolver(h.fs, h.index, nil, nil)
	executor := upload.NewExecutor(
		h.fs,
		objectstore.NewHTTP(h.cfg.ObjectStore.UploadURL, 5*time.Second, nil),
		crm.New(h.cfg.CallData.UploadURL, 5*time.Second, nil),
		upload.Defaults{Direction: h.cfg.CallData.Direction, CallStatus: h.cfg.CallData.CallStatus},
		nil,
	)
	return workflow.NewManager(h.cfg, backend, resolver, executor, nil,
		workflow.WithNotifier(h.notifier),
		workflow.WithClock(h.clock.Now),
		workflow.WithOwner(owner),
	)
}

func (h *harness) writeTranscript(t *testing.T, callID string) {
	t.Helper()
	path := "/transcripts/" + callID + ".json"
	if err := afero.WriteFile(h.fs, path, []byte(fmt.Sprintf(transcriptDoc, callID)), 0o644); err != nil {
		t.Fatalf("write transcript: %v", err)
	}
}

func (h *harness) writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := afero.WriteFile(h.fs, path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, backend string)) {
	for _, name := range []string{"sqlite", "spool"} {
		t.Run(name, func(t *testing.T) { fn(t, name) })
	}
}
