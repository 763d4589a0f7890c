package testsupport

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// WriteFile fills the target path with the requested number of bytes using a
// simple repeating pattern. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = 0x42
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// WriteJSON marshals value into path, creating parent directories.
func WriteJSON(t testing.TB, path string, value any) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		t.Fatalf("marshal %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// WriteTranscript writes a minimal two-turn transcript for callID under dir
// and returns its path.
func WriteTranscript(t testing.TB, dir, callID string) string {
	t.Helper()

	path := filepath.Join(dir, callID+".json")
	WriteJSON(t, path, map[string]any{
		"session_id": callID,
		"start_time": "2025-03-14T10:00:00Z",
		"end_time":   "2025-03-14T10:01:35Z",
		"conversation_items": []map[string]any{
			{"role": "assistant", "content": "Hello, thanks for calling.", "timestamp": "2025-03-14T10:00:01Z", "source": "agent"},
			{"role": "user", "content": []string{"I'd like", "a quote."}, "timestamp": "2025-03-14T10:00:05Z", "source": "caller"},
		},
	})
	return path
}

// WriteLead writes a captured lead for callID under dir and returns its path.
func WriteLead(t testing.TB, dir, callID string) string {
	t.Helper()

	path := filepath.Join(dir, callID+".json")
	WriteJSON(t, path, map[string]any{
		"name":    "Ada Lovelace",
		"email":   "ada@example.com",
		"company": "Analytical Engines",
		"phone":   "+15550100",
	})
	return path
}
