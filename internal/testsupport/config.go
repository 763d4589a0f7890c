package testsupport

import (
	"path/filepath"
	"testing"

	"callsync/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.TranscriptsDir = filepath.Join(base, "transcripts")
	cfgVal.Paths.LeadsDir = filepath.Join(base, "leads")
	cfgVal.Paths.RecordingsDir = filepath.Join(base, "recordings")
	cfgVal.Egress.IndexPath = filepath.Join(base, "state", "egress.db")
	cfgVal.API.Bind = "127.0.0.1:0"
	cfgVal.CallData.UploadURL = "http://127.0.0.1:1/calls"
	cfgVal.ObjectStore.UploadURL = "http://127.0.0.1:1/upload"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithQueueBackend selects the record store backend.
func WithQueueBackend(name string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.Backend = name
	}
}

// WithUploadTargets points the object store and call-data clients at test servers.
func WithUploadTargets(objectStoreURL, callDataURL string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.ObjectStore.UploadURL = objectStoreURL
		b.cfg.CallData.UploadURL = callDataURL
	}
}

// WithMaxAttempts overrides the attempt budget.
func WithMaxAttempts(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.MaxAttempts = n
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
