package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains state and artifact directories.
type Paths struct {
	StateDir       string `toml:"state_dir"`
	LogDir         string `toml:"log_dir"`
	TranscriptsDir string `toml:"transcripts_dir"`
	LeadsDir       string `toml:"leads_dir"`
	RecordingsDir  string `toml:"recordings_dir"`
}

// Queue contains persistence and retry settings for call artifact records.
type Queue struct {
	Backend              string `toml:"backend"`
	BatchSize            int    `toml:"batch_size"`
	MaxAttempts          int    `toml:"max_attempts"`
	BackoffMinutes       []int  `toml:"backoff_minutes"`
	ArtifactBackoff      int    `toml:"artifact_backoff_seconds"`
	ArtifactWaitAttempts int    `toml:"artifact_wait_attempts"`
	ClaimTimeout         int    `toml:"claim_timeout_seconds"`
}

// Workflow contains driver loop timing.
type Workflow struct {
	SyncInterval       int `toml:"sync_interval_seconds"`
	ErrorRetryInterval int `toml:"error_retry_interval"`
	HeartbeatInterval  int `toml:"heartbeat_interval"`
}

// ObjectStore configures the binary recording upload target.
type ObjectStore struct {
	Backend         string `toml:"backend"`
	UploadURL       string `toml:"upload_url"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	Bucket          string `toml:"bucket"`
	Prefix          string `toml:"prefix"`
	PublicBaseURL   string `toml:"public_base_url"`
	CredentialsFile string `toml:"credentials_file"`
}

// CallData configures the structured call-data API.
type CallData struct {
	UploadURL      string `toml:"upload_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	Direction      string `toml:"direction"`
	CallStatus     string `toml:"call_status"`
}

// Egress configures the egress index and its feeders.
type Egress struct {
	IndexPath             string `toml:"index_path"`
	WebhookSecret         string `toml:"webhook_secret"`
	ManifestDir           string `toml:"manifest_dir"`
	WatchManifests        bool   `toml:"watch_manifests"`
	FallbackWindowSeconds int    `toml:"fallback_window_seconds"`
}

// API configures the HTTP control surface.
type API struct {
	Bind  string `toml:"bind"`
	Token string `toml:"token"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	DeadLetter     bool   `toml:"dead_letter"`
	CycleFailures  bool   `toml:"cycle_failures"`
	Errors         bool   `toml:"errors"`
}

// Sentry configures error tracking.
type Sentry struct {
	DSN         string `toml:"dsn"`
	Environment string `toml:"environment"`
	Release     string `toml:"release"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for callsync.
//
// Configuration sections by subsystem:
//   - Paths: state, log and artifact directories
//   - Queue: record store backend, batch size and retry policy
//   - Workflow: driver interval and heartbeat
//   - ObjectStore: recording upload target (http or gcs)
//   - CallData: structured call-data API
//   - Egress: egress index, webhook secret, manifest watcher
//   - API: HTTP bind address and bearer token
//   - Notifications: ntfy push notification settings
//   - Sentry: error tracking
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Queue         Queue         `toml:"queue"`
	Workflow      Workflow      `toml:"workflow"`
	ObjectStore   ObjectStore   `toml:"object_store"`
	CallData      CallData      `toml:"call_data"`
	Egress        Egress        `toml:"egress"`
	API           API           `toml:"api"`
	Notifications Notifications `toml:"notifications"`
	Sentry        Sentry        `toml:"sentry"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("callsync.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
// Artifact directories are owned by the call runtime and are not created here.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	if c.Egress.WatchManifests && strings.TrimSpace(c.Egress.ManifestDir) != "" {
		if err := os.MkdirAll(c.Egress.ManifestDir, 0o755); err != nil {
			return fmt.Errorf("create manifest directory %q: %w", c.Egress.ManifestDir, err)
		}
	}
	return nil
}

// QueueDBPath returns the SQLite queue database location.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.Paths.StateDir, "queue.db")
}

// SpoolDir returns the root of the directory-backed queue.
func (c *Config) SpoolDir() string {
	return filepath.Join(c.Paths.StateDir, "spool")
}

// LockPath returns the daemon instance lock location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "callsync.lock")
}

// SyncInterval returns the periodic driver interval.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Workflow.SyncInterval) * time.Second
}

// ClaimTimeout returns how long a processing claim may go without a heartbeat.
func (c *Config) ClaimTimeout() time.Duration {
	return time.Duration(c.Queue.ClaimTimeout) * time.Second
}

// Backoff returns the retry schedule as durations.
func (c *Config) Backoff() []time.Duration {
	out := make([]time.Duration, 0, len(c.Queue.BackoffMinutes))
	for _, m := range c.Queue.BackoffMinutes {
		out = append(out, time.Duration(m)*time.Minute)
	}
	return out
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders the effective configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}
