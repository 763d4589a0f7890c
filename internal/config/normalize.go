package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeQueue()
	c.normalizeWorkflow()
	c.normalizeObjectStore()
	c.normalizeCallData()
	if err := c.normalizeEgress(); err != nil {
		return err
	}
	c.normalizeAPI()
	c.normalizeSentry()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.StateDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.TranscriptsDir, err = expandPath(c.Paths.TranscriptsDir); err != nil {
		return fmt.Errorf("paths.transcripts_dir: %w", err)
	}
	if c.Paths.LeadsDir, err = expandPath(c.Paths.LeadsDir); err != nil {
		return fmt.Errorf("paths.leads_dir: %w", err)
	}
	if c.Paths.RecordingsDir, err = expandPath(c.Paths.RecordingsDir); err != nil {
		return fmt.Errorf("paths.recordings_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeQueue() {
	c.Queue.Backend = strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	if c.Queue.Backend == "" {
		c.Queue.Backend = defaultQueueBackend
	}
	if len(c.Queue.BackoffMinutes) == 0 {
		c.Queue.BackoffMinutes = append([]int(nil), defaultBackoffMinutes...)
	}
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.SyncInterval == 0 {
		c.Workflow.SyncInterval = defaultSyncInterval
	}
	if c.Workflow.HeartbeatInterval == 0 {
		c.Workflow.HeartbeatInterval = defaultHeartbeatInterval
	}
}

func (c *Config) normalizeObjectStore() {
	c.ObjectStore.Backend = strings.ToLower(strings.TrimSpace(c.ObjectStore.Backend))
	if c.ObjectStore.Backend == "" {
		c.ObjectStore.Backend = defaultObjectStoreBackend
	}
	c.ObjectStore.UploadURL = strings.TrimSpace(c.ObjectStore.UploadURL)
	if c.ObjectStore.UploadURL == "" {
		if value, ok := os.LookupEnv("CALLSYNC_OBJECT_STORE_URL"); ok {
			c.ObjectStore.UploadURL = strings.TrimSpace(value)
		}
	}
	c.ObjectStore.Bucket = strings.TrimSpace(c.ObjectStore.Bucket)
	c.ObjectStore.Prefix = strings.Trim(strings.TrimSpace(c.ObjectStore.Prefix), "/")
	c.ObjectStore.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.ObjectStore.PublicBaseURL), "/")
	if c.ObjectStore.PublicBaseURL == "" && c.ObjectStore.Bucket != "" {
		c.ObjectStore.PublicBaseURL = "https://storage.googleapis.com/" + c.ObjectStore.Bucket
	}
}

func (c *Config) normalizeCallData() {
	c.CallData.UploadURL = strings.TrimSpace(c.CallData.UploadURL)
	if c.CallData.UploadURL == "" {
		if value, ok := os.LookupEnv("CALLSYNC_CALL_DATA_URL"); ok {
			c.CallData.UploadURL = strings.TrimSpace(value)
		}
	}
	c.CallData.Direction = strings.ToLower(strings.TrimSpace(c.CallData.Direction))
	if c.CallData.Direction == "" {
		c.CallData.Direction = defaultCallDirection
	}
	c.CallData.CallStatus = strings.TrimSpace(c.CallData.CallStatus)
	if c.CallData.CallStatus == "" {
		c.CallData.CallStatus = defaultCallStatus
	}
}

func (c *Config) normalizeEgress() error {
	var err error
	if strings.TrimSpace(c.Egress.IndexPath) == "" {
		c.Egress.IndexPath = filepath.Join(c.Paths.StateDir, "egress.db")
	}
	if c.Egress.IndexPath, err = expandPath(c.Egress.IndexPath); err != nil {
		return fmt.Errorf("egress.index_path: %w", err)
	}
	if c.Egress.ManifestDir, err = expandPath(c.Egress.ManifestDir); err != nil {
		return fmt.Errorf("egress.manifest_dir: %w", err)
	}
	if c.Egress.WebhookSecret == "" {
		if value, ok := os.LookupEnv("CALLSYNC_WEBHOOK_SECRET"); ok {
			c.Egress.WebhookSecret = strings.TrimSpace(value)
		}
	}
	return nil
}

func (c *Config) normalizeAPI() {
	c.API.Bind = strings.TrimSpace(c.API.Bind)
	if c.API.Bind == "" {
		c.API.Bind = defaultAPIBind
	}
	c.API.Token = strings.TrimSpace(c.API.Token)
	if c.API.Token == "" {
		if value, ok := os.LookupEnv("CALLSYNC_API_TOKEN"); ok {
			c.API.Token = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizeSentry() {
	c.Sentry.DSN = strings.TrimSpace(c.Sentry.DSN)
	if c.Sentry.DSN == "" {
		if value, ok := os.LookupEnv("SENTRY_DSN"); ok {
			c.Sentry.DSN = strings.TrimSpace(value)
		}
	}
	if strings.TrimSpace(c.Sentry.Environment) == "" {
		c.Sentry.Environment = defaultSentryEnvironment
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
