package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateObjectStore(); err != nil {
		return err
	}
	if err := c.validateEgress(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

// ValidateUploadTargets checks the settings only the upload driver needs.
// Read-only commands skip it so operators can inspect a queue without
// upload credentials.
func (c *Config) ValidateUploadTargets() error {
	if c.CallData.UploadURL == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = defaultConfigPath
		}
		return fmt.Errorf("call_data.upload_url is required. Set CALLSYNC_CALL_DATA_URL env var or edit %s (create with 'callsync config init')", defaultPath)
	}
	if err := validateURL("call_data.upload_url", c.CallData.UploadURL); err != nil {
		return err
	}
	switch c.ObjectStore.Backend {
	case "http":
		if c.ObjectStore.UploadURL == "" {
			return errors.New("object_store.upload_url is required when object_store.backend is \"http\"")
		}
		return validateURL("object_store.upload_url", c.ObjectStore.UploadURL)
	case "gcs":
		if c.ObjectStore.Bucket == "" {
			return errors.New("object_store.bucket is required when object_store.backend is \"gcs\"")
		}
	}
	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case "sqlite", "spool":
	default:
		return fmt.Errorf("queue.backend must be \"sqlite\" or \"spool\", got %q", c.Queue.Backend)
	}
	if c.Queue.BatchSize <= 0 {
		return errors.New("queue.batch_size must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return errors.New("queue.max_attempts must be positive")
	}
	for _, m := range c.Queue.BackoffMinutes {
		if m <= 0 {
			return errors.New("queue.backoff_minutes entries must be positive")
		}
	}
	if c.Queue.ArtifactBackoff <= 0 {
		return errors.New("queue.artifact_backoff_seconds must be positive")
	}
	if c.Queue.ArtifactWaitAttempts < 0 {
		return errors.New("queue.artifact_wait_attempts must be zero or positive")
	}
	if c.Queue.ArtifactWaitAttempts >= c.Queue.MaxAttempts {
		return errors.New("queue.artifact_wait_attempts must be less than queue.max_attempts")
	}
	if c.Queue.ClaimTimeout <= 0 {
		return errors.New("queue.claim_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Workflow.SyncInterval <= 0 {
		return errors.New("workflow.sync_interval_seconds must be positive")
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		return errors.New("workflow.error_retry_interval must be positive")
	}
	if c.Workflow.HeartbeatInterval <= 0 {
		return errors.New("workflow.heartbeat_interval must be positive")
	}
	if c.Workflow.HeartbeatInterval >= c.Queue.ClaimTimeout {
		return errors.New("workflow.heartbeat_interval must be less than queue.claim_timeout_seconds")
	}
	return nil
}

func (c *Config) validateObjectStore() error {
	switch c.ObjectStore.Backend {
	case "http", "gcs":
	default:
		return fmt.Errorf("object_store.backend must be \"http\" or \"gcs\", got %q", c.ObjectStore.Backend)
	}
	if c.ObjectStore.TimeoutSeconds <= 0 {
		return errors.New("object_store.timeout_seconds must be positive")
	}
	if c.CallData.TimeoutSeconds <= 0 {
		return errors.New("call_data.timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateEgress() error {
	if c.Egress.FallbackWindowSeconds < 0 {
		return errors.New("egress.fallback_window_seconds must be zero or positive")
	}
	if c.Egress.WatchManifests && strings.TrimSpace(c.Egress.ManifestDir) == "" {
		return errors.New("egress.manifest_dir must be set when egress.watch_manifests is true")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be \"console\" or \"json\", got %q", c.Logging.Format)
	}
	return nil
}

func validateURL(field, raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", field, raw)
	}
	return nil
}
