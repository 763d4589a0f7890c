package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"

	"callsync/internal/artifacts"
	"callsync/internal/config"
	"callsync/internal/correlate"
	"callsync/internal/crm"
	"callsync/internal/egress"
	"callsync/internal/errtrack"
	"callsync/internal/logging"
	"callsync/internal/notifications"
	"callsync/internal/objectstore"
	"callsync/internal/queue"
	"callsync/internal/spool"
	"callsync/internal/upload"
	"callsync/internal/workflow"
)

// Components holds the wired pipeline shared by the daemon and one-shot
// commands.
type Components struct {
	Config   *config.Config
	Logger   *slog.Logger
	Backend  queue.Backend
	Index    *egress.SQLIndex
	Writer   *artifacts.Writer
	Manager  *workflow.Manager
	Notifier notifications.Service
	Tracker  *errtrack.Tracker

	closers []func() error
}

// OpenBackend opens the record store selected by cfg.Queue.Backend.
func OpenBackend(cfg *config.Config) (queue.Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Queue.Backend)) {
	case "", "sqlite":
		return queue.Open(cfg)
	case "spool":
		return spool.Open(afero.NewOsFs(), cfg.SpoolDir())
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Queue.Backend)
	}
}

// Build opens every store and client the sync pipeline needs. Callers must
// Close the result.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Components, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Components{Config: cfg, Logger: logger}

	backend, err := OpenBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("open queue backend: %w", err)
	}
	c.Backend = backend
	c.closers = append(c.closers, backend.Close)

	index, err := egress.OpenIndex(cfg.Egress.IndexPath)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.Index = index
	c.closers = append(c.closers, index.Close)

	store, err := openObjectStore(ctx, cfg, logger)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		c.closers = append(c.closers, closer.Close)
	}

	fsys := afero.NewOsFs()
	var fallback *egress.Proximity
	if cfg.Egress.FallbackWindowSeconds > 0 && cfg.Paths.RecordingsDir != "" {
		fallback = egress.NewProximity(fsys, cfg.Paths.RecordingsDir, time.Duration(cfg.Egress.FallbackWindowSeconds)*time.Second)
	}
	resolver := correlate.NewResolver(fsys, index, fallback, logger)
	api := crm.New(cfg.CallData.UploadURL, time.Duration(cfg.CallData.TimeoutSeconds)*time.Second, logger)
	executor := upload.NewExecutor(fsys, store, api, upload.Defaults{
		Direction:  cfg.CallData.Direction,
		CallStatus: cfg.CallData.CallStatus,
	}, logger)

	hostname, _ := os.Hostname()
	tracker, err := errtrack.FromConfig(cfg.Sentry, hostname, logger)
	if err != nil {
		logging.WarnWithContext(logger, "error tracking disabled", "errtrack_init_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check sentry.dsn"),
			logging.String(logging.FieldImpact, "dead letters are reported only through logs and ntfy"),
		)
		tracker = nil
	}
	c.Tracker = tracker
	c.closers = append(c.closers, func() error {
		tracker.Flush(2 * time.Second)
		return nil
	})

	c.Notifier = notifications.NewService(cfg)
	c.Manager = workflow.NewManager(cfg, backend, resolver, executor, logger,
		workflow.WithNotifier(c.Notifier),
		workflow.WithTracker(tracker),
	)
	c.Writer = artifacts.NewWriter(backend, logger)
	return c, nil
}

// openObjectStore returns nil when recordings are not uploaded.
func openObjectStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (upload.ObjectStore, error) {
	timeout := time.Duration(cfg.ObjectStore.TimeoutSeconds) * time.Second
	switch strings.ToLower(strings.TrimSpace(cfg.ObjectStore.Backend)) {
	case "gcs":
		store, err := objectstore.NewGCS(ctx, objectstore.GCSOptions{
			Bucket:          cfg.ObjectStore.Bucket,
			Prefix:          cfg.ObjectStore.Prefix,
			PublicBaseURL:   cfg.ObjectStore.PublicBaseURL,
			CredentialsFile: cfg.ObjectStore.CredentialsFile,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		if strings.TrimSpace(cfg.ObjectStore.UploadURL) == "" {
			return nil, nil
		}
		return objectstore.NewHTTP(cfg.ObjectStore.UploadURL, timeout, logger), nil
	}
}

// Close releases resources in reverse open order.
func (c *Components) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
