package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"

	"github.com/gofrs/flock"

	"callsync/internal/config"
	"callsync/internal/egress"
	"callsync/internal/logging"
	"callsync/internal/notifications"
	"callsync/internal/queue"
	"callsync/internal/workflow"
)

// Daemon coordinates the background services and enforces single-instance
// execution per state directory.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	backend  queue.Backend
	workflow *workflow.Manager
	watcher  *egress.Watcher
	api      *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status represents daemon runtime information.
type Status struct {
	Running      bool                   `json:"running"`
	PID          int                    `json:"pid"`
	APIAddress   string                 `json:"api_address,omitempty"`
	LockFilePath string                 `json:"lock_file"`
	Workflow     workflow.StatusSummary `json:"workflow"`
}

// Option configures optional daemon services.
type Option func(*Daemon)

// WithWatcher indexes recorder manifests while the daemon runs.
func WithWatcher(w *egress.Watcher) Option {
	return func(d *Daemon) { d.watcher = w }
}

// WithAPI serves handler on bind while the daemon runs.
func WithAPI(bind string, handler http.Handler) Option {
	return func(d *Daemon) { d.api = newAPIServer(bind, handler, d.logger) }
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, backend queue.Backend, wf *workflow.Manager, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || backend == nil || wf == nil {
		return nil, errors.New("daemon requires config, queue backend, and workflow manager")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Daemon{
		cfg:      cfg,
		logger:   logger,
		backend:  backend,
		workflow: wf,
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start acquires the instance lock and launches every service.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another callsync daemon holds %s", d.lockPath)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := d.startServices(runCtx); err != nil {
		cancel()
		d.stopServices()
		_ = d.lock.Unlock()
		return err
	}
	d.cancel = cancel
	d.running.Store(true)
	d.logger.Info("callsync daemon started",
		logging.String("lock", d.lockPath),
		logging.String("backend", d.cfg.Queue.Backend),
		logging.String("owner", d.workflow.Owner()),
	)
	return nil
}

func (d *Daemon) startServices(ctx context.Context) error {
	if d.watcher != nil {
		n, err := d.watcher.Backfill(ctx)
		if err != nil {
			logging.WarnWithContext(d.logger, "manifest backfill failed", "manifest_backfill_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check egress.manifest_dir permissions"),
				logging.String(logging.FieldImpact, "recordings finished while the daemon was down resolve only via webhook"),
			)
		} else if n > 0 {
			d.logger.Info("manifest backfill indexed recordings", logging.Int("count", n))
		}
		if err := d.watcher.Start(ctx); err != nil {
			return fmt.Errorf("start manifest watcher: %w", err)
		}
	}
	if err := d.api.start(ctx); err != nil {
		return err
	}
	if err := d.workflow.Start(ctx); err != nil {
		return fmt.Errorf("start workflow: %w", err)
	}
	return nil
}

func (d *Daemon) stopServices() {
	d.api.stop()
	d.workflow.Stop()
	if d.watcher != nil {
		d.watcher.Wait()
	}
}

// Stop stops background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.stopServices()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("callsync daemon stopped")
}

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	d.Stop()
	return d.backend.Close()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		APIAddress:   d.api.addr(),
		LockFilePath: d.lockPath,
		Workflow:     d.workflow.Status(ctx),
	}
}

// TestNotification sends a test notification using the current configuration.
func (d *Daemon) TestNotification(ctx context.Context) (bool, string, error) {
	if strings.TrimSpace(d.cfg.Notifications.NtfyTopic) == "" {
		return false, "ntfy topic not configured", nil
	}
	notifier := notifications.NewService(d.cfg)
	if err := notifier.TestNotification(ctx); err != nil {
		return false, "failed to send notification", err
	}
	return true, "test notification sent", nil
}
