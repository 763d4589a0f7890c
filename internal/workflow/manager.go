package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"callsync/internal/config"
	"callsync/internal/correlate"
	"callsync/internal/errtrack"
	"callsync/internal/logging"
	"callsync/internal/notifications"
	"callsync/internal/queue"
	"callsync/internal/upload"
)

// Resolver locates the artifacts of a claimed record.
type Resolver interface {
	Resolve(ctx context.Context, rec *queue.Record) correlate.Resolution
}

// Uploader delivers a claimed record.
type Uploader interface {
	Upload(ctx context.Context, rec *queue.Record, checkpoint func(*queue.Record) error) upload.Outcome
}

// Manager coordinates sync cycles over a queue backend.
type Manager struct {
	cfg      *config.Config
	backend  queue.Backend
	resolver Resolver
	uploader Uploader
	logger   *slog.Logger
	notifier notifications.Service
	tracker  *errtrack.Tracker

	owner         string
	interval      time.Duration
	retryInterval time.Duration
	backoff       []time.Duration
	now           func() time.Time

	heartbeat *HeartbeatMonitor

	cycleMu sync.Mutex

	mu        sync.RWMutex
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	lastErr   error
	lastCycle *CycleStats
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithNotifier overrides the notifier built from config.
func WithNotifier(n notifications.Service) ManagerOption {
	return func(m *Manager) {
		if n != nil {
			m.notifier = n
		}
	}
}

// WithTracker reports dead letters and cycle failures to Sentry.
func WithTracker(t *errtrack.Tracker) ManagerOption {
	return func(m *Manager) { m.tracker = t }
}

// WithOwner fixes the claim owner id instead of generating one.
func WithOwner(owner string) ManagerOption {
	return func(m *Manager) {
		if owner != "" {
			m.owner = owner
		}
	}
}

// WithClock replaces time.Now for cycle timestamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager constructs a workflow manager.
func NewManager(cfg *config.Config, backend queue.Backend, resolver Resolver, uploader Uploader, logger *slog.Logger, opts ...ManagerOption) *Manager {
	logger = logging.NewComponentLogger(logger, "workflow")
	m := &Manager{
		cfg:           cfg,
		backend:       backend,
		resolver:      resolver,
		uploader:      uploader,
		logger:        logger,
		notifier:      notifications.NewService(cfg),
		owner:         uuid.NewString(),
		interval:      cfg.SyncInterval(),
		retryInterval: time.Duration(cfg.Workflow.ErrorRetryInterval) * time.Second,
		backoff:       cfg.Backoff(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.heartbeat = NewHeartbeatMonitor(
		backend,
		logger,
		time.Duration(cfg.Workflow.HeartbeatInterval)*time.Second,
		cfg.ClaimTimeout(),
	)
	return m
}

// Owner returns the claim owner id used by this manager.
func (m *Manager) Owner() string {
	return m.owner
}
