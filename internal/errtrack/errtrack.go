// Package errtrack reports dead-lettered records and failed cycles to Sentry.
package errtrack

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"callsync/internal/config"
	"callsync/internal/logging"
	"callsync/internal/queue"
	"callsync/internal/services"
)

// Options configures a Tracker.
type Options struct {
	DSN         string
	Environment string
	Release     string
	ServerName  string
	// BeforeSend runs after header scrubbing; returning nil drops the event.
	BeforeSend func(*sentry.Event) *sentry.Event
}

// Tracker wraps a dedicated Sentry hub. A nil Tracker is valid and reports nothing.
type Tracker struct {
	hub    *sentry.Hub
	logger *slog.Logger
}

// FromConfig builds a tracker from the sentry config section.
func FromConfig(cfg config.Sentry, serverName string, logger *slog.Logger) (*Tracker, error) {
	return New(Options{
		DSN:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     cfg.Release,
		ServerName:  serverName,
	}, logger)
}

// New returns nil, nil when no DSN is configured.
func New(opts Options, logger *slog.Logger) (*Tracker, error) {
	logger = logging.NewComponentLogger(logger, "errtrack")
	if strings.TrimSpace(opts.DSN) == "" {
		logger.Debug("sentry dsn not configured; error tracking disabled")
		return nil, nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         opts.DSN,
		Environment: opts.Environment,
		Release:     opts.Release,
		ServerName:  opts.ServerName,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			if event.Request != nil && event.Request.Headers != nil {
				delete(event.Request.Headers, "Authorization")
				delete(event.Request.Headers, "Cookie")
				delete(event.Request.Headers, "X-Signature")
			}
			if opts.BeforeSend != nil {
				return opts.BeforeSend(event)
			}
			return event
		},
	})
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "errtrack", "init", "invalid sentry options", err)
	}

	logger.Info("sentry initialized", logging.String("environment", opts.Environment))
	return &Tracker{
		hub:    sentry.NewHub(client, sentry.NewScope()),
		logger: logger,
	}, nil
}

// DeadLetter reports a record that exhausted its attempt budget.
func (t *Tracker) DeadLetter(rec *queue.Record, cause error) {
	if t == nil || rec == nil {
		return
	}
	if cause == nil {
		cause = errors.New(strings.TrimSpace(rec.LastError))
	}
	err := fmt.Errorf("call %s dead-lettered after %d attempts: %w", rec.CallID, rec.AttemptCount, cause)
	t.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentry.LevelError)
		scope.SetTag("event_type", "record_dead_lettered")
		scope.SetTag("error_kind", nonEmpty(rec.ErrorKind, services.KindOf(cause)))
		scope.SetTag(logging.FieldCallID, rec.CallID)
		scope.SetContext("record", sentry.Context{
			"call_id":         rec.CallID,
			"campaign_id":     rec.Campaign.CampaignID,
			"egress_ref":      rec.EgressRef,
			"transcript_path": rec.TranscriptPath,
			"recording_path":  rec.RecordingPath,
			"attempt_count":   rec.AttemptCount,
			"last_error":      rec.LastError,
		})
		t.hub.CaptureException(err)
	})
	t.logger.Debug("dead letter captured", logging.String(logging.FieldCallID, rec.CallID))
}

// CycleError reports a driver cycle that could not run to completion.
func (t *Tracker) CycleError(cycleID string, err error) {
	if t == nil || err == nil {
		return
	}
	t.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("event_type", "cycle_failed")
		scope.SetTag(logging.FieldCycleID, cycleID)
		scope.SetTag("error_kind", services.KindOf(err))
		t.hub.CaptureException(err)
	})
}

// Flush waits up to timeout for queued events.
func (t *Tracker) Flush(timeout time.Duration) bool {
	if t == nil {
		return true
	}
	return t.hub.Flush(timeout)
}

func nonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
