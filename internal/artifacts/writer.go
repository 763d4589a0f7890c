package artifacts

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"callsync/internal/logging"
	"callsync/internal/queue"
	"callsync/internal/services"
)

// Call describes a finished call session.
type Call struct {
	CallID         string         `json:"call_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	DialedNumber   string         `json:"dialed_number"`
	Campaign       queue.Campaign `json:"campaign"`
	EgressRef      string         `json:"egress_ref,omitempty"`
	TranscriptPath string         `json:"transcript_path"`
	LeadPath       string         `json:"lead_path,omitempty"`
	Direction      string         `json:"direction,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
}

// Writer persists call metadata as pending records.
type Writer struct {
	backend queue.Backend
	logger  *slog.Logger
}

// NewWriter wraps backend.
func NewWriter(backend queue.Backend, logger *slog.Logger) *Writer {
	return &Writer{
		backend: backend,
		logger:  logging.NewComponentLogger(logger, "artifacts"),
	}
}

// Write stores call and returns the persisted record. It never returns an
// error: failures are logged and reported as a nil record. A second write for
// the same call id keeps the first record and returns it.
func (w *Writer) Write(ctx context.Context, call Call) *queue.Record {
	rec, err := w.build(call)
	if err != nil {
		w.reportFailure(ctx, call, err)
		return nil
	}
	ctx = services.WithCallID(ctx, rec.CallID)
	logger := logging.WithContext(ctx, w.logger)

	if w.backend == nil {
		w.reportFailure(ctx, call, services.Wrap(services.ErrConfiguration, "artifacts", "write", "no queue backend", nil))
		return nil
	}

	err = w.backend.Insert(ctx, rec)
	switch {
	case err == nil:
		logger.Info("call artifacts recorded",
			logging.String(logging.FieldEventType, "artifact_recorded"),
			logging.Bool("has_egress", rec.EgressRef != ""),
			logging.Bool("has_lead", rec.LeadPath != ""),
		)
		return rec
	case errors.Is(err, queue.ErrDuplicate):
		logger.Info("call artifacts already recorded",
			logging.String(logging.FieldEventType, "artifact_duplicate"),
		)
		existing, getErr := w.backend.Get(ctx, rec.CallID)
		if getErr != nil {
			w.reportFailure(ctx, call, getErr)
			return nil
		}
		return existing
	default:
		w.reportFailure(ctx, call, err)
		return nil
	}
}

func (w *Writer) build(call Call) (*queue.Record, error) {
	callID := strings.TrimSpace(call.CallID)
	if callID == "" {
		callID = CallIDFromSession(call.SessionID)
	}
	if callID == "" {
		return nil, services.Wrap(services.ErrValidation, "artifacts", "write", "call_id or session_id is required", nil)
	}
	transcript := strings.TrimSpace(call.TranscriptPath)
	if transcript == "" {
		return nil, services.Wrap(services.ErrValidation, "artifacts", "write", "transcript_path is required", nil)
	}
	return &queue.Record{
		CallID:         callID,
		DialedNumber:   strings.TrimSpace(call.DialedNumber),
		Campaign:       call.Campaign,
		EgressRef:      strings.TrimSpace(call.EgressRef),
		TranscriptPath: transcript,
		LeadPath:       strings.TrimSpace(call.LeadPath),
		Direction:      strings.TrimSpace(call.Direction),
		StartedAt:      utc(call.StartedAt),
		EndedAt:        utc(call.EndedAt),
		Status:         queue.StatusPending,
	}, nil
}

func (w *Writer) reportFailure(ctx context.Context, call Call, err error) {
	logging.ErrorWithContext(logging.WithContext(ctx, w.logger), "failed to record call artifacts", "artifact_write_failed",
		logging.String("session_id", call.SessionID),
		logging.String("transcript_path", call.TranscriptPath),
		logging.String("error_kind", services.KindOf(err)),
		logging.Error(err),
		logging.String(logging.FieldImpact, "call will not be uploaded until recorded again"),
	)
}

// CallIDFromSession derives a stable, path-safe call id from a session id.
func CallIDFromSession(sessionID string) string {
	trimmed := strings.TrimSpace(sessionID)
	if trimmed == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(trimmed))
	for _, r := range trimmed {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), ".")
}

func utc(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
