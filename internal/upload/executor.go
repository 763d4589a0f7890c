package upload

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/afero"

	"callsync/internal/crm"
	"callsync/internal/logging"
	"callsync/internal/objectstore"
	"callsync/internal/queue"
	"callsync/internal/services"
)

// ObjectStore stores recording binaries.
type ObjectStore interface {
	Put(ctx context.Context, name string, body io.Reader, size int64) (objectstore.Object, error)
}

// CallDataAPI accepts structured call data.
type CallDataAPI interface {
	Submit(ctx context.Context, payload *crm.CallPayload) error
}

// Outcome is the result of one upload attempt. Sub-part failures are kept
// apart so the caller can apply the partial-success policy.
type Outcome struct {
	RecordingUploaded bool
	RecordingURL      string
	RecordingSize     int64
	CallDataUploaded  bool
	RecordingErr      error
	CallDataErr       error
	// Err aborts the attempt regardless of sub-part progress.
	Err error
}

// Delivered reports whether the record may retire.
func (o Outcome) Delivered() bool {
	return o.Err == nil && (o.RecordingUploaded || o.CallDataUploaded)
}

// Error joins every failure observed during the attempt.
func (o Outcome) Error() error {
	return errors.Join(o.Err, o.RecordingErr, o.CallDataErr)
}

// Executor runs the two upload phases for a claimed record.
type Executor struct {
	fs       afero.Fs
	store    ObjectStore
	api      CallDataAPI
	defaults Defaults
	logger   *slog.Logger
	now      func() time.Time
}

// NewExecutor wires an executor. store may be nil when recordings are not
// uploaded; api is required.
func NewExecutor(fs afero.Fs, store ObjectStore, api CallDataAPI, defaults Defaults, logger *slog.Logger) *Executor {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Executor{
		fs:       fs,
		store:    store,
		api:      api,
		defaults: defaults,
		logger:   logging.NewComponentLogger(logger, "upload"),
		now:      time.Now,
	}
}

// Upload delivers rec. checkpoint persists progress on the claimed record and
// is called after each successful phase; a checkpoint failure aborts.
func (e *Executor) Upload(ctx context.Context, rec *queue.Record, checkpoint func(*queue.Record) error) Outcome {
	logger := logging.WithContext(ctx, e.logger)
	var out Outcome

	if rec.RecordingPath != "" && rec.Upload.RecordingURL == "" {
		obj, err := e.uploadRecording(ctx, rec.RecordingPath)
		if err != nil {
			out.RecordingErr = err
			logging.WarnWithContext(logger, "recording upload failed", "recording_upload_failed",
				logging.String("path", rec.RecordingPath),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check object_store.upload_url and the storage service"),
				logging.String(logging.FieldImpact, "call data will be sent without a recording link"),
			)
		} else {
			rec.Upload.RecordingUploaded = true
			rec.Upload.RecordingURL = obj.URL
			rec.Upload.RecordingSize = obj.Size
			if err := checkpoint(rec); err != nil {
				out.Err = err
				return e.finish(rec, out)
			}
			logger.Info("recording uploaded",
				logging.String("url", obj.URL),
				logging.Int64("size", obj.Size),
			)
		}
	}

	if !rec.Upload.CallDataUploaded {
		payload, err := e.payload(ctx, rec)
		if err != nil {
			out.Err = err
			return e.finish(rec, out)
		}
		if e.api == nil {
			out.CallDataErr = services.Wrap(services.ErrConfiguration, "upload", "call data", "no call data client", nil)
		} else if err := e.api.Submit(ctx, payload); err != nil {
			out.CallDataErr = err
			logging.WarnWithContext(logger, "call data upload failed", "call_data_upload_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check call_data.upload_url and CRM availability"),
			)
		} else {
			ts := e.now().UTC()
			rec.Upload.CallDataUploaded = true
			rec.Upload.CallDataUploadedAt = &ts
			if err := checkpoint(rec); err != nil {
				out.Err = err
				return e.finish(rec, out)
			}
			logger.Info("call data uploaded",
				logging.Bool("with_recording", payload.CallDetails.RecordingURL != ""),
				logging.Bool("lead_generated", payload.Transcription.LeadGenerated),
				logging.Int("items", len(payload.Transcription.ConversationItems)),
			)
		}
	}

	return e.finish(rec, out)
}

func (e *Executor) finish(rec *queue.Record, out Outcome) Outcome {
	out.RecordingUploaded = rec.Upload.RecordingUploaded
	out.RecordingURL = rec.Upload.RecordingURL
	out.RecordingSize = rec.Upload.RecordingSize
	out.CallDataUploaded = rec.Upload.CallDataUploaded
	return out
}

func (e *Executor) uploadRecording(ctx context.Context, path string) (objectstore.Object, error) {
	if e.store == nil {
		return objectstore.Object{}, services.Wrap(services.ErrConfiguration, "upload", "recording", "no object store configured", nil)
	}
	f, err := e.fs.Open(path)
	if err != nil {
		return objectstore.Object{}, services.Wrap(services.ErrTransient, "upload", "open recording", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return objectstore.Object{}, services.Wrap(services.ErrTransient, "upload", "stat recording", path, err)
	}
	return e.store.Put(ctx, path, f, info.Size())
}

func (e *Executor) payload(ctx context.Context, rec *queue.Record) (*crm.CallPayload, error) {
	data, err := afero.ReadFile(e.fs, rec.TranscriptPath)
	if err != nil {
		return nil, services.Wrap(services.ErrUnresolvedArtifact, "upload", "read transcript", rec.TranscriptPath, err)
	}
	transcript, err := ParseTranscript(data)
	if err != nil {
		return nil, services.Wrap(services.ErrUnresolvedArtifact, "upload", "parse transcript", rec.TranscriptPath, err)
	}

	var lead json.RawMessage
	if strings.TrimSpace(rec.LeadPath) != "" {
		raw, err := afero.ReadFile(e.fs, rec.LeadPath)
		switch {
		case err != nil:
			logging.WithContext(ctx, e.logger).Debug("lead not available", logging.String("path", rec.LeadPath), logging.Error(err))
		case !json.Valid(raw):
			logging.WarnWithContext(logging.WithContext(ctx, e.logger), "lead file is not valid json", "lead_invalid",
				logging.String("path", rec.LeadPath),
				logging.String(logging.FieldImpact, "call data is sent with an empty lead"),
			)
		default:
			lead = raw
		}
	}
	return BuildPayload(rec, transcript, lead, e.defaults), nil
}
