package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/spf13/afero"

	"callsync/internal/egress"
	"callsync/internal/fileutil"
	"callsync/internal/logging"
	"callsync/internal/queue"
	"callsync/internal/services"
)

// State is the readiness of one artifact.
type State string

const (
	// StateResolved means the artifact is available at its path.
	StateResolved State = "resolved"
	// StatePending means the artifact is expected but not there yet.
	StatePending State = "pending"
	// StateNone means the call never produced the artifact.
	StateNone State = "none"
)

// Resolution reports each artifact independently. Err is set when the
// attempt cannot proceed at all.
type Resolution struct {
	Recording State
	Lead      State
	Err       error
}

// Waiting reports whether an optional artifact is still expected.
func (r Resolution) Waiting() bool {
	return r.Recording == StatePending || r.Lead == StatePending
}

// Resolver looks artifacts up on disk and in the egress index.
type Resolver struct {
	fs       afero.Fs
	index    egress.Index
	fallback *egress.Proximity
	logger   *slog.Logger
}

// NewResolver wires a resolver. fallback may be nil.
func NewResolver(fs afero.Fs, index egress.Index, fallback *egress.Proximity, logger *slog.Logger) *Resolver {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Resolver{
		fs:       fs,
		index:    index,
		fallback: fallback,
		logger:   logging.NewComponentLogger(logger, "correlate"),
	}
}

// Resolve fills rec.RecordingPath when the recording can be located. Every
// artifact is resolved even when another one fails, so a missing transcript
// does not hold back the recording path.
func (r *Resolver) Resolve(ctx context.Context, rec *queue.Record) Resolution {
	logger := logging.WithContext(ctx, r.logger)
	res := Resolution{Recording: StateNone, Lead: StateNone}

	var recErr, leadErr error
	res.Recording, recErr = r.resolveRecording(ctx, rec, logger)
	res.Lead, leadErr = r.resolveLead(rec, logger)
	res.Err = errors.Join(r.checkTranscript(rec), recErr, leadErr)
	return res
}

func (r *Resolver) checkTranscript(rec *queue.Record) error {
	ok, err := fileutil.Readable(r.fs, rec.TranscriptPath)
	switch {
	case err != nil:
		return services.Wrap(services.ErrTransient, "correlate", "stat transcript", rec.TranscriptPath, err)
	case !ok:
		return services.Wrap(services.ErrUnresolvedArtifact, "correlate", "transcript", "not found: "+rec.TranscriptPath, nil)
	}
	return nil
}

// resolveLead treats a lead file that is not yet valid json as still being
// written.
func (r *Resolver) resolveLead(rec *queue.Record, logger *slog.Logger) (State, error) {
	if strings.TrimSpace(rec.LeadPath) == "" {
		return StateNone, nil
	}
	data, err := afero.ReadFile(r.fs, rec.LeadPath)
	switch {
	case fileutil.IsNotExist(err):
		return StatePending, nil
	case err != nil:
		return StatePending, services.Wrap(services.ErrTransient, "correlate", "read lead", rec.LeadPath, err)
	case !json.Valid(data):
		logger.Debug("lead file incomplete", logging.String("path", rec.LeadPath))
		return StatePending, nil
	}
	return StateResolved, nil
}

func (r *Resolver) resolveRecording(ctx context.Context, rec *queue.Record, logger *slog.Logger) (State, error) {
	if rec.RecordingPath != "" {
		return StateResolved, nil
	}
	if !rec.HasRecordingRef() {
		return StateNone, nil
	}

	path, found, err := r.lookup(ctx, rec.EgressRef)
	if err != nil {
		return StatePending, services.Wrap(services.ErrTransient, "correlate", "egress lookup", rec.EgressRef, err)
	}
	source := "index"
	if !found && r.fallback != nil && rec.EndedAt != nil {
		path, found, err = r.fallback.Find(rec.DialedNumber, *rec.EndedAt)
		if err != nil {
			logger.Warn("recording fallback scan failed", logging.Error(err))
		}
		source = "proximity"
	}
	if !found {
		logger.Debug("recording not indexed yet", logging.String("egress_ref", rec.EgressRef))
		return StatePending, nil
	}

	ready, err := fileutil.Readable(r.fs, path)
	if err != nil {
		return StatePending, services.Wrap(services.ErrTransient, "correlate", "stat recording", path, err)
	}
	if !ready {
		logger.Debug("recording indexed but not on disk", logging.String("path", path))
		return StatePending, nil
	}
	rec.RecordingPath = path
	logger.Info("recording resolved",
		logging.String("egress_ref", rec.EgressRef),
		logging.String("path", path),
		logging.String("source", source),
	)
	return StateResolved, nil
}

func (r *Resolver) lookup(ctx context.Context, ref string) (string, bool, error) {
	if r.index == nil {
		return "", false, nil
	}
	return r.index.Lookup(ctx, ref)
}
