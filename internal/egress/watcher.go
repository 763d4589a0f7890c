package egress

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"

	"callsync/internal/logging"
)

// Watcher indexes recorder manifests as they appear in a directory.
type Watcher struct {
	dir    string
	fs     afero.Fs
	index  Recorder
	logger *slog.Logger
	done   chan struct{}
}

// NewWatcher builds a watcher over dir feeding index.
func NewWatcher(dir string, index Recorder, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:    dir,
		fs:     afero.NewOsFs(),
		index:  index,
		logger: logging.NewComponentLogger(logger, "egress-watcher"),
		done:   make(chan struct{}),
	}
}

// Start begins watching. The event loop stops when ctx is cancelled; Wait
// blocks until it has.
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		close(w.done)
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		close(w.done)
		return err
	}
	go func() {
		defer close(w.done)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && isManifest(evt.Name) {
					w.ingest(ctx, evt.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("manifest watcher error", logging.Error(err))
			}
		}
	}()
	w.logger.Info("watching egress manifests", logging.String("dir", w.dir))
	return nil
}

// Wait blocks until the event loop started by Start has exited.
func (w *Watcher) Wait() {
	<-w.done
}

// Backfill indexes manifests already present in the directory.
func (w *Watcher) Backfill(ctx context.Context) (int, error) {
	entries, err := afero.Glob(w.fs, filepath.Join(w.dir, "*"))
	if err != nil {
		return 0, err
	}
	indexed := 0
	for _, path := range entries {
		if ctx.Err() != nil {
			return indexed, ctx.Err()
		}
		if isManifest(path) && w.ingest(ctx, path) {
			indexed++
		}
	}
	return indexed, nil
}

func (w *Watcher) ingest(ctx context.Context, path string) bool {
	data, err := afero.ReadFile(w.fs, path)
	if err != nil {
		w.logger.Debug("manifest not readable yet", logging.String("path", path), logging.Error(err))
		return false
	}
	entry, err := ParseManifest(data)
	if err != nil {
		// Partial writes surface as decode errors; the next write event retries.
		w.logger.Debug("manifest skipped", logging.String("path", path), logging.Error(err))
		return false
	}
	if err := w.index.Record(ctx, entry); err != nil {
		w.logger.Warn("manifest index failed",
			logging.String("path", path),
			logging.String("egress_ref", entry.EgressRef),
			logging.Error(err),
		)
		return false
	}
	w.logger.Debug("manifest indexed",
		logging.String("egress_ref", entry.EgressRef),
		logging.String("file_path", entry.FilePath),
	)
	return true
}

func isManifest(path string) bool {
	base := filepath.Base(path)
	return strings.EqualFold(filepath.Ext(base), ".json") && !strings.HasPrefix(base, ".")
}
