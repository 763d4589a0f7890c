package egress

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/spf13/afero"
)

var audioExtensions = map[string]struct{}{
	".mp3": {}, ".wav": {}, ".m4a": {}, ".aac": {}, ".flac": {}, ".ogg": {}, ".mp4": {},
}

// Proximity guesses a recording by modification time and dialed number when
// the index has nothing for a call.
type Proximity struct {
	fs     afero.Fs
	dir    string
	window time.Duration
}

// NewProximity returns nil when window is not positive, which disables the fallback.
func NewProximity(fs afero.Fs, dir string, window time.Duration) *Proximity {
	if window <= 0 || strings.TrimSpace(dir) == "" {
		return nil
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Proximity{fs: fs, dir: dir, window: window}
}

// Find returns the single audio file in the recordings directory modified
// within the window around endedAt whose name carries the dialed number's
// digits. Zero or several candidates is a miss.
func (p *Proximity) Find(dialedNumber string, endedAt time.Time) (string, bool, error) {
	if p == nil || endedAt.IsZero() {
		return "", false, nil
	}
	digits := digitsOf(dialedNumber)
	if len(digits) < 4 {
		return "", false, nil
	}
	entries, err := afero.ReadDir(p.fs, p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("scan recordings: %w", err)
	}

	var match string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if _, ok := audioExtensions[strings.ToLower(filepath.Ext(name))]; !ok {
			continue
		}
		if !strings.Contains(digitsOf(name), digits) {
			continue
		}
		delta := entry.ModTime().Sub(endedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta > p.window {
			continue
		}
		if match != "" {
			return "", false, nil
		}
		match = filepath.Join(p.dir, name)
	}
	return match, match != "", nil
}

func digitsOf(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
