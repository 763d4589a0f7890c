package egress

import (
	"context"
	"strings"
	"time"
)

// Entry is one egress_ref to file_path mapping.
type Entry struct {
	EgressRef  string    `json:"egress_ref"`
	FilePath   string    `json:"file_path"`
	RoomName   string    `json:"room_name,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Index resolves egress references. A miss is found=false with a nil error.
type Index interface {
	Lookup(ctx context.Context, ref string) (path string, found bool, err error)
}

// Recorder accepts new index entries.
type Recorder interface {
	Record(ctx context.Context, entry Entry) error
}

func (e Entry) valid() bool {
	return strings.TrimSpace(e.EgressRef) != "" && strings.TrimSpace(e.FilePath) != ""
}
