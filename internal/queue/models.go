package queue

import (
	"fmt"
	"strings"
	"time"

	"callsync/internal/services"
)

// Status represents a record's lifecycle state and, by extension, its location.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

var allStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusDeadLetter,
}

// AllStatuses returns every lifecycle status in display order.
func AllStatuses() []Status {
	return append([]Status(nil), allStatuses...)
}

// ParseStatus converts user input into a Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	normalized = Status(strings.ReplaceAll(string(normalized), "-", "_"))
	for _, s := range allStatuses {
		if s == normalized {
			return s, true
		}
	}
	return "", false
}

// Terminal reports whether no automatic transition leaves the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter
}

// Campaign identifies the bot deployment that handled the call.
type Campaign struct {
	CampaignID   string `json:"campaign_id"`
	VoiceAgentID string `json:"voice_agent_id"`
	ClientID     string `json:"client_id"`
}

// UploadResult tracks per-phase upload progress so retries skip finished work.
type UploadResult struct {
	RecordingUploaded  bool       `json:"recording_uploaded"`
	RecordingURL       string     `json:"recording_url,omitempty"`
	RecordingSize      int64      `json:"recording_size,omitempty"`
	CallDataUploaded   bool       `json:"call_data_uploaded"`
	CallDataUploadedAt *time.Time `json:"call_data_uploaded_at,omitempty"`
}

// Record is the unit of work for one call.
type Record struct {
	CallID         string       `json:"call_id"`
	DialedNumber   string       `json:"dialed_number"`
	Campaign       Campaign     `json:"campaign"`
	EgressRef      string       `json:"egress_ref,omitempty"`
	TranscriptPath string       `json:"transcript_path"`
	LeadPath       string       `json:"lead_path,omitempty"`
	RecordingPath  string       `json:"recording_path,omitempty"`
	Direction      string       `json:"direction,omitempty"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	EndedAt        *time.Time   `json:"ended_at,omitempty"`
	Upload         UploadResult `json:"upload"`
	Status         Status       `json:"status"`
	AttemptCount   int          `json:"attempt_count"`
	LastAttemptAt  *time.Time   `json:"last_attempt_at,omitempty"`
	NextAttemptAt  *time.Time   `json:"next_attempt_at,omitempty"`
	LastError      string       `json:"last_error,omitempty"`
	ErrorKind      string       `json:"error_kind,omitempty"`
	ClaimedBy      string       `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time   `json:"claimed_at,omitempty"`
	HeartbeatAt    *time.Time   `json:"heartbeat_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Validate checks the invariants every persisted record must hold.
func (r *Record) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil record", services.ErrMalformedRecord)
	}
	if strings.TrimSpace(r.CallID) == "" {
		return fmt.Errorf("%w: call_id is empty", services.ErrMalformedRecord)
	}
	if strings.TrimSpace(r.TranscriptPath) == "" {
		return fmt.Errorf("%w: call %s has no transcript path", services.ErrMalformedRecord, r.CallID)
	}
	if _, ok := ParseStatus(string(r.Status)); !ok {
		return fmt.Errorf("%w: call %s has unknown status %q", services.ErrMalformedRecord, r.CallID, r.Status)
	}
	if r.AttemptCount < 0 {
		return fmt.Errorf("%w: call %s has negative attempt count", services.ErrMalformedRecord, r.CallID)
	}
	return nil
}

// Clone returns a deep copy so callers can stage changes before a guarded write.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.StartedAt = cloneTime(r.StartedAt)
	cp.EndedAt = cloneTime(r.EndedAt)
	cp.LastAttemptAt = cloneTime(r.LastAttemptAt)
	cp.NextAttemptAt = cloneTime(r.NextAttemptAt)
	cp.ClaimedAt = cloneTime(r.ClaimedAt)
	cp.HeartbeatAt = cloneTime(r.HeartbeatAt)
	cp.Upload.CallDataUploadedAt = cloneTime(r.Upload.CallDataUploadedAt)
	return &cp
}

// Delivered reports whether at least one artifact reached the CRM, which is
// enough to retire the record.
func (r *Record) Delivered() bool {
	return r.Upload.RecordingUploaded || r.Upload.CallDataUploaded
}

// HasRecordingRef reports whether the call was recorded at all.
func (r *Record) HasRecordingRef() bool {
	return strings.TrimSpace(r.EgressRef) != ""
}

// Duration returns the call length when both timestamps are known.
func (r *Record) Duration() time.Duration {
	if r.StartedAt == nil || r.EndedAt == nil || r.EndedAt.Before(*r.StartedAt) {
		return 0
	}
	return r.EndedAt.Sub(*r.StartedAt)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
