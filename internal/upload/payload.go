package upload

import (
	"bytes"
	"encoding/json"
	"math"
	"time"

	"callsync/internal/crm"
	"callsync/internal/queue"
)

const payloadTimeLayout = "2006-01-02T15:04:05Z"

// Defaults fills payload fields the record does not carry.
type Defaults struct {
	Direction  string
	CallStatus string
}

// BuildPayload assembles the CRM document for rec. lead must be a JSON object
// or empty.
func BuildPayload(rec *queue.Record, transcript *Transcript, lead json.RawMessage, defaults Defaults) *crm.CallPayload {
	if transcript == nil {
		transcript = &Transcript{}
	}
	start, end := callWindow(rec, transcript)
	duration := 0
	if !start.IsZero() && !end.IsZero() && !end.Before(start) {
		duration = int(end.Sub(start).Seconds())
	}

	direction := rec.Direction
	if direction == "" {
		direction = defaults.Direction
	}
	status := defaults.CallStatus
	if status == "" {
		status = "completed"
	}

	details := crm.CallDetails{
		CallID:       rec.CallID,
		Direction:    direction,
		StartTime:    formatPayloadTime(start),
		EndTime:      formatPayloadTime(end),
		Duration:     duration,
		Status:       status,
		CallerNumber: rec.DialedNumber,
	}
	if rec.Upload.RecordingURL != "" {
		details.RecordingURL = rec.Upload.RecordingURL
		details.RecordingSize = rec.Upload.RecordingSize
		details.RecordingDuration = duration
	}

	leadGenerated := hasFields(lead)
	if !leadGenerated {
		lead = crm.EmptyLead
	}

	sessionID := transcript.SessionID
	if sessionID == "" {
		sessionID = rec.CallID
	}
	seconds := transcript.DurationSeconds
	if seconds == 0 {
		seconds = float64(duration)
	}
	items := transcript.Items
	if items == nil {
		items = []crm.ConversationItem{}
	}

	return &crm.CallPayload{
		CampaignID:   rec.Campaign.CampaignID,
		VoiceAgentID: rec.Campaign.VoiceAgentID,
		Client:       rec.Campaign.ClientID,
		CallDetails:  details,
		Caller:       crm.Caller{PhoneNumber: rec.DialedNumber},
		Transcription: crm.Transcription{
			SessionID:         sessionID,
			StartTime:         firstNonEmpty(transcript.StartTime, details.StartTime),
			EndTime:           firstNonEmpty(transcript.EndTime, details.EndTime),
			DurationSeconds:   math.Round(seconds*100) / 100,
			ConversationItems: items,
			LeadGenerated:     leadGenerated,
		},
		Lead: lead,
	}
}

// callWindow prefers the timestamps captured at call end and falls back to
// the transcript's.
func callWindow(rec *queue.Record, transcript *Transcript) (time.Time, time.Time) {
	var start, end time.Time
	if rec.StartedAt != nil {
		start = *rec.StartedAt
	} else if t, err := parseTimestamp(transcript.StartTime); err == nil {
		start = t
	}
	if rec.EndedAt != nil {
		end = *rec.EndedAt
	} else if t, err := parseTimestamp(transcript.EndTime); err == nil {
		end = t
	}
	return start, end
}

func formatPayloadTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(payloadTimeLayout)
}

func hasFields(lead json.RawMessage) bool {
	trimmed := bytes.TrimSpace(lead)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return false
	}
	return len(fields) > 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
