package upload

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"callsync/internal/crm"
)

// Transcript is the subset of the session transcript sent to the CRM.
type Transcript struct {
	SessionID       string
	StartTime       string
	EndTime         string
	DurationSeconds float64
	Items           []crm.ConversationItem
}

type rawTranscript struct {
	SessionID         string    `json:"session_id"`
	StartTime         string    `json:"start_time"`
	EndTime           string    `json:"end_time"`
	DurationSeconds   *float64  `json:"duration_seconds"`
	ConversationItems []rawItem `json:"conversation_items"`
	Items             []rawItem `json:"items"`
}

type rawItem struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp json.RawMessage `json:"timestamp"`
	Source    string          `json:"source"`
}

// ParseTranscript decodes a transcript file. Item content may be a string or
// a list of strings, which are joined with spaces.
func ParseTranscript(data []byte) (*Transcript, error) {
	var raw rawTranscript
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	items := raw.ConversationItems
	if len(items) == 0 {
		items = raw.Items
	}

	t := &Transcript{
		SessionID: raw.SessionID,
		StartTime: raw.StartTime,
		EndTime:   raw.EndTime,
		Items:     make([]crm.ConversationItem, 0, len(items)),
	}
	for _, item := range items {
		t.Items = append(t.Items, crm.ConversationItem{
			Role:      item.Role,
			Content:   flattenContent(item.Content),
			Timestamp: scalarString(item.Timestamp),
			Source:    item.Source,
		})
	}
	switch {
	case raw.DurationSeconds != nil:
		t.DurationSeconds = *raw.DurationSeconds
	default:
		start, errStart := parseTimestamp(raw.StartTime)
		end, errEnd := parseTimestamp(raw.EndTime)
		if errStart == nil && errEnd == nil && !end.Before(start) {
			t.DurationSeconds = end.Sub(start).Seconds()
		}
	}
	return t, nil
}

func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []any
	if err := json.Unmarshal(raw, &parts); err == nil {
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			switch v := p.(type) {
			case string:
				out = append(out, v)
			case nil:
			default:
				out = append(out, fmt.Sprint(v))
			}
		}
		return strings.Join(out, " ")
	}
	return strings.TrimSpace(string(raw))
}

func scalarString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return string(raw)
}

func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
