package egress

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"callsync/internal/services"
)

// EventEgressCompleted is the only webhook event that produces an entry.
const EventEgressCompleted = "egress_completed"

type filePath struct {
	FilePath string `json:"filepath"`
	Filename string `json:"filename"`
}

func (f filePath) path() string {
	if f.FilePath != "" {
		return f.FilePath
	}
	return f.Filename
}

type webhookEvent struct {
	Event    string `json:"event"`
	Type     string `json:"type"`
	EgressID string `json:"egress_id"`
	Info     struct {
		EgressID    string     `json:"egress_id"`
		RoomName    string     `json:"room_name"`
		File        *filePath  `json:"file"`
		FileOutputs []filePath `json:"file_outputs"`
		Outputs     []filePath `json:"outputs"`
	} `json:"info"`
}

// ParseWebhook decodes a recorder webhook body. ok is false for events that do
// not complete an egress; those are acknowledged and ignored.
func ParseWebhook(body []byte) (entry Entry, eventType string, ok bool, err error) {
	var evt webhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return Entry{}, "", false, services.Wrap(services.ErrValidation, "egress", "parse webhook", "invalid json", err)
	}
	eventType = evt.Event
	if eventType == "" {
		eventType = evt.Type
	}
	if eventType != EventEgressCompleted {
		return Entry{}, eventType, false, nil
	}

	entry.EgressRef = firstNonEmpty(evt.Info.EgressID, evt.EgressID)
	entry.RoomName = evt.Info.RoomName
	entry.RecordedAt = time.Now().UTC()
	switch {
	case evt.Info.File != nil && evt.Info.File.path() != "":
		entry.FilePath = evt.Info.File.path()
	case len(evt.Info.FileOutputs) > 0:
		entry.FilePath = evt.Info.FileOutputs[0].path()
	case len(evt.Info.Outputs) > 0:
		entry.FilePath = evt.Info.Outputs[0].path()
	}
	if !entry.valid() {
		return Entry{}, eventType, false, services.Wrap(services.ErrValidation, "egress", "parse webhook",
			fmt.Sprintf("%s event missing egress id or file path", eventType), nil)
	}
	return entry, eventType, true, nil
}

// VerifySignature checks the hex HMAC-SHA256 of body against header. An empty
// secret disables verification.
func VerifySignature(secret string, body []byte, header string) bool {
	if secret == "" {
		return true
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(header)))
}

// Sign returns the signature VerifySignature expects.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

type manifest struct {
	EgressID string     `json:"egress_id"`
	RoomName string     `json:"room_name"`
	FilePath string     `json:"filepath"`
	Files    []filePath `json:"files"`
	EndedAt  string     `json:"ended_at"`
}

// ParseManifest decodes a recorder manifest file.
func ParseManifest(data []byte) (Entry, error) {
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Entry{}, fmt.Errorf("decode manifest: %w", err)
	}
	entry := Entry{EgressRef: m.EgressID, RoomName: m.RoomName, FilePath: m.FilePath}
	if entry.FilePath == "" && len(m.Files) > 0 {
		entry.FilePath = m.Files[0].path()
	}
	if ts, err := time.Parse(time.RFC3339, m.EndedAt); err == nil {
		entry.RecordedAt = ts.UTC()
	}
	if !entry.valid() {
		return Entry{}, services.Wrap(services.ErrValidation, "egress", "parse manifest", "egress_id and file path are required", nil)
	}
	return entry, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
