package crm

import "encoding/json"

// CallPayload is the structured call-data document the CRM ingests.
type CallPayload struct {
	CampaignID    string          `json:"campaignId"`
	VoiceAgentID  string          `json:"voiceAgentId"`
	Client        string          `json:"client"`
	CallDetails   CallDetails     `json:"callDetails"`
	Caller        Caller          `json:"caller"`
	Transcription Transcription   `json:"transcription"`
	Lead          json.RawMessage `json:"lead"`
}

// CallDetails summarizes the call and links the recording when one was uploaded.
type CallDetails struct {
	CallID            string `json:"callId"`
	Direction         string `json:"direction"`
	StartTime         string `json:"startTime"`
	EndTime           string `json:"endTime"`
	Duration          int    `json:"duration"`
	Status            string `json:"status"`
	RecordingURL      string `json:"recordingUrl,omitempty"`
	RecordingDuration int    `json:"recordingDuration,omitempty"`
	RecordingSize     int64  `json:"recordingSize,omitempty"`
	CallerNumber      string `json:"callerNumber"`
}

type Caller struct {
	PhoneNumber string `json:"phoneNumber"`
}

type Transcription struct {
	SessionID         string             `json:"session_id"`
	StartTime         string             `json:"start_time"`
	EndTime           string             `json:"end_time"`
	DurationSeconds   float64            `json:"duration_seconds"`
	ConversationItems []ConversationItem `json:"conversation_items"`
	LeadGenerated     bool               `json:"lead_generated"`
}

type ConversationItem struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp,omitempty"`
	Source    string `json:"source,omitempty"`
}

// EmptyLead is sent when the call produced no lead.
var EmptyLead = json.RawMessage(`{}`)
