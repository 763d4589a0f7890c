package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const recordColumns = `call_id, dialed_number, campaign_id, voice_agent_id, client_id, egress_ref,
    transcript_path, lead_path, recording_path, direction, started_at, ended_at,
    recording_uploaded, recording_url, recording_size, call_data_uploaded, call_data_uploaded_at,
    status, attempt_count, last_attempt_at, next_attempt_at, last_error, error_kind,
    claimed_by, claimed_at, heartbeat_at, created_at, updated_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanRecord(scanner rowScanner) (*Record, error) {
	var (
		rec                                     Record
		dialed, campaignID, agentID, clientID   sql.NullString
		egressRef, leadPath, recordingPath, dir sql.NullString
		startedRaw, endedRaw                    sql.NullString
		recordingUploaded, callDataUploaded     int64
		recordingURL, callDataAtRaw             sql.NullString
		status                                  string
		lastAttemptRaw, nextAttemptRaw          sql.NullString
		lastError, errorKind, claimedBy         sql.NullString
		claimedAtRaw, heartbeatRaw              sql.NullString
		createdRaw, updatedRaw                  string
	)
	if err := scanner.Scan(
		&rec.CallID, &dialed, &campaignID, &agentID, &clientID, &egressRef,
		&rec.TranscriptPath, &leadPath, &recordingPath, &dir, &startedRaw, &endedRaw,
		&recordingUploaded, &recordingURL, &rec.Upload.RecordingSize, &callDataUploaded, &callDataAtRaw,
		&status, &rec.AttemptCount, &lastAttemptRaw, &nextAttemptRaw, &lastError, &errorKind,
		&claimedBy, &claimedAtRaw, &heartbeatRaw, &createdRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}

	rec.DialedNumber = dialed.String
	rec.Campaign = Campaign{CampaignID: campaignID.String, VoiceAgentID: agentID.String, ClientID: clientID.String}
	rec.EgressRef = egressRef.String
	rec.LeadPath = leadPath.String
	rec.RecordingPath = recordingPath.String
	rec.Direction = dir.String
	rec.Upload.RecordingUploaded = recordingUploaded != 0
	rec.Upload.RecordingURL = recordingURL.String
	rec.Upload.CallDataUploaded = callDataUploaded != 0
	rec.Status = Status(status)
	rec.LastError = lastError.String
	rec.ErrorKind = errorKind.String
	rec.ClaimedBy = claimedBy.String

	var parseErr error
	parse := func(raw sql.NullString) *time.Time {
		if !raw.Valid || raw.String == "" {
			return nil
		}
		t, err := parseTime(raw.String)
		if err != nil {
			parseErr = errors.Join(parseErr, err)
			return nil
		}
		return &t
	}
	rec.StartedAt = parse(startedRaw)
	rec.EndedAt = parse(endedRaw)
	rec.Upload.CallDataUploadedAt = parse(callDataAtRaw)
	rec.LastAttemptAt = parse(lastAttemptRaw)
	rec.NextAttemptAt = parse(nextAttemptRaw)
	rec.ClaimedAt = parse(claimedAtRaw)
	rec.HeartbeatAt = parse(heartbeatRaw)
	if t := parse(sql.NullString{String: createdRaw, Valid: true}); t != nil {
		rec.CreatedAt = *t
	}
	if t := parse(sql.NullString{String: updatedRaw, Valid: true}); t != nil {
		rec.UpdatedAt = *t
	}

	if parseErr != nil {
		return &rec, Malformed{Ref: rec.CallID, Err: parseErr}
	}
	if err := rec.Validate(); err != nil {
		return &rec, Malformed{Ref: rec.CallID, Err: err}
	}
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return t.UTC(), nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return formatTime(*value)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
