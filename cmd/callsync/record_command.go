package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"callsync/internal/artifacts"
	"callsync/internal/queue"
)

type recordFlags struct {
	callID     string
	sessionID  string
	dialed     string
	campaign   string
	agent      string
	client     string
	egressRef  string
	transcript string
	lead       string
	direction  string
	started    string
	ended      string
	fromFile   string
}

func newRecordCommand(ctx *commandContext) *cobra.Command {
	var flags recordFlags

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Register a finished call for upload",
		Long: "Register a finished call for upload.\n\n" +
			"Either pass the call metadata as flags or point --from at a JSON document\n" +
			"with the same fields the HTTP API accepts on POST /api/calls.",
		RunE: func(cmd *cobra.Command, args []string) error {
			call, err := flags.call(cmd.InOrStdin())
			if err != nil {
				return err
			}
			return ctx.withBackend(func(backend queue.Backend) error {
				writer := artifacts.NewWriter(backend, ctx.commandLogger(cmd.ErrOrStderr()))
				rec := writer.Write(cmd.Context(), call)
				if rec == nil {
					return errors.New("call was not recorded; see log output")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s (%s)\n", rec.CallID, rec.Status)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.callID, "call-id", "", "Call identifier")
	f.StringVar(&flags.sessionID, "session-id", "", "Session identifier, used to derive the call id when --call-id is empty")
	f.StringVar(&flags.dialed, "dialed", "", "Dialed phone number")
	f.StringVar(&flags.campaign, "campaign", "", "Campaign id")
	f.StringVar(&flags.agent, "voice-agent", "", "Voice agent id")
	f.StringVar(&flags.client, "client", "", "Client id")
	f.StringVar(&flags.egressRef, "egress-ref", "", "Recorder egress reference")
	f.StringVar(&flags.transcript, "transcript", "", "Transcript file path")
	f.StringVar(&flags.lead, "lead", "", "Lead file path")
	f.StringVar(&flags.direction, "direction", "", "Call direction")
	f.StringVar(&flags.started, "started", "", "Call start (RFC 3339)")
	f.StringVar(&flags.ended, "ended", "", "Call end (RFC 3339)")
	f.StringVar(&flags.fromFile, "from", "", "Read call metadata from a JSON file ('-' for stdin)")
	return cmd
}

func (f recordFlags) call(stdin io.Reader) (artifacts.Call, error) {
	var call artifacts.Call
	if f.fromFile != "" {
		var (
			data []byte
			err  error
		)
		if f.fromFile == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(f.fromFile)
		}
		if err != nil {
			return call, fmt.Errorf("read call metadata: %w", err)
		}
		if err := json.Unmarshal(data, &call); err != nil {
			return call, fmt.Errorf("decode call metadata: %w", err)
		}
	}

	setIf(&call.CallID, f.callID)
	setIf(&call.SessionID, f.sessionID)
	setIf(&call.DialedNumber, f.dialed)
	setIf(&call.Campaign.CampaignID, f.campaign)
	setIf(&call.Campaign.VoiceAgentID, f.agent)
	setIf(&call.Campaign.ClientID, f.client)
	setIf(&call.EgressRef, f.egressRef)
	setIf(&call.TranscriptPath, f.transcript)
	setIf(&call.LeadPath, f.lead)
	setIf(&call.Direction, f.direction)

	var err error
	if call.StartedAt, err = parseOptionalTime("--started", f.started, call.StartedAt); err != nil {
		return call, err
	}
	if call.EndedAt, err = parseOptionalTime("--ended", f.ended, call.EndedAt); err != nil {
		return call, err
	}
	return call, nil
}

func setIf(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}

func parseOptionalTime(flag, value string, current *time.Time) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return current, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", flag, err)
	}
	return &ts, nil
}
