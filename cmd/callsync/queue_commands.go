package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"callsync/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage call artifact records",
	}

	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueShowCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueRequeueCommand(ctx))
	queueCmd.AddCommand(newQueueReclaimCommand(ctx))
	queueCmd.AddCommand(newQueuePruneCommand(ctx))

	return queueCmd
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show record counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(func(backend queue.Backend) error {
				stats, err := backend.Stats(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, queue.SummarizeStats(stats))
				}
				rows := buildQueueStatusRows(stats)
				if len(rows) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Status", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output counts as JSON")
	return cmd
}

func buildQueueStatusRows(stats map[queue.Status]int) [][]string {
	rows := make([][]string, 0, len(stats))
	for _, status := range queue.AllStatuses() {
		if n := stats[status]; n > 0 {
			rows = append(rows, []string{statusTitle(status), strconv.Itoa(n)})
		}
	}
	return rows
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statusFlags []string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses, err := parseStatusFlags(statusFlags)
			if err != nil {
				return err
			}
			return ctx.withBackend(func(backend queue.Backend) error {
				records, err := backend.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, records)
				}
				if len(records) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"Call ID", "Status", "Attempts", "Next Attempt", "Egress", "Last Error"},
					buildQueueListRows(records),
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVarP(&statusFlags, "status", "s", nil, "Filter by status (repeatable or comma-separated)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output records as JSON")
	return cmd
}

func parseStatusFlags(values []string) ([]queue.Status, error) {
	var statuses []queue.Status
	for _, value := range values {
		status, ok := queue.ParseStatus(value)
		if !ok {
			return nil, fmt.Errorf("unknown status %q", value)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func buildQueueListRows(records []*queue.Record) [][]string {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		next := "-"
		if rec.NextAttemptAt != nil {
			next = rec.NextAttemptAt.Local().Format("2006-01-02 15:04:05")
		}
		egress := rec.EgressRef
		if egress == "" {
			egress = "-"
		}
		rows = append(rows, []string{
			rec.CallID,
			statusTitle(rec.Status),
			strconv.Itoa(rec.AttemptCount),
			next,
			egress,
			truncate(rec.LastError, 60),
		})
	}
	return rows
}

func truncate(value string, limit int) string {
	value = strings.TrimSpace(value)
	if len(value) <= limit {
		return value
	}
	return value[:limit-3] + "..."
}

func newQueueShowCommand(ctx *commandContext) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show <call-id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(func(backend queue.Backend) error {
				rec, err := backend.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if rec == nil {
					return fmt.Errorf("record %s not found", args[0])
				}
				switch strings.ToLower(format) {
				case "json":
					return writeJSON(cmd, rec)
				case "yaml":
					return writeYAML(cmd, rec)
				case "", "text":
					renderRecord(cmd, rec)
					return nil
				default:
					return fmt.Errorf("unsupported format %q (text, json, yaml)", format)
				}
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json or yaml")
	return cmd
}

// writeYAML routes through JSON so YAML keys match the JSON field names.
func writeYAML(cmd *cobra.Command, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(generic)
}

func renderRecord(cmd *cobra.Command, rec *queue.Record) {
	out := cmd.OutOrStdout()
	colorize := shouldColorize(out)
	for _, line := range renderSectionHeader("Call "+rec.CallID, colorize) {
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, renderStatusLine("Status", statusKindFor(rec.Status), statusTitle(rec.Status), colorize))
	fmt.Fprintf(out, "%s%-*s %d\n", statusIndent, statusLabelWidth, "Attempts:", rec.AttemptCount)
	printField(out, "Dialed", rec.DialedNumber)
	printField(out, "Campaign", rec.Campaign.CampaignID)
	printField(out, "Voice Agent", rec.Campaign.VoiceAgentID)
	printField(out, "Client", rec.Campaign.ClientID)
	printField(out, "Egress Ref", rec.EgressRef)
	printField(out, "Transcript", rec.TranscriptPath)
	printField(out, "Lead", rec.LeadPath)
	printField(out, "Recording", rec.RecordingPath)
	printField(out, "Recording URL", rec.Upload.RecordingURL)
	fmt.Fprintf(out, "%s%-*s %s\n", statusIndent, statusLabelWidth, "Call Data:", yesNo(rec.Upload.CallDataUploaded))
	if rec.NextAttemptAt != nil {
		printField(out, "Next Attempt", rec.NextAttemptAt.Local().Format(time.RFC3339))
	}
	if rec.LastError != "" {
		fmt.Fprintln(out, renderStatusLine("Last Error", statusWarn, rec.LastError, colorize))
		printField(out, "Error Kind", rec.ErrorKind)
	}
	printField(out, "Claimed By", rec.ClaimedBy)
	printField(out, "Created", rec.CreatedAt.Local().Format(time.RFC3339))
	printField(out, "Updated", rec.UpdatedAt.Local().Format(time.RFC3339))
}

func printField(out io.Writer, label, value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	fmt.Fprintf(out, "%s%-*s %s\n", statusIndent, statusLabelWidth, label+":", value)
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	var includeDead bool

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Requeue every failed record with a fresh attempt budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := []queue.Status{queue.StatusFailed}
			if includeDead {
				statuses = append(statuses, queue.StatusDeadLetter)
			}
			return ctx.withBackend(func(backend queue.Backend) error {
				records, err := backend.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				ids := make([]string, 0, len(records))
				for _, rec := range records {
					ids = append(ids, rec.CallID)
				}
				result, err := requeueIDs(cmd, backend, ids)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d record(s)\n", result.updated)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&includeDead, "dead-letter", false, "Also requeue dead-lettered records")
	return cmd
}

func newQueueRequeueCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <call-id>...",
		Short: "Move failed or dead-lettered records back to pending",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withBackend(func(backend queue.Backend) error {
				result, err := requeueIDs(cmd, backend, args)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, item := range result.items {
					fmt.Fprintf(out, "%s: %s\n", item.callID, item.outcome)
				}
				if result.updated == 0 {
					return errors.New("no records requeued")
				}
				return nil
			})
		},
	}
}

type requeueItem struct {
	callID  string
	outcome string
}

type requeueResult struct {
	updated int
	items   []requeueItem
}

func requeueIDs(cmd *cobra.Command, backend queue.Backend, ids []string) (requeueResult, error) {
	result := requeueResult{items: make([]requeueItem, 0, len(ids))}
	now := time.Now().UTC()
	for _, id := range ids {
		rec, err := backend.Get(cmd.Context(), id)
		if err != nil {
			return requeueResult{}, err
		}
		if rec == nil {
			result.items = append(result.items, requeueItem{callID: id, outcome: "not_found"})
			continue
		}
		ok, err := backend.Requeue(cmd.Context(), id, now)
		if err != nil {
			return requeueResult{}, err
		}
		if !ok {
			result.items = append(result.items, requeueItem{callID: id, outcome: "not_requeueable (" + string(rec.Status) + ")"})
			continue
		}
		result.updated++
		result.items = append(result.items, requeueItem{callID: id, outcome: "requeued"})
	}
	return result, nil
}

func newQueueReclaimCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Return processing records with an expired heartbeat to pending",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			timeout := olderThan
			if timeout <= 0 {
				timeout = cfg.ClaimTimeout()
			}
			return ctx.withBackend(func(backend queue.Backend) error {
				now := time.Now().UTC()
				n, err := backend.ReclaimStale(cmd.Context(), now.Add(-timeout), now)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d record(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Heartbeat age that counts as stale (default queue.claim_timeout_seconds)")
	return cmd
}

func newQueuePruneCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete completed records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan < 0 {
				return errors.New("--older-than must not be negative")
			}
			return ctx.withBackend(func(backend queue.Backend) error {
				n, err := backend.PruneCompleted(cmd.Context(), time.Now().UTC().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d completed record(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "Only prune records completed before this age")
	return cmd
}
