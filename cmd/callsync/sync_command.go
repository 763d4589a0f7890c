package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"callsync/internal/daemonrun"
	"callsync/internal/workflow"
)

func newSyncCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !dryRun {
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				if err := cfg.ValidateUploadTargets(); err != nil {
					return err
				}
			}
			return ctx.withComponents(cmd, func(runCtx context.Context, comps *daemonrun.Components) error {
				if dryRun {
					return previewCycle(cmd, runCtx, comps.Manager, asJSON)
				}
				stats, err := comps.Manager.RunCycle(runCtx)
				if asJSON {
					if jsonErr := writeJSON(cmd, stats); jsonErr != nil {
						return jsonErr
					}
				} else {
					renderCycleStats(cmd, stats)
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List the records the next cycle would attempt without claiming them")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func previewCycle(cmd *cobra.Command, ctx context.Context, mgr *workflow.Manager, asJSON bool) error {
	due, malformed, err := mgr.Preview(ctx)
	if err != nil {
		return err
	}
	if asJSON {
		refs := make([]string, 0, len(malformed))
		for _, m := range malformed {
			refs = append(refs, m.Ref)
		}
		return writeJSON(cmd, map[string]any{"due": due, "malformed": refs})
	}
	out := cmd.OutOrStdout()
	if len(due) == 0 {
		fmt.Fprintln(out, "No records due")
	} else {
		fmt.Fprint(out, renderTable(
			[]string{"Call ID", "Status", "Attempts", "Next Attempt", "Egress", "Last Error"},
			buildQueueListRows(due),
			[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
		))
	}
	for _, m := range malformed {
		fmt.Fprintf(out, "malformed: %s (%v)\n", m.Ref, m.Err)
	}
	return nil
}

func renderCycleStats(cmd *cobra.Command, stats workflow.CycleStats) {
	rows := [][]string{
		{"Reclaimed", strconv.FormatInt(stats.Reclaimed, 10)},
		{"Promoted", strconv.FormatInt(stats.Promoted, 10)},
		{"Due", strconv.Itoa(stats.Due)},
		{"Completed", strconv.Itoa(stats.Completed)},
		{"Failed", strconv.Itoa(stats.Failed)},
		{"Waiting", strconv.Itoa(stats.Waiting)},
		{"Dead Lettered", strconv.Itoa(stats.DeadLettered)},
		{"Skipped", strconv.Itoa(stats.Skipped)},
		{"Malformed", strconv.Itoa(stats.Malformed)},
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Cycle %s finished in %s\n", stats.CycleID, stats.Duration.Round(time.Millisecond))
	fmt.Fprint(out, renderTable([]string{"Outcome", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))
}
