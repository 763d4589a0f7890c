package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"callsync/internal/egress"
)

func newEgressCommand(ctx *commandContext) *cobra.Command {
	egressCmd := &cobra.Command{
		Use:   "egress",
		Short: "Inspect and feed the egress index",
	}
	egressCmd.AddCommand(newEgressRecordCommand(ctx))
	egressCmd.AddCommand(newEgressLookupCommand(ctx))
	egressCmd.AddCommand(newEgressRecentCommand(ctx))
	return egressCmd
}

func newEgressRecordCommand(ctx *commandContext) *cobra.Command {
	var room string

	cmd := &cobra.Command{
		Use:   "record <egress-ref> <file-path>",
		Short: "Map an egress reference to a recording file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entry := egress.Entry{
				EgressRef:  strings.TrimSpace(args[0]),
				FilePath:   strings.TrimSpace(args[1]),
				RoomName:   strings.TrimSpace(room),
				RecordedAt: time.Now().UTC(),
			}
			return ctx.withIndex(func(index *egress.SQLIndex) error {
				if err := index.Record(cmd.Context(), entry); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Indexed %s -> %s\n", entry.EgressRef, entry.FilePath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "Room name the egress recorded")
	return cmd
}

func newEgressLookupCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <egress-ref>",
		Short: "Resolve an egress reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withIndex(func(index *egress.SQLIndex) error {
				path, found, err := index.Lookup(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("egress %s not indexed", args[0])
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			})
		},
	}
}

func newEgressRecentCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List the most recently indexed egress entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withIndex(func(index *egress.SQLIndex) error {
				entries, err := index.Recent(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Egress index is empty")
					return nil
				}
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					rows = append(rows, []string{e.EgressRef, e.FilePath, e.RoomName, e.RecordedAt.Local().Format("2006-01-02 15:04:05")})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Egress", "File", "Room", "Recorded"}, rows, nil))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum entries to show")
	return cmd
}
