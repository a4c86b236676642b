// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/absmach/courier/checkpoint"
	"github.com/absmach/courier/event"
	"github.com/spf13/cobra"
)

func newCheckpointCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Work with checkpoint files",
	}
	cmd.AddCommand(newInspectCommand(opts))
	return cmd
}

func newInspectCommand(opts *rootOptions) *cobra.Command {
	var showEvents bool

	cmd := &cobra.Command{
		Use:   "inspect <path>",
		Short: "Decode a checkpoint file and print its contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := checkpoint.NewPersister(args[0], checkpoint.CompressionNone).Load()
			if err != nil {
				return err
			}
			if snap == nil {
				return fmt.Errorf("checkpoint %s does not exist", args[0])
			}

			report := newInspectReport(snap, showEvents)
			if opts.Format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return report.writeText(cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVarP(&showEvents, "events", "e", false, "list every event")

	return cmd
}

type inspectReport struct {
	TakenAt  time.Time        `json:"taken_at"`
	Events   int              `json:"events"`
	Pending  int              `json:"pending_size"`
	Retry    int              `json:"retry_size"`
	ByStatus map[string]int   `json:"status_histogram"`
	Details  []inspectedEvent `json:"event_list,omitempty"`
}

type inspectedEvent struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Status      string    `json:"status"`
	RetryCount  int       `json:"retry_count"`
	PayloadSize int       `json:"payload_size"`
	NextRetryAt time.Time `json:"next_retry_at,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

func newInspectReport(snap *checkpoint.Snapshot, withEvents bool) inspectReport {
	r := inspectReport{
		TakenAt:  snap.Timestamp,
		Events:   len(snap.Events),
		Pending:  len(snap.Pending),
		Retry:    len(snap.Retry),
		ByStatus: make(map[string]int),
	}
	for _, st := range event.Statuses() {
		r.ByStatus[st.String()] = 0
	}
	for _, ev := range snap.Events {
		r.ByStatus[ev.Status.String()]++
		if withEvents {
			r.Details = append(r.Details, inspectedEvent{
				ID:          ev.ID,
				Timestamp:   ev.Timestamp,
				Status:      ev.Status.String(),
				RetryCount:  ev.RetryCount,
				PayloadSize: len(ev.Payload),
				NextRetryAt: ev.NextRetryAt,
				LastError:   ev.LastError,
			})
		}
	}
	return r
}

func (r inspectReport) writeText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "Taken at:\t%s\n", r.TakenAt.Format(time.RFC3339Nano))
	fmt.Fprintf(tw, "Events:\t%d\n", r.Events)
	fmt.Fprintf(tw, "Pending queue:\t%d\n", r.Pending)
	fmt.Fprintf(tw, "Retry queue:\t%d\n", r.Retry)
	for _, st := range event.Statuses() {
		fmt.Fprintf(tw, "  %s:\t%d\n", st, r.ByStatus[st.String()])
	}

	if len(r.Details) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "ID\tTIMESTAMP\tSTATUS\tRETRIES\tBYTES\tLAST ERROR")
		for _, ev := range r.Details {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
				ev.ID, ev.Timestamp.Format(time.RFC3339), ev.Status, ev.RetryCount, ev.PayloadSize, ev.LastError)
		}
	}

	return tw.Flush()
}
