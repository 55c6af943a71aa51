// Package main implements the archive inspection commands.
// This file handles compaction history listing.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"codenomad/internal/types"
)

var historyJSON bool

// historyCmd lists recorded compaction events
var historyCmd = &cobra.Command{
	Use:   "history [session-id]",
	Short: "List compaction events, newest last",
	Long: `Lists the compaction events recorded in the archive. With a session id
only that session's events are shown; without one, every session's.

Each line shows when the run happened, its mode and trigger, and the
estimated token reduction.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Emit one JSON object per event")
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := openArchive()
	if err != nil {
		return err
	}
	defer a.Close()

	var events []types.CompactionEvent
	if len(args) == 1 {
		events, err = a.EventsBySession(args[0])
	} else {
		events, err = a.AllEvents()
	}
	if err != nil {
		return fmt.Errorf("failed to read events: %w", err)
	}

	if len(events) == 0 {
		fmt.Println("No compaction events recorded.")
		return nil
	}

	if historyJSON {
		enc := json.NewEncoder(os.Stdout)
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return fmt.Errorf("failed to encode event: %w", err)
			}
		}
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSESSION\tMODE\tTRIGGER\tTOKENS\tREDUCTION\tEVENT")
	for _, ev := range events {
		ts := time.UnixMilli(ev.Timestamp).UTC().Format("2006-01-02 15:04:05")
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d -> %d\t%.1f%%\t%s\n",
			ts, ev.SessionID, ev.Mode, ev.Trigger, ev.TokensBefore, ev.TokensAfter, ev.ReductionPct, ev.ID)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\nTotal: %d events\n", len(events))

	return nil
}
