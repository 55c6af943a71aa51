package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"codenomad/internal/archive"
)

// snapshotCmd inspects undo snapshots
var snapshotCmd = &cobra.Command{
	Use:   "snapshot <snapshot-id>",
	Short: "Dump a decompressed undo snapshot as JSON",
	Long: `Loads one undo snapshot from the archive, decompresses it, and prints
the full pre-compaction message set as indented JSON. Snapshot ids appear in
'nomad history' output via their events.

Use 'nomad snapshot list <session-id>' to see which snapshots a session
still has.`,
	Args: cobra.ExactArgs(1),
	RunE: runSnapshotDump,
}

// snapshotListCmd lists a session's retained snapshots
var snapshotListCmd = &cobra.Command{
	Use:   "list <session-id>",
	Short: "List a session's retained snapshot ids, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotList,
}

func init() {
	snapshotCmd.AddCommand(snapshotListCmd)
}

func runSnapshotDump(cmd *cobra.Command, args []string) error {
	a, err := openArchive()
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.LoadSnapshot(args[0])
	if err != nil {
		if errors.Is(err, archive.ErrNotFound) {
			return fmt.Errorf("snapshot %s not found (it may have been consumed by undo or evicted)", args[0])
		}
		return fmt.Errorf("failed to load snapshot: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	a, err := openArchive()
	if err != nil {
		return err
	}
	defer a.Close()

	ids, err := a.SnapshotsBySession(args[0])
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}

	if len(ids) == 0 {
		fmt.Printf("No snapshots retained for session %s.\n", args[0])
		return nil
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}
