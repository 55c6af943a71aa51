package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// statsCmd summarizes the archive's contents
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show archive size and contents",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := openArchive()
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.Stats()
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}

	fmt.Println("Archive statistics")
	fmt.Println(strings.Repeat("─", 50))
	fmt.Printf("  Database:         %s\n", a.Path())
	fmt.Printf("  Sessions seen:    %d\n", stats.SessionsSeen)
	fmt.Printf("  Events:           %d\n", stats.Events)
	fmt.Printf("  Snapshots:        %d\n", stats.Snapshots)
	fmt.Printf("  Snapshot bytes:   %d (compressed)\n", stats.SnapshotBytes)
	fmt.Printf("  Snapshot raw:     %d\n", stats.SnapshotRaw)
	if stats.SnapshotRaw > 0 {
		ratio := float64(stats.SnapshotBytes) / float64(stats.SnapshotRaw) * 100
		fmt.Printf("  Compression:      %.1f%% of raw\n", ratio)
	}
	fmt.Println(strings.Repeat("─", 50))

	return nil
}
