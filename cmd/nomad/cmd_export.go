package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var exportOut string

// exportCmd writes the full event history as NDJSON
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all compaction events as NDJSON",
	Long: `Writes every recorded compaction event as one JSON object per line,
oldest first, to stdout or to the file given with --out. The output is the
same shape the engine's in-process export produces.`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Write to file instead of stdout")
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := openArchive()
	if err != nil {
		return err
	}
	defer a.Close()

	events, err := a.AllEvents()
	if err != nil {
		return fmt.Errorf("failed to read events: %w", err)
	}

	var w io.Writer = os.Stdout
	if exportOut != "" {
		f, err := os.Create(exportOut)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
		}
	}

	if exportOut != "" {
		fmt.Printf("Exported %d events to %s\n", len(events), exportOut)
	}
	return nil
}
