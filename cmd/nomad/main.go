package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"codenomad/internal/archive"
	"codenomad/internal/config"
)

var (
	// Global flags
	verbose   bool
	workspace string
	dbPath    string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "nomad",
	Short: "codeNOMAD - inspection CLI for the chat state archive",
	Long: `codeNOMAD inspects the durable archive the compaction engine writes
behind the in-memory session state: compaction events, undo snapshots, and
their storage footprint.

All commands are read-only over the archive database. The database location
comes from --db, the NOMAD_DB environment variable, or the workspace config
(.nomad/config.yaml), in that order.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Archive database path (overrides config)")

	// Add commands to root
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// resolveWorkspace returns the effective workspace directory.
func resolveWorkspace() string {
	ws := workspace
	if ws == "" {
		ws, _ = os.Getwd()
	}
	return ws
}

// openArchive opens the archive database the flags resolve to: --db wins,
// then the workspace config (which itself honors NOMAD_DB).
func openArchive() (*archive.Archive, error) {
	path := dbPath
	if path == "" {
		ws := resolveWorkspace()
		cfg, err := config.LoadFromWorkspace(ws)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		path = cfg.Archive.DatabasePath
		if !filepath.IsAbs(path) {
			path = filepath.Join(ws, path)
		}
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("archive database not found at %s (run a session first, or pass --db)", path)
	}

	logger.Debug("Opening archive", zap.String("path", path))
	return archive.Open(path)
}
