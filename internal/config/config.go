package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"codenomad/internal/compaction"
)

// Config holds all codenomad configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Normalized store settings
	Store StoreConfig `yaml:"store"`

	// Stream reconciler settings
	Stream StreamConfig `yaml:"stream"`

	// Compaction engine settings
	Compaction CompactionConfig `yaml:"compaction"`

	// Durable archive settings
	Archive ArchiveConfig `yaml:"archive"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the normalized store.
type StoreConfig struct {
	// How long orphaned part events wait for their message to appear
	PendingPartTTL string `yaml:"pending_part_ttl"`

	// Buffer size for teardown event subscribers
	EventBufferSize int `yaml:"event_buffer_size"`
}

// StreamConfig configures the stream reconciler.
type StreamConfig struct {
	// When true, malformed events return errors instead of being dropped
	StrictValidation bool `yaml:"strict_validation"`
}

// CompactionConfig configures the compaction engine.
type CompactionConfig struct {
	ContextWindowTokens  int64   `yaml:"context_window_tokens"`
	SuggestThreshold     float64 `yaml:"suggest_threshold"` // Advise compaction at this usage ratio
	AutoThreshold        float64 `yaml:"auto_threshold"`    // Auto-compact at this usage ratio
	RecentMessagesToKeep int     `yaml:"recent_messages_to_keep"`
	OverlapSize          int     `yaml:"overlap_size"`
	SystemMessagesToKeep int     `yaml:"system_messages_to_keep"`
	ErrorMessagesToKeep  int     `yaml:"error_messages_to_keep"`
	MinMessages          int     `yaml:"min_messages"`
	DampingFactor        float64 `yaml:"damping_factor"`
	SnapshotRetention    int     `yaml:"snapshot_retention"`
	PruneReclaimTokens   int64   `yaml:"prune_reclaim_tokens"`
	PruneMinPartTokens   int64   `yaml:"prune_min_part_tokens"`
	PrunePlaceholder     string  `yaml:"prune_placeholder"`
	RedactSecrets        bool    `yaml:"redact_secrets"`
}

// ArchiveConfig configures the SQLite archive.
type ArchiveConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Enabled    bool            `yaml:"enabled"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "codenomad",
		Version: "0.3.0",

		Store: StoreConfig{
			PendingPartTTL:  "30s",
			EventBufferSize: 64,
		},

		Stream: StreamConfig{
			StrictValidation: false,
		},

		Compaction: CompactionConfig{
			ContextWindowTokens:  200000,
			SuggestThreshold:     0.75,
			AutoThreshold:        0.80,
			RecentMessagesToKeep: 10,
			OverlapSize:          5,
			SystemMessagesToKeep: 3,
			ErrorMessagesToKeep:  3,
			MinMessages:          5,
			DampingFactor:        0.7,
			SnapshotRetention:    10,
			PruneReclaimTokens:   20000,
			PruneMinPartTokens:   500,
			PrunePlaceholder:     "[pruned]",
			RedactSecrets:        true,
		},

		Archive: ArchiveConfig{
			Enabled:      true,
			DatabasePath: filepath.Join(".nomad", "archive.db"),
		},

		Logging: LoggingConfig{
			Enabled: false,
			Level:   "info",
		},
	}
}

// WorkspaceConfigPath returns the path to the workspace config file.
func WorkspaceConfigPath(workspace string) string {
	return filepath.Join(workspace, ".nomad", "config.yaml")
}

// Load loads configuration from a YAML file. Values not present in the file
// keep their defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// LoadFromWorkspace loads .nomad/config.yaml relative to the workspace root.
func LoadFromWorkspace(workspace string) (*Config, error) {
	return Load(WorkspaceConfigPath(workspace))
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("NOMAD_DB"); path != "" {
		c.Archive.DatabasePath = path
	}
	if window := os.Getenv("NOMAD_CONTEXT_WINDOW"); window != "" {
		if n, err := strconv.ParseInt(window, 10, 64); err == nil && n > 0 {
			c.Compaction.ContextWindowTokens = n
		}
	}
	if level := os.Getenv("NOMAD_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if debug := os.Getenv("NOMAD_DEBUG"); debug == "1" || debug == "true" {
		c.Logging.Enabled = true
	}
	if ttl := os.Getenv("NOMAD_PENDING_TTL"); ttl != "" {
		if _, err := time.ParseDuration(ttl); err == nil {
			c.Store.PendingPartTTL = ttl
		}
	}
}

// GetPendingPartTTL returns the pending-part TTL as a duration.
func (c *Config) GetPendingPartTTL() time.Duration {
	d, err := time.ParseDuration(c.Store.PendingPartTTL)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// EngineConfig converts the YAML-facing compaction settings into the engine's
// config, applying defaults for zero values so a sparse config file still
// yields a working engine.
func (c *CompactionConfig) EngineConfig() compaction.Config {
	cfg := compaction.DefaultConfig()

	if c.ContextWindowTokens > 0 {
		cfg.ContextWindowTokens = c.ContextWindowTokens
	}
	if c.SuggestThreshold > 0 {
		cfg.SuggestThreshold = c.SuggestThreshold
	}
	if c.AutoThreshold > 0 {
		cfg.AutoThreshold = c.AutoThreshold
	}
	if c.RecentMessagesToKeep > 0 {
		cfg.RecentMessagesToKeep = c.RecentMessagesToKeep
	}
	if c.OverlapSize > 0 {
		cfg.OverlapSize = c.OverlapSize
	}
	if c.SystemMessagesToKeep > 0 {
		cfg.SystemMessagesToKeep = c.SystemMessagesToKeep
	}
	if c.ErrorMessagesToKeep > 0 {
		cfg.ErrorMessagesToKeep = c.ErrorMessagesToKeep
	}
	if c.MinMessages > 0 {
		cfg.MinMessages = c.MinMessages
	}
	if c.DampingFactor > 0 {
		cfg.DampingFactor = c.DampingFactor
	}
	if c.SnapshotRetention > 0 {
		cfg.SnapshotRetention = c.SnapshotRetention
	}
	if c.PruneReclaimTokens > 0 {
		cfg.PruneReclaimTokens = c.PruneReclaimTokens
	}
	if c.PruneMinPartTokens > 0 {
		cfg.PruneMinPartTokens = c.PruneMinPartTokens
	}
	if c.PrunePlaceholder != "" {
		cfg.PrunePlaceholder = c.PrunePlaceholder
	}
	cfg.RedactSecrets = c.RedactSecrets

	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Compaction.ContextWindowTokens <= 0 {
		return fmt.Errorf("context_window_tokens must be positive, got %d", c.Compaction.ContextWindowTokens)
	}
	if c.Compaction.SuggestThreshold <= 0 || c.Compaction.SuggestThreshold > 1 {
		return fmt.Errorf("suggest_threshold must be in (0,1], got %f", c.Compaction.SuggestThreshold)
	}
	if c.Compaction.AutoThreshold <= 0 || c.Compaction.AutoThreshold > 1 {
		return fmt.Errorf("auto_threshold must be in (0,1], got %f", c.Compaction.AutoThreshold)
	}
	if c.Compaction.SuggestThreshold > c.Compaction.AutoThreshold {
		return fmt.Errorf("suggest_threshold (%f) must not exceed auto_threshold (%f)",
			c.Compaction.SuggestThreshold, c.Compaction.AutoThreshold)
	}
	if c.Compaction.DampingFactor < 0 || c.Compaction.DampingFactor > 1 {
		return fmt.Errorf("damping_factor must be in [0,1], got %f", c.Compaction.DampingFactor)
	}
	if c.Compaction.MinMessages < 1 {
		return fmt.Errorf("min_messages must be at least 1, got %d", c.Compaction.MinMessages)
	}
	if c.Archive.Enabled && c.Archive.DatabasePath == "" {
		return fmt.Errorf("archive enabled but database_path is empty")
	}
	if _, err := time.ParseDuration(c.Store.PendingPartTTL); err != nil {
		return fmt.Errorf("invalid pending_part_ttl %q: %w", c.Store.PendingPartTTL, err)
	}
	return nil
}
