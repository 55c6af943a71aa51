package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvOverrides_Archive(t *testing.T) {
	t.Run("NOMAD_DB overrides database path", func(t *testing.T) {
		t.Setenv("NOMAD_DB", "/tmp/override.db")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "/tmp/override.db", cfg.Archive.DatabasePath)
	})

	t.Run("empty NOMAD_DB keeps configured path", func(t *testing.T) {
		t.Setenv("NOMAD_DB", "")

		cfg := DefaultConfig()
		cfg.Archive.DatabasePath = "configured.db"
		cfg.applyEnvOverrides()

		assert.Equal(t, "configured.db", cfg.Archive.DatabasePath)
	})
}

func TestEnvOverrides_ContextWindow(t *testing.T) {
	t.Run("valid value overrides", func(t *testing.T) {
		t.Setenv("NOMAD_CONTEXT_WINDOW", "128000")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, int64(128000), cfg.Compaction.ContextWindowTokens)
	})

	t.Run("non-numeric value is ignored", func(t *testing.T) {
		t.Setenv("NOMAD_CONTEXT_WINDOW", "lots")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, int64(200000), cfg.Compaction.ContextWindowTokens)
	})

	t.Run("negative value is ignored", func(t *testing.T) {
		t.Setenv("NOMAD_CONTEXT_WINDOW", "-5")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, int64(200000), cfg.Compaction.ContextWindowTokens)
	})
}

func TestEnvOverrides_Logging(t *testing.T) {
	t.Run("NOMAD_DEBUG enables logging", func(t *testing.T) {
		t.Setenv("NOMAD_DEBUG", "1")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.True(t, cfg.Logging.Enabled)
	})

	t.Run("NOMAD_DEBUG=false does not enable", func(t *testing.T) {
		t.Setenv("NOMAD_DEBUG", "false")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.False(t, cfg.Logging.Enabled)
	})

	t.Run("NOMAD_LOG_LEVEL overrides level", func(t *testing.T) {
		t.Setenv("NOMAD_LOG_LEVEL", "debug")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "debug", cfg.Logging.Level)
	})
}

func TestEnvOverrides_PendingTTL(t *testing.T) {
	t.Run("valid duration overrides", func(t *testing.T) {
		t.Setenv("NOMAD_PENDING_TTL", "45s")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "45s", cfg.Store.PendingPartTTL)
	})

	t.Run("invalid duration is ignored", func(t *testing.T) {
		t.Setenv("NOMAD_PENDING_TTL", "soon")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "30s", cfg.Store.PendingPartTTL)
	})
}
