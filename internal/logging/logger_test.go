package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// resetState clears package-level logging state between tests.
func resetState() {
	CloseAll()
	CloseAudit()
	loggers = make(map[Category]*Logger)
	logsDir = ""
	workspace = ""
	config = loggingConfig{}
	configLoaded = false
	logLevel = LevelInfo
	auditLogger = nil
}

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	configDir := filepath.Join(dir, ".nomad")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("Failed to create config dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

// TestAllCategoriesLog tests that all categories create log files when logging is enabled
func TestAllCategoriesLog(t *testing.T) {
	tempDir := t.TempDir()

	writeConfig(t, tempDir, `logging:
  enabled: true
  level: debug
  categories:
    boot: true
    session: true
    store: true
    stream: true
    permission: true
    usage: true
    compaction: true
    snapshot: true
    archive: true
    config: true
    export: true
`)

	resetState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if !IsEnabled() {
		t.Error("Expected logging to be enabled")
	}

	categories := []Category{
		CategoryBoot,
		CategorySession,
		CategoryStore,
		CategoryStream,
		CategoryPermission,
		CategoryUsage,
		CategoryCompaction,
		CategorySnapshot,
		CategoryArchive,
		CategoryConfig,
		CategoryExport,
	}

	for _, cat := range categories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be enabled", cat)
		}

		logger := Get(cat)
		logger.Info("Test info message for %s", cat)
		logger.Debug("Test debug message for %s", cat)
		logger.Warn("Test warn message for %s", cat)
		logger.Error("Test error message for %s", cat)
	}

	// Also test convenience functions
	Boot("Convenience boot log")
	Session("Convenience session log")
	Store("Convenience store log")
	Stream("Convenience stream log")
	Permission("Convenience permission log")
	Usage("Convenience usage log")
	Compaction("Convenience compaction log")
	Snapshot("Convenience snapshot log")
	Archive("Convenience archive log")
	Config("Convenience config log")
	Export("Convenience export log")

	CloseAll()

	logsPath := filepath.Join(tempDir, ".nomad", "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	for _, cat := range categories {
		found := false
		for _, entry := range entries {
			if strings.Contains(entry.Name(), string(cat)+".log") {
				found = true
				content, err := os.ReadFile(filepath.Join(logsPath, entry.Name()))
				if err != nil {
					t.Errorf("Failed to read log file for %s: %v", cat, err)
					continue
				}
				if len(content) == 0 {
					t.Errorf("Log file for %s is empty", cat)
				}
				break
			}
		}
		if !found {
			t.Errorf("No log file found for category: %s", cat)
		}
	}
}

// TestLoggingDisabled tests that no logs are created when logging is off
func TestLoggingDisabled(t *testing.T) {
	tempDir := t.TempDir()

	writeConfig(t, tempDir, `logging:
  enabled: false
  level: debug
  categories:
    boot: true
    store: true
`)

	resetState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if IsEnabled() {
		t.Error("Expected logging to be DISABLED")
	}

	for _, cat := range []Category{CategoryBoot, CategoryStore, CategoryStream} {
		if IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be DISABLED when logging is off", cat)
		}
	}

	// These should be no-ops
	Boot("This should NOT be logged")
	Store("This should NOT be logged")

	logger := Get(CategoryBoot)
	logger.Info("This should NOT be logged")
	logger.Error("This should NOT be logged")

	CloseAll()

	logsPath := filepath.Join(tempDir, ".nomad", "logs")
	if _, err := os.Stat(logsPath); err == nil {
		entries, _ := os.ReadDir(logsPath)
		if len(entries) > 0 {
			t.Errorf("Expected NO log files when disabled, found %d", len(entries))
		}
	}
}

// TestMissingConfigDisablesLogging verifies the no-config default
func TestMissingConfigDisablesLogging(t *testing.T) {
	tempDir := t.TempDir()

	resetState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	if IsEnabled() {
		t.Error("Expected logging disabled when no config exists")
	}
}

// TestCategoryToggle tests individual category enable/disable
func TestCategoryToggle(t *testing.T) {
	tempDir := t.TempDir()

	writeConfig(t, tempDir, `logging:
  enabled: true
  level: debug
  categories:
    boot: true
    store: true
    stream: false
    usage: false
`)

	resetState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}

	if !IsCategoryEnabled(CategoryBoot) {
		t.Error("boot should be enabled")
	}
	if !IsCategoryEnabled(CategoryStore) {
		t.Error("store should be enabled")
	}
	if IsCategoryEnabled(CategoryStream) {
		t.Error("stream should be DISABLED")
	}
	if IsCategoryEnabled(CategoryUsage) {
		t.Error("usage should be DISABLED")
	}
	// Not in config: defaults to enabled
	if !IsCategoryEnabled(CategoryCompaction) {
		t.Error("compaction (not in config) should default to enabled")
	}

	Boot("This SHOULD be logged")
	Store("This SHOULD be logged")
	Stream("This should NOT be logged")
	Usage("This should NOT be logged")
	Compaction("This SHOULD be logged (default enabled)")

	CloseAll()

	logsPath := filepath.Join(tempDir, ".nomad", "logs")
	entries, _ := os.ReadDir(logsPath)

	var hasBoot, hasStream, hasUsage bool
	for _, e := range entries {
		name := e.Name()
		if strings.Contains(name, "boot") {
			hasBoot = true
		}
		if strings.Contains(name, "stream") {
			hasStream = true
		}
		if strings.Contains(name, "usage") {
			hasUsage = true
		}
	}

	if !hasBoot {
		t.Error("Expected boot log file")
	}
	if hasStream {
		t.Error("Should NOT have stream log file (disabled)")
	}
	if hasUsage {
		t.Error("Should NOT have usage log file (disabled)")
	}
}

// TestTimerLogging tests the timing helper
func TestTimerLogging(t *testing.T) {
	tempDir := t.TempDir()
	writeConfig(t, tempDir, "logging:\n  enabled: true\n  level: debug\n")

	resetState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}

	timer := StartTimer(CategoryCompaction, "TestOperation")
	time.Sleep(time.Millisecond)
	elapsed := timer.Stop()

	if elapsed <= 0 {
		t.Error("Timer should have recorded non-zero duration")
	}

	CloseAll()
}

// TestAuditTrailWritesJSONLines verifies that audit events land as parseable NDJSON
func TestAuditTrailWritesJSONLines(t *testing.T) {
	tempDir := t.TempDir()
	writeConfig(t, tempDir, "logging:\n  enabled: true\n  level: debug\n")

	resetState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}
	if err := InitAudit(); err != nil {
		t.Fatalf("Failed to init audit: %v", err)
	}

	audit := AuditWithSession("sess_1")
	audit.CompactionRun("sess_1", "compact", 150000, 60000, 45, 12, true, "")
	audit.Redaction("sess_1", "msg_9", "api_key")
	audit.SnapshotTaken("sess_1", "snap_1", 60)

	CloseAudit()
	CloseAll()

	logsPath := filepath.Join(tempDir, ".nomad", "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	var auditPath string
	for _, e := range entries {
		if strings.Contains(e.Name(), "audit") {
			auditPath = filepath.Join(logsPath, e.Name())
		}
	}
	if auditPath == "" {
		t.Fatal("No audit log file created")
	}

	f, err := os.Open(auditPath)
	if err != nil {
		t.Fatalf("Failed to open audit log: %v", err)
	}
	defer f.Close()

	var events []AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		var ev AuditEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("Audit line is not valid JSON: %q: %v", line, err)
		}
		events = append(events, ev)
	}

	if len(events) != 3 {
		t.Fatalf("Expected 3 audit events, got %d", len(events))
	}
	if events[0].EventType != AuditCompactionDone {
		t.Errorf("events[0].EventType=%s, want %s", events[0].EventType, AuditCompactionDone)
	}
	if events[0].SessionID != "sess_1" {
		t.Errorf("events[0].SessionID=%s, want sess_1", events[0].SessionID)
	}
	if events[1].EventType != AuditRedaction || events[1].Action != "api_key" {
		t.Errorf("events[1]=%+v, want redaction of api_key", events[1])
	}
	// The redaction line must never carry a secret value
	if strings.Contains(events[1].Message, "sk-") {
		t.Errorf("redaction message leaked a value: %s", events[1].Message)
	}
}
