// Audit logging for state mutations that matter after the fact: compaction
// runs, snapshot restores, redaction findings, permission replies. One JSON
// event per line so the trail can be replayed or grepped without parsing the
// regular logs.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType defines the type of audit event
type AuditEventType string

const (
	// Compaction lifecycle events
	AuditCompactionStart AuditEventType = "compaction_start"
	AuditCompactionDone  AuditEventType = "compaction_done"
	AuditCompactionFail  AuditEventType = "compaction_fail"
	AuditCompactionUndo  AuditEventType = "compaction_undo"
	AuditRehydrate       AuditEventType = "rehydrate"
	AuditPruneRun        AuditEventType = "prune_run"

	// Snapshot events
	AuditSnapshotTaken    AuditEventType = "snapshot_taken"
	AuditSnapshotRestored AuditEventType = "snapshot_restored"
	AuditSnapshotEvicted  AuditEventType = "snapshot_evicted"

	// Redaction findings. Only the secret type is recorded, never the value.
	AuditRedaction AuditEventType = "redaction"

	// Session lifecycle events
	AuditSessionLoaded  AuditEventType = "session_loaded"
	AuditSessionRemoved AuditEventType = "session_removed"

	// Store events
	AuditMessageReplaced AuditEventType = "message_replaced"
	AuditPendingDropped  AuditEventType = "pending_dropped"

	// Permission events
	AuditPermissionReplied AuditEventType = "permission_replied"

	// Context budget thresholds
	AuditBudgetSuggest AuditEventType = "budget_suggest"
	AuditBudgetAuto    AuditEventType = "budget_auto"

	// History export
	AuditExportRun AuditEventType = "export_run"
)

// =============================================================================
// AUDIT EVENT STRUCTURE
// =============================================================================

// AuditEvent represents a structured audit log entry
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`      // Unix milliseconds
	EventType  AuditEventType         `json:"event"`   // Event type
	Category   string                 `json:"cat"`     // Log category
	SessionID  string                 `json:"session"` // Session correlation
	Target     string                 `json:"target"`  // Target of operation
	Action     string                 `json:"action"`  // Action being performed
	Success    bool                   `json:"success"` // Operation succeeded
	DurationMs int64                  `json:"dur_ms"`  // Duration in milliseconds
	Error      string                 `json:"error"`   // Error message if failed
	Message    string                 `json:"msg"`     // Human-readable message
	Fields     map[string]interface{} `json:"fields"`  // Additional structured fields
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger handles structured audit logging
type AuditLogger struct {
	sessionID string
	category  Category
}

// InitAudit initializes the audit logging system
func InitAudit() error {
	if !IsEnabled() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n# Format: one JSON event per line\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithSession creates an audit logger scoped to a session
func AuditWithSession(sessionID string) *AuditLogger {
	return &AuditLogger{sessionID: sessionID}
}

// AuditWithContext creates a fully-scoped audit logger
func AuditWithContext(sessionID string, category Category) *AuditLogger {
	return &AuditLogger{sessionID: sessionID, category: category}
}

// =============================================================================
// AUDIT LOGGING METHODS
// =============================================================================

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsEnabled() || auditFile == nil {
		return
	}

	// Fill in defaults
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.SessionID == "" && a.sessionID != "" {
		event.SessionID = a.sessionID
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}
	if event.Fields == nil {
		event.Fields = make(map[string]interface{})
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// CompactionRun logs the outcome of a compaction run
func (a *AuditLogger) CompactionRun(sessionID, mode string, tokensBefore, tokensAfter int64, compressed int, durationMs int64, success bool, errMsg string) {
	eventType := AuditCompactionDone
	if !success {
		eventType = AuditCompactionFail
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Category:   string(CategoryCompaction),
		SessionID:  sessionID,
		Action:     mode,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Fields: map[string]interface{}{
			"tokens_before": tokensBefore,
			"tokens_after":  tokensAfter,
			"compressed":    compressed,
		},
		Message: fmt.Sprintf("Compaction %s: %d -> %d tokens, %d messages compressed (success=%v)", mode, tokensBefore, tokensAfter, compressed, success),
	})
}

// CompactionUndo logs a compaction undo
func (a *AuditLogger) CompactionUndo(sessionID, eventID string, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType: AuditCompactionUndo,
		Category:  string(CategoryCompaction),
		SessionID: sessionID,
		Target:    eventID,
		Success:   success,
		Error:     errMsg,
		Message:   fmt.Sprintf("Compaction undo: event=%s success=%v", eventID, success),
	})
}

// Rehydrate logs a session rehydration
func (a *AuditLogger) Rehydrate(sessionID, eventID string, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType: AuditRehydrate,
		Category:  string(CategoryCompaction),
		SessionID: sessionID,
		Target:    eventID,
		Success:   success,
		Error:     errMsg,
		Message:   fmt.Sprintf("Rehydrate: event=%s success=%v", eventID, success),
	})
}

// PruneRun logs the outcome of a prune run
func (a *AuditLogger) PruneRun(sessionID string, partsPruned int, tokensReclaimed int64, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditPruneRun,
		Category:   string(CategoryCompaction),
		SessionID:  sessionID,
		Success:    true,
		DurationMs: durationMs,
		Fields: map[string]interface{}{
			"parts_pruned":     partsPruned,
			"tokens_reclaimed": tokensReclaimed,
		},
		Message: fmt.Sprintf("Prune: %d parts, ~%d tokens reclaimed", partsPruned, tokensReclaimed),
	})
}

// SnapshotTaken logs snapshot capture
func (a *AuditLogger) SnapshotTaken(sessionID, snapshotID string, messages int) {
	a.Log(AuditEvent{
		EventType: AuditSnapshotTaken,
		Category:  string(CategorySnapshot),
		SessionID: sessionID,
		Target:    snapshotID,
		Success:   true,
		Fields:    map[string]interface{}{"messages": messages},
		Message:   fmt.Sprintf("Snapshot taken: %s (%d messages)", snapshotID, messages),
	})
}

// SnapshotRestored logs a snapshot restore
func (a *AuditLogger) SnapshotRestored(sessionID, snapshotID string) {
	a.Log(AuditEvent{
		EventType: AuditSnapshotRestored,
		Category:  string(CategorySnapshot),
		SessionID: sessionID,
		Target:    snapshotID,
		Success:   true,
		Message:   fmt.Sprintf("Snapshot restored: %s", snapshotID),
	})
}

// SnapshotEvicted logs ring-buffer eviction of an old snapshot
func (a *AuditLogger) SnapshotEvicted(sessionID, snapshotID string) {
	a.Log(AuditEvent{
		EventType: AuditSnapshotEvicted,
		Category:  string(CategorySnapshot),
		SessionID: sessionID,
		Target:    snapshotID,
		Success:   true,
		Message:   fmt.Sprintf("Snapshot evicted: %s", snapshotID),
	})
}

// Redaction logs a secret finding. The value never reaches the trail.
func (a *AuditLogger) Redaction(sessionID, messageID, secretType string) {
	a.Log(AuditEvent{
		EventType: AuditRedaction,
		Category:  string(CategoryCompaction),
		SessionID: sessionID,
		Target:    messageID,
		Action:    secretType,
		Success:   true,
		Message:   fmt.Sprintf("Redacted %s in message %s", secretType, messageID),
	})
}

// MessageReplaced logs an optimistic id being confirmed
func (a *AuditLogger) MessageReplaced(sessionID, oldID, newID string) {
	a.Log(AuditEvent{
		EventType: AuditMessageReplaced,
		Category:  string(CategoryStore),
		SessionID: sessionID,
		Target:    newID,
		Success:   true,
		Fields:    map[string]interface{}{"old_id": oldID},
		Message:   fmt.Sprintf("Message id replaced: %s -> %s", oldID, newID),
	})
}

// PendingDropped logs expiry of buffered orphan parts
func (a *AuditLogger) PendingDropped(sessionID, messageID string, parts int) {
	a.Log(AuditEvent{
		EventType: AuditPendingDropped,
		Category:  string(CategoryStore),
		SessionID: sessionID,
		Target:    messageID,
		Success:   true,
		Fields:    map[string]interface{}{"parts": parts},
		Message:   fmt.Sprintf("Pending parts dropped for %s (%d parts)", messageID, parts),
	})
}

// PermissionReplied logs a permission decision
func (a *AuditLogger) PermissionReplied(sessionID, requestID, decision string) {
	a.Log(AuditEvent{
		EventType: AuditPermissionReplied,
		Category:  string(CategoryPermission),
		SessionID: sessionID,
		Target:    requestID,
		Action:    decision,
		Success:   true,
		Message:   fmt.Sprintf("Permission %s: %s", requestID, decision),
	})
}

// SessionLoaded logs session hydration
func (a *AuditLogger) SessionLoaded(sessionID string, messages int) {
	a.Log(AuditEvent{
		EventType: AuditSessionLoaded,
		Category:  string(CategorySession),
		SessionID: sessionID,
		Success:   true,
		Fields:    map[string]interface{}{"messages": messages},
		Message:   fmt.Sprintf("Session loaded: %s (%d messages)", sessionID, messages),
	})
}

// SessionRemoved logs session teardown
func (a *AuditLogger) SessionRemoved(sessionID string) {
	a.Log(AuditEvent{
		EventType: AuditSessionRemoved,
		Category:  string(CategorySession),
		SessionID: sessionID,
		Success:   true,
		Message:   fmt.Sprintf("Session removed: %s", sessionID),
	})
}

// BudgetThreshold logs a context budget threshold crossing
func (a *AuditLogger) BudgetThreshold(sessionID string, used, window int64, auto bool) {
	eventType := AuditBudgetSuggest
	if auto {
		eventType = AuditBudgetAuto
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Category:  string(CategoryCompaction),
		SessionID: sessionID,
		Success:   true,
		Fields: map[string]interface{}{
			"used_tokens":   used,
			"window_tokens": window,
		},
		Message: fmt.Sprintf("Budget threshold: %d/%d tokens (auto=%v)", used, window, auto),
	})
}

// ExportRun logs a history export
func (a *AuditLogger) ExportRun(sessionID string, events int, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType: AuditExportRun,
		Category:  string(CategoryExport),
		SessionID: sessionID,
		Success:   success,
		Error:     errMsg,
		Fields:    map[string]interface{}{"events": events},
		Message:   fmt.Sprintf("Export: %d events (success=%v)", events, success),
	})
}
