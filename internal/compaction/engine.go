package compaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"codenomad/internal/archive"
	"codenomad/internal/logging"
	"codenomad/internal/store"
	"codenomad/internal/types"
)

// ErrInvalidEvent is wrapped by ValidateEvent failures. It is the only error
// class the engine raises; everything else comes back inside a Result.
var ErrInvalidEvent = errors.New("compaction: invalid event")

// =============================================================================
// STATES AND RESULTS
// =============================================================================

// State is the per-session engine state.
type State string

const (
	StateIdle       State = "idle"
	StateSuggested  State = "suggested"
	StateCompacting State = "compacting"
)

// BudgetDecision is the outcome of a token-budget check on the send path.
type BudgetDecision string

const (
	BudgetAllow   BudgetDecision = "allow"
	BudgetSuggest BudgetDecision = "suggest"
	BudgetCompact BudgetDecision = "compact"
)

// BudgetCheck reports where a session sits relative to the context window.
type BudgetCheck struct {
	Decision     BudgetDecision `json:"decision"`
	UsedTokens   int64          `json:"used_tokens"`
	WindowTokens int64          `json:"window_tokens"`
	UsedRatio    float64        `json:"used_ratio"`
}

// Result is the outcome of a compaction, prune, undo or rehydrate run.
// Failed runs carry a human-readable Reason and leave the store untouched.
type Result struct {
	Success            bool                 `json:"success"`
	Reason             string               `json:"reason,omitempty"`
	SessionID          string               `json:"session_id"`
	Mode               types.CompactionMode `json:"mode,omitempty"`
	TokensBefore       int64                `json:"tokens_before"`
	TokensAfter        int64                `json:"tokens_after"`
	ReductionPct       float64              `json:"reduction_pct"`
	MessagesCompressed int                  `json:"messages_compressed,omitempty"`
	PartsPruned        int                  `json:"parts_pruned,omitempty"`
	EventID            string               `json:"event_id,omitempty"`
	SnapshotID         string               `json:"snapshot_id,omitempty"`
	SummaryMessageID   string               `json:"summary_message_id,omitempty"`
}

func failure(sessionID string, mode types.CompactionMode, reason string) *Result {
	return &Result{SessionID: sessionID, Mode: mode, Reason: reason}
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine reads a session from the store, classifies its messages, and
// rewrites the session into a summary plus preserved records. Every
// destructive run is snapshotted first so it can be undone.
type Engine struct {
	store    *store.Store
	cfg      Config
	counter  *TokenCounter
	redactor *Redactor
	fallback *HeuristicSummarizer

	// optional collaborators
	summarizer Summarizer
	archive    *archive.Archive

	mu        sync.Mutex
	states    map[string]State
	history   map[string][]types.CompactionEvent
	snapshots *snapshotRing

	group singleflight.Group
	now   func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSummarizer installs an external summarizer. The engine falls back to
// the built-in heuristic extraction when it fails.
func WithSummarizer(s Summarizer) Option {
	return func(e *Engine) {
		e.summarizer = s
	}
}

// WithArchive attaches a write-behind archive. Archive failures are logged,
// never surfaced: the in-memory state stays authoritative.
func WithArchive(a *archive.Archive) Option {
	return func(e *Engine) {
		e.archive = a
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine returns an engine operating on the given store.
func NewEngine(st *store.Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		cfg:       cfg,
		counter:   NewTokenCounter(),
		redactor:  NewRedactor(),
		fallback:  NewHeuristicSummarizer(),
		states:    make(map[string]State),
		history:   make(map[string][]types.CompactionEvent),
		snapshots: newSnapshotRing(cfg.SnapshotRetention),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// =============================================================================
// COMPACT
// =============================================================================

// Compact runs summary compaction for a session. Concurrent runs against the
// same session coalesce into one; the duplicate callers receive the shared
// result.
func (e *Engine) Compact(ctx context.Context, sessionID, trigger string) *Result {
	v, _, _ := e.group.Do("run:"+sessionID, func() (interface{}, error) {
		return e.compact(ctx, sessionID, trigger), nil
	})
	return v.(*Result)
}

func (e *Engine) compact(ctx context.Context, sessionID, trigger string) *Result {
	timer := logging.StartTimer(logging.CategoryCompaction, "compact")
	defer timer.Stop()
	started := time.Now()

	if e.store.Session(sessionID) == nil {
		return failure(sessionID, types.ModeCompact, "session not found")
	}
	order, records := e.sessionRecords(sessionID)

	tokensBefore := e.contextTokens(sessionID, records)
	if len(records) <= e.cfg.MinMessages {
		logging.CompactionDebug("Session %s has %d messages (min %d), skipping", sessionID, len(records), e.cfg.MinMessages)
		return &Result{
			Success:      true,
			Reason:       "session below minimum size",
			SessionID:    sessionID,
			Mode:         types.ModeCompact,
			TokensBefore: tokensBefore,
			TokensAfter:  tokensBefore,
		}
	}

	e.setState(sessionID, StateCompacting)
	defer e.setState(sessionID, StateIdle)

	// Sliding-window categorization: the recent window survives verbatim,
	// preserved classes survive regardless of position, the rest compresses.
	preserved := classifySession(records, e.cfg)
	prefix, _ := splitWindow(order, e.cfg.WindowSize())

	byID := make(map[string]*types.MessageRecord, len(records))
	for _, m := range records {
		byID[m.ID] = m
	}

	var compressIDs []string
	var compressRecords []*types.MessageRecord
	for _, id := range prefix {
		if preserved[id] {
			continue
		}
		if m, ok := byID[id]; ok {
			compressIDs = append(compressIDs, id)
			compressRecords = append(compressRecords, m)
		}
	}

	if len(compressIDs) == 0 {
		logging.CompactionDebug("Session %s already optimized (window %d, preserved %d)", sessionID, e.cfg.WindowSize(), len(preserved))
		return &Result{
			Success:      true,
			Reason:       "already optimized",
			SessionID:    sessionID,
			Mode:         types.ModeCompact,
			TokensBefore: tokensBefore,
			TokensAfter:  tokensBefore,
		}
	}

	summary := e.summarize(ctx, compressRecords)
	summary.MessageCount = len(compressIDs)
	text := summary.RenderText()
	if e.cfg.RedactSecrets {
		e.logCompressedSecrets(sessionID, compressRecords)
		redacted, findings := e.redactor.Redact(text)
		text = redacted
		for _, f := range findings {
			logging.AuditWithSession(sessionID).Redaction(sessionID, "", f.Type)
		}
	}

	if err := ctx.Err(); err != nil {
		return failure(sessionID, types.ModeCompact, fmt.Sprintf("canceled before rewrite: %v", err))
	}

	snap := e.takeSnapshot(sessionID, order, records)
	summaryRec, summaryInfo := e.buildSummaryMessage(sessionID, text)

	if !e.store.ApplyCompaction(sessionID, summaryRec, summaryInfo, compressIDs) {
		e.discardSnapshot(snap.ID)
		return failure(sessionID, types.ModeCompact, "store rewrite rejected")
	}

	tokensAfter := estimateAfter(tokensBefore, len(compressIDs), len(records), e.cfg.DampingFactor)
	ev := types.CompactionEvent{
		ID:                 uuid.New().String(),
		SessionID:          sessionID,
		Mode:               types.ModeCompact,
		Trigger:            trigger,
		TokensBefore:       int(tokensBefore),
		TokensAfter:        int(tokensAfter),
		ReductionPct:       reductionPct(tokensBefore, tokensAfter),
		MessagesCompressed: len(compressIDs),
		SnapshotID:         snap.ID,
		SummaryMessageID:   summaryRec.ID,
		Timestamp:          e.now().UnixMilli(),
	}
	if err := e.RecordEvent(ev); err != nil {
		// Structural failure recording the run. The rewrite already
		// happened; report the run as failed but keep the snapshot so the
		// caller can still undo by snapshot id.
		logging.CompactionError("Failed to record event for %s: %v", sessionID, err)
		return failure(sessionID, types.ModeCompact, fmt.Sprintf("event rejected: %v", err))
	}

	durationMs := time.Since(started).Milliseconds()
	logging.AuditWithSession(sessionID).CompactionRun(sessionID, string(types.ModeCompact), tokensBefore, tokensAfter, len(compressIDs), durationMs, true, "")
	logging.Compaction("Compacted %s: %d messages -> summary %s (est %d -> %d tokens)", sessionID, len(compressIDs), summaryRec.ID, tokensBefore, tokensAfter)

	return &Result{
		Success:            true,
		SessionID:          sessionID,
		Mode:               types.ModeCompact,
		TokensBefore:       tokensBefore,
		TokensAfter:        tokensAfter,
		ReductionPct:       ev.ReductionPct,
		MessagesCompressed: len(compressIDs),
		EventID:            ev.ID,
		SnapshotID:         snap.ID,
		SummaryMessageID:   summaryRec.ID,
	}
}

// summarize runs the external summarizer when one is installed, falling back
// to heuristic extraction on error. The heuristic path never fails.
func (e *Engine) summarize(ctx context.Context, records []*types.MessageRecord) *Summary {
	if e.summarizer != nil {
		summary, err := e.summarizer.Summarize(ctx, records)
		if err == nil && summary != nil {
			return summary
		}
		logging.CompactionWarn("External summarizer failed, using heuristic extraction: %v", err)
	}
	summary, _ := e.fallback.Summarize(ctx, records)
	return summary
}

// logCompressedSecrets scans outgoing compressed content and logs what was
// found. Counts are logged, never stored in the summary.
func (e *Engine) logCompressedSecrets(sessionID string, records []*types.MessageRecord) {
	for _, m := range records {
		_, findings := e.redactor.Redact(types.RecordText(m))
		for _, f := range findings {
			logging.CompactionDebug("Found %d %s occurrences in compressed message %s", f.Count, f.Type, m.ID)
			logging.AuditWithSession(sessionID).Redaction(sessionID, m.ID, f.Type)
		}
	}
}

func (e *Engine) buildSummaryMessage(sessionID, text string) (*types.MessageRecord, *types.MessageInfo) {
	now := e.now()
	id := uuid.New().String()
	partID := id + "-summary"
	rec := &types.MessageRecord{
		ID:        id,
		SessionID: sessionID,
		Role:      types.RoleAssistant,
		Status:    types.StatusComplete,
		Revision:  1,
		PartIDs:   []string{partID},
		Parts: map[string]*types.PartRecord{
			partID: {ID: partID, Revision: 1, Part: types.Part{ID: partID, Type: types.PartTypeText, Text: text}},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	info := &types.MessageInfo{
		ID:          id,
		Role:        types.RoleAssistant,
		Summary:     true,
		Tokens:      types.TokenUsage{Output: e.counter.CountString(text)},
		CreatedAt:   now,
		CompletedAt: now,
	}
	return rec, info
}

// =============================================================================
// PRUNE
// =============================================================================

// Prune blanks large part payloads in place until the reclaim target is met.
// Message and part identity survive; no summary message is created.
func (e *Engine) Prune(ctx context.Context, sessionID, trigger string) *Result {
	v, _, _ := e.group.Do("run:"+sessionID, func() (interface{}, error) {
		return e.prune(ctx, sessionID, trigger), nil
	})
	return v.(*Result)
}

func (e *Engine) prune(ctx context.Context, sessionID, trigger string) *Result {
	timer := logging.StartTimer(logging.CategoryCompaction, "prune")
	defer timer.Stop()
	started := time.Now()

	if e.store.Session(sessionID) == nil {
		return failure(sessionID, types.ModePrune, "session not found")
	}
	order, records := e.sessionRecords(sessionID)

	tokensBefore := e.contextTokens(sessionID, records)
	if len(records) <= e.cfg.MinMessages {
		return &Result{
			Success:      true,
			Reason:       "session below minimum size",
			SessionID:    sessionID,
			Mode:         types.ModePrune,
			TokensBefore: tokensBefore,
			TokensAfter:  tokensBefore,
		}
	}

	e.setState(sessionID, StateCompacting)
	defer e.setState(sessionID, StateIdle)

	refs, reclaimed := e.selectPrunable(order, records)
	if len(refs) == 0 {
		return &Result{
			Success:      true,
			Reason:       "nothing to prune",
			SessionID:    sessionID,
			Mode:         types.ModePrune,
			TokensBefore: tokensBefore,
			TokensAfter:  tokensBefore,
		}
	}

	if err := ctx.Err(); err != nil {
		return failure(sessionID, types.ModePrune, fmt.Sprintf("canceled before rewrite: %v", err))
	}

	snap := e.takeSnapshot(sessionID, order, records)
	pruned := e.store.PruneParts(sessionID, refs, e.cfg.PrunePlaceholder)
	if pruned == 0 {
		e.discardSnapshot(snap.ID)
		return failure(sessionID, types.ModePrune, "store rewrite rejected")
	}

	tokensAfter := tokensBefore - reclaimed
	if tokensAfter < 0 {
		tokensAfter = 0
	}
	ev := types.CompactionEvent{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		Mode:         types.ModePrune,
		Trigger:      trigger,
		TokensBefore: int(tokensBefore),
		TokensAfter:  int(tokensAfter),
		ReductionPct: reductionPct(tokensBefore, tokensAfter),
		PartsPruned:  pruned,
		SnapshotID:   snap.ID,
		Timestamp:    e.now().UnixMilli(),
	}
	if err := e.RecordEvent(ev); err != nil {
		logging.CompactionError("Failed to record event for %s: %v", sessionID, err)
		return failure(sessionID, types.ModePrune, fmt.Sprintf("event rejected: %v", err))
	}

	logging.AuditWithSession(sessionID).PruneRun(sessionID, pruned, reclaimed, time.Since(started).Milliseconds())
	logging.Compaction("Pruned %s: %d parts, ~%d tokens reclaimed", sessionID, pruned, reclaimed)

	return &Result{
		Success:      true,
		SessionID:    sessionID,
		Mode:         types.ModePrune,
		TokensBefore: tokensBefore,
		TokensAfter:  tokensAfter,
		ReductionPct: ev.ReductionPct,
		PartsPruned:  pruned,
		EventID:      ev.ID,
		SnapshotID:   snap.ID,
	}
}

// selectPrunable walks messages outside the retained window front to back
// and picks parts whose content can be replaced with the placeholder: tool
// outputs at any size, text-like parts above the minimum. Selection stops
// once the estimated reclaim reaches the configured target.
func (e *Engine) selectPrunable(order []string, records []*types.MessageRecord) ([]store.PartRef, int64) {
	byID := make(map[string]*types.MessageRecord, len(records))
	for _, m := range records {
		byID[m.ID] = m
	}
	prefix, _ := splitWindow(order, e.cfg.WindowSize())
	placeholderCost := e.counter.CountString(e.cfg.PrunePlaceholder)

	var refs []store.PartRef
	var reclaimed int64
	for _, id := range prefix {
		if reclaimed >= e.cfg.PruneReclaimTokens {
			break
		}
		m, ok := byID[id]
		if !ok {
			continue
		}
		for _, pr := range m.OrderedParts() {
			if reclaimed >= e.cfg.PruneReclaimTokens {
				break
			}
			var prunable bool
			switch pr.Part.Type {
			case types.PartTypeTool:
				prunable = pr.Part.Tool != nil && pr.Part.Tool.Output != ""
			case types.PartTypeText, types.PartTypeReasoning:
				prunable = e.counter.CountPart(pr.Part) >= e.cfg.PruneMinPartTokens
			}
			if !prunable {
				continue
			}
			gain := e.counter.CountString(types.PartText(pr.Part)) - placeholderCost
			if gain <= 0 {
				continue
			}
			refs = append(refs, store.PartRef{MessageID: m.ID, PartID: pr.ID})
			reclaimed += gain
		}
	}
	return refs, reclaimed
}

// =============================================================================
// UNDO AND REHYDRATE
// =============================================================================

// UndoCompaction rolls a session back to the snapshot taken by the given
// event. The snapshot wins over current state unconditionally; the event and
// its snapshot are consumed.
func (e *Engine) UndoCompaction(eventID string) *Result {
	ev, ok := e.findEvent(eventID)
	if !ok {
		return failure("", "", "event not found")
	}

	e.mu.Lock()
	snap, ok := e.snapshots.get(ev.SnapshotID)
	e.mu.Unlock()
	if !ok && e.archive != nil {
		loaded, err := e.archive.LoadSnapshot(ev.SnapshotID)
		if err == nil {
			snap, ok = loaded, true
		}
	}
	if !ok {
		logging.AuditWithSession(ev.SessionID).CompactionUndo(ev.SessionID, eventID, false, "snapshot unavailable")
		return failure(ev.SessionID, ev.Mode, "snapshot no longer available")
	}

	if !e.store.RestoreSnapshot(ev.SessionID, snap) {
		logging.AuditWithSession(ev.SessionID).CompactionUndo(ev.SessionID, eventID, false, "restore rejected")
		return failure(ev.SessionID, ev.Mode, "restore rejected")
	}
	// The summary message postdates the snapshot, so the restore keeps it as
	// a survivor; drop it to return to the exact pre-compaction set.
	if ev.SummaryMessageID != "" {
		e.store.RemoveMessage(ev.SummaryMessageID)
	}

	e.removeEvent(eventID)
	e.discardSnapshot(ev.SnapshotID)

	logging.AuditWithSession(ev.SessionID).CompactionUndo(ev.SessionID, eventID, true, "")
	logging.Compaction("Undid compaction %s on %s (snapshot %s consumed)", eventID, ev.SessionID, ev.SnapshotID)

	return &Result{
		Success:      true,
		SessionID:    ev.SessionID,
		Mode:         ev.Mode,
		TokensBefore: int64(ev.TokensAfter),
		TokensAfter:  int64(ev.TokensBefore),
		EventID:      eventID,
		SnapshotID:   ev.SnapshotID,
	}
}

// RehydrateSession restores the nearest snapshot taken at or before the
// event's timestamp, for inspection. The audit trail and snapshots stay.
func (e *Engine) RehydrateSession(eventID string) *Result {
	ev, ok := e.findEvent(eventID)
	if !ok {
		return failure("", "", "event not found")
	}

	e.mu.Lock()
	snap, ok := e.snapshots.nearestBefore(ev.SessionID, time.UnixMilli(ev.Timestamp))
	e.mu.Unlock()
	if !ok && e.archive != nil {
		loaded, err := e.archive.LoadSnapshot(ev.SnapshotID)
		if err == nil {
			snap, ok = loaded, true
		}
	}
	if !ok {
		logging.AuditWithSession(ev.SessionID).Rehydrate(ev.SessionID, eventID, false, "snapshot unavailable")
		return failure(ev.SessionID, ev.Mode, "snapshot no longer available")
	}

	if !e.store.RestoreSnapshot(ev.SessionID, snap) {
		logging.AuditWithSession(ev.SessionID).Rehydrate(ev.SessionID, eventID, false, "restore rejected")
		return failure(ev.SessionID, ev.Mode, "restore rejected")
	}

	logging.AuditWithSession(ev.SessionID).Rehydrate(ev.SessionID, eventID, true, "")
	logging.Snapshot("Rehydrated %s from snapshot %s", ev.SessionID, snap.ID)

	return &Result{
		Success:    true,
		SessionID:  ev.SessionID,
		Mode:       ev.Mode,
		EventID:    eventID,
		SnapshotID: snap.ID,
	}
}

// =============================================================================
// BUDGET
// =============================================================================

// CheckBudget reports whether the session still fits its context window,
// flipping the advisory suggested state when a threshold is crossed. Usage
// totals are authoritative when present; otherwise content is estimated.
func (e *Engine) CheckBudget(sessionID string) BudgetCheck {
	used := e.contextTokens(sessionID, nil)
	window := e.cfg.ContextWindowTokens
	check := BudgetCheck{Decision: BudgetAllow, UsedTokens: used, WindowTokens: window}
	if window <= 0 {
		return check
	}
	check.UsedRatio = float64(used) / float64(window)

	switch {
	case check.UsedRatio >= e.cfg.AutoThreshold:
		check.Decision = BudgetCompact
	case check.UsedRatio >= e.cfg.SuggestThreshold:
		check.Decision = BudgetSuggest
	}

	e.mu.Lock()
	if check.Decision != BudgetAllow {
		if e.states[sessionID] != StateCompacting {
			e.states[sessionID] = StateSuggested
		}
	} else if e.states[sessionID] == StateSuggested {
		delete(e.states, sessionID)
	}
	e.mu.Unlock()

	if check.Decision != BudgetAllow {
		logging.AuditWithSession(sessionID).BudgetThreshold(sessionID, used, window, check.Decision == BudgetCompact)
	}
	return check
}

// contextTokens resolves the session's current footprint: reported usage
// when available, otherwise a content estimate. records may be nil.
func (e *Engine) contextTokens(sessionID string, records []*types.MessageRecord) int64 {
	if state, ok := e.store.Usage(sessionID); ok {
		if tokens := state.ContextTokens(); tokens > 0 {
			return tokens
		}
	}
	if records == nil {
		_, records = e.sessionRecords(sessionID)
	}
	return e.counter.CountMessages(records)
}

// =============================================================================
// HISTORY AND EXPORT
// =============================================================================

// ValidateEvent structurally checks an event before it enters history.
func ValidateEvent(ev types.CompactionEvent) error {
	switch {
	case ev.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEvent)
	case ev.SessionID == "":
		return fmt.Errorf("%w: missing session id", ErrInvalidEvent)
	case ev.Mode != types.ModeCompact && ev.Mode != types.ModePrune:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidEvent, ev.Mode)
	case ev.Timestamp <= 0:
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	case ev.TokensBefore < 0 || ev.TokensAfter < 0:
		return fmt.Errorf("%w: negative token counts", ErrInvalidEvent)
	case ev.TokensAfter > ev.TokensBefore:
		return fmt.Errorf("%w: tokens_after exceeds tokens_before", ErrInvalidEvent)
	case ev.ReductionPct < 0 || ev.ReductionPct > 100:
		return fmt.Errorf("%w: reduction_pct out of range", ErrInvalidEvent)
	case ev.MessagesCompressed < 0 || ev.PartsPruned < 0:
		return fmt.Errorf("%w: negative counts", ErrInvalidEvent)
	}
	return nil
}

// RecordEvent validates an event, appends it to the session's history and
// writes it behind to the archive when one is attached.
func (e *Engine) RecordEvent(ev types.CompactionEvent) error {
	if err := ValidateEvent(ev); err != nil {
		return err
	}
	e.mu.Lock()
	e.history[ev.SessionID] = append(e.history[ev.SessionID], ev)
	e.mu.Unlock()

	if e.archive != nil {
		if err := e.archive.SaveEvent(ev); err != nil {
			logging.ArchiveWarn("Write-behind failed for event %s: %v", ev.ID, err)
		}
	}
	return nil
}

// History returns a session's events in append (chronological) order.
func (e *Engine) History(sessionID string) []types.CompactionEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.CompactionEvent(nil), e.history[sessionID]...)
}

// AllHistory returns every session's events, timestamp-ordered.
func (e *Engine) AllHistory() []types.CompactionEvent {
	e.mu.Lock()
	var all []types.CompactionEvent
	for _, events := range e.history {
		all = append(all, events...)
	}
	e.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Timestamp != all[j].Timestamp {
			return all[i].Timestamp < all[j].Timestamp
		}
		return all[i].ID < all[j].ID
	})
	return all
}

// ExportHistory writes all sessions' histories as newline-delimited JSON,
// one event per line, timestamp-ordered. Returns the number of events
// written.
func (e *Engine) ExportHistory(w io.Writer) (int, error) {
	events := e.AllHistory()
	enc := json.NewEncoder(w)
	for i, ev := range events {
		if err := enc.Encode(ev); err != nil {
			logging.Audit().ExportRun("", i, false, err.Error())
			return i, fmt.Errorf("failed to export event %s: %w", ev.ID, err)
		}
	}
	logging.Audit().ExportRun("", len(events), true, "")
	logging.Export("Exported %d compaction events", len(events))
	return len(events), nil
}

// =============================================================================
// STATE AND LIFECYCLE
// =============================================================================

// Status returns the session's engine state.
func (e *Engine) Status(sessionID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[sessionID]; ok {
		return st
	}
	return StateIdle
}

func (e *Engine) setState(sessionID string, st State) {
	e.mu.Lock()
	if st == StateIdle {
		delete(e.states, sessionID)
	} else {
		e.states[sessionID] = st
	}
	e.mu.Unlock()
}

// DropSession forgets a session's engine state, history and in-memory
// snapshots. Archived history stays durable.
func (e *Engine) DropSession(sessionID string) {
	e.mu.Lock()
	delete(e.states, sessionID)
	delete(e.history, sessionID)
	e.snapshots.removeSession(sessionID)
	e.mu.Unlock()
}

// Reset clears all per-session engine state.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.states = make(map[string]State)
	e.history = make(map[string][]types.CompactionEvent)
	e.snapshots = newSnapshotRing(e.cfg.SnapshotRetention)
	e.mu.Unlock()
}

// Metrics reports engine counters for diagnostics surfaces.
func (e *Engine) Metrics() map[string]interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	events := 0
	for _, evs := range e.history {
		events += len(evs)
	}
	return map[string]interface{}{
		"sessions_tracked": len(e.history),
		"events":           events,
		"snapshots_held":   e.snapshots.len(),
	}
}

// =============================================================================
// INTERNALS
// =============================================================================

// sessionRecords reads the session's ordered records. Ids without a backing
// record are skipped so order and records stay aligned.
func (e *Engine) sessionRecords(sessionID string) ([]string, []*types.MessageRecord) {
	ids := e.store.SessionMessageIDs(sessionID)
	order := make([]string, 0, len(ids))
	records := make([]*types.MessageRecord, 0, len(ids))
	for _, id := range ids {
		if m := e.store.Message(id); m != nil {
			order = append(order, id)
			records = append(records, m)
		}
	}
	return order, records
}

// takeSnapshot captures the entire pre-compaction message set and retains it
// under the rolling window, evicting (and deleting through) the oldest.
func (e *Engine) takeSnapshot(sessionID string, order []string, records []*types.MessageRecord) *types.Snapshot {
	snap := &types.Snapshot{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		TakenAt:   e.now(),
		Order:     append([]string(nil), order...),
		Messages:  make(map[string]*types.MessageRecord, len(records)),
	}
	for _, m := range records {
		snap.Messages[m.ID] = m
		if info := e.store.MessageInfo(m.ID); info != nil {
			if snap.Infos == nil {
				snap.Infos = make(map[string]*types.MessageInfo)
			}
			snap.Infos[m.ID] = info
		}
	}

	e.mu.Lock()
	evicted := e.snapshots.add(snap)
	e.mu.Unlock()

	for _, id := range evicted {
		if e.archive != nil {
			if err := e.archive.DeleteSnapshot(id); err != nil {
				logging.ArchiveWarn("Failed to delete evicted snapshot %s: %v", id, err)
			}
		}
		logging.AuditWithSession(sessionID).SnapshotEvicted(sessionID, id)
		logging.SnapshotDebug("Evicted snapshot %s (retention %d)", id, e.cfg.SnapshotRetention)
	}

	if e.archive != nil {
		if err := e.archive.SaveSnapshot(snap); err != nil {
			logging.ArchiveWarn("Write-behind failed for snapshot %s: %v", snap.ID, err)
		}
	}
	logging.AuditWithSession(sessionID).SnapshotTaken(sessionID, snap.ID, len(records))
	return snap
}

// discardSnapshot drops a snapshot from the ring and the archive.
func (e *Engine) discardSnapshot(id string) {
	e.mu.Lock()
	e.snapshots.remove(id)
	e.mu.Unlock()
	if e.archive != nil {
		if err := e.archive.DeleteSnapshot(id); err != nil {
			logging.ArchiveWarn("Failed to delete snapshot %s: %v", id, err)
		}
	}
}

func (e *Engine) findEvent(eventID string) (types.CompactionEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, events := range e.history {
		for _, ev := range events {
			if ev.ID == eventID {
				return ev, true
			}
		}
	}
	return types.CompactionEvent{}, false
}

func (e *Engine) removeEvent(eventID string) {
	e.mu.Lock()
	for sessionID, events := range e.history {
		for i, ev := range events {
			if ev.ID != eventID {
				continue
			}
			e.history[sessionID] = append(events[:i], events[i+1:]...)
			if len(e.history[sessionID]) == 0 {
				delete(e.history, sessionID)
			}
			e.mu.Unlock()
			if e.archive != nil {
				if err := e.archive.DeleteEvent(eventID); err != nil {
					logging.ArchiveWarn("Failed to delete event %s: %v", eventID, err)
				}
			}
			return
		}
	}
	e.mu.Unlock()
}

// estimateAfter applies the damped reduction estimate. Compression is lossy
// but not total, hence the damping factor scaling the compressed share.
func estimateAfter(before int64, compressed, total int, damping float64) int64 {
	if total == 0 || compressed == 0 {
		return before
	}
	ratio := float64(compressed) / float64(total)
	after := int64(float64(before) * (1.0 - ratio*damping))
	if after < 0 {
		return 0
	}
	return after
}

func reductionPct(before, after int64) float64 {
	if before <= 0 {
		return 0
	}
	return float64(before-after) / float64(before) * 100.0
}
