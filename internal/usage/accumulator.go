package usage

import "sync"

// Accumulator owns per-session usage state. Apply is idempotent per message
// id: re-applying an entry for a message replaces its previous contribution
// instead of double-counting, so metadata refreshes are safe.
type Accumulator struct {
	mu       sync.RWMutex
	sessions map[string]*sessionUsage
}

type sessionUsage struct {
	totals  Totals
	entries map[string]Entry
	latest  string // message id of the latest entry, "" when empty
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{sessions: make(map[string]*sessionUsage)}
}

// Apply folds an entry into a session's totals, replacing any previous entry
// for the same message id.
func (a *Accumulator) Apply(sessionID string, e Entry) {
	if sessionID == "" || e.MessageID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	su, ok := a.sessions[sessionID]
	if !ok {
		su = &sessionUsage{entries: make(map[string]Entry)}
		a.sessions[sessionID] = su
	}

	if prev, exists := su.entries[e.MessageID]; exists {
		su.totals.Subtract(prev)
	}
	su.totals.Add(e)
	su.entries[e.MessageID] = e
	su.updateLatest(e)
}

// updateLatest re-derives the latest pointer after e was inserted. A newer
// timestamp wins; an equal timestamp keeps the existing latest. When the
// replaced entry was the latest, the whole set is rescanned since the new
// timestamp may have moved backwards.
func (su *sessionUsage) updateLatest(e Entry) {
	if su.latest == "" {
		su.latest = e.MessageID
		return
	}
	if su.latest == e.MessageID {
		su.rescanLatest()
		return
	}
	if e.Timestamp.After(su.entries[su.latest].Timestamp) {
		su.latest = e.MessageID
	}
}

// rescanLatest linearly re-derives the latest pointer. Linear scan is
// acceptable: compaction bounds the number of live messages per session.
func (su *sessionUsage) rescanLatest() {
	su.latest = ""
	var best Entry
	for id, entry := range su.entries {
		if su.latest == "" || entry.Timestamp.After(best.Timestamp) {
			su.latest = id
			best = entry
		}
	}
}

// Remove drops a message's contribution from its session.
func (a *Accumulator) Remove(sessionID, messageID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	su, ok := a.sessions[sessionID]
	if !ok {
		return
	}
	entry, exists := su.entries[messageID]
	if !exists {
		return
	}
	su.totals.Subtract(entry)
	delete(su.entries, messageID)
	if su.latest == messageID {
		su.rescanLatest()
	}
	if len(su.entries) == 0 {
		delete(a.sessions, sessionID)
	}
}

// RemapMessage rewrites the message id of an entry when an optimistic id is
// replaced by the authoritative one.
func (a *Accumulator) RemapMessage(sessionID, oldID, newID string) {
	if oldID == "" || oldID == newID {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	su, ok := a.sessions[sessionID]
	if !ok {
		return
	}
	entry, exists := su.entries[oldID]
	if !exists {
		return
	}
	delete(su.entries, oldID)
	entry.MessageID = newID
	su.entries[newID] = entry
	if su.latest == oldID {
		su.latest = newID
	}
}

// Rebuild resets a session and re-applies the given entries. The result must
// match folding Apply over the same entries one at a time in any order; the
// store uses it after a full hydration.
func (a *Accumulator) Rebuild(sessionID string, entries []Entry) {
	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()

	for _, e := range entries {
		a.Apply(sessionID, e)
	}
}

// State returns a copy of a session's aggregated usage.
func (a *Accumulator) State(sessionID string) (SessionState, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	su, ok := a.sessions[sessionID]
	if !ok {
		return SessionState{}, false
	}
	state := SessionState{Totals: su.totals, EntryCount: len(su.entries)}
	if su.latest != "" {
		latest := su.entries[su.latest]
		state.Latest = &latest
	}
	return state, true
}

// Drop removes all usage state for a session.
func (a *Accumulator) Drop(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
}

// Clear removes all sessions.
func (a *Accumulator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions = make(map[string]*sessionUsage)
}
