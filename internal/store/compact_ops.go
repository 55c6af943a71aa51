package store

import (
	"codenomad/internal/logging"
	"codenomad/internal/types"
	"codenomad/internal/usage"
)

// =============================================================================
// COMPACTION MUTATORS
// =============================================================================

// These are the only write paths the compaction engine uses. They exist as
// documented store operations so that no component ever rewrites session
// state from outside the lock.

// PartRef addresses one part inside one message.
type PartRef struct {
	MessageID string `json:"message_id"`
	PartID    string `json:"part_id"`
}

// ApplyCompaction rewrites a session after a destructive compaction run: the
// compressed records are marked archived in place (they stay in the record
// map for inspection), the summary message is inserted at the first
// compressed position, and the session's id list shrinks to summary plus
// survivors. Returns false when the session or summary is missing.
func (s *Store) ApplyCompaction(sessionID string, summary *types.MessageRecord, summaryInfo *types.MessageInfo, compressedIDs []string) bool {
	if summary == nil || summary.ID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return false
	}

	compressed := make(map[string]bool, len(compressedIDs))
	for _, id := range compressedIDs {
		compressed[id] = true
		if m, ok := s.messages[id]; ok {
			m.Archived = true
			m.UpdatedAt = s.now()
		}
	}

	rec := summary.Clone()
	rec.SessionID = sessionID
	if rec.Parts == nil {
		rec.Parts = make(map[string]*types.PartRecord)
	}
	if rec.Revision == 0 {
		rec.Revision = 1
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.UpdatedAt = s.now()
	s.messages[rec.ID] = rec

	newOrder := make([]string, 0, len(sess.MessageIDs)-len(compressedIDs)+1)
	inserted := false
	for _, id := range sess.MessageIDs {
		if compressed[id] {
			if !inserted {
				newOrder = append(newOrder, rec.ID)
				inserted = true
			}
			continue
		}
		newOrder = append(newOrder, id)
	}
	if !inserted {
		newOrder = append(newOrder, rec.ID)
	}
	sess.MessageIDs = newOrder
	sess.UpdatedAt = s.now()
	s.bumpSessionLocked(sessionID)

	if summaryInfo != nil {
		info := summaryInfo.Clone()
		info.ID = rec.ID
		info.Summary = true
		s.mergeInfoLocked(sessionID, info)
	}
	s.recomputeTodoLocked(sessionID)

	logging.Store("Compaction applied to session %s: %d archived, summary %s, %d messages remain",
		sessionID, len(compressedIDs), rec.ID, len(newOrder))
	return true
}

// PruneParts replaces the content of each referenced part with the
// placeholder, leaving message and part identity intact. Part and message
// revisions advance per replaced part, as any content mutation does. Returns
// how many parts were actually pruned; unknown refs are skipped.
func (s *Store) PruneParts(sessionID string, refs []PartRef, placeholder string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for _, ref := range refs {
		m, ok := s.messages[ref.MessageID]
		if !ok || m.SessionID != sessionID {
			continue
		}
		pr, ok := m.Parts[ref.PartID]
		if !ok {
			continue
		}
		replacePartContent(pr, placeholder)
		pr.Revision++
		m.Revision++
		m.UpdatedAt = s.now()
		s.bumpSessionLocked(sessionID)
		pruned++
	}
	if pruned > 0 {
		logging.Store("Pruned %d parts in session %s", pruned, sessionID)
	}
	return pruned
}

// replacePartContent swaps a part's payload for the placeholder while keeping
// the identity fields a renderer needs (part type, tool call id and name).
func replacePartContent(pr *types.PartRecord, placeholder string) {
	switch pr.Part.Type {
	case types.PartTypeTool:
		if pr.Part.Tool != nil {
			pr.Part.Tool.Input = ""
			pr.Part.Tool.Output = placeholder
			pr.Part.Tool.Error = ""
		}
	case types.PartTypeTodo:
		pr.Part.Todos = nil
		pr.Part.Text = placeholder
	default:
		pr.Part.Text = placeholder
		pr.Part.Segments = nil
	}
}

// RestoreSnapshot overwrites session state from a pre-compaction snapshot.
// Snapshot records win unconditionally over current ones; messages created
// after the snapshot was taken survive, appended after the restored order in
// their current relative order. Usage accounting is rebuilt from the cached
// metadata of the resulting message list.
func (s *Store) RestoreSnapshot(sessionID string, snap *types.Snapshot) bool {
	if snap == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.ensureSessionLocked(sessionID)

	for id, rec := range snap.Messages {
		restored := rec.Clone()
		restored.SessionID = sessionID
		restored.UpdatedAt = s.now()
		s.messages[id] = restored
	}
	for id, info := range snap.Infos {
		s.infos[id] = info.Clone()
		s.infoVersions[id]++
	}

	restored := make(map[string]bool, len(snap.Order))
	newOrder := append([]string(nil), snap.Order...)
	for _, id := range snap.Order {
		restored[id] = true
	}
	for _, id := range sess.MessageIDs {
		if !restored[id] {
			if _, inSnap := snap.Messages[id]; !inSnap {
				newOrder = append(newOrder, id)
			}
		}
	}
	sess.MessageIDs = newOrder
	sess.UpdatedAt = s.now()
	s.bumpSessionLocked(sessionID)

	var entries []usage.Entry
	for _, id := range newOrder {
		info, ok := s.infos[id]
		if !ok {
			continue
		}
		if e := usage.ExtractEntry(*info); e != nil {
			entries = append(entries, *e)
		}
	}
	s.usage.Rebuild(sessionID, entries)
	s.recomputeTodoLocked(sessionID)

	logging.Store("Snapshot %s restored into session %s: %d messages", snap.ID, sessionID, len(newOrder))
	return true
}
