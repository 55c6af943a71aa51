package store

import (
	"fmt"
	"time"

	"codenomad/internal/logging"
	"codenomad/internal/types"
)

// =============================================================================
// PART APPLICATION
// =============================================================================

// pendingPart is one buffered part update waiting for its message to exist.
type pendingPart struct {
	part       types.Part
	receivedAt time.Time
}

// ApplyPartUpdate is the core streaming primitive. When the target message
// exists, the part is inserted or merged by id and the part, message, and
// session revisions all advance. When it does not, the part goes into the
// pending buffer under the message id and is replayed once the message shows
// up; buffered entries older than the pending TTL are discarded the next time
// that id's buffer is touched.
func (s *Store) ApplyPartUpdate(messageID string, part types.Part) {
	if messageID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		s.prunePendingLocked(messageID)
		s.pending[messageID] = append(s.pending[messageID], pendingPart{
			part:       part.Clone(),
			receivedAt: s.now(),
		})
		logging.StoreDebug("Part buffered for unknown message %s (%d pending)", messageID, len(s.pending[messageID]))
		return
	}
	s.applyPartLocked(m, part)
	s.bumpSessionLocked(m.SessionID)
}

// applyPartLocked inserts or merges one part into an existing message.
// Content updates always change rendered layout, so the caller bumps the
// session revision alongside.
func (s *Store) applyPartLocked(m *types.MessageRecord, part types.Part) {
	id := partID(m, part)
	stored := part.Clone()
	stored.ID = id

	if pr, ok := m.Parts[id]; ok {
		pr.Part = stored
		pr.Revision++
	} else {
		rev := uint64(1)
		if part.Version > 0 {
			rev = part.Version
		}
		m.Parts[id] = &types.PartRecord{ID: id, Revision: rev, Part: stored}
		m.PartIDs = append(m.PartIDs, id)
	}
	m.Revision++
	m.UpdatedAt = s.now()

	if part.Type == types.PartTypeTodo {
		s.todoRefs[m.SessionID] = todoRef{messageID: m.ID, partID: id}
	}
}

// partID derives a stable id for an incoming part: the explicit id first, the
// tool call id for tool parts, and a synthesized positional id otherwise.
func partID(m *types.MessageRecord, part types.Part) string {
	if part.ID != "" {
		return part.ID
	}
	if part.Tool != nil && part.Tool.CallID != "" {
		return part.Tool.CallID
	}
	return fmt.Sprintf("%s-part-%d", m.ID, len(m.PartIDs))
}

// RemovePart deletes one part from a message. Unknown message or part ids are
// a no-op.
func (s *Store) RemovePart(messageID, partID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return
	}
	if _, ok := m.Parts[partID]; !ok {
		return
	}
	delete(m.Parts, partID)
	if idx := indexOf(m.PartIDs, partID); idx >= 0 {
		m.PartIDs = append(m.PartIDs[:idx], m.PartIDs[idx+1:]...)
	}
	m.Revision++
	m.UpdatedAt = s.now()
	s.bumpSessionLocked(m.SessionID)

	if ref, ok := s.todoRefs[m.SessionID]; ok && ref.messageID == messageID && ref.partID == partID {
		s.recomputeTodoLocked(m.SessionID)
	}
}

// =============================================================================
// PENDING BUFFER
// =============================================================================

// flushPendingLocked replays all still-valid buffered parts for a message in
// arrival order, then clears the buffer. Expired entries are counted and
// dropped.
func (s *Store) flushPendingLocked(m *types.MessageRecord) {
	buf, ok := s.pending[m.ID]
	if !ok {
		return
	}
	delete(s.pending, m.ID)

	cutoff := s.now().Add(-s.pendingTTL)
	applied, dropped := 0, 0
	for _, pp := range buf {
		if pp.receivedAt.Before(cutoff) {
			dropped++
			continue
		}
		s.applyPartLocked(m, pp.part)
		applied++
	}
	if applied > 0 {
		s.bumpSessionLocked(m.SessionID)
		logging.StoreDebug("Replayed %d pending parts for message %s", applied, m.ID)
	}
	if dropped > 0 {
		logging.StoreWarn("Dropped %d expired pending parts for message %s", dropped, m.ID)
		logging.AuditWithSession(m.SessionID).PendingDropped(m.SessionID, m.ID, dropped)
	}
}

// prunePendingLocked discards expired entries from one message's buffer.
func (s *Store) prunePendingLocked(messageID string) {
	buf, ok := s.pending[messageID]
	if !ok {
		return
	}
	cutoff := s.now().Add(-s.pendingTTL)
	kept := buf[:0]
	for _, pp := range buf {
		if !pp.receivedAt.Before(cutoff) {
			kept = append(kept, pp)
		}
	}
	if len(kept) == 0 {
		delete(s.pending, messageID)
		return
	}
	s.pending[messageID] = kept
}

// PendingPartCount reports the total number of buffered parts, for
// diagnostics.
func (s *Store) PendingPartCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, buf := range s.pending {
		total += len(buf)
	}
	return total
}

// =============================================================================
// TODO TRACKING
// =============================================================================

// LatestTodos returns the items of the session's newest todo-snapshot part.
func (s *Store) LatestTodos(sessionID string) ([]types.TodoItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.todoRefs[sessionID]
	if !ok {
		return nil, false
	}
	m, ok := s.messages[ref.messageID]
	if !ok {
		return nil, false
	}
	pr := m.Part(ref.partID)
	if pr == nil || pr.Part.Type != types.PartTypeTodo {
		return nil, false
	}
	return append([]types.TodoItem(nil), pr.Part.Todos...), true
}

// recomputeTodoLocked rescans the session back to front for the newest todo
// part after the pointed-at one went away.
func (s *Store) recomputeTodoLocked(sessionID string) {
	sess, ok := s.sessions[sessionID]
	if !ok {
		delete(s.todoRefs, sessionID)
		return
	}
	for i := len(sess.MessageIDs) - 1; i >= 0; i-- {
		m, ok := s.messages[sess.MessageIDs[i]]
		if !ok {
			continue
		}
		for j := len(m.PartIDs) - 1; j >= 0; j-- {
			pr := m.Parts[m.PartIDs[j]]
			if pr != nil && pr.Part.Type == types.PartTypeTodo {
				s.todoRefs[sessionID] = todoRef{messageID: m.ID, partID: pr.ID}
				return
			}
		}
	}
	delete(s.todoRefs, sessionID)
}
