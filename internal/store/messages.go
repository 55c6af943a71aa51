package store

import (
	"sort"
	"time"

	"codenomad/internal/logging"
	"codenomad/internal/types"
	"codenomad/internal/usage"
)

// =============================================================================
// MESSAGE OPERATIONS
// =============================================================================

// MessageUpsert is the input to UpsertMessage. On an existing message, empty
// Role and Status are left unchanged; Ephemeral can only transition from true
// to false (a confirmed message never becomes optimistic again).
type MessageUpsert struct {
	ID        string
	SessionID string
	Role      types.Role
	Status    types.MessageStatus
	Ephemeral bool
	Info      *types.MessageInfo
	CreatedAt time.Time
}

// UpsertMessage creates or updates a single message. It always attaches the
// id to the owning session's list (without duplicates), replays any valid
// buffered parts for the id in arrival order, and bumps the session revision.
// The message revision is not touched here: status and role are metadata, and
// content only changes through part application.
func (s *Store) UpsertMessage(in MessageUpsert) {
	if in.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[in.ID]
	if !ok {
		if in.SessionID == "" {
			return
		}
		status := in.Status
		if status == "" {
			status = types.StatusComplete
		}
		createdAt := in.CreatedAt
		if createdAt.IsZero() {
			createdAt = s.now()
		}
		m = &types.MessageRecord{
			ID:        in.ID,
			SessionID: in.SessionID,
			Role:      in.Role,
			Status:    status,
			Ephemeral: in.Ephemeral,
			Revision:  1,
			Parts:     make(map[string]*types.PartRecord),
			CreatedAt: createdAt,
			UpdatedAt: s.now(),
		}
		s.messages[in.ID] = m
		logging.StoreDebug("Message created: %s (session=%s role=%s status=%s)", in.ID, in.SessionID, in.Role, status)
	} else {
		if in.Role != "" {
			m.Role = in.Role
		}
		if in.Status != "" {
			m.Status = in.Status
		}
		m.Ephemeral = m.Ephemeral && in.Ephemeral
		m.UpdatedAt = s.now()
	}

	sess := s.ensureSessionLocked(m.SessionID)
	if indexOf(sess.MessageIDs, m.ID) < 0 {
		sess.MessageIDs = append(sess.MessageIDs, m.ID)
	}
	sess.UpdatedAt = s.now()
	s.bumpSessionLocked(m.SessionID)

	if in.Info != nil {
		s.mergeInfoLocked(m.SessionID, in.Info)
	}
	s.flushPendingLocked(m)
}

// HydrateMessages bulk-replaces a session's messages after a full reload.
// Incoming records override stored ones field by field: empty role/status and
// zero timestamps fall back to the previous record, a nil part map keeps the
// previous parts, and a locally archived record stays archived. Revisions are
// preserved; a record's revision increments only when its parts actually
// changed, or jumps forward when the caller supplies a higher one. Messages
// that fall out of the hydrated list are dropped unless archived, which stay
// in the record map for inspection.
func (s *Store) HydrateMessages(sessionID string, records []*types.MessageRecord, infos []types.MessageInfo) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryStore, "HydrateMessages")
	defer timer.Stop()

	sess := s.ensureSessionLocked(sessionID)
	contentChanged := false
	newOrder := make([]string, 0, len(records))
	inSet := make(map[string]bool, len(records))

	for _, r := range records {
		if r == nil || r.ID == "" {
			continue
		}
		prev := s.messages[r.ID]
		rec := r.Clone()
		rec.SessionID = sessionID
		if prev != nil {
			if rec.Role == "" {
				rec.Role = prev.Role
			}
			if rec.Status == "" {
				rec.Status = prev.Status
			}
			if rec.CreatedAt.IsZero() {
				rec.CreatedAt = prev.CreatedAt
			}
			if r.Parts == nil {
				rec.Parts = prev.Parts
				rec.PartIDs = prev.PartIDs
			}
			if prev.Archived {
				rec.Archived = true
			}
			rec.Revision = prev.Revision
			if partsChanged(prev, rec) {
				rec.Revision = prev.Revision + 1
				contentChanged = true
			} else if r.Revision > prev.Revision {
				rec.Revision = r.Revision
			}
		} else {
			if rec.Parts == nil {
				rec.Parts = make(map[string]*types.PartRecord)
			}
			if rec.Revision == 0 {
				rec.Revision = 1
			}
		}
		rec.UpdatedAt = s.now()
		s.messages[rec.ID] = rec
		newOrder = append(newOrder, rec.ID)
		inSet[rec.ID] = true
		s.flushPendingLocked(rec)
	}

	for _, id := range sess.MessageIDs {
		if inSet[id] {
			continue
		}
		if old := s.messages[id]; old != nil && old.Archived {
			continue
		}
		s.dropMessageStateLocked(sessionID, id)
	}

	if !equalStrings(sess.MessageIDs, newOrder) {
		sess.MessageIDs = newOrder
		contentChanged = true
	}
	if contentChanged {
		s.bumpSessionLocked(sessionID)
	}
	sess.UpdatedAt = s.now()

	for i := range infos {
		s.mergeInfoLocked(sessionID, &infos[i])
	}
	s.recomputeTodoLocked(sessionID)

	logging.Store("Session %s hydrated: %d messages, %d infos", sessionID, len(newOrder), len(infos))
	logging.AuditWithSession(sessionID).SessionLoaded(sessionID, len(newOrder))
}

// partsChanged reports whether two records differ in part ids, order, or any
// per-part revision.
func partsChanged(prev, next *types.MessageRecord) bool {
	if len(prev.PartIDs) != len(next.PartIDs) {
		return true
	}
	for i, id := range next.PartIDs {
		if prev.PartIDs[i] != id {
			return true
		}
	}
	for id, pr := range next.Parts {
		pp, ok := prev.Parts[id]
		if !ok || pp.Revision != pr.Revision {
			return true
		}
	}
	return false
}

// RemoveMessage deletes a message and every derived piece of state, and takes
// it out of its session's id list. Unknown ids are a no-op.
func (s *Store) RemoveMessage(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return
	}
	sessionID := m.SessionID
	if sess, ok := s.sessions[sessionID]; ok {
		if idx := indexOf(sess.MessageIDs, messageID); idx >= 0 {
			sess.MessageIDs = append(sess.MessageIDs[:idx], sess.MessageIDs[idx+1:]...)
		}
		sess.UpdatedAt = s.now()
	}
	s.dropMessageStateLocked(sessionID, messageID)
	s.bumpSessionLocked(sessionID)
	if ref, ok := s.todoRefs[sessionID]; ok && ref.messageID == messageID {
		s.recomputeTodoLocked(sessionID)
	}
	logging.StoreDebug("Message removed: %s (session=%s)", messageID, sessionID)
}

// ReplaceMessageID renames a message in place when an optimistic client id is
// superseded by the authoritative one. Every structure that indexes the old
// id migrates: the record map, the session list position, the metadata cache,
// pending buffers, permission entries, and usage entries. Idempotent when the
// ids are equal; a no-op when the old id is unknown.
func (s *Store) ReplaceMessageID(oldID, newID string) {
	if oldID == "" || newID == "" || oldID == newID {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[oldID]
	if !ok {
		return
	}
	sessionID := m.SessionID

	delete(s.messages, oldID)
	m.ID = newID
	m.UpdatedAt = s.now()
	s.messages[newID] = m

	if sess, ok := s.sessions[sessionID]; ok {
		replaceInList(sess, oldID, newID)
		sess.UpdatedAt = s.now()
	}

	if info, ok := s.infos[oldID]; ok {
		delete(s.infos, oldID)
		info.ID = newID
		s.infos[newID] = info
		s.infoVersions[newID] = s.infoVersions[oldID] + 1
		delete(s.infoVersions, oldID)
	}

	if buf, ok := s.pending[oldID]; ok {
		delete(s.pending, oldID)
		s.pending[newID] = append(buf, s.pending[newID]...)
	}

	s.permissions.RemapMessage(oldID, newID)
	s.usage.RemapMessage(sessionID, oldID, newID)

	if ref, ok := s.todoRefs[sessionID]; ok && ref.messageID == oldID {
		ref.messageID = newID
		s.todoRefs[sessionID] = ref
	}

	s.bumpSessionLocked(sessionID)
	s.flushPendingLocked(m)
	logging.StoreDebug("Message id replaced: %s -> %s (session=%s)", oldID, newID, sessionID)
	logging.AuditWithSession(sessionID).MessageReplaced(sessionID, oldID, newID)
}

// replaceInList swaps oldID for newID at its original position. If newID is
// already present elsewhere (duplicate delivery), the old slot is removed
// instead so the list stays duplicate-free.
func replaceInList(sess *types.Session, oldID, newID string) {
	oldIdx := indexOf(sess.MessageIDs, oldID)
	if oldIdx < 0 {
		return
	}
	if indexOf(sess.MessageIDs, newID) >= 0 {
		sess.MessageIDs = append(sess.MessageIDs[:oldIdx], sess.MessageIDs[oldIdx+1:]...)
		return
	}
	sess.MessageIDs[oldIdx] = newID
}

// =============================================================================
// MESSAGE METADATA
// =============================================================================

// mergeInfoLocked folds a metadata record into the side cache and refreshes
// the session's usage accounting. Metadata lives outside the message record
// and is versioned by an independent counter, so these writes never touch
// message or session revisions.
func (s *Store) mergeInfoLocked(sessionID string, incoming *types.MessageInfo) {
	if incoming == nil || incoming.ID == "" {
		return
	}
	merged := incoming.Clone()
	if prev, ok := s.infos[incoming.ID]; ok {
		if merged.Role == "" {
			merged.Role = prev.Role
		}
		if merged.ProviderID == "" {
			merged.ProviderID = prev.ProviderID
		}
		if merged.Model == "" {
			merged.Model = prev.Model
		}
		if merged.CreatedAt.IsZero() {
			merged.CreatedAt = prev.CreatedAt
		}
		if merged.CompletedAt.IsZero() {
			merged.CompletedAt = prev.CompletedAt
		}
		if merged.Tokens.IsZero() && !prev.Tokens.IsZero() {
			merged.Tokens = prev.Tokens
			if merged.Cost == 0 {
				merged.Cost = prev.Cost
			}
		}
		merged.Summary = merged.Summary || prev.Summary
	}
	s.infos[merged.ID] = merged
	s.infoVersions[merged.ID]++

	if entry := usage.ExtractEntry(*merged); entry != nil {
		s.usage.Apply(sessionID, *entry)
	}
}

// =============================================================================
// MESSAGE ACCESSORS
// =============================================================================

// Message returns a deep copy of a message record, or nil when unknown.
func (s *Store) Message(id string) *types.MessageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messages[id].Clone()
}

// MessageInfo returns a copy of the cached metadata for a message.
func (s *Store) MessageInfo(id string) *types.MessageInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.infos[id].Clone()
}

// MessageInfoVersion returns the metadata counter for a message. It moves
// independently of the message revision so consumers of metadata can memoize
// without false positives from content changes.
func (s *Store) MessageInfoVersion(id string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.infoVersions[id]
}

// ArchivedMessages returns copies of the session's archived records, oldest
// first. Archived records are no longer in the session's live list but stay
// inspectable until cleared.
func (s *Store) ArchivedMessages(sessionID string) []*types.MessageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.MessageRecord
	for _, m := range s.messages {
		if m.SessionID == sessionID && m.Archived {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
