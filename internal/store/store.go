// Package store implements the normalized per-instance state layer: sessions,
// messages, streamed parts, permission requests, and usage accounting for one
// conversational client. Exactly one Store exists per instance; all mutation
// goes through the documented operations under the store's write lock, and
// readers get deep copies so nothing outside the store can alias its state.
//
// The store is fed by an unreliable asynchronous event stream, so every
// operation that references an unknown session, message, or permission id is
// a silent no-op rather than an error. Parts that arrive before their message
// are buffered and replayed in arrival order once the message appears.
package store

import (
	"sort"
	"sync"
	"time"

	"codenomad/internal/logging"
	"codenomad/internal/permission"
	"codenomad/internal/types"
	"codenomad/internal/usage"
)

// defaultPendingTTL bounds how long a part buffered for an unknown message
// is kept before it is discarded as abandoned.
const defaultPendingTTL = 30 * time.Second

// =============================================================================
// STORE
// =============================================================================

// todoRef points at the newest todo-snapshot part within a session.
type todoRef struct {
	messageID string
	partID    string
}

// Store owns all conversational state for one instance.
type Store struct {
	mu sync.RWMutex

	instanceID string

	sessions   map[string]*types.Session
	sessionRev map[string]uint64

	messages     map[string]*types.MessageRecord
	infos        map[string]*types.MessageInfo
	infoVersions map[string]uint64

	pending map[string][]pendingPart

	permissions *permission.Queue
	usage       *usage.Accumulator

	todoRefs map[string]todoRef
	scroll   map[string]int

	pendingTTL time.Duration
	now        func() time.Time
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithPendingTTL overrides the max age of buffered pending parts.
func WithPendingTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pendingTTL = d
		}
	}
}

// WithClock injects the time source. Tests use this to make buffer expiry
// deterministic.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty store for the given instance.
func New(instanceID string, opts ...Option) *Store {
	s := &Store{
		instanceID:   instanceID,
		sessions:     make(map[string]*types.Session),
		sessionRev:   make(map[string]uint64),
		messages:     make(map[string]*types.MessageRecord),
		infos:        make(map[string]*types.MessageInfo),
		infoVersions: make(map[string]uint64),
		pending:      make(map[string][]pendingPart),
		permissions:  permission.NewQueue(),
		usage:        usage.NewAccumulator(),
		todoRefs:     make(map[string]todoRef),
		scroll:       make(map[string]int),
		pendingTTL:   defaultPendingTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InstanceID identifies the conversational instance this store belongs to.
func (s *Store) InstanceID() string {
	return s.instanceID
}

// =============================================================================
// SESSION OPERATIONS
// =============================================================================

// SessionUpsert is the input to UpsertSession. Zero-valued fields are left
// unchanged on an existing session; MessageIDs is applied only when non-nil.
type SessionUpsert struct {
	ID         string
	Title      string
	ParentID   string
	Directory  string
	MessageIDs []string
	Revert     *types.RevertTarget
	CreatedAt  time.Time
}

// UpsertSession creates a session on first sight and updates title, parent,
// directory, and revert marker fields. Supplying an explicit message-id list
// that differs from the current one replaces the list and bumps the session
// revision.
func (s *Store) UpsertSession(in SessionUpsert) {
	if in.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[in.ID]
	if !ok {
		sess = s.createSessionLocked(in.ID, in.CreatedAt)
	}
	if in.Title != "" {
		sess.Title = in.Title
	}
	if in.ParentID != "" {
		sess.ParentID = in.ParentID
	}
	if in.Directory != "" {
		sess.Directory = in.Directory
	}
	if in.Revert != nil {
		rt := *in.Revert
		sess.Revert = &rt
	}
	if in.MessageIDs != nil && !equalStrings(sess.MessageIDs, in.MessageIDs) {
		sess.MessageIDs = append([]string(nil), in.MessageIDs...)
		s.bumpSessionLocked(in.ID)
	}
	sess.UpdatedAt = s.now()
}

// SetSessionRevert records a revert marker. When the target names a message
// in the session's list, everything at and after that message is truncated:
// the records, their parts, cached metadata, pending buffers, and usage
// entries are all removed. A nil revert clears the marker without touching
// the list.
func (s *Store) SetSessionRevert(sessionID string, revert *types.RevertTarget) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	if revert == nil {
		sess.Revert = nil
		sess.UpdatedAt = s.now()
		return
	}
	if idx := indexOf(sess.MessageIDs, revert.MessageID); idx >= 0 {
		removed := sess.MessageIDs[idx:]
		sess.MessageIDs = append([]string(nil), sess.MessageIDs[:idx]...)
		for _, id := range removed {
			s.dropMessageStateLocked(sessionID, id)
		}
		s.bumpSessionLocked(sessionID)
		s.recomputeTodoLocked(sessionID)
		logging.Store("Session %s reverted to %s: %d messages truncated", sessionID, revert.MessageID, len(removed))
	}
	rt := *revert
	sess.Revert = &rt
	sess.UpdatedAt = s.now()
}

// ClearSession removes every trace of one session. Safe to call repeatedly
// and with partially-initialized state: stray records are swept by session id
// even when the session object itself is gone.
func (s *Store) ClearSession(sessionID string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.sessions[sessionID]
	for id, m := range s.messages {
		if m.SessionID != sessionID {
			continue
		}
		delete(s.messages, id)
		delete(s.infos, id)
		delete(s.infoVersions, id)
		delete(s.pending, id)
	}
	s.usage.Drop(sessionID)
	s.permissions.RemoveSession(sessionID)
	delete(s.todoRefs, sessionID)
	delete(s.scroll, sessionID)
	delete(s.sessionRev, sessionID)
	delete(s.sessions, sessionID)
	if existed {
		logging.AuditWithSession(sessionID).SessionRemoved(sessionID)
	}
}

// Clear tears down the whole instance.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[string]*types.Session)
	s.sessionRev = make(map[string]uint64)
	s.messages = make(map[string]*types.MessageRecord)
	s.infos = make(map[string]*types.MessageInfo)
	s.infoVersions = make(map[string]uint64)
	s.pending = make(map[string][]pendingPart)
	s.permissions.Clear()
	s.usage.Clear()
	s.todoRefs = make(map[string]todoRef)
	s.scroll = make(map[string]int)
	logging.Store("Instance %s cleared", s.instanceID)
}

// createSessionLocked registers a new session. Sessions come into being on
// first reference, so callers never need an explicit create step.
func (s *Store) createSessionLocked(id string, createdAt time.Time) *types.Session {
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	sess := &types.Session{
		ID:        id,
		CreatedAt: createdAt,
		UpdatedAt: s.now(),
	}
	s.sessions[id] = sess
	s.bumpSessionLocked(id)
	logging.StoreDebug("Session created: %s", id)
	return sess
}

func (s *Store) ensureSessionLocked(id string) *types.Session {
	if sess, ok := s.sessions[id]; ok {
		return sess
	}
	return s.createSessionLocked(id, time.Time{})
}

func (s *Store) bumpSessionLocked(id string) {
	s.sessionRev[id]++
}

// dropMessageStateLocked removes a message's record and all derived state
// without touching the session's id list; list maintenance stays with the
// caller.
func (s *Store) dropMessageStateLocked(sessionID, messageID string) {
	delete(s.messages, messageID)
	delete(s.infos, messageID)
	delete(s.infoVersions, messageID)
	delete(s.pending, messageID)
	s.usage.Remove(sessionID, messageID)
}

// =============================================================================
// SESSION ACCESSORS
// =============================================================================

// Session returns a copy of the session, or nil when unknown.
func (s *Store) Session(id string) *types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id].Clone()
}

// Sessions returns copies of every session, ordered by creation time.
func (s *Store) Sessions() []*types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SessionMessageIDs returns the session's ordered message id list.
func (s *Store) SessionMessageIDs(sessionID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]string(nil), sess.MessageIDs...)
}

// SessionRevision returns the session's revision counter. The counter is
// monotonically non-decreasing and strictly increases on every id-list change
// and part mutation; metadata-only updates leave it alone, so it is safe to
// key memoized derivations on it.
func (s *Store) SessionRevision(sessionID string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionRev[sessionID]
}

// Usage returns the session's aggregated usage state.
func (s *Store) Usage(sessionID string) (usage.SessionState, bool) {
	return s.usage.State(sessionID)
}

// =============================================================================
// PERMISSIONS
// =============================================================================

// UpsertPermission inserts or replaces an approval request. Replacement keeps
// the original queue position.
func (s *Store) UpsertPermission(req permission.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions.Upsert(req)
	logging.PermissionDebug("Permission upserted: %s (session=%s message=%s)", req.ID, req.SessionID, req.MessageID)
}

// RemovePermission resolves a request. If it was the active one, the queue
// head becomes active.
func (s *Store) RemovePermission(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.permissions.Remove(id)
	logging.PermissionDebug("Permission removed: %s", id)
}

// ActivePermission returns the active (head) request, if any.
func (s *Store) ActivePermission() (permission.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.permissions.Active()
}

// PermissionForPart answers whether an approval is pending for the exact
// message/part pair.
func (s *Store) PermissionForPart(messageID, partID string) (permission.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.permissions.ForPart(messageID, partID)
}

// Permissions returns all queued requests in enqueue order.
func (s *Store) Permissions() []permission.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.permissions.List()
}

// =============================================================================
// SCROLL SNAPSHOTS
// =============================================================================

// SaveScrollPosition remembers a session's scroll offset across switches.
func (s *Store) SaveScrollPosition(sessionID string, offset int) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scroll[sessionID] = offset
}

// ScrollPosition returns the saved scroll offset for a session.
func (s *Store) ScrollPosition(sessionID string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	off, ok := s.scroll[sessionID]
	return off, ok
}

// =============================================================================
// HELPERS
// =============================================================================

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func indexOf(list []string, id string) int {
	for i, v := range list {
		if v == id {
			return i
		}
	}
	return -1
}
