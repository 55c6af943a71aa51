// Package permission tracks outstanding approval requests for one
// conversational instance. Requests queue FIFO by enqueue time; the head of
// the queue is the single "active" request. A secondary index keyed by
// (message id, part id) answers "is a permission pending for this exact
// part" in O(1) for the rendering layer.
package permission

import "time"

// Request is an approval request as delivered by the transport. MessageID
// and PartID locate the tool part awaiting approval; either may be empty for
// requests not tied to a specific part.
type Request struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	MessageID string                 `json:"message_id,omitempty"`
	PartID    string                 `json:"part_id,omitempty"`
	CallID    string                 `json:"call_id,omitempty"`
	Kind      string                 `json:"kind,omitempty"`
	Title     string                 `json:"title,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Entry wraps a queued request with its enqueue timestamp. The lifted
// MessageID/PartID fields are the indexed values and are kept current when
// an optimistic message id is replaced.
type Entry struct {
	Request    Request
	MessageID  string
	PartID     string
	EnqueuedAt time.Time
}

// partKey indexes entries by the part they refer to. Absent components fall
// back to a sentinel so partless requests still get a stable key.
type partKey struct {
	messageID string
	partID    string
}

const keySentinel = "global"

func keyFor(messageID, partID string) partKey {
	if messageID == "" {
		messageID = keySentinel
	}
	if partID == "" {
		partID = keySentinel
	}
	return partKey{messageID: messageID, partID: partID}
}

// Queue is the FIFO-with-lookup structure. The zero value is not usable;
// construct with NewQueue. Queue methods are not synchronized: the owning
// store serializes access, matching its single-writer batch model.
type Queue struct {
	order   []string
	entries map[string]Entry
	byPart  map[partKey]string
	now     func() time.Time
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{
		entries: make(map[string]Entry),
		byPart:  make(map[partKey]string),
		now:     time.Now,
	}
}

// Upsert inserts a request or replaces an existing one in place. A replaced
// entry keeps its queue position and enqueue timestamp, so updates to a
// pending request never re-order the queue. Requests without an id are
// ignored.
func (q *Queue) Upsert(req Request) {
	if req.ID == "" {
		return
	}
	if existing, ok := q.entries[req.ID]; ok {
		delete(q.byPart, keyFor(existing.MessageID, existing.PartID))
		existing.Request = req
		existing.MessageID = req.MessageID
		existing.PartID = req.PartID
		q.entries[req.ID] = existing
		q.byPart[keyFor(req.MessageID, req.PartID)] = req.ID
		return
	}
	entry := Entry{
		Request:    req,
		MessageID:  req.MessageID,
		PartID:     req.PartID,
		EnqueuedAt: q.now(),
	}
	q.entries[req.ID] = entry
	q.order = append(q.order, req.ID)
	q.byPart[keyFor(req.MessageID, req.PartID)] = req.ID
}

// Remove resolves a request. Removing the head promotes the next entry to
// active automatically (the head is always the active entry). Unknown ids
// are a no-op.
func (q *Queue) Remove(id string) {
	entry, ok := q.entries[id]
	if !ok {
		return
	}
	delete(q.entries, id)
	if q.byPart[keyFor(entry.MessageID, entry.PartID)] == id {
		delete(q.byPart, keyFor(entry.MessageID, entry.PartID))
	}
	for i, queued := range q.order {
		if queued == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Active returns the current active entry: the queue head.
func (q *Queue) Active() (Entry, bool) {
	if len(q.order) == 0 {
		return Entry{}, false
	}
	entry, ok := q.entries[q.order[0]]
	return entry, ok
}

// ForPart returns the pending entry attached to the given message/part pair.
func (q *Queue) ForPart(messageID, partID string) (Entry, bool) {
	id, ok := q.byPart[keyFor(messageID, partID)]
	if !ok {
		return Entry{}, false
	}
	entry, ok := q.entries[id]
	return entry, ok
}

// Get returns the entry for a permission id.
func (q *Queue) Get(id string) (Entry, bool) {
	entry, ok := q.entries[id]
	return entry, ok
}

// List returns all entries in queue order.
func (q *Queue) List() []Entry {
	out := make([]Entry, 0, len(q.order))
	for _, id := range q.order {
		if entry, ok := q.entries[id]; ok {
			out = append(out, entry)
		}
	}
	return out
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	return len(q.order)
}

// RemapMessage rewrites the message id on every entry referencing oldID.
// Called when an optimistic client-generated id is replaced by the
// authoritative one.
func (q *Queue) RemapMessage(oldID, newID string) {
	if oldID == "" || oldID == newID {
		return
	}
	for id, entry := range q.entries {
		if entry.MessageID != oldID {
			continue
		}
		delete(q.byPart, keyFor(entry.MessageID, entry.PartID))
		entry.MessageID = newID
		entry.Request.MessageID = newID
		q.entries[id] = entry
		q.byPart[keyFor(newID, entry.PartID)] = id
	}
}

// RemoveSession drops every entry belonging to a session.
func (q *Queue) RemoveSession(sessionID string) {
	if sessionID == "" {
		return
	}
	kept := q.order[:0]
	for _, id := range q.order {
		entry := q.entries[id]
		if entry.Request.SessionID == sessionID {
			delete(q.entries, id)
			if q.byPart[keyFor(entry.MessageID, entry.PartID)] == id {
				delete(q.byPart, keyFor(entry.MessageID, entry.PartID))
			}
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
}

// Clear empties the queue.
func (q *Queue) Clear() {
	q.order = nil
	q.entries = make(map[string]Entry)
	q.byPart = make(map[partKey]string)
}
