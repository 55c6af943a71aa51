// Package types provides shared type definitions used across codeNomad packages:
// sessions, normalized message records, tagged-union message parts, per-message
// metadata, and compaction audit records. This package exists to break import
// cycles between store, stream, and compaction; types here are foundational
// data structures with no complex dependencies. State-bearing structs carry
// deep Clone methods so owners can hand out immutable views and the compaction
// engine can borrow by copy.
package types

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageStatus tracks a message through its streaming lifecycle.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusStreaming MessageStatus = "streaming"
	StatusComplete  MessageStatus = "complete"
	StatusError     MessageStatus = "error"
)

// RevertTarget marks the point a session was rolled back to.
type RevertTarget struct {
	MessageID string `json:"message_id"`
	PartID    string `json:"part_id,omitempty"`
}

// Session is one conversation thread. Sessions form a tree: a child "task"
// session carries its parent's id. MessageIDs is the ordered id list and only
// mutates through the store's documented operations, never ad hoc.
type Session struct {
	ID         string        `json:"id"`
	Title      string        `json:"title,omitempty"`
	ParentID   string        `json:"parent_id,omitempty"`
	Directory  string        `json:"directory,omitempty"`
	MessageIDs []string      `json:"message_ids"`
	Revert     *RevertTarget `json:"revert,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.MessageIDs = append([]string(nil), s.MessageIDs...)
	if s.Revert != nil {
		rt := *s.Revert
		out.Revert = &rt
	}
	return &out
}

// MessageRecord is the normalized representation of one conversation turn.
// Revision increases by exactly 1 on every content-affecting mutation (part
// add/update, content hydration) and is never touched by metadata-only
// writes. PartIDs preserves arrival order and contains no duplicates.
// Archived is set in place by compaction; archived records stay in the
// message map for inspection after they leave the session's id list.
type MessageRecord struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	Role      Role                   `json:"role"`
	Status    MessageStatus          `json:"status"`
	Revision  uint64                 `json:"revision"`
	Ephemeral bool                   `json:"ephemeral,omitempty"`
	Archived  bool                   `json:"archived,omitempty"`
	PartIDs   []string               `json:"part_ids"`
	Parts     map[string]*PartRecord `json:"parts"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// Clone returns a deep copy of the record, including every part.
func (m *MessageRecord) Clone() *MessageRecord {
	if m == nil {
		return nil
	}
	out := *m
	out.PartIDs = append([]string(nil), m.PartIDs...)
	out.Parts = make(map[string]*PartRecord, len(m.Parts))
	for id, pr := range m.Parts {
		out.Parts[id] = pr.Clone()
	}
	return &out
}

// Part returns the part record for id, or nil when absent.
func (m *MessageRecord) Part(id string) *PartRecord {
	if m == nil {
		return nil
	}
	return m.Parts[id]
}

// OrderedParts returns the message's parts in arrival order.
func (m *MessageRecord) OrderedParts() []*PartRecord {
	if m == nil {
		return nil
	}
	out := make([]*PartRecord, 0, len(m.PartIDs))
	for _, id := range m.PartIDs {
		if pr, ok := m.Parts[id]; ok {
			out = append(out, pr)
		}
	}
	return out
}

// PartRecord wraps a part payload with its per-part revision. The id derives
// from the tool call id when the payload carries one, otherwise it is
// synthesized as <messageID>-part-<index> at insertion time.
type PartRecord struct {
	ID       string `json:"id"`
	Revision uint64 `json:"revision"`
	Part     Part   `json:"part"`
}

// Clone returns a deep copy of the part record.
func (p *PartRecord) Clone() *PartRecord {
	if p == nil {
		return nil
	}
	out := *p
	out.Part = p.Part.Clone()
	return &out
}
