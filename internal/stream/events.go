// Package stream reconciles the transport's event feed into a Store. Events
// arrive in delivery order, which is not necessarily logical order relative
// to message creation; the store's pending-part buffer absorbs the gap, so
// the reconciler itself stays a stateless mapping from one event to one
// store operation.
package stream

import (
	"encoding/json"
	"fmt"
	"time"

	"codenomad/internal/permission"
	"codenomad/internal/types"
)

// EventType discriminates inbound stream events.
type EventType string

const (
	EventMessageCreated    EventType = "message.created"
	EventMessageUpdated    EventType = "message.updated"
	EventMessageRemoved    EventType = "message.removed"
	EventPartUpdated       EventType = "part.updated"
	EventPartRemoved       EventType = "part.removed"
	EventPermissionUpdated EventType = "permission.updated"
	EventPermissionReplied EventType = "permission.replied"
	EventSessionUpdated    EventType = "session.updated"
)

// Event is the single tagged inbound event shape. Only the fields relevant
// to the declared Type are read; everything else stays zero. The transport
// decodes wire payloads straight into this struct.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	PartID    string    `json:"part_id,omitempty"`

	// Message fields.
	Role      types.Role          `json:"role,omitempty"`
	Status    types.MessageStatus `json:"status,omitempty"`
	Ephemeral bool                `json:"ephemeral,omitempty"`
	CreatedAt time.Time           `json:"created_at,omitempty"`
	Info      *types.MessageInfo  `json:"info,omitempty"`

	// Part payload for part.updated.
	Part *types.Part `json:"part,omitempty"`

	// Permission fields.
	Permission   *permission.Request `json:"permission,omitempty"`
	PermissionID string              `json:"permission_id,omitempty"`
	Decision     string              `json:"decision,omitempty"`

	// Session fields for session.updated.
	Title      string              `json:"title,omitempty"`
	ParentID   string              `json:"parent_id,omitempty"`
	Directory  string              `json:"directory,omitempty"`
	MessageIDs []string            `json:"message_ids,omitempty"`
	Revert     *types.RevertTarget `json:"revert,omitempty"`
}

// DecodeEvent parses one wire payload into an Event.
func DecodeEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("failed to decode stream event: %w", err)
	}
	return ev, nil
}
