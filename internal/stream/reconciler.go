package stream

import (
	"errors"
	"fmt"
	"sync"

	"codenomad/internal/logging"
	"codenomad/internal/store"
	"codenomad/internal/types"
)

// ErrInvalidEvent marks an event that failed structural validation. Only
// surfaced in strict mode; the default policy drops bad events with a log
// line, because the stream is allowed to be stale or duplicated but must
// never take the client down.
var ErrInvalidEvent = errors.New("invalid stream event")

// Reconciler maps inbound events onto store operations, one each.
type Reconciler struct {
	mu     sync.Mutex
	store  *store.Store
	strict bool

	applied uint64
	dropped uint64
	byType  map[EventType]uint64
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithStrictValidation makes Apply return ErrInvalidEvent for malformed or
// unknown events instead of dropping them. Used in tests and development
// builds.
func WithStrictValidation() Option {
	return func(r *Reconciler) {
		r.strict = true
	}
}

// NewReconciler returns a reconciler feeding the given store.
func NewReconciler(st *store.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  st,
		byType: make(map[EventType]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply routes one event to its store operation. Malformed events are
// dropped (or rejected in strict mode); the store itself silently ignores
// references to unknown ids, so replays and reordering are safe.
func (r *Reconciler) Apply(ev Event) error {
	if err := validate(ev); err != nil {
		return r.reject(ev, err)
	}

	switch ev.Type {
	case EventMessageCreated, EventMessageUpdated:
		r.store.UpsertMessage(store.MessageUpsert{
			ID:        ev.MessageID,
			SessionID: ev.SessionID,
			Role:      ev.Role,
			Status:    ev.Status,
			Ephemeral: ev.Ephemeral,
			Info:      ev.Info,
			CreatedAt: ev.CreatedAt,
		})

	case EventMessageRemoved:
		r.store.RemoveMessage(ev.MessageID)

	case EventPartUpdated:
		r.store.ApplyPartUpdate(ev.MessageID, *ev.Part)

	case EventPartRemoved:
		r.store.RemovePart(ev.MessageID, ev.PartID)

	case EventPermissionUpdated:
		req := *ev.Permission
		if req.SessionID == "" {
			req.SessionID = ev.SessionID
		}
		if req.MessageID == "" {
			req.MessageID = ev.MessageID
		}
		r.store.UpsertPermission(req)

	case EventPermissionReplied:
		r.store.RemovePermission(ev.PermissionID)
		logging.AuditWithSession(ev.SessionID).PermissionReplied(ev.SessionID, ev.PermissionID, ev.Decision)

	case EventSessionUpdated:
		r.store.UpsertSession(store.SessionUpsert{
			ID:         ev.SessionID,
			Title:      ev.Title,
			ParentID:   ev.ParentID,
			Directory:  ev.Directory,
			MessageIDs: ev.MessageIDs,
			Revert:     ev.Revert,
			CreatedAt:  ev.CreatedAt,
		})

	default:
		return r.reject(ev, fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type))
	}

	r.mu.Lock()
	r.applied++
	r.byType[ev.Type]++
	r.mu.Unlock()
	logging.StreamDebug("Applied %s (session=%s message=%s)", ev.Type, ev.SessionID, ev.MessageID)
	return nil
}

// validate checks the fields each event type cannot do without.
func validate(ev Event) error {
	switch ev.Type {
	case EventMessageCreated, EventMessageUpdated:
		if ev.MessageID == "" || ev.SessionID == "" {
			return fmt.Errorf("%w: %s needs message_id and session_id", ErrInvalidEvent, ev.Type)
		}
	case EventMessageRemoved:
		if ev.MessageID == "" {
			return fmt.Errorf("%w: %s needs message_id", ErrInvalidEvent, ev.Type)
		}
	case EventPartUpdated:
		if ev.MessageID == "" || ev.Part == nil {
			return fmt.Errorf("%w: %s needs message_id and part", ErrInvalidEvent, ev.Type)
		}
	case EventPartRemoved:
		if ev.MessageID == "" || ev.PartID == "" {
			return fmt.Errorf("%w: %s needs message_id and part_id", ErrInvalidEvent, ev.Type)
		}
	case EventPermissionUpdated:
		if ev.Permission == nil || ev.Permission.ID == "" {
			return fmt.Errorf("%w: %s needs a permission payload", ErrInvalidEvent, ev.Type)
		}
	case EventPermissionReplied:
		if ev.PermissionID == "" {
			return fmt.Errorf("%w: %s needs permission_id", ErrInvalidEvent, ev.Type)
		}
	case EventSessionUpdated:
		if ev.SessionID == "" {
			return fmt.Errorf("%w: %s needs session_id", ErrInvalidEvent, ev.Type)
		}
	}
	return nil
}

// reject applies the drop-or-error policy for a bad event.
func (r *Reconciler) reject(ev Event, err error) error {
	r.mu.Lock()
	r.dropped++
	r.mu.Unlock()
	if r.strict {
		return err
	}
	logging.StreamWarn("Dropped event: %v", err)
	return nil
}

// ConfirmMessageID resolves an optimistic send: the newest message in the
// session with the given role still in "sending" state takes on the
// authoritative id. When no such message exists the authoritative id is
// treated as a fresh message, because the optimistic record may have been
// removed or never created.
func (r *Reconciler) ConfirmMessageID(sessionID string, role types.Role, authoritativeID string) {
	if authoritativeID == "" {
		return
	}
	ids := r.store.SessionMessageIDs(sessionID)
	for i := len(ids) - 1; i >= 0; i-- {
		m := r.store.Message(ids[i])
		if m == nil || m.ID == authoritativeID {
			continue
		}
		if m.Role == role && m.Status == types.StatusSending {
			logging.StreamDebug("Confirming optimistic message %s as %s", m.ID, authoritativeID)
			r.store.ReplaceMessageID(m.ID, authoritativeID)
			return
		}
	}
	r.store.UpsertMessage(store.MessageUpsert{
		ID:        authoritativeID,
		SessionID: sessionID,
		Role:      role,
		Status:    types.StatusSent,
	})
	logging.StreamDebug("No pending %s message in %s; created %s fresh", role, sessionID, authoritativeID)
}

// Metrics reports reconciler counters for diagnostics surfaces.
func (r *Reconciler) Metrics() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	perType := make(map[string]uint64, len(r.byType))
	for t, n := range r.byType {
		perType[string(t)] = n
	}
	return map[string]interface{}{
		"events_applied": r.applied,
		"events_dropped": r.dropped,
		"by_type":        perType,
		"strict":         r.strict,
	}
}
