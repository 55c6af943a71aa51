package store

import (
	"sort"
	"sync"
	"time"

	"codenomad/internal/logging"
)

// =============================================================================
// REGISTRY
// =============================================================================

// Teardown reasons carried on TeardownEvent.
const (
	TeardownDestroy = "destroy"
	TeardownClear   = "clear"
	TeardownClose   = "close"
)

// TeardownEvent notifies subscribers that an instance's store went away, so
// attached consumers (stream readers, compaction engines) can release their
// references.
type TeardownEvent struct {
	InstanceID string    `json:"instance_id"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// Registry maps instance ids to their stores and broadcasts teardown. There
// is no package-level instance table; callers own a Registry and pass it
// where it is needed.
type Registry struct {
	mu      sync.Mutex
	stores  map[string]*Store
	opts    []Option
	subs    map[int]chan TeardownEvent
	nextSub int
	closed  bool
}

// NewRegistry returns an empty registry. The given options are applied to
// every store it creates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		stores: make(map[string]*Store),
		opts:   opts,
		subs:   make(map[int]chan TeardownEvent),
	}
}

// Get returns the store for an instance if one exists.
func (r *Registry) Get(instanceID string) (*Store, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.stores[instanceID]
	return st, ok
}

// GetOrCreate returns the instance's store, creating it on first reference.
// Returns nil after Close.
func (r *Registry) GetOrCreate(instanceID string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	if st, ok := r.stores[instanceID]; ok {
		return st
	}
	st := New(instanceID, r.opts...)
	r.stores[instanceID] = st
	logging.StoreDebug("Store created for instance %s", instanceID)
	return st
}

// Destroy clears an instance's store, removes it, and broadcasts a teardown
// event. Unknown instances are a no-op.
func (r *Registry) Destroy(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.stores[instanceID]
	if !ok {
		return
	}
	st.Clear()
	delete(r.stores, instanceID)
	r.broadcastLocked(TeardownEvent{InstanceID: instanceID, Reason: TeardownDestroy, At: time.Now()})
	logging.Store("Instance %s destroyed", instanceID)
}

// Clear tears down every instance, broadcasting one event per store.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, st := range r.stores {
		st.Clear()
		delete(r.stores, id)
		r.broadcastLocked(TeardownEvent{InstanceID: id, Reason: TeardownClear, At: time.Now()})
	}
}

// Subscribe registers for teardown events. The returned cancel func must be
// called to release the subscription. Delivery is non-blocking: a subscriber
// that falls behind its buffer misses events rather than stalling teardown.
func (r *Registry) Subscribe() (<-chan TeardownEvent, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch := make(chan TeardownEvent, 16)
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if sub, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (r *Registry) broadcastLocked(ev TeardownEvent) {
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// InstanceIDs returns the ids of all live instances, sorted.
func (r *Registry) InstanceIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.stores))
	for id := range r.stores {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close tears down all instances and closes every subscription channel. The
// registry is unusable afterwards; GetOrCreate returns nil.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	for id, st := range r.stores {
		st.Clear()
		delete(r.stores, id)
		r.broadcastLocked(TeardownEvent{InstanceID: id, Reason: TeardownClose, At: time.Now()})
	}
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
	r.closed = true
}
