package compaction

import (
	"time"

	"codenomad/internal/types"
)

// snapshotRing keeps recent pre-compaction snapshots in memory under a
// per-session retention bound, oldest evicted first. Eviction returns the
// evicted ids so the engine can delete write-behind copies and audit.
type snapshotRing struct {
	retention int
	byID      map[string]*types.Snapshot
	bySession map[string][]string
}

func newSnapshotRing(retention int) *snapshotRing {
	if retention < 1 {
		retention = 1
	}
	return &snapshotRing{
		retention: retention,
		byID:      make(map[string]*types.Snapshot),
		bySession: make(map[string][]string),
	}
}

// add stores a snapshot and evicts beyond the retention bound. The snapshot
// is stored as-is; callers hand over ownership.
func (r *snapshotRing) add(snap *types.Snapshot) []string {
	if snap == nil || snap.ID == "" {
		return nil
	}
	if _, exists := r.byID[snap.ID]; !exists {
		r.bySession[snap.SessionID] = append(r.bySession[snap.SessionID], snap.ID)
	}
	r.byID[snap.ID] = snap

	ids := r.bySession[snap.SessionID]
	var evicted []string
	for len(ids) > r.retention {
		oldest := ids[0]
		ids = ids[1:]
		delete(r.byID, oldest)
		evicted = append(evicted, oldest)
	}
	r.bySession[snap.SessionID] = ids
	return evicted
}

func (r *snapshotRing) get(id string) (*types.Snapshot, bool) {
	snap, ok := r.byID[id]
	return snap, ok
}

// remove drops one snapshot, typically after undo consumed it.
func (r *snapshotRing) remove(id string) {
	snap, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	ids := r.bySession[snap.SessionID]
	for i, sid := range ids {
		if sid == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.bySession, snap.SessionID)
	} else {
		r.bySession[snap.SessionID] = ids
	}
}

func (r *snapshotRing) removeSession(sessionID string) {
	for _, id := range r.bySession[sessionID] {
		delete(r.byID, id)
	}
	delete(r.bySession, sessionID)
}

// nearestBefore returns the newest snapshot for the session taken at or
// before ts. Insertion order tracks capture order, so a backward walk finds
// it without sorting.
func (r *snapshotRing) nearestBefore(sessionID string, ts time.Time) (*types.Snapshot, bool) {
	ids := r.bySession[sessionID]
	for i := len(ids) - 1; i >= 0; i-- {
		snap, ok := r.byID[ids[i]]
		if ok && !snap.TakenAt.After(ts) {
			return snap, true
		}
	}
	return nil, false
}

func (r *snapshotRing) len() int {
	return len(r.byID)
}
