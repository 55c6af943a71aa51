package archive

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"codenomad/internal/types"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func testEvent(id, sessionID string, ts int64) types.CompactionEvent {
	return types.CompactionEvent{
		ID:                 id,
		SessionID:          sessionID,
		Mode:               types.ModeCompact,
		Trigger:            "manual",
		TokensBefore:       4000,
		TokensAfter:        1500,
		ReductionPct:       62.5,
		MessagesCompressed: 12,
		SnapshotID:         "snap_" + id,
		Timestamp:          ts,
	}
}

func testSnapshot(id, sessionID string) *types.Snapshot {
	taken := time.UnixMilli(1718000000000).UTC()
	return &types.Snapshot{
		ID:        id,
		SessionID: sessionID,
		TakenAt:   taken,
		Order:     []string{"msg_1", "msg_2"},
		Messages: map[string]*types.MessageRecord{
			"msg_1": {
				ID:        "msg_1",
				SessionID: sessionID,
				Role:      types.RoleUser,
				Status:    types.StatusComplete,
				Revision:  1,
				PartIDs:   []string{"p1"},
				Parts: map[string]*types.PartRecord{
					"p1": {ID: "p1", Revision: 1, Part: types.Part{ID: "p1", Type: types.PartTypeText, Text: "set up the database layer"}},
				},
				CreatedAt: taken,
				UpdatedAt: taken,
			},
			"msg_2": {
				ID:        "msg_2",
				SessionID: sessionID,
				Role:      types.RoleAssistant,
				Status:    types.StatusComplete,
				Revision:  3,
				PartIDs:   []string{"p2"},
				Parts: map[string]*types.PartRecord{
					"p2": {ID: "p2", Revision: 2, Part: types.Part{ID: "p2", Type: types.PartTypeTool, Tool: &types.ToolCall{CallID: "call_1", Name: "write_to_file", Status: types.ToolCompleted, Output: "created file: db.go"}}},
				},
				CreatedAt: taken,
				UpdatedAt: taken,
			},
		},
		Infos: map[string]*types.MessageInfo{
			"msg_2": {ID: "msg_2", Role: types.RoleAssistant, Model: "sonnet", Tokens: types.TokenUsage{Input: 900, Output: 120}, CreatedAt: taken},
		},
	}
}

func TestOpenCreatesDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "history.db")

	a, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	if a.Path() != path {
		t.Errorf("Path = %q, want %q", a.Path(), path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file missing: %v", err)
	}
}

func TestEventsBySessionOrdering(t *testing.T) {
	a := newTestArchive(t)

	// Insert out of chronological order; reads must come back oldest first.
	if err := a.SaveEvent(testEvent("evt_2", "ses_1", 2000)); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	if err := a.SaveEvent(testEvent("evt_1", "ses_1", 1000)); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	if err := a.SaveEvent(testEvent("evt_3", "ses_2", 1500)); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}

	events, err := a.EventsBySession("ses_1")
	if err != nil {
		t.Fatalf("EventsBySession: %v", err)
	}
	if len(events) != 2 || events[0].ID != "evt_1" || events[1].ID != "evt_2" {
		t.Errorf("events = %+v, want [evt_1 evt_2]", events)
	}
	if events[0].TokensBefore != 4000 || events[0].ReductionPct != 62.5 {
		t.Errorf("payload fields lost: %+v", events[0])
	}

	all, err := a.AllEvents()
	if err != nil {
		t.Fatalf("AllEvents: %v", err)
	}
	if len(all) != 3 || all[0].ID != "evt_1" || all[1].ID != "evt_3" || all[2].ID != "evt_2" {
		t.Errorf("all = %v", idsOf(all))
	}
}

func idsOf(events []types.CompactionEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}

func TestSaveEventReplacesOnSameID(t *testing.T) {
	a := newTestArchive(t)

	ev := testEvent("evt_1", "ses_1", 1000)
	if err := a.SaveEvent(ev); err != nil {
		t.Fatalf("SaveEvent: %v", err)
	}
	ev.TokensAfter = 999
	if err := a.SaveEvent(ev); err != nil {
		t.Fatalf("SaveEvent replay: %v", err)
	}

	events, err := a.EventsBySession("ses_1")
	if err != nil {
		t.Fatalf("EventsBySession: %v", err)
	}
	if len(events) != 1 || events[0].TokensAfter != 999 {
		t.Errorf("events = %+v, want single updated row", events)
	}

	if err := a.SaveEvent(types.CompactionEvent{SessionID: "ses_1"}); err == nil {
		t.Error("SaveEvent accepted an event without an id")
	}
}

func TestDeleteEvent(t *testing.T) {
	a := newTestArchive(t)
	a.SaveEvent(testEvent("evt_1", "ses_1", 1000))

	if err := a.DeleteEvent("evt_1"); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	events, _ := a.EventsBySession("ses_1")
	if len(events) != 0 {
		t.Errorf("events = %+v after delete", events)
	}
	if err := a.DeleteEvent("evt_unknown"); err != nil {
		t.Errorf("DeleteEvent unknown id: %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	a := newTestArchive(t)
	snap := testSnapshot("snap_1", "ses_1")

	if err := a.SaveSnapshot(snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	loaded, err := a.LoadSnapshot("snap_1")
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if diff := cmp.Diff(snap, loaded); diff != "" {
		t.Errorf("snapshot mismatch (-saved +loaded):\n%s", diff)
	}
}

func TestLoadSnapshotNotFound(t *testing.T) {
	a := newTestArchive(t)
	_, err := a.LoadSnapshot("snap_missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteSnapshot(t *testing.T) {
	a := newTestArchive(t)
	a.SaveSnapshot(testSnapshot("snap_1", "ses_1"))

	if err := a.DeleteSnapshot("snap_1"); err != nil {
		t.Fatalf("DeleteSnapshot: %v", err)
	}
	if _, err := a.LoadSnapshot("snap_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("snapshot still loadable after delete: %v", err)
	}
	if err := a.DeleteSnapshot("snap_unknown"); err != nil {
		t.Errorf("DeleteSnapshot unknown id: %v", err)
	}
}

func TestPruneSnapshotsKeepsNewest(t *testing.T) {
	a := newTestArchive(t)

	for i := 1; i <= 5; i++ {
		snap := testSnapshot(fmt.Sprintf("snap_%d", i), "ses_1")
		snap.TakenAt = time.UnixMilli(int64(1000 * i)).UTC()
		if err := a.SaveSnapshot(snap); err != nil {
			t.Fatalf("SaveSnapshot %d: %v", i, err)
		}
	}

	removed, err := a.PruneSnapshots("ses_1", 2)
	if err != nil {
		t.Fatalf("PruneSnapshots: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}

	ids, err := a.SnapshotsBySession("ses_1")
	if err != nil {
		t.Fatalf("SnapshotsBySession: %v", err)
	}
	if len(ids) != 2 || ids[0] != "snap_5" || ids[1] != "snap_4" {
		t.Errorf("ids = %v, want [snap_5 snap_4]", ids)
	}
}

func TestStats(t *testing.T) {
	a := newTestArchive(t)
	a.SaveEvent(testEvent("evt_1", "ses_1", 1000))
	a.SaveEvent(testEvent("evt_2", "ses_2", 2000))
	a.SaveSnapshot(testSnapshot("snap_1", "ses_1"))

	st, err := a.Stats()
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Events != 2 || st.Snapshots != 1 {
		t.Errorf("Stats = %+v, want 2 events 1 snapshot", st)
	}
	if st.SnapshotRaw == 0 || st.SnapshotBytes == 0 {
		t.Errorf("Stats sizes unset: %+v", st)
	}
	if st.SessionsSeen != 2 {
		t.Errorf("SessionsSeen = %d, want 2", st.SessionsSeen)
	}
}
