package store

import (
	"fmt"
	"testing"
	"time"

	"codenomad/internal/types"
)

func TestApplyPartUpdateMergesByID(t *testing.T) {
	s, _ := newTestStore()
	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1", Status: types.StatusStreaming})

	s.ApplyPartUpdate("msg_1", types.Part{ID: "p1", Type: types.PartTypeText, Text: "hel"})
	s.ApplyPartUpdate("msg_1", types.Part{ID: "p1", Type: types.PartTypeText, Text: "hello"})

	m := s.Message("msg_1")
	if len(m.PartIDs) != 1 {
		t.Fatalf("PartIDs = %v, want exactly one", m.PartIDs)
	}
	pr := m.Part("p1")
	if pr.Part.Text != "hello" {
		t.Errorf("Text = %q, want hello", pr.Part.Text)
	}
	if pr.Revision != 2 {
		t.Errorf("part revision = %d, want 2", pr.Revision)
	}
	// Create at 1, two content updates: 3.
	if m.Revision != 3 {
		t.Errorf("message revision = %d, want 3", m.Revision)
	}
}

func TestApplyPartUpdateSeedsVersion(t *testing.T) {
	s, _ := newTestStore()
	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1"})

	s.ApplyPartUpdate("msg_1", types.Part{ID: "p1", Type: types.PartTypeText, Text: "replay", Version: 7})
	if got := s.Message("msg_1").Part("p1").Revision; got != 7 {
		t.Errorf("seeded revision = %d, want 7", got)
	}

	s.ApplyPartUpdate("msg_1", types.Part{ID: "p1", Type: types.PartTypeText, Text: "replay more", Version: 7})
	if got := s.Message("msg_1").Part("p1").Revision; got != 8 {
		t.Errorf("revision after merge = %d, want 8 (version only seeds on first sight)", got)
	}
}

func TestPartIDDerivation(t *testing.T) {
	s, _ := newTestStore()
	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1"})

	// Tool parts take the upstream call id.
	s.ApplyPartUpdate("msg_1", types.Part{
		Type: types.PartTypeTool,
		Tool: &types.ToolCall{CallID: "call_abc", Name: "write_to_file", Status: types.ToolRunning},
	})
	// Anonymous parts get positional ids.
	s.ApplyPartUpdate("msg_1", types.Part{Type: types.PartTypeText, Text: "anon"})

	m := s.Message("msg_1")
	if m.PartIDs[0] != "call_abc" {
		t.Errorf("tool part id = %q, want call_abc", m.PartIDs[0])
	}
	if m.PartIDs[1] != "msg_1-part-1" {
		t.Errorf("synthesized id = %q, want msg_1-part-1", m.PartIDs[1])
	}
}

func TestPendingBufferReplaysInArrivalOrder(t *testing.T) {
	s, _ := newTestStore()

	for i := 0; i < 3; i++ {
		s.ApplyPartUpdate("msg_1", types.Part{
			ID:   fmt.Sprintf("p%d", i),
			Type: types.PartTypeText,
			Text: fmt.Sprintf("chunk %d", i),
		})
	}
	if s.PendingPartCount() != 3 {
		t.Fatalf("PendingPartCount = %d, want 3", s.PendingPartCount())
	}

	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1", Status: types.StatusStreaming})

	m := s.Message("msg_1")
	want := []string{"p0", "p1", "p2"}
	if len(m.PartIDs) != 3 {
		t.Fatalf("PartIDs = %v, want 3 parts", m.PartIDs)
	}
	for i, id := range want {
		if m.PartIDs[i] != id {
			t.Errorf("PartIDs[%d] = %q, want %q (arrival order)", i, m.PartIDs[i], id)
		}
		if got := m.Part(id).Part.Text; got != fmt.Sprintf("chunk %d", i) {
			t.Errorf("part %s text = %q", id, got)
		}
	}
	if s.PendingPartCount() != 0 {
		t.Errorf("buffer not cleared after replay: %d", s.PendingPartCount())
	}
}

func TestPendingBufferEqualsDirectApplication(t *testing.T) {
	// Buffer-then-replay must land on the same content as applying the same
	// updates to an existing message directly.
	buffered, _ := newTestStore()
	direct, _ := newTestStore()

	updates := []types.Part{
		{ID: "p1", Type: types.PartTypeText, Text: "a"},
		{ID: "p1", Type: types.PartTypeText, Text: "ab"},
		{ID: "p2", Type: types.PartTypeReasoning, Text: "thinking"},
		{ID: "p1", Type: types.PartTypeText, Text: "abc"},
	}

	direct.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1"})
	for _, p := range updates {
		direct.ApplyPartUpdate("msg_1", p)
	}

	for _, p := range updates {
		buffered.ApplyPartUpdate("msg_1", p)
	}
	buffered.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1"})

	got, want := buffered.Message("msg_1"), direct.Message("msg_1")
	if len(got.PartIDs) != len(want.PartIDs) {
		t.Fatalf("part count %d != %d", len(got.PartIDs), len(want.PartIDs))
	}
	for i := range want.PartIDs {
		if got.PartIDs[i] != want.PartIDs[i] {
			t.Errorf("PartIDs[%d]: %q != %q", i, got.PartIDs[i], want.PartIDs[i])
		}
	}
	for _, id := range want.PartIDs {
		if got.Part(id).Part.Text != want.Part(id).Part.Text {
			t.Errorf("part %s content diverged: %q != %q", id, got.Part(id).Part.Text, want.Part(id).Part.Text)
		}
		if got.Part(id).Revision != want.Part(id).Revision {
			t.Errorf("part %s revision diverged: %d != %d", id, got.Part(id).Revision, want.Part(id).Revision)
		}
	}
}

func TestPendingBufferExpiry(t *testing.T) {
	s, clock := newTestStore()

	s.ApplyPartUpdate("msg_1", types.Part{ID: "old", Type: types.PartTypeText, Text: "stale"})
	clock.Advance(31 * time.Second)
	// Buffering another part prunes the expired entry on inspection.
	s.ApplyPartUpdate("msg_1", types.Part{ID: "new", Type: types.PartTypeText, Text: "fresh"})

	if got := s.PendingPartCount(); got != 1 {
		t.Errorf("PendingPartCount = %d, want 1 after pruning", got)
	}

	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1"})
	m := s.Message("msg_1")
	if m.Part("old") != nil {
		t.Error("expired part was replayed")
	}
	if m.Part("new") == nil {
		t.Error("fresh part was not replayed")
	}
}

func TestPendingBufferExpiryOnFlush(t *testing.T) {
	s, clock := newTestStore()

	s.ApplyPartUpdate("msg_1", types.Part{ID: "old", Type: types.PartTypeText, Text: "stale"})
	clock.Advance(31 * time.Second)
	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1"})

	if got := len(s.Message("msg_1").PartIDs); got != 0 {
		t.Errorf("expired entries replayed at flush: %d parts", got)
	}
	if s.PendingPartCount() != 0 {
		t.Error("buffer not cleared")
	}
}

func TestPendingTTLOption(t *testing.T) {
	clock := newTestClock()
	s := New("inst_test", WithClock(clock.Now), WithPendingTTL(time.Minute))

	s.ApplyPartUpdate("msg_1", types.Part{ID: "p1", Type: types.PartTypeText, Text: "kept"})
	clock.Advance(45 * time.Second)
	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1"})

	if s.Message("msg_1").Part("p1") == nil {
		t.Error("part inside the configured TTL was dropped")
	}
}

func TestRemovePart(t *testing.T) {
	s, _ := newTestStore()
	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1"})
	s.ApplyPartUpdate("msg_1", types.Part{ID: "p1", Type: types.PartTypeText, Text: "one"})
	s.ApplyPartUpdate("msg_1", types.Part{ID: "p2", Type: types.PartTypeText, Text: "two"})

	before := s.Message("msg_1").Revision
	sessRev := s.SessionRevision("ses_1")
	s.RemovePart("msg_1", "p1")

	m := s.Message("msg_1")
	if m.Part("p1") != nil {
		t.Error("part still present")
	}
	if len(m.PartIDs) != 1 || m.PartIDs[0] != "p2" {
		t.Errorf("PartIDs = %v, want [p2]", m.PartIDs)
	}
	if m.Revision != before+1 {
		t.Errorf("message revision = %d, want %d", m.Revision, before+1)
	}
	if s.SessionRevision("ses_1") != sessRev+1 {
		t.Error("session revision not bumped")
	}

	// Unknown part and unknown message: no-ops.
	s.RemovePart("msg_1", "p_nope")
	s.RemovePart("msg_nope", "p1")
	if got := s.Message("msg_1").Revision; got != before+1 {
		t.Errorf("no-op removal moved revision to %d", got)
	}
}

func TestLatestTodosTracksNewest(t *testing.T) {
	s, _ := newTestStore()
	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1"})
	s.UpsertMessage(MessageUpsert{ID: "msg_2", SessionID: "ses_1"})

	s.ApplyPartUpdate("msg_1", types.Part{ID: "t1", Type: types.PartTypeTodo, Todos: []types.TodoItem{{Content: "first"}}})
	s.ApplyPartUpdate("msg_2", types.Part{ID: "t2", Type: types.PartTypeTodo, Todos: []types.TodoItem{{Content: "second"}, {Content: "third"}}})

	todos, ok := s.LatestTodos("ses_1")
	if !ok || len(todos) != 2 || todos[0].Content != "second" {
		t.Errorf("LatestTodos = %v (%v), want the newest snapshot", todos, ok)
	}

	// Removing the pointed-at part falls back to the previous snapshot.
	s.RemovePart("msg_2", "t2")
	todos, ok = s.LatestTodos("ses_1")
	if !ok || len(todos) != 1 || todos[0].Content != "first" {
		t.Errorf("LatestTodos after removal = %v (%v), want the older snapshot", todos, ok)
	}

	s.RemovePart("msg_1", "t1")
	if _, ok := s.LatestTodos("ses_1"); ok {
		t.Error("LatestTodos reported a snapshot after all todo parts were removed")
	}
}
