package store

import (
	"strings"
	"testing"

	"codenomad/internal/types"
)

func summaryRecord(id, text string) *types.MessageRecord {
	return &types.MessageRecord{
		ID:      id,
		Role:    types.RoleAssistant,
		Status:  types.StatusComplete,
		PartIDs: []string{id + "-part-0"},
		Parts: map[string]*types.PartRecord{
			id + "-part-0": {
				ID:       id + "-part-0",
				Revision: 1,
				Part:     types.Part{ID: id + "-part-0", Type: types.PartTypeText, Text: text},
			},
		},
	}
}

func TestApplyCompactionRewritesList(t *testing.T) {
	s, _ := newTestStore()
	ids := seedMessages(s, "ses_1", 5)
	compressed := ids[:3]

	ok := s.ApplyCompaction("ses_1", summaryRecord("msg_sum", "summary text"), nil, compressed)
	if !ok {
		t.Fatal("ApplyCompaction returned false")
	}

	got := s.SessionMessageIDs("ses_1")
	want := []string{"msg_sum", ids[3], ids[4]}
	if len(got) != len(want) {
		t.Fatalf("list = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("list[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	for _, id := range compressed {
		m := s.Message(id)
		if m == nil {
			t.Fatalf("compressed message %s deleted; must stay inspectable", id)
		}
		if !m.Archived {
			t.Errorf("compressed message %s not archived", id)
		}
	}
	for _, id := range ids[3:] {
		if s.Message(id).Archived {
			t.Errorf("retained message %s archived", id)
		}
	}
	if archived := s.ArchivedMessages("ses_1"); len(archived) != 3 {
		t.Errorf("ArchivedMessages = %d, want 3", len(archived))
	}
}

func TestApplyCompactionTolerant(t *testing.T) {
	s, _ := newTestStore()

	if s.ApplyCompaction("ses_missing", summaryRecord("msg_sum", "x"), nil, []string{"a"}) {
		t.Error("compaction against a missing session should fail")
	}
	seedMessages(s, "ses_1", 2)
	if s.ApplyCompaction("ses_1", nil, nil, []string{"msg_0"}) {
		t.Error("nil summary should fail")
	}
}

func TestApplyCompactionSummaryUsage(t *testing.T) {
	s, _ := newTestStore()
	ids := seedMessages(s, "ses_1", 3)

	info := &types.MessageInfo{
		ID:     "msg_sum",
		Role:   types.RoleAssistant,
		Tokens: types.TokenUsage{Input: 900, Output: 120},
	}
	s.ApplyCompaction("ses_1", summaryRecord("msg_sum", "summary"), info, ids[:2])

	state, ok := s.Usage("ses_1")
	if !ok || state.Latest == nil {
		t.Fatal("no usage state after compaction")
	}
	if state.Latest.MessageID != "msg_sum" {
		t.Errorf("latest = %s, want msg_sum", state.Latest.MessageID)
	}
	// Summary-authored messages count output alone as their context figure.
	if state.Latest.CombinedTokens != 120 {
		t.Errorf("CombinedTokens = %d, want 120", state.Latest.CombinedTokens)
	}
	if !s.MessageInfo("msg_sum").Summary {
		t.Error("summary info not flagged")
	}
}

func TestPrunePartsReplacesContent(t *testing.T) {
	s, _ := newTestStore()
	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1"})
	s.ApplyPartUpdate("msg_1", types.Part{ID: "big", Type: types.PartTypeText, Text: strings.Repeat("x", 4000)})
	s.ApplyPartUpdate("msg_1", types.Part{
		ID:   "tool",
		Type: types.PartTypeTool,
		Tool: &types.ToolCall{CallID: "call_1", Name: "run_command", Status: types.ToolCompleted, Output: strings.Repeat("y", 4000)},
	})
	before := s.Message("msg_1")

	refs := []PartRef{
		{MessageID: "msg_1", PartID: "big"},
		{MessageID: "msg_1", PartID: "tool"},
		{MessageID: "msg_1", PartID: "missing"},
		{MessageID: "msg_nope", PartID: "big"},
	}
	pruned := s.PruneParts("ses_1", refs, "[pruned]")
	if pruned != 2 {
		t.Fatalf("pruned = %d, want 2", pruned)
	}

	m := s.Message("msg_1")
	if got := m.Part("big").Part.Text; got != "[pruned]" {
		t.Errorf("text part content = %q, want placeholder", got)
	}
	tool := m.Part("tool").Part.Tool
	if tool.Output != "[pruned]" {
		t.Errorf("tool output = %q, want placeholder", tool.Output)
	}
	if tool.CallID != "call_1" || tool.Name != "run_command" {
		t.Error("tool identity fields must survive pruning")
	}
	// Identity intact, list intact, revisions moved.
	if len(m.PartIDs) != len(before.PartIDs) {
		t.Error("pruning changed the part list")
	}
	if m.Revision != before.Revision+2 {
		t.Errorf("message revision = %d, want %d", m.Revision, before.Revision+2)
	}
	if m.Part("big").Revision != before.Part("big").Revision+1 {
		t.Error("part revision not bumped")
	}
}

func TestRestoreSnapshotWinsUnconditionally(t *testing.T) {
	s, _ := newTestStore()
	ids := seedMessages(s, "ses_1", 3)

	// Capture a snapshot by hand the way the engine does: deep copies.
	snap := &types.Snapshot{
		ID:        "snap_1",
		SessionID: "ses_1",
		Order:     append([]string(nil), ids...),
		Messages:  make(map[string]*types.MessageRecord),
	}
	for _, id := range ids {
		snap.Messages[id] = s.Message(id)
	}

	// Mutate after the snapshot: rewrite content, archive one, add one.
	s.ApplyPartUpdate(ids[0], types.Part{ID: "msg_0-part-0", Type: types.PartTypeText, Text: "mutated"})
	s.ApplyCompaction("ses_1", summaryRecord("msg_sum", "summary"), nil, ids[:2])
	s.UpsertMessage(MessageUpsert{ID: "msg_new", SessionID: "ses_1"})

	if !s.RestoreSnapshot("ses_1", snap) {
		t.Fatal("RestoreSnapshot returned false")
	}

	got := s.SessionMessageIDs("ses_1")
	// Restored order first, then survivors created after the snapshot.
	want := []string{ids[0], ids[1], ids[2], "msg_sum", "msg_new"}
	if len(got) != len(want) {
		t.Fatalf("list = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("list[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	m := s.Message(ids[0])
	if m.Part("msg_0-part-0").Part.Text != "message 0" {
		t.Errorf("content = %q, want snapshot content", m.Part("msg_0-part-0").Part.Text)
	}
	if m.Archived {
		t.Error("archived flag survived restore; snapshot wins unconditionally")
	}

	if s.RestoreSnapshot("ses_1", nil) {
		t.Error("nil snapshot should fail")
	}
}
