package store

import (
	"testing"
	"time"

	"codenomad/internal/permission"
	"codenomad/internal/types"
)

func TestUpsertMessageAttachesOnce(t *testing.T) {
	s, _ := newTestStore()

	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1", Role: types.RoleUser})
	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1", Status: types.StatusComplete})

	ids := s.SessionMessageIDs("ses_1")
	if len(ids) != 1 || ids[0] != "msg_1" {
		t.Errorf("SessionMessageIDs = %v, want [msg_1]", ids)
	}
}

func TestUpsertMessageDefaults(t *testing.T) {
	s, _ := newTestStore()

	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1", Role: types.RoleUser})

	m := s.Message("msg_1")
	if m.Status != types.StatusComplete {
		t.Errorf("Status = %q, want %q", m.Status, types.StatusComplete)
	}
	if m.Revision != 1 {
		t.Errorf("Revision = %d, want 1", m.Revision)
	}
	if m.CreatedAt.IsZero() {
		t.Error("CreatedAt not defaulted")
	}
}

func TestUpsertMessageWithoutSessionIgnored(t *testing.T) {
	s, _ := newTestStore()
	s.UpsertMessage(MessageUpsert{ID: "msg_1"})
	if s.Message("msg_1") != nil {
		t.Error("message without a session was created")
	}
}

func TestUpsertMessageStatusMetadataOnly(t *testing.T) {
	s, _ := newTestStore()
	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1", Status: types.StatusStreaming})

	before := s.Message("msg_1").Revision
	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1", Status: types.StatusComplete})

	m := s.Message("msg_1")
	if m.Status != types.StatusComplete {
		t.Errorf("Status = %q, want complete", m.Status)
	}
	if m.Revision != before {
		t.Errorf("status change moved message revision %d -> %d", before, m.Revision)
	}
}

func TestUpsertMessageEphemeralConfirmSticks(t *testing.T) {
	s, _ := newTestStore()

	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1", Ephemeral: true, Status: types.StatusSending})
	if !s.Message("msg_1").Ephemeral {
		t.Fatal("optimistic message should be ephemeral")
	}

	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1", Status: types.StatusSent})
	if s.Message("msg_1").Ephemeral {
		t.Fatal("confirmed upsert should clear the ephemeral flag")
	}

	// A late optimistic duplicate cannot flip it back.
	s.UpsertMessage(MessageUpsert{ID: "msg_1", SessionID: "ses_1", Ephemeral: true})
	if s.Message("msg_1").Ephemeral {
		t.Error("confirmed message became ephemeral again")
	}
}

func TestUpsertMessageInfoFeedsUsage(t *testing.T) {
	s, _ := newTestStore()

	s.UpsertMessage(MessageUpsert{
		ID:        "msg_1",
		SessionID: "ses_1",
		Role:      types.RoleAssistant,
		Info: &types.MessageInfo{
			ID:          "msg_1",
			Role:        types.RoleAssistant,
			Tokens:      types.TokenUsage{Input: 100, Output: 50},
			CompletedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
	})

	state, ok := s.Usage("ses_1")
	if !ok {
		t.Fatal("no usage state recorded")
	}
	if state.Totals.Input != 100 || state.Totals.Output != 50 {
		t.Errorf("Totals = %+v, want input 100 output 50", state.Totals)
	}
	if s.MessageInfoVersion("msg_1") != 1 {
		t.Errorf("info version = %d, want 1", s.MessageInfoVersion("msg_1"))
	}
}

func TestHydratePreservesRevisionUnlessPartsChange(t *testing.T) {
	s, _ := newTestStore()
	seedMessages(s, "ses_1", 1)
	base := s.Message("msg_0")

	// Re-hydrating the identical record keeps the revision.
	s.HydrateMessages("ses_1", []*types.MessageRecord{base.Clone()}, nil)
	if got := s.Message("msg_0").Revision; got != base.Revision {
		t.Errorf("identical hydrate moved revision %d -> %d", base.Revision, got)
	}

	// A record whose part revision moved counts as a content change.
	changed := base.Clone()
	changed.Parts[changed.PartIDs[0]].Revision++
	s.HydrateMessages("ses_1", []*types.MessageRecord{changed}, nil)
	if got := s.Message("msg_0").Revision; got != base.Revision+1 {
		t.Errorf("changed hydrate: revision = %d, want %d", got, base.Revision+1)
	}
}

func TestHydrateHonorsRequestedBump(t *testing.T) {
	s, _ := newTestStore()
	seedMessages(s, "ses_1", 1)
	base := s.Message("msg_0")

	bumped := base.Clone()
	bumped.Revision = base.Revision + 10
	s.HydrateMessages("ses_1", []*types.MessageRecord{bumped}, nil)
	if got := s.Message("msg_0").Revision; got != base.Revision+10 {
		t.Errorf("revision = %d, want requested %d", got, base.Revision+10)
	}
}

func TestHydrateFallsBackUnspecifiedFields(t *testing.T) {
	s, _ := newTestStore()
	seedMessages(s, "ses_1", 1)
	base := s.Message("msg_0")

	sparse := &types.MessageRecord{ID: "msg_0"}
	s.HydrateMessages("ses_1", []*types.MessageRecord{sparse}, nil)

	m := s.Message("msg_0")
	if m.Role != base.Role {
		t.Errorf("Role = %q, want fallback %q", m.Role, base.Role)
	}
	if m.Status != base.Status {
		t.Errorf("Status = %q, want fallback %q", m.Status, base.Status)
	}
	if len(m.PartIDs) != len(base.PartIDs) {
		t.Errorf("parts not carried over: %d, want %d", len(m.PartIDs), len(base.PartIDs))
	}
	if !m.CreatedAt.Equal(base.CreatedAt) {
		t.Error("CreatedAt not carried over")
	}
}

func TestHydrateDropsStaleKeepsArchived(t *testing.T) {
	s, _ := newTestStore()
	ids := seedMessages(s, "ses_1", 3)

	// Archive msg_0 through a compaction rewrite, then hydrate only msg_1.
	summary := &types.MessageRecord{ID: "msg_sum", Role: types.RoleAssistant, Status: types.StatusComplete}
	if !s.ApplyCompaction("ses_1", summary, nil, []string{ids[0]}) {
		t.Fatal("ApplyCompaction failed")
	}

	s.HydrateMessages("ses_1", []*types.MessageRecord{s.Message(ids[1]).Clone()}, nil)

	if got := s.SessionMessageIDs("ses_1"); len(got) != 1 || got[0] != ids[1] {
		t.Errorf("list = %v, want [%s]", got, ids[1])
	}
	if s.Message(ids[2]) != nil {
		t.Error("stale unarchived message survived hydrate")
	}
	if s.Message(ids[0]) == nil {
		t.Error("archived message dropped by hydrate")
	}
	if got := s.ArchivedMessages("ses_1"); len(got) != 1 || got[0].ID != ids[0] {
		t.Errorf("ArchivedMessages = %d records, want the archived one", len(got))
	}
}

func TestHydrateInfoOnlyKeepsSessionRevision(t *testing.T) {
	s, _ := newTestStore()
	seedMessages(s, "ses_1", 2)
	records := []*types.MessageRecord{s.Message("msg_0"), s.Message("msg_1")}
	s.HydrateMessages("ses_1", records, nil)

	rev := s.SessionRevision("ses_1")
	infoVer := s.MessageInfoVersion("msg_0")

	infos := []types.MessageInfo{{ID: "msg_0", Model: "sonnet"}}
	s.HydrateMessages("ses_1", records, infos)

	if got := s.SessionRevision("ses_1"); got != rev {
		t.Errorf("metadata-only hydrate bumped session revision %d -> %d", rev, got)
	}
	if got := s.MessageInfoVersion("msg_0"); got != infoVer+1 {
		t.Errorf("info version = %d, want %d", got, infoVer+1)
	}
	if got := s.MessageInfo("msg_0").Model; got != "sonnet" {
		t.Errorf("Model = %q, want sonnet", got)
	}
}

func TestRemoveMessage(t *testing.T) {
	s, _ := newTestStore()
	ids := seedMessages(s, "ses_1", 3)
	rev := s.SessionRevision("ses_1")

	s.RemoveMessage(ids[1])

	got := s.SessionMessageIDs("ses_1")
	if len(got) != 2 || got[0] != ids[0] || got[1] != ids[2] {
		t.Errorf("list = %v, want [%s %s]", got, ids[0], ids[2])
	}
	if s.Message(ids[1]) != nil {
		t.Error("record still present")
	}
	if s.SessionRevision("ses_1") <= rev {
		t.Error("removal did not bump session revision")
	}

	// Unknown id: silent no-op.
	s.RemoveMessage("msg_nope")
	if len(s.SessionMessageIDs("ses_1")) != 2 {
		t.Error("no-op removal changed the list")
	}
}

func TestReplaceMessageIDMigratesEverything(t *testing.T) {
	s, _ := newTestStore()
	seedMessages(s, "ses_1", 3)

	// Give msg_1 metadata, a permission, and usage so each index must move.
	s.UpsertMessage(MessageUpsert{
		ID:        "msg_1",
		SessionID: "ses_1",
		Info: &types.MessageInfo{
			ID:     "msg_1",
			Role:   types.RoleAssistant,
			Tokens: types.TokenUsage{Output: 40},
		},
	})
	s.UpsertPermission(permission.Request{ID: "perm_1", SessionID: "ses_1", MessageID: "msg_1", PartID: "tool_1"})
	// A part buffered under the authoritative id before confirmation.
	s.ApplyPartUpdate("msg_real", types.Part{ID: "late", Type: types.PartTypeText, Text: "late part"})

	s.ReplaceMessageID("msg_1", "msg_real")

	ids := s.SessionMessageIDs("ses_1")
	if ids[1] != "msg_real" {
		t.Errorf("list position not migrated in place: %v", ids)
	}
	if s.Message("msg_1") != nil {
		t.Error("old record still present")
	}
	m := s.Message("msg_real")
	if m == nil {
		t.Fatal("record not reachable under new id")
	}
	if m.Part("late") == nil {
		t.Error("buffered part for the authoritative id was not replayed")
	}
	if s.MessageInfo("msg_real") == nil || s.MessageInfo("msg_1") != nil {
		t.Error("info cache not migrated")
	}
	if _, ok := s.PermissionForPart("msg_real", "tool_1"); !ok {
		t.Error("permission index not migrated")
	}
	if _, ok := s.PermissionForPart("msg_1", "tool_1"); ok {
		t.Error("permission still indexed under old id")
	}
	state, _ := s.Usage("ses_1")
	if state.Latest == nil || state.Latest.MessageID != "msg_real" {
		t.Error("usage entry not remapped")
	}
}

func TestReplaceMessageIDTolerant(t *testing.T) {
	s, _ := newTestStore()
	ids := seedMessages(s, "ses_1", 2)
	rev := s.SessionRevision("ses_1")

	s.ReplaceMessageID(ids[0], ids[0])
	s.ReplaceMessageID("msg_nope", "msg_other")

	if got := s.SessionRevision("ses_1"); got != rev {
		t.Errorf("no-op replaces bumped revision %d -> %d", rev, got)
	}
	if got := s.SessionMessageIDs("ses_1"); len(got) != 2 {
		t.Errorf("list changed: %v", got)
	}
}

func TestReplaceMessageIDDuplicateTarget(t *testing.T) {
	s, _ := newTestStore()
	ids := seedMessages(s, "ses_1", 2)

	// The authoritative id already exists in the list: the old slot is
	// removed instead of creating a duplicate.
	s.ReplaceMessageID(ids[0], ids[1])

	got := s.SessionMessageIDs("ses_1")
	if len(got) != 1 || got[0] != ids[1] {
		t.Errorf("list = %v, want [%s]", got, ids[1])
	}
}

func TestMessageInfoMergeFallsBack(t *testing.T) {
	s, _ := newTestStore()
	s.UpsertMessage(MessageUpsert{
		ID:        "msg_1",
		SessionID: "ses_1",
		Info: &types.MessageInfo{
			ID:     "msg_1",
			Role:   types.RoleAssistant,
			Model:  "sonnet",
			Tokens: types.TokenUsage{Input: 10, Output: 20},
			Cost:   0.5,
		},
	})

	// A later metadata-only update without token counts keeps the tokens.
	s.UpsertMessage(MessageUpsert{
		ID:        "msg_1",
		SessionID: "ses_1",
		Info:      &types.MessageInfo{ID: "msg_1", ProviderID: "anthropic"},
	})

	info := s.MessageInfo("msg_1")
	if info.Model != "sonnet" {
		t.Errorf("Model = %q, want sonnet", info.Model)
	}
	if info.ProviderID != "anthropic" {
		t.Errorf("ProviderID = %q, want anthropic", info.ProviderID)
	}
	if info.Tokens.Input != 10 || info.Cost != 0.5 {
		t.Errorf("tokens/cost not preserved: %+v cost=%v", info.Tokens, info.Cost)
	}
}
