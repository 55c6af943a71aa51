package types

import "time"

// CompactionMode selects the reduction strategy.
type CompactionMode string

const (
	ModeCompact CompactionMode = "compact"
	ModePrune   CompactionMode = "prune"
)

// CompactionEvent is the audit record appended to a session's compaction
// history. Events are serializable as-is: the export path writes one JSON
// object per line. Timestamp is unix milliseconds.
type CompactionEvent struct {
	ID                 string         `json:"id"`
	SessionID          string         `json:"session_id"`
	Mode               CompactionMode `json:"mode"`
	Trigger            string         `json:"trigger"`
	TokensBefore       int            `json:"tokens_before"`
	TokensAfter        int            `json:"tokens_after"`
	ReductionPct       float64        `json:"reduction_pct"`
	MessagesCompressed int            `json:"messages_compressed"`
	PartsPruned        int            `json:"parts_pruned,omitempty"`
	SnapshotID         string         `json:"snapshot_id,omitempty"`
	SummaryMessageID   string         `json:"summary_message_id,omitempty"`
	Timestamp          int64          `json:"ts"`
}

// Snapshot is a deep copy of a session's entire message set taken before a
// destructive compaction. Order is the session's pre-compaction id list;
// Infos mirrors the metadata cache for the captured messages. Snapshots are
// retained under a bounded rolling window, oldest evicted first.
type Snapshot struct {
	ID        string                    `json:"id"`
	SessionID string                    `json:"session_id"`
	TakenAt   time.Time                 `json:"taken_at"`
	Order     []string                  `json:"order"`
	Messages  map[string]*MessageRecord `json:"messages"`
	Infos     map[string]*MessageInfo   `json:"infos,omitempty"`
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Order = append([]string(nil), s.Order...)
	out.Messages = make(map[string]*MessageRecord, len(s.Messages))
	for id, rec := range s.Messages {
		out.Messages[id] = rec.Clone()
	}
	if s.Infos != nil {
		out.Infos = make(map[string]*MessageInfo, len(s.Infos))
		for id, info := range s.Infos {
			out.Infos[id] = info.Clone()
		}
	}
	return &out
}
