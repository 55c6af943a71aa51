package types

import "time"

// TokenUsage is the raw token accounting a provider reports for one message.
type TokenUsage struct {
	Input      int64 `json:"input"`
	Output     int64 `json:"output"`
	Reasoning  int64 `json:"reasoning,omitempty"`
	CacheRead  int64 `json:"cache_read,omitempty"`
	CacheWrite int64 `json:"cache_write,omitempty"`
}

// Total returns the sum of all token fields.
func (t TokenUsage) Total() int64 {
	return t.Input + t.Output + t.Reasoning + t.CacheRead + t.CacheWrite
}

// IsZero reports whether no token counts were recorded.
func (t TokenUsage) IsZero() bool {
	return t.Total() == 0
}

// MessageInfo is the per-message metadata side record. The store caches it
// separately from MessageRecord, versioned by an independent counter, so
// metadata-only updates never invalidate content caches. Summary marks
// messages authored by the compaction engine; their output tokens stand for
// the whole context they replaced.
type MessageInfo struct {
	ID          string     `json:"id"`
	Role        Role       `json:"role"`
	ProviderID  string     `json:"provider_id,omitempty"`
	Model       string     `json:"model,omitempty"`
	Summary     bool       `json:"summary,omitempty"`
	Tokens      TokenUsage `json:"tokens"`
	Cost        float64    `json:"cost,omitempty"`
	CreatedAt   time.Time  `json:"created_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
}

// Clone returns a copy of the info record.
func (i *MessageInfo) Clone() *MessageInfo {
	if i == nil {
		return nil
	}
	out := *i
	return &out
}
