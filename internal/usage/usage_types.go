// Package usage maintains running token/cost totals per session from
// per-message usage entries. Entries are extracted from message metadata,
// aggregated into session-level sums, and expose a "latest" pointer that
// stands for the session's current context footprint.
package usage

import (
	"time"

	"codenomad/internal/types"
)

// Entry is the per-message token/cost snapshot feeding session totals.
// CombinedTokens is the message's context footprint: for summary messages
// the output alone (their declared purpose is the whole context), otherwise
// input + cache reads + cache writes + output + reasoning.
type Entry struct {
	MessageID       string    `json:"message_id"`
	Timestamp       time.Time `json:"timestamp"`
	Input           int64     `json:"input"`
	Output          int64     `json:"output"`
	Reasoning       int64     `json:"reasoning,omitempty"`
	CacheRead       int64     `json:"cache_read,omitempty"`
	CacheWrite      int64     `json:"cache_write,omitempty"`
	Cost            float64   `json:"cost,omitempty"`
	CombinedTokens  int64     `json:"combined_tokens"`
	HasContextUsage bool      `json:"has_context_usage"`
}

// Totals are the additive session-level sums.
type Totals struct {
	Input      int64   `json:"input"`
	Output     int64   `json:"output"`
	Reasoning  int64   `json:"reasoning"`
	CacheRead  int64   `json:"cache_read"`
	CacheWrite int64   `json:"cache_write"`
	Cost       float64 `json:"cost"`
}

// Add folds an entry into the totals.
func (t *Totals) Add(e Entry) {
	t.Input += e.Input
	t.Output += e.Output
	t.Reasoning += e.Reasoning
	t.CacheRead += e.CacheRead
	t.CacheWrite += e.CacheWrite
	t.Cost += e.Cost
}

// Subtract removes an entry's contribution from the totals.
func (t *Totals) Subtract(e Entry) {
	t.Input -= e.Input
	t.Output -= e.Output
	t.Reasoning -= e.Reasoning
	t.CacheRead -= e.CacheRead
	t.CacheWrite -= e.CacheWrite
	t.Cost -= e.Cost
}

// SessionState is the aggregated view handed to consumers. Latest is the
// entry with the greatest timestamp, ties broken by keeping the earlier
// arrival.
type SessionState struct {
	Totals     Totals `json:"totals"`
	Latest     *Entry `json:"latest,omitempty"`
	EntryCount int    `json:"entry_count"`
}

// ContextTokens returns the session's current context footprint: the latest
// entry's combined figure, or 0 when no entry carries context usage.
func (s SessionState) ContextTokens() int64 {
	if s.Latest == nil || !s.Latest.HasContextUsage {
		return 0
	}
	return s.Latest.CombinedTokens
}

// ExtractEntry derives a usage entry from message metadata. Returns nil for
// non-assistant messages and for messages that report no token counts at
// all: user turns and unfinished streams contribute nothing to usage.
func ExtractEntry(info types.MessageInfo) *Entry {
	if info.Role != types.RoleAssistant {
		return nil
	}
	if info.Tokens.IsZero() && info.Cost == 0 {
		return nil
	}

	combined := info.Tokens.Input + info.Tokens.CacheRead + info.Tokens.CacheWrite +
		info.Tokens.Output + info.Tokens.Reasoning
	if info.Summary {
		combined = info.Tokens.Output
	}

	ts := info.CompletedAt
	if ts.IsZero() {
		ts = info.CreatedAt
	}

	return &Entry{
		MessageID:       info.ID,
		Timestamp:       ts,
		Input:           info.Tokens.Input,
		Output:          info.Tokens.Output,
		Reasoning:       info.Tokens.Reasoning,
		CacheRead:       info.Tokens.CacheRead,
		CacheWrite:      info.Tokens.CacheWrite,
		Cost:            info.Cost,
		CombinedTokens:  combined,
		HasContextUsage: !info.Tokens.IsZero(),
	}
}
