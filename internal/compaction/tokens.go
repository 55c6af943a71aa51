package compaction

import (
	"unicode/utf8"

	"codenomad/internal/types"
)

// =============================================================================
// Token Counting Utilities
// =============================================================================
// Token estimation for context budget management. The heuristic is calibrated
// for Claude's tokenizer (~4 characters per token); exact counts are not
// needed because every consumer compares against ratios or large thresholds.

// TokenCounter provides token counting functionality.
type TokenCounter struct {
	// Calibration factor (characters per token)
	charsPerToken float64
}

// NewTokenCounter creates a new token counter with default calibration.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{
		charsPerToken: 4.0, // Claude's approximate ratio
	}
}

// CountString estimates tokens in a string.
func (tc *TokenCounter) CountString(s string) int64 {
	if s == "" {
		return 0
	}
	// Use rune count for proper unicode handling
	runeCount := utf8.RuneCountInString(s)
	return int64(float64(runeCount) / tc.charsPerToken)
}

// CountPart estimates tokens for a single part.
func (tc *TokenCounter) CountPart(p types.Part) int64 {
	// Structural overhead: type tag, ids, framing
	return 4 + tc.CountString(types.PartText(p))
}

// CountMessage estimates tokens for a message record.
func (tc *TokenCounter) CountMessage(m *types.MessageRecord) int64 {
	if m == nil {
		return 0
	}
	tokens := int64(10) // Base overhead (role, timestamps, ids)
	for _, part := range m.OrderedParts() {
		tokens += tc.CountPart(part.Part)
	}
	return tokens
}

// CountMessages estimates tokens for a slice of records.
func (tc *TokenCounter) CountMessages(records []*types.MessageRecord) int64 {
	var total int64
	for _, m := range records {
		total += tc.CountMessage(m)
	}
	return total
}
