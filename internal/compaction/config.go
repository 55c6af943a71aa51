// Package compaction reduces a session's history to a summary plus preserved
// messages once the context window fills up. Runs are snapshotted so they can
// be undone, and every run leaves an audit event behind.
package compaction

// Config holds the tunables for the compaction engine. The thresholds and the
// damping factor are heuristics carried over from production tuning; treat
// them as knobs, not derived constants.
type Config struct {
	// Model context window the budget is measured against
	ContextWindowTokens int64

	// Usage ratio at which compaction is suggested to the user
	SuggestThreshold float64

	// Usage ratio at which compaction fires automatically
	AutoThreshold float64

	// Messages always retained verbatim at the tail of the session
	RecentMessagesToKeep int

	// Extra messages kept beyond the recent window for continuity
	OverlapSize int

	// How many trailing system messages survive compaction
	SystemMessagesToKeep int

	// How many trailing error messages survive compaction
	ErrorMessagesToKeep int

	// Sessions at or below this length are never compacted
	MinMessages int

	// Scales the estimated token reduction of a run
	DampingFactor float64

	// How many undo snapshots are kept per session
	SnapshotRetention int

	// Prune mode stops once this many tokens are reclaimed
	PruneReclaimTokens int64

	// Parts below this token count are never pruned unless tool output
	PruneMinPartTokens int64

	// Text substituted for pruned part content
	PrunePlaceholder string

	// Scrub secret-looking strings from summaries
	RedactSecrets bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ContextWindowTokens:  200000,
		SuggestThreshold:     0.75,
		AutoThreshold:        0.80,
		RecentMessagesToKeep: 10,
		OverlapSize:          5,
		SystemMessagesToKeep: 3,
		ErrorMessagesToKeep:  3,
		MinMessages:          5,
		DampingFactor:        0.7,
		SnapshotRetention:    10,
		PruneReclaimTokens:   20000,
		PruneMinPartTokens:   500,
		PrunePlaceholder:     "[pruned]",
		RedactSecrets:        true,
	}
}

// WindowSize returns how many trailing messages are always kept verbatim.
func (c Config) WindowSize() int {
	return c.RecentMessagesToKeep + c.OverlapSize
}
