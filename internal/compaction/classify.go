package compaction

import (
	"strings"

	"codenomad/internal/types"
)

// ===== MESSAGE CLASSIFICATION =====

// Marker vocabularies for content-based classification. Matching is
// case-insensitive substring search over the flattened message text.
var (
	fileOpMarkers = []string{
		"created file",
		"wrote file",
		"write_to_file",
		"edited file",
		"modified file",
		"deleted file",
		"renamed file",
		"moved file",
		"apply_patch",
		"applied patch",
		"applied diff",
	}

	decisionMarkers = []string{
		"decided",
		"decision:",
		"going with",
		"approach:",
		"settled on",
		"chose to",
		"we will use",
		"agreed on",
	}

	errorMarkers = []string{
		"error:",
		"failed",
		"failure",
		"exception",
		"panic:",
		"traceback",
		"cannot ",
		"could not",
	}

	systemMarkers = []string{
		"<system",
		"[system",
		"system prompt",
	}
)

// Tool names that imply a file operation even when the surrounding text
// carries no marker. Matched case-insensitively against tool part names.
var fileOpTools = map[string]bool{
	"write_to_file": true,
	"write_file":    true,
	"create_file":   true,
	"edit_file":     true,
	"apply_patch":   true,
	"apply_diff":    true,
	"delete_file":   true,
	"move_file":     true,
	"rename_file":   true,
}

// flags holds the classification of a single message. A message can carry
// several at once; preservation unions them.
type flags struct {
	system    bool
	fileOp    bool
	decision  bool
	errorLike bool
}

func (f flags) any() bool {
	return f.system || f.fileOp || f.decision || f.errorLike
}

// classify inspects one message's role, status, parts and flattened text and
// reports which preservation categories it belongs to.
func classify(m *types.MessageRecord) flags {
	var f flags
	if m == nil {
		return f
	}

	// Role and status signal ahead of content. Roles outside the local
	// vocabulary (wire streams may attach system turns) count as system.
	if m.Role == "system" {
		f.system = true
	}
	if m.Status == types.StatusError {
		f.errorLike = true
	}

	for _, pr := range m.OrderedParts() {
		if pr.Part.Type != types.PartTypeTool || pr.Part.Tool == nil {
			continue
		}
		tc := pr.Part.Tool
		if fileOpTools[strings.ToLower(tc.Name)] {
			f.fileOp = true
		}
		if tc.Status == types.ToolError || tc.Error != "" {
			f.errorLike = true
		}
	}

	text := strings.ToLower(types.RecordText(m))
	if text == "" {
		return f
	}
	if !f.fileOp && containsAny(text, fileOpMarkers) {
		f.fileOp = true
	}
	if !f.decision && containsAny(text, decisionMarkers) {
		f.decision = true
	}
	if !f.errorLike && containsAny(text, errorMarkers) {
		f.errorLike = true
	}
	if !f.system && containsAny(text, systemMarkers) {
		f.system = true
	}
	return f
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// ===== SESSION-WIDE PRESERVATION =====

// classifySession walks the session's messages in order and returns the set
// of message ids that must survive compaction verbatim regardless of window
// position: every file operation, every decision, the last
// SystemMessagesToKeep system messages and the last ErrorMessagesToKeep
// error messages.
func classifySession(records []*types.MessageRecord, cfg Config) map[string]bool {
	preserved := make(map[string]bool)
	var systemIdx, errorIdx []int

	for i, m := range records {
		if m == nil {
			continue
		}
		f := classify(m)
		if f.fileOp || f.decision {
			preserved[m.ID] = true
		}
		if f.system {
			systemIdx = append(systemIdx, i)
		}
		if f.errorLike {
			errorIdx = append(errorIdx, i)
		}
	}

	for _, i := range tail(systemIdx, cfg.SystemMessagesToKeep) {
		preserved[records[i].ID] = true
	}
	for _, i := range tail(errorIdx, cfg.ErrorMessagesToKeep) {
		preserved[records[i].ID] = true
	}
	return preserved
}

// tail returns the last n elements of idx, or all of them when fewer exist.
func tail(idx []int, n int) []int {
	if n <= 0 {
		return nil
	}
	if len(idx) <= n {
		return idx
	}
	return idx[len(idx)-n:]
}

// splitWindow partitions an ordered id list into the compressible prefix and
// the retained recent window of size keep. Everything in the window survives
// untouched; the prefix is the compaction candidate set.
func splitWindow(order []string, keep int) (prefix, window []string) {
	if keep < 0 {
		keep = 0
	}
	if len(order) <= keep {
		return nil, order
	}
	cut := len(order) - keep
	return order[:cut], order[cut:]
}
