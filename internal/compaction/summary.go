package compaction

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"codenomad/internal/types"
)

// ===== STRUCTURED SUMMARY =====

// summaryHeader opens every summary message so downstream consumers can
// recognize compaction output.
const summaryHeader = "[Previous conversation summary]"

// maxListItems caps each extracted list so a summary of a huge session stays
// readable.
const maxListItems = 5

// currentStateRunes caps the free-text current-state excerpt.
const currentStateRunes = 200

// Summary is the structured result of summarizing a compress set. All fields
// are heuristic extractions; empty slices simply render as omitted sections.
type Summary struct {
	Goals            []string          `json:"goals,omitempty"`
	Completed        []string          `json:"completed,omitempty"`
	FileOperations   []FileOperation   `json:"file_operations,omitempty"`
	Decisions        []Decision        `json:"decisions,omitempty"`
	ErrorResolutions []ErrorResolution `json:"error_resolutions,omitempty"`
	CurrentState     string            `json:"current_state,omitempty"`
	NextSteps        []string          `json:"next_steps,omitempty"`
	Blockers         []string          `json:"blockers,omitempty"`
	MessageCount     int               `json:"message_count"`
}

// FileOperation records one file touched during the compressed span.
type FileOperation struct {
	Path   string `json:"path"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Decision records one choice the conversation settled on.
type Decision struct {
	Topic     string `json:"topic"`
	Decision  string `json:"decision"`
	Rationale string `json:"rationale,omitempty"`
}

// ErrorResolution pairs an error with how (or whether) it was resolved.
type ErrorResolution struct {
	Error      string `json:"error"`
	Resolution string `json:"resolution"`
}

// Summarizer produces a Summary from the messages selected for compression.
// The default implementation is pattern-based; an LLM-backed one can be
// plugged in from outside, in which case the engine falls back to the
// heuristic when it errors.
type Summarizer interface {
	Summarize(ctx context.Context, records []*types.MessageRecord) (*Summary, error)
}

// ===== HEURISTIC EXTRACTION =====

// Marker vocabularies for the extraction passes. As with classification,
// matching is case-insensitive substring search per line.
var (
	goalMarkers = []string{
		"i want", "i need", "please ", "can you", "could you",
		"implement ", "build ", "add ", "fix ", "create ", "help me",
	}
	completedMarkers = []string{
		"completed", "done", "finished", "implemented", "fixed",
		"resolved", "all tests pass", "now works",
	}
	nextStepMarkers = []string{
		"next step", "next:", "next up", "still need", "remaining",
		"todo:", "then we", "after that",
	}
	blockerMarkers = []string{
		"blocked", "blocker", "waiting on", "waiting for",
		"cannot proceed", "stuck on",
	}
	resolutionMarkers = []string{
		"fixed", "resolved", "works now", "passing", "sorted",
		"no longer fails",
	}
	rationaleMarkers = []string{
		"because", "since ", "so that", "to avoid", "as it",
	}
)

var fileOpLineRe = regexp.MustCompile(`(?i)\b(created|wrote|edited|modified|deleted|renamed|moved)\s+(?:the\s+)?file\s*:?\s+([^\s,;"']+)`)

// HeuristicSummarizer derives a Summary without calling a model. It is the
// engine's default and its fallback when an external summarizer fails.
type HeuristicSummarizer struct{}

// NewHeuristicSummarizer returns the pattern-based summarizer.
func NewHeuristicSummarizer() *HeuristicSummarizer {
	return &HeuristicSummarizer{}
}

// Summarize extracts goals, completions, file operations, decisions, error
// resolutions, next steps, blockers and a current-state excerpt from the
// records. It never fails; the error return satisfies Summarizer.
func (h *HeuristicSummarizer) Summarize(_ context.Context, records []*types.MessageRecord) (*Summary, error) {
	s := &Summary{MessageCount: len(records)}
	for i, m := range records {
		if m == nil {
			continue
		}
		text := types.RecordText(m)
		lines := splitLines(text)

		if m.Role == types.RoleUser {
			s.Goals = appendCapped(s.Goals, matchLines(lines, goalMarkers))
		} else {
			s.Completed = appendCapped(s.Completed, matchLines(lines, completedMarkers))
		}
		s.FileOperations = appendFileOps(s.FileOperations, m, lines)
		s.Decisions = appendDecisions(s.Decisions, lines)
		s.NextSteps = appendCapped(s.NextSteps, matchLines(lines, nextStepMarkers))
		s.NextSteps = appendCapped(s.NextSteps, openTodoItems(m))
		s.Blockers = appendCapped(s.Blockers, matchLines(lines, blockerMarkers))

		if classify(m).errorLike {
			s.ErrorResolutions = appendErrorResolution(s.ErrorResolutions, lines, records[i+1:])
		}
	}
	if last := lastText(records); last != "" {
		s.CurrentState = tailRunes(last, currentStateRunes)
	}
	return s, nil
}

// RenderText produces the human-readable body of the summary message. Empty
// sections are skipped entirely.
func (s *Summary) RenderText() string {
	var b strings.Builder
	b.WriteString(summaryHeader)
	b.WriteString("\n")

	writeList(&b, "Goals", s.Goals)
	writeList(&b, "Completed", s.Completed)

	if len(s.FileOperations) > 0 {
		b.WriteString("\nFile operations:\n")
		for _, op := range s.FileOperations {
			b.WriteString(fmt.Sprintf("- %s (%s)", op.Path, op.Action))
			if op.Reason != "" {
				b.WriteString(": " + op.Reason)
			}
			b.WriteString("\n")
		}
	}
	if len(s.Decisions) > 0 {
		b.WriteString("\nDecisions:\n")
		for _, d := range s.Decisions {
			b.WriteString("- " + d.Decision)
			if d.Rationale != "" {
				b.WriteString(" (" + d.Rationale + ")")
			}
			b.WriteString("\n")
		}
	}
	if len(s.ErrorResolutions) > 0 {
		b.WriteString("\nErrors and resolutions:\n")
		for _, er := range s.ErrorResolutions {
			b.WriteString(fmt.Sprintf("- %s => %s\n", er.Error, er.Resolution))
		}
	}
	if s.CurrentState != "" {
		b.WriteString("\nCurrent state:\n")
		b.WriteString(s.CurrentState)
		b.WriteString("\n")
	}
	writeList(&b, "Next steps", s.NextSteps)
	writeList(&b, "Blockers", s.Blockers)

	b.WriteString(fmt.Sprintf("\n(%d earlier messages compressed)\n", s.MessageCount))
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	b.WriteString("\n" + title + ":\n")
	for _, it := range items {
		b.WriteString("- " + it + "\n")
	}
}

// ===== EXTRACTION HELPERS =====

func splitLines(text string) []string {
	raw := strings.Split(text, "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// matchLines returns each line containing any marker, trimmed to a readable
// length.
func matchLines(lines []string, markers []string) []string {
	var out []string
	for _, l := range lines {
		if containsAny(strings.ToLower(l), markers) {
			out = append(out, headRunes(l, 120))
		}
	}
	return out
}

// appendCapped merges items into list, deduplicating and respecting
// maxListItems.
func appendCapped(list, items []string) []string {
	for _, it := range items {
		if len(list) >= maxListItems {
			return list
		}
		if it == "" || containsString(list, it) {
			continue
		}
		list = append(list, it)
	}
	return list
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// appendFileOps collects file operations from tool parts, file parts, and
// prose lines. The reason is the message's first line, which in practice
// states what the turn was doing.
func appendFileOps(ops []FileOperation, m *types.MessageRecord, lines []string) []FileOperation {
	reason := ""
	if len(lines) > 0 {
		reason = headRunes(lines[0], 100)
	}
	add := func(path, action string) []FileOperation {
		if path == "" || len(ops) >= maxListItems {
			return ops
		}
		for _, op := range ops {
			if op.Path == path && op.Action == action {
				return ops
			}
		}
		return append(ops, FileOperation{Path: path, Action: action, Reason: reason})
	}

	for _, pr := range m.OrderedParts() {
		switch pr.Part.Type {
		case types.PartTypeTool:
			if pr.Part.Tool != nil && fileOpTools[strings.ToLower(pr.Part.Tool.Name)] {
				ops = add(pathFromToolInput(pr.Part.Tool.Input), actionFromToolName(pr.Part.Tool.Name))
			}
		case types.PartTypeFile:
			if pr.Part.File != nil {
				ops = add(pr.Part.File.Path, "modified")
			}
		}
	}
	for _, l := range lines {
		if sub := fileOpLineRe.FindStringSubmatch(l); sub != nil {
			ops = add(sub[2], strings.ToLower(sub[1]))
		}
	}
	return ops
}

var toolPathRe = regexp.MustCompile(`"(?:path|file_path|filename|file)"\s*:\s*"([^"]+)"`)

// pathFromToolInput pulls a path out of a tool's raw input, which is usually
// a small JSON object.
func pathFromToolInput(input string) string {
	if sub := toolPathRe.FindStringSubmatch(input); sub != nil {
		return sub[1]
	}
	return ""
}

func actionFromToolName(name string) string {
	name = strings.ToLower(name)
	switch {
	case strings.Contains(name, "delete"):
		return "deleted"
	case strings.Contains(name, "edit"), strings.Contains(name, "patch"), strings.Contains(name, "diff"):
		return "edited"
	case strings.Contains(name, "move"), strings.Contains(name, "rename"):
		return "moved"
	default:
		return "created"
	}
}

// appendDecisions extracts decision lines, splitting off an inline rationale
// clause when one is present.
func appendDecisions(ds []Decision, lines []string) []Decision {
	for _, l := range lines {
		if len(ds) >= maxListItems {
			return ds
		}
		lower := strings.ToLower(l)
		if !containsAny(lower, decisionMarkers) {
			continue
		}
		decision := headRunes(l, 120)
		rationale := ""
		for _, rm := range rationaleMarkers {
			if idx := strings.Index(lower, rm); idx > 0 {
				rationale = headRunes(strings.TrimSpace(l[idx:]), 100)
				decision = headRunes(strings.TrimSpace(strings.TrimRight(l[:idx], ",. ")), 120)
				break
			}
		}
		dup := false
		for _, d := range ds {
			if d.Decision == decision {
				dup = true
				break
			}
		}
		if !dup {
			ds = append(ds, Decision{
				Topic:     headRunes(decision, 40),
				Decision:  decision,
				Rationale: rationale,
			})
		}
	}
	return ds
}

// appendErrorResolution records the first error line of a message together
// with the first resolution-sounding line from the messages after it.
func appendErrorResolution(ers []ErrorResolution, lines []string, after []*types.MessageRecord) []ErrorResolution {
	if len(ers) >= maxListItems {
		return ers
	}
	errLine := ""
	for _, l := range lines {
		if containsAny(strings.ToLower(l), errorMarkers) {
			errLine = headRunes(l, 120)
			break
		}
	}
	if errLine == "" && len(lines) > 0 {
		errLine = headRunes(lines[0], 120)
	}
	if errLine == "" {
		return ers
	}
	resolution := "unresolved"
	for _, m := range after {
		if m == nil || m.Role != types.RoleAssistant {
			continue
		}
		for _, l := range splitLines(types.RecordText(m)) {
			if containsAny(strings.ToLower(l), resolutionMarkers) {
				resolution = headRunes(l, 120)
				break
			}
		}
		if resolution != "unresolved" {
			break
		}
	}
	for _, er := range ers {
		if er.Error == errLine {
			return ers
		}
	}
	return append(ers, ErrorResolution{Error: errLine, Resolution: resolution})
}

// openTodoItems lists the unfinished entries of any todo-snapshot parts.
func openTodoItems(m *types.MessageRecord) []string {
	var out []string
	for _, pr := range m.OrderedParts() {
		if pr.Part.Type != types.PartTypeTodo {
			continue
		}
		for _, td := range pr.Part.Todos {
			if td.Status == "completed" || td.Content == "" {
				continue
			}
			out = append(out, headRunes(td.Content, 120))
		}
	}
	return out
}

// lastText returns the flattened text of the last record that has any.
func lastText(records []*types.MessageRecord) string {
	for i := len(records) - 1; i >= 0; i-- {
		if t := types.RecordText(records[i]); t != "" {
			return t
		}
	}
	return ""
}

// headRunes truncates s to at most n runes, marking the cut with an ellipsis.
func headRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// tailRunes keeps the last n runes of s; the current-state excerpt wants the
// end of the conversation, not the start.
func tailRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return "..." + string(r[len(r)-n:])
}
