package types

import "strings"

// =============================================================================
// PART TEXT EXTRACTION UTILITIES
// =============================================================================
//
// These functions flatten the Part union into the single plain-text
// representation used by message classification and summarization. Transports
// deliver part content in several shapes:
//   - plain text / reasoning parts: a flat string
//   - tool parts:                   name + input + output/error strings
//   - file parts:                   a path reference
//   - todo parts:                   a list of items
//   - mixed content arrays:         nested Segment trees of arbitrary depth
//
// Every shape normalizes through the same recursive walk so downstream
// heuristics never branch on payload structure.

// PartText extracts a plain-text representation of a part payload.
// Segment trees are walked recursively; empty fragments are skipped.
func PartText(p Part) string {
	var b strings.Builder
	writePartText(&b, p)
	return strings.TrimSpace(b.String())
}

// RecordText extracts the plain text of every part of a message in arrival
// order, joined by newlines.
func RecordText(m *MessageRecord) string {
	if m == nil {
		return ""
	}
	fragments := make([]string, 0, len(m.PartIDs))
	for _, pr := range m.OrderedParts() {
		if text := PartText(pr.Part); text != "" {
			fragments = append(fragments, text)
		}
	}
	return strings.Join(fragments, "\n")
}

// SegmentText flattens one segment subtree into plain text.
func SegmentText(seg Segment) string {
	var b strings.Builder
	writeSegmentText(&b, seg)
	return strings.TrimSpace(b.String())
}

func writePartText(b *strings.Builder, p Part) {
	switch p.Type {
	case PartTypeText, PartTypeReasoning:
		writeFragment(b, p.Text)
	case PartTypeTool:
		if p.Tool != nil {
			writeFragment(b, p.Tool.Name)
			writeFragment(b, p.Tool.Input)
			if p.Tool.Error != "" {
				writeFragment(b, p.Tool.Error)
			} else {
				writeFragment(b, p.Tool.Output)
			}
		}
	case PartTypeFile:
		if p.File != nil {
			writeFragment(b, p.File.Path)
		}
	case PartTypeTodo:
		for _, item := range p.Todos {
			writeFragment(b, item.Content)
		}
	case PartTypeStepStart, PartTypeStepFinish:
		// Boundary markers carry no text.
	default:
		writeFragment(b, p.Text)
	}
	for _, seg := range p.Segments {
		writeSegmentText(b, seg)
	}
}

func writeSegmentText(b *strings.Builder, seg Segment) {
	writeFragment(b, seg.Text)
	for _, child := range seg.Children {
		writeSegmentText(b, child)
	}
}

func writeFragment(b *strings.Builder, s string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	b.WriteString(s)
}
