package compaction

import (
	"fmt"
	"regexp"
)

// ===== SECRET REDACTION =====

// secretPattern pairs a secret type label with the regex that detects it.
// Specific token formats come before the generic assignment pattern so a
// match gets the most precise label available.
type secretPattern struct {
	Type    string
	Pattern *regexp.Regexp
}

var secretPatterns = []secretPattern{
	{
		Type:    "anthropic_key",
		Pattern: regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{16,}\b`),
	},
	{
		Type:    "api_key",
		Pattern: regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
	},
	{
		Type:    "aws_access_key",
		Pattern: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	},
	{
		Type:    "github_token",
		Pattern: regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`),
	},
	{
		Type:    "jwt",
		Pattern: regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`),
	},
	{
		Type:    "bearer_token",
		Pattern: regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{16,}=*`),
	},
	{
		Type:    "private_key",
		Pattern: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	},
	{
		Type:    "credential",
		Pattern: regexp.MustCompile(`(?i)(password|passwd|secret|api_key|apikey|token|credential)\s*[:=]\s*["'][^"']{8,}["']`),
	},
}

// Finding reports that secrets of one type were found and replaced. Only the
// type and count are carried; the matched value is never retained.
type Finding struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Redactor strips secret material from text before it is stored. Callers log
// the findings to the audit trail; the redacted values themselves are gone.
type Redactor struct {
	patterns []secretPattern
}

// NewRedactor returns a redactor with the built-in pattern set.
func NewRedactor() *Redactor {
	return &Redactor{patterns: secretPatterns}
}

// Redact replaces every secret match in text with a "[REDACTED:type]" tag and
// returns the cleaned text plus one finding per secret type, in pattern
// order. A nil finding slice means the text was already clean.
func (r *Redactor) Redact(text string) (string, []Finding) {
	if text == "" {
		return text, nil
	}
	var findings []Finding
	for _, sp := range r.patterns {
		matches := sp.Pattern.FindAllStringIndex(text, -1)
		if len(matches) == 0 {
			continue
		}
		text = sp.Pattern.ReplaceAllString(text, fmt.Sprintf("[REDACTED:%s]", sp.Type))
		findings = append(findings, Finding{Type: sp.Type, Count: len(matches)})
	}
	return text, findings
}
