// Package safety screens text that flows from tools back into model
// prompts.
package safety

import (
	"regexp"
	"strings"
)

// Severity grades a finding.
type Severity int

const (
	SeverityNone Severity = iota
	// SeverityMarker is a chat-template or role tag; suspicious on its own
	// but common in logs that quote model traffic.
	SeverityMarker
	// SeverityDirective is text addressed at the model itself.
	SeverityDirective
)

func (s Severity) String() string {
	switch s {
	case SeverityMarker:
		return "marker"
	case SeverityDirective:
		return "directive"
	}
	return "none"
}

// Finding is the outcome of Screen.
type Finding struct {
	Severity Severity
	Reason   string
}

// Flagged reports whether anything matched.
func (f Finding) Flagged() bool { return f.Severity != SeverityNone }

type injectionPattern struct {
	re       *regexp.Regexp
	severity Severity
	reason   string
}

var injectionPatterns = []injectionPattern{
	{
		re:       regexp.MustCompile(`(?i)\b(ignore|disregard)\s+(all\s+)?(the\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)\b`),
		severity: SeverityDirective,
		reason:   "instruction override",
	},
	{
		re:       regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the)\s+\w+`),
		severity: SeverityDirective,
		reason:   "identity override",
	},
	{
		re:       regexp.MustCompile(`(?i)\b(new\s+instructions?\s*:|override\s+(the\s+)?system\s+prompt|system\s+prompt\s+override)`),
		severity: SeverityDirective,
		reason:   "system prompt override",
	},
	{
		re:       regexp.MustCompile(`(?i)\bforget\s+(everything|all)\s+(you|instructions?|above)`),
		severity: SeverityDirective,
		reason:   "memory wipe",
	},
	{
		re:       regexp.MustCompile(`(?i)\b(reveal|print|output|repeat)\s+(\w+\s+)?your\s+(system\s+)?(prompt|instructions?)\b`),
		severity: SeverityDirective,
		reason:   "prompt extraction",
	},
	{
		re:       regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		severity: SeverityMarker,
		reason:   "[SYSTEM] tag",
	},
	{
		re:       regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		severity: SeverityMarker,
		reason:   "chat template tag",
	},
}

// Screen looks for prompt-injection text. The strongest match wins;
// input is never modified.
func Screen(text string) Finding {
	if strings.TrimSpace(text) == "" {
		return Finding{}
	}
	var best Finding
	for _, pat := range injectionPatterns {
		if pat.severity <= best.Severity {
			continue
		}
		if pat.re.MatchString(text) {
			best = Finding{Severity: pat.severity, Reason: pat.reason}
		}
	}
	return best
}
