package decision

import (
	"fmt"
	"regexp"
	"time"
)

// DefaultClosingPatterns match tool output that reads like a finished
// task.
var DefaultClosingPatterns = []string{
	`(?i)\b(task|job|operation|deployment|backup|migration)\s+(complete|completed|finished|succeeded|done)\b`,
	`(?i)\ball (checks|tests) passed\b`,
	`(?i)\b(successfully|finished) (installed|updated|restarted|deployed|applied)\b`,
	`(?i)\bexit(ed)? (code|status) 0\b`,
}

// Rules is the deterministic decision function.
type Rules struct {
	StuckThreshold  time.Duration
	NoProgressPolls int
	closing         []*regexp.Regexp
}

// NewRules compiles closing patterns. A nil patterns slice uses
// DefaultClosingPatterns.
func NewRules(stuck time.Duration, noProgress int, patterns []string) (*Rules, error) {
	if patterns == nil {
		patterns = DefaultClosingPatterns
	}
	r := &Rules{StuckThreshold: stuck, NoProgressPolls: noProgress}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("closing pattern %q: %w", p, err)
		}
		r.closing = append(r.closing, re)
	}
	return r, nil
}

// Evaluate maps a context to an outcome. Checks run in priority order,
// so a finished worker is never cancelled for being slow.
func (r *Rules) Evaluate(c Context) Decision {
	if c.Status.Terminal() {
		return Decision{Outcome: ExitEarly, Reason: "worker reached " + string(c.Status), Source: SourceRules}
	}
	if c.LastOpCompleted && c.CurrentOp == "" {
		for _, re := range r.closing {
			if re.MatchString(c.RecentOutput) {
				return Decision{Outcome: ExitEarly, Reason: "closing language in recent output", Source: SourceRules}
			}
		}
	}
	if c.CurrentOp != "" && r.StuckThreshold > 0 && c.CurrentOpElapsed >= r.StuckThreshold {
		return Decision{
			Outcome: Cancel,
			Reason:  fmt.Sprintf("%s running for %s, past stuck threshold %s", c.CurrentOp, c.CurrentOpElapsed.Round(time.Second), r.StuckThreshold),
			Source:  SourceRules,
		}
	}
	if r.NoProgressPolls > 0 && c.NoProgressPolls >= r.NoProgressPolls {
		return Decision{
			Outcome: Cancel,
			Reason:  fmt.Sprintf("no progress for %d consecutive polls", c.NoProgressPolls),
			Source:  SourceRules,
		}
	}
	return Decision{Outcome: Wait, Reason: "worker making progress", Source: SourceRules}
}
