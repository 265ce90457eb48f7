// Package decision decides, on each poll of a running worker, whether
// the supervisor should keep waiting, stop waiting, cancel the worker or
// look closer at its output.
package decision

import (
	"fmt"
	"time"

	"github.com/basket/overseer/internal/artifact"
)

// Outcome is the action the supervisor takes after a poll.
type Outcome string

const (
	Wait      Outcome = "wait"
	ExitEarly Outcome = "exit_early"
	Cancel    Outcome = "cancel"
	DrillDown Outcome = "drill_down"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case Wait, ExitEarly, Cancel, DrillDown:
		return true
	}
	return false
}

// Mode selects how decisions are made.
type Mode string

const (
	ModeRules  Mode = "rules"
	ModeModel  Mode = "model"
	ModeHybrid Mode = "hybrid"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeRules, ModeModel, ModeHybrid:
		return m, nil
	case "":
		return ModeRules, nil
	default:
		return "", fmt.Errorf("unknown decision mode %q", s)
	}
}

// Source records which path produced a decision.
type Source string

const (
	SourceRules    Source = "rules"
	SourceModel    Source = "model"
	SourceFallback Source = "fallback"
	SourceCeiling  Source = "ceiling"
)

// Context is the per-poll snapshot of a worker. It is never persisted.
type Context struct {
	Elapsed          time.Duration   `json:"-"`
	CurrentOp        string          `json:"current_op,omitempty"`
	CurrentOpElapsed time.Duration   `json:"-"`
	CompletedOps     int             `json:"completed_ops"`
	FailedOps        int             `json:"failed_ops"`
	NoProgressPolls  int             `json:"no_progress_polls"`
	Status           artifact.Status `json:"status"`
	LastOpCompleted  bool            `json:"last_op_completed"`
	RecentOutput     string          `json:"recent_output,omitempty"`
}

// Decision is the result of one poll.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason"`
	Source  Source  `json:"source"`
}

// Telemetry counts model-assisted decision attempts for a run.
type Telemetry struct {
	Succeeded     int `json:"succeeded"`
	TimedOut      int `json:"timed_out"`
	Errored       int `json:"errored"`
	SkippedBudget int `json:"skipped_budget"`
	RuleDecisions int `json:"rule_decisions"`
}

// Attempts returns the number of model calls actually made.
func (t Telemetry) Attempts() int {
	return t.Succeeded + t.TimedOut + t.Errored
}
