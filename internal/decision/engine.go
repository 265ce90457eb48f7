package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/overseer/internal/clock"
	"github.com/basket/overseer/internal/structured"
)

const maxPromptContext = 4 << 10

// Judge is a fast model asked to pick an outcome from a compact context.
type Judge interface {
	Judge(ctx context.Context, prompt string) (string, error)
}

// Recorder receives decision metrics. Implemented by the otel package.
type Recorder interface {
	RecordDecision(ctx context.Context, source, outcome string)
	RecordDecisionCall(ctx context.Context, result string)
}

// Budget bounds model consultation for a run.
type Budget struct {
	MaxCalls    int
	MinInterval time.Duration
	CallTimeout time.Duration
}

// Config configures an Engine.
type Config struct {
	Mode            Mode
	StuckThreshold  time.Duration
	NoProgressPolls int
	ClosingPatterns []string
	Budget          Budget
	// ProlongedAfter is how long a hybrid wait must last before the
	// model is consulted.
	ProlongedAfter time.Duration
	// HardCeiling forces exit_early regardless of mode.
	HardCeiling time.Duration
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Mode:            ModeRules,
		StuckThreshold:  60 * time.Second,
		NoProgressPolls: 10,
		Budget: Budget{
			MaxCalls:    5,
			MinInterval: 5 * time.Second,
			CallTimeout: 1500 * time.Millisecond,
		},
		ProlongedAfter: 10 * time.Second,
		HardCeiling:    10 * time.Minute,
	}
}

// Engine makes decisions for one supervisor run. Its model budget and
// telemetry are shared by every worker the run observes.
type Engine struct {
	cfg      Config
	rules    *Rules
	judge    Judge
	clock    clock.Clock
	logger   *slog.Logger
	recorder Recorder

	mu       sync.Mutex
	calls    int
	lastCall time.Time
	tel      Telemetry
}

// Option configures an Engine.
type Option func(*Engine)

func WithJudge(j Judge) Option         { return func(e *Engine) { e.judge = j } }
func WithClock(c clock.Clock) Option   { return func(e *Engine) { e.clock = c } }
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }
func WithRecorder(r Recorder) Option   { return func(e *Engine) { e.recorder = r } }

// New builds an Engine. Model and hybrid modes without a judge behave
// like rules mode.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeRules
	}
	rules, err := NewRules(cfg.StuckThreshold, cfg.NoProgressPolls, cfg.ClosingPatterns)
	if err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, rules: rules, clock: clock.Real(), logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Mode returns the configured mode.
func (e *Engine) Mode() Mode { return e.cfg.Mode }

// Telemetry returns a copy of the run's counters.
func (e *Engine) Telemetry() Telemetry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tel
}

// Decide evaluates one poll.
func (e *Engine) Decide(ctx context.Context, c Context) Decision {
	d := e.decide(ctx, c)
	if e.recorder != nil {
		e.recorder.RecordDecision(ctx, string(d.Source), string(d.Outcome))
	}
	return d
}

func (e *Engine) decide(ctx context.Context, c Context) Decision {
	if e.cfg.HardCeiling > 0 && c.Elapsed >= e.cfg.HardCeiling {
		return Decision{Outcome: ExitEarly, Reason: fmt.Sprintf("hard ceiling %s reached", e.cfg.HardCeiling), Source: SourceCeiling}
	}

	// A finished worker is never handed to the model; the rules' exit is
	// final.
	ruled := e.rules.Evaluate(c)
	if c.Status.Terminal() || !e.shouldConsult(c, ruled) {
		e.countRule()
		return ruled
	}

	d, ok := e.consult(ctx, c)
	if !ok {
		e.countRule()
		ruled.Source = SourceFallback
		return ruled
	}
	return d
}

// shouldConsult reports whether the model decides this poll. In model
// mode it decides every poll of a live worker and the rule outcome is
// only the fallback; hybrid asks it about prolonged waits alone.
func (e *Engine) shouldConsult(c Context, ruled Decision) bool {
	if e.judge == nil {
		return false
	}
	switch e.cfg.Mode {
	case ModeModel:
		return true
	case ModeHybrid:
		return ruled.Outcome == Wait && (c.Elapsed >= e.cfg.ProlongedAfter || c.NoProgressPolls > 0)
	}
	return false
}

func (e *Engine) countRule() {
	e.mu.Lock()
	e.tel.RuleDecisions++
	e.mu.Unlock()
}

// reserve claims one model call from the budget.
func (e *Engine) reserve() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	b := e.cfg.Budget
	if b.MaxCalls > 0 && e.calls >= b.MaxCalls {
		e.tel.SkippedBudget++
		return false
	}
	if b.MinInterval > 0 && !e.lastCall.IsZero() && now.Sub(e.lastCall) < b.MinInterval {
		e.tel.SkippedBudget++
		return false
	}
	e.calls++
	e.lastCall = now
	return true
}

type judgement struct {
	Decision Outcome `json:"decision"`
	Reason   string  `json:"reason"`
}

var judgementSchema = structured.MustCompile(`{
	"type": "object",
	"properties": {
		"decision": {"type": "string", "enum": ["wait", "exit_early", "cancel", "drill_down"]},
		"reason": {"type": "string"}
	},
	"required": ["decision"]
}`)

func (e *Engine) consult(ctx context.Context, c Context) (Decision, bool) {
	if !e.reserve() {
		e.record(ctx, "skipped_budget")
		return Decision{}, false
	}

	callCtx := ctx
	if t := e.cfg.Budget.CallTimeout; t > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	text, err := e.judge.Judge(callCtx, Prompt(c))
	if err == nil {
		// A judge that ignores its context still loses the race.
		err = callCtx.Err()
	}

	var j judgement
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		e.count(func(t *Telemetry) { t.TimedOut++ })
		e.record(ctx, "timed_out")
		e.logger.Warn("decision model timed out", "timeout", e.cfg.Budget.CallTimeout)
		return Decision{}, false
	case err != nil:
		e.count(func(t *Telemetry) { t.Errored++ })
		e.record(ctx, "errored")
		e.logger.Warn("decision model call failed", "error", err)
		return Decision{}, false
	}
	if err := judgementSchema.Decode(text, &j); err != nil {
		e.count(func(t *Telemetry) { t.Errored++ })
		e.record(ctx, "errored")
		e.logger.Warn("decision model returned unusable output", "error", err)
		return Decision{}, false
	}
	e.count(func(t *Telemetry) { t.Succeeded++ })
	e.record(ctx, "succeeded")
	return Decision{Outcome: j.Decision, Reason: j.Reason, Source: SourceModel}, true
}

func (e *Engine) count(f func(*Telemetry)) {
	e.mu.Lock()
	f(&e.tel)
	e.mu.Unlock()
}

func (e *Engine) record(ctx context.Context, result string) {
	if e.recorder != nil {
		e.recorder.RecordDecisionCall(ctx, result)
	}
}

// Prompt renders the compact context sent to the judge.
func Prompt(c Context) string {
	view := struct {
		ElapsedSec   float64 `json:"elapsed_sec"`
		CurrentOpSec float64 `json:"current_op_elapsed_sec,omitempty"`
		Context
	}{
		ElapsedSec:   c.Elapsed.Seconds(),
		CurrentOpSec: c.CurrentOpElapsed.Seconds(),
		Context:      c,
	}
	data, _ := json.Marshal(view)
	for len(data) > maxPromptContext && view.RecentOutput != "" {
		over := len(data) - maxPromptContext
		keep := len(view.RecentOutput) - over - 16
		if keep < 0 {
			keep = 0
		}
		view.RecentOutput = view.RecentOutput[len(view.RecentOutput)-keep:]
		data, _ = json.Marshal(view)
	}
	return "You monitor a background worker executing an infrastructure task. " +
		"Decide whether the supervisor should wait, exit_early (the answer is already available), " +
		"cancel (the worker is stuck or failing), or drill_down (inspect its output more closely).\n" +
		"Reply with JSON only: {\"decision\": \"...\", \"reason\": \"...\"}\n\n" +
		"Worker state:\n" + string(data)
}
