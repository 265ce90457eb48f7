// Package worker runs disposable workers. Each worker is a goroutine
// that loops reason → tool call → reason until it has an answer, writing
// every step to its artifact record and announcing progress on the bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/overseer/internal/artifact"
	"github.com/basket/overseer/internal/audit"
	"github.com/basket/overseer/internal/bus"
	"github.com/basket/overseer/internal/clock"
	"github.com/basket/overseer/internal/credentials"
	otelpkg "github.com/basket/overseer/internal/otel"
	"github.com/basket/overseer/internal/safety"
	"github.com/basket/overseer/internal/shared"
	"github.com/basket/overseer/internal/tools"
)

var (
	ErrNotRunning = errors.New("worker: not running")
	ErrDraining   = errors.New("worker: runtime is draining")
)

var errCeiling = errors.New("execution ceiling exceeded")

// cancelCause carries the reason given to Cancel.
type cancelCause struct{ reason string }

func (c *cancelCause) Error() string { return "cancelled: " + c.reason }

// Config tunes worker execution.
type Config struct {
	// ExecutionCeiling is the hard wall-clock limit for one worker.
	ExecutionCeiling time.Duration
	MaxSteps         int
	SummaryTimeout   time.Duration
	// RecentOutputBytes bounds the output tail kept for decisions.
	RecentOutputBytes int
	DefaultModel      string
}

func (c Config) withDefaults() Config {
	if c.ExecutionCeiling <= 0 {
		c.ExecutionCeiling = 10 * time.Minute
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = 12
	}
	if c.SummaryTimeout <= 0 {
		c.SummaryTimeout = 5 * time.Second
	}
	if c.RecentOutputBytes <= 0 {
		c.RecentOutputBytes = 4 << 10
	}
	return c
}

// SpawnRequest describes a worker to start.
type SpawnRequest struct {
	Task    string
	OwnerID string
	Model   string
	// Context is supervisor-provided background passed to the reasoner.
	Context string
	RunID   string
}

// CredentialsFunc builds a request-scoped resolver for an owner.
type CredentialsFunc func(ownerID string) *credentials.Resolver

// Runtime spawns and tracks workers.
type Runtime struct {
	store      *artifact.Store
	tools      *tools.Registry
	reasoner   Reasoner
	summarizer Summarizer
	bus        bus.Publisher
	creds      CredentialsFunc
	audit      *audit.Log
	metrics    *otelpkg.Metrics
	tracer     trace.Tracer
	clock      clock.Clock
	logger     *slog.Logger
	cfg        Config

	wg       sync.WaitGroup
	mu       sync.Mutex
	active   map[string]*execution
	finished *finishedCache
	draining bool
}

// Option configures a Runtime.
type Option func(*Runtime)

func WithSummarizer(s Summarizer) Option       { return func(r *Runtime) { r.summarizer = s } }
func WithBus(p bus.Publisher) Option           { return func(r *Runtime) { r.bus = p } }
func WithCredentials(f CredentialsFunc) Option { return func(r *Runtime) { r.creds = f } }
func WithAudit(l *audit.Log) Option            { return func(r *Runtime) { r.audit = l } }
func WithMetrics(m *otelpkg.Metrics) Option    { return func(r *Runtime) { r.metrics = m } }
func WithTracer(t trace.Tracer) Option         { return func(r *Runtime) { r.tracer = t } }
func WithClock(c clock.Clock) Option           { return func(r *Runtime) { r.clock = c } }
func WithLogger(l *slog.Logger) Option         { return func(r *Runtime) { r.logger = l } }

// New builds a Runtime. reasoner decides each step; the registry runs
// the tools it asks for.
func New(store *artifact.Store, registry *tools.Registry, reasoner Reasoner, cfg Config, opts ...Option) *Runtime {
	r := &Runtime{
		store:    store,
		tools:    registry,
		reasoner: reasoner,
		cfg:      cfg.withDefaults(),
		clock:    clock.Real(),
		logger:   slog.Default(),
		tracer:   noop.NewTracerProvider().Tracer("worker"),
		active:   make(map[string]*execution),
		finished: newFinishedCache(1024),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "worker")
	return r
}

// Spawn creates the worker's record and starts it. It returns as soon
// as the record exists; execution continues in the background.
func (r *Runtime) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	r.mu.Lock()
	draining := r.draining
	r.mu.Unlock()
	if draining {
		return "", ErrDraining
	}

	workerID := shared.NewWorkerID()
	modelName := req.Model
	if modelName == "" {
		modelName = r.cfg.DefaultModel
	}
	h, err := r.store.Create(ctx, artifact.CreateParams{
		WorkerID: workerID,
		OwnerID:  req.OwnerID,
		RunID:    req.RunID,
		Task:     req.Task,
		Model:    modelName,
	})
	if err != nil {
		return "", fmt.Errorf("create worker record: %w", err)
	}

	base := context.WithoutCancel(ctx)
	base = shared.WithWorkerID(base, workerID)
	base = shared.WithOwnerID(base, req.OwnerID)
	if req.RunID != "" {
		base = shared.WithRunID(base, req.RunID)
	}
	runCtx, cancelCeiling := context.WithTimeoutCause(base, r.cfg.ExecutionCeiling, errCeiling)
	runCtx, cancel := context.WithCancelCause(runCtx)

	ex := &execution{
		id:      workerID,
		owner:   req.OwnerID,
		runID:   req.RunID,
		stream:  streamID(req.RunID, workerID),
		handle:  h,
		cancel:  cancel,
		done:    make(chan struct{}),
		status:  artifact.StatusQueued,
		created: r.clock.Now(),
		tailCap: r.cfg.RecentOutputBytes,
	}
	r.mu.Lock()
	r.active[workerID] = ex
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancelCeiling()
		defer cancel(nil)
		r.run(runCtx, ex, req)
	}()
	return workerID, nil
}

// Cancel stops a running worker. No further tool calls start; a call
// already in flight is abandoned and its output discarded.
func (r *Runtime) Cancel(workerID, reason string) error {
	r.mu.Lock()
	ex, ok := r.active[workerID]
	r.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	if reason == "" {
		reason = "cancelled by request"
	}
	ex.cancel(&cancelCause{reason: reason})
	return nil
}

// Active returns the number of workers still running.
func (r *Runtime) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Progress returns a live snapshot of a worker. Recently finished
// workers are still reported, with Done set.
func (r *Runtime) Progress(workerID string) (Progress, bool) {
	r.mu.Lock()
	ex, ok := r.active[workerID]
	r.mu.Unlock()
	if ok {
		return ex.progress(r.clock.Now()), true
	}
	return r.finished.get(workerID)
}

// Done returns a channel closed when the worker finishes, or nil when
// the worker is not running in this process.
func (r *Runtime) Done(workerID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ex, ok := r.active[workerID]; ok {
		return ex.done
	}
	return nil
}

// Wait blocks until the worker reaches a terminal status and returns
// its record.
func (r *Runtime) Wait(ctx context.Context, workerID, ownerID string) (*artifact.Record, error) {
	if done := r.Done(workerID); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.store.Get(ctx, workerID, ownerID)
}

// Drain refuses new spawns and waits up to timeout for running workers.
// Workers still running afterwards are left for Recover on next start.
func (r *Runtime) Drain(timeout time.Duration) bool {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.logger.Info("worker runtime drained cleanly")
		return true
	case <-time.After(timeout):
		r.logger.Warn("worker drain timeout; running workers will be recovered on next start",
			"timeout", timeout, "active", r.Active())
		return false
	}
}

func streamID(runID, workerID string) string {
	if runID != "" {
		return runID
	}
	return workerID
}

func (r *Runtime) publish(ex *execution, eventType string, payload map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.Event{RunID: ex.stream, Type: eventType, WorkerID: ex.id, Payload: payload})
}

// run is the worker goroutine.
func (r *Runtime) run(ctx context.Context, ex *execution, req SpawnRequest) {
	logger := r.logger.With("worker_id", ex.id, "run_id", ex.runID, "owner_id", ex.owner)
	ctx, span := otelpkg.StartSpan(ctx, r.tracer, "worker.run",
		otelpkg.AttrWorkerID.String(ex.id),
		otelpkg.AttrRunID.String(ex.runID),
		otelpkg.AttrOwnerID.String(ex.owner),
	)
	defer span.End()

	if r.creds != nil {
		res := r.creds(ex.owner)
		defer res.Close()
		ctx = credentials.WithResolver(ctx, res)
	}

	r.metrics.WorkerStarted(ctx)
	start := r.clock.Now()
	bg := context.WithoutCancel(ctx)

	if err := r.store.MarkRunning(bg, ex.handle); err != nil {
		logger.Error("mark running failed", "error", err)
	}
	ex.setStatus(artifact.StatusRunning, r.clock.Now())
	r.publish(ex, bus.TypeWorkerStarted, map[string]any{"task": req.Task, "model": ex.handle.Snapshot().Model})
	logger.Info("worker started")

	result, runErr := r.loop(ctx, ex, req, logger)

	status := artifact.StatusSuccess
	errText := ""
	switch {
	case runErr == nil:
		if err := r.store.SaveResult(bg, ex.handle, result); err != nil {
			status, errText = artifact.StatusFailed, r.resultLost(bg, ex, result, err, logger)
		}
	default:
		var cc *cancelCause
		if errors.As(runErr, &cc) {
			status, errText = artifact.StatusCancelled, cc.reason
		} else {
			status, errText = artifact.StatusFailed, runErr.Error()
		}
	}

	if err := r.store.Complete(bg, ex.handle, status, errText); err != nil {
		logger.Error("complete worker failed", "error", err, "status", status)
	}
	ex.setStatus(status, r.clock.Now())
	final := ex.handle.Snapshot()

	payload := map[string]any{"status": string(status), "duration_ms": final.DurationMS}
	if errText != "" {
		payload["error"] = errText
	}
	if final.ResultSaved {
		payload["result_digest"] = final.ResultDigest
	}
	r.publish(ex, bus.TypeWorkerComplete, payload)

	r.metrics.WorkerFinished(bg, string(status), r.clock.Now().Sub(start))
	span.SetAttributes(otelpkg.AttrStatus.String(string(status)))
	if status == artifact.StatusFailed {
		span.SetStatus(codes.Error, errText)
	}
	logger.Info("worker finished", "status", status, "duration_ms", final.DurationMS)

	if status == artifact.StatusCancelled {
		r.audit.Record(bg, audit.Entry{
			Action:  audit.ActionWorkerCancel,
			OwnerID: ex.owner,
			Subject: ex.id,
			Outcome: string(status),
			Reason:  errText,
		})
	}

	r.finished.put(ex.id, ex.progress(r.clock.Now()))
	r.mu.Lock()
	delete(r.active, ex.id)
	r.mu.Unlock()
	close(ex.done)

	text := result
	if status != artifact.StatusSuccess {
		text = errText
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.summarize(bg, ex, req.Task, text, logger)
	}()
}

// lostResultHead bounds how much of an unsaved answer is kept in the
// error text and the audit trail.
const lostResultHead = 2048

// resultLost keeps what it can of an answer SaveResult refused: digest
// and size in the log, and a redacted head in the returned error text
// and the audit trail.
func (r *Runtime) resultLost(ctx context.Context, ex *execution, result string, err error, logger *slog.Logger) string {
	digest := artifact.Digest(result)
	head := Truncate(shared.Redact(result), lostResultHead)
	logger.Error("save result failed", "error", err,
		"result_digest", digest, "result_bytes", len(result), "result_head", head)
	errText := fmt.Sprintf("save result: %v (result %d bytes, blake3 %s): %s", err, len(result), digest, head)
	r.audit.Record(ctx, audit.Entry{
		Action:  audit.ActionResultLost,
		OwnerID: ex.owner,
		Subject: ex.id,
		Outcome: string(artifact.StatusFailed),
		Reason:  errText,
	})
	return errText
}

// loop runs reasoning steps until an answer, a fault, cancellation or
// the ceiling. Panics become failures.
func (r *Runtime) loop(ctx context.Context, ex *execution, req SpawnRequest, logger *slog.Logger) (result string, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("worker panic", "panic", p, "stack", string(debug.Stack()))
			result, err = "", fmt.Errorf("internal fault: %v", p)
		}
	}()

	var steps []Step
	catalog := r.tools.Describe()
	for i := 0; i < r.cfg.MaxSteps; i++ {
		if err := stopped(ctx); err != nil {
			return "", err
		}
		action, err := r.reasoner.Next(ctx, State{
			WorkerID:  ex.id,
			Task:      req.Task,
			Context:   req.Context,
			Tools:     catalog,
			Steps:     steps,
			StepsLeft: r.cfg.MaxSteps - i,
		})
		if stop := stopped(ctx); stop != nil {
			return "", stop
		}
		if err != nil {
			return "", err
		}
		if action.Thought != "" {
			if err := r.store.AppendTranscript(context.WithoutCancel(ctx), ex.handle, artifact.Entry{Kind: artifact.EntryReasoning, Content: action.Thought}); err != nil {
				logger.Error("record transcript entry failed", "kind", artifact.EntryReasoning, "error", err)
			}
		}
		if action.Kind == ActionFinal {
			return action.Answer, nil
		}

		step, err := r.callTool(ctx, ex, action, logger)
		if err != nil {
			return "", err
		}
		steps = append(steps, step)
	}
	return "", fmt.Errorf("step limit of %d reached without a final answer", r.cfg.MaxSteps)
}

// stopped maps a done context to the error the worker finishes with.
func stopped(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	var cc *cancelCause
	if errors.As(cause, &cc) {
		return cc
	}
	if errors.Is(cause, errCeiling) {
		return errCeiling
	}
	return cause
}

type toolOutcome struct {
	output string
	err    error
}

// callTool runs one tool call. The call itself is detached from
// cancellation: when the worker is cancelled or hits its ceiling the
// call is abandoned rather than killed.
func (r *Runtime) callTool(ctx context.Context, ex *execution, action Action, logger *slog.Logger) (Step, error) {
	args := action.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	started := r.clock.Now()
	index := ex.beginOp(action.Tool, started)
	r.publish(ex, bus.TypeToolStarted, map[string]any{"tool": action.Tool, "call": index, "args": json.RawMessage(shared.Redact(string(args)))})

	toolCtx, span := otelpkg.StartSpan(context.WithoutCancel(ctx), r.tracer, "tool.call",
		otelpkg.AttrToolName.String(action.Tool),
		otelpkg.AttrWorkerID.String(ex.id),
	)
	ch := make(chan toolOutcome, 1)
	go func() {
		var res toolOutcome
		defer func() {
			if p := recover(); p != nil {
				res = toolOutcome{err: fmt.Errorf("tool panic: %v", p)}
			}
			span.SetAttributes(attribute.Bool("overseer.tool.failed", res.err != nil))
			if res.err != nil {
				span.SetStatus(codes.Error, res.err.Error())
			}
			span.End()
			ch <- res
		}()
		res.output, res.err = r.tools.Call(toolCtx, action.Tool, args)
	}()

	var res toolOutcome
	select {
	case res = <-ch:
	case <-ctx.Done():
		logger.Warn("abandoning in-flight tool call", "tool", action.Tool, "elapsed", r.clock.Now().Sub(started))
		ex.endOp("", false)
		return Step{}, stopped(ctx)
	}

	d := r.clock.Now().Sub(started)
	call := artifact.ToolCall{
		Name:       action.Tool,
		Args:       args,
		Output:     res.output,
		StartedAt:  started.UTC(),
		DurationMS: d.Milliseconds(),
	}
	if res.err != nil {
		call.Error = res.err.Error()
	}
	recorded, err := r.store.AppendToolCall(context.WithoutCancel(ctx), ex.handle, call)
	if err != nil {
		logger.Error("record tool call failed", "tool", action.Tool, "error", err)
		recorded = call
	}
	r.metrics.ToolCalled(ctx, action.Tool, d, res.err != nil)
	ex.endOp(res.output, true)
	ex.countOp(res.err == nil)

	step := Step{Action: action, Output: res.output, Error: call.Error}
	payload := map[string]any{"tool": action.Tool, "call": index, "seq": recorded.Seq, "duration_ms": call.DurationMS}
	if f := safety.Screen(res.output); f.Flagged() {
		step.Suspect = f.Reason
		payload["suspect"] = f.Reason
		logger.Warn("tool output resembles prompt injection", "tool", action.Tool, "severity", f.Severity.String(), "reason", f.Reason)
	}
	if res.err != nil {
		payload["error"] = call.Error
		r.publish(ex, bus.TypeToolFailed, payload)
		logger.Info("tool failed", "tool", action.Tool, "error", call.Error, "duration_ms", call.DurationMS)
	} else {
		payload["output_bytes"] = len(res.output)
		r.publish(ex, bus.TypeToolCompleted, payload)
		logger.Debug("tool completed", "tool", action.Tool, "duration_ms", call.DurationMS)
	}
	return step, nil
}

func (r *Runtime) summarize(ctx context.Context, ex *execution, task, text string, logger *slog.Logger) {
	summary, meta := Summarize(ctx, r.summarizer, r.cfg.SummaryTimeout, task, text, r.clock.Now())
	if meta.Error != "" {
		r.metrics.SummaryFellBack(ctx)
		logger.Warn("summary fell back to truncation", "error", meta.Error)
	}
	if err := r.store.UpdateSummary(ctx, ex.id, ex.owner, summary, meta); err != nil {
		logger.Error("store summary failed", "error", err)
	}
}
