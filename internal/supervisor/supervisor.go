// Package supervisor turns a user request into a supervisor run: a
// planning loop that spawns workers, watches them through the decision
// engine and answers from what they produce.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/overseer/internal/artifact"
	"github.com/basket/overseer/internal/audit"
	"github.com/basket/overseer/internal/bus"
	"github.com/basket/overseer/internal/clock"
	"github.com/basket/overseer/internal/decision"
	"github.com/basket/overseer/internal/model"
	otelpkg "github.com/basket/overseer/internal/otel"
	"github.com/basket/overseer/internal/persistence"
	"github.com/basket/overseer/internal/shared"
	"github.com/basket/overseer/internal/tokenutil"
	"github.com/basket/overseer/internal/worker"
)

var (
	ErrEmptyTask    = errors.New("task is required")
	ErrFanOutLimit  = errors.New("too many concurrent workers for this run")
	ErrUnknownOwner = errors.New("owner is required")
	ErrDraining     = errors.New("supervisor is shutting down")
	errTurnLimit    = errors.New("no answer within the planning turn limit")
)

const (
	maxReportResult = 4 << 10
	readResultBytes = 16 << 10
)

// Config bounds a run.
type Config struct {
	MaxConcurrentWorkers int
	MaxTurns             int
	PollInterval         time.Duration
	HistoryMessages      int
	// HistoryTokens caps the estimated size of thread history handed to
	// the planner; the oldest messages are dropped first.
	HistoryTokens int
	Decision      decision.Config
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentWorkers <= 0 {
		c.MaxConcurrentWorkers = 4
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.HistoryMessages <= 0 {
		c.HistoryMessages = 20
	}
	if c.HistoryTokens <= 0 {
		c.HistoryTokens = 8000
	}
	return c
}

// DispatchRequest is a user request.
type DispatchRequest struct {
	Task     string
	ThreadID string
	OwnerID  string
}

// DispatchResult is returned as soon as the run is recorded.
type DispatchResult struct {
	RunID     string                `json:"run_id"`
	ThreadID  string                `json:"thread_id"`
	Status    persistence.RunStatus `json:"status"`
	StreamURL string                `json:"stream_url"`
}

// StreamURL is the SSE endpoint for a run.
func StreamURL(runID string) string {
	return "/api/v1/runs/" + runID + "/events"
}

// Supervisor executes runs.
type Supervisor struct {
	runs      *persistence.Store
	artifacts *artifact.Store
	workers   Workers
	planner   Planner
	judge     decision.Judge
	bus       *bus.Bus
	waiter    *Waiter
	audit     *audit.Log
	metrics   *otelpkg.Metrics
	tracer    trace.Tracer
	clock     clock.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	cfg      Config
	draining bool
	wg       sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithBus(b *bus.Bus) Option             { return func(s *Supervisor) { s.bus = b } }
func WithJudge(j decision.Judge) Option     { return func(s *Supervisor) { s.judge = j } }
func WithAudit(l *audit.Log) Option         { return func(s *Supervisor) { s.audit = l } }
func WithMetrics(m *otelpkg.Metrics) Option { return func(s *Supervisor) { s.metrics = m } }
func WithTracer(t trace.Tracer) Option      { return func(s *Supervisor) { s.tracer = t } }
func WithClock(c clock.Clock) Option        { return func(s *Supervisor) { s.clock = c } }
func WithLogger(l *slog.Logger) Option      { return func(s *Supervisor) { s.logger = l } }

// New builds a Supervisor. A nil planner falls back to DirectPlanner.
func New(runs *persistence.Store, artifacts *artifact.Store, workers Workers, planner Planner, cfg Config, opts ...Option) *Supervisor {
	if planner == nil {
		planner = DirectPlanner{}
	}
	s := &Supervisor{
		runs:      runs,
		artifacts: artifacts,
		workers:   workers,
		planner:   planner,
		cfg:       cfg.withDefaults(),
		clock:     clock.Real(),
		logger:    slog.Default(),
		tracer:    noop.NewTracerProvider().Tracer("supervisor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "supervisor")
	s.waiter = NewWaiter(s.bus, artifacts)
	return s
}

// UpdateDecision replaces the decision settings used by runs started
// from now on.
func (s *Supervisor) UpdateDecision(cfg decision.Config, poll time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Decision = cfg
	if poll > 0 {
		s.cfg.PollInterval = poll
	}
	s.logger.Info("decision settings updated", "mode", cfg.Mode, "poll_interval", s.cfg.PollInterval)
}

func (s *Supervisor) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Dispatch records a run and starts it in the background.
func (s *Supervisor) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	req.Task = strings.TrimSpace(req.Task)
	if req.Task == "" {
		return DispatchResult{}, ErrEmptyTask
	}
	if req.OwnerID == "" {
		return DispatchResult{}, ErrUnknownOwner
	}
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return DispatchResult{}, ErrDraining
	}
	s.wg.Add(1)
	s.mu.Unlock()

	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
	}
	run := persistence.Run{
		RunID:     "run-" + uuid.Must(uuid.NewV7()).String(),
		ThreadID:  req.ThreadID,
		OwnerID:   req.OwnerID,
		Task:      req.Task,
		Status:    persistence.RunQueued,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		s.wg.Done()
		return DispatchResult{}, fmt.Errorf("create run: %w", err)
	}

	base := context.WithoutCancel(ctx)
	base = shared.WithRunID(base, run.RunID)
	base = shared.WithOwnerID(base, run.OwnerID)
	base = shared.WithThreadID(base, run.ThreadID)
	if shared.TraceID(base) == "" {
		base = shared.WithTraceID(base, shared.NewTraceID())
	}
	go func() {
		defer s.wg.Done()
		s.execute(base, run)
	}()

	return DispatchResult{
		RunID:     run.RunID,
		ThreadID:  run.ThreadID,
		Status:    run.Status,
		StreamURL: StreamURL(run.RunID),
	}, nil
}

// Drain refuses new dispatches and waits up to timeout for runs in
// flight. Unfinished runs are marked failed by recovery on next start.
func (s *Supervisor) Drain(timeout time.Duration) bool {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		s.logger.Warn("supervisor drain timeout; unfinished runs will be recovered on next start", "timeout", timeout)
		return false
	}
}

// runState is the mutable state of one run.
type runState struct {
	run      persistence.Run
	cfg      Config
	engine   *decision.Engine
	observer *Observer
	logger   *slog.Logger

	mu       sync.Mutex
	detached map[string]<-chan struct{}
}

// running counts this run's workers the supervisor stopped waiting for
// that have not finished yet.
func (rs *runState) running() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for id, done := range rs.detached {
		select {
		case <-done:
			delete(rs.detached, id)
		default:
		}
	}
	return len(rs.detached)
}

func (rs *runState) detach(workerID string, done <-chan struct{}) {
	if done == nil {
		return
	}
	rs.mu.Lock()
	rs.detached[workerID] = done
	rs.mu.Unlock()
}

func (s *Supervisor) execute(ctx context.Context, run persistence.Run) {
	cfg := s.config()
	logger := s.logger.With("run_id", run.RunID, "owner_id", run.OwnerID, "thread_id", run.ThreadID)
	ctx, span := otelpkg.StartSpan(ctx, s.tracer, "supervisor.run",
		otelpkg.AttrRunID.String(run.RunID),
		otelpkg.AttrOwnerID.String(run.OwnerID),
	)
	defer span.End()

	engineOpts := []decision.Option{
		decision.WithClock(s.clock),
		decision.WithLogger(logger),
		decision.WithRecorder(s.metrics),
	}
	if s.judge != nil {
		engineOpts = append(engineOpts, decision.WithJudge(s.judge))
	}
	engine, err := decision.New(cfg.Decision, engineOpts...)
	if err != nil {
		s.fail(ctx, run, decision.Telemetry{}, fmt.Errorf("decision engine: %w", err), logger)
		return
	}
	rs := &runState{
		run:      run,
		cfg:      cfg,
		engine:   engine,
		logger:   logger,
		detached: make(map[string]<-chan struct{}),
	}
	rs.observer = &Observer{
		workers:  s.workers,
		engine:   engine,
		interval: cfg.PollInterval,
		clock:    s.clock,
		emit: func(workerID, eventType string, payload map[string]any) {
			s.publish(ctx, run.RunID, workerID, eventType, payload)
		},
		audit:   s.audit,
		ownerID: run.OwnerID,
		logger:  logger,
	}

	if err := s.runs.SetRunStatus(ctx, run.RunID, persistence.RunRunning); err != nil {
		logger.Warn("mark run running failed", "error", err)
	}
	history, err := s.history(ctx, run, cfg.HistoryMessages, cfg.HistoryTokens)
	if err != nil {
		logger.Warn("load thread history failed", "error", err)
	}
	if err := s.runs.AddMessage(ctx, run.ThreadID, run.RunID, persistence.RoleUser, run.Task); err != nil {
		logger.Warn("append user message failed", "error", err)
	}
	logger.Info("run started", "decision_mode", engine.Mode())

	answer, err := s.plan(ctx, rs, history)
	tel := engine.Telemetry()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.fail(ctx, run, tel, err, logger)
		return
	}

	if err := s.runs.CompleteRun(ctx, run.RunID, persistence.RunSuccess, answer, "", tel); err != nil {
		logger.Error("complete run failed", "error", err)
	}
	if err := s.runs.AddMessage(ctx, run.ThreadID, run.RunID, persistence.RoleAssistant, answer); err != nil {
		logger.Warn("append assistant message failed", "error", err)
	}
	s.publish(ctx, run.RunID, "", bus.TypeSupervisorComplete, map[string]any{
		"status":             string(persistence.RunSuccess),
		"result":             answer,
		"decision_telemetry": tel,
	})
	span.SetAttributes(otelpkg.AttrStatus.String(string(persistence.RunSuccess)))
	logger.Info("run finished", "status", persistence.RunSuccess, "model_calls", tel.Attempts())
}

func (s *Supervisor) history(ctx context.Context, run persistence.Run, limit, maxTokens int) ([]Message, error) {
	msgs, err := s.runs.ListMessages(ctx, run.ThreadID, run.OwnerID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Message{Role: m.Role, Content: m.Content})
	}
	return trimHistory(out, maxTokens), nil
}

// trimHistory drops the oldest messages until the rest fit maxTokens.
func trimHistory(msgs []Message, maxTokens int) []Message {
	texts := make([]string, len(msgs))
	for i, m := range msgs {
		texts[i] = m.Content
	}
	return msgs[tokenutil.KeepNewest(texts, maxTokens):]
}

// plan runs the planning loop. Panics become errors.
func (s *Supervisor) plan(ctx context.Context, rs *runState, history []Message) (answer string, err error) {
	defer func() {
		if p := recover(); p != nil {
			rs.logger.Error("supervisor panic", "panic", p, "stack", string(debug.Stack()))
			answer, err = "", fmt.Errorf("internal fault: %v", p)
		}
	}()

	st := PlanState{
		RunID:      rs.run.RunID,
		Task:       rs.run.Task,
		History:    history,
		MaxWorkers: rs.cfg.MaxConcurrentWorkers,
	}
	for turn := 0; turn < rs.cfg.MaxTurns; turn++ {
		st.TurnsLeft = rs.cfg.MaxTurns - turn
		p, err := s.planner.Plan(ctx, st)
		if err != nil {
			return "", err
		}
		rs.logger.Debug("planner turn", "turn", turn+1, "action", p.Action)

		var obs Observation
		switch p.Action {
		case ActionAnswer:
			return p.Answer, nil
		case ActionSpawn:
			obs = s.spawn(ctx, rs, p.Workers)
		case ActionList:
			obs = s.list(ctx, rs, p)
		case ActionSearch:
			obs = s.search(ctx, rs, p)
		case ActionRead:
			obs = s.read(ctx, rs, p.WorkerID)
		default:
			obs = Observation{Action: p.Action, Content: "unknown action " + p.Action}
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		st.Observations = append(st.Observations, obs)
	}
	return "", fmt.Errorf("%w (%d turns)", errTurnLimit, rs.cfg.MaxTurns)
}

func (s *Supervisor) spawn(ctx context.Context, rs *runState, specs []WorkerSpec) Observation {
	obs := Observation{Action: ActionSpawn}
	room := rs.cfg.MaxConcurrentWorkers - rs.running()

	type started struct {
		id   string
		spec WorkerSpec
	}
	var live []started
	for _, spec := range specs {
		if len(live) >= room {
			obs.Refused = append(obs.Refused, fmt.Sprintf("%q: %v (limit %d)", spec.Task, ErrFanOutLimit, rs.cfg.MaxConcurrentWorkers))
			continue
		}
		id, err := s.workers.Spawn(ctx, worker.SpawnRequest{
			Task:    spec.Task,
			OwnerID: rs.run.OwnerID,
			Model:   spec.Model,
			Context: spec.Context,
			RunID:   rs.run.RunID,
		})
		if err != nil {
			obs.Workers = append(obs.Workers, WorkerReport{Task: spec.Task, Status: string(artifact.StatusFailed), Error: "spawn failed: " + err.Error()})
			continue
		}
		if err := s.runs.AddRunWorker(ctx, rs.run.RunID, id); err != nil {
			rs.logger.Warn("record run worker failed", "worker_id", id, "error", err)
		}
		live = append(live, started{id: id, spec: spec})
	}
	if len(obs.Refused) > 0 {
		rs.logger.Warn("fan-out limit reached", "refused", len(obs.Refused), "limit", rs.cfg.MaxConcurrentWorkers)
	}

	reports := make([]WorkerReport, len(live))
	var wg sync.WaitGroup
	for i, w := range live {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = s.await(ctx, rs, w.id, w.spec)
		}()
	}
	wg.Wait()
	obs.Workers = append(obs.Workers, reports...)
	return obs
}

// await follows one spawned worker to a report.
func (s *Supervisor) await(ctx context.Context, rs *runState, workerID string, spec WorkerSpec) WorkerReport {
	report := WorkerReport{WorkerID: workerID, Task: spec.Task}
	if !spec.observed() {
		rec, err := s.waiter.Wait(ctx, rs.run.RunID, workerID, rs.run.OwnerID)
		if err != nil {
			report.Status, report.Error = "unknown", err.Error()
			return report
		}
		return fromRecord(report, rec)
	}

	done := s.workers.Done(workerID)
	v, err := rs.observer.Watch(ctx, workerID)
	if err != nil {
		report.Status, report.Error = "unknown", err.Error()
		return report
	}
	report.Notes = v.Notes
	if v.Decision.Outcome != "" {
		report.Decision = string(v.Decision.Outcome) + ": " + v.Decision.Reason
	}
	if !v.Finished {
		rs.detach(workerID, done)
		report.Detached = true
		report.Status = string(v.Progress.Status)
		if out := tail(v.Progress.RecentOutput, drillDownBytes); out != "" && (len(report.Notes) == 0 || report.Notes[len(report.Notes)-1] != out) {
			report.Notes = append(report.Notes, out)
		}
		return report
	}
	rec, err := s.artifacts.Get(ctx, workerID, rs.run.OwnerID)
	if err != nil {
		report.Status, report.Error = string(v.Progress.Status), "read record: "+err.Error()
		return report
	}
	return fromRecord(report, rec)
}

func fromRecord(r WorkerReport, rec *artifact.Record) WorkerReport {
	r.Status = string(rec.Status)
	r.Error = rec.Error
	r.Result = truncate(rec.Result, maxReportResult)
	return r
}

func (s *Supervisor) list(ctx context.Context, rs *runState, p Plan) Observation {
	obs := Observation{Action: ActionList}
	list, err := s.artifacts.List(ctx, rs.run.OwnerID, artifact.ListOptions{Limit: p.Limit, Status: artifact.Status(p.Status)})
	if err != nil {
		obs.Content = "list failed: " + err.Error()
		return obs
	}
	if len(list) == 0 {
		obs.Content = "no workers"
		return obs
	}
	var b strings.Builder
	for _, w := range list {
		fmt.Fprintf(&b, "%s [%s] %s", w.WorkerID, w.Status, oneLine(w.Task))
		if w.Summary != "" {
			fmt.Fprintf(&b, " | %s", w.Summary)
		}
		b.WriteString("\n")
	}
	obs.Content = b.String()
	return obs
}

func (s *Supervisor) search(ctx context.Context, rs *runState, p Plan) Observation {
	obs := Observation{Action: ActionSearch}
	matches, err := s.artifacts.Search(ctx, rs.run.OwnerID, artifact.SearchOptions{Pattern: p.Query, Limit: p.Limit})
	if err != nil {
		obs.Content = "search failed: " + err.Error()
		return obs
	}
	if len(matches) == 0 {
		obs.Content = "no matches for " + p.Query
		return obs
	}
	var b strings.Builder
	for _, m := range matches {
		fmt.Fprintf(&b, "%s %s:%d %s\n", m.WorkerID, m.Field, m.Line, m.Snippet)
	}
	obs.Content = b.String()
	return obs
}

func (s *Supervisor) read(ctx context.Context, rs *runState, workerID string) Observation {
	obs := Observation{Action: ActionRead}
	rec, err := s.artifacts.Get(ctx, workerID, rs.run.OwnerID)
	if errors.Is(err, artifact.ErrNotFound) {
		obs.Content = "worker " + workerID + " not found"
		return obs
	}
	if err != nil {
		obs.Content = "read failed: " + err.Error()
		return obs
	}
	var b strings.Builder
	fmt.Fprintf(&b, "worker %s [%s]\ntask: %s\n", rec.WorkerID, rec.Status, rec.Task)
	if rec.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", rec.Error)
	}
	if rec.Summary != "" {
		fmt.Fprintf(&b, "summary: %s\n", rec.Summary)
	}
	if rec.Result != "" {
		fmt.Fprintf(&b, "result:\n%s\n", truncate(rec.Result, readResultBytes))
	}
	obs.Content = b.String()
	return obs
}

func (s *Supervisor) fail(ctx context.Context, run persistence.Run, tel decision.Telemetry, err error, logger *slog.Logger) {
	msg := userMessage(err)
	logger.Error("run failed", "error", err, "error_class", model.ClassifyError(err))
	if cerr := s.runs.CompleteRun(ctx, run.RunID, persistence.RunFailed, "", msg, tel); cerr != nil {
		logger.Error("complete run failed", "error", cerr)
	}
	if aerr := s.runs.AddMessage(ctx, run.ThreadID, run.RunID, persistence.RoleAssistant, msg); aerr != nil {
		logger.Warn("append assistant message failed", "error", aerr)
	}
	eventType := bus.TypeError
	if errors.Is(err, errTurnLimit) {
		eventType = bus.TypeSupervisorComplete
	}
	s.publish(ctx, run.RunID, "", eventType, map[string]any{
		"status":             string(persistence.RunFailed),
		"error":              msg,
		"decision_telemetry": tel,
	})
}

// userMessage maps an internal error to text safe to show a requester.
func userMessage(err error) string {
	switch {
	case errors.Is(err, errTurnLimit):
		return err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "the run was interrupted before it finished"
	}
	if class := model.ClassifyError(err); class != model.ErrorClassUnknown {
		return "the planning model is unavailable (" + string(class) + ")"
	}
	return "internal error while handling the request"
}

func (s *Supervisor) publish(ctx context.Context, runID, workerID, eventType string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.Event{RunID: runID, Type: eventType, WorkerID: workerID, Payload: payload})
	s.metrics.EventPublished(ctx, eventType)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}

func oneLine(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 120 {
		return s[:117] + "..."
	}
	return s
}
