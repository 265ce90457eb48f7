package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/overseer/internal/artifact"
	"github.com/basket/overseer/internal/bus"
	"github.com/basket/overseer/internal/decision"
	"github.com/basket/overseer/internal/persistence"
	"github.com/basket/overseer/internal/structured"
	"github.com/basket/overseer/internal/tools"
	"github.com/basket/overseer/internal/worker"
)

var commandSchema = structured.MustCompile(`{
	"type": "object",
	"properties": {"command": {"type": "string"}},
	"required": ["command"]
}`)

// stubShell answers shell_exec calls from a table. Commands listed in
// hang block until release is closed.
type stubShell struct {
	outputs map[string]string
	hang    map[string]bool
	release chan struct{}
}

func (s *stubShell) Name() string               { return "shell_exec" }
func (s *stubShell) Description() string        { return "stub shell" }
func (s *stubShell) Schema() *structured.Schema { return commandSchema }
func (s *stubShell) Call(_ context.Context, args json.RawMessage) (string, error) {
	var in struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", err
	}
	if s.hang[in.Command] {
		<-s.release
		return "late output", nil
	}
	out, ok := s.outputs[in.Command]
	if !ok {
		return "", errors.New("command not found: " + in.Command)
	}
	return out, nil
}

// planFunc adapts a function to Planner.
type planFunc func(ctx context.Context, st PlanState) (Plan, error)

func (f planFunc) Plan(ctx context.Context, st PlanState) (Plan, error) { return f(ctx, st) }

type fixture struct {
	sup   *Supervisor
	runs  *persistence.Store
	arts  *artifact.Store
	rt    *worker.Runtime
	bus   *bus.Bus
	shell *stubShell
}

func newFixture(t *testing.T, planner Planner, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	runs, err := persistence.Open(filepath.Join(dir, "overseer.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	arts, err := artifact.Open(filepath.Join(dir, "artifacts"))
	if err != nil {
		t.Fatalf("open artifacts: %v", err)
	}
	shell := &stubShell{
		outputs: map[string]string{
			"df -h":  "Filesystem 78% used",
			"uptime": "up 3 days",
		},
		hang:    map[string]bool{"sleep 600": true},
		release: make(chan struct{}),
	}
	b := bus.New()
	rt := worker.New(arts, tools.NewRegistry(shell), worker.CommandReasoner{}, worker.Config{}, worker.WithBus(b))
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.Decision.Mode == "" {
		cfg.Decision = decision.DefaultConfig()
		// Record writes can outlast a few polls on a slow disk.
		cfg.Decision.NoProgressPolls = 1000
	}
	sup := New(runs, arts, rt, planner, cfg, WithBus(b))
	t.Cleanup(func() {
		close(shell.release)
		sup.Drain(5 * time.Second)
		rt.Drain(5 * time.Second)
		_ = runs.Close()
	})
	return &fixture{sup: sup, runs: runs, arts: arts, rt: rt, bus: b, shell: shell}
}

func (f *fixture) dispatch(t *testing.T, req DispatchRequest) DispatchResult {
	t.Helper()
	if req.OwnerID == "" {
		req.OwnerID = "alice"
	}
	res, err := f.sup.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	return res
}

func (f *fixture) waitRun(t *testing.T, runID string) *persistence.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := f.runs.GetRun(context.Background(), runID, "alice")
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", runID)
	return nil
}

// collect gathers a run's events up to its terminal event.
func collect(t *testing.T, sub *bus.Subscription) []bus.Event {
	t.Helper()
	var out []bus.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev := <-sub.Ch():
			out = append(out, ev)
			if bus.IsTerminal(ev.Type) {
				return out
			}
		case <-timeout:
			t.Fatalf("no terminal event; got %d events", len(out))
			return nil
		}
	}
}

func eventTypes(evs []bus.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestDispatch_ReturnsBeforeRunFinishes(t *testing.T) {
	gate := make(chan struct{})
	planner := planFunc(func(ctx context.Context, st PlanState) (Plan, error) {
		<-gate
		return Plan{Action: ActionAnswer, Answer: "done"}, nil
	})
	f := newFixture(t, planner, Config{})

	res := f.dispatch(t, DispatchRequest{Task: "  check everything  "})
	if res.Status != persistence.RunQueued || res.ThreadID == "" || !strings.HasPrefix(res.RunID, "run-") {
		t.Fatalf("result = %+v", res)
	}
	if res.StreamURL != "/api/v1/runs/"+res.RunID+"/events" {
		t.Fatalf("stream url = %q", res.StreamURL)
	}
	run, err := f.runs.GetRun(context.Background(), res.RunID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status.Terminal() || run.Task != "check everything" {
		t.Fatalf("run = %+v", run)
	}

	close(gate)
	if run := f.waitRun(t, res.RunID); run.Status != persistence.RunSuccess || run.Result != "done" {
		t.Fatalf("run = %+v", run)
	}
}

func TestDispatch_Validation(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	if _, err := f.sup.Dispatch(ctx, DispatchRequest{Task: " ", OwnerID: "alice"}); !errors.Is(err, ErrEmptyTask) {
		t.Fatalf("empty task err = %v", err)
	}
	if _, err := f.sup.Dispatch(ctx, DispatchRequest{Task: "x"}); !errors.Is(err, ErrUnknownOwner) {
		t.Fatalf("no owner err = %v", err)
	}

	res := f.dispatch(t, DispatchRequest{Task: "$ uptime"})
	f.waitRun(t, res.RunID)
	_, err := f.sup.Dispatch(ctx, DispatchRequest{Task: "$ uptime", ThreadID: res.ThreadID, OwnerID: "mallory"})
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("foreign thread err = %v", err)
	}
}

func TestRun_DirectPlannerDelegatesToOneWorker(t *testing.T) {
	f := newFixture(t, nil, Config{})
	sub := f.bus.Subscribe("run.")
	defer f.bus.Unsubscribe(sub)

	res := f.dispatch(t, DispatchRequest{Task: "check disk on web-1\n$ df -h"})
	evs := collect(t, sub)
	run := f.waitRun(t, res.RunID)

	if run.Status != persistence.RunSuccess || !strings.Contains(run.Result, "Filesystem 78% used") {
		t.Fatalf("run = %+v", run)
	}
	if len(run.WorkerIDs) != 1 {
		t.Fatalf("workers = %v", run.WorkerIDs)
	}

	types := eventTypes(evs)
	want := []string{bus.TypeWorkerStarted, bus.TypeToolStarted, bus.TypeToolCompleted, bus.TypeWorkerComplete, bus.TypeSupervisorComplete}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("events = %v", types)
	}
	for i, ev := range evs {
		if ev.RunID != res.RunID || ev.Seq != uint64(i+1) {
			t.Fatalf("event %d = run %s seq %d", i, ev.RunID, ev.Seq)
		}
	}

	msgs, err := f.runs.ListMessages(context.Background(), res.ThreadID, "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Role != persistence.RoleUser || msgs[1].Role != persistence.RoleAssistant {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestRun_WorkerFailureReachesPlanner(t *testing.T) {
	var mu sync.Mutex
	var seen []Observation
	planner := planFunc(func(_ context.Context, st PlanState) (Plan, error) {
		if len(st.Observations) == 0 {
			// No command lines: the deterministic reasoner fails the worker.
			return Plan{Action: ActionSpawn, Workers: []WorkerSpec{{Task: "restart the database"}}}, nil
		}
		mu.Lock()
		seen = st.Observations
		mu.Unlock()
		return Plan{Action: ActionAnswer, Answer: "could not restart"}, nil
	})
	f := newFixture(t, planner, Config{})
	res := f.dispatch(t, DispatchRequest{Task: "restart db"})
	run := f.waitRun(t, res.RunID)

	if run.Status != persistence.RunSuccess {
		t.Fatalf("run = %+v", run)
	}
	mu.Lock()
	defer mu.Unlock()
	w := seen[0].Workers[0]
	if w.Status != string(artifact.StatusFailed) || !strings.Contains(w.Error, "no model configured") {
		t.Fatalf("report = %+v", w)
	}
}

func TestRun_FanOutLimitRefusesExcess(t *testing.T) {
	var mu sync.Mutex
	var obs Observation
	planner := planFunc(func(_ context.Context, st PlanState) (Plan, error) {
		if len(st.Observations) == 0 {
			return Plan{Action: ActionSpawn, Workers: []WorkerSpec{
				{Task: "$ uptime"}, {Task: "$ df -h"}, {Task: "$ uptime"},
			}}, nil
		}
		mu.Lock()
		obs = st.Observations[0]
		mu.Unlock()
		return Plan{Action: ActionAnswer, Answer: "ok"}, nil
	})
	f := newFixture(t, planner, Config{MaxConcurrentWorkers: 2})
	res := f.dispatch(t, DispatchRequest{Task: "fan out"})
	run := f.waitRun(t, res.RunID)

	mu.Lock()
	defer mu.Unlock()
	if len(obs.Workers) != 2 || len(obs.Refused) != 1 {
		t.Fatalf("observation = %+v", obs)
	}
	if !strings.Contains(obs.Refused[0], ErrFanOutLimit.Error()) {
		t.Fatalf("refusal = %q", obs.Refused[0])
	}
	if len(run.WorkerIDs) != 2 {
		t.Fatalf("workers = %v", run.WorkerIDs)
	}
}

func TestRun_ObserverCancelsStuckWorker(t *testing.T) {
	cfg := Config{Decision: decision.DefaultConfig()}
	cfg.Decision.StuckThreshold = 50 * time.Millisecond
	cfg.Decision.NoProgressPolls = 1000
	f := newFixture(t, nil, cfg)

	res := f.dispatch(t, DispatchRequest{Task: "$ sleep 600"})
	run := f.waitRun(t, res.RunID)

	if run.Status != persistence.RunSuccess || !strings.Contains(run.Result, "The worker cancelled: supervisor: shell_exec running") {
		t.Fatalf("run = %+v", run)
	}
	rec, err := f.arts.Get(context.Background(), run.WorkerIDs[0], "alice")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != artifact.StatusCancelled || rec.ResultSaved {
		t.Fatalf("record = %+v", rec.Metadata)
	}
	if run.DecisionTelemetry.RuleDecisions == 0 {
		t.Fatalf("telemetry = %+v", run.DecisionTelemetry)
	}
}

func TestRun_UnobservedWorkerIsAwaited(t *testing.T) {
	var mu sync.Mutex
	var report WorkerReport
	observe := false
	planner := planFunc(func(_ context.Context, st PlanState) (Plan, error) {
		if len(st.Observations) == 0 {
			return Plan{Action: ActionSpawn, Workers: []WorkerSpec{{Task: "$ uptime", Observe: &observe}}}, nil
		}
		mu.Lock()
		report = st.Observations[0].Workers[0]
		mu.Unlock()
		return Plan{Action: ActionAnswer, Answer: report.Result}, nil
	})
	f := newFixture(t, planner, Config{})
	res := f.dispatch(t, DispatchRequest{Task: "uptime please"})
	run := f.waitRun(t, res.RunID)

	mu.Lock()
	defer mu.Unlock()
	if report.Status != string(artifact.StatusSuccess) || !strings.Contains(report.Result, "up 3 days") {
		t.Fatalf("report = %+v", report)
	}
	if !strings.Contains(run.Result, "up 3 days") {
		t.Fatalf("result = %q", run.Result)
	}
}

func TestRun_ListSearchRead(t *testing.T) {
	var mu sync.Mutex
	var contents []string
	planner := planFunc(func(_ context.Context, st PlanState) (Plan, error) {
		switch len(st.Observations) {
		case 0:
			return Plan{Action: ActionSpawn, Workers: []WorkerSpec{{Task: "$ df -h"}}}, nil
		case 1:
			return Plan{Action: ActionRead, WorkerID: st.Observations[0].Workers[0].WorkerID}, nil
		case 2:
			return Plan{Action: ActionSearch, Query: "78%"}, nil
		case 3:
			return Plan{Action: ActionList, Status: "success"}, nil
		case 4:
			return Plan{Action: ActionRead, WorkerID: "w-nope"}, nil
		}
		mu.Lock()
		for _, o := range st.Observations[1:] {
			contents = append(contents, o.Content)
		}
		mu.Unlock()
		return Plan{Action: ActionAnswer, Answer: "ok"}, nil
	})
	f := newFixture(t, planner, Config{})
	res := f.dispatch(t, DispatchRequest{Task: "inspect"})
	f.waitRun(t, res.RunID)

	mu.Lock()
	defer mu.Unlock()
	if len(contents) != 4 {
		t.Fatalf("contents = %v", contents)
	}
	checks := []string{"result:\n$ df -h\nFilesystem 78% used", "78%", "[success]", "w-nope not found"}
	for i, want := range checks {
		if !strings.Contains(contents[i], want) {
			t.Errorf("observation %d = %q, want %q", i, contents[i], want)
		}
	}
}

func TestRun_TurnLimit(t *testing.T) {
	planner := planFunc(func(context.Context, PlanState) (Plan, error) {
		return Plan{Action: ActionList}, nil
	})
	f := newFixture(t, planner, Config{MaxTurns: 3})
	sub := f.bus.Subscribe("run.")
	defer f.bus.Unsubscribe(sub)

	res := f.dispatch(t, DispatchRequest{Task: "loop forever"})
	evs := collect(t, sub)
	run := f.waitRun(t, res.RunID)

	if run.Status != persistence.RunFailed || !strings.Contains(run.Error, "turn limit") {
		t.Fatalf("run = %+v", run)
	}
	last := evs[len(evs)-1]
	if last.Type != bus.TypeSupervisorComplete || last.Payload["status"] != "failed" {
		t.Fatalf("last event = %+v", last)
	}
}

func TestRun_InternalFaultsAreUserSafe(t *testing.T) {
	tests := []struct {
		name    string
		planner planFunc
		want    string
	}{
		{"error", func(context.Context, PlanState) (Plan, error) {
			return Plan{}, errors.New("boom\ngoroutine 1 [running]:\nmain.go:12")
		}, "internal error while handling the request"},
		{"panic", func(context.Context, PlanState) (Plan, error) {
			panic("planner exploded")
		}, "internal error while handling the request"},
		{"model", func(context.Context, PlanState) (Plan, error) {
			return Plan{}, errors.New("planner: 429 too many requests")
		}, "the planning model is unavailable (RATE_LIMIT)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.planner, Config{})
			sub := f.bus.Subscribe("run.")
			defer f.bus.Unsubscribe(sub)

			res := f.dispatch(t, DispatchRequest{Task: "anything"})
			evs := collect(t, sub)
			run := f.waitRun(t, res.RunID)

			if run.Status != persistence.RunFailed || run.Error != tt.want {
				t.Fatalf("run = %+v", run)
			}
			last := evs[len(evs)-1]
			if last.Type != bus.TypeError || last.Payload["error"] != tt.want {
				t.Fatalf("last event = %+v", last)
			}
		})
	}
}

func TestRun_ThreadHistoryCarriesOver(t *testing.T) {
	var mu sync.Mutex
	var history []Message
	planner := planFunc(func(_ context.Context, st PlanState) (Plan, error) {
		mu.Lock()
		history = st.History
		mu.Unlock()
		return Plan{Action: ActionAnswer, Answer: "answer to " + st.Task}, nil
	})
	f := newFixture(t, planner, Config{})

	first := f.dispatch(t, DispatchRequest{Task: "first"})
	f.waitRun(t, first.RunID)
	second := f.dispatch(t, DispatchRequest{Task: "second", ThreadID: first.ThreadID})
	f.waitRun(t, second.RunID)

	mu.Lock()
	defer mu.Unlock()
	if second.ThreadID != first.ThreadID || len(history) != 2 {
		t.Fatalf("history = %+v", history)
	}
	if history[0].Content != "first" || history[1].Content != "answer to first" {
		t.Fatalf("history = %+v", history)
	}
}

func TestDrain_RefusesNewRuns(t *testing.T) {
	f := newFixture(t, nil, Config{})
	if !f.sup.Drain(time.Second) {
		t.Fatal("idle drain should succeed")
	}
	if _, err := f.sup.Dispatch(context.Background(), DispatchRequest{Task: "x", OwnerID: "alice"}); !errors.Is(err, ErrDraining) {
		t.Fatalf("err = %v", err)
	}
}

func TestTrimHistory_DropsOldestOverBudget(t *testing.T) {
	long := strings.Repeat("x", 400) // 100 tokens
	msgs := []Message{
		{Role: "user", Content: long},
		{Role: "assistant", Content: long},
		{Role: "user", Content: "and now?"},
	}
	if got := trimHistory(msgs, 1000); len(got) != 3 {
		t.Fatalf("within budget kept %d", len(got))
	}
	got := trimHistory(msgs, 150)
	if len(got) != 2 || got[0].Role != "assistant" {
		t.Fatalf("trimmed = %+v", got)
	}
	if got := trimHistory(msgs[:1], 10); len(got) != 1 {
		t.Fatal("newest message must survive")
	}
}
