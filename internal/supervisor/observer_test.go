package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/overseer/internal/artifact"
	"github.com/basket/overseer/internal/bus"
	"github.com/basket/overseer/internal/clock"
	"github.com/basket/overseer/internal/decision"
	"github.com/basket/overseer/internal/worker"
)

// fakeWorkers serves one worker whose progress is computed per poll.
type fakeWorkers struct {
	mu        sync.Mutex
	polls     int
	next      func(poll int) worker.Progress
	done      chan struct{}
	closed    bool
	cancelled string
}

func newFakeWorkers(next func(poll int) worker.Progress) *fakeWorkers {
	return &fakeWorkers{next: next, done: make(chan struct{})}
}

func (f *fakeWorkers) Spawn(context.Context, worker.SpawnRequest) (string, error) {
	return "w-1", nil
}

func (f *fakeWorkers) Cancel(_ string, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return worker.ErrNotRunning
	}
	f.cancelled = reason
	f.closed = true
	close(f.done)
	return nil
}

func (f *fakeWorkers) Progress(id string) (worker.Progress, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	p := f.next(f.polls)
	p.WorkerID = id
	if f.closed && !p.Done {
		p.Status, p.Done = artifact.StatusCancelled, true
	}
	if p.Done && !f.closed {
		f.closed = true
		close(f.done)
	}
	return p, true
}

func (f *fakeWorkers) Done(string) <-chan struct{} { return f.done }

func (f *fakeWorkers) cancelReason() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

type scriptedJudge struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (j *scriptedJudge) Judge(context.Context, string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := j.replies[min(j.calls, len(j.replies)-1)]
	j.calls++
	return r, nil
}

type emitted struct {
	mu     sync.Mutex
	events []map[string]any
}

func (e *emitted) emit(_ string, eventType string, payload map[string]any) {
	if eventType != bus.TypeDecision {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, payload)
}

func newTestObserver(t *testing.T, w Workers, cfg decision.Config, opts ...decision.Option) (*Observer, *emitted) {
	t.Helper()
	engine, err := decision.New(cfg, opts...)
	if err != nil {
		t.Fatal(err)
	}
	em := &emitted{}
	return &Observer{
		workers:  w,
		engine:   engine,
		interval: time.Millisecond,
		clock:    clock.Real(),
		emit:     em.emit,
		logger:   slog.Default(),
		ownerID:  "alice",
	}, em
}

func watch(t *testing.T, o *Observer) Verdict {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := o.Watch(ctx, "w-1")
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	return v
}

func running(p worker.Progress) worker.Progress {
	p.Status = artifact.StatusRunning
	return p
}

func TestObserver_NoProgressCancels(t *testing.T) {
	w := newFakeWorkers(func(int) worker.Progress {
		return running(worker.Progress{CompletedOps: 1, LastOpCompleted: true, RecentOutput: "waiting"})
	})
	cfg := decision.DefaultConfig()
	cfg.NoProgressPolls = 3
	o, em := newTestObserver(t, w, cfg)

	v := watch(t, o)
	if v.Decision.Outcome != decision.Cancel || !v.Finished {
		t.Fatalf("verdict = %+v", v)
	}
	if !strings.Contains(w.cancelReason(), "no progress") {
		t.Fatalf("cancel reason = %q", w.cancelReason())
	}
	if len(em.events) != 1 || em.events[0]["outcome"] != "cancel" {
		t.Fatalf("decision events = %v", em.events)
	}
}

func TestObserver_InFlightOpIsNotNoProgress(t *testing.T) {
	// A long tool call keeps the op count flat; that must not count
	// towards the no-progress rule.
	w := newFakeWorkers(func(poll int) worker.Progress {
		if poll > 20 {
			return worker.Progress{Status: artifact.StatusSuccess, CompletedOps: 1, Done: true}
		}
		return running(worker.Progress{CurrentOp: "shell_exec", CurrentOpElapsed: time.Second})
	})
	cfg := decision.DefaultConfig()
	cfg.NoProgressPolls = 3
	o, _ := newTestObserver(t, w, cfg)

	v := watch(t, o)
	if !v.Finished || v.Decision.Outcome == decision.Cancel {
		t.Fatalf("verdict = %+v", v)
	}
	if w.cancelReason() != "" {
		t.Fatalf("worker was cancelled: %q", w.cancelReason())
	}
}

func TestObserver_StuckOpCancels(t *testing.T) {
	w := newFakeWorkers(func(int) worker.Progress {
		return running(worker.Progress{CurrentOp: "shell_exec", CurrentOpElapsed: 65 * time.Second, Elapsed: 65 * time.Second})
	})
	o, _ := newTestObserver(t, w, decision.DefaultConfig())

	v := watch(t, o)
	if v.Decision.Outcome != decision.Cancel || v.Decision.Source != decision.SourceRules {
		t.Fatalf("verdict = %+v", v)
	}
	if !strings.HasPrefix(w.cancelReason(), "supervisor: shell_exec running") {
		t.Fatalf("cancel reason = %q", w.cancelReason())
	}
}

func TestObserver_ClosingOutputExitsEarly(t *testing.T) {
	w := newFakeWorkers(func(int) worker.Progress {
		return running(worker.Progress{CompletedOps: 2, LastOpCompleted: true, RecentOutput: "backup completed in 4s"})
	})
	o, em := newTestObserver(t, w, decision.DefaultConfig())

	v := watch(t, o)
	if v.Decision.Outcome != decision.ExitEarly || v.Finished {
		t.Fatalf("verdict = %+v", v)
	}
	if w.cancelReason() != "" {
		t.Fatal("exit_early must not cancel the worker")
	}
	if len(em.events) != 1 {
		t.Fatalf("decision events = %v", em.events)
	}
}

func TestObserver_DrillDownCollectsNotes(t *testing.T) {
	w := newFakeWorkers(func(poll int) worker.Progress {
		return running(worker.Progress{CompletedOps: poll, LastOpCompleted: true, RecentOutput: "step output"})
	})
	judge := &scriptedJudge{replies: []string{
		`{"decision":"drill_down","reason":"look closer"}`,
		`{"decision":"exit_early","reason":"enough"}`,
	}}
	cfg := decision.DefaultConfig()
	cfg.Mode = decision.ModeModel
	cfg.Budget.MinInterval = 0
	o, em := newTestObserver(t, w, cfg, decision.WithJudge(judge))

	v := watch(t, o)
	if v.Decision.Outcome != decision.ExitEarly || v.Decision.Source != decision.SourceModel {
		t.Fatalf("verdict = %+v", v)
	}
	if len(v.Notes) != 1 || v.Notes[0] != "step output" {
		t.Fatalf("notes = %v", v.Notes)
	}
	if len(em.events) != 2 {
		t.Fatalf("decision events = %v", em.events)
	}
}

func TestObserver_FinishedWorker(t *testing.T) {
	w := newFakeWorkers(func(int) worker.Progress {
		return worker.Progress{Status: artifact.StatusSuccess, Done: true}
	})
	w.closed = true
	close(w.done)
	o, _ := newTestObserver(t, w, decision.DefaultConfig())

	v := watch(t, o)
	if !v.Finished || v.Decision.Outcome != "" {
		t.Fatalf("verdict = %+v", v)
	}
}

type goneWorkers struct{ fakeWorkers }

func (*goneWorkers) Done(string) <-chan struct{}             { return nil }
func (*goneWorkers) Progress(string) (worker.Progress, bool) { return worker.Progress{}, false }

func TestObserver_UnknownWorker(t *testing.T) {
	o, _ := newTestObserver(t, &goneWorkers{}, decision.DefaultConfig())
	_, err := o.Watch(context.Background(), "w-missing")
	if !errors.Is(err, worker.ErrNotRunning) {
		t.Fatalf("err = %v", err)
	}
}

func TestTail(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "def"},
		{"xxé", 1, ""},
		{"aé", 2, "é"},
	}
	for _, tt := range tests {
		if got := tail(tt.in, tt.n); got != tt.want {
			t.Errorf("tail(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
