package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/basket/overseer/internal/audit"
	"github.com/basket/overseer/internal/bus"
	"github.com/basket/overseer/internal/clock"
	"github.com/basket/overseer/internal/decision"
	"github.com/basket/overseer/internal/worker"
)

const drillDownBytes = 1 << 10

// Workers is the part of the worker runtime the supervisor drives.
type Workers interface {
	Spawn(ctx context.Context, req worker.SpawnRequest) (string, error)
	Cancel(workerID, reason string) error
	Progress(workerID string) (worker.Progress, bool)
	Done(workerID string) <-chan struct{}
}

// Verdict is how observation of a worker ended.
type Verdict struct {
	// Finished is set when the worker reached a terminal status before
	// the observer let go of it.
	Finished bool
	// Decision is the last non-wait decision, if any.
	Decision decision.Decision
	Notes    []string
	Progress worker.Progress
}

// Observer polls one worker at a time and acts on the decision engine's
// verdicts. One engine is shared by every observer of a run, so the
// model-call budget is per run.
type Observer struct {
	workers  Workers
	engine   *decision.Engine
	interval time.Duration
	clock    clock.Clock
	emit     func(workerID, eventType string, payload map[string]any)
	audit    *audit.Log
	ownerID  string
	logger   *slog.Logger
}

// Watch blocks until the worker finishes or a decision releases it.
// Cancellation waits for the worker to reach its terminal status.
func (o *Observer) Watch(ctx context.Context, workerID string) (Verdict, error) {
	var v Verdict
	done := o.workers.Done(workerID)
	if done == nil {
		p, ok := o.workers.Progress(workerID)
		if !ok {
			return v, fmt.Errorf("observe %s: %w", workerID, worker.ErrNotRunning)
		}
		v.Finished, v.Progress = true, p
		return v, nil
	}

	lastOps, noProgress := -1, 0
	for {
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-done:
			v.Finished = true
			v.Progress, _ = o.workers.Progress(workerID)
			return v, nil
		case <-o.clock.After(o.interval):
		}

		p, ok := o.workers.Progress(workerID)
		if !ok {
			return v, fmt.Errorf("observe %s: %w", workerID, worker.ErrNotRunning)
		}
		v.Progress = p
		if p.Done {
			v.Finished = true
			return v, nil
		}
		// A slow operation is the stuck rule's business, not a lack of
		// progress.
		if p.Ops() == lastOps && p.CurrentOp == "" {
			noProgress++
		} else {
			noProgress = 0
		}
		lastOps = p.Ops()

		d := o.engine.Decide(ctx, decision.Context{
			Elapsed:          p.Elapsed,
			CurrentOp:        p.CurrentOp,
			CurrentOpElapsed: p.CurrentOpElapsed,
			CompletedOps:     p.CompletedOps,
			FailedOps:        p.FailedOps,
			NoProgressPolls:  noProgress,
			Status:           p.Status,
			LastOpCompleted:  p.LastOpCompleted,
			RecentOutput:     p.RecentOutput,
		})
		if d.Outcome == decision.Wait {
			continue
		}
		v.Decision = d
		o.emit(workerID, bus.TypeDecision, map[string]any{
			"outcome":   string(d.Outcome),
			"reason":    d.Reason,
			"source":    string(d.Source),
			"elapsed_s": p.Elapsed.Seconds(),
		})
		logger := o.logger.With("worker_id", workerID, "outcome", d.Outcome, "source", d.Source)
		if d.Source == decision.SourceModel {
			o.audit.Record(ctx, audit.Entry{
				Action:  audit.ActionDecisionOverride,
				OwnerID: o.ownerID,
				Subject: workerID,
				Outcome: string(d.Outcome),
				Reason:  d.Reason,
			})
		}

		switch d.Outcome {
		case decision.DrillDown:
			note := tail(p.RecentOutput, drillDownBytes)
			if note != "" && (len(v.Notes) == 0 || v.Notes[len(v.Notes)-1] != note) {
				v.Notes = append(v.Notes, note)
			}
			logger.Debug("drilled into worker output", "reason", d.Reason)
		case decision.ExitEarly:
			logger.Info("stopped waiting for worker", "reason", d.Reason)
			v.Finished = p.Done
			return v, nil
		case decision.Cancel:
			logger.Info("cancelling worker", "reason", d.Reason)
			if err := o.workers.Cancel(workerID, "supervisor: "+d.Reason); err != nil && !errors.Is(err, worker.ErrNotRunning) {
				return v, fmt.Errorf("cancel %s: %w", workerID, err)
			}
			select {
			case <-done:
			case <-ctx.Done():
				return v, ctx.Err()
			}
			v.Finished = true
			v.Progress, _ = o.workers.Progress(workerID)
			return v, nil
		}
	}
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	// Skip a partial rune at the cut.
	for i := 0; i < len(s) && i < utf8.UTFMax; i++ {
		if utf8.RuneStart(s[i]) {
			return s[i:]
		}
	}
	return ""
}
