package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/overseer/internal/artifact"
	"github.com/basket/overseer/internal/clock"
)

// Backfill regenerates summaries that are missing or fell back to
// truncation. It runs as a periodic maintenance job.
type Backfill struct {
	Store      *artifact.Store
	Summarizer Summarizer
	Timeout    time.Duration
	Batch      int
	Clock      clock.Clock
	Logger     *slog.Logger
}

func (b *Backfill) Name() string { return "summary_backfill" }

// Run summarizes up to Batch records. Records whose summary fails again
// keep their truncated fallback and are retried after the others.
func (b *Backfill) Run(ctx context.Context) error {
	if b.Summarizer == nil {
		return nil
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := b.Clock
	if clk == nil {
		clk = clock.Real()
	}
	batch := b.Batch
	if batch <= 0 {
		batch = 20
	}
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	refs, err := b.Store.NeedsSummary(ctx, batch)
	if err != nil {
		return err
	}
	fixed := 0
	for _, ref := range refs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec, err := b.Store.Get(ctx, ref.WorkerID, ref.OwnerID)
		if err != nil {
			logger.Warn("backfill: read record failed", "worker_id", ref.WorkerID, "error", err)
			continue
		}
		text := rec.Result
		if rec.Status != artifact.StatusSuccess {
			text = rec.Error
		}
		// A failed retry still stores the fallback with a fresh
		// generated_at, which moves the record to the back of the queue.
		summary, meta := Summarize(ctx, b.Summarizer, timeout, rec.Task, text, clk.Now())
		if err := b.Store.UpdateSummary(ctx, rec.WorkerID, rec.OwnerID, summary, meta); err != nil {
			logger.Warn("backfill: update summary failed", "worker_id", rec.WorkerID, "error", err)
			continue
		}
		if meta.Error != "" {
			logger.Debug("backfill: summary failed again", "worker_id", rec.WorkerID, "error", meta.Error)
			continue
		}
		fixed++
	}
	if len(refs) > 0 {
		logger.Info("summary backfill finished", "candidates", len(refs), "updated", fixed)
	}
	return nil
}

// PendingSweep logs records whose result was saved but whose completion
// was never written, so operators can see them between restarts.
type PendingSweep struct {
	Store  *artifact.Store
	Logger *slog.Logger
}

func (p *PendingSweep) Name() string { return "pending_sweep" }

func (p *PendingSweep) Run(ctx context.Context) error {
	pending, err := p.Store.Pending(ctx, "")
	if err != nil {
		return err
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, s := range pending {
		logger.Warn("worker result saved but completion pending", "worker_id", s.WorkerID, "run_id", s.RunID)
	}
	return nil
}
