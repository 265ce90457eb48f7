package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/overseer/internal/artifact"
	"github.com/basket/overseer/internal/bus"
)

// Waiter waits for unobserved workers via bus events, polling the
// artifact store as a fallback.
type Waiter struct {
	bus   *bus.Bus
	store *artifact.Store
	// Poll is the fallback interval. Without a bus it is the only signal.
	Poll time.Duration
}

// NewWaiter builds a Waiter. b may be nil for polling-only mode.
func NewWaiter(b *bus.Bus, store *artifact.Store) *Waiter {
	poll := time.Second
	if b == nil {
		poll = 100 * time.Millisecond
	}
	return &Waiter{bus: b, store: store, Poll: poll}
}

// Wait blocks until the worker's record is terminal and returns it.
// streamID is the run the worker publishes under.
func (w *Waiter) Wait(ctx context.Context, streamID, workerID, ownerID string) (*artifact.Record, error) {
	// Subscribe before the first check so a completion between the two
	// is not missed.
	var events <-chan bus.Event
	if w.bus != nil {
		sub := w.bus.Subscribe(bus.Topic(streamID, bus.TypeWorkerComplete))
		defer w.bus.Unsubscribe(sub)
		events = sub.Ch()
	}

	if rec, err := w.terminal(ctx, workerID, ownerID); err != nil || rec != nil {
		return rec, err
	}

	ticker := time.NewTicker(w.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for worker %s: %w", workerID, ctx.Err())
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.WorkerID != workerID {
				continue
			}
		}
		if rec, err := w.terminal(ctx, workerID, ownerID); err != nil || rec != nil {
			return rec, err
		}
	}
}

func (w *Waiter) terminal(ctx context.Context, workerID, ownerID string) (*artifact.Record, error) {
	rec, err := w.store.Get(ctx, workerID, ownerID)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		// Transient read errors fall through to the next poll.
		return nil, nil
	}
	if !rec.Status.Terminal() {
		return nil, nil
	}
	return rec, nil
}
