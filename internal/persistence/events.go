package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/overseer/internal/bus"
)

// AppendEvent stores a sequenced event. Re-appending the same (run, seq)
// is ignored so at-least-once delivery cannot duplicate rows.
func (s *Store) AppendEvent(ctx context.Context, ev bus.Event) error {
	payload := []byte("{}")
	if len(ev.Payload) > 0 {
		var err error
		if payload, err = json.Marshal(ev.Payload); err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO events (run_id, seq, type, worker_id, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, ev.RunID, ev.Seq, ev.Type, ev.WorkerID, string(payload), ev.At.UTC())
		return err
	})
}

// ListEvents returns a run's events with seq > afterSeq in order.
func (s *Store) ListEvents(ctx context.Context, runID string, afterSeq uint64, limit int) ([]bus.Event, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, type, worker_id, payload, created_at
		FROM events WHERE run_id = ? AND seq > ?
		ORDER BY seq ASC LIMIT ?;
	`, runID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []bus.Event
	for rows.Next() {
		var (
			ev      bus.Event
			payload string
		)
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.Type, &ev.WorkerID, &payload, &ev.At); err != nil {
			return nil, err
		}
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode event %s/%d: %w", ev.RunID, ev.Seq, err)
			}
		}
		ev.Topic = bus.Topic(ev.RunID, ev.Type)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastEventSeqs returns the highest stored seq per run, used to resume
// bus numbering after a restart.
func (s *Store) LastEventSeqs(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, MAX(seq) FROM events GROUP BY run_id;`)
	if err != nil {
		return nil, fmt.Errorf("last event seqs: %w", err)
	}
	defer rows.Close()
	out := make(map[string]uint64)
	for rows.Next() {
		var (
			runID string
			seq   uint64
		)
		if err := rows.Scan(&runID, &seq); err != nil {
			return nil, err
		}
		out[runID] = seq
	}
	return out, rows.Err()
}

// Recorder subscribes to every bus event and appends it to the event
// log so stream consumers can replay after reconnecting.
type Recorder struct {
	store  *Store
	bus    *bus.Bus
	sub    *bus.Subscription
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewRecorder starts recording immediately.
func NewRecorder(store *Store, b *bus.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{store: store, bus: b, sub: b.Subscribe(""), logger: logger.With("component", "event_recorder")}
	r.wg.Add(1)
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer r.wg.Done()
	for ev := range r.sub.Ch() {
		if err := r.store.AppendEvent(context.Background(), ev); err != nil {
			r.logger.Error("record event failed", "run_id", ev.RunID, "seq", ev.Seq, "type", ev.Type, "error", err)
		}
	}
}

// Close gives queued events up to two seconds to be written, then
// unsubscribes.
func (r *Recorder) Close() {
	deadline := time.Now().Add(2 * time.Second)
	for r.sub.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	r.bus.Unsubscribe(r.sub)
	r.wg.Wait()
}
