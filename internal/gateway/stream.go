package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/overseer/internal/bus"
	"github.com/basket/overseer/internal/persistence"
	"github.com/basket/overseer/internal/shared"
)

const replayPage = 256

// follow delivers runID's events with seq > afterSeq to emit in order:
// first from the event log, then live from the bus. It returns nil after
// the run's terminal event. Events seen both in the log and on the bus
// are delivered once.
func (s *Server) follow(ctx context.Context, runID, ownerID string, afterSeq uint64, emit func(bus.Event) error) error {
	var live <-chan bus.Event
	if s.cfg.Bus != nil {
		// Subscribe before replaying so nothing published in between is missed.
		sub := s.cfg.Bus.Subscribe(bus.RunPrefix(runID))
		defer s.cfg.Bus.Unsubscribe(sub)
		live = sub.Ch()
	}

	cur := bus.NewCursor()
	cur.Resume(runID, afterSeq)

	deliver := func(evs []bus.Event) (bool, error) {
		for _, ev := range evs {
			if err := emit(ev); err != nil {
				return false, err
			}
			if bus.IsTerminal(ev.Type) {
				return true, nil
			}
		}
		return false, nil
	}
	backfill := func() (delivered int, done bool, err error) {
		for {
			evs, err := s.cfg.Runs.ListEvents(ctx, runID, cur.Last(runID), replayPage)
			if err != nil {
				return delivered, false, err
			}
			for _, ev := range evs {
				ready := cur.Accept(ev)
				delivered += len(ready)
				if done, err := deliver(ready); done || err != nil {
					return delivered, done, err
				}
			}
			if len(evs) < replayPage {
				return delivered, false, nil
			}
		}
	}

	if _, done, err := backfill(); done || err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.StreamPoll)
	defer ticker.Stop()
	quiet := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-live:
			if !ok {
				return nil
			}
			quiet = 0
			if done, err := deliver(cur.Accept(ev)); done || err != nil {
				return err
			}
		case <-ticker.C:
			n, done, err := backfill()
			if done || err != nil {
				return err
			}
			if n > 0 {
				quiet = 0
				continue
			}
			// A run recovered after a crash is terminal without a terminal
			// event. Give the recorder two quiet polls before giving up.
			run, err := s.cfg.Runs.GetRun(ctx, runID, ownerID)
			if err != nil {
				return err
			}
			if run.Status.Terminal() {
				quiet++
				if quiet >= 2 {
					return nil
				}
			}
		}
	}
}

// afterSeq reads the resume point from Last-Event-ID or after_seq.
func afterSeq(r *http.Request) (uint64, error) {
	v := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if v == "" {
		v = r.URL.Query().Get("after_seq")
	}
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

// handleRunEvents implements GET /api/v1/runs/{run_id}/events as a
// server-sent event stream. Each event's id is its seq, so a reconnecting
// EventSource resumes where it left off.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	owner := shared.OwnerID(r.Context())
	after, err := afterSeq(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "after_seq must be a non-negative integer")
		return
	}
	if !s.runVisible(w, r, runID, owner) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err = s.follow(r.Context(), runID, owner, after, func(ev bus.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	s.streamEnded(r, runID, "sse", err)
}

// handleWS implements GET /ws?run_id=&after_seq= with the same event
// sequence as the SSE stream, one JSON message per event.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	owner := shared.OwnerID(r.Context())
	after, err := afterSeq(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "after_seq must be a non-negative integer")
		return
	}
	if !s.runVisible(w, r, runID, owner) {
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the library.
		OriginPatterns: originPatterns(s.cfg.AllowOrigins),
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	// The stream is one-way; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	err = s.follow(ctx, runID, owner, after, func(ev bus.Event) error {
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return wsjson.Write(writeCtx, conn, ev)
	})
	s.streamEnded(r, runID, "ws", err)
	if err == nil {
		_ = conn.Close(websocket.StatusNormalClosure, "run complete")
	}
}

func (s *Server) runVisible(w http.ResponseWriter, r *http.Request, runID, owner string) bool {
	_, err := s.cfg.Runs.GetRun(r.Context(), runID, owner)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return false
	}
	if err != nil {
		s.internalError(w, r, "stream", err)
		return false
	}
	return true
}

func (s *Server) streamEnded(r *http.Request, runID, transport string, err error) {
	switch {
	case err == nil:
		s.logger.Debug("stream complete", "run_id", runID, "transport", transport)
	case errors.Is(err, context.Canceled) || errors.Is(r.Context().Err(), context.Canceled):
		s.logger.Debug("stream client disconnected", "run_id", runID, "transport", transport)
	default:
		s.logger.Warn("stream ended", "run_id", runID, "transport", transport, "error", err)
	}
}
