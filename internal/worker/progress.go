package worker

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/basket/overseer/internal/artifact"
)

// Progress is a live view of one worker, read by the decision observer.
type Progress struct {
	WorkerID         string
	RunID            string
	Status           artifact.Status
	StartedAt        time.Time
	Elapsed          time.Duration
	CurrentOp        string
	CurrentOpElapsed time.Duration
	CompletedOps     int
	FailedOps        int
	// LastOpCompleted is true once the most recent tool call returned.
	LastOpCompleted bool
	RecentOutput    string
	Done            bool
}

// Ops is the total number of finished tool calls.
func (p Progress) Ops() int { return p.CompletedOps + p.FailedOps }

type execution struct {
	id     string
	owner  string
	runID  string
	stream string
	handle *artifact.Handle
	cancel context.CancelCauseFunc
	done   chan struct{}

	mu         sync.Mutex
	status     artifact.Status
	created    time.Time
	started    time.Time
	finishedAt time.Time
	op         string
	opStarted  time.Time
	calls      int
	completed  int
	failed     int
	lastDone   bool
	tail       []byte
	tailCap    int
}

func (e *execution) setStatus(s artifact.Status, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status = s
	switch {
	case s == artifact.StatusRunning:
		e.started = now
	case s.Terminal():
		e.finishedAt = now
	}
}

// beginOp marks a tool call in flight and returns its 1-based index.
func (e *execution) beginOp(tool string, now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.op = tool
	e.opStarted = now
	e.lastDone = false
	return e.calls
}

func (e *execution) endOp(output string, returned bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.op = ""
	e.opStarted = time.Time{}
	e.lastDone = returned
	if output == "" {
		return
	}
	e.tail = append(e.tail, output...)
	e.tail = append(e.tail, '\n')
	if over := len(e.tail) - e.tailCap; over > 0 {
		e.tail = append([]byte(nil), e.tail[over:]...)
	}
}

func (e *execution) countOp(ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ok {
		e.completed++
	} else {
		e.failed++
	}
}

func (e *execution) progress(now time.Time) Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := Progress{
		WorkerID:        e.id,
		RunID:           e.runID,
		Status:          e.status,
		StartedAt:       e.started,
		CurrentOp:       e.op,
		CompletedOps:    e.completed,
		FailedOps:       e.failed,
		LastOpCompleted: e.lastDone,
		RecentOutput:    string(e.tail),
		Done:            e.status.Terminal(),
	}
	from := e.started
	if from.IsZero() {
		from = e.created
	}
	end := now
	if !e.finishedAt.IsZero() {
		end = e.finishedAt
	}
	p.Elapsed = end.Sub(from)
	if e.op != "" {
		p.CurrentOpElapsed = now.Sub(e.opStarted)
	}
	return p
}

// finishedCache remembers the final progress of recently finished
// workers so observers polling after completion still see them.
type finishedCache struct {
	mu    sync.Mutex
	max   int
	order *list.List
	items map[string]*list.Element
}

type finishedItem struct {
	id string
	p  Progress
}

func newFinishedCache(max int) *finishedCache {
	return &finishedCache{max: max, order: list.New(), items: make(map[string]*list.Element)}
}

func (c *finishedCache) put(id string, p Progress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[id]; ok {
		el.Value.(*finishedItem).p = p
		return
	}
	c.items[id] = c.order.PushBack(&finishedItem{id: id, p: p})
	for c.order.Len() > c.max {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*finishedItem).id)
	}
}

func (c *finishedCache) get(id string) (Progress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[id]
	if !ok {
		return Progress{}, false
	}
	return el.Value.(*finishedItem).p, true
}
