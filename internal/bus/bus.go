package bus

import (
	"strings"
	"sync"
	"time"
)

// Event is a message published on the bus. Every event belongs to a run
// and carries a sequence number that increases monotonically within
// that run.
type Event struct {
	Topic    string         `json:"-"`
	RunID    string         `json:"run_id"`
	Seq      uint64         `json:"seq"`
	Type     string         `json:"type"`
	WorkerID string         `json:"worker_id,omitempty"`
	At       time.Time      `json:"at"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Publisher is the producer side of the bus.
type Publisher interface {
	Publish(ev Event) Event
}

// Subscription represents an active subscription. Events are queued in
// an unbounded mailbox and delivered in publish order on Ch, so a slow
// consumer delays only itself and never loses events.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	done   chan struct{}
	closed bool
}

// Ch returns the channel to receive events on. It is closed after
// Unsubscribe once the pump exits.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Pending returns the number of queued events not yet handed to Ch.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}
	}
}

// Bus is an in-process pub/sub message bus with topic prefix matching
// and per-run sequence numbering.
type Bus struct {
	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	seq    map[string]uint64
	now    func() time.Time
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
		seq:  make(map[string]uint64),
		now:  time.Now,
	}
}

// Subscribe creates a subscription for events whose topic starts with
// topicPrefix. An empty prefix matches all topics.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.subs[sub.id] = sub
	go sub.pump()
	return sub
}

// Unsubscribe removes a subscription. Queued events are discarded and
// the channel is closed.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		sub.mu.Lock()
		sub.closed = true
		sub.queue = nil
		sub.mu.Unlock()
		close(sub.done)
	}
}

// Publish assigns the event its topic, timestamp and next sequence
// number for its run (unless already set) and delivers it to every
// matching subscriber. It never blocks on consumers. The sequenced event
// is returned.
func (b *Bus) Publish(ev Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ev.Seq == 0 {
		b.seq[ev.RunID]++
		ev.Seq = b.seq[ev.RunID]
	} else if ev.Seq > b.seq[ev.RunID] {
		b.seq[ev.RunID] = ev.Seq
	}
	if ev.Topic == "" {
		ev.Topic = Topic(ev.RunID, ev.Type)
	}
	if ev.At.IsZero() {
		ev.At = b.now().UTC()
	}

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(ev.Topic, sub.prefix) {
			sub.enqueue(ev)
		}
	}
	return ev
}

// Resume makes the next sequence number for runID start after last.
// Used after a restart so numbering continues from the persisted log.
func (b *Bus) Resume(runID string, last uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if last > b.seq[runID] {
		b.seq[runID] = last
	}
}

// LastSeq returns the last sequence number issued for runID.
func (b *Bus) LastSeq(runID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq[runID]
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
