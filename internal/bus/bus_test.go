package bus

import (
	"sync"
	"testing"
	"time"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Ch():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(RunPrefix("r1"))
	defer b.Unsubscribe(sub)

	b.Publish(Event{RunID: "r1", Type: TypeWorkerStarted, WorkerID: "w1"})

	ev := recv(t, sub)
	if ev.Topic != "run.r1.worker_started" {
		t.Fatalf("topic = %q", ev.Topic)
	}
	if ev.Seq != 1 {
		t.Fatalf("seq = %d, want 1", ev.Seq)
	}
	if ev.At.IsZero() {
		t.Fatal("timestamp not set")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	runSub := b.Subscribe(RunPrefix("abc"))
	defer b.Unsubscribe(runSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(Event{RunID: "abc", Type: TypeToolStarted})
	b.Publish(Event{RunID: "abcd", Type: TypeToolStarted})

	if ev := recv(t, runSub); ev.RunID != "abc" {
		t.Fatalf("run = %q, want abc", ev.RunID)
	}
	select {
	case ev := <-runSub.Ch():
		t.Fatalf("unexpected event for other run: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	recv(t, allSub)
	recv(t, allSub)
}

func TestBus_SequencePerRun(t *testing.T) {
	b := New()
	for i := 0; i < 3; i++ {
		b.Publish(Event{RunID: "a", Type: TypeToolStarted})
	}
	got := b.Publish(Event{RunID: "b", Type: TypeToolStarted})
	if got.Seq != 1 {
		t.Fatalf("run b seq = %d, want 1", got.Seq)
	}
	if b.LastSeq("a") != 3 {
		t.Fatalf("run a last = %d, want 3", b.LastSeq("a"))
	}

	b.Resume("a", 10)
	if got := b.Publish(Event{RunID: "a", Type: TypeToolStarted}); got.Seq != 11 {
		t.Fatalf("seq after resume = %d, want 11", got.Seq)
	}
}

func TestBus_SlowConsumerLosesNothing(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const total = 500
	done := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			b.Publish(Event{RunID: "r", Type: TypeToolCompleted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on an idle consumer")
	}

	for want := uint64(1); want <= total; want++ {
		if ev := recv(t, sub); ev.Seq != want {
			t.Fatalf("seq = %d, want %d", ev.Seq, want)
		}
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("run.")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	select {
	case _, ok := <-sub.Ch():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	const goroutines = 10
	const perGoroutine = 5
	total := goroutines * perGoroutine

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				b.Publish(Event{RunID: "r", Type: TypeToolStarted})
			}
		}()
	}
	wg.Wait()

	seen := make(map[uint64]bool)
	var prev uint64
	for i := 0; i < total; i++ {
		ev := recv(t, sub)
		if ev.Seq <= prev {
			t.Fatalf("delivery out of order: %d after %d", ev.Seq, prev)
		}
		prev = ev.Seq
		seen[ev.Seq] = true
	}
	if len(seen) != total {
		t.Fatalf("distinct seqs = %d, want %d", len(seen), total)
	}
}
