package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

type countingDrops struct {
	mu sync.Mutex
	n  int
}

func (c *countingDrops) Inc() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingDrops) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestBus_SequencePerRequest(t *testing.T) {
	b := New(nil)
	defer b.Close()

	sub := b.Subscribe(64, nil)
	defer sub.Cancel()

	for i := 0; i < 5; i++ {
		b.Publish(models.Event{Type: models.EventModelChunk, RequestID: "r1"})
		b.Publish(models.Event{Type: models.EventModelChunk, RequestID: "r2"})
	}

	var r1, r2 []uint64
	for i := 0; i < 10; i++ {
		e := <-sub.Events()
		switch e.RequestID {
		case "r1":
			r1 = append(r1, e.Sequence)
		case "r2":
			r2 = append(r2, e.Sequence)
		}
	}

	for _, seqs := range [][]uint64{r1, r2} {
		if len(seqs) != 5 {
			t.Fatalf("got %d events, want 5", len(seqs))
		}
		for i, s := range seqs {
			if s != uint64(i+1) {
				t.Errorf("seq[%d] = %d, want %d", i, s, i+1)
			}
		}
	}
}

func TestBus_OrderPreservedPerSubscriber(t *testing.T) {
	b := New(nil)
	defer b.Close()

	sub := b.Subscribe(128, nil)
	defer sub.Cancel()

	const n = 100
	for i := 0; i < n; i++ {
		b.Publish(models.Event{Type: models.EventModelChunk, RequestID: "r1"})
	}

	var last uint64
	for i := 0; i < n; i++ {
		e := <-sub.Events()
		if e.Sequence <= last {
			t.Fatalf("sequence went backwards: %d after %d", e.Sequence, last)
		}
		last = e.Sequence
	}
}

func TestBus_Filter(t *testing.T) {
	b := New(nil)
	defer b.Close()

	sub := b.SubscribeRequest(16, "wanted")
	defer sub.Cancel()

	b.Publish(models.Event{Type: models.EventModelChunk, RequestID: "other"})
	b.Publish(models.Event{Type: models.EventModelChunk, RequestID: "wanted"})

	e := <-sub.Events()
	if e.RequestID != "wanted" {
		t.Errorf("RequestID = %q, want wanted", e.RequestID)
	}
	select {
	case e := <-sub.Events():
		t.Errorf("unexpected second event: %+v", e)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBus_SlowSubscriberDropped(t *testing.T) {
	drops := &countingDrops{}
	b := New(drops)
	defer b.Close()

	slow := b.Subscribe(1, nil)
	fast := b.Subscribe(64, nil)
	defer fast.Cancel()

	// Fill the slow subscriber's buffer and push past it; the publisher
	// waits its bounded grace period and then detaches the subscriber.
	b.Publish(models.Event{Type: models.EventModelChunk, RequestID: "r"})
	b.Publish(models.Event{Type: models.EventModelChunk, RequestID: "r"})

	if drops.count() != 1 {
		t.Errorf("drops = %d, want 1", drops.count())
	}

	// The slow subscriber's channel is closed after the buffered event.
	<-slow.Events()
	if _, ok := <-slow.Events(); ok {
		t.Error("slow subscriber channel should be closed")
	}

	// The fast subscriber saw everything.
	for i := 0; i < 2; i++ {
		if _, ok := <-fast.Events(); !ok {
			t.Fatal("fast subscriber lost events")
		}
	}

	// Re-attach on demand: a fresh subscription receives new events.
	again := b.Subscribe(1, nil)
	defer again.Cancel()
	b.Publish(models.Event{Type: models.EventModelChunk, RequestID: "r"})
	if _, ok := <-again.Events(); !ok {
		t.Error("re-attached subscriber should receive events")
	}
}

func TestBus_CloseClosesSubscribers(t *testing.T) {
	b := New(nil)
	sub := b.Subscribe(4, nil)
	b.Close()
	if _, ok := <-sub.Events(); ok {
		t.Error("channel should be closed after bus Close")
	}
	// Publishing after close is a no-op.
	b.Publish(models.Event{Type: models.EventModelChunk})
}

func TestDrain_StopsAtTerminalEvent(t *testing.T) {
	b := New(nil)
	defer b.Close()

	sub := b.SubscribeRequest(16, "r1")
	defer sub.Cancel()

	b.Publish(models.Event{Type: models.EventRequestStarted, RequestID: "r1"})
	b.Publish(models.Event{Type: models.EventModelChunk, RequestID: "r1"})
	b.Publish(models.Event{Type: models.EventRequestFinished, RequestID: "r1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	events := Drain(ctx, sub)
	if len(events) != 3 {
		t.Fatalf("drained %d events, want 3", len(events))
	}
	if events[2].Type != models.EventRequestFinished {
		t.Errorf("last event = %s, want request.finished", events[2].Type)
	}
}
