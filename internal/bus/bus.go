// Package bus provides the in-process publish/subscribe event stream.
//
// Delivery is at-least-once and in-order per subscriber. Each subscriber
// declares a buffer bound; a publisher blocked on a full buffer waits up to a
// short bound and then drops the subscriber, which may re-attach on demand
// (without back-fill). Events for one request id carry strictly increasing
// sequence numbers assigned at publish time.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// DefaultBufferSize is used when a subscriber asks for a non-positive bound.
const DefaultBufferSize = 256

// publishWait bounds how long a publisher waits on a full subscriber buffer
// before dropping the subscriber.
const publishWait = 50 * time.Millisecond

// DropCounter is the narrow metrics capability the bus needs.
type DropCounter interface {
	Inc()
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	seqs   map[string]uint64
	drops  DropCounter
	closed bool
}

// Subscription is one attached event consumer. sendMu serialises sends
// against channel close so a drop or cancel never races a publish.
type Subscription struct {
	ch     chan models.Event
	filter func(models.Event) bool

	bus    *Bus
	sendMu sync.Mutex
	closed bool
}

// trySend delivers without blocking. Returns (delivered, open).
func (s *Subscription) trySend(event models.Event) (bool, bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.ch <- event:
		return true, true
	default:
		return false, true
	}
}

// closeCh closes the delivery channel exactly once.
func (s *Subscription) closeCh() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// New creates an event bus. drops may be nil.
func New(drops DropCounter) *Bus {
	return &Bus{
		subs:  make(map[*Subscription]struct{}),
		seqs:  make(map[string]uint64),
		drops: drops,
	}
}

// Subscribe attaches a consumer with the given buffer bound. A nil filter
// receives every event.
func (b *Bus) Subscribe(buffer int, filter func(models.Event) bool) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	sub := &Subscription{
		ch:     make(chan models.Event, buffer),
		filter: filter,
		bus:    b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// SubscribeRequest attaches a consumer that only sees events for requestID.
func (b *Bus) SubscribeRequest(buffer int, requestID string) *Subscription {
	return b.Subscribe(buffer, func(e models.Event) bool {
		return e.RequestID == requestID
	})
}

// Events returns the subscriber's delivery channel. The channel is closed
// when the subscription is cancelled, the bus shuts down, or the subscriber
// is dropped for overflow.
func (s *Subscription) Events() <-chan models.Event {
	return s.ch
}

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.bus.remove(s)
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	sub.closeCh()
}

// Publish assigns the per-request sequence number and delivers the event to
// every matching subscriber. Subscribers that stay full past the publish
// bound are dropped.
func (b *Bus) Publish(event models.Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if event.RequestID != "" {
		b.seqs[event.RequestID]++
		event.Sequence = b.seqs[event.RequestID]
		if event.Type == models.EventRequestFinished || event.Type == models.EventRequestFailed {
			// Terminal event: the request id will not be seen again.
			delete(b.seqs, event.RequestID)
		}
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		if sub.filter == nil || sub.filter(event) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	var overflowed []*Subscription
	for _, sub := range targets {
		if delivered, open := sub.trySend(event); delivered || !open {
			continue
		}
		// Buffer full: retry within the bounded grace period, then drop.
		deadline := time.Now().Add(publishWait)
		dropped := true
		for time.Now().Before(deadline) {
			time.Sleep(publishWait / 10)
			if delivered, open := sub.trySend(event); delivered || !open {
				dropped = false
				break
			}
		}
		if dropped {
			overflowed = append(overflowed, sub)
		}
	}

	for _, sub := range overflowed {
		b.remove(sub)
		if b.drops != nil {
			b.drops.Inc()
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeCh()
	}
}

// Drain reads events from sub until a terminal event or ctx expires,
// returning everything read in order. Intended for collectors like the
// session recorder and tests.
func Drain(ctx context.Context, sub *Subscription) []models.Event {
	var events []models.Event
	for {
		select {
		case <-ctx.Done():
			return events
		case e, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, e)
			if e.Type == models.EventRequestFinished || e.Type == models.EventRequestFailed {
				return events
			}
		}
	}
}
