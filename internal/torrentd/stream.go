package torrentd

import (
	"sync"
)

// Delivery is one event handed to a subscriber. Missed carries the number
// of events dropped for this subscriber since its previous delivery; a
// consumer seeing Missed > 0 must re-sync from durable state instead of
// trusting that it saw every transition.
type Delivery struct {
	Event  Event
	Missed uint64
}

// Subscription is one independent, bounded view of the event stream.
type Subscription struct {
	ch     chan Delivery
	stream *EventStream

	// missed is only touched by the publisher under the stream mutex.
	missed uint64
}

// C returns the delivery channel. It is closed when the subscription or
// the stream is closed.
func (s *Subscription) C() <-chan Delivery {
	return s.ch
}

// Close detaches the subscription from the stream.
func (s *Subscription) Close() {
	s.stream.unsubscribe(s)
}

// EventStream fans events out to any number of subscribers without ever
// blocking the publisher. A slow subscriber loses the oldest undelivered
// events and learns how many through Delivery.Missed.
type EventStream struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool
}

// NewEventStream creates a stream whose subscribers buffer up to buffer
// undelivered events each.
func NewEventStream(buffer int) *EventStream {
	if buffer < 1 {
		buffer = 1
	}
	return &EventStream{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. Subscribers created after an
// event was published do not see it.
func (es *EventStream) Subscribe() *Subscription {
	es.mu.Lock()
	defer es.mu.Unlock()

	sub := &Subscription{
		ch:     make(chan Delivery, es.buffer),
		stream: es,
	}
	if es.closed {
		close(sub.ch)
		return sub
	}

	es.subs[sub] = struct{}{}
	return sub
}

// Publish delivers ev to every subscriber. When a subscriber's buffer is
// full the oldest undelivered event is dropped and the drop is accounted
// on the next delivery that fits.
func (es *EventStream) Publish(ev Event) {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.closed {
		return
	}

	for sub := range es.subs {
		for {
			select {
			case sub.ch <- Delivery{Event: ev, Missed: sub.missed}:
				sub.missed = 0
			default:
				select {
				case dropped := <-sub.ch:
					// Preserve drop counts carried by the evicted
					// delivery so the total is conserved.
					sub.missed += dropped.Missed + 1
				default:
				}
				continue
			}
			break
		}
	}
}

// Close closes every subscription channel. Further publishes are no-ops.
func (es *EventStream) Close() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.closed {
		return
	}
	es.closed = true

	for sub := range es.subs {
		close(sub.ch)
		delete(es.subs, sub)
	}
}

func (es *EventStream) unsubscribe(sub *Subscription) {
	es.mu.Lock()
	defer es.mu.Unlock()

	if _, ok := es.subs[sub]; !ok {
		return
	}
	delete(es.subs, sub)
	close(sub.ch)
}
