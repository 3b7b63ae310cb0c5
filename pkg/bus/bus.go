// Package bus fans out object store write notifications to the controllers.
//
// Delivery is best effort: each subscriber owns a bounded queue, and when a
// slow subscriber falls behind, the oldest queued event is shed to make
// room (counted in the monitoring drop metric). Events for a kind arrive
// in write order, but because events can be shed, controllers must treat
// them as wake-up hints and periodically re-list to stay level-triggered.
package bus

import (
	"sync"

	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"

	"github.com/ArsalanAnwer0/miniplane/pkg/monitoring"
)

// DefaultQueueLength is the per-subscriber queue capacity.
const DefaultQueueLength = 256

// Bus distributes store events to subscribers.
type Bus struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	queueLen int
	closed   bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueLength overrides the per-subscriber queue capacity.
func WithQueueLength(n int) Option {
	return func(b *Bus) { b.queueLen = n }
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:     make(map[*Subscription]struct{}),
		queueLen: DefaultQueueLength,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish delivers an event to every subscriber interested in the object's
// kind. It never blocks; full queues shed their oldest event instead.
// Publish implements store.EventSink.
func (b *Bus) Publish(event watch.Event) {
	gvk := event.Object.GetObjectKind().GroupVersionKind()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if sub.wants(gvk) {
			sub.send(event)
		}
	}
}

// Subscribe registers a subscriber for the given kinds (none means all).
// The name labels the subscriber in the drop metric.
func (b *Bus) Subscribe(name string, kinds ...schema.GroupVersionKind) *Subscription {
	sub := &Subscription{
		name:  name,
		kinds: make(map[schema.GroupVersionKind]bool, len(kinds)),
		ch:    make(chan watch.Event, b.queueLen),
	}
	for _, gvk := range kinds {
		sub.kinds[gvk] = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sub] = struct{}{}
	sub.cancel = func() { b.unsubscribe(sub) }
	return sub
}

// Close shuts down the bus and closes all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.close()
		delete(b.subs, sub)
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		sub.close()
	}
}

// Subscription is one subscriber's bounded event queue.
type Subscription struct {
	name   string
	kinds  map[schema.GroupVersionKind]bool
	cancel func()

	mu     sync.Mutex
	ch     chan watch.Event
	closed bool
}

// Events returns the receive side of the queue. The channel is closed when
// the subscription is cancelled or the bus shuts down.
func (s *Subscription) Events() <-chan watch.Event {
	return s.ch
}

// Cancel removes the subscription from the bus and closes its channel.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Subscription) wants(gvk schema.GroupVersionKind) bool {
	return len(s.kinds) == 0 || s.kinds[gvk]
}

// send enqueues without blocking. A full queue sheds its oldest event
// (drop-oldest keeps the freshest state flowing, and the subsequent
// re-list covers whatever was lost).
func (s *Subscription) send(event watch.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- event:
			return
		default:
		}
		select {
		case <-s.ch:
			monitoring.DroppedEvent(s.name)
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
