// Package events implements the in-process Event Bus (spec §4.10):
// publish delivers into per-subscriber bounded queues, each drained by its
// own single-threaded consumer goroutine with per-handler timeout
// isolation, and recently seen event ids are deduplicated against an LRU.
// The bounded-queue-plus-dedicated-consumer-goroutine shape is grounded in
// muster's reconciler work queue (internal/reconciler/queue.go), which
// pairs a mutex/cond-guarded FIFO with a single Get-loop consumer per
// worker; this bus generalizes that to one such consumer per subscriber.
// LRU dedup uses hashicorp/golang-lru, the same dependency the corpus
// pulls in for bounded caches.
package events

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/giantswarm/tool-gateway/pkg/logging"
)

// DefaultQueueSize is each subscriber's bounded queue capacity. Once full,
// the oldest event is dropped for that subscriber (lapped), never
// blocking the publisher.
const DefaultQueueSize = 256

// DefaultDedupSize is the LRU capacity for recently seen event ids.
const DefaultDedupSize = 1024

// DefaultHandlerTimeout bounds how long a single subscriber handler may
// run before it is abandoned; a slow or throwing handler must not block
// others.
const DefaultHandlerTimeout = 5 * time.Second

// Event is the Event Bus's wire shape: an optional id for dedup, a type
// tag, a timestamp, and an arbitrary payload.
type Event struct {
	Type      string
	ID        string
	Timestamp time.Time
	Payload   interface{}
}

// Handler processes one delivered event. A handler that panics is
// recovered by the consumer loop so it cannot take down the bus.
type Handler func(Event)

type subscriber struct {
	id      string
	queue   chan Event
	stop    chan struct{}
	handler Handler
	timeout time.Duration
}

// Bus is the process-wide Event Bus. Exactly one should be constructed at
// startup and Close'd at teardown; it holds no back-reference to the
// registry or any other component that might call back into it.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	dedup       *lru.Cache
	closed      bool
	nextID      uint64
}

// New constructs a Bus with an LRU dedup window of dedupSize ids.
func New(dedupSize int) *Bus {
	if dedupSize <= 0 {
		dedupSize = DefaultDedupSize
	}
	cache, err := lru.New(dedupSize)
	if err != nil {
		// Only returns an error for a non-positive size, already guarded above.
		cache, _ = lru.New(DefaultDedupSize)
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		dedup:       cache,
	}
}

// Subscribe registers handler to receive every published event on its own
// bounded queue and single consumer goroutine. Returns an unsubscribe id.
func (b *Bus) Subscribe(handler Handler) string {
	return b.SubscribeWithQueueSize(handler, DefaultQueueSize)
}

// SubscribeWithQueueSize is Subscribe with an explicit queue capacity, for
// subscribers (e.g. an SSE client) the caller wants to bound differently.
func (b *Bus) SubscribeWithQueueSize(handler Handler, queueSize int) string {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	b.mu.Lock()
	b.nextID++
	id := subscriberID(b.nextID)
	sub := &subscriber{
		id:      id,
		queue:   make(chan Event, queueSize),
		stop:    make(chan struct{}),
		handler: handler,
		timeout: DefaultHandlerTimeout,
	}
	b.subscribers[id] = sub
	b.mu.Unlock()

	go b.consume(sub)
	return id
}

func subscriberID(n uint64) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	if n == 0 {
		return "sub-0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{alphabet[n%uint64(len(alphabet))]}, digits...)
		n /= uint64(len(alphabet))
	}
	return "sub-" + string(digits)
}

// Unsubscribe stops delivery to id and releases its queue.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()
	if ok {
		close(sub.stop)
	}
}

// consume is a subscriber's dedicated single-threaded delivery loop: one
// handler invocation at a time, isolated from other subscribers.
func (b *Bus) consume(sub *subscriber) {
	for {
		select {
		case <-sub.stop:
			return
		case ev := <-sub.queue:
			b.deliverOne(sub, ev)
		}
	}
}

func (b *Bus) deliverOne(sub *subscriber, ev Event) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				logging.Error("EventBus", nil, "subscriber %s handler panicked on event %s: %v", sub.id, ev.Type, r)
			}
		}()
		sub.handler(ev)
	}()

	select {
	case <-done:
	case <-time.After(sub.timeout):
		logging.Warn("EventBus", "subscriber %s handler timed out on event %s", sub.id, ev.Type)
	}
}

// Publish delivers ev to every current subscriber's queue. If ev.ID has
// been seen within the dedup window it is dropped entirely (delivered to
// nobody a second time). If a subscriber's queue is full, the oldest
// queued event for that subscriber is dropped to make room (lapped),
// never blocking the publisher.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if ev.ID != "" {
		if _, seen := b.dedup.Get(ev.ID); seen {
			return
		}
		b.dedup.Add(ev.ID, struct{}{})
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subscribers {
		enqueueLapping(sub.queue, ev)
	}
}

// enqueueLapping pushes ev onto queue, dropping the oldest queued event
// first if the queue is full.
func enqueueLapping(queue chan Event, ev Event) {
	select {
	case queue <- ev:
		return
	default:
	}
	select {
	case <-queue:
	default:
	}
	select {
	case queue <- ev:
	default:
	}
}

// SubscriberCount returns the number of currently active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close drains and releases every subscriber, per the Event Bus's
// init/close lifecycle pinned to process startup/shutdown.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.stop)
		delete(b.subscribers, id)
	}
}
