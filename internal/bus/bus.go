// Package bus implements MessageBus: a single-process, in-memory publish/
// subscribe fan-out with per-subscriber ordering and bounded backpressure.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

const defaultQueueSize = 1024

// Message is a single published payload.
type Message struct {
	Topic     string
	Payload   any
	Timestamp time.Time
}

// Subscription is a per-subscriber stream. Messages arrive on C in
// publication order for this subscriber only; Closed is closed after the
// topic is closed and all buffered messages have been delivered.
type Subscription struct {
	C      <-chan Message
	Closed <-chan struct{}

	topic string
	id    uint64
	bus   *Bus
}

// Unsubscribe detaches this subscription from its topic. Safe to call more
// than once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.topic, s.id)
}

type subscriber struct {
	id     uint64
	ch     chan Message
	closed chan struct{}
}

type topicState struct {
	mu      sync.Mutex
	subs    map[uint64]*subscriber
	closed  bool
}

// Bus is the MessageBus: publish is fire-and-forget, subscribe returns a
// per-subscriber ordered stream. The per-topic locked-map-of-subscribers
// shape matches session.Manager (locked map of per-key state) and
// alert.Manager's per-sender goroutine dispatch on Send.
type Bus struct {
	mu             sync.RWMutex
	topics         map[string]*topicState
	queueSize      int
	publishDeadline time.Duration
	nextID         uint64

	dropMu  sync.Mutex
	dropped map[string]int64

	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize overrides the default per-subscriber queue size (1024).
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithPublishDeadline bounds how long publish blocks against a full
// subscriber queue before dropping the oldest buffered message for that
// subscriber.
func WithPublishDeadline(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.publishDeadline = d
		}
	}
}

// New creates a MessageBus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		topics:          make(map[string]*topicState),
		queueSize:       defaultQueueSize,
		publishDeadline: 50 * time.Millisecond,
		dropped:         make(map[string]int64),
		logger:          logger.With("component", "bus.Bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) topic(name string) *topicState {
	b.mu.RLock()
	ts, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return ts
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ts, ok := b.topics[name]; ok {
		return ts
	}
	ts = &topicState{subs: make(map[uint64]*subscriber)}
	b.topics[name] = ts
	return ts
}

// Subscribe returns a new Subscription to topic. Each subscriber gets its
// own bounded FIFO; publication order is preserved per subscriber.
func (b *Bus) Subscribe(topic string) *Subscription {
	ts := b.topic(topic)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.mu.Unlock()

	sub := &subscriber{
		id:     id,
		ch:     make(chan Message, b.queueSize),
		closed: make(chan struct{}),
	}
	if ts.closed {
		close(sub.ch)
		close(sub.closed)
	} else {
		ts.subs[id] = sub
	}

	return &Subscription{C: sub.ch, Closed: sub.closed, topic: topic, id: id, bus: b}
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.RLock()
	ts, ok := b.topics[topic]
	b.mu.RUnlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if sub, ok := ts.subs[id]; ok {
		delete(ts.subs, id)
		close(sub.ch)
	}
}

// Publish is fire-and-forget: it fans payload out to every current
// subscriber of topic. On a full subscriber queue, publish blocks up to the
// configured deadline, then drops the oldest buffered message for that
// subscriber and increments its dropped counter -- never silently dropping
// for every subscriber at once.
func (b *Bus) Publish(topic string, payload any) {
	ts := b.topic(topic)
	msg := Message{Topic: topic, Payload: payload, Timestamp: time.Now()}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.closed {
		return
	}

	for _, sub := range ts.subs {
		b.deliver(topic, sub, msg)
	}
}

func (b *Bus) deliver(topic string, sub *subscriber, msg Message) {
	select {
	case sub.ch <- msg:
		return
	default:
	}

	timer := time.NewTimer(b.publishDeadline)
	defer timer.Stop()

	select {
	case sub.ch <- msg:
		return
	case <-timer.C:
	}

	// Deadline expired: drop the oldest buffered message for this
	// subscriber, not the new one, so the slow subscriber sees the most
	// recent state rather than stalling on stale data.
	select {
	case <-sub.ch:
		b.recordDrop(topic)
	default:
	}
	select {
	case sub.ch <- msg:
	default:
		b.recordDrop(topic)
	}
}

func (b *Bus) recordDrop(topic string) {
	b.dropMu.Lock()
	b.dropped[topic]++
	b.dropMu.Unlock()
	b.logger.Warn("dropped message for slow subscriber", "topic", topic)
}

// DroppedCount returns the number of messages dropped for slow subscribers
// on topic since startup.
func (b *Bus) DroppedCount(topic string) int64 {
	b.dropMu.Lock()
	defer b.dropMu.Unlock()
	return b.dropped[topic]
}

// CloseTopic flushes remaining buffered items to every live subscriber of
// topic (they simply drain sub.ch as normal) then signals end-of-stream by
// closing each subscriber's Closed channel. Future Subscribe calls on the
// same topic return an already-closed subscription.
func (b *Bus) CloseTopic(topic string) {
	ts := b.topic(topic)

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.closed {
		return
	}
	ts.closed = true
	for id, sub := range ts.subs {
		close(sub.ch)
		close(sub.closed)
		delete(ts.subs, id)
	}
}
