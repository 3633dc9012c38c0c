package bus

import (
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrBusShuttingDown is returned by Publish after Shutdown has been called.
// Publishers should treat it as benign: late messages from draining
// components are expected during teardown.
var ErrBusShuttingDown = errors.New("bus: shutting down")

// DefaultQueueSize is the bound for queue subscribers when the caller passes
// a non-positive size. Decode and scan queues use 5 to keep frames fresh.
const DefaultQueueSize = 5

// centralQueueSize bounds the channel between publishers and the dispatch
// loop.
const centralQueueSize = 100

// Message is a single item on the bus.
type Message struct {
	Topic   string
	Payload any
}

// Callback is invoked synchronously in the dispatch worker. It must not
// block; long work has to be offloaded by the subscriber.
type Callback func(Message)

// Subscription is the opaque handle returned by Subscribe* calls. It is used
// to unsubscribe and to receive messages for queue subscribers.
type Subscription struct {
	topic    string
	wildcard bool
	callback Callback
	queue    chan Message

	warnOnce sync.Once
}

// Queue returns the receive channel of a queue subscription. It is nil for
// callback subscriptions.
func (s *Subscription) Queue() <-chan Message {
	return s.queue
}

// Bus is a topic-keyed publish/subscribe fabric. Topics are slash-separated
// strings; the pattern segment "*" matches one or more topic segments.
// Publishing enqueues onto a single bounded channel drained by one dispatch
// goroutine, which gives per-topic FIFO ordering from any one publisher.
type Bus struct {
	mu        sync.RWMutex
	exact     map[string][]*Subscription
	wildcards []*Subscription

	central  chan Message
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	closed   bool

	logger zerolog.Logger
}

// New creates a bus and starts its dispatch loop.
func New() *Bus {
	b := &Bus{
		exact:   make(map[string][]*Subscription),
		central: make(chan Message, centralQueueSize),
		done:    make(chan struct{}),
		logger:  log.With().Str("component", "bus").Logger(),
	}

	b.wg.Add(1)
	go b.dispatchLoop()

	return b
}

// Publish enqueues a message for dispatch. It blocks while the central
// channel is full and fails with ErrBusShuttingDown after Shutdown.
func (b *Bus) Publish(topic string, payload any) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusShuttingDown
	}

	select {
	case b.central <- Message{Topic: topic, Payload: payload}:
		return nil
	case <-b.done:
		return ErrBusShuttingDown
	}
}

// Subscribe registers a callback for a topic. The callback runs in the
// dispatch worker; it must not block.
func (b *Bus) Subscribe(topic string, cb Callback) *Subscription {
	sub := &Subscription{
		topic:    topic,
		wildcard: strings.Contains(topic, "*"),
		callback: cb,
	}
	b.add(sub)
	return sub
}

// SubscribeQueue registers a bounded queue for a topic. When the queue is
// full the oldest item is discarded and the new one inserted, so slow
// subscribers see recent messages rather than stale ones. size <= 0 selects
// DefaultQueueSize.
func (b *Bus) SubscribeQueue(topic string, size int) *Subscription {
	if size <= 0 {
		size = DefaultQueueSize
	}
	sub := &Subscription{
		topic:    topic,
		wildcard: strings.Contains(topic, "*"),
		queue:    make(chan Message, size),
	}
	b.add(sub)
	return sub
}

func (b *Bus) add(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.wildcard {
		b.wildcards = append(b.wildcards, sub)
		return
	}
	b.exact[sub.topic] = append(b.exact[sub.topic], sub)
}

// Unsubscribe removes a subscription. It is idempotent; unsubscribing twice
// or with a foreign handle is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.wildcard {
		for i, s := range b.wildcards {
			if s == sub {
				b.wildcards = append(b.wildcards[:i], b.wildcards[i+1:]...)
				return
			}
		}
		return
	}

	subs := b.exact[sub.topic]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			if len(subs) == 0 {
				delete(b.exact, sub.topic)
			} else {
				b.exact[sub.topic] = subs
			}
			return
		}
	}
}

// Shutdown stops the dispatch loop and waits for it to drain. Messages
// published afterwards fail with ErrBusShuttingDown.
func (b *Bus) Shutdown() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		close(b.done)
		b.wg.Wait()
	})
}

func (b *Bus) dispatchLoop() {
	defer b.wg.Done()

	for {
		select {
		case msg := <-b.central:
			b.dispatch(msg)
		case <-b.done:
			// Drain whatever publishers managed to enqueue before the
			// shutdown flag was visible to them.
			for {
				select {
				case msg := <-b.central:
					b.dispatch(msg)
				default:
					return
				}
			}
		}
	}
}

// dispatch delivers to exact-topic subscribers first, then wildcard
// subscribers.
func (b *Bus) dispatch(msg Message) {
	b.mu.RLock()
	exact := b.exact[msg.Topic]
	targets := make([]*Subscription, 0, len(exact)+len(b.wildcards))
	targets = append(targets, exact...)
	for _, sub := range b.wildcards {
		if TopicMatch(sub.topic, msg.Topic) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.deliver(sub, msg)
	}
}

func (b *Bus) deliver(sub *Subscription, msg Message) {
	if sub.callback != nil {
		sub.callback(msg)
		return
	}

	select {
	case sub.queue <- msg:
		return
	default:
	}

	// Queue full: discard the oldest queued item and retry once. The second
	// insert only races other receivers, never other senders, because the
	// dispatch loop is the sole sender.
	sub.warnOnce.Do(func() {
		b.logger.Warn().
			Str("topic", sub.topic).
			Int("queue_size", cap(sub.queue)).
			Msg("subscriber queue full, dropping oldest messages")
	})
	select {
	case <-sub.queue:
	default:
	}
	select {
	case sub.queue <- msg:
	default:
	}
}

// TopicMatch reports whether a pattern matches a topic. Both are split on
// "/"; a "*" pattern segment matches one or more topic segments.
func TopicMatch(pattern, topic string) bool {
	return segmentsMatch(strings.Split(pattern, "/"), strings.Split(topic, "/"))
}

func segmentsMatch(pattern, topic []string) bool {
	if len(pattern) == 0 {
		return len(topic) == 0
	}
	if pattern[0] != "*" {
		if len(topic) == 0 || pattern[0] != topic[0] {
			return false
		}
		return segmentsMatch(pattern[1:], topic[1:])
	}

	// "*" consumes at least one segment, greedily trying every split.
	for i := 1; i <= len(topic); i++ {
		if segmentsMatch(pattern[1:], topic[i:]) {
			return true
		}
	}
	return false
}
