package engine

import (
	"strings"
	"sync"

	"github.com/seantiz/forge/internal/wire"
)

// subscriberBufferSize is the channel buffer for each IOPub subscriber.
// Messages are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Event is one side-channel message and the topic it was published under.
type Event struct {
	Topic   string
	Message *wire.Message
}

// Broker fans side-channel messages out to subscribers by topic prefix.
// It is safe for concurrent use. After Close, Subscribe returns a closed
// channel so late subscribers never block.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// NewBroker creates a new broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[int]*subscriber),
	}
}

// Subscribe returns a channel receiving every event whose topic starts with
// prefix, and an unsubscribe function. An empty prefix receives everything.
func (b *Broker) Subscribe(prefix string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{prefix: prefix, ch: ch}

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish sends msg to every subscriber whose prefix matches topic.
// Events are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(topic string, msg *wire.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	for _, s := range b.subs {
		if !strings.HasPrefix(topic, s.prefix) {
			continue
		}
		select {
		case s.ch <- Event{Topic: topic, Message: msg}:
		default:
			// Drop for slow subscribers to avoid blocking execution.
			droppedEvents.Inc()
		}
	}
}

// Close closes every subscriber channel. Publishing after Close is a no-op.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
