// Package fabric implements the in-process messaging fabric the
// orchestrator publishes chassis telemetry on: named topics, a writer
// channel per topic, and buffered subscriber channels with a
// drop-on-slow-subscriber policy so a stalled consumer can never block the
// scheduler thread.
package fabric

import (
	"sync"
	"time"

	"github.com/openchassis/canbus/codec"
)

// Message is one published telemetry snapshot.
type Message struct {
	Topic    string
	Seq      int64
	Snapshot codec.Snapshot
	At       time.Time
}

// subscriberBuffer is the per-subscriber channel depth. At the stack's
// 100Hz publish rate this absorbs well over a second of consumer stall.
const subscriberBuffer = 128

// Hub owns the topic registry. The zero value is not usable; construct
// with NewHub. Safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*Channel
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{topics: make(map[string]*Channel)}
}

// Register returns the writer channel for a topic, creating it on first
// use. Registering the same topic twice returns the same channel.
func (h *Hub) Register(topic string) *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.topics[topic]; ok {
		return c
	}
	c := &Channel{topic: topic, subs: make(map[int]chan Message)}
	h.topics[topic] = c
	return c
}

// Subscribe attaches a consumer to a topic, creating the topic if needed.
// The returned cancel function detaches the consumer and closes its
// channel; it is safe to call more than once.
func (h *Hub) Subscribe(topic string) (<-chan Message, func()) {
	return h.Register(topic).subscribe()
}

// Topics returns the registered topic names, in no particular order.
func (h *Hub) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.topics))
	for name := range h.topics {
		names = append(names, name)
	}
	return names
}

// Channel is the writer end of one topic.
type Channel struct {
	topic string

	mu      sync.Mutex
	nextSeq int64
	nextSub int
	subs    map[int]chan Message
}

// Topic returns the channel's topic name.
func (c *Channel) Topic() string {
	return c.topic
}

// Write publishes a snapshot to every subscriber. A subscriber whose buffer
// is full is dropped: its channel is closed and it must resubscribe. Write
// never blocks.
func (c *Channel) Write(s codec.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	msg := Message{
		Topic:    c.topic,
		Seq:      c.nextSeq,
		Snapshot: s,
		At:       time.Now(),
	}
	for id, ch := range c.subs {
		select {
		case ch <- msg:
		default:
			close(ch)
			delete(c.subs, id)
		}
	}
}

func (c *Channel) subscribe() (<-chan Message, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Message, subscriberBuffer)
	c.subs[id] = ch

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subs[id]; ok {
			close(sub)
			delete(c.subs, id)
		}
	}
	return ch, cancel
}

// Subscribers returns the current subscriber count, for tests and
// introspection.
func (c *Channel) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
