// Package relay is the cross-process event bus. Every process subscribes to
// the channels its local connections care about; an event published anywhere
// comes back to every subscribed process, including the publisher.
//
// Subscriptions are reference counted per channel: the transport
// subscription is opened when the first local reference appears and closed
// when the last one is released.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
)

// Handler receives events for a channel.
type Handler func(Event)

// Transport moves raw bytes between processes. Implementations live in the
// messaging package (NATS, Redis pub/sub) and LocalBus in this package.
type Transport interface {
	Publish(channel string, data []byte) error
	Subscribe(channel string, handler func(data []byte)) (unsubscribe func() error, err error)
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("relay: hub closed")

type topic struct {
	refs        int
	handler     Handler
	unsubscribe func() error
}

// Hub multiplexes local interest onto transport subscriptions.
type Hub struct {
	transport Transport
	origin    string

	mu     sync.Mutex
	topics map[string]*topic
	closed bool

	seen *dedupe
}

// NewHub creates a Hub. origin is stamped on published events.
func NewHub(transport Transport, origin string) *Hub {
	return &Hub{
		transport: transport,
		origin:    origin,
		topics:    make(map[string]*topic),
		seen:      newDedupe(4096),
	}
}

// Publish sends an event to its channel.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	if ev.Origin == "" {
		ev.Origin = h.origin
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("relay: marshal event: %w", err)
	}
	if err := h.transport.Publish(ev.Channel, data); err != nil {
		return fmt.Errorf("relay: publish %s: %w", ev.Channel, err)
	}
	return nil
}

// Subscribe adds a reference to channel and returns a release function.
// The first reference opens the transport subscription and installs
// handler; later references share it, so callers on one channel pass the
// same handler. Releasing is idempotent.
func (h *Hub) Subscribe(channel string, handler Handler) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	t, ok := h.topics[channel]
	if !ok {
		t = &topic{handler: handler}
		unsub, err := h.transport.Subscribe(channel, func(data []byte) {
			h.deliver(channel, t, data)
		})
		if err != nil {
			return nil, fmt.Errorf("relay: subscribe %s: %w", channel, err)
		}
		t.unsubscribe = unsub
		h.topics[channel] = t
	}
	t.refs++

	var once sync.Once
	return func() {
		once.Do(func() { h.release(channel, t) })
	}, nil
}

func (h *Hub) release(channel string, t *topic) {
	h.mu.Lock()
	t.refs--
	last := t.refs == 0 && h.topics[channel] == t
	if last {
		delete(h.topics, channel)
	}
	h.mu.Unlock()

	if last && t.unsubscribe != nil {
		if err := t.unsubscribe(); err != nil {
			log.Printf("[relay] unsubscribe %s: %v", channel, err)
		}
	}
}

// Refs returns the number of live references on channel.
func (h *Hub) Refs(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.topics[channel]; ok {
		return t.refs
	}
	return 0
}

// Close tears down every transport subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	topics := h.topics
	h.topics = make(map[string]*topic)
	h.closed = true
	h.mu.Unlock()

	for channel, t := range topics {
		if t.unsubscribe == nil {
			continue
		}
		if err := t.unsubscribe(); err != nil {
			log.Printf("[relay] unsubscribe %s: %v", channel, err)
		}
	}
}

func (h *Hub) deliver(channel string, t *topic, data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Printf("[relay] dropping undecodable event on %s: %v", channel, err)
		return
	}
	if ev.Channel == "" {
		ev.Channel = channel
	}
	// At-least-once transports may redeliver; drop repeats by event id.
	if ev.ID != "" && !h.seen.add(channel+"|"+ev.ID) {
		return
	}
	t.handler(ev)
}

// dedupe remembers the last n keys.
type dedupe struct {
	mu   sync.Mutex
	set  map[string]struct{}
	ring []string
	next int
}

func newDedupe(n int) *dedupe {
	return &dedupe{set: make(map[string]struct{}, n), ring: make([]string, n)}
}

// add returns false if key was already seen.
func (d *dedupe) add(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.set[key]; ok {
		return false
	}
	if old := d.ring[d.next]; old != "" {
		delete(d.set, old)
	}
	d.ring[d.next] = key
	d.set[key] = struct{}{}
	d.next = (d.next + 1) % len(d.ring)
	return true
}
