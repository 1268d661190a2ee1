package relay

import (
	"sync"
)

// LocalBus is an in-process Transport. Several hubs sharing one LocalBus
// behave like processes sharing a broker. Delivery is synchronous.
type LocalBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func([]byte)
}

// NewLocalBus returns an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[int]func([]byte))}
}

func (b *LocalBus) Publish(channel string, data []byte) error {
	b.mu.RLock()
	handlers := make([]func([]byte), 0, len(b.subs[channel]))
	for _, h := range b.subs[channel] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		cp := make([]byte, len(data))
		copy(cp, data)
		h(cp)
	}
	return nil
}

func (b *LocalBus) Subscribe(channel string, handler func([]byte)) (func() error, error) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]func([]byte))
	}
	b.subs[channel][id] = handler
	b.mu.Unlock()

	return func() error {
		b.mu.Lock()
		delete(b.subs[channel], id)
		if len(b.subs[channel]) == 0 {
			delete(b.subs, channel)
		}
		b.mu.Unlock()
		return nil
	}, nil
}

// Subscribers returns the number of transport subscriptions on channel.
func (b *LocalBus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}
