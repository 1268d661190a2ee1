// Package typing relays ephemeral typing indicators. Nothing is persisted;
// the coordinator only remembers, per local connection, which conversations
// it last signaled start in so a vanished connection can be cleaned up.
package typing

import (
	"context"
	"log"
	"sync"

	"github.com/whisper/pairchat/internal/chat"
	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/relay"
)

// Publisher sends events to the relay.
type Publisher interface {
	Publish(ctx context.Context, ev relay.Event) error
}

type signal struct {
	userID string
}

// Coordinator tracks open typing signals for this process's connections.
type Coordinator struct {
	pub Publisher

	mu     sync.Mutex
	active map[string]map[string]signal // connID -> conversationID -> signal
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(pub Publisher) *Coordinator {
	return &Coordinator{
		pub:    pub,
		active: make(map[string]map[string]signal),
	}
}

// Start publishes typing:start for userID in the conversation.
func (c *Coordinator) Start(ctx context.Context, connID, userID, conversationID string) error {
	c.mu.Lock()
	convs, ok := c.active[connID]
	if !ok {
		convs = make(map[string]signal)
		c.active[connID] = convs
	}
	convs[conversationID] = signal{userID: userID}
	c.mu.Unlock()

	return c.publish(ctx, protocol.TypeTypingStart, connID, userID, conversationID)
}

// Stop publishes typing:stop for userID in the conversation.
func (c *Coordinator) Stop(ctx context.Context, connID, userID, conversationID string) error {
	c.forget(connID, conversationID)
	return c.publish(ctx, protocol.TypeTypingStop, connID, userID, conversationID)
}

// StopConversation emits a stop for the connection's open signal in one
// conversation, if any. Used when a connection leaves a conversation.
func (c *Coordinator) StopConversation(ctx context.Context, connID, conversationID string) {
	sig, ok := c.forget(connID, conversationID)
	if !ok {
		return
	}
	if err := c.publish(ctx, protocol.TypeTypingStop, connID, sig.userID, conversationID); err != nil {
		log.Printf("[typing] stop on leave conn=%s conversation=%s: %v", connID, conversationID, err)
	}
}

// DropConnection emits a stop for every conversation the connection was
// still typing in and forgets it. It returns the number of stops emitted.
func (c *Coordinator) DropConnection(ctx context.Context, connID string) int {
	c.mu.Lock()
	convs := c.active[connID]
	delete(c.active, connID)
	c.mu.Unlock()

	for convID, sig := range convs {
		if err := c.publish(ctx, protocol.TypeTypingStop, connID, sig.userID, convID); err != nil {
			log.Printf("[typing] stop on disconnect conn=%s conversation=%s: %v", connID, convID, err)
		}
	}
	return len(convs)
}

// Active reports whether connID has an open start in the conversation.
func (c *Coordinator) Active(connID, conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[connID][conversationID]
	return ok
}

func (c *Coordinator) forget(connID, conversationID string) (signal, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	convs := c.active[connID]
	sig, ok := convs[conversationID]
	if !ok {
		return signal{}, false
	}
	delete(convs, conversationID)
	if len(convs) == 0 {
		delete(c.active, connID)
	}
	return sig, true
}

func (c *Coordinator) publish(ctx context.Context, eventType, connID, userID, conversationID string) error {
	ev, err := relay.NewEvent(eventType, chat.ConversationChannel(conversationID), userID, protocol.TypingPayload{
		ConversationID: conversationID,
		UserID:         userID,
	})
	if err != nil {
		return err
	}
	ev.ConnID = connID
	return c.pub.Publish(ctx, ev)
}
