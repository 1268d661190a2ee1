package typing

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairchat/internal/protocol"
	"github.com/whisper/pairchat/internal/relay"
)

type capture struct {
	mu     sync.Mutex
	events []relay.Event
}

func (c *capture) Publish(_ context.Context, ev relay.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *capture) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Type
	}
	return out
}

func TestStartStop(t *testing.T) {
	pub := &capture{}
	c := NewCoordinator(pub)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, "conn-1", "alice", "c1"))
	assert.True(t, c.Active("conn-1", "c1"))

	require.NoError(t, c.Stop(ctx, "conn-1", "alice", "c1"))
	assert.False(t, c.Active("conn-1", "c1"))

	assert.Equal(t, []string{protocol.TypeTypingStart, protocol.TypeTypingStop}, pub.types())

	ev := pub.events[0]
	assert.Equal(t, "conversation:c1", ev.Channel)
	assert.Equal(t, "conn-1", ev.ConnID)

	var payload protocol.TypingPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, protocol.TypingPayload{ConversationID: "c1", UserID: "alice"}, payload)
}

func TestDropConnectionSynthesizesStops(t *testing.T) {
	pub := &capture{}
	c := NewCoordinator(pub)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx, "conn-1", "alice", "c1"))
	require.NoError(t, c.Start(ctx, "conn-1", "alice", "c2"))
	require.NoError(t, c.Start(ctx, "conn-1", "alice", "c3"))
	require.NoError(t, c.Stop(ctx, "conn-1", "alice", "c3"))
	require.NoError(t, c.Start(ctx, "conn-2", "alice", "c1"))

	n := c.DropConnection(ctx, "conn-1")
	assert.Equal(t, 2, n)

	var stops []string
	for _, ev := range pub.events[5:] {
		assert.Equal(t, protocol.TypeTypingStop, ev.Type)
		stops = append(stops, ev.Channel)
	}
	assert.ElementsMatch(t, []string{"conversation:c1", "conversation:c2"}, stops)

	// The other connection of the same user is untouched.
	assert.True(t, c.Active("conn-2", "c1"))
	assert.Equal(t, 0, c.DropConnection(ctx, "conn-1"))
}

func TestStopConversationOnlyWhenTyping(t *testing.T) {
	pub := &capture{}
	c := NewCoordinator(pub)
	ctx := context.Background()

	c.StopConversation(ctx, "conn-1", "c1")
	assert.Empty(t, pub.types())

	require.NoError(t, c.Start(ctx, "conn-1", "alice", "c1"))
	c.StopConversation(ctx, "conn-1", "c1")
	c.StopConversation(ctx, "conn-1", "c1")
	assert.Equal(t, []string{protocol.TypeTypingStart, protocol.TypeTypingStop}, pub.types())
}
