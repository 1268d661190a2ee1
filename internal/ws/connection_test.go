package ws

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnection(t *testing.T, id, userID string) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	c := &Connection{ID: id, UserID: userID, Conn: server, Fd: -1, CreatedAt: time.Now()}
	c.Touch()
	return c, client
}

func TestRegistry_MultiPolicy(t *testing.T) {
	r := NewRegistry(PolicyMulti)

	a1, _ := newTestConnection(t, "a1", "alice")
	a2, _ := newTestConnection(t, "a2", "alice")
	b1, _ := newTestConnection(t, "b1", "bob")

	assert.Empty(t, r.Register(a1))
	assert.Empty(t, r.Register(a2))
	assert.Empty(t, r.Register(b1))

	assert.Equal(t, 3, r.Count())
	assert.Len(t, r.ConnectionsOf("alice"), 2)
	assert.Same(t, a2, r.Get("a2"))
	assert.Same(t, b1, r.GetByConn(b1.Conn))

	require.Same(t, a1, r.Deregister("a1"))
	assert.Nil(t, r.Deregister("a1"), "second removal is a no-op")
	assert.Nil(t, r.GetByConn(a1.Conn))
	assert.Len(t, r.ConnectionsOf("alice"), 1)

	r.Deregister("a2")
	assert.Empty(t, r.ConnectionsOf("alice"))
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_SinglePolicyEvictsOlder(t *testing.T) {
	r := NewRegistry(PolicySingle)

	a1, _ := newTestConnection(t, "a1", "alice")
	a2, _ := newTestConnection(t, "a2", "alice")
	b1, _ := newTestConnection(t, "b1", "bob")

	assert.Empty(t, r.Register(a1))
	assert.Empty(t, r.Register(b1))

	evicted := r.Register(a2)
	require.Len(t, evicted, 1)
	assert.Same(t, a1, evicted[0])

	// Eviction is reported, not performed; the caller removes it.
	assert.Len(t, r.ConnectionsOf("alice"), 2)
	r.Deregister(evicted[0].ID)
	assert.Equal(t, []*Connection{a2}, r.ConnectionsOf("alice"))
}

func TestRegistry_All(t *testing.T) {
	r := NewRegistry(PolicyMulti)
	a1, _ := newTestConnection(t, "a1", "alice")
	b1, _ := newTestConnection(t, "b1", "bob")
	r.Register(a1)
	r.Register(b1)

	ids := []string{}
	for _, c := range r.All() {
		ids = append(ids, c.ID)
	}
	assert.ElementsMatch(t, []string{"a1", "b1"}, ids)
}
