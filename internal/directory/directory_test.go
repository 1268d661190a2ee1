package directory

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestDirectory(t *testing.T) (*Directory, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, time.Hour), mr, client
}

func sorted(ids []string) []string {
	sort.Strings(ids)
	return ids
}

func TestSubscribeUnsubscribe(t *testing.T) {
	req := require.New(t)
	d, mr, _ := newTestDirectory(t)
	ctx := context.Background()

	req.NoError(d.Subscribe(ctx, "conversation:c1", "conn-a"))
	req.NoError(d.Subscribe(ctx, "conversation:c1", "conn-b"))
	req.NoError(d.Subscribe(ctx, "conversation:c1", "conn-a")) // duplicate is a no-op

	ids, err := d.SubscribersOf(ctx, "conversation:c1")
	req.NoError(err)
	req.Equal([]string{"conn-a", "conn-b"}, sorted(ids))
	req.Equal(time.Hour, mr.TTL("sub:conversation:c1"))
	req.True(d.IsSubscribed("conn-a", "conversation:c1"))

	req.NoError(d.Unsubscribe(ctx, "conversation:c1", "conn-a"))
	ids, err = d.SubscribersOf(ctx, "conversation:c1")
	req.NoError(err)
	req.Equal([]string{"conn-b"}, ids)
	req.False(d.IsSubscribed("conn-a", "conversation:c1"))
	req.Empty(d.ChannelsOf("conn-a"))
}

func TestSubscribersShareAcrossProcesses(t *testing.T) {
	req := require.New(t)
	mr := miniredis.RunT(t)
	c1 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c2 := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { c1.Close(); c2.Close() })

	p1, p2 := New(c1, time.Hour), New(c2, time.Hour)
	ctx := context.Background()

	req.NoError(p1.Subscribe(ctx, "conversation:c1", "conn-p1"))
	req.NoError(p2.Subscribe(ctx, "conversation:c1", "conn-p2"))

	ids, err := p1.SubscribersOf(ctx, "conversation:c1")
	req.NoError(err)
	req.Equal([]string{"conn-p1", "conn-p2"}, sorted(ids))

	// Local views only know their own connections.
	req.Equal([]string{"conn-p1"}, p1.LocalSubscribersOf("conversation:c1"))
	req.Equal([]string{"conn-p2"}, p2.LocalSubscribersOf("conversation:c1"))
}

func TestUnsubscribeAll(t *testing.T) {
	req := require.New(t)
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()

	req.NoError(d.Subscribe(ctx, "user:alice", "conn-a"))
	req.NoError(d.Subscribe(ctx, "conversation:c1", "conn-a"))
	req.NoError(d.Subscribe(ctx, "conversation:c2", "conn-a"))
	req.NoError(d.Subscribe(ctx, "conversation:c1", "conn-b"))

	channels, err := d.UnsubscribeAll(ctx, "conn-a")
	req.NoError(err)
	req.Equal([]string{"conversation:c1", "conversation:c2", "user:alice"}, sorted(channels))

	for _, ch := range channels {
		ids, err := d.SubscribersOf(ctx, ch)
		req.NoError(err)
		req.NotContains(ids, "conn-a")
	}
	ids, _ := d.SubscribersOf(ctx, "conversation:c1")
	req.Equal([]string{"conn-b"}, ids)

	// Second call is a no-op.
	channels, err = d.UnsubscribeAll(ctx, "conn-a")
	req.NoError(err)
	req.Empty(channels)
}

func TestUnsubscribeAll_ClearsLocalIndexOnRedisFailure(t *testing.T) {
	req := require.New(t)
	d, mr, _ := newTestDirectory(t)
	ctx := context.Background()

	req.NoError(d.Subscribe(ctx, "conversation:c1", "conn-a"))
	mr.SetError("LOADING")

	channels, err := d.UnsubscribeAll(ctx, "conn-a")
	req.Error(err)
	req.Equal([]string{"conversation:c1"}, channels)
	req.Empty(d.ChannelsOf("conn-a"))
}

func TestRefreshExtendsTTL(t *testing.T) {
	req := require.New(t)
	d, mr, _ := newTestDirectory(t)
	ctx := context.Background()

	req.NoError(d.Subscribe(ctx, "conversation:c1", "conn-a"))
	mr.FastForward(50 * time.Minute)
	req.NoError(d.Refresh(ctx, "conn-a"))
	mr.FastForward(50 * time.Minute)

	ids, err := d.SubscribersOf(ctx, "conversation:c1")
	req.NoError(err)
	req.Equal([]string{"conn-a"}, ids)
}

func TestStaleSetExpires(t *testing.T) {
	req := require.New(t)
	d, mr, _ := newTestDirectory(t)
	ctx := context.Background()

	req.NoError(d.Subscribe(ctx, "conversation:c1", "conn-crashed"))
	mr.FastForward(61 * time.Minute)

	ids, err := d.SubscribersOf(ctx, "conversation:c1")
	req.NoError(err)
	req.Empty(ids)
}

func TestSweepRemovesDeadMembers(t *testing.T) {
	req := require.New(t)
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()

	req.NoError(d.Subscribe(ctx, "conversation:c1", "live"))
	req.NoError(d.Subscribe(ctx, "conversation:c1", "dead-1"))
	req.NoError(d.Subscribe(ctx, "user:bob", "dead-2"))

	alive := func(_ context.Context, ids []string) (map[string]bool, error) {
		out := make(map[string]bool, len(ids))
		for _, id := range ids {
			out[id] = id == "live"
		}
		return out, nil
	}

	removed, err := d.Sweep(ctx, alive)
	req.NoError(err)
	req.Equal(2, removed)

	ids, _ := d.SubscribersOf(ctx, "conversation:c1")
	req.Equal([]string{"live"}, ids)
	ids, _ = d.SubscribersOf(ctx, "user:bob")
	req.Empty(ids)
}

func TestSweepPropagatesLivenessError(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	ctx := context.Background()
	require.NoError(t, d.Subscribe(ctx, "conversation:c1", "x"))

	_, err := d.Sweep(ctx, func(context.Context, []string) (map[string]bool, error) {
		return nil, errors.New("redis down")
	})
	require.Error(t, err)
}
