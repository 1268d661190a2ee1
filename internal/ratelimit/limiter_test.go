package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewLimiter(rdb), mr
}

func TestAllow_WindowResets(t *testing.T) {
	l, mr := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 2, Window: 10 * time.Second}

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "alice", rule)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "alice", rule)
	require.NoError(t, err)
	assert.False(t, ok)

	// Another identity has its own budget.
	ok, err = l.Allow(ctx, "bob", rule)
	require.NoError(t, err)
	assert.True(t, ok)

	wait, err := l.RetryAfter(ctx, "alice", rule)
	require.NoError(t, err)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, rule.Window)

	mr.FastForward(11 * time.Second)

	ok, err = l.Allow(ctx, "alice", rule)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllow_FailsOpen(t *testing.T) {
	l, mr := newTestLimiter(t)
	mr.SetError("READONLY")

	ok, err := l.Allow(context.Background(), "alice", RuleMessage)
	assert.Error(t, err)
	assert.True(t, ok)
}
