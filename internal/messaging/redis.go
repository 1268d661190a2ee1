package messaging

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisPubSub carries relay channels over Redis PUBLISH/SUBSCRIBE. Channel
// keys are used verbatim as Redis channel names under a "relay:" prefix.
type RedisPubSub struct {
	rdb *redis.Client

	mu   sync.Mutex
	subs map[*redis.PubSub]struct{}
}

// NewRedisPubSub creates a transport on an existing client.
func NewRedisPubSub(rdb *redis.Client) *RedisPubSub {
	return &RedisPubSub{rdb: rdb, subs: make(map[*redis.PubSub]struct{})}
}

func redisChannel(channel string) string {
	return "relay:" + channel
}

// Publish sends data to the channel.
func (r *RedisPubSub) Publish(channel string, data []byte) error {
	return r.rdb.Publish(context.Background(), redisChannel(channel), data).Err()
}

// Subscribe opens a dedicated pub/sub connection for channel. It returns
// once Redis has confirmed the subscription.
func (r *RedisPubSub) Subscribe(channel string, handler func(data []byte)) (func() error, error) {
	ctx := context.Background()
	ps := r.rdb.Subscribe(ctx, redisChannel(channel))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	r.mu.Lock()
	r.subs[ps] = struct{}{}
	r.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			handler([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() error {
		var err error
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, ps)
			r.mu.Unlock()
			err = ps.Close()
		})
		return err
	}, nil
}

// Close closes every open subscription.
func (r *RedisPubSub) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[*redis.PubSub]struct{})
	r.mu.Unlock()

	for ps := range subs {
		if err := ps.Close(); err != nil {
			log.Printf("[redis-relay] close subscription: %v", err)
		}
	}
}
