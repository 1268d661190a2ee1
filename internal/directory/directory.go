// Package directory is the Subscription Directory: a Redis set per channel
// key listing the connection ids interested in it, shared by every server
// process. Each process also keeps a local reverse index (connection id to
// channel keys) so a disconnect can be cleaned up without scanning Redis.
//
// Sets carry a refreshable TTL. Live connections refresh their sets from the
// heartbeat; sets left behind by a crashed process expire, and the sweeper
// removes dead members from sets that are still in use.
package directory

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

const (
	// KeyPrefix namespaces directory sets: sub:conversation:<id>, sub:user:<id>.
	KeyPrefix = "sub:"

	// DefaultTTL is the set lifetime when no TTL is configured.
	DefaultTTL = time.Hour
)

// Directory maps channel keys to subscribed connection ids.
type Directory struct {
	rdb *redis.Client
	ttl time.Duration

	mu    sync.RWMutex
	local map[string]map[string]struct{} // conn id -> channel keys
}

// New creates a Directory backed by rdb.
func New(rdb *redis.Client, ttl time.Duration) *Directory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Directory{
		rdb:   rdb,
		ttl:   ttl,
		local: make(map[string]map[string]struct{}),
	}
}

func setKey(channel string) string {
	return KeyPrefix + channel
}

// Subscribe adds connID to the channel's set. The local index is only
// updated once Redis accepted the member.
func (d *Directory) Subscribe(ctx context.Context, channel, connID string) error {
	key := setKey(channel)
	pipe := d.rdb.Pipeline()
	pipe.SAdd(ctx, key, connID)
	pipe.Expire(ctx, key, d.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("directory: subscribe %s: %w", channel, err)
	}

	d.mu.Lock()
	keys, ok := d.local[connID]
	if !ok {
		keys = make(map[string]struct{})
		d.local[connID] = keys
	}
	keys[channel] = struct{}{}
	d.mu.Unlock()
	return nil
}

// Unsubscribe removes connID from the channel's set. The local entry is
// dropped even if Redis fails; the sweeper reclaims the shared member.
func (d *Directory) Unsubscribe(ctx context.Context, channel, connID string) error {
	d.mu.Lock()
	if keys, ok := d.local[connID]; ok {
		delete(keys, channel)
		if len(keys) == 0 {
			delete(d.local, connID)
		}
	}
	d.mu.Unlock()

	if err := d.rdb.SRem(ctx, setKey(channel), connID).Err(); err != nil {
		return fmt.Errorf("directory: unsubscribe %s: %w", channel, err)
	}
	return nil
}

// SubscribersOf returns every connection id in the channel's set, across
// all processes.
func (d *Directory) SubscribersOf(ctx context.Context, channel string) ([]string, error) {
	ids, err := d.rdb.SMembers(ctx, setKey(channel)).Result()
	if err != nil {
		return nil, fmt.Errorf("directory: members %s: %w", channel, err)
	}
	return ids, nil
}

// LocalSubscribersOf answers from this process's index only. It is the
// fallback when Redis is unreachable.
func (d *Directory) LocalSubscribersOf(channel string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ids []string
	for connID, keys := range d.local {
		if _, ok := keys[channel]; ok {
			ids = append(ids, connID)
		}
	}
	return ids
}

// IsSubscribed reports whether this process subscribed connID to channel.
func (d *Directory) IsSubscribed(connID, channel string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.local[connID][channel]
	return ok
}

// ChannelsOf lists the channels connID is subscribed to on this process.
func (d *Directory) ChannelsOf(connID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return lo.Keys(d.local[connID])
}

// UnsubscribeAll removes connID from every channel it joined through this
// process and returns those channels. The local index entry is always
// cleared.
func (d *Directory) UnsubscribeAll(ctx context.Context, connID string) ([]string, error) {
	d.mu.Lock()
	channels := lo.Keys(d.local[connID])
	delete(d.local, connID)
	d.mu.Unlock()

	if len(channels) == 0 {
		return nil, nil
	}

	pipe := d.rdb.Pipeline()
	for _, ch := range channels {
		pipe.SRem(ctx, setKey(ch), connID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return channels, fmt.Errorf("directory: unsubscribe all %s: %w", connID, err)
	}
	return channels, nil
}

// Refresh extends the TTL of every set connID belongs to.
func (d *Directory) Refresh(ctx context.Context, connID string) error {
	channels := d.ChannelsOf(connID)
	if len(channels) == 0 {
		return nil
	}

	pipe := d.rdb.Pipeline()
	for _, ch := range channels {
		pipe.Expire(ctx, setKey(ch), d.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("directory: refresh %s: %w", connID, err)
	}
	return nil
}

// Sweep scans every directory set and removes members whose connection no
// longer exists according to alive. It returns the number of members
// removed.
func (d *Directory) Sweep(ctx context.Context, alive func(ctx context.Context, connIDs []string) (map[string]bool, error)) (int, error) {
	removed := 0
	iter := d.rdb.Scan(ctx, 0, KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()

		members, err := d.rdb.SMembers(ctx, key).Result()
		if err != nil || len(members) == 0 {
			continue
		}

		live, err := alive(ctx, members)
		if err != nil {
			return removed, fmt.Errorf("directory: sweep liveness: %w", err)
		}

		dead := lo.Filter(members, func(id string, _ int) bool { return !live[id] })
		if len(dead) == 0 {
			continue
		}
		n, err := d.rdb.SRem(ctx, key, lo.ToAnySlice(dead)...).Result()
		if err != nil {
			log.Printf("[directory] sweep: srem %s: %v", key, err)
			continue
		}
		removed += int(n)
		log.Printf("[directory] sweep: removed %d stale members from %s", n, strings.TrimPrefix(key, KeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("directory: sweep scan: %w", err)
	}
	return removed, nil
}
