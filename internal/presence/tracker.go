// Package presence tracks which users are online. Each user has a shared
// counter of live connections plus the set of those connection ids; both are
// changed together inside a Lua script so concurrent connects and
// disconnects from different processes serialize on Redis. A transition is
// reported only to the caller whose script run crossed the 0/1 boundary, so
// each online and offline edge is published exactly once.
//
// Keying the counter by connection id makes Add and Remove idempotent: a
// replayed disconnect for the same connection cannot drive the count down
// twice, and the count never goes below zero.
package presence

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"
)

const (
	countPrefix = "presence:count:" // + <user_id> -> int
	connsPrefix = "presence:conns:" // + <user_id> -> Set of connection ids
	onlineKey   = "presence:online" // Set of online user ids
)

// Tracker is the Redis-backed presence state machine.
type Tracker struct {
	rdb          *redis.Client
	addScript    *redis.Script
	removeScript *redis.Script
}

// NewTracker creates a Tracker backed by rdb.
func NewTracker(rdb *redis.Client) *Tracker {
	return &Tracker{
		rdb:          rdb,
		addScript:    redis.NewScript(addConnectionLua),
		removeScript: redis.NewScript(removeConnectionLua),
	}
}

func keys(userID string) []string {
	return []string{countPrefix + userID, connsPrefix + userID, onlineKey}
}

// Add counts connID toward userID. It returns true when this call took the
// user from offline to online.
func (t *Tracker) Add(ctx context.Context, userID, connID string) (bool, error) {
	res, err := t.addScript.Run(ctx, t.rdb, keys(userID), connID, userID).Int()
	if err != nil {
		return false, fmt.Errorf("presence: add %s: %w", userID, err)
	}
	return res == 1, nil
}

// Remove stops counting connID toward userID. It returns true when this call
// took the user from online to offline. Removing an unknown connection is a
// no-op.
func (t *Tracker) Remove(ctx context.Context, userID, connID string) (bool, error) {
	res, err := t.removeScript.Run(ctx, t.rdb, keys(userID), connID, userID).Int()
	if err != nil {
		return false, fmt.Errorf("presence: remove %s: %w", userID, err)
	}
	return res == 1, nil
}

// Snapshot returns every online user.
func (t *Tracker) Snapshot(ctx context.Context) ([]string, error) {
	users, err := t.rdb.SMembers(ctx, onlineKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: snapshot: %w", err)
	}
	return users, nil
}

// IsOnline reports whether the user has at least one live connection.
func (t *Tracker) IsOnline(ctx context.Context, userID string) (bool, error) {
	ok, err := t.rdb.SIsMember(ctx, onlineKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: is online %s: %w", userID, err)
	}
	return ok, nil
}

// Count returns the user's live connection count.
func (t *Tracker) Count(ctx context.Context, userID string) (int64, error) {
	n, err := t.rdb.Get(ctx, countPrefix+userID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("presence: count %s: %w", userID, err)
	}
	return n, nil
}

// Sweep removes connections that alive no longer recognises, going through
// the same script as Remove. It returns the users that went offline as a
// result so the caller can publish their transitions.
func (t *Tracker) Sweep(ctx context.Context, alive func(ctx context.Context, connIDs []string) (map[string]bool, error)) ([]string, error) {
	var offline []string
	iter := t.rdb.Scan(ctx, 0, connsPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		userID := strings.TrimPrefix(key, connsPrefix)

		conns, err := t.rdb.SMembers(ctx, key).Result()
		if err != nil || len(conns) == 0 {
			continue
		}
		live, err := alive(ctx, conns)
		if err != nil {
			return offline, fmt.Errorf("presence: sweep liveness: %w", err)
		}

		for _, connID := range lo.Filter(conns, func(id string, _ int) bool { return !live[id] }) {
			wentOffline, err := t.Remove(ctx, userID, connID)
			if err != nil {
				log.Printf("[presence] sweep: %v", err)
				continue
			}
			log.Printf("[presence] sweep: dropped stale connection %s of user %s", connID, userID)
			if wentOffline {
				offline = append(offline, userID)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return offline, fmt.Errorf("presence: sweep scan: %w", err)
	}
	return offline, nil
}

// addConnectionLua registers a connection and increments the counter.
// Returns 1 on the 0 -> 1 edge, 0 otherwise.
const addConnectionLua = `
local count_key = KEYS[1]
local conns_key = KEYS[2]
local online_key = KEYS[3]
local conn_id = ARGV[1]
local user_id = ARGV[2]

if redis.call('SADD', conns_key, conn_id) == 0 then
    return 0
end

local n = redis.call('INCR', count_key)
if n == 1 then
    redis.call('SADD', online_key, user_id)
    return 1
end
return 0
`

// removeConnectionLua unregisters a connection and decrements the counter,
// clamping at zero. Returns 1 on the 1 -> 0 edge, 0 otherwise.
const removeConnectionLua = `
local count_key = KEYS[1]
local conns_key = KEYS[2]
local online_key = KEYS[3]
local conn_id = ARGV[1]
local user_id = ARGV[2]

if redis.call('SREM', conns_key, conn_id) == 0 then
    return 0
end

local n = redis.call('DECR', count_key)
if n <= 0 then
    redis.call('SET', count_key, 0)
    redis.call('SREM', online_key, user_id)
    return 1
end
return 0
`
