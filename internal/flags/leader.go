// SPDX-License-Identifier: MIT

package flags

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaderKey is the scanner election lock.
const LeaderKey = "scanner:leader"

// Owner identity is compared before every mutation so a lock that expired
// and was re-acquired elsewhere can never be released or extended by the
// previous holder.
var (
	releaseScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0`)

	extendScript = redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0`)
)

// LeaderLock is a TTL lease on a single well-known key. The value encodes
// the instance identity (hostname:pid).
type LeaderLock struct {
	rdb redis.UniversalClient
	key string
	id  string
	ttl time.Duration
}

// NewLeaderLock builds a lock handle; nothing is acquired yet.
func NewLeaderLock(rdb redis.UniversalClient, instanceID string, ttl time.Duration) *LeaderLock {
	return &LeaderLock{rdb: rdb, key: LeaderKey, id: instanceID, ttl: ttl}
}

// Acquire attempts set-if-absent. Returns false when another instance holds
// the lock.
func (l *LeaderLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("leader: acquire: %w", err)
	}
	return ok, nil
}

// Extend refreshes the TTL if we still hold the lock. Returns false when
// leadership was lost; the caller must abort its current iteration.
func (l *LeaderLock) Extend(ctx context.Context) (bool, error) {
	n, err := extendScript.Run(ctx, l.rdb, []string{l.key}, l.id, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("leader: extend: %w", err)
	}
	return n == 1, nil
}

// Release drops the lock if we still hold it. Errors are forfeit-safe: the
// TTL will expire the lock regardless.
func (l *LeaderLock) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.id).Result(); err != nil {
		return fmt.Errorf("leader: release: %w", err)
	}
	return nil
}

// Holder reports the current lock owner, empty when unheld.
func (l *LeaderLock) Holder(ctx context.Context) (string, error) {
	v, err := l.rdb.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("leader: read holder: %w", err)
	}
	return v, nil
}
