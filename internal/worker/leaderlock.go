package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LeaderLock gates cycle execution so exactly one reconciler instance per
// deployment performs disable/enable actions.
type LeaderLock interface {
	// Acquire returns true when this instance holds leadership for the
	// coming cycle.
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// releaseScript deletes the lock only when this instance still owns it, so
// a lock that expired and was taken over is never released from under the
// new owner.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLeaderLock implements LeaderLock with SET NX and a TTL sized to
// outlive one cycle.
type RedisLeaderLock struct {
	client *redis.Client
	key    string
	id     string
	ttl    time.Duration
}

func NewRedisLeaderLock(client *redis.Client, key string, ttl time.Duration) *RedisLeaderLock {
	return &RedisLeaderLock{
		client: client,
		key:    key,
		id:     uuid.New().String(),
		ttl:    ttl,
	}
}

func (l *RedisLeaderLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.id, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	if ok {
		return true, nil
	}
	// Re-entrant for the holder: a crashed cycle's lock is reclaimed by
	// the same instance without waiting for the TTL.
	owner, err := l.client.Get(ctx, l.key).Result()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("failed to inspect leader lock: %w", err)
	}
	if owner == l.id {
		l.client.Expire(ctx, l.key, l.ttl)
		return true, nil
	}
	return false, nil
}

func (l *RedisLeaderLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.id).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release leader lock: %w", err)
	}
	return nil
}
