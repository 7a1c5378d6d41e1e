// Package coord implements the Redis coordination layer: per-symbol and
// per-account claim locks, per-agent execution locks, and worker ownership
// keys. Redis is used solely for coordination; every key carries a TTL so a
// crashed holder never deadlocks the system.
package coord

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Key namespaces, by purpose
const (
	symbolLockPrefix  = "lock:symbol:"
	capitalLockPrefix = "lock:capital:"
	execLockPrefix    = "exec_lock:agent:"
	ownerKeyPrefix    = "worker_owner:"
)

// releaseScript deletes a lock key only when held by the caller
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker provides TTL-bounded distributed mutexes over Redis
type Locker struct {
	client *redis.Client
}

// NewLocker creates a Locker backed by the given Redis client
func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Lock is an acquired distributed mutex
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// Release frees the lock if still held by this holder. Safe to call after
// the TTL expired; releasing someone else's re-acquired lock is impossible.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock %s: %w", l.key, err)
	}
	return nil
}

// Acquire blocks up to wait for the lock, holding it for ttl once acquired.
// Returns nil without error when the wait elapses.
func (l *Locker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lock, error) {
	token := uuid.New().String()
	deadline := time.Now().Add(wait)

	for {
		ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return &Lock{client: l.client, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// AcquireSymbolLock serializes position claims per (account, symbol).
// 5s blocking wait, 10s hold.
func (l *Locker) AcquireSymbolLock(ctx context.Context, accountID, symbol string) (*Lock, error) {
	key := symbolLockPrefix + accountID + ":" + symbol
	return l.Acquire(ctx, key, 10*time.Second, 5*time.Second)
}

// AcquireCapitalLock serializes capital-checked claims per account.
// 10s blocking wait, 15s hold.
func (l *Locker) AcquireCapitalLock(ctx context.Context, accountID string) (*Lock, error) {
	key := capitalLockPrefix + accountID
	return l.Acquire(ctx, key, 15*time.Second, 10*time.Second)
}

// AcquireExecutionLock takes the per-agent cycle mutex without blocking.
// Fail-closed: any Redis error is returned so the caller skips the cycle.
func (l *Locker) AcquireExecutionLock(ctx context.Context, agentID string, ttl time.Duration) (*Lock, error) {
	key := execLockPrefix + agentID
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire execution lock for agent %s: %w", agentID, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{client: l.client, key: key, token: token}, nil
}
