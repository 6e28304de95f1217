package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const pollInterval = 100 * time.Millisecond

// RedisStore is the subset of redisclient.Client the locker needs
type RedisStore interface {
	AcquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) (bool, error)
}

// RedisLocker takes leases with SET NX and an owner token. The TTL bounds
// how long a crashed holder can block others.
type RedisLocker struct {
	store RedisStore
	ttl   time.Duration
}

// NewRedisLocker creates a new Redis backed locker
func NewRedisLocker(store RedisStore, ttl time.Duration) *RedisLocker {
	return &RedisLocker{store: store, ttl: ttl}
}

// Acquire waits up to timeout for the key
func (l *RedisLocker) Acquire(ctx context.Context, key string, timeout time.Duration) (Handle, error) {
	token := uuid.New().String()

	err := poll(ctx, timeout, pollInterval, func() (bool, error) {
		ok, err := l.store.AcquireLock(ctx, key, token, l.ttl)
		if err != nil {
			return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}

	return &redisHandle{store: l.store, key: key, token: token}, nil
}

type redisHandle struct {
	store RedisStore
	key   string
	token string
}

func (h *redisHandle) Release(ctx context.Context) error {
	if _, err := h.store.ReleaseLock(ctx, h.key, h.token); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", h.key, err)
	}
	return nil
}
