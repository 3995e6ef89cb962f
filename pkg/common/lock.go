package common

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

type RedisLockOptions struct {
	TtlS    int
	Retries int
}

// RedisLock is a distributed mutex keyed by name. Locks obtained through one
// RedisLock are released through the same instance.
type RedisLock struct {
	client *redislock.Client
	locks  map[string]*redislock.Lock
	mu     sync.Mutex
}

func NewRedisLock(client *RedisClient) *RedisLock {
	return &RedisLock{
		client: redislock.New(client.UniversalClient),
		locks:  make(map[string]*redislock.Lock),
	}
}

func (l *RedisLock) Acquire(ctx context.Context, key string, opts RedisLockOptions) error {
	retryStrategy := redislock.NoRetry()
	if opts.Retries > 0 {
		retryStrategy = redislock.LimitRetry(redislock.LinearBackoff(100*time.Millisecond), opts.Retries)
	}

	lock, err := l.client.Obtain(ctx, key, time.Duration(opts.TtlS)*time.Second, &redislock.Options{
		RetryStrategy: retryStrategy,
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.locks[key] = lock
	l.mu.Unlock()
	return nil
}

// Refresh extends the TTL of a held lock
func (l *RedisLock) Refresh(ctx context.Context, key string, opts RedisLockOptions) error {
	l.mu.Lock()
	lock, ok := l.locks[key]
	l.mu.Unlock()
	if !ok {
		return redislock.ErrLockNotHeld
	}
	return lock.Refresh(ctx, time.Duration(opts.TtlS)*time.Second, nil)
}

func (l *RedisLock) Release(key string) error {
	l.mu.Lock()
	lock, ok := l.locks[key]
	if ok {
		delete(l.locks, key)
	}
	l.mu.Unlock()

	if !ok {
		return redislock.ErrLockNotHeld
	}

	err := lock.Release(context.TODO())
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}

// IsLockNotObtained reports whether Acquire failed because someone else holds the key
func IsLockNotObtained(err error) bool {
	return errors.Is(err, redislock.ErrNotObtained)
}
