package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"telecom-ingest/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// Locker guards trigger runs so the same integration and mode never overlap.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Limiter caps concurrent provider polls across instances.
type Limiter interface {
	Acquire(ctx context.Context, key string, limit int, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type RedisLocker struct {
	RDB *redis.Client
}

func (l RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token, err := utils.TryLock(ctx, l.RDB, key, ttl)
	if errors.Is(err, utils.ErrLockHeld) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = utils.Unlock(ctx, l.RDB, key, token)
	}
	return release, true, nil
}

type RedisLimiter struct {
	RDB *redis.Client
}

func (l RedisLimiter) Acquire(ctx context.Context, key string, limit int, ttl time.Duration) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.RDB, key, limit, ttl)
}

func (l RedisLimiter) Release(ctx context.Context, key string) error {
	return utils.ReleaseConcurrencyCap(ctx, l.RDB, key)
}

// MemoryLocker is a process-local Locker for tests and single-instance runs.
// Expired holds are treated as free.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	Now  func() time.Time
}

func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if l.Now != nil {
		now = l.Now()
	}
	if l.held == nil {
		l.held = map[string]time.Time{}
	}
	if until, ok := l.held[key]; ok && now.Before(until) {
		return nil, false, nil
	}
	l.held[key] = now.Add(ttl)
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, true, nil
}

// MemoryLimiter counts holders per key in process.
type MemoryLimiter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (l *MemoryLimiter) Acquire(ctx context.Context, key string, limit int, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts == nil {
		l.counts = map[string]int{}
	}
	if l.counts[key] >= limit {
		return false, nil
	}
	l.counts[key]++
	return true, nil
}

func (l *MemoryLimiter) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[key] > 0 {
		l.counts[key]--
	}
	return nil
}
