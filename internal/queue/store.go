package queue

import (
	"context"
	"math/rand/v2"
	"time"
)

// Store is the durable queue. Implementations must make Claim an atomic
// conditional transition so two workers never hold the same item.
type Store interface {
	Enqueue(ctx context.Context, in NewItem, now time.Time) (Item, error)
	// Claim moves the oldest due pending item to processing and increments its attempts.
	Claim(ctx context.Context, now time.Time, lease time.Duration) (Item, bool, error)

	// Complete, Retry and DeadLetter return ErrClaimLost when token no longer owns the item.
	Complete(ctx context.Context, id, token string, now time.Time) error
	Retry(ctx context.Context, id, token, lastErr string, at, now time.Time) error
	DeadLetter(ctx context.Context, id, token, lastErr string, now time.Time) error

	// ReclaimExpired returns processing items past their claim deadline to pending,
	// or dead-letters them when the retry budget is spent. It returns the items it dead-lettered.
	ReclaimExpired(ctx context.Context, now time.Time) (reclaimed int, dead []Item, err error)

	Get(ctx context.Context, id string) (Item, error)
	ListDeadLetters(ctx context.Context, f DeadLetterFilter) ([]Item, error)
	// OpenNativeIDs reports which native ids already have a pending or processing item.
	OpenNativeIDs(ctx context.Context, integrationID string, nativeIDs []string) (map[string]bool, error)
	Stats(ctx context.Context, integrationID string, since time.Time) (Stats, error)
}

type DeadLetterFilter struct {
	IntegrationIDs []string
	Limit          int
	Offset         int
}

func (f DeadLetterFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 500 {
		return 100
	}
	return f.Limit
}

// Backoff is exponential: Base * 2^(attempt-1), capped at Max, plus up to Jitter*delay.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func (b Backoff) Next(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 5 * time.Second
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = 10 * time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			d = maxDelay
			break
		}
	}
	if d > maxDelay {
		d = maxDelay
	}
	if b.Jitter > 0 {
		d += time.Duration(rand.Float64() * b.Jitter * float64(d))
	}
	return d
}

// Replay enqueues a fresh copy of a dead-lettered item. The dead-lettered row is left untouched.
func Replay(ctx context.Context, s Store, id string, maxRetries int, now time.Time) (Item, error) {
	dead, err := s.Get(ctx, id)
	if err != nil {
		return Item{}, err
	}
	if dead.Status != StatusDeadLettered {
		return Item{}, ErrNotReplayable
	}
	if maxRetries <= 0 {
		maxRetries = dead.MaxRetries
	}
	return s.Enqueue(ctx, NewItem{
		IntegrationID:  dead.IntegrationID,
		Operation:      dead.Operation,
		EntityType:     dead.EntityType,
		EntityNativeID: dead.EntityNativeID,
		EventType:      dead.EventType,
		Payload:        dead.Payload,
		Verification:   dead.Verification,
		MaxRetries:     maxRetries,
		ScheduledAt:    now,
		ReplayOf:       dead.ID,
	}, now)
}
