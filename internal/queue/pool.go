package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"telecom-ingest/internal/metrics"
	"telecom-ingest/pkg/logger"

	"golang.org/x/sync/errgroup"
)

// Handler processes one claimed item. Errors that implement Retryable() bool
// and return false dead-letter the item immediately; all other errors retry.
type Handler interface {
	Handle(ctx context.Context, it Item) error
}

type HandlerFunc func(ctx context.Context, it Item) error

func (f HandlerFunc) Handle(ctx context.Context, it Item) error { return f(ctx, it) }

// DeadLetterHook is told about every item that reaches dead_lettered.
type DeadLetterHook func(ctx context.Context, it Item, lastErr string)

type Pool struct {
	Store         Store
	Handler       Handler
	Backoff       Backoff
	Workers       int
	Lease         time.Duration
	IdlePoll      time.Duration
	SweepInterval time.Duration
	// Wake, when set, shortens the idle wait after an enqueue notification.
	Wake         <-chan struct{}
	OnDeadLetter DeadLetterHook

	Log *slog.Logger
	Now func() time.Time
}

func (p *Pool) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func (p *Pool) log() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

func (p *Pool) lease() time.Duration {
	if p.Lease <= 0 {
		return 2 * time.Minute
	}
	return p.Lease
}

// Run blocks until ctx is cancelled, running the workers and the sweeper.
func (p *Pool) Run(ctx context.Context) error {
	if p.Store == nil || p.Handler == nil {
		return errors.New("queue: store and handler required")
	}
	workers := p.Workers
	if workers <= 0 {
		workers = 1
	}
	idle := p.IdlePoll
	if idle <= 0 {
		idle = 2 * time.Second
	}
	sweep := p.SweepInterval
	if sweep <= 0 {
		sweep = 30 * time.Second
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		worker := i
		g.Go(func() error {
			p.work(ctx, worker, idle)
			return nil
		})
	}
	g.Go(func() error {
		t := time.NewTicker(sweep)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				if _, err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
					p.log().Error("queue sweep failed", "err", err)
				}
			}
		}
	})
	return g.Wait()
}

func (p *Pool) work(ctx context.Context, worker int, idle time.Duration) {
	log := p.log().With("worker", worker)
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := p.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error("queue claim failed", "err", err)
		}
		if processed {
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(idle)
		select {
		case <-ctx.Done():
			return
		case <-p.Wake:
		case <-timer.C:
		}
	}
}

// ProcessOne claims and retires at most one item. It reports whether an item was claimed.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	it, ok, err := p.Store.Claim(ctx, p.now(), p.lease())
	if err != nil || !ok {
		return false, err
	}
	log := p.log().With("queue_item_id", it.ID, "integration_id", it.IntegrationID, "attempt", it.Attempts)

	// The handler runs under the claim deadline; past it the sweeper may hand the item to someone else.
	hctx, cancel := context.WithDeadline(logger.With(ctx, log), *it.ClaimDeadline)
	start := time.Now()
	herr := p.safeHandle(hctx, it)
	cancel()
	metrics.ProcessDuration.Observe(time.Since(start).Seconds())

	now := p.now()
	switch {
	case herr == nil:
		err = p.Store.Complete(ctx, it.ID, it.ClaimToken, now)
		if err == nil {
			metrics.QueueTransitions.WithLabelValues(string(StatusCompleted)).Inc()
		}
	case !Retryable(herr) || it.Attempts >= it.MaxRetries:
		err = p.Store.DeadLetter(ctx, it.ID, it.ClaimToken, herr.Error(), now)
		if err == nil {
			metrics.QueueTransitions.WithLabelValues(string(StatusDeadLettered)).Inc()
			log.Warn("queue item dead-lettered", "err", herr)
			it.Status = StatusDeadLettered
			it.LastError = herr.Error()
			p.deadLettered(ctx, it)
		}
	default:
		delay := p.Backoff.Next(it.Attempts)
		if hint := retryAfter(herr); hint > delay {
			delay = hint
		}
		err = p.Store.Retry(ctx, it.ID, it.ClaimToken, herr.Error(), now.Add(delay), now)
		if err == nil {
			metrics.QueueTransitions.WithLabelValues(string(StatusPending)).Inc()
			log.Info("queue item retry scheduled", "err", herr, "delay", delay)
		}
	}
	if errors.Is(err, ErrClaimLost) {
		log.Warn("queue claim lost before retire")
		return true, nil
	}
	return true, err
}

func (p *Pool) safeHandle(ctx context.Context, it Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: handler panic: %v", r)
		}
	}()
	return p.Handler.Handle(ctx, it)
}

func (p *Pool) deadLettered(ctx context.Context, it Item) {
	if p.OnDeadLetter != nil {
		p.OnDeadLetter(ctx, it, it.LastError)
	}
}

// Sweep recovers items whose workers died or stalled past the claim deadline.
func (p *Pool) Sweep(ctx context.Context) (int, error) {
	reclaimed, dead, err := p.Store.ReclaimExpired(ctx, p.now())
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 || len(dead) > 0 {
		p.log().Info("queue sweep", "reclaimed", reclaimed, "dead_lettered", len(dead))
	}
	metrics.QueueTransitions.WithLabelValues("reclaimed").Add(float64(reclaimed))
	for _, it := range dead {
		metrics.QueueTransitions.WithLabelValues(string(StatusDeadLettered)).Inc()
		p.deadLettered(ctx, it)
	}
	return reclaimed, nil
}

// Retryable reports whether err should go back to pending.
func Retryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// retryAfter returns a minimum delay requested by the error, if any.
func retryAfter(err error) time.Duration {
	var r interface{ RetryDelay() time.Duration }
	if errors.As(err, &r) {
		return r.RetryDelay()
	}
	return 0
}
