package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"telecom-ingest/internal/integrations"

	"github.com/robfig/cron/v3"
)

// Scheduler runs interval polls on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	trigger *Triggers
	log     *slog.Logger
}

func NewScheduler(t *Triggers, spec string, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{log})))
	s := &Scheduler{cron: c, trigger: t, log: log}
	if _, err := c.AddFunc(spec, s.tick); err != nil {
		return nil, fmt.Errorf("poller: schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) tick() {
	started, err := s.trigger.SyncAll(context.Background())
	if err != nil {
		s.log.Error("scheduled poll failed to start", "err", err)
		return
	}
	if !started {
		s.log.Info("scheduled poll skipped", "reason", "already_running")
	}
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop stops scheduling and waits for a running tick to return.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug("cron: "+msg, kv...) }
func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("cron: "+msg, append(kv, "err", err)...)
}

// Triggers starts poll runs in the background, at most one per integration and
// mode at a time. Runs use the base context so they outlive the request that
// started them.
type Triggers struct {
	Poller  *Poller
	Locker  Locker
	LockTTL time.Duration

	base context.Context
	wg   sync.WaitGroup
}

func NewTriggers(base context.Context, p *Poller, locker Locker, lockTTL time.Duration) *Triggers {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	return &Triggers{Poller: p, Locker: locker, LockTTL: lockTTL, base: base}
}

// Wait blocks until every background run has finished.
func (t *Triggers) Wait() { t.wg.Wait() }

func (t *Triggers) start(ctx context.Context, key string, run func(ctx context.Context)) (bool, error) {
	release, ok, err := t.Locker.Acquire(ctx, key, t.LockTTL)
	if err != nil || !ok {
		return false, err
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer release()
		run(t.base)
	}()
	return true, nil
}

// SyncAll starts an interval poll across all integrations.
func (t *Triggers) SyncAll(ctx context.Context) (bool, error) {
	return t.start(ctx, "poll:lock:interval:all", func(ctx context.Context) {
		if _, err := t.Poller.PollAll(ctx, ModeInterval, 0); err != nil {
			t.Poller.log().Error("poll cycle failed", "err", err)
		}
	})
}

// Sync starts an interval poll for one integration.
func (t *Triggers) Sync(ctx context.Context, in integrations.Integration) (bool, error) {
	if !t.Poller.Registry.Pollable(in.Provider) {
		return false, ErrNotPollable
	}
	return t.start(ctx, "poll:lock:interval:"+in.ID, func(ctx context.Context) {
		t.Poller.PollIntegration(ctx, in, ModeInterval, 0)
	})
}

// Backfill starts a deep poll over the last days for one integration.
func (t *Triggers) Backfill(ctx context.Context, in integrations.Integration, days int) (int, bool, error) {
	if !t.Poller.Registry.Pollable(in.Provider) {
		return 0, false, ErrNotPollable
	}
	d, err := t.Poller.BackfillDays(days)
	if err != nil {
		return 0, false, err
	}
	started, err := t.start(ctx, "poll:lock:backfill:"+in.ID, func(ctx context.Context) {
		t.Poller.PollIntegration(ctx, in, ModeBackfill, d)
	})
	return d, started, err
}
