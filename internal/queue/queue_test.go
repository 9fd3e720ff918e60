package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type permanent struct{ error }

func (permanent) Retryable() bool { return false }

func enqueue(t *testing.T, s Store, now time.Time, nativeID string, maxRetries int) Item {
	t.Helper()
	it, err := s.Enqueue(context.Background(), NewItem{
		IntegrationID:  "int1",
		Operation:      OperationWebhook,
		EntityType:     "call",
		EntityNativeID: nativeID,
		Payload:        []byte(`{"body":{}}`),
		Verification:   VerificationSigned,
		MaxRetries:     maxRetries,
	}, now)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return it
}

func TestBackoff_Exponential(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 10 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := b.Next(i + 1); got != w {
			t.Fatalf("attempt %d: got %s want %s", i+1, got, w)
		}
	}
	j := Backoff{Base: time.Second, Max: time.Minute, Jitter: 0.5}
	if d := j.Next(1); d < time.Second || d > 1500*time.Millisecond {
		t.Fatalf("jitter out of range: %s", d)
	}
}

func TestMemoryStore_ClaimIsExclusive(t *testing.T) {
	s := NewMemoryStore()
	c := newClock()
	enqueue(t, s, c.Now(), "a", 3)

	var wg sync.WaitGroup
	var mu sync.Mutex
	claims := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := s.Claim(context.Background(), c.Now(), time.Minute); ok {
				mu.Lock()
				claims++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if claims != 1 {
		t.Fatalf("expected exactly one claim, got %d", claims)
	}
}

func TestMemoryStore_ClaimRespectsSchedule(t *testing.T) {
	s := NewMemoryStore()
	c := newClock()
	_, err := s.Enqueue(context.Background(), NewItem{IntegrationID: "int1", Payload: []byte(`{}`), MaxRetries: 1, ScheduledAt: c.Now().Add(time.Minute)}, c.Now())
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ok, _ := s.Claim(context.Background(), c.Now(), time.Minute); ok {
		t.Fatalf("future item must not be claimable")
	}
	c.Advance(time.Minute)
	if _, ok, _ := s.Claim(context.Background(), c.Now(), time.Minute); !ok {
		t.Fatalf("due item must be claimable")
	}
}

func TestPool_CompletesItem(t *testing.T) {
	s := NewMemoryStore()
	c := newClock()
	it := enqueue(t, s, c.Now(), "a", 3)
	p := &Pool{Store: s, Handler: HandlerFunc(func(ctx context.Context, it Item) error { return nil }), Now: c.Now}

	processed, err := p.ProcessOne(context.Background())
	if err != nil || !processed {
		t.Fatalf("process: %v %v", processed, err)
	}
	got, _ := s.Get(context.Background(), it.ID)
	if got.Status != StatusCompleted || got.Attempts != 1 || got.CompletedAt == nil {
		t.Fatalf("unexpected item: %+v", got)
	}
	if processed, _ := p.ProcessOne(context.Background()); processed {
		t.Fatalf("queue should be empty")
	}
}

func TestPool_TransientRetriesThenDeadLetters(t *testing.T) {
	s := NewMemoryStore()
	c := newClock()
	it := enqueue(t, s, c.Now(), "a", 3)
	var dead []Item
	p := &Pool{
		Store:        s,
		Handler:      HandlerFunc(func(ctx context.Context, it Item) error { return errors.New("provider 503") }),
		Backoff:      Backoff{Base: time.Second, Max: time.Minute},
		Now:          c.Now,
		OnDeadLetter: func(ctx context.Context, it Item, lastErr string) { dead = append(dead, it) },
	}

	for attempt := 1; attempt <= 3; attempt++ {
		processed, err := p.ProcessOne(context.Background())
		if err != nil || !processed {
			t.Fatalf("attempt %d: %v %v", attempt, processed, err)
		}
		got, _ := s.Get(context.Background(), it.ID)
		if attempt < 3 {
			if got.Status != StatusPending || got.Attempts != attempt {
				t.Fatalf("attempt %d: unexpected item %+v", attempt, got)
			}
			want := c.Now().Add(p.Backoff.Next(attempt))
			if !got.ScheduledAt.Equal(want) {
				t.Fatalf("attempt %d: scheduled %v want %v", attempt, got.ScheduledAt, want)
			}
			if processed, _ := p.ProcessOne(context.Background()); processed {
				t.Fatalf("item must wait for backoff")
			}
			c.Advance(p.Backoff.Next(attempt))
		}
	}
	got, _ := s.Get(context.Background(), it.ID)
	if got.Status != StatusDeadLettered || got.LastError != "provider 503" {
		t.Fatalf("expected dead_lettered, got %+v", got)
	}
	if len(dead) != 1 {
		t.Fatalf("expected dead-letter hook once, got %d", len(dead))
	}
}

func TestPool_PersistentErrorDeadLettersImmediately(t *testing.T) {
	s := NewMemoryStore()
	c := newClock()
	it := enqueue(t, s, c.Now(), "a", 5)
	p := &Pool{Store: s, Handler: HandlerFunc(func(ctx context.Context, it Item) error {
		return permanent{errors.New("no normalizer")}
	}), Now: c.Now}

	if _, err := p.ProcessOne(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := s.Get(context.Background(), it.ID)
	if got.Status != StatusDeadLettered || got.Attempts != 1 {
		t.Fatalf("expected immediate dead letter, got %+v", got)
	}
}

func TestPool_RecoversHandlerPanic(t *testing.T) {
	s := NewMemoryStore()
	c := newClock()
	it := enqueue(t, s, c.Now(), "a", 2)
	p := &Pool{Store: s, Handler: HandlerFunc(func(ctx context.Context, it Item) error { panic("boom") }), Now: c.Now}
	if _, err := p.ProcessOne(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	got, _ := s.Get(context.Background(), it.ID)
	if got.Status != StatusPending || got.LastError == "" {
		t.Fatalf("panic should be retried, got %+v", got)
	}
}

func TestSweep_ReclaimsExpiredClaims(t *testing.T) {
	s := NewMemoryStore()
	c := newClock()
	a := enqueue(t, s, c.Now(), "a", 3)
	claimed, ok, _ := s.Claim(context.Background(), c.Now(), time.Minute)
	if !ok || claimed.ID != a.ID {
		t.Fatalf("claim failed")
	}

	p := &Pool{Store: s, Handler: HandlerFunc(func(context.Context, Item) error { return nil }), Now: c.Now}
	if n, _ := p.Sweep(context.Background()); n != 0 {
		t.Fatalf("claim inside deadline must not be reclaimed")
	}
	c.Advance(2 * time.Minute)
	if n, _ := p.Sweep(context.Background()); n != 1 {
		t.Fatalf("expected one reclaimed item, got %d", n)
	}
	got, _ := s.Get(context.Background(), a.ID)
	if got.Status != StatusPending || got.Attempts != 1 {
		t.Fatalf("unexpected item after sweep: %+v", got)
	}

	// The stalled worker's late completion is rejected.
	if err := s.Complete(context.Background(), a.ID, claimed.ClaimToken, c.Now()); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected ErrClaimLost, got %v", err)
	}
}

func TestSweep_DeadLettersWhenBudgetSpent(t *testing.T) {
	s := NewMemoryStore()
	c := newClock()
	a := enqueue(t, s, c.Now(), "a", 1)
	if _, ok, _ := s.Claim(context.Background(), c.Now(), time.Minute); !ok {
		t.Fatalf("claim failed")
	}
	c.Advance(2 * time.Minute)
	var hooked int
	p := &Pool{Store: s, Handler: HandlerFunc(func(context.Context, Item) error { return nil }), Now: c.Now,
		OnDeadLetter: func(context.Context, Item, string) { hooked++ }}
	if _, err := p.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := s.Get(context.Background(), a.ID)
	if got.Status != StatusDeadLettered || hooked != 1 {
		t.Fatalf("expected dead letter via sweep, got %+v hooked=%d", got, hooked)
	}
}

func TestReplay_CreatesNewItem(t *testing.T) {
	s := NewMemoryStore()
	c := newClock()
	a := enqueue(t, s, c.Now(), "a", 1)
	claimed, _, _ := s.Claim(context.Background(), c.Now(), time.Minute)
	if err := s.DeadLetter(context.Background(), a.ID, claimed.ClaimToken, "bad", c.Now()); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	before, _ := s.Get(context.Background(), a.ID)

	replay, err := Replay(context.Background(), s, a.ID, 0, c.Now())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.ID == a.ID || replay.ReplayOf != a.ID || replay.Status != StatusPending || replay.Attempts != 0 {
		t.Fatalf("unexpected replay item: %+v", replay)
	}
	after, _ := s.Get(context.Background(), a.ID)
	if after.Status != StatusDeadLettered || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("dead-lettered item must not change")
	}
	if _, err := Replay(context.Background(), s, replay.ID, 0, c.Now()); !errors.Is(err, ErrNotReplayable) {
		t.Fatalf("expected ErrNotReplayable, got %v", err)
	}

	dl, _ := s.ListDeadLetters(context.Background(), DeadLetterFilter{IntegrationIDs: []string{"int1"}})
	if len(dl) != 1 || dl[0].ID != a.ID {
		t.Fatalf("unexpected dead letters: %+v", dl)
	}
	if dl, _ := s.ListDeadLetters(context.Background(), DeadLetterFilter{IntegrationIDs: []string{"other"}}); len(dl) != 0 {
		t.Fatalf("dead letters must be filtered by integration")
	}
}

func TestOpenNativeIDsAndStats(t *testing.T) {
	s := NewMemoryStore()
	c := newClock()
	enqueue(t, s, c.Now(), "open", 3)
	done := enqueue(t, s, c.Now().Add(-time.Second), "done", 3)
	claimed, _, _ := s.Claim(context.Background(), c.Now(), time.Minute)
	if claimed.ID != done.ID {
		t.Fatalf("expected oldest scheduled item first")
	}
	_ = s.Complete(context.Background(), done.ID, claimed.ClaimToken, c.Now())

	open, _ := s.OpenNativeIDs(context.Background(), "int1", []string{"open", "done", "missing"})
	if !open["open"] || open["done"] || open["missing"] {
		t.Fatalf("unexpected open ids: %v", open)
	}
	st, _ := s.Stats(context.Background(), "int1", c.Now().Add(-time.Hour))
	if st.Completed != 1 || st.Pending != 1 || st.DeadLettered != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestPool_RunDrainsQueue(t *testing.T) {
	s := NewMemoryStore()
	c := newClock()
	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		enqueue(t, s, c.Now(), id, 3)
	}
	var mu sync.Mutex
	seen := map[string]int{}
	wake := make(chan struct{}, 1)
	p := &Pool{
		Store:    s,
		Workers:  3,
		IdlePoll: 5 * time.Millisecond,
		Wake:     wake,
		Now:      c.Now,
		Handler: HandlerFunc(func(ctx context.Context, it Item) error {
			mu.Lock()
			seen[it.EntityNativeID]++
			mu.Unlock()
			return nil
		}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		all := true
		for _, it := range s.Items() {
			if it.Status != StatusCompleted {
				all = false
			}
		}
		if all {
			break
		}
		select {
		case <-deadline:
			cancel()
			t.Fatalf("queue not drained")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("item %s handled %d times", id, n)
		}
	}
	if len(seen) != 6 {
		t.Fatalf("expected 6 handled items, got %d", len(seen))
	}
}
