package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"telecom-ingest/internal/ingest"
	"telecom-ingest/internal/integrations"
	"telecom-ingest/internal/ledger"
	"telecom-ingest/internal/queue"
	"telecom-ingest/internal/telephony"
)

var now = time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)

type fakeClient struct {
	provider telephony.Provider
	events   []telephony.PolledEvent
	err      error

	mu   sync.Mutex
	reqs []telephony.ListRequest
}

func (f *fakeClient) Provider() telephony.Provider { return f.provider }

func (f *fakeClient) ListEvents(ctx context.Context, creds telephony.Credentials, config json.RawMessage, req telephony.ListRequest) ([]telephony.PolledEvent, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	return f.events, f.err
}

func vapiCall(id string, updated time.Time) telephony.PolledEvent {
	body := fmt.Sprintf(`{"message":{"type":"call.polled","call":{"id":%q,"type":"webCall","status":"ended","startedAt":"2025-01-31T10:00:00Z","updatedAt":%q}}}`,
		id, updated.Format(time.RFC3339))
	return telephony.PolledEvent{EventType: "call.polled", NativeID: id, Body: json.RawMessage(body)}
}

type harness struct {
	p      *Poller
	repo   *integrations.MemoryRepo
	ledger *ledger.MemoryStore
	queue  *queue.MemoryStore
	vapi   *fakeClient
	twilio *fakeClient
}

func newHarness(t *testing.T) harness {
	t.Helper()
	ctx := context.Background()
	repo := integrations.NewMemoryRepo()
	for _, in := range []integrations.Integration{
		{ID: "int_v", AccountID: "acc", Provider: telephony.ProviderVapi, Active: true, WebhookToken: "a"},
		{ID: "int_t", AccountID: "acc", Provider: telephony.ProviderTwilio, Active: true, WebhookToken: "b"},
		{ID: "int_x", AccountID: "acc", Provider: telephony.ProviderTelnyx, Active: true, WebhookToken: "c"},
	} {
		if err := repo.Create(ctx, in); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	reg := telephony.NewRegistry()
	reg.RegisterNormalizer(telephony.VapiNormalizer{})
	reg.RegisterNormalizer(telephony.TwilioNormalizer{})
	reg.RegisterNormalizer(telephony.TelnyxNormalizer{})
	vapi := &fakeClient{provider: telephony.ProviderVapi}
	twilio := &fakeClient{provider: telephony.ProviderTwilio, err: errors.New("twilio: 503")}
	reg.RegisterClient(vapi)
	reg.RegisterClient(twilio)

	store := ledger.NewMemoryStore()
	q := queue.NewMemoryStore()
	p := &Poller{
		Integrations: integrations.NewService(repo, nil, nil),
		Registry:     reg,
		Ledger:       store,
		Queue:        q,
		Limiter:      &MemoryLimiter{},
		ProviderCap:  2,
		Concurrency:  2,
		RecentLimit:  50,
		MaxRetries:   5,
		Now:          func() time.Time { return now },
	}
	return harness{p: p, repo: repo, ledger: store, queue: q, vapi: vapi, twilio: twilio}
}

// store writes the events a candidate would produce, as a previous ingest would have.
func (h harness) store(t *testing.T, pe telephony.PolledEvent) {
	t.Helper()
	events, err := ingest.Canonicalize(telephony.VapiNormalizer{}, telephony.RawEvent{Provider: telephony.ProviderVapi, Body: pe.Body, ReceivedAt: now})
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	for _, ce := range events {
		if _, err := h.ledger.Upsert(context.Background(), ledger.Event{
			IntegrationID:   "int_v",
			AccountID:       "acc",
			Provider:        telephony.ProviderVapi,
			ProviderEventID: ce.NativeID,
			Type:            ce.Type,
			OccurredAt:      ce.OccurredAt,
			SourceUpdatedAt: ce.SourceUpdatedAt,
			Fingerprint:     ce.Fingerprint(),
		}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
}

func TestPollIntegration_EnqueuesOnlyNewOrChanged(t *testing.T) {
	h := newHarness(t)
	v1 := now.Add(-time.Hour)
	calls := []telephony.PolledEvent{
		vapiCall("c1", v1), vapiCall("c2", v1), vapiCall("c3", v1), vapiCall("c4", v1), vapiCall("c5", v1),
	}
	h.vapi.events = calls
	h.store(t, calls[0])
	h.store(t, calls[1])
	h.store(t, calls[2])

	in, _ := h.repo.Get(context.Background(), "int_v")
	res := h.p.PollIntegration(context.Background(), in, ModeInterval, 0)
	if res.Err != nil {
		t.Fatalf("poll: %v", res.Err)
	}
	if res.Candidates != 5 || res.Known != 3 || res.Enqueued != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	items := h.queue.Items()
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	for _, it := range items {
		if it.Operation != queue.OperationPollBackfill || it.Verification != queue.VerificationPoll || it.EntityType != "call" {
			t.Fatalf("unexpected item %+v", it)
		}
		var raw telephony.RawEvent
		if err := json.Unmarshal(it.Payload, &raw); err != nil || raw.Source != "poll" {
			t.Fatalf("unexpected payload %s (%v)", it.Payload, err)
		}
	}
	if got := h.vapi.reqs[0]; got.Limit != 50 || !got.Since.IsZero() {
		t.Fatalf("unexpected interval request %+v", got)
	}

	synced, _ := h.repo.Get(context.Background(), "int_v")
	if synced.LastSyncedAt == nil || !synced.LastSyncedAt.Equal(now) {
		t.Fatalf("expected last_synced_at to be set, got %v", synced.LastSyncedAt)
	}

	// Second cycle: the two new items are still pending and must not be queued twice.
	res = h.p.PollIntegration(context.Background(), in, ModeInterval, 0)
	if res.Enqueued != 0 || res.InFlight != 2 {
		t.Fatalf("expected in-flight candidates to be skipped, got %+v", res)
	}
}

func TestPollIntegration_ChangedVersionIsEnqueued(t *testing.T) {
	h := newHarness(t)
	h.store(t, vapiCall("c1", now.Add(-2*time.Hour)))
	h.vapi.events = []telephony.PolledEvent{vapiCall("c1", now.Add(-time.Hour))}

	in, _ := h.repo.Get(context.Background(), "int_v")
	res := h.p.PollIntegration(context.Background(), in, ModeInterval, 0)
	if res.Known != 0 || res.Enqueued != 1 {
		t.Fatalf("expected changed event to be enqueued, got %+v", res)
	}
}

func TestPollAll_IsolatesFailuresAndSkipsUnpollable(t *testing.T) {
	h := newHarness(t)
	h.vapi.events = []telephony.PolledEvent{vapiCall("c1", now)}

	results, err := h.p.PollAll(context.Background(), ModeInterval, 0)
	if err != nil {
		t.Fatalf("PollAll: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected telnyx to be skipped, got %d results", len(results))
	}
	byID := map[string]Result{}
	for _, r := range results {
		byID[r.IntegrationID] = r
	}
	if byID["int_v"].Err != nil || byID["int_v"].Enqueued != 1 {
		t.Fatalf("vapi poll should succeed, got %+v", byID["int_v"])
	}
	if byID["int_t"].Err == nil {
		t.Fatalf("expected twilio poll error")
	}

	tw, _ := h.repo.Get(context.Background(), "int_t")
	if tw.LastPollError == "" || tw.LastSyncedAt != nil {
		t.Fatalf("expected poll error to be recorded without sync, got %+v", tw)
	}
	v, _ := h.repo.Get(context.Background(), "int_v")
	if v.LastPollError != "" || v.LastSyncedAt == nil {
		t.Fatalf("vapi integration must not inherit the twilio error, got %+v", v)
	}
}

func TestPollIntegration_Backfill(t *testing.T) {
	h := newHarness(t)
	in, _ := h.repo.Get(context.Background(), "int_v")

	res := h.p.PollIntegration(context.Background(), in, ModeBackfill, 7)
	if res.Err != nil {
		t.Fatalf("backfill: %v", res.Err)
	}
	if got := h.vapi.reqs[0].Since; !got.Equal(now.Add(-7 * 24 * time.Hour)) {
		t.Fatalf("unexpected since %v", got)
	}

	res = h.p.PollIntegration(context.Background(), in, ModeBackfill, 91)
	if !errors.Is(res.Err, ErrInvalidDays) {
		t.Fatalf("expected ErrInvalidDays, got %v", res.Err)
	}
	if d, _ := h.p.BackfillDays(0); d != 30 {
		t.Fatalf("expected default of 30 days, got %d", d)
	}
}

func TestPollIntegration_ProviderCap(t *testing.T) {
	h := newHarness(t)
	h.p.ProviderCap = 1
	lim := h.p.Limiter.(*MemoryLimiter)
	if ok, _ := lim.Acquire(context.Background(), "poll:cap:vapi", 1, time.Minute); !ok {
		t.Fatalf("expected to take the only slot")
	}

	in, _ := h.repo.Get(context.Background(), "int_v")
	res := h.p.PollIntegration(context.Background(), in, ModeInterval, 0)
	if !res.Skipped || !errors.Is(res.Err, ErrProviderBusy) || len(h.vapi.reqs) != 0 {
		t.Fatalf("expected throttled skip, got %+v", res)
	}
}

func TestTriggers_PreventOverlap(t *testing.T) {
	h := newHarness(t)
	locker := &MemoryLocker{}
	tr := NewTriggers(context.Background(), h.p, locker, time.Minute)
	in, _ := h.repo.Get(context.Background(), "int_v")

	// Hold the lock as if a run were in progress.
	release, ok, _ := locker.Acquire(context.Background(), "poll:lock:backfill:int_v", time.Minute)
	if !ok {
		t.Fatalf("expected lock")
	}
	_, started, err := tr.Backfill(context.Background(), in, 3)
	if err != nil || started {
		t.Fatalf("expected overlapping backfill to be refused, got %v %v", started, err)
	}
	release()

	d, started, err := tr.Backfill(context.Background(), in, 0)
	if err != nil || !started || d != 30 {
		t.Fatalf("expected backfill to start with default days, got %d %v %v", d, started, err)
	}
	tr.Wait()
	if len(h.vapi.reqs) != 1 {
		t.Fatalf("expected one backfill request, got %d", len(h.vapi.reqs))
	}

	telnyx, _ := h.repo.Get(context.Background(), "int_x")
	if _, err := tr.Sync(context.Background(), telnyx); !errors.Is(err, ErrNotPollable) {
		t.Fatalf("expected ErrNotPollable, got %v", err)
	}
	if _, _, err := tr.Backfill(context.Background(), in, 500); !errors.Is(err, ErrInvalidDays) {
		t.Fatalf("expected ErrInvalidDays, got %v", err)
	}
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	h := newHarness(t)
	tr := NewTriggers(context.Background(), h.p, &MemoryLocker{}, time.Minute)
	if _, err := NewScheduler(tr, "not a schedule", nil); err == nil {
		t.Fatalf("expected schedule parse error")
	}
	s, err := NewScheduler(tr, "@every 15m", nil)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Start()
	<-s.Stop().Done()
}
