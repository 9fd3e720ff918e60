package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"telecom-ingest/internal/audit"
	"telecom-ingest/internal/auth"
	"telecom-ingest/internal/config"
	"telecom-ingest/internal/integrations"
	"telecom-ingest/internal/ledger"
	"telecom-ingest/internal/poller"
	"telecom-ingest/internal/queue"
	"telecom-ingest/internal/rbac"
	"telecom-ingest/internal/telephony"

	"github.com/gin-gonic/gin"
)

var now = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeTriggers struct {
	running bool
	synced  []string
	days    int
}

func (f *fakeTriggers) SyncAll(ctx context.Context) (bool, error) { return !f.running, nil }

func (f *fakeTriggers) Sync(ctx context.Context, in integrations.Integration) (bool, error) {
	if in.Provider == telephony.ProviderTelnyx {
		return false, poller.ErrNotPollable
	}
	f.synced = append(f.synced, in.ID)
	return !f.running, nil
}

func (f *fakeTriggers) Backfill(ctx context.Context, in integrations.Integration, days int) (int, bool, error) {
	if days == 0 {
		days = 30
	}
	if days > 90 {
		return 0, false, poller.ErrInvalidDays
	}
	f.days = days
	return days, !f.running, nil
}

type env struct {
	router   *gin.Engine
	auth     *auth.Manager
	ledger   *ledger.MemoryStore
	queue    *queue.MemoryStore
	audit    *audit.MemoryRepo
	triggers *fakeTriggers
}

func setup(t *testing.T) env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	repo := integrations.NewMemoryRepo()
	for _, in := range []integrations.Integration{
		{ID: "int_v", AccountID: "acc", Provider: telephony.ProviderVapi, Active: true, WebhookToken: "a", HealthPct: 90, DegradedReason: "processing_failures"},
		{ID: "int_x", AccountID: "acc", Provider: telephony.ProviderTelnyx, Active: true, WebhookToken: "b"},
		{ID: "int_other", AccountID: "other", Provider: telephony.ProviderVapi, Active: true, WebhookToken: "c"},
	} {
		if err := repo.Create(ctx, in); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	vault, err := integrations.NewVault(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	auditRepo := audit.NewMemoryRepo()
	auditSvc := audit.NewService(auditRepo)

	store := ledger.NewMemoryStore()
	q := queue.NewMemoryStore()
	tr := &fakeTriggers{}

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "test", AccessTokenTTL: time.Hour, RefreshTokenTTL: 2 * time.Hour})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	m.Now = func() time.Time { return now }

	h := Handlers{
		Events:       ledger.NewQueryService(store),
		Integrations: integrations.NewService(repo, vault, auditSvc),
		Queue:        q,
		Triggers:     tr,
		Audit:        auditSvc,
		MaxRetries:   5,
		Now:          func() time.Time { return now },
	}
	r := gin.New()
	h.Register(r.Group("/v1", auth.RequireAccessToken(m)))
	return env{router: r, auth: m, ledger: store, queue: q, audit: auditRepo, triggers: tr}
}

func (e env) do(t *testing.T, role, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	pair, err := e.auth.IssuePair(now, "user-1", "acc", role)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e env) seedEvent(t *testing.T, integrationID, account, nativeID string, at time.Time) ledger.Event {
	t.Helper()
	ev := ledger.Event{
		IntegrationID:   integrationID,
		AccountID:       account,
		Provider:        telephony.ProviderVapi,
		ProviderEventID: nativeID,
		Type:            telephony.EventTypeCall,
		Direction:       telephony.DirectionInbound,
		OccurredAt:      at,
		CostMicros:      100_000,
		CostCurrency:    "USD",
		Fingerprint:     nativeID,
	}
	if _, err := e.ledger.Upsert(context.Background(), ev); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	ev.ID = ledger.EventID(integrationID, ev.Provider, nativeID)
	return ev
}

func (e env) deadLetter(t *testing.T, integrationID string) queue.Item {
	t.Helper()
	ctx := context.Background()
	it, err := e.queue.Enqueue(ctx, queue.NewItem{
		IntegrationID: integrationID,
		Operation:     queue.OperationWebhook,
		EntityType:    "call",
		Payload:       json.RawMessage(`{"body":{}}`),
		Verification:  queue.VerificationSigned,
		MaxRetries:    1,
	}, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, ok, err := e.queue.Claim(ctx, now.Add(-time.Hour), time.Minute)
	if err != nil || !ok || claimed.ID != it.ID {
		t.Fatalf("claim: %v %v", ok, err)
	}
	if err := e.queue.DeadLetter(ctx, claimed.ID, claimed.ClaimToken, "persistent: bad shape", now.Add(-time.Hour)); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	return it
}

func TestListEvents_ScopedToAccount(t *testing.T) {
	e := setup(t)
	e.seedEvent(t, "int_v", "acc", "c1", now.Add(-2*time.Hour))
	e.seedEvent(t, "int_v", "acc", "c2", now.Add(-time.Hour))
	e.seedEvent(t, "int_other", "other", "c3", now.Add(-time.Hour))

	w := e.do(t, rbac.RoleAnalyst, http.MethodGet, "/v1/events?limit=10", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var page ledger.EventPage
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Events) != 2 || page.Limit != 10 {
		t.Fatalf("expected two own events, got %+v", page)
	}
	if page.Events[0].ProviderEventID != "c2" {
		t.Fatalf("expected newest first, got %s", page.Events[0].ProviderEventID)
	}
}

func TestListEvents_RejectsBadQuery(t *testing.T) {
	e := setup(t)
	for _, q := range []string{
		"from=yesterday",
		"provider=skype",
		"limit=ten",
		"offset=-1",
		"from=2025-03-01T00:00:00Z&to=2025-02-01T00:00:00Z",
	} {
		if w := e.do(t, rbac.RoleAnalyst, http.MethodGet, "/v1/events?"+q, ""); w.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestGetEvent(t *testing.T) {
	e := setup(t)
	own := e.seedEvent(t, "int_v", "acc", "c1", now.Add(-time.Hour))
	foreign := e.seedEvent(t, "int_other", "other", "c9", now.Add(-time.Hour))

	w := e.do(t, rbac.RoleAnalyst, http.MethodGet, "/v1/events/"+own.ID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var detail ledger.EventDetail
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil || detail.ID != own.ID {
		t.Fatalf("unexpected detail %s (%v)", w.Body.String(), err)
	}
	if w := e.do(t, rbac.RoleAnalyst, http.MethodGet, "/v1/events/"+foreign.ID, ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another account's event, got %d", w.Code)
	}
}

func TestTriggers(t *testing.T) {
	e := setup(t)

	if w := e.do(t, rbac.RoleAnalyst, http.MethodPost, "/v1/integrations/int_v/sync", ""); w.Code != http.StatusForbidden {
		t.Fatalf("analyst must not trigger polls, got %d", w.Code)
	}
	if w := e.do(t, rbac.RoleOperator, http.MethodPost, "/v1/integrations/int_v/sync", ""); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	if w := e.do(t, rbac.RoleOperator, http.MethodPost, "/v1/integrations/int_x/sync", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a push-only provider, got %d", w.Code)
	}
	if w := e.do(t, rbac.RoleOwner, http.MethodPost, "/v1/integrations/int_other/sync", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another account's integration, got %d", w.Code)
	}
	if w := e.do(t, rbac.RoleSuperAdmin, http.MethodPost, "/v1/integrations/int_other/sync", ""); w.Code != http.StatusAccepted {
		t.Fatalf("expected super_admin to reach any account, got %d", w.Code)
	}

	w := e.do(t, rbac.RoleOwner, http.MethodPost, "/v1/integrations/int_v/backfill", `{"days":7}`)
	if w.Code != http.StatusAccepted || !strings.Contains(w.Body.String(), `"started"`) || e.triggers.days != 7 {
		t.Fatalf("unexpected backfill response %d %s", w.Code, w.Body.String())
	}
	events := e.audit.Events()
	if len(events) != 1 || events[0].Type != audit.EventTypeBackfillTrigger || events[0].ActorUserID != "user-1" {
		t.Fatalf("expected backfill audit, got %+v", events)
	}
	if w := e.do(t, rbac.RoleOwner, http.MethodPost, "/v1/integrations/int_v/backfill", `{"days":365}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range days, got %d", w.Code)
	}

	e.triggers.running = true
	w = e.do(t, rbac.RoleOwner, http.MethodPost, "/v1/integrations/sync", "")
	if w.Code != http.StatusAccepted || !strings.Contains(w.Body.String(), "already_running") {
		t.Fatalf("expected already_running, got %d %s", w.Code, w.Body.String())
	}
}

func TestRotateSecret_ReturnsPlaintextOnce(t *testing.T) {
	e := setup(t)
	w := e.do(t, rbac.RoleOwner, http.MethodPost, "/v1/integrations/int_v/webhook-secrets", `{"algorithm":"sha256","grace_seconds":600}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp rotateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Version != 1 || len(resp.Secret) != 64 || resp.Algorithm != "sha256" {
		t.Fatalf("unexpected rotation %+v", resp)
	}
	if w := e.do(t, rbac.RoleOwner, http.MethodPost, "/v1/integrations/int_v/webhook-secrets", `{"algorithm":"md5"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsupported algorithm, got %d", w.Code)
	}
}

func TestDeadLettersAndReplay(t *testing.T) {
	e := setup(t)
	own := e.deadLetter(t, "int_v")
	foreign := e.deadLetter(t, "int_other")

	w := e.do(t, rbac.RoleAnalyst, http.MethodGet, "/v1/queue/dead-letters", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var list struct {
		Items []queue.Item `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].ID != own.ID {
		t.Fatalf("expected only the account's dead letter, got %+v", list.Items)
	}

	if w := e.do(t, rbac.RoleOperator, http.MethodPost, "/v1/queue/"+foreign.ID+"/replay", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another account's item, got %d", w.Code)
	}
	w = e.do(t, rbac.RoleOperator, http.MethodPost, "/v1/queue/"+own.ID+"/replay", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var replay struct {
		ID       string `json:"id"`
		ReplayOf string `json:"replay_of"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &replay)
	fresh, err := e.queue.Get(context.Background(), replay.ID)
	if err != nil || fresh.Status != queue.StatusPending || fresh.ReplayOf != own.ID || fresh.MaxRetries != 5 {
		t.Fatalf("unexpected replayed item %+v (%v)", fresh, err)
	}
	dead, _ := e.queue.Get(context.Background(), own.ID)
	if dead.Status != queue.StatusDeadLettered {
		t.Fatalf("dead-lettered row must be left untouched, got %s", dead.Status)
	}
	events := e.audit.Events()
	if len(events) != 1 || events[0].Type != audit.EventTypeReplayed {
		t.Fatalf("expected replay audit, got %+v", events)
	}

	if w := e.do(t, rbac.RoleOperator, http.MethodPost, "/v1/queue/"+replay.ID+"/replay", ""); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a pending item, got %d", w.Code)
	}
}

func TestIntegrationHealth(t *testing.T) {
	e := setup(t)
	w := e.do(t, rbac.RoleAnalyst, http.MethodGet, "/v1/integrations/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Integrations []integrationHealth `json:"integrations"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Integrations) != 2 {
		t.Fatalf("expected the account's two integrations, got %+v", resp.Integrations)
	}
	for _, in := range resp.Integrations {
		if in.IntegrationID == "int_v" && (in.HealthPct != 90 || in.DegradedReason != "processing_failures") {
			t.Fatalf("unexpected health %+v", in)
		}
	}
}

func TestRequiresToken(t *testing.T) {
	e := setup(t)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
