package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"telecom-ingest/internal/audit"
	"telecom-ingest/internal/integrations"
	"telecom-ingest/internal/queue"
	"telecom-ingest/internal/signature"
	"telecom-ingest/internal/telephony"

	"github.com/gin-gonic/gin"
)

const vapiBody = `{"message":{"type":"status-update","status":"in-progress","call":{"id":"vc-1","type":"inboundPhoneCall","phoneCallProviderId":"CA1"}}}`

type env struct {
	router *gin.Engine
	h      *Handler
	repo   *integrations.MemoryRepo
	svc    *integrations.Service
	queue  *queue.MemoryStore
	audit  *audit.MemoryRepo
}

func setup(t *testing.T) env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := integrations.NewMemoryRepo()
	ctx := context.Background()
	for _, in := range []integrations.Integration{
		{ID: "int_v", AccountID: "acc", Provider: telephony.ProviderVapi, Active: true, WebhookToken: "tok-v"},
		{ID: "int_old", AccountID: "acc", Provider: telephony.ProviderVapi, Active: false, WebhookToken: "tok-old"},
		{ID: "int_t", AccountID: "acc", Provider: telephony.ProviderTwilio, Active: true, WebhookToken: "tok-t"},
	} {
		if err := repo.Create(ctx, in); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	vault, err := integrations.NewVault(bytes.Repeat([]byte{1}, 32))
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	auditRepo := audit.NewMemoryRepo()
	auditSvc := audit.NewService(auditRepo)
	svc := integrations.NewService(repo, vault, auditSvc)
	store := queue.NewMemoryStore()

	h := &Handler{
		Integrations: repo,
		Secrets:      svc,
		Queue:        store,
		Registry:     telephony.DefaultRegistry(nil),
		Verifier:     signature.NewVerifier(5 * time.Minute),
		Audit:        auditSvc,
		MaxBodyBytes: 4096,
		MaxRetries:   5,
	}
	r := gin.New()
	h.Register(r)
	return env{router: r, h: h, repo: repo, svc: svc, queue: store, audit: auditRepo}
}

func (e env) rotate(t *testing.T, integrationID string) string {
	t.Helper()
	res, err := e.svc.RotateSecret(context.Background(), "acc", integrationID, integrations.RotateRequest{Grace: time.Hour})
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	return res.Plaintext
}

func post(e env, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func signed(secret, body string, at time.Time) map[string]string {
	return map[string]string{
		signature.HeaderSignature: signature.Sign("sha256", []byte(secret), []byte(body)),
		signature.HeaderTimestamp: strconv.FormatInt(at.Unix(), 10),
	}
}

func TestWebhook_SignedIsQueued(t *testing.T) {
	e := setup(t)
	secret := e.rotate(t, "int_v")

	w := post(e, "/vapi-webhook?token=tok-v", vapiBody, signed(secret, vapiBody, time.Now()))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status string `json:"status"`
		ID     string `json:"id"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Status != "queued" || resp.ID == "" {
		t.Fatalf("unexpected response %s", w.Body.String())
	}

	it, err := e.queue.Get(context.Background(), resp.ID)
	if err != nil {
		t.Fatalf("queue item: %v", err)
	}
	if it.Verification != queue.VerificationSigned || it.Operation != queue.OperationWebhook {
		t.Fatalf("unexpected item %+v", it)
	}
	if it.EntityNativeID != "vc-1" || it.EntityType != "call" || it.EventType != "status-update" || it.MaxRetries != 5 {
		t.Fatalf("unexpected envelope fields %+v", it)
	}
	var raw telephony.RawEvent
	if err := json.Unmarshal(it.Payload, &raw); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if raw.Provider != telephony.ProviderVapi || raw.Source != "webhook" || raw.Headers["Content-Type"] != "application/json" {
		t.Fatalf("unexpected raw event %+v", raw)
	}
	var compact bytes.Buffer
	_ = json.Compact(&compact, []byte(vapiBody))
	if got := string(raw.Body); got != vapiBody && got != compact.String() {
		t.Fatalf("body not preserved: %s", got)
	}

	in, _ := e.repo.Get(context.Background(), "int_v")
	if in.WebhookReceivedAt == nil {
		t.Fatalf("expected webhook marker")
	}
}

func TestWebhook_Rejections(t *testing.T) {
	e := setup(t)
	secret := e.rotate(t, "int_v")
	now := time.Now()

	flipped := []byte(vapiBody)
	flipped[len(flipped)-3] ^= 0x01

	tests := []struct {
		name    string
		path    string
		body    string
		headers map[string]string
		want    int
	}{
		{"missing token", "/vapi-webhook", vapiBody, signed(secret, vapiBody, now), http.StatusNotFound},
		{"unknown token", "/vapi-webhook?token=nope", vapiBody, signed(secret, vapiBody, now), http.StatusNotFound},
		{"inactive integration", "/vapi-webhook?token=tok-old", vapiBody, nil, http.StatusNotFound},
		{"token for another provider", "/retell-webhook?token=tok-v", vapiBody, nil, http.StatusNotFound},
		{"unknown provider", "/acme-webhook?token=tok-v", vapiBody, nil, http.StatusNotFound},
		{"single byte flip", "/vapi-webhook?token=tok-v", string(flipped), signed(secret, vapiBody, now), http.StatusUnauthorized},
		{"wrong secret", "/vapi-webhook?token=tok-v", vapiBody, signed("other", vapiBody, now), http.StatusUnauthorized},
		{"stale but correctly signed", "/vapi-webhook?token=tok-v", vapiBody, signed(secret, vapiBody, now.Add(-10*time.Minute)), http.StatusBadRequest},
		{"missing timestamp", "/vapi-webhook?token=tok-v", vapiBody, map[string]string{signature.HeaderSignature: signature.Sign("sha256", []byte(secret), []byte(vapiBody))}, http.StatusBadRequest},
		{"not json", "/vapi-webhook?token=tok-v", "hello", signed(secret, "hello", now), http.StatusBadRequest},
		{"too large", "/vapi-webhook?token=tok-v", strings.Repeat("x", 5000), nil, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := post(e, tc.path, tc.body, tc.headers)
			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
		})
	}
	if n := len(e.queue.Items()); n != 0 {
		t.Fatalf("rejected requests must not enqueue, got %d items", n)
	}
}

func TestWebhook_PreviousSecretAcceptedDuringGrace(t *testing.T) {
	e := setup(t)
	old := e.rotate(t, "int_v")
	_ = e.rotate(t, "int_v")

	w := post(e, "/vapi-webhook?token=tok-v", vapiBody, signed(old, vapiBody, time.Now()))
	if w.Code != http.StatusOK {
		t.Fatalf("expected old secret to verify inside grace, got %d", w.Code)
	}
}

func TestWebhook_UnsignedFallback(t *testing.T) {
	e := setup(t)

	w := post(e, "/vapi-webhook?token=tok-v", vapiBody, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	items := e.queue.Items()
	if len(items) != 1 || items[0].Verification != queue.VerificationTokenOnly {
		t.Fatalf("expected one token_only item, got %+v", items)
	}
	events := e.audit.Events()
	if len(events) != 1 || events[0].Type != audit.EventTypeUnsignedWebhook || events[0].QueueItemID != items[0].ID {
		t.Fatalf("expected unsigned webhook audit record, got %+v", events)
	}

	e.h.RequireSecret = true
	w = post(e, "/vapi-webhook?token=tok-v", vapiBody, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when secrets are required, got %d", w.Code)
	}
}

func TestWebhook_TwilioFormCallback(t *testing.T) {
	e := setup(t)
	form := "CallSid=CA9&CallStatus=ringing&From=%2B15551234567"
	req := httptest.NewRequest(http.MethodPost, "/twilio-webhook?token=tok-t", strings.NewReader(form))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	it := e.queue.Items()[0]
	if it.EntityNativeID != "CA9" || it.EventType != "call.ringing" {
		t.Fatalf("unexpected item %+v", it)
	}
	var raw telephony.RawEvent
	_ = json.Unmarshal(it.Payload, &raw)
	var body map[string]string
	if err := json.Unmarshal(raw.Body, &body); err != nil || body["From"] != "+15551234567" {
		t.Fatalf("expected form converted to JSON, got %s (%v)", raw.Body, err)
	}
}

func TestWebhook_EventTypeHeaderWins(t *testing.T) {
	e := setup(t)
	w := post(e, "/vapi-webhook?token=tok-v", vapiBody, map[string]string{HeaderEventType: "custom.type"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := e.queue.Items()[0].EventType; got != "custom.type" {
		t.Fatalf("expected header event type, got %q", got)
	}
}

func TestWebhook_UnwrappedJSONIsQueuedUnclassified(t *testing.T) {
	e := setup(t)
	secret := e.rotate(t, "int_v")
	body := `{"id":"evt_1","type":"call.started"}`

	w := post(e, "/vapi-webhook?token=tok-v", body, signed(secret, body, time.Now()))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	items := e.queue.Items()
	if len(items) != 1 {
		t.Fatalf("expected one queued item, got %d", len(items))
	}
	it := items[0]
	if it.Status != queue.StatusPending || it.EntityType != "unknown" || it.EntityNativeID != "evt_1" || it.EventType != "call.started" {
		t.Fatalf("unexpected item %+v", it)
	}

	if w := post(e, "/vapi-webhook?token=tok-v", `{"id":`, signed(secret, `{"id":`, time.Now())); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for undecodable body, got %d", w.Code)
	}
}
