package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"time"

	"telecom-ingest/internal/integrations"
	"telecom-ingest/internal/metrics"
	"telecom-ingest/internal/queue"
	"telecom-ingest/internal/signature"
	"telecom-ingest/internal/telephony"
	"telecom-ingest/pkg/logger"

	"github.com/gin-gonic/gin"
)

// HeaderEventType lets a sender name the provider event type explicitly.
const HeaderEventType = "X-Event-Type"

// Headers carried into the queue payload next to the body.
var keptHeaders = []string{"Content-Type", "User-Agent", HeaderEventType, signature.HeaderTimestamp, "X-Request-Id"}

type Enqueuer interface {
	Enqueue(ctx context.Context, in queue.NewItem, now time.Time) (queue.Item, error)
}

type SecretSource interface {
	SigningSecrets(ctx context.Context, integrationID string, t time.Time) ([]signature.Secret, error)
}

type Auditor interface {
	LogUnsignedWebhook(ctx context.Context, accountID, integrationID, queueItemID, ip, provider string) error
}

// Handler accepts provider webhooks and turns each into one queue item.
//
// It does no normalization: the request is authenticated, the envelope is
// checked for shape, the raw body is queued and the provider gets a 200.
type Handler struct {
	Integrations integrations.Repository
	Secrets      SecretSource
	Queue        Enqueuer
	Registry     *telephony.Registry
	Verifier     signature.Verifier
	Audit        Auditor

	// RequireSecret rejects webhooks for integrations with no signing secret.
	RequireSecret bool
	MaxBodyBytes  int64
	MaxRetries    int

	Now func() time.Time
}

// Register mounts POST /<provider>-webhook for every provider with a normalizer.
func (h *Handler) Register(r gin.IRoutes) {
	for _, p := range telephony.Providers {
		if _, ok := h.Registry.Normalizer(p); !ok {
			continue
		}
		r.POST("/"+string(p)+"-webhook", h.handle(p))
	}
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now().UTC()
}

func (h *Handler) reject(c *gin.Context, p telephony.Provider, status int, outcome, msg string) {
	metrics.WebhookRequests.WithLabelValues(string(p), outcome).Inc()
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

func (h *Handler) handle(p telephony.Provider) gin.HandlerFunc {
	norm, _ := h.Registry.Normalizer(p)
	return func(c *gin.Context) {
		log := logger.FromGin(c).With("provider", p)
		ctx := c.Request.Context()
		now := h.now()

		token := c.Query("token")
		if token == "" {
			h.reject(c, p, http.StatusNotFound, "unknown_integration", "unknown integration")
			return
		}
		in, err := h.Integrations.GetByToken(ctx, p, token)
		if errors.Is(err, integrations.ErrNotFound) || (err == nil && !in.Active) {
			h.reject(c, p, http.StatusNotFound, "unknown_integration", "unknown integration")
			return
		}
		if err != nil {
			log.Error("integration lookup failed", "err", err)
			h.reject(c, p, http.StatusInternalServerError, "error", "internal error")
			return
		}
		log = log.With("integration_id", in.ID)

		limit := h.MaxBodyBytes
		if limit <= 0 {
			limit = 1 << 20
		}
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				h.reject(c, p, http.StatusRequestEntityTooLarge, "too_large", "payload too large")
				return
			}
			h.reject(c, p, http.StatusBadRequest, "malformed", "unreadable body")
			return
		}

		secrets, err := h.Secrets.SigningSecrets(ctx, in.ID, now)
		if err != nil {
			log.Error("signing secrets unavailable", "err", err)
			h.reject(c, p, http.StatusInternalServerError, "error", "internal error")
			return
		}
		verification := queue.VerificationSigned
		switch res := h.Verifier.Verify(body, c.GetHeader(signature.HeaderSignature), c.GetHeader(signature.HeaderTimestamp), secrets); res {
		case signature.Valid:
		case signature.Unsigned:
			if h.RequireSecret {
				h.reject(c, p, http.StatusUnauthorized, "unsigned_rejected", "signature required")
				return
			}
			verification = queue.VerificationTokenOnly
		case signature.Stale:
			log.Warn("webhook rejected", "reason", "stale")
			h.reject(c, p, http.StatusBadRequest, "stale", "stale request")
			return
		default:
			log.Warn("webhook rejected", "reason", "invalid_signature")
			h.reject(c, p, http.StatusUnauthorized, "invalid_signature", "invalid signature")
			return
		}

		// Signatures cover the bytes on the wire; form callbacks become JSON only after that.
		body, err = asJSON(c.GetHeader("Content-Type"), body)
		if err != nil {
			h.reject(c, p, http.StatusBadRequest, "malformed", "invalid payload")
			return
		}
		env, err := norm.Envelope(body)
		if err != nil {
			h.reject(c, p, http.StatusBadRequest, "malformed", "invalid payload")
			return
		}
		eventType := c.GetHeader(HeaderEventType)
		if eventType == "" {
			eventType = env.EventType
		}
		entity := env.EntityType
		if entity == "" || entity == telephony.EventTypeUnclassified {
			entity = "unknown"
		}

		headers := map[string]string{}
		for _, k := range keptHeaders {
			if v := c.GetHeader(k); v != "" {
				headers[k] = v
			}
		}
		payload, err := json.Marshal(telephony.RawEvent{
			Provider:   p,
			EventType:  eventType,
			Source:     "webhook",
			Headers:    headers,
			Body:       body,
			ReceivedAt: now,
		})
		if err != nil {
			h.reject(c, p, http.StatusInternalServerError, "error", "internal error")
			return
		}

		it, err := h.Queue.Enqueue(ctx, queue.NewItem{
			IntegrationID:  in.ID,
			Operation:      queue.OperationWebhook,
			EntityType:     string(entity),
			EntityNativeID: env.NativeID,
			EventType:      eventType,
			Payload:        payload,
			Verification:   verification,
			MaxRetries:     h.MaxRetries,
		}, now)
		if err != nil {
			log.Error("enqueue failed", "err", err)
			h.reject(c, p, http.StatusServiceUnavailable, "error", "temporarily unavailable")
			return
		}

		if err := h.Integrations.MarkWebhookReceived(ctx, in.ID, now); err != nil {
			log.Warn("webhook marker update failed", "err", err)
		}
		if verification == queue.VerificationTokenOnly && h.Audit != nil {
			if err := h.Audit.LogUnsignedWebhook(ctx, in.AccountID, in.ID, it.ID, c.ClientIP(), string(p)); err != nil {
				log.Error("unsigned webhook audit failed", "err", err)
			}
		}

		metrics.WebhookRequests.WithLabelValues(string(p), "queued").Inc()
		log.Info("webhook queued", "queue_item_id", it.ID, "event_type", eventType, "verification", verification)
		c.JSON(http.StatusOK, gin.H{"status": "queued", "id": it.ID})
	}
}

// asJSON passes JSON through and converts form-encoded callbacks (Twilio's
// default) into a flat JSON object.
func asJSON(contentType string, body []byte) ([]byte, error) {
	mt, _, _ := mime.ParseMediaType(contentType)
	if mt != "application/x-www-form-urlencoded" {
		return body, nil
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	flat := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			flat[k] = v[0]
		}
	}
	return json.Marshal(flat)
}
