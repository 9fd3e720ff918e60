package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"telecom-ingest/internal/auth"
	"telecom-ingest/internal/integrations"
	"telecom-ingest/internal/ledger"
	"telecom-ingest/internal/poller"
	"telecom-ingest/internal/queue"
	"telecom-ingest/internal/rbac"
	"telecom-ingest/internal/telephony"
	"telecom-ingest/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups the /v1 read and operator endpoints.
// Keep these thin: parse and validate input, call internal services, return JSON.
type Handlers struct {
	Events       *ledger.QueryService
	Integrations *integrations.Service
	Queue        queue.Store
	Triggers     PollTriggers
	Audit        Auditor

	MaxRetries int
	Now        func() time.Time
}

// PollTriggers starts poll runs in the background; see poller.Triggers.
type PollTriggers interface {
	SyncAll(ctx context.Context) (bool, error)
	Sync(ctx context.Context, in integrations.Integration) (bool, error)
	Backfill(ctx context.Context, in integrations.Integration, days int) (int, bool, error)
}

type Auditor interface {
	LogReplay(ctx context.Context, accountID, integrationID, actorUserID, ip, deadItemID, newItemID string) error
	LogBackfill(ctx context.Context, accountID, integrationID, actorUserID, ip string, days int) error
}

// Register mounts routes on a group that already runs the access-token middleware.
func (h Handlers) Register(v1 *gin.RouterGroup) {
	read := v1.Group("", rbac.RequireAccount(), rbac.RequireAnyRole(rbac.ReadRoles...))
	read.GET("/events", h.ListEvents)
	read.GET("/events/:id", h.GetEvent)
	read.GET("/integrations/health", h.IntegrationHealth)
	read.GET("/queue/dead-letters", h.ListDeadLetters)

	ops := v1.Group("", rbac.RequireAccount(), rbac.RequireAnyRole(rbac.OperatorRoles...))
	ops.POST("/integrations/sync", h.SyncAll)
	ops.POST("/integrations/:id/sync", h.SyncIntegration)
	ops.POST("/integrations/:id/backfill", h.Backfill)
	ops.POST("/integrations/:id/webhook-secrets", h.RotateSecret)
	ops.POST("/queue/:id/replay", h.Replay)
}

func (h Handlers) now() time.Time {
	if h.Now == nil {
		return time.Now().UTC()
	}
	return h.Now().UTC()
}

func identity(c *gin.Context) auth.Identity {
	id, _ := auth.FromContext(c.Request.Context())
	return id
}

func internalError(c *gin.Context, msg string, err error) {
	logger.FromGin(c).Error(msg, "err", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": msg})
}

// integration loads :id and checks it belongs to the caller's account.
// super_admin may act on any account's integrations.
func (h Handlers) integration(c *gin.Context) (integrations.Integration, bool) {
	id := identity(c)
	in, err := h.Integrations.Repo().Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, integrations.ErrNotFound) || (err == nil && in.AccountID != id.AccountID && !rbac.IsSuperAdmin(id.Role)) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "integration not found"})
		return integrations.Integration{}, false
	}
	if err != nil {
		internalError(c, "integration lookup failed", err)
		return integrations.Integration{}, false
	}
	return in, true
}

// --- Ledger ---

func (h Handlers) ListEvents(c *gin.Context) {
	f, err := parseFilter(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	f.AccountID = identity(c).AccountID

	page, err := h.Events.List(c.Request.Context(), f)
	if errors.Is(err, ledger.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	if err != nil {
		internalError(c, "event query failed", err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func parseFilter(c *gin.Context) (ledger.Filter, error) {
	var f ledger.Filter
	f.IntegrationID = c.Query("integration_id")
	if v := c.Query("provider"); v != "" {
		p, ok := telephony.ParseProvider(v)
		if !ok {
			return f, errors.New("unknown provider")
		}
		f.Provider = p
	}
	f.EventType = telephony.EventType(c.Query("event_type"))
	f.Direction = telephony.Direction(c.Query("direction"))

	var err error
	if f.From, err = parseTime(c.Query("from")); err != nil {
		return f, errors.New("from must be RFC 3339")
	}
	if f.To, err = parseTime(c.Query("to")); err != nil {
		return f, errors.New("to must be RFC 3339")
	}
	if v := c.Query("parent_only"); v != "" {
		if f.ParentOnly, err = strconv.ParseBool(v); err != nil {
			return f, errors.New("parent_only must be a boolean")
		}
	}
	if v := c.Query("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil {
			return f, errors.New("limit must be an integer")
		}
	}
	if v := c.Query("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil {
			return f, errors.New("offset must be an integer")
		}
	}
	return f, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func (h Handlers) GetEvent(c *gin.Context) {
	detail, err := h.Events.Get(c.Request.Context(), identity(c).AccountID, c.Param("id"))
	if errors.Is(err, ledger.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	if err != nil {
		internalError(c, "event lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

// --- Poll triggers ---

func (h Handlers) SyncAll(c *gin.Context) {
	started, err := h.Triggers.SyncAll(c.Request.Context())
	if err != nil {
		internalError(c, "sync failed to start", err)
		return
	}
	c.JSON(http.StatusAccepted, triggerStatus(started))
}

func (h Handlers) SyncIntegration(c *gin.Context) {
	in, ok := h.integration(c)
	if !ok {
		return
	}
	started, err := h.Triggers.Sync(c.Request.Context(), in)
	if errors.Is(err, poller.ErrNotPollable) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "provider does not support polling"})
		return
	}
	if err != nil {
		internalError(c, "sync failed to start", err)
		return
	}
	c.JSON(http.StatusAccepted, triggerStatus(started))
}

type backfillRequest struct {
	Days int `json:"days"`
}

func (h Handlers) Backfill(c *gin.Context) {
	in, ok := h.integration(c)
	if !ok {
		return
	}
	var req backfillRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}

	days, started, err := h.Triggers.Backfill(c.Request.Context(), in, req.Days)
	switch {
	case errors.Is(err, poller.ErrNotPollable):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "provider does not support polling"})
		return
	case errors.Is(err, poller.ErrInvalidDays):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		internalError(c, "backfill failed to start", err)
		return
	}
	if started && h.Audit != nil {
		id := identity(c)
		if err := h.Audit.LogBackfill(c.Request.Context(), in.AccountID, in.ID, id.UserID, c.ClientIP(), days); err != nil {
			logger.FromGin(c).Warn("backfill audit failed", "integration_id", in.ID, "err", err)
		}
	}
	resp := triggerStatus(started)
	resp["days"] = days
	c.JSON(http.StatusAccepted, resp)
}

func triggerStatus(started bool) gin.H {
	if !started {
		return gin.H{"status": "already_running"}
	}
	return gin.H{"status": "started"}
}

// --- Webhook secrets ---

type rotateRequest struct {
	Algorithm    string `json:"algorithm"`
	GraceSeconds int    `json:"grace_seconds"`
}

type rotateResponse struct {
	Version          int       `json:"version"`
	Algorithm        string    `json:"algorithm"`
	Secret           string    `json:"secret"`
	ActivatedAt      time.Time `json:"activated_at"`
	PreviousValidTil time.Time `json:"previous_valid_until"`
}

func (h Handlers) RotateSecret(c *gin.Context) {
	in, ok := h.integration(c)
	if !ok {
		return
	}
	var req rotateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	id := identity(c)
	res, err := h.Integrations.RotateSecret(c.Request.Context(), in.AccountID, in.ID, integrations.RotateRequest{
		Algorithm:   req.Algorithm,
		Grace:       time.Duration(req.GraceSeconds) * time.Second,
		ActorUserID: id.UserID,
		IP:          c.ClientIP(),
	})
	if errors.Is(err, integrations.ErrInvalidArgument) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		internalError(c, "secret rotation failed", err)
		return
	}
	c.JSON(http.StatusCreated, rotateResponse{
		Version:          res.Secret.Version,
		Algorithm:        res.Secret.Algorithm,
		Secret:           res.Plaintext,
		ActivatedAt:      res.Secret.ActivatedAt,
		PreviousValidTil: res.PreviousValidTil,
	})
}

// --- Queue ---

func (h Handlers) accountIntegrations(ctx context.Context, accountID string) (map[string]integrations.Integration, error) {
	list, err := h.Integrations.Repo().ListByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]integrations.Integration, len(list))
	for _, in := range list {
		out[in.ID] = in
	}
	return out, nil
}

func (h Handlers) ListDeadLetters(c *gin.Context) {
	ctx := c.Request.Context()
	owned, err := h.accountIntegrations(ctx, identity(c).AccountID)
	if err != nil {
		internalError(c, "integration lookup failed", err)
		return
	}
	f := queue.DeadLetterFilter{}
	f.Limit, _ = strconv.Atoi(c.Query("limit"))
	f.Offset, _ = strconv.Atoi(c.Query("offset"))
	if f.Offset < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "offset must be >= 0"})
		return
	}
	if v := c.Query("integration_id"); v != "" {
		if _, ok := owned[v]; !ok {
			c.JSON(http.StatusOK, gin.H{"items": []queue.Item{}})
			return
		}
		f.IntegrationIDs = []string{v}
	} else {
		// An empty id list means every integration to the store.
		if len(owned) == 0 {
			c.JSON(http.StatusOK, gin.H{"items": []queue.Item{}})
			return
		}
		for id := range owned {
			f.IntegrationIDs = append(f.IntegrationIDs, id)
		}
	}

	items, err := h.Queue.ListDeadLetters(ctx, f)
	if err != nil {
		internalError(c, "dead-letter query failed", err)
		return
	}
	if items == nil {
		items = []queue.Item{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h Handlers) Replay(c *gin.Context) {
	ctx := c.Request.Context()
	id := identity(c)

	dead, err := h.Queue.Get(ctx, c.Param("id"))
	if errors.Is(err, queue.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "queue item not found"})
		return
	}
	if err != nil {
		internalError(c, "queue lookup failed", err)
		return
	}
	in, err := h.Integrations.Repo().Get(ctx, dead.IntegrationID)
	if err != nil || (in.AccountID != id.AccountID && !rbac.IsSuperAdmin(id.Role)) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "queue item not found"})
		return
	}

	item, err := queue.Replay(ctx, h.Queue, dead.ID, h.MaxRetries, h.now())
	if errors.Is(err, queue.ErrNotReplayable) {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		internalError(c, "replay failed", err)
		return
	}
	if h.Audit != nil {
		if err := h.Audit.LogReplay(ctx, in.AccountID, in.ID, id.UserID, c.ClientIP(), dead.ID, item.ID); err != nil {
			logger.FromGin(c).Warn("replay audit failed", "queue_item_id", dead.ID, "err", err)
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "id": item.ID, "replay_of": dead.ID})
}

// --- Health ---

type integrationHealth struct {
	IntegrationID     string             `json:"integration_id"`
	Provider          telephony.Provider `json:"provider"`
	Active            bool               `json:"active"`
	HealthPct         int                `json:"health_pct"`
	DegradedReason    string             `json:"degraded_reason,omitempty"`
	LastSyncedAt      *time.Time         `json:"last_synced_at,omitempty"`
	WebhookReceivedAt *time.Time         `json:"webhook_received_at,omitempty"`
	LastPollError     string             `json:"last_poll_error,omitempty"`
	LastPollErrorAt   *time.Time         `json:"last_poll_error_at,omitempty"`
}

// IntegrationHealth reports the scores last written by the health monitor.
func (h Handlers) IntegrationHealth(c *gin.Context) {
	list, err := h.Integrations.Repo().ListByAccount(c.Request.Context(), identity(c).AccountID)
	if err != nil {
		internalError(c, "integration lookup failed", err)
		return
	}
	out := make([]integrationHealth, 0, len(list))
	for _, in := range list {
		out = append(out, integrationHealth{
			IntegrationID:     in.ID,
			Provider:          in.Provider,
			Active:            in.Active,
			HealthPct:         in.HealthPct,
			DegradedReason:    in.DegradedReason,
			LastSyncedAt:      in.LastSyncedAt,
			WebhookReceivedAt: in.WebhookReceivedAt,
			LastPollError:     in.LastPollError,
			LastPollErrorAt:   in.LastPollErrorAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"integrations": out})
}
