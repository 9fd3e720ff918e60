package main

import (
	"database/sql"
	"net/http"
	"time"

	"telecom-ingest/internal/gateway"
	"telecom-ingest/internal/httpapi"
	"telecom-ingest/internal/metrics"
	"telecom-ingest/pkg/utils"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers. Keep this file free of business logic.
func registerRoutes(r *gin.Engine, db *sql.DB, webhooks *gateway.Handler, api httpapi.Handlers, authMW gin.HandlerFunc) {
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": "unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Provider webhooks are public; each request is authenticated by token and signature.
	webhooks.Register(r)

	api.Register(r.Group("/v1", authMW))
}
