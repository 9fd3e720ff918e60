package auth

import (
	"net/http"
	"strings"

	"telecom-ingest/pkg/logger"

	"github.com/gin-gonic/gin"
)

const bearerPrefix = "Bearer "

// RequireAccessToken verifies the bearer token and puts the caller's identity
// on the request context. Role checks happen later in internal/rbac.
func RequireAccessToken(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(raw, bearerPrefix) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := m.Verify(strings.TrimPrefix(raw, bearerPrefix), TokenTypeAccess, m.now())
		if err != nil {
			logger.FromGin(c).Debug("access token rejected", "err", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		id := Identity{UserID: claims.UserID, AccountID: claims.AccountID, Role: claims.Role}
		ctx := WithIdentity(c.Request.Context(), id)
		ctx = logger.With(ctx, logger.From(ctx).With("user_id", id.UserID, "account_id", id.AccountID))
		c.Request = c.Request.WithContext(ctx)
		c.Set("account_id", id.AccountID)
		c.Next()
	}
}
