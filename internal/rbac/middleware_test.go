package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"telecom-ingest/internal/auth"

	"github.com/gin-gonic/gin"
)

func serve(id auth.Identity, chain ...gin.HandlerFunc) int {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	handlers := []gin.HandlerFunc{func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))
		c.Next()
	}}
	handlers = append(handlers, chain...)
	handlers = append(handlers, func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/x", handlers...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole(t *testing.T) {
	tests := []struct {
		name    string
		id      auth.Identity
		allowed []string
		code    int
	}{
		{"super admin bypasses", auth.Identity{UserID: "u", AccountID: "a", Role: RoleSuperAdmin}, OperatorRoles, http.StatusOK},
		{"operator may trigger", auth.Identity{UserID: "u", AccountID: "a", Role: RoleOperator}, OperatorRoles, http.StatusOK},
		{"analyst may read", auth.Identity{UserID: "u", AccountID: "a", Role: RoleAnalyst}, ReadRoles, http.StatusOK},
		{"analyst may not trigger", auth.Identity{UserID: "u", AccountID: "a", Role: RoleAnalyst}, OperatorRoles, http.StatusForbidden},
		{"unknown role", auth.Identity{UserID: "u", AccountID: "a", Role: "intern"}, ReadRoles, http.StatusForbidden},
		{"no role", auth.Identity{UserID: "u", AccountID: "a"}, ReadRoles, http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := serve(tc.id, RequireAccount(), RequireAnyRole(tc.allowed...)); got != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, got)
			}
		})
	}
}

func TestRequireAccount(t *testing.T) {
	if got := serve(auth.Identity{UserID: "u", Role: RoleOwner}, RequireAccount()); got != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", got)
	}
}
