package service

import (
	"net/http"
	"strings"

	"github.com/fieldpilot/backend/internal/ledger"
	"github.com/fieldpilot/backend/internal/purchase"
	"github.com/fieldpilot/backend/internal/security"

	"github.com/gin-gonic/gin"
)

// RegisterServiceRoutes registers the service-to-service API used by the
// conversation pipeline and the payment webhook relay.
func RegisterServiceRoutes(r *gin.Engine, ledgerSvc *ledger.Service, flow *purchase.Flow, serviceToken string) {
	if r == nil || ledgerSvc == nil || flow == nil {
		return
	}

	grp := r.Group("/v0/service")
	grp.Use(serviceAuthMiddleware(serviceToken))

	h := NewHandler(ledgerSvc, flow)
	grp.POST("/credits/use", h.UseCredit)
	grp.GET("/credits/:org_id", h.GetAccount)
	grp.POST("/purchases/:id/complete", h.CompletePurchase)
	grp.POST("/purchases/:id/fail", h.FailPurchase)
}

// serviceAuthMiddleware validates the shared service token.
func serviceAuthMiddleware(serviceToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.TrimSpace(serviceToken) == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service token not configured"})
			return
		}

		authHeader := c.GetHeader("Authorization")
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		if !security.TokenEqual(strings.TrimSpace(token), serviceToken) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid service token"})
			return
		}
		c.Next()
	}
}
