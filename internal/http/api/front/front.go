package front

import (
	"net/http"
	"strings"

	"github.com/fieldpilot/backend/internal/cache"
	"github.com/fieldpilot/backend/internal/config"
	"github.com/fieldpilot/backend/internal/http/api/front/handlers"
	"github.com/fieldpilot/backend/internal/ledger"
	"github.com/fieldpilot/backend/internal/purchase"
	"github.com/fieldpilot/backend/internal/security"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// RegisterFrontRoutes registers the organization-facing billing routes.
func RegisterFrontRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, ledgerSvc *ledger.Service, flow *purchase.Flow, cacheClient *cache.Client) {
	if r == nil || db == nil || ledgerSvc == nil || flow == nil {
		return
	}

	front := r.Group("/v0/front")
	front.Use(orgAuthMiddleware(jwtCfg))

	creditsHandler := handlers.NewCreditsHandler(ledgerSvc, flow, cacheClient)
	front.GET("/credits", creditsHandler.Get)
	front.GET("/credits/packages", creditsHandler.Packages)
	front.POST("/credits/purchase", creditsHandler.InitiatePurchase)
	front.GET("/credits/purchases", creditsHandler.ListPurchases)

	logsHandler := handlers.NewLogsHandler(db)
	front.GET("/credits/logs", logsHandler.List)
}

// orgAuthMiddleware validates organization JWTs and stores the organization
// ID in the request context.
func orgAuthMiddleware(jwtCfg config.JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseOrgToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if strings.TrimSpace(claims.OrganizationID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set("organizationID", claims.OrganizationID)
		c.Next()
	}
}
