package admin

import (
	"errors"
	"net/http"
	"strings"

	"github.com/fieldpilot/backend/internal/config"
	"github.com/fieldpilot/backend/internal/http/api/admin/handlers"
	"github.com/fieldpilot/backend/internal/ledger"
	"github.com/fieldpilot/backend/internal/models"
	"github.com/fieldpilot/backend/internal/security"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// RegisterAdminRoutes registers the support administration routes.
func RegisterAdminRoutes(r *gin.Engine, db *gorm.DB, jwtCfg config.JWTConfig, ledgerSvc *ledger.Service) {
	if r == nil || db == nil || ledgerSvc == nil {
		return
	}

	grp := r.Group("/v0/admin")

	authHandler := handlers.NewAuthHandler(db, jwtCfg)
	grp.POST("/login", authHandler.Login)

	authed := grp.Group("")
	authed.Use(adminAuthMiddleware(db, jwtCfg))

	creditsHandler := handlers.NewCreditsHandler(db, ledgerSvc)
	authed.GET("/credits", creditsHandler.ListAccounts)
	authed.GET("/credits/:org_id", creditsHandler.GetAccount)
	authed.POST("/credits/adjust", creditsHandler.Adjust)
	authed.GET("/purchases", creditsHandler.ListPurchases)
}

// adminAuthMiddleware validates admin JWTs and loads the admin into context.
func adminAuthMiddleware(db *gorm.DB, jwtCfg config.JWTConfig) gin.HandlerFunc {
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

		claims, errJWT := security.ParseAdminToken(jwtCfg.Secret, token)
		if errJWT != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		var admin models.Admin
		if errFind := db.WithContext(c.Request.Context()).
			Where("id = ?", claims.AdminID).
			First(&admin).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin not found"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "query admin failed"})
			return
		}
		if !admin.Active {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin account is disabled"})
			return
		}

		c.Set("adminID", admin.ID)
		c.Set("adminUsername", admin.Username)
		c.Next()
	}
}
