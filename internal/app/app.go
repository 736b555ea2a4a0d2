package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fieldpilot/backend/internal/alerts"
	"github.com/fieldpilot/backend/internal/cache"
	"github.com/fieldpilot/backend/internal/config"
	"github.com/fieldpilot/backend/internal/db"
	internalhttp "github.com/fieldpilot/backend/internal/http"
	adminapi "github.com/fieldpilot/backend/internal/http/api/admin"
	"github.com/fieldpilot/backend/internal/http/api/front"
	serviceapi "github.com/fieldpilot/backend/internal/http/api/service"
	"github.com/fieldpilot/backend/internal/ledger"
	"github.com/fieldpilot/backend/internal/logging"
	"github.com/fieldpilot/backend/internal/models"
	"github.com/fieldpilot/backend/internal/notify"
	"github.com/fieldpilot/backend/internal/purchase"
	"github.com/fieldpilot/backend/internal/security"
	"github.com/fieldpilot/backend/internal/settings"
	"github.com/fieldpilot/backend/internal/sweep"
	"github.com/fieldpilot/backend/internal/util"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// billingEmailKeyPrefix prefixes the settings key that maps an organization
// to its billing email. The organization directory lives in the main product
// and syncs these rows over.
const billingEmailKeyPrefix = "ORG_BILLING_EMAIL:"

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	conf, errLoad := config.Load(config.ResolveConfigPath(cfg.ConfigPath))
	if errLoad != nil {
		return errLoad
	}
	conn, errOpen := db.Open(conf.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the credit ledger service.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	conf, errLoad := config.Load(config.ResolveConfigPath(cfg.ConfigPath))
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(conf.Logging)

	conn, errOpen := db.Open(conf.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}
	if errRefresh := settings.Refresh(ctx, conn); errRefresh != nil {
		return fmt.Errorf("load settings: %w", errRefresh)
	}
	if errSeed := seedAdmin(ctx, conn, conf.Admin); errSeed != nil {
		return errSeed
	}

	cacheClient := cache.New(conf.Redis)
	defer func() {
		if errClose := cacheClient.Close(); errClose != nil {
			log.WithError(errClose).Warn("close cache client")
		}
	}()

	notifier := notify.NewEmailNotifier(conf.SMTP, billingEmailResolver(conn))
	if !notifier.IsConfigured() {
		log.Warn("smtp not configured, credit alert emails disabled")
	}

	dispatcher := alerts.NewDispatcher(conn, notifier)
	ledgerSvc := ledger.NewService(conn, dispatcher, cacheClient, conf.Ledger.GraceCredits)
	flow := purchase.NewFlow(conn, ledgerSvc, cacheClient)

	sweep.NewSweeper(conn, dispatcher).Start(ctx)

	serviceToken := strings.TrimSpace(conf.Service.Token)
	if serviceToken == "" {
		generated, errGenerate := security.GenerateServiceToken()
		if errGenerate != nil {
			return errGenerate
		}
		serviceToken = generated
		log.WithField("token", util.HideToken(serviceToken)).
			Warn("service token not configured, generated an ephemeral one")
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), internalhttp.RequestLogger())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	serviceapi.RegisterServiceRoutes(engine, ledgerSvc, flow, serviceToken)
	front.RegisterFrontRoutes(engine, conn, conf.JWT, ledgerSvc, flow, cacheClient)
	adminapi.RegisterAdminRoutes(engine, conn, conf.JWT, ledgerSvc)

	server := &http.Server{
		Addr:              conf.Server.ListenAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", conf.Server.ListenAddr).Info("credit ledger service listening")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case errServe := <-serveErr:
		if errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			return errServe
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("shutdown: %w", errShutdown)
	}
	return nil
}

// seedAdmin creates the bootstrap support admin when configured and absent.
func seedAdmin(ctx context.Context, conn *gorm.DB, cfg config.AdminBootstrapConfig) error {
	username := strings.TrimSpace(cfg.Username)
	password := strings.TrimSpace(cfg.Password)
	if username == "" || password == "" {
		return nil
	}

	var count int64
	if errCount := conn.WithContext(ctx).
		Model(&models.Admin{}).
		Where("username = ?", username).
		Count(&count).Error; errCount != nil {
		return fmt.Errorf("seed admin: %w", errCount)
	}
	if count > 0 {
		return nil
	}

	hashed, errHash := security.HashPassword(password)
	if errHash != nil {
		return fmt.Errorf("seed admin: %w", errHash)
	}
	admin := models.Admin{Username: username, Password: hashed, Active: true}
	if errCreate := conn.WithContext(ctx).Create(&admin).Error; errCreate != nil {
		return fmt.Errorf("seed admin: %w", errCreate)
	}
	log.WithField("username", username).Info("seeded bootstrap admin")
	return nil
}

// billingEmailResolver resolves an organization's billing email from the
// synced settings rows. A missing row means no email is on file; the
// notifier skips delivery in that case.
func billingEmailResolver(conn *gorm.DB) notify.RecipientResolver {
	return func(ctx context.Context, organizationID string) (string, error) {
		var row models.Setting
		errFind := conn.WithContext(ctx).
			Where("key = ?", billingEmailKeyPrefix+organizationID).
			Take(&row).Error
		if errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return "", nil
			}
			return "", errFind
		}
		var email string
		if errUnmarshal := json.Unmarshal(row.Value, &email); errUnmarshal != nil {
			// Tolerate rows stored as a bare address instead of a JSON string.
			email = strings.Trim(string(row.Value), `" `)
		}
		return strings.TrimSpace(email), nil
	}
}
