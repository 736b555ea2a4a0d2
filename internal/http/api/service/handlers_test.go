package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fieldpilot/backend/internal/alerts"
	"github.com/fieldpilot/backend/internal/ledger"
	"github.com/fieldpilot/backend/internal/models"
	"github.com/fieldpilot/backend/internal/notify"
	"github.com/fieldpilot/backend/internal/purchase"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const testServiceToken = "fps_test_token"

func newServiceTestRouter(t *testing.T) (*gin.Engine, *gorm.DB, *purchase.Flow) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:serviceapi_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("db handle: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := conn.AutoMigrate(&models.CreditAccount{}, &models.UsageLog{}, &models.CreditPurchase{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	svc := ledger.NewService(conn, alerts.NewDispatcher(conn, notify.Nop{}), nil, 50)
	flow := purchase.NewFlow(conn, svc, nil)

	engine := gin.New()
	RegisterServiceRoutes(engine, svc, flow, testServiceToken)
	return engine, conn, flow
}

func doServiceRequest(t *testing.T, engine *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestServiceRoutesRejectBadToken(t *testing.T) {
	engine, _, _ := newServiceTestRouter(t)

	rec := doServiceRequest(t, engine, http.MethodPost, "/v0/service/credits/use", "", `{"organization_id":"org-1"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = doServiceRequest(t, engine, http.MethodPost, "/v0/service/credits/use", "fps_wrong", `{"organization_id":"org-1"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
}

func TestUseCreditEndpoint(t *testing.T) {
	engine, _, _ := newServiceTestRouter(t)

	rec := doServiceRequest(t, engine, http.MethodPost, "/v0/service/credits/use", testServiceToken,
		`{"organization_id":"org-http","correlation_id":"conv-42"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var result ledger.UseCreditResult
	if errUnmarshal := json.Unmarshal(rec.Body.Bytes(), &result); errUnmarshal != nil {
		t.Fatalf("decode response: %v", errUnmarshal)
	}
	if !result.Success || result.Mode != ledger.ModeGrace {
		t.Fatalf("expected grace debit on fresh account, got %+v", result)
	}

	rec = doServiceRequest(t, engine, http.MethodPost, "/v0/service/credits/use", testServiceToken, `{"organization_id":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank organization, got %d", rec.Code)
	}
}

func TestCompletePurchaseEndpointIsIdempotent(t *testing.T) {
	engine, conn, flow := newServiceTestRouter(t)

	row, _, errInitiate := flow.InitiatePurchase(context.Background(), "org-hook", "starter")
	if errInitiate != nil {
		t.Fatalf("initiate: %v", errInitiate)
	}

	path := "/v0/service/purchases/" + row.ID + "/complete"
	for i := 0; i < 2; i++ {
		rec := doServiceRequest(t, engine, http.MethodPost, path, testServiceToken, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d: %s", i, rec.Code, rec.Body.String())
		}
	}

	var account models.CreditAccount
	if errFind := conn.Where("organization_id = ?", "org-hook").Take(&account).Error; errFind != nil {
		t.Fatalf("load account: %v", errFind)
	}
	if account.Balance != 100 {
		t.Fatalf("duplicate webhook credited twice: balance=%d", account.Balance)
	}

	rec := doServiceRequest(t, engine, http.MethodPost, "/v0/service/purchases/nope/complete", testServiceToken, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown purchase, got %d", rec.Code)
	}
}

func TestGetAccountEndpoint(t *testing.T) {
	engine, conn, _ := newServiceTestRouter(t)

	seeded := models.CreditAccount{
		OrganizationID:  "org-view",
		Balance:         7,
		LifetimeCredits: 100,
		LifetimeUsed:    93,
		Status:          models.AccountStatusActive,
		GraceCredits:    50,
	}
	if errCreate := conn.Create(&seeded).Error; errCreate != nil {
		t.Fatalf("seed account: %v", errCreate)
	}

	rec := doServiceRequest(t, engine, http.MethodGet, "/v0/service/credits/org-view", testServiceToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Account struct {
			Balance        int64 `json:"balance"`
			GraceRemaining int64 `json:"grace_remaining"`
		} `json:"account"`
	}
	if errUnmarshal := json.Unmarshal(rec.Body.Bytes(), &payload); errUnmarshal != nil {
		t.Fatalf("decode response: %v", errUnmarshal)
	}
	if payload.Account.Balance != 7 || payload.Account.GraceRemaining != 50 {
		t.Fatalf("unexpected account payload: %+v", payload.Account)
	}

	rec = doServiceRequest(t, engine, http.MethodGet, "/v0/service/credits/org-absent", testServiceToken, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown account, got %d", rec.Code)
	}
}
