package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fieldpilot/backend/internal/billing"
	"github.com/fieldpilot/backend/internal/cache"
	"github.com/fieldpilot/backend/internal/ledger"
	"github.com/fieldpilot/backend/internal/models"
	"github.com/fieldpilot/backend/internal/purchase"

	"github.com/gin-gonic/gin"
)

// CreditsHandler handles organization-facing credit endpoints.
type CreditsHandler struct {
	ledger *ledger.Service
	flow   *purchase.Flow
	cache  *cache.Client
}

// NewCreditsHandler constructs a CreditsHandler.
func NewCreditsHandler(ledgerSvc *ledger.Service, flow *purchase.Flow, cacheClient *cache.Client) *CreditsHandler {
	return &CreditsHandler{ledger: ledgerSvc, flow: flow, cache: cacheClient}
}

// Get returns the organization's credit status snapshot. Served from the
// redis cache when fresh; every ledger mutation invalidates the key.
func (h *CreditsHandler) Get(c *gin.Context) {
	organizationID := getOrganizationID(c)
	if organizationID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ctx := c.Request.Context()
	if cached, ok := h.cache.GetStatus(ctx, organizationID); ok {
		c.JSON(http.StatusOK, gin.H{"credits": cached})
		return
	}

	account, errEnsure := h.ledger.EnsureAccount(ctx, organizationID)
	if errEnsure != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query credits failed"})
		return
	}

	status := cache.CreditStatus{
		OrganizationID: account.OrganizationID,
		Status:         account.Status,
		Balance:        account.Balance,
		GraceRemaining: account.GraceRemaining(),
		CachedAt:       time.Now().UTC(),
	}
	h.cache.SetStatus(ctx, status)
	c.JSON(http.StatusOK, gin.H{"credits": status})
}

// packageDTO defines a catalog package response payload.
type packageDTO struct {
	Name     string `json:"name"`
	Credits  int64  `json:"credits"`
	Price    string `json:"price"`
	Currency string `json:"currency"`
}

// Packages lists the purchasable credit packages.
func (h *CreditsHandler) Packages(c *gin.Context) {
	catalog := billing.Packages()
	out := make([]packageDTO, 0, len(catalog))
	for _, pkg := range catalog {
		out = append(out, packageDTO{
			Name:     pkg.Name,
			Credits:  pkg.Credits,
			Price:    pkg.Price.StringFixed(2),
			Currency: pkg.Currency,
		})
	}
	c.JSON(http.StatusOK, gin.H{"packages": out, "catalog_version": billing.CatalogVersion})
}

// initiatePurchaseRequest defines the request body for starting a purchase.
type initiatePurchaseRequest struct {
	PackageName string `json:"package_name"`
}

// InitiatePurchase records a pending purchase and hands its ID to checkout.
func (h *CreditsHandler) InitiatePurchase(c *gin.Context) {
	organizationID := getOrganizationID(c)
	if organizationID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var body initiatePurchaseRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.PackageName) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "package_name is required"})
		return
	}

	row, pkg, errInitiate := h.flow.InitiatePurchase(c.Request.Context(), organizationID, body.PackageName)
	if errInitiate != nil {
		if errors.Is(errInitiate, billing.ErrUnknownPackage) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown package"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "initiate purchase failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"purchase": gin.H{
			"id":           row.ID,
			"package_name": row.PackageName,
			"credits":      row.Credits,
			"amount":       row.AmountPaid.StringFixed(2),
			"currency":     row.Currency,
			"status":       row.Status,
		},
		"package": packageDTO{
			Name:     pkg.Name,
			Credits:  pkg.Credits,
			Price:    pkg.Price.StringFixed(2),
			Currency: pkg.Currency,
		},
	})
}

// purchasesListQuery defines query parameters for listing purchases.
type purchasesListQuery struct {
	Page   int    `form:"page,default=1"`
	Limit  int    `form:"limit,default=20"`
	Status string `form:"status"`
}

// purchaseEntry defines one purchase history row.
type purchaseEntry struct {
	ID          string     `json:"id"`
	PackageName string     `json:"package_name"`
	Credits     int64      `json:"credits"`
	AmountPaid  string     `json:"amount_paid"`
	Currency    string     `json:"currency"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ListPurchases returns the organization's purchase history.
func (h *CreditsHandler) ListPurchases(c *gin.Context) {
	organizationID := getOrganizationID(c)
	if organizationID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var q purchasesListQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > 100 {
		q.Limit = 20
	}

	ctx := c.Request.Context()
	query := h.ledger.DB().WithContext(ctx).
		Model(&models.CreditPurchase{}).
		Where("organization_id = ?", organizationID)
	if status := strings.TrimSpace(q.Status); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query purchases failed"})
		return
	}

	var rows []models.CreditPurchase
	if errFind := query.
		Order("created_at DESC").
		Offset((q.Page - 1) * q.Limit).
		Limit(q.Limit).
		Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query purchases failed"})
		return
	}

	out := make([]purchaseEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, purchaseEntry{
			ID:          row.ID,
			PackageName: row.PackageName,
			Credits:     row.Credits,
			AmountPaid:  row.AmountPaid.StringFixed(2),
			Currency:    row.Currency,
			Status:      row.Status,
			CreatedAt:   row.CreatedAt,
			CompletedAt: row.CompletedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"purchases": out,
		"total":     total,
		"page":      q.Page,
		"limit":     q.Limit,
	})
}
