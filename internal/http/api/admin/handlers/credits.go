package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/fieldpilot/backend/internal/ledger"
	"github.com/fieldpilot/backend/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// CreditsHandler handles support credit administration endpoints.
type CreditsHandler struct {
	db     *gorm.DB
	ledger *ledger.Service
}

// NewCreditsHandler constructs a CreditsHandler.
func NewCreditsHandler(db *gorm.DB, ledgerSvc *ledger.Service) *CreditsHandler {
	return &CreditsHandler{db: db, ledger: ledgerSvc}
}

// accountDTO defines the admin credit account response payload.
type accountDTO struct {
	OrganizationID     string     `json:"organization_id"`
	Balance            int64      `json:"balance"`
	LifetimeCredits    int64      `json:"lifetime_credits"`
	LifetimeUsed       int64      `json:"lifetime_used"`
	Status             string     `json:"status"`
	GraceCredits       int64      `json:"grace_credits"`
	GraceUsed          int64      `json:"grace_used"`
	GraceRemaining     int64      `json:"grace_remaining"`
	GraceEverActivated bool       `json:"grace_ever_activated"`
	GraceForfeited     bool       `json:"grace_forfeited"`
	GraceActivatedAt   *time.Time `json:"grace_activated_at,omitempty"`
	Alert75SentAt      *time.Time `json:"alert75_sent_at,omitempty"`
	Alert90SentAt      *time.Time `json:"alert90_sent_at,omitempty"`
	Alert100SentAt     *time.Time `json:"alert100_sent_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func toAccountDTO(account *models.CreditAccount) accountDTO {
	return accountDTO{
		OrganizationID:     account.OrganizationID,
		Balance:            account.Balance,
		LifetimeCredits:    account.LifetimeCredits,
		LifetimeUsed:       account.LifetimeUsed,
		Status:             account.Status,
		GraceCredits:       account.GraceCredits,
		GraceUsed:          account.GraceUsed,
		GraceRemaining:     account.GraceRemaining(),
		GraceEverActivated: account.GraceEverActivated,
		GraceForfeited:     account.GraceForfeited,
		GraceActivatedAt:   account.GraceActivatedAt,
		Alert75SentAt:      account.Alert75SentAt,
		Alert90SentAt:      account.Alert90SentAt,
		Alert100SentAt:     account.Alert100SentAt,
		CreatedAt:          account.CreatedAt,
		UpdatedAt:          account.UpdatedAt,
	}
}

// accountsListQuery defines query parameters for listing accounts.
type accountsListQuery struct {
	Page   int    `form:"page,default=1"`
	Limit  int    `form:"limit,default=20"`
	Status string `form:"status"`
}

// ListAccounts returns credit accounts for the support dashboard.
func (h *CreditsHandler) ListAccounts(c *gin.Context) {
	var q accountsListQuery
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
	query := h.db.WithContext(ctx).Model(&models.CreditAccount{})
	if status := strings.TrimSpace(q.Status); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query accounts failed"})
		return
	}

	var rows []models.CreditAccount
	if errFind := query.
		Order("updated_at DESC").
		Offset((q.Page - 1) * q.Limit).
		Limit(q.Limit).
		Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query accounts failed"})
		return
	}

	out := make([]accountDTO, 0, len(rows))
	for i := range rows {
		out = append(out, toAccountDTO(&rows[i]))
	}

	c.JSON(http.StatusOK, gin.H{
		"accounts": out,
		"total":    total,
		"page":     q.Page,
		"limit":    q.Limit,
	})
}

// GetAccount returns one organization's credit account.
func (h *CreditsHandler) GetAccount(c *gin.Context) {
	organizationID := strings.TrimSpace(c.Param("org_id"))
	account, errFind := h.ledger.Account(c.Request.Context(), organizationID)
	if errFind != nil {
		if errors.Is(errFind, ledger.ErrAccountNotFound) || errors.Is(errFind, ledger.ErrInvalidOrganization) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query account failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": toAccountDTO(account)})
}

// adjustRequest defines the request body for a manual credit adjustment.
type adjustRequest struct {
	OrganizationID string `json:"organization_id"`
	Credits        int64  `json:"credits"`
	Reason         string `json:"reason"`
}

// Adjust applies a manual credit adjustment for support cases.
func (h *CreditsHandler) Adjust(c *gin.Context) {
	var body adjustRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.OrganizationID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id is required"})
		return
	}
	if strings.TrimSpace(body.Reason) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}

	account, errAdjust := h.ledger.AddCredits(c.Request.Context(), body.OrganizationID, body.Credits, body.Reason)
	if errAdjust != nil {
		switch {
		case errors.Is(errAdjust, ledger.ErrInvalidAdjustment):
			c.JSON(http.StatusBadRequest, gin.H{"error": "credits must be non-zero"})
		case errors.Is(errAdjust, ledger.ErrInsufficientBalance):
			c.JSON(http.StatusConflict, gin.H{"error": "insufficient balance"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "adjustment failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": toAccountDTO(account)})
}

// purchasesListQuery defines query parameters for listing purchases.
type purchasesListQuery struct {
	Page           int    `form:"page,default=1"`
	Limit          int    `form:"limit,default=20"`
	OrganizationID string `form:"organization_id"`
	Status         string `form:"status"`
}

// purchaseEntry defines one purchase row in the admin response.
type purchaseEntry struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	PackageName    string     `json:"package_name"`
	Credits        int64      `json:"credits"`
	AmountPaid     string     `json:"amount_paid"`
	Currency       string     `json:"currency"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// ListPurchases returns purchases across organizations.
func (h *CreditsHandler) ListPurchases(c *gin.Context) {
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
	query := h.db.WithContext(ctx).Model(&models.CreditPurchase{})
	if organizationID := strings.TrimSpace(q.OrganizationID); organizationID != "" {
		query = query.Where("organization_id = ?", organizationID)
	}
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
			ID:             row.ID,
			OrganizationID: row.OrganizationID,
			PackageName:    row.PackageName,
			Credits:        row.Credits,
			AmountPaid:     row.AmountPaid.StringFixed(2),
			Currency:       row.Currency,
			Status:         row.Status,
			CreatedAt:      row.CreatedAt,
			CompletedAt:    row.CompletedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"purchases": out,
		"total":     total,
		"page":      q.Page,
		"limit":     q.Limit,
	})
}
