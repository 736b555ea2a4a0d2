package service

import (
	"errors"
	"net/http"
	"strings"

	"github.com/fieldpilot/backend/internal/billing"
	"github.com/fieldpilot/backend/internal/ledger"
	"github.com/fieldpilot/backend/internal/models"
	"github.com/fieldpilot/backend/internal/purchase"

	"github.com/gin-gonic/gin"
)

// Handler serves the service-to-service credit endpoints.
type Handler struct {
	ledger *ledger.Service
	flow   *purchase.Flow
}

// NewHandler constructs a Handler.
func NewHandler(ledgerSvc *ledger.Service, flow *purchase.Flow) *Handler {
	return &Handler{ledger: ledgerSvc, flow: flow}
}

// useCreditRequest defines the request body for consuming one credit.
type useCreditRequest struct {
	OrganizationID string `json:"organization_id"`
	CorrelationID  string `json:"correlation_id"`
}

// UseCredit consumes one conversation credit for an organization.
// An exhausted account is not an error: the pipeline reads success=false
// and routes the conversation to the unmetered channel.
func (h *Handler) UseCredit(c *gin.Context) {
	var body useCreditRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(body.OrganizationID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id is required"})
		return
	}

	result, errUse := h.ledger.UseCredit(c.Request.Context(), body.OrganizationID, strings.TrimSpace(body.CorrelationID))
	if errUse != nil {
		if errors.Is(errUse, ledger.ErrInvalidOrganization) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "organization_id is required"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credit consumption failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetAccount returns the full credit account state for an organization.
func (h *Handler) GetAccount(c *gin.Context) {
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
	c.JSON(http.StatusOK, gin.H{"account": accountDTO(account)})
}

// CompletePurchase settles a purchase after payment confirmation.
// Safe to call more than once for the same purchase.
func (h *Handler) CompletePurchase(c *gin.Context) {
	purchaseID := strings.TrimSpace(c.Param("id"))
	if purchaseID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "purchase id is required"})
		return
	}

	row, errComplete := h.flow.CompletePurchase(c.Request.Context(), purchaseID)
	if errComplete != nil {
		switch {
		case errors.Is(errComplete, purchase.ErrPurchaseNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "purchase not found"})
		case errors.Is(errComplete, purchase.ErrPurchaseFailed):
			c.JSON(http.StatusConflict, gin.H{"error": "purchase already failed"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "complete purchase failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"purchase": purchaseDTO(row)})
}

// FailPurchase marks a pending purchase as failed after checkout fell through.
func (h *Handler) FailPurchase(c *gin.Context) {
	purchaseID := strings.TrimSpace(c.Param("id"))
	if purchaseID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "purchase id is required"})
		return
	}

	if errFail := h.flow.FailPurchase(c.Request.Context(), purchaseID); errFail != nil {
		if errors.Is(errFail, purchase.ErrPurchaseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "purchase not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fail purchase failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.PurchaseStatusFailed})
}

// accountDTO shapes a credit account response.
func accountDTO(account *models.CreditAccount) gin.H {
	return gin.H{
		"organization_id":      account.OrganizationID,
		"balance":              account.Balance,
		"lifetime_credits":     account.LifetimeCredits,
		"lifetime_used":        account.LifetimeUsed,
		"status":               account.Status,
		"grace_credits":        account.GraceCredits,
		"grace_used":           account.GraceUsed,
		"grace_remaining":      account.GraceRemaining(),
		"grace_ever_activated": account.GraceEverActivated,
		"grace_forfeited":      account.GraceForfeited,
		"grace_activated_at":   account.GraceActivatedAt,
	}
}

// purchaseDTO shapes a purchase response.
func purchaseDTO(row *models.CreditPurchase) gin.H {
	return gin.H{
		"id":              row.ID,
		"organization_id": row.OrganizationID,
		"package_name":    row.PackageName,
		"credits":         row.Credits,
		"amount_paid":     row.AmountPaid.StringFixed(2),
		"currency":        row.Currency,
		"status":          row.Status,
		"completed_at":    row.CompletedAt,
		"catalog_version": billing.CatalogVersion,
	}
}
