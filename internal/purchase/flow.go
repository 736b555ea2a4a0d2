package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldpilot/backend/internal/billing"
	"github.com/fieldpilot/backend/internal/cache"
	"github.com/fieldpilot/backend/internal/ledger"
	"github.com/fieldpilot/backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Flow errors.
var (
	// ErrPurchaseNotFound indicates an unknown purchase ID.
	ErrPurchaseNotFound = errors.New("purchase: not found")
	// ErrPurchaseFailed indicates completion was requested for a failed purchase.
	ErrPurchaseFailed = errors.New("purchase: payment failed, cannot complete")
)

// Flow handles the credit purchase lifecycle: catalog lookup, pending row
// creation for checkout, and idempotent completion driven by the payment
// webhook. Completion is guarded by the purchase row's own status, so a
// webhook delivered twice credits the account exactly once.
type Flow struct {
	db     *gorm.DB
	ledger *ledger.Service
	cache  *cache.Client
}

// NewFlow constructs a purchase Flow.
func NewFlow(db *gorm.DB, ledgerSvc *ledger.Service, cacheClient *cache.Client) *Flow {
	return &Flow{db: db, ledger: ledgerSvc, cache: cacheClient}
}

// InitiatePurchase records a pending purchase for an external checkout step.
// The credit account is untouched until completion.
func (f *Flow) InitiatePurchase(ctx context.Context, organizationID, packageName string) (*models.CreditPurchase, billing.CreditPackage, error) {
	pkg, errLookup := billing.LookupPackage(packageName)
	if errLookup != nil {
		return nil, billing.CreditPackage{}, errLookup
	}

	account, errEnsure := f.ledger.EnsureAccount(ctx, organizationID)
	if errEnsure != nil {
		return nil, billing.CreditPackage{}, errEnsure
	}

	row := models.CreditPurchase{
		ID:             uuid.NewString(),
		AccountID:      account.ID,
		OrganizationID: account.OrganizationID,
		PackageName:    pkg.Name,
		Credits:        pkg.Credits,
		AmountPaid:     pkg.Price,
		Currency:       pkg.Currency,
		Status:         models.PurchaseStatusPending,
	}
	if errCreate := f.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, billing.CreditPackage{}, fmt.Errorf("purchase: create: %w", errCreate)
	}
	return &row, pkg, nil
}

// CompletePurchase settles a purchase and credits the account.
//
// Idempotent: a purchase already marked completed is returned unchanged and
// the account is not touched again. In one transaction the purchase is
// claimed, the balance and lifetime credits grow, the status returns to
// active, all three alert latches reset, unused activated grace is
// forfeited, and the grant is appended to the usage log.
func (f *Flow) CompletePurchase(ctx context.Context, purchaseID string) (*models.CreditPurchase, error) {
	var completed models.CreditPurchase
	errTx := f.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()

		// Claim the pending row. Zero rows means duplicate delivery, an
		// unknown ID, or a failed payment; resolved below.
		claim := tx.Model(&models.CreditPurchase{}).
			Where("id = ? AND status = ?", purchaseID, models.PurchaseStatusPending).
			Updates(map[string]any{
				"status":       models.PurchaseStatusCompleted,
				"completed_at": now,
			})
		if claim.Error != nil {
			return claim.Error
		}

		var row models.CreditPurchase
		if errFind := tx.Where("id = ?", purchaseID).Take(&row).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ErrPurchaseNotFound
			}
			return errFind
		}

		if claim.RowsAffected == 0 {
			switch row.Status {
			case models.PurchaseStatusCompleted:
				completed = row
				return nil
			case models.PurchaseStatusFailed:
				return ErrPurchaseFailed
			default:
				return fmt.Errorf("purchase: unexpected status %q", row.Status)
			}
		}

		// Unused activated grace is revoked by any purchase. Forfeiting
		// never-activated or fully-used grace matches zero rows here.
		forfeit := tx.Model(&models.CreditAccount{}).
			Where("id = ? AND grace_ever_activated = ? AND grace_forfeited = ? AND grace_used < grace_credits",
				row.AccountID, true, false).
			Update("grace_forfeited", true)
		if forfeit.Error != nil {
			return forfeit.Error
		}

		grant := tx.Model(&models.CreditAccount{}).
			Where("id = ?", row.AccountID).
			Updates(map[string]any{
				"balance":          gorm.Expr("balance + ?", row.Credits),
				"lifetime_credits": gorm.Expr("lifetime_credits + ?", row.Credits),
				"status":           models.AccountStatusActive,
				"alert75_sent_at":  nil,
				"alert90_sent_at":  nil,
				"alert100_sent_at": nil,
				"updated_at":       now,
			})
		if grant.Error != nil {
			return grant.Error
		}

		var account models.CreditAccount
		if errFind := tx.Where("id = ?", row.AccountID).Take(&account).Error; errFind != nil {
			return errFind
		}

		entry := models.UsageLog{
			AccountID:      account.ID,
			OrganizationID: account.OrganizationID,
			CreditsUsed:    -row.Credits,
			UsageType:      models.UsageTypePurchase,
			Description:    fmt.Sprintf("Purchased %s package (%d credits)", row.PackageName, row.Credits),
			BalanceBefore:  account.Balance - row.Credits,
			BalanceAfter:   account.Balance,
			CorrelationID:  row.ID,
			Detail: ledger.MarshalDetail(ledger.PurchaseDetail{
				PurchaseID:     row.ID,
				PackageName:    row.PackageName,
				CatalogVersion: billing.CatalogVersion,
				AmountPaid:     row.AmountPaid.StringFixed(2),
				Currency:       row.Currency,
				GraceForfeited: forfeit.RowsAffected == 1,
			}),
		}
		if errCreate := tx.Create(&entry).Error; errCreate != nil {
			return errCreate
		}

		completed = row
		return nil
	})
	if errTx != nil {
		if errors.Is(errTx, ErrPurchaseNotFound) || errors.Is(errTx, ErrPurchaseFailed) {
			return nil, errTx
		}
		return nil, fmt.Errorf("purchase: complete %s: %w", purchaseID, errTx)
	}

	f.cache.Invalidate(ctx, completed.OrganizationID)
	return &completed, nil
}

// FailPurchase marks a pending purchase as failed after checkout fell
// through. Completed purchases are never demoted.
func (f *Flow) FailPurchase(ctx context.Context, purchaseID string) error {
	res := f.db.WithContext(ctx).
		Model(&models.CreditPurchase{}).
		Where("id = ? AND status = ?", purchaseID, models.PurchaseStatusPending).
		Update("status", models.PurchaseStatusFailed)
	if res.Error != nil {
		return fmt.Errorf("purchase: fail %s: %w", purchaseID, res.Error)
	}
	if res.RowsAffected == 0 {
		var row models.CreditPurchase
		if errFind := f.db.WithContext(ctx).Where("id = ?", purchaseID).Take(&row).Error; errFind != nil {
			if errors.Is(errFind, gorm.ErrRecordNotFound) {
				return ErrPurchaseNotFound
			}
			return errFind
		}
	}
	return nil
}
