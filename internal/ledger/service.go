package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fieldpilot/backend/internal/alerts"
	"github.com/fieldpilot/backend/internal/cache"
	"github.com/fieldpilot/backend/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service errors.
var (
	// ErrInvalidOrganization indicates a blank organization ID.
	ErrInvalidOrganization = errors.New("ledger: organization id is required")
	// ErrAccountNotFound indicates no credit account exists for the organization.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrInvalidAdjustment indicates a zero-credit manual adjustment.
	ErrInvalidAdjustment = errors.New("ledger: adjustment credits must be non-zero")
	// ErrInsufficientBalance indicates a negative adjustment would drive the balance below zero.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance for adjustment")
)

// errConditionFailed aborts a transaction whose conditional update matched no
// rows, so the caller can fall through to the next branch of the state machine.
var errConditionFailed = errors.New("ledger: conditional update matched no rows")

// Mode tags the outcome of a credit consumption attempt.
type Mode string

// Consumption modes.
const (
	// ModePaid means a paid credit was debited.
	ModePaid Mode = "paid"
	// ModeGrace means a grace credit was debited.
	ModeGrace Mode = "grace"
	// ModeExhausted means no credit was available; the caller must degrade.
	ModeExhausted Mode = "exhausted"
)

// UseCreditResult is the outcome of one UseCredit call.
type UseCreditResult struct {
	Success          bool  `json:"success"`
	Mode             Mode  `json:"mode"`
	CreditsRemaining int64 `json:"credits_remaining"`
	GraceRemaining   int64 `json:"grace_remaining,omitempty"`
}

// Service is the credit ledger state machine. It is stateless; all durable
// state lives on the per-organization credit account row.
//
// Every mutating step is a single conditional UPDATE whose RowsAffected
// decides the branch taken, committed together with its usage log row.
// Concurrent debits therefore serialize at the storage layer: the balance
// can never go negative and the grace pool can never over-allocate.
type Service struct {
	db           *gorm.DB
	alerts       *alerts.Dispatcher
	cache        *cache.Client
	graceCredits int64
}

// NewService constructs a ledger Service.
func NewService(db *gorm.DB, dispatcher *alerts.Dispatcher, cacheClient *cache.Client, graceCredits int64) *Service {
	if graceCredits <= 0 {
		graceCredits = 50
	}
	return &Service{
		db:           db,
		alerts:       dispatcher,
		cache:        cacheClient,
		graceCredits: graceCredits,
	}
}

// DB exposes the underlying connection for collaborating components.
func (s *Service) DB() *gorm.DB { return s.db }

// Account returns the credit account for an organization.
func (s *Service) Account(ctx context.Context, organizationID string) (*models.CreditAccount, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, ErrInvalidOrganization
	}
	var account models.CreditAccount
	errFind := s.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Take(&account).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("ledger: load account: %w", errFind)
	}
	return &account, nil
}

// EnsureAccount returns the credit account, creating it on first use.
// Creation races resolve through the unique organization index.
func (s *Service) EnsureAccount(ctx context.Context, organizationID string) (*models.CreditAccount, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, ErrInvalidOrganization
	}

	account, errFind := s.Account(ctx, organizationID)
	if errFind == nil {
		return account, nil
	}
	if !errors.Is(errFind, ErrAccountNotFound) {
		return nil, errFind
	}

	fresh := models.CreditAccount{
		OrganizationID: organizationID,
		Status:         models.AccountStatusInactive,
		GraceCredits:   s.graceCredits,
	}
	if errCreate := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "organization_id"}},
			DoNothing: true,
		}).
		Create(&fresh).Error; errCreate != nil {
		return nil, fmt.Errorf("ledger: create account: %w", errCreate)
	}

	return s.Account(ctx, organizationID)
}

// UseCredit consumes one credit for a metered conversation.
//
// Paid balance is tried first; at zero balance the one-time grace pool is
// activated and drawn down; when neither is usable the result is exhausted
// and the caller must route to an unmetered channel.
func (s *Service) UseCredit(ctx context.Context, organizationID, correlationID string) (UseCreditResult, error) {
	account, errEnsure := s.EnsureAccount(ctx, organizationID)
	if errEnsure != nil {
		return UseCreditResult{}, errEnsure
	}

	result, errPaid := s.tryPaidDebit(ctx, organizationID, correlationID)
	if errPaid == nil {
		s.cache.Invalidate(ctx, organizationID)
		s.alerts.CheckAlerts(ctx, organizationID)
		return result, nil
	}
	if !errors.Is(errPaid, errConditionFailed) {
		return UseCreditResult{}, errPaid
	}

	claimed, errClaim := s.tryActivateGrace(ctx, organizationID)
	if errClaim != nil {
		return UseCreditResult{}, errClaim
	}
	if claimed {
		s.cache.Invalidate(ctx, organizationID)
		s.alerts.NotifyGraceActivated(ctx, organizationID, account.GraceCredits)
	}

	result, errGrace := s.tryGraceDebit(ctx, organizationID, correlationID)
	if errGrace == nil {
		s.cache.Invalidate(ctx, organizationID)
		s.alerts.CheckAlerts(ctx, organizationID)
		return result, nil
	}
	if !errors.Is(errGrace, errConditionFailed) {
		return UseCreditResult{}, errGrace
	}

	if errMark := s.markExhausted(ctx, organizationID); errMark != nil {
		return UseCreditResult{}, errMark
	}
	s.cache.Invalidate(ctx, organizationID)
	return UseCreditResult{Success: false, Mode: ModeExhausted}, nil
}

// tryPaidDebit atomically takes one paid credit and appends its audit row.
// Returns errConditionFailed when the balance is already zero.
func (s *Service) tryPaidDebit(ctx context.Context, organizationID, correlationID string) (UseCreditResult, error) {
	var result UseCreditResult
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.CreditAccount{}).
			Where("organization_id = ? AND balance > 0", organizationID).
			Updates(map[string]any{
				"balance":       gorm.Expr("balance - 1"),
				"lifetime_used": gorm.Expr("lifetime_used + 1"),
				"status":        models.AccountStatusActive,
				"updated_at":    time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errConditionFailed
		}

		var account models.CreditAccount
		if errFind := tx.Where("organization_id = ?", organizationID).Take(&account).Error; errFind != nil {
			return errFind
		}

		entry := models.UsageLog{
			AccountID:      account.ID,
			OrganizationID: organizationID,
			CreditsUsed:    1,
			UsageType:      models.UsageTypeConversation,
			Description:    "AI conversation credit",
			BalanceBefore:  account.Balance + 1,
			BalanceAfter:   account.Balance,
			WasGraceCredit: false,
			CorrelationID:  correlationID,
			Detail: MarshalDetail(ConversationDetail{
				Mode:          string(ModePaid),
				CorrelationID: correlationID,
			}),
		}
		if errCreate := tx.Create(&entry).Error; errCreate != nil {
			return errCreate
		}

		result = UseCreditResult{
			Success:          true,
			Mode:             ModePaid,
			CreditsRemaining: account.Balance,
		}
		return nil
	})
	if errTx != nil {
		if errors.Is(errTx, errConditionFailed) {
			return UseCreditResult{}, errConditionFailed
		}
		return UseCreditResult{}, fmt.Errorf("ledger: paid debit: %w", errTx)
	}
	return result, nil
}

// tryActivateGrace claims the one-time grace activation. The conditional
// update guarantees exactly one caller ever wins the claim per account;
// grace_ever_activated is never cleared afterwards.
func (s *Service) tryActivateGrace(ctx context.Context, organizationID string) (bool, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&models.CreditAccount{}).
		Where("organization_id = ? AND balance = 0 AND grace_activated_at IS NULL AND grace_ever_activated = ? AND grace_forfeited = ?",
			organizationID, false, false).
		Updates(map[string]any{
			"grace_activated_at":   now,
			"grace_ever_activated": true,
			"status":               models.AccountStatusGrace,
			"updated_at":           now,
		})
	if res.Error != nil {
		return false, fmt.Errorf("ledger: activate grace: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// tryGraceDebit atomically takes one grace credit and appends its audit row.
// Returns errConditionFailed when grace is unusable.
func (s *Service) tryGraceDebit(ctx context.Context, organizationID, correlationID string) (UseCreditResult, error) {
	var result UseCreditResult
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.CreditAccount{}).
			Where("organization_id = ? AND balance = 0 AND grace_ever_activated = ? AND grace_forfeited = ? AND grace_used < grace_credits",
				organizationID, true, false).
			Updates(map[string]any{
				"grace_used":    gorm.Expr("grace_used + 1"),
				"lifetime_used": gorm.Expr("lifetime_used + 1"),
				"status":        models.AccountStatusGrace,
				"updated_at":    time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errConditionFailed
		}

		var account models.CreditAccount
		if errFind := tx.Where("organization_id = ?", organizationID).Take(&account).Error; errFind != nil {
			return errFind
		}

		entry := models.UsageLog{
			AccountID:      account.ID,
			OrganizationID: organizationID,
			CreditsUsed:    1,
			UsageType:      models.UsageTypeConversation,
			Description:    "AI conversation credit (grace)",
			BalanceBefore:  0,
			BalanceAfter:   0,
			WasGraceCredit: true,
			CorrelationID:  correlationID,
			Detail: MarshalDetail(ConversationDetail{
				Mode:          string(ModeGrace),
				CorrelationID: correlationID,
			}),
		}
		if errCreate := tx.Create(&entry).Error; errCreate != nil {
			return errCreate
		}

		result = UseCreditResult{
			Success:        true,
			Mode:           ModeGrace,
			GraceRemaining: account.GraceRemaining(),
		}
		return nil
	})
	if errTx != nil {
		if errors.Is(errTx, errConditionFailed) {
			return UseCreditResult{}, errConditionFailed
		}
		return UseCreditResult{}, fmt.Errorf("ledger: grace debit: %w", errTx)
	}
	return result, nil
}

// markExhausted records that the account has nothing left to consume.
// The balance guard keeps a concurrent purchase from being overwritten.
func (s *Service) markExhausted(ctx context.Context, organizationID string) error {
	res := s.db.WithContext(ctx).
		Model(&models.CreditAccount{}).
		Where("organization_id = ? AND balance = 0", organizationID).
		Updates(map[string]any{
			"status":     models.AccountStatusExhausted,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("ledger: mark exhausted: %w", res.Error)
	}
	return nil
}

// AddCredits applies a manual support adjustment to the paid balance.
// Credits may be negative; the balance invariant still holds, so an
// adjustment that would go below zero is rejected. Grace state and
// lifetime_used are untouched; lifetime_credits only ever grows.
func (s *Service) AddCredits(ctx context.Context, organizationID string, credits int64, reason string) (*models.CreditAccount, error) {
	if credits == 0 {
		return nil, ErrInvalidAdjustment
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("ledger: adjustment reason is required")
	}
	if _, errEnsure := s.EnsureAccount(ctx, organizationID); errEnsure != nil {
		return nil, errEnsure
	}

	var updated models.CreditAccount
	errTx := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"balance":    gorm.Expr("balance + ?", credits),
			"updated_at": time.Now().UTC(),
		}
		if credits > 0 {
			updates["lifetime_credits"] = gorm.Expr("lifetime_credits + ?", credits)
		}
		res := tx.Model(&models.CreditAccount{}).
			Where("organization_id = ? AND balance + ? >= 0", organizationID, credits).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientBalance
		}

		if errFind := tx.Where("organization_id = ?", organizationID).Take(&updated).Error; errFind != nil {
			return errFind
		}

		entry := models.UsageLog{
			AccountID:      updated.ID,
			OrganizationID: organizationID,
			CreditsUsed:    -credits,
			UsageType:      models.UsageTypeAdjustment,
			Description:    reason,
			BalanceBefore:  updated.Balance - credits,
			BalanceAfter:   updated.Balance,
			Detail:         MarshalDetail(AdjustmentDetail{Reason: reason}),
		}
		return tx.Create(&entry).Error
	})
	if errTx != nil {
		if errors.Is(errTx, ErrInsufficientBalance) {
			return nil, ErrInsufficientBalance
		}
		return nil, fmt.Errorf("ledger: manual adjustment: %w", errTx)
	}

	s.cache.Invalidate(ctx, organizationID)
	return &updated, nil
}
