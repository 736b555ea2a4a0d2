package alerts

import (
	"context"
	"errors"
	"time"

	"github.com/fieldpilot/backend/internal/models"
	"github.com/fieldpilot/backend/internal/notify"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Usage thresholds, in percent of lifetime credits.
const (
	Threshold75  = 75
	Threshold90  = 90
	Threshold100 = 100
)

// Dispatcher evaluates usage thresholds and sends fire-once notifications.
// Each latch is claimed with a conditional update before dispatch, so a
// threshold notification goes out at most once per purchase cycle even under
// concurrent debits. Dispatch failures are logged and swallowed.
type Dispatcher struct {
	db       *gorm.DB
	notifier notify.Notifier
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(db *gorm.DB, notifier notify.Notifier) *Dispatcher {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Dispatcher{db: db, notifier: notifier}
}

// CheckAlerts evaluates all three threshold latches for an organization.
// Safe to call repeatedly; the latches make it idempotent per cycle.
func (d *Dispatcher) CheckAlerts(ctx context.Context, organizationID string) {
	var account models.CreditAccount
	if errFind := d.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Take(&account).Error; errFind != nil {
		if !errors.Is(errFind, gorm.ErrRecordNotFound) {
			log.WithError(errFind).WithField("organization_id", organizationID).
				Warn("alerts: load account failed")
		}
		return
	}

	// No credits were ever granted; percentages are undefined.
	if account.LifetimeCredits == 0 {
		return
	}

	usagePercent := float64(account.LifetimeUsed) / float64(account.LifetimeCredits) * 100

	if usagePercent >= Threshold75 && account.Alert75SentAt == nil {
		d.fire(ctx, organizationID, "alert75_sent_at", Threshold75, account.Balance)
	}
	if usagePercent >= Threshold90 && account.Alert90SentAt == nil {
		d.fire(ctx, organizationID, "alert90_sent_at", Threshold90, account.Balance)
	}
	// The 100% latch keys off an empty balance rather than the percentage:
	// the lifetime denominator grows across purchase cycles, which can make
	// an exact 100% unreachable by rounding.
	if account.Balance == 0 && account.Alert100SentAt == nil {
		d.fire(ctx, organizationID, "alert100_sent_at", Threshold100, 0)
	}
}

// fire claims one latch and sends its notification when the claim wins.
func (d *Dispatcher) fire(ctx context.Context, organizationID, latchColumn string, threshold int, remaining int64) {
	now := time.Now().UTC()
	res := d.db.WithContext(ctx).
		Model(&models.CreditAccount{}).
		Where("organization_id = ? AND "+latchColumn+" IS NULL", organizationID).
		Update(latchColumn, now)
	if res.Error != nil {
		log.WithError(res.Error).WithFields(log.Fields{
			"organization_id": organizationID,
			"threshold":       threshold,
		}).Warn("alerts: latch claim failed")
		return
	}
	if res.RowsAffected == 0 {
		// Another debit claimed the latch first.
		return
	}

	if errSend := d.notifier.SendCreditWarningEmail(ctx, organizationID, threshold, remaining); errSend != nil {
		log.WithError(errSend).WithFields(log.Fields{
			"organization_id": organizationID,
			"threshold":       threshold,
		}).Warn("alerts: credit warning dispatch failed")
	}
}

// NotifyGraceActivated sends the one-time grace activation notice.
// Best effort; the ledger state transition has already committed.
func (d *Dispatcher) NotifyGraceActivated(ctx context.Context, organizationID string, graceCredits int64) {
	if errSend := d.notifier.SendGraceActivatedEmail(ctx, organizationID, graceCredits); errSend != nil {
		log.WithError(errSend).WithField("organization_id", organizationID).
			Warn("alerts: grace activation dispatch failed")
	}
}
