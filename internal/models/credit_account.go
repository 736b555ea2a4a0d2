package models

import "time"

// Credit account lifecycle statuses.
const (
	// AccountStatusInactive marks an account that has never consumed a credit.
	AccountStatusInactive = "inactive"
	// AccountStatusActive marks an account consuming paid credits.
	AccountStatusActive = "active"
	// AccountStatusGrace marks an account running on the grace pool.
	AccountStatusGrace = "grace"
	// AccountStatusExhausted marks an account with no consumable credits left.
	AccountStatusExhausted = "exhausted"
)

// CreditAccount tracks the prepaid conversation-credit state for one organization.
// Rows are created lazily on the first ledger operation and never deleted.
type CreditAccount struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	OrganizationID string `gorm:"type:text;not null;uniqueIndex"` // Owning organization.

	Balance         int64 `gorm:"not null;default:0"` // Paid credits remaining, never negative.
	LifetimeCredits int64 `gorm:"not null;default:0"` // Credits ever granted.
	LifetimeUsed    int64 `gorm:"not null;default:0"` // Credits ever consumed.

	Status string `gorm:"type:text;not null;default:'inactive';index"` // Lifecycle status.

	GraceCredits       int64      `gorm:"not null;default:0"`     // Grace pool size, fixed at creation.
	GraceUsed          int64      `gorm:"not null;default:0"`     // Grace credits consumed.
	GraceEverActivated bool       `gorm:"not null;default:false"` // Set once, never cleared.
	GraceForfeited     bool       `gorm:"not null;default:false"` // Unused grace revoked by a purchase.
	GraceActivatedAt   *time.Time // Grace activation time, set exactly once.

	Alert75SentAt  *time.Time `gorm:"column:alert75_sent_at"`  // 75% usage alert latch.
	Alert90SentAt  *time.Time `gorm:"column:alert90_sent_at"`  // 90% usage alert latch.
	Alert100SentAt *time.Time `gorm:"column:alert100_sent_at"` // Exhaustion alert latch.

	BSPStatus      string `gorm:"column:bsp_status;type:text"`       // Messaging channel status, passthrough.
	BSPPhoneNumber string `gorm:"column:bsp_phone_number;type:text"` // Messaging channel number, passthrough.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// GraceRemaining returns the unused portion of the grace pool.
func (a *CreditAccount) GraceRemaining() int64 {
	remaining := a.GraceCredits - a.GraceUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GraceUsable reports whether another grace credit may be consumed.
func (a *CreditAccount) GraceUsable() bool {
	return a.GraceEverActivated && !a.GraceForfeited && a.GraceUsed < a.GraceCredits
}
