package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Credit purchase statuses.
const (
	// PurchaseStatusPending marks a purchase awaiting checkout.
	PurchaseStatusPending = "pending"
	// PurchaseStatusCompleted marks a purchase whose payment settled.
	PurchaseStatusCompleted = "completed"
	// PurchaseStatusFailed marks a purchase whose payment failed.
	PurchaseStatusFailed = "failed"
)

// CreditPurchase represents one credit package purchase attempt.
type CreditPurchase struct {
	ID string `gorm:"type:text;primaryKey"` // Purchase identifier handed to checkout.

	AccountID      uint64         `gorm:"not null;index"`           // Related credit account ID.
	Account        *CreditAccount `gorm:"foreignKey:AccountID"`     // Credit account record.
	OrganizationID string         `gorm:"type:text;not null;index"` // Owning organization.

	PackageName string          `gorm:"type:text;not null"`          // Catalog package name.
	Credits     int64           `gorm:"not null"`                    // Credits granted on completion.
	AmountPaid  decimal.Decimal `gorm:"type:decimal(12,2);not null"` // Package price.
	Currency    string          `gorm:"type:text;not null"`          // Price currency code.

	Status string `gorm:"type:text;not null;default:'pending';index"` // Purchase status.

	CreatedAt   time.Time  `gorm:"not null;autoCreateTime"` // Creation timestamp.
	CompletedAt *time.Time // Completion time, if completed.
}
