package models

import (
	"time"

	"gorm.io/datatypes"
)

// Usage log entry types.
const (
	// UsageTypeConversation records a metered conversation debit.
	UsageTypeConversation = "conversation"
	// UsageTypePurchase records a completed credit purchase grant.
	UsageTypePurchase = "purchase"
	// UsageTypeAdjustment records a manual support adjustment.
	UsageTypeAdjustment = "adjustment"
)

// UsageLog is one append-only audit row per balance-affecting event.
// Positive CreditsUsed means consumption, negative means a grant.
// Rows are immutable after insert.
type UsageLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	AccountID      uint64         `gorm:"not null;index"`           // Related credit account ID.
	Account        *CreditAccount `gorm:"foreignKey:AccountID"`     // Credit account record.
	OrganizationID string         `gorm:"type:text;not null;index"` // Owning organization, denormalized for queries.

	CreditsUsed int64  `gorm:"not null"`                       // Signed credit delta.
	UsageType   string `gorm:"type:text;not null;index"`       // Entry type.
	Description string `gorm:"type:text"`                      // Free-text summary.

	BalanceBefore  int64 `gorm:"not null;default:0"`     // Paid balance before the event.
	BalanceAfter   int64 `gorm:"not null;default:0"`     // Paid balance after the event.
	WasGraceCredit bool  `gorm:"not null;default:false"` // Whether the debit came from the grace pool.

	CorrelationID string `gorm:"type:text;index"` // Triggering event reference, when provided.

	Detail datatypes.JSON `gorm:"type:jsonb"` // Structured per-type detail payload.

	CreatedAt time.Time `gorm:"not null;autoCreateTime;index"` // Event timestamp.
}
