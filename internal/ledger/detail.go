package ledger

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// Audit detail payloads form a closed set, one type per usage log entry kind.
// They are stored as JSON but always written through these structs.

// ConversationDetail describes a metered conversation debit.
type ConversationDetail struct {
	Mode          string `json:"mode"` // paid or grace.
	CorrelationID string `json:"correlation_id,omitempty"`
}

// PurchaseDetail describes a completed credit purchase grant.
type PurchaseDetail struct {
	PurchaseID     string `json:"purchase_id"`
	PackageName    string `json:"package_name"`
	CatalogVersion string `json:"catalog_version"`
	AmountPaid     string `json:"amount_paid"`
	Currency       string `json:"currency"`
	GraceForfeited bool   `json:"grace_forfeited,omitempty"`
}

// AdjustmentDetail describes a manual support adjustment.
type AdjustmentDetail struct {
	Reason string `json:"reason"`
}

// MarshalDetail serializes a detail payload for storage.
func MarshalDetail(v any) datatypes.JSON {
	raw, errMarshal := json.Marshal(v)
	if errMarshal != nil {
		return nil
	}
	return datatypes.JSON(raw)
}
