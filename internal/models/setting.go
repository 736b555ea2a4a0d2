package models

import (
	"time"

	"gorm.io/datatypes"
)

// Setting stores one runtime configuration value.
type Setting struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Key   string         `gorm:"type:text;not null;uniqueIndex"`   // Config key.
	Value datatypes.JSON `gorm:"type:jsonb;not null;default:'{}'"` // Config payload.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (Setting) TableName() string {
	return "settings"
}
