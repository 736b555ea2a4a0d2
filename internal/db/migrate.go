package db

import (
	"fmt"

	"github.com/fieldpilot/backend/internal/models"
	"gorm.io/gorm"
)

// Migrate creates or updates the schema for all ledger tables.
func Migrate(conn *gorm.DB) error {
	if conn == nil {
		return fmt.Errorf("db: nil connection")
	}
	if errMigrate := conn.AutoMigrate(
		&models.CreditAccount{},
		&models.UsageLog{},
		&models.CreditPurchase{},
		&models.Admin{},
		&models.Setting{},
	); errMigrate != nil {
		return fmt.Errorf("db: migrate: %w", errMigrate)
	}
	return nil
}
