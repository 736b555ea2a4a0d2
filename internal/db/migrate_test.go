package db

import (
	"fmt"
	"testing"
	"time"

	"github.com/fieldpilot/backend/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openMigrateTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:migrate_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	return conn
}

func TestMigrateCreatesLedgerSchema(t *testing.T) {
	conn := openMigrateTestDB(t)
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	migrator := conn.Migrator()
	for _, model := range []any{
		&models.CreditAccount{},
		&models.UsageLog{},
		&models.CreditPurchase{},
		&models.Admin{},
		&models.Setting{},
	} {
		if !migrator.HasTable(model) {
			t.Fatalf("expected table for %T", model)
		}
	}

	for _, column := range []string{
		"organization_id", "balance", "lifetime_credits", "lifetime_used",
		"grace_credits", "grace_used", "grace_ever_activated", "grace_forfeited",
		"grace_activated_at", "alert75_sent_at", "alert90_sent_at", "alert100_sent_at",
	} {
		if !migrator.HasColumn(&models.CreditAccount{}, column) {
			t.Fatalf("credit_accounts missing column %s", column)
		}
	}
	for _, column := range []string{"credits_used", "usage_type", "was_grace_credit", "correlation_id", "detail"} {
		if !migrator.HasColumn(&models.UsageLog{}, column) {
			t.Fatalf("usage_logs missing column %s", column)
		}
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	conn := openMigrateTestDB(t)
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("first migrate: %v", errMigrate)
	}
	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("second migrate: %v", errMigrate)
	}
}
