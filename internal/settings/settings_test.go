package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/fieldpilot/backend/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func openSettingsTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:settings_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := conn.AutoMigrate(&models.Setting{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func seedSetting(t *testing.T, conn *gorm.DB, key, rawValue string) {
	t.Helper()
	row := models.Setting{Key: key, Value: datatypes.JSON(rawValue)}
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("seed setting %s: %v", key, errCreate)
	}
}

func resetSettings(t *testing.T) {
	t.Helper()
	global.Store(snapshot{values: map[string]json.RawMessage{}})
}

func TestSweepSettingsDefaults(t *testing.T) {
	conn := openSettingsTestDB(t)
	if errRefresh := Refresh(context.Background(), conn); errRefresh != nil {
		t.Fatalf("refresh: %v", errRefresh)
	}
	t.Cleanup(func() { resetSettings(t) })

	if got := SweepInterval(); got != DefaultSweepIntervalSeconds*time.Second {
		t.Fatalf("expected default interval, got %s", got)
	}
	if !SweepEnabled() {
		t.Fatalf("sweep should default to enabled")
	}
	if got := SweepBatchSize(); got != DefaultSweepBatchSize {
		t.Fatalf("expected default batch size, got %d", got)
	}
}

func TestSweepSettingsFromRows(t *testing.T) {
	conn := openSettingsTestDB(t)
	seedSetting(t, conn, SweepIntervalSecondsKey, "60")
	seedSetting(t, conn, SweepEnabledKey, "false")
	seedSetting(t, conn, SweepBatchSizeKey, `"25"`)

	if errRefresh := Refresh(context.Background(), conn); errRefresh != nil {
		t.Fatalf("refresh: %v", errRefresh)
	}
	t.Cleanup(func() { resetSettings(t) })

	if got := SweepInterval(); got != 60*time.Second {
		t.Fatalf("expected 60s interval, got %s", got)
	}
	if SweepEnabled() {
		t.Fatalf("sweep should be disabled")
	}
	// Values stored as JSON strings are tolerated.
	if got := SweepBatchSize(); got != 25 {
		t.Fatalf("expected batch size 25, got %d", got)
	}
}

func TestInvalidSettingValuesFallBack(t *testing.T) {
	conn := openSettingsTestDB(t)
	seedSetting(t, conn, SweepIntervalSecondsKey, `"not-a-number"`)
	seedSetting(t, conn, SweepBatchSizeKey, "-5")

	if errRefresh := Refresh(context.Background(), conn); errRefresh != nil {
		t.Fatalf("refresh: %v", errRefresh)
	}
	t.Cleanup(func() { resetSettings(t) })

	if got := SweepInterval(); got != DefaultSweepIntervalSeconds*time.Second {
		t.Fatalf("expected fallback interval, got %s", got)
	}
	if got := SweepBatchSize(); got != DefaultSweepBatchSize {
		t.Fatalf("expected fallback batch size, got %d", got)
	}
}
