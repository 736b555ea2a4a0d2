package settings

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fieldpilot/backend/internal/models"
	"gorm.io/gorm"
)

// Runtime setting keys and defaults. Values live in the settings table and
// are served from an in-memory snapshot refreshed at startup and on change.
const (
	// SweepIntervalSecondsKey controls the low-balance alert sweep interval.
	SweepIntervalSecondsKey = "ALERT_SWEEP_INTERVAL_SECONDS"
	// SweepEnabledKey toggles the low-balance alert sweep.
	SweepEnabledKey = "ALERT_SWEEP_ENABLED"
	// SweepBatchSizeKey caps accounts examined per sweep pass.
	SweepBatchSizeKey = "ALERT_SWEEP_BATCH_SIZE"

	// DefaultSweepIntervalSeconds is the fallback sweep interval.
	DefaultSweepIntervalSeconds = 300
	// DefaultSweepBatchSize is the fallback sweep batch size.
	DefaultSweepBatchSize = 100
)

// snapshot holds the in-memory settings values.
type snapshot struct {
	updatedAt time.Time
	values    map[string]json.RawMessage
}

// global stores the latest snapshot atomically.
var global atomic.Value // stores snapshot

func init() {
	global.Store(snapshot{values: map[string]json.RawMessage{}})
}

// Refresh reloads all settings rows and replaces the in-memory snapshot.
// Must run at startup; until then Value() only returns defaults.
func Refresh(ctx context.Context, db *gorm.DB) error {
	if db == nil {
		return errors.New("settings: nil db")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var rows []models.Setting
	if errFind := db.WithContext(ctx).
		Select("key", "value", "updated_at").
		Order("key ASC").
		Find(&rows).Error; errFind != nil {
		return errFind
	}

	values := make(map[string]json.RawMessage, len(rows))
	maxUpdatedAt := time.Time{}
	for _, row := range rows {
		key := strings.TrimSpace(row.Key)
		if key == "" {
			continue
		}
		raw := make([]byte, len(row.Value))
		copy(raw, row.Value)
		values[key] = raw
		if rowUpdatedAt := row.UpdatedAt.UTC(); rowUpdatedAt.After(maxUpdatedAt) {
			maxUpdatedAt = rowUpdatedAt
		}
	}

	global.Store(snapshot{updatedAt: maxUpdatedAt, values: values})
	return nil
}

// Value returns the raw stored value for a key.
func Value(key string) (json.RawMessage, bool) {
	current, ok := global.Load().(snapshot)
	if !ok || current.values == nil {
		return nil, false
	}
	val, found := current.values[strings.TrimSpace(key)]
	if !found {
		return nil, false
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, true
}

// UpdatedAt returns the most recent settings row timestamp.
func UpdatedAt() time.Time {
	current, ok := global.Load().(snapshot)
	if !ok {
		return time.Time{}
	}
	return current.updatedAt
}

// SweepInterval returns the configured sweep interval.
func SweepInterval() time.Duration {
	return time.Duration(intValue(SweepIntervalSecondsKey, DefaultSweepIntervalSeconds)) * time.Second
}

// SweepEnabled reports whether the low-balance sweep should run.
func SweepEnabled() bool {
	return boolValue(SweepEnabledKey, true)
}

// SweepBatchSize returns the per-pass account cap for the sweep.
func SweepBatchSize() int {
	return intValue(SweepBatchSizeKey, DefaultSweepBatchSize)
}

func intValue(key string, fallback int) int {
	raw, ok := Value(key)
	if !ok {
		return fallback
	}
	var parsed int
	if errUnmarshal := json.Unmarshal(raw, &parsed); errUnmarshal == nil && parsed > 0 {
		return parsed
	}
	// Tolerate values stored as JSON strings.
	var asString string
	if errUnmarshal := json.Unmarshal(raw, &asString); errUnmarshal == nil {
		if parsed, errParse := strconv.Atoi(strings.TrimSpace(asString)); errParse == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func boolValue(key string, fallback bool) bool {
	raw, ok := Value(key)
	if !ok {
		return fallback
	}
	var parsed bool
	if errUnmarshal := json.Unmarshal(raw, &parsed); errUnmarshal == nil {
		return parsed
	}
	return fallback
}
