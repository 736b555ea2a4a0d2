package alerts

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fieldpilot/backend/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// recordingNotifier captures dispatched notifications for assertions.
type recordingNotifier struct {
	mu         sync.Mutex
	thresholds []int
	grace      []int64
}

func (r *recordingNotifier) SendCreditWarningEmail(_ context.Context, _ string, threshold int, _ int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thresholds = append(r.thresholds, threshold)
	return nil
}

func (r *recordingNotifier) SendGraceActivatedEmail(_ context.Context, _ string, graceCredits int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grace = append(r.grace, graceCredits)
	return nil
}

func (r *recordingNotifier) sent() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, len(r.thresholds))
	copy(out, r.thresholds)
	return out
}

func openAlertsTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:alerts_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := conn.AutoMigrate(&models.CreditAccount{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func seedAlertsAccount(t *testing.T, conn *gorm.DB, account models.CreditAccount) {
	t.Helper()
	if errCreate := conn.Create(&account).Error; errCreate != nil {
		t.Fatalf("seed account: %v", errCreate)
	}
}

func TestCheckAlertsFiresEachThresholdOnce(t *testing.T) {
	conn := openAlertsTestDB(t)
	notifier := &recordingNotifier{}
	dispatcher := NewDispatcher(conn, notifier)
	ctx := context.Background()

	seedAlertsAccount(t, conn, models.CreditAccount{
		OrganizationID:  "org-thresholds",
		Balance:         8,
		LifetimeCredits: 100,
		LifetimeUsed:    92,
		Status:          models.AccountStatusActive,
	})

	dispatcher.CheckAlerts(ctx, "org-thresholds")
	dispatcher.CheckAlerts(ctx, "org-thresholds")

	sent := notifier.sent()
	if len(sent) != 2 || sent[0] != Threshold75 || sent[1] != Threshold90 {
		t.Fatalf("expected one 75 and one 90 notification, got %v", sent)
	}

	var account models.CreditAccount
	if errFind := conn.Where("organization_id = ?", "org-thresholds").Take(&account).Error; errFind != nil {
		t.Fatalf("load account: %v", errFind)
	}
	if account.Alert75SentAt == nil || account.Alert90SentAt == nil {
		t.Fatalf("expected 75 and 90 latches set")
	}
	if account.Alert100SentAt != nil {
		t.Fatalf("100 latch must not fire with balance remaining")
	}
}

func TestCheckAlertsExhaustionKeysOffBalance(t *testing.T) {
	conn := openAlertsTestDB(t)
	notifier := &recordingNotifier{}
	dispatcher := NewDispatcher(conn, notifier)

	seedAlertsAccount(t, conn, models.CreditAccount{
		OrganizationID:  "org-empty",
		Balance:         0,
		LifetimeCredits: 600,
		LifetimeUsed:    600,
		Status:          models.AccountStatusExhausted,
	})

	dispatcher.CheckAlerts(context.Background(), "org-empty")

	sent := notifier.sent()
	if len(sent) != 3 || sent[2] != Threshold100 {
		t.Fatalf("expected 75, 90 and 100 notifications, got %v", sent)
	}
}

func TestCheckAlertsSkipsAccountsWithoutGrants(t *testing.T) {
	conn := openAlertsTestDB(t)
	notifier := &recordingNotifier{}
	dispatcher := NewDispatcher(conn, notifier)

	seedAlertsAccount(t, conn, models.CreditAccount{
		OrganizationID: "org-nogrants",
		Status:         models.AccountStatusGrace,
		GraceCredits:   50,
		GraceUsed:      10,
	})

	dispatcher.CheckAlerts(context.Background(), "org-nogrants")
	dispatcher.CheckAlerts(context.Background(), "org-missing")

	if sent := notifier.sent(); len(sent) != 0 {
		t.Fatalf("expected no notifications, got %v", sent)
	}
}

func TestFireDoesNotDoubleSendWhenLatchAlreadyClaimed(t *testing.T) {
	conn := openAlertsTestDB(t)
	notifier := &recordingNotifier{}
	dispatcher := NewDispatcher(conn, notifier)

	now := time.Now().UTC()
	seedAlertsAccount(t, conn, models.CreditAccount{
		OrganizationID:  "org-claimed",
		Balance:         10,
		LifetimeCredits: 100,
		LifetimeUsed:    90,
		Alert75SentAt:   &now,
		Status:          models.AccountStatusActive,
	})

	dispatcher.CheckAlerts(context.Background(), "org-claimed")

	sent := notifier.sent()
	if len(sent) != 1 || sent[0] != Threshold90 {
		t.Fatalf("expected only the 90 notification, got %v", sent)
	}
}
