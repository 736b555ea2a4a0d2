package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fieldpilot/backend/internal/alerts"
	"github.com/fieldpilot/backend/internal/models"
	"github.com/fieldpilot/backend/internal/notify"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openLedgerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:ledger_%d?mode=memory&cache=shared", time.Now().UnixNano())
	conn, errOpen := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	sqlDB, errDB := conn.DB()
	if errDB != nil {
		t.Fatalf("db handle: %v", errDB)
	}
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := conn.AutoMigrate(&models.CreditAccount{}, &models.UsageLog{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func newLedgerTestService(t *testing.T, conn *gorm.DB, graceCredits int64) *Service {
	t.Helper()
	return NewService(conn, alerts.NewDispatcher(conn, notify.Nop{}), nil, graceCredits)
}

func loadAccount(t *testing.T, conn *gorm.DB, organizationID string) models.CreditAccount {
	t.Helper()
	var account models.CreditAccount
	if errFind := conn.Where("organization_id = ?", organizationID).Take(&account).Error; errFind != nil {
		t.Fatalf("load account: %v", errFind)
	}
	return account
}

func TestUseCreditFreshAccountActivatesGrace(t *testing.T) {
	conn := openLedgerTestDB(t)
	svc := newLedgerTestService(t, conn, 50)
	ctx := context.Background()

	result, errUse := svc.UseCredit(ctx, "org-fresh", "conv-1")
	if errUse != nil {
		t.Fatalf("use credit: %v", errUse)
	}
	if !result.Success {
		t.Fatalf("expected success on fresh account, got %+v", result)
	}
	if result.Mode != ModeGrace {
		t.Fatalf("expected grace mode, got %s", result.Mode)
	}
	if result.GraceRemaining != 49 {
		t.Fatalf("expected 49 grace remaining, got %d", result.GraceRemaining)
	}

	account := loadAccount(t, conn, "org-fresh")
	if account.Status != models.AccountStatusGrace {
		t.Fatalf("expected grace status, got %s", account.Status)
	}
	if !account.GraceEverActivated || account.GraceActivatedAt == nil {
		t.Fatalf("expected grace activation to be recorded")
	}
	if account.GraceUsed != 1 || account.LifetimeUsed != 1 {
		t.Fatalf("unexpected counters: grace_used=%d lifetime_used=%d", account.GraceUsed, account.LifetimeUsed)
	}

	var entry models.UsageLog
	if errFind := conn.Where("organization_id = ?", "org-fresh").Take(&entry).Error; errFind != nil {
		t.Fatalf("load usage log: %v", errFind)
	}
	if !entry.WasGraceCredit || entry.CreditsUsed != 1 || entry.CorrelationID != "conv-1" {
		t.Fatalf("unexpected usage log: %+v", entry)
	}
}

func TestGracePoolExhaustion(t *testing.T) {
	conn := openLedgerTestDB(t)
	svc := newLedgerTestService(t, conn, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		result, errUse := svc.UseCredit(ctx, "org-grace", "")
		if errUse != nil {
			t.Fatalf("use credit %d: %v", i, errUse)
		}
		if !result.Success || result.Mode != ModeGrace {
			t.Fatalf("call %d: expected grace success, got %+v", i, result)
		}
	}

	result, errUse := svc.UseCredit(ctx, "org-grace", "")
	if errUse != nil {
		t.Fatalf("use credit after pool drained: %v", errUse)
	}
	if result.Success || result.Mode != ModeExhausted {
		t.Fatalf("expected exhausted, got %+v", result)
	}

	account := loadAccount(t, conn, "org-grace")
	if account.Status != models.AccountStatusExhausted {
		t.Fatalf("expected exhausted status, got %s", account.Status)
	}
	if account.GraceUsed != 3 || account.LifetimeUsed != 3 {
		t.Fatalf("unexpected counters: grace_used=%d lifetime_used=%d", account.GraceUsed, account.LifetimeUsed)
	}
	if account.GraceActivatedAt == nil {
		t.Fatalf("grace activation must survive exhaustion")
	}
}

func TestPaidCreditsConsumedBeforeGrace(t *testing.T) {
	conn := openLedgerTestDB(t)
	svc := newLedgerTestService(t, conn, 50)
	ctx := context.Background()

	if _, errAdd := svc.AddCredits(ctx, "org-paid", 10, "initial top-up"); errAdd != nil {
		t.Fatalf("add credits: %v", errAdd)
	}

	for i := 0; i < 10; i++ {
		result, errUse := svc.UseCredit(ctx, "org-paid", "")
		if errUse != nil {
			t.Fatalf("use credit %d: %v", i, errUse)
		}
		if !result.Success || result.Mode != ModePaid {
			t.Fatalf("call %d: expected paid success, got %+v", i, result)
		}
		if result.CreditsRemaining != int64(9-i) {
			t.Fatalf("call %d: expected %d remaining, got %d", i, 9-i, result.CreditsRemaining)
		}
	}

	result, errUse := svc.UseCredit(ctx, "org-paid", "")
	if errUse != nil {
		t.Fatalf("use credit past balance: %v", errUse)
	}
	if !result.Success || result.Mode != ModeGrace {
		t.Fatalf("expected grace fallback, got %+v", result)
	}
	if result.GraceRemaining != 49 {
		t.Fatalf("expected 49 grace remaining, got %d", result.GraceRemaining)
	}

	account := loadAccount(t, conn, "org-paid")
	if account.Balance != 0 || account.LifetimeUsed != 11 {
		t.Fatalf("unexpected counters: balance=%d lifetime_used=%d", account.Balance, account.LifetimeUsed)
	}
}

func TestUsageLogBalanceChain(t *testing.T) {
	conn := openLedgerTestDB(t)
	svc := newLedgerTestService(t, conn, 50)
	ctx := context.Background()

	if _, errAdd := svc.AddCredits(ctx, "org-chain", 3, "initial top-up"); errAdd != nil {
		t.Fatalf("add credits: %v", errAdd)
	}
	for i := 0; i < 3; i++ {
		if _, errUse := svc.UseCredit(ctx, "org-chain", ""); errUse != nil {
			t.Fatalf("use credit %d: %v", i, errUse)
		}
	}

	var entries []models.UsageLog
	if errFind := conn.Where("organization_id = ? AND usage_type = ?", "org-chain", models.UsageTypeConversation).
		Order("id ASC").Find(&entries).Error; errFind != nil {
		t.Fatalf("load usage logs: %v", errFind)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 conversation entries, got %d", len(entries))
	}
	for i, entry := range entries {
		wantBefore := int64(3 - i)
		if entry.BalanceBefore != wantBefore || entry.BalanceAfter != wantBefore-1 {
			t.Fatalf("entry %d: balances %d->%d, want %d->%d",
				i, entry.BalanceBefore, entry.BalanceAfter, wantBefore, wantBefore-1)
		}
	}
}

func TestAddCreditsValidation(t *testing.T) {
	conn := openLedgerTestDB(t)
	svc := newLedgerTestService(t, conn, 50)
	ctx := context.Background()

	if _, errAdd := svc.AddCredits(ctx, "org-adjust", 0, "noop"); !errors.Is(errAdd, ErrInvalidAdjustment) {
		t.Fatalf("expected ErrInvalidAdjustment, got %v", errAdd)
	}
	if _, errAdd := svc.AddCredits(ctx, "org-adjust", 5, "   "); errAdd == nil {
		t.Fatalf("expected error for blank reason")
	}
	if _, errAdd := svc.AddCredits(ctx, "  ", 5, "reason"); !errors.Is(errAdd, ErrInvalidOrganization) {
		t.Fatalf("expected ErrInvalidOrganization, got %v", errAdd)
	}
}

func TestNegativeAdjustmentCannotOverdraw(t *testing.T) {
	conn := openLedgerTestDB(t)
	svc := newLedgerTestService(t, conn, 50)
	ctx := context.Background()

	if _, errAdd := svc.AddCredits(ctx, "org-neg", 5, "initial top-up"); errAdd != nil {
		t.Fatalf("add credits: %v", errAdd)
	}
	if _, errAdd := svc.AddCredits(ctx, "org-neg", -10, "overdraw attempt"); !errors.Is(errAdd, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", errAdd)
	}

	account, errAdd := svc.AddCredits(ctx, "org-neg", -5, "refund correction")
	if errAdd != nil {
		t.Fatalf("add credits: %v", errAdd)
	}
	if account.Balance != 0 {
		t.Fatalf("expected zero balance, got %d", account.Balance)
	}
	if account.LifetimeCredits != 5 {
		t.Fatalf("lifetime credits must not shrink, got %d", account.LifetimeCredits)
	}
}

func TestConcurrentUseCreditNoDoubleSpend(t *testing.T) {
	conn := openLedgerTestDB(t)
	svc := newLedgerTestService(t, conn, 5)
	ctx := context.Background()

	const paid = 20
	const callers = 35

	if _, errAdd := svc.AddCredits(ctx, "org-race", paid, "initial top-up"); errAdd != nil {
		t.Fatalf("add credits: %v", errAdd)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	modeCounts := map[Mode]int{}
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			result, errUse := svc.UseCredit(ctx, "org-race", fmt.Sprintf("conv-%d", n))
			if errUse != nil {
				t.Errorf("use credit: %v", errUse)
				return
			}
			mu.Lock()
			modeCounts[result.Mode]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if modeCounts[ModePaid] != paid {
		t.Fatalf("expected %d paid debits, got %d", paid, modeCounts[ModePaid])
	}
	if modeCounts[ModeGrace] != 5 {
		t.Fatalf("expected 5 grace debits, got %d", modeCounts[ModeGrace])
	}
	if modeCounts[ModeExhausted] != callers-paid-5 {
		t.Fatalf("expected %d exhausted results, got %d", callers-paid-5, modeCounts[ModeExhausted])
	}

	account := loadAccount(t, conn, "org-race")
	if account.Balance != 0 {
		t.Fatalf("balance must never go negative, got %d", account.Balance)
	}
	if account.GraceUsed != 5 {
		t.Fatalf("grace pool over-allocated: grace_used=%d", account.GraceUsed)
	}
	if account.LifetimeUsed != paid+5 {
		t.Fatalf("expected lifetime_used=%d, got %d", paid+5, account.LifetimeUsed)
	}

	var debits int64
	if errCount := conn.Model(&models.UsageLog{}).
		Where("organization_id = ? AND usage_type = ?", "org-race", models.UsageTypeConversation).
		Count(&debits).Error; errCount != nil {
		t.Fatalf("count usage logs: %v", errCount)
	}
	if debits != paid+5 {
		t.Fatalf("expected %d debit log rows, got %d", paid+5, debits)
	}
}

func TestEnsureAccountIdempotent(t *testing.T) {
	conn := openLedgerTestDB(t)
	svc := newLedgerTestService(t, conn, 50)
	ctx := context.Background()

	first, errEnsure := svc.EnsureAccount(ctx, "org-ensure")
	if errEnsure != nil {
		t.Fatalf("ensure account: %v", errEnsure)
	}
	second, errEnsure := svc.EnsureAccount(ctx, "org-ensure")
	if errEnsure != nil {
		t.Fatalf("ensure account again: %v", errEnsure)
	}
	if first.ID != second.ID {
		t.Fatalf("expected one account row, got IDs %d and %d", first.ID, second.ID)
	}
	if first.Status != models.AccountStatusInactive || first.GraceCredits != 50 {
		t.Fatalf("unexpected fresh account: %+v", first)
	}

	if _, errFind := svc.Account(ctx, "org-missing"); !errors.Is(errFind, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", errFind)
	}
}
