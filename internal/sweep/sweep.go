package sweep

import (
	"context"
	"time"

	"github.com/fieldpilot/backend/internal/alerts"
	"github.com/fieldpilot/backend/internal/models"
	"github.com/fieldpilot/backend/internal/settings"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Sweeper periodically re-evaluates threshold alerts for accounts whose
// usage crossed a threshold but whose latch is still unset. This recovers
// notifications lost to a crash between the ledger commit and alert
// evaluation; the latches keep it from ever double-sending.
type Sweeper struct {
	db         *gorm.DB
	dispatcher *alerts.Dispatcher
}

// NewSweeper constructs a Sweeper.
func NewSweeper(db *gorm.DB, dispatcher *alerts.Dispatcher) *Sweeper {
	if db == nil || dispatcher == nil {
		return nil
	}
	return &Sweeper{db: db, dispatcher: dispatcher}
}

// Start launches the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	if s == nil {
		return
	}
	go s.run(ctx)
}

func (s *Sweeper) run(ctx context.Context) {
	for {
		interval := settings.SweepInterval()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		if errRefresh := settings.Refresh(ctx, s.db); errRefresh != nil {
			log.WithError(errRefresh).Warn("sweep: settings refresh failed")
		}
		if !settings.SweepEnabled() {
			continue
		}
		s.runOnce(ctx)
	}
}

// runOnce dispatches alerts for one batch of candidate accounts.
func (s *Sweeper) runOnce(ctx context.Context) {
	var organizationIDs []string
	errFind := s.db.WithContext(ctx).
		Model(&models.CreditAccount{}).
		Select("organization_id").
		Where("lifetime_credits > 0").
		Where(`(balance = 0 AND alert100_sent_at IS NULL)
			OR (lifetime_used * 100 >= lifetime_credits * 90 AND alert90_sent_at IS NULL)
			OR (lifetime_used * 100 >= lifetime_credits * 75 AND alert75_sent_at IS NULL)`).
		Order("updated_at ASC").
		Limit(settings.SweepBatchSize()).
		Pluck("organization_id", &organizationIDs).Error
	if errFind != nil {
		log.WithError(errFind).Warn("sweep: candidate query failed")
		return
	}
	if len(organizationIDs) == 0 {
		return
	}

	log.WithField("accounts", len(organizationIDs)).Debug("sweep: re-evaluating threshold alerts")
	for _, organizationID := range organizationIDs {
		if ctx.Err() != nil {
			return
		}
		s.dispatcher.CheckAlerts(ctx, organizationID)
	}
}
