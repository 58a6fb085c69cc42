package services

import (
	"context"
	"os"
	"time"

	"github.com/huangang/quizforge/internal/config"
	"github.com/huangang/quizforge/internal/models"
	"github.com/huangang/quizforge/pkg/logger"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

const (
	retentionLockName = "usage_retention"
	sweepSchedule     = "@every 5m"
)

// quotaSweeper is implemented by rate windows that keep per-caller state in memory.
type quotaSweeper interface {
	Sweep(now time.Time) int
}

// MaintenanceScheduler runs the ledger retention purge and drops idle
// per-caller quota state.
type MaintenanceScheduler struct {
	db            *gorm.DB
	ledger        *UsageLedger
	window        RateWindow
	retentionDays int
	cleanupCron   string
	owner         string
	cron          *cron.Cron
	now           func() time.Time
}

func NewMaintenanceScheduler(db *gorm.DB, ledger *UsageLedger, window RateWindow, cfg *config.UsageConfig) *MaintenanceScheduler {
	owner, _ := os.Hostname()
	if owner == "" {
		owner = "quizforge"
	}
	return &MaintenanceScheduler{
		db:            db,
		ledger:        ledger,
		window:        window,
		retentionDays: cfg.RetentionDays,
		cleanupCron:   cfg.CleanupCron,
		owner:         owner,
		now:           time.Now,
	}
}

func (s *MaintenanceScheduler) StartScheduler() error {
	s.cron = cron.New()

	if s.retentionDays > 0 {
		if _, err := s.cron.AddFunc(s.cleanupCron, func() {
			if _, err := s.RunRetention(context.Background()); err != nil {
				logger.Errorf("[Scheduler] Usage retention failed: %v", err)
			}
		}); err != nil {
			return err
		}
		logger.Infof("[Scheduler] Usage retention scheduled (cron: %s, keep %d days)", s.cleanupCron, s.retentionDays)
	}
	if _, ok := s.window.(quotaSweeper); ok {
		if _, err := s.cron.AddFunc(sweepSchedule, func() { s.SweepQuotaState() }); err != nil {
			return err
		}
	}

	s.cron.Start()
	logger.Infof("[Scheduler] Scheduler started")
	return nil
}

func (s *MaintenanceScheduler) StopScheduler() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunRetention deletes usage records older than the retention period. Only
// one process runs it per day.
func (s *MaintenanceScheduler) RunRetention(ctx context.Context) (int64, error) {
	if s.retentionDays <= 0 {
		return 0, nil
	}
	now := s.now()
	acquired, err := models.TryAcquireSchedulerLock(s.db.WithContext(ctx), retentionLockName, now.Format("2006-01-02"), s.owner, 23*time.Hour)
	if err != nil {
		return 0, err
	}
	if !acquired {
		logger.Debugf("[Scheduler] Usage retention already ran today")
		return 0, nil
	}
	return s.ledger.CleanupBefore(ctx, now.AddDate(0, 0, -s.retentionDays))
}

// SweepQuotaState drops in-memory rate state for callers idle for a full window.
func (s *MaintenanceScheduler) SweepQuotaState() int {
	sweeper, ok := s.window.(quotaSweeper)
	if !ok {
		return 0
	}
	dropped := sweeper.Sweep(s.now())
	if dropped > 0 {
		logger.Debugf("[Scheduler] Dropped rate state of %d idle callers", dropped)
	}
	return dropped
}
