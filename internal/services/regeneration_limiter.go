package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/huangang/quizforge/internal/metrics"
	"github.com/huangang/quizforge/internal/models"
	"github.com/huangang/quizforge/internal/opserr"
	"github.com/huangang/quizforge/pkg/logger"
	"gorm.io/gorm"
)

const DefaultMaxRegenerations = 3

// sequence conflicts only happen when another process writes the same unit.
const maxSequenceConflicts = 3

// RegenerationLimiter caps regenerations per unit. Sequence numbers are
// assigned inside a transaction while holding the unit's lock, and the
// (original_unit_id, sequence) unique index rejects writers from other processes.
type RegenerationLimiter struct {
	db    *gorm.DB
	max   int
	locks *keyedMutex
}

func NewRegenerationLimiter(db *gorm.DB, max int) *RegenerationLimiter {
	if max <= 0 {
		max = DefaultMaxRegenerations
	}
	return &RegenerationLimiter{db: db, max: max, locks: newKeyedMutex()}
}

func (l *RegenerationLimiter) Max() int {
	return l.max
}

func (l *RegenerationLimiter) count(db *gorm.DB, unitID string) (int, error) {
	var count int64
	if err := db.Model(&models.RegenerationRecord{}).Where("original_unit_id = ?", unitID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count regenerations of %s: %w", unitID, err)
	}
	return int(count), nil
}

// Count returns how many times unitID has been regenerated.
func (l *RegenerationLimiter) Count(ctx context.Context, unitID string) (int, error) {
	return l.count(l.db.WithContext(ctx), unitID)
}

func (l *RegenerationLimiter) CanRegenerate(ctx context.Context, unitID string) (bool, error) {
	n, err := l.Count(ctx, unitID)
	if err != nil {
		return false, err
	}
	return n < l.max, nil
}

func (l *RegenerationLimiter) RemainingRegenerations(ctx context.Context, unitID string) (int, error) {
	n, err := l.Count(ctx, unitID)
	if err != nil {
		return 0, err
	}
	if n >= l.max {
		return 0, nil
	}
	return l.max - n, nil
}

// History lists a unit's regenerations in sequence order.
func (l *RegenerationLimiter) History(ctx context.Context, unitID string) ([]models.RegenerationRecord, error) {
	var records []models.RegenerationRecord
	err := l.db.WithContext(ctx).Where("original_unit_id = ?", unitID).Order("sequence ASC").Find(&records).Error
	return records, err
}

// RecordRegeneration stores the next regeneration of unitID. The limit is
// checked again at write time; a call that finds it reached returns
// RegenerationLimitReached.
func (l *RegenerationLimiter) RecordRegeneration(ctx context.Context, unitID, newUnitID string, equivalent bool, caller string) (*models.RegenerationRecord, error) {
	unlock := l.locks.Lock(unitID)
	defer unlock()

	for conflict := 0; conflict < maxSequenceConflicts; conflict++ {
		var rec *models.RegenerationRecord
		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			n, err := l.count(tx, unitID)
			if err != nil {
				return err
			}
			if n >= l.max {
				return opserr.RegenerationLimitReached(n, l.max)
			}
			rec = &models.RegenerationRecord{
				OriginalUnitID: unitID,
				NewUnitID:      newUnitID,
				Sequence:       n + 1,
				Equivalent:     equivalent,
				Caller:         caller,
			}
			return tx.Create(rec).Error
		})

		switch {
		case err == nil:
			metrics.Regenerations.WithLabelValues("recorded").Inc()
			logger.Infof("[Regeneration] Unit %s regenerated as %s (%d/%d)", unitID, newUnitID, rec.Sequence, l.max)
			return rec, nil
		case errors.Is(err, gorm.ErrDuplicatedKey):
			logger.Warnf("[Regeneration] Sequence conflict on unit %s, rechecking", unitID)
			continue
		case opserr.KindOf(err) == opserr.KindRegenerationLimitReached:
			metrics.Regenerations.WithLabelValues("limit_reached").Inc()
			return nil, err
		default:
			return nil, fmt.Errorf("record regeneration of %s: %w", unitID, err)
		}
	}
	return nil, fmt.Errorf("record regeneration of %s: sequence still contended after %d attempts", unitID, maxSequenceConflicts)
}
