package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/huangang/quizforge/internal/metrics"
	"github.com/huangang/quizforge/internal/models"
	"gorm.io/gorm"
)

var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrPipelineExists   = errors.New("pipeline already exists")
	// ErrStaleTransition means the state moved since it was read.
	ErrStaleTransition = errors.New("pipeline state changed concurrently")
)

// PipelineStore keeps one authoritative PipelineState per correlation id.
type PipelineStore struct {
	db *gorm.DB
}

func NewPipelineStore(db *gorm.DB) *PipelineStore {
	return &PipelineStore{db: db}
}

func (s *PipelineStore) Create(ctx context.Context, state *models.PipelineState) error {
	state.Stage = models.StagePending
	state.Version = 1
	err := s.db.WithContext(ctx).Create(state).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrPipelineExists
	}
	if err != nil {
		return fmt.Errorf("create pipeline %s: %w", state.CorrelationID, err)
	}
	metrics.StageTransitions.WithLabelValues(string(models.StagePending)).Inc()
	return nil
}

func (s *PipelineStore) Get(ctx context.Context, correlationID string) (*models.PipelineState, error) {
	var state models.PipelineState
	err := s.db.WithContext(ctx).Where("correlation_id = ?", correlationID).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPipelineNotFound
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// Transition moves state from its current stage to `to`, applying fields,
// only if nobody else changed it since it was read.
func (s *PipelineStore) Transition(ctx context.Context, state *models.PipelineState, to models.PipelineStage, fields map[string]interface{}) error {
	updates := map[string]interface{}{
		"stage":   to,
		"version": state.Version + 1,
	}
	for k, v := range fields {
		updates[k] = v
	}

	res := s.db.WithContext(ctx).Model(&models.PipelineState{}).
		Where("correlation_id = ? AND stage = ? AND version = ?", state.CorrelationID, state.Stage, state.Version).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("transition %s to %s: %w", state.CorrelationID, to, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}

	state.Stage = to
	state.Version++
	metrics.StageTransitions.WithLabelValues(string(to)).Inc()
	return nil
}
