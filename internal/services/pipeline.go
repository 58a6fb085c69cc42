package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/huangang/quizforge/internal/models"
	"github.com/huangang/quizforge/internal/opserr"
	"github.com/huangang/quizforge/pkg/logger"
)

var ErrNotAUnit = errors.New("artifact is not a regenerable unit")

// StartRequest opens a pipeline run. Content is optional when the
// MaterialSource already holds the material for CorrelationID.
type StartRequest struct {
	CorrelationID string   `json:"correlation_id"`
	Caller        string   `json:"-"`
	Model         string   `json:"model"`
	Content       string   `json:"content"`
	Outcomes      []string `json:"outcomes"`
}

type RegenerateRequest struct {
	Caller string
	UnitID string
	Model  string
}

type RegenerateResult struct {
	Unit       *models.GeneratedArtifact `json:"unit"`
	Question   QuizQuestion              `json:"question"`
	Sequence   int                       `json:"sequence"`
	Equivalent bool                      `json:"equivalent"`
	Remaining  int                       `json:"remaining"`
}

// Pipeline drives material through analyze, tos, quiz and feedback. Stages
// run as queued tasks; the signal hub advances the state between them.
type Pipeline struct {
	states    *PipelineStore
	artifacts ArtifactStore
	materials MaterialSource
	gateway   *AIGateway
	limiter   *RegenerationLimiter
	queue     TaskQueue
	signals   SignalEmitter
}

func NewPipeline(states *PipelineStore, artifacts ArtifactStore, materials MaterialSource, gateway *AIGateway,
	limiter *RegenerationLimiter, queue TaskQueue, signals SignalEmitter) *Pipeline {
	return &Pipeline{
		states:    states,
		artifacts: artifacts,
		materials: materials,
		gateway:   gateway,
		limiter:   limiter,
		queue:     queue,
		signals:   signals,
	}
}

// Start creates the run in pending and queues the analyze stage.
func (p *Pipeline) Start(ctx context.Context, req *StartRequest) (*models.PipelineState, error) {
	if req.Caller == "" {
		return nil, opserr.InvalidRequest("caller is required", nil)
	}
	if limit := p.gateway.MaxContentSize(); len(req.Content) > limit {
		return nil, opserr.ContentTooLarge(len(req.Content), limit)
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}

	state := &models.PipelineState{
		CorrelationID: req.CorrelationID,
		Caller:        req.Caller,
		Model:         req.Model,
	}
	if len(req.Outcomes) > 0 {
		raw, err := json.Marshal(req.Outcomes)
		if err != nil {
			return nil, fmt.Errorf("encode outcomes: %w", err)
		}
		state.Outcomes = string(raw)
	}
	if err := p.states.Create(ctx, state); err != nil {
		return nil, err
	}

	if req.Content != "" {
		material := &models.GeneratedArtifact{
			Kind:          models.ArtifactMaterial,
			CorrelationID: state.CorrelationID,
			Body:          req.Content,
		}
		if err := p.artifacts.Save(ctx, material); err != nil {
			p.markFailed(ctx, state, models.OperationAnalyze, "", err.Error())
			return nil, err
		}
	}

	if err := p.queue.Enqueue(&StageTask{
		CorrelationID: state.CorrelationID,
		Caller:        state.Caller,
		Model:         state.Model,
		Operation:     models.OperationAnalyze,
	}); err != nil {
		p.markFailed(ctx, state, models.OperationAnalyze, "", fmt.Sprintf("enqueue analyze: %v", err))
		return nil, fmt.Errorf("enqueue analyze for %s: %w", state.CorrelationID, err)
	}

	logger.Infof("[Pipeline] Run %s started for %s", state.CorrelationID, state.Caller)
	return state, nil
}

// State returns the current stage of a run.
func (p *Pipeline) State(ctx context.Context, correlationID string) (*models.PipelineState, error) {
	return p.states.Get(ctx, correlationID)
}

// Units lists the question units of a run's quiz, empty before the quiz stage.
func (p *Pipeline) Units(ctx context.Context, correlationID string) ([]models.GeneratedArtifact, error) {
	state, err := p.states.Get(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if state.QuizID == "" {
		return []models.GeneratedArtifact{}, nil
	}
	return p.artifacts.Children(ctx, state.QuizID)
}

// callerUnit loads a question unit of one of caller's runs. Units of other
// callers' runs are reported as not found.
func (p *Pipeline) callerUnit(ctx context.Context, caller, unitID string) (*models.GeneratedArtifact, error) {
	unit, err := p.artifacts.Get(ctx, unitID)
	if err != nil {
		return nil, err
	}
	state, err := p.states.Get(ctx, unit.CorrelationID)
	if errors.Is(err, ErrPipelineNotFound) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, err
	}
	if state.Caller != caller {
		return nil, ErrArtifactNotFound
	}
	if unit.Kind != models.ArtifactUnit {
		return nil, ErrNotAUnit
	}
	return unit, nil
}

// originalUnit resolves a regenerated unit to the unit it replaced, so every
// version of a question counts against one limit.
func (p *Pipeline) originalUnit(ctx context.Context, unit *models.GeneratedArtifact) *models.GeneratedArtifact {
	if unit.ParentID == "" {
		return unit
	}
	parent, err := p.artifacts.Get(ctx, unit.ParentID)
	if err != nil || parent.Kind != models.ArtifactUnit {
		return unit
	}
	return parent
}

// Regenerate rewords one unit. The limit is checked before the provider is
// called and again when the regeneration is recorded.
func (p *Pipeline) Regenerate(ctx context.Context, req *RegenerateRequest) (*RegenerateResult, error) {
	unit, err := p.callerUnit(ctx, req.Caller, req.UnitID)
	if err != nil {
		return nil, err
	}
	original := p.originalUnit(ctx, unit)

	ok, err := p.limiter.CanRegenerate(ctx, original.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		n, err := p.limiter.Count(ctx, original.ID)
		if err != nil {
			return nil, err
		}
		return nil, opserr.RegenerationLimitReached(n, p.limiter.Max())
	}

	result, err := p.gateway.Run(ctx, &GatewayRequest{
		Caller:        req.Caller,
		Operation:     models.OperationReword,
		Model:         req.Model,
		System:        systemPrompt,
		Prompt:        rewordPrompt(unit.Body),
		CorrelationID: unit.CorrelationID,
	})
	if err != nil {
		return nil, err
	}
	reword := result.Value.(*RewordResult)

	newUnitID := uuid.New().String()
	rec, err := p.limiter.RecordRegeneration(ctx, original.ID, newUnitID, reword.IsEquivalent(), req.Caller)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(&reword.Question)
	if err != nil {
		return nil, fmt.Errorf("encode regenerated question: %w", err)
	}
	newUnit := &models.GeneratedArtifact{
		ID:            newUnitID,
		Kind:          models.ArtifactUnit,
		CorrelationID: unit.CorrelationID,
		ParentID:      original.ID,
		Body:          string(body),
	}
	if err := p.artifacts.Save(ctx, newUnit); err != nil {
		return nil, err
	}

	p.signals.Emit(PipelineSignal{
		Kind:          SignalRegenerated,
		Caller:        req.Caller,
		Operation:     models.OperationReword,
		CorrelationID: unit.CorrelationID,
		UnitID:        original.ID,
		NewUnitID:     newUnitID,
		Sequence:      rec.Sequence,
	})

	remaining := p.limiter.Max() - rec.Sequence
	if remaining < 0 {
		remaining = 0
	}
	return &RegenerateResult{
		Unit:       newUnit,
		Question:   reword.Question,
		Sequence:   rec.Sequence,
		Equivalent: rec.Equivalent,
		Remaining:  remaining,
	}, nil
}

// RegenerationHistory is the regeneration log of one question, always keyed
// by the original unit.
type RegenerationHistory struct {
	UnitID    string                      `json:"unit_id"`
	Records   []models.RegenerationRecord `json:"records"`
	Remaining int                         `json:"remaining"`
	Max       int                         `json:"max"`
}

// RegenerationHistory resolves unitID to its original unit and returns the
// regenerations recorded against it.
func (p *Pipeline) RegenerationHistory(ctx context.Context, caller, unitID string) (*RegenerationHistory, error) {
	unit, err := p.callerUnit(ctx, caller, unitID)
	if err != nil {
		return nil, err
	}
	original := p.originalUnit(ctx, unit)

	records, err := p.limiter.History(ctx, original.ID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []models.RegenerationRecord{}
	}
	remaining, err := p.limiter.RemainingRegenerations(ctx, original.ID)
	if err != nil {
		return nil, err
	}
	return &RegenerationHistory{
		UnitID:    original.ID,
		Records:   records,
		Remaining: remaining,
		Max:       p.limiter.Max(),
	}, nil
}
