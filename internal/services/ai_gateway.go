package services

import (
	"context"
	"fmt"

	"github.com/huangang/quizforge/internal/models"
	"github.com/huangang/quizforge/internal/opserr"
	"github.com/huangang/quizforge/pkg/logger"
)

const DefaultMaxContentSize = 50000

// GatewayRequest is one governed provider call.
type GatewayRequest struct {
	Caller        string
	Operation     models.Operation
	Model         string
	System        string
	Prompt        string
	CorrelationID string
	// Content is the caller-supplied text checked against the size cap.
	// The prompt is checked when it is empty.
	Content string
}

// AIGateway runs a provider call under quota: size check, authorize,
// execute with retries, record, and RequestFailed on any failure.
type AIGateway struct {
	governor       *QuotaGovernor
	client         *ProviderClient
	signals        SignalEmitter
	maxContentSize int
}

func NewAIGateway(governor *QuotaGovernor, client *ProviderClient, signals SignalEmitter, maxContentSize int) *AIGateway {
	if maxContentSize <= 0 {
		maxContentSize = DefaultMaxContentSize
	}
	return &AIGateway{governor: governor, client: client, signals: signals, maxContentSize: maxContentSize}
}

func (g *AIGateway) Governor() *QuotaGovernor {
	return g.governor
}

func (g *AIGateway) MaxContentSize() int {
	return g.maxContentSize
}

// Run executes req. Oversized content is rejected before authorization and
// takes no rate slot. A slot whose call never reached the provider is released.
func (g *AIGateway) Run(ctx context.Context, req *GatewayRequest) (*ExecuteResult, error) {
	content := req.Content
	if content == "" {
		content = req.Prompt
	}
	if len(content) > g.maxContentSize {
		err := opserr.ContentTooLarge(len(content), g.maxContentSize)
		g.failed(req, err, 0)
		return nil, err
	}

	decision, err := g.governor.Authorize(ctx, req.Caller)
	if err != nil {
		return nil, fmt.Errorf("authorize %s: %w", req.Caller, err)
	}
	if !decision.Allowed {
		denyErr := decision.Err()
		g.failed(req, denyErr, 0)
		return nil, denyErr
	}
	reservation := decision.Reservation
	defer func() {
		if err := reservation.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warnf("[Gateway] Failed to release rate slot for %s: %v", req.Caller, err)
		}
	}()

	model := g.client.Model(req.Model)
	estimate := g.client.Estimator().Estimate(req.Prompt, model)
	logger.Debugf("[Gateway] %s for %s: ~%d tokens, ~%s USD on %s", req.Operation, req.Caller, estimate.Tokens, estimate.Cost.String(), model)

	result, err := g.client.Execute(ctx, &ExecuteRequest{
		Caller:        req.Caller,
		Operation:     req.Operation,
		Model:         model,
		System:        req.System,
		Prompt:        req.Prompt,
		CorrelationID: req.CorrelationID,
		OnDispatch:    reservation.MarkDispatched,
	})
	if err != nil {
		attempts := 0
		if opErr, ok := opserr.As(err); ok {
			attempts = opErr.Attempts
		}
		g.failed(req, err, attempts)
		return nil, err
	}
	return result, nil
}

func (g *AIGateway) failed(req *GatewayRequest, err error, attempts int) {
	logger.Warn().Str("caller", req.Caller).Str("operation", string(req.Operation)).
		Str("correlation_id", req.CorrelationID).Err(err).Msg("[Gateway] request failed")
	if g.signals == nil {
		return
	}
	g.signals.Emit(PipelineSignal{
		Kind:          SignalRequestFailed,
		Caller:        req.Caller,
		Operation:     req.Operation,
		CorrelationID: req.CorrelationID,
		ErrorCategory: opserr.KindOf(err),
		Message:       err.Error(),
		Attempt:       attempts,
	})
}

// ParseOutcomes extracts structured learning outcomes from free text.
func (g *AIGateway) ParseOutcomes(ctx context.Context, caller, model, text string) (*ParseResult, error) {
	result, err := g.Run(ctx, &GatewayRequest{
		Caller:    caller,
		Operation: models.OperationParse,
		Model:     model,
		System:    systemPrompt,
		Prompt:    parsePrompt(text),
		Content:   text,
	})
	if err != nil {
		return nil, err
	}
	return result.Value.(*ParseResult), nil
}
