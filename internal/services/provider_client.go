package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/huangang/quizforge/internal/config"
	"github.com/huangang/quizforge/internal/metrics"
	"github.com/huangang/quizforge/internal/models"
	"github.com/huangang/quizforge/internal/opserr"
	"github.com/huangang/quizforge/pkg/logger"
)

// ProviderSettings bounds each logical call.
type ProviderSettings struct {
	MaxRetries     int
	RequestTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	DefaultModel   string
	MaxTokens      int
}

func ProviderSettingsFrom(p *config.ProviderConfig, ai *config.AIConfig) ProviderSettings {
	return ProviderSettings{
		MaxRetries:     p.MaxRetries,
		RequestTimeout: time.Duration(p.RequestTimeoutSeconds) * time.Second,
		BackoffBase:    time.Duration(p.BackoffBaseMillis) * time.Millisecond,
		BackoffMax:     time.Duration(p.BackoffMaxMillis) * time.Millisecond,
		DefaultModel:   ai.Model,
		MaxTokens:      ai.MaxTokens,
	}
}

// ExecuteRequest is one logical provider call.
type ExecuteRequest struct {
	Caller        string
	Operation     models.Operation
	Model         string
	System        string
	Prompt        string
	CorrelationID string
	// OnDispatch runs once, right before the first attempt is sent.
	OnDispatch func()
}

// ExecuteResult is a validated reply. Value holds the decoded result type of
// the operation (*QuizResult for quiz and so on).
type ExecuteResult struct {
	Operation models.Operation
	Model     string
	Content   string
	Value     interface{}
	Body      json.RawMessage
	Record    *models.UsageRecord
	Attempts  int
	Latency   time.Duration
}

// ProviderClient executes logical calls with a per-attempt timeout and
// bounded retries of transient failures, and writes exactly one UsageRecord
// per call that reached the provider.
type ProviderClient struct {
	backend   ProviderBackend
	estimator *CostEstimator
	ledger    *UsageLedger
	settings  ProviderSettings
}

func NewProviderClient(backend ProviderBackend, estimator *CostEstimator, ledger *UsageLedger, settings ProviderSettings) *ProviderClient {
	if settings.RequestTimeout <= 0 {
		settings.RequestTimeout = 120 * time.Second
	}
	if settings.MaxRetries < 0 {
		settings.MaxRetries = 0
	}
	if settings.BackoffBase <= 0 {
		settings.BackoffBase = time.Second
	}
	if settings.BackoffMax < settings.BackoffBase {
		settings.BackoffMax = settings.BackoffBase
	}
	return &ProviderClient{backend: backend, estimator: estimator, ledger: ledger, settings: settings}
}

// Estimator exposes the cost estimator the client records with.
func (p *ProviderClient) Estimator() *CostEstimator {
	return p.estimator
}

// Model resolves the model a request runs against.
func (p *ProviderClient) Model(requested string) string {
	if requested != "" {
		return requested
	}
	return p.settings.DefaultModel
}

func (p *ProviderClient) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.settings.BackoffBase
	b.MaxInterval = p.settings.BackoffMax
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// attemptOutcome is the result of one attempt.
type attemptOutcome struct {
	completion *Completion
	value      interface{}
	kind       opserr.Kind
	err        error
	shape      *ShapeError
	malformed  bool
}

func (o *attemptOutcome) transient() bool {
	return o.malformed || opserr.IsTransientKind(o.kind)
}

// Execute runs req. A call cancelled before the first attempt writes no
// record; every other terminal outcome writes one.
func (p *ProviderClient) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error) {
	model := p.Model(req.Model)
	if err := ctx.Err(); err != nil {
		return nil, opserr.Cancelled(err)
	}

	completionReq := &CompletionRequest{
		Model:     model,
		System:    req.System,
		Prompt:    req.Prompt,
		MaxTokens: p.settings.MaxTokens,
		JSON:      true,
	}

	start := time.Now()
	bo := p.newBackOff()
	maxAttempts := p.settings.MaxRetries + 1

	var (
		attempts int
		out      *attemptOutcome
	)
	for attempts < maxAttempts {
		attempts++
		if attempts == 1 && req.OnDispatch != nil {
			req.OnDispatch()
		}
		metrics.ProviderAttempts.WithLabelValues(string(req.Operation)).Inc()

		out = p.attempt(ctx, req.Operation, completionReq)
		if out.err == nil {
			break
		}

		logger.Warn().Str("operation", string(req.Operation)).Str("caller", req.Caller).
			Int("attempt", attempts).Str("kind", string(out.kind)).Err(out.err).
			Msg("[Provider] attempt failed")

		if !out.transient() || attempts == maxAttempts {
			break
		}

		wait := bo.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			out = &attemptOutcome{kind: opserr.KindCancelled, err: ctx.Err()}
		case <-timer.C:
		}
		if out.kind == opserr.KindCancelled {
			break
		}
	}

	latency := time.Since(start)
	rec := p.buildRecord(req, model, out, attempts, latency)
	// Recorded even when ctx was cancelled mid-flight.
	if err := p.ledger.Append(context.WithoutCancel(ctx), rec); err != nil {
		// Keep the reply; the ledger fault is only logged.
		logger.Error().Err(err).Str("caller", req.Caller).Str("operation", string(req.Operation)).
			Msg("[Provider] failed to record usage")
	}
	metrics.ProviderLatency.WithLabelValues(string(req.Operation)).Observe(latency.Seconds())

	if out.err != nil {
		return nil, p.surface(out, attempts, latency)
	}

	body, err := json.Marshal(out.value)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", req.Operation, err)
	}
	logger.Infof("[Provider] %s for %s succeeded after %d attempt(s) in %s", req.Operation, req.Caller, attempts, latency.Round(time.Millisecond))

	return &ExecuteResult{
		Operation: req.Operation,
		Model:     model,
		Content:   out.completion.Content,
		Value:     out.value,
		Body:      body,
		Record:    rec,
		Attempts:  attempts,
		Latency:   latency,
	}, nil
}

func (p *ProviderClient) attempt(ctx context.Context, op models.Operation, req *CompletionRequest) *attemptOutcome {
	attemptCtx, cancel := context.WithTimeout(ctx, p.settings.RequestTimeout)
	defer cancel()

	completion, err := p.backend.Complete(attemptCtx, req)
	if err != nil {
		return &attemptOutcome{kind: classifyAttemptError(ctx, attemptCtx, err), err: err}
	}

	value, err := DecodeReply(op, completion.Content)
	if err == nil {
		return &attemptOutcome{completion: completion, value: value}
	}
	out := &attemptOutcome{completion: completion, kind: opserr.KindInvalidResponse, err: err}
	var shape *ShapeError
	switch {
	case errors.Is(err, errMalformedReply):
		out.malformed = true
	case errors.As(err, &shape):
		out.shape = shape
	}
	return out
}

// buildRecord fills the usage record for a finished call. Tokens and cost
// come from the attempt that produced a reply; calls with no reply record zero.
func (p *ProviderClient) buildRecord(req *ExecuteRequest, model string, out *attemptOutcome, attempts int, latency time.Duration) *models.UsageRecord {
	rec := &models.UsageRecord{
		Caller:        req.Caller,
		Operation:     req.Operation,
		Model:         model,
		LatencyMs:     latency.Milliseconds(),
		Attempts:      attempts,
		Success:       out.err == nil,
		CorrelationID: req.CorrelationID,
	}
	if out.err != nil {
		category := string(out.kind)
		rec.ErrorCategory = &category
		rec.ErrorMessage = truncate(out.err.Error(), 500)
	}

	if c := out.completion; c != nil {
		rec.PromptTokens = c.PromptTokens
		rec.CompletionTokens = c.CompletionTokens
		if rec.PromptTokens == 0 && rec.CompletionTokens == 0 {
			rec.PromptTokens = EstimateTokens(req.System + req.Prompt)
			rec.CompletionTokens = EstimateTokens(c.Content)
		}
		rec.CostMicros = models.USDToMicros(p.estimator.Estimate(req.Prompt, model).Cost)
	}
	return rec
}

// surface turns the last attempt into the caller-visible error.
func (p *ProviderClient) surface(out *attemptOutcome, attempts int, elapsed time.Duration) error {
	var e *opserr.Error
	switch out.kind {
	case opserr.KindTimeout:
		e = opserr.Timeout(elapsed, attempts, out.err)
	case opserr.KindProviderUnavailable:
		e = opserr.ProviderUnavailable(fmt.Sprintf("provider %s unavailable after %d attempt(s)", p.backend.Name(), attempts), attempts, out.err)
	case opserr.KindInvalidResponse:
		if out.shape != nil {
			e = opserr.InvalidResponse(out.shape.Expected, out.shape.Actual)
		} else {
			e = opserr.InvalidResponse("a JSON object", "an unparseable reply")
		}
		e.Cause = out.err
	case opserr.KindContentModeration:
		e = opserr.ContentModeration("provider refused the content", out.err)
	case opserr.KindInvalidCredentials:
		e = opserr.InvalidCredentials(out.err)
	case opserr.KindInvalidRequest:
		e = opserr.InvalidRequest("provider rejected the request", out.err)
	default:
		e = opserr.Cancelled(out.err)
	}
	e.Attempts = attempts
	e.Elapsed = elapsed
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
