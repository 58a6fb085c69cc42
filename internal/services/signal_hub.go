package services

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/huangang/quizforge/internal/metrics"
	"github.com/huangang/quizforge/internal/models"
	"github.com/huangang/quizforge/internal/opserr"
	"github.com/huangang/quizforge/pkg/logger"
	"github.com/shopspring/decimal"
)

// SignalKind names a pipeline signal.
type SignalKind string

const (
	SignalAnalyzed             SignalKind = "analyzed"
	SignalTosGenerated         SignalKind = "tos_generated"
	SignalQuizGenerated        SignalKind = "quiz_generated"
	SignalFeedbackGenerated    SignalKind = "feedback_generated"
	SignalRegenerated          SignalKind = "regenerated"
	SignalRequestFailed        SignalKind = "request_failed"
	SignalStageFailed          SignalKind = "stage_failed"
	SignalSpendingLimitWarning SignalKind = "spending_limit_warning"
)

// PipelineSignal is a transient event. Only the fields relevant to Kind are set.
type PipelineSignal struct {
	ID            string           `json:"id"`
	Kind          SignalKind       `json:"kind"`
	Caller        string           `json:"caller,omitempty"`
	Operation     models.Operation `json:"operation,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	Payload       json.RawMessage  `json:"payload,omitempty"`

	// TosGenerated, QuizGenerated, FeedbackGenerated
	ArtifactID    string `json:"artifact_id,omitempty"`
	QuestionCount int    `json:"question_count,omitempty"`

	// Regenerated
	UnitID    string `json:"unit_id,omitempty"`
	NewUnitID string `json:"new_unit_id,omitempty"`
	Sequence  int    `json:"sequence,omitempty"`

	// RequestFailed, StageFailed
	Stage         models.PipelineStage `json:"stage,omitempty"`
	ErrorCategory opserr.Kind          `json:"error_category,omitempty"`
	Message       string               `json:"message,omitempty"`
	Attempt       int                  `json:"attempt,omitempty"`

	// SpendingLimitWarning
	CurrentSpend *decimal.Decimal `json:"current_spend,omitempty"`
	Limit        *decimal.Decimal `json:"limit,omitempty"`
	Percentage   int              `json:"percentage,omitempty"`

	EmittedAt time.Time `json:"emitted_at"`
}

// SignalEmitter is what components need to publish signals.
type SignalEmitter interface {
	Emit(sig PipelineSignal)
}

// SignalHandler consumes one signal kind.
type SignalHandler func(ctx context.Context, sig PipelineSignal)

type signalLane struct {
	mu     sync.Mutex
	queue  []PipelineSignal
	notify chan struct{}
}

func (l *signalLane) push(sig PipelineSignal) {
	l.mu.Lock()
	l.queue = append(l.queue, sig)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *signalLane) pop() (PipelineSignal, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return PipelineSignal{}, false
	}
	sig := l.queue[0]
	l.queue[0] = PipelineSignal{}
	l.queue = l.queue[1:]
	return sig, true
}

// SignalHub delivers signals to registered handlers and SSE subscribers.
// Signals sharing a correlation id always land on the same lane and are
// handled in emission order; different lanes run in parallel.
type SignalHub struct {
	lanes []*signalLane

	handlersMu sync.RWMutex
	handlers   map[SignalKind][]SignalHandler

	clients map[string]chan PipelineSignal
	mu      sync.RWMutex

	pending atomic.Int64
	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewSignalHub(laneCount int) *SignalHub {
	if laneCount <= 0 {
		laneCount = 1
	}
	h := &SignalHub{
		lanes:    make([]*signalLane, laneCount),
		handlers: make(map[SignalKind][]SignalHandler),
		clients:  make(map[string]chan PipelineSignal),
	}
	for i := range h.lanes {
		h.lanes[i] = &signalLane{notify: make(chan struct{}, 1)}
	}
	return h
}

// Handle registers a handler for kind.
func (h *SignalHub) Handle(kind SignalKind, handler SignalHandler) {
	h.handlersMu.Lock()
	defer h.handlersMu.Unlock()
	h.handlers[kind] = append(h.handlers[kind], handler)
}

// Start launches one consumer goroutine per lane.
func (h *SignalHub) Start(ctx context.Context) {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	for _, lane := range h.lanes {
		h.wg.Add(1)
		go h.runLane(ctx, lane)
	}
	logger.Infof("[Signals] Hub started with %d lanes", len(h.lanes))
}

// Stop drains the lanes and waits for the consumers to exit.
func (h *SignalHub) Stop() {
	if !h.started.Load() {
		return
	}
	h.cancel()
	h.wg.Wait()
}

func (h *SignalHub) runLane(ctx context.Context, lane *signalLane) {
	defer h.wg.Done()
	for {
		for {
			sig, ok := lane.pop()
			if !ok {
				break
			}
			h.dispatch(ctx, sig)
		}
		select {
		case <-lane.notify:
		case <-ctx.Done():
			// Deliver what was queued before shutdown with a fresh context.
			for {
				sig, ok := lane.pop()
				if !ok {
					return
				}
				h.dispatch(context.Background(), sig)
			}
		}
	}
}

func (h *SignalHub) dispatch(ctx context.Context, sig PipelineSignal) {
	defer h.pending.Add(-1)

	h.handlersMu.RLock()
	handlers := h.handlers[sig.Kind]
	h.handlersMu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().Interface("panic", r).Str("kind", string(sig.Kind)).
						Str("correlation_id", sig.CorrelationID).Msg("[Signals] handler panicked")
				}
			}()
			handler(ctx, sig)
		}()
	}
}

func (h *SignalHub) laneFor(sig PipelineSignal) *signalLane {
	key := sig.CorrelationID
	if key == "" {
		key = sig.Caller
	}
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return h.lanes[hasher.Sum32()%uint32(len(h.lanes))]
}

// Emit stamps sig, queues it on its lane and fans it out to subscribers.
// It never blocks on handlers.
func (h *SignalHub) Emit(sig PipelineSignal) {
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.EmittedAt.IsZero() {
		sig.EmittedAt = time.Now()
	}

	h.pending.Add(1)
	h.laneFor(sig).push(sig)
	h.broadcast(sig)
}

// Idle reports whether every emitted signal has been handled.
func (h *SignalHub) Idle() bool {
	return h.pending.Load() == 0
}

// WaitIdle blocks until all emitted signals are handled or ctx ends.
func (h *SignalHub) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !h.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Subscribe registers an SSE client and returns its signal channel.
func (h *SignalHub) Subscribe(clientID string) <-chan PipelineSignal {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan PipelineSignal, 100)
	h.clients[clientID] = ch
	return ch
}

// Unsubscribe removes a client from the hub
func (h *SignalHub) Unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[clientID]; ok {
		close(ch)
		delete(h.clients, clientID)
	}
}

func (h *SignalHub) broadcast(sig PipelineSignal) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.clients {
		// Slow subscribers lose signals rather than stall the pipeline.
		select {
		case ch <- sig:
		default:
			metrics.SignalsDropped.Inc()
		}
	}
}

// ClientCount returns the number of connected clients
func (h *SignalHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
