package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/huangang/quizforge/internal/config"
	"github.com/huangang/quizforge/internal/middleware"
	"github.com/huangang/quizforge/internal/models"
	"github.com/huangang/quizforge/internal/services"
	"github.com/shopspring/decimal"
	gormlogger "gorm.io/gorm/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	outcomesReply = `{"outcomes":[{"outcome":"Add fractions","cognitive_level":"apply","category":"skill"}]}`
	analysisReply = `{"topics":[{"name":"Fractions","summary":"Adding fractions"}]}`
	tosReply      = `{"rows":[{"outcome":"Add fractions","cognitive_level":"apply","topic":"Fractions","items":2}]}`
	quizReply     = `{"questions":[
 {"question":"What is 2+2?","options":{"A":"3","B":"4","C":"5","D":"22"},"correct_answer":"B"},
 {"question":"What is 1/2+1/2?","options":{"A":"1","B":"2","C":"1/4","D":"0"},"correct_answer":"A"}
]}`
	feedbackReply = `{"feedback":[{"question":1,"feedback":"Count the units."},{"question":2,"feedback":"Two halves make a whole."}]}`
	rewordReply   = `{"question":{"question":"What is 3+1?","options":{"A":"2","B":"4","C":"6","D":"31"},"correct_answer":"B"},"equivalent":true}`
)

// stubBackend answers with one reply per call; the last reply repeats.
type stubBackend struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (b *stubBackend) Name() string { return "stub" }

func (b *stubBackend) Complete(ctx context.Context, req *services.CompletionRequest) (*services.Completion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	content := b.replies[len(b.replies)-1]
	if b.calls < len(b.replies) {
		content = b.replies[b.calls]
	}
	b.calls++
	return &services.Completion{Content: content, Model: req.Model, PromptTokens: 100, CompletionTokens: 50}, nil
}

func (b *stubBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type testServer struct {
	router   *gin.Engine
	backend  *stubBackend
	hub      *services.SignalHub
	queue    *services.SyncQueue
	pipeline *services.Pipeline
}

func newTestServer(t *testing.T, maxPerMinute, maxContent int, replies ...string) *testServer {
	t.Helper()
	db, err := models.Open(&config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, gormlogger.Silent)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	hub := services.NewSignalHub(2)
	ledger := services.NewUsageLedger(db)
	governor := services.NewQuotaGovernor(services.QuotaConfig{
		MaxRequestsPerMinute: maxPerMinute,
		HourlySpendingLimit:  decimal.RequireFromString("5"),
		SpendCacheTTL:        30 * time.Second,
		WarningThresholds:    []int{90},
	}, ledger, services.NewMemoryRateWindow(services.RateWindowDuration, services.LedgerHistory(ledger)),
		services.NewMemoryCounterCache(100), hub)

	backend := &stubBackend{replies: replies}
	client := services.NewProviderClient(backend, services.NewCostEstimator(services.DefaultModelRates(), services.DefaultRate), ledger,
		services.ProviderSettings{RequestTimeout: time.Second, BackoffBase: time.Millisecond, BackoffMax: time.Millisecond, DefaultModel: "fast"})
	gateway := services.NewAIGateway(governor, client, hub, maxContent)

	artifacts := services.NewGormArtifactStore(db)
	queue := services.NewSyncQueue(2)
	pipeline := services.NewPipeline(services.NewPipelineStore(db), artifacts, artifacts, gateway,
		services.NewRegenerationLimiter(db, 1), queue, hub)
	pipeline.Register(hub)
	queue.SetProcessor(pipeline.HandleTask)
	hub.Start(context.Background())

	t.Cleanup(func() {
		queue.Close()
		hub.Stop()
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	r := gin.New()
	r.GET("/health", NewHealthHandler(db, queue, hub).CheckHealth)
	r.GET("/metrics", Metrics())
	r.GET("/api/events/signals", NewSSEHandler(hub).StreamSignals)

	api := r.Group("/api", middleware.CallerRequired())
	{
		api.GET("/quota", NewQuotaHandler(governor).GetRemaining)

		usage := NewUsageHandler(ledger)
		api.GET("/usage/stats", usage.GetStats)
		api.GET("/usage/operations", usage.GetOperationBreakdown)
		api.GET("/usage/records", usage.List)

		ph := NewPipelineHandler(pipeline)
		api.POST("/pipelines", ph.Start)
		api.GET("/pipelines/:correlation_id", ph.Get)

		rh := NewRegenerationHandler(pipeline)
		api.POST("/units/:unit_id/regenerate", rh.Regenerate)
		api.GET("/units/:unit_id/regenerations", rh.History)

		api.POST("/outcomes/parse", NewOutcomesHandler(gateway).Parse)
	}

	return &testServer{router: r, backend: backend, hub: hub, queue: queue, pipeline: pipeline}
}

func (s *testServer) do(t *testing.T, method, path, caller string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, _ := http.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if caller != "" {
		req.Header.Set(middleware.CallerHeader, caller)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// envelope mirrors response.Response with a typed data field.
type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
	Error   *struct {
		Kind              string `json:"kind"`
		RetryAfterSeconds int    `json:"retry_after_seconds"`
		Current           int    `json:"current"`
		Max               int    `json:"max"`
	} `json:"error"`
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) envelope[T] {
	t.Helper()
	var env envelope[T]
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return env
}

// settle waits for the run to reach a terminal stage and the queue to drain.
func (s *testServer) settle(t *testing.T, correlationID string) *models.PipelineState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		state, err := s.pipeline.State(ctx, correlationID)
		if err != nil {
			t.Fatalf("load state: %v", err)
		}
		if state.Stage.Terminal() {
			s.queue.Wait()
			if err := s.hub.WaitIdle(ctx); err != nil {
				t.Fatalf("hub did not drain: %v", err)
			}
			return state
		}
		select {
		case <-ctx.Done():
			t.Fatalf("run %s stuck in %s", correlationID, state.Stage)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
