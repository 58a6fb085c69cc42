package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"github.com/huangang/quizforge/internal/config"
	"github.com/huangang/quizforge/pkg/logger"
)

// Worker processes stage tasks from the Redis queue
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	processor StageProcessor
	wg        sync.WaitGroup
	running   bool
	mu        sync.Mutex
}

// NewWorker returns nil when Redis is disabled; the sync queue runs tasks itself then.
func NewWorker(cfg *config.RedisConfig, concurrency int) *Worker {
	if !cfg.Enabled {
		return nil
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	server := asynq.NewServer(
		redisClientOpt(cfg),
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				stageQueue: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Warnf("[Worker] Error processing task %s: %v", task.Type(), err)
			}),
		},
	)

	return &Worker{
		server: server,
		mux:    asynq.NewServeMux(),
	}
}

// SetProcessor sets the function to process stage tasks
func (w *Worker) SetProcessor(processor StageProcessor) {
	w.processor = processor
}

// Start begins processing tasks
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.mux.HandleFunc(TaskTypeStage, w.handleStageTask)

	w.running = true
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		logger.Infof("[Worker] Starting async worker...")
		if err := w.server.Run(w.mux); err != nil {
			logger.Errorf("[Worker] Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the worker
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	logger.Infof("[Worker] Shutting down...")
	w.server.Shutdown()
	w.running = false
	w.wg.Wait()
	logger.Infof("[Worker] Shutdown complete")
}

func decodeStageTask(payload []byte) (*StageTask, error) {
	var task StageTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return nil, fmt.Errorf("decode stage task: %w", err)
	}
	if task.CorrelationID == "" || !task.Operation.Valid() {
		return nil, fmt.Errorf("decode stage task: missing correlation id or unknown operation %q", task.Operation)
	}
	return &task, nil
}

func (w *Worker) handleStageTask(ctx context.Context, t *asynq.Task) error {
	task, err := decodeStageTask(t.Payload())
	if err != nil {
		logger.Errorf("[Worker] %v", err)
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	logger.Infof("[Worker] Processing %s stage for %s", task.Operation, task.CorrelationID)

	if w.processor == nil {
		logger.Warnf("[Worker] Warning: no processor set")
		return nil
	}
	return w.processor(ctx, task)
}
