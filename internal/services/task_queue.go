package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"github.com/huangang/quizforge/internal/config"
	"github.com/huangang/quizforge/internal/models"
	"github.com/huangang/quizforge/pkg/logger"
)

const (
	TaskTypeStage = "pipeline:stage"
	stageQueue    = "pipeline"
)

// StageTask asks a worker to run one pipeline stage for a correlation id.
type StageTask struct {
	CorrelationID string           `json:"correlation_id"`
	Caller        string           `json:"caller"`
	Model         string           `json:"model,omitempty"`
	Operation     models.Operation `json:"operation"`
	EnqueuedAt    time.Time        `json:"enqueued_at"`
}

// taskID makes a second enqueue of the same stage a no-op on the async queue.
func (t *StageTask) taskID() string {
	return t.CorrelationID + ":" + string(t.Operation)
}

// StageProcessor runs one stage task.
type StageProcessor func(context.Context, *StageTask) error

// TaskQueue defines the interface for stage task processing
type TaskQueue interface {
	// Enqueue adds a task to the queue
	Enqueue(task *StageTask) error
	// IsAsync returns true if queue processes tasks asynchronously
	IsAsync() bool
	// Close gracefully shuts down the queue
	Close() error
}

// NewTaskQueue picks the Redis queue when Redis is enabled and reachable,
// and the in-process queue otherwise.
func NewTaskQueue(cfg *config.Config) TaskQueue {
	if cfg.Redis.Enabled {
		queue, err := NewAsyncQueue(&cfg.Redis)
		if err != nil {
			logger.Warnf("[TaskQueue] Redis unavailable, falling back to sync mode: %v", err)
			return NewSyncQueue(cfg.Pipeline.WorkerCount)
		}
		logger.Infof("[TaskQueue] Async queue initialized with Redis at %s", cfg.Redis.Addr)
		return queue
	}
	logger.Infof("[TaskQueue] Sync queue initialized (Redis disabled)")
	return NewSyncQueue(cfg.Pipeline.WorkerCount)
}

func redisClientOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// AsyncQueue implements TaskQueue using asynq (Redis-based)
type AsyncQueue struct {
	client *asynq.Client
}

// NewAsyncQueue creates a new Redis-based async queue
func NewAsyncQueue(cfg *config.RedisConfig) (*AsyncQueue, error) {
	redisOpt := redisClientOpt(cfg)
	client := asynq.NewClient(redisOpt)

	// Verify the connection before committing to async mode.
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}

	return &AsyncQueue{client: client}, nil
}

// Enqueue adds a stage task. Stages are never retried by the queue; a failed
// stage ends the run.
func (q *AsyncQueue) Enqueue(task *StageTask) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}

	t := asynq.NewTask(TaskTypeStage, payload)
	info, err := q.client.Enqueue(t,
		asynq.Queue(stageQueue),
		asynq.MaxRetry(0),
		asynq.TaskID(task.taskID()),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		logger.Infof("[AsyncQueue] %s already queued", task.taskID())
		return nil
	}
	if err != nil {
		return err
	}

	logger.Infof("[AsyncQueue] Task enqueued: id=%s, queue=%s", info.ID, info.Queue)
	return nil
}

// IsAsync returns true for async queue
func (q *AsyncQueue) IsAsync() bool {
	return true
}

// Close closes the async queue client
func (q *AsyncQueue) Close() error {
	return q.client.Close()
}

// SyncQueue runs tasks in-process on at most workers goroutines at a time.
// Tasks run on the queue's context, which Close cancels.
type SyncQueue struct {
	processor StageProcessor
	slots     chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	closed    bool
}

func NewSyncQueue(workers int) *SyncQueue {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncQueue{slots: make(chan struct{}, workers), ctx: ctx, cancel: cancel}
}

// SetProcessor sets the function to process tasks
func (q *SyncQueue) SetProcessor(processor StageProcessor) {
	q.processor = processor
}

// Enqueue starts the task in the background and returns immediately.
func (q *SyncQueue) Enqueue(task *StageTask) error {
	if q.processor == nil {
		logger.Warnf("[SyncQueue] No processor set, task %s dropped", task.taskID())
		return nil
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.New("task queue closed")
	}
	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		select {
		case q.slots <- struct{}{}:
			defer func() { <-q.slots }()
		case <-q.ctx.Done():
		}
		if q.ctx.Err() != nil {
			logger.Warnf("[SyncQueue] Task %s dropped at shutdown", task.taskID())
			return
		}

		if err := q.processor(q.ctx, task); err != nil {
			logger.Warnf("[SyncQueue] Task %s failed: %v", task.taskID(), err)
		}
	}()
	return nil
}

// Wait blocks until every enqueued task has finished.
func (q *SyncQueue) Wait() {
	q.wg.Wait()
}

// IsAsync returns false for sync queue
func (q *SyncQueue) IsAsync() bool {
	return false
}

// Close stops accepting tasks, cancels running ones and waits for them to return.
func (q *SyncQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
	return nil
}
