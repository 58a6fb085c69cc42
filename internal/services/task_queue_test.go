package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/huangang/quizforge/internal/config"
	"github.com/huangang/quizforge/internal/models"
)

func TestTaskTypeStage_Constant(t *testing.T) {
	if TaskTypeStage != "pipeline:stage" {
		t.Errorf("TaskTypeStage = %q, expected %q", TaskTypeStage, "pipeline:stage")
	}
}

func TestStageTask_TaskID(t *testing.T) {
	task := &StageTask{CorrelationID: "run-1", Operation: models.OperationTos}
	if got := task.taskID(); got != "run-1:tos" {
		t.Errorf("taskID() = %q, expected %q", got, "run-1:tos")
	}
}

func TestDecodeStageTask(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"valid", `{"correlation_id":"run-1","caller":"t","operation":"quiz"}`, false},
		{"unknown operation", `{"correlation_id":"run-1","operation":"grade"}`, true},
		{"missing correlation id", `{"operation":"quiz"}`, true},
		{"not json", `quiz`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := decodeStageTask([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeStageTask() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && task.Operation != models.OperationQuiz {
				t.Errorf("Operation = %q, expected quiz", task.Operation)
			}
		})
	}
}

func TestSyncQueue_IsAsync(t *testing.T) {
	if NewSyncQueue(1).IsAsync() {
		t.Error("SyncQueue.IsAsync() should return false")
	}
}

func TestSyncQueue_EnqueueWithoutProcessor(t *testing.T) {
	queue := NewSyncQueue(1)
	if err := queue.Enqueue(&StageTask{CorrelationID: "run-1", Operation: models.OperationAnalyze}); err != nil {
		t.Errorf("Enqueue without processor should not error, got %v", err)
	}
}

func TestSyncQueue_RunsTasks(t *testing.T) {
	queue := NewSyncQueue(2)
	var mu sync.Mutex
	seen := map[string]bool{}
	queue.SetProcessor(func(ctx context.Context, task *StageTask) error {
		mu.Lock()
		seen[task.CorrelationID] = true
		mu.Unlock()
		if task.EnqueuedAt.IsZero() {
			t.Errorf("EnqueuedAt not stamped for %s", task.CorrelationID)
		}
		return nil
	})

	for _, id := range []string{"a", "b", "c"} {
		if err := queue.Enqueue(&StageTask{CorrelationID: id, Operation: models.OperationAnalyze}); err != nil {
			t.Fatalf("Enqueue(%s) returned error: %v", id, err)
		}
	}
	queue.Wait()

	if len(seen) != 3 {
		t.Errorf("processed %d tasks, expected 3", len(seen))
	}
}

func TestSyncQueue_BoundsConcurrency(t *testing.T) {
	queue := NewSyncQueue(2)
	var running, peak atomic.Int32
	queue.SetProcessor(func(ctx context.Context, task *StageTask) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil
	})

	for i := 0; i < 8; i++ {
		queue.Enqueue(&StageTask{CorrelationID: "run", Operation: models.OperationQuiz})
	}
	queue.Wait()

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, expected at most 2", got)
	}
}

func TestSyncQueue_CloseRejectsNewTasks(t *testing.T) {
	queue := NewSyncQueue(1)
	queue.SetProcessor(func(ctx context.Context, task *StageTask) error { return nil })

	if err := queue.Close(); err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}
	if err := queue.Enqueue(&StageTask{CorrelationID: "late", Operation: models.OperationQuiz}); err == nil {
		t.Error("Enqueue after Close should return an error")
	}
}

func TestSyncQueue_CloseCancelsRunningTasks(t *testing.T) {
	queue := NewSyncQueue(1)
	started := make(chan struct{})
	var cancelled, ran atomic.Int32
	queue.SetProcessor(func(ctx context.Context, task *StageTask) error {
		ran.Add(1)
		close(started)
		select {
		case <-ctx.Done():
			cancelled.Add(1)
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	queue.Enqueue(&StageTask{CorrelationID: "running", Operation: models.OperationQuiz})
	// Waits for the only slot and must not start once the queue is closed.
	queue.Enqueue(&StageTask{CorrelationID: "waiting", Operation: models.OperationQuiz})
	<-started

	begin := time.Now()
	if err := queue.Close(); err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Errorf("Close() took %v, expected it to cancel the running task", elapsed)
	}
	if cancelled.Load() != 1 {
		t.Errorf("cancelled = %d, expected 1", cancelled.Load())
	}
	if ran.Load() != 1 {
		t.Errorf("tasks run = %d, expected 1", ran.Load())
	}
}

func TestNewTaskQueue_SyncWhenRedisDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Redis.Enabled = false

	queue := NewTaskQueue(cfg)
	if queue.IsAsync() {
		t.Error("NewTaskQueue should return the sync queue when Redis is disabled")
	}
}

func TestNewWorker_NilWhenRedisDisabled(t *testing.T) {
	if w := NewWorker(&config.RedisConfig{Enabled: false}, 4); w != nil {
		t.Error("NewWorker should return nil when Redis is disabled")
	}
}

func TestAsyncQueue_IsAsync(t *testing.T) {
	queue := &AsyncQueue{}
	if !queue.IsAsync() {
		t.Error("AsyncQueue.IsAsync() should return true")
	}
}
