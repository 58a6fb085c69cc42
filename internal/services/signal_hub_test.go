package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func waitIdle(t *testing.T, hub *SignalHub) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hub.WaitIdle(ctx); err != nil {
		t.Fatalf("signal hub did not drain: %v", err)
	}
}

func TestSignalHub_NewSignalHub(t *testing.T) {
	hub := NewSignalHub(4)
	if len(hub.lanes) != 4 {
		t.Errorf("lanes = %d, expected 4", len(hub.lanes))
	}
	if hub.ClientCount() != 0 {
		t.Errorf("new hub should have 0 clients, got %d", hub.ClientCount())
	}
	if NewSignalHub(0) == nil || len(NewSignalHub(0).lanes) != 1 {
		t.Error("lane count should default to 1")
	}
}

func TestSignalHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewSignalHub(1)

	hub.Subscribe("client1")
	hub.Subscribe("client2")
	if hub.ClientCount() != 2 {
		t.Fatalf("expected 2 clients, got %d", hub.ClientCount())
	}

	hub.Unsubscribe("client1")
	if hub.ClientCount() != 1 {
		t.Errorf("expected 1 client after unsubscribe, got %d", hub.ClientCount())
	}

	hub.Unsubscribe("nonexistent")
	if hub.ClientCount() != 1 {
		t.Errorf("unsubscribing nonexistent should not affect count, got %d", hub.ClientCount())
	}
}

func TestSignalHub_BroadcastToSubscribers(t *testing.T) {
	hub := NewSignalHub(2)
	ch1 := hub.Subscribe("client1")
	ch2 := hub.Subscribe("client2")

	hub.Emit(PipelineSignal{Kind: SignalAnalyzed, CorrelationID: "m-1"})

	for i, ch := range []<-chan PipelineSignal{ch1, ch2} {
		select {
		case received := <-ch:
			if received.Kind != SignalAnalyzed {
				t.Errorf("client%d: Kind = %s, expected %s", i+1, received.Kind, SignalAnalyzed)
			}
			if received.ID == "" {
				t.Errorf("client%d: signal id should be assigned", i+1)
			}
			if received.EmittedAt.IsZero() {
				t.Errorf("client%d: EmittedAt should be set", i+1)
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("client%d: timed out waiting for signal", i+1)
		}
	}
}

func TestSignalHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewSignalHub(1)
	hub.Subscribe("slow_client")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			hub.Emit(PipelineSignal{Kind: SignalRequestFailed, Caller: "c"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}
}

func TestSignalHub_HandlersRunPerKind(t *testing.T) {
	hub := NewSignalHub(4)

	var mu sync.Mutex
	got := map[SignalKind]int{}
	record := func(ctx context.Context, sig PipelineSignal) {
		mu.Lock()
		got[sig.Kind]++
		mu.Unlock()
	}
	hub.Handle(SignalAnalyzed, record)
	hub.Handle(SignalAnalyzed, record)
	hub.Handle(SignalQuizGenerated, record)

	hub.Start(context.Background())
	defer hub.Stop()

	hub.Emit(PipelineSignal{Kind: SignalAnalyzed, CorrelationID: "a"})
	hub.Emit(PipelineSignal{Kind: SignalQuizGenerated, CorrelationID: "b"})
	hub.Emit(PipelineSignal{Kind: SignalFeedbackGenerated, CorrelationID: "c"})
	waitIdle(t, hub)

	mu.Lock()
	defer mu.Unlock()
	if got[SignalAnalyzed] != 2 {
		t.Errorf("analyzed handled %d times, expected 2 (one per handler)", got[SignalAnalyzed])
	}
	if got[SignalQuizGenerated] != 1 {
		t.Errorf("quiz_generated handled %d times, expected 1", got[SignalQuizGenerated])
	}
	if got[SignalFeedbackGenerated] != 0 {
		t.Errorf("feedback_generated without handler handled %d times", got[SignalFeedbackGenerated])
	}
}

func TestSignalHub_PreservesOrderPerCorrelationID(t *testing.T) {
	hub := NewSignalHub(8)

	var mu sync.Mutex
	seen := map[string][]int{}
	hub.Handle(SignalRequestFailed, func(ctx context.Context, sig PipelineSignal) {
		// Jitter to expose any reordering.
		if sig.Attempt%3 == 0 {
			time.Sleep(time.Millisecond)
		}
		mu.Lock()
		seen[sig.CorrelationID] = append(seen[sig.CorrelationID], sig.Attempt)
		mu.Unlock()
	})
	hub.Start(context.Background())
	defer hub.Stop()

	const ids, perID = 10, 30
	var wg sync.WaitGroup
	for i := 0; i < ids; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for n := 0; n < perID; n++ {
				hub.Emit(PipelineSignal{Kind: SignalRequestFailed, CorrelationID: id, Attempt: n})
			}
		}(fmt.Sprintf("material-%d", i))
	}
	wg.Wait()
	waitIdle(t, hub)

	mu.Lock()
	defer mu.Unlock()
	for id, attempts := range seen {
		if len(attempts) != perID {
			t.Errorf("%s: handled %d signals, expected %d", id, len(attempts), perID)
			continue
		}
		for n, a := range attempts {
			if a != n {
				t.Errorf("%s: position %d handled attempt %d", id, n, a)
				break
			}
		}
	}
}

func TestSignalHub_HandlerPanicDoesNotStopLane(t *testing.T) {
	hub := NewSignalHub(1)

	var mu sync.Mutex
	handled := 0
	hub.Handle(SignalStageFailed, func(ctx context.Context, sig PipelineSignal) {
		if sig.Message == "boom" {
			panic("handler failure")
		}
		mu.Lock()
		handled++
		mu.Unlock()
	})
	hub.Start(context.Background())
	defer hub.Stop()

	hub.Emit(PipelineSignal{Kind: SignalStageFailed, CorrelationID: "x", Message: "boom"})
	hub.Emit(PipelineSignal{Kind: SignalStageFailed, CorrelationID: "x", Message: "ok"})
	waitIdle(t, hub)

	mu.Lock()
	defer mu.Unlock()
	if handled != 1 {
		t.Errorf("handled = %d, expected 1", handled)
	}
}

func TestSignalHub_StopDrainsQueuedSignals(t *testing.T) {
	hub := NewSignalHub(2)

	var mu sync.Mutex
	handled := 0
	hub.Handle(SignalAnalyzed, func(ctx context.Context, sig PipelineSignal) {
		mu.Lock()
		handled++
		mu.Unlock()
	})

	for i := 0; i < 20; i++ {
		hub.Emit(PipelineSignal{Kind: SignalAnalyzed, CorrelationID: fmt.Sprint(i)})
	}
	hub.Start(context.Background())
	hub.Stop()

	mu.Lock()
	defer mu.Unlock()
	if handled != 20 {
		t.Errorf("handled = %d, expected 20", handled)
	}
}
