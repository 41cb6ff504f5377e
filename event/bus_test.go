package event

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObservedBus() (*MemoryEventBus, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return NewMemoryEventBus(WithLogger(zap.New(core))), logs
}

// ============================================================================
// Publish/Subscribe
// ============================================================================

func TestMemoryEventBus_Subscribe(t *testing.T) {
	bus := NewMemoryEventBus()

	err := bus.Subscribe(EventTxStarted, func(ctx context.Context, event Event) error { return nil })
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if bus.HandlerCount(EventTxStarted) != 1 {
		t.Errorf("expected 1 handler, got %d", bus.HandlerCount(EventTxStarted))
	}
}

func TestMemoryEventBus_PublishToSubscriber(t *testing.T) {
	bus := NewMemoryEventBus()

	var received Event
	var called bool
	bus.Subscribe(EventTxFinished, func(ctx context.Context, event Event) error {
		received = event
		called = true
		return nil
	})

	event := NewEvent(EventTxFinished).WithSeries("orders").WithTxID("t1").WithProcessor("p1")
	if err := bus.Publish(context.Background(), event); err != nil {
		t.Errorf("expected no error, got %v", err)
	}

	if !called {
		t.Fatal("expected handler to be called")
	}
	if received.SeriesID != "orders" || received.TransactionID != "t1" || received.ProcessorID != "p1" {
		t.Errorf("unexpected event identity: %+v", received)
	}
}

func TestMemoryEventBus_OtherTypesNotDelivered(t *testing.T) {
	bus := NewMemoryEventBus()

	var called bool
	bus.Subscribe(EventTxAborted, func(ctx context.Context, event Event) error {
		called = true
		return nil
	})

	bus.Publish(context.Background(), NewEvent(EventTxStarted))

	if called {
		t.Error("handler for tx.aborted should not see tx.started")
	}
}

func TestMemoryEventBus_SubscribeAll(t *testing.T) {
	bus := NewMemoryEventBus()

	var callCount int32
	bus.SubscribeAll(func(ctx context.Context, event Event) error {
		atomic.AddInt32(&callCount, 1)
		return nil
	})

	bus.Publish(context.Background(), NewEvent(EventTxStarted))
	bus.Publish(context.Background(), NewEvent(EventTxTimedOut))
	bus.Publish(context.Background(), NewEvent(EventChainCompacted))

	if atomic.LoadInt32(&callCount) != 3 {
		t.Errorf("expected handler to be called 3 times, got %d", callCount)
	}
}

func TestMemoryEventBus_MultipleHandlersWithAllHandler(t *testing.T) {
	bus := NewMemoryEventBus()

	var typeCalls, allCalls int32
	count := func(n *int32) EventHandler {
		return func(ctx context.Context, event Event) error {
			atomic.AddInt32(n, 1)
			return nil
		}
	}

	bus.Subscribe(EventTxPruned, count(&typeCalls))
	bus.Subscribe(EventTxPruned, count(&typeCalls))
	bus.SubscribeAll(count(&allCalls))

	bus.Publish(context.Background(), NewEvent(EventTxPruned))

	if atomic.LoadInt32(&typeCalls) != 2 {
		t.Errorf("expected type handlers to be called twice, got %d", typeCalls)
	}
	if atomic.LoadInt32(&allCalls) != 1 {
		t.Errorf("expected all handler to be called once, got %d", allCalls)
	}
}

// ============================================================================
// Error Handling
// ============================================================================

func TestMemoryEventBus_HandlerErrorDoesNotBlock(t *testing.T) {
	bus, logs := newObservedBus()

	var handler2Called bool
	bus.Subscribe(EventTxStarted, func(ctx context.Context, event Event) error {
		return errors.New("handler error")
	})
	bus.Subscribe(EventTxStarted, func(ctx context.Context, event Event) error {
		handler2Called = true
		return nil
	})

	err := bus.Publish(context.Background(), NewEvent(EventTxStarted).WithSeries("orders").WithTxID("t1"))
	if err != nil {
		t.Errorf("expected no error from Publish, got %v", err)
	}
	if !handler2Called {
		t.Error("expected handler2 to be called despite handler1 error")
	}

	entries := logs.FilterMessage("event handler failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 logged failure, got %d", len(entries))
	}
	if entries[0].ContextMap()["series"] != "orders" {
		t.Errorf("expected series field, got %v", entries[0].ContextMap())
	}
}

func TestMemoryEventBus_HandlerPanicDoesNotBlock(t *testing.T) {
	bus, logs := newObservedBus()

	var handler2Called bool
	bus.Subscribe(EventTxStarted, func(ctx context.Context, event Event) error {
		panic("handler panic")
	})
	bus.Subscribe(EventTxStarted, func(ctx context.Context, event Event) error {
		handler2Called = true
		return nil
	})

	if err := bus.Publish(context.Background(), NewEvent(EventTxStarted)); err != nil {
		t.Errorf("expected no error from Publish, got %v", err)
	}
	if !handler2Called {
		t.Error("expected handler2 to be called despite handler1 panic")
	}
	if logs.FilterMessage("event handler panic").Len() != 1 {
		t.Error("expected panic to be logged")
	}
}

// ============================================================================
// Unsubscribe
// ============================================================================

func TestMemoryEventBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryEventBus()

	var called bool
	bus.Subscribe(EventTxRenewed, func(ctx context.Context, event Event) error {
		called = true
		return nil
	})
	bus.Unsubscribe(EventTxRenewed)

	bus.Publish(context.Background(), NewEvent(EventTxRenewed))

	if called {
		t.Error("expected handler not to be called after unsubscribe")
	}
	if bus.HandlerCount(EventTxRenewed) != 0 {
		t.Errorf("expected 0 handlers after unsubscribe, got %d", bus.HandlerCount(EventTxRenewed))
	}
}

func TestMemoryEventBus_UnsubscribeAll(t *testing.T) {
	bus := NewMemoryEventBus()

	var callCount int32
	handler := func(ctx context.Context, event Event) error {
		atomic.AddInt32(&callCount, 1)
		return nil
	}
	bus.Subscribe(EventTxStarted, handler)
	bus.Subscribe(EventTxFinished, handler)
	bus.SubscribeAll(handler)

	bus.UnsubscribeAll()

	bus.Publish(context.Background(), NewEvent(EventTxStarted))
	bus.Publish(context.Background(), NewEvent(EventTxFinished))

	if atomic.LoadInt32(&callCount) != 0 {
		t.Errorf("expected no handlers to be called after UnsubscribeAll, got %d", callCount)
	}
	if bus.AllHandlerCount() != 0 {
		t.Errorf("expected 0 all-event handlers, got %d", bus.AllHandlerCount())
	}
}

// ============================================================================
// Event Data
// ============================================================================

func TestEvent_Builders(t *testing.T) {
	cause := errors.New("conflict")
	e := NewEvent(EventAlertWarning).
		WithSeries("orders").
		WithTxID("t2").
		WithError(cause).
		WithData("version", "7")

	if e.Timestamp.IsZero() {
		t.Error("expected Timestamp to be set")
	}
	if e.Error != cause {
		t.Errorf("expected error %v, got %v", cause, e.Error)
	}
	if e.Data["version"] != "7" {
		t.Errorf("expected Data['version'] = '7', got %v", e.Data["version"])
	}
	if e.Type.String() != "alert.warning" {
		t.Errorf("unexpected type string %s", e.Type)
	}

	var zero Event
	zero = zero.WithData("k", 1)
	if zero.Data["k"] != 1 {
		t.Error("WithData should allocate the map on a zero event")
	}
}

// ============================================================================
// Concurrent Safety
// ============================================================================

func TestMemoryEventBus_ConcurrentPublish(t *testing.T) {
	bus := NewMemoryEventBus()

	var callCount int64
	bus.Subscribe(EventTxStarted, func(ctx context.Context, event Event) error {
		atomic.AddInt64(&callCount, 1)
		return nil
	})

	var wg sync.WaitGroup
	numGoroutines := 10
	numPublishes := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < numPublishes; j++ {
				bus.Publish(context.Background(), NewEvent(EventTxStarted))
			}
		}()
	}
	wg.Wait()

	expected := int64(numGoroutines * numPublishes)
	if atomic.LoadInt64(&callCount) != expected {
		t.Errorf("expected %d calls, got %d", expected, callCount)
	}
}

func TestMemoryEventBus_ConcurrentSubscribeAndPublish(t *testing.T) {
	bus := NewMemoryEventBus()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			bus.Subscribe(EventTxAborted, func(ctx context.Context, event Event) error { return nil })
		}()
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), NewEvent(EventTxAborted))
		}()
	}
	wg.Wait()

	if bus.HandlerCount(EventTxAborted) != 10 {
		t.Errorf("expected 10 handlers, got %d", bus.HandlerCount(EventTxAborted))
	}
}

func TestNoOpEventBus(t *testing.T) {
	var bus EventBus = NewNoOpEventBus()

	if err := bus.Subscribe(EventTxStarted, nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if err := bus.SubscribeAll(nil); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
	if err := bus.Publish(context.Background(), NewEvent(EventTxStarted)); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
