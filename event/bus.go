package event

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// EventHandler handles a published event.
type EventHandler func(ctx context.Context, event Event) error

// EventBus dispatches events to subscribers.
type EventBus interface {
	// Publish delivers the event to matching subscribers.
	Publish(ctx context.Context, event Event) error
	// Subscribe registers a handler for one event type.
	Subscribe(eventType EventType, handler EventHandler) error
	// SubscribeAll registers a handler for every event.
	SubscribeAll(handler EventHandler) error
}

// MemoryEventBus is a synchronous in-process EventBus.
type MemoryEventBus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]EventHandler
	allHandlers []EventHandler
	logger      *zap.Logger
}

// MemoryEventBusOption configures a MemoryEventBus.
type MemoryEventBusOption func(*MemoryEventBus)

// WithLogger sets the logger used for handler failures.
func WithLogger(logger *zap.Logger) MemoryEventBusOption {
	return func(b *MemoryEventBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewMemoryEventBus creates a new in-memory event bus.
func NewMemoryEventBus(opts ...MemoryEventBusOption) *MemoryEventBus {
	bus := &MemoryEventBus{
		handlers:    make(map[EventType][]EventHandler),
		allHandlers: make([]EventHandler, 0),
		logger:      zap.NewNop(),
	}

	for _, opt := range opts {
		opt(bus)
	}

	return bus
}

// Publish publishes an event to all subscribed handlers.
// Handler errors are logged and never returned to the publisher.
func (b *MemoryEventBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	typeHandlers := make([]EventHandler, len(b.handlers[event.Type]))
	copy(typeHandlers, b.handlers[event.Type])
	allHandlers := make([]EventHandler, len(b.allHandlers))
	copy(allHandlers, b.allHandlers)
	b.mu.RUnlock()

	for _, handler := range typeHandlers {
		b.executeHandler(ctx, handler, event)
	}
	for _, handler := range allHandlers {
		b.executeHandler(ctx, handler, event)
	}

	return nil
}

func (b *MemoryEventBus) executeHandler(ctx context.Context, handler EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic",
				zap.String("event", event.Type.String()),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()

	if err := handler(ctx, event); err != nil {
		b.logger.Warn("event handler failed",
			zap.String("event", event.Type.String()),
			zap.String("series", event.SeriesID),
			zap.String("tx", event.TransactionID),
			zap.Error(err))
	}
}

// Subscribe subscribes a handler to a specific event type.
// Multiple handlers can be registered for the same event type.
func (b *MemoryEventBus) Subscribe(eventType EventType, handler EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return nil
}

// SubscribeAll subscribes a handler to all events.
func (b *MemoryEventBus) SubscribeAll(handler EventHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allHandlers = append(b.allHandlers, handler)
	return nil
}

// Unsubscribe removes all handlers for a specific event type.
func (b *MemoryEventBus) Unsubscribe(eventType EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, eventType)
}

// UnsubscribeAll removes both type-specific and all-event handlers.
func (b *MemoryEventBus) UnsubscribeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = make(map[EventType][]EventHandler)
	b.allHandlers = make([]EventHandler, 0)
}

// HandlerCount returns the number of handlers for a specific event type.
func (b *MemoryEventBus) HandlerCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.handlers[eventType])
}

// AllHandlerCount returns the number of all-event handlers.
func (b *MemoryEventBus) AllHandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.allHandlers)
}

// NoOpEventBus discards every event.
type NoOpEventBus struct{}

// NewNoOpEventBus creates a new no-op event bus.
func NewNoOpEventBus() *NoOpEventBus {
	return &NoOpEventBus{}
}

// Publish does nothing.
func (b *NoOpEventBus) Publish(_ context.Context, _ Event) error {
	return nil
}

// Subscribe does nothing.
func (b *NoOpEventBus) Subscribe(_ EventType, _ EventHandler) error {
	return nil
}

// SubscribeAll does nothing.
func (b *NoOpEventBus) SubscribeAll(_ EventHandler) error {
	return nil
}
