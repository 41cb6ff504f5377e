package admin

import (
	"context"
	"sort"
	"sync"
	"time"

	"seqtx/event"
)

// EventStore keeps the most recent events in memory for the event log.
// Once maxEvents is reached the oldest events are dropped.
type EventStore struct {
	events    []StoredEvent
	maxEvents int
	mu        sync.RWMutex
	nextID    int64
}

// StoredEvent is an event as shown by the event log.
type StoredEvent struct {
	ID            int64          `json:"id"`
	Type          string         `json:"type"`
	SeriesID      string         `json:"series_id,omitempty"`
	TransactionID string         `json:"transaction_id,omitempty"`
	ProcessorID   string         `json:"processor_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Data          map[string]any `json:"data,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// EventFilter selects events from the log.
type EventFilter struct {
	Type          string
	SeriesID      string
	TransactionID string
	Limit         int
	Offset        int
}

func (f EventFilter) matches(e StoredEvent) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.SeriesID != "" && e.SeriesID != f.SeriesID {
		return false
	}
	if f.TransactionID != "" && e.TransactionID != f.TransactionID {
		return false
	}
	return true
}

// NewEventStore creates an event store holding at most maxEvents events.
func NewEventStore(maxEvents int) *EventStore {
	if maxEvents <= 0 {
		maxEvents = 1000
	}
	return &EventStore{
		events:    make([]StoredEvent, 0, maxEvents),
		maxEvents: maxEvents,
	}
}

// Store appends an event.
func (s *EventStore) Store(e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++

	var errorMsg string
	if e.Error != nil {
		errorMsg = e.Error.Error()
	}

	s.events = append(s.events, StoredEvent{
		ID:            s.nextID,
		Type:          string(e.Type),
		SeriesID:      e.SeriesID,
		TransactionID: e.TransactionID,
		ProcessorID:   e.ProcessorID,
		Timestamp:     e.Timestamp,
		Data:          e.Data,
		Error:         errorMsg,
	})

	if excess := len(s.events) - s.maxEvents; excess > 0 {
		s.events = s.events[excess:]
	}
}

// List returns the matching events, newest first.
func (s *EventStore) List(filter EventFilter) []StoredEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	var filtered []StoredEvent
	for i := len(s.events) - 1; i >= 0; i-- {
		if filter.matches(s.events[i]) {
			filtered = append(filtered, s.events[i])
		}
	}

	if filter.Offset >= len(filtered) {
		return []StoredEvent{}
	}
	end := filter.Offset + filter.Limit
	if end > len(filtered) {
		end = len(filtered)
	}
	return filtered[filter.Offset:end]
}

// Count returns the number of matching events.
func (s *EventStore) Count(filter EventFilter) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.events {
		if filter.matches(e) {
			count++
		}
	}
	return count
}

// EventHandler returns a handler for EventBus.SubscribeAll.
func (s *EventStore) EventHandler() event.EventHandler {
	return func(ctx context.Context, e event.Event) error {
		s.Store(e)
		return nil
	}
}

// Clear drops every stored event.
func (s *EventStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make([]StoredEvent, 0, s.maxEvents)
}

// Len returns the number of stored events.
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// EventTypes returns the distinct stored event types, sorted.
func (s *EventStore) EventTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	typeSet := make(map[string]struct{})
	for _, e := range s.events {
		typeSet[e.Type] = struct{}{}
	}

	types := make([]string, 0, len(typeSet))
	for t := range typeSet {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
