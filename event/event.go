// Package event provides lifecycle event definitions and an event bus for the coordinator.
package event

import (
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Transaction lifecycle events
	EventTxStarted   EventType = "tx.started"
	EventTxDeclined  EventType = "tx.declined"
	EventTxFinished  EventType = "tx.finished"
	EventTxAborted   EventType = "tx.aborted"
	EventTxRenewed   EventType = "tx.renewed"
	EventTxReclaimed EventType = "tx.reclaimed"
	EventTxTimedOut  EventType = "tx.timed_out"
	EventTxPruned    EventType = "tx.pruned"

	// Chain events
	EventChainCompacted EventType = "chain.compacted"
	EventChainCleared   EventType = "chain.cleared"

	// Circuit breaker events
	EventCircuitOpened EventType = "circuit.opened"
	EventCircuitClosed EventType = "circuit.closed"

	// Sweep events
	EventSweepStart EventType = "sweep.start"

	// Alert events
	EventAlertWarning  EventType = "alert.warning"
	EventAlertCritical EventType = "alert.critical"
)

// Event is a lifecycle notification about a series or one of its transactions.
type Event struct {
	Type          EventType
	SeriesID      string
	TransactionID string
	ProcessorID   string
	Timestamp     time.Time
	Data          map[string]any
	Error         error // set on failure and alert events only
}

// NewEvent creates a new event with the given type and automatically sets the timestamp.
func NewEvent(eventType EventType) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      make(map[string]any),
	}
}

// WithSeries sets the series ID on the event.
func (e Event) WithSeries(seriesID string) Event {
	e.SeriesID = seriesID
	return e
}

// WithTxID sets the transaction ID on the event.
func (e Event) WithTxID(txID string) Event {
	e.TransactionID = txID
	return e
}

// WithProcessor sets the processor ID on the event.
func (e Event) WithProcessor(processorID string) Event {
	e.ProcessorID = processorID
	return e
}

// WithError sets the error on the event.
func (e Event) WithError(err error) Event {
	e.Error = err
	return e
}

// WithData sets a key-value pair in the event data.
func (e Event) WithData(key string, value any) Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}
