package testinfra

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"seqtx"
	"seqtx/event"
)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock creates a clock stopped at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current clock time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// EventRecorder collects published events.
type EventRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

// NewEventRecorder creates an empty recorder.
func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

// Handle is an event.EventHandler.
func (r *EventRecorder) Handle(ctx context.Context, e event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Count returns how many events of type t were recorded.
func (r *EventRecorder) Count(t event.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// Summary renders records as "id:STATE,..." in chain order.
func Summary(records []seqtx.Record) string {
	parts := make([]string, len(records))
	for i, r := range records {
		parts[i] = r.TransactionID + ":" + string(r.State)
	}
	return strings.Join(parts, ",")
}

// CheckChain verifies the head, tail and link structure of records in chain
// order.
func CheckChain(records []seqtx.Record) error {
	for i, r := range records {
		if r.First != (i == 0) {
			return fmt.Errorf("%s: First=%v at position %d", r.TransactionID, r.First, i)
		}
		if r.Last != (i == len(records)-1) {
			return fmt.Errorf("%s: Last=%v at position %d", r.TransactionID, r.Last, i)
		}
		if i > 0 && r.PreviousTransactionID != records[i-1].TransactionID {
			return fmt.Errorf("%s: previous %q, want %q", r.TransactionID,
				r.PreviousTransactionID, records[i-1].TransactionID)
		}
	}
	return nil
}

// CheckCompacted verifies the shape compaction leaves behind: no succeeded
// pair at the head, no abandoned record and no open claim past its deadline.
func CheckCompacted(records []seqtx.Record, now time.Time) error {
	if len(records) >= 2 && records[0].State == seqtx.StateSucceeded && records[1].State == seqtx.StateSucceeded {
		return fmt.Errorf("head pair %s,%s both SUCCEEDED after compaction",
			records[0].TransactionID, records[1].TransactionID)
	}
	for _, r := range records {
		if r.State == seqtx.StateFailed && r.EndPosition == "" {
			return fmt.Errorf("abandoned record %s survived compaction", r.TransactionID)
		}
	}
	if !now.IsZero() {
		for _, r := range records {
			if r.State == seqtx.StateInProgress && r.Timeout.Before(now) {
				return fmt.Errorf("%s still IN_PROGRESS past its deadline %v", r.TransactionID, r.Timeout)
			}
		}
	}
	return nil
}

// AssertChainValid lists the series without compacting it and checks the
// result with CheckChain.
func AssertChainValid(t testing.TB, coord *seqtx.Coordinator, seriesID string) []seqtx.Record {
	t.Helper()
	records, err := coord.List(context.Background(), seriesID)
	if err != nil {
		t.Fatalf("List %s: %v", seriesID, err)
	}
	if err := CheckChain(records); err != nil {
		t.Errorf("series %s: %v", seriesID, err)
	}
	return records
}

// AssertStates checks the chain summary of a series.
func AssertStates(t testing.TB, coord *seqtx.Coordinator, seriesID, want string) {
	t.Helper()
	records := AssertChainValid(t, coord, seriesID)
	if got := Summary(records); got != want {
		t.Errorf("series %s: got %q, want %q", seriesID, got, want)
	}
}

// AssertCompacted fails t when records do not have the compacted shape.
func AssertCompacted(t testing.TB, records []seqtx.Record) {
	t.Helper()
	if err := CheckCompacted(records, time.Time{}); err != nil {
		t.Error(err)
	}
}

// AssertSuccessful checks IsSuccessful for one transaction.
func AssertSuccessful(t testing.TB, coord *seqtx.Coordinator, seriesID, transactionID string, want bool) {
	t.Helper()
	got, err := coord.IsSuccessful(context.Background(), seriesID, transactionID, time.Time{})
	if err != nil {
		t.Fatalf("IsSuccessful %s/%s: %v", seriesID, transactionID, err)
	}
	if got != want {
		t.Errorf("IsSuccessful %s/%s = %v, want %v", seriesID, transactionID, got, want)
	}
}
