package seqtx

import (
	"fmt"
	"time"
)

// Record is the persisted form of one transaction attempt in a series.
type Record struct {
	// SeriesID is the partition key grouping all records of one chain.
	SeriesID string `json:"series_id"`

	// TransactionID identifies this attempt within the series.
	TransactionID string `json:"transaction_id"`

	// PreviousTransactionID points at the preceding record. Empty for the
	// genesis record; a head record may keep a pointer to a compacted predecessor.
	PreviousTransactionID string `json:"previous_transaction_id,omitempty"`

	// First is true iff this record is the chain head.
	First bool `json:"first"`

	// Last is true iff this record is the chain tail.
	Last bool `json:"last"`

	State State `json:"state"`

	// StartPosition and EndPosition delimit the application-defined span.
	// An empty EndPosition means the range is still open.
	StartPosition string `json:"start_position,omitempty"`
	EndPosition   string `json:"end_position,omitempty"`

	// ProcessorID is the current or last owner.
	ProcessorID string `json:"processor_id,omitempty"`

	// Timeout is the deadline after which an IN_PROGRESS record times out.
	// The zero value means no deadline.
	Timeout time.Time `json:"timeout,omitempty"`

	// FinishedAt is when the record became SUCCEEDED or FAILED.
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// Detail is application-defined attempt metadata.
	Detail []byte `json:"detail,omitempty"`

	// Version is the concurrency token issued by the store.
	Version string `json:"-"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Detail != nil {
		c.Detail = append([]byte(nil), r.Detail...)
	}
	return &c
}

// IsInProgress returns true if the record is IN_PROGRESS.
func (r *Record) IsInProgress() bool {
	return r.State == StateInProgress
}

// IsSucceeded returns true if the record is SUCCEEDED.
func (r *Record) IsSucceeded() bool {
	return r.State == StateSucceeded
}

// IsFailed returns true if the record is FAILED.
func (r *Record) IsFailed() bool {
	return r.State == StateFailed
}

// IsTimedOut returns true if the record is TIMED_OUT.
func (r *Record) IsTimedOut() bool {
	return r.State == StateTimedOut
}

// HasOpenRange returns true if no end position has been recorded.
func (r *Record) HasOpenRange() bool {
	return r.EndPosition == ""
}

// IsAbandoned returns true for a FAILED record with an open range.
func (r *Record) IsAbandoned() bool {
	return r.IsFailed() && r.HasOpenRange()
}

// IsExpired returns true if an IN_PROGRESS record passed its deadline.
func (r *Record) IsExpired(now time.Time) bool {
	return r.IsInProgress() && !r.Timeout.IsZero() && r.Timeout.Before(now)
}

// OwnedBy returns true if processorID owns the record.
func (r *Record) OwnedBy(processorID string) bool {
	return r.ProcessorID == processorID
}

// transition moves the record to the target state if allowed.
func (r *Record) transition(to State) bool {
	if !ValidateTransition(r.State, to) {
		return false
	}
	r.State = to
	return true
}

// MarkTimedOut transitions IN_PROGRESS to TIMED_OUT.
func (r *Record) MarkTimedOut() bool {
	if !r.IsInProgress() {
		return false
	}
	return r.transition(StateTimedOut)
}

// MarkSucceeded transitions an open record to SUCCEEDED.
func (r *Record) MarkSucceeded(endPosition string, now time.Time) bool {
	if !r.transition(StateSucceeded) {
		return false
	}
	if endPosition != "" {
		r.EndPosition = endPosition
	}
	r.FinishedAt = now
	return true
}

// MarkFailed transitions an open record to FAILED. The end position is kept
// as is, so an open-range attempt becomes prunable.
func (r *Record) MarkFailed(now time.Time) bool {
	if !r.transition(StateFailed) {
		return false
	}
	r.FinishedAt = now
	return true
}

// Reclaim hands a TIMED_OUT record to a new owner with a fresh deadline.
func (r *Record) Reclaim(processorID string, timeout time.Time) bool {
	if !r.IsTimedOut() || !r.transition(StateInProgress) {
		return false
	}
	r.ProcessorID = processorID
	r.Timeout = timeout
	return true
}

// Keys returns a short description of the record identity for messages.
func (r *Record) Keys() string {
	return fmt.Sprintf("series=%s tx=%s version=%s", r.SeriesID, r.TransactionID, r.Version)
}
