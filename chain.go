package seqtx

import (
	"fmt"
)

// Chain is the reconstructed, validated sequence of one series.
// Records are indexed by transaction ID; order holds the IDs oldest first.
type Chain struct {
	SeriesID string

	byID  map[string]*Record
	order []string
}

// BuildChain links an unordered set of records into a chain and validates the
// structural invariants. Any violation is reported as ErrCorruption.
func BuildChain(seriesID string, records []*Record) (*Chain, error) {
	byID := make(map[string]*Record, len(records))
	for _, rec := range records {
		if _, dup := byID[rec.TransactionID]; dup {
			return nil, fmt.Errorf("%w: series '%s' holds transaction '%s' twice",
				ErrCorruption, seriesID, rec.TransactionID)
		}
		byID[rec.TransactionID] = rec
	}

	numFirst, numLast := 0, 0
	var headID, tailID string
	for id, rec := range byID {
		if rec.First {
			numFirst++
			headID = id
		}
		if rec.Last {
			numLast++
			tailID = id
		}
	}
	if !(numFirst == 0 && numLast == 0 || numFirst == 1 && numLast == 1) {
		return nil, fmt.Errorf("%w: series '%s', number of first transaction(s): %d, number of last transaction(s): %d",
			ErrCorruption, seriesID, numFirst, numLast)
	}
	if len(byID) > 0 && numFirst == 0 {
		return nil, fmt.Errorf("%w: series '%s' has %d record(s) but no head",
			ErrCorruption, seriesID, len(byID))
	}

	// successor index: previous id -> id
	next := make(map[string]string, len(byID))
	for id, rec := range byID {
		if rec.First {
			continue
		}
		prev := rec.PreviousTransactionID
		if _, ok := byID[prev]; !ok {
			return nil, fmt.Errorf("%w: series '%s', previous transaction ID '%s' of transaction '%s' cannot be found",
				ErrCorruption, seriesID, prev, id)
		}
		if other, forked := next[prev]; forked {
			return nil, fmt.Errorf("%w: series '%s', transactions '%s' and '%s' both follow '%s'",
				ErrCorruption, seriesID, other, id, prev)
		}
		next[prev] = id
	}

	order := make([]string, 0, len(byID))
	if headID != "" {
		id := headID
		for {
			order = append(order, id)
			if id == tailID {
				break
			}
			succ, ok := next[id]
			if !ok {
				return nil, fmt.Errorf("%w: series '%s', chain ends at '%s' before reaching last transaction '%s'",
					ErrCorruption, seriesID, id, tailID)
			}
			if len(order) >= len(byID) {
				return nil, fmt.Errorf("%w: series '%s', chain from '%s' does not terminate at '%s'",
					ErrCorruption, seriesID, headID, tailID)
			}
			id = succ
		}
	}
	if len(order) != len(byID) {
		return nil, fmt.Errorf("%w: series '%s', %d of %d transaction(s) are not reachable from the head",
			ErrCorruption, seriesID, len(byID)-len(order), len(byID))
	}

	return &Chain{SeriesID: seriesID, byID: byID, order: order}, nil
}

// Len returns the number of records in the chain.
func (c *Chain) Len() int {
	return len(c.order)
}

// IsEmpty returns true for a series without records.
func (c *Chain) IsEmpty() bool {
	return len(c.order) == 0
}

// Head returns the oldest record, or nil for an empty chain.
func (c *Chain) Head() *Record {
	if len(c.order) == 0 {
		return nil
	}
	return c.byID[c.order[0]]
}

// Tail returns the newest record, or nil for an empty chain.
func (c *Chain) Tail() *Record {
	if len(c.order) == 0 {
		return nil
	}
	return c.byID[c.order[len(c.order)-1]]
}

// At returns the record at position i, oldest first.
func (c *Chain) At(i int) *Record {
	return c.byID[c.order[i]]
}

// Find returns the record with the given transaction ID.
func (c *Chain) Find(transactionID string) (*Record, bool) {
	rec, ok := c.byID[transactionID]
	return rec, ok
}

// Records returns the records oldest first. The slice is freshly allocated but
// the records are shared with the chain.
func (c *Chain) Records() []*Record {
	out := make([]*Record, len(c.order))
	for i, id := range c.order {
		out[i] = c.byID[id]
	}
	return out
}

// Snapshot returns detached copies of the records, oldest first.
func (c *Chain) Snapshot() []Record {
	out := make([]Record, len(c.order))
	for i, id := range c.order {
		out[i] = *c.byID[id].Clone()
	}
	return out
}

// CountStates returns how many records are IN_PROGRESS and TIMED_OUT.
func (c *Chain) CountStates() (inProgress, timedOut int) {
	for _, id := range c.order {
		switch c.byID[id].State {
		case StateInProgress:
			inProgress++
		case StateTimedOut:
			timedOut++
		}
	}
	return inProgress, timedOut
}

// replace swaps in a fresher copy of a record already in the chain.
func (c *Chain) replace(rec *Record) {
	if _, ok := c.byID[rec.TransactionID]; ok {
		c.byID[rec.TransactionID] = rec
	}
}

// removeHead drops the head record from the in-memory view.
func (c *Chain) removeHead() {
	if len(c.order) == 0 {
		return
	}
	delete(c.byID, c.order[0])
	c.order = c.order[1:]
}

// removeAt drops the record at position i without relinking its neighbours.
func (c *Chain) removeAt(i int) {
	if i < 0 || i >= len(c.order) {
		return
	}
	delete(c.byID, c.order[i])
	c.order = append(c.order[:i], c.order[i+1:]...)
}

// appendTail adds a new tail to the in-memory view.
func (c *Chain) appendTail(rec *Record) {
	c.byID[rec.TransactionID] = rec
	c.order = append(c.order, rec.TransactionID)
}
