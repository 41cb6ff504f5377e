package seqtx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"seqtx/event"
	"seqtx/metrics"
	"seqtx/tracing"
)

// CompactionStats summarizes the writes made by one compaction.
type CompactionStats struct {
	Collapsed int // succeeded head records deleted
	TimedOut  int // records moved IN_PROGRESS -> TIMED_OUT
	Pruned    int // abandoned records deleted
}

// Changed returns true if the compaction wrote anything.
func (s CompactionStats) Changed() bool {
	return s.Collapsed+s.TimedOut+s.Pruned > 0
}

// Compactor normalizes a reconstructed chain against the store. It holds no
// locks; every write is conditional on the version read during reconstruction.
type Compactor struct {
	store   Store
	cache   *successCache
	now     func() time.Time
	logger  *zap.Logger
	metrics metrics.Metrics
	events  event.EventBus
	tracer  tracing.Tracer
}

// Compact runs, in order: head collapse, cache refresh, timeout sweep and
// abandoned record pruning. When pruning removed anything the head collapse
// and cache refresh run again. The chain is updated in place to mirror the
// store.
func (c *Compactor) Compact(ctx context.Context, chain *Chain) (CompactionStats, error) {
	var stats CompactionStats
	started := c.now()

	ctx, span := c.tracer.StartCompaction(ctx, chain.SeriesID)
	defer span.End()

	err := c.compact(ctx, chain, &stats)

	span.SetAttributes(
		attribute.Int("compaction.collapsed", stats.Collapsed),
		attribute.Int("compaction.timed_out", stats.TimedOut),
		attribute.Int("compaction.pruned", stats.Pruned),
	)
	if err != nil {
		span.SetError(err)
		c.metrics.CompactionFailed(errorReason(err))
		c.logger.Warn("compaction failed",
			zap.String("series", chain.SeriesID), zap.Error(err))
		return stats, err
	}

	c.metrics.CompactionCompleted(c.now().Sub(started), stats.Collapsed, stats.Pruned)
	if stats.Changed() {
		c.logger.Debug("chain compacted",
			zap.String("series", chain.SeriesID),
			zap.Int("collapsed", stats.Collapsed),
			zap.Int("timed_out", stats.TimedOut),
			zap.Int("pruned", stats.Pruned),
			zap.Int("remaining", chain.Len()))
		_ = c.events.Publish(ctx, event.NewEvent(event.EventChainCompacted).
			WithSeries(chain.SeriesID).
			WithData("collapsed", stats.Collapsed).
			WithData("timed_out", stats.TimedOut).
			WithData("pruned", stats.Pruned))
	}
	return stats, nil
}

func (c *Compactor) compact(ctx context.Context, chain *Chain, stats *CompactionStats) error {
	if err := c.collapseHead(ctx, chain, stats); err != nil {
		return err
	}

	c.refreshCache(chain)

	if err := c.sweepTimeouts(ctx, chain, stats); err != nil {
		return err
	}

	if err := c.pruneAbandoned(ctx, chain, stats); err != nil {
		return err
	}
	if stats.Pruned == 0 {
		return nil
	}

	// an abandoned head may have been blocking the collapse
	if err := c.collapseHead(ctx, chain, stats); err != nil {
		return err
	}
	c.refreshCache(chain)
	return nil
}

func (c *Compactor) refreshCache(chain *Chain) {
	if head := chain.Head(); head != nil && head.IsSucceeded() {
		c.cache.put(head)
	}
}

// collapseHead deletes the head while it and its successor are both
// SUCCEEDED, promoting the successor in the same batch.
func (c *Compactor) collapseHead(ctx context.Context, chain *Chain, stats *CompactionStats) error {
	for chain.Len() > 1 && chain.At(0).IsSucceeded() && chain.At(1).IsSucceeded() {
		head := chain.At(0)
		next := chain.At(1).Clone()
		next.First = true

		err := c.store.Batch(ctx, chain.SeriesID, []BatchOp{DeleteOp(head), ReplaceOp(next)})
		if err != nil {
			if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrRecordNotFound) {
				return fmt.Errorf("%w: series '%s', collapsing head '%s' (version %s) into '%s' (version %s)",
					ErrVersionConflict, chain.SeriesID, head.TransactionID, head.Version,
					next.TransactionID, chain.At(1).Version)
			}
			return err
		}

		chain.removeHead()
		chain.replace(next)
		stats.Collapsed++
	}
	return nil
}

// sweepTimeouts moves expired IN_PROGRESS records to TIMED_OUT. A conflict
// caused by the record leaving IN_PROGRESS concurrently is a resolved race.
func (c *Compactor) sweepTimeouts(ctx context.Context, chain *Chain, stats *CompactionStats) error {
	now := c.now()
	for _, rec := range chain.Records() {
		if !rec.IsExpired(now) {
			continue
		}

		updated := rec.Clone()
		if !updated.MarkTimedOut() {
			return fmt.Errorf("%w: record %s in state %s cannot time out",
				ErrInvariantViolation, rec.Keys(), rec.State)
		}

		err := c.store.Replace(ctx, updated)
		if err == nil {
			chain.replace(updated)
			stats.TimedOut++
			c.metrics.TxTimedOut()
			c.logger.Info("transaction timed out",
				zap.String("series", rec.SeriesID),
				zap.String("tx", rec.TransactionID),
				zap.String("processor", rec.ProcessorID),
				zap.Time("timeout", rec.Timeout))
			_ = c.events.Publish(ctx, event.NewEvent(event.EventTxTimedOut).
				WithSeries(rec.SeriesID).
				WithTxID(rec.TransactionID).
				WithProcessor(rec.ProcessorID))
			continue
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}

		fresh, getErr := c.store.Get(ctx, rec.SeriesID, rec.TransactionID)
		if getErr != nil {
			if errors.Is(getErr, ErrRecordNotFound) {
				return fmt.Errorf("%w: %s disappeared during timeout", ErrVersionConflict, rec.Keys())
			}
			return getErr
		}
		if fresh.IsInProgress() {
			// still in progress under a new version, e.g. a renewal
			return fmt.Errorf("%w: timing out %s: %v", ErrVersionConflict, rec.Keys(), err)
		}
		chain.replace(fresh)
	}
	return nil
}

// pruneAbandoned deletes FAILED records without an end position wherever
// they sit in the chain. The neighbour is rewritten in the same batch: a
// successor takes over the removed record's previous pointer and First flag,
// otherwise the predecessor becomes the tail.
func (c *Compactor) pruneAbandoned(ctx context.Context, chain *Chain, stats *CompactionStats) error {
	for i := 0; i < chain.Len(); {
		rec := chain.At(i)
		if !rec.IsAbandoned() {
			i++
			continue
		}

		var neighbour *Record
		switch {
		case i+1 < chain.Len():
			neighbour = chain.At(i + 1).Clone()
			neighbour.PreviousTransactionID = rec.PreviousTransactionID
			neighbour.First = rec.First
		case i > 0:
			neighbour = chain.At(i - 1).Clone()
			neighbour.Last = true
		}

		var err error
		if neighbour == nil {
			err = c.store.Delete(ctx, rec)
		} else {
			err = c.store.Batch(ctx, chain.SeriesID, []BatchOp{DeleteOp(rec), ReplaceOp(neighbour)})
		}
		if err != nil {
			if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrRecordNotFound) {
				return fmt.Errorf("%w: series '%s', pruning abandoned record %s",
					ErrVersionConflict, chain.SeriesID, rec.Keys())
			}
			return err
		}

		chain.removeAt(i)
		if neighbour != nil {
			chain.replace(neighbour)
		}
		stats.Pruned++
		c.logger.Debug("abandoned transaction pruned",
			zap.String("series", rec.SeriesID),
			zap.String("tx", rec.TransactionID))
		_ = c.events.Publish(ctx, event.NewEvent(event.EventTxPruned).
			WithSeries(rec.SeriesID).
			WithTxID(rec.TransactionID).
			WithProcessor(rec.ProcessorID))
	}
	return nil
}

// errorReason maps an error to a low-cardinality metrics label.
func errorReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrVersionConflict):
		return "conflict"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrCorruption):
		return "corruption"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant"
	case errors.Is(err, ErrDuplicateTransactionID):
		return "duplicate"
	case errors.Is(err, ErrNoSuchTransaction):
		return "no_such_transaction"
	case errors.Is(err, ErrNotOwning):
		return "not_owning"
	case errors.Is(err, ErrIllegalState):
		return "illegal_state"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "store"
	}
}
