package seqtx

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"seqtx/circuit"
	"seqtx/event"
	"seqtx/metrics"
)

// BreakerService is the circuit breaker name used for store calls.
const BreakerService = "store"

// guardedStore runs every store call through the circuit breaker. Only
// infrastructure failures count against the circuit; conflicts, duplicates
// and misses are normal protocol outcomes.
type guardedStore struct {
	Store
	breaker circuit.Breaker
	metrics metrics.Metrics
	events  event.EventBus
	logger  *zap.Logger
}

func isInfrastructureFailure(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrStoreOperationFailed)
}

func (g *guardedStore) run(ctx context.Context, fn func() error) error {
	if g.breaker == nil {
		return fn()
	}
	cb := g.breaker.Get(BreakerService)
	before := cb.State()
	err := cb.Execute(ctx, fn, isInfrastructureFailure)
	if after := cb.State(); after != before {
		g.metrics.CircuitStateChanged(BreakerService, after)
		g.logger.Warn("store circuit changed state",
			zap.Stringer("from", before), zap.Stringer("to", after))
		switch after {
		case circuit.StateOpen:
			_ = g.events.Publish(ctx, event.NewEvent(event.EventCircuitOpened).WithError(err))
		case circuit.StateClosed:
			_ = g.events.Publish(ctx, event.NewEvent(event.EventCircuitClosed))
		}
	}
	return err
}

func (g *guardedStore) EnsureContainer(ctx context.Context) error {
	return g.run(ctx, func() error { return g.Store.EnsureContainer(ctx) })
}

func (g *guardedStore) QueryPartition(ctx context.Context, seriesID string) ([]*Record, error) {
	var out []*Record
	err := g.run(ctx, func() error {
		var err error
		out, err = g.Store.QueryPartition(ctx, seriesID)
		return err
	})
	return out, err
}

func (g *guardedStore) Get(ctx context.Context, seriesID, transactionID string) (*Record, error) {
	var out *Record
	err := g.run(ctx, func() error {
		var err error
		out, err = g.Store.Get(ctx, seriesID, transactionID)
		return err
	})
	return out, err
}

func (g *guardedStore) Replace(ctx context.Context, rec *Record) error {
	return g.run(ctx, func() error { return g.Store.Replace(ctx, rec) })
}

func (g *guardedStore) Delete(ctx context.Context, rec *Record) error {
	return g.run(ctx, func() error { return g.Store.Delete(ctx, rec) })
}

func (g *guardedStore) Batch(ctx context.Context, seriesID string, ops []BatchOp) error {
	return g.run(ctx, func() error { return g.Store.Batch(ctx, seriesID, ops) })
}

func (g *guardedStore) DeletePartition(ctx context.Context, seriesID string) error {
	return g.run(ctx, func() error { return g.Store.DeletePartition(ctx, seriesID) })
}

func (g *guardedStore) DeleteAll(ctx context.Context) error {
	return g.run(ctx, func() error { return g.Store.DeleteAll(ctx) })
}
