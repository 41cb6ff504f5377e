// Package seqtx coordinates sequential transactions: per-series chains of
// work items that competing processors claim, finish or abort strictly in
// order. Chain state lives in a shared Store and every mutation is a
// version-checked write, so no lock is held between processors.
package seqtx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"seqtx/circuit"
	"seqtx/event"
	"seqtx/metrics"
	"seqtx/tracing"
)

// StartRequest describes the record a processor proposes to append.
type StartRequest struct {
	// TransactionID must be unique within the series.
	TransactionID string
	// ProcessorID becomes the owner of the new record.
	ProcessorID string
	// StartPosition and EndPosition delimit the covered span. An empty
	// EndPosition leaves the range open until Finish.
	StartPosition string
	EndPosition   string
	// Timeout is the claim deadline. Zero means now + Config.DefaultTimeout.
	Timeout time.Time
	// Detail is stored as-is.
	Detail []byte
}

// Coordinator is the entry point for processors.
type Coordinator struct {
	// Dependencies
	raw     Store
	store   *guardedStore
	breaker circuit.Breaker
	events  event.EventBus
	metrics metrics.Metrics
	tracer  tracing.Tracer
	logger  *zap.Logger
	now     func() time.Time

	// Configuration
	config Config

	cache     *successCache
	compactor *Compactor

	containerMu    sync.Mutex
	containerReady bool
}

// CoordinatorOption is a function that configures the Coordinator.
type CoordinatorOption func(*Coordinator)

// WithStore sets the store for the coordinator.
func WithStore(s Store) CoordinatorOption {
	return func(c *Coordinator) {
		c.raw = s
	}
}

// WithBreaker sets the circuit breaker guarding store calls.
func WithBreaker(b circuit.Breaker) CoordinatorOption {
	return func(c *Coordinator) {
		c.breaker = b
	}
}

// WithEventBus sets the event bus for the coordinator.
func WithEventBus(e event.EventBus) CoordinatorOption {
	return func(c *Coordinator) {
		c.events = e
	}
}

// WithMetrics sets the metrics sink for the coordinator.
func WithMetrics(m metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithTracer sets the tracer for the coordinator.
func WithTracer(t tracing.Tracer) CoordinatorOption {
	return func(c *Coordinator) {
		c.tracer = t
	}
}

// WithLogger sets the logger for the coordinator.
func WithLogger(l *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithCoordinatorConfig sets the configuration for the coordinator.
func WithCoordinatorConfig(cfg Config) CoordinatorOption {
	return func(c *Coordinator) {
		c.config = cfg
	}
}

// NewCoordinator creates a new Coordinator with the given options. A store
// is required; everything else falls back to a no-op implementation.
func NewCoordinator(opts ...CoordinatorOption) (*Coordinator, error) {
	c := &Coordinator{
		config: DefaultConfig(),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.raw == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidConfig)
	}
	if err := c.config.Validate(); err != nil {
		return nil, err
	}
	if c.events == nil {
		c.events = event.NewNoOpEventBus()
	}
	if c.metrics == nil {
		c.metrics = &metrics.NoopMetrics{}
	}
	if c.tracer == nil {
		c.tracer = &tracing.NoopTracer{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}

	c.store = &guardedStore{
		Store:   c.raw,
		breaker: c.breaker,
		metrics: c.metrics,
		events:  c.events,
		logger:  c.logger,
	}
	c.cache = newSuccessCache(c.config.CacheSize)
	c.compactor = &Compactor{
		store:   c.store,
		cache:   c.cache,
		now:     c.now,
		logger:  c.logger,
		metrics: c.metrics,
		events:  c.events,
		tracer:  c.tracer,
	}

	return c, nil
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.config
}

// Start appends a new IN_PROGRESS record after previousTransactionID, which
// must name the current tail ("" for an empty series). The chain is compacted
// first. Returns nil, nil when a ceiling declines the start: the start is
// declined once the series already holds maxInProgress IN_PROGRESS records,
// or maxRetrying TIMED_OUT records (count >= ceiling, so a ceiling of 1
// admits a start only while no such record exists). A ceiling of zero or
// less is unlimited.
func (c *Coordinator) Start(ctx context.Context, seriesID, previousTransactionID string, proposed StartRequest, maxInProgress, maxRetrying int) (rec *Record, err error) {
	ctx, span := c.tracer.StartOperation(ctx, "start", seriesID)
	span.SetAttributes(attribute.String(tracing.AttrTransactionID, proposed.TransactionID))
	defer func() { c.endOperation(span, "start", seriesID, proposed.TransactionID, err) }()

	if seriesID == "" || proposed.TransactionID == "" || proposed.ProcessorID == "" {
		return nil, fmt.Errorf("%w: series, transaction and processor IDs are required", ErrInvalidRequest)
	}
	chain, err := c.loadCompacted(ctx, seriesID)
	if err != nil {
		return nil, err
	}

	if _, exists := chain.Find(proposed.TransactionID); exists {
		return nil, fmt.Errorf("%w: series '%s' already holds transaction '%s'",
			ErrDuplicateTransactionID, seriesID, proposed.TransactionID)
	}

	tail := chain.Tail()
	switch {
	case tail == nil && previousTransactionID != "":
		return nil, fmt.Errorf("%w: series '%s' is empty, previous transaction '%s' not found",
			ErrNoSuchTransaction, seriesID, previousTransactionID)
	case tail != nil && previousTransactionID != tail.TransactionID:
		if _, ok := chain.Find(previousTransactionID); !ok {
			return nil, fmt.Errorf("%w: series '%s' has no transaction '%s'",
				ErrNoSuchTransaction, seriesID, previousTransactionID)
		}
		return nil, fmt.Errorf("%w: series '%s', '%s' is no longer the last transaction, '%s' is",
			ErrVersionConflict, seriesID, previousTransactionID, tail.TransactionID)
	}

	inProgress, timedOut := chain.CountStates()
	if reason := declineReason(inProgress, timedOut, maxInProgress, maxRetrying); reason != "" {
		span.SetAttributes(attribute.String("start.declined", reason))
		c.metrics.TxDeclined(reason)
		c.logger.Debug("start declined",
			zap.String("series", seriesID),
			zap.String("tx", proposed.TransactionID),
			zap.String("reason", reason),
			zap.Int("in_progress", inProgress),
			zap.Int("timed_out", timedOut))
		_ = c.events.Publish(ctx, event.NewEvent(event.EventTxDeclined).
			WithSeries(seriesID).
			WithTxID(proposed.TransactionID).
			WithProcessor(proposed.ProcessorID).
			WithData("reason", reason))
		return nil, nil
	}

	rec = &Record{
		SeriesID:              seriesID,
		TransactionID:         proposed.TransactionID,
		PreviousTransactionID: previousTransactionID,
		First:                 tail == nil,
		Last:                  true,
		State:                 StateInProgress,
		StartPosition:         proposed.StartPosition,
		EndPosition:           proposed.EndPosition,
		ProcessorID:           proposed.ProcessorID,
		Timeout:               proposed.Timeout,
		Detail:                append([]byte(nil), proposed.Detail...),
	}
	if rec.Timeout.IsZero() {
		rec.Timeout = c.now().Add(c.config.DefaultTimeout)
	}

	// Insert goes first so a concurrent start with the same ID reports the
	// duplicate rather than the tail conflict.
	ops := []BatchOp{InsertOp(rec)}
	if tail != nil {
		oldTail := tail.Clone()
		oldTail.Last = false
		ops = append(ops, ReplaceOp(oldTail))
	}
	if err := c.store.Batch(ctx, seriesID, ops); err != nil {
		switch {
		case errors.Is(err, ErrRecordExists):
			return nil, fmt.Errorf("%w: series '%s', transaction '%s': %v",
				ErrDuplicateTransactionID, seriesID, proposed.TransactionID, err)
		case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrRecordNotFound):
			return nil, fmt.Errorf("%w: series '%s', appending '%s' after %s: %v",
				ErrVersionConflict, seriesID, proposed.TransactionID, describe(tail), err)
		}
		return nil, err
	}

	c.metrics.TxStarted()
	c.logger.Info("transaction started",
		zap.String("series", seriesID),
		zap.String("tx", rec.TransactionID),
		zap.String("previous", previousTransactionID),
		zap.String("processor", rec.ProcessorID),
		zap.Time("timeout", rec.Timeout))
	_ = c.events.Publish(ctx, event.NewEvent(event.EventTxStarted).
		WithSeries(seriesID).
		WithTxID(rec.TransactionID).
		WithProcessor(rec.ProcessorID))

	return rec.Clone(), nil
}

func declineReason(inProgress, timedOut, maxInProgress, maxRetrying int) string {
	if maxInProgress > 0 && inProgress >= maxInProgress {
		return "in_progress_limit"
	}
	if maxRetrying > 0 && timedOut >= maxRetrying {
		return "retrying_limit"
	}
	return ""
}

// Finish marks an owned IN_PROGRESS or TIMED_OUT record SUCCEEDED. An empty
// endPosition keeps the position proposed at start, which must then exist.
// Finishing again with the same outcome is a no-op.
func (c *Coordinator) Finish(ctx context.Context, seriesID, processorID, transactionID, endPosition string) (err error) {
	ctx, span := c.tracer.StartOperation(ctx, "finish", seriesID)
	span.SetAttributes(attribute.String(tracing.AttrTransactionID, transactionID))
	defer func() { c.endOperation(span, "finish", seriesID, transactionID, err) }()

	applied := func(r *Record) bool {
		return r.IsSucceeded() && (endPosition == "" || endPosition == r.EndPosition)
	}

	rec, err := c.loadOwned(ctx, seriesID, processorID, transactionID)
	if err != nil {
		return err
	}
	if applied(rec) {
		return nil
	}
	if !rec.State.IsOpen() {
		return fmt.Errorf("%w: cannot finish %s in state %s", ErrIllegalState, rec.Keys(), rec.State)
	}
	if endPosition == "" && rec.HasOpenRange() {
		return fmt.Errorf("%w: finishing %s requires an end position", ErrInvalidRequest, rec.Keys())
	}

	now := c.now()
	updated := rec.Clone()
	updated.MarkSucceeded(endPosition, now)
	if err := c.writeOwned(ctx, updated, rec, processorID, applied); err != nil {
		return err
	}

	c.cache.put(updated)
	c.metrics.TxFinished()
	c.logger.Info("transaction finished",
		zap.String("series", seriesID),
		zap.String("tx", transactionID),
		zap.String("processor", processorID),
		zap.String("end", updated.EndPosition))
	_ = c.events.Publish(ctx, event.NewEvent(event.EventTxFinished).
		WithSeries(seriesID).
		WithTxID(transactionID).
		WithProcessor(processorID).
		WithData("end_position", updated.EndPosition))
	return nil
}

// Abort marks an owned IN_PROGRESS or TIMED_OUT record FAILED. A record
// without an end position becomes an abandoned attempt that the next
// compaction prunes, wherever it sits in the chain. Aborting again is a no-op.
func (c *Coordinator) Abort(ctx context.Context, seriesID, processorID, transactionID string) (err error) {
	ctx, span := c.tracer.StartOperation(ctx, "abort", seriesID)
	span.SetAttributes(attribute.String(tracing.AttrTransactionID, transactionID))
	defer func() { c.endOperation(span, "abort", seriesID, transactionID, err) }()

	applied := func(r *Record) bool { return r.IsFailed() }

	rec, err := c.loadOwned(ctx, seriesID, processorID, transactionID)
	if err != nil {
		return err
	}
	if applied(rec) {
		return nil
	}
	if !rec.State.IsOpen() {
		return fmt.Errorf("%w: cannot abort %s in state %s", ErrIllegalState, rec.Keys(), rec.State)
	}

	updated := rec.Clone()
	updated.MarkFailed(c.now())
	if err := c.writeOwned(ctx, updated, rec, processorID, applied); err != nil {
		return err
	}

	c.metrics.TxAborted()
	c.logger.Info("transaction aborted",
		zap.String("series", seriesID),
		zap.String("tx", transactionID),
		zap.String("processor", processorID),
		zap.Bool("abandoned", updated.IsAbandoned()))
	_ = c.events.Publish(ctx, event.NewEvent(event.EventTxAborted).
		WithSeries(seriesID).
		WithTxID(transactionID).
		WithProcessor(processorID).
		WithData("abandoned", updated.IsAbandoned()))
	return nil
}

// RenewTimeout moves the deadline of an owned IN_PROGRESS record.
func (c *Coordinator) RenewTimeout(ctx context.Context, seriesID, processorID, transactionID string, newTimeout time.Time) (err error) {
	ctx, span := c.tracer.StartOperation(ctx, "renew_timeout", seriesID)
	span.SetAttributes(attribute.String(tracing.AttrTransactionID, transactionID))
	defer func() { c.endOperation(span, "renew_timeout", seriesID, transactionID, err) }()

	if newTimeout.IsZero() {
		return fmt.Errorf("%w: a new timeout is required", ErrInvalidRequest)
	}
	rec, err := c.loadOwned(ctx, seriesID, processorID, transactionID)
	if err != nil {
		return err
	}
	if !rec.IsInProgress() {
		return fmt.Errorf("%w: cannot renew %s in state %s", ErrIllegalState, rec.Keys(), rec.State)
	}

	updated := rec.Clone()
	updated.Timeout = newTimeout
	applied := func(r *Record) bool { return r.IsInProgress() && r.Timeout.Equal(newTimeout) }
	if err := c.writeOwned(ctx, updated, rec, processorID, applied); err != nil {
		return err
	}

	c.metrics.TxRenewed()
	c.logger.Debug("transaction timeout renewed",
		zap.String("series", seriesID),
		zap.String("tx", transactionID),
		zap.Time("timeout", newTimeout))
	_ = c.events.Publish(ctx, event.NewEvent(event.EventTxRenewed).
		WithSeries(seriesID).
		WithTxID(transactionID).
		WithProcessor(processorID))
	return nil
}

// Reclaim hands a TIMED_OUT record to processorID, which may differ from the
// original owner, and moves it back to IN_PROGRESS. The chain is compacted
// first so expired claims are visible. A zero newTimeout means
// now + Config.DefaultTimeout.
func (c *Coordinator) Reclaim(ctx context.Context, seriesID, processorID, transactionID string, newTimeout time.Time) (err error) {
	ctx, span := c.tracer.StartOperation(ctx, "reclaim", seriesID)
	span.SetAttributes(
		attribute.String(tracing.AttrTransactionID, transactionID),
		attribute.String(tracing.AttrProcessorID, processorID),
	)
	defer func() { c.endOperation(span, "reclaim", seriesID, transactionID, err) }()

	if processorID == "" {
		return fmt.Errorf("%w: processor ID is required", ErrInvalidRequest)
	}
	chain, err := c.loadCompacted(ctx, seriesID)
	if err != nil {
		return err
	}
	rec, ok := chain.Find(transactionID)
	if !ok {
		return fmt.Errorf("%w: series '%s', transaction '%s'", ErrNoSuchTransaction, seriesID, transactionID)
	}
	if rec.IsInProgress() && rec.OwnedBy(processorID) {
		return nil
	}
	if !rec.IsTimedOut() {
		return fmt.Errorf("%w: cannot reclaim %s in state %s", ErrIllegalState, rec.Keys(), rec.State)
	}

	if newTimeout.IsZero() {
		newTimeout = c.now().Add(c.config.DefaultTimeout)
	}
	previousOwner := rec.ProcessorID
	updated := rec.Clone()
	updated.Reclaim(processorID, newTimeout)
	if err := c.store.Replace(ctx, updated); err != nil {
		if errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrRecordNotFound) {
			return fmt.Errorf("%w: reclaiming %s: %v", ErrVersionConflict, rec.Keys(), err)
		}
		return err
	}

	c.metrics.TxReclaimed()
	c.logger.Info("transaction reclaimed",
		zap.String("series", seriesID),
		zap.String("tx", transactionID),
		zap.String("from", previousOwner),
		zap.String("to", processorID))
	_ = c.events.Publish(ctx, event.NewEvent(event.EventTxReclaimed).
		WithSeries(seriesID).
		WithTxID(transactionID).
		WithProcessor(processorID).
		WithData("previous_processor", previousOwner))
	return nil
}

// IsSuccessful reports whether the transaction SUCCEEDED no later than
// asOfBefore. A zero asOfBefore is unbounded.
//
// Only records still in the chain are consulted. A transaction removed by
// head collapse reports false even though it succeeded, so callers that
// need the answer for old transactions must ask before a later success
// collapses them.
func (c *Coordinator) IsSuccessful(ctx context.Context, seriesID, transactionID string, asOfBefore time.Time) (ok bool, err error) {
	if c.cache.lookup(seriesID, transactionID, asOfBefore) {
		c.metrics.CacheLookup(true)
		return true, nil
	}
	c.metrics.CacheLookup(false)

	ctx, span := c.tracer.StartOperation(ctx, "is_successful", seriesID)
	span.SetAttributes(attribute.String(tracing.AttrTransactionID, transactionID))
	defer func() { c.endOperation(span, "is_successful", seriesID, transactionID, err) }()

	chain, err := c.loadCompacted(ctx, seriesID)
	if err != nil {
		return false, err
	}
	rec, found := chain.Find(transactionID)
	if !found {
		return false, nil
	}
	return succeededBy(rec, transactionID, asOfBefore), nil
}

// ListRecent compacts the series and returns the remaining records, oldest first.
func (c *Coordinator) ListRecent(ctx context.Context, seriesID string) (records []Record, err error) {
	return c.compactAndSnapshot(ctx, "list_recent", seriesID)
}

// Compact normalizes the series and returns the remaining records, oldest first.
func (c *Coordinator) Compact(ctx context.Context, seriesID string) (records []Record, err error) {
	return c.compactAndSnapshot(ctx, "compact", seriesID)
}

func (c *Coordinator) compactAndSnapshot(ctx context.Context, operation, seriesID string) (records []Record, err error) {
	ctx, span := c.tracer.StartOperation(ctx, operation, seriesID)
	defer func() { c.endOperation(span, operation, seriesID, "", err) }()

	chain, err := c.loadCompacted(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	return chain.Snapshot(), nil
}

// List reconstructs the series without compacting it.
func (c *Coordinator) List(ctx context.Context, seriesID string) (records []Record, err error) {
	ctx, span := c.tracer.StartOperation(ctx, "list", seriesID)
	defer func() { c.endOperation(span, "list", seriesID, "", err) }()

	chain, err := c.loadChain(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	return chain.Snapshot(), nil
}

// Clear deletes every record of the series.
func (c *Coordinator) Clear(ctx context.Context, seriesID string) (err error) {
	ctx, span := c.tracer.StartOperation(ctx, "clear", seriesID)
	defer func() { c.endOperation(span, "clear", seriesID, "", err) }()

	if err := c.ensureContainer(ctx); err != nil {
		return err
	}
	if err := c.store.DeletePartition(ctx, seriesID); err != nil {
		return err
	}
	c.cache.invalidate(seriesID)

	c.logger.Info("series cleared", zap.String("series", seriesID))
	_ = c.events.Publish(ctx, event.NewEvent(event.EventChainCleared).WithSeries(seriesID))
	return nil
}

// ClearAll deletes every record in the store.
func (c *Coordinator) ClearAll(ctx context.Context) (err error) {
	ctx, span := c.tracer.StartOperation(ctx, "clear_all", "")
	defer func() { c.endOperation(span, "clear_all", "", "", err) }()

	if err := c.ensureContainer(ctx); err != nil {
		return err
	}
	if err := c.store.DeleteAll(ctx); err != nil {
		return err
	}
	c.cache.purge()

	c.logger.Info("all series cleared")
	_ = c.events.Publish(ctx, event.NewEvent(event.EventChainCleared))
	return nil
}

// ListSeries enumerates series when the store supports it.
func (c *Coordinator) ListSeries(ctx context.Context) ([]string, error) {
	lister, ok := c.raw.(SeriesLister)
	if !ok {
		return nil, fmt.Errorf("%w: store cannot enumerate series", ErrInvalidRequest)
	}
	if err := c.ensureContainer(ctx); err != nil {
		return nil, err
	}
	var series []string
	err := c.store.run(ctx, func() error {
		var err error
		series, err = lister.ListSeries(ctx)
		return err
	})
	return series, err
}

// ensureContainer creates the store container once per coordinator.
func (c *Coordinator) ensureContainer(ctx context.Context) error {
	c.containerMu.Lock()
	defer c.containerMu.Unlock()

	if c.containerReady {
		return nil
	}
	if err := c.store.EnsureContainer(ctx); err != nil {
		return err
	}
	c.containerReady = true
	return nil
}

// loadChain reads and validates the whole series.
func (c *Coordinator) loadChain(ctx context.Context, seriesID string) (*Chain, error) {
	if err := c.ensureContainer(ctx); err != nil {
		return nil, err
	}
	records, err := c.store.QueryPartition(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	chain, err := BuildChain(seriesID, records)
	if err != nil {
		c.logger.Error("corrupted chain",
			zap.String("series", seriesID), zap.Int("records", len(records)), zap.Error(err))
		_ = c.events.Publish(ctx, event.NewEvent(event.EventAlertCritical).
			WithSeries(seriesID).
			WithError(err))
		return nil, err
	}
	return chain, nil
}

func (c *Coordinator) loadCompacted(ctx context.Context, seriesID string) (*Chain, error) {
	chain, err := c.loadChain(ctx, seriesID)
	if err != nil {
		return nil, err
	}
	if _, err := c.compactor.Compact(ctx, chain); err != nil {
		return nil, err
	}
	return chain, nil
}

// loadOwned reads a single record and checks ownership before anything else.
func (c *Coordinator) loadOwned(ctx context.Context, seriesID, processorID, transactionID string) (*Record, error) {
	if err := c.ensureContainer(ctx); err != nil {
		return nil, err
	}
	rec, err := c.store.Get(ctx, seriesID, transactionID)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: series '%s', transaction '%s'", ErrNoSuchTransaction, seriesID, transactionID)
		}
		return nil, err
	}
	if !rec.OwnedBy(processorID) {
		return nil, fmt.Errorf("%w: %s is owned by '%s', not '%s'",
			ErrNotOwning, rec.Keys(), rec.ProcessorID, processorID)
	}
	return rec, nil
}

// writeOwned conditionally replaces rec with updated. On a conflict the row
// is re-read: if it already shows the intended outcome the write counts as
// applied, otherwise the conflict is returned.
func (c *Coordinator) writeOwned(ctx context.Context, updated, rec *Record, processorID string, applied func(*Record) bool) error {
	err := c.store.Replace(ctx, updated)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrVersionConflict) {
		return err
	}

	fresh, getErr := c.store.Get(ctx, rec.SeriesID, rec.TransactionID)
	if getErr == nil && fresh.OwnedBy(processorID) && applied(fresh) {
		*updated = *fresh
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrVersionConflict, rec.Keys(), err)
}

// endOperation closes the span and records failures.
func (c *Coordinator) endOperation(span tracing.Span, operation, seriesID, transactionID string, err error) {
	defer span.End()
	if err == nil {
		return
	}
	span.SetError(err)
	reason := errorReason(err)
	c.metrics.OperationFailed(operation, reason)

	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("series", seriesID),
		zap.String("tx", transactionID),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, ErrCorruption), errors.Is(err, ErrInvariantViolation):
		c.logger.Error("operation failed", fields...)
	case IsRetryable(err):
		c.logger.Warn("operation failed", fields...)
	default:
		c.logger.Debug("operation rejected", fields...)
	}
}

func describe(rec *Record) string {
	if rec == nil {
		return "empty series"
	}
	return rec.Keys()
}
