// Package sweep provides a background worker that compacts series on a
// schedule, so timed-out claims and abandoned attempts are cleaned up even when
// no client touches the series.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"seqtx"
	"seqtx/event"
	"seqtx/lock"
	"seqtx/metrics"
)

// Coordinator is the part of seqtx.Coordinator the sweeper drives.
type Coordinator interface {
	ListSeries(ctx context.Context) ([]string, error)
	Compact(ctx context.Context, seriesID string) ([]seqtx.Record, error)
}

var _ Coordinator = (*seqtx.Coordinator)(nil)

// Config holds the configuration for the sweep worker.
type Config struct {
	// Interval is the time between sweeps.
	Interval time.Duration
	// LockTTL is the TTL of the per-series sweep lock.
	LockTTL time.Duration
	// Series restricts the sweep to these series. Empty means every series
	// the store can enumerate.
	Series []string
}

// DefaultConfig returns the default configuration for the sweep worker.
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		LockTTL:  30 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("%w: sweep interval must be positive", seqtx.ErrInvalidConfig)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("%w: sweep lock TTL must be positive", seqtx.ErrInvalidConfig)
	}
	return nil
}

// Worker periodically compacts series.
type Worker struct {
	coordinator Coordinator
	locker      lock.Locker
	events      event.EventBus
	metrics     metrics.Metrics
	config      Config
	logger      *zap.Logger

	// State
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex

	// Counters
	scannedCount   int64
	processedCount int64
	failedCount    int64
	skippedCount   int64
	metricsMu      sync.RWMutex
}

// WorkerOption is a function that configures the Worker.
type WorkerOption func(*Worker)

// WithCoordinator sets the coordinator the worker compacts through.
func WithCoordinator(c Coordinator) WorkerOption {
	return func(w *Worker) {
		w.coordinator = c
	}
}

// WithLocker sets the locker used to keep sweepers apart. Without one every
// series is compacted unconditionally.
func WithLocker(l lock.Locker) WorkerOption {
	return func(w *Worker) {
		w.locker = l
	}
}

// WithEventBus sets the event bus for the worker.
func WithEventBus(e event.EventBus) WorkerOption {
	return func(w *Worker) {
		w.events = e
	}
}

// WithMetrics sets the metrics sink for the worker.
func WithMetrics(m metrics.Metrics) WorkerOption {
	return func(w *Worker) {
		w.metrics = m
	}
}

// WithConfig sets the configuration for the worker.
func WithConfig(cfg Config) WorkerOption {
	return func(w *Worker) {
		w.config = cfg
	}
}

// WithLogger sets the logger for the worker.
func WithLogger(l *zap.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = l
	}
}

// NewWorker creates a new sweep worker with the given options.
func NewWorker(opts ...WorkerOption) (*Worker, error) {
	w := &Worker{
		config:  DefaultConfig(),
		logger:  zap.NewNop(),
		metrics: &metrics.NoopMetrics{},
		stopCh:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.coordinator == nil {
		return nil, fmt.Errorf("%w: sweep worker requires a coordinator", seqtx.ErrInvalidConfig)
	}
	if err := w.config.Validate(); err != nil {
		return nil, err
	}
	w.logger = w.logger.Named("sweep")
	return w, nil
}

// Start runs the sweep loop in the background. The first sweep starts
// immediately.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("sweep worker already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(ctx)

	w.logger.Info("started",
		zap.Duration("interval", w.config.Interval),
		zap.Strings("series", w.config.Series))
	return nil
}

// Stop stops the worker and waits for an in-flight sweep to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("stopped")
}

// IsRunning returns true if the worker is running.
func (w *Worker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	w.ScanOnce(ctx)

	for {
		select {
		case <-ticker.C:
			w.ScanOnce(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ScanOnce runs one sweep over the configured series, or over every series
// the coordinator lists. Failures are counted and reported, never returned.
func (w *Worker) ScanOnce(ctx context.Context) {
	w.publishEvent(ctx, event.NewEvent(event.EventSweepStart))

	series := w.config.Series
	if len(series) == 0 {
		var err error
		series, err = w.coordinator.ListSeries(ctx)
		if err != nil {
			w.logger.Warn("failed to list series", zap.Error(err))
			w.publishEvent(ctx, event.NewEvent(event.EventAlertWarning).
				WithData("message", fmt.Sprintf("sweep could not list series: %v", err)).
				WithError(err))
			return
		}
	}

	w.incrementScanned(int64(len(series)))
	w.metrics.SweepScanned(len(series))

	for _, seriesID := range series {
		if ctx.Err() != nil {
			return
		}
		w.sweepSeries(ctx, seriesID)
	}
}

func (w *Worker) sweepSeries(ctx context.Context, seriesID string) {
	log := w.logger.With(zap.String("series", seriesID))

	if w.locker != nil {
		handle, err := w.locker.Acquire(ctx, []string{"sweep:" + seriesID}, w.config.LockTTL)
		if err != nil {
			// Another sweeper has it; compaction is idempotent so the skip is safe.
			w.incrementSkipped()
			log.Debug("skipping series", zap.Error(err))
			return
		}
		defer func() {
			if err := handle.Release(context.WithoutCancel(ctx)); err != nil {
				log.Debug("release sweep lock", zap.Error(err))
			}
		}()
	}

	records, err := w.coordinator.Compact(ctx, seriesID)
	if err != nil {
		w.incrementFailed()
		w.metrics.SweepProcessed(false)
		log.Warn("sweep failed", zap.Error(err))
		w.publishEvent(ctx, event.NewEvent(event.EventAlertWarning).
			WithSeries(seriesID).
			WithData("message", fmt.Sprintf("sweep failed: %v", err)).
			WithError(err))
		return
	}

	w.incrementProcessed()
	w.metrics.SweepProcessed(true)
	log.Debug("swept series", zap.Int("records", len(records)))
}

func (w *Worker) publishEvent(ctx context.Context, e event.Event) {
	if w.events != nil {
		_ = w.events.Publish(ctx, e)
	}
}

func (w *Worker) incrementScanned(count int64) {
	w.metricsMu.Lock()
	defer w.metricsMu.Unlock()
	w.scannedCount += count
}

func (w *Worker) incrementProcessed() {
	w.metricsMu.Lock()
	defer w.metricsMu.Unlock()
	w.processedCount++
}

func (w *Worker) incrementFailed() {
	w.metricsMu.Lock()
	defer w.metricsMu.Unlock()
	w.failedCount++
}

func (w *Worker) incrementSkipped() {
	w.metricsMu.Lock()
	defer w.metricsMu.Unlock()
	w.skippedCount++
}

// Stats is a snapshot of the worker counters.
type Stats struct {
	ScannedCount   int64
	ProcessedCount int64
	FailedCount    int64
	SkippedCount   int64
	IsRunning      bool
}

// Stats returns the current statistics of the worker.
func (w *Worker) Stats() Stats {
	w.metricsMu.RLock()
	defer w.metricsMu.RUnlock()
	return Stats{
		ScannedCount:   w.scannedCount,
		ProcessedCount: w.processedCount,
		FailedCount:    w.failedCount,
		SkippedCount:   w.skippedCount,
		IsRunning:      w.IsRunning(),
	}
}

// ResetStats resets the statistics counters.
func (w *Worker) ResetStats() {
	w.metricsMu.Lock()
	defer w.metricsMu.Unlock()
	w.scannedCount = 0
	w.processedCount = 0
	w.failedCount = 0
	w.skippedCount = 0
}
