// Package admin provides administrative interfaces for the coordinator.
// It allows operators to inspect series, trigger compaction and monitor the
// store circuit and the sweeper.
package admin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"seqtx"
	"seqtx/circuit"
)

var errNotConfigured = errors.New("coordinator not configured")

// SeriesDetail is one series as seen by an operator.
type SeriesDetail struct {
	// SeriesID identifies the series.
	SeriesID string `json:"series_id"`
	// Records is the chain, oldest first.
	Records []seqtx.Record `json:"records"`
	// Compacted reports whether the chain was compacted before reading.
	Compacted bool `json:"compacted"`
}

// Stats summarizes every series in the store.
type Stats struct {
	// Series is the number of non-empty series.
	Series int `json:"series"`
	// Records is the number of records across all series.
	Records int `json:"records"`
	// States counts records per state.
	States map[seqtx.State]int `json:"states"`
	// CircuitBreakers holds the counters of every known breaker.
	CircuitBreakers map[string]circuit.BreakerCounts `json:"circuit_breakers,omitempty"`
}

// Admin provides administrative operations for the coordinator.
type Admin interface {
	// ListSeries lists the series in the store.
	ListSeries(ctx context.Context) ([]string, error)

	// GetSeries returns the chain of a series, compacting it first when
	// compact is set.
	GetSeries(ctx context.Context, seriesID string, compact bool) (*SeriesDetail, error)

	// CompactSeries compacts a series and returns what remains.
	CompactSeries(ctx context.Context, seriesID string) (*SeriesDetail, error)

	// ClearSeries deletes every record of a series.
	ClearSeries(ctx context.Context, seriesID string) error

	// IsSuccessful reports whether a transaction succeeded no later than
	// asOfBefore.
	IsSuccessful(ctx context.Context, seriesID, transactionID string, asOfBefore time.Time) (bool, error)

	// GetStats summarizes the store.
	GetStats(ctx context.Context) (*Stats, error)
}

// AdminImpl implements the Admin interface.
type AdminImpl struct {
	coordinator *seqtx.Coordinator
	breaker     circuit.Breaker
	logger      *zap.Logger
}

var _ Admin = (*AdminImpl)(nil)

// AdminOption is a function that configures the Admin.
type AdminOption func(*AdminImpl)

// WithAdminCoordinator sets the coordinator for the admin.
func WithAdminCoordinator(c *seqtx.Coordinator) AdminOption {
	return func(a *AdminImpl) {
		a.coordinator = c
	}
}

// WithAdminBreaker sets the circuit breaker for the admin.
func WithAdminBreaker(b circuit.Breaker) AdminOption {
	return func(a *AdminImpl) {
		a.breaker = b
	}
}

// WithAdminLogger sets the logger for the admin.
func WithAdminLogger(l *zap.Logger) AdminOption {
	return func(a *AdminImpl) {
		a.logger = l
	}
}

// NewAdmin creates a new Admin with the given options.
func NewAdmin(opts ...AdminOption) *AdminImpl {
	a := &AdminImpl{
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("admin")

	return a
}

// ListSeries lists the series in the store.
func (a *AdminImpl) ListSeries(ctx context.Context) ([]string, error) {
	if a.coordinator == nil {
		return nil, errNotConfigured
	}
	series, err := a.coordinator.ListSeries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list series: %w", err)
	}
	return series, nil
}

// GetSeries returns the chain of a series.
func (a *AdminImpl) GetSeries(ctx context.Context, seriesID string, compact bool) (*SeriesDetail, error) {
	if a.coordinator == nil {
		return nil, errNotConfigured
	}

	var (
		records []seqtx.Record
		err     error
	)
	if compact {
		records, err = a.coordinator.ListRecent(ctx, seriesID)
	} else {
		records, err = a.coordinator.List(ctx, seriesID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get series %s: %w", seriesID, err)
	}

	return &SeriesDetail{SeriesID: seriesID, Records: records, Compacted: compact}, nil
}

// CompactSeries compacts a series and returns what remains.
func (a *AdminImpl) CompactSeries(ctx context.Context, seriesID string) (*SeriesDetail, error) {
	if a.coordinator == nil {
		return nil, errNotConfigured
	}

	records, err := a.coordinator.Compact(ctx, seriesID)
	if err != nil {
		return nil, fmt.Errorf("failed to compact series %s: %w", seriesID, err)
	}
	a.logger.Info("series compacted by operator",
		zap.String("series", seriesID),
		zap.Int("remaining", len(records)))

	return &SeriesDetail{SeriesID: seriesID, Records: records, Compacted: true}, nil
}

// ClearSeries deletes every record of a series.
func (a *AdminImpl) ClearSeries(ctx context.Context, seriesID string) error {
	if a.coordinator == nil {
		return errNotConfigured
	}
	if err := a.coordinator.Clear(ctx, seriesID); err != nil {
		return fmt.Errorf("failed to clear series %s: %w", seriesID, err)
	}
	a.logger.Warn("series cleared by operator", zap.String("series", seriesID))
	return nil
}

// IsSuccessful reports whether a transaction succeeded no later than asOfBefore.
func (a *AdminImpl) IsSuccessful(ctx context.Context, seriesID, transactionID string, asOfBefore time.Time) (bool, error) {
	if a.coordinator == nil {
		return false, errNotConfigured
	}
	return a.coordinator.IsSuccessful(ctx, seriesID, transactionID, asOfBefore)
}

// GetStats summarizes every series without compacting any of them.
func (a *AdminImpl) GetStats(ctx context.Context) (*Stats, error) {
	if a.coordinator == nil {
		return nil, errNotConfigured
	}

	series, err := a.coordinator.ListSeries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list series: %w", err)
	}

	stats := &Stats{
		States: make(map[seqtx.State]int),
	}
	for _, id := range series {
		records, err := a.coordinator.List(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to read series %s: %w", id, err)
		}
		if len(records) == 0 {
			continue
		}
		stats.Series++
		stats.Records += len(records)
		for _, r := range records {
			stats.States[r.State]++
		}
	}

	if a.breaker != nil {
		stats.CircuitBreakers = make(map[string]circuit.BreakerCounts)
		for _, service := range breakerServices(a.breaker) {
			stats.CircuitBreakers[service] = a.breaker.Get(service).Counts()
		}
	}

	return stats, nil
}

// serviceLister is implemented by breakers that can enumerate their circuits.
type serviceLister interface {
	Services() []string
}

func breakerServices(b circuit.Breaker) []string {
	if l, ok := b.(serviceLister); ok {
		if services := l.Services(); len(services) > 0 {
			return services
		}
	}
	return []string{seqtx.BreakerService}
}
