// Package memory provides an in-process seqtx.Store for tests and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"seqtx"
)

var (
	_ seqtx.Store        = (*MemoryStore)(nil)
	_ seqtx.SeriesLister = (*MemoryStore)(nil)
)

// MemoryStore keeps one map of records per series. The mutex only protects
// the maps; callers still rely on version checks for their read-then-write
// sequences.
type MemoryStore struct {
	mu      sync.Mutex
	series  map[string]map[string]*seqtx.Record
	version uint64
	ensured int
}

// New creates an empty store.
func New() *MemoryStore {
	return &MemoryStore{series: make(map[string]map[string]*seqtx.Record)}
}

// EnsureContainer only counts calls; the maps always exist.
func (s *MemoryStore) EnsureContainer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensured++
	return nil
}

// EnsureCalls returns how often EnsureContainer was called.
func (s *MemoryStore) EnsureCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensured
}

// QueryPartition returns copies of every record of the series.
func (s *MemoryStore) QueryPartition(ctx context.Context, seriesID string) ([]*seqtx.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.series[seriesID]
	out := make([]*seqtx.Record, 0, len(rows))
	for _, rec := range rows {
		out = append(out, rec.Clone())
	}
	return out, nil
}

// Get returns a copy of one record.
func (s *MemoryStore) Get(ctx context.Context, seriesID, transactionID string) (*seqtx.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.series[seriesID][transactionID]
	if !ok {
		return nil, fmt.Errorf("%w: series '%s', transaction '%s'", seqtx.ErrRecordNotFound, seriesID, transactionID)
	}
	return rec.Clone(), nil
}

// Replace overwrites the record if its version matches.
func (s *MemoryStore) Replace(ctx context.Context, rec *seqtx.Record) error {
	return s.Batch(ctx, rec.SeriesID, []seqtx.BatchOp{seqtx.ReplaceOp(rec)})
}

// Delete removes the record if its version matches.
func (s *MemoryStore) Delete(ctx context.Context, rec *seqtx.Record) error {
	return s.Batch(ctx, rec.SeriesID, []seqtx.BatchOp{seqtx.DeleteOp(rec)})
}

// Batch checks every op in order and applies all of them only if all pass.
func (s *MemoryStore) Batch(ctx context.Context, seriesID string, ops []seqtx.BatchOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.series[seriesID]
	for i, op := range ops {
		rec := op.Record
		if rec.SeriesID != seriesID {
			return fmt.Errorf("%w: op %d targets series '%s' inside a batch for '%s'",
				seqtx.ErrInvalidRequest, i, rec.SeriesID, seriesID)
		}
		current, exists := rows[rec.TransactionID]
		switch op.Kind {
		case seqtx.OpInsert:
			if exists {
				return fmt.Errorf("%w: %s", seqtx.ErrRecordExists, rec.Keys())
			}
		case seqtx.OpReplace, seqtx.OpDelete:
			if !exists {
				return fmt.Errorf("%w: %s", seqtx.ErrRecordNotFound, rec.Keys())
			}
			if current.Version != rec.Version {
				return fmt.Errorf("%w: %s %s, stored version %s",
					seqtx.ErrVersionConflict, op.Kind, rec.Keys(), current.Version)
			}
		default:
			return fmt.Errorf("%w: unknown op kind %d", seqtx.ErrInvalidRequest, op.Kind)
		}
	}

	if rows == nil {
		rows = make(map[string]*seqtx.Record)
		s.series[seriesID] = rows
	}
	for _, op := range ops {
		rec := op.Record
		switch op.Kind {
		case seqtx.OpInsert, seqtx.OpReplace:
			s.version++
			rec.Version = strconv.FormatUint(s.version, 10)
			rows[rec.TransactionID] = rec.Clone()
		case seqtx.OpDelete:
			delete(rows, rec.TransactionID)
		}
	}
	if len(rows) == 0 {
		delete(s.series, seriesID)
	}
	return nil
}

// DeletePartition removes every record of the series.
func (s *MemoryStore) DeletePartition(ctx context.Context, seriesID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.series, seriesID)
	return nil
}

// DeleteAll removes every record.
func (s *MemoryStore) DeleteAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series = make(map[string]map[string]*seqtx.Record)
	return nil
}

// ListSeries returns the IDs of all non-empty series, sorted.
func (s *MemoryStore) ListSeries(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.series))
	for id := range s.series {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Put stores a record unconditionally, bypassing every check. Tests use it to
// seed chains, including corrupted ones.
func (s *MemoryStore) Put(rec *seqtx.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.series[rec.SeriesID]
	if rows == nil {
		rows = make(map[string]*seqtx.Record)
		s.series[rec.SeriesID] = rows
	}
	s.version++
	rec.Version = strconv.FormatUint(s.version, 10)
	rows[rec.TransactionID] = rec.Clone()
}

// Len returns the number of records in the series.
func (s *MemoryStore) Len(seriesID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.series[seriesID])
}
