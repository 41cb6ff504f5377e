package seqtx

import (
	"context"
)

// Store is the storage adapter consumed by the coordinator. One partition per
// series, one row per transaction. Implemented by store/memory, store/mysql,
// store/postgres and store/redis.
//
// Conditional operations compare the record's Version with the stored one and
// fail with ErrVersionConflict on mismatch. Successful writes stamp the new
// version into the passed record.
type Store interface {
	// EnsureContainer creates the table/collection if missing. Idempotent.
	EnsureContainer(ctx context.Context) error

	// QueryPartition returns every record of the series in no particular order.
	QueryPartition(ctx context.Context, seriesID string) ([]*Record, error)

	// Get returns a single record or ErrRecordNotFound.
	Get(ctx context.Context, seriesID, transactionID string) (*Record, error)

	// Replace overwrites the record if its version is unchanged.
	Replace(ctx context.Context, rec *Record) error

	// Delete removes the record if its version is unchanged.
	Delete(ctx context.Context, rec *Record) error

	// Batch applies all ops atomically. All ops must target seriesID.
	// Ops are checked in order; the first failing op determines the error.
	Batch(ctx context.Context, seriesID string, ops []BatchOp) error

	// DeletePartition removes all records of the series. Absence is not an error.
	DeletePartition(ctx context.Context, seriesID string) error

	// DeleteAll removes every record in the store.
	DeleteAll(ctx context.Context) error
}

// SeriesLister is implemented by stores that can enumerate their partitions.
type SeriesLister interface {
	ListSeries(ctx context.Context) ([]string, error)
}

// OpKind is the kind of a batch operation.
type OpKind int

const (
	// OpInsert creates a row that must not exist yet
	OpInsert OpKind = iota
	// OpReplace overwrites a row with a matching version
	OpReplace
	// OpDelete removes a row with a matching version
	OpDelete
)

// String returns the string representation of the op kind.
func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpReplace:
		return "replace"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// BatchOp is one operation of an atomic batch.
type BatchOp struct {
	Kind   OpKind
	Record *Record
}

// InsertOp builds an insert op.
func InsertOp(rec *Record) BatchOp { return BatchOp{Kind: OpInsert, Record: rec} }

// ReplaceOp builds a version-checked replace op.
func ReplaceOp(rec *Record) BatchOp { return BatchOp{Kind: OpReplace, Record: rec} }

// DeleteOp builds a version-checked delete op.
func DeleteOp(rec *Record) BatchOp { return BatchOp{Kind: OpDelete, Record: rec} }
