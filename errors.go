package seqtx

import (
	"errors"
	"fmt"
)

// Caller errors
var (
	// ErrDuplicateTransactionID indicates a start proposed a transaction ID already present in the series
	ErrDuplicateTransactionID = errors.New("duplicate transaction id")

	// ErrNoSuchTransaction indicates the transaction does not exist in the series
	ErrNoSuchTransaction = errors.New("no such transaction")

	// ErrNotOwning indicates the caller is not the current owner of the transaction
	ErrNotOwning = errors.New("not owning transaction")

	// ErrIllegalState indicates the transaction is not in a state that permits the operation
	ErrIllegalState = errors.New("illegal transaction state")

	// ErrInvalidRequest indicates malformed arguments
	ErrInvalidRequest = errors.New("invalid request")
)

// Integrity errors. These are never retried.
var (
	// ErrCorruption indicates stored chain data violates a structural invariant
	ErrCorruption = errors.New("corrupted chain data")

	// ErrInvariantViolation indicates an internal logic error
	ErrInvariantViolation = errors.New("invariant violation")
)

// Store errors
var (
	// ErrVersionConflict indicates optimistic lock version conflict
	ErrVersionConflict = errors.New("version conflict")

	// ErrRecordNotFound indicates the addressed row does not exist
	ErrRecordNotFound = errors.New("record not found")

	// ErrRecordExists indicates an insert hit an existing row
	ErrRecordExists = errors.New("record already exists")

	// ErrUnavailable indicates the store could not be reached
	ErrUnavailable = errors.New("store unavailable")

	// ErrStoreOperationFailed indicates a store operation failed
	ErrStoreOperationFailed = errors.New("store operation failed")
)

// Circuit breaker errors
var (
	// ErrCircuitOpen indicates the circuit breaker is open
	ErrCircuitOpen = fmt.Errorf("%w: circuit breaker is open", ErrUnavailable)
)

// Config errors
var (
	// ErrInvalidConfig indicates the configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")
)

// IsRetryable reports whether err is an infrastructure failure the caller may
// retry after re-reading the chain.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrStoreOperationFailed)
}
