// Package metrics provides the metrics interface for the coordinator.
package metrics

import (
	"time"

	"seqtx/circuit"
)

// Metrics defines the interface for collecting observability metrics.
// Implementations can use Prometheus, StatsD, or other metrics backends.
type Metrics interface {
	// Transaction lifecycle metrics
	TxStarted()
	TxDeclined(reason string)
	TxFinished()
	TxAborted()
	TxRenewed()
	TxReclaimed()
	TxTimedOut()

	// Compaction metrics
	CompactionCompleted(duration time.Duration, collapsed, pruned int)
	CompactionFailed(reason string)

	// Store and cache metrics
	OperationFailed(operation, reason string)
	CacheLookup(hit bool)

	// Circuit breaker metrics
	CircuitStateChanged(service string, state circuit.State)

	// Sweep metrics
	SweepScanned(count int)
	SweepProcessed(success bool)
}

// NoopMetrics is a no-op implementation of Metrics for testing or when metrics are disabled.
type NoopMetrics struct{}

var _ Metrics = (*NoopMetrics)(nil)

func (n *NoopMetrics) TxStarted()                                              {}
func (n *NoopMetrics) TxDeclined(reason string)                                {}
func (n *NoopMetrics) TxFinished()                                             {}
func (n *NoopMetrics) TxAborted()                                              {}
func (n *NoopMetrics) TxRenewed()                                              {}
func (n *NoopMetrics) TxReclaimed()                                            {}
func (n *NoopMetrics) TxTimedOut()                                             {}
func (n *NoopMetrics) CompactionCompleted(d time.Duration, collapsed, p int)   {}
func (n *NoopMetrics) CompactionFailed(reason string)                          {}
func (n *NoopMetrics) OperationFailed(operation, reason string)                {}
func (n *NoopMetrics) CacheLookup(hit bool)                                    {}
func (n *NoopMetrics) CircuitStateChanged(service string, state circuit.State) {}
func (n *NoopMetrics) SweepScanned(count int)                                  {}
func (n *NoopMetrics) SweepProcessed(success bool)                             {}
