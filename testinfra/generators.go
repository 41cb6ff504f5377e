package testinfra

import (
	"time"

	"pgregory.net/rapid"

	"seqtx"
)

// Action is one step of a generated processor workload.
type Action int

const (
	ActStart Action = iota
	ActFinish
	ActAbort
	ActRenew
	ActAdvance
	ActCompact
)

func (a Action) String() string {
	switch a {
	case ActStart:
		return "start"
	case ActFinish:
		return "finish"
	case ActAbort:
		return "abort"
	case ActRenew:
		return "renew"
	case ActAdvance:
		return "advance"
	case ActCompact:
		return "compact"
	default:
		return "unknown"
	}
}

// ActionGenerator draws workload steps, weighted towards starting and finishing.
func ActionGenerator() *rapid.Generator[Action] {
	return rapid.SampledFrom([]Action{
		ActStart, ActStart, ActStart,
		ActFinish, ActFinish,
		ActAbort,
		ActRenew,
		ActAdvance,
		ActCompact,
	})
}

// RecordGenerator draws a standalone head-and-tail record of seriesID with
// every optional field either set or empty. Times have microsecond precision
// so every backend can store them exactly.
func RecordGenerator(seriesID string, base time.Time) *rapid.Generator[*seqtx.Record] {
	return rapid.Custom(func(t *rapid.T) *seqtx.Record {
		rec := &seqtx.Record{
			SeriesID:      seriesID,
			TransactionID: rapid.StringMatching(`^tx-[a-z0-9]{6}$`).Draw(t, "txID"),
			First:         true,
			Last:          true,
			State: rapid.SampledFrom([]seqtx.State{
				seqtx.StateInProgress, seqtx.StateSucceeded, seqtx.StateFailed, seqtx.StateTimedOut,
			}).Draw(t, "state"),
			PreviousTransactionID: rapid.SampledFrom([]string{"", "compacted-1"}).Draw(t, "prev"),
			StartPosition:         rapid.StringMatching(`^[0-9]{0,6}$`).Draw(t, "start"),
			EndPosition:           rapid.StringMatching(`^[0-9]{0,6}$`).Draw(t, "end"),
			ProcessorID:           rapid.StringMatching(`^(p-[a-z]{3})?$`).Draw(t, "processor"),
		}
		if rapid.Bool().Draw(t, "hasTimeout") {
			offset := rapid.Int64Range(0, int64(time.Hour/time.Microsecond)).Draw(t, "timeout")
			rec.Timeout = base.Add(time.Duration(offset) * time.Microsecond).UTC()
		}
		if rapid.Bool().Draw(t, "hasFinishedAt") {
			offset := rapid.Int64Range(0, int64(time.Hour/time.Microsecond)).Draw(t, "finishedAt")
			rec.FinishedAt = base.Add(time.Duration(offset) * time.Microsecond).UTC()
		}
		if rapid.Bool().Draw(t, "hasDetail") {
			rec.Detail = rapid.SliceOfN(rapid.Byte(), 1, 32).Draw(t, "detail")
		}
		return rec
	})
}
