package testinfra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"seqtx"
)

// retryConflicts repeats fn while it reports a version conflict.
func retryConflicts(fn func() error) error {
	var err error
	for i := 0; i < 100; i++ {
		if err = fn(); !errors.Is(err, seqtx.ErrVersionConflict) {
			return err
		}
	}
	return err
}

func TestConcurrent_ProcessorsAppendInOrder(t *testing.T) {
	const (
		workers  = 4
		attempts = 10
	)

	ForEachBackend(t, func(t *testing.T, backend Backend) {
		ti := NewTestInfrastructure(t, backend)
		ctx := context.Background()
		series := ti.GenerateSeriesID("race")

		var (
			started  int64
			lost     int64
			finished sync.Map
			wg       sync.WaitGroup
		)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				processor := fmt.Sprintf("p%d", w)
				for i := 0; i < attempts; i++ {
					var records []seqtx.Record
					if err := retryConflicts(func() error {
						var err error
						records, err = ti.Coordinator.ListRecent(ctx, series)
						return err
					}); err != nil {
						t.Errorf("%s: list: %v", processor, err)
						return
					}
					prev := ""
					if n := len(records); n > 0 {
						prev = records[n-1].TransactionID
					}

					id := fmt.Sprintf("%s-%d", processor, i)
					rec, err := ti.Coordinator.Start(ctx, series, prev,
						seqtx.StartRequest{TransactionID: id, ProcessorID: processor, StartPosition: prev}, 0, 0)
					switch {
					case errors.Is(err, seqtx.ErrVersionConflict), errors.Is(err, seqtx.ErrNoSuchTransaction):
						atomic.AddInt64(&lost, 1)
						continue
					case err != nil:
						t.Errorf("%s: start %s: %v", processor, id, err)
						return
					case rec == nil:
						t.Errorf("%s: start %s declined without limits", processor, id)
						return
					}
					atomic.AddInt64(&started, 1)

					if err := retryConflicts(func() error {
						return ti.Coordinator.Finish(ctx, series, processor, id, id)
					}); err != nil {
						t.Errorf("%s: finish %s: %v", processor, id, err)
						return
					}
					finished.Store(id, true)
				}
			}(w)
		}
		wg.Wait()

		assert.Equal(t, int64(workers*attempts), started+lost, "every attempt either appended or lost the race")
		require.Positive(t, started)

		records := recent(t, ti, series)
		require.Len(t, records, 1, "a fully finished series collapses to its tail: %s", Summary(records))
		assert.Equal(t, seqtx.StateSucceeded, records[0].State)
		_, ok := finished.Load(records[0].TransactionID)
		assert.True(t, ok, "tail %s was never finished by a worker", records[0].TransactionID)
		assert.Equal(t, records[0].TransactionID, records[0].EndPosition)
	})
}

func TestConcurrent_StartSameTransaction(t *testing.T) {
	ForEachBackend(t, func(t *testing.T, backend Backend) {
		ti := NewTestInfrastructure(t, backend)
		ctx := context.Background()
		series := ti.GenerateSeriesID("dup")

		var (
			wins int64
			wg   sync.WaitGroup
		)
		for w := 0; w < 6; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				rec, err := ti.Coordinator.Start(ctx, series, "",
					seqtx.StartRequest{TransactionID: "only", ProcessorID: fmt.Sprintf("p%d", w)}, 0, 0)
				if err == nil && rec != nil {
					atomic.AddInt64(&wins, 1)
					return
				}
				if !errors.Is(err, seqtx.ErrDuplicateTransactionID) && !errors.Is(err, seqtx.ErrVersionConflict) {
					t.Errorf("unexpected start error: %v", err)
				}
			}(w)
		}
		wg.Wait()

		assert.Equal(t, int64(1), wins)
		AssertStates(t, ti.Coordinator, series, "only:IN_PROGRESS")
	})
}

// modelEntry is what the workload expects of a transaction it started.
type modelEntry struct {
	owner string
	fixed bool
	state seqtx.State
}

func TestProperty_GeneratedWorkloadKeepsInvariants(t *testing.T) {
	ti := NewTestInfrastructure(t, Backend{Name: "miniredis", NewStore: newMiniredisStore})
	ctx := context.Background()
	processors := []string{"p1", "p2", "p3"}
	run := 0

	rapid.Check(t, func(rt *rapid.T) {
		run++
		series := ti.GenerateSeriesID(fmt.Sprintf("w%d", run))
		model := make(map[string]*modelEntry)
		next := 0

		list := func() []seqtx.Record {
			records, err := ti.Coordinator.List(ctx, series)
			if err != nil {
				rt.Fatalf("list: %v", err)
			}
			if err := CheckChain(records); err != nil {
				rt.Fatalf("chain: %v (%s)", err, Summary(records))
			}
			return records
		}
		open := func(records []seqtx.Record) []seqtx.Record {
			var out []seqtx.Record
			for _, r := range records {
				if r.State.IsOpen() {
					out = append(out, r)
				}
			}
			return out
		}

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			action := ActionGenerator().Draw(rt, fmt.Sprintf("action%d", i))
			records := list()

			switch action {
			case ActStart:
				// An abandoned tail is pruned on the way in, so the
				// predecessor comes from the compacted view.
				current, err := ti.Coordinator.ListRecent(ctx, series)
				if err != nil {
					rt.Fatalf("list recent: %v", err)
				}
				prev := ""
				if n := len(current); n > 0 {
					prev = current[n-1].TransactionID
				}
				next++
				id := fmt.Sprintf("t%d", next)
				owner := rapid.SampledFrom(processors).Draw(rt, "owner")
				fixed := rapid.Bool().Draw(rt, "fixed")
				req := seqtx.StartRequest{TransactionID: id, ProcessorID: owner, StartPosition: prev}
				if fixed {
					req.EndPosition = id
				}
				rec, err := ti.Coordinator.Start(ctx, series, prev, req, 0, 0)
				if err != nil || rec == nil {
					rt.Fatalf("start %s after %q: %v", id, prev, err)
				}
				if !rec.Last || rec.PreviousTransactionID != prev {
					rt.Fatalf("started record is not the tail: %+v", rec)
				}
				model[id] = &modelEntry{owner: owner, fixed: fixed, state: seqtx.StateInProgress}

			case ActFinish, ActAbort, ActRenew:
				candidates := open(records)
				if len(candidates) == 0 {
					continue
				}
				target := rapid.SampledFrom(candidates).Draw(rt, "target")
				entry := model[target.TransactionID]
				var err error
				switch action {
				case ActFinish:
					end := ""
					if !entry.fixed {
						end = target.TransactionID
					}
					err = ti.Coordinator.Finish(ctx, series, entry.owner, target.TransactionID, end)
					entry.state = seqtx.StateSucceeded
				case ActAbort:
					err = ti.Coordinator.Abort(ctx, series, entry.owner, target.TransactionID)
					entry.state = seqtx.StateFailed
				case ActRenew:
					if target.State != seqtx.StateInProgress {
						continue
					}
					err = ti.Coordinator.RenewTimeout(ctx, series, entry.owner, target.TransactionID,
						ti.Clock.Now().Add(10*time.Minute))
				}
				if err != nil {
					rt.Fatalf("%s %s: %v", action, target.TransactionID, err)
				}

			case ActAdvance:
				ti.Clock.Advance(time.Duration(rapid.IntRange(1, 20).Draw(rt, "minutes")) * time.Minute)

			case ActCompact:
				compacted, err := ti.Coordinator.Compact(ctx, series)
				if err != nil {
					rt.Fatalf("compact: %v", err)
				}
				if err := CheckCompacted(compacted, ti.Clock.Now()); err != nil {
					rt.Fatalf("compact: %v (%s)", err, Summary(compacted))
				}
			}

			present := make(map[string]bool)
			for _, r := range list() {
				present[r.TransactionID] = true
				entry, ok := model[r.TransactionID]
				if !ok {
					rt.Fatalf("unknown transaction %s in chain", r.TransactionID)
				}
				if entry.state != seqtx.StateInProgress && r.State != entry.state {
					rt.Fatalf("%s is %s, expected %s", r.TransactionID, r.State, entry.state)
				}
				if entry.state == seqtx.StateInProgress && !r.State.IsOpen() {
					rt.Fatalf("%s is %s without being finished or aborted", r.TransactionID, r.State)
				}
			}
			for id, entry := range model {
				if present[id] {
					continue
				}
				removable := entry.state == seqtx.StateSucceeded || (entry.state == seqtx.StateFailed && !entry.fixed)
				if !removable {
					rt.Fatalf("%s (%s) disappeared from the chain", id, entry.state)
				}
			}
		}
	})
}
