package seqtx_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"

	"seqtx"
	"seqtx/store/memory"
)

// racingStore runs a hook right before selected writes reach the store,
// simulating a competing processor that wins the race.
type racingStore struct {
	*memory.MemoryStore
	beforeReplace func(rec *seqtx.Record)
	beforeBatch   func(ops []seqtx.BatchOp)
}

func (s *racingStore) Replace(ctx context.Context, rec *seqtx.Record) error {
	if hook := s.beforeReplace; hook != nil {
		s.beforeReplace = nil
		hook(rec)
	}
	return s.MemoryStore.Replace(ctx, rec)
}

func (s *racingStore) Batch(ctx context.Context, seriesID string, ops []seqtx.BatchOp) error {
	if hook := s.beforeBatch; hook != nil {
		s.beforeBatch = nil
		hook(ops)
	}
	return s.MemoryStore.Batch(ctx, seriesID, ops)
}

// seed writes a well-formed chain of the given states, oldest first.
func seed(store *memory.MemoryStore, series string, timeout time.Time, states ...seqtx.State) {
	for i, st := range states {
		rec := &seqtx.Record{
			SeriesID:      series,
			TransactionID: fmt.Sprintf("t%d", i),
			First:         i == 0,
			Last:          i == len(states)-1,
			State:         st,
			ProcessorID:   "p1",
			Timeout:       timeout,
		}
		if i > 0 {
			rec.PreviousTransactionID = fmt.Sprintf("t%d", i-1)
		}
		if st == seqtx.StateSucceeded {
			rec.EndPosition = fmt.Sprintf("e%d", i)
		}
		store.Put(rec)
	}
}

func TestCompact_CollapsesSucceededHeads(t *testing.T) {
	h := newHarness(t)
	seed(h.store, "s", h.clock.Now().Add(time.Hour),
		seqtx.StateSucceeded, seqtx.StateSucceeded, seqtx.StateSucceeded, seqtx.StateInProgress)
	before, _ := h.store.Get(h.ctx, "s", "t2")

	recs, err := h.coord.Compact(h.ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if got := summary(recs); got != "t2:SUCCEEDED,t3:IN_PROGRESS" {
		t.Fatalf("expected t2, t3 to remain, got %s", got)
	}
	if !recs[0].First || recs[0].PreviousTransactionID != "t1" {
		t.Errorf("t2 should be head and keep its pointer, got %+v", recs[0])
	}
	if recs[0].Version == before.Version {
		t.Error("promoted head must carry a new version")
	}
	if h.store.Len("s") != 2 {
		t.Errorf("expected 2 stored records, got %d", h.store.Len("s"))
	}
	if ok, _ := h.coord.IsSuccessful(h.ctx, "s", "t2", time.Time{}); !ok {
		t.Error("head should be cached as successful")
	}
}

func TestCompact_FixedRangeFailureBlocksCollapse(t *testing.T) {
	h := newHarness(t)
	seed(h.store, "s", h.clock.Now().Add(time.Hour),
		seqtx.StateSucceeded, seqtx.StateFailed, seqtx.StateSucceeded)
	rec, _ := h.store.Get(h.ctx, "s", "t1")
	rec.EndPosition = "e1"
	h.store.Put(rec)

	recs, err := h.coord.Compact(h.ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if got := summary(recs); got != "t0:SUCCEEDED,t1:FAILED,t2:SUCCEEDED" {
		t.Errorf("a retained failure blocks the collapse, got %s", got)
	}
}

func TestCompact_TimesOutOnce(t *testing.T) {
	h := newHarness(t)
	seed(h.store, "s", h.clock.Now().Add(time.Minute),
		seqtx.StateSucceeded, seqtx.StateInProgress, seqtx.StateInProgress)
	h.clock.Advance(2 * time.Minute)

	recs, err := h.coord.Compact(h.ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if got := summary(recs); got != "t0:SUCCEEDED,t1:TIMED_OUT,t2:TIMED_OUT" {
		t.Fatalf("unexpected chain %s", got)
	}

	again, err := h.coord.Compact(h.ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	for i := range recs {
		if recs[i].Version != again[i].Version {
			t.Errorf("second compaction rewrote %s", recs[i].TransactionID)
		}
	}
}

func TestCompact_DeadlineIsExclusive(t *testing.T) {
	h := newHarness(t)
	seed(h.store, "s", h.clock.Now(), seqtx.StateInProgress)

	recs, _ := h.coord.Compact(h.ctx, "s")
	if summary(recs) != "t0:IN_PROGRESS" {
		t.Errorf("a record at its deadline is not expired yet, got %s", summary(recs))
	}
}

func TestCompact_PrunesAbandonedTail(t *testing.T) {
	h := newHarness(t)
	seed(h.store, "s", h.clock.Now().Add(time.Hour),
		seqtx.StateSucceeded, seqtx.StateFailed, seqtx.StateFailed)

	recs, err := h.coord.Compact(h.ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if summary(recs) != "t0:SUCCEEDED" || !recs[0].Last || !recs[0].First {
		t.Fatalf("expected both failed records pruned, got %s", summary(recs))
	}
}

func TestCompact_PrunesAbandonedInteriorRecord(t *testing.T) {
	h := newHarness(t)
	seed(h.store, "s", h.clock.Now().Add(time.Hour),
		seqtx.StateSucceeded, seqtx.StateFailed, seqtx.StateSucceeded, seqtx.StateInProgress)

	recs, err := h.coord.Compact(h.ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if got := summary(recs); got != "t2:SUCCEEDED,t3:IN_PROGRESS" {
		t.Fatalf("expected t1 pruned and t0 collapsed into t2, got %s", got)
	}
	if !recs[0].First || recs[0].PreviousTransactionID != "t0" {
		t.Errorf("t2 should be head and point past the pruned record, got %+v", recs[0])
	}
	if h.store.Len("s") != 2 {
		t.Errorf("expected 2 stored records, got %d", h.store.Len("s"))
	}
}

func TestCompact_PrunesAbandonedHead(t *testing.T) {
	h := newHarness(t)
	seed(h.store, "s", h.clock.Now().Add(time.Hour),
		seqtx.StateFailed, seqtx.StateSucceeded, seqtx.StateSucceeded)

	recs, err := h.coord.Compact(h.ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if got := summary(recs); got != "t2:SUCCEEDED" {
		t.Fatalf("expected the chain to collapse once the head is pruned, got %s", got)
	}
	if !recs[0].First || !recs[0].Last {
		t.Errorf("t2 should be head and tail, got %+v", recs[0])
	}
	if ok, _ := h.coord.IsSuccessful(h.ctx, "s", "t2", time.Time{}); !ok {
		t.Error("new head should be successful")
	}
}

func TestCompact_PruneConflictWithSuccessor(t *testing.T) {
	store := &racingStore{MemoryStore: memory.New()}
	clock := newTestClock()
	coord, _ := seqtx.NewCoordinator(seqtx.WithStore(store), seqtx.WithClock(clock.Now))
	ctx := context.Background()
	seed(store.MemoryStore, "s", clock.Now().Add(time.Hour), seqtx.StateFailed, seqtx.StateInProgress)

	store.beforeBatch = func([]seqtx.BatchOp) {
		rec, _ := store.MemoryStore.Get(ctx, "s", "t1")
		rec.MarkSucceeded("e1", clock.Now())
		if err := store.MemoryStore.Replace(ctx, rec); err != nil {
			t.Fatalf("racing finish: %v", err)
		}
	}

	if _, err := coord.Compact(ctx, "s"); !errors.Is(err, seqtx.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	recs, err := coord.Compact(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if got := summary(recs); got != "t1:SUCCEEDED" {
		t.Errorf("retry should prune the abandoned head, got %s", got)
	}
}

func TestCompact_PrunesSoleAbandonedRecord(t *testing.T) {
	h := newHarness(t)
	seed(h.store, "s", time.Time{}, seqtx.StateFailed)

	recs, err := h.coord.Compact(h.ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 || h.store.Len("s") != 0 {
		t.Errorf("expected an empty series, got %s", summary(recs))
	}
}

func TestCompact_KeepsFixedRangeFailure(t *testing.T) {
	h := newHarness(t)
	seed(h.store, "s", time.Time{}, seqtx.StateSucceeded, seqtx.StateFailed)
	rec, _ := h.store.Get(h.ctx, "s", "t1")
	rec.EndPosition = "e1"
	h.store.Put(rec)

	recs, _ := h.coord.Compact(h.ctx, "s")
	if summary(recs) != "t0:SUCCEEDED,t1:FAILED" {
		t.Errorf("failure with an end position must stay, got %s", summary(recs))
	}
}

func TestCompact_TimeoutRaceResolvedByFinish(t *testing.T) {
	store := &racingStore{MemoryStore: memory.New()}
	clock := newTestClock()
	coord, _ := seqtx.NewCoordinator(seqtx.WithStore(store), seqtx.WithClock(clock.Now))
	ctx := context.Background()
	seed(store.MemoryStore, "s", clock.Now().Add(time.Minute), seqtx.StateInProgress)
	clock.Advance(time.Hour)

	store.beforeReplace = func(*seqtx.Record) {
		rec, _ := store.MemoryStore.Get(ctx, "s", "t0")
		rec.MarkSucceeded("e0", clock.Now())
		if err := store.MemoryStore.Replace(ctx, rec); err != nil {
			t.Fatalf("racing finish: %v", err)
		}
	}

	recs, err := coord.Compact(ctx, "s")
	if err != nil {
		t.Fatalf("lost timeout race should resolve, got %v", err)
	}
	if summary(recs) != "t0:SUCCEEDED" {
		t.Errorf("expected the finished record, got %s", summary(recs))
	}
}

func TestCompact_TimeoutRaceWithRenewalConflicts(t *testing.T) {
	store := &racingStore{MemoryStore: memory.New()}
	clock := newTestClock()
	coord, _ := seqtx.NewCoordinator(seqtx.WithStore(store), seqtx.WithClock(clock.Now))
	ctx := context.Background()
	seed(store.MemoryStore, "s", clock.Now().Add(time.Minute), seqtx.StateInProgress)
	clock.Advance(time.Hour)

	store.beforeReplace = func(*seqtx.Record) {
		rec, _ := store.MemoryStore.Get(ctx, "s", "t0")
		rec.Timeout = clock.Now().Add(time.Hour)
		store.MemoryStore.Replace(ctx, rec)
	}

	if _, err := coord.Compact(ctx, "s"); !errors.Is(err, seqtx.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

func TestCompact_CollapseConflictNamesBothRecords(t *testing.T) {
	store := &racingStore{MemoryStore: memory.New()}
	coord, _ := seqtx.NewCoordinator(seqtx.WithStore(store))
	ctx := context.Background()
	seed(store.MemoryStore, "s", time.Time{}, seqtx.StateSucceeded, seqtx.StateSucceeded)

	store.beforeBatch = func([]seqtx.BatchOp) {
		rec, _ := store.MemoryStore.Get(ctx, "s", "t1")
		store.MemoryStore.Replace(ctx, rec)
	}

	_, err := coord.Compact(ctx, "s")
	if !errors.Is(err, seqtx.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if msg := err.Error(); !strings.Contains(msg, "'t0'") || !strings.Contains(msg, "'t1'") {
		t.Errorf("conflict should name both records: %s", msg)
	}
	if store.Len("s") != 2 {
		t.Error("failed collapse must not delete the head")
	}
}

func TestFinish_ConflictWithSameOutcomeIsApplied(t *testing.T) {
	store := &racingStore{MemoryStore: memory.New()}
	clock := newTestClock()
	coord, _ := seqtx.NewCoordinator(seqtx.WithStore(store), seqtx.WithClock(clock.Now))
	ctx := context.Background()
	seed(store.MemoryStore, "s", clock.Now().Add(time.Hour), seqtx.StateInProgress)

	// A retried request from the same owner lands first.
	store.beforeReplace = func(*seqtx.Record) {
		rec, _ := store.MemoryStore.Get(ctx, "s", "t0")
		rec.MarkSucceeded("e0", clock.Now())
		store.MemoryStore.Replace(ctx, rec)
	}
	if err := coord.Finish(ctx, "s", "p1", "t0", "e0"); err != nil {
		t.Errorf("expected the duplicate finish to be applied, got %v", err)
	}

	seed(store.MemoryStore, "other", clock.Now().Add(time.Hour), seqtx.StateInProgress)
	store.beforeReplace = func(*seqtx.Record) {
		rec, _ := store.MemoryStore.Get(ctx, "other", "t0")
		rec.MarkFailed(clock.Now())
		store.MemoryStore.Replace(ctx, rec)
	}
	if err := coord.Finish(ctx, "other", "p1", "t0", "e0"); !errors.Is(err, seqtx.ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict against a concurrent abort, got %v", err)
	}
}

// ============================================================================
// Properties
// ============================================================================

type opModel struct {
	h       *harness
	started []string
	nextID  int
}

func (m *opModel) step(rt *rapid.T) {
	ctx := m.h.ctx
	coord := m.h.coord
	owner := rapid.SampledFrom([]string{"p1", "p2"}).Draw(rt, "owner")

	pick := func() string {
		if len(m.started) == 0 {
			return "none"
		}
		return rapid.SampledFrom(m.started).Draw(rt, "tx")
	}

	switch rapid.IntRange(0, 6).Draw(rt, "op") {
	case 0, 1:
		recs, err := coord.List(ctx, "s")
		if err != nil {
			rt.Fatalf("list: %v", err)
		}
		prev := ""
		if len(recs) > 0 {
			prev = recs[len(recs)-1].TransactionID
		}
		req := seqtx.StartRequest{TransactionID: fmt.Sprintf("t%d", m.nextID), ProcessorID: owner}
		if rapid.Bool().Draw(rt, "fixed") {
			req.EndPosition = "end"
		}
		rec, err := coord.Start(ctx, "s", prev, req, 2, 2)
		if err == nil && rec != nil {
			m.started = append(m.started, rec.TransactionID)
		}
		m.nextID++
	case 2:
		_ = coord.Finish(ctx, "s", owner, pick(), "end")
	case 3:
		_ = coord.Abort(ctx, "s", owner, pick())
	case 4:
		_ = coord.RenewTimeout(ctx, "s", owner, pick(), m.h.clock.Now().Add(time.Minute))
	case 5:
		_ = coord.Reclaim(ctx, "s", owner, pick(), time.Time{})
	case 6:
		m.h.clock.Advance(time.Duration(rapid.IntRange(1, 10).Draw(rt, "minutes")) * time.Minute)
	}
}

// Chains stay well-formed under any interleaving of operations, and a
// compaction immediately followed by another writes nothing.
func TestProperty_ChainInvariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		m := &opModel{h: newHarness(rt)}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			m.step(rt)

			recs, err := m.h.coord.List(m.h.ctx, "s")
			if err != nil {
				rt.Fatalf("chain corrupted after step %d: %v", i, err)
			}
			if len(recs) != m.h.store.Len("s") {
				rt.Fatalf("chain holds %d of %d stored records", len(recs), m.h.store.Len("s"))
			}
		}

		first, err := m.h.coord.Compact(m.h.ctx, "s")
		if err != nil {
			rt.Fatalf("compact: %v", err)
		}
		second, err := m.h.coord.Compact(m.h.ctx, "s")
		if err != nil {
			rt.Fatalf("second compact: %v", err)
		}
		if len(first) != len(second) {
			rt.Fatalf("second compaction changed length %d -> %d", len(first), len(second))
		}
		for i := range first {
			if first[i].Version != second[i].Version {
				rt.Fatalf("second compaction rewrote %s", first[i].TransactionID)
			}
		}

		// After compaction: no succeeded pair at the head, no abandoned
		// record, no expired claim.
		if len(first) > 1 && first[0].IsSucceeded() && first[1].IsSucceeded() {
			rt.Fatalf("head not collapsed: %s", summary(first))
		}
		for _, rec := range first {
			if rec.IsAbandoned() {
				rt.Fatalf("abandoned record %s kept: %s", rec.TransactionID, summary(first))
			}
			if rec.IsExpired(m.h.clock.Now()) {
				rt.Fatalf("expired claim kept: %s", rec.TransactionID)
			}
		}
	})
}
