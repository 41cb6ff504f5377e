package testinfra

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"seqtx"
)

var suiteBase = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func freshStore(t *testing.T, backend Backend) seqtx.Store {
	t.Helper()
	s := backend.NewStore(t)
	require.NoError(t, s.EnsureContainer(context.Background()))
	require.NoError(t, s.EnsureContainer(context.Background()), "EnsureContainer is idempotent")
	return s
}

func suiteRecord(series, id string) *seqtx.Record {
	return &seqtx.Record{
		SeriesID:      series,
		TransactionID: id,
		First:         true,
		Last:          true,
		State:         seqtx.StateInProgress,
		StartPosition: "0",
		ProcessorID:   "p1",
		Timeout:       suiteBase.Add(5 * time.Minute),
		Detail:        []byte("attempt"),
	}
}

func insert(t *testing.T, s seqtx.Store, recs ...*seqtx.Record) {
	t.Helper()
	for _, rec := range recs {
		require.NoError(t, s.Batch(context.Background(), rec.SeriesID, []seqtx.BatchOp{seqtx.InsertOp(rec)}))
		require.NotEmpty(t, rec.Version, "insert stamps a version")
	}
}

// RunStoreSuite checks the seqtx.Store contract against backend.
func RunStoreSuite(t *testing.T, backend Backend) {
	t.Run("InsertAndGet", func(t *testing.T) {
		s := freshStore(t, backend)
		rec := suiteRecord("s1", "t1")
		insert(t, s, rec)

		got, err := s.Get(context.Background(), "s1", "t1")
		require.NoError(t, err)
		assert.Equal(t, rec.Version, got.Version)
		assert.Equal(t, seqtx.StateInProgress, got.State)
		assert.True(t, got.First && got.Last)
		assert.Equal(t, "0", got.StartPosition)
		assert.Equal(t, "p1", got.ProcessorID)
		assert.True(t, got.Timeout.Equal(rec.Timeout), "timeout %v, want %v", got.Timeout, rec.Timeout)
		assert.True(t, got.FinishedAt.IsZero())
		assert.Equal(t, []byte("attempt"), got.Detail)

		_, err = s.Get(context.Background(), "s1", "missing")
		assert.ErrorIs(t, err, seqtx.ErrRecordNotFound)
	})

	t.Run("InsertDuplicate", func(t *testing.T) {
		s := freshStore(t, backend)
		insert(t, s, suiteRecord("s1", "t1"))

		err := s.Batch(context.Background(), "s1", []seqtx.BatchOp{seqtx.InsertOp(suiteRecord("s1", "t1"))})
		assert.ErrorIs(t, err, seqtx.ErrRecordExists)
	})

	t.Run("ConditionalWrites", func(t *testing.T) {
		s := freshStore(t, backend)
		ctx := context.Background()
		rec := suiteRecord("s1", "t1")
		insert(t, s, rec)
		stale := rec.Clone()

		rec.State = seqtx.StateSucceeded
		rec.EndPosition = "42"
		rec.FinishedAt = suiteBase.Add(time.Minute)
		require.NoError(t, s.Replace(ctx, rec))
		assert.NotEqual(t, stale.Version, rec.Version, "every write issues a new version")

		got, err := s.Get(ctx, "s1", "t1")
		require.NoError(t, err)
		assert.Equal(t, rec.Version, got.Version)
		assert.Equal(t, "42", got.EndPosition)
		assert.True(t, got.FinishedAt.Equal(rec.FinishedAt))

		assert.ErrorIs(t, s.Replace(ctx, stale), seqtx.ErrVersionConflict)
		assert.ErrorIs(t, s.Delete(ctx, stale), seqtx.ErrVersionConflict)

		require.NoError(t, s.Delete(ctx, rec))
		assert.ErrorIs(t, s.Delete(ctx, rec), seqtx.ErrRecordNotFound)
		assert.ErrorIs(t, s.Replace(ctx, rec), seqtx.ErrRecordNotFound)
	})

	t.Run("ReinsertDoesNotReuseVersions", func(t *testing.T) {
		s := freshStore(t, backend)
		ctx := context.Background()
		first := suiteRecord("s1", "t1")
		insert(t, s, first)
		require.NoError(t, s.Delete(ctx, first))

		second := suiteRecord("s1", "t1")
		insert(t, s, second)
		assert.NotEqual(t, first.Version, second.Version)
		assert.ErrorIs(t, s.Replace(ctx, first), seqtx.ErrVersionConflict)
	})

	t.Run("BatchIsAtomic", func(t *testing.T) {
		s := freshStore(t, backend)
		ctx := context.Background()
		t1 := suiteRecord("s1", "t1")
		insert(t, s, t1)
		stale := t1.Clone()
		require.NoError(t, s.Replace(ctx, t1))

		t2 := suiteRecord("s1", "t2")
		err := s.Batch(ctx, "s1", []seqtx.BatchOp{seqtx.InsertOp(t2), seqtx.ReplaceOp(stale)})
		require.ErrorIs(t, err, seqtx.ErrVersionConflict)

		_, err = s.Get(ctx, "s1", "t2")
		assert.ErrorIs(t, err, seqtx.ErrRecordNotFound, "a failed batch writes nothing")
	})

	t.Run("BatchPromotesSuccessor", func(t *testing.T) {
		s := freshStore(t, backend)
		ctx := context.Background()
		head := suiteRecord("s1", "t1")
		head.Last = false
		head.State = seqtx.StateSucceeded
		head.EndPosition = "10"
		insert(t, s, head)

		next := suiteRecord("s1", "t2")
		next.First = false
		next.PreviousTransactionID = "t1"
		insert(t, s, next)

		next.First = true
		require.NoError(t, s.Batch(ctx, "s1", []seqtx.BatchOp{seqtx.DeleteOp(head), seqtx.ReplaceOp(next)}))

		recs, err := s.QueryPartition(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "t2", recs[0].TransactionID)
		assert.True(t, recs[0].First)
		assert.Equal(t, "t1", recs[0].PreviousTransactionID)
		assert.Equal(t, next.Version, recs[0].Version)
	})

	t.Run("BatchRejectsForeignSeries", func(t *testing.T) {
		s := freshStore(t, backend)
		err := s.Batch(context.Background(), "s1", []seqtx.BatchOp{seqtx.InsertOp(suiteRecord("s2", "t1"))})
		assert.ErrorIs(t, err, seqtx.ErrInvalidRequest)
	})

	t.Run("Partitions", func(t *testing.T) {
		s := freshStore(t, backend)
		ctx := context.Background()
		insert(t, s, suiteRecord("a", "t1"), suiteRecord("b", "t1"))
		next := suiteRecord("a", "t2")
		next.First = false
		next.PreviousTransactionID = "t1"
		insert(t, s, next)

		recs, err := s.QueryPartition(ctx, "a")
		require.NoError(t, err)
		assert.Len(t, recs, 2)
		for _, r := range recs {
			assert.Equal(t, "a", r.SeriesID)
		}

		recs, err = s.QueryPartition(ctx, "empty")
		require.NoError(t, err)
		assert.Empty(t, recs)

		if lister, ok := s.(seqtx.SeriesLister); ok {
			series, err := lister.ListSeries(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, series)
		}

		require.NoError(t, s.DeletePartition(ctx, "a"))
		require.NoError(t, s.DeletePartition(ctx, "a"))
		recs, err = s.QueryPartition(ctx, "a")
		require.NoError(t, err)
		assert.Empty(t, recs)
		recs, err = s.QueryPartition(ctx, "b")
		require.NoError(t, err)
		assert.Len(t, recs, 1)

		require.NoError(t, s.DeleteAll(ctx))
		recs, err = s.QueryPartition(ctx, "b")
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		s := freshStore(t, backend)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.QueryPartition(ctx, "s1")
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("StoresWhatItIsGiven", func(t *testing.T) {
		s := freshStore(t, backend)
		ctx := context.Background()
		n := 0
		rapid.Check(t, func(rt *rapid.T) {
			n++
			series := fmt.Sprintf("rt-%d", n)
			rec := RecordGenerator(series, suiteBase).Draw(rt, "record")
			if err := s.Batch(ctx, series, []seqtx.BatchOp{seqtx.InsertOp(rec)}); err != nil {
				rt.Fatalf("insert: %v", err)
			}
			got, err := s.Get(ctx, series, rec.TransactionID)
			if err != nil {
				rt.Fatalf("get: %v", err)
			}
			if got.State != rec.State || got.PreviousTransactionID != rec.PreviousTransactionID ||
				got.StartPosition != rec.StartPosition || got.EndPosition != rec.EndPosition ||
				got.ProcessorID != rec.ProcessorID || got.First != rec.First || got.Last != rec.Last {
				rt.Fatalf("stored %+v, read back %+v", rec, got)
			}
			if !got.Timeout.Equal(rec.Timeout) || !got.FinishedAt.Equal(rec.FinishedAt) {
				rt.Fatalf("times changed: timeout %v -> %v, finished %v -> %v",
					rec.Timeout, got.Timeout, rec.FinishedAt, got.FinishedAt)
			}
			if string(got.Detail) != string(rec.Detail) {
				rt.Fatalf("detail %q, read back %q", rec.Detail, got.Detail)
			}
		})
	})
}
