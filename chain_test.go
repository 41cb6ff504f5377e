package seqtx

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// linked builds a well formed chain of n records t0..t(n-1).
func linked(series string, n int) []*Record {
	recs := make([]*Record, n)
	for i := range recs {
		recs[i] = &Record{
			SeriesID:      series,
			TransactionID: fmt.Sprintf("t%d", i),
			First:         i == 0,
			Last:          i == n-1,
			State:         StateSucceeded,
		}
		if i > 0 {
			recs[i].PreviousTransactionID = recs[i-1].TransactionID
		}
	}
	return recs
}

func ids(c *Chain) string {
	var parts []string
	for _, r := range c.Records() {
		parts = append(parts, r.TransactionID)
	}
	return strings.Join(parts, ",")
}

func TestBuildChain_Empty(t *testing.T) {
	c, err := BuildChain("s", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !c.IsEmpty() || c.Head() != nil || c.Tail() != nil {
		t.Error("expected empty chain")
	}
}

func TestBuildChain_OrdersUnorderedInput(t *testing.T) {
	recs := linked("s", 4)
	shuffled := []*Record{recs[2], recs[0], recs[3], recs[1]}

	c, err := BuildChain("s", shuffled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := ids(c); got != "t0,t1,t2,t3" {
		t.Errorf("expected t0,t1,t2,t3, got %s", got)
	}
	if c.Head().TransactionID != "t0" || c.Tail().TransactionID != "t3" {
		t.Error("wrong head or tail")
	}
}

func TestBuildChain_HeadWithCompactedPredecessor(t *testing.T) {
	recs := linked("s", 2)
	recs[0].PreviousTransactionID = "gone"

	if _, err := BuildChain("s", recs); err != nil {
		t.Errorf("head may point at a compacted record: %v", err)
	}
}

func TestBuildChain_Corruption(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]*Record) []*Record
		msg    string
	}{
		{
			name:   "two heads",
			mutate: func(r []*Record) []*Record { r[1].First = true; return r },
			msg:    "number of first transaction(s): 2",
		},
		{
			name:   "no tail",
			mutate: func(r []*Record) []*Record { r[2].Last = false; return r },
			msg:    "number of last transaction(s): 0",
		},
		{
			name:   "records without flags",
			mutate: func(r []*Record) []*Record { r[0].First = false; r[2].Last = false; return r },
			msg:    "no head",
		},
		{
			name:   "dangling pointer",
			mutate: func(r []*Record) []*Record { r[2].PreviousTransactionID = "ghost"; return r },
			msg:    "'ghost'",
		},
		{
			name: "fork",
			mutate: func(r []*Record) []*Record {
				r[2].PreviousTransactionID = "t0"
				return r
			},
			msg: "both follow 't0'",
		},
		{
			name: "duplicate id",
			mutate: func(r []*Record) []*Record {
				return append(r, &Record{SeriesID: "s", TransactionID: "t1"})
			},
			msg: "twice",
		},
		{
			name: "orphan cycle",
			mutate: func(r []*Record) []*Record {
				// x <-> y form a loop detached from t0..t2
				return append(r,
					&Record{SeriesID: "s", TransactionID: "x", PreviousTransactionID: "y"},
					&Record{SeriesID: "s", TransactionID: "y", PreviousTransactionID: "x"})
			},
			msg: "not reachable",
		},
		{
			name: "tail before end",
			mutate: func(r []*Record) []*Record {
				r[1].Last = true
				r[2].Last = false
				return r
			},
			msg: "not reachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildChain("s", tt.mutate(linked("s", 3)))
			if !errors.Is(err, ErrCorruption) {
				t.Fatalf("expected ErrCorruption, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("expected message containing %q, got %q", tt.msg, err.Error())
			}
			if !strings.Contains(err.Error(), "'s'") {
				t.Errorf("error should name the series: %q", err.Error())
			}
		})
	}
}

func TestChain_CountStates(t *testing.T) {
	recs := linked("s", 4)
	recs[1].State = StateTimedOut
	recs[2].State = StateFailed
	recs[3].State = StateInProgress

	c, err := BuildChain("s", recs)
	if err != nil {
		t.Fatal(err)
	}
	inProgress, timedOut := c.CountStates()
	if inProgress != 1 || timedOut != 1 {
		t.Errorf("expected 1/1, got %d/%d", inProgress, timedOut)
	}
}

func TestChain_SnapshotIsDetached(t *testing.T) {
	c, _ := BuildChain("s", linked("s", 2))
	snap := c.Snapshot()
	snap[0].State = StateFailed

	if c.Head().State != StateSucceeded {
		t.Error("snapshot must not alias chain records")
	}
}

func TestChain_Mutators(t *testing.T) {
	c, _ := BuildChain("s", linked("s", 4))

	c.removeHead()
	c.removeAt(1)
	c.removeAt(5)
	if got := ids(c); got != "t1,t3" {
		t.Fatalf("expected t1,t3, got %s", got)
	}
	c.removeAt(1)
	if got := ids(c); got != "t1" {
		t.Fatalf("expected t1, got %s", got)
	}
	c.appendTail(&Record{TransactionID: "t9"})
	c.replace(&Record{TransactionID: "t1", State: StateFailed})
	c.replace(&Record{TransactionID: "unknown"})

	if got := ids(c); got != "t1,t9" {
		t.Errorf("expected t1,t9, got %s", got)
	}
	if c.Head().State != StateFailed {
		t.Error("replace should swap the record")
	}
	if _, ok := c.Find("unknown"); ok {
		t.Error("replace must not add records")
	}
}

// Any permutation of a well formed chain rebuilds to the same order.
func TestProperty_ReconstructionIgnoresOrder(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 20).Draw(rt, "n")
		recs := linked("s", n)
		perm := rapid.Permutation(recs).Draw(rt, "perm")

		c, err := BuildChain("s", perm)
		if err != nil {
			rt.Fatalf("well formed chain rejected: %v", err)
		}
		if c.Len() != n {
			rt.Fatalf("expected %d records, got %d", n, c.Len())
		}
		for i := 0; i < n; i++ {
			if c.At(i).TransactionID != fmt.Sprintf("t%d", i) {
				rt.Fatalf("position %d holds %s", i, c.At(i).TransactionID)
			}
		}
	})
}

// Rewiring one previous pointer of a chain either keeps it valid (no-op
// rewire) or is reported as corruption; reconstruction never loops.
func TestProperty_RewiredPointerDetected(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 12).Draw(rt, "n")
		recs := linked("s", n)
		victim := rapid.IntRange(1, n-1).Draw(rt, "victim")
		target := rapid.IntRange(0, n-1).Draw(rt, "target")
		recs[victim].PreviousTransactionID = recs[target].TransactionID

		_, err := BuildChain("s", recs)
		if target == victim-1 {
			if err != nil {
				rt.Fatalf("unchanged chain rejected: %v", err)
			}
			return
		}
		if !errors.Is(err, ErrCorruption) {
			rt.Fatalf("rewiring t%d -> t%d not detected: %v", victim, target, err)
		}
	})
}
