package seqtx

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// successCache maps series IDs to the most recently observed succeeded record.
// It is a read accelerator only and never authoritative. Entries carry no
// timestamp of their own: the as-of bound is checked against the record's
// FinishedAt, the same field the store path checks.
type successCache struct {
	entries *lru.Cache[string, Record]
}

func newSuccessCache(size int) *successCache {
	if size <= 0 {
		size = DefaultConfig().CacheSize
	}
	entries, err := lru.New[string, Record](size)
	if err != nil {
		// lru.New only fails for non-positive sizes
		panic(err)
	}
	return &successCache{entries: entries}
}

// put records a succeeded record for its series. Other states are ignored.
func (c *successCache) put(rec *Record) {
	if rec == nil || !rec.IsSucceeded() {
		return
	}
	c.entries.Add(rec.SeriesID, *rec.Clone())
}

// lookup answers from the cache when the entry is unambiguous: same
// transaction, SUCCEEDED, finished no later than asOfBefore (zero = unbounded).
func (c *successCache) lookup(seriesID, transactionID string, asOfBefore time.Time) bool {
	rec, ok := c.entries.Get(seriesID)
	if !ok {
		return false
	}
	return succeededBy(&rec, transactionID, asOfBefore)
}

// get returns the cached record for a series.
func (c *successCache) get(seriesID string) (Record, bool) {
	return c.entries.Get(seriesID)
}

func (c *successCache) invalidate(seriesID string) {
	c.entries.Remove(seriesID)
}

func (c *successCache) purge() {
	c.entries.Purge()
}

func succeededBy(rec *Record, transactionID string, asOfBefore time.Time) bool {
	if rec.TransactionID != transactionID || !rec.IsSucceeded() {
		return false
	}
	return asOfBefore.IsZero() || !rec.FinishedAt.After(asOfBefore)
}
