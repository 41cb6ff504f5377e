// Package redis implements seqtx.Store on Redis. Every record is a hash with
// a version field "v" and a JSON document "d"; a set per series indexes its
// transaction IDs and a global set indexes the series. Conditional writes run
// as Lua scripts, so a batch is checked and applied atomically.
//
// The scripts address keys derived from the prefix, which requires a single
// Redis node (or a primary with replicas), not Redis Cluster.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"seqtx"
)

var (
	_ seqtx.Store        = (*RedisStore)(nil)
	_ seqtx.SeriesLister = (*RedisStore)(nil)
)

// Batch result codes.
const (
	batchOK       = 0
	batchExists   = 1
	batchMissing  = 2
	batchConflict = 3
)

// Number of ARGV entries per batch op: kind, transaction id, expected
// version, new version, document.
const batchStride = 5

var (
	// KEYS[1] = ids set, KEYS[2] = series set, KEYS[3..] = record hashes.
	// ARGV[1] = series id, ARGV[2] = op count, then one stride per op.
	batchScript = redis.NewScript(`
local n = tonumber(ARGV[2])
for i = 1, n do
	local base = 2 + (i - 1) * 5
	local kind = ARGV[base + 1]
	local current = redis.call("HGET", KEYS[2 + i], "v")
	if kind == "insert" then
		if current then
			return {1, i}
		end
	else
		if not current then
			return {2, i}
		end
		if current ~= ARGV[base + 3] then
			return {3, i}
		end
	end
end
for i = 1, n do
	local base = 2 + (i - 1) * 5
	local kind = ARGV[base + 1]
	if kind == "delete" then
		redis.call("DEL", KEYS[2 + i])
		redis.call("SREM", KEYS[1], ARGV[base + 2])
	else
		redis.call("HSET", KEYS[2 + i], "v", ARGV[base + 4], "d", ARGV[base + 5])
		redis.call("SADD", KEYS[1], ARGV[base + 2])
	end
end
if redis.call("SCARD", KEYS[1]) == 0 then
	redis.call("SREM", KEYS[2], ARGV[1])
else
	redis.call("SADD", KEYS[2], ARGV[1])
end
return {0, 0}
`)

	// KEYS[1] = ids set, ARGV[1] = record key prefix of the series.
	// Returns version, document pairs.
	partitionScript = redis.NewScript(`
local ids = redis.call("SMEMBERS", KEYS[1])
local out = {}
for _, id in ipairs(ids) do
	local h = redis.call("HMGET", ARGV[1] .. id, "v", "d")
	if h[1] then
		table.insert(out, h[1])
		table.insert(out, h[2])
	end
end
return out
`)

	// KEYS[1] = ids set, KEYS[2] = series set, ARGV[1] = record key prefix,
	// ARGV[2] = series id.
	clearScript = redis.NewScript(`
local ids = redis.call("SMEMBERS", KEYS[1])
for _, id in ipairs(ids) do
	redis.call("DEL", ARGV[1] .. id)
end
redis.call("DEL", KEYS[1])
redis.call("SREM", KEYS[2], ARGV[2])
return #ids
`)
)

// RedisStore implements seqtx.Store using Redis.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// Option is a functional option for configuring RedisStore.
type Option func(*RedisStore)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// New creates a new Redis-backed store.
func New(client redis.Cmdable, opts ...Option) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "seqtx:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) seriesKey() string {
	return s.prefix + "series"
}

func (s *RedisStore) idsKey(seriesID string) string {
	return s.prefix + "{" + seriesID + "}:ids"
}

func (s *RedisStore) recordPrefix(seriesID string) string {
	return s.prefix + "{" + seriesID + "}:tx:"
}

func (s *RedisStore) recordKey(seriesID, transactionID string) string {
	return s.recordPrefix(seriesID) + transactionID
}

// EnsureContainer checks connectivity and preloads the scripts. Redis needs
// no schema.
func (s *RedisStore) EnsureContainer(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return translate("ping", err)
	}
	for _, script := range []*redis.Script{batchScript, partitionScript, clearScript} {
		if err := script.Load(ctx, s.client).Err(); err != nil {
			return translate("load script", err)
		}
	}
	return nil
}

// QueryPartition returns every record of the series from one atomic read.
func (s *RedisStore) QueryPartition(ctx context.Context, seriesID string) ([]*seqtx.Record, error) {
	raw, err := partitionScript.Run(ctx, s.client,
		[]string{s.idsKey(seriesID)}, s.recordPrefix(seriesID)).StringSlice()
	if err != nil {
		return nil, translate("query partition", err)
	}

	records := make([]*seqtx.Record, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		rec, err := decode(raw[i], raw[i+1])
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Get returns one record.
func (s *RedisStore) Get(ctx context.Context, seriesID, transactionID string) (*seqtx.Record, error) {
	vals, err := s.client.HMGet(ctx, s.recordKey(seriesID, transactionID), "v", "d").Result()
	if err != nil {
		return nil, translate("get record", err)
	}
	version, ok1 := vals[0].(string)
	doc, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: series '%s', transaction '%s'", seqtx.ErrRecordNotFound, seriesID, transactionID)
	}
	return decode(version, doc)
}

// Replace overwrites the record if its version matches.
func (s *RedisStore) Replace(ctx context.Context, rec *seqtx.Record) error {
	return s.Batch(ctx, rec.SeriesID, []seqtx.BatchOp{seqtx.ReplaceOp(rec)})
}

// Delete removes the record if its version matches.
func (s *RedisStore) Delete(ctx context.Context, rec *seqtx.Record) error {
	return s.Batch(ctx, rec.SeriesID, []seqtx.BatchOp{seqtx.DeleteOp(rec)})
}

// Batch checks and applies every op inside one script invocation.
func (s *RedisStore) Batch(ctx context.Context, seriesID string, ops []seqtx.BatchOp) error {
	keys := make([]string, 0, len(ops)+2)
	keys = append(keys, s.idsKey(seriesID), s.seriesKey())
	args := make([]any, 0, 2+len(ops)*batchStride)
	args = append(args, seriesID, len(ops))
	versions := make([]string, len(ops))

	for i, op := range ops {
		rec := op.Record
		if rec.SeriesID != seriesID {
			return fmt.Errorf("%w: op %d targets series '%s' inside a batch for '%s'",
				seqtx.ErrInvalidRequest, i, rec.SeriesID, seriesID)
		}

		var doc []byte
		if op.Kind != seqtx.OpDelete {
			versions[i] = uuid.NewString()
			var err error
			if doc, err = json.Marshal(rec); err != nil {
				return fmt.Errorf("%w: encode %s: %v", seqtx.ErrInvalidRequest, rec.Keys(), err)
			}
		}
		keys = append(keys, s.recordKey(seriesID, rec.TransactionID))
		args = append(args, op.Kind.String(), rec.TransactionID, rec.Version, versions[i], string(doc))
	}

	res, err := batchScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return translate("batch", err)
	}
	if len(res) != 2 {
		return fmt.Errorf("%w: unexpected batch reply %v", seqtx.ErrStoreOperationFailed, res)
	}

	code, idx := res[0], int(res[1])-1
	switch code {
	case batchOK:
	case batchExists:
		return fmt.Errorf("%w: %s", seqtx.ErrRecordExists, ops[idx].Record.Keys())
	case batchMissing:
		return fmt.Errorf("%w: %s", seqtx.ErrRecordNotFound, ops[idx].Record.Keys())
	case batchConflict:
		return fmt.Errorf("%w: %s %s", seqtx.ErrVersionConflict, ops[idx].Kind, ops[idx].Record.Keys())
	default:
		return fmt.Errorf("%w: unexpected batch code %d", seqtx.ErrStoreOperationFailed, code)
	}

	for i, op := range ops {
		if op.Kind != seqtx.OpDelete {
			op.Record.Version = versions[i]
		}
	}
	return nil
}

// DeletePartition removes every record of the series.
func (s *RedisStore) DeletePartition(ctx context.Context, seriesID string) error {
	err := clearScript.Run(ctx, s.client,
		[]string{s.idsKey(seriesID), s.seriesKey()}, s.recordPrefix(seriesID), seriesID).Err()
	if err != nil {
		return translate("delete partition", err)
	}
	return nil
}

// DeleteAll removes every series listed in the series index.
func (s *RedisStore) DeleteAll(ctx context.Context) error {
	series, err := s.ListSeries(ctx)
	if err != nil {
		return err
	}
	for _, id := range series {
		if err := s.DeletePartition(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ListSeries returns the indexed series IDs, sorted.
func (s *RedisStore) ListSeries(ctx context.Context) ([]string, error) {
	series, err := s.client.SMembers(ctx, s.seriesKey()).Result()
	if err != nil {
		return nil, translate("list series", err)
	}
	sort.Strings(series)
	return series, nil
}

func decode(version, doc string) (*seqtx.Record, error) {
	var rec seqtx.Record
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, fmt.Errorf("%w: undecodable record document: %v", seqtx.ErrCorruption, err)
	}
	rec.Version = version
	return &rec, nil
}

// translate maps client errors onto the store sentinels.
func translate(op string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.As(err, &netErr), errors.Is(err, io.EOF), errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%w: %s: %v", seqtx.ErrUnavailable, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", seqtx.ErrStoreOperationFailed, op, err)
	}
}
