// Package postgres provides a PostgreSQL implementation of the seqtx.Store
// interface on top of a pgx connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"seqtx"
)

// DefaultTable is the table used when no other name is configured.
const DefaultTable = "seqtx_records"

const columns = `series_id, transaction_id, previous_transaction_id, is_first, is_last, state,
		start_position, end_position, processor_id, timeout_at, finished_at, detail, version`

// PostgresStore implements seqtx.Store on a single table keyed by
// (series_id, transaction_id).
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// Option configures a PostgresStore.
type Option func(*PostgresStore)

// WithTable overrides the table name.
func WithTable(table string) Option {
	return func(s *PostgresStore) {
		s.table = table
	}
}

// New creates a store on an existing pool.
func New(pool *pgxpool.Pool, opts ...Option) *PostgresStore {
	s := &PostgresStore{pool: pool, table: DefaultTable}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a pool for the DSN and verifies it with a ping.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse postgres dsn: %v", seqtx.ErrInvalidConfig, err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, translate("create pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, translate("ping", err)
	}
	return pool, nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// EnsureContainer creates the table if it does not exist.
func (s *PostgresStore) EnsureContainer(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			series_id TEXT NOT NULL,
			transaction_id TEXT NOT NULL,
			previous_transaction_id TEXT,
			is_first BOOLEAN NOT NULL,
			is_last BOOLEAN NOT NULL,
			state TEXT NOT NULL,
			start_position TEXT,
			end_position TEXT,
			processor_id TEXT,
			timeout_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			detail BYTEA,
			version BIGINT NOT NULL,
			PRIMARY KEY (series_id, transaction_id)
		)
	`, s.table)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return translate("create table", err)
	}
	return nil
}

// QueryPartition returns every record of the series.
func (s *PostgresStore) QueryPartition(ctx context.Context, seriesID string) ([]*seqtx.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE series_id = $1`, columns, s.table)

	rows, err := s.pool.Query(ctx, query, seriesID)
	if err != nil {
		return nil, translate("query partition", err)
	}
	defer rows.Close()

	var records []*seqtx.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, translate("scan record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("iterate records", err)
	}
	return records, nil
}

// Get retrieves one record.
func (s *PostgresStore) Get(ctx context.Context, seriesID, transactionID string) (*seqtx.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE series_id = $1 AND transaction_id = $2`, columns, s.table)

	rec, err := scanRecord(s.pool.QueryRow(ctx, query, seriesID, transactionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: series '%s', transaction '%s'", seqtx.ErrRecordNotFound, seriesID, transactionID)
		}
		return nil, translate("get record", err)
	}
	return rec, nil
}

// ListSeries returns the distinct series IDs, sorted.
func (s *PostgresStore) ListSeries(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT series_id FROM %s ORDER BY series_id`, s.table)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, translate("list series", err)
	}
	series, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, translate("collect series", err)
	}
	return series, nil
}

// Replace overwrites the record if its version matches.
func (s *PostgresStore) Replace(ctx context.Context, rec *seqtx.Record) error {
	version, err := s.apply(ctx, s.pool, seqtx.ReplaceOp(rec))
	if err != nil {
		return err
	}
	rec.Version = strconv.FormatInt(version, 10)
	return nil
}

// Delete removes the record if its version matches.
func (s *PostgresStore) Delete(ctx context.Context, rec *seqtx.Record) error {
	_, err := s.apply(ctx, s.pool, seqtx.DeleteOp(rec))
	return err
}

// Batch applies the ops in one transaction, stamping versions after commit.
func (s *PostgresStore) Batch(ctx context.Context, seriesID string, ops []seqtx.BatchOp) error {
	for i, op := range ops {
		if op.Record.SeriesID != seriesID {
			return fmt.Errorf("%w: op %d targets series '%s' inside a batch for '%s'",
				seqtx.ErrInvalidRequest, i, op.Record.SeriesID, seriesID)
		}
	}

	versions := make([]int64, len(ops))
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		for i, op := range ops {
			v, err := s.apply(ctx, tx, op)
			if err != nil {
				return err
			}
			versions[i] = v
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i, op := range ops {
		if op.Kind != seqtx.OpDelete {
			op.Record.Version = strconv.FormatInt(versions[i], 10)
		}
	}
	return nil
}

// withTx executes fn within a transaction, committing only if fn returns nil.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return translate("begin batch", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return translate("commit batch", err)
	}
	return nil
}

// apply runs one conditional statement and returns the new version.
func (s *PostgresStore) apply(ctx context.Context, q querier, op seqtx.BatchOp) (int64, error) {
	rec := op.Record

	if op.Kind == seqtx.OpInsert {
		// A re-inserted ID must not resurrect an old version number.
		initial := time.Now().UnixNano()
		query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`, s.table, columns)
		_, err := q.Exec(ctx, query,
			rec.SeriesID, rec.TransactionID, nullString(rec.PreviousTransactionID), rec.First, rec.Last, string(rec.State),
			nullString(rec.StartPosition), nullString(rec.EndPosition), nullString(rec.ProcessorID),
			nullTime(rec.Timeout), nullTime(rec.FinishedAt), rec.Detail, initial,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, fmt.Errorf("%w: %s", seqtx.ErrRecordExists, rec.Keys())
			}
			return 0, translate("insert record", err)
		}
		return initial, nil
	}

	current, err := strconv.ParseInt(rec.Version, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s has no stored version", seqtx.ErrInvalidRequest, rec.Keys())
	}

	switch op.Kind {
	case seqtx.OpReplace:
		query := fmt.Sprintf(`
			UPDATE %s SET
				previous_transaction_id = $1, is_first = $2, is_last = $3, state = $4,
				start_position = $5, end_position = $6, processor_id = $7,
				timeout_at = $8, finished_at = $9, detail = $10, version = version + 1
			WHERE series_id = $11 AND transaction_id = $12 AND version = $13
			RETURNING version
		`, s.table)
		var next int64
		err := q.QueryRow(ctx, query,
			nullString(rec.PreviousTransactionID), rec.First, rec.Last, string(rec.State),
			nullString(rec.StartPosition), nullString(rec.EndPosition), nullString(rec.ProcessorID),
			nullTime(rec.Timeout), nullTime(rec.FinishedAt), rec.Detail,
			rec.SeriesID, rec.TransactionID, current,
		).Scan(&next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, translate("replace record", err)
		}
	case seqtx.OpDelete:
		query := fmt.Sprintf(`DELETE FROM %s WHERE series_id = $1 AND transaction_id = $2 AND version = $3`, s.table)
		tag, err := q.Exec(ctx, query, rec.SeriesID, rec.TransactionID, current)
		if err != nil {
			return 0, translate("delete record", err)
		}
		if tag.RowsAffected() > 0 {
			return current, nil
		}
	default:
		return 0, fmt.Errorf("%w: unknown op kind %d", seqtx.ErrInvalidRequest, op.Kind)
	}

	exists, err := s.exists(ctx, q, rec.SeriesID, rec.TransactionID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("%w: %s", seqtx.ErrRecordNotFound, rec.Keys())
	}
	return 0, fmt.Errorf("%w: %s %s", seqtx.ErrVersionConflict, op.Kind, rec.Keys())
}

func (s *PostgresStore) exists(ctx context.Context, q querier, seriesID, transactionID string) (bool, error) {
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE series_id = $1 AND transaction_id = $2)`, s.table)

	var exists bool
	if err := q.QueryRow(ctx, query, seriesID, transactionID).Scan(&exists); err != nil {
		return false, translate("check record exists", err)
	}
	return exists, nil
}

// DeletePartition removes every record of the series.
func (s *PostgresStore) DeletePartition(ctx context.Context, seriesID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE series_id = $1`, s.table)
	if _, err := s.pool.Exec(ctx, query, seriesID); err != nil {
		return translate("delete partition", err)
	}
	return nil
}

// DeleteAll removes every record.
func (s *PostgresStore) DeleteAll(ctx context.Context) error {
	query := fmt.Sprintf(`DELETE FROM %s`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return translate("delete all", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (*seqtx.Record, error) {
	var (
		rec                         seqtx.Record
		state                       string
		prev, start, end, processor *string
		timeout, finished           *time.Time
		version                     int64
	)
	err := row.Scan(
		&rec.SeriesID, &rec.TransactionID, &prev, &rec.First, &rec.Last, &state,
		&start, &end, &processor, &timeout, &finished, &rec.Detail, &version,
	)
	if err != nil {
		return nil, err
	}

	rec.State = seqtx.State(state)
	rec.PreviousTransactionID = deref(prev)
	rec.StartPosition = deref(start)
	rec.EndPosition = deref(end)
	rec.ProcessorID = deref(processor)
	if timeout != nil {
		rec.Timeout = timeout.UTC()
	}
	if finished != nil {
		rec.FinishedAt = finished.UTC()
	}
	rec.Version = strconv.FormatInt(version, 10)
	return &rec, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// isUniqueViolation reports SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// translate maps driver errors onto the store sentinels.
func translate(op string, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case isConnectionError(err):
		return fmt.Errorf("%w: %s: %v", seqtx.ErrUnavailable, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", seqtx.ErrStoreOperationFailed, op, err)
	}
}

func isConnectionError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08 is connection exception, 57P0x is operator intervention
		return strings.HasPrefix(pgErr.Code, "08") || strings.HasPrefix(pgErr.Code, "57P0")
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Ensure PostgresStore implements the store interfaces.
var (
	_ seqtx.Store        = (*PostgresStore)(nil)
	_ seqtx.SeriesLister = (*PostgresStore)(nil)
)
