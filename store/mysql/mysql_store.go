// Package mysql provides a MySQL implementation of the seqtx.Store interface.
package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"seqtx"
)

// DefaultTable is the table used when no other name is configured.
const DefaultTable = "seqtx_records"

const columns = `series_id, transaction_id, previous_transaction_id, is_first, is_last, state,
		start_position, end_position, processor_id, timeout_at, finished_at, detail, version`

// MySQLStore implements seqtx.Store on a single table keyed by
// (series_id, transaction_id). Versions are BIGINT counters seeded from the
// insert time.
type MySQLStore struct {
	db    *sql.DB
	table string
}

// Option configures a MySQLStore.
type Option func(*MySQLStore)

// WithTable overrides the table name.
func WithTable(table string) Option {
	return func(s *MySQLStore) {
		s.table = table
	}
}

// New creates a new MySQLStore with the given database connection.
func New(db *sql.DB, opts ...Option) *MySQLStore {
	s := &MySQLStore{db: db, table: DefaultTable}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the DSN with time parsing enabled.
func Open(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: parse mysql dsn: %v", seqtx.ErrInvalidConfig, err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: mysql connector: %v", seqtx.ErrInvalidConfig, err)
	}
	return sql.OpenDB(connector), nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ============================================================================
// Container
// ============================================================================

// EnsureContainer creates the table if it does not exist.
func (s *MySQLStore) EnsureContainer(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			series_id VARCHAR(191) NOT NULL,
			transaction_id VARCHAR(191) NOT NULL,
			previous_transaction_id VARCHAR(191) NULL,
			is_first BOOLEAN NOT NULL,
			is_last BOOLEAN NOT NULL,
			state VARCHAR(16) NOT NULL,
			start_position VARCHAR(255) NULL,
			end_position VARCHAR(255) NULL,
			processor_id VARCHAR(191) NULL,
			timeout_at DATETIME(6) NULL,
			finished_at DATETIME(6) NULL,
			detail BLOB NULL,
			version BIGINT NOT NULL,
			PRIMARY KEY (series_id, transaction_id)
		)
	`, s.table)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return translate("create table", err)
	}
	return nil
}

// ============================================================================
// Reads
// ============================================================================

// QueryPartition returns every record of the series.
func (s *MySQLStore) QueryPartition(ctx context.Context, seriesID string) ([]*seqtx.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE series_id = ?`, columns, s.table)

	rows, err := s.db.QueryContext(ctx, query, seriesID)
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
func (s *MySQLStore) Get(ctx context.Context, seriesID, transactionID string) (*seqtx.Record, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE series_id = ? AND transaction_id = ?`, columns, s.table)

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, seriesID, transactionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: series '%s', transaction '%s'", seqtx.ErrRecordNotFound, seriesID, transactionID)
		}
		return nil, translate("get record", err)
	}
	return rec, nil
}

// ListSeries returns the distinct series IDs, sorted.
func (s *MySQLStore) ListSeries(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT series_id FROM %s ORDER BY series_id`, s.table)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, translate("list series", err)
	}
	defer rows.Close()

	var series []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, translate("scan series", err)
		}
		series = append(series, id)
	}
	if err := rows.Err(); err != nil {
		return nil, translate("iterate series", err)
	}
	return series, nil
}

// ============================================================================
// Writes
// ============================================================================

// Replace overwrites the record if its version matches.
func (s *MySQLStore) Replace(ctx context.Context, rec *seqtx.Record) error {
	version, err := s.apply(ctx, s.db, seqtx.ReplaceOp(rec))
	if err != nil {
		return err
	}
	rec.Version = strconv.FormatInt(version, 10)
	return nil
}

// Delete removes the record if its version matches.
func (s *MySQLStore) Delete(ctx context.Context, rec *seqtx.Record) error {
	_, err := s.apply(ctx, s.db, seqtx.DeleteOp(rec))
	return err
}

// Batch applies the ops inside one transaction. The first failing op rolls
// back the whole batch; versions are stamped only after commit.
func (s *MySQLStore) Batch(ctx context.Context, seriesID string, ops []seqtx.BatchOp) error {
	for i, op := range ops {
		if op.Record.SeriesID != seriesID {
			return fmt.Errorf("%w: op %d targets series '%s' inside a batch for '%s'",
				seqtx.ErrInvalidRequest, i, op.Record.SeriesID, seriesID)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate("begin batch", err)
	}

	versions := make([]int64, len(ops))
	for i, op := range ops {
		v, err := s.apply(ctx, tx, op)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		versions[i] = v
	}

	if err := tx.Commit(); err != nil {
		return translate("commit batch", err)
	}

	for i, op := range ops {
		if op.Kind != seqtx.OpDelete {
			op.Record.Version = strconv.FormatInt(versions[i], 10)
		}
	}
	return nil
}

// apply runs one conditional statement and returns the new version.
func (s *MySQLStore) apply(ctx context.Context, q querier, op seqtx.BatchOp) (int64, error) {
	rec := op.Record

	if op.Kind == seqtx.OpInsert {
		// A re-inserted ID must not resurrect an old version number.
		initial := time.Now().UnixNano()
		query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table, columns)
		_, err := q.ExecContext(ctx, query,
			rec.SeriesID, rec.TransactionID, nullString(rec.PreviousTransactionID), rec.First, rec.Last, string(rec.State),
			nullString(rec.StartPosition), nullString(rec.EndPosition), nullString(rec.ProcessorID),
			nullTime(rec.Timeout), nullTime(rec.FinishedAt), rec.Detail, initial,
		)
		if err != nil {
			if isDuplicateKeyError(err) {
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

	var result sql.Result
	switch op.Kind {
	case seqtx.OpReplace:
		query := fmt.Sprintf(`
			UPDATE %s SET
				previous_transaction_id = ?, is_first = ?, is_last = ?, state = ?,
				start_position = ?, end_position = ?, processor_id = ?,
				timeout_at = ?, finished_at = ?, detail = ?, version = ?
			WHERE series_id = ? AND transaction_id = ? AND version = ?
		`, s.table)
		result, err = q.ExecContext(ctx, query,
			nullString(rec.PreviousTransactionID), rec.First, rec.Last, string(rec.State),
			nullString(rec.StartPosition), nullString(rec.EndPosition), nullString(rec.ProcessorID),
			nullTime(rec.Timeout), nullTime(rec.FinishedAt), rec.Detail, current+1,
			rec.SeriesID, rec.TransactionID, current,
		)
	case seqtx.OpDelete:
		query := fmt.Sprintf(`DELETE FROM %s WHERE series_id = ? AND transaction_id = ? AND version = ?`, s.table)
		result, err = q.ExecContext(ctx, query, rec.SeriesID, rec.TransactionID, current)
	default:
		return 0, fmt.Errorf("%w: unknown op kind %d", seqtx.ErrInvalidRequest, op.Kind)
	}
	if err != nil {
		return 0, translate(op.Kind.String()+" record", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, translate("get rows affected", err)
	}
	if rowsAffected == 0 {
		exists, err := s.exists(ctx, q, rec.SeriesID, rec.TransactionID)
		if err != nil {
			return 0, err
		}
		if !exists {
			return 0, fmt.Errorf("%w: %s", seqtx.ErrRecordNotFound, rec.Keys())
		}
		return 0, fmt.Errorf("%w: %s %s", seqtx.ErrVersionConflict, op.Kind, rec.Keys())
	}
	return current + 1, nil
}

func (s *MySQLStore) exists(ctx context.Context, q querier, seriesID, transactionID string) (bool, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE series_id = ? AND transaction_id = ?`, s.table)

	var count int
	if err := q.QueryRowContext(ctx, query, seriesID, transactionID).Scan(&count); err != nil {
		return false, translate("check record exists", err)
	}
	return count > 0, nil
}

// DeletePartition removes every record of the series.
func (s *MySQLStore) DeletePartition(ctx context.Context, seriesID string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE series_id = ?`, s.table)
	if _, err := s.db.ExecContext(ctx, query, seriesID); err != nil {
		return translate("delete partition", err)
	}
	return nil
}

// DeleteAll removes every record.
func (s *MySQLStore) DeleteAll(ctx context.Context) error {
	query := fmt.Sprintf(`DELETE FROM %s`, s.table)
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return translate("delete all", err)
	}
	return nil
}

// ============================================================================
// Helper Functions
// ============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*seqtx.Record, error) {
	var (
		rec                         seqtx.Record
		state                       string
		prev, start, end, processor sql.NullString
		timeout, finished           sql.NullTime
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
	rec.PreviousTransactionID = prev.String
	rec.StartPosition = start.String
	rec.EndPosition = end.String
	rec.ProcessorID = processor.String
	if timeout.Valid {
		rec.Timeout = timeout.Time.UTC()
	}
	if finished.Valid {
		rec.FinishedAt = finished.Time.UTC()
	}
	rec.Version = strconv.FormatInt(version, 10)
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
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

// isDuplicateKeyError checks if the error is a MySQL duplicate key error.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	// MySQL error code 1062 is for duplicate entry
	return strings.Contains(err.Error(), "Duplicate entry") ||
		strings.Contains(err.Error(), "1062")
}

func isConnectionError(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Ensure MySQLStore implements the store interfaces.
var (
	_ seqtx.Store        = (*MySQLStore)(nil)
	_ seqtx.SeriesLister = (*MySQLStore)(nil)
)
