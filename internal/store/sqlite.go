package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"reservo/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ OrderStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS queued_orders (
	id              TEXT    PRIMARY KEY,
	owner           TEXT    NOT NULL,
	ticker          TEXT    NOT NULL,
	side            TEXT    NOT NULL,
	seed            REAL    NOT NULL,
	avg_price       REAL    NOT NULL,
	tranches        INTEGER NOT NULL,
	status          TEXT    NOT NULL,
	execute_after   INTEGER NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	executed_at     INTEGER,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	error           TEXT,
	repeat_group    TEXT,
	repeat_index    INTEGER NOT NULL DEFAULT 0,
	exec_price      REAL    NOT NULL DEFAULT 0,
	exec_qty        INTEGER NOT NULL DEFAULT 0,
	broker_order_id TEXT,
	lock_token      TEXT,
	submitted_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_queued_orders_due   ON queued_orders (status, execute_after);
CREATE INDEX IF NOT EXISTS idx_queued_orders_owner ON queued_orders (owner, status);
CREATE INDEX IF NOT EXISTS idx_queued_orders_upd   ON queued_orders (status, updated_at);
`

const orderColumns = `id, owner, ticker, side, seed, avg_price, tranches, status,
	execute_after, created_at, updated_at, executed_at, retry_count, error,
	repeat_group, repeat_index, exec_price, exec_qty, broker_order_id, lock_token,
	submitted_at`

// SQLiteStore implements OrderStore backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", dbPath, err)
	}

	// One connection per process: statements are serialised here and the
	// SQLite file lock serialises processes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// migrate adds columns introduced after the first schema to existing files.
func migrate(db *sql.DB) error {
	rows, err := db.Query(`SELECT name FROM pragma_table_info('queued_orders')`)
	if err != nil {
		return fmt.Errorf("reading table info: %w", err)
	}
	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return fmt.Errorf("reading table info: %w", err)
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading table info: %w", err)
	}

	if !have["submitted_at"] {
		if _, err := db.Exec(`ALTER TABLE queued_orders ADD COLUMN submitted_at INTEGER`); err != nil {
			return fmt.Errorf("adding submitted_at: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Insert stores new orders in a single transaction.
func (s *SQLiteStore) Insert(ctx context.Context, orders ...*domain.QueuedOrder) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO queued_orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, o := range orders {
		_, err := stmt.ExecContext(ctx,
			o.ID, o.Owner, o.Ticker, string(o.Side), o.Seed, o.AvgPrice, o.Tranches, string(o.Status),
			toNanos(o.ExecuteAfter), toNanos(o.CreatedAt), toNanos(o.UpdatedAt), nullTime(o.ExecutedAt),
			o.RetryCount, nullString(o.Error), nullString(o.RepeatGroup), o.RepeatIndex,
			o.ExecPrice, o.ExecQty, nullString(o.BrokerOrderID), nullString(o.LockToken),
			nullTime(o.SubmittedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting order %s: %w", o.ID, err)
		}
	}
	return tx.Commit()
}

// Get retrieves a single order by its ID.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.QueuedOrder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM queued_orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading order %s: %w", id, err)
	}
	return o, nil
}

// List returns the owner's orders filtered by status.
func (s *SQLiteStore) List(ctx context.Context, owner string, statuses ...domain.OrderStatus) ([]domain.QueuedOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM queued_orders WHERE owner = ?`
	args := []any{owner}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY execute_after ASC, created_at ASC`
	return s.queryOrders(ctx, query, args...)
}

// Due returns PENDING orders that may be claimed at now, oldest first.
func (s *SQLiteStore) Due(ctx context.Context, now time.Time, limit int) ([]domain.QueuedOrder, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryOrders(ctx, `SELECT `+orderColumns+` FROM queued_orders
		WHERE status = ? AND execute_after <= ?
		ORDER BY execute_after ASC, created_at ASC
		LIMIT ?`, string(domain.StatusPending), toNanos(now), limit)
}

// Claim performs the PENDING -> RUNNING compare-and-swap.
func (s *SQLiteStore) Claim(ctx context.Context, id, token string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE queued_orders
		SET status = ?, lock_token = ?, updated_at = ?
		WHERE id = ? AND status = ? AND execute_after <= ?`,
		string(domain.StatusRunning), token, toNanos(now),
		id, string(domain.StatusPending), toNanos(now))
	if err != nil {
		return false, fmt.Errorf("claiming order %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claiming order %s: %w", id, err)
	}
	return n == 1, nil
}

// MarkSubmitted stamps submitted_at on an order still held by token.
func (s *SQLiteStore) MarkSubmitted(ctx context.Context, id, token string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE queued_orders
		SET submitted_at = ?
		WHERE id = ? AND status = ? AND lock_token = ?`,
		toNanos(now), id, string(domain.StatusRunning), token)
	if err != nil {
		return fmt.Errorf("marking order %s submitted: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking order %s submitted: %w", id, err)
	}
	if n != 1 {
		return domain.ErrLockLost
	}
	return nil
}

// CommitDone performs the RUNNING -> DONE compare-and-swap.
func (s *SQLiteStore) CommitDone(ctx context.Context, id, token string, r domain.Resolution, brokerOrderID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE queued_orders
		SET status = ?, executed_at = ?, updated_at = ?, error = NULL, lock_token = NULL,
			exec_price = ?, exec_qty = ?, broker_order_id = ?
		WHERE id = ? AND status = ? AND lock_token = ?`,
		string(domain.StatusDone), toNanos(now), toNanos(now),
		r.Price, r.Qty, nullString(brokerOrderID),
		id, string(domain.StatusRunning), token)
	if err != nil {
		return fmt.Errorf("committing order %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("committing order %s: %w", id, err)
	}
	if n != 1 {
		return domain.ErrLockLost
	}
	return nil
}

// CommitFailure records a failed attempt and decides between retry and ERROR
// inside the same statement, so a stale in-memory retry count never leaks in.
func (s *SQLiteStore) CommitFailure(ctx context.Context, id, token, reason string, maxRetry int, now time.Time) (domain.OrderStatus, int, error) {
	row := s.db.QueryRowContext(ctx, `UPDATE queued_orders
		SET retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= ? THEN ? ELSE ? END,
			error = ?, lock_token = NULL, submitted_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND lock_token = ?
		RETURNING status, retry_count`,
		maxRetry, string(domain.StatusError), string(domain.StatusPending),
		reason, toNanos(now),
		id, string(domain.StatusRunning), token)

	var status string
	var retries int
	if err := row.Scan(&status, &retries); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, domain.ErrLockLost
		}
		return "", 0, fmt.Errorf("recording failure for order %s: %w", id, err)
	}
	return domain.OrderStatus(status), retries, nil
}

// SweepStale releases abandoned RUNNING orders. An order whose submission
// mark is set may already be live at the brokerage and is parked in ERROR
// instead of being queued again.
func (s *SQLiteStore) SweepStale(ctx context.Context, cutoff, now time.Time) ([]Swept, error) {
	rows, err := s.db.QueryContext(ctx, `UPDATE queued_orders
		SET status = CASE WHEN submitted_at IS NULL THEN ? ELSE ? END,
			error = CASE WHEN submitted_at IS NULL THEN error ELSE ? END,
			lock_token = NULL, updated_at = ?
		WHERE status = ? AND updated_at < ?
		RETURNING id, status`,
		string(domain.StatusPending), string(domain.StatusError),
		domain.ErrUnconfirmed.Error(), toNanos(now),
		string(domain.StatusRunning), toNanos(cutoff))
	if err != nil {
		return nil, fmt.Errorf("sweeping stale locks: %w", err)
	}
	defer rows.Close()

	var swept []Swept
	for rows.Next() {
		var sw Swept
		var status string
		if err := rows.Scan(&sw.ID, &status); err != nil {
			return nil, fmt.Errorf("scanning swept order: %w", err)
		}
		sw.Status = domain.OrderStatus(status)
		swept = append(swept, sw)
	}
	return swept, rows.Err()
}

// DeletePending removes an order that has not started executing.
func (s *SQLiteStore) DeletePending(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM queued_orders WHERE id = ? AND status = ?`,
		id, string(domain.StatusPending))
	if err != nil {
		return false, fmt.Errorf("deleting order %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting order %s: %w", id, err)
	}
	return n == 1, nil
}

// TerminalBeyond returns the terminal orders that fall outside the retention
// window of the keep most recently updated ones.
func (s *SQLiteStore) TerminalBeyond(ctx context.Context, keep int) ([]domain.QueuedOrder, error) {
	if keep < 0 {
		keep = 0
	}
	return s.queryOrders(ctx, `SELECT `+orderColumns+` FROM queued_orders
		WHERE status IN (?, ?)
		ORDER BY updated_at DESC, id DESC
		LIMIT -1 OFFSET ?`,
		string(domain.StatusDone), string(domain.StatusError), keep)
}

// DeleteTerminal removes terminal orders by id.
func (s *SQLiteStore) DeleteTerminal(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := []any{string(domain.StatusDone), string(domain.StatusError)}
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM queued_orders
		WHERE status IN (?, ?) AND id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("deleting terminal orders: %w", err)
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) queryOrders(ctx context.Context, query string, args ...any) ([]domain.QueuedOrder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}
	defer rows.Close()

	var out []domain.QueuedOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func scanOrder(row rowScanner) (*domain.QueuedOrder, error) {
	var (
		o                                     domain.QueuedOrder
		side, status                          string
		executeAfter, createdAt, updatedAt    int64
		executedAt, submittedAt               sql.NullInt64
		errMsg, group, brokerOrderID, lockTok sql.NullString
	)
	err := row.Scan(
		&o.ID, &o.Owner, &o.Ticker, &side, &o.Seed, &o.AvgPrice, &o.Tranches, &status,
		&executeAfter, &createdAt, &updatedAt, &executedAt, &o.RetryCount, &errMsg,
		&group, &o.RepeatIndex, &o.ExecPrice, &o.ExecQty, &brokerOrderID, &lockTok,
		&submittedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Side = domain.Side(side)
	o.Status = domain.OrderStatus(status)
	o.ExecuteAfter = fromNanos(executeAfter)
	o.CreatedAt = fromNanos(createdAt)
	o.UpdatedAt = fromNanos(updatedAt)
	if executedAt.Valid {
		t := fromNanos(executedAt.Int64)
		o.ExecutedAt = &t
	}
	if submittedAt.Valid {
		t := fromNanos(submittedAt.Int64)
		o.SubmittedAt = &t
	}
	o.Error = errMsg.String
	o.RepeatGroup = group.String
	o.BrokerOrderID = brokerOrderID.String
	o.LockToken = lockTok.String
	return &o, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
