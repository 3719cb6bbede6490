// Package sqlstore implements types.Store over database/sql. Rows live in a
// single records table keyed by (table name, encoded key); reservations live
// in their own table. A Dialect supplies the DDL, placeholders, transaction
// start and error mapping of a concrete database.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// Session is an open database transaction. *sql.Tx satisfies it.
type Session interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	Commit() error
	Rollback() error
}

// Dialect adapts the store to one database.
type Dialect interface {
	// Name identifies the database in errors and logs.
	Name() string

	// Schema returns the statements that create the store's tables. They
	// must be safe to run against an existing database.
	Schema() []string

	// Rebind rewrites ? placeholders into the database's syntax.
	Rebind(query string) string

	// Begin opens a transaction with snapshot reads. Read-write sessions
	// must be serializable: either writers run one at a time, or the
	// database aborts write skew (an insert whose parent a concurrent
	// delete removed) with an error Classify maps to types.ErrTxConflict.
	Begin(ctx context.Context, db *sql.DB, readOnly bool) (Session, error)

	// Classify maps driver errors onto the types sentinels. Errors it does
	// not recognize are returned unchanged.
	Classify(err error) error
}

// Store is a types.Store backed by a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
	closed  atomic.Bool

	qGet, qScan, qScanRange, qPut, qDelete string
	qReserve, qRelease, qSweep            string
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for reservation leases.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates the store's tables if needed and returns a Store that owns db.
func New(ctx context.Context, db *sql.DB, d Dialect, opts ...Option) (*Store, error) {
	s := &Store{db: db, dialect: d, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	for _, stmt := range d.Schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("creating %s schema: %w", d.Name(), s.classify(err))
		}
	}

	s.qGet = d.Rebind(`SELECT payload FROM records WHERE tbl = ? AND key = ?`)
	s.qScan = d.Rebind(`SELECT key, payload FROM records WHERE tbl = ? ORDER BY key`)
	s.qScanRange = d.Rebind(`SELECT key, payload FROM records WHERE tbl = ? AND key >= ? AND key < ? ORDER BY key`)
	s.qPut = d.Rebind(`INSERT INTO records (tbl, key, payload) VALUES (?, ?, ?)
		ON CONFLICT (tbl, key) DO UPDATE SET payload = excluded.payload`)
	s.qDelete = d.Rebind(`DELETE FROM records WHERE tbl = ? AND key = ?`)
	s.qReserve = d.Rebind(`INSERT INTO reservations (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE reservations.expires_at <= ? OR reservations.holder = excluded.holder`)
	s.qRelease = d.Rebind(`DELETE FROM reservations WHERE name = ? AND holder = ?`)
	s.qSweep = d.Rebind(`DELETE FROM reservations WHERE expires_at <= ?`)
	return s, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) classify(err error) error {
	if err == nil {
		return nil
	}
	if s.closed.Load() {
		return types.ErrStoreClosed
	}
	return s.dialect.Classify(err)
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return types.ErrStoreClosed
	}
	return ctx.Err()
}

// prefixEnd returns the smallest key greater than every key starting with
// prefix, or "" when there is none.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

// querier is the statement surface shared by *sql.DB and Session.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q querier, table, key string) (types.Row, error) {
	var payload []byte
	err := q.QueryRowContext(ctx, s.qGet, table, []byte(key)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, s.classify(err))
	}
	return types.DecodeRow(payload)
}

func (s *Store) scan(ctx context.Context, q querier, table, prefix string) ([]types.Record, error) {
	var (
		rows *sql.Rows
		err  error
	)
	end := prefixEnd(prefix)
	if prefix == "" || end == "" {
		rows, err = q.QueryContext(ctx, s.qScan, table)
	} else {
		rows, err = q.QueryContext(ctx, s.qScanRange, table, []byte(prefix), []byte(end))
	}
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", table, s.classify(err))
	}
	defer rows.Close()

	var out []types.Record
	for rows.Next() {
		var key, payload []byte
		if err := rows.Scan(&key, &payload); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, s.classify(err))
		}
		// A prefix made only of 0xff bytes has no range end; filter instead.
		if end == "" && prefix != "" && (len(key) < len(prefix) || string(key[:len(prefix)]) != prefix) {
			continue
		}
		row, err := types.DecodeRow(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, types.Record{Key: string(key), Row: row})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", table, s.classify(err))
	}
	return out, nil
}

func (s *Store) put(ctx context.Context, q querier, table, key string, row types.Row) error {
	payload, err := types.EncodeRow(row)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, s.qPut, table, []byte(key), payload); err != nil {
		return fmt.Errorf("writing %s: %w", table, s.classify(err))
	}
	return nil
}

func (s *Store) delete(ctx context.Context, q querier, table, key string) error {
	if _, err := q.ExecContext(ctx, s.qDelete, table, []byte(key)); err != nil {
		return fmt.Errorf("deleting from %s: %w", table, s.classify(err))
	}
	return nil
}

// Get reads one row.
func (s *Store) Get(ctx context.Context, table, key string) (types.Row, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.get(ctx, s.db, table, key)
}

// Scan reads rows by key prefix in key order.
func (s *Store) Scan(ctx context.Context, table, prefix string) ([]types.Record, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return s.scan(ctx, s.db, table, prefix)
}

// Put upserts one row.
func (s *Store) Put(ctx context.Context, table, key string, row types.Row) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.put(ctx, s.db, table, key, row)
}

// PutMany upserts rows in one transaction.
func (s *Store) PutMany(ctx context.Context, table string, records []types.Record) error {
	tx, err := s.Begin(ctx, types.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := tx.PutMany(ctx, table, records); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete removes one row.
func (s *Store) Delete(ctx context.Context, table, key string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.delete(ctx, s.db, table, key)
}

// Begin opens a transaction. The snapshot is taken before Begin returns.
func (s *Store) Begin(ctx context.Context, opts types.TxOptions) (types.Tx, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	sess, err := s.dialect.Begin(ctx, s.db, opts.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("beginning %s transaction: %w", s.dialect.Name(), s.classify(err))
	}
	var one int
	err = sess.QueryRowContext(ctx, `SELECT 1 FROM records LIMIT 1`).Scan(&one)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		sess.Rollback()
		return nil, fmt.Errorf("opening snapshot: %w", s.classify(err))
	}
	return &tx{store: s, sess: sess, readOnly: opts.ReadOnly}, nil
}

// TryReserve claims name for holder until the lease elapses.
func (s *Store) TryReserve(ctx context.Context, name, holder string, lease time.Duration) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.qReserve, name, holder, now.Add(lease).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("reserving %s: %w", name, s.classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserving %s: %w", name, s.classify(err))
	}
	return n > 0, nil
}

// ReleaseReservation drops holder's claim on name.
func (s *Store) ReleaseReservation(ctx context.Context, name, holder string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.qRelease, name, holder); err != nil {
		return fmt.Errorf("releasing %s: %w", name, s.classify(err))
	}
	return nil
}

// SweepReservations removes expired claims.
func (s *Store) SweepReservations(ctx context.Context) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.qSweep, s.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweeping reservations: %w", s.classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweeping reservations: %w", s.classify(err))
	}
	return int(n), nil
}

// Close closes the database. Close is idempotent.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// tx is a transaction over one Session.
type tx struct {
	store    *Store
	sess     Session
	readOnly bool
	done     bool
}

func (t *tx) check(ctx context.Context, write bool) error {
	if t.done {
		return types.ErrTxClosed
	}
	if write && t.readOnly {
		return types.ErrReadOnlyTx
	}
	return t.store.check(ctx)
}

func (t *tx) Get(ctx context.Context, table, key string) (types.Row, error) {
	if err := t.check(ctx, false); err != nil {
		return nil, err
	}
	return t.store.get(ctx, t.sess, table, key)
}

// GetShared relies on the dialect's serializable sessions to fail one of
// two transactions that race a delete of the row against a write that
// depends on it.
func (t *tx) GetShared(ctx context.Context, table, key string) (types.Row, error) {
	return t.Get(ctx, table, key)
}

func (t *tx) Scan(ctx context.Context, table, prefix string) ([]types.Record, error) {
	if err := t.check(ctx, false); err != nil {
		return nil, err
	}
	return t.store.scan(ctx, t.sess, table, prefix)
}

func (t *tx) Put(ctx context.Context, table, key string, row types.Row) error {
	if err := t.check(ctx, true); err != nil {
		return err
	}
	return t.store.put(ctx, t.sess, table, key, row)
}

func (t *tx) PutMany(ctx context.Context, table string, records []types.Record) error {
	for _, r := range records {
		if err := t.Put(ctx, table, r.Key, r.Row); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) Delete(ctx context.Context, table, key string) error {
	if err := t.check(ctx, true); err != nil {
		return err
	}
	return t.store.delete(ctx, t.sess, table, key)
}

func (t *tx) Commit() error {
	if t.done {
		return types.ErrTxClosed
	}
	t.done = true
	if err := t.sess.Commit(); err != nil {
		return fmt.Errorf("committing: %w", t.store.classify(err))
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.sess.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return t.store.classify(err)
	}
	return nil
}
