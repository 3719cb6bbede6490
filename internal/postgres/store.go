// Package postgres is the Postgres record store. Read-write transactions
// run at SERIALIZABLE and read-only ones at REPEATABLE READ, so each sees
// one snapshot; a concurrent update of the same row, or write skew between
// an insert and a delete of its parent, fails with a serialization error
// that surfaces as types.ErrTxConflict.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/mesh-intelligence/pipeline/internal/sqlstore"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

const driverName = "pgx"

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS records (
		tbl TEXT NOT NULL,
		key BYTEA NOT NULL,
		payload JSONB NOT NULL,
		PRIMARY KEY (tbl, key)
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS reservations_expires ON reservations (expires_at)`,
}

// Open connects to dsn and creates the store tables if needed.
func Open(ctx context.Context, dsn string, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	if dsn == "" {
		return nil, types.ErrDSNRequired
	}
	openMu.Lock()
	db, err := sqlOpen(driverName, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", Dialect.Classify(err))
	}
	s, err := sqlstore.New(ctx, db, Dialect, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Dialect is the Postgres dialect for sqlstore.
var Dialect sqlstore.Dialect = dialect{}

type dialect struct{}

func (dialect) Name() string     { return "postgres" }
func (dialect) Schema() []string { return schema }

// Rebind numbers ? placeholders as $1, $2, ... Queries here carry no
// string literals, so every ? is a placeholder.
func (dialect) Rebind(q string) string {
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Begin runs read-write transactions at SERIALIZABLE, so a foreign key check
// that races a cascade delete of the parent aborts one of them. Read-only
// transactions only need a stable snapshot.
func (dialect) Begin(ctx context.Context, db *sql.DB, readOnly bool) (sqlstore.Session, error) {
	level := sql.LevelSerializable
	if readOnly {
		level = sql.LevelRepeatableRead
	}
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: level, ReadOnly: readOnly})
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// SQLSTATE codes the store maps onto sentinels.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
	codeTooManyConnections   = "53300"
	codeCannotConnectNow     = "57P03"
	codeAdminShutdown        = "57P01"
)

func (dialect) Classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return fmt.Errorf("%w: %v", types.ErrTxConflict, err)
		case codeTooManyConnections, codeCannotConnectNow, codeAdminShutdown:
			return fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) || errors.Is(err, driver.ErrBadConn) {
		return fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}
	return err
}

// OverrideSQLOpen swaps the sql.Open hook for tests and returns a restore
// function.
func OverrideSQLOpen(fn func(driverName, dsn string) (*sql.DB, error)) func() {
	openMu.Lock()
	prev := sqlOpen
	sqlOpen = fn
	openMu.Unlock()
	return func() {
		openMu.Lock()
		sqlOpen = prev
		openMu.Unlock()
	}
}
