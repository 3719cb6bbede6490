// Package sqlite is the SQLite record store. The database runs in WAL mode
// so readers keep their snapshot while a writer commits; writers take the
// write lock when their transaction begins, so write transactions never
// conflict at commit.
package sqlite

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/mesh-intelligence/pipeline/internal/sqlstore"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// DBFile is the database file name inside a data directory.
const DBFile = "pipeline.db"

// BusyTimeoutMillis is how long a connection waits on a locked database.
const BusyTimeoutMillis = 5000

var schema = []string{
	`CREATE TABLE IF NOT EXISTS records (
    tbl TEXT NOT NULL,
    key BLOB NOT NULL,
    payload BLOB NOT NULL,
    PRIMARY KEY (tbl, key)
) WITHOUT ROWID`,
	`CREATE TABLE IF NOT EXISTS reservations (
    name TEXT PRIMARY KEY,
    holder TEXT NOT NULL,
    expires_at INTEGER NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS reservations_expires ON reservations (expires_at)`,
}

// Open opens or creates the database at path.
func Open(ctx context.Context, path string, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", BusyTimeoutMillis))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	s, err := sqlstore.New(ctx, db, dialect{}, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenDir opens the database file inside dataDir.
func OpenDir(ctx context.Context, dataDir string, opts ...sqlstore.Option) (*sqlstore.Store, error) {
	if dataDir == "" {
		dataDir = "."
	}
	return Open(ctx, filepath.Join(dataDir, DBFile), opts...)
}

type dialect struct{}

func (dialect) Name() string           { return "sqlite" }
func (dialect) Schema() []string       { return schema }
func (dialect) Rebind(q string) string { return q }

// Begin pins a connection and starts the transaction by hand so read-write
// transactions can use BEGIN IMMEDIATE while snapshots stay deferred.
func (dialect) Begin(ctx context.Context, db *sql.DB, readOnly bool) (sqlstore.Session, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	stmt := "BEGIN IMMEDIATE"
	if readOnly {
		stmt = "BEGIN"
	}
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		conn.Close()
		return nil, err
	}
	return &session{Conn: conn}, nil
}

func (dialect) Classify(err error) error {
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", types.ErrTxConflict, err)
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_FULL, sqlite3.SQLITE_READONLY:
			return fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
		}
	}
	return err
}

// session is a transaction on a pinned connection.
type session struct {
	*sql.Conn
	done bool
}

func (s *session) end(stmt string) error {
	if s.done {
		return sql.ErrTxDone
	}
	s.done = true
	if _, err := s.Conn.ExecContext(context.Background(), stmt); err != nil {
		// Drop the connection so no half-open transaction returns to the
		// pool; closing it rolls back.
		_ = s.Conn.Raw(func(any) error { return driver.ErrBadConn })
		return err
	}
	return s.Conn.Close()
}

func (s *session) Commit() error   { return s.end("COMMIT") }
func (s *session) Rollback() error { return s.end("ROLLBACK") }
