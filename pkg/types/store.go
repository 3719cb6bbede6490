package types

import (
	"context"
	"time"
)

// Reader provides point lookups and prefix scans.
type Reader interface {
	// Get returns the row stored under key. Returns ErrNotFound when absent.
	Get(ctx context.Context, table, key string) (Row, error)

	// Scan returns every record of table whose encoded key starts with
	// prefix, ordered by key. An empty prefix scans the whole table.
	Scan(ctx context.Context, table, prefix string) ([]Record, error)
}

// Writer provides upserts and deletes by encoded key.
type Writer interface {
	// Put creates or replaces the row stored under key.
	Put(ctx context.Context, table, key string, row Row) error

	// PutMany upserts all records; within a transaction they commit together.
	PutMany(ctx context.Context, table string, records []Record) error

	// Delete removes the row stored under key. Deleting an absent key is not
	// an error.
	Delete(ctx context.Context, table, key string) error
}

// Tx is a unit of work with snapshot isolation: every read sees the state as
// of Begin plus the transaction's own writes. Commit applies all writes or
// none and returns ErrTxConflict when a concurrent commit touched the same
// keys. Rollback after Commit is a no-op.
type Tx interface {
	Reader
	Writer

	// GetShared is Get for a row the transaction's writes depend on, such as
	// the parent a new row references. When a concurrent transaction
	// deletes that row, at most one of the two commits; the other fails
	// with ErrTxConflict.
	GetShared(ctx context.Context, table, key string) (Row, error)

	Commit() error
	Rollback() error
}

// TxOptions configures Begin.
type TxOptions struct {
	ReadOnly bool
}

// Store is the keyed-record store the pipeline runs on. Reader and Writer
// methods on the Store itself run as single-operation transactions.
type Store interface {
	Reader
	Writer

	// Begin starts a transaction.
	Begin(ctx context.Context, opts TxOptions) (Tx, error)

	// TryReserve claims name for holder until the lease elapses. It returns
	// false when another holder owns an unexpired claim. A holder may renew
	// its own claim; an expired claim can be taken by anyone.
	TryReserve(ctx context.Context, name, holder string, lease time.Duration) (bool, error)

	// ReleaseReservation drops holder's claim on name. Releasing a claim
	// that is absent or owned by someone else is not an error.
	ReleaseReservation(ctx context.Context, name, holder string) error

	// SweepReservations removes expired claims and returns how many it
	// removed.
	SweepReservations(ctx context.Context) (int, error)

	// Close releases backend resources. Close is idempotent.
	Close() error
}

// System tables kept alongside user tables. Their names cannot collide with
// schema tables, which must start with a letter.
const (
	JobsTable = "~jobs"
)
