// Package badger is the embedded key-value record store built on BadgerDB.
// Badger transactions are serializable snapshots: a transaction whose reads
// were overwritten by a concurrent commit fails at Commit with
// types.ErrTxConflict.
//
// Key layout:
//
//	r/<table>\x00<encoded key>  record payload (JSON row)
//	v/<name>                    reservation {holder, expires_at}
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// reservationSlack keeps a reservation entry alive a little past its lease
// so expiry is decided by the store clock, not by badger's TTL.
const reservationSlack = time.Minute

// maxReserveRetries bounds retries of a reservation lost to a concurrent
// claim; after a retry the loser sees the winner's claim.
const maxReserveRetries = 8

var (
	recordPrefix      = []byte("r/")
	reservationPrefix = []byte("v/")
	sharePrefix       = []byte("s/")
)

func recordKey(table, key string) []byte {
	b := make([]byte, 0, len(recordPrefix)+len(table)+1+len(key))
	b = append(b, recordPrefix...)
	b = append(b, table...)
	b = append(b, 0)
	return append(b, key...)
}

// shareKey marks a record that committed writes depend on. GetShared writes
// it and Delete reads it, so badger's read tracking fails whichever of the
// two commits second, including when the dependent row is new and a scan
// could not have seen it.
func shareKey(table, key string) []byte {
	rk := recordKey(table, key)
	return append(append([]byte{}, sharePrefix...), rk[len(recordPrefix):]...)
}

func reservationKey(name string) []byte {
	return append(append([]byte{}, reservationPrefix...), name...)
}

type reservation struct {
	Holder    string `json:"holder"`
	ExpiresAt int64  `json:"expires_at"`
}

// Store implements types.Store on a badger database.
type Store struct {
	db     *badger.DB
	now    func() time.Time
	closed atomic.Bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for reservation leases.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens the database in dir, creating it if needed.
func Open(dir string, opts ...Option) (*Store, error) {
	return open(badger.DefaultOptions(dir).WithLogger(nil), opts...)
}

// OpenInMemory opens a database that lives only in memory.
func OpenInMemory(opts ...Option) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil), opts...)
}

func open(bopts badger.Options, opts ...Option) (*Store, error) {
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w: %v", types.ErrStorageUnavailable, err)
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) check(ctx context.Context) error {
	if s.closed.Load() {
		return types.ErrStoreClosed
	}
	return ctx.Err()
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: %v", types.ErrTxConflict, err)
	case errors.Is(err, badger.ErrDBClosed):
		return types.ErrStoreClosed
	case errors.Is(err, badger.ErrBlockedWrites):
		return fmt.Errorf("%w: %v", types.ErrStorageUnavailable, err)
	}
	return err
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context, opts types.TxOptions) (types.Tx, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	return &tx{store: s, txn: s.db.NewTransaction(!opts.ReadOnly), readOnly: opts.ReadOnly}, nil
}

func (s *Store) view(ctx context.Context, fn func(*tx) error) error {
	t, err := s.Begin(ctx, types.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	defer t.Rollback()
	return fn(t.(*tx))
}

func (s *Store) update(ctx context.Context, fn func(*tx) error) error {
	t, err := s.Begin(ctx, types.TxOptions{})
	if err != nil {
		return err
	}
	defer t.Rollback()
	if err := fn(t.(*tx)); err != nil {
		return err
	}
	return t.Commit()
}

// Get reads one row.
func (s *Store) Get(ctx context.Context, table, key string) (row types.Row, err error) {
	err = s.view(ctx, func(t *tx) error {
		row, err = t.Get(ctx, table, key)
		return err
	})
	return row, err
}

// Scan reads rows by key prefix in key order.
func (s *Store) Scan(ctx context.Context, table, prefix string) (recs []types.Record, err error) {
	err = s.view(ctx, func(t *tx) error {
		recs, err = t.Scan(ctx, table, prefix)
		return err
	})
	return recs, err
}

// Put upserts one row.
func (s *Store) Put(ctx context.Context, table, key string, row types.Row) error {
	return s.update(ctx, func(t *tx) error { return t.Put(ctx, table, key, row) })
}

// PutMany upserts rows atomically.
func (s *Store) PutMany(ctx context.Context, table string, records []types.Record) error {
	return s.update(ctx, func(t *tx) error { return t.PutMany(ctx, table, records) })
}

// Delete removes one row.
func (s *Store) Delete(ctx context.Context, table, key string) error {
	return s.update(ctx, func(t *tx) error { return t.Delete(ctx, table, key) })
}

// TryReserve claims name for holder until the lease elapses.
func (s *Store) TryReserve(ctx context.Context, name, holder string, lease time.Duration) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	k := reservationKey(name)
	for attempt := 0; ; attempt++ {
		won := false
		err := s.db.Update(func(txn *badger.Txn) error {
			now := s.now()
			cur, found, err := readReservation(txn, k)
			if err != nil {
				return err
			}
			if found && cur.Holder != holder && now.UnixNano() < cur.ExpiresAt {
				return nil
			}
			data, err := json.Marshal(reservation{Holder: holder, ExpiresAt: now.Add(lease).UnixNano()})
			if err != nil {
				return err
			}
			won = true
			return txn.SetEntry(badger.NewEntry(k, data).WithTTL(lease + reservationSlack))
		})
		if errors.Is(err, badger.ErrConflict) && attempt < maxReserveRetries {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("reserving %s: %w", name, classify(err))
		}
		return won, nil
	}
}

func readReservation(txn *badger.Txn, k []byte) (reservation, bool, error) {
	item, err := txn.Get(k)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return reservation{}, false, nil
	}
	if err != nil {
		return reservation{}, false, err
	}
	var r reservation
	err = item.Value(func(v []byte) error { return json.Unmarshal(v, &r) })
	return r, err == nil, err
}

// ReleaseReservation drops holder's claim on name.
func (s *Store) ReleaseReservation(ctx context.Context, name, holder string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	k := reservationKey(name)
	err := s.db.Update(func(txn *badger.Txn) error {
		cur, found, err := readReservation(txn, k)
		if err != nil || !found || cur.Holder != holder {
			return err
		}
		return txn.Delete(k)
	})
	if err != nil {
		return fmt.Errorf("releasing %s: %w", name, classify(err))
	}
	return nil
}

// SweepReservations removes expired claims.
func (s *Store) SweepReservations(ctx context.Context) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		now := s.now().UnixNano()
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: reservationPrefix})
		var expired [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var r reservation
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &r) }); err != nil {
				it.Close()
				return err
			}
			if r.ExpiresAt <= now {
				expired = append(expired, item.KeyCopy(nil))
			}
		}
		it.Close()
		for _, k := range expired {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweeping reservations: %w", classify(err))
	}
	return n, nil
}

// Close closes the database. Close is idempotent.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// tx wraps one badger transaction. Pending writes are visible to the
// transaction's own reads and iterators.
type tx struct {
	store    *Store
	txn      *badger.Txn
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
	item, err := t.txn.Get(recordKey(table, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, classify(err))
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", table, classify(err))
	}
	return types.DecodeRow(data)
}

func (t *tx) GetShared(ctx context.Context, table, key string) (types.Row, error) {
	row, err := t.Get(ctx, table, key)
	if err != nil || t.readOnly {
		return row, err
	}
	if err := t.txn.Set(shareKey(table, key), nil); err != nil {
		return nil, fmt.Errorf("marking %s: %w", table, classify(err))
	}
	return row, nil
}

func (t *tx) Scan(ctx context.Context, table, prefix string) ([]types.Record, error) {
	if err := t.check(ctx, false); err != nil {
		return nil, err
	}
	base := recordKey(table, "")
	it := t.txn.NewIterator(badger.IteratorOptions{
		PrefetchValues: true,
		PrefetchSize:   100,
		Prefix:         recordKey(table, prefix),
	})
	defer it.Close()

	var out []types.Record
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		data, err := item.ValueCopy(nil)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", table, classify(err))
		}
		row, err := types.DecodeRow(data)
		if err != nil {
			return nil, err
		}
		out = append(out, types.Record{Key: string(item.Key()[len(base):]), Row: row})
	}
	return out, nil
}

func (t *tx) Put(ctx context.Context, table, key string, row types.Row) error {
	if err := t.check(ctx, true); err != nil {
		return err
	}
	data, err := types.EncodeRow(row)
	if err != nil {
		return err
	}
	if err := t.txn.Set(recordKey(table, key), data); err != nil {
		return fmt.Errorf("writing %s: %w", table, classify(err))
	}
	return nil
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
	sk := shareKey(table, key)
	if _, err := t.txn.Get(sk); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("deleting from %s: %w", table, classify(err))
	}
	if err := t.txn.Delete(recordKey(table, key)); err != nil {
		return fmt.Errorf("deleting from %s: %w", table, classify(err))
	}
	if err := t.txn.Delete(sk); err != nil {
		return fmt.Errorf("deleting from %s: %w", table, classify(err))
	}
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return types.ErrTxClosed
	}
	t.done = true
	if t.readOnly {
		t.txn.Discard()
		return nil
	}
	if err := t.txn.Commit(); err != nil {
		return fmt.Errorf("committing: %w", classify(err))
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.txn.Discard()
	return nil
}
