// Package memstore is an in-process record store. Committed state is
// copy-on-write: a transaction captures the table maps current at Begin and
// reads them without locking, and a commit installs fresh maps for the
// tables it touched. Write-write conflicts are detected at commit, first
// committer wins. A delete also conflicts with a concurrent commit that
// depended on the deleted row through GetShared, and the other way round.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mesh-intelligence/pipeline/pkg/types"
)

type tables map[string]map[string][]byte

type reservation struct {
	holder  string
	expires time.Time
}

// Store implements types.Store in memory. Rows are kept in their encoded
// form so values read back have the same types as from the durable stores.
type Store struct {
	mu           sync.Mutex
	data         tables
	version      uint64
	lastWrite    map[string]uint64 // table+"\x00"+key -> commit version
	lastDelete   map[string]uint64
	lastShare    map[string]uint64
	reservations map[string]reservation
	now          func() time.Time
	closed       bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source used for reservation leases.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		data:         tables{},
		lastWrite:    map[string]uint64{},
		lastDelete:   map[string]uint64{},
		lastShare:    map[string]uint64{},
		reservations: map[string]reservation{},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func writeID(table, key string) string { return table + "\x00" + key }

// Begin starts a transaction over the current committed state.
func (s *Store) Begin(ctx context.Context, opts types.TxOptions) (types.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, types.ErrStoreClosed
	}
	return &tx{
		store:    s,
		snapshot: s.data,
		start:    s.version,
		readOnly: opts.ReadOnly,
		writes:   map[string]map[string]*[]byte{},
		shared:   map[string]bool{},
	}, nil
}

// commit applies writes made on top of the snapshot taken at start. shared
// holds the write IDs of rows read through GetShared.
func (s *Store) commit(start uint64, writes map[string]map[string]*[]byte, shared map[string]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ErrStoreClosed
	}
	if len(writes) == 0 {
		return nil
	}
	for table, ws := range writes {
		for key, v := range ws {
			id := writeID(table, key)
			if s.lastWrite[id] > start {
				return types.ErrTxConflict
			}
			if v == nil && s.lastShare[id] > start {
				return types.ErrTxConflict
			}
		}
	}
	for id := range shared {
		if s.lastDelete[id] > start {
			return types.ErrTxConflict
		}
	}

	s.version++
	for id := range shared {
		s.lastShare[id] = s.version
	}
	next := make(tables, len(s.data)+len(writes))
	for t, m := range s.data {
		next[t] = m
	}
	for table, ws := range writes {
		m := make(map[string][]byte, len(next[table])+len(ws))
		for k, v := range next[table] {
			m[k] = v
		}
		for key, v := range ws {
			id := writeID(table, key)
			if v == nil {
				delete(m, key)
				s.lastDelete[id] = s.version
			} else {
				m[key] = *v
			}
			s.lastWrite[id] = s.version
		}
		next[table] = m
	}
	s.data = next
	return nil
}

// autocommit runs fn in a fresh read-write transaction.
func (s *Store) autocommit(ctx context.Context, fn func(types.Tx) error) error {
	t, err := s.Begin(ctx, types.TxOptions{})
	if err != nil {
		return err
	}
	defer t.Rollback()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}

// Get reads one row from the latest committed state.
func (s *Store) Get(ctx context.Context, table, key string) (types.Row, error) {
	t, err := s.Begin(ctx, types.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer t.Rollback()
	return t.Get(ctx, table, key)
}

// Scan reads rows by key prefix from the latest committed state.
func (s *Store) Scan(ctx context.Context, table, prefix string) ([]types.Record, error) {
	t, err := s.Begin(ctx, types.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer t.Rollback()
	return t.Scan(ctx, table, prefix)
}

// Put upserts one row.
func (s *Store) Put(ctx context.Context, table, key string, row types.Row) error {
	return s.autocommit(ctx, func(t types.Tx) error { return t.Put(ctx, table, key, row) })
}

// PutMany upserts rows atomically.
func (s *Store) PutMany(ctx context.Context, table string, records []types.Record) error {
	return s.autocommit(ctx, func(t types.Tx) error { return t.PutMany(ctx, table, records) })
}

// Delete removes one row.
func (s *Store) Delete(ctx context.Context, table, key string) error {
	return s.autocommit(ctx, func(t types.Tx) error { return t.Delete(ctx, table, key) })
}

// TryReserve claims name for holder.
func (s *Store) TryReserve(ctx context.Context, name, holder string, lease time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, types.ErrStoreClosed
	}
	now := s.now()
	if r, ok := s.reservations[name]; ok && r.holder != holder && now.Before(r.expires) {
		return false, nil
	}
	s.reservations[name] = reservation{holder: holder, expires: now.Add(lease)}
	return true, nil
}

// ReleaseReservation drops holder's claim on name.
func (s *Store) ReleaseReservation(ctx context.Context, name, holder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ErrStoreClosed
	}
	if r, ok := s.reservations[name]; ok && r.holder == holder {
		delete(s.reservations, name)
	}
	return nil
}

// SweepReservations removes expired claims.
func (s *Store) SweepReservations(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, types.ErrStoreClosed
	}
	now := s.now()
	n := 0
	for name, r := range s.reservations {
		if !now.Before(r.expires) {
			delete(s.reservations, name)
			n++
		}
	}
	return n, nil
}

// Close marks the store closed. Further calls fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// tx buffers writes over a snapshot of the committed tables.
type tx struct {
	store    *Store
	snapshot tables
	start    uint64
	readOnly bool
	done     bool
	writes   map[string]map[string]*[]byte // nil value marks a delete
	shared   map[string]bool
}

func (t *tx) check(ctx context.Context, write bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.done {
		return types.ErrTxClosed
	}
	if write && t.readOnly {
		return types.ErrReadOnlyTx
	}
	return nil
}

func (t *tx) Get(ctx context.Context, table, key string) (types.Row, error) {
	if err := t.check(ctx, false); err != nil {
		return nil, err
	}
	if v, ok := t.writes[table][key]; ok {
		if v == nil {
			return nil, types.ErrNotFound
		}
		return types.DecodeRow(*v)
	}
	data, ok := t.snapshot[table][key]
	if !ok {
		return nil, types.ErrNotFound
	}
	return types.DecodeRow(data)
}

func (t *tx) GetShared(ctx context.Context, table, key string) (types.Row, error) {
	row, err := t.Get(ctx, table, key)
	if err == nil && !t.readOnly {
		t.shared[writeID(table, key)] = true
	}
	return row, err
}

func (t *tx) Scan(ctx context.Context, table, prefix string) ([]types.Record, error) {
	if err := t.check(ctx, false); err != nil {
		return nil, err
	}
	merged := map[string][]byte{}
	for k, v := range t.snapshot[table] {
		if strings.HasPrefix(k, prefix) {
			merged[k] = v
		}
	}
	for k, v := range t.writes[table] {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = *v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.Record, 0, len(keys))
	for _, k := range keys {
		row, err := types.DecodeRow(merged[k])
		if err != nil {
			return nil, err
		}
		out = append(out, types.Record{Key: k, Row: row})
	}
	return out, nil
}

func (t *tx) buffer(table, key string, v *[]byte) {
	ws, ok := t.writes[table]
	if !ok {
		ws = map[string]*[]byte{}
		t.writes[table] = ws
	}
	ws[key] = v
}

func (t *tx) Put(ctx context.Context, table, key string, row types.Row) error {
	if err := t.check(ctx, true); err != nil {
		return err
	}
	data, err := types.EncodeRow(row)
	if err != nil {
		return err
	}
	t.buffer(table, key, &data)
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
	t.buffer(table, key, nil)
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return types.ErrTxClosed
	}
	t.done = true
	return t.store.commit(t.start, t.writes, t.shared)
}

func (t *tx) Rollback() error {
	t.done = true
	return nil
}
