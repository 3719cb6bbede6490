// Package storetest is the conformance suite for types.Store
// implementations. Each backend package calls Run from its own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// Clock is a manual time source for lease tests.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock fixed at an arbitrary instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)}
}

// Now returns the current manual time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory opens a fresh, empty store whose leases use now. The factory
// registers its own cleanup.
type Factory func(t *testing.T, now func() time.Time) types.Store

// key builds a canonical key from alternating attribute names and values.
func key(pairs ...any) string {
	attrs := make([]string, 0, len(pairs)/2)
	row := types.Row{}
	for i := 0; i < len(pairs); i += 2 {
		name := pairs[i].(string)
		attrs = append(attrs, name)
		row[name] = pairs[i+1]
	}
	return types.MustEncodeKey(attrs, row)
}

// Run executes the conformance suite against stores built by open.
func Run(t *testing.T, open Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, open Factory)
	}{
		{"GetMissing", testGetMissing},
		{"PutGet", testPutGet},
		{"PutOverwrites", testPutOverwrites},
		{"ScanPrefix", testScanPrefix},
		{"TablesAreSeparate", testTablesAreSeparate},
		{"DeleteAbsent", testDeleteAbsent},
		{"PutMany", testPutMany},
		{"TxReadsOwnWrites", testTxReadsOwnWrites},
		{"TxSnapshot", testTxSnapshot},
		{"TxRollback", testTxRollback},
		{"TxClosed", testTxClosed},
		{"TxReadOnly", testTxReadOnly},
		{"NoLostUpdates", testNoLostUpdates},
		{"DeleteRacesDependentInsert", testDeleteRacesDependentInsert},
		{"DependentInsertRacesDelete", testDependentInsertRacesDelete},
		{"Reservations", testReservations},
		{"ReservationSweep", testReservationSweep},
		{"ConcurrentReserve", testConcurrentReserve},
		{"Closed", testClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) { tt.fn(t, open) })
	}
}

func testGetMissing(t *testing.T, open Factory) {
	s := open(t, time.Now)
	_, err := s.Get(context.Background(), "subject", key("subject_id", "nobody"))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func testPutGet(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, time.Now)

	k := key("subject_id", "m1", "session", 1)
	in := types.Row{
		"subject_id":   "m1",
		"session":      1,
		"session_date": "2019-05-06",
		"duration":     0.5,
		"waveform":     []any{1, 2, 3},
		"note":         nil,
	}
	require.NoError(t, s.Put(ctx, "session", k, in))

	got, err := s.Get(ctx, "session", k)
	require.NoError(t, err)
	assert.Equal(t, types.Row{
		"subject_id":   "m1",
		"session":      int64(1),
		"session_date": "2019-05-06",
		"duration":     0.5,
		"waveform":     []any{int64(1), int64(2), int64(3)},
		"note":         nil,
	}, got)
}

func testPutOverwrites(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, time.Now)
	k := key("id", "a")

	require.NoError(t, s.Put(ctx, "t", k, types.Row{"id": "a", "v": 1}))
	require.NoError(t, s.Put(ctx, "t", k, types.Row{"id": "a", "v": 2}))

	got, err := s.Get(ctx, "t", k)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got["v"])

	recs, err := s.Scan(ctx, "t", "")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func testScanPrefix(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, time.Now)

	for _, sess := range []int{1, 2, 12} {
		for _, trial := range []int{3, 1, 2} {
			k := key("subject_id", "m1", "session", sess, "trial", trial)
			require.NoError(t, s.Put(ctx, "trial", k, types.Row{"subject_id": "m1", "session": sess, "trial": trial}))
		}
	}
	require.NoError(t, s.Put(ctx, "trial", key("subject_id", "m2", "session", 1, "trial", 1),
		types.Row{"subject_id": "m2", "session": 1, "trial": 1}))

	recs, err := s.Scan(ctx, "trial", key("subject_id", "m1", "session", 1))
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, int64(1), rec.Row["session"])
		assert.Equal(t, key("subject_id", "m1", "session", 1, "trial", i+1), rec.Key)
	}

	recs, err = s.Scan(ctx, "trial", key("subject_id", "m1"))
	require.NoError(t, err)
	assert.Len(t, recs, 9)

	all, err := s.Scan(ctx, "trial", "")
	require.NoError(t, err)
	assert.Len(t, all, 10)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Key, all[i].Key, "scan must be ordered by key")
	}
}

func testTablesAreSeparate(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, time.Now)
	k := key("id", "x")

	require.NoError(t, s.Put(ctx, "a", k, types.Row{"id": "x", "from": "a"}))
	require.NoError(t, s.Put(ctx, "b", k, types.Row{"id": "x", "from": "b"}))
	require.NoError(t, s.Delete(ctx, "a", k))

	_, err := s.Get(ctx, "a", k)
	assert.ErrorIs(t, err, types.ErrNotFound)
	got, err := s.Get(ctx, "b", k)
	require.NoError(t, err)
	assert.Equal(t, "b", got["from"])
}

func testDeleteAbsent(t *testing.T, open Factory) {
	s := open(t, time.Now)
	assert.NoError(t, s.Delete(context.Background(), "t", key("id", "ghost")))
}

func testPutMany(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, time.Now)

	var recs []types.Record
	for i := range 5 {
		recs = append(recs, types.Record{Key: key("n", i), Row: types.Row{"n": i}})
	}
	require.NoError(t, s.PutMany(ctx, "t", recs))

	got, err := s.Scan(ctx, "t", "")
	require.NoError(t, err)
	assert.Len(t, got, 5)
}

func testTxReadsOwnWrites(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, time.Now)
	k1, k2 := key("id", "1"), key("id", "2")
	require.NoError(t, s.Put(ctx, "t", k1, types.Row{"id": "1"}))

	tx, err := s.Begin(ctx, types.TxOptions{})
	require.NoError(t, err)
	defer tx.Rollback()

	require.NoError(t, tx.Put(ctx, "t", k2, types.Row{"id": "2"}))
	require.NoError(t, tx.Delete(ctx, "t", k1))

	_, err = tx.Get(ctx, "t", k1)
	assert.ErrorIs(t, err, types.ErrNotFound)
	recs, err := tx.Scan(ctx, "t", "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, k2, recs[0].Key)

	require.NoError(t, tx.Commit())
	_, err = s.Get(ctx, "t", k1)
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = s.Get(ctx, "t", k2)
	assert.NoError(t, err)
}

func testTxSnapshot(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, time.Now)
	k := key("id", "a")
	require.NoError(t, s.Put(ctx, "t", k, types.Row{"id": "a", "v": 1}))

	ro, err := s.Begin(ctx, types.TxOptions{ReadOnly: true})
	require.NoError(t, err)
	defer ro.Rollback()

	// Establish the snapshot before the concurrent write.
	_, err = ro.Get(ctx, "t", k)
	require.NoError(t, err)

	require.NoError(t, s.Put(ctx, "t", k, types.Row{"id": "a", "v": 2}))
	require.NoError(t, s.Put(ctx, "t", key("id", "b"), types.Row{"id": "b", "v": 1}))

	got, err := ro.Get(ctx, "t", k)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got["v"], "snapshot must not see later commits")

	recs, err := ro.Scan(ctx, "t", "")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func testTxRollback(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, time.Now)
	k := key("id", "a")

	tx, err := s.Begin(ctx, types.TxOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.Put(ctx, "t", k, types.Row{"id": "a"}))
	require.NoError(t, tx.Rollback())

	_, err = s.Get(ctx, "t", k)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func testTxClosed(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, time.Now)

	tx, err := s.Begin(ctx, types.TxOptions{})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.NoError(t, tx.Rollback(), "rollback after commit is a no-op")
	assert.ErrorIs(t, tx.Commit(), types.ErrTxClosed)
	_, err = tx.Get(ctx, "t", key("id", "a"))
	assert.ErrorIs(t, err, types.ErrTxClosed)
	assert.ErrorIs(t, tx.Put(ctx, "t", key("id", "a"), types.Row{"id": "a"}), types.ErrTxClosed)
}

func testTxReadOnly(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, time.Now)

	tx, err := s.Begin(ctx, types.TxOptions{ReadOnly: true})
	require.NoError(t, err)
	defer tx.Rollback()

	assert.ErrorIs(t, tx.Put(ctx, "t", key("id", "a"), types.Row{"id": "a"}), types.ErrReadOnlyTx)
	assert.ErrorIs(t, tx.Delete(ctx, "t", key("id", "a")), types.ErrReadOnlyTx)
}

// testNoLostUpdates runs concurrent read-modify-write increments of one row.
// Backends either serialize writers or fail the later committer with
// ErrTxConflict; with retries the final count must be exact.
func testNoLostUpdates(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, time.Now)
	k := key("id", "counter")
	require.NoError(t, s.Put(ctx, "t", k, types.Row{"id": "counter", "n": 0}))

	const workers, increments = 4, 10
	increment := func() error {
		for {
			tx, err := s.Begin(ctx, types.TxOptions{})
			if err != nil {
				return err
			}
			row, err := tx.Get(ctx, "t", k)
			if err != nil {
				tx.Rollback()
				return err
			}
			row["n"] = row["n"].(int64) + 1
			if err := tx.Put(ctx, "t", k, row); err != nil {
				tx.Rollback()
				if errors.Is(err, types.ErrTxConflict) {
					continue
				}
				return err
			}
			err = tx.Commit()
			if errors.Is(err, types.ErrTxConflict) {
				continue
			}
			return err
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, workers*increments)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range increments {
				if err := increment(); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.Get(ctx, "t", k)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*increments), got["n"])
}

// parentKey and childKey model a subject and one of its sessions. The
// child's encoded key starts with the parent's.
var (
	parentKey = key("subject_id", "m9")
	childKey  = key("subject_id", "m9", "session", 1)
)

// insertChild adds the session after reading its subject with GetShared, as
// a foreign key check does. A missing subject writes nothing.
func insertChild(ctx context.Context, tx types.Tx) error {
	_, err := tx.GetShared(ctx, "subject", parentKey)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return tx.Put(ctx, "session", childKey, types.Row{"subject_id": "m9", "session": 1})
}

// deleteParent removes the subject and the sessions visible to tx, as a
// cascading delete does.
func deleteParent(ctx context.Context, tx types.Tx) error {
	recs, err := tx.Scan(ctx, "session", parentKey)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if err := tx.Delete(ctx, "session", r.Key); err != nil {
			return err
		}
	}
	return tx.Delete(ctx, "subject", parentKey)
}

// race runs first in an open transaction, then runs and commits second in
// another goroutine, then commits first. Backends that serialize writers
// block second until first commits. Either commit may fail with
// ErrTxConflict, but the store must never keep a session whose subject is
// gone.
func race(t *testing.T, open Factory, first, second func(context.Context, types.Tx) error) {
	t.Helper()
	ctx := context.Background()
	s := open(t, time.Now)
	require.NoError(t, s.Put(ctx, "subject", parentKey, types.Row{"subject_id": "m9"}))

	tx1, err := s.Begin(ctx, types.TxOptions{})
	require.NoError(t, err)
	defer tx1.Rollback()
	require.NoError(t, first(ctx, tx1))

	done := make(chan error, 1)
	go func() {
		tx2, err := s.Begin(ctx, types.TxOptions{})
		if err != nil {
			done <- err
			return
		}
		defer tx2.Rollback()
		if err := second(ctx, tx2); err != nil {
			done <- err
			return
		}
		done <- tx2.Commit()
	}()

	var err2 error
	secondDone := false
	select {
	case err2 = <-done:
		secondDone = true
	case <-time.After(200 * time.Millisecond):
	}
	err1 := tx1.Commit()
	if !secondDone {
		err2 = <-done
	}
	for _, err := range []error{err1, err2} {
		if err != nil {
			assert.ErrorIs(t, err, types.ErrTxConflict)
		}
	}

	_, parentErr := s.Get(ctx, "subject", parentKey)
	_, childErr := s.Get(ctx, "session", childKey)
	if errors.Is(parentErr, types.ErrNotFound) {
		assert.ErrorIs(t, childErr, types.ErrNotFound, "session outlived its deleted subject")
	}
	if err1 == nil && err2 == nil && secondDone {
		t.Errorf("both transactions committed while overlapping")
	}
}

func testDeleteRacesDependentInsert(t *testing.T, open Factory) {
	race(t, open, insertChild, deleteParent)
}

func testDependentInsertRacesDelete(t *testing.T, open Factory) {
	race(t, open, deleteParent, insertChild)
}

func testReservations(t *testing.T, open Factory) {
	ctx := context.Background()
	clock := NewClock()
	s := open(t, clock.Now)
	const name, lease = "populate/t/k", 5 * time.Minute

	ok, err := s.TryReserve(ctx, name, "w1", lease)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TryReserve(ctx, name, "w2", lease)
	require.NoError(t, err)
	assert.False(t, ok, "unexpired claim blocks other holders")

	ok, err = s.TryReserve(ctx, name, "w1", lease)
	require.NoError(t, err)
	assert.True(t, ok, "holder may renew")

	require.NoError(t, s.ReleaseReservation(ctx, name, "w2"), "releasing someone else's claim is a no-op")
	ok, err = s.TryReserve(ctx, name, "w2", lease)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(lease + time.Second)
	ok, err = s.TryReserve(ctx, name, "w2", lease)
	require.NoError(t, err)
	assert.True(t, ok, "expired claim is reclaimable")

	require.NoError(t, s.ReleaseReservation(ctx, name, "w2"))
	ok, err = s.TryReserve(ctx, name, "w3", lease)
	require.NoError(t, err)
	assert.True(t, ok)
}

func testReservationSweep(t *testing.T, open Factory) {
	ctx := context.Background()
	clock := NewClock()
	s := open(t, clock.Now)

	for i := range 3 {
		ok, err := s.TryReserve(ctx, fmt.Sprintf("short/%d", i), "w1", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := s.TryReserve(ctx, "long", "w1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.SweepReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock.Advance(2 * time.Minute)
	n, err = s.SweepReservations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	ok, err = s.TryReserve(ctx, "long", "w2", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "sweep must keep live claims")
}

func testConcurrentReserve(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, time.Now)

	const workers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryReserve(ctx, "contested", fmt.Sprintf("w%d", i), time.Minute)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func testClosed(t *testing.T, open Factory) {
	ctx := context.Background()
	s := open(t, time.Now)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close(), "close is idempotent")

	_, err := s.Get(ctx, "t", key("id", "a"))
	assert.ErrorIs(t, err, types.ErrStoreClosed)
	_, err = s.Begin(ctx, types.TxOptions{})
	assert.ErrorIs(t, err, types.ErrStoreClosed)
	_, err = s.TryReserve(ctx, "x", "w", time.Minute)
	assert.ErrorIs(t, err, types.ErrStoreClosed)
}
