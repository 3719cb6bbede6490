package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/pipeline/internal/storetest"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, now func() time.Time) types.Store {
		s, err := OpenInMemory(WithClock(now))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestConformanceOnDisk(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping on-disk badger suite in short mode")
	}
	storetest.Run(t, func(t *testing.T, now func() time.Time) types.Store {
		s, err := Open(t.TempDir(), WithClock(now))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestReadConflictFailsLaterCommit(t *testing.T) {
	ctx := context.Background()
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	k := types.MustEncodeKey([]string{"id"}, types.Row{"id": "a"})
	require.NoError(t, s.Put(ctx, "t", k, types.Row{"id": "a", "n": 0}))

	tx1, err := s.Begin(ctx, types.TxOptions{})
	require.NoError(t, err)
	tx2, err := s.Begin(ctx, types.TxOptions{})
	require.NoError(t, err)

	_, err = tx1.Get(ctx, "t", k)
	require.NoError(t, err)
	_, err = tx2.Get(ctx, "t", k)
	require.NoError(t, err)

	require.NoError(t, tx1.Put(ctx, "t", k, types.Row{"id": "a", "n": 1}))
	require.NoError(t, tx2.Put(ctx, "t", k, types.Row{"id": "a", "n": 2}))

	require.NoError(t, tx1.Commit())
	assert.ErrorIs(t, tx2.Commit(), types.ErrTxConflict)
}

func TestScanStaysInsideTable(t *testing.T) {
	ctx := context.Background()
	s, err := OpenInMemory()
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "session", "k1", types.Row{"v": 1}))
	require.NoError(t, s.Put(ctx, "session.trial", "k1", types.Row{"v": 2}))

	recs, err := s.Scan(ctx, "session", "")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "k1", recs[0].Key)
	assert.Equal(t, int64(1), recs[0].Row["v"])
}
