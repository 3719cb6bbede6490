package populate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/pipeline/internal/badger"
	"github.com/mesh-intelligence/pipeline/internal/memstore"
	"github.com/mesh-intelligence/pipeline/internal/populate"
	"github.com/mesh-intelligence/pipeline/internal/sqlite"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// TestWorkersCommitEachKeyOnce runs independent engines, as separate
// processes would, against one store and checks every key is computed and
// committed exactly once.
func TestWorkersCommitEachKeyOnce(t *testing.T) {
	const workers, keys = 4, 40

	backends := map[string]func(t *testing.T) types.Store{
		"memory": func(t *testing.T) types.Store { return memstore.New() },
		"sqlite": func(t *testing.T) types.Store {
			s, err := sqlite.OpenDir(context.Background(), t.TempDir())
			require.NoError(t, err)
			return s
		},
		"badger": func(t *testing.T) types.Store {
			s, err := badger.OpenInMemory()
			require.NoError(t, err)
			return s
		},
	}

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { s.Close() })
			g := newGraph(t)
			stim := make([]int, keys)
			for i := range stim {
				stim[i] = i + 1
			}
			seed(t, s, g, keys, stim, nil)

			var c calls
			var wg sync.WaitGroup
			errs := make(chan error, workers)
			for w := 0; w < workers; w++ {
				e := newEngine(t, s, g, func(ctx context.Context, key types.Row) populate.Result {
					c.add(key)
					time.Sleep(time.Millisecond)
					return populate.Populate(types.Row{"n_events": 0})
				})
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := e.Drive(context.Background(), "passive", populate.Options{},
						populate.Backoff{Initial: time.Millisecond, Max: 20 * time.Millisecond, MaxAttempts: 50})
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			recs, err := s.Scan(context.Background(), "passive", "")
			require.NoError(t, err)
			assert.Len(t, recs, keys)
			for i := 1; i <= keys; i++ {
				assert.Equal(t, 1, c.get(int64(i)), "key %d", i)
			}
		})
	}
}
