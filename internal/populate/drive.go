package populate

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// Backoff paces Drive between passes that could not finish.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// MaxAttempts bounds consecutive passes without progress; zero means
	// until the context ends.
	MaxAttempts int
}

// DefaultBackoff is used by Drive when b is zero.
var DefaultBackoff = Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, MaxAttempts: 8}

func (b Backoff) delay(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	return min(d, b.Max)
}

// Drive runs passes over table until nothing is left to do. A pass that
// ends in a storage failure, or makes no progress because other workers
// hold the remaining keys, is retried after an exponential delay. Drive
// returns when no key is pending, when only failing keys remain, when
// attempts run out or when ctx ends.
func (e *Engine) Drive(ctx context.Context, table string, opts Options, b Backoff) (Report, error) {
	if b == (Backoff{}) {
		b = DefaultBackoff
	}
	total := Report{Table: table}
	attempt := 0
	for {
		rep, err := e.Populate(ctx, table, opts)
		total.Merge(rep)

		var perr *types.PopulateError
		switch {
		case errors.As(err, &perr):
			e.logger.Warn("populate pass failed", "table", table, "attempt", attempt+1, "error", err)
		case err != nil:
			return total, err
		case rep.Populated+rep.Skipped > 0:
			attempt = 0
			remaining, _, err := e.Progress(ctx, table)
			if err != nil {
				return total, err
			}
			if remaining == 0 || (opts.Limit == 0 && opts.MaxCalls == 0 && rep.Conflicts == 0) {
				return total, nil
			}
			continue
		case rep.Conflicts == 0:
			return total, nil
		}

		attempt++
		if b.MaxAttempts > 0 && attempt >= b.MaxAttempts {
			if err != nil {
				return total, err
			}
			return total, nil
		}
		t := time.NewTimer(b.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return total, ctx.Err()
		case <-t.C:
		}
	}
}

// RunWorkers runs n concurrent passes over table, each with its own worker
// identity, and merges their reports. The first error cancels the others.
func (e *Engine) RunWorkers(ctx context.Context, table string, n int, opts Options) (Report, error) {
	return e.workers(ctx, table, n, opts, func(ctx context.Context, opts Options) (Report, error) {
		return e.Populate(ctx, table, opts)
	})
}

// DriveWorkers runs Drive in n concurrent workers with their own identities.
func (e *Engine) DriveWorkers(ctx context.Context, table string, n int, opts Options, b Backoff) (Report, error) {
	return e.workers(ctx, table, n, opts, func(ctx context.Context, opts Options) (Report, error) {
		return e.Drive(ctx, table, opts, b)
	})
}

func (e *Engine) workers(ctx context.Context, table string, n int, opts Options, run func(context.Context, Options) (Report, error)) (Report, error) {
	if n < 1 {
		n = 1
	}
	var (
		mu    sync.Mutex
		total = Report{Table: table}
	)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		wopts := opts
		wopts.Holder = NewHolder()
		g.Go(func() error {
			rep, err := run(gctx, wopts)
			mu.Lock()
			total.Merge(rep)
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()
	return total, err
}
