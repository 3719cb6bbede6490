// Package store provides the public factory for record stores. It opens the
// backend a Config names while keeping the implementations internal.
package store

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mesh-intelligence/pipeline/internal/badger"
	"github.com/mesh-intelligence/pipeline/internal/memstore"
	"github.com/mesh-intelligence/pipeline/internal/postgres"
	"github.com/mesh-intelligence/pipeline/internal/sqlite"
	"github.com/mesh-intelligence/pipeline/internal/sqlstore"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// BadgerDir is the badger directory name inside a data directory.
const BadgerDir = "badger"

type options struct {
	now func() time.Time
}

// Option configures Open.
type Option func(*options)

// WithClock sets the time source for reservation leases.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Open validates cfg and opens the named backend.
//
// Example:
//
//	s, err := store.Open(ctx, types.Config{
//	    Backend: types.BackendSQLite,
//	    DataDir: ".pipeline",
//	})
//	defer s.Close()
func Open(ctx context.Context, cfg types.Config, opts ...Option) (types.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		s   types.Store
		err error
	)
	switch cfg.Backend {
	case types.BackendMemory:
		s = memstore.New(memstore.WithClock(o.now))
	case types.BackendSQLite:
		s, err = sqlite.OpenDir(ctx, cfg.DataDir, sqlstore.WithClock(o.now))
	case types.BackendPostgres:
		s, err = postgres.Open(ctx, cfg.DSN, sqlstore.WithClock(o.now))
	case types.BackendBadger:
		dir := cfg.DataDir
		if dir == "" {
			dir = "."
		}
		s, err = badger.Open(filepath.Join(dir, BadgerDir), badger.WithClock(o.now))
	default:
		return nil, fmt.Errorf("%w: %s", types.ErrBackendUnknown, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}
