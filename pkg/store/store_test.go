package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/pipeline/internal/sqlite"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

func TestOpen(t *testing.T) {
	tests := []struct {
		name    string
		cfg     func(dir string) types.Config
		wantErr error
		file    string
	}{
		{
			name: "memory",
			cfg:  func(string) types.Config { return types.Config{Backend: types.BackendMemory} },
		},
		{
			name: "sqlite",
			cfg:  func(dir string) types.Config { return types.Config{Backend: types.BackendSQLite, DataDir: dir} },
			file: sqlite.DBFile,
		},
		{
			name: "badger",
			cfg:  func(dir string) types.Config { return types.Config{Backend: types.BackendBadger, DataDir: dir} },
			file: BadgerDir,
		},
		{
			name:    "postgres without dsn",
			cfg:     func(string) types.Config { return types.Config{Backend: types.BackendPostgres} },
			wantErr: types.ErrDSNRequired,
		},
		{
			name:    "unknown backend",
			cfg:     func(string) types.Config { return types.Config{Backend: "oracle"} },
			wantErr: types.ErrBackendUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()

			s, err := Open(ctx, tt.cfg(dir))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			defer s.Close()

			key := types.MustEncodeKey([]string{"id"}, types.Row{"id": "x"})
			require.NoError(t, s.Put(ctx, "t", key, types.Row{"id": "x"}))
			_, err = s.Get(ctx, "t", key)
			require.NoError(t, err)

			if tt.file != "" {
				_, err := os.Stat(filepath.Join(dir, tt.file))
				assert.NoError(t, err)
			}
		})
	}
}
