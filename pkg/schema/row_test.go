package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/pipeline/pkg/types"
)

func TestNormalize(t *testing.T) {
	g := newSessionGraph(t)

	tests := []struct {
		name    string
		table   string
		row     types.Row
		want    types.Row
		wantErr error
	}{
		{
			name:  "ints and dates take stored form",
			table: "session",
			row:   types.Row{"subject_id": "m1", "session": 2.0, "session_date": time.Date(2019, 5, 6, 0, 0, 0, 0, time.UTC)},
			want:  types.Row{"subject_id": "m1", "session": int64(2), "session_date": "2019-05-06"},
		},
		{
			name:    "unknown attribute",
			table:   "session",
			row:     types.Row{"subject_id": "m1", "session": 1, "session_date": "2019-05-06", "rig": "r1"},
			wantErr: types.ErrInvalidRow,
		},
		{
			name:    "missing key attribute",
			table:   "session",
			row:     types.Row{"subject_id": "m1", "session_date": "2019-05-06"},
			wantErr: types.ErrNullKey,
		},
		{
			name:    "missing required secondary",
			table:   "session",
			row:     types.Row{"subject_id": "m1", "session": 1},
			wantErr: types.ErrInvalidRow,
		},
		{
			name:    "fractional int",
			table:   "session",
			row:     types.Row{"subject_id": "m1", "session": 1.5, "session_date": "2019-05-06"},
			wantErr: types.ErrInvalidRow,
		},
		{
			name:    "bad date",
			table:   "session",
			row:     types.Row{"subject_id": "m1", "session": 1, "session_date": "06/05/2019"},
			wantErr: types.ErrInvalidRow,
		},
		{
			name:    "unknown table",
			table:   "missing",
			row:     types.Row{},
			wantErr: types.ErrTableNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := g.Normalize(tt.table, tt.row)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, g.ValidateRow(tt.table, tt.row), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyOfIgnoresSecondaryAndNormalizes(t *testing.T) {
	g := newSessionGraph(t)

	k1, key, err := g.KeyOf("session", types.Row{"subject_id": "m1", "session": 3, "session_date": "2019-01-01"})
	require.NoError(t, err)
	assert.Equal(t, types.Row{"subject_id": "m1", "session": int64(3)}, key)

	k2, _, err := g.KeyOf("session", types.Row{"subject_id": "m1", "session": 3.0})
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	parentKey, _, err := g.KeyOf("session", types.Row{"subject_id": "m1", "session": 3})
	require.NoError(t, err)
	trialKey, _, err := g.KeyOf("session.trial", types.Row{"subject_id": "m1", "session": 3, "trial": 40})
	require.NoError(t, err)
	assert.True(t, len(trialKey) > len(parentKey) && trialKey[:len(parentKey)] == parentKey)

	_, _, err = g.KeyOf("session", types.Row{"subject_id": "m1"})
	assert.ErrorIs(t, err, types.ErrNullKey)
}
