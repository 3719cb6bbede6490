package types

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeKey(t *testing.T) {
	attrs := []string{"subject_id", "session"}

	tests := []struct {
		name    string
		a, b    Row
		equal   bool
		wantErr error
	}{
		{
			name:  "int and int64 encode the same",
			a:     Row{"subject_id": "m1", "session": 3},
			b:     Row{"subject_id": "m1", "session": int64(3)},
			equal: true,
		},
		{
			name:  "integral float matches int",
			a:     Row{"subject_id": "m1", "session": 3.0},
			b:     Row{"subject_id": "m1", "session": int16(3)},
			equal: true,
		},
		{
			name:  "json number matches int",
			a:     Row{"subject_id": "m1", "session": json.Number("3")},
			b:     Row{"subject_id": "m1", "session": 3},
			equal: true,
		},
		{
			name:  "string three differs from int three",
			a:     Row{"subject_id": "m1", "session": "3"},
			b:     Row{"subject_id": "m1", "session": 3},
			equal: false,
		},
		{
			name:  "secondary attributes are ignored",
			a:     Row{"subject_id": "m1", "session": 1, "session_date": "2019-01-01"},
			b:     Row{"subject_id": "m1", "session": 1},
			equal: true,
		},
		{
			name:    "missing attribute is a null key",
			a:       Row{"subject_id": "m1"},
			wantErr: ErrNullKey,
		},
		{
			name:    "nil value is a null key",
			a:       Row{"subject_id": "m1", "session": nil},
			wantErr: ErrNullKey,
		},
		{
			name:    "blob values cannot be keys",
			a:       Row{"subject_id": "m1", "session": []byte{1}},
			wantErr: ErrInvalidKeyValue,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka, err := EncodeKey(attrs, tt.a)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			kb, err := EncodeKey(attrs, tt.b)
			require.NoError(t, err)
			if tt.equal {
				assert.Equal(t, ka, kb)
			} else {
				assert.NotEqual(t, ka, kb)
			}
		})
	}
}

func TestEncodeKeyPrefixProperty(t *testing.T) {
	prefix := MustEncodeKey([]string{"subject_id", "session"}, Row{"subject_id": "m1", "session": 1})
	full := MustEncodeKey([]string{"subject_id", "session", "trial"}, Row{"subject_id": "m1", "session": 1, "trial": 7})
	other := MustEncodeKey([]string{"subject_id", "session", "trial"}, Row{"subject_id": "m1", "session": 12, "trial": 7})

	assert.True(t, strings.HasPrefix(full, prefix))
	assert.False(t, strings.HasPrefix(other, prefix), "session 12 must not match session 1 prefix")
}

func TestEncodeKeyStringsWithSeparators(t *testing.T) {
	a := MustEncodeKey([]string{"x", "y"}, Row{"x": "a\x1fb", "y": "c"})
	b := MustEncodeKey([]string{"x", "y"}, Row{"x": "a", "y": "b\x1fc"})
	assert.NotEqual(t, a, b)
}

func TestEncodeKeyTime(t *testing.T) {
	ts := time.Date(2019, 3, 4, 5, 6, 7, 0, time.FixedZone("x", 3600))
	a := MustEncodeKey([]string{"t"}, Row{"t": ts})
	b := MustEncodeKey([]string{"t"}, Row{"t": ts.UTC()})
	assert.Equal(t, a, b)
}

func TestRowRoundTripNormalizesNumbers(t *testing.T) {
	in := Row{
		"subject_id": "m1",
		"session":    3,
		"duration":   1.25,
		"waveform":   []any{1, 2.5},
	}
	data, err := EncodeRow(in)
	require.NoError(t, err)

	out, err := DecodeRow(data)
	require.NoError(t, err)

	assert.Equal(t, "m1", out["subject_id"])
	assert.Equal(t, int64(3), out["session"])
	assert.Equal(t, 1.25, out["duration"])
	assert.Equal(t, []any{int64(1), 2.5}, out["waveform"])

	ka := MustEncodeKey([]string{"subject_id", "session"}, in)
	kb := MustEncodeKey([]string{"subject_id", "session"}, out)
	assert.Equal(t, ka, kb)
}

func TestRowHelpers(t *testing.T) {
	r := Row{"a": 1, "b": nil, "c": []byte("xy")}

	assert.True(t, r.Has([]string{"a"}))
	assert.False(t, r.Has([]string{"a", "b"}))
	assert.Equal(t, Row{"a": 1}, r.Project([]string{"a", "missing"}))

	cp := r.Clone()
	cp["c"].([]byte)[0] = 'z'
	assert.Equal(t, []byte("xy"), r["c"])

	assert.Equal(t, "{a: 1, b: <nil>, c: [120 121]}", r.String())
}

func TestForeignKeyMapping(t *testing.T) {
	fk := ForeignKey{Table: "ccf", Mapping: map[string]string{"profile_x": "x", "profile_y": "y", "profile_z": "z"}}
	refKey := []string{"ccf_label_id", "x", "y", "z"}

	assert.Equal(t, []string{"ccf_label_id", "profile_x", "profile_y", "profile_z"}, fk.LocalAttrs(refKey))

	row := Row{"ccf_label_id": 0, "profile_x": 1, "profile_y": 2, "profile_z": 3, "intensity": 9}
	assert.Equal(t, Row{"ccf_label_id": 0, "x": 1, "y": 2, "z": 3}, fk.Referenced(refKey, row))
}

func TestTypedErrorsMatchSentinels(t *testing.T) {
	assert.ErrorIs(t, &SchemaCycleError{Path: []string{"a", "b", "a"}}, ErrSchemaCycle)
	assert.ErrorIs(t, &ForeignKeyViolation{Table: "t", Referenced: "r"}, ErrForeignKey)

	storeErr := errors.New("disk full")
	ie := &IntegrityError{Table: "session", Err: storeErr}
	assert.ErrorIs(t, ie, ErrIntegrity)
	assert.ErrorIs(t, ie, storeErr)

	cf := &ComputationFailure{Table: "t", Reason: storeErr}
	assert.ErrorIs(t, cf, ErrComputation)

	pe := &PopulateError{Table: "t", Err: ErrStorageUnavailable}
	assert.ErrorIs(t, pe, ErrStorageUnavailable)
	assert.Equal(t, "schema cycle: a -> b -> a", (&SchemaCycleError{Path: []string{"a", "b", "a"}}).Error())
}
