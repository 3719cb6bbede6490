package integrity_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/pipeline/internal/blob"
	"github.com/mesh-intelligence/pipeline/internal/integrity"
	"github.com/mesh-intelligence/pipeline/internal/memstore"
	"github.com/mesh-intelligence/pipeline/pkg/schema"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

func str(name string) types.Attribute { return types.Attribute{Name: name, Type: types.TypeString} }
func num(name string) types.Attribute { return types.Attribute{Name: name, Type: types.TypeInt} }

var (
	sessionKey = []types.Attribute{str("subject_id"), num("session")}
	trialKey   = []types.Attribute{str("subject_id"), num("session"), num("trial")}
)

// newGraph builds subject -> session -> session.trial with a computed table
// and its part hanging off the trials, a lookup referenced through renamed
// attributes, and a table with an external blob.
func newGraph(t *testing.T) *schema.Graph {
	t.Helper()
	g := schema.New()
	require.NoError(t, g.RegisterAll(
		types.TableDef{Name: "subject", Kind: types.KindManual, Key: []types.Attribute{str("subject_id")},
			Secondary: []types.Attribute{{Name: "sex", Type: types.TypeString, Nullable: true}}},
		types.TableDef{Name: "session", Kind: types.KindManual, Key: sessionKey,
			Secondary:   []types.Attribute{{Name: "session_date", Type: types.TypeDate, Nullable: true}},
			ForeignKeys: []types.ForeignKey{{Table: "subject"}}},
		types.TableDef{Name: "session.trial", Kind: types.KindPart, Master: "session", Key: trialKey},
		types.TableDef{Name: "trial_summary", Kind: types.KindComputed, Key: trialKey,
			ForeignKeys: []types.ForeignKey{{Table: "session.trial"}}},
		types.TableDef{Name: "trial_summary.detail", Kind: types.KindPart, Master: "trial_summary",
			Key: append(append([]types.Attribute{}, trialKey...), num("n"))},
		types.TableDef{Name: "ccf", Kind: types.KindLookup, Key: []types.Attribute{num("x"), num("y")}},
		types.TableDef{Name: "implant", Kind: types.KindManual, Key: []types.Attribute{str("implant_id")},
			Secondary: []types.Attribute{str("subject_id"), num("target_x"), num("target_y")},
			ForeignKeys: []types.ForeignKey{
				{Table: "subject"},
				{Table: "ccf", Mapping: map[string]string{"target_x": "x", "target_y": "y"}},
			}},
		types.TableDef{Name: "waveform", Kind: types.KindManual, Key: []types.Attribute{str("waveform_id")},
			Secondary: []types.Attribute{{Name: "samples", Type: types.TypeExternalBlob}}},
	))
	return g
}

func newGuard(t *testing.T, opts ...integrity.Option) (*integrity.Guard, *memstore.Store) {
	t.Helper()
	s := memstore.New()
	t.Cleanup(func() { s.Close() })
	return integrity.New(s, newGraph(t), opts...), s
}

func count(t *testing.T, s types.Store, table string) int {
	t.Helper()
	recs, err := s.Scan(context.Background(), table, "")
	require.NoError(t, err)
	return len(recs)
}

// seed stores two subjects; m1 has two sessions with two trials each and a
// summary with details on every trial.
func seed(t *testing.T, g *integrity.Guard) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, g.InsertMany(ctx, "subject", []types.Row{{"subject_id": "m1"}, {"subject_id": "m2"}}))
	require.NoError(t, g.InsertMany(ctx, "ccf", []types.Row{{"x": 1, "y": 2}}))
	require.NoError(t, g.InsertMany(ctx, "session", []types.Row{
		{"subject_id": "m1", "session": 1}, {"subject_id": "m1", "session": 2}, {"subject_id": "m2", "session": 1},
	}))
	for _, sess := range []int{1, 2} {
		for _, trial := range []int{1, 2} {
			k := types.Row{"subject_id": "m1", "session": sess, "trial": trial}
			require.NoError(t, g.Insert(ctx, "session.trial", k))
			require.NoError(t, g.Insert(ctx, "trial_summary", k, integrity.WithDerived()))
			for n := 0; n < 3; n++ {
				d := k.Clone()
				d["n"] = n
				require.NoError(t, g.Insert(ctx, "trial_summary.detail", d, integrity.WithDerived()))
			}
		}
	}
	require.NoError(t, g.Insert(ctx, "session.trial", types.Row{"subject_id": "m2", "session": 1, "trial": 1}))
	require.NoError(t, g.InsertMany(ctx, "implant", []types.Row{
		{"implant_id": "i1", "subject_id": "m1", "target_x": 1, "target_y": 2},
		{"implant_id": "i2", "subject_id": "m2", "target_x": 1, "target_y": 2},
	}))
}

func TestInsertRejectsMissingReference(t *testing.T) {
	g, s := newGuard(t)
	ctx := context.Background()

	err := g.Insert(ctx, "session", types.Row{"subject_id": "ghost", "session": 1})
	require.ErrorIs(t, err, types.ErrForeignKey)
	var fkv *types.ForeignKeyViolation
	require.True(t, errors.As(err, &fkv))
	assert.Equal(t, "session", fkv.Table)
	assert.Equal(t, "subject", fkv.Referenced)
	assert.Equal(t, types.Row{"subject_id": "ghost"}, fkv.Values)
	assert.Zero(t, count(t, s, "session"), "storage unchanged")
}

func TestInsertRenamedReference(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()
	require.NoError(t, g.Insert(ctx, "subject", types.Row{"subject_id": "m1"}))

	err := g.Insert(ctx, "implant", types.Row{"implant_id": "i1", "subject_id": "m1", "target_x": 1, "target_y": 2})
	var fkv *types.ForeignKeyViolation
	require.True(t, errors.As(err, &fkv))
	assert.Equal(t, "ccf", fkv.Referenced)
	assert.Equal(t, types.Row{"x": int64(1), "y": int64(2)}, fkv.Values)

	require.NoError(t, g.Insert(ctx, "ccf", types.Row{"x": 1, "y": 2}))
	require.NoError(t, g.Insert(ctx, "implant", types.Row{"implant_id": "i1", "subject_id": "m1", "target_x": 1, "target_y": 2}))
}

func TestInsertManyIsAtomic(t *testing.T) {
	g, s := newGuard(t)
	ctx := context.Background()
	require.NoError(t, g.Insert(ctx, "subject", types.Row{"subject_id": "m1"}))

	err := g.InsertMany(ctx, "session", []types.Row{
		{"subject_id": "m1", "session": 1},
		{"subject_id": "m9", "session": 1},
	})
	require.ErrorIs(t, err, types.ErrForeignKey)
	assert.Zero(t, count(t, s, "session"))
}

func TestInsertTxSeesEarlierWrites(t *testing.T) {
	g, s := newGuard(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx, types.TxOptions{})
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, g.InsertTx(ctx, tx, "subject", types.Row{"subject_id": "m1"}))
	require.NoError(t, g.InsertTx(ctx, tx, "session", types.Row{"subject_id": "m1", "session": 1}))
	require.NoError(t, g.InsertTx(ctx, tx, "session.trial", types.Row{"subject_id": "m1", "session": 1, "trial": 1}))
	require.NoError(t, tx.Commit())

	assert.Equal(t, 1, count(t, s, "session.trial"))
}

func TestInsertRejections(t *testing.T) {
	g, s := newGuard(t)
	ctx := context.Background()
	require.NoError(t, g.Insert(ctx, "subject", types.Row{"subject_id": "m1"}))
	require.NoError(t, g.Insert(ctx, "session", types.Row{"subject_id": "m1", "session": 1}))
	require.NoError(t, g.Insert(ctx, "session.trial", types.Row{"subject_id": "m1", "session": 1, "trial": 1}))

	tests := []struct {
		name  string
		table string
		row   types.Row
		want  error
	}{
		{"computed table", "trial_summary", types.Row{"subject_id": "m1", "session": 1, "trial": 1}, types.ErrComputedWrite},
		{"part of computed table", "trial_summary.detail", types.Row{"subject_id": "m1", "session": 1, "trial": 1, "n": 0}, types.ErrComputedWrite},
		{"unknown table", "nope", types.Row{"a": 1}, types.ErrTableNotFound},
		{"unknown attribute", "subject", types.Row{"subject_id": "m2", "age": 3}, types.ErrInvalidRow},
		{"missing key attribute", "session", types.Row{"subject_id": "m1"}, types.ErrNullKey},
		{"wrong type", "session", types.Row{"subject_id": "m1", "session": "one"}, types.ErrInvalidRow},
		{"bad date", "session", types.Row{"subject_id": "m1", "session": 2, "session_date": "yesterday"}, types.ErrInvalidRow},
		{"external blob without blob store", "waveform", types.Row{"waveform_id": "w1", "samples": []byte{1}}, types.ErrNoBlobStore},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, g.Insert(ctx, tt.table, tt.row), tt.want)
		})
	}
	assert.Zero(t, count(t, s, "trial_summary"))
	assert.Equal(t, 1, count(t, s, "subject"))
}

func TestInsertReplaceAndWithoutReplace(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	require.NoError(t, g.Insert(ctx, "subject", types.Row{"subject_id": "m1", "sex": "F"}))
	require.NoError(t, g.Insert(ctx, "subject", types.Row{"subject_id": "m1", "sex": "M"}))
	got, err := g.Get(ctx, "subject", types.Row{"subject_id": "m1"})
	require.NoError(t, err)
	assert.Equal(t, "M", got["sex"])

	err = g.Insert(ctx, "subject", types.Row{"subject_id": "m1"}, integrity.WithoutReplace())
	assert.ErrorIs(t, err, types.ErrDuplicateKey)
}

func TestExternalBlob(t *testing.T) {
	blobs := blob.NewMemory()
	g, _ := newGuard(t, integrity.WithBlobStore(blobs))
	ctx := context.Background()
	payload := []byte{0, 1, 2, 3, 250}

	require.NoError(t, g.Insert(ctx, "waveform", types.Row{"waveform_id": "w1", "samples": payload}))
	require.NoError(t, g.Insert(ctx, "waveform", types.Row{"waveform_id": "w2", "samples": payload}))

	row, err := g.Get(ctx, "waveform", types.Row{"waveform_id": "w1"})
	require.NoError(t, err)
	ref, ok := row["samples"].(string)
	require.True(t, ok, "stored as a blob key")
	assert.Equal(t, blob.ContentKey(payload), ref)

	got, err := g.ReadBlob(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	infos, err := blobs.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, infos, 1, "identical payloads share one blob")
}

func TestDeleteCascades(t *testing.T) {
	g, s := newGuard(t)
	seed(t, g)
	ctx := context.Background()

	rep, err := g.Delete(ctx, "subject", types.Row{"subject_id": "m1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{
		"subject":              1,
		"session":              2,
		"session.trial":        4,
		"trial_summary":        4,
		"trial_summary.detail": 12,
		"implant":              1,
	}, rep.Deleted)
	assert.Equal(t, 24, rep.Total())
	assert.Equal(t, []string{"implant", "session", "session.trial", "subject", "trial_summary", "trial_summary.detail"}, rep.Tables())

	assert.Equal(t, 1, count(t, s, "subject"))
	assert.Equal(t, 1, count(t, s, "session"))
	assert.Equal(t, 1, count(t, s, "session.trial"))
	assert.Zero(t, count(t, s, "trial_summary"))
	assert.Zero(t, count(t, s, "trial_summary.detail"))
	assert.Equal(t, 1, count(t, s, "implant"))
	assert.Equal(t, 1, count(t, s, "ccf"), "referenced rows are never touched")
}

func TestDeleteOneSession(t *testing.T) {
	g, s := newGuard(t)
	seed(t, g)

	rep, err := g.Delete(context.Background(), "session", types.Row{"subject_id": "m1", "session": 2})
	require.NoError(t, err)
	assert.Equal(t, 1+2+2+6, rep.Total())
	assert.Equal(t, 2, count(t, s, "session"))
	assert.Equal(t, 3, count(t, s, "session.trial"))
	assert.Equal(t, 2, count(t, s, "trial_summary"))
}

func TestDeleteLookupCascadesThroughRenamedKey(t *testing.T) {
	g, s := newGuard(t)
	seed(t, g)

	rep, err := g.Delete(context.Background(), "ccf", types.Row{"x": 1, "y": 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"ccf": 1, "implant": 2}, rep.Deleted)
	assert.Zero(t, count(t, s, "implant"))
	assert.Equal(t, 2, count(t, s, "subject"))
}

func TestDeleteAbsentRow(t *testing.T) {
	g, _ := newGuard(t)
	rep, err := g.Delete(context.Background(), "subject", types.Row{"subject_id": "nobody"})
	require.NoError(t, err)
	assert.Zero(t, rep.Total())
}

func TestDeletePartDirectly(t *testing.T) {
	g, s := newGuard(t)
	seed(t, g)

	_, err := g.Delete(context.Background(), "session.trial", types.Row{"subject_id": "m1", "session": 1, "trial": 1})
	assert.ErrorIs(t, err, types.ErrPartDelete)
	assert.Equal(t, 5, count(t, s, "session.trial"))
}

// failingStore fails deletes on one table inside transactions.
type failingStore struct {
	*memstore.Store
	table string
}

type failingTx struct {
	types.Tx
	table string
}

var errDisk = errors.New("disk on fire")

func (f failingStore) Begin(ctx context.Context, opts types.TxOptions) (types.Tx, error) {
	tx, err := f.Store.Begin(ctx, opts)
	if err != nil {
		return nil, err
	}
	return failingTx{Tx: tx, table: f.table}, nil
}

func (f failingTx) Delete(ctx context.Context, table, key string) error {
	if table == f.table {
		return errDisk
	}
	return f.Tx.Delete(ctx, table, key)
}

func TestDeleteFailureRollsBack(t *testing.T) {
	mem := memstore.New()
	defer mem.Close()
	graph := newGraph(t)
	seed(t, integrity.New(mem, graph))

	g := integrity.New(failingStore{Store: mem, table: "session"}, graph)
	_, err := g.Delete(context.Background(), "subject", types.Row{"subject_id": "m1"})
	require.ErrorIs(t, err, types.ErrIntegrity)
	require.ErrorIs(t, err, errDisk)
	var ie *types.IntegrityError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "subject", ie.Table)

	assert.Equal(t, 2, count(t, mem, "subject"))
	assert.Equal(t, 12, count(t, mem, "trial_summary.detail"), "nothing was deleted")
}

func TestInsertConflictsWithConcurrentParentDelete(t *testing.T) {
	ctx := context.Background()
	g, s := newGuard(t)
	require.NoError(t, g.Insert(ctx, "subject", types.Row{"subject_id": "m9"}))

	tx, err := s.Begin(ctx, types.TxOptions{})
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, g.InsertTx(ctx, tx, "session", types.Row{"subject_id": "m9", "session": 1}))

	rep, err := g.Delete(ctx, "subject", types.Row{"subject_id": "m9"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"subject": 1}, rep.Deleted)

	assert.ErrorIs(t, tx.Commit(), types.ErrTxConflict)
	assert.Equal(t, 0, count(t, s, "session"))
}

func TestDeleteConflictsWithCommittedDependentInsert(t *testing.T) {
	ctx := context.Background()
	g, s := newGuard(t)
	require.NoError(t, g.Insert(ctx, "subject", types.Row{"subject_id": "m9"}))

	tx, err := s.Begin(ctx, types.TxOptions{})
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = g.DeleteTx(ctx, tx, "subject", types.Row{"subject_id": "m9"})
	require.NoError(t, err)

	require.NoError(t, g.Insert(ctx, "session", types.Row{"subject_id": "m9", "session": 1}))

	assert.ErrorIs(t, tx.Commit(), types.ErrTxConflict)
	assert.Equal(t, 1, count(t, s, "subject"))
	assert.Equal(t, 1, count(t, s, "session"))
}
