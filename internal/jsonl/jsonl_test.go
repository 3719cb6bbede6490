package jsonl_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/pipeline/internal/integrity"
	"github.com/mesh-intelligence/pipeline/internal/jsonl"
	"github.com/mesh-intelligence/pipeline/internal/memstore"
	"github.com/mesh-intelligence/pipeline/pkg/schema"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

func newGraph(t *testing.T) *schema.Graph {
	t.Helper()
	g := schema.New()
	require.NoError(t, g.RegisterAll(
		types.TableDef{Name: "outcome", Kind: types.KindLookup,
			Key:      []types.Attribute{{Name: "outcome", Type: types.TypeString}},
			Contents: []types.Row{{"outcome": "hit"}, {"outcome": "miss"}}},
		types.TableDef{Name: "session", Kind: types.KindManual,
			Key:       []types.Attribute{{Name: "session", Type: types.TypeInt}},
			Secondary: []types.Attribute{{Name: "session_date", Type: types.TypeDate}}},
		types.TableDef{Name: "session.trial", Kind: types.KindPart, Master: "session",
			Key: []types.Attribute{{Name: "session", Type: types.TypeInt}, {Name: "trial", Type: types.TypeInt}},
			Secondary: []types.Attribute{
				{Name: "outcome", Type: types.TypeString},
				{Name: "start_time", Type: types.TypeDecimal},
			},
			ForeignKeys: []types.ForeignKey{{Table: "outcome"}}},
		types.TableDef{Name: "summary", Kind: types.KindComputed,
			Key:         []types.Attribute{{Name: "session", Type: types.TypeInt}},
			Secondary:   []types.Attribute{{Name: "hits", Type: types.TypeInt}},
			ForeignKeys: []types.ForeignKey{{Table: "session"}}},
	))
	return g
}

func fill(t *testing.T, guard *integrity.Guard) {
	t.Helper()
	ctx := context.Background()
	_, err := guard.Seed(ctx)
	require.NoError(t, err)
	require.NoError(t, guard.Insert(ctx, "session", types.Row{"session": 1, "session_date": "2019-03-01"}))
	require.NoError(t, guard.InsertMany(ctx, "session.trial", []types.Row{
		{"session": 1, "trial": 1, "outcome": "hit", "start_time": 0.5},
		{"session": 1, "trial": 2, "outcome": "miss", "start_time": 12},
	}))
	require.NoError(t, guard.Insert(ctx, "summary", types.Row{"session": 1, "hits": 1}, integrity.WithDerived()))
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	g := newGraph(t)

	src := memstore.New()
	fill(t, integrity.New(src, g))

	counts, err := jsonl.Export(ctx, src, g, dir)
	require.NoError(t, err)
	assert.Equal(t, jsonl.Counts{"outcome": 2, "session": 1, "session.trial": 2, "summary": 1}, counts)
	assert.Equal(t, 6, counts.Total())

	data, err := os.ReadFile(filepath.Join(dir, "session.trial.jsonl"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))

	dst := memstore.New()
	res, err := jsonl.Import(ctx, integrity.New(dst, g), dir)
	require.NoError(t, err)
	assert.Equal(t, counts, res.Inserted)
	assert.Empty(t, res.Malformed)

	for _, table := range g.Tables() {
		want, err := src.Scan(ctx, table, "")
		require.NoError(t, err)
		got, err := dst.Scan(ctx, table, "")
		require.NoError(t, err)
		assert.Equal(t, want, got, table)
	}
}

func TestImportSkipsMalformedLines(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	g := newGraph(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "outcome.jsonl"),
		[]byte("{\"outcome\":\"hit\"}\n\n{not json\n{\"outcome\":\"ignore\"}\n"), 0o644))

	s := memstore.New()
	res, err := jsonl.Import(ctx, integrity.New(s, g), dir)
	require.NoError(t, err)
	assert.Equal(t, jsonl.Counts{"outcome": 2}, res.Inserted)
	assert.Equal(t, jsonl.Counts{"outcome": 1}, res.Malformed)

	recs, err := s.Scan(ctx, "outcome", "")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestImportRejectsDanglingReference(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	g := newGraph(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "outcome.jsonl"), []byte("{\"outcome\":\"hit\"}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.trial.jsonl"),
		[]byte("{\"session\":7,\"trial\":1,\"outcome\":\"hit\",\"start_time\":1}\n"), 0o644))

	s := memstore.New()
	_, err := jsonl.Import(ctx, integrity.New(s, g), dir)
	var fk *types.ForeignKeyViolation
	require.ErrorAs(t, err, &fk)
	assert.Equal(t, "session", fk.Referenced)

	recs, err := s.Scan(ctx, "outcome", "")
	require.NoError(t, err)
	assert.Empty(t, recs, "nothing is committed")
}

func TestExportReplacesFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	g := newGraph(t)
	s := memstore.New()
	guard := integrity.New(s, g)
	fill(t, guard)

	_, err := jsonl.Export(ctx, s, g, dir)
	require.NoError(t, err)
	_, err = guard.Delete(ctx, "session", types.Row{"session": 1})
	require.NoError(t, err)
	_, err = jsonl.Export(ctx, s, g, dir)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "session.trial.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, data)

	leftovers, err := filepath.Glob(filepath.Join(dir, ".jsonl-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}
