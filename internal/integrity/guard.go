// Package integrity guards writes against the schema graph. Inserts are
// validated and their foreign keys checked inside one transaction; deletes
// cascade depth-first to every dependent row in one transaction.
package integrity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/mesh-intelligence/pipeline/internal/blob"
	"github.com/mesh-intelligence/pipeline/pkg/schema"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// Guard is the write path for user tables.
type Guard struct {
	store  types.Store
	graph  *schema.Graph
	blobs  blob.Store
	logger *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger. The default discards.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// WithBlobStore sets where external_blob payloads are kept.
func WithBlobStore(b blob.Store) Option {
	return func(g *Guard) { g.blobs = b }
}

// New returns a Guard over store and graph.
func New(store types.Store, graph *schema.Graph, opts ...Option) *Guard {
	g := &Guard{
		store:  store,
		graph:  graph,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Graph returns the schema the guard validates against.
func (g *Guard) Graph() *schema.Graph { return g.graph }

// Store returns the underlying record store.
func (g *Guard) Store() types.Store { return g.store }

// InsertOption adjusts a single insert.
type InsertOption func(*insertConfig)

type insertConfig struct {
	derived   bool
	noReplace bool
}

// WithDerived allows writes to computed tables and their parts. Only the
// populate engine passes it.
func WithDerived() InsertOption {
	return func(c *insertConfig) { c.derived = true }
}

// WithoutReplace fails with types.ErrDuplicateKey when the primary key is
// already present instead of replacing the row.
func WithoutReplace() InsertOption {
	return func(c *insertConfig) { c.noReplace = true }
}

// Insert validates and stores one row.
func (g *Guard) Insert(ctx context.Context, table string, row types.Row, opts ...InsertOption) error {
	return g.InsertMany(ctx, table, []types.Row{row}, opts...)
}

// InsertMany stores rows in one transaction. Foreign keys may point at rows
// earlier in the same batch. On any violation nothing is written.
func (g *Guard) InsertMany(ctx context.Context, table string, rows []types.Row, opts ...InsertOption) error {
	prepared := make([]types.Row, len(rows))
	for i, row := range rows {
		p, err := g.Prepare(ctx, table, row, opts...)
		if err != nil {
			return err
		}
		prepared[i] = p
	}

	tx, err := g.store.Begin(ctx, types.TxOptions{})
	if err != nil {
		return fmt.Errorf("beginning insert into %s: %w", table, err)
	}
	defer tx.Rollback()

	for _, row := range prepared {
		if err := g.InsertTx(ctx, tx, table, row, opts...); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing insert into %s: %w", table, err)
	}
	g.logger.Debug("rows inserted", "table", table, "count", len(rows))
	return nil
}

// Prepare normalizes row for table and uploads any external_blob payloads
// given as bytes, replacing them with their blob key. It runs outside a
// transaction so uploads never hold a store lock; InsertTx accepts its
// result unchanged.
func (g *Guard) Prepare(ctx context.Context, table string, row types.Row, opts ...InsertOption) (types.Row, error) {
	cfg := insertConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	def, err := g.graph.Table(table)
	if err != nil {
		return nil, err
	}
	if g.graph.Derived(table) && !cfg.derived {
		return nil, fmt.Errorf("%w: %s", types.ErrComputedWrite, table)
	}
	out, err := g.graph.Normalize(table, row)
	if err != nil {
		return nil, err
	}
	for _, a := range def.Secondary {
		data, ok := out[a.Name].([]byte)
		if a.Type != types.TypeExternalBlob || !ok {
			continue
		}
		if g.blobs == nil {
			return nil, fmt.Errorf("%w: %s.%s", types.ErrNoBlobStore, table, a.Name)
		}
		key, err := blob.PutContent(ctx, g.blobs, data, "application/octet-stream")
		if err != nil {
			return nil, fmt.Errorf("storing %s.%s: %w", table, a.Name, err)
		}
		out[a.Name] = key
	}
	return out, nil
}

// InsertTx validates row and writes it inside tx. The caller commits.
func (g *Guard) InsertTx(ctx context.Context, tx types.Tx, table string, row types.Row, opts ...InsertOption) error {
	cfg := insertConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	row, err := g.Prepare(ctx, table, row, opts...)
	if err != nil {
		return err
	}
	def, err := g.graph.Table(table)
	if err != nil {
		return err
	}
	key, err := types.EncodeKey(def.KeyNames(), row)
	if err != nil {
		return fmt.Errorf("%s: %w", table, err)
	}

	for _, fk := range def.ForeignKeys {
		if err := g.checkReference(ctx, tx, table, fk, row); err != nil {
			return err
		}
	}

	if cfg.noReplace {
		_, err := tx.Get(ctx, table, key)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s %s", types.ErrDuplicateKey, table, row.Project(def.KeyNames()))
		case !errors.Is(err, types.ErrNotFound):
			return err
		}
	}
	return tx.Put(ctx, table, key, row)
}

// checkReference looks up the row fk points at. A reference with a null
// attribute is not checked.
func (g *Guard) checkReference(ctx context.Context, tx types.Tx, table string, fk types.ForeignKey, row types.Row) error {
	refKey, err := g.graph.PrimaryKey(fk.Table)
	if err != nil {
		return err
	}
	ref := fk.Referenced(refKey, row)
	for _, a := range refKey {
		if ref[a] == nil {
			return nil
		}
	}
	enc, err := types.EncodeKey(refKey, ref)
	if err != nil {
		return fmt.Errorf("%s -> %s: %w", table, fk.Table, err)
	}
	_, err = tx.GetShared(ctx, fk.Table, enc)
	if errors.Is(err, types.ErrNotFound) {
		g.logger.Warn("foreign key violation", "table", table, "referenced", fk.Table, "values", ref.String())
		return &types.ForeignKeyViolation{Table: table, Referenced: fk.Table, Values: ref}
	}
	return err
}

// Get returns the row of table with the given primary key.
func (g *Guard) Get(ctx context.Context, table string, key types.Row) (types.Row, error) {
	enc, _, err := g.graph.KeyOf(table, key)
	if err != nil {
		return nil, err
	}
	return g.store.Get(ctx, table, enc)
}

// ReadBlob returns the payload an external_blob attribute refers to.
func (g *Guard) ReadBlob(ctx context.Context, ref string) ([]byte, error) {
	if g.blobs == nil {
		return nil, types.ErrNoBlobStore
	}
	return blob.ReadAll(ctx, g.blobs, ref)
}

// DeleteReport counts the rows a delete removed, per table.
type DeleteReport struct {
	Deleted map[string]int `json:"deleted"`
}

// Total returns the number of rows removed.
func (r DeleteReport) Total() int {
	n := 0
	for _, c := range r.Deleted {
		n += c
	}
	return n
}

// Tables returns the tables rows were removed from, sorted.
func (r DeleteReport) Tables() []string {
	out := make([]string, 0, len(r.Deleted))
	for t := range r.Deleted {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

// Delete removes the row of table identified by key together with every
// row that depends on it, transitively, in one transaction. Deleting an
// absent row is not an error. A store failure rolls the whole delete back
// and is returned as *types.IntegrityError.
func (g *Guard) Delete(ctx context.Context, table string, key types.Row) (DeleteReport, error) {
	if err := g.checkDeletable(table); err != nil {
		return DeleteReport{}, err
	}
	if _, _, err := g.graph.KeyOf(table, key); err != nil {
		return DeleteReport{}, err
	}

	tx, err := g.store.Begin(ctx, types.TxOptions{})
	if err != nil {
		return DeleteReport{}, &types.IntegrityError{Table: table, Key: key, Err: err}
	}
	defer tx.Rollback()

	rep, err := g.DeleteTx(ctx, tx, table, key)
	if err != nil {
		return DeleteReport{}, err
	}
	if err := tx.Commit(); err != nil {
		return DeleteReport{}, &types.IntegrityError{Table: table, Key: key, Err: err}
	}
	if rep.Total() > 0 {
		g.logger.Info("cascade delete", "table", table, "key", key.String(), "rows", rep.Total())
	}
	return rep, nil
}

// DeleteTx runs the cascading delete inside tx. The caller commits.
func (g *Guard) DeleteTx(ctx context.Context, tx types.Tx, table string, key types.Row) (DeleteReport, error) {
	rep := DeleteReport{Deleted: map[string]int{}}
	if err := g.checkDeletable(table); err != nil {
		return rep, err
	}
	enc, keyRow, err := g.graph.KeyOf(table, key)
	if err != nil {
		return rep, err
	}
	row, err := tx.Get(ctx, table, enc)
	if errors.Is(err, types.ErrNotFound) {
		return rep, nil
	}
	if err != nil {
		return rep, &types.IntegrityError{Table: table, Key: keyRow, Err: err}
	}

	c := cascade{guard: g, tx: tx, report: rep, visited: map[string]bool{}}
	if err := c.remove(ctx, table, enc, row); err != nil {
		var ie *types.IntegrityError
		if errors.As(err, &ie) {
			return rep, err
		}
		return rep, &types.IntegrityError{Table: table, Key: keyRow, Err: err}
	}
	return rep, nil
}

func (g *Guard) checkDeletable(table string) error {
	def, err := g.graph.Table(table)
	if err != nil {
		return err
	}
	if def.Kind == types.KindPart {
		return fmt.Errorf("%w: %s (delete from %s)", types.ErrPartDelete, table, def.Master)
	}
	return nil
}

// cascade is one depth-first delete walk.
type cascade struct {
	guard   *Guard
	tx      types.Tx
	report  DeleteReport
	visited map[string]bool
}

// remove deletes the dependents of row, then row itself.
func (c *cascade) remove(ctx context.Context, table, key string, row types.Row) error {
	id := table + "\x00" + key
	if c.visited[id] {
		return nil
	}
	c.visited[id] = true

	if err := ctx.Err(); err != nil {
		return err
	}
	children, err := c.guard.graph.Children(table)
	if err != nil {
		return err
	}
	refKey, err := c.guard.graph.PrimaryKey(table)
	if err != nil {
		return err
	}
	for _, child := range children {
		def, err := c.guard.graph.Table(child)
		if err != nil {
			return err
		}
		for _, fk := range def.ForeignKeys {
			if fk.Table != table {
				continue
			}
			recs, err := c.dependents(ctx, def, fk.LocalAttrs(refKey), refKey, row)
			if err != nil {
				return err
			}
			for _, rec := range recs {
				if err := c.remove(ctx, child, rec.Key, rec.Row); err != nil {
					return err
				}
			}
		}
	}

	if err := c.tx.Delete(ctx, table, key); err != nil {
		return err
	}
	c.report.Deleted[table]++
	return nil
}

// dependents returns the rows of def whose local foreign-key attributes
// equal the referenced key of row. When those attributes lead def's primary
// key the lookup is a prefix scan; otherwise the table is scanned and
// filtered.
func (c *cascade) dependents(ctx context.Context, def types.TableDef, local, refKey []string, row types.Row) ([]types.Record, error) {
	match := make(types.Row, len(local))
	for i, a := range local {
		match[a] = row[refKey[i]]
	}
	want, err := types.EncodeKey(local, match)
	if err != nil {
		return nil, err
	}

	keyNames := def.KeyNames()
	if len(local) <= len(keyNames) && slices.Equal(keyNames[:len(local)], local) {
		return c.tx.Scan(ctx, def.Name, want)
	}

	all, err := c.tx.Scan(ctx, def.Name, "")
	if err != nil {
		return nil, err
	}
	var out []types.Record
	for _, rec := range all {
		got, err := types.EncodeKey(local, rec.Row)
		if err == nil && got == want {
			out = append(out, rec)
		}
	}
	return out, nil
}
