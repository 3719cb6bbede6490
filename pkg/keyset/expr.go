package keyset

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/mesh-intelligence/pipeline/pkg/schema"
	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// Expr is a relational expression over key tuples.
type Expr interface {
	// Heading returns the ordered attribute names of the result without
	// touching storage.
	Heading(g *schema.Graph) ([]string, error)

	// Eval computes the result from r. Callers evaluate a whole tree
	// against one snapshot; see Evaluate.
	Eval(ctx context.Context, g *schema.Graph, r types.Reader) (*Set, error)

	String() string
}

func mismatch(format string, args ...any) error {
	return fmt.Errorf("%w: %s", types.ErrHeadingMismatch, fmt.Sprintf(format, args...))
}

// table is the set of primary keys of a stored table.
type table struct{ name string }

// Table returns the primary keys currently stored in the named table.
func Table(name string) Expr { return table{name: name} }

func (e table) Heading(g *schema.Graph) ([]string, error) { return g.PrimaryKey(e.name) }

func (e table) Eval(ctx context.Context, g *schema.Graph, r types.Reader) (*Set, error) {
	heading, err := g.PrimaryKey(e.name)
	if err != nil {
		return nil, err
	}
	recs, err := r.Scan(ctx, e.name, "")
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", e.name, err)
	}
	out := NewSet(heading)
	for _, rec := range recs {
		if err := out.Add(rec.Row); err != nil {
			return nil, fmt.Errorf("%s: %w", e.name, err)
		}
	}
	return out, nil
}

func (e table) String() string { return e.name }

// values is a literal set.
type values struct {
	heading []string
	rows    []types.Row
}

// Values returns a literal expression holding rows projected onto heading.
func Values(heading []string, rows ...types.Row) Expr {
	return values{heading: slices.Clone(heading), rows: rows}
}

func (e values) Heading(*schema.Graph) ([]string, error) { return slices.Clone(e.heading), nil }

func (e values) Eval(context.Context, *schema.Graph, types.Reader) (*Set, error) {
	out := NewSet(e.heading)
	for _, r := range e.rows {
		if err := out.Add(r); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e values) String() string { return fmt.Sprintf("values%v", e.heading) }

// project keeps a subset of attributes.
type project struct {
	in    Expr
	attrs []string
}

// Project keeps only attrs, in the given order. Duplicate tuples collapse.
func Project(in Expr, attrs ...string) Expr { return project{in: in, attrs: attrs} }

func (e project) Heading(g *schema.Graph) ([]string, error) {
	h, err := e.in.Heading(g)
	if err != nil {
		return nil, err
	}
	for _, a := range e.attrs {
		if !slices.Contains(h, a) {
			return nil, mismatch("project: %s not in %v", a, h)
		}
	}
	return slices.Clone(e.attrs), nil
}

func (e project) Eval(ctx context.Context, g *schema.Graph, r types.Reader) (*Set, error) {
	heading, err := e.Heading(g)
	if err != nil {
		return nil, err
	}
	in, err := e.in.Eval(ctx, g, r)
	if err != nil {
		return nil, err
	}
	out := NewSet(heading)
	for _, row := range in.tuples {
		if err := out.Add(row); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e project) String() string {
	return fmt.Sprintf("project(%s, %s)", e.in, strings.Join(e.attrs, ", "))
}

// rename maps attribute names.
type rename struct {
	in Expr
	to map[string]string // old -> new
	// keep limits the result to renamed attributes.
	keep bool
}

// Rename renames attributes, old name to new name, keeping every attribute.
func Rename(in Expr, names map[string]string) Expr { return rename{in: in, to: names} }

// ProjectAs projects onto the attributes of a foreign-key mapping, naming
// them as the referencing table does. mapping goes from the new (local) name
// to the existing (referenced) name, the direction types.ForeignKey uses.
func ProjectAs(in Expr, mapping map[string]string) Expr {
	to := make(map[string]string, len(mapping))
	for local, ref := range mapping {
		to[ref] = local
	}
	return rename{in: in, to: to, keep: true}
}

func (e rename) Heading(g *schema.Graph) ([]string, error) {
	h, err := e.in.Heading(g)
	if err != nil {
		return nil, err
	}
	for old := range e.to {
		if !slices.Contains(h, old) {
			return nil, mismatch("rename: %s not in %v", old, h)
		}
	}
	var out []string
	for _, a := range h {
		if n, ok := e.to[a]; ok {
			out = append(out, n)
		} else if !e.keep {
			out = append(out, a)
		}
	}
	for i, a := range out {
		if slices.Contains(out[i+1:], a) {
			return nil, mismatch("rename: duplicate attribute %s", a)
		}
	}
	return out, nil
}

func (e rename) Eval(ctx context.Context, g *schema.Graph, r types.Reader) (*Set, error) {
	heading, err := e.Heading(g)
	if err != nil {
		return nil, err
	}
	in, err := e.in.Eval(ctx, g, r)
	if err != nil {
		return nil, err
	}
	out := NewSet(heading)
	for _, row := range in.tuples {
		renamed := make(types.Row, len(row))
		for k, v := range row {
			if n, ok := e.to[k]; ok {
				renamed[n] = v
			} else if !e.keep {
				renamed[k] = v
			}
		}
		if err := out.Add(renamed); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e rename) String() string {
	pairs := make([]string, 0, len(e.to))
	for o, n := range e.to {
		pairs = append(pairs, o+"->"+n)
	}
	sort.Strings(pairs)
	return fmt.Sprintf("rename(%s, %s)", e.in, strings.Join(pairs, ", "))
}

// restrict filters by a predicate.
type restrict struct {
	in   Expr
	pred Predicate
}

// Restrict keeps the tuples that satisfy pred.
func Restrict(in Expr, pred Predicate) Expr { return restrict{in: in, pred: pred} }

func (e restrict) Heading(g *schema.Graph) ([]string, error) {
	h, err := e.in.Heading(g)
	if err != nil {
		return nil, err
	}
	for _, a := range e.pred.Attrs() {
		if !slices.Contains(h, a) {
			return nil, mismatch("restrict: %s not in %v", a, h)
		}
	}
	return h, nil
}

func (e restrict) Eval(ctx context.Context, g *schema.Graph, r types.Reader) (*Set, error) {
	heading, err := e.Heading(g)
	if err != nil {
		return nil, err
	}
	in, err := e.in.Eval(ctx, g, r)
	if err != nil {
		return nil, err
	}
	out := NewSet(heading)
	for enc, row := range in.tuples {
		if e.pred.Match(row) {
			out.tuples[enc] = row
		}
	}
	return out, nil
}

func (e restrict) String() string { return fmt.Sprintf("restrict(%s, %s)", e.in, e.pred) }

// join is the natural join on shared attribute names.
type join struct{ left, right Expr }

// Join pairs every left tuple with every right tuple that agrees on the
// attributes they share. Without shared attributes it is the cross product.
func Join(left, right Expr) Expr { return join{left: left, right: right} }

func (e join) headings(g *schema.Graph) (lh, rh, common []string, err error) {
	if lh, err = e.left.Heading(g); err != nil {
		return nil, nil, nil, err
	}
	if rh, err = e.right.Heading(g); err != nil {
		return nil, nil, nil, err
	}
	for _, a := range lh {
		if slices.Contains(rh, a) {
			common = append(common, a)
		}
	}
	return lh, rh, common, nil
}

func (e join) Heading(g *schema.Graph) ([]string, error) {
	lh, rh, _, err := e.headings(g)
	if err != nil {
		return nil, err
	}
	out := slices.Clone(lh)
	for _, a := range rh {
		if !slices.Contains(out, a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (e join) Eval(ctx context.Context, g *schema.Graph, r types.Reader) (*Set, error) {
	lh, rh, common, err := e.headings(g)
	if err != nil {
		return nil, err
	}
	heading := slices.Clone(lh)
	for _, a := range rh {
		if !slices.Contains(heading, a) {
			heading = append(heading, a)
		}
	}
	left, err := e.left.Eval(ctx, g, r)
	if err != nil {
		return nil, err
	}
	right, err := e.right.Eval(ctx, g, r)
	if err != nil {
		return nil, err
	}

	// Hash the right side on the shared attributes, then probe with the left.
	index := make(map[string][]types.Row)
	for _, row := range right.tuples {
		k, err := types.EncodeKey(common, row)
		if err != nil {
			return nil, err
		}
		index[k] = append(index[k], row)
	}
	out := NewSet(heading)
	for _, l := range left.tuples {
		k, err := types.EncodeKey(common, l)
		if err != nil {
			return nil, err
		}
		for _, rr := range index[k] {
			merged := l.Clone()
			for a, v := range rr {
				merged[a] = v
			}
			if err := out.Add(merged); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (e join) String() string { return fmt.Sprintf("join(%s, %s)", e.left, e.right) }

// setOp is a union, intersection or difference of compatible sets.
type setOp struct {
	op          string
	left, right Expr
}

// Union returns the tuples in either input.
func Union(left, right Expr) Expr { return setOp{op: "union", left: left, right: right} }

// Intersect returns the tuples in both inputs.
func Intersect(left, right Expr) Expr { return setOp{op: "intersect", left: left, right: right} }

// Difference returns the tuples of left that are not in right.
func Difference(left, right Expr) Expr { return setOp{op: "difference", left: left, right: right} }

func (e setOp) Heading(g *schema.Graph) ([]string, error) {
	lh, err := e.left.Heading(g)
	if err != nil {
		return nil, err
	}
	rh, err := e.right.Heading(g)
	if err != nil {
		return nil, err
	}
	if !sameAttrs(lh, rh) {
		return nil, mismatch("%s: %v vs %v", e.op, lh, rh)
	}
	return lh, nil
}

func (e setOp) Eval(ctx context.Context, g *schema.Graph, r types.Reader) (*Set, error) {
	heading, err := e.Heading(g)
	if err != nil {
		return nil, err
	}
	left, err := e.left.Eval(ctx, g, r)
	if err != nil {
		return nil, err
	}
	right, err := e.right.Eval(ctx, g, r)
	if err != nil {
		return nil, err
	}

	// Re-key the right side in the left heading order so encodings compare.
	rightKeys := make(map[string]types.Row, right.Len())
	for _, row := range right.tuples {
		k, err := types.EncodeKey(heading, row)
		if err != nil {
			return nil, err
		}
		rightKeys[k] = row
	}

	out := NewSet(heading)
	switch e.op {
	case "union":
		for k, row := range left.tuples {
			out.tuples[k] = row
		}
		for k, row := range rightKeys {
			if _, ok := out.tuples[k]; !ok {
				out.tuples[k] = row.Project(heading)
			}
		}
	case "intersect":
		for k, row := range left.tuples {
			if _, ok := rightKeys[k]; ok {
				out.tuples[k] = row
			}
		}
	case "difference":
		for k, row := range left.tuples {
			if _, ok := rightKeys[k]; !ok {
				out.tuples[k] = row
			}
		}
	}
	return out, nil
}

func (e setOp) String() string { return fmt.Sprintf("%s(%s, %s)", e.op, e.left, e.right) }

// matching is a semijoin.
type matching struct{ in, by Expr }

// Matching keeps the tuples of in that agree with at least one tuple of by
// on the attributes they share. The heading of in is kept.
func Matching(in, by Expr) Expr { return matching{in: in, by: by} }

func (e matching) Heading(g *schema.Graph) ([]string, error) {
	h, err := e.in.Heading(g)
	if err != nil {
		return nil, err
	}
	bh, err := e.by.Heading(g)
	if err != nil {
		return nil, err
	}
	for _, a := range bh {
		if slices.Contains(h, a) {
			return h, nil
		}
	}
	return nil, mismatch("matching: %v shares nothing with %v", bh, h)
}

func (e matching) Eval(ctx context.Context, g *schema.Graph, r types.Reader) (*Set, error) {
	heading, err := e.Heading(g)
	if err != nil {
		return nil, err
	}
	bh, err := e.by.Heading(g)
	if err != nil {
		return nil, err
	}
	var common []string
	for _, a := range heading {
		if slices.Contains(bh, a) {
			common = append(common, a)
		}
	}
	in, err := e.in.Eval(ctx, g, r)
	if err != nil {
		return nil, err
	}
	by, err := e.by.Eval(ctx, g, r)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, by.Len())
	for _, row := range by.tuples {
		k, err := types.EncodeKey(common, row)
		if err != nil {
			return nil, err
		}
		seen[k] = true
	}
	out := NewSet(heading)
	for enc, row := range in.tuples {
		k, err := types.EncodeKey(common, row)
		if err != nil {
			return nil, err
		}
		if seen[k] {
			out.tuples[enc] = row
		}
	}
	return out, nil
}

func (e matching) String() string { return fmt.Sprintf("matching(%s, %s)", e.in, e.by) }
