package keyset

import (
	"fmt"
	"strings"

	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// Predicate selects tuples in a restriction.
type Predicate interface {
	// Match reports whether row satisfies the predicate.
	Match(row types.Row) bool
	// Attrs lists the attributes the predicate reads. Restrict checks them
	// against the heading of its input.
	Attrs() []string
	String() string
}

// Values compare by canonical encoding, so 3, int64(3) and 3.0 are equal.
func sameValue(a, b any) bool {
	ea, err := types.EncodeKey([]string{"v"}, types.Row{"v": a})
	if err != nil {
		return false
	}
	eb, err := types.EncodeKey([]string{"v"}, types.Row{"v": b})
	if err != nil {
		return false
	}
	return ea == eb
}

type eqPred struct {
	attr  string
	value any
}

// Eq matches tuples whose attr equals value.
func Eq(attr string, value any) Predicate { return eqPred{attr: attr, value: value} }

func (p eqPred) Match(row types.Row) bool { return sameValue(row[p.attr], p.value) }
func (p eqPred) Attrs() []string          { return []string{p.attr} }
func (p eqPred) String() string           { return fmt.Sprintf("%s = %v", p.attr, p.value) }

type inPred struct {
	attr   string
	values []any
}

// In matches tuples whose attr equals one of values.
func In(attr string, values ...any) Predicate { return inPred{attr: attr, values: values} }

func (p inPred) Match(row types.Row) bool {
	for _, v := range p.values {
		if sameValue(row[p.attr], v) {
			return true
		}
	}
	return false
}
func (p inPred) Attrs() []string { return []string{p.attr} }
func (p inPred) String() string  { return fmt.Sprintf("%s in %v", p.attr, p.values) }

type notPred struct{ p Predicate }

// Not negates p.
func Not(p Predicate) Predicate { return notPred{p: p} }

func (p notPred) Match(row types.Row) bool { return !p.p.Match(row) }
func (p notPred) Attrs() []string          { return p.p.Attrs() }
func (p notPred) String() string           { return "not (" + p.p.String() + ")" }

type boolPred struct {
	and   bool
	preds []Predicate
}

// And matches tuples that satisfy every predicate. And() matches everything.
func And(preds ...Predicate) Predicate { return boolPred{and: true, preds: preds} }

// Or matches tuples that satisfy at least one predicate. Or() matches nothing.
func Or(preds ...Predicate) Predicate { return boolPred{and: false, preds: preds} }

func (p boolPred) Match(row types.Row) bool {
	for _, q := range p.preds {
		if q.Match(row) != p.and {
			return !p.and
		}
	}
	return p.and
}

func (p boolPred) Attrs() []string {
	var out []string
	for _, q := range p.preds {
		out = append(out, q.Attrs()...)
	}
	return out
}

func (p boolPred) String() string {
	op := " or "
	if p.and {
		op = " and "
	}
	parts := make([]string, len(p.preds))
	for i, q := range p.preds {
		parts[i] = "(" + q.String() + ")"
	}
	return strings.Join(parts, op)
}

type funcPred struct {
	attrs []string
	fn    func(types.Row) bool
}

// Func wraps an arbitrary test over the named attributes.
func Func(fn func(types.Row) bool, attrs ...string) Predicate {
	return funcPred{attrs: attrs, fn: fn}
}

func (p funcPred) Match(row types.Row) bool { return p.fn(row) }
func (p funcPred) Attrs() []string          { return p.attrs }
func (p funcPred) String() string           { return fmt.Sprintf("func%v", p.attrs) }
