// Package keyset evaluates relational expressions over primary-key tuples:
// projection, restriction, natural join, union, intersection and difference.
// Results are finite sets of distinct tuples with a fixed heading.
//
// An expression tree is evaluated against a single snapshot, so every leaf
// sees the same state of the store.
package keyset

import (
	"fmt"
	"slices"
	"sort"

	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// Set is a set of tuples over an ordered heading. Tuples are identified by
// the canonical encoding of their values in heading order.
type Set struct {
	heading []string
	tuples  map[string]types.Row
}

// NewSet returns an empty set with the given heading.
func NewSet(heading []string) *Set {
	return &Set{heading: slices.Clone(heading), tuples: make(map[string]types.Row)}
}

// Heading returns the attribute names in order.
func (s *Set) Heading() []string { return slices.Clone(s.heading) }

// Len returns the number of tuples.
func (s *Set) Len() int { return len(s.tuples) }

// Add inserts the projection of row onto the heading. Adding a tuple that is
// already present is a no-op.
func (s *Set) Add(row types.Row) error {
	enc, err := types.EncodeKey(s.heading, row)
	if err != nil {
		return err
	}
	if _, ok := s.tuples[enc]; !ok {
		s.tuples[enc] = row.Project(s.heading)
	}
	return nil
}

// Contains reports whether the projection of row onto the heading is in s.
func (s *Set) Contains(row types.Row) bool {
	enc, err := types.EncodeKey(s.heading, row)
	if err != nil {
		return false
	}
	_, ok := s.tuples[enc]
	return ok
}

// Keys returns the canonical encodings of all tuples in sorted order.
func (s *Set) Keys() []string {
	keys := make([]string, 0, len(s.tuples))
	for k := range s.tuples {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Rows returns all tuples ordered by their encoding.
func (s *Set) Rows() []types.Row {
	keys := s.Keys()
	out := make([]types.Row, len(keys))
	for i, k := range keys {
		out[i] = s.tuples[k].Clone()
	}
	return out
}

// Row returns the tuple stored under an encoding.
func (s *Set) Row(enc string) (types.Row, bool) {
	r, ok := s.tuples[enc]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// Equal reports whether s and o hold the same tuples over the same heading
// set. Heading order does not matter.
func (s *Set) Equal(o *Set) bool {
	if !sameAttrs(s.heading, o.heading) || s.Len() != o.Len() {
		return false
	}
	for _, r := range s.tuples {
		if !o.Contains(r) {
			return false
		}
	}
	return true
}

func (s *Set) String() string {
	return fmt.Sprintf("set%v[%d]", s.heading, len(s.tuples))
}

func sameAttrs(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(x, y)
}
