// Package schema holds the table dependency graph: static table descriptors
// linked by foreign keys, validated as a directed acyclic graph. Edges point
// from the referenced table to the referencing table.
package schema

import (
	"fmt"
	"slices"
	"sync"

	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// node is one registered table with its resolved edges.
type node struct {
	def      types.TableDef
	parents  []string // referenced tables, declaration order
	children []string // referencing tables, registration order
}

// Graph is the registry of table descriptors. It is safe for concurrent use;
// registration is expected at startup and queries afterwards.
type Graph struct {
	mu     sync.RWMutex
	tables map[string]*node
	order  []string // topological: every table follows the tables it references
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{tables: make(map[string]*node)}
}

// Register adds one table. Every table it references must already be
// registered; a reference to itself is a cycle.
func (g *Graph) Register(def types.TableDef) error {
	return g.RegisterAll(def)
}

// RegisterAll adds a batch of tables that may reference each other in any
// order. The batch is validated as a whole: a foreign-key cycle fails with
// *types.SchemaCycleError and nothing from the batch is registered.
func (g *Graph) RegisterAll(defs ...types.TableDef) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	batch := make(map[string]types.TableDef, len(defs))
	for _, def := range defs {
		def = withMasterReference(def)
		if _, ok := g.tables[def.Name]; ok {
			return fmt.Errorf("%w: %s", types.ErrDuplicateTable, def.Name)
		}
		if _, ok := batch[def.Name]; ok {
			return fmt.Errorf("%w: %s", types.ErrDuplicateTable, def.Name)
		}
		batch[def.Name] = def
	}

	lookup := func(name string) (types.TableDef, bool) {
		if def, ok := batch[name]; ok {
			return def, true
		}
		if n, ok := g.tables[name]; ok {
			return n.def, true
		}
		return types.TableDef{}, false
	}

	// Cycles first, so a self or mutual reference reports the cycle rather
	// than a missing table.
	sorted, err := topoSort(defs, batch)
	if err != nil {
		return err
	}

	for _, name := range sorted {
		if err := validateDef(batch[name], lookup); err != nil {
			return err
		}
	}

	for _, name := range sorted {
		def := batch[name]
		n := &node{def: def, parents: referencedTables(def)}
		g.tables[name] = n
		g.order = append(g.order, name)
		for _, p := range n.parents {
			parent := g.tables[p]
			parent.children = append(parent.children, name)
		}
	}
	return nil
}

// withMasterReference makes the master of a part table an explicit foreign
// key so parts take part in integrity checks and cascades like any other
// dependent.
func withMasterReference(def types.TableDef) types.TableDef {
	if def.Kind != types.KindPart || def.Master == "" {
		return def
	}
	for _, fk := range def.ForeignKeys {
		if fk.Table == def.Master {
			return def
		}
	}
	fks := make([]types.ForeignKey, 0, len(def.ForeignKeys)+1)
	fks = append(fks, types.ForeignKey{Table: def.Master})
	def.ForeignKeys = append(fks, def.ForeignKeys...)
	return def
}

func referencedTables(def types.TableDef) []string {
	var out []string
	for _, fk := range def.ForeignKeys {
		if !slices.Contains(out, fk.Table) {
			out = append(out, fk.Table)
		}
	}
	return out
}

// topoSort orders the batch so referenced tables come first, using
// depth-first search with a recursion stack. A back edge is a cycle; the
// stack at that point names it.
func topoSort(defs []types.TableDef, batch map[string]types.TableDef) ([]string, error) {
	visited := make(map[string]bool, len(batch))
	recStack := make(map[string]bool, len(batch))
	var path, out []string

	var visit func(name string) error
	visit = func(name string) error {
		visited[name] = true
		recStack[name] = true
		path = append(path, name)

		for _, ref := range referencedTables(batch[name]) {
			if _, inBatch := batch[ref]; !inBatch {
				continue
			}
			if recStack[ref] {
				start := slices.Index(path, ref)
				cycle := append(slices.Clone(path[start:]), ref)
				return &types.SchemaCycleError{Path: cycle}
			}
			if !visited[ref] {
				if err := visit(ref); err != nil {
					return err
				}
			}
		}

		recStack[name] = false
		path = path[:len(path)-1]
		out = append(out, name)
		return nil
	}

	for _, def := range defs {
		if !visited[def.Name] {
			if err := visit(def.Name); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (g *Graph) node(name string) (*node, error) {
	n, ok := g.tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrTableNotFound, name)
	}
	return n, nil
}

// Table returns the descriptor of name.
func (g *Graph) Table(name string) (types.TableDef, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, err := g.node(name)
	if err != nil {
		return types.TableDef{}, err
	}
	return n.def, nil
}

// Has reports whether name is registered.
func (g *Graph) Has(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.tables[name]
	return ok
}

// PrimaryKey returns the ordered primary-key attribute names of name.
func (g *Graph) PrimaryKey(name string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, err := g.node(name)
	if err != nil {
		return nil, err
	}
	return n.def.KeyNames(), nil
}

// Parents returns the tables name references.
func (g *Graph) Parents(name string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, err := g.node(name)
	if err != nil {
		return nil, err
	}
	return slices.Clone(n.parents), nil
}

// Children returns the tables that reference name.
func (g *Graph) Children(name string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, err := g.node(name)
	if err != nil {
		return nil, err
	}
	return slices.Clone(n.children), nil
}

// Ancestors returns every table name depends on, transitively, in
// topological order.
func (g *Graph) Ancestors(name string) ([]string, error) {
	return g.closure(name, func(n *node) []string { return n.parents })
}

// Descendants returns every table that depends on name, transitively, in
// topological order.
func (g *Graph) Descendants(name string) ([]string, error) {
	return g.closure(name, func(n *node) []string { return n.children })
}

func (g *Graph) closure(name string, next func(*node) []string) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	start, err := g.node(name)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	stack := slices.Clone(next(start))
	for len(stack) > 0 {
		t := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[t] {
			continue
		}
		seen[t] = true
		stack = append(stack, next(g.tables[t])...)
	}
	out := make([]string, 0, len(seen))
	for _, t := range g.order {
		if seen[t] {
			out = append(out, t)
		}
	}
	return out, nil
}

// Tables returns every registered table in topological order.
func (g *Graph) Tables() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.order)
}

// Parts returns the part tables of master.
func (g *Graph) Parts(master string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, t := range g.order {
		def := g.tables[t].def
		if def.Kind == types.KindPart && def.Master == master {
			out = append(out, t)
		}
	}
	return out
}

// Derived reports whether rows of name are written only by populate: the
// table is computed, or it is a part of a computed table.
func (g *Graph) Derived(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.tables[name]
	if !ok {
		return false
	}
	switch n.def.Kind {
	case types.KindComputed:
		return true
	case types.KindPart:
		m, ok := g.tables[n.def.Master]
		return ok && m.def.Kind == types.KindComputed
	}
	return false
}
