package schema

import (
	"fmt"
	"slices"
	"unicode"

	"github.com/mesh-intelligence/pipeline/pkg/types"
)

func invalid(table, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", types.ErrInvalidTable, table, fmt.Sprintf(format, args...))
}

// validateDef checks one descriptor. lookup resolves referenced tables from
// the graph or the batch being registered.
func validateDef(def types.TableDef, lookup func(string) (types.TableDef, bool)) error {
	if def.Name == "" {
		return fmt.Errorf("%w: empty table name", types.ErrInvalidTable)
	}
	if !unicode.IsLetter([]rune(def.Name)[0]) {
		return invalid(def.Name, "name must start with a letter")
	}
	if !def.Kind.Valid() {
		return invalid(def.Name, "unknown kind %q", def.Kind)
	}
	if len(def.Key) == 0 {
		return invalid(def.Name, "empty primary key")
	}

	seen := map[string]bool{}
	for _, a := range def.Attributes() {
		if a.Name == "" {
			return invalid(def.Name, "attribute with empty name")
		}
		if seen[a.Name] {
			return invalid(def.Name, "duplicate attribute %s", a.Name)
		}
		seen[a.Name] = true
		if !a.Type.Valid() {
			return invalid(def.Name, "attribute %s has unknown type %q", a.Name, a.Type)
		}
	}
	for _, a := range def.Key {
		if !a.Type.KeyType() {
			return invalid(def.Name, "key attribute %s cannot be %s", a.Name, a.Type)
		}
		if a.Nullable {
			return invalid(def.Name, "key attribute %s cannot be nullable", a.Name)
		}
	}

	if def.Kind == types.KindPart {
		if def.Master == "" {
			return invalid(def.Name, "part table without master")
		}
		master, ok := lookup(def.Master)
		if !ok {
			return fmt.Errorf("%w: %s: master %s", types.ErrTableNotFound, def.Name, def.Master)
		}
		if master.Kind == types.KindPart {
			return invalid(def.Name, "master %s is itself a part table", def.Master)
		}
		mk := master.KeyNames()
		if len(def.Key) < len(mk) || !slices.Equal(def.KeyNames()[:len(mk)], mk) {
			return invalid(def.Name, "key must start with master key %v", mk)
		}
	} else if def.Master != "" {
		return invalid(def.Name, "only part tables have a master")
	}

	for _, fk := range def.ForeignKeys {
		ref, ok := lookup(fk.Table)
		if !ok {
			return fmt.Errorf("%w: %s references %s", types.ErrTableNotFound, def.Name, fk.Table)
		}
		refKey := ref.KeyNames()
		for local, target := range fk.Mapping {
			if !ref.IsKey(target) {
				return invalid(def.Name, "foreign key %s maps %s onto non-key %s", fk.Table, local, target)
			}
			if _, ok := def.Attribute(local); !ok {
				return invalid(def.Name, "foreign key %s maps unknown attribute %s", fk.Table, local)
			}
		}
		for i, local := range fk.LocalAttrs(refKey) {
			a, ok := def.Attribute(local)
			if !ok {
				return invalid(def.Name, "foreign key %s needs attribute %s", fk.Table, local)
			}
			refAttr := ref.Key[i]
			if a.Type != refAttr.Type {
				return invalid(def.Name, "foreign key %s: %s is %s, %s.%s is %s",
					fk.Table, local, a.Type, fk.Table, refAttr.Name, refAttr.Type)
			}
		}
	}

	for i, row := range def.Contents {
		if def.Kind != types.KindLookup {
			return invalid(def.Name, "only lookup tables declare contents")
		}
		if _, err := normalizeRow(def, row); err != nil {
			return invalid(def.Name, "contents row %d: %v", i, err)
		}
	}
	return nil
}
