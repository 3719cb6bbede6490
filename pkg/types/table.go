package types

// Kind classifies how a table's rows come into existence.
type Kind string

// Table kinds.
const (
	KindLookup   Kind = "lookup"   // curated reference data, inserted at setup
	KindManual   Kind = "manual"   // externally entered facts
	KindImported Kind = "imported" // entered by an acquisition process
	KindComputed Kind = "computed" // derived by populate only
	KindPart     Kind = "part"     // detail rows owned by a master row
)

var validKinds = map[Kind]bool{
	KindLookup:   true,
	KindManual:   true,
	KindImported: true,
	KindComputed: true,
	KindPart:     true,
}

// Valid reports whether k is a known table kind.
func (k Kind) Valid() bool { return validKinds[k] }

// AttrType is the declared value type of an attribute.
type AttrType string

// Attribute types.
const (
	TypeString       AttrType = "string"
	TypeInt          AttrType = "int"
	TypeDecimal      AttrType = "decimal"
	TypeDate         AttrType = "date"          // YYYY-MM-DD
	TypeBlob         AttrType = "blob"          // inline payload
	TypeExternalBlob AttrType = "external_blob" // payload kept in a blob store
)

var validAttrTypes = map[AttrType]bool{
	TypeString:       true,
	TypeInt:          true,
	TypeDecimal:      true,
	TypeDate:         true,
	TypeBlob:         true,
	TypeExternalBlob: true,
}

// Valid reports whether t is a known attribute type.
func (t AttrType) Valid() bool { return validAttrTypes[t] }

// KeyType reports whether values of t may appear in a primary key.
func (t AttrType) KeyType() bool {
	return t == TypeString || t == TypeInt || t == TypeDecimal || t == TypeDate
}

// Attribute is a named, typed column.
type Attribute struct {
	Name     string   `json:"name" yaml:"name"`
	Type     AttrType `json:"type" yaml:"type"`
	Nullable bool     `json:"nullable,omitempty" yaml:"nullable,omitempty"`
	Comment  string   `json:"comment,omitempty" yaml:"comment,omitempty"`
}

// ForeignKey references the primary key of another table. Mapping maps each
// local attribute to the referenced attribute; a nil Mapping means the local
// attributes carry the referenced names verbatim.
type ForeignKey struct {
	Table   string            `json:"table" yaml:"table"`
	Mapping map[string]string `json:"mapping,omitempty" yaml:"mapping,omitempty"`
}

// TableDef is the static descriptor of a table.
type TableDef struct {
	Name        string       `json:"name" yaml:"name"`
	Kind        Kind         `json:"kind" yaml:"kind"`
	Comment     string       `json:"comment,omitempty" yaml:"comment,omitempty"`
	Master      string       `json:"master,omitempty" yaml:"master,omitempty"`
	Key         []Attribute  `json:"key" yaml:"key"`
	Secondary   []Attribute  `json:"secondary,omitempty" yaml:"secondary,omitempty"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty" yaml:"foreign_keys,omitempty"`
	Contents    []Row        `json:"contents,omitempty" yaml:"contents,omitempty"`
}

// KeyNames returns the primary-key attribute names in order.
func (d TableDef) KeyNames() []string {
	names := make([]string, len(d.Key))
	for i, a := range d.Key {
		names[i] = a.Name
	}
	return names
}

// Attributes returns key attributes followed by secondary attributes.
func (d TableDef) Attributes() []Attribute {
	out := make([]Attribute, 0, len(d.Key)+len(d.Secondary))
	out = append(out, d.Key...)
	return append(out, d.Secondary...)
}

// Attribute returns the named attribute.
func (d TableDef) Attribute(name string) (Attribute, bool) {
	for _, a := range d.Key {
		if a.Name == name {
			return a, true
		}
	}
	for _, a := range d.Secondary {
		if a.Name == name {
			return a, true
		}
	}
	return Attribute{}, false
}

// IsKey reports whether name is a primary-key attribute.
func (d TableDef) IsKey(name string) bool {
	for _, a := range d.Key {
		if a.Name == name {
			return true
		}
	}
	return false
}

// LocalAttrs returns the local attribute names of fk in the referenced
// table's key order, given that table's key names.
func (fk ForeignKey) LocalAttrs(refKey []string) []string {
	out := make([]string, 0, len(refKey))
	for _, ref := range refKey {
		out = append(out, fk.LocalFor(ref))
	}
	return out
}

// LocalFor returns the local attribute that carries the referenced attribute.
func (fk ForeignKey) LocalFor(ref string) string {
	for local, r := range fk.Mapping {
		if r == ref {
			return local
		}
	}
	return ref
}

// Referenced maps a local row to the referenced table's key row.
func (fk ForeignKey) Referenced(refKey []string, row Row) Row {
	out := make(Row, len(refKey))
	for _, ref := range refKey {
		if v, ok := row[fk.LocalFor(ref)]; ok {
			out[ref] = v
		}
	}
	return out
}
