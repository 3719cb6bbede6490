package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/mesh-intelligence/pipeline/pkg/types"
)

// DateLayout is the stored form of date attributes.
const DateLayout = "2006-01-02"

// Normalize validates row against the table's heading and returns a copy
// with values in stored form: ints as int64, decimals as float64, dates as
// YYYY-MM-DD strings. Unknown attributes are rejected, key attributes must be
// present and non-null, and non-nullable secondary attributes must be
// present.
func (g *Graph) Normalize(table string, row types.Row) (types.Row, error) {
	def, err := g.Table(table)
	if err != nil {
		return nil, err
	}
	return normalizeRow(def, row)
}

// ValidateRow reports whether row is acceptable for table.
func (g *Graph) ValidateRow(table string, row types.Row) error {
	_, err := g.Normalize(table, row)
	return err
}

// KeyOf projects row onto the table's primary key and returns the canonical
// encoding together with the normalized key row. Secondary attributes in row
// are ignored.
func (g *Graph) KeyOf(table string, row types.Row) (string, types.Row, error) {
	def, err := g.Table(table)
	if err != nil {
		return "", nil, err
	}
	key := make(types.Row, len(def.Key))
	for _, a := range def.Key {
		v, ok := row[a.Name]
		if !ok || v == nil {
			return "", nil, fmt.Errorf("%s: %w: %s", table, types.ErrNullKey, a.Name)
		}
		nv, err := normalizeValue(a, v)
		if err != nil {
			return "", nil, fmt.Errorf("%s: %w", table, err)
		}
		key[a.Name] = nv
	}
	enc, err := types.EncodeKey(def.KeyNames(), key)
	if err != nil {
		return "", nil, fmt.Errorf("%s: %w", table, err)
	}
	return enc, key, nil
}

func normalizeRow(def types.TableDef, row types.Row) (types.Row, error) {
	for name := range row {
		if _, ok := def.Attribute(name); !ok {
			return nil, fmt.Errorf("%w: %s has no attribute %s", types.ErrInvalidRow, def.Name, name)
		}
	}
	out := make(types.Row, len(row))
	for _, a := range def.Attributes() {
		v, ok := row[a.Name]
		if !ok || v == nil {
			switch {
			case def.IsKey(a.Name):
				return nil, fmt.Errorf("%s: %w: %s", def.Name, types.ErrNullKey, a.Name)
			case !a.Nullable:
				return nil, fmt.Errorf("%w: %s.%s is required", types.ErrInvalidRow, def.Name, a.Name)
			}
			if ok {
				out[a.Name] = nil
			}
			continue
		}
		nv, err := normalizeValue(a, v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", def.Name, err)
		}
		out[a.Name] = nv
	}
	return out, nil
}

func normalizeValue(a types.Attribute, v any) (any, error) {
	bad := func() error {
		return fmt.Errorf("%w: %s must be %s, got %T", types.ErrInvalidRow, a.Name, a.Type, v)
	}
	switch a.Type {
	case types.TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, bad()
		}
		return s, nil
	case types.TypeInt:
		i, ok := asInt64(v)
		if !ok {
			return nil, bad()
		}
		return i, nil
	case types.TypeDecimal:
		if i, ok := asInt64(v); ok {
			return i, nil
		}
		f, ok := asFloat64(v)
		if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, bad()
		}
		return f, nil
	case types.TypeDate:
		switch x := v.(type) {
		case time.Time:
			return x.Format(DateLayout), nil
		case string:
			if _, err := time.Parse(DateLayout, x); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", types.ErrInvalidRow, a.Name, err)
			}
			return x, nil
		}
		return nil, bad()
	case types.TypeExternalBlob:
		switch v.(type) {
		case []byte, string:
			return v, nil
		}
		return nil, bad()
	default:
		return v, nil
	}
}

func asInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint:
		if uint64(x) > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case uint64:
		if x > math.MaxInt64 {
			return 0, false
		}
		return int64(x), true
	case float32:
		return asInt64(float64(x))
	case float64:
		if x != math.Trunc(x) || math.Abs(x) >= 1<<53 {
			return 0, false
		}
		return int64(x), true
	case json.Number:
		i, err := x.Int64()
		return i, err == nil
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch x := v.(type) {
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	if i, ok := asInt64(v); ok {
		return float64(i), true
	}
	return 0, false
}
