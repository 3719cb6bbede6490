package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Row is a tuple of named attribute values.
type Row map[string]any

// Record pairs an encoded primary key with its row.
type Record struct {
	Key string
	Row Row
}

// Clone returns a shallow copy of r. Byte slices are copied.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		if b, ok := v.([]byte); ok {
			cp := make([]byte, len(b))
			copy(cp, b)
			v = cp
		}
		out[k] = v
	}
	return out
}

// Project returns a new row holding only attrs. Attributes missing from r are
// left out.
func (r Row) Project(attrs []string) Row {
	out := make(Row, len(attrs))
	for _, a := range attrs {
		if v, ok := r[a]; ok {
			out[a] = v
		}
	}
	return out
}

// Has reports whether every attribute in attrs is present and non-nil.
func (r Row) Has(attrs []string) bool {
	for _, a := range attrs {
		if v, ok := r[a]; !ok || v == nil {
			return false
		}
	}
	return true
}

// String renders the row with attributes in name order.
func (r Row) String() string {
	names := make([]string, 0, len(r))
	for k := range r {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteByte('{')
	for i, n := range names {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s: %v", n, r[n])
	}
	b.WriteByte('}')
	return b.String()
}

// keySep terminates every encoded key field. JSON never emits a raw 0x1f
// byte, so field boundaries are unambiguous.
const keySep = '\x1f'

// EncodeKey returns the canonical encoding of row's values for attrs, in
// order. Numerically equal values encode identically regardless of Go type,
// so keys read back from any store compare equal to keys built in memory.
func EncodeKey(attrs []string, row Row) (string, error) {
	var b strings.Builder
	for _, a := range attrs {
		v, ok := row[a]
		if !ok || v == nil {
			return "", fmt.Errorf("%w: %s", ErrNullKey, a)
		}
		enc, err := encodeValue(v)
		if err != nil {
			return "", fmt.Errorf("attribute %s: %w", a, err)
		}
		b.WriteString(enc)
		b.WriteByte(keySep)
	}
	return b.String(), nil
}

// MustEncodeKey is EncodeKey for keys known to be complete. It panics on error.
func MustEncodeKey(attrs []string, row Row) string {
	k, err := EncodeKey(attrs, row)
	if err != nil {
		panic(err)
	}
	return k
}

func encodeValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		b, err := json.Marshal(x)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.FormatInt(int64(x), 10), nil
	case int8:
		return strconv.FormatInt(int64(x), 10), nil
	case int16:
		return strconv.FormatInt(int64(x), 10), nil
	case int32:
		return strconv.FormatInt(int64(x), 10), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(x), 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float32:
		return encodeFloat(float64(x))
	case float64:
		return encodeFloat(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return strconv.FormatInt(i, 10), nil
		}
		f, err := x.Float64()
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidKeyValue, x.String())
		}
		return encodeFloat(f)
	case time.Time:
		b, err := json.Marshal(x.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("%w: %T", ErrInvalidKeyValue, v)
	}
}

func encodeFloat(f float64) (string, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", fmt.Errorf("%w: %v", ErrInvalidKeyValue, f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

// EncodeRow serializes a row for storage.
func EncodeRow(r Row) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding row: %w", err)
	}
	return b, nil
}

// DecodeRow parses a stored row. Integral numbers decode as int64 and other
// numbers as float64.
func DecodeRow(data []byte) (Row, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding row: %w", err)
	}
	row := make(Row, len(raw))
	for k, v := range raw {
		row[k] = normalizeNumber(v)
	}
	return row, nil
}

func normalizeNumber(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		for i := range x {
			x[i] = normalizeNumber(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = normalizeNumber(x[k])
		}
		return x
	default:
		return v
	}
}
