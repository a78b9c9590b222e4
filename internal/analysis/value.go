// Package analysis holds the opaque analysis payload a validator returns with
// its verdict, the producers that generate it and the aggregator that
// summarizes it across validators.
package analysis

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Kind distinguishes numeric from categorical analysis values.
type Kind int

const (
	KindNumeric Kind = iota + 1
	KindCategorical
)

// String returns "numeric" or "categorical".
func (k Kind) String() string {
	switch k {
	case KindNumeric:
		return "numeric"
	case KindCategorical:
		return "categorical"
	default:
		return "unknown"
	}
}

// Value is a single analysis field value: either a number or a category
// label. The zero Value is invalid and is ignored by the aggregator.
type Value struct {
	kind Kind
	num  float64
	cat  string
}

// Number returns a numeric Value.
func Number(f float64) Value { return Value{kind: KindNumeric, num: f} }

// Category returns a categorical Value.
func Category(s string) Value { return Value{kind: KindCategorical, cat: s} }

// Kind reports the value's kind.
func (v Value) Kind() Kind { return v.kind }

// Float returns the numeric value and whether v is numeric.
func (v Value) Float() (float64, bool) {
	return v.num, v.kind == KindNumeric
}

// Label returns the category label and whether v is categorical.
func (v Value) Label() (string, bool) {
	return v.cat, v.kind == KindCategorical
}

// usable reports whether the value can take part in aggregation. NaN and
// infinities are dropped the same way empty category labels are.
func (v Value) usable() bool {
	switch v.kind {
	case KindNumeric:
		return !math.IsNaN(v.num) && !math.IsInf(v.num, 0)
	case KindCategorical:
		return v.cat != ""
	}
	return false
}

// String formats the value for logs.
func (v Value) String() string {
	switch v.kind {
	case KindNumeric:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindCategorical:
		return v.cat
	}
	return "<invalid>"
}

// MarshalJSON encodes numbers as JSON numbers and categories as strings.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumeric:
		if !v.usable() {
			return nil, fmt.Errorf("analysis value %v is not finite", v.num)
		}
		return json.Marshal(v.num)
	case KindCategorical:
		return json.Marshal(v.cat)
	}
	return []byte("null"), nil
}

// UnmarshalJSON accepts numbers, strings and booleans. Booleans become the
// categories "true" and "false".
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case float64:
		*v = Number(x)
	case string:
		*v = Category(x)
	case bool:
		*v = Category(strconv.FormatBool(x))
	case nil:
		*v = Value{}
	default:
		return fmt.Errorf("unsupported analysis value %s", string(data))
	}
	return nil
}

// Fields is one validator's analysis map.
type Fields map[string]Value

// Clone returns a copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
