// Package record defines the normalised row representation that flows
// between row sources and the transform layer.
package record

import (
	"regexp"
	"strconv"
	"strings"
)

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// NormaliseHeader lowercases, trims, and collapses non-alphanumeric runs to
// a single underscore. "Order Nr.", "order-nr", and "ORDER_NR" all map to
// "order_nr".
func NormaliseHeader(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	h = nonAlnum.ReplaceAllString(h, "_")
	return strings.Trim(h, "_")
}

// Kind tags the primitive type carried by a Value, so downstream coercion
// never has to type-switch on interface{}.
type Kind int

const (
	Null Kind = iota
	Text
	Integer
	Float
	Bool
)

// Value is a tagged-variant primitive: exactly one of the fields matching
// Kind is meaningful. Binary blobs are out of scope (spec invariant).
type Value struct {
	Kind Kind
	S    string
	I    int64
	F    float64
	B    bool
}

func NullValue() Value          { return Value{Kind: Null} }
func TextValue(s string) Value  { return Value{Kind: Text, S: s} }
func IntValue(i int64) Value    { return Value{Kind: Integer, I: i} }
func FloatValue(f float64) Value { return Value{Kind: Float, F: f} }
func BoolValue(b bool) Value    { return Value{Kind: Bool, B: b} }

// String renders the value the way it should appear in a COPY line, prior
// to escaping: the empty string for Null (callers substitute \N), and the
// natural decimal/text form otherwise.
func (v Value) String() string {
	switch v.Kind {
	case Null:
		return ""
	case Text:
		return v.S
	case Integer:
		return strconv.FormatInt(v.I, 10)
	case Float:
		return strconv.FormatFloat(v.F, 'f', -1, 64)
	case Bool:
		if v.B {
			return "t"
		}
		return "f"
	default:
		return ""
	}
}

// Record is an unordered mapping from normalised header to value. Record
// itself does not normalise keys on construction; callers (typically a row
// source) normalise headers once via NormaliseHeader before populating it.
type Record map[string]Value

// Get returns the value for key, and whether it was present. A missing key
// is distinct from a present key holding Null.
func (r Record) Get(key string) (Value, bool) {
	v, ok := r[key]
	return v, ok
}

// GetString returns the S field of the value for key, or "" if absent. For
// non-Text values S is empty, so the result is "" for those too.
func (r Record) GetString(key string) string {
	if v, ok := r[key]; ok {
		return v.S
	}
	return ""
}

// Keys returns the record's header set in no particular order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	return keys
}

