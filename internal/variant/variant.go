package variant

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies which member of the variant tree a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindBool
	KindString
	KindDouble
	KindSeq
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindDouble:
		return "double"
	case KindSeq:
		return "seq"
	case KindMap:
		return "map"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// ErrKind reports an accessor used on a Value of a different kind.
var ErrKind = errors.New("variant: kind mismatch")

// Map is a string-keyed mapping of values.
type Map map[string]Value

// Seq is an ordered sequence of values.
type Seq []Value

// Value is an immutable node of the variant tree. The zero Value is null.
type Value struct {
	kind Kind
	i    int64
	b    bool
	s    string
	d    float64
	seq  Seq
	m    Map
}

func Null() Value                  { return Value{} }
func Int(v int64) Value            { return Value{kind: KindInt, i: v} }
func Bool(v bool) Value            { return Value{kind: KindBool, b: v} }
func String(v string) Value        { return Value{kind: KindString, s: v} }
func Double(v float64) Value       { return Value{kind: KindDouble, d: v} }
func FromSeq(items ...Value) Value { return Value{kind: KindSeq, seq: Seq(items)} }

// FromMap wraps m. A nil map becomes an empty map value.
func FromMap(m Map) Value {
	if m == nil {
		m = Map{}
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsInt() (int64, error) {
	if v.kind != KindInt {
		return 0, v.mismatch(KindInt)
	}
	return v.i, nil
}

func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, v.mismatch(KindBool)
	}
	return v.b, nil
}

func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", v.mismatch(KindString)
	}
	return v.s, nil
}

func (v Value) AsDouble() (float64, error) {
	if v.kind != KindDouble {
		return 0, v.mismatch(KindDouble)
	}
	return v.d, nil
}

func (v Value) AsSeq() (Seq, error) {
	if v.kind != KindSeq {
		return nil, v.mismatch(KindSeq)
	}
	return v.seq, nil
}

func (v Value) AsMap() (Map, error) {
	if v.kind != KindMap {
		return nil, v.mismatch(KindMap)
	}
	return v.m, nil
}

func (v Value) mismatch(want Kind) error {
	return fmt.Errorf("%w: have %s, want %s", ErrKind, v.kind, want)
}

// Equal reports whether a and b hold structurally identical trees.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNull:
		return true
	case KindInt:
		return a.i == b.i
	case KindBool:
		return a.b == b.b
	case KindString:
		return a.s == b.s
	case KindDouble:
		return a.d == b.d || (math.IsNaN(a.d) && math.IsNaN(b.d))
	case KindSeq:
		if len(a.seq) != len(b.seq) {
			return false
		}
		for i := range a.seq {
			if !Equal(a.seq[i], b.seq[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return a.m.Equal(b.m)
	}
	return false
}

// Equal reports whether m and other contain the same keys with equal values.
func (m Map) Equal(other Map) bool {
	if len(m) != len(other) {
		return false
	}
	for k, v := range m {
		ov, ok := other[k]
		if !ok || !Equal(v, ov) {
			return false
		}
	}
	return true
}

// String renders the tree in a compact, deterministic form for logs.
func (v Value) String() string {
	var sb strings.Builder
	v.write(&sb)
	return sb.String()
}

func (v Value) write(sb *strings.Builder) {
	switch v.kind {
	case KindNull:
		sb.WriteString("null")
	case KindInt:
		sb.WriteString(strconv.FormatInt(v.i, 10))
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.b))
	case KindString:
		sb.WriteString(strconv.Quote(v.s))
	case KindDouble:
		sb.WriteString(strconv.FormatFloat(v.d, 'g', -1, 64))
	case KindSeq:
		sb.WriteByte('[')
		for i, item := range v.seq {
			if i > 0 {
				sb.WriteByte(',')
			}
			item.write(sb)
		}
		sb.WriteByte(']')
	case KindMap:
		keys := v.m.Keys()
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(k))
			sb.WriteByte(':')
			v.m[k].write(sb)
		}
		sb.WriteByte('}')
	}
}

// Keys returns the map keys in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy of m.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v.clone()
	}
	return out
}

func (v Value) clone() Value {
	switch v.kind {
	case KindSeq:
		items := make(Seq, len(v.seq))
		for i, item := range v.seq {
			items[i] = item.clone()
		}
		return Value{kind: KindSeq, seq: items}
	case KindMap:
		return Value{kind: KindMap, m: v.m.Clone()}
	default:
		return v
	}
}

// String returns the string stored under key.
func (m Map) String(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", missingKey(key)
	}
	s, err := v.AsString()
	if err != nil {
		return "", fmt.Errorf("key %q: %w", key, err)
	}
	return s, nil
}

// OptString returns the string under key and whether it was present.
func (m Map) OptString(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, err := v.AsString()
	if err != nil {
		return "", false
	}
	return s, true
}

func (m Map) Int(key string) (int64, error) {
	v, ok := m[key]
	if !ok {
		return 0, missingKey(key)
	}
	i, err := v.AsInt()
	if err != nil {
		return 0, fmt.Errorf("key %q: %w", key, err)
	}
	return i, nil
}

func (m Map) Bool(key string) (bool, error) {
	v, ok := m[key]
	if !ok {
		return false, missingKey(key)
	}
	b, err := v.AsBool()
	if err != nil {
		return false, fmt.Errorf("key %q: %w", key, err)
	}
	return b, nil
}

func (m Map) Map(key string) (Map, error) {
	v, ok := m[key]
	if !ok {
		return nil, missingKey(key)
	}
	mm, err := v.AsMap()
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", key, err)
	}
	return mm, nil
}

// ErrMissingKey reports a required map key that is absent.
var ErrMissingKey = errors.New("variant: missing key")

func missingKey(key string) error {
	return fmt.Errorf("%w %q", ErrMissingKey, key)
}
