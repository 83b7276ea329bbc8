package variant

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the Value message. Exactly one is present per value.
const (
	fieldNull   protowire.Number = 1
	fieldInt    protowire.Number = 2
	fieldBool   protowire.Number = 3
	fieldString protowire.Number = 4
	fieldDouble protowire.Number = 5
	fieldSeq    protowire.Number = 6
	fieldMap    protowire.Number = 7

	// inside a seq body
	fieldItem protowire.Number = 1

	// inside a map body; each entry holds key + value
	fieldEntry      protowire.Number = 1
	fieldEntryKey   protowire.Number = 1
	fieldEntryValue protowire.Number = 2
)

// MaxDepth bounds nesting accepted by Decode.
const MaxDepth = 64

var (
	ErrTooDeep   = errors.New("variant: nesting too deep")
	ErrMalformed = errors.New("variant: malformed encoding")
)

// Encode serializes v.
func Encode(v Value) []byte {
	return appendValue(nil, v)
}

// EncodeMap is shorthand for Encode(FromMap(m)).
func EncodeMap(m Map) []byte {
	return Encode(FromMap(m))
}

func appendValue(b []byte, v Value) []byte {
	switch v.kind {
	case KindNull:
		b = protowire.AppendTag(b, fieldNull, protowire.VarintType)
		b = protowire.AppendVarint(b, 0)
	case KindInt:
		b = protowire.AppendTag(b, fieldInt, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(v.i))
	case KindBool:
		b = protowire.AppendTag(b, fieldBool, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(v.b))
	case KindString:
		b = protowire.AppendTag(b, fieldString, protowire.BytesType)
		b = protowire.AppendString(b, v.s)
	case KindDouble:
		b = protowire.AppendTag(b, fieldDouble, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(v.d))
	case KindSeq:
		var body []byte
		for _, item := range v.seq {
			body = protowire.AppendTag(body, fieldItem, protowire.BytesType)
			body = protowire.AppendBytes(body, appendValue(nil, item))
		}
		b = protowire.AppendTag(b, fieldSeq, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
	case KindMap:
		var body []byte
		for _, k := range v.m.Keys() {
			var entry []byte
			entry = protowire.AppendTag(entry, fieldEntryKey, protowire.BytesType)
			entry = protowire.AppendString(entry, k)
			entry = protowire.AppendTag(entry, fieldEntryValue, protowire.BytesType)
			entry = protowire.AppendBytes(entry, appendValue(nil, v.m[k]))
			body = protowire.AppendTag(body, fieldEntry, protowire.BytesType)
			body = protowire.AppendBytes(body, entry)
		}
		b = protowire.AppendTag(b, fieldMap, protowire.BytesType)
		b = protowire.AppendBytes(b, body)
	}
	return b
}

// Decode parses a value produced by Encode. An empty input decodes to null.
func Decode(b []byte) (Value, error) {
	return decodeValue(b, 0)
}

// DecodeMap decodes b and requires the result to be a map.
func DecodeMap(b []byte) (Map, error) {
	v, err := Decode(b)
	if err != nil {
		return nil, err
	}
	return v.AsMap()
}

func decodeValue(b []byte, depth int) (Value, error) {
	if depth > MaxDepth {
		return Value{}, ErrTooDeep
	}
	if len(b) == 0 {
		return Null(), nil
	}
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return Value{}, malformed(protowire.ParseError(n))
	}
	b = b[n:]

	var (
		v   Value
		err error
	)
	switch {
	case num == fieldNull && typ == protowire.VarintType:
		_, n = protowire.ConsumeVarint(b)
		v = Null()
	case num == fieldInt && typ == protowire.VarintType:
		var x uint64
		x, n = protowire.ConsumeVarint(b)
		v = Int(protowire.DecodeZigZag(x))
	case num == fieldBool && typ == protowire.VarintType:
		var x uint64
		x, n = protowire.ConsumeVarint(b)
		v = Bool(protowire.DecodeBool(x))
	case num == fieldString && typ == protowire.BytesType:
		var s string
		s, n = protowire.ConsumeString(b)
		v = String(s)
	case num == fieldDouble && typ == protowire.Fixed64Type:
		var x uint64
		x, n = protowire.ConsumeFixed64(b)
		v = Double(math.Float64frombits(x))
	case num == fieldSeq && typ == protowire.BytesType:
		var body []byte
		body, n = protowire.ConsumeBytes(b)
		if n >= 0 {
			v, err = decodeSeq(body, depth+1)
		}
	case num == fieldMap && typ == protowire.BytesType:
		var body []byte
		body, n = protowire.ConsumeBytes(b)
		if n >= 0 {
			v, err = decodeMap(body, depth+1)
		}
	default:
		return Value{}, fmt.Errorf("%w: unexpected field %d (wire type %d)", ErrMalformed, num, typ)
	}
	if n < 0 {
		return Value{}, malformed(protowire.ParseError(n))
	}
	if err != nil {
		return Value{}, err
	}
	if len(b[n:]) != 0 {
		return Value{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(b[n:]))
	}
	return v, nil
}

func decodeSeq(b []byte, depth int) (Value, error) {
	items := Seq{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Value{}, malformed(protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldItem || typ != protowire.BytesType {
			return Value{}, fmt.Errorf("%w: unexpected seq field %d", ErrMalformed, num)
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return Value{}, malformed(protowire.ParseError(n))
		}
		b = b[n:]
		item, err := decodeValue(raw, depth)
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
	}
	return Value{kind: KindSeq, seq: items}, nil
}

func decodeMap(b []byte, depth int) (Value, error) {
	m := Map{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Value{}, malformed(protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldEntry || typ != protowire.BytesType {
			return Value{}, fmt.Errorf("%w: unexpected map field %d", ErrMalformed, num)
		}
		entry, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return Value{}, malformed(protowire.ParseError(n))
		}
		b = b[n:]
		key, value, err := decodeEntry(entry, depth)
		if err != nil {
			return Value{}, err
		}
		m[key] = value
	}
	return Value{kind: KindMap, m: m}, nil
}

func decodeEntry(b []byte, depth int) (string, Value, error) {
	var (
		key      string
		raw      []byte
		haveKey  bool
		haveItem bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", Value{}, malformed(protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			return "", Value{}, fmt.Errorf("%w: map entry field %d has wire type %d", ErrMalformed, num, typ)
		}
		switch num {
		case fieldEntryKey:
			key, n = protowire.ConsumeString(b)
			haveKey = true
		case fieldEntryValue:
			raw, n = protowire.ConsumeBytes(b)
			haveItem = true
		default:
			return "", Value{}, fmt.Errorf("%w: unexpected map entry field %d", ErrMalformed, num)
		}
		if n < 0 {
			return "", Value{}, malformed(protowire.ParseError(n))
		}
		b = b[n:]
	}
	if !haveKey || !haveItem {
		return "", Value{}, fmt.Errorf("%w: incomplete map entry", ErrMalformed)
	}
	value, err := decodeValue(raw, depth)
	if err != nil {
		return "", Value{}, err
	}
	return key, value, nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}
