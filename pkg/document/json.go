package document

import (
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
)

var api = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrEmptyDocument is returned by Parse for input without any JSON value.
var ErrEmptyDocument = errors.New("empty document")

// Parse decodes a single JSON value, keeping object key order and number
// literals. Duplicate keys within one object and trailing data are errors.
func Parse(data []byte) (Value, error) {
	// The enclosing array terminates a top-level number, so running into the
	// end of input always means the document was truncated.
	buf := make([]byte, 0, len(data)+2)
	buf = append(buf, '[')
	buf = append(buf, data...)
	buf = append(buf, ']')

	iter := jsoniter.ParseBytes(api, buf)
	var values []Value
	for iter.ReadArray() {
		values = append(values, readValue(iter))
		if iter.Error != nil {
			break
		}
	}
	if iter.Error != nil {
		return Value{}, fmt.Errorf("parse json: %w", iter.Error)
	}
	switch len(values) {
	case 0:
		return Value{}, ErrEmptyDocument
	case 1:
	default:
		return Value{}, fmt.Errorf("parse json: %d values where one was expected", len(values))
	}

	iter.WhatIsNext()
	if !errors.Is(iter.Error, io.EOF) {
		return Value{}, fmt.Errorf("parse json: trailing data after document")
	}
	return values[0], nil
}

// ParseString is Parse for string input.
func ParseString(s string) (Value, error) {
	return Parse([]byte(s))
}

func readValue(iter *jsoniter.Iterator) Value {
	switch iter.WhatIsNext() {
	case jsoniter.NilValue:
		iter.ReadNil()
		return NullValue()
	case jsoniter.BoolValue:
		return BoolValue(iter.ReadBool())
	case jsoniter.NumberValue:
		lit := string(iter.ReadNumber())
		if !validNumber(lit) {
			iter.ReportError("read number", fmt.Sprintf("invalid number literal %q", lit))
			return Value{}
		}
		return NumberValue(lit)
	case jsoniter.StringValue:
		return StringValue(iter.ReadString())
	case jsoniter.ArrayValue:
		items := []Value{}
		for iter.ReadArray() {
			items = append(items, readValue(iter))
			if iter.Error != nil {
				return Value{}
			}
		}
		return Value{kind: Array, items: items}
	case jsoniter.ObjectValue:
		members := []Member{}
		seen := make(map[string]struct{})
		iter.ReadObjectCB(func(it *jsoniter.Iterator, key string) bool {
			if _, dup := seen[key]; dup {
				it.ReportError("read object", fmt.Sprintf("duplicate key %q", key))
				return false
			}
			seen[key] = struct{}{}
			v := readValue(it)
			if it.Error != nil {
				return false
			}
			members = append(members, Member{Key: key, Value: v})
			return true
		})
		return Value{kind: Object, members: members}
	default:
		iter.ReportError("read value", "unexpected character")
		return Value{}
	}
}

// validNumber checks s against the JSON number grammar:
// -? (0 | [1-9][0-9]*) (. [0-9]+)? ([eE] [+-]? [0-9]+)?
func validNumber(s string) bool {
	i, n := 0, len(s)
	if i < n && s[i] == '-' {
		i++
	}
	switch {
	case i < n && s[i] == '0':
		i++
	case i < n && s[i] >= '1' && s[i] <= '9':
		for i < n && isDigit(s[i]) {
			i++
		}
	default:
		return false
	}
	if i < n && s[i] == '.' {
		i++
		start := i
		for i < n && isDigit(s[i]) {
			i++
		}
		if i == start {
			return false
		}
	}
	if i < n && (s[i] == 'e' || s[i] == 'E') {
		i++
		if i < n && (s[i] == '+' || s[i] == '-') {
			i++
		}
		start := i
		for i < n && isDigit(s[i]) {
			i++
		}
		if i == start {
			return false
		}
	}
	return i == n
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// Marshal encodes v as compact JSON. Strings are not HTML-escaped.
func Marshal(v Value) ([]byte, error) {
	stream := api.BorrowStream(nil)
	defer api.ReturnStream(stream)

	writeValue(stream, v)
	if stream.Error != nil {
		return nil, fmt.Errorf("encode json: %w", stream.Error)
	}
	buf := stream.Buffer()
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

// MarshalString is Marshal returning a string.
func MarshalString(v Value) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeValue(stream *jsoniter.Stream, v Value) {
	switch v.kind {
	case Null:
		stream.WriteNil()
	case Bool:
		stream.WriteBool(v.b)
	case Number:
		stream.WriteRaw(v.s)
	case String:
		stream.WriteString(v.s)
	case Array:
		stream.WriteArrayStart()
		for i, item := range v.items {
			if i > 0 {
				stream.WriteMore()
			}
			writeValue(stream, item)
		}
		stream.WriteArrayEnd()
	case Object:
		stream.WriteObjectStart()
		for i, m := range v.members {
			if i > 0 {
				stream.WriteMore()
			}
			stream.WriteObjectField(m.Key)
			writeValue(stream, m.Value)
		}
		stream.WriteObjectEnd()
	}
}

// String renders v as compact JSON; encoding errors render as "<invalid>".
func (v Value) String() string {
	s, err := MarshalString(v)
	if err != nil {
		return "<invalid>"
	}
	return s
}
