// Package document models JSON documents as a closed tagged variant that
// keeps object key order and number literals intact, and provides the
// path-addressed leaf walk used by the translation pipeline.
package document

import (
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	Null Kind = iota
	Bool
	Number
	String
	Array
	Object
)

func (k Kind) String() string {
	switch k {
	case Null:
		return "null"
	case Bool:
		return "bool"
	case Number:
		return "number"
	case String:
		return "string"
	case Array:
		return "array"
	case Object:
		return "object"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Member is one key/value pair of an Object.
type Member struct {
	Key   string
	Value Value
}

// Value is an immutable JSON value. The zero Value is Null.
//
// Containers never expose their backing slices, so Values may be shared
// freely between trees; every transformation returns a new Value.
type Value struct {
	kind Kind
	b    bool
	// s holds the string content for String and the literal text for Number.
	s       string
	items   []Value
	members []Member
}

// NullValue returns the JSON null.
func NullValue() Value { return Value{} }

// BoolValue returns a JSON boolean.
func BoolValue(b bool) Value { return Value{kind: Bool, b: b} }

// NumberValue returns a JSON number with the given literal text. The literal
// is written back verbatim, so it must already be valid JSON number syntax.
func NumberValue(literal string) Value { return Value{kind: Number, s: literal} }

// StringValue returns a JSON string.
func StringValue(s string) Value { return Value{kind: String, s: s} }

// ArrayValue returns a JSON array holding items in order.
func ArrayValue(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: Array, items: cp}
}

// ObjectValue returns a JSON object with members in the given order.
// Keys are expected to be unique; Parse enforces that for decoded input.
func ObjectValue(members ...Member) Value {
	cp := make([]Member, len(members))
	copy(cp, members)
	return Value{kind: Object, members: cp}
}

// M is shorthand for building a Member.
func M(key string, v Value) Member { return Member{Key: key, Value: v} }

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is JSON null.
func (v Value) IsNull() bool { return v.kind == Null }

// Bool returns the boolean content; false for other kinds.
func (v Value) Bool() bool { return v.kind == Bool && v.b }

// Str returns the string content; "" for other kinds.
func (v Value) Str() string {
	if v.kind != String {
		return ""
	}
	return v.s
}

// NumberLiteral returns the literal text of a Number; "" for other kinds.
func (v Value) NumberLiteral() string {
	if v.kind != Number {
		return ""
	}
	return v.s
}

// Len returns the number of items of an Array or members of an Object.
func (v Value) Len() int {
	switch v.kind {
	case Array:
		return len(v.items)
	case Object:
		return len(v.members)
	default:
		return 0
	}
}

// Index returns the i-th array item.
func (v Value) Index(i int) (Value, bool) {
	if v.kind != Array || i < 0 || i >= len(v.items) {
		return Value{}, false
	}
	return v.items[i], true
}

// Items returns a copy of the array items.
func (v Value) Items() []Value {
	if v.kind != Array {
		return nil
	}
	cp := make([]Value, len(v.items))
	copy(cp, v.items)
	return cp
}

// Members returns a copy of the object members in order.
func (v Value) Members() []Member {
	if v.kind != Object {
		return nil
	}
	cp := make([]Member, len(v.members))
	copy(cp, v.members)
	return cp
}

// Keys returns the object keys in order.
func (v Value) Keys() []string {
	if v.kind != Object {
		return nil
	}
	keys := make([]string, len(v.members))
	for i, m := range v.members {
		keys[i] = m.Key
	}
	return keys
}

// Lookup returns the member value stored under key.
func (v Value) Lookup(key string) (Value, bool) {
	if i := v.memberIndex(key); i >= 0 {
		return v.members[i].Value, true
	}
	return Value{}, false
}

func (v Value) memberIndex(key string) int {
	if v.kind != Object {
		return -1
	}
	for i, m := range v.members {
		if m.Key == key {
			return i
		}
	}
	return -1
}

// Equal reports whether a and b are the same document, including object key
// order and number literal text.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case Null:
		return true
	case Bool:
		return a.b == b.b
	case Number, String:
		return a.s == b.s
	case Array:
		if len(a.items) != len(b.items) {
			return false
		}
		for i := range a.items {
			if !Equal(a.items[i], b.items[i]) {
				return false
			}
		}
		return true
	case Object:
		if len(a.members) != len(b.members) {
			return false
		}
		for i := range a.members {
			if a.members[i].Key != b.members[i].Key || !Equal(a.members[i].Value, b.members[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// SameShape reports whether a and b have the same container kinds, array
// lengths, object sizes and non-string scalars. String contents and object
// key names are ignored.
func SameShape(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case Null, String:
		return true
	case Bool:
		return a.b == b.b
	case Number:
		return a.s == b.s
	case Array:
		if len(a.items) != len(b.items) {
			return false
		}
		for i := range a.items {
			if !SameShape(a.items[i], b.items[i]) {
				return false
			}
		}
		return true
	case Object:
		if len(a.members) != len(b.members) {
			return false
		}
		for i := range a.members {
			if !SameShape(a.members[i].Value, b.members[i].Value) {
				return false
			}
		}
		return true
	}
	return false
}

// MapStrings returns a copy of v with fn applied to every String leaf.
// Object keys are left alone.
func MapStrings(v Value, fn func(string) string) Value {
	switch v.kind {
	case String:
		return StringValue(fn(v.s))
	case Array:
		items := make([]Value, len(v.items))
		for i, item := range v.items {
			items[i] = MapStrings(item, fn)
		}
		return Value{kind: Array, items: items}
	case Object:
		members := make([]Member, len(v.members))
		for i, m := range v.members {
			members[i] = Member{Key: m.Key, Value: MapStrings(m.Value, fn)}
		}
		return Value{kind: Object, members: members}
	default:
		return v
	}
}

// MapKeys returns a copy of v with fn applied to every object key.
func MapKeys(v Value, fn func(string) string) Value {
	switch v.kind {
	case Array:
		items := make([]Value, len(v.items))
		for i, item := range v.items {
			items[i] = MapKeys(item, fn)
		}
		return Value{kind: Array, items: items}
	case Object:
		members := make([]Member, len(v.members))
		for i, m := range v.members {
			members[i] = Member{Key: fn(m.Key), Value: MapKeys(m.Value, fn)}
		}
		return Value{kind: Object, members: members}
	default:
		return v
	}
}
