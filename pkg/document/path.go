package document

import (
	"strconv"
	"strings"

	"github.com/dasmlab/jsonrelay/pkg/failure"
)

// Segment is one step of a Path: an object key or an array index.
type Segment struct {
	key     string
	index   int
	isIndex bool
}

// Key returns a segment addressing an object member.
func Key(k string) Segment { return Segment{key: k} }

// Idx returns a segment addressing an array item.
func Idx(i int) Segment { return Segment{index: i, isIndex: true} }

// IsIndex reports whether s addresses an array item.
func (s Segment) IsIndex() bool { return s.isIndex }

// KeyName returns the object key; "" for index segments.
func (s Segment) KeyName() string { return s.key }

// Position returns the array index; -1 for key segments.
func (s Segment) Position() int {
	if !s.isIndex {
		return -1
	}
	return s.index
}

// Path addresses one location in a Value tree. The empty Path is the root.
type Path []Segment

// Child returns a new Path extended by seg. p itself is never modified, so
// sibling paths never share a backing array.
func (p Path) Child(seg Segment) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, seg)
}

// Equal reports whether p and q address the same location.
func (p Path) Equal(q Path) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// String renders p in a JSONPath-like notation, e.g. $.a[0]["b c"].
func (p Path) String() string {
	var b strings.Builder
	b.WriteByte('$')
	for _, seg := range p {
		if seg.isIndex {
			b.WriteByte('[')
			b.WriteString(strconv.Itoa(seg.index))
			b.WriteByte(']')
			continue
		}
		if isPlainKey(seg.key) {
			b.WriteByte('.')
			b.WriteString(seg.key)
			continue
		}
		b.WriteByte('[')
		b.WriteString(strconv.Quote(seg.key))
		b.WriteByte(']')
	}
	return b.String()
}

func isPlainKey(k string) bool {
	if k == "" {
		return false
	}
	for i, r := range k {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func invalidPath(op string, p Path, format string, args ...any) error {
	e := failure.Newf(failure.InvalidPath, op, format, args...)
	e.Path = p.String()
	return e
}

// Get returns the value stored at p.
func Get(v Value, p Path) (Value, error) {
	cur := v
	for i, seg := range p {
		next, ok := step(cur, seg)
		if !ok {
			return Value{}, invalidPath("get", p, "segment %d does not resolve against %s", i, cur.kind)
		}
		cur = next
	}
	return cur, nil
}

func step(v Value, seg Segment) (Value, bool) {
	if seg.isIndex {
		return v.Index(seg.index)
	}
	return v.Lookup(seg.key)
}

// Set returns a copy of v with the value at p replaced by nv. Only the
// containers along p are copied; every other subtree is shared. The location
// must already exist.
func Set(v Value, p Path, nv Value) (Value, error) {
	out, err := set(v, p, 0, nv)
	if err != nil {
		return Value{}, err
	}
	return out, nil
}

func set(cur Value, p Path, depth int, nv Value) (Value, error) {
	if depth == len(p) {
		return nv, nil
	}
	seg := p[depth]
	if seg.isIndex {
		if cur.kind != Array || seg.index < 0 || seg.index >= len(cur.items) {
			return Value{}, invalidPath("set", p, "segment %d: index %d out of range for %s", depth, seg.index, cur.kind)
		}
		child, err := set(cur.items[seg.index], p, depth+1, nv)
		if err != nil {
			return Value{}, err
		}
		items := make([]Value, len(cur.items))
		copy(items, cur.items)
		items[seg.index] = child
		return Value{kind: Array, items: items}, nil
	}
	i := cur.memberIndex(seg.key)
	if i < 0 {
		return Value{}, invalidPath("set", p, "segment %d: key %q not found in %s", depth, seg.key, cur.kind)
	}
	child, err := set(cur.members[i].Value, p, depth+1, nv)
	if err != nil {
		return Value{}, err
	}
	members := make([]Member, len(cur.members))
	copy(members, cur.members)
	members[i] = Member{Key: seg.key, Value: child}
	return Value{kind: Object, members: members}, nil
}
