package document

import (
	"github.com/dasmlab/jsonrelay/pkg/failure"
)

// LeafEntry is one String leaf together with the path it was found at.
type LeafEntry struct {
	Path  Path
	Value string
}

// Extract returns every String leaf of v in depth-first pre-order: arrays in
// index order, objects in key order. Empty strings are leaves too. Null,
// Bool and Number leaves are skipped.
//
// The order is the contract Reinsert relies on.
func Extract(v Value) []LeafEntry {
	var entries []LeafEntry
	walk(v, nil, func(p Path, s string) {
		entries = append(entries, LeafEntry{Path: p, Value: s})
	})
	return entries
}

// Values returns the leaf strings of entries in order.
func Values(entries []LeafEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Value
	}
	return out
}

func walk(v Value, p Path, emit func(Path, string)) {
	switch v.kind {
	case String:
		emit(p, v.s)
	case Array:
		for i, item := range v.items {
			walk(item, p.Child(Idx(i)), emit)
		}
	case Object:
		for _, m := range v.members {
			walk(m.Value, p.Child(Key(m.Key)), emit)
		}
	}
}

// Reinsert returns a copy of v in which the i-th String leaf is replaced by
// values[i]. entries must be the result of Extract on a tree of the same
// shape as v; any divergence is reported as InvalidPath, and a length
// difference between entries and values as CountMismatch. v is not modified.
func Reinsert(v Value, entries []LeafEntry, values []string) (Value, error) {
	if len(values) != len(entries) {
		return Value{}, &failure.Error{
			Kind:     failure.CountMismatch,
			Op:       "reinsert",
			Expected: len(entries),
			Actual:   len(values),
		}
	}
	r := &reinserter{entries: entries, values: values}
	out, err := r.rebuild(v, nil)
	if err != nil {
		return Value{}, err
	}
	if r.next != len(entries) {
		return Value{}, invalidPath("reinsert", entries[r.next].Path, "path has no string leaf in the target tree")
	}
	return out, nil
}

type reinserter struct {
	entries []LeafEntry
	values  []string
	next    int
}

func (r *reinserter) rebuild(v Value, p Path) (Value, error) {
	switch v.kind {
	case String:
		if r.next >= len(r.entries) {
			return Value{}, invalidPath("reinsert", p, "string leaf has no recorded entry")
		}
		if !r.entries[r.next].Path.Equal(p) {
			return Value{}, invalidPath("reinsert", r.entries[r.next].Path, "recorded path does not match leaf at %s", p)
		}
		out := StringValue(r.values[r.next])
		r.next++
		return out, nil
	case Array:
		items := make([]Value, len(v.items))
		for i, item := range v.items {
			nv, err := r.rebuild(item, p.Child(Idx(i)))
			if err != nil {
				return Value{}, err
			}
			items[i] = nv
		}
		return Value{kind: Array, items: items}, nil
	case Object:
		members := make([]Member, len(v.members))
		for i, m := range v.members {
			nv, err := r.rebuild(m.Value, p.Child(Key(m.Key)))
			if err != nil {
				return Value{}, err
			}
			members[i] = Member{Key: m.Key, Value: nv}
		}
		return Value{kind: Object, members: members}, nil
	default:
		return v, nil
	}
}
