// Package keys implements canonical entity keys: the polymorphic handle
// the rest of the cache uses to identify one entity, and the deterministic
// normalization that lets "123" and 123 collide intentionally.
package keys

import (
	"hash/fnv"
	"sort"
	"strconv"
)

// ID is a normalized entity identifier. Source callers may hand in a string
// or a number; both coerce to the same normalized string so lookups agree.
type ID struct {
	s       string
	isFloat bool
	f       float64
	isNil   bool
}

// StringID wraps a string identifier.
func StringID(s string) ID { return ID{s: s} }

// NumberID wraps a numeric identifier using Go's shortest round-trip decimal,
// the canonical analogue of the source language's number-to-string coercion.
func NumberID(f float64) ID { return ID{isFloat: true, f: f} }

// NilID represents an absent identifier (preserved as null, never coerced).
func NilID() ID { return ID{isNil: true} }

// Normalize returns the canonical string form used for hashing and comparison.
func (id ID) Normalize() string {
	if id.isNil {
		return ""
	}
	if id.isFloat {
		return strconv.FormatFloat(id.f, 'g', -1, 64)
	}
	return id.s
}

// IsNil reports whether the identifier is the absent/null sentinel.
func (id ID) IsNil() bool { return id.isNil }

// LocationTag is one element of a composite key's location path: "where the
// entity lives". kt is the type tag of the parent container, lk its identifier.
type LocationTag struct {
	KT string
	LK ID
}

// Key is the polymorphic entity handle: a primary key when Loc is empty, a
// composite key when Loc has 1-5 elements (the entity's ordered parent chain).
type Key struct {
	KT  string
	PK  ID
	Loc []LocationTag
}

// Primary builds a primary-key handle.
func Primary(kt string, pk ID) Key {
	return Key{KT: kt, PK: pk}
}

// Composite builds a composite-key handle with an ordered location path.
func Composite(kt string, pk ID, loc []LocationTag) Key {
	return Key{KT: kt, PK: pk, Loc: loc}
}

// Normalize builds a deterministic string for a key: sorted-key JSON over an
// explicit map tree, so Go struct field declaration order can never leak
// into the fingerprint the way a naive json.Marshal of the struct could.
func (k Key) Normalize() string {
	return canonicalJSON(k.tree())
}

func (k Key) tree() map[string]any {
	m := map[string]any{
		"kt": k.KT,
		"pk": idValue(k.PK),
	}
	if len(k.Loc) > 0 {
		loc := make([]any, len(k.Loc))
		for i, l := range k.Loc {
			loc[i] = map[string]any{
				"kt": l.KT,
				"lk": idValue(l.LK),
			}
		}
		m["loc"] = loc
	}
	return m
}

func idValue(id ID) any {
	if id.IsNil() {
		return nil
	}
	return id.Normalize()
}

// Hash returns the storage-address hash for a normalized key string. Backends
// address items by this hash, not by the normalized string itself, so two
// distinct keys that happen to collide under the hash function are a real
// possibility the entry's retained originalKey must guard against (invariant
// 1: a retrieved entry is only accepted if its originalKey re-hashes to the
// looked-up hash). FNV-1a, same choice the rest of this codebase makes for
// non-cryptographic fixed-width hashing.
func Hash(normalized string) string {
	h := fnv.New64a()
	h.Write([]byte(normalized))
	return strconv.FormatUint(h.Sum64(), 16)
}

// LocEqual compares two location paths element-wise after canonicalization,
// per spec: lk coerced to string before comparison.
func LocEqual(a, b []LocationTag) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].KT != b[i].KT || a[i].LK.Normalize() != b[i].LK.Normalize() || a[i].LK.IsNil() != b[i].LK.IsNil() {
			return false
		}
	}
	return true
}

// canonicalJSON renders a map/slice/scalar tree with object keys sorted
// lexicographically at every level and arrays in insertion order.
func canonicalJSON(v any) string {
	var b []byte
	b = appendCanonical(b, v)
	return string(b)
}

func appendCanonical(b []byte, v any) []byte {
	switch t := v.(type) {
	case nil:
		return append(b, "null"...)
	case string:
		return strconv.AppendQuote(b, t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b = append(b, '{')
		for i, k := range keys {
			if i > 0 {
				b = append(b, ',')
			}
			b = strconv.AppendQuote(b, k)
			b = append(b, ':')
			b = appendCanonical(b, t[k])
		}
		return append(b, '}')
	case []any:
		b = append(b, '[')
		for i, e := range t {
			if i > 0 {
				b = append(b, ',')
			}
			b = appendCanonical(b, e)
		}
		return append(b, ']')
	default:
		return append(b, '"', '?', '"')
	}
}
