package utils

import "strings"

// BiMap is an immutable bidirectional map between an enum value and its
// canonical wire name. Reverse lookups may additionally accept aliases, so a
// single enum value can be reached from several spellings while still
// rendering to exactly one canonical name.
type BiMap[K comparable, V comparable] struct {
	a map[K]V // key -> canonical value
	b map[V]K // canonical value or alias -> key
}

// NewBiMap builds a BiMap from the canonical key/value table.
// If the input map contains duplicate values, the reverse mapping keeps
// whichever key was visited last.
func NewBiMap[K comparable, V comparable](input map[K]V) *BiMap[K, V] {
	a := make(map[K]V, len(input))
	b := make(map[V]K, len(input))
	for k, v := range input {
		a[k] = v
		b[v] = k
	}
	return &BiMap[K, V]{a: a, b: b}
}

// WithAliases returns a copy of m whose reverse mapping also resolves the
// given aliases. Aliases never shadow a canonical value.
func (m *BiMap[K, V]) WithAliases(aliases map[V]K) *BiMap[K, V] {
	out := NewBiMap(m.a)
	for alias, key := range aliases {
		if _, canonical := out.b[alias]; canonical {
			continue
		}
		out.b[alias] = key
	}
	return out
}

// Lookup finds the canonical value for key.
func (m *BiMap[K, V]) Lookup(key K) (V, bool) {
	value, ok := m.a[key]
	return value, ok
}

// DirectLookup is Lookup without the presence flag.
func (m *BiMap[K, V]) DirectLookup(key K) V {
	return m.a[key]
}

// RLookup finds the key for a canonical value or alias.
func (m *BiMap[K, V]) RLookup(value V) (K, bool) {
	key, ok := m.b[value]
	return key, ok
}

// DirectRLookup is RLookup without the presence flag.
func (m *BiMap[K, V]) DirectRLookup(value V) K {
	return m.b[value]
}

// RLookupFold is RLookup for string-valued maps that ignores ASCII case and
// surrounding whitespace. Canonical values are expected to be upper case.
func RLookupFold[K comparable](m *BiMap[K, string], value string) (K, bool) {
	return m.RLookup(strings.ToUpper(strings.TrimSpace(value)))
}
