// Package fn holds small generic helpers.
package fn

import (
	"cmp"
	"slices"
)

// T is short for ternary.
func T[V any](cond bool, ifTrue, ifFalse V) V {
	if cond {
		return ifTrue
	}
	return ifFalse
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
