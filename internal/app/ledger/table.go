package ledger

import "sort"

// table is a map with a write overlay. Reads fall through to base; writes go
// to dirty until commit folds them into base.
type table[K comparable, V any] struct {
	base  map[K]V
	dirty map[K]V
}

func newTable[K comparable, V any](base map[K]V) table[K, V] {
	return table[K, V]{base: base}
}

func (t *table[K, V]) get(k K) (V, bool) {
	if v, ok := t.dirty[k]; ok {
		return v, true
	}
	v, ok := t.base[k]
	return v, ok
}

func (t *table[K, V]) put(k K, v V) {
	if t.dirty == nil {
		t.dirty = make(map[K]V)
	}
	t.dirty[k] = v
}

// each visits every value, overlay first. Iteration order is unspecified.
func (t *table[K, V]) each(fn func(K, V)) {
	for k, v := range t.dirty {
		fn(k, v)
	}
	for k, v := range t.base {
		if _, shadowed := t.dirty[k]; shadowed {
			continue
		}
		fn(k, v)
	}
}

func (t *table[K, V]) commit() {
	for k, v := range t.dirty {
		t.base[k] = v
	}
	t.dirty = nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
