package crdt

import "sync"

// Value is the constraint every CRDTMap value type must satisfy: it can
// merge with another instance of itself, and it can be deep-cloned so two
// map replicas never alias the same mutable value.
type Value[V any] interface {
	Merge(other V)
	Clone() V
}

type entry[V any] struct {
	tombstone *LWWRegister[bool]
	value     V
	hasValue  bool
}

// CRDTMap is a per-key add-wins map: each key carries a presence tombstone
// register and a value CRDT. Put replaces the value CRDT for a key; Remove
// writes a tombstone with a newer tag. Merge unions keysets, merges each
// key's value CRDT, and keeps the newer tombstone.
type CRDTMap[K comparable, V Value[V]] struct {
	mu      sync.RWMutex
	entries map[K]*entry[V]
}

// NewCRDTMap constructs an empty map.
func NewCRDTMap[K comparable, V Value[V]]() *CRDTMap[K, V] {
	return &CRDTMap[K, V]{entries: make(map[K]*entry[V])}
}

// Put replaces the value CRDT stored at k, marking it present as of tag. If
// the key already has a tombstone with a newer tag (a concurrent remove),
// the tombstone still wins until a later Put supersedes it.
func (m *CRDTMap[K, V]) Put(key K, value V, tag Tag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry[V]{tombstone: NewLWWRegister[bool]()}
		m.entries[key] = e
	}
	e.tombstone.Write(true, tag)
	e.value = value
	e.hasValue = true
}

// Remove writes a tombstone for key with a newer tag. The value CRDT is kept
// around (not deleted) so a later concurrent Put on another replica still
// merges correctly; Get/Range filter it out while the tombstone is newer.
func (m *CRDTMap[K, V]) Remove(key K, tag Tag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry[V]{tombstone: NewLWWRegister[bool]()}
		m.entries[key] = e
	}
	e.tombstone.Write(false, tag)
}

// Get returns the value stored at key and true if the key is present
// (its tombstone's current value is true, i.e. not removed).
func (m *CRDTMap[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var zero V
	e, ok := m.entries[key]
	if !ok {
		return zero, false
	}
	present, _, set := e.tombstone.Read()
	if !set || !present || !e.hasValue {
		return zero, false
	}
	return e.value, true
}

// Keys returns the set of currently-present (non-tombstoned) keys.
func (m *CRDTMap[K, V]) Keys() []K {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]K, 0, len(m.entries))
	for k, e := range m.entries {
		if present, _, set := e.tombstone.Read(); set && present && e.hasValue {
			keys = append(keys, k)
		}
	}
	return keys
}

// Range calls fn for every currently-present key/value pair. Iteration order
// is unspecified; fn returning false stops iteration early.
func (m *CRDTMap[K, V]) Range(fn func(key K, value V) bool) {
	type pair struct {
		key K
		val V
	}
	m.mu.RLock()
	pairs := make([]pair, 0, len(m.entries))
	for k, e := range m.entries {
		if present, _, set := e.tombstone.Read(); set && present && e.hasValue {
			pairs = append(pairs, pair{k, e.value})
		}
	}
	m.mu.RUnlock()
	for _, p := range pairs {
		if !fn(p.key, p.val) {
			return
		}
	}
}

// Len returns the number of currently-present (non-tombstoned) keys.
func (m *CRDTMap[K, V]) Len() int {
	return len(m.Keys())
}

// Merge unions keysets with other: for each key present on either side, the
// value CRDTs are merged and the newer tombstone tag wins. The result is
// independent of merge order (commutative, associative, idempotent) because
// each step reduces to LWWRegister.Merge and Value.Merge, both of which hold
// the same laws, applied key-by-key over the union of keysets.
func (m *CRDTMap[K, V]) Merge(other *CRDTMap[K, V]) {
	type remoteEntry struct {
		tombstone *LWWRegister[bool]
		value     V
		hasValue  bool
	}
	other.mu.RLock()
	remotes := make(map[K]remoteEntry, len(other.entries))
	for k, e := range other.entries {
		remotes[k] = remoteEntry{tombstone: e.tombstone.Clone(), value: e.value, hasValue: e.hasValue}
	}
	other.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, r := range remotes {
		e, ok := m.entries[k]
		if !ok {
			e = &entry[V]{tombstone: NewLWWRegister[bool]()}
			m.entries[k] = e
		}
		switch {
		case r.hasValue && !e.hasValue:
			e.value = r.value.Clone()
			e.hasValue = true
		case r.hasValue && e.hasValue:
			e.value.Merge(r.value)
		}
		e.tombstone.Merge(r.tombstone)
	}
}
