package crdt

import "sort"

// KeyObserver is notified with the keys that changed in a collection and the
// origin of the change.
type KeyObserver func(keys []string, origin any)

// register is one LWW cell. Deleted registers are kept as tombstones so that
// a concurrent re-add and delete of the same key still converge.
type register struct {
	value   []byte
	deleted bool
	clock   uint64
	actor   string
}

// wins reports whether the op should replace the register.
func (r register) wins(op Op) bool {
	if op.Clock != r.clock {
		return op.Clock > r.clock
	}
	return op.Actor > r.actor
}

// Map is a named key/value collection inside a Doc. Values are opaque byte
// payloads (the sdk layer codecs them); keys are entity ids.
type Map struct {
	doc     *Doc
	name    string
	entries map[string]register
	live    int

	observers map[int]KeyObserver
	nextObs   int
}

// Name returns the collection name.
func (m *Map) Name() string {
	return m.name
}

// Set stores value under key, replacing any previous value. The value is
// copied; the caller keeps ownership of its slice.
func (m *Map) Set(key string, value []byte) {
	buf := make([]byte, len(value))
	copy(buf, value)
	m.mutate(Op{Collection: m.name, Key: key, Value: buf})
}

// Delete removes key. Deleting an absent key is a no-op that still records a
// tombstone so the delete wins against slower concurrent writes.
func (m *Map) Delete(key string) {
	m.mutate(Op{Collection: m.name, Key: key, Deleted: true})
}

func (m *Map) mutate(op Op) {
	d := m.doc
	d.mu.Lock()
	op.Clock = d.nextClockLocked()
	op.Actor = d.actor
	m.storeLocked(op)
	change := &pendingChange{
		ops:    []Op{op},
		keys:   map[string][]string{m.name: {op.Key}},
		origin: d.txOrigin,
	}
	if d.txDepth > 0 {
		d.appendPendingLocked(change)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.dispatch(change)
}

// merge applies a remote op, returning true when it changed the register.
// Callers hold d.mu.
func (m *Map) merge(op Op) bool {
	cur, ok := m.entries[op.Key]
	if ok && !cur.wins(op) {
		return false
	}
	m.storeLocked(op)
	return true
}

// storeLocked writes a register and maintains the live-entry count so Len is
// constant time. Callers hold d.mu.
func (m *Map) storeLocked(op Op) {
	cur, ok := m.entries[op.Key]
	wasLive := ok && !cur.deleted
	isLive := !op.Deleted
	if isLive && !wasLive {
		m.live++
	} else if !isLive && wasLive {
		m.live--
	}
	m.entries[op.Key] = register{value: op.Value, deleted: op.Deleted, clock: op.Clock, actor: op.Actor}
}

// Get returns a copy of the value stored under key. Mutating the returned
// slice never touches document state.
func (m *Map) Get(key string) ([]byte, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	reg, ok := m.entries[key]
	if !ok || reg.deleted {
		return nil, false
	}
	value := make([]byte, len(reg.value))
	copy(value, reg.value)
	return value, true
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for key, reg := range m.entries {
		if !reg.deleted {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Values returns copies of the live values, ordered by key.
func (m *Map) Values() [][]byte {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for key, reg := range m.entries {
		if !reg.deleted {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, 0, len(keys))
	for _, key := range keys {
		stored := m.entries[key].value
		value := make([]byte, len(stored))
		copy(value, stored)
		values = append(values, value)
	}
	return values
}

// Len returns the number of live entries.
func (m *Map) Len() int {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	return m.live
}

// Observe registers a key-level change observer. The returned function
// removes it.
func (m *Map) Observe(fn KeyObserver) func() {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	return func() {
		m.doc.mu.Lock()
		defer m.doc.mu.Unlock()
		delete(m.observers, id)
	}
}

// notify fans a change out to the map's observers. Called without d.mu held.
func (m *Map) notify(keys []string, origin any) {
	m.doc.mu.Lock()
	obs := make([]KeyObserver, 0, len(m.observers))
	for _, fn := range m.observers {
		obs = append(obs, fn)
	}
	m.doc.mu.Unlock()
	for _, fn := range obs {
		fn(keys, origin)
	}
}
