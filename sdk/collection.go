package sdk

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/codename-co/devs-sub012/internal/crdt"
	"github.com/codename-co/devs-sub012/internal/reactive"
)

// Collection is a typed window onto one named map of the shared document.
// Values are stored as msgpack, so the core never learns entity schemas and
// two app versions with different struct shapes keep interoperating.
type Collection[T any] struct {
	store *Store
	m     *crdt.Map
}

// GetCollection returns the typed handle for name, creating the underlying
// collection lazily. Handles are cheap; the map behind them is shared and
// identity-stable.
func GetCollection[T any](s *Store, name string) *Collection[T] {
	return &Collection[T]{store: s, m: s.doc.Map(name)}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string {
	return c.m.Name()
}

// Set stores value under id, replicating it to peers and disk.
func (c *Collection[T]) Set(id string, value T) error {
	raw, err := msgpack.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", c.m.Name(), id, err)
	}
	c.m.Set(id, raw)
	return nil
}

// Get returns the value stored under id. A record that fails to decode is
// reported as absent.
func (c *Collection[T]) Get(id string) (T, bool) {
	var value T
	raw, ok := c.m.Get(id)
	if !ok {
		return value, false
	}
	if err := msgpack.Unmarshal(raw, &value); err != nil {
		c.store.log.Warn("undecodable record", "collection", c.m.Name(), "key", id, "err", err)
		var zero T
		return zero, false
	}
	return value, true
}

// Delete removes the record under id.
func (c *Collection[T]) Delete(id string) {
	c.m.Delete(id)
}

// Keys returns the live record ids in lexicographic order.
func (c *Collection[T]) Keys() []string {
	return c.m.Keys()
}

// Values returns every live value in key order, skipping records that fail
// to decode.
func (c *Collection[T]) Values() []T {
	keys := c.m.Keys()
	out := make([]T, 0, len(keys))
	for _, id := range keys {
		if value, ok := c.Get(id); ok {
			out = append(out, value)
		}
	}
	return out
}

// Len returns the number of live records.
func (c *Collection[T]) Len() int {
	return c.m.Len()
}

// Observe fires fn with the changed record ids and the change origin. The
// returned function unsubscribes.
func (c *Collection[T]) Observe(fn func(ids []string, origin any)) func() {
	return c.m.Observe(fn)
}

// All returns a cached reactive view over the whole collection.
func (c *Collection[T]) All() *reactive.AllView[T] {
	return reactive.NewAllView(c.m, c.decode, c.store.log)
}

// One returns a cached reactive view over a single record.
func (c *Collection[T]) One(id string) *reactive.OneView[T] {
	return reactive.NewOneView(c.m, id, c.decode, c.store.log)
}

func (c *Collection[T]) decode(raw []byte) (T, error) {
	var value T
	err := msgpack.Unmarshal(raw, &value)
	return value, err
}
