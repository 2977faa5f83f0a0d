// Package reactive bridges the shared document to pull-based UI frameworks:
// cached snapshot views that stay reference-stable between relevant changes,
// and a readiness notifier for the persistence layer.
package reactive

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/codename-co/devs-sub012/internal/crdt"
)

// DecodeFunc turns a stored value into its typed form.
type DecodeFunc[T any] func([]byte) (T, error)

// AllView caches a decoded snapshot of an entire collection. The snapshot is
// recomputed lazily and only after the collection actually changed, so
// callers comparing snapshots by reference see a stable value across
// irrelevant renders.
type AllView[T any] struct {
	m      *crdt.Map
	decode DecodeFunc[T]
	log    *slog.Logger

	mu        sync.Mutex
	dirty     bool
	cache     []T
	unobserve func()
	subs      map[int]func()
	nextSub   int
}

// NewAllView builds a view over every value in m, decoded in key order.
func NewAllView[T any](m *crdt.Map, decode DecodeFunc[T], log *slog.Logger) *AllView[T] {
	if log == nil {
		log = slog.Default()
	}
	v := &AllView[T]{m: m, decode: decode, log: log, dirty: true, subs: make(map[int]func())}
	v.unobserve = m.Observe(func(keys []string, origin any) {
		v.invalidate()
	})
	return v
}

// Snapshot returns the cached slice, recomputing it only if the collection
// changed since the last call. Values that fail to decode are skipped.
func (v *AllView[T]) Snapshot() []T {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.dirty {
		return v.cache
	}
	keys := v.m.Keys()
	out := make([]T, 0, len(keys))
	for _, key := range keys {
		raw, ok := v.m.Get(key)
		if !ok {
			continue
		}
		value, err := v.decode(raw)
		if err != nil {
			v.log.Warn("skipping undecodable record", "collection", v.m.Name(), "key", key, "err", err)
			continue
		}
		out = append(out, value)
	}
	v.cache = out
	v.dirty = false
	return v.cache
}

// Subscribe registers a change callback; the returned function unsubscribes.
func (v *AllView[T]) Subscribe(fn func()) func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextSub
	v.nextSub++
	v.subs[id] = fn
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.subs, id)
	}
}

// Close detaches the view from the collection.
func (v *AllView[T]) Close() {
	v.unobserve()
}

func (v *AllView[T]) invalidate() {
	v.mu.Lock()
	v.dirty = true
	subs := make([]func(), 0, len(v.subs))
	for _, fn := range v.subs {
		subs = append(subs, fn)
	}
	v.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// OneView caches a single record. Changes to other keys in the collection
// neither invalidate the cache nor notify subscribers.
type OneView[T any] struct {
	m      *crdt.Map
	key    string
	decode DecodeFunc[T]
	log    *slog.Logger

	mu        sync.Mutex
	dirty     bool
	cache     T
	present   bool
	unobserve func()
	subs      map[int]func()
	nextSub   int
}

// NewOneView builds a view over the record at key in m.
func NewOneView[T any](m *crdt.Map, key string, decode DecodeFunc[T], log *slog.Logger) *OneView[T] {
	if log == nil {
		log = slog.Default()
	}
	v := &OneView[T]{m: m, key: key, decode: decode, log: log, dirty: true, subs: make(map[int]func())}
	v.unobserve = m.Observe(func(keys []string, origin any) {
		if slices.Contains(keys, key) {
			v.invalidate()
		}
	})
	return v
}

// Snapshot returns the cached record and whether it exists.
func (v *OneView[T]) Snapshot() (T, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.dirty {
		return v.cache, v.present
	}
	var zero T
	v.cache, v.present = zero, false
	if raw, ok := v.m.Get(v.key); ok {
		value, err := v.decode(raw)
		if err != nil {
			v.log.Warn("undecodable record", "collection", v.m.Name(), "key", v.key, "err", err)
		} else {
			v.cache, v.present = value, true
		}
	}
	v.dirty = false
	return v.cache, v.present
}

// Subscribe registers a change callback; the returned function unsubscribes.
func (v *OneView[T]) Subscribe(fn func()) func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextSub
	v.nextSub++
	v.subs[id] = fn
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.subs, id)
	}
}

// Close detaches the view from the collection.
func (v *OneView[T]) Close() {
	v.unobserve()
}

func (v *OneView[T]) invalidate() {
	v.mu.Lock()
	v.dirty = true
	subs := make([]func(), 0, len(v.subs))
	for _, fn := range v.subs {
		subs = append(subs, fn)
	}
	v.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// readyPollInterval paces NotifyWhenReady's readiness checks.
const readyPollInterval = 50 * time.Millisecond

// Readiness is the slice of the persistence layer the notifier needs.
type Readiness interface {
	Ready() bool
}

// NotifyWhenReady invokes onReady exactly once, as soon as r reports ready.
// If r is already ready, onReady runs synchronously and no polling starts.
// The returned function cancels a pending notification.
func NotifyWhenReady(r Readiness, onReady func()) (stop func()) {
	if r.Ready() {
		onReady()
		return func() {}
	}
	stopCh := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(readyPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				if r.Ready() {
					onReady()
					return
				}
			}
		}
	}()
	return func() {
		once.Do(func() { close(stopCh) })
	}
}
