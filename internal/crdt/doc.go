// Package crdt implements the shared document: a last-writer-wins element map
// CRDT over named collections. Concurrent writes to different keys never lose
// data; concurrent writes to the same key converge deterministically using the
// pair (lamport clock, actor id) — the higher clock wins, and on equal clocks
// the lexicographically greater actor id wins. Note that this tie-break is a
// causal ordering, not wall-clock time, and differs from what other CRDT
// implementations (e.g. Yjs) use internally.
package crdt

import (
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// UpdateObserver receives every encoded update applied to the document,
// together with the origin tag supplied by whoever applied it. Local
// mutations carry a nil origin unless wrapped in TransactWithOrigin.
type UpdateObserver func(update []byte, origin any)

// Doc is the shared document. One instance is created at process start and
// shared by every consumer; convergence on concurrent modification is the
// document's responsibility, not the caller's.
type Doc struct {
	mu    sync.Mutex
	actor string
	clock uint64
	maps  map[string]*Map

	observers map[int]UpdateObserver
	nextObs   int

	// txMu serializes whole transactions so that the ops of one Transact
	// call are observed as a single update. txOwner holds the goroutine id
	// of the current holder; a nested Transact on that goroutine joins the
	// open transaction instead of re-acquiring txMu.
	txMu     sync.Mutex
	txOwner  atomic.Uint64
	txDepth  int
	txOrigin any
	pending  *pendingChange
}

type pendingChange struct {
	ops    []Op
	keys   map[string][]string // map name -> changed keys
	origin any
}

// NewDoc creates a document with a random actor id.
func NewDoc() *Doc {
	return NewDocWithActor(uuid.NewString())
}

// NewDocWithActor creates a document with an explicit actor id. The actor id
// participates in conflict tie-breaks, so it must be unique per replica.
func NewDocWithActor(actor string) *Doc {
	return &Doc{
		actor:     actor,
		maps:      make(map[string]*Map),
		observers: make(map[int]UpdateObserver),
	}
}

// Actor returns the replica's actor id.
func (d *Doc) Actor() string {
	return d.actor
}

// Map returns the named collection, creating it lazily on first access.
// Repeated calls with the same name return the same handle.
func (d *Doc) Map(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.maps[name]
	if !ok {
		m = &Map{doc: d, name: name, entries: make(map[string]register), observers: make(map[int]KeyObserver)}
		d.maps[name] = m
	}
	return m
}

// OnUpdate registers an observer for applied updates. The returned function
// removes the observer.
func (d *Doc) OnUpdate(fn UpdateObserver) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers, id)
	}
}

// Transact batches every mutation performed inside fn into a single update
// and a single change notification per collection. Final state is identical
// to performing the mutations unbatched. Transact nests: an inner call on
// the same goroutine joins the outer transaction, which commits everything
// as one update when the outermost call returns.
func (d *Doc) Transact(fn func()) {
	d.TransactWithOrigin(nil, fn)
}

// TransactWithOrigin is Transact with an explicit origin tag attached to the
// resulting update. The sync layer uses origins to tell locally authored
// changes apart from changes merged in from a remote session. When nested,
// the outermost call's origin tags the whole update.
func (d *Doc) TransactWithOrigin(origin any, fn func()) {
	gid := goroutineID()
	if gid == 0 || d.txOwner.Load() != gid {
		d.txMu.Lock()
		d.txOwner.Store(gid)
		defer func() {
			d.txOwner.Store(0)
			d.txMu.Unlock()
		}()
	}

	d.mu.Lock()
	d.txDepth++
	if d.txDepth == 1 {
		d.txOrigin = origin
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.txDepth--
		var done *pendingChange
		if d.txDepth == 0 {
			done = d.pending
			d.pending = nil
			d.txOrigin = nil
		}
		d.mu.Unlock()
		if done != nil {
			d.dispatch(done)
		}
	}()

	fn()
}

// ApplyUpdate decodes an update (typically received from a peer or replayed
// from the local store) and merges it into the document. Applying the same
// update any number of times, or a set of updates in any order, converges to
// the same state. The origin tag is forwarded to observers unmodified.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	u, err := DecodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	var applied []Op
	keys := make(map[string][]string)
	for _, op := range u.Ops {
		m, ok := d.maps[op.Collection]
		if !ok {
			m = &Map{doc: d, name: op.Collection, entries: make(map[string]register), observers: make(map[int]KeyObserver)}
			d.maps[op.Collection] = m
		}
		if m.merge(op) {
			applied = append(applied, op)
			keys[op.Collection] = append(keys[op.Collection], op.Key)
		}
		if op.Clock > d.clock {
			d.clock = op.Clock
		}
	}
	if len(applied) == 0 {
		d.mu.Unlock()
		return nil
	}
	change := &pendingChange{ops: applied, keys: keys, origin: origin}
	if d.txDepth > 0 {
		d.appendPendingLocked(change)
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()
	d.dispatch(change)
	return nil
}

// EncodeState encodes the full document state, tombstones included, as one
// update. Applying it to an empty document reproduces this document's
// observable state; applying it to a non-empty one merges.
func (d *Doc) EncodeState() ([]byte, error) {
	d.mu.Lock()
	var ops []Op
	for name, m := range d.maps {
		for key, reg := range m.entries {
			ops = append(ops, Op{
				Collection: name,
				Key:        key,
				Value:      reg.value,
				Deleted:    reg.deleted,
				Clock:      reg.clock,
				Actor:      reg.actor,
			})
		}
	}
	d.mu.Unlock()
	return EncodeUpdate(Update{Ops: ops})
}

func (d *Doc) appendPendingLocked(change *pendingChange) {
	if d.pending == nil {
		d.pending = &pendingChange{keys: make(map[string][]string), origin: change.origin}
	}
	d.pending.ops = append(d.pending.ops, change.ops...)
	for name, ks := range change.keys {
		d.pending.keys[name] = append(d.pending.keys[name], ks...)
	}
}

// dispatch encodes the change set and notifies document and collection
// observers. Called without holding d.mu.
func (d *Doc) dispatch(change *pendingChange) {
	update, err := EncodeUpdate(Update{Ops: change.ops})
	if err != nil {
		// Ops are plain msgpack-encodable structs; this cannot fail at
		// runtime, but do not notify with a bogus payload if it ever does.
		return
	}

	d.mu.Lock()
	obs := make([]UpdateObserver, 0, len(d.observers))
	for _, fn := range d.observers {
		obs = append(obs, fn)
	}
	type keyNote struct {
		m    *Map
		keys []string
	}
	var notes []keyNote
	for name, keys := range change.keys {
		if m, ok := d.maps[name]; ok {
			notes = append(notes, keyNote{m: m, keys: keys})
		}
	}
	d.mu.Unlock()

	for _, fn := range obs {
		fn(update, change.origin)
	}
	for _, n := range notes {
		n.m.notify(n.keys, change.origin)
	}
}

// nextClockLocked advances the lamport clock for a local mutation.
func (d *Doc) nextClockLocked() uint64 {
	d.clock++
	return d.clock
}

// goroutineID parses the current goroutine's id from its stack header
// ("goroutine <id> [running]: ..."). Real ids start at 1, so 0 is free to
// mean "no transaction owner".
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	header := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(header, ' '); i > 0 {
		if id, err := strconv.ParseUint(header[:i], 10, 64); err == nil {
			return id
		}
	}
	return 0
}
