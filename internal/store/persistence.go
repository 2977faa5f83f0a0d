// Package store persists the shared document's change history in a local
// bbolt database and replays it on startup. It also exposes the legacy
// record store that the one-shot migration consumes.
package store

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	bolt "go.etcd.io/bbolt"

	"github.com/codename-co/devs-sub012/internal/crdt"
)

const (
	// DefaultFileName is the well-known database name, one per device.
	DefaultFileName = "devs-sync.db"

	// schemaVersion is bumped when the bucket layout changes.
	schemaVersion = 1
)

var (
	bucketMeta    = []byte("meta")
	bucketUpdates = []byte("updates")

	keySchemaVersion = []byte("schema-version")
)

// appendQueueDepth bounds the asynchronous append pipeline. Writers are
// fire-and-forget; a full queue blocks the document observer briefly rather
// than losing history.
const appendQueueDepth = 256

// Persistence replays stored document history on first use and appends every
// subsequent update. Ready flips to true exactly once, after the first
// successful replay.
//
// With an empty path (test runners, environments without durable storage) it
// short-circuits: Ready is true immediately and no database is ever opened.
type Persistence struct {
	path string
	doc  *crdt.Doc
	log  *slog.Logger

	initOnce sync.Once
	ready    chan struct{}
	isReady  atomic.Bool
	err      error

	mu        sync.Mutex
	db        *bolt.DB
	memFlags  map[string]bool
	unobserve func()
	appendQ   chan appendReq
	done      chan struct{}
	wg        sync.WaitGroup
}

type appendReq struct {
	update []byte
	ack    chan struct{}
}

// New creates a persistence adapter for doc backed by the database at path.
// Nothing is opened until Init.
func New(path string, doc *crdt.Doc, log *slog.Logger) *Persistence {
	if log == nil {
		log = slog.Default()
	}
	p := &Persistence{
		path:  path,
		doc:   doc,
		log:   log,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	if path == "" {
		// No durable storage in this environment.
		p.isReady.Store(true)
		close(p.ready)
	}
	return p
}

// Init opens the database, replays stored history into the document and
// starts appending new updates. Concurrent and repeated calls share a single
// in-flight initialization.
func (p *Persistence) Init() {
	p.initOnce.Do(func() {
		if p.path == "" {
			return
		}
		go p.initialize()
	})
}

func (p *Persistence) initialize() {
	defer func() {
		if p.err == nil {
			p.isReady.Store(true)
		}
		close(p.ready)
	}()

	db, err := bolt.Open(p.path, 0o600, nil)
	if err != nil {
		p.err = fmt.Errorf("open local store: %w", err)
		return
	}

	var history [][]byte
	err = db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if meta.Get(keySchemaVersion) == nil {
			var v [8]byte
			binary.BigEndian.PutUint64(v[:], schemaVersion)
			if err := meta.Put(keySchemaVersion, v[:]); err != nil {
				return err
			}
		}
		updates, err := tx.CreateBucketIfNotExists(bucketUpdates)
		if err != nil {
			return err
		}
		return updates.ForEach(func(_, v []byte) error {
			buf := make([]byte, len(v))
			copy(buf, v)
			history = append(history, buf)
			return nil
		})
	})
	if err != nil {
		db.Close()
		p.err = fmt.Errorf("prepare local store: %w", err)
		return
	}

	for _, update := range history {
		// Replayed updates originate from this adapter so the append
		// observer below can skip them.
		if err := p.doc.ApplyUpdate(update, p); err != nil {
			p.log.Warn("skipping corrupt stored update", "err", err)
		}
	}

	p.mu.Lock()
	select {
	case <-p.done:
		// Closed while initializing.
		p.mu.Unlock()
		db.Close()
		return
	default:
	}
	p.db = db
	p.appendQ = make(chan appendReq, appendQueueDepth)
	p.wg.Add(1)
	go p.appendWorker()
	p.unobserve = p.doc.OnUpdate(func(update []byte, origin any) {
		if origin == p {
			return
		}
		buf := make([]byte, len(update))
		copy(buf, update)
		select {
		case p.appendQ <- appendReq{update: buf}:
		case <-p.done:
		}
	})
	p.mu.Unlock()

	p.log.Debug("local store ready", "path", p.path, "replayed", len(history))
}

func (p *Persistence) appendWorker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case req := <-p.appendQ:
			if req.update != nil {
				if err := p.append(req.update); err != nil {
					p.log.Error("append update to local store failed", "err", err)
				}
			}
			if req.ack != nil {
				close(req.ack)
			}
		}
	}
}

func (p *Persistence) append(update []byte) error {
	p.mu.Lock()
	db := p.db
	p.mu.Unlock()
	if db == nil {
		return nil
	}
	return db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketUpdates)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return bucket.Put(key[:], update)
	})
}

// Ready reports, without blocking, whether stored history has been replayed.
func (p *Persistence) Ready() bool {
	return p.isReady.Load()
}

// WhenReady returns a channel closed after the first successful replay (or
// immediately when no durable storage exists). If initialization failed the
// channel is still closed and Err reports the cause; callers must check it
// rather than assume readiness.
func (p *Persistence) WhenReady() <-chan struct{} {
	p.Init()
	return p.ready
}

// Err reports the initialization failure, if any. Only meaningful once
// WhenReady's channel is closed.
func (p *Persistence) Err() error {
	select {
	case <-p.ready:
		return p.err
	default:
		return nil
	}
}

// Flush blocks until every append queued before the call has been written.
func (p *Persistence) Flush() {
	p.mu.Lock()
	q := p.appendQ
	p.mu.Unlock()
	if q == nil {
		return
	}
	ack := make(chan struct{})
	select {
	case q <- appendReq{ack: ack}:
	case <-p.done:
		return
	}
	select {
	case <-ack:
	case <-p.done:
	}
}

// Close stops appending and closes the database. Updates still queued are
// discarded; appends are fire-and-forget by contract.
func (p *Persistence) Close() error {
	p.mu.Lock()
	if p.unobserve != nil {
		p.unobserve()
		p.unobserve = nil
	}
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	db := p.db
	p.db = nil
	p.mu.Unlock()

	p.wg.Wait()
	if db != nil {
		return db.Close()
	}
	return nil
}
