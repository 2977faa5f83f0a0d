// Package sdk is the public surface of the sync core. A Store bundles the
// shared document, its local persistence, the sync controller and the
// one-shot legacy migration behind one handle; typed collections and
// reactive views hang off it.
package sdk

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/codename-co/devs-sub012/internal/crdt"
	"github.com/codename-co/devs-sub012/internal/migrate"
	"github.com/codename-co/devs-sub012/internal/reactive"
	"github.com/codename-co/devs-sub012/internal/store"
	"github.com/codename-co/devs-sub012/internal/syncer"
)

// LegacyTable maps a table of the pre-sync record store onto the collection
// that absorbs it during migration.
type LegacyTable = migrate.Table

// Options configures a Store.
type Options struct {
	// DataDir holds the local database. Empty means no durable storage:
	// the store is memory-only and immediately ready.
	DataDir string
	// LegacyPath points at a database left behind by pre-sync app versions.
	// When set, its tables are imported once, guarded by a persisted flag.
	LegacyPath string
	// LegacyTables lists the tables the migration imports.
	LegacyTables []LegacyTable
	// ActorID pins the document's actor identity. Empty generates one.
	ActorID string
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Store is the application-facing handle on the local-first core.
type Store struct {
	doc     *crdt.Doc
	persist *store.Persistence
	sync    *syncer.Controller
	log     *slog.Logger

	migrated chan struct{}
	wg       sync.WaitGroup

	closeOnce sync.Once
}

// Open assembles a store. Persistence replays in the background; use Ready,
// WhenReady or OnReady to find out when local history is loaded.
func Open(opts Options) *Store {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	var doc *crdt.Doc
	if opts.ActorID != "" {
		doc = crdt.NewDocWithActor(opts.ActorID)
	} else {
		doc = crdt.NewDoc()
	}

	path := ""
	if opts.DataDir != "" {
		path = filepath.Join(opts.DataDir, store.DefaultFileName)
	}
	persist := store.New(path, doc, log)
	persist.Init()

	s := &Store{
		doc:      doc,
		persist:  persist,
		sync:     syncer.New(doc, log),
		log:      log,
		migrated: make(chan struct{}),
	}

	if opts.LegacyPath != "" && len(opts.LegacyTables) > 0 {
		s.wg.Add(1)
		go s.runMigration(opts.LegacyPath, opts.LegacyTables)
	} else {
		close(s.migrated)
	}

	return s
}

// runMigration imports legacy data once persistence has replayed, so the
// populated-collection check sees the real local state.
func (s *Store) runMigration(legacyPath string, tables []LegacyTable) {
	defer s.wg.Done()
	defer close(s.migrated)

	<-s.persist.WhenReady()
	if err := s.persist.Err(); err != nil {
		s.log.Warn("skipping legacy migration, persistence failed", "err", err)
		return
	}

	legacy := store.OpenLegacy(legacyPath, s.log)
	defer legacy.Close()
	if err := migrate.Run(context.Background(), s.doc, s.persist, legacy, tables, s.log); err != nil {
		s.log.Warn("legacy migration failed", "err", err)
	}
}

// Doc exposes the underlying shared document.
func (s *Store) Doc() *crdt.Doc {
	return s.doc
}

// Sync exposes the sync controller for enabling and observing replication.
func (s *Store) Sync() *syncer.Controller {
	return s.sync
}

// Ready reports whether local history has been replayed.
func (s *Store) Ready() bool {
	return s.persist.Ready()
}

// WhenReady returns a channel closed once local history is replayed. Check
// Err afterwards: readiness with an error means the store is memory-only.
func (s *Store) WhenReady() <-chan struct{} {
	return s.persist.WhenReady()
}

// Err reports the persistence failure, if any.
func (s *Store) Err() error {
	return s.persist.Err()
}

// OnReady invokes fn once local history is replayed, synchronously if the
// store is already ready. The returned function cancels the notification.
func (s *Store) OnReady(fn func()) func() {
	return reactive.NotifyWhenReady(s.persist, fn)
}

// WhenMigrated returns a channel closed once the legacy import has run (or
// immediately when no legacy source was configured).
func (s *Store) WhenMigrated() <-chan struct{} {
	return s.migrated
}

// Transact batches mutations across collections into one update.
func (s *Store) Transact(fn func()) {
	s.doc.Transact(fn)
}

// Flush blocks until all pending updates are durably stored.
func (s *Store) Flush() {
	s.persist.Flush()
}

// Close disables sync and releases the local database. The store must not
// be used afterwards.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.sync.Disable()
		s.wg.Wait()
		err = s.persist.Close()
	})
	return err
}
