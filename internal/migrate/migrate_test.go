package migrate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"

	"github.com/codename-co/devs-sub012/internal/crdt"
	"github.com/codename-co/devs-sub012/internal/store"
)

var testTables = []Table{
	{Legacy: "agents", Collection: "agents"},
	{Legacy: "workflows", Collection: "workflows"},
}

func writeLegacyDB(t *testing.T, tables map[string]map[string][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := bolt.Open(path, 0o600, nil)
	require.NoError(t, err)
	err = db.Update(func(tx *bolt.Tx) error {
		for table, records := range tables {
			bucket, err := tx.CreateBucketIfNotExists([]byte(table))
			if err != nil {
				return err
			}
			for id, value := range records {
				if err := bucket.Put([]byte(id), value); err != nil {
					return err
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())
	return path
}

func newPersistence(t *testing.T, doc *crdt.Doc) *store.Persistence {
	t.Helper()
	path := filepath.Join(t.TempDir(), store.DefaultFileName)
	p := store.New(path, doc, slog.New(slog.NewTextHandler(io.Discard, nil)))
	<-p.WhenReady()
	require.NoError(t, p.Err())
	t.Cleanup(func() { p.Close() })
	return p
}

func TestRunImportsAllTables(t *testing.T) {
	legacyPath := writeLegacyDB(t, map[string]map[string][]byte{
		"agents":    {"a1": []byte("agent one"), "a2": []byte("agent two")},
		"workflows": {"w1": []byte("workflow one")},
	})
	legacy := store.OpenLegacy(legacyPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer legacy.Close()

	doc := crdt.NewDoc()
	p := newPersistence(t, doc)

	require.NoError(t, Run(context.Background(), doc, p, legacy, testTables, nil))

	v, ok := doc.Map("agents").Get("a1")
	require.True(t, ok)
	require.Equal(t, []byte("agent one"), v)
	require.Equal(t, 2, doc.Map("agents").Len())
	require.Equal(t, 1, doc.Map("workflows").Len())

	flagged, err := p.Flag(FlagName)
	require.NoError(t, err)
	require.True(t, flagged)
}

func TestRunIsOneShot(t *testing.T) {
	legacyPath := writeLegacyDB(t, map[string]map[string][]byte{
		"agents": {"a1": []byte("original")},
	})
	legacy := store.OpenLegacy(legacyPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer legacy.Close()

	doc := crdt.NewDoc()
	p := newPersistence(t, doc)

	require.NoError(t, Run(context.Background(), doc, p, legacy, testTables, nil))

	// The record evolves after migration; a second run must not resurrect
	// the legacy value.
	doc.Map("agents").Set("a1", []byte("edited"))
	require.NoError(t, Run(context.Background(), doc, p, legacy, testTables, nil))

	v, ok := doc.Map("agents").Get("a1")
	require.True(t, ok)
	require.Equal(t, []byte("edited"), v)
}

func TestRunSkipsWhenCollectionsPopulated(t *testing.T) {
	legacyPath := writeLegacyDB(t, map[string]map[string][]byte{
		"agents": {"a1": []byte("stale legacy copy")},
	})
	legacy := store.OpenLegacy(legacyPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer legacy.Close()

	doc := crdt.NewDoc()
	p := newPersistence(t, doc)
	doc.Map("workflows").Set("w9", []byte("synced from a peer"))

	require.NoError(t, Run(context.Background(), doc, p, legacy, testTables, nil))

	// Nothing imported, but the flag is set so the import can never happen
	// later either.
	require.Zero(t, doc.Map("agents").Len())
	flagged, err := p.Flag(FlagName)
	require.NoError(t, err)
	require.True(t, flagged)
}

func TestRunWithoutLegacyDatabase(t *testing.T) {
	legacy := store.OpenLegacy(filepath.Join(t.TempDir(), "absent.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer legacy.Close()

	doc := crdt.NewDoc()
	p := newPersistence(t, doc)

	require.NoError(t, Run(context.Background(), doc, p, legacy, testTables, nil))
	require.Zero(t, doc.Map("agents").Len())

	flagged, err := p.Flag(FlagName)
	require.NoError(t, err)
	require.True(t, flagged)
}

// faultySource fails for selected tables and delegates the rest.
type faultySource struct {
	inner   *store.LegacyStore
	failing map[string]bool
}

func (f *faultySource) Ready() bool { return f.inner.Ready() }

func (f *faultySource) Records(table string) ([]store.Record, error) {
	if f.failing[table] {
		return nil, errors.New("page checksum mismatch")
	}
	return f.inner.Records(table)
}

func TestRunUnreadableTableDoesNotBlockOthers(t *testing.T) {
	legacyPath := writeLegacyDB(t, map[string]map[string][]byte{
		"agents":    {"a1": []byte("agent one")},
		"workflows": {"w1": []byte("workflow one")},
	})
	legacy := store.OpenLegacy(legacyPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer legacy.Close()
	source := &faultySource{inner: legacy, failing: map[string]bool{"agents": true}}

	doc := crdt.NewDoc()
	p := newPersistence(t, doc)

	// The unreadable table is treated as empty; the rest still migrate and
	// the flag is set.
	require.NoError(t, Run(context.Background(), doc, p, source, testTables, nil))
	require.Zero(t, doc.Map("agents").Len())
	require.Equal(t, 1, doc.Map("workflows").Len())

	flagged, err := p.Flag(FlagName)
	require.NoError(t, err)
	require.True(t, flagged)
}

func TestRunMissingTableTolerated(t *testing.T) {
	legacyPath := writeLegacyDB(t, map[string]map[string][]byte{
		"agents": {"a1": []byte("agent one")},
	})
	legacy := store.OpenLegacy(legacyPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer legacy.Close()

	doc := crdt.NewDoc()
	p := newPersistence(t, doc)

	require.NoError(t, Run(context.Background(), doc, p, legacy, testTables, nil))
	require.Equal(t, 1, doc.Map("agents").Len())
	require.Zero(t, doc.Map("workflows").Len())
}
