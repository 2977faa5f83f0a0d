// Package migrate performs the one-shot import of records from the legacy
// per-table store into the shared document. It runs at most once per device,
// guarded by a persisted flag.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/codename-co/devs-sub012/internal/crdt"
	"github.com/codename-co/devs-sub012/internal/store"
)

// FlagName marks a device whose legacy data has been imported (or that had
// populated collections already and must never be imported into).
const FlagName = "legacy-migration-v1"

// readyPollInterval paces the wait for the legacy store to open.
const readyPollInterval = 25 * time.Millisecond

// Table maps one legacy table onto the document collection that absorbs it.
type Table struct {
	Legacy     string
	Collection string
}

// LegacySource is the slice of the legacy store the migration reads.
type LegacySource interface {
	Ready() bool
	Records(table string) ([]store.Record, error)
}

// Run imports every table into its collection in a single document
// transaction, then sets the migration flag. It is a no-op when the flag is
// already set. When any target collection already holds data, nothing is
// imported but the flag is still set, so a later run can never clobber
// synced state with stale legacy records. A table that cannot be read is
// treated as empty; it never blocks the other tables.
func Run(ctx context.Context, doc *crdt.Doc, p *store.Persistence, legacy LegacySource, tables []Table, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}

	done, err := p.Flag(FlagName)
	if err != nil {
		return fmt.Errorf("read migration flag: %w", err)
	}
	if done {
		return nil
	}

	for _, t := range tables {
		if doc.Map(t.Collection).Len() > 0 {
			log.Info("skipping legacy migration, collections already populated", "collection", t.Collection)
			return p.SetFlag(FlagName)
		}
	}

	if err := waitReady(ctx, legacy); err != nil {
		return err
	}

	total := 0
	imported := make(map[string][]store.Record, len(tables))
	for _, t := range tables {
		records, err := legacy.Records(t.Legacy)
		if err != nil {
			log.Warn("treating unreadable legacy table as empty", "table", t.Legacy, "err", err)
			continue
		}
		imported[t.Legacy] = records
		total += len(records)
	}

	if total > 0 {
		doc.Transact(func() {
			for _, t := range tables {
				m := doc.Map(t.Collection)
				for _, rec := range imported[t.Legacy] {
					m.Set(rec.ID, rec.Value)
				}
			}
		})
		log.Info("legacy migration complete", "records", total)
	}

	return p.SetFlag(FlagName)
}

func waitReady(ctx context.Context, legacy LegacySource) error {
	if legacy.Ready() {
		return nil
	}
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if legacy.Ready() {
				return nil
			}
		}
	}
}
