package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// flagPrefix namespaces boolean flags inside the meta bucket.
const flagPrefix = "flag:"

// Flag reports whether a named persisted flag is set. In environments
// without durable storage flags live in memory for the process lifetime.
func (p *Persistence) Flag(name string) (bool, error) {
	p.mu.Lock()
	db := p.db
	if db == nil {
		set := p.memFlags[name]
		p.mu.Unlock()
		return set, nil
	}
	p.mu.Unlock()

	var set bool
	err := db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if meta == nil {
			return nil
		}
		set = meta.Get([]byte(flagPrefix+name)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("read flag %q: %w", name, err)
	}
	return set, nil
}

// SetFlag durably sets a named flag.
func (p *Persistence) SetFlag(name string) error {
	p.mu.Lock()
	db := p.db
	if db == nil {
		if p.memFlags == nil {
			p.memFlags = make(map[string]bool)
		}
		p.memFlags[name] = true
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		return meta.Put([]byte(flagPrefix+name), []byte{1})
	})
	if err != nil {
		return fmt.Errorf("set flag %q: %w", name, err)
	}
	return nil
}
