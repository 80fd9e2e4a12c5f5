package pagecache

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"

	"github.com/latchtree/latchtree/pkg/errors"
)

// PebbleStore persists pages in a cockroachdb/pebble LSM tree, keyed
// by a big-endian (treeID, pageID) pair so range iteration over a
// single tree's pages (Range) stays contiguous.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "pagecache: open pebble")
	}
	return &PebbleStore{db: db}, nil
}

func pebbleKey(treeID, pageID uint64) []byte {
	var key [16]byte
	binary.BigEndian.PutUint64(key[0:8], treeID)
	binary.BigEndian.PutUint64(key[8:16], pageID)
	return key[:]
}

func (p *PebbleStore) Load(treeID, pageID uint64) ([]byte, bool, error) {
	data, closer, err := p.db.Get(pebbleKey(treeID, pageID))
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "pagecache: pebble get")
	}
	defer closer.Close()
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, true, nil
}

func (p *PebbleStore) Store(treeID, pageID uint64, data []byte) error {
	if err := p.db.Set(pebbleKey(treeID, pageID), data, pebble.NoSync); err != nil {
		return errors.Wrap(err, "pagecache: pebble set")
	}
	return nil
}

func (p *PebbleStore) Delete(treeID, pageID uint64) error {
	if err := p.db.Delete(pebbleKey(treeID, pageID), pebble.NoSync); err != nil {
		return errors.Wrap(err, "pagecache: pebble delete")
	}
	return nil
}

// Sync forces pending writes to stable storage.
func (p *PebbleStore) Sync() error {
	return p.db.Flush()
}

// Range iterates every page belonging to treeID in pageID order.
func (p *PebbleStore) Range(treeID uint64, fn func(pageID uint64, data []byte) error) error {
	lower := pebbleKey(treeID, 0)
	upper := pebbleKey(treeID, ^uint64(0))
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return errors.Wrap(err, "pagecache: pebble iter")
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		pageID := binary.BigEndian.Uint64(iter.Key()[8:16])
		if err := fn(pageID, iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (p *PebbleStore) Close() error {
	return p.db.Close()
}
