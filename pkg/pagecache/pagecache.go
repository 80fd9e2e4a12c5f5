// Package pagecache implements btree.Cache: the node loader and
// dirty-page tracker that sits between the tree and a durable store.
// Nodes are kept resident as *btree.Node values; a backend only ever
// sees encoded page.Header + entry bytes, mirroring the split between
// pkg/btree's structured in-memory representation and pkg/page's
// on-disk encoding.
package pagecache

import (
	"sync"
	"sync/atomic"

	"github.com/latchtree/latchtree/pkg/btree"
	"github.com/latchtree/latchtree/pkg/metrics"
)

// Backend persists and retrieves encoded pages by (treeID, pageID).
// Concrete backends (MemStore, PebbleStore, MmapStore) implement this;
// Cache itself owns the in-memory *btree.Node objects and only calls
// into Backend on a cache miss or on flush.
type Backend interface {
	Load(treeID, pageID uint64) ([]byte, bool, error)
	Store(treeID, pageID uint64, data []byte) error
	Delete(treeID, pageID uint64) error
	Close() error
}

type nodeKey struct {
	treeID, pageID uint64
}

// Cache is the default btree.Cache: an unbounded resident node map
// plus a dirty set flushed by Flush. It has no size-bounded eviction
// policy; the reference buffer pool was likewise unbounded for a
// single-process embedded engine.
type Cache struct {
	mu      sync.RWMutex
	nodes   map[nodeKey]*btree.Node
	dirty   map[nodeKey]*btree.Node
	backend Backend
	codec   *Codec
	metrics *metrics.Registry

	nextPageID atomic.Uint64
}

func New(backend Backend) *Cache {
	return &Cache{
		nodes:   make(map[nodeKey]*btree.Node),
		dirty:   make(map[nodeKey]*btree.Node),
		backend: backend,
		codec:   NewCodec(),
	}
}

// WithMetrics attaches a metrics registry whose CacheHit/CacheMiss
// counters are updated on every LoadChild call.
func (c *Cache) WithMetrics(m *metrics.Registry) *Cache {
	c.metrics = m
	return c
}

func (c *Cache) NodeMapGet(treeID, pageID uint64) *btree.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nodes[nodeKey{treeID, pageID}]
}

func (c *Cache) LoadChild(treeID, pageID uint64) *btree.Node {
	if n := c.NodeMapGet(treeID, pageID); n != nil {
		c.metrics.CacheHit()
		return n
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	key := nodeKey{treeID, pageID}
	if n, ok := c.nodes[key]; ok {
		c.metrics.CacheHit()
		return n
	}

	c.metrics.CacheMiss()
	data, ok, err := c.backend.Load(treeID, pageID)
	if err != nil || !ok {
		return nil
	}
	n, err := c.codec.Decode(pageID, data)
	if err != nil {
		return nil
	}
	c.nodes[key] = n
	return n
}

func (c *Cache) AllocPageID(treeID uint64) uint64 {
	return c.nextPageID.Add(1)
}

func (c *Cache) RegisterRoot(treeID uint64, n *btree.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[nodeKey{treeID, n.ID()}] = n
}

func (c *Cache) MarkDirty(tree *btree.BTree, n *btree.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := nodeKey{tree.ID(), n.ID()}
	c.nodes[key] = n
	c.dirty[key] = n
}

func (c *Cache) ShouldMarkDirty(n *btree.Node) bool {
	return !n.IsDirty()
}

func (c *Cache) PrepareToDelete(n *btree.Node) {
	// No-op: node remains a valid Go value for any cursor frame still
	// referencing it until they notice the structural change via the
	// split/merge rebinding protocol; Delete only removes it from the
	// addressable page map and the backend.
}

func (c *Cache) DeleteNode(n *btree.Node) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// n carries no treeID, so callers rely on Flush/evict sweeps to
	// catch stragglers; structural deletion here is keyed by pageID
	// across every tree sharing this cache, which is safe because
	// page IDs are allocated from a single counter.
	for k := range c.nodes {
		if k.pageID == n.ID() {
			delete(c.nodes, k)
			delete(c.dirty, k)
			c.backend.Delete(k.treeID, k.pageID)
		}
	}
}

// Flush encodes and persists every dirty node, clearing the dirty set
// on success. Called by checkpoint and on clean shutdown.
func (c *Cache) Flush() error {
	c.mu.Lock()
	dirty := c.dirty
	c.dirty = make(map[nodeKey]*btree.Node)
	c.mu.Unlock()

	for key, n := range dirty {
		data, err := c.codec.Encode(n)
		if err != nil {
			return err
		}
		if err := c.backend.Store(key.treeID, key.pageID, data); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}
	return c.backend.Close()
}
