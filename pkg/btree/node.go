// Package btree implements the core, latch-coupled B+tree access
// layer: Node, Split, CursorFrame, BTree and Cursor. It generalizes
// an unlatched, recursive B+tree keyed by a typed Comparable into a
// page-oriented, concurrently-latched design: nodes are latched
// individually (pkg/latch) instead of guarded by one tree-wide
// sync.RWMutex, splits
// are deferred and finished by the caller instead of happening inline
// during descent, and cursors carry their own frame stack instead of
// the search being a single recursive call.
package btree

import (
	"sort"
	"sync/atomic"

	"github.com/latchtree/latchtree/pkg/latch"
	"github.com/latchtree/latchtree/pkg/page"
	"github.com/latchtree/latchtree/pkg/types"
)

// CachedState is the double-buffered dirtiness state used for
// consistent checkpointing: a node dirtied under checkpoint epoch A
// is flushed by the epoch-A writer; one dirtied after the epoch
// flipped is dirty-B and waits for the next checkpoint.
type CachedState int32

const (
	StateClean CachedState = iota
	StateDirtyA
	StateDirtyB
)

// Node is the in-memory representation of one page: leaf or internal,
// with a search vector (here, a plain Go slice — index arithmetic
// replaces packed 2-byte search-vector unit arithmetic), key/value or
// key/child slots, and latch state.
type Node struct {
	id    uint64
	latch *latch.Latch

	cachedState atomic.Int32
	typ         page.Type

	// keys holds one entry per slot: the stored key in a leaf; in an
	// internal node len(keys) == len(children)-1 (one separator
	// between each pair of children).
	keys []types.Key

	// Leaf-only.
	values     []types.Value
	ghostOwner []uint64 // 0 if not a ghost; otherwise the holding txn id

	// Internal-only. children[i] may be nil if not yet paged in; in
	// that case childIDs[i] is authoritative and loadChild faults it
	// in under the parent latch.
	children   []*Node
	childIDs   []uint64
	separators []page.SeparatorKey

	split *Split

	lastCursorFrame *CursorFrame

	// entryCount caches the non-ghost descendant key count of a
	// bottom-internal node, read and written only through
	// cachedEntryCount/setCachedEntryCount, which have no callers in
	// this package. -1 means "not computed".
	entryCount int64

	tree *BTree
}

func newNode(id uint64, typ page.Type) *Node {
	return &Node{
		id:         id,
		latch:      latch.New(),
		typ:        typ,
		entryCount: -1,
	}
}

// NewLeaf allocates an empty leaf node.
func NewLeaf(id uint64) *Node { return newNode(id, page.TypeLeaf) }

// NewInternal allocates an empty internal node with a single child.
func NewInternal(id uint64, child *Node) *Node {
	n := newNode(id, page.TypeInternal)
	n.children = []*Node{child}
	n.childIDs = []uint64{child.id}
	return n
}

func (n *Node) ID() uint64      { return n.id }
func (n *Node) IsLeaf() bool    { return n.typ.IsLeaf() }
func (n *Node) NumKeys() int    { return len(n.keys) }
func (n *Node) IsSplit() bool   { return n.split != nil }
func (n *Node) Type() page.Type { return n.typ }

func (n *Node) setLowExtremity(v bool) {
	if v {
		n.typ |= page.TypeLowExtremity
	} else {
		n.typ &^= page.TypeLowExtremity
	}
}

func (n *Node) setHighExtremity(v bool) {
	if v {
		n.typ |= page.TypeHighExtremity
	} else {
		n.typ &^= page.TypeHighExtremity
	}
}

// --- Latch helpers ---------------------------------------------------

func (n *Node) AcquireShared()            { n.latch.AcquireShared() }
func (n *Node) ReleaseShared()            { n.latch.ReleaseShared() }
func (n *Node) AcquireExclusive()         { n.latch.AcquireExclusive() }
func (n *Node) ReleaseExclusive()         { n.latch.ReleaseExclusive() }
func (n *Node) TryAcquireShared() bool    { return n.latch.TryAcquireShared() }
func (n *Node) TryAcquireExclusive() bool { return n.latch.TryAcquireExclusive() }
func (n *Node) TryUpgrade() bool          { return n.latch.TryUpgrade() }
func (n *Node) Downgrade()                { n.latch.Downgrade() }

// --- Dirty state -------------------------------------------------------

func (n *Node) IsDirty() bool { return CachedState(n.cachedState.Load()) != StateClean }

func (n *Node) markDirty(epoch CachedState) { n.cachedState.Store(int32(epoch)) }

func (n *Node) markClean() { n.cachedState.Store(int32(StateClean)) }

// --- Search vector -------------------------------------------------------

// binarySearch returns pos >= 0 for an exact match, or ^insertPoint
// (bitwise complement, the classic Java-Collections-style "complement
// position" encoding) when key is absent.
func binarySearch(keys []types.Key, key types.Key) int {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		c := keys[mid].Compare(key)
		switch {
		case c == 0:
			return mid
		case c < 0:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return ^lo
}

// Search does a local binary search for key, honoring an in-progress
// split by delegating to Split.binarySearchLeaf so callers never need
// to special-case a split leaf themselves.
func (n *Node) Search(key types.Key) int {
	if n.split != nil && n.IsLeaf() {
		return n.split.binarySearchLeaf(n, key)
	}
	return binarySearch(n.keys, key)
}

// internalPos maps a binary-search hit at an internal node (pos >= 0,
// so key equals the separator at pos) to the correct child slot: the
// separator is the smallest key of the right subtree, so an exact
// match descends right.
func internalPos(pos int) int { return pos + 1 }

// --- Leaf mutation ---------------------------------------------------

// insertLeafEntry inserts (key, value) at the position binarySearch
// reported as "not found" (pos may be >=0 or a complement), splitting
// if the node overflows maxEntries. The caller holds n exclusively.
// self, if non-nil, is the frame performing the insert; it is left
// untouched by fixFramesOnInsert so the caller can rebind it to the
// new slot explicitly.
func (n *Node) insertLeafEntry(pos int, key types.Key, value types.Value, maxEntries int, self *CursorFrame) {
	idx := pos
	if idx < 0 {
		idx = ^idx
	}
	n.keys = append(n.keys, nil)
	copy(n.keys[idx+1:], n.keys[idx:])
	n.keys[idx] = key

	n.values = append(n.values, nil)
	copy(n.values[idx+1:], n.values[idx:])
	n.values[idx] = value

	n.ghostOwner = append(n.ghostOwner, 0)
	copy(n.ghostOwner[idx+1:], n.ghostOwner[idx:])
	n.ghostOwner[idx] = 0

	n.fixFramesOnInsert(idx, self)

	if len(n.keys) > maxEntries {
		n.splitLeaf()
	}
}

// fixFramesOnInsert shifts every cursor frame bound to n that
// addresses a slot at or past idx by one, so a cousin cursor sitting
// on this leaf during a plain (non-splitting) insert doesn't silently
// start pointing at its right neighbor's entry. self is skipped; the
// caller rebinds it itself once it knows the inserted slot's final
// index.
func (n *Node) fixFramesOnInsert(idx int, self *CursorFrame) {
	n.forEachFrame(func(f *CursorFrame) {
		if f == self {
			return
		}
		if f.Found() {
			if f.nodePos >= idx {
				f.nodePos++
			}
			return
		}
		if ip := f.InsertPoint(); ip >= idx {
			f.nodePos = ^(ip + 1)
		}
	})
}

// splitLeaf starts a split of a leaf: allocate a sibling, move the upper half of the entries into it, and attach a
// Split descriptor. The caller (Cursor.store / BTree.finishSplit)
// finishes the split by promoting the separator into the parent.
func (n *Node) splitLeaf() {
	mid := len(n.keys) / 2
	sib := NewLeaf(n.tree.allocPageID())
	sib.tree = n.tree

	sib.keys = append(sib.keys, n.keys[mid:]...)
	sib.values = append(sib.values, n.values[mid:]...)
	sib.ghostOwner = append(sib.ghostOwner, n.ghostOwner[mid:]...)

	n.keys = n.keys[:mid:mid]
	n.values = n.values[:mid:mid]
	n.ghostOwner = n.ghostOwner[:mid:mid]

	sib.setHighExtremity(n.typ.IsHighExtremity())
	n.setHighExtremity(false)

	sepKey := sib.keys[0]
	n.split = &Split{
		splitRight: true,
		sibling:    sib,
		fullKey:    sepKey,
		actualKey:  page.Inline(sepKey),
	}

	// Every cursor bound to n must be remapped immediately: a frame
	// whose nodePos addresses an entry that moved to sib now points
	// at the wrong slot in n.
	n.split.rebindFrames(n)
}

// splitInternal mirrors splitLeaf for an internal node: the middle
// separator is promoted (it does not remain in either half).
func (n *Node) splitInternal() {
	mid := len(n.keys) / 2
	upKey := n.keys[mid]

	sib := newNode(n.tree.allocPageID(), page.TypeInternal)
	sib.tree = n.tree
	sib.keys = append(sib.keys, n.keys[mid+1:]...)
	sib.children = append(sib.children, n.children[mid+1:]...)
	sib.childIDs = append(sib.childIDs, n.childIDs[mid+1:]...)
	sib.separators = append(sib.separators, n.separators[mid+1:]...)

	n.keys = n.keys[:mid:mid]
	n.children = n.children[:mid+1 : mid+1]
	n.childIDs = n.childIDs[:mid+1 : mid+1]
	n.separators = n.separators[:mid:mid]

	if n.typ.IsBottomInternal() {
		sib.typ |= page.TypeBottomInternal
	}
	sib.setHighExtremity(n.typ.IsHighExtremity())
	n.setHighExtremity(false)

	n.split = &Split{
		splitRight: true,
		sibling:    sib,
		fullKey:    upKey,
		actualKey:  page.Inline(upKey),
	}
	n.split.rebindFrames(n)
}

// removeLeafEntry deletes the entry at pos (pos >= 0). The caller
// holds the node exclusively latched; self is the frame performing the
// delete (already unbound by the caller) or nil.
func (n *Node) removeLeafEntry(pos int, self *CursorFrame) {
	n.keys = append(n.keys[:pos], n.keys[pos+1:]...)
	n.values = append(n.values[:pos], n.values[pos+1:]...)
	n.ghostOwner = append(n.ghostOwner[:pos], n.ghostOwner[pos+1:]...)
	n.fixFramesOnDelete(pos, self)
}

// fixFramesOnDelete mirrors fixFramesOnInsert for a plain delete: any
// cousin frame addressing a slot past pos shifts left by one, and a
// frame that addressed pos itself (a second cursor positioned on the
// same entry this one just removed) lands on the insertion point pos
// now encodes, matching what Find would report for the now-missing
// key.
func (n *Node) fixFramesOnDelete(pos int, self *CursorFrame) {
	n.forEachFrame(func(f *CursorFrame) {
		if f == self {
			return
		}
		if f.Found() {
			switch {
			case f.nodePos == pos:
				f.nodePos = ^pos
				f.notFoundKey = nil
			case f.nodePos > pos:
				f.nodePos--
			}
			return
		}
		if ip := f.InsertPoint(); ip > pos {
			f.nodePos = ^(ip - 1)
		}
	})
}

// belowMergeThreshold reports whether n has fallen under the minimum
// fill. Node capacity is expressed as an
// entry count rather than a byte budget (see DESIGN.md); minFill is
// configured separately and kept below half of maxEntries (16 of 63
// by default).
func (n *Node) belowMergeThreshold(minFill int) bool {
	return len(n.keys) < minFill
}

// --- Internal node lookups --------------------------------------------

// findChildIndex returns the child slot key should descend into.
func (n *Node) findChildIndex(key types.Key) int {
	pos := n.Search(key)
	if pos >= 0 {
		return internalPos(pos)
	}
	return ^pos
}

// withinExtent reports whether key could belong to n's current key
// range: below the first key is only possible if n is not the low
// extremity, above the last key only if n is not the high extremity.
// Used by Cursor.FindNearby to decide whether a frame can be reused in
// place instead of re-descending from the root.
func (n *Node) withinExtent(key types.Key) bool {
	if len(n.keys) == 0 {
		return n.typ.IsLowExtremity() && n.typ.IsHighExtremity()
	}
	if !n.typ.IsLowExtremity() && key.Compare(n.keys[0]) < 0 {
		return false
	}
	if !n.typ.IsHighExtremity() && key.Compare(n.keys[len(n.keys)-1]) > 0 {
		return false
	}
	return true
}

// loadChild returns children[i], faulting it in from the page cache
// if the slot hasn't been paged in yet. The caller holds n latched
// (shared is enough: children/childIDs only grow/shrink under n's
// exclusive latch during split/merge, and a concurrent loadChild of
// the same slot is harmless idempotent work).
func (n *Node) loadChild(i int) *Node {
	if n.children[i] != nil {
		return n.children[i]
	}
	child := n.tree.cache.LoadChild(n.tree.id, n.childIDs[i])
	child.tree = n.tree
	n.children[i] = child
	return child
}

// --- Cursor frame list -------------------------------------------------
// Intrusive doubly linked list of every CursorFrame currently bound
// to this node, anchored at lastCursorFrame. Mutated only while the
// node is held exclusively (insert/delete/split/merge).

func (n *Node) addCursorFrame(f *CursorFrame) {
	f.prevCousin = nil
	f.nextCousin = n.lastCursorFrame
	if n.lastCursorFrame != nil {
		n.lastCursorFrame.prevCousin = f
	}
	n.lastCursorFrame = f
}

func (n *Node) removeCursorFrame(f *CursorFrame) {
	if f.prevCousin != nil {
		f.prevCousin.nextCousin = f.nextCousin
	} else if n.lastCursorFrame == f {
		n.lastCursorFrame = f.nextCousin
	}
	if f.nextCousin != nil {
		f.nextCousin.prevCousin = f.prevCousin
	}
	f.prevCousin = nil
	f.nextCousin = nil
}

// forEachFrame visits every frame bound to n. The caller holds n
// exclusively latched.
func (n *Node) forEachFrame(fn func(*CursorFrame)) {
	for f := n.lastCursorFrame; f != nil; f = f.nextCousin {
		fn(f)
	}
}

// countNonGhostKeys counts the non-ghost keys in the subtree rooted at
// n, latching each child shared while it is counted. It neither reads
// nor fills the entryCount cache, and nothing in this package calls it.
func (n *Node) countNonGhostKeys() int64 {
	if n.IsLeaf() {
		count := int64(0)
		for _, owner := range n.ghostOwner {
			if owner == 0 {
				count++
			}
		}
		return count
	}
	var total int64
	for i := range n.children {
		child := n.loadChild(i)
		child.AcquireShared()
		total += child.countNonGhostKeys()
		child.ReleaseShared()
	}
	return total
}

// cachedEntryCount returns a cached subtree count if n is a
// bottom-internal node computed while clean; otherwise -1.
func (n *Node) cachedEntryCount() int64 {
	if !n.typ.IsBottomInternal() || n.IsDirty() {
		return -1
	}
	return n.entryCount
}

func (n *Node) setCachedEntryCount(v int64) {
	if n.typ.IsBottomInternal() && !n.IsDirty() {
		n.entryCount = v
	}
}

// NodeSnapshot is a point-in-time, latch-independent copy of a node's
// contents for serialization by pkg/pagecache. The caller must hold n
// latched (shared is enough) while calling Snapshot.
type NodeSnapshot struct {
	ID         uint64
	Type       page.Type
	Keys       []types.Key
	Values     []types.Value
	GhostOwner []uint64
	ChildIDs   []uint64
	Separators []page.SeparatorKey
}

// Snapshot copies n's contents out for encoding. The caller holds n
// latched.
func (n *Node) Snapshot() NodeSnapshot {
	return NodeSnapshot{
		ID:         n.id,
		Type:       n.typ,
		Keys:       append([]types.Key(nil), n.keys...),
		Values:     append([]types.Value(nil), n.values...),
		GhostOwner: append([]uint64(nil), n.ghostOwner...),
		ChildIDs:   append([]uint64(nil), n.childIDs...),
		Separators: append([]page.SeparatorKey(nil), n.separators...),
	}
}

// FromSnapshot reconstructs a Node from a decoded page. Children are
// left unpaged (nil) and faulted in lazily via ChildIDs through the
// normal loadChild path.
func FromSnapshot(s NodeSnapshot) *Node {
	n := newNode(s.ID, s.Type)
	n.keys = s.Keys
	n.values = s.Values
	n.ghostOwner = s.GhostOwner
	n.childIDs = s.ChildIDs
	n.separators = s.Separators
	if !s.Type.IsLeaf() {
		n.children = make([]*Node, len(s.ChildIDs))
	}
	return n
}

// keysAreSorted is a debug helper used by Verify.
func (n *Node) keysAreSorted() bool {
	return sort.SliceIsSorted(n.keys, func(i, j int) bool {
		return n.keys[i].Compare(n.keys[j]) < 0
	})
}
