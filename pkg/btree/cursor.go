package btree

import (
	"encoding/binary"

	"github.com/latchtree/latchtree/pkg/errors"
	"github.com/latchtree/latchtree/pkg/types"
)

// Cursor is a latch-coupled descent path through a tree, positioned
// at a key or at an insertion point. It is not
// safe for concurrent use by multiple goroutines; each transaction or
// goroutine gets its own.
type Cursor struct {
	tree *BTree
	txn  Txn

	leaf *CursorFrame // bottom of the frame stack, nil when unpositioned
}

func (c *Cursor) reset() {
	for f := c.leaf; f != nil; {
		prev := f.parentFrame
		f.unbind()
		f = prev
	}
	c.leaf = nil
}

// Positioned reports whether the cursor currently addresses a leaf
// frame (found or not-found-with-insert-point).
func (c *Cursor) Positioned() bool { return c.leaf != nil }

// descendTo latch-couples from the root down to the leaf that would
// contain key, in the requested mode, building the frame stack as it
// goes. On return no latch is held and c.leaf is the leaf's frame.
func (c *Cursor) descendTo(key types.Key, exclusive bool) {
	c.reset()

	node := c.tree.Root()
	if exclusive {
		node.AcquireExclusive()
	} else {
		node.AcquireShared()
	}

	var parentFrame *CursorFrame
	for {
		if node.split != nil {
			// A pending split is resolved lazily: pick whichever half
			// key belongs to and keep descending. Promoting the
			// separator into the parent is left to whoever performs
			// the next Store on this node.
			next := node.split.selectNode(node, key, exclusive)
			if next != node {
				if exclusive {
					node.ReleaseExclusive()
				} else {
					node.ReleaseShared()
				}
				node = next
			}
		}

		frame := newFrame(parentFrame)

		if node.IsLeaf() {
			pos := node.Search(key)
			frame.bind(node, pos, key)
			c.leaf = frame
			if exclusive {
				node.ReleaseExclusive()
			} else {
				node.ReleaseShared()
			}
			return
		}

		pos := node.findChildIndex(key)
		child := node.loadChild(pos)
		if exclusive {
			child.AcquireExclusive()
		} else {
			child.AcquireShared()
		}

		frame.bind(node, pos, key)
		if exclusive {
			node.ReleaseExclusive()
		} else {
			node.ReleaseShared()
		}

		parentFrame = frame
		node = child
	}
}

// Find positions the cursor at key. The cursor's leaf frame is
// Found() iff key is present in the leaf, ghost entries included (a
// ghost's value is nil).
func (c *Cursor) Find(key types.Key) error {
	if key == nil {
		return &errors.ErrInvalidArgument{Reason: "nil key"}
	}
	c.descendTo(key, false)
	return nil
}

// FindGe positions at the smallest key >= key.
func (c *Cursor) FindGe(key types.Key) error {
	if err := c.Find(key); err != nil {
		return err
	}
	if !c.leaf.Found() {
		return c.skipForward()
	}
	return nil
}

// FindGt positions at the smallest key > key.
func (c *Cursor) FindGt(key types.Key) error {
	if err := c.Find(key); err != nil {
		return err
	}
	if c.leaf.Found() {
		return c.Next()
	}
	return c.skipForward()
}

// FindLe positions at the largest key <= key.
func (c *Cursor) FindLe(key types.Key) error {
	if err := c.Find(key); err != nil {
		return err
	}
	if c.leaf.Found() {
		return nil
	}
	return c.Previous()
}

// FindLt positions at the largest key < key.
func (c *Cursor) FindLt(key types.Key) error {
	if err := c.Find(key); err != nil {
		return err
	}
	return c.Previous()
}

// isGhost reports whether pos in node is a ghost entry (nil value,
// ghostOwner set to the deleting transaction). Readers treat a ghost
// as absent.
func isGhost(node *Node, pos int) bool {
	return pos >= 0 && pos < len(node.ghostOwner) && node.ghostOwner[pos] != 0
}

// skipForward advances from a not-found insertion point to the next
// existing entry, crossing leaves if necessary and skipping over any
// ghost it lands on.
func (c *Cursor) skipForward() error {
	if ip := c.leaf.InsertPoint(); ip < len(c.leaf.node.keys) {
		c.leaf.nodePos = ip
		c.leaf.notFoundKey = nil
		if isGhost(c.leaf.node, ip) {
			return c.Next()
		}
		return nil
	}
	return c.Next()
}

// First positions at the smallest key in the tree.
func (c *Cursor) First() error {
	c.reset()
	node := c.tree.Root()
	node.AcquireShared()
	var parentFrame *CursorFrame
	for {
		frame := newFrame(parentFrame)
		if node.IsLeaf() {
			pos := 0
			if len(node.keys) == 0 {
				pos = ^0
			}
			frame.bind(node, pos, nil)
			c.leaf = frame
			ghost := frame.Found() && isGhost(node, pos)
			node.ReleaseShared()
			if !frame.Found() || ghost {
				return c.Next()
			}
			return nil
		}
		child := node.loadChild(0)
		child.AcquireShared()
		frame.bind(node, 0, nil)
		node.ReleaseShared()
		parentFrame = frame
		node = child
	}
}

// Last positions at the largest key in the tree.
func (c *Cursor) Last() error {
	c.reset()
	node := c.tree.Root()
	node.AcquireShared()
	var parentFrame *CursorFrame
	for {
		frame := newFrame(parentFrame)
		if node.IsLeaf() {
			pos := len(node.keys) - 1
			if node.split != nil {
				pos = node.split.highestPos(node)
			}
			if pos < 0 {
				frame.bind(node, ^0, nil)
				c.leaf = frame
				node.ReleaseShared()
				return c.Previous()
			}
			frame.bind(node, pos, nil)
			c.leaf = frame
			ghost := isGhost(node, pos)
			node.ReleaseShared()
			if ghost {
				return c.Previous()
			}
			return nil
		}
		lastChild := len(node.children) - 1
		child := node.loadChild(lastChild)
		child.AcquireShared()
		frame.bind(node, lastChild, nil)
		node.ReleaseShared()
		parentFrame = frame
		node = child
	}
}

// Next advances the cursor to the next key in order, ascending to
// cousins through the parent chain as needed and skipping ghost
// entries. It probes no key lock for the ghosts it skips.
func (c *Cursor) Next() error {
	if c.leaf == nil {
		return errors.ErrCursorNotPositioned
	}
	// landedFresh is true right after ascendToNextCousin descends onto
	// a new leaf's leftmost entry: that entry must be tested in place,
	// not stepped past, or the first key of every cousin leaf would be
	// silently skipped.
	landedFresh := false
	for {
		frame := c.leaf
		node := frame.node
		node.AcquireShared()

		var next int
		switch {
		case landedFresh:
			next = frame.nodePos
		case frame.Found():
			next = frame.nodePos + 1
		default:
			next = frame.InsertPoint()
		}

		if next >= 0 && next < len(node.keys) {
			ghost := isGhost(node, next)
			frame.unbind()
			frame.bind(node, next, nil)
			node.ReleaseShared()
			if ghost {
				landedFresh = false
				continue
			}
			return nil
		}

		// Exhausted this leaf: ascend and find the next cousin.
		node.ReleaseShared()
		if !c.ascendToNextCousin() {
			frame.unbind()
			c.leaf = nil
			return nil
		}
		landedFresh = true
	}
}

// Previous is the mirror of Next.
func (c *Cursor) Previous() error {
	if c.leaf == nil {
		return errors.ErrCursorNotPositioned
	}
	landedFresh := false
	for {
		frame := c.leaf
		node := frame.node
		node.AcquireShared()

		var prev int
		switch {
		case landedFresh:
			prev = frame.nodePos
		case frame.Found():
			prev = frame.nodePos - 1
		default:
			prev = frame.InsertPoint() - 1
		}

		if prev >= 0 && prev < len(node.keys) {
			ghost := isGhost(node, prev)
			frame.unbind()
			frame.bind(node, prev, nil)
			node.ReleaseShared()
			if ghost {
				landedFresh = false
				continue
			}
			return nil
		}

		node.ReleaseShared()
		if !c.ascendToPrevCousin() {
			frame.unbind()
			c.leaf = nil
			return nil
		}
		landedFresh = true
	}
}

// ascendToNextCousin re-finds the leaf immediately to the right of
// the current one by walking up the parent chain until a parent frame
// has a next sibling slot, then back down the leftmost path. This
// relies on parent-pointer re-descent rather than leaf sibling
// pointers, since this repository's Node carries no next/prev leaf
// pointer.
func (c *Cursor) ascendToNextCousin() bool {
	frame := c.leaf
	var path []*CursorFrame
	for p := frame.parentFrame; p != nil; p = p.parentFrame {
		path = append(path, p)
	}
	for _, p := range path {
		parent := p.node
		parent.AcquireShared()
		nextSlot := p.nodePos + 1
		if nextSlot < len(parent.children) {
			child := parent.loadChild(nextSlot)
			child.AcquireShared()
			p.unbind()
			p.bind(parent, nextSlot, nil)
			parent.ReleaseShared()
			c.descendLeftmost(child, p)
			return true
		}
		parent.ReleaseShared()
	}
	return false
}

func (c *Cursor) ascendToPrevCousin() bool {
	frame := c.leaf
	var path []*CursorFrame
	for p := frame.parentFrame; p != nil; p = p.parentFrame {
		path = append(path, p)
	}
	for _, p := range path {
		parent := p.node
		parent.AcquireShared()
		prevSlot := p.nodePos - 1
		if prevSlot >= 0 {
			child := parent.loadChild(prevSlot)
			child.AcquireShared()
			p.unbind()
			p.bind(parent, prevSlot, nil)
			parent.ReleaseShared()
			c.descendRightmost(child, p)
			return true
		}
		parent.ReleaseShared()
	}
	return false
}

func (c *Cursor) descendLeftmost(node *Node, parentFrame *CursorFrame) {
	for {
		frame := newFrame(parentFrame)
		if node.IsLeaf() {
			pos := 0
			if len(node.keys) == 0 {
				pos = ^0
			}
			frame.bind(node, pos, nil)
			c.leaf = frame
			node.ReleaseShared()
			return
		}
		child := node.loadChild(0)
		child.AcquireShared()
		frame.bind(node, 0, nil)
		node.ReleaseShared()
		parentFrame = frame
		node = child
	}
}

func (c *Cursor) descendRightmost(node *Node, parentFrame *CursorFrame) {
	for {
		frame := newFrame(parentFrame)
		if node.IsLeaf() {
			pos := len(node.keys) - 1
			if pos < 0 {
				pos = ^0
			}
			frame.bind(node, pos, nil)
			c.leaf = frame
			node.ReleaseShared()
			return
		}
		lastChild := len(node.children) - 1
		child := node.loadChild(lastChild)
		child.AcquireShared()
		frame.bind(node, lastChild, nil)
		node.ReleaseShared()
		parentFrame = frame
		node = child
	}
}

// Skip advances n positions forward (n>0) or backward (n<0) by calling
// Next or Previous once per position. It does not jump whole subtrees
// or runs of ghosts. It stops early, leaving the cursor unpositioned,
// once it runs off either end of the tree.
func (c *Cursor) Skip(n int64) error {
	if c.leaf == nil {
		return errors.ErrCursorNotPositioned
	}
	if n > 0 {
		for i := int64(0); i < n; i++ {
			if err := c.Next(); err != nil {
				return err
			}
			if c.leaf == nil {
				return nil
			}
		}
		return nil
	}
	for i := int64(0); i < -n; i++ {
		if err := c.Previous(); err != nil {
			return err
		}
		if c.leaf == nil {
			return nil
		}
	}
	return nil
}

// Key returns the key at the cursor's current position, or nil if
// unpositioned or not found.
func (c *Cursor) Key() types.Key {
	if c.leaf == nil || !c.leaf.Found() {
		return nil
	}
	node := c.leaf.node
	node.AcquireShared()
	defer node.ReleaseShared()
	if c.leaf.nodePos >= len(node.keys) {
		return nil
	}
	return node.keys[c.leaf.nodePos]
}

// readCurrent reads the value at the cursor's current position under
// the leaf's shared latch, ghost-aware, with no lock-manager
// involvement. It is the read path used directly when the cursor
// carries no transaction (or the tree has no lock manager attached),
// and as the final step of both the fast and slow lock-aware paths
// below.
func (c *Cursor) readCurrent() types.Value {
	if c.leaf == nil || !c.leaf.Found() {
		return nil
	}
	node := c.leaf.node
	node.AcquireShared()
	defer node.ReleaseShared()
	return readValueLocked(node, c.leaf.nodePos)
}

// readValueLocked reads the value at pos in node, treating a ghost
// entry as absent. The caller holds node latched.
func readValueLocked(node *Node, pos int) types.Value {
	if pos < 0 || pos >= len(node.values) {
		return nil
	}
	if isGhost(node, pos) {
		return nil
	}
	return node.values[pos]
}

// Value returns the value at the cursor's current position, or nil if
// unpositioned, not found, or positioned on a ghost. When the cursor
// carries a real transaction and the tree has a lock manager attached,
// it additionally enforces that transaction's isolation level: a mode that never locks to read (read uncommitted, unsafe)
// just reads the page; anything else tries the non-blocking path
// first and falls back to acquiring the key lock if contended.
func (c *Cursor) Value() types.Value {
	if c.leaf == nil || !c.leaf.Found() {
		return nil
	}
	if c.txn == nil || c.tree.lockMgr == nil || c.txn.Mode().NoReadLock() {
		return c.readCurrent()
	}

	v, ok, err := c.tryCopyCurrent()
	if err == nil && ok {
		return v
	}
	v, _ = c.lockAndCopyIfExists()
	return v
}

// tryCopyCurrent is the fast, non-blocking read path: for a mode that
// doesn't need to hold the lock past this read (plain read committed)
// it only checks the lock table isn't held exclusive by someone else;
// a mode that holds locks to commit (repeatable read, upgradable,
// exclusive) must actually acquire, via a zero-timeout TryLock, since
// the lock has to survive until the transaction ends. ok is false when
// the lock is contended and the caller should fall back to
// lockAndCopyIfExists.
func (c *Cursor) tryCopyCurrent() (types.Value, bool, error) {
	key := c.Key()
	if key == nil {
		return nil, true, nil
	}
	hash := c.tree.lockMgr.Hash(c.tree.id, key)

	if !c.txn.Mode().Repeatable() {
		if !c.tree.lockMgr.IsLockAvailable(c.txn, c.tree.id, key, hash) {
			return nil, false, nil
		}
		return c.readCurrent(), true, nil
	}

	acquired, err := c.tree.lockMgr.TryLock(c.txn.Mode(), c.txn, c.tree.id, key, hash)
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	return c.readCurrent(), true, nil
}

// lockAndCopyIfExists is the slow path taken on contention: the leaf
// latch is not held across a potentially blocking lock acquisition, so
// this acquires the key lock first and then re-descends, since the
// tree's shape may have changed while nothing pinned it in place.
func (c *Cursor) lockAndCopyIfExists() (types.Value, error) {
	key := c.Key()
	if key == nil {
		return nil, nil
	}
	hash := c.tree.lockMgr.Hash(c.tree.id, key)
	mode := c.txn.Mode()
	if mode.Repeatable() {
		if err := c.tree.lockMgr.Lock(mode, c.txn, c.tree.id, key, hash, c.tree.opts.LockTimeoutNanos); err != nil {
			return nil, err
		}
	} else if err := c.tree.lockMgr.LockShared(c.txn, c.tree.id, key, hash, c.tree.opts.LockTimeoutNanos); err != nil {
		return nil, err
	}

	if err := c.Find(key); err != nil {
		return nil, err
	}
	return c.readCurrent(), nil
}

// FindNearby repositions the cursor at key, reusing its current leaf
// frame in place when key still falls within that leaf's extent
// instead of paying a full root-to-leaf
// descent. It falls back to Find whenever the fast path doesn't apply,
// including mid-split leaves, where the extent check would have to
// account for the sibling too.
func (c *Cursor) FindNearby(key types.Key) error {
	if key == nil {
		return &errors.ErrInvalidArgument{Reason: "nil key"}
	}
	if c.leaf != nil {
		node := c.leaf.node
		node.AcquireShared()
		if node.split == nil && node.withinExtent(key) {
			pos := node.Search(key)
			c.leaf.unbind()
			c.leaf.bind(node, pos, key)
			node.ReleaseShared()
			return nil
		}
		node.ReleaseShared()
	}
	return c.Find(key)
}

// FindAndStore acquires key's exclusive lock before storing, so two
// concurrent findAndStore calls on the same key serialize through the
// lock manager rather than racing purely on the leaf latch. With no lock manager attached, or no
// transaction on this cursor, it degrades to a plain Store.
func (c *Cursor) FindAndStore(key types.Key, value types.Value) error {
	if key == nil {
		return &errors.ErrInvalidArgument{Reason: "nil key"}
	}
	if c.tree.lockMgr == nil || c.txn == nil {
		return c.Store(key, value)
	}
	hash := c.tree.lockMgr.Hash(c.tree.id, key)
	if err := c.tree.lockMgr.LockExclusive(c.txn, c.tree.id, key, hash, c.tree.opts.LockTimeoutNanos); err != nil {
		return err
	}
	return c.Store(key, value)
}

// ModifyExpect constrains what FindAndModify requires to already be
// true of a key, checked atomically with acquiring its exclusive lock
// and before the store itself runs.
type ModifyExpect int

const (
	// ModifyEither stores regardless of whether key is already present.
	ModifyEither ModifyExpect = iota
	// ModifyMustExist requires key to already be present.
	ModifyMustExist
	// ModifyMustNotExist requires key to be absent.
	ModifyMustNotExist
)

// FindAndModify is FindAndStore with a precondition on key's current
// presence, rejected with a PreconditionFailedError if it doesn't
// hold once the exclusive lock is acquired.
func (c *Cursor) FindAndModify(key types.Key, expect ModifyExpect, value types.Value) error {
	if key == nil {
		return &errors.ErrInvalidArgument{Reason: "nil key"}
	}
	if c.tree.lockMgr != nil && c.txn != nil {
		hash := c.tree.lockMgr.Hash(c.tree.id, key)
		if err := c.tree.lockMgr.LockExclusive(c.txn, c.tree.id, key, hash, c.tree.opts.LockTimeoutNanos); err != nil {
			return err
		}
	}

	if expect != ModifyEither {
		if err := c.Find(key); err != nil {
			return err
		}
		exists := c.leaf.Found() && c.readCurrent() != nil
		if expect == ModifyMustExist && !exists {
			return &errors.PreconditionFailedError{TreeID: c.tree.id, Exists: false}
		}
		if expect == ModifyMustNotExist && exists {
			return &errors.PreconditionFailedError{TreeID: c.tree.id, Exists: true}
		}
	}

	return c.Store(key, value)
}

// Store inserts, updates or deletes the entry at key: a nil value deletes (ghosting under a transaction, physically
// removing otherwise), dispatched four ways on (value == nil, key
// found).
func (c *Cursor) Store(key types.Key, value types.Value) error {
	if key == nil {
		return &errors.ErrInvalidArgument{Reason: "nil key"}
	}
	c.descendTo(key, true)
	leaf := c.leaf.node
	leaf.AcquireExclusive()

	if leaf.split != nil {
		if err := c.tree.finishSplit(c.leaf, leaf); err != nil {
			leaf.ReleaseExclusive()
			return err
		}
	}

	pos := leaf.Search(key)

	switch {
	case value == nil && pos >= 0:
		return c.storeDeleteExisting(leaf, pos, key)

	case value == nil:
		// Deleting a key that was never present is a no-op.
		leaf.ReleaseExclusive()
		return nil

	case pos >= 0:
		leaf.values[pos] = value
		if pos < len(leaf.ghostOwner) {
			leaf.ghostOwner[pos] = 0
		}
		c.tree.markDirty(leaf)
		leaf.ReleaseExclusive()
		return c.redoStore(key, value)

	default:
		// Rebind this cursor's frame to the inserted slot before the
		// insert, so a split inside insertLeafEntry moves it correctly.
		c.leaf.nodePos = ^pos
		c.leaf.notFoundKey = nil
		leaf.insertLeafEntry(^pos, key, value, c.tree.opts.MaxEntries, c.leaf)
		c.tree.markDirty(leaf)

		if leaf.split != nil {
			if err := c.tree.finishSplit(c.leaf, leaf); err != nil {
				leaf.ReleaseExclusive()
				return err
			}
		}
		leaf.ReleaseExclusive()
		return c.redoStore(key, value)
	}
}

// storeDeleteExisting handles Store's value==nil/key-found branch. The
// caller holds leaf exclusively latched.
func (c *Cursor) storeDeleteExisting(leaf *Node, pos int, key types.Key) error {
	if c.txn != nil && !c.txn.Bogus() {
		leaf.values[pos] = nil
		for len(leaf.ghostOwner) <= pos {
			leaf.ghostOwner = append(leaf.ghostOwner, 0)
		}
		leaf.ghostOwner[pos] = c.txn.ID()
		c.leaf.nodePos = pos
		c.leaf.notFoundKey = nil
		c.tree.markDirty(leaf)
		leaf.ReleaseExclusive()
		return c.redoStore(key, nil)
	}

	frame := c.leaf
	leaf.removeLeafEntry(pos, frame)
	c.tree.markDirty(leaf)
	belowThreshold := leaf.belowMergeThreshold(c.tree.opts.MinFill)
	c.leaf = nil
	frame.unbind()
	leaf.ReleaseExclusive()

	if err := c.redoStore(key, nil); err != nil {
		return err
	}

	if belowThreshold && frame.parentFrame != nil {
		leaf.AcquireExclusive()
		return c.tree.mergeLeaf(&CursorFrame{node: leaf, parentFrame: frame.parentFrame})
	}
	return nil
}

// redoStore emits the durable record for a mutation and, when this
// tree is itself a replica applying an upstream write, forwards it
// onward to whatever the attached Replicator is shipping to next.
func (c *Cursor) redoStore(key types.Key, value types.Value) error {
	var lsn int64
	if c.tree.redo != nil {
		if c.txn == nil || c.txn.Bogus() {
			pos, err := c.tree.redo.TreeRedoStore(c.tree.id, key, value)
			if err != nil {
				return err
			}
			lsn = pos
		} else if err := c.tree.redo.TxnRedoStore(c.txn, c.tree.id, key, value); err != nil {
			return err
		}
	}

	if c.tree.replicator != nil && c.tree.replicaMode {
		return c.tree.replicator.Forward(lsn, encodeForwardPayload(c.tree.id, key, value))
	}
	return nil
}

// encodeForwardPayload frames a single (treeID, key, value) write for
// Replicator.Forward. It intentionally does not share pkg/redo's
// encodeEntry: pkg/redo imports this package for btree.RedoLog, so
// this package cannot import pkg/redo back, and the forwarded bytes
// only ever need to survive a round trip through a Replicator, not a
// WAL header.
func encodeForwardPayload(treeID uint64, key types.Key, value types.Value) []byte {
	buf := make([]byte, 8+4+len(key)+4+len(value))
	binary.BigEndian.PutUint64(buf[0:8], treeID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(key)))
	copy(buf[12:12+len(key)], key)
	off := 12 + len(key)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(value)))
	copy(buf[off+4:], value)
	return buf
}

// DeleteGhost converts the entry at the cursor's current position
// into a ghost (null value, lock retained by the deleting
// transaction) rather than physically removing it.
// Physical removal happens when the lock is later released and no
// reader needs the tombstone, which is outside this package's scope
// (owned by the lock manager / vacuum integration).
func (c *Cursor) DeleteGhost() error {
	if c.leaf == nil || !c.leaf.Found() {
		return errors.ErrCursorNotPositioned
	}
	leaf := c.leaf.node
	leaf.AcquireExclusive()
	defer leaf.ReleaseExclusive()

	pos := c.leaf.nodePos
	if pos >= len(leaf.values) {
		return errors.ErrCursorNotPositioned
	}
	key := leaf.keys[pos].Clone()
	leaf.values[pos] = nil
	for len(leaf.ghostOwner) <= pos {
		leaf.ghostOwner = append(leaf.ghostOwner, 0)
	}
	owner := uint64(1)
	if c.txn != nil {
		owner = c.txn.ID()
	}
	leaf.ghostOwner[pos] = owner
	c.tree.markDirty(leaf)
	return c.redoStore(key, nil)
}

// DeleteAll physically removes the entry at the cursor's current
// position (no ghosting), triggering a merge if the leaf falls below
// threshold. Used by non-transactional callers and by vacuum once a ghost's lock is free.
func (c *Cursor) DeleteAll() error {
	if c.leaf == nil || !c.leaf.Found() {
		return errors.ErrCursorNotPositioned
	}
	leaf := c.leaf.node
	leaf.AcquireExclusive()

	pos := c.leaf.nodePos
	leaf.removeLeafEntry(pos, c.leaf)
	c.tree.markDirty(leaf)

	belowThreshold := leaf.belowMergeThreshold(c.tree.opts.MinFill)
	frame := c.leaf
	c.leaf = nil
	frame.unbind()
	leaf.ReleaseExclusive()

	if belowThreshold && frame.parentFrame != nil {
		leaf.AcquireExclusive()
		return c.tree.mergeLeaf(&CursorFrame{node: leaf, parentFrame: frame.parentFrame})
	}
	return nil
}

// Random positions the cursor at an approximately uniformly sampled
// live entry, descending with a random child choice at each internal
// level. A landing on an empty leaf restarts
// from the root, bounded by maxRandomRestarts; a landing on a ghost is
// resolved with a coin flip toward Next or Previous rather than always
// stepping the same direction, so a long ghost run doesn't bias
// sampling toward its boundary.
func (c *Cursor) Random() error {
	const maxRandomRestarts = 16
	for attempt := 0; attempt < maxRandomRestarts; attempt++ {
		c.reset()
		node := c.tree.Root()
		node.AcquireShared()
		var parentFrame *CursorFrame
		landed := false
		for {
			frame := newFrame(parentFrame)
			if node.IsLeaf() {
				if len(node.keys) == 0 {
					node.ReleaseShared()
					break
				}
				pos := c.tree.randomIndex(len(node.keys))
				frame.bind(node, pos, nil)
				c.leaf = frame
				ghost := isGhost(node, pos)
				node.ReleaseShared()
				if !ghost {
					return nil
				}
				var err error
				if c.tree.randomIndex(2) == 0 {
					err = c.Next()
				} else {
					err = c.Previous()
				}
				if err != nil {
					return err
				}
				landed = c.leaf != nil
				break
			}
			i := c.tree.randomIndex(len(node.children))
			child := node.loadChild(i)
			child.AcquireShared()
			frame.bind(node, i, nil)
			node.ReleaseShared()
			parentFrame = frame
			node = child
		}
		if landed {
			return nil
		}
	}
	return c.First()
}

// Compact walks every leaf whose id is <= highestNodeID, left to
// right, invoking observer once per visited leaf under its shared
// latch. highestNodeID bounds the walk to
// pages that existed when the compaction run started, so a page a
// concurrent writer allocates mid-walk (necessarily with a higher id,
// since ids are handed out monotonically) is left for the next run
// instead of being visited before it has settled.
func (c *Cursor) Compact(highestNodeID uint64, observer func(*Node)) error {
	if observer == nil {
		return &errors.ErrInvalidArgument{Reason: "nil observer"}
	}
	c.reset()
	node := c.tree.Root()
	node.AcquireShared()
	var parentFrame *CursorFrame
	for !node.IsLeaf() {
		child := node.loadChild(0)
		child.AcquireShared()
		frame := newFrame(parentFrame)
		frame.bind(node, 0, nil)
		node.ReleaseShared()
		parentFrame = frame
		node = child
	}
	frame := newFrame(parentFrame)
	frame.bind(node, 0, nil)
	c.leaf = frame

	for {
		leaf := c.leaf.node
		leaf.AcquireShared()
		if leaf.id <= highestNodeID {
			observer(leaf)
		}
		leaf.ReleaseShared()
		if !c.ascendToNextCousin() {
			c.leaf.unbind()
			c.leaf = nil
			return nil
		}
	}
}

// Verify walks the tree in key order checking the structural
// invariants and reporting the first violation found.
func (c *Cursor) Verify() error {
	root := c.tree.Root()
	return verifyNode(root, nil, nil, true, true)
}

func verifyNode(n *Node, lowBound, highBound types.Key, isLow, isHigh bool) error {
	n.AcquireShared()
	defer n.ReleaseShared()

	if !n.keysAreSorted() {
		return &errors.CorruptionError{Detail: "keys out of order"}
	}
	if isLow != n.typ.IsLowExtremity() {
		return &errors.CorruptionError{Detail: "low extremity flag mismatch"}
	}
	if isHigh != n.typ.IsHighExtremity() {
		return &errors.CorruptionError{Detail: "high extremity flag mismatch"}
	}
	if lowBound != nil && len(n.keys) > 0 && n.keys[0].Compare(lowBound) < 0 {
		return &errors.CorruptionError{Detail: "key below parent lower bound"}
	}
	if highBound != nil && len(n.keys) > 0 && n.keys[len(n.keys)-1].Compare(highBound) >= 0 {
		return &errors.CorruptionError{Detail: "key above parent upper bound"}
	}

	if n.IsLeaf() {
		return nil
	}
	for i, child := range n.children {
		childIsLow := isLow && i == 0
		childIsHigh := isHigh && i == len(n.children)-1
		var lo, hi types.Key
		if i > 0 {
			lo = n.keys[i-1]
		} else {
			lo = lowBound
		}
		if i < len(n.keys) {
			hi = n.keys[i]
		} else {
			hi = highBound
		}
		if err := verifyNode(child, lo, hi, childIsLow, childIsHigh); err != nil {
			return err
		}
	}
	return nil
}
