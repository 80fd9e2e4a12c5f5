package btree

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	xrand "golang.org/x/exp/rand"

	"github.com/latchtree/latchtree/pkg/errors"
	"github.com/latchtree/latchtree/pkg/page"
	"github.com/latchtree/latchtree/pkg/types"
)

// Options configures the entry-count-based node capacity this
// repository uses in place of byte-budget page fill (see DESIGN.md
// for why: a structured Node has no byte size to measure without
// first picking a serialization, which pkg/page provides only at the
// pagecache boundary).
type Options struct {
	// MaxEntries is the per-node capacity before a split is triggered.
	MaxEntries int
	// MinFill is the per-node floor before a merge is triggered.
	// Must be < MaxEntries/2 to avoid split/merge thrashing.
	MinFill int
	// LockTimeoutNanos bounds how long Cursor's key-lock calls
	// (lockAndCopyIfExists, FindAndStore, FindAndModify) block on the
	// key lock manager before giving up. Zero gives up at once when the
	// lock is held elsewhere; a negative value waits without limit.
	LockTimeoutNanos int64
}

// DefaultOptions mirrors NewTree(t)'s default balance (T=32 => max 63
// entries) scaled to this package's naming.
func DefaultOptions() Options {
	return Options{MaxEntries: 63, MinFill: 16, LockTimeoutNanos: int64(5 * time.Second)}
}

// BTree is the root holder and structural-change coordinator: it
// finishes splits/merges, marks nodes dirty, and interacts with the
// page cache and commit lock. It generalizes BPlusTree, which
// protected the whole tree with one sync.RWMutex and finished splits
// inline during descent; here each node is latched independently and
// a split is a first-class, observable, finishable state.
type BTree struct {
	id uint64

	rootMu atomic.Pointer[Node] // holds the current root, swapped on root split/collapse

	cache      Cache
	commitLock CommitLock
	lockMgr    LockManager
	redo       RedoLog

	replicator  Replicator
	replicaMode bool

	opts Options

	nextPageID atomic.Uint64
	rng        *xrand.Rand
	rngMu      sync.Mutex
}

// randomIndex returns a pseudo-random index in [0, n), guarded by
// rngMu since xrand.Rand (like math/rand's legacy Source) isn't safe
// for concurrent use on its own.
func (t *BTree) randomIndex(n int) int {
	if n <= 0 {
		return 0
	}
	t.rngMu.Lock()
	defer t.rngMu.Unlock()
	return t.rng.Intn(n)
}

// RandomNode returns a pseudo-randomly chosen node from a
// bottom-internal level's children, biased toward a child the cache
// hasn't paged in yet so a background scan
// spreads its I/O instead of repeatedly landing on already-hot pages.
func (t *BTree) RandomNode() *Node {
	node := t.Root()
	node.AcquireShared()
	for !node.IsLeaf() && !node.typ.IsBottomInternal() {
		i := t.randomIndex(len(node.children))
		child := node.loadChild(i)
		child.AcquireShared()
		node.ReleaseShared()
		node = child
	}
	if node.IsLeaf() {
		node.ReleaseShared()
		return node
	}
	defer node.ReleaseShared()
	return t.pickChildBiased(node)
}

// pickChildBiased favors a not-yet-paged-in child slot, re-rolling up
// to twice before falling back to a sequential scan for the first cold
// slot and, failing that, any slot at all.
func (t *BTree) pickChildBiased(node *Node) *Node {
	n := len(node.children)
	if n == 0 {
		return node
	}
	for attempt := 0; attempt < 2; attempt++ {
		i := t.randomIndex(n)
		if node.children[i] == nil {
			return node.loadChild(i)
		}
	}
	for i := 0; i < n; i++ {
		if node.children[i] == nil {
			return node.loadChild(i)
		}
	}
	return node.loadChild(t.randomIndex(n))
}

// SetReplicator attaches the replication collaborator used by
// FinishCheckpoint and Cursor's redo hand-off. replica
// marks this tree as itself applying upstream writes (so its own
// writes are forwarded downstream rather than originated); a primary
// passes false and only ever receives Checkpointed calls.
func (t *BTree) SetReplicator(r Replicator, replica bool) {
	t.replicator = r
	t.replicaMode = replica
}

// FinishCheckpoint reports position (the LSN of a just-durable
// snapshot) to the attached Replicator, a no-op if none is attached.
// Called by pkg/checkpoint once Coordinator.Create has renamed the
// manifest into place.
func (t *BTree) FinishCheckpoint(position uint64) error {
	if t.replicator == nil {
		return nil
	}
	return t.replicator.Checkpointed(int64(position))
}

// New creates a tree with a single empty leaf as its root.
func New(id uint64, cache Cache, commitLock CommitLock, lockMgr LockManager, redo RedoLog, opts Options) *BTree {
	t := &BTree{
		id:         id,
		cache:      cache,
		commitLock: commitLock,
		lockMgr:    lockMgr,
		redo:       redo,
		opts:       opts,
		rng:        xrand.New(xrand.NewSource(uint64(rand.Int63()))),
	}
	root := NewLeaf(t.allocPageID())
	root.tree = t
	root.setLowExtremity(true)
	root.setHighExtremity(true)
	t.rootMu.Store(root)
	return t
}

func (t *BTree) ID() uint64 { return t.id }

func (t *BTree) Root() *Node { return t.rootMu.Load() }

func (t *BTree) setRoot(n *Node) { t.rootMu.Store(n) }

func (t *BTree) allocPageID() uint64 {
	if t.cache != nil {
		return t.cache.AllocPageID(t.id)
	}
	return t.nextPageID.Add(1)
}

// markDirty marks n dirty via the page cache collaborator, or
// locally if no cache is attached (in-memory-only trees used by
// tests).
func (t *BTree) markDirty(n *Node) {
	if t.cache != nil {
		t.cache.MarkDirty(t, n)
		return
	}
	n.markDirty(StateDirtyA)
}

func (t *BTree) shouldMarkDirty(n *Node) bool {
	if t.cache != nil {
		return t.cache.ShouldMarkDirty(n)
	}
	return !n.IsDirty()
}

// NewCursor returns an unpositioned cursor bound to this tree.
func (t *BTree) NewCursor(txn Txn) *Cursor {
	return &Cursor{tree: t, txn: txn}
}

// --- Split finishing ------------------------------------

// finishSplit promotes frame.node's pending Split into its parent,
// recursing if the parent itself overflows, and handles the root
// split case by allocating a new root. The caller holds frame.node
// exclusively latched with node.split != nil; on return node.split is
// nil and the caller still holds node exclusively latched (the parent
// chain has been released).
func (t *BTree) finishSplit(frame *CursorFrame, node *Node) error {
	t.commitLock.AcquireShared()
	defer t.commitLock.ReleaseShared()
	return t.finishSplitLocked(frame, node)
}

func (t *BTree) finishSplitLocked(frame *CursorFrame, node *Node) error {
	split := node.split
	if split == nil {
		return nil
	}

	parentFrame := frame.parentFrame
	if parentFrame == nil {
		// Splitting the root: allocate a new root with two children.
		newRoot := newNode(t.allocPageID(), page.TypeInternal)
		newRoot.tree = t
		newRoot.keys = []types.Key{split.fullKey}
		newRoot.children = []*Node{node, split.sibling}
		newRoot.childIDs = []uint64{node.id, split.sibling.id}
		newRoot.separators = []page.SeparatorKey{split.actualKey}
		if node.typ.IsLeaf() {
			newRoot.typ |= page.TypeBottomInternal
		}
		newRoot.setLowExtremity(true)
		newRoot.setHighExtremity(true)
		node.setLowExtremity(node.typ.IsLowExtremity())
		node.setHighExtremity(false)
		split.sibling.setHighExtremity(true)
		node.split = nil
		t.markDirty(newRoot)
		t.setRoot(newRoot)
		return nil
	}

	parent := parentFrame.node
	parent.AcquireExclusive()
	defer parent.ReleaseExclusive()

	if parent.split != nil {
		// The parent is itself mid-split: finish it first, then
		// re-resolve which half now owns our child slot.
		if err := t.finishSplitLocked(parentFrame, parent); err != nil {
			return err
		}
	}

	if err := t.insertSplitChildRef(parent, node, split); err != nil {
		return err
	}
	node.split = nil
	if parent.split != nil {
		// The new separator overflowed parent: promote parent's own
		// split while it is still exclusively held.
		return t.finishSplitLocked(parentFrame, parent)
	}
	return nil
}

// insertSplitChildRef inserts the separator/child-pointer pair
// produced by a child split into parent, splitting parent itself if
// it overflows. The caller holds
// parent exclusively latched.
func (t *BTree) insertSplitChildRef(parent *Node, child *Node, split *Split) error {
	// Locate child's slot by identity rather than key comparison: the
	// separator for `split` belongs immediately after child's current
	// slot regardless of key edge cases at extremities.
	slot := -1
	for i, c := range parent.children {
		if c == child {
			slot = i
			break
		}
	}
	if slot < 0 {
		return &errors.CorruptionError{Detail: "finishSplit: child not found in parent"}
	}

	parent.keys = append(parent.keys, nil)
	copy(parent.keys[slot+1:], parent.keys[slot:])
	parent.keys[slot] = split.fullKey

	parent.separators = append(parent.separators, page.SeparatorKey{})
	copy(parent.separators[slot+1:], parent.separators[slot:])
	parent.separators[slot] = split.actualKey

	parent.children = append(parent.children, nil)
	copy(parent.children[slot+2:], parent.children[slot+1:])
	parent.children[slot+1] = split.sibling

	parent.childIDs = append(parent.childIDs, 0)
	copy(parent.childIDs[slot+2:], parent.childIDs[slot+1:])
	parent.childIDs[slot+1] = split.sibling.id

	t.markDirty(parent)

	if len(parent.keys) > t.opts.MaxEntries {
		parent.splitInternal()
	}
	return nil
}

// --- Merge protocol -------------------------------------

// mergeLeaf merges a leaf that fell below the merge threshold into a
// sibling. The caller holds leaf exclusively latched and
// leafFrame.parentFrame set; on return leaf may have been merged into
// its left sibling (in which case the caller's binding to leaf is
// stale and must be dropped) or left unbalanced.
func (t *BTree) mergeLeaf(leafFrame *CursorFrame) error {
	t.commitLock.AcquireShared()
	defer t.commitLock.ReleaseShared()
	return t.mergeNodeLocked(leafFrame, true)
}

// mergeInternal is the bottom-internal-and-up analogue of mergeLeaf.
func (t *BTree) mergeInternal(frame *CursorFrame) error {
	t.commitLock.AcquireShared()
	defer t.commitLock.ReleaseShared()
	return t.mergeNodeLocked(frame, false)
}

// mergeNodeLocked is written as an explicit loop bounded by tree
// height rather than tail recursion, walking upward for as long as the
// parent itself falls below threshold after absorbing a merge.
func (t *BTree) mergeNodeLocked(frame *CursorFrame, leaf bool) error {
	for {
		node := frame.node
		parentFrame := frame.parentFrame
		if parentFrame == nil {
			// Root below threshold: only collapse if it has exactly
			// one child and no keys.
			if !node.IsLeaf() && len(node.keys) == 0 && len(node.children) == 1 {
				t.rootDelete(node)
			}
			node.ReleaseExclusive()
			return nil
		}

		parent := parentFrame.node
		parent.AcquireExclusive()
		if parent.split != nil {
			if err := t.finishSplitLocked(parentFrame, parent); err != nil {
				parent.ReleaseExclusive()
				return err
			}
		}

		slot := -1
		for i, c := range parent.children {
			if c == node {
				slot = i
				break
			}
		}
		if slot < 0 {
			parent.ReleaseExclusive()
			node.ReleaseExclusive()
			return nil // already merged away by a concurrent merger
		}

		var left, right *Node
		if slot > 0 {
			left = parent.loadChild(slot - 1)
			left.AcquireExclusive()
		}
		if slot < len(parent.children)-1 {
			right = parent.loadChild(slot + 1)
			right.AcquireExclusive()
		}

		if !node.belowMergeThreshold(t.opts.MinFill) {
			// Someone else fixed it up already (e.g. a concurrent
			// insert) while we were acquiring siblings.
			releaseIfSet(left)
			releaseIfSet(right)
			parent.ReleaseExclusive()
			node.ReleaseExclusive()
			return nil
		}

		if left != nil && left.split != nil {
			releaseIfSet(right)
			left.ReleaseExclusive()
			parent.ReleaseExclusive()
			continue // restart: left's split must finish first
		}
		if right != nil && right.split != nil {
			releaseIfSet(left)
			right.ReleaseExclusive()
			parent.ReleaseExclusive()
			continue
		}

		leftSpace := -1
		if left != nil {
			leftSpace = t.opts.MaxEntries - len(left.keys)
		}
		rightSpace := -1
		if right != nil {
			rightSpace = t.opts.MaxEntries - len(right.keys)
		}

		switch {
		case leftSpace >= len(node.keys) && leftSpace >= rightSpace:
			t.absorb(parent, slot-1, left, node, leaf)
			releaseIfSet(right)
			node.ReleaseExclusive()
			left.ReleaseExclusive()
		case rightSpace >= len(node.keys):
			t.absorb(parent, slot, node, right, leaf)
			releaseIfSet(left)
			right.ReleaseExclusive()
			node.ReleaseExclusive()
		default:
			// Neither sibling has room: leave this node unbalanced
			// rather than forcing a merge elsewhere.
			releaseIfSet(left)
			releaseIfSet(right)
			parent.ReleaseExclusive()
			node.ReleaseExclusive()
			return nil
		}

		t.markDirty(parent)
		belowNow := parent.belowMergeThreshold(t.opts.MinFill) && parentFrame.parentFrame != nil
		rootCollapse := parentFrame.parentFrame == nil && len(parent.keys) == 0 && len(parent.children) == 1
		if !belowNow && !rootCollapse {
			parent.ReleaseExclusive()
			return nil
		}

		// Recurse upward: continue the loop treating parent as node.
		frame = parentFrame
		// parent stays exclusively latched as the new `node` of the
		// next loop iteration; it is released by that iteration's
		// own logic (either via the below-threshold-false return
		// above or by the next absorb/collapse step).
		if rootCollapse && !belowNow {
			t.rootDelete(parent)
			parent.ReleaseExclusive()
			return nil
		}
	}
}

func releaseIfSet(n *Node) {
	if n != nil {
		n.ReleaseExclusive()
	}
}

// absorb moves all of right's entries into left (for an internal pair,
// preceded by the parent separator between them), then removes
// right's slot from parent. Caller holds parent, left and right
// exclusively latched; right is always the node that disappears from
// the tree.
func (t *BTree) absorb(parent *Node, leftSlot int, left, right *Node, leaf bool) {
	origLeftLen := len(left.keys)
	if leaf {
		left.keys = append(left.keys, right.keys...)
		left.values = append(left.values, right.values...)
		left.ghostOwner = append(left.ghostOwner, right.ghostOwner...)
		left.setHighExtremity(right.typ.IsHighExtremity())
		t.rehomeFrames(right, left, origLeftLen)
	} else {
		sep := parent.keys[leftSlot]
		left.keys = append(left.keys, sep)
		left.keys = append(left.keys, right.keys...)
		left.children = append(left.children, right.children...)
		left.childIDs = append(left.childIDs, right.childIDs...)
		left.separators = append(left.separators, right.separators...)
		left.setHighExtremity(right.typ.IsHighExtremity())
		t.rehomeFrames(right, left, origLeftLen+1)
	}

	parent.keys = append(parent.keys[:leftSlot], parent.keys[leftSlot+1:]...)
	parent.separators = append(parent.separators[:leftSlot], parent.separators[leftSlot+1:]...)
	parent.children = append(parent.children[:leftSlot+1], parent.children[leftSlot+2:]...)
	parent.childIDs = append(parent.childIDs[:leftSlot+1], parent.childIDs[leftSlot+2:]...)

	t.markDirty(left)
	t.cache.PrepareToDelete(right)
	t.cache.DeleteNode(right)
}

// rehomeFrames moves every frame still bound to `from` onto `to`,
// shifting nodePos by delta (the number of entries `to` already had
// before absorbing `from`'s entries). Caller holds both exclusively.
func (t *BTree) rehomeFrames(from, to *Node, delta int) {
	var frames []*CursorFrame
	from.forEachFrame(func(f *CursorFrame) { frames = append(frames, f) })
	for _, f := range frames {
		from.removeCursorFrame(f)
		if f.nodePos >= 0 {
			f.nodePos += delta
		} else {
			insertPoint := ^f.nodePos
			f.nodePos = ^(insertPoint + delta)
		}
		f.node = to
		to.addCursorFrame(f)
	}
}

// rootDelete collapses a one-child, key-less root down a level,
// promoting its sole child as the new root.
func (t *BTree) rootDelete(root *Node) {
	child := root.children[0]
	child.setLowExtremity(true)
	child.setHighExtremity(true)
	t.setRoot(child)
	t.cache.PrepareToDelete(root)
	t.cache.DeleteNode(root)
}
