package btree

import (
	"github.com/latchtree/latchtree/pkg/page"
	"github.com/latchtree/latchtree/pkg/types"
)

// Split is the transient descriptor attached to a node that has
// produced a sibling but whose separator is not yet promoted into the
// parent. actualKey.IsInline() replaces a reference-equality check
// between actualKey and fullKey seen elsewhere for the same purpose.
type Split struct {
	splitRight bool
	sibling    *Node
	fullKey    types.Key
	actualKey  page.SeparatorKey
}

func (s *Split) SplitRight() bool         { return s.splitRight }
func (s *Split) Sibling() *Node           { return s.sibling }
func (s *Split) FullKey() types.Key       { return s.fullKey }
func (s *Split) ActualKey() page.SeparatorKey { return s.actualKey }

// Compare returns the sign of k - fullKey.
func (s *Split) Compare(k types.Key) int {
	return k.Compare(s.fullKey)
}

// selectNode picks which half of a split node a search for key should
// use, latching the sibling if needed. Callers must already hold n
// latched (shared or exclusive); on return exactly one of (n, sibling)
// is the one the caller should continue with, and if it returned
// sibling, sibling is latched in the same mode n was and the caller is
// responsible for releasing n itself.
func (s *Split) selectNode(n *Node, key types.Key, exclusive bool) *Node {
	if s.Compare(key) >= 0 {
		// key sits in the "upper" half.
		if s.splitRight {
			if exclusive {
				s.sibling.AcquireExclusive()
			} else {
				s.sibling.AcquireShared()
			}
			return s.sibling
		}
		return n
	}
	if s.splitRight {
		return n
	}
	if exclusive {
		s.sibling.AcquireExclusive()
	} else {
		s.sibling.AcquireShared()
	}
	return s.sibling
}

// binarySearchLeaf searches both halves of a mid-split leaf and
// returns a position as if the node had not split. It never latches the sibling: it only needs to read its
// keys, which are stable once produced by splitLeaf until finishSplit
// clears n.split, and finishSplit requires n's own exclusive latch to
// do that, which the caller here already holds (shared is sufficient
// since the sibling's key slice itself is never mutated again after
// the split that created it, only its split pointer, and a reader
// ignores an unrelated split on the sibling for this purpose).
func (s *Split) binarySearchLeaf(n *Node, key types.Key) int {
	sib := s.sibling
	if s.splitRight {
		if s.Compare(key) >= 0 {
			pos := binarySearch(sib.keys, key)
			return s.encodeSiblingPos(n, pos)
		}
		return binarySearch(n.keys, key)
	}
	if s.Compare(key) < 0 {
		pos := binarySearch(sib.keys, key)
		return s.encodeSiblingPos(n, pos)
	}
	return binarySearch(n.keys, key)
}

// encodeSiblingPos maps a position found in the sibling back into "as
// if unsplit" coordinates: past every key retained in n.
func (s *Split) encodeSiblingPos(n *Node, siblingPos int) int {
	base := len(n.keys)
	if siblingPos >= 0 {
		return base + siblingPos
	}
	insertPoint := ^siblingPos
	return ^(base + insertPoint)
}

// highestPos returns the position of the last key "as if unsplit",
// used by Cursor.Last while a node is mid-split.
func (s *Split) highestPos(n *Node) int {
	if s.splitRight {
		return len(n.keys) + len(s.sibling.keys) - 1
	}
	return len(s.sibling.keys) + len(n.keys) - 1
}

// rebindFrames remaps every CursorFrame bound to original (the node
// that just produced s as its Split): a frame whose position lies
// within the retained half stays; one past the cut moves to the
// sibling with its position reduced by the number of retained slots
// (entries in a leaf, child slots in an internal node). The caller
// holds original exclusively latched, which serializes this against
// concurrent frame (de)registration.
func (s *Split) rebindFrames(original *Node) {
	retained := len(original.keys) // after the split, how many stayed
	if !original.IsLeaf() {
		// Frames on an internal node address child slots, and one more
		// child than separator stays behind.
		retained = len(original.children)
	}
	sibling := s.sibling

	var toMove []*CursorFrame
	original.forEachFrame(func(f *CursorFrame) {
		if s.frameBelongsToSibling(f, retained) {
			toMove = append(toMove, f)
		}
	})

	for _, f := range toMove {
		original.removeCursorFrame(f)
		if f.nodePos >= 0 {
			f.nodePos -= retained
		} else {
			insertPoint := ^f.nodePos
			f.nodePos = ^(insertPoint - retained)
		}
		f.node = sibling
		sibling.addCursorFrame(f)
	}
}

// frameBelongsToSibling decides, for a frame still bound to the
// pre-rebind original node, whether its logical position (in the
// "as if unsplit" numbering that existed right before this split)
// falls past the cut. notFoundKey resolves the boundary case for a
// not-found frame landing exactly at the split point.
func (s *Split) frameBelongsToSibling(f *CursorFrame, retained int) bool {
	if f.nodePos >= 0 {
		return f.nodePos >= retained
	}
	insertPoint := ^f.nodePos
	if insertPoint > retained {
		return true
	}
	if insertPoint < retained {
		return false
	}
	// Exactly at the boundary: use notFoundKey to decide which side
	// the missing key would have landed on.
	if f.notFoundKey == nil {
		return false
	}
	return f.notFoundKey.Compare(s.fullKey) >= 0
}
