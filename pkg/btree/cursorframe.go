package btree

import "github.com/latchtree/latchtree/pkg/types"

// CursorFrame is one level of a cursor's position stack.
// nodePos >= 0 points at an existing entry; nodePos = ^insertPoint
// encodes "not found, would insert at insertPoint". notFoundKey
// remembers the key the cursor was positioned at when not found, so a
// concurrent insert at the same slot can be classified.
type CursorFrame struct {
	node        *Node
	nodePos     int
	notFoundKey types.Key

	parentFrame *CursorFrame

	// Intrusive per-node sibling list, anchored at node.lastCursorFrame.
	prevCousin *CursorFrame
	nextCousin *CursorFrame
}

func newFrame(parent *CursorFrame) *CursorFrame {
	return &CursorFrame{parentFrame: parent}
}

// bind attaches the frame to node at the given search result and
// registers it on node's cursor-frame list. The caller holds node
// latched.
func (f *CursorFrame) bind(node *Node, pos int, key types.Key) {
	f.node = node
	f.nodePos = pos
	if pos < 0 {
		f.notFoundKey = key
	} else {
		f.notFoundKey = nil
	}
	node.addCursorFrame(f)
}

// unbind removes the frame from its node's cursor-frame list without
// releasing the node's latch (the caller may or may not be holding
// it; unbind only touches the intrusive list, which is only mutated
// under the node's own exclusive latch per the invariant in node.go).
func (f *CursorFrame) unbind() {
	if f.node != nil {
		f.node.removeCursorFrame(f)
		f.node = nil
	}
}

// Found reports whether nodePos addresses an existing entry.
func (f *CursorFrame) Found() bool { return f.nodePos >= 0 }

// InsertPoint returns the position a missing key would be inserted
// at; only meaningful when !Found().
func (f *CursorFrame) InsertPoint() int {
	if f.nodePos >= 0 {
		return f.nodePos
	}
	return ^f.nodePos
}
