// Package mvcc implements snapshot read visibility over values stored
// in pkg/heap, addressed from leaf entries via page.Pointer. It is
// grounded on pkg/storage/engine.go's IsVisible method and
// pkg/storage/transaction_manager.go's TransactionRegistry, rewritten
// to walk version chains in pkg/heap instead of a single bson.D
// stored directly in a leaf. It does not read through pkg/btree.
package mvcc

import (
	"sync"
	"sync/atomic"

	"github.com/latchtree/latchtree/pkg/heap"
	"github.com/latchtree/latchtree/pkg/page"
)

// Snapshot is the read view a transaction observes: a version is
// visible iff CreateLSN <= LSN and (DeleteLSN == 0 || DeleteLSN > LSN).
type Snapshot struct {
	LSN uint64
}

// Registry tracks every active snapshot so Vacuum knows the oldest
// LSN any reader still depends on, mirroring
// TransactionRegistry.minActiveLSN bookkeeping.
type Registry struct {
	mu      sync.Mutex
	nextLSN atomic.Uint64
	active  map[*Snapshot]struct{}
}

func NewRegistry() *Registry {
	return &Registry{active: make(map[*Snapshot]struct{})}
}

// NextLSN hands out a monotonically increasing sequence number for a
// new write's CreateLSN/DeleteLSN.
func (r *Registry) NextLSN() uint64 {
	return r.nextLSN.Add(1)
}

// Begin opens a new snapshot pinned at the registry's current LSN.
func (r *Registry) Begin() *Snapshot {
	snap := &Snapshot{LSN: r.nextLSN.Load()}
	r.mu.Lock()
	r.active[snap] = struct{}{}
	r.mu.Unlock()
	return snap
}

// End releases a snapshot, allowing Vacuum to reclaim versions it was
// the last reader of.
func (r *Registry) End(snap *Snapshot) {
	r.mu.Lock()
	delete(r.active, snap)
	r.mu.Unlock()
}

// MinActiveLSN returns the oldest LSN any open snapshot still needs,
// or the registry's current LSN if nothing is active.
func (r *Registry) MinActiveLSN() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	min := r.nextLSN.Load()
	for snap := range r.active {
		if snap.LSN < min {
			min = snap.LSN
		}
	}
	return min
}

// IsVisible reports whether a heap record header is visible to a
// reader holding snap, following engine.go's semantics.
func IsVisible(snap *Snapshot, hdr *heap.RecordHeader) bool {
	if hdr.CreateLSN > snap.LSN {
		return false
	}
	if !hdr.Valid && hdr.DeleteLSN != 0 && hdr.DeleteLSN <= snap.LSN {
		return false
	}
	return true
}

// Resolve walks a version chain rooted at head, starting from the
// most recent version, returning the first one visible to snap.
// Returns ok=false if no version in the chain is visible.
func Resolve(h *heap.HeapManager, snap *Snapshot, head page.Pointer) (doc []byte, ok bool, err error) {
	ptr := head
	for ptr.PageID != 0 {
		data, hdr, rerr := h.PageGet(ptr)
		if rerr != nil {
			return nil, false, rerr
		}
		if IsVisible(snap, hdr) {
			return data, true, nil
		}
		if hdr.PrevOffset < 0 {
			break
		}
		ptr = page.Pointer{PageID: uint64(hdr.PrevOffset) + 1}
	}
	return nil, false, nil
}
