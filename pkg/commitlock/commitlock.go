// Package commitlock implements btree.CommitLock: the tree-wide
// readers-writer lock that separates ordinary structural mutations
// (which only need a consistent view of the tree, held shared) from a
// checkpoint's full snapshot (held exclusive). It is a single
// tree-wide sync.RWMutex narrowed in scope from "the whole tree" to
// "is a checkpoint in progress": node-level latching (pkg/latch) does
// the structural-mutation serialization.
package commitlock

import "sync"

// Lock is the default btree.CommitLock.
type Lock struct {
	mu sync.RWMutex
}

func New() *Lock { return &Lock{} }

func (l *Lock) TryAcquireShared() bool { return l.mu.TryRLock() }
func (l *Lock) AcquireShared()         { l.mu.RLock() }
func (l *Lock) ReleaseShared()         { l.mu.RUnlock() }
func (l *Lock) AcquireExclusive()      { l.mu.Lock() }
func (l *Lock) ReleaseExclusive()      { l.mu.Unlock() }
