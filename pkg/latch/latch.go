// Package latch implements the short-duration, node-level mutex used
// by the core B+tree for latch coupling: shared/exclusive modes, non-
// blocking try-variants, and an atomic shared-to-exclusive upgrade
// that never blocks (it fails instead, forcing the caller to release
// and re-acquire).
//
// This generalizes a per-node sync.RWMutex into a standalone primitive with
// the extra operations the cursor machinery needs. It keeps the usual
// B-link SpinLatch's share-count-plus-exclusive-flag design, but built
// on sync.Cond rather than a spin loop so a blocked goroutine actually
// parks instead of burning CPU.
package latch

import "sync"

// Latch is a reader/writer latch with try-acquire and upgrade/downgrade.
type Latch struct {
	mu      sync.Mutex
	cond    *sync.Cond
	readers int
	excl    bool
}

// New returns a ready-to-use Latch.
func New() *Latch {
	l := &Latch{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// AcquireShared blocks until a shared hold is available.
func (l *Latch) AcquireShared() {
	l.mu.Lock()
	for l.excl {
		l.cond.Wait()
	}
	l.readers++
	l.mu.Unlock()
}

// TryAcquireShared acquires a shared hold only if it would not block.
func (l *Latch) TryAcquireShared() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.excl {
		return false
	}
	l.readers++
	return true
}

// ReleaseShared releases one shared hold.
func (l *Latch) ReleaseShared() {
	l.mu.Lock()
	l.readers--
	if l.readers < 0 {
		l.mu.Unlock()
		panic("latch: ReleaseShared without a matching AcquireShared")
	}
	if l.readers == 0 {
		l.cond.Broadcast()
	}
	l.mu.Unlock()
}

// AcquireExclusive blocks until no shared or exclusive holder remains.
func (l *Latch) AcquireExclusive() {
	l.mu.Lock()
	for l.excl || l.readers > 0 {
		l.cond.Wait()
	}
	l.excl = true
	l.mu.Unlock()
}

// TryAcquireExclusive acquires an exclusive hold only if it would not block.
func (l *Latch) TryAcquireExclusive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.excl || l.readers > 0 {
		return false
	}
	l.excl = true
	return true
}

// ReleaseExclusive releases the exclusive hold.
func (l *Latch) ReleaseExclusive() {
	l.mu.Lock()
	if !l.excl {
		l.mu.Unlock()
		panic("latch: ReleaseExclusive without a matching AcquireExclusive")
	}
	l.excl = false
	l.cond.Broadcast()
	l.mu.Unlock()
}

// TryUpgrade attempts to convert the caller's shared hold into the
// sole exclusive hold without blocking. It fails (returning false,
// leaving the shared hold intact) if any other shared holder exists.
// The cursor machinery never attempts this while holding another
// latch, and on failure must release and re-acquire rather than wait
// here.
func (l *Latch) TryUpgrade() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readers != 1 || l.excl {
		return false
	}
	l.readers = 0
	l.excl = true
	return true
}

// Downgrade converts the caller's exclusive hold into a single shared hold.
func (l *Latch) Downgrade() {
	l.mu.Lock()
	if !l.excl {
		l.mu.Unlock()
		panic("latch: Downgrade without an exclusive hold")
	}
	l.excl = false
	l.readers = 1
	l.cond.Broadcast()
	l.mu.Unlock()
}
