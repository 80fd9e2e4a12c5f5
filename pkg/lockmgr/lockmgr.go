// Package lockmgr implements btree.LockManager: a striped, hash-keyed
// lock table granting per-key shared/exclusive/upgradable locks to
// transactions, with a simple wait-for-graph deadlock check before a
// blocking acquire parks. It generalizes a single TransactionRegistry
// (which only tracked snapshot visibility, no locking) into the full
// key-lock table multiple isolation levels need, hashing keys with
// cespare/xxhash instead of a Go map's
// built-in string hash so the hash is stable across process restarts
// (recovery replays the same hash for the same key).
package lockmgr

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/latchtree/latchtree/pkg/btree"
	"github.com/latchtree/latchtree/pkg/errors"
	"github.com/latchtree/latchtree/pkg/types"
)

// holder records one transaction's grant on a key.
type holder struct {
	txnID uint64
	mode  btree.LockMode
}

type entry struct {
	mu      sync.Mutex
	cond    *sync.Cond
	holders []holder
	waiters map[uint64]uint64 // waiting txnID -> blocking txnID, for cycle detection
}

// Manager is the default btree.LockManager.
type Manager struct {
	mu      sync.Mutex
	entries map[int64]*entry
}

func New() *Manager {
	return &Manager{entries: make(map[int64]*entry)}
}

func (m *Manager) Hash(treeID uint64, key types.Key) int64 {
	h := xxhash.New()
	var tidBuf [8]byte
	tidBuf[0] = byte(treeID)
	tidBuf[1] = byte(treeID >> 8)
	tidBuf[2] = byte(treeID >> 16)
	tidBuf[3] = byte(treeID >> 24)
	tidBuf[4] = byte(treeID >> 32)
	tidBuf[5] = byte(treeID >> 40)
	tidBuf[6] = byte(treeID >> 48)
	tidBuf[7] = byte(treeID >> 56)
	h.Write(tidBuf[:])
	h.Write(key)
	return int64(h.Sum64())
}

func (m *Manager) entryFor(hash int64) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[hash]
	if !ok {
		e = &entry{waiters: make(map[uint64]uint64)}
		e.cond = sync.NewCond(&e.mu)
		m.entries[hash] = e
	}
	return e
}

// compatible reports whether a new lock in `mode` for `txnID` can
// coexist with the current holders of e. Multiple shared/read-mode
// holders are compatible with each other; any exclusive-style mode
// conflicts with everything but the requester's own prior holds.
func compatible(holders []holder, txnID uint64, mode btree.LockMode) bool {
	wantsExclusive := mode == btree.LockModeExclusive
	for _, h := range holders {
		if h.txnID == txnID {
			continue
		}
		if wantsExclusive || h.mode == btree.LockModeExclusive {
			return false
		}
		if mode == btree.LockModeUpgradable && h.mode == btree.LockModeUpgradable {
			return false
		}
	}
	return true
}

func (m *Manager) IsLockAvailable(txn btree.Txn, treeID uint64, key types.Key, hash int64) bool {
	e := m.entryFor(hash)
	e.mu.Lock()
	defer e.mu.Unlock()
	return compatible(e.holders, txn.ID(), txn.Mode())
}

// TryLock attempts a non-blocking acquire in mode.
func (m *Manager) TryLock(mode btree.LockMode, txn btree.Txn, treeID uint64, key types.Key, hash int64) (bool, error) {
	e := m.entryFor(hash)
	e.mu.Lock()
	defer e.mu.Unlock()
	if !compatible(e.holders, txn.ID(), mode) {
		return false, nil
	}
	e.grantLocked(txn.ID(), mode)
	return true, nil
}

func (e *entry) grantLocked(txnID uint64, mode btree.LockMode) {
	for i, h := range e.holders {
		if h.txnID == txnID {
			e.holders[i].mode = mode
			return
		}
	}
	e.holders = append(e.holders, holder{txnID: txnID, mode: mode})
}

// Lock blocks up to timeoutNanos for a compatible grant, returning
// LockTimeoutError on expiry and DeadlockError if waiting would close
// a cycle in the wait-for graph. A zero timeout fails at once instead
// of waiting; a negative timeout waits without limit.
func (m *Manager) Lock(mode btree.LockMode, txn btree.Txn, treeID uint64, key types.Key, hash int64, timeoutNanos int64) error {
	e := m.entryFor(hash)
	deadline := time.Now().Add(time.Duration(timeoutNanos))

	e.mu.Lock()
	defer e.mu.Unlock()

	for !compatible(e.holders, txn.ID(), mode) {
		if m.wouldDeadlock(e, txn.ID()) {
			return &errors.DeadlockError{TreeID: treeID}
		}
		if timeoutNanos == 0 {
			return &errors.LockTimeoutError{TreeID: treeID, Timeout: 0}
		}

		// waitDone stays nil for a negative (unbounded) timeout, so the
		// select below never takes the expiry branch.
		var waitDone chan struct{}
		var timer *time.Timer
		if timeoutNanos > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return &errors.LockTimeoutError{TreeID: treeID, Timeout: time.Duration(timeoutNanos)}
			}
			done := make(chan struct{})
			waitDone = done
			timer = time.AfterFunc(remaining, func() {
				e.mu.Lock()
				close(done)
				e.cond.Broadcast()
				e.mu.Unlock()
			})
		}
		e.waiters[txn.ID()] = firstOtherHolder(e.holders, txn.ID())
		e.cond.Wait()
		delete(e.waiters, txn.ID())
		if timer != nil {
			timer.Stop()
		}

		select {
		case <-waitDone:
			if !compatible(e.holders, txn.ID(), mode) {
				return &errors.LockTimeoutError{TreeID: treeID, Timeout: time.Duration(timeoutNanos)}
			}
		default:
		}
	}

	e.grantLocked(txn.ID(), mode)
	return nil
}

func firstOtherHolder(holders []holder, txnID uint64) uint64 {
	for _, h := range holders {
		if h.txnID != txnID {
			return h.txnID
		}
	}
	return 0
}

// wouldDeadlock walks the wait-for graph starting from every
// transaction currently blocking txnID, reporting true if it leads
// back to txnID. Called with e locked; other entries' waiter maps are
// read under the manager's own lock to keep this check bounded.
func (m *Manager) wouldDeadlock(e *entry, txnID uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	visited := map[uint64]bool{txnID: true}
	var stack []uint64
	for _, h := range e.holders {
		if h.txnID != txnID {
			stack = append(stack, h.txnID)
		}
	}

	for len(stack) > 0 {
		n := len(stack) - 1
		cur := stack[n]
		stack = stack[:n]
		if visited[cur] {
			continue
		}
		if cur == txnID {
			return true
		}
		visited[cur] = true
		for _, other := range m.entries {
			other.mu.Lock()
			if blocking, waiting := other.waiters[cur]; waiting {
				stack = append(stack, blocking)
			}
			other.mu.Unlock()
		}
	}
	return false
}

func (m *Manager) LockShared(txn btree.Txn, treeID uint64, key types.Key, hash int64, timeoutNanos int64) error {
	return m.Lock(btree.LockModeReadCommitted, txn, treeID, key, hash, timeoutNanos)
}

func (m *Manager) LockExclusive(txn btree.Txn, treeID uint64, key types.Key, hash int64, timeoutNanos int64) error {
	return m.Lock(btree.LockModeExclusive, txn, treeID, key, hash, timeoutNanos)
}

func (m *Manager) Unlock(txn btree.Txn, treeID uint64, key types.Key, hash int64) {
	e := m.entryFor(hash)
	e.mu.Lock()
	for i, h := range e.holders {
		if h.txnID == txn.ID() {
			e.holders = append(e.holders[:i], e.holders[i+1:]...)
			break
		}
	}
	e.mu.Unlock()
	e.cond.Broadcast()
}

func (m *Manager) UnlockToUpgradable(txn btree.Txn, treeID uint64, key types.Key, hash int64) {
	e := m.entryFor(hash)
	e.mu.Lock()
	e.grantLocked(txn.ID(), btree.LockModeUpgradable)
	e.mu.Unlock()
	e.cond.Broadcast()
}
