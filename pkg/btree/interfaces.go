package btree

import "github.com/latchtree/latchtree/pkg/types"

// Cache is the buffer cache / node loader collaborator.
// nodeMapGet-equivalent lookups are non-blocking; LoadChild blocks
// (it may perform I/O) and returns the child unlatched.
type Cache interface {
	// NodeMapGet is a non-blocking, racy-with-eviction lookup.
	NodeMapGet(treeID, pageID uint64) *Node
	// LoadChild loads a node, returning it unlatched; the caller
	// latches it themselves as part of the coupling protocol.
	LoadChild(treeID, pageID uint64) *Node
	AllocPageID(treeID uint64) uint64
	MarkDirty(tree *BTree, n *Node)
	ShouldMarkDirty(n *Node) bool
	PrepareToDelete(n *Node)
	DeleteNode(n *Node)
}

// CommitLock is the tree-wide readers-writer lock separating
// structural mutations (shared) from checkpoint snapshots (exclusive).
type CommitLock interface {
	TryAcquireShared() bool
	AcquireShared()
	ReleaseShared()
	AcquireExclusive()
	ReleaseExclusive()
}

// LockMode enumerates the isolation levels a Txn can request.
type LockMode int

const (
	LockModeReadUncommitted LockMode = iota
	LockModeReadCommitted
	LockModeRepeatableRead
	LockModeUpgradable
	LockModeExclusive
	LockModeUnsafe
)

// NoReadLock reports whether this mode never acquires a lock to read.
func (m LockMode) NoReadLock() bool {
	return m == LockModeReadUncommitted || m == LockModeUnsafe
}

// Repeatable reports whether this mode holds read locks to commit.
func (m LockMode) Repeatable() bool {
	return m == LockModeRepeatableRead || m == LockModeUpgradable || m == LockModeExclusive
}

// Txn is the transaction object handed to Cursor operations. The
// distinguished "autocommit" transaction is modeled as a variant
// (Bogus() returning true). Cursor also accepts a nil Txn, and its
// call sites check for nil before consulting one.
type Txn interface {
	ID() uint64
	Mode() LockMode
	Bogus() bool
}

// LockManager is the key-level lock table collaborator.
type LockManager interface {
	Hash(treeID uint64, key types.Key) int64
	IsLockAvailable(txn Txn, treeID uint64, key types.Key, hash int64) bool
	TryLock(mode LockMode, txn Txn, treeID uint64, key types.Key, hash int64) (bool, error)
	Lock(mode LockMode, txn Txn, treeID uint64, key types.Key, hash int64, timeoutNanos int64) error
	LockShared(txn Txn, treeID uint64, key types.Key, hash int64, timeoutNanos int64) error
	LockExclusive(txn Txn, treeID uint64, key types.Key, hash int64, timeoutNanos int64) error
	Unlock(txn Txn, treeID uint64, key types.Key, hash int64)
	UnlockToUpgradable(txn Txn, treeID uint64, key types.Key, hash int64)
}

// RedoLog is the write-ahead durability collaborator. Cursor's
// redoStore calls TreeRedoStore when no transaction or the bogus one
// is attached, and TxnRedoStore otherwise; this package never calls
// TreeRedoStoreNoLock or TxnStoreCommit.
type RedoLog interface {
	TreeRedoStore(treeID uint64, key types.Key, value types.Value) (commitPos int64, err error)
	TreeRedoStoreNoLock(treeID uint64, key types.Key, value types.Value) error
	TxnRedoStore(txn Txn, treeID uint64, key types.Key, value types.Value) error
	TxnStoreCommit(txn Txn, key types.Key, value types.Value) (commitPos int64, err error)
}

// Confirmer awaits durability past a commit log position.
// pkg/redo.Log implements it; nothing in this package calls it.
type Confirmer interface {
	Confirm(position int64, timeoutNanos int64) error
}

// Replicator is the slice of pkg/replication's fuller interface this
// package actually calls: BTree.FinishCheckpoint
// reports a durable snapshot position once a checkpoint lands, and
// Cursor's redo hand-off forwards a replica's applied write onward
// when this tree is itself feeding a downstream replica. Declared
// locally, rather than importing pkg/replication, purely to keep this
// package's dependency edges pointing outward only.
type Replicator interface {
	Checkpointed(position int64) error
	Forward(position int64, data []byte) error
}
