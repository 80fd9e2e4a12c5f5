// Package latchtree wires the concurrent B+tree core and its
// collaborators together into a single embeddable engine, the same
// role pkg/storage.StorageEngine plays over an unlatched
// btree.BPlusTree: one constructor, a small Options struct, no CLI
// and no environment variable parsing.
package latchtree

import (
	"time"

	"github.com/google/uuid"

	"github.com/latchtree/latchtree/pkg/btree"
	"github.com/latchtree/latchtree/pkg/checkpoint"
	"github.com/latchtree/latchtree/pkg/commitlock"
	"github.com/latchtree/latchtree/pkg/errors"
	"github.com/latchtree/latchtree/pkg/heap"
	"github.com/latchtree/latchtree/pkg/lockmgr"
	"github.com/latchtree/latchtree/pkg/metrics"
	"github.com/latchtree/latchtree/pkg/mvcc"
	"github.com/latchtree/latchtree/pkg/pagecache"
	"github.com/latchtree/latchtree/pkg/redo"
	"github.com/latchtree/latchtree/pkg/replication"
)

// Backend selects which pagecache.Backend a Tree persists pages
// through.
type Backend int

const (
	BackendMemory Backend = iota
	BackendPebble
	BackendMmap
)

// Options configures a Tree. There is no CLI and no environment
// variable parsing; every field has a programmatic default via
// DefaultOptions.
type Options struct {
	MaxEntries    int
	MinFill       int
	Backend       Backend
	BackendPath   string
	RedoLogPath   string
	LockTimeout   time.Duration
	PrometheusReg metrics.Registerer

	// HeapBasePath, if set, opens a pkg/heap.HeapManager at that path
	// prefix so fragmented/large document values have an append-only
	// log to resolve MVCC version chains against and so
	// Vacuum has something to reclaim from. Left unset, Vacuum and the
	// heap-backed value path are unavailable.
	HeapBasePath string

	// CheckpointDir, if set, enables Checkpoint via a
	// checkpoint.Coordinator rooted at that directory.
	CheckpointDir string

	// ReplicationPath, if set, attaches a replication.LocalReplicator
	// backed by that file so FinishCheckpoint and the redo hand-off
	// have somewhere real to ship to. ReplicaMode
	// marks this Tree as itself applying upstream writes, so its own
	// writes are forwarded rather than originated.
	ReplicationPath string
	ReplicaMode     bool
}

// Registerer is satisfied by *prometheus.Registry; kept as a local
// alias so callers outside this package don't need a direct
// prometheus import just to pass nil.
type Registerer = metrics.Registerer

func DefaultOptions() Options {
	return Options{
		MaxEntries:  63,
		MinFill:     16,
		Backend:     BackendMemory,
		RedoLogPath: "latchtree.redo",
		LockTimeout: 5 * time.Second,
	}
}

// Tree bundles a btree.BTree with the collaborators this module
// provides reference implementations for.
type Tree struct {
	BTree      *btree.BTree
	Cache      *pagecache.Cache
	CommitLock *commitlock.Lock
	LockMgr    *lockmgr.Manager
	Redo       *redo.Log
	Metrics    *metrics.Registry
	Heap       *heap.HeapManager
	MVCC       *mvcc.Registry
	checkpoint *checkpoint.Coordinator
	opts       Options
}

// New constructs a Tree with id, selecting the backend and wiring the
// ambient metrics registry per opts.
func New(id uint64, opts Options) (*Tree, error) {
	backend, err := newBackend(opts)
	if err != nil {
		return nil, err
	}

	var reg *metrics.Registry
	if opts.PrometheusReg != nil {
		reg = metrics.NewRegistry(opts.PrometheusReg)
	}

	cache := pagecache.New(backend).WithMetrics(reg)
	lock := commitlock.New()
	locks := lockmgr.New()

	redoLog, err := redo.New(opts.RedoLogPath, redoOptions(opts))
	if err != nil {
		return nil, err
	}
	redoLog.WithMetrics(reg)

	tree := btree.New(id, cache, lock, locks, redoLog, btree.Options{
		MaxEntries:       opts.MaxEntries,
		MinFill:          opts.MinFill,
		LockTimeoutNanos: int64(opts.LockTimeout),
	})

	if opts.ReplicationPath != "" {
		repl, err := replication.NewLocal(opts.ReplicationPath)
		if err != nil {
			return nil, err
		}
		tree.SetReplicator(repl, opts.ReplicaMode)
	}

	var hm *heap.HeapManager
	if opts.HeapBasePath != "" {
		hm, err = heap.NewHeapManager(opts.HeapBasePath)
		if err != nil {
			return nil, err
		}
	}

	var ckpt *checkpoint.Coordinator
	if opts.CheckpointDir != "" {
		ckpt = checkpoint.NewCoordinator(opts.CheckpointDir)
	}

	return &Tree{
		BTree:      tree,
		Cache:      cache,
		CommitLock: lock,
		LockMgr:    locks,
		Redo:       redoLog,
		Metrics:    reg,
		Heap:       hm,
		MVCC:       mvcc.NewRegistry(),
		checkpoint: ckpt,
		opts:       opts,
	}, nil
}

func (t *Tree) Close() error {
	if err := t.Cache.Close(); err != nil {
		return t.closeOnFailure(err)
	}
	if err := t.Redo.Close(); err != nil {
		return t.closeOnFailure(err)
	}
	if t.Heap != nil {
		if err := t.Heap.Close(); err != nil {
			return t.closeOnFailure(err)
		}
	}
	return nil
}

// Vacuum runs pkg/checkpoint.Vacuum over a fresh cursor, physically
// removing the ghost entries it reaches; it applies no snapshot-floor
// bound. It is a no-op returning (0, nil) when no HeapBasePath was
// configured.
func (t *Tree) Vacuum() (int, error) {
	if t.Heap == nil {
		return 0, nil
	}
	cur := t.BTree.NewCursor(nil)
	return checkpoint.Vacuum(cur, t.Heap, t.MVCC)
}

// Checkpoint writes the caller-supplied, already-encoded nodePages as
// the tree's snapshot at lsn via the configured checkpoint.Coordinator,
// returning an error if no CheckpointDir was configured.
func (t *Tree) Checkpoint(lsn uint64, nodePages [][]byte) error {
	if t.checkpoint == nil {
		return &errors.ErrInvalidArgument{Reason: "latchtree: no CheckpointDir configured"}
	}
	return t.checkpoint.Create(t.CommitLock, t.BTree, t.BTree.ID(), lsn, nodePages)
}

// closeOnFailure marks cause as fatal (a fault during a commit-lock-
// protected structural mutation leaves the database unsafe to keep
// using) and reports it to Sentry if InitReporting was called with a
// DSN.
func (t *Tree) closeOnFailure(cause error) error {
	fatal := &errors.FatalError{Cause: cause}
	errors.Report(fatal)
	return fatal
}

// GenerateKey mints a time-ordered transaction or document id, the
// way storage.GenerateKey does with uuid.NewV7.
func GenerateKey() string {
	id, err := uuid.NewV7()
	if err != nil {
		panic(err)
	}
	return id.String()
}
