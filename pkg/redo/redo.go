// Package redo adapts the write-ahead log transport into the
// btree.RedoLog collaborator: every Cursor.Store call that mutates a
// tree is mirrored here before the page cache is allowed to write the
// dirty node back, giving the tree crash durability independent of
// when pages are evicted.
package redo

import (
	"encoding/binary"
	"io"
	"sync"
	"sync/atomic"

	"github.com/golang/snappy"

	"github.com/latchtree/latchtree/pkg/btree"
	"github.com/latchtree/latchtree/pkg/errors"
	"github.com/latchtree/latchtree/pkg/metrics"
	"github.com/latchtree/latchtree/pkg/types"
	"github.com/latchtree/latchtree/pkg/wal"
)

// Log is the default btree.RedoLog implementation: a single
// append-only wal.WALWriter shared by every tree in a database,
// distinguishing trees by the treeID folded into each payload.
// Record payloads are snappy-compressed, since they are small,
// frequent, and dominated by repeated key prefixes in range-heavy
// workloads.
type Log struct {
	mu     sync.Mutex
	writer *wal.WALWriter
	lsn    atomic.Uint64

	txnBuf map[uint64][]pendingWrite
}

type pendingWrite struct {
	treeID uint64
	key    types.Key
	value  types.Value
}

// New opens (or creates) the redo log at path.
func New(path string, opts wal.Options) (*Log, error) {
	w, err := wal.NewWALWriter(path, opts)
	if err != nil {
		return nil, errors.Wrap(err, "redo: open log")
	}
	return &Log{writer: w, txnBuf: make(map[uint64][]pendingWrite)}, nil
}

// WithMetrics attaches a metrics registry to the underlying writer.
func (l *Log) WithMetrics(m *metrics.Registry) *Log {
	l.writer.WithMetrics(m)
	return l
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer.Close()
}

// TreeRedoStore appends a durable record for a non-transactional
// write and returns its commit log position (the LSN assigned).
func (l *Log) TreeRedoStore(treeID uint64, key types.Key, value types.Value) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lsn := l.lsn.Add(1)
	entry, err := encodeEntry(lsn, entryTypeFor(value), treeID, key, value)
	if err != nil {
		return 0, err
	}
	if err := l.writer.WriteEntry(entry); err != nil {
		return 0, errors.Wrap(err, "redo: write entry")
	}
	return int64(lsn), nil
}

// TreeRedoStoreNoLock appends the record through TreeRedoStore, which
// takes the log's lock as usual, and discards the LSN. Nothing in this
// module calls it.
func (l *Log) TreeRedoStoreNoLock(treeID uint64, key types.Key, value types.Value) error {
	_, err := l.TreeRedoStore(treeID, key, value)
	return err
}

// TxnRedoStore buffers a write under its owning transaction; it is
// not durable until TxnStoreCommit flushes the buffered writes with a
// trailing commit record.
func (l *Log) TxnRedoStore(txn btree.Txn, treeID uint64, key types.Key, value types.Value) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := txn.ID()
	l.txnBuf[id] = append(l.txnBuf[id], pendingWrite{treeID: treeID, key: key.Clone(), value: value.Clone()})
	return nil
}

// TxnStoreCommit flushes every write buffered for txn followed by a
// commit record, returning the LSN of that commit record.
func (l *Log) TxnStoreCommit(txn btree.Txn, key types.Key, value types.Value) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := txn.ID()
	pending := l.txnBuf[id]
	delete(l.txnBuf, id)

	for _, w := range pending {
		lsn := l.lsn.Add(1)
		entry, err := encodeEntry(lsn, entryTypeFor(w.value), w.treeID, w.key, w.value)
		if err != nil {
			return 0, err
		}
		if err := l.writer.WriteEntry(entry); err != nil {
			return 0, errors.Wrap(err, "redo: write entry")
		}
	}

	lsn := l.lsn.Add(1)
	commitEntry := &wal.WALEntry{
		Header: wal.WALHeader{
			Magic:     wal.WALMagic,
			Version:   wal.WALVersion,
			EntryType: wal.EntryCommit,
			LSN:       lsn,
		},
	}
	if err := l.writer.WriteEntry(commitEntry); err != nil {
		return 0, errors.Wrap(err, "redo: write commit")
	}
	if err := l.writer.Sync(); err != nil {
		return 0, errors.Wrap(err, "redo: sync commit")
	}
	return int64(lsn), nil
}

// Confirm blocks until the redo log has durably flushed past
// position, satisfying btree.Confirmer. This
// log is always synchronous at commit time, so any already-returned
// commit position is already confirmed.
func (l *Log) Confirm(position int64, _ int64) error {
	if position > 0 && uint64(position) > l.lsn.Load() {
		return &errors.CorruptionError{Detail: "redo: position not yet assigned"}
	}
	return nil
}

// entryTypeFor picks the wal entry type for a redo record: a nil
// value is a Store-dispatched delete, anything else (including a
// non-nil empty value) is an insert/update.
func entryTypeFor(value types.Value) uint8 {
	if value == nil {
		return wal.EntryDelete
	}
	return wal.EntryInsert
}

func encodeEntry(lsn uint64, typ uint8, treeID uint64, key types.Key, value types.Value) (*wal.WALEntry, error) {
	raw := make([]byte, 8+4+len(key)+4+len(value))
	binary.LittleEndian.PutUint64(raw[0:8], treeID)
	binary.LittleEndian.PutUint32(raw[8:12], uint32(len(key)))
	copy(raw[12:12+len(key)], key)
	off := 12 + len(key)
	binary.LittleEndian.PutUint32(raw[off:off+4], uint32(len(value)))
	copy(raw[off+4:], value)

	payload := snappy.Encode(nil, raw)
	entry := &wal.WALEntry{
		Header: wal.WALHeader{
			Magic:      wal.WALMagic,
			Version:    wal.WALVersion,
			EntryType:  typ,
			LSN:        lsn,
			PayloadLen: uint32(len(payload)),
			CRC32:      wal.CalculateCRC32(payload),
		},
		Payload: payload,
	}
	return entry, nil
}

// Recover replays every record in the log at path, invoking apply for
// each insert/delete record in LSN order. latchtree.New does not call
// it: opening a Tree does not replay the log.
func Recover(path string, apply func(treeID uint64, key types.Key, value types.Value) error) error {
	r, err := wal.NewWALReader(path)
	if err != nil {
		return errors.Wrap(err, "redo: open for recovery")
	}
	defer r.Close()

	for {
		entry, err := r.ReadEntry()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "redo: recovery read")
		}
		if entry.Header.EntryType != wal.EntryInsert && entry.Header.EntryType != wal.EntryDelete {
			continue
		}
		if len(entry.Payload) == 0 {
			continue
		}
		treeID, key, value, err := DecodeEntry(entry.Payload)
		if err != nil {
			return err
		}
		if entry.Header.EntryType == wal.EntryDelete {
			value = nil
		}
		if err := apply(treeID, key, value); err != nil {
			return err
		}
	}
}

// DecodeEntry reverses encodeEntry, used by recovery replay.
func DecodeEntry(payload []byte) (treeID uint64, key types.Key, value types.Value, err error) {
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return 0, nil, nil, errors.Wrap(err, "redo: decode entry")
	}
	if len(raw) < 12 {
		return 0, nil, nil, &errors.CorruptionError{Detail: "redo: short entry"}
	}
	treeID = binary.LittleEndian.Uint64(raw[0:8])
	klen := binary.LittleEndian.Uint32(raw[8:12])
	if len(raw) < 12+int(klen)+4 {
		return 0, nil, nil, &errors.CorruptionError{Detail: "redo: truncated key"}
	}
	key = types.Key(raw[12 : 12+klen]).Clone()
	off := 12 + int(klen)
	vlen := binary.LittleEndian.Uint32(raw[off : off+4])
	if len(raw) < off+4+int(vlen) {
		return 0, nil, nil, &errors.CorruptionError{Detail: "redo: truncated value"}
	}
	value = types.Value(raw[off+4 : off+4+int(vlen)]).Clone()
	return treeID, key, value, nil
}
