// Package replication defines the Replicator surface a primary or
// replica uses to ship commit-log bytes between processes, and
// provides a local, file-backed reference implementation. The core
// tree only calls the Checkpointed/Forward slice of this interface
// (see pkg/btree's FinishCheckpoint and Cursor redo hand-off); the rest
// exists for a standalone replication daemon to drive, mirroring how
// WAL shipping stays entirely outside pkg/btree.
package replication

import (
	"encoding/binary"
	"io"
	"os"
	"sync"
)

// Replicator is the full administrative + data-path surface of the
// replication collaborator.
type Replicator interface {
	Start() error
	Recover() (position int64, err error)
	ReadPosition() int64
	WritePosition() int64
	Read(position int64, buf []byte) (int, error)
	Flip() error
	Write(data []byte) (position int64, err error)
	Commit(position int64) error
	Confirm(position int64, timeoutNanos int64) error
	Sync() error
	SyncConfirm(timeoutNanos int64) error
	Checkpointed(position int64) error
	Truncate(position int64) error
	Forward(position int64, data []byte) error
}

// LocalReplicator is a single-file reference Replicator: every Write
// appends a length-prefixed record, and Commit and Sync fsync the
// file, with no actual network shipping. It exists so pkg/btree's
// FinishCheckpoint and redo hand-off and pkg/checkpoint have something real
// to run against without standing up a second process, the same role
// an in-process WALWriter played before any replica existed.
type LocalReplicator struct {
	mu       sync.Mutex
	f        *os.File
	readPos  int64
	writePos int64
	committed int64
	confirmed int64
}

func NewLocal(path string) (*LocalReplicator, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &LocalReplicator{f: f}, nil
}

func (r *LocalReplicator) Start() error { return nil }

// Recover scans the file from the start, returning the offset just
// past the last well-formed length-prefixed record.
func (r *LocalReplicator) Recover() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pos int64
	var lenBuf [4]byte
	for {
		if _, err := r.f.ReadAt(lenBuf[:], pos); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return 0, err
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		pos += 4 + int64(n)
	}
	r.writePos = pos
	r.readPos = pos
	r.committed = pos
	r.confirmed = pos
	return pos, nil
}

func (r *LocalReplicator) ReadPosition() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readPos
}

func (r *LocalReplicator) WritePosition() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writePos
}

func (r *LocalReplicator) Read(position int64, buf []byte) (int, error) {
	var lenBuf [4]byte
	if _, err := r.f.ReadAt(lenBuf[:], position); err != nil {
		return 0, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if int(n) > len(buf) {
		n = uint32(len(buf))
	}
	read, err := r.f.ReadAt(buf[:n], position+4)
	r.mu.Lock()
	r.readPos = position + 4 + int64(n)
	r.mu.Unlock()
	return read, err
}

// Flip rotates to a fresh segment in a real multi-segment
// implementation; the single-file LocalReplicator treats it as a
// sync point, matching how pkg/wal's WALWriter had no rotation
// concept either.
func (r *LocalReplicator) Flip() error { return r.Sync() }

func (r *LocalReplicator) Write(data []byte) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	pos := r.writePos
	if _, err := r.f.WriteAt(lenBuf[:], pos); err != nil {
		return 0, err
	}
	if _, err := r.f.WriteAt(data, pos+4); err != nil {
		return 0, err
	}
	r.writePos = pos + 4 + int64(len(data))
	return pos, nil
}

func (r *LocalReplicator) Commit(position int64) error {
	r.mu.Lock()
	if position > r.committed {
		r.committed = position
	}
	r.mu.Unlock()
	return r.Sync()
}

func (r *LocalReplicator) Confirm(position int64, timeoutNanos int64) error {
	r.mu.Lock()
	confirmed := r.confirmed >= position
	r.mu.Unlock()
	if confirmed {
		return nil
	}
	return r.Sync()
}

func (r *LocalReplicator) Sync() error {
	if err := r.f.Sync(); err != nil {
		return err
	}
	r.mu.Lock()
	r.confirmed = r.committed
	r.mu.Unlock()
	return nil
}

func (r *LocalReplicator) SyncConfirm(timeoutNanos int64) error { return r.Sync() }

// Checkpointed records that position is now covered by a durable
// snapshot; a real implementation would use this to trim retained log
// segments. Called by btree.BTree.FinishCheckpoint once
// checkpoint.Coordinator.Create has written a manifest.
func (r *LocalReplicator) Checkpointed(position int64) error { return nil }

// Truncate discards log bytes before position. Administrative only;
// the core tree never calls this.
func (r *LocalReplicator) Truncate(position int64) error { return nil }

// Forward applies data originating from a primary when this process
// is acting as a replica, by simply appending it at the given
// position rather than the current write cursor.
func (r *LocalReplicator) Forward(position int64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := r.f.WriteAt(lenBuf[:], position); err != nil {
		return err
	}
	if _, err := r.f.WriteAt(data, position+4); err != nil {
		return err
	}
	end := position + 4 + int64(len(data))
	if end > r.writePos {
		r.writePos = end
	}
	return nil
}

func (r *LocalReplicator) Close() error { return r.f.Close() }
