package pagecache

import (
	"encoding/binary"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/latchtree/latchtree/pkg/errors"
)

// slotSize is the fixed slab each page occupies in the mapped file.
// A node that encodes larger than this belongs in PebbleStore or
// behind pkg/valuestream fragmentation instead; MmapStore trades that
// flexibility for zero-copy reads straight out of the mapping.
const slotSize = 8192

// slotHeaderSize precedes every slot: a live flag and the encoded
// page's actual length (<= slotSize-slotHeaderSize).
const slotHeaderSize = 8

// MmapStore is a single growable memory-mapped file, one fixed-size
// slot per page, addressed by slotIndex(treeID, pageID) * slotSize,
// where slotIndex packs the low 24 bits of treeID above the low 40
// bits of pageID. Grounded on the mmap/grow/msync lifecycle used for
// tur's pager, generalized from a byte-slice page store to this
// module's (treeID, pageID) addressing.
type MmapStore struct {
	mu       sync.RWMutex
	file     *os.File
	data     []byte
	capacity int64 // bytes currently mapped
}

// NewMmapStore opens or creates path, mapping at least initialSlots
// worth of room.
func NewMmapStore(path string, initialSlots int64) (*MmapStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "pagecache: open mmap file")
	}

	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "pagecache: stat mmap file")
	}

	size := stat.Size()
	minSize := initialSlots * slotSize
	if size < minSize {
		if err := f.Truncate(minSize); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "pagecache: truncate mmap file")
		}
		size = minSize
	}
	if size == 0 {
		size = slotSize
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "pagecache: truncate mmap file")
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "pagecache: mmap")
	}

	return &MmapStore{file: f, data: data, capacity: size}, nil
}

// slotIndex folds (treeID, pageID) into a single global slot number.
// Collisions across trees are avoided by reserving the high 24 bits
// for treeID, which bounds this backend to a modest number of
// concurrently open trees — acceptable for the embedded, single-file
// deployment this backend targets.
func slotIndex(treeID, pageID uint64) int64 {
	return int64((treeID&0xFFFFFF)<<40 | (pageID & 0xFFFFFFFFFF))
}

func (m *MmapStore) growLocked(minCapacity int64) error {
	if minCapacity <= m.capacity {
		return nil
	}
	newCap := m.capacity * 2
	if newCap < minCapacity {
		newCap = minCapacity
	}

	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return errors.Wrap(err, "pagecache: msync before grow")
	}
	if err := unix.Munmap(m.data); err != nil {
		return errors.Wrap(err, "pagecache: munmap before grow")
	}
	if err := m.file.Truncate(newCap); err != nil {
		return errors.Wrap(err, "pagecache: truncate for grow")
	}
	data, err := unix.Mmap(int(m.file.Fd()), 0, int(newCap), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return errors.Wrap(err, "pagecache: remap after grow")
	}
	m.data = data
	m.capacity = newCap
	return nil
}

func (m *MmapStore) Load(treeID, pageID uint64) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	off := slotIndex(treeID, pageID) * slotSize
	if off+slotSize > m.capacity {
		return nil, false, nil
	}
	slot := m.data[off : off+slotSize]
	if slot[0] == 0 {
		return nil, false, nil
	}
	n := binary.LittleEndian.Uint32(slot[1:5])
	if int64(n) > slotSize-slotHeaderSize {
		return nil, false, &errors.CorruptionError{Detail: "mmapstore: slot length exceeds slot size"}
	}
	out := make([]byte, n)
	copy(out, slot[slotHeaderSize:slotHeaderSize+int(n)])
	return out, true, nil
}

func (m *MmapStore) Store(treeID, pageID uint64, pageData []byte) error {
	if len(pageData) > slotSize-slotHeaderSize {
		return &errors.CorruptionError{Detail: "mmapstore: page exceeds slot size"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	off := slotIndex(treeID, pageID) * slotSize
	if err := m.growLocked(off + slotSize); err != nil {
		return err
	}
	slot := m.data[off : off+slotSize]
	slot[0] = 1
	binary.LittleEndian.PutUint32(slot[1:5], uint32(len(pageData)))
	copy(slot[slotHeaderSize:], pageData)
	return nil
}

func (m *MmapStore) Delete(treeID, pageID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	off := slotIndex(treeID, pageID) * slotSize
	if off+slotSize > m.capacity {
		return nil
	}
	m.data[off] = 0
	return nil
}

// Sync flushes the mapping to disk.
func (m *MmapStore) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return unix.Msync(m.data, unix.MS_SYNC)
}

func (m *MmapStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		m.file.Close()
		return errors.Wrap(err, "pagecache: msync on close")
	}
	if err := unix.Munmap(m.data); err != nil {
		m.file.Close()
		return errors.Wrap(err, "pagecache: munmap on close")
	}
	return m.file.Close()
}
