// Package valuestream implements Stream: streaming
// Read/Write/SetLength over a value or key too large to fit inline in
// a leaf entry, resolving a page.SeparatorKey/leaf value's Fragmented
// pointer chain one fragment page at a time. bson documents used to
// live wholesale in the heap; this follows the same chunked-fragment
// idea heap segment rotation uses for large files, generalized to a
// chain of small fragment pages instead of growing one big segment.
package valuestream

import (
	"encoding/binary"

	"github.com/latchtree/latchtree/pkg/errors"
	"github.com/latchtree/latchtree/pkg/page"
)

// fragmentCapacity is the usable byte budget of one fragment page,
// leaving room for the next-pointer trailer.
const fragmentCapacity = 4096 - 16

// FragmentStore persists raw fragment pages by page ID, independent
// of the structured btree.Node pages in pkg/pagecache (fragment pages
// never contain keys, only opaque bytes, so they share the Backend
// interface but never go through pkg/pagecache's Codec).
type FragmentStore interface {
	Load(treeID, pageID uint64) ([]byte, bool, error)
	Store(treeID, pageID uint64, data []byte) error
	Delete(treeID, pageID uint64) error
	AllocPageID(treeID uint64) uint64
}

// Stream resolves a page.Pointer into a readable/writable byte
// sequence, supporting up to two levels of indirection (an
// indirection page listing fragment page IDs as uint64s).
type Stream struct {
	store  FragmentStore
	treeID uint64
	root   page.Pointer
}

func New(store FragmentStore, treeID uint64, root page.Pointer) *Stream {
	return &Stream{store: store, treeID: treeID, root: root}
}

// Length returns the logical byte length of the stream.
func (s *Stream) Length() int64 { return int64(s.root.Length) }

// Read fills buf starting at logical offset off, returning the
// number of bytes read (short if off+len(buf) exceeds the stream).
func (s *Stream) Read(off int64, buf []byte) (int, error) {
	if off >= int64(s.root.Length) {
		return 0, nil
	}
	chain, err := s.resolveChain()
	if err != nil {
		return 0, err
	}

	total := 0
	remaining := buf
	pos := int64(0)
	for _, pageID := range chain {
		data, ok, err := s.store.Load(s.treeID, pageID)
		if err != nil {
			return total, err
		}
		if !ok {
			return total, &errors.CorruptionError{Detail: "valuestream: missing fragment page"}
		}
		frag := fragmentPayload(data)
		fragEnd := pos + int64(len(frag))
		if off < fragEnd {
			start := off - pos
			if start < 0 {
				start = 0
			}
			n := copy(remaining, frag[start:])
			remaining = remaining[n:]
			total += n
			off += int64(n)
			if len(remaining) == 0 {
				return total, nil
			}
		}
		pos = fragEnd
	}
	return total, nil
}

// Write overwrites the stream with data, reusing existing fragment
// pages where possible and allocating or freeing pages to match the
// new length, then updates s.root to describe the rewritten chain.
// Any page whose contents actually change is the unit of "touch" this
// operation performs.
func (s *Stream) Write(data []byte) (page.Pointer, error) {
	oldChain, err := s.resolveChain()
	if err != nil {
		return page.Pointer{}, err
	}

	var newChain []uint64
	for off := 0; off < len(data); off += fragmentCapacity {
		end := off + fragmentCapacity
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]

		var pageID uint64
		idx := off / fragmentCapacity
		if idx < len(oldChain) {
			pageID = oldChain[idx]
		} else {
			pageID = s.store.AllocPageID(s.treeID)
		}
		if err := s.store.Store(s.treeID, pageID, encodeFragment(chunk)); err != nil {
			return page.Pointer{}, err
		}
		newChain = append(newChain, pageID)
	}

	for i := len(newChain); i < len(oldChain); i++ {
		if err := s.store.Delete(s.treeID, oldChain[i]); err != nil {
			return page.Pointer{}, err
		}
	}

	root, err := s.writeChainPointers(newChain)
	if err != nil {
		return page.Pointer{}, err
	}
	root.Length = uint32(len(data))
	s.root = root
	return root, nil
}

// SetLength truncates or zero-extends the stream to n bytes.
func (s *Stream) SetLength(n int64) (page.Pointer, error) {
	buf := make([]byte, n)
	cur := int64(s.root.Length)
	if cur > 0 {
		readLen := cur
		if readLen > n {
			readLen = n
		}
		if _, err := s.Read(0, buf[:readLen]); err != nil {
			return page.Pointer{}, err
		}
	}
	return s.Write(buf)
}

// resolveChain returns the fragment page IDs in order, resolving one
// extra level of indirection when s.root.Indirect is set.
func (s *Stream) resolveChain() ([]uint64, error) {
	if s.root.PageID == 0 {
		return nil, nil
	}
	if !s.root.Indirect {
		return s.walkDirectChain(s.root.PageID)
	}
	indexData, ok, err := s.store.Load(s.treeID, s.root.PageID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &errors.CorruptionError{Detail: "valuestream: missing indirection page"}
	}
	var chain []uint64
	for off := 0; off+8 <= len(indexData); off += 8 {
		chain = append(chain, binary.LittleEndian.Uint64(indexData[off:off+8]))
	}
	return chain, nil
}

// walkDirectChain follows next-pointers embedded in each fragment's
// trailer, used when the chain is short enough not to need an
// indirection page.
func (s *Stream) walkDirectChain(first uint64) ([]uint64, error) {
	var chain []uint64
	id := first
	for id != 0 {
		chain = append(chain, id)
		data, ok, err := s.store.Load(s.treeID, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &errors.CorruptionError{Detail: "valuestream: missing fragment page"}
		}
		id = fragmentNext(data)
	}
	return chain, nil
}

// writeChainPointers links newChain via trailers directly when short,
// or spills to a single indirection page (one page of uint64 page
// IDs) when the chain would otherwise require a third level of
// indirection to address efficiently.
func (s *Stream) writeChainPointers(chain []uint64) (page.Pointer, error) {
	if len(chain) == 0 {
		return page.Pointer{}, nil
	}
	if len(chain) <= fragmentCapacity/8 {
		for i, id := range chain {
			next := uint64(0)
			if i+1 < len(chain) {
				next = chain[i+1]
			}
			data, ok, err := s.store.Load(s.treeID, id)
			if err != nil {
				return page.Pointer{}, err
			}
			if !ok {
				return page.Pointer{}, &errors.CorruptionError{Detail: "valuestream: missing fragment page"}
			}
			setFragmentNext(data, next)
			if err := s.store.Store(s.treeID, id, data); err != nil {
				return page.Pointer{}, err
			}
		}
		return page.Pointer{PageID: chain[0], Indirect: false}, nil
	}

	indexData := make([]byte, len(chain)*8)
	for i, id := range chain {
		binary.LittleEndian.PutUint64(indexData[i*8:i*8+8], id)
	}
	indexPageID := s.store.AllocPageID(s.treeID)
	if err := s.store.Store(s.treeID, indexPageID, indexData); err != nil {
		return page.Pointer{}, err
	}
	return page.Pointer{PageID: indexPageID, Indirect: true}, nil
}

func encodeFragment(chunk []byte) []byte {
	buf := make([]byte, len(chunk)+8)
	copy(buf, chunk)
	return buf
}

func fragmentPayload(data []byte) []byte {
	if len(data) < 8 {
		return data
	}
	return data[:len(data)-8]
}

func fragmentNext(data []byte) uint64 {
	if len(data) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(data[len(data)-8:])
}

func setFragmentNext(data []byte, next uint64) {
	if len(data) < 8 {
		return
	}
	binary.LittleEndian.PutUint64(data[len(data)-8:], next)
}
