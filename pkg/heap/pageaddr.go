package heap

import "github.com/latchtree/latchtree/pkg/page"

// Segment offsets are naturally int64 and address bytes, not pages;
// pkg/btree's collaborators all address things as uint64 page ids via
// page.Pointer. PagePut/PageGet/PageDelete translate between the two
// worlds by carrying (offset+1) in the PageID field, 0 reserved for
// "no value", so pkg/mvcc can hand a heap-backed page.Pointer to
// pkg/valuestream the same way it hands a pagecache-backed one.

// PagePut appends doc as a new heap record and returns it addressed
// as a page.Pointer, ready to store inline in a leaf's fragmented
// value slot.
func (h *HeapManager) PagePut(doc []byte, createLSN uint64, prevOffset int64) (page.Pointer, error) {
	off, err := h.Write(doc, createLSN, prevOffset)
	if err != nil {
		return page.Pointer{}, err
	}
	return page.Pointer{PageID: uint64(off) + 1, Length: uint32(len(doc))}, nil
}

// PageGet reads the document a page.Pointer addresses, along with its
// MVCC record header.
func (h *HeapManager) PageGet(ptr page.Pointer) ([]byte, *RecordHeader, error) {
	return h.Read(int64(ptr.PageID) - 1)
}

// PageDelete tombstones the version a page.Pointer addresses.
func (h *HeapManager) PageDelete(ptr page.Pointer, deleteLSN uint64) error {
	return h.Delete(int64(ptr.PageID)-1, deleteLSN)
}

// PagePrevOffset extracts the raw heap offset backing ptr, for
// threading PrevOffset chains across PagePut calls.
func PagePrevOffset(ptr page.Pointer) int64 {
	if ptr.PageID == 0 {
		return -1
	}
	return int64(ptr.PageID) - 1
}
