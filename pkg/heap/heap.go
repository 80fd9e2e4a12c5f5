package heap

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

const (
	HeapMagic             = 0x48454150       // ASCII "HEAP"
	HeapVersion           = 3                // bumped for MVCC version chains
	HeaderSize            = 14               // Magic(4) + Version(2) + NextOffset(8)
	EntryHeaderSize       = 29               // Length(4) + Valid(1) + CreateLSN(8) + DeleteLSN(8) + PrevOffset(8)
	DefaultMaxSegmentSize = 64 * 1024 * 1024 // 64MB
)

// RecordHeader is the fixed-size prefix stored ahead of every
// document body: validity and the MVCC bookkeeping mvcc.IsVisible
// reads to decide whether a version is visible to a given snapshot.
type RecordHeader struct {
	Valid      bool
	CreateLSN  uint64
	DeleteLSN  uint64 // LSN of the delete, meaningful only when !Valid
	PrevOffset int64  // offset of the previous version in the chain, -1 at the head
}

// Segment is one append-only file backing a slice of the heap's
// global offset space; StartOffset is that slice's base.
type Segment struct {
	ID          int
	Path        string
	StartOffset int64
	Size        int64
	File        *os.File
}

// HeapManager is an append-only value log for out-of-line document
// bodies, addressed by leaf entries via page.Pointer. It rotates
// across fixed-size segment files instead of growing one file; no
// segment is ever removed once written.
type HeapManager struct {
	basePath       string
	segments       []*Segment
	activeSegment  *Segment
	nextOffset     int64 // next global write offset, spanning all segments
	maxSegmentSize int64
	mutex          sync.RWMutex
}

// NewHeapManager opens the segment chain rooted at path (a file path
// prefix; segments are named "<path>_NNN.data"), creating the first
// segment if none exist yet.
func NewHeapManager(path string) (*HeapManager, error) {
	hm := &HeapManager{
		basePath:       path,
		segments:       make([]*Segment, 0),
		maxSegmentSize: DefaultMaxSegmentSize,
	}

	var globalOffset int64
	id := 1
	for {
		segPath := fmt.Sprintf("%s_%03d.data", path, id)
		file, err := os.OpenFile(segPath, os.O_RDWR, 0666)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("heap: open segment %s: %w", segPath, err)
		}

		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("heap: stat segment %s: %w", segPath, err)
		}

		hm.segments = append(hm.segments, &Segment{
			ID:          id,
			Path:        segPath,
			StartOffset: globalOffset,
			Size:        info.Size(),
			File:        file,
		})
		globalOffset += info.Size()
		id++
	}

	if len(hm.segments) == 0 {
		return hm.createNewSegment(1, 0)
	}

	hm.activeSegment = hm.segments[len(hm.segments)-1]
	if err := hm.loadActiveSegmentState(); err != nil {
		return nil, err
	}
	return hm, nil
}

// createNewSegment creates and activates segment id, starting at the
// given global offset, and writes its header.
func (h *HeapManager) createNewSegment(id int, startOffset int64) (*HeapManager, error) {
	segPath := fmt.Sprintf("%s_%03d.data", h.basePath, id)
	file, err := os.OpenFile(segPath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("heap: create segment %s: %w", segPath, err)
	}

	seg := &Segment{ID: id, Path: segPath, StartOffset: startOffset, File: file}
	h.segments = append(h.segments, seg)
	h.activeSegment = seg

	if err := h.writeHeader(seg); err != nil {
		return nil, err
	}
	seg.Size = int64(HeaderSize)
	h.nextOffset = startOffset + int64(HeaderSize)
	return h, nil
}

// loadActiveSegmentState reads the active segment's header to recover
// the write pointer, reconciling it against the file's actual size in
// case a prior write landed but the header update didn't.
func (h *HeapManager) loadActiveSegmentState() error {
	if _, err := h.activeSegment.File.Seek(0, 0); err != nil {
		return err
	}

	var magic uint32
	if err := binary.Read(h.activeSegment.File, binary.LittleEndian, &magic); err != nil {
		return err
	}
	if magic != HeapMagic {
		return fmt.Errorf("heap: invalid magic in segment %d", h.activeSegment.ID)
	}

	var version uint16
	if err := binary.Read(h.activeSegment.File, binary.LittleEndian, &version); err != nil {
		return err
	}
	if version != HeapVersion {
		return fmt.Errorf("heap: unsupported version %d in segment %d", version, h.activeSegment.ID)
	}

	var localNextOffset int64
	if err := binary.Read(h.activeSegment.File, binary.LittleEndian, &localNextOffset); err != nil {
		return err
	}
	h.nextOffset = h.activeSegment.StartOffset + localNextOffset

	stat, err := h.activeSegment.File.Stat()
	if err != nil {
		return err
	}
	if stat.Size() > localNextOffset {
		// A write landed but the header's nextOffset wasn't synced
		// before a crash; the file's actual size is the truth.
		h.nextOffset = h.activeSegment.StartOffset + stat.Size()
		if err := h.updateNextOffset(); err != nil {
			return fmt.Errorf("heap: repair header after recovery: %w", err)
		}
	}
	return nil
}

// writeHeader (re)initializes seg's fixed header.
func (h *HeapManager) writeHeader(seg *Segment) error {
	if _, err := seg.File.Seek(0, 0); err != nil {
		return err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, uint32(HeapMagic)); err != nil {
		return err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, uint16(HeapVersion)); err != nil {
		return err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, int64(HeaderSize)); err != nil {
		return err
	}
	return seg.File.Sync()
}

// updateNextOffset persists h.nextOffset into the active segment's
// header. Callers must already hold h.mutex.
func (h *HeapManager) updateNextOffset() error {
	seg := h.activeSegment
	if _, err := seg.File.Seek(6, 0); err != nil { // past Magic(4)+Version(2)
		return err
	}
	localOffset := h.nextOffset - seg.StartOffset
	return binary.Write(seg.File, binary.LittleEndian, localOffset)
}

// Write appends doc to the heap, chaining it onto prevOffset (-1 for a
// fresh key), and returns the new version's global offset. It rotates
// to a new segment first if doc would overflow maxSegmentSize.
func (h *HeapManager) Write(doc []byte, createLSN uint64, prevOffset int64) (int64, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	neededSize := int64(EntryHeaderSize + len(doc))
	currentLocalOffset := h.nextOffset - h.activeSegment.StartOffset

	if currentLocalOffset+neededSize > h.maxSegmentSize {
		newID := h.activeSegment.ID + 1
		if _, err := h.createNewSegment(newID, h.nextOffset); err != nil {
			return 0, fmt.Errorf("heap: rotate segment: %w", err)
		}
	}

	offset := h.nextOffset
	seg := h.activeSegment
	localOffset := offset - seg.StartOffset

	if _, err := seg.File.Seek(localOffset, 0); err != nil {
		return 0, err
	}

	docLen := uint32(len(doc))
	if err := binary.Write(seg.File, binary.LittleEndian, docLen); err != nil {
		return 0, err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, uint8(1)); err != nil { // Valid
		return 0, err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, createLSN); err != nil {
		return 0, err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, uint64(0)); err != nil { // DeleteLSN
		return 0, err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, prevOffset); err != nil {
		return 0, err
	}
	if _, err := seg.File.Write(doc); err != nil {
		return 0, err
	}

	h.nextOffset += int64(EntryHeaderSize + int(docLen))
	seg.Size = h.nextOffset - seg.StartOffset

	if err := h.updateNextOffset(); err != nil {
		return 0, err
	}
	return offset, nil
}

// getSegmentForOffset finds the segment containing a global offset.
// Segments are naturally ordered by StartOffset, so a linear scan is
// fine at the segment counts this module expects; binary search would
// only pay off with thousands of segments open at once.
func (h *HeapManager) getSegmentForOffset(offset int64) (*Segment, error) {
	for _, seg := range h.segments {
		if offset >= seg.StartOffset && offset < seg.StartOffset+seg.Size {
			return seg, nil
		}
	}
	if offset < h.nextOffset && offset >= h.activeSegment.StartOffset {
		return h.activeSegment, nil
	}
	return nil, fmt.Errorf("heap: no segment covers offset %d", offset)
}

// Read retrieves the document and record header stored at offset.
func (h *HeapManager) Read(offset int64) ([]byte, *RecordHeader, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	seg, err := h.getSegmentForOffset(offset)
	if err != nil {
		return nil, nil, err
	}

	localOffset := offset - seg.StartOffset
	if _, err := seg.File.Seek(localOffset, 0); err != nil {
		return nil, nil, err
	}

	var docLen uint32
	if err := binary.Read(seg.File, binary.LittleEndian, &docLen); err != nil {
		return nil, nil, err
	}
	var valid uint8
	if err := binary.Read(seg.File, binary.LittleEndian, &valid); err != nil {
		return nil, nil, err
	}
	var createLSN uint64
	if err := binary.Read(seg.File, binary.LittleEndian, &createLSN); err != nil {
		return nil, nil, err
	}
	var deleteLSN uint64
	if err := binary.Read(seg.File, binary.LittleEndian, &deleteLSN); err != nil {
		return nil, nil, err
	}
	var prevOffset int64
	if err := binary.Read(seg.File, binary.LittleEndian, &prevOffset); err != nil {
		return nil, nil, err
	}

	header := &RecordHeader{
		Valid:      valid == 1,
		CreateLSN:  createLSN,
		DeleteLSN:  deleteLSN,
		PrevOffset: prevOffset,
	}

	doc := make([]byte, docLen)
	if _, err := io.ReadFull(seg.File, doc); err != nil {
		return nil, nil, err
	}
	return doc, header, nil
}

// Delete marks the version at offset invalid in place and stamps
// deleteLSN, the lazy-deletion half of the MVCC version chain; Vacuum
// is what actually reclaims the bytes once no snapshot can see them.
func (h *HeapManager) Delete(offset int64, deleteLSN uint64) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	seg, err := h.getSegmentForOffset(offset)
	if err != nil {
		return err
	}

	localOffset := offset - seg.StartOffset
	validOffset := localOffset + 4             // past Length
	deleteLSNOffset := localOffset + 4 + 1 + 8 // past Length+Valid+CreateLSN

	if _, err := seg.File.Seek(validOffset, 0); err != nil {
		return err
	}
	if err := binary.Write(seg.File, binary.LittleEndian, uint8(0)); err != nil {
		return err
	}

	if _, err := seg.File.Seek(deleteLSNOffset, 0); err != nil {
		return err
	}
	return binary.Write(seg.File, binary.LittleEndian, deleteLSN)
}

func (h *HeapManager) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	var firstErr error
	for _, seg := range h.segments {
		if seg.File == nil {
			continue
		}
		if err := seg.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Path returns the heap's base path prefix.
func (h *HeapManager) Path() string {
	return h.basePath
}

// HeapIterator walks every record across every segment in offset
// order.
type HeapIterator struct {
	hm          *HeapManager
	segmentIdx  int
	currentFile *os.File
	currentPos  int64 // local offset within the current segment
}

func (h *HeapManager) NewIterator() (*HeapIterator, error) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if len(h.segments) == 0 {
		return nil, fmt.Errorf("heap: no segments to iterate")
	}

	seg := h.segments[0]
	f, err := os.Open(seg.Path) // independent handle, own seek position
	if err != nil {
		return nil, err
	}
	return &HeapIterator{hm: h, currentFile: f, currentPos: HeaderSize}, nil
}

// Next returns the next record's document, header, and global offset.
// It returns io.EOF once every segment is exhausted.
func (it *HeapIterator) Next() ([]byte, *RecordHeader, int64, error) {
	for {
		it.hm.mutex.RLock()
		if it.segmentIdx >= len(it.hm.segments) {
			it.hm.mutex.RUnlock()
			return nil, nil, 0, io.EOF
		}
		startOffset := it.hm.segments[it.segmentIdx].StartOffset
		it.hm.mutex.RUnlock()

		globalOffset := startOffset + it.currentPos

		if _, err := it.currentFile.Seek(it.currentPos, 0); err != nil {
			return nil, nil, 0, err
		}

		headerBuf := make([]byte, EntryHeaderSize)
		if _, err := io.ReadFull(it.currentFile, headerBuf); err != nil {
			if err == io.EOF {
				if err := it.nextSegment(); err != nil {
					return nil, nil, 0, err
				}
				continue
			}
			return nil, nil, 0, err
		}

		docLen := binary.LittleEndian.Uint32(headerBuf[0:4])
		valid := headerBuf[4]
		createLSN := binary.LittleEndian.Uint64(headerBuf[5:13])
		deleteLSN := binary.LittleEndian.Uint64(headerBuf[13:21])
		prevOffset := int64(binary.LittleEndian.Uint64(headerBuf[21:29]))

		doc := make([]byte, docLen)
		if _, err := io.ReadFull(it.currentFile, doc); err != nil {
			return nil, nil, 0, err
		}
		it.currentPos += int64(EntryHeaderSize) + int64(docLen)

		header := &RecordHeader{
			Valid:      valid == 1,
			CreateLSN:  createLSN,
			DeleteLSN:  deleteLSN,
			PrevOffset: prevOffset,
		}
		return doc, header, globalOffset, nil
	}
}

func (it *HeapIterator) nextSegment() error {
	it.currentFile.Close()
	it.segmentIdx++

	it.hm.mutex.RLock()
	defer it.hm.mutex.RUnlock()

	if it.segmentIdx >= len(it.hm.segments) {
		return io.EOF
	}
	seg := it.hm.segments[it.segmentIdx]
	f, err := os.Open(seg.Path)
	if err != nil {
		return err
	}
	it.currentFile = f
	it.currentPos = HeaderSize
	return nil
}

func (it *HeapIterator) Close() {
	if it.currentFile != nil {
		it.currentFile.Close()
	}
}
