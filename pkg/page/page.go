// Package page defines the on-disk page layout: a fixed-size header
// and leaf/internal entry encodings with fragmented key/value support. pkg/btree operates on the structured
// pkg/btree.Node representation and uses this package only at the
// pagecache boundary (load/store), the same separation engine.go
// keeps between in-memory B+tree nodes and the on-disk heap record
// format.
package page

import (
	"encoding/binary"

	"github.com/latchtree/latchtree/pkg/types"
)

// Type is the node type bitfield distinguishing leaf from internal pages.
type Type uint8

const (
	TypeLeaf Type = 1 << iota
	TypeInternal
	TypeBottomInternal
	TypeLowExtremity
	TypeHighExtremity
)

func (t Type) IsLeaf() bool           { return t&TypeLeaf != 0 }
func (t Type) IsInternal() bool       { return t&TypeInternal != 0 }
func (t Type) IsBottomInternal() bool { return t&TypeBottomInternal != 0 }
func (t Type) IsLowExtremity() bool   { return t&TypeLowExtremity != 0 }
func (t Type) IsHighExtremity() bool  { return t&TypeHighExtremity != 0 }

// HeaderSize is the fixed byte size of a page header.
const HeaderSize = 16

// Header is the fixed-size prefix of every page.
type Header struct {
	Type      Type
	Flags     uint8
	EntryCnt  uint16
	PageID    uint64
	Reserved  uint32
}

func (h *Header) Encode(buf []byte) {
	buf[0] = byte(h.Type)
	buf[1] = h.Flags
	binary.LittleEndian.PutUint16(buf[2:4], h.EntryCnt)
	binary.LittleEndian.PutUint64(buf[4:12], h.PageID)
	binary.LittleEndian.PutUint32(buf[12:16], h.Reserved)
}

func (h *Header) Decode(buf []byte) {
	h.Type = Type(buf[0])
	h.Flags = buf[1]
	h.EntryCnt = binary.LittleEndian.Uint16(buf[2:4])
	h.PageID = binary.LittleEndian.Uint64(buf[4:12])
	h.Reserved = binary.LittleEndian.Uint32(buf[12:16])
}

// Pointer addresses the head of a fragmented key/value chain: a page
// id holding the first fragment plus the total logical length. Used
// by pkg/valuestream to resolve Split's fragmented separator keys and
// oversized leaf values.
type Pointer struct {
	PageID uint64
	Length uint32
	// Indirect marks that PageID addresses a page of Pointers (one
	// more level of indirection) rather than raw fragment bytes.
	Indirect bool
}

// SeparatorKey is a sum type resolving a reference-equality trick seen
// elsewhere (fullKey == actualKey meaning "inline") into an explicit
// inline-vs-fragmented tag instead of relying on pointer identity.
type SeparatorKey struct {
	full      types.Key
	inline    []byte
	pointer   Pointer
	isInline  bool
}

// Inline builds a SeparatorKey stored directly in the parent page.
func Inline(full types.Key) SeparatorKey {
	return SeparatorKey{full: full, inline: full, isInline: true}
}

// Fragmented builds a SeparatorKey stored as an out-of-line chain,
// keeping the full logical bytes in memory for comparisons
// (Split.compare never needs to resolve the chain to order a key).
func Fragmented(full types.Key, ptr Pointer) SeparatorKey {
	return SeparatorKey{full: full, pointer: ptr, isInline: false}
}

func (s SeparatorKey) IsInline() bool    { return s.isInline }
func (s SeparatorKey) Full() types.Key   { return s.full }
func (s SeparatorKey) Pointer() Pointer  { return s.pointer }
func (s SeparatorKey) ActualBytes() []byte {
	if s.isInline {
		return s.inline
	}
	return nil
}

// Compare returns the sign of k - s.Full(), per Split.compare(k).
func (s SeparatorKey) Compare(k types.Key) int {
	return -s.full.Compare(k)
}

// leaf/internal entry header size classes: value length
// is encoded in 1, 2, 4, 6 or 8 bytes depending on size class.
const (
	sizeClass1 = 0
	sizeClass2 = 1
	sizeClass4 = 2
	sizeClass6 = 3
	sizeClass8 = 4
)

func valueSizeClass(n int) (class uint8, width int) {
	switch {
	case n < 1<<8:
		return sizeClass1, 1
	case n < 1<<16:
		return sizeClass2, 2
	case n < 1<<32 && n < 1<<24:
		return sizeClass4, 4
	case n < 1<<32:
		return sizeClass6, 6
	default:
		return sizeClass8, 8
	}
}

// EncodeValueHeader writes a 1-byte header (fragmented flag + size
// class) followed by the length in `width` little-endian bytes, and
// returns the number of header bytes written.
func EncodeValueHeader(buf []byte, length int, fragmented bool) int {
	class, width := valueSizeClass(length)
	flag := uint8(0)
	if fragmented {
		flag = 0x80
	}
	buf[0] = flag | class
	tmp := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp, uint64(length))
	copy(buf[1:1+width], tmp[:width])
	return 1 + width
}

// DecodeValueHeader reads back what EncodeValueHeader wrote.
func DecodeValueHeader(buf []byte) (length int, fragmented bool, headerLen int) {
	flag := buf[0]
	fragmented = flag&0x80 != 0
	class := flag & 0x7f
	width := map[uint8]int{sizeClass1: 1, sizeClass2: 2, sizeClass4: 4, sizeClass6: 6, sizeClass8: 8}[class]
	tmp := make([]byte, 8)
	copy(tmp, buf[1:1+width])
	length = int(binary.LittleEndian.Uint64(tmp))
	return length, fragmented, 1 + width
}
