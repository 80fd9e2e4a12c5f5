package pagecache

import (
	"encoding/binary"

	"github.com/latchtree/latchtree/pkg/btree"
	"github.com/latchtree/latchtree/pkg/errors"
	"github.com/latchtree/latchtree/pkg/page"
	"github.com/latchtree/latchtree/pkg/types"
)

// Codec encodes/decodes a btree.NodeSnapshot to/from the page.Header +
// entry-vector wire format. It is the only place in this
// module that deals in raw page bytes for node storage; everything
// above pkg/pagecache operates on structured Node values.
type Codec struct{}

func NewCodec() *Codec { return &Codec{} }

func (c *Codec) Encode(n *btree.Node) ([]byte, error) {
	n.AcquireShared()
	snap := n.Snapshot()
	n.ReleaseShared()

	buf := make([]byte, page.HeaderSize)
	hdr := page.Header{
		Type:     snap.Type,
		EntryCnt: uint16(len(snap.Keys)),
		PageID:   snap.ID,
	}
	hdr.Encode(buf)

	for i, k := range snap.Keys {
		buf = appendBytes(buf, k)
		if snap.Type.IsLeaf() {
			buf = appendValue(buf, snap.Values[i], snap.GhostOwner[i])
		}
	}
	if !snap.Type.IsLeaf() {
		for _, id := range snap.ChildIDs {
			var tmp [8]byte
			binary.LittleEndian.PutUint64(tmp[:], id)
			buf = append(buf, tmp[:]...)
		}
		for _, sep := range snap.Separators {
			buf = appendSeparator(buf, sep)
		}
	}
	return buf, nil
}

func (c *Codec) Decode(pageID uint64, data []byte) (*btree.Node, error) {
	if len(data) < page.HeaderSize {
		return nil, &errors.CorruptionError{Detail: "page: short header"}
	}
	var hdr page.Header
	hdr.Decode(data)
	off := page.HeaderSize

	keys := make([]types.Key, hdr.EntryCnt)
	var values []types.Value
	var ghostOwner []uint64
	if hdr.Type.IsLeaf() {
		values = make([]types.Value, hdr.EntryCnt)
		ghostOwner = make([]uint64, hdr.EntryCnt)
	}

	for i := 0; i < int(hdr.EntryCnt); i++ {
		k, n, err := readBytes(data[off:])
		if err != nil {
			return nil, err
		}
		keys[i] = k
		off += n
		if hdr.Type.IsLeaf() {
			v, owner, n, err := readValue(data[off:])
			if err != nil {
				return nil, err
			}
			values[i] = v
			ghostOwner[i] = owner
			off += n
		}
	}

	var childIDs []uint64
	var separators []page.SeparatorKey
	if !hdr.Type.IsLeaf() {
		childIDs = make([]uint64, hdr.EntryCnt+1)
		for i := range childIDs {
			if off+8 > len(data) {
				return nil, &errors.CorruptionError{Detail: "page: truncated child id"}
			}
			childIDs[i] = binary.LittleEndian.Uint64(data[off : off+8])
			off += 8
		}
		separators = make([]page.SeparatorKey, hdr.EntryCnt)
		for i := range separators {
			sep, n, err := readSeparator(data[off:])
			if err != nil {
				return nil, err
			}
			separators[i] = sep
			off += n
		}
	}

	return btree.FromSnapshot(btree.NodeSnapshot{
		ID:         pageID,
		Type:       hdr.Type,
		Keys:       keys,
		Values:     values,
		GhostOwner: ghostOwner,
		ChildIDs:   childIDs,
		Separators: separators,
	}), nil
}

func appendBytes(buf []byte, b []byte) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(b)))
	buf = append(buf, tmp[:]...)
	return append(buf, b...)
}

func readBytes(data []byte) ([]byte, int, error) {
	if len(data) < 4 {
		return nil, 0, &errors.CorruptionError{Detail: "page: truncated length"}
	}
	n := int(binary.LittleEndian.Uint32(data[:4]))
	if len(data) < 4+n {
		return nil, 0, &errors.CorruptionError{Detail: "page: truncated bytes"}
	}
	out := make([]byte, n)
	copy(out, data[4:4+n])
	return out, 4 + n, nil
}

// appendValue reuses the value header's fragmented bit to mark a
// ghost entry (ghostOwner != 0) rather than an out-of-line chain: a
// leaf value that is actually fragmented never reaches this codec
// inline — pkg/valuestream redirects it through a separate Pointer
// chain before the node is encoded, so the bit is free for this use
// here.
func appendValue(buf []byte, v types.Value, ghostOwner uint64) []byte {
	fragmented := ghostOwner != 0
	hdrBuf := make([]byte, 8)
	n := page.EncodeValueHeader(hdrBuf, len(v), fragmented)
	buf = append(buf, hdrBuf[:n]...)
	buf = append(buf, v...)
	if fragmented {
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], ghostOwner)
		buf = append(buf, tmp[:]...)
	}
	return buf
}

func readValue(data []byte) (types.Value, uint64, int, error) {
	if len(data) < 2 {
		return nil, 0, 0, &errors.CorruptionError{Detail: "page: truncated value header"}
	}
	length, fragmented, headerLen := page.DecodeValueHeader(data)
	if len(data) < headerLen {
		return nil, 0, 0, &errors.CorruptionError{Detail: "page: truncated value header"}
	}
	off := headerLen
	if len(data) < off+length {
		return nil, 0, 0, &errors.CorruptionError{Detail: "page: truncated value"}
	}
	v := make(types.Value, length)
	copy(v, data[off:off+length])
	off += length
	var owner uint64
	if fragmented {
		if len(data) < off+8 {
			return nil, 0, 0, &errors.CorruptionError{Detail: "page: truncated ghost owner"}
		}
		owner = binary.LittleEndian.Uint64(data[off : off+8])
		off += 8
	}
	return v, owner, off, nil
}

func appendSeparator(buf []byte, sep page.SeparatorKey) []byte {
	if sep.IsInline() {
		buf = append(buf, 1)
		return appendBytes(buf, sep.Full())
	}
	buf = append(buf, 0)
	buf = appendBytes(buf, sep.Full())
	ptr := sep.Pointer()
	var tmp [13]byte
	binary.LittleEndian.PutUint64(tmp[0:8], ptr.PageID)
	binary.LittleEndian.PutUint32(tmp[8:12], ptr.Length)
	if ptr.Indirect {
		tmp[12] = 1
	}
	return append(buf, tmp[:]...)
}

func readSeparator(data []byte) (page.SeparatorKey, int, error) {
	if len(data) < 1 {
		return page.SeparatorKey{}, 0, &errors.CorruptionError{Detail: "page: truncated separator tag"}
	}
	inline := data[0] == 1
	off := 1
	full, n, err := readBytes(data[off:])
	if err != nil {
		return page.SeparatorKey{}, 0, err
	}
	off += n
	if inline {
		return page.Inline(types.Key(full)), off, nil
	}
	if len(data) < off+13 {
		return page.SeparatorKey{}, 0, &errors.CorruptionError{Detail: "page: truncated separator pointer"}
	}
	ptr := page.Pointer{
		PageID:   binary.LittleEndian.Uint64(data[off : off+8]),
		Length:   binary.LittleEndian.Uint32(data[off+8 : off+12]),
		Indirect: data[off+12] == 1,
	}
	off += 13
	return page.Fragmented(types.Key(full), ptr), off, nil
}
