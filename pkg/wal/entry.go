package wal

import (
	"encoding/binary"
	"io"
)

const (
	HeaderSize = 24 // fixed header size in bytes
	WALVersion = 1

	WALMagic = 0xDEADBEEF
)

// EntryType distinguishes what a WALEntry's payload represents.
const (
	EntryInsert uint8 = iota + 1
	EntryUpdate
	EntryDelete
	EntryBegin
	EntryCommit
	EntryAbort
)

// WALHeader is the fixed 24-byte header preceding every entry's payload.
type WALHeader struct {
	Magic      uint32
	Version    uint8
	EntryType  uint8
	Reserved   uint16 // padding/alignment
	LSN        uint64
	PayloadLen uint32
	CRC32      uint32
}

// WALEntry is one complete record in the log.
type WALEntry struct {
	Header  WALHeader
	Payload []byte
}

// Encode serializes h into buf, which must be at least HeaderSize long.
func (h *WALHeader) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.EntryType
	binary.LittleEndian.PutUint16(buf[6:8], h.Reserved)
	binary.LittleEndian.PutUint64(buf[8:16], h.LSN)
	binary.LittleEndian.PutUint32(buf[16:20], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[20:24], h.CRC32)
}

// Decode deserializes buf into h.
func (h *WALHeader) Decode(buf []byte) {
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = buf[4]
	h.EntryType = buf[5]
	h.Reserved = binary.LittleEndian.Uint16(buf[6:8])
	h.LSN = binary.LittleEndian.Uint64(buf[8:16])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[16:20])
	h.CRC32 = binary.LittleEndian.Uint32(buf[20:24])
}

// WriteTo writes the entry (header then payload) to w.
func (e *WALEntry) WriteTo(w io.Writer) (int64, error) {
	var headerBuf [HeaderSize]byte
	e.Header.Encode(headerBuf[:])

	n, err := w.Write(headerBuf[:])
	if err != nil {
		return int64(n), err
	}

	m, err := w.Write(e.Payload)
	return int64(n + m), err
}
