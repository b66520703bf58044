package segstore

import "encoding/binary"

// HeaderSize is the on-disk size of a RecordHeader: magic, tv_sec, tv_usec,
// mlen, each a little-endian uint32, chosen for portability across
// architectures rather than the host byte order a packed C struct would use.
const HeaderSize = 16

// RecordHeader is the fixed-size header immediately preceding a record's
// payload.
type RecordHeader struct {
	Magic  uint32
	TvSec  uint32
	TvUsec uint32
	Mlen   uint32
}

// Encode writes h into a freshly allocated 16-byte buffer.
func (h RecordHeader) Encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.TvSec)
	binary.LittleEndian.PutUint32(b[8:12], h.TvUsec)
	binary.LittleEndian.PutUint32(b[12:16], h.Mlen)
	return b
}

// DecodeHeader parses a 16-byte buffer into a RecordHeader.
func DecodeHeader(b []byte) RecordHeader {
	return RecordHeader{
		Magic:  binary.LittleEndian.Uint32(b[0:4]),
		TvSec:  binary.LittleEndian.Uint32(b[4:8]),
		TvUsec: binary.LittleEndian.Uint32(b[8:12]),
		Mlen:   binary.LittleEndian.Uint32(b[12:16]),
	}
}

// RecordSize returns the total on-disk size of a record with this header's
// declared payload length.
func (h RecordHeader) RecordSize() int64 { return HeaderSize + int64(h.Mlen) }

// IndexEntrySize is the on-disk size of one index entry: a little-endian
// uint64 byte offset.
const IndexEntrySize = 8

// EncodeOffset encodes off as a little-endian uint64.
func EncodeOffset(off uint64) []byte {
	b := make([]byte, IndexEntrySize)
	binary.LittleEndian.PutUint64(b, off)
	return b
}

// DecodeOffset decodes a little-endian uint64 from b.
func DecodeOffset(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}
