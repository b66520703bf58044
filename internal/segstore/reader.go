package segstore

import (
	"github.com/segmentlog/jlog/internal/jlogerr"
)

// ReadMessage looks up marker in id's index, then returns a view of the
// record's header and payload from the segment's mmap. marker is 1-based;
// marker < 1 is rejected outright.
//
// Marker 1's entry is legitimately zero (the first record starts at offset
// 0). For any other marker, a zero entry at the last index slot means the
// segment is closed and there is no such record; ReadMessage returns the
// CloseLogID pseudo-error. A zero entry anywhere else indicates index
// corruption.
func (s *Store) ReadMessage(id LogID, marker Marker) (RecordHeader, []byte, error) {
	if marker < 1 {
		return RecordHeader{}, nil, jlogerr.E(jlogerr.IllegalLogID, "marker must be >= 1")
	}
	idxH, err := s.IndexHandle(id)
	if err != nil {
		return RecordHeader{}, nil, err
	}
	idxLen, err := idxH.Size()
	if err != nil {
		return RecordHeader{}, nil, jlogerr.E(jlogerr.IndexSeek, err)
	}
	if idxLen%IndexEntrySize != 0 {
		return RecordHeader{}, nil, jlogerr.E(jlogerr.IndexCorrupt, "index length not a multiple of 8")
	}
	entryOff := int64(marker-1) * IndexEntrySize
	if entryOff+IndexEntrySize > idxLen {
		return RecordHeader{}, nil, jlogerr.E(jlogerr.IllegalLogID, "marker beyond index")
	}

	b := make([]byte, IndexEntrySize)
	if _, err := idxH.Pread(b, entryOff); err != nil {
		return RecordHeader{}, nil, jlogerr.E(jlogerr.IndexRead, err)
	}
	off := DecodeOffset(b)
	if off == 0 && marker != 1 {
		if entryOff+IndexEntrySize == idxLen {
			return RecordHeader{}, nil, jlogerr.E(jlogerr.CloseLogID)
		}
		return RecordHeader{}, nil, jlogerr.E(jlogerr.IndexCorrupt, "zero offset mid-index")
	}

	dataH, err := s.ReaderData(id)
	if err != nil {
		return RecordHeader{}, nil, err
	}
	dataLen, err := dataH.Size()
	if err != nil {
		return RecordHeader{}, nil, jlogerr.E(jlogerr.FileSeek, err)
	}
	if off+HeaderSize > uint64(dataLen) {
		return RecordHeader{}, nil, jlogerr.E(jlogerr.FileCorrupt, "record header past end of data")
	}

	hdrB := make([]byte, HeaderSize)
	if _, err := dataH.Pread(hdrB, int64(off)); err != nil {
		return RecordHeader{}, nil, jlogerr.E(jlogerr.FileRead, err)
	}
	hdr := DecodeHeader(hdrB)
	if off+uint64(hdr.RecordSize()) > uint64(dataLen) {
		return RecordHeader{}, nil, jlogerr.E(jlogerr.FileCorrupt, "declared payload length exceeds file")
	}

	mapping, err := s.ReaderMmap(id, int(dataLen))
	if err != nil {
		return RecordHeader{}, nil, err
	}
	payloadStart := int64(off) + HeaderSize
	payload := mapping[payloadStart : payloadStart+int64(hdr.Mlen)]
	return hdr, payload, nil
}
