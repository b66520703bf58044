package segstore

import (
	"github.com/segmentlog/jlog/internal/jfile"
	"github.com/segmentlog/jlog/internal/jlogerr"
)

const maxBatchEntries = 1024

// ResyncIndex builds or extends id's index by scanning its data file
// forward from the last known-good offset. storageLog is
// the metastore's current write segment id: if id < storageLog, the
// segment is eligible to be closed (stamped with a trailing zero index
// entry) once the scan reaches exactly the end of the data file.
//
// On any corruption (bad index length, bad magic, index pointing past
// data, or a write failure) ResyncIndex truncates the index to its last
// known-good prefix and retries once, internally. If the second attempt
// also fails, it returns an IndexCorrupt error; the caller (see
// jlog.resyncWithRepair) is responsible for the further four-attempt outer
// retry with datafile repair.
func (s *Store) ResyncIndex(id LogID, hdrMagic uint32, storageLog LogID) (last Position, closed bool, err error) {
	idxH, err := s.IndexHandle(id)
	if err != nil {
		return Position{}, false, err
	}
	if err := idxH.Lock(); err != nil {
		return Position{}, false, jlogerr.E(jlogerr.Lock, err)
	}
	defer idxH.Unlock()

	dataH, err := s.ReaderData(id)
	if err != nil {
		return Position{}, false, err
	}

	for attempt := 0; attempt < 2; attempt++ {
		last, closed, err = s.resyncOnce(id, idxH, dataH, hdrMagic, storageLog)
		if err == nil {
			return last, closed, nil
		}
		if !jlogerr.Is(err, jlogerr.IndexCorrupt) && !jlogerr.Is(err, jlogerr.IndexWrite) {
			return Position{}, false, err
		}
		// restart protocol: truncate to known-good length and retry.
	}
	return Position{}, false, jlogerr.E(jlogerr.IndexCorrupt, err)
}

func (s *Store) resyncOnce(id LogID, idxH, dataH *jfile.Handle, hdrMagic uint32, storageLog LogID) (Position, bool, error) {
	idxLen, err := idxH.Size()
	if err != nil {
		return Position{}, false, jlogerr.E(jlogerr.IndexSeek, err)
	}
	dataLen, err := dataH.Size()
	if err != nil {
		return Position{}, false, jlogerr.E(jlogerr.FileSeek, err)
	}

	if idxLen%IndexEntrySize != 0 {
		goodLen := idxLen - (idxLen % IndexEntrySize)
		if err := idxH.Truncate(goodLen); err != nil {
			return Position{}, false, jlogerr.E(jlogerr.IndexWrite, err)
		}
		return Position{}, false, jlogerr.E(jlogerr.IndexCorrupt, "index length not a multiple of 8")
	}

	var dataOff int64
	if idxLen > 0 {
		b := make([]byte, IndexEntrySize)
		if _, err := idxH.Pread(b, idxLen-IndexEntrySize); err != nil {
			return Position{}, false, jlogerr.E(jlogerr.IndexRead, err)
		}
		last := DecodeOffset(b)

		// The closed/out-of-bounds check only applies once the index holds
		// more than one entry: with exactly one entry, a zero value is the
		// legitimate offset of a segment's first record, not a closing
		// marker (closing always appends on top of at least one existing
		// entry, so a real closed index is never exactly one entry long).
		if idxLen > IndexEntrySize {
			if last == 0 {
				// already closed.
				return Position{Log: id, Marker: Marker(idxLen/IndexEntrySize - 1)}, true, nil
			}
			if int64(last) > dataLen {
				if err := idxH.Truncate(idxLen - IndexEntrySize); err != nil {
					return Position{}, false, jlogerr.E(jlogerr.IndexWrite, err)
				}
				return Position{}, false, jlogerr.E(jlogerr.IndexCorrupt, "index offset past end of data")
			}
		}

		// Advance past the last indexed record whenever any entry exists,
		// including exactly one -- otherwise the forward scan below
		// rediscovers and re-indexes that same record.
		dataOff = int64(last)
		hdrB := make([]byte, HeaderSize)
		if _, err := dataH.Pread(hdrB, dataOff); err != nil {
			return Position{}, false, jlogerr.E(jlogerr.FileRead, err)
		}
		hdr := DecodeHeader(hdrB)
		dataOff += hdr.RecordSize()
	}

	batch := make([]byte, 0, maxBatchEntries*IndexEntrySize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := idxH.Pwrite(batch, idxLen); err != nil {
			return jlogerr.E(jlogerr.IndexWrite, err)
		}
		idxLen += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	for {
		if dataOff+HeaderSize > dataLen {
			break
		}
		hdrB := make([]byte, HeaderSize)
		if _, err := dataH.Pread(hdrB, dataOff); err != nil {
			return Position{}, false, jlogerr.E(jlogerr.FileRead, err)
		}
		hdr := DecodeHeader(hdrB)
		if hdr.Magic != hdrMagic {
			if ferr := flush(); ferr != nil {
				return Position{}, false, ferr
			}
			if err := idxH.Truncate(idxLen); err != nil {
				return Position{}, false, jlogerr.E(jlogerr.IndexWrite, err)
			}
			return Position{}, false, jlogerr.E(jlogerr.IndexCorrupt, "bad record magic")
		}
		next := dataOff + hdr.RecordSize()
		if next > dataLen {
			break // torn tail
		}
		batch = append(batch, EncodeOffset(uint64(dataOff))...)
		if len(batch) >= maxBatchEntries*IndexEntrySize {
			if err := flush(); err != nil {
				return Position{}, false, err
			}
		}
		dataOff = next
	}
	if err := flush(); err != nil {
		return Position{}, false, err
	}

	last := Position{Log: id, Marker: Marker(idxLen / IndexEntrySize)}
	closed := false
	if id < storageLog {
		if dataOff != dataLen {
			return Position{}, false, jlogerr.E(jlogerr.FileCorrupt, "segment below storage_log has unindexed torn tail")
		}
		if idxLen > 0 {
			if _, err := idxH.Pwrite(EncodeOffset(0), idxLen); err != nil {
				return Position{}, false, jlogerr.E(jlogerr.IndexWrite, err)
			}
			closed = true
		}
	}
	return last, closed, nil
}
