// Package repair implements the repair orchestrator (rebuilding the
// metastore and first checkpoint file to their expected values, or
// discarding the whole directory in aggressive mode) and the datafile
// salvage algorithm. The directory-wide deletion step collects every
// filename during a single directory scan and only deletes them once the
// scan has returned, since mutating directory state mid-iteration is
// unsafe.
package repair

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/segmentlog/jlog/internal/jfile"
	"github.com/segmentlog/jlog/internal/jlogerr"
	"github.com/segmentlog/jlog/internal/meta"
	"github.com/segmentlog/jlog/internal/segstore"
	"github.com/segmentlog/jlog/sync/multierror"
)

// ListSegments scans dir for valid 8-hex segment file names and returns the
// smallest and largest LogId present. found is false if no segment files
// exist.
func ListSegments(dir string) (earliest, latest segstore.LogID, found bool, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, false, jlogerr.E(jlogerr.Open, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, ok := segstore.ParseLogID(e.Name())
		if !ok {
			continue
		}
		if !found || id < earliest {
			earliest = id
		}
		if !found || id > latest {
			latest = id
		}
		found = true
	}
	return earliest, latest, found, nil
}

// RepairMetastore rewrites <dir>/metastore to (latest, 4MiB, ALMOST_SAFE,
// DEFAULT_HDR_MAGIC) if its current contents don't exactly match.
func RepairMetastore(dir string, latest segstore.LogID) error {
	want := meta.Data{
		StorageLog: uint32(latest),
		UnitLimit:  meta.DefaultUnitLimit,
		Safety:     uint32(meta.DefaultSafety),
		HdrMagic:   meta.DefaultHdrMagic,
	}
	path := dir + "/metastore"
	if have, err := readMetastore(path); err == nil && have == want {
		return nil
	}
	os.Remove(path)
	s := meta.New(dir)
	if err := s.Open(); err != nil {
		return err
	}
	defer s.Close()
	if err := s.Lock(); err != nil {
		return err
	}
	defer s.Unlock()
	return s.Save(want)
}

func readMetastore(path string) (meta.Data, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return meta.Data{}, err
	}
	if len(b) != 16 {
		return meta.Data{}, jlogerr.E(jlogerr.MetaOpen, "wrong size")
	}
	return meta.Data{
		StorageLog: leU32(b[0:4]),
		UnitLimit:  leU32(b[4:8]),
		Safety:     leU32(b[8:12]),
		HdrMagic:   leU32(b[12:16]),
	}, nil
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// RepairCheckpoint rewrites the first checkpoint file found (in sorted
// directory order) to (earliest, 0) if its contents don't match. If no
// checkpoint file exists, there is nothing to do and that is success.
func RepairCheckpoint(dir string, earliest segstore.LogID) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return jlogerr.E(jlogerr.Open, err)
	}
	var first string
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > 3 && e.Name()[:3] == "cp." {
			first = e.Name()
			break
		}
	}
	if first == "" {
		return nil
	}
	path := filepath.Join(dir, first)
	want := segstore.Position{Log: earliest, Marker: 0}

	f, err := os.OpenFile(path, os.O_RDWR, 0640)
	if err != nil {
		return jlogerr.E(jlogerr.Checkpoint, err)
	}
	defer f.Close()
	b := make([]byte, 8)
	n, _ := f.ReadAt(b, 0)
	matches := n == 8 &&
		leU32(b[0:4]) == uint32(want.Log) &&
		leU32(b[4:8]) == uint32(want.Marker)
	if matches {
		return nil
	}
	out := make([]byte, 8)
	putU32(out[0:4], uint32(want.Log))
	putU32(out[4:8], uint32(want.Marker))
	if _, err := f.WriteAt(out, 0); err != nil {
		return jlogerr.E(jlogerr.Checkpoint, err)
	}
	return f.Truncate(8)
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// Run performs the full repair orchestrator described in the package doc.
func Run(dir string, aggressive bool) error {
	earliest, latest, found, err := ListSegments(dir)
	if err != nil {
		return err
	}
	if !found {
		earliest, latest = 0, 0
	}

	err1 := RepairMetastore(dir, latest)
	err2 := RepairCheckpoint(dir, earliest)

	if !aggressive {
		if err1 != nil {
			return err1
		}
		return err2
	}

	return nukeDirectory(dir)
}

// nukeDirectory implements the aggressive last-resort path: collect every
// directory entry first, then delete each one, then rmdir -- mutating
// directory state mid-scan is unsafe, hence the two-phase collect-then-
// delete structure.
func nukeDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return jlogerr.E(jlogerr.Open, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	errs := multierror.NewMultiError(len(names))
	for _, n := range names {
		errs.Add(os.RemoveAll(filepath.Join(dir, n)))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return jlogerr.E(jlogerr.FileWrite, err)
	}
	if err := os.Remove(dir); err != nil {
		return jlogerr.E(jlogerr.FileWrite, err)
	}
	return nil
}

// RepairDatafile salvages id's data segment by locating runs of valid
// record headers. It returns the number of coalesced
// invalid byte ranges ("holes") removed.
func RepairDatafile(dir string, id segstore.LogID, hdrMagic uint32) (int, error) {
	path := segstore.DataPath(dir, id)
	h, err := jfile.Open(path, os.O_RDWR, 0640)
	if err != nil {
		return 0, jlogerr.E(jlogerr.FileOpen, err)
	}
	defer h.Close()
	if err := h.Lock(); err != nil {
		return 0, err
	}
	defer h.Unlock()

	size, err := h.Size()
	if err != nil {
		return 0, jlogerr.E(jlogerr.FileSeek, err)
	}
	if size == 0 {
		return 0, nil
	}

	type hole struct{ start, end int64 }
	var holes []hole

	validHeaderAt := func(off int64) (segstore.RecordHeader, bool) {
		if off+segstore.HeaderSize > size {
			return segstore.RecordHeader{}, false
		}
		b := make([]byte, segstore.HeaderSize)
		if _, err := h.Pread(b, off); err != nil {
			return segstore.RecordHeader{}, false
		}
		hdr := segstore.DecodeHeader(b)
		if hdr.Magic != hdrMagic {
			return segstore.RecordHeader{}, false
		}
		if off+hdr.RecordSize() > size {
			return segstore.RecordHeader{}, false
		}
		return hdr, true
	}

	var pos int64
	for pos < size {
		hdr, ok := validHeaderAt(pos)
		if ok {
			pos += hdr.RecordSize()
			continue
		}
		// Corruption: byte-scan forward for an anchor -- a position whose
		// header is valid and whose following record's header is also
		// valid (two consecutive valid headers confirm genuine resync,
		// not a false-positive magic match inside garbage). A valid record
		// that ends exactly at end of file is also accepted as an anchor.
		badStart := pos
		anchor := int64(-1)
		for cand := pos + 1; cand < size; cand++ {
			hdr1, ok1 := validHeaderAt(cand)
			if !ok1 {
				continue
			}
			if _, ok2 := validHeaderAt(cand + hdr1.RecordSize()); ok2 || cand+hdr1.RecordSize() == size {
				anchor = cand
				break
			}
		}
		if anchor < 0 {
			// No further valid record anywhere: the remainder of the file
			// is one trailing hole.
			holes = append(holes, hole{badStart, size})
			pos = size
			break
		}
		holes = append(holes, hole{badStart, anchor})
		pos = anchor
	}

	if len(holes) == 0 {
		return 0, nil
	}

	// Coalesce adjacent holes (the scan above never produces overlapping
	// or out-of-order ranges, but adjacent ranges can still abut).
	coalesced := holes[:1]
	for _, hl := range holes[1:] {
		last := &coalesced[len(coalesced)-1]
		if hl.start == last.end {
			last.end = hl.end
		} else {
			coalesced = append(coalesced, hl)
		}
	}

	// Rewrite: slide each valid run following a hole left to close it,
	// using 4KB copy buffers.
	const bufSize = 4096
	buf := make([]byte, bufSize)
	writeOff := coalesced[0].start
	readOff := coalesced[0].end
	holeIdx := 1
	for readOff < size {
		nextHoleStart := size
		if holeIdx < len(coalesced) {
			nextHoleStart = coalesced[holeIdx].start
		}
		for readOff < nextHoleStart {
			n := bufSize
			if int64(n) > nextHoleStart-readOff {
				n = int(nextHoleStart - readOff)
			}
			if _, err := h.Pread(buf[:n], readOff); err != nil {
				return 0, jlogerr.E(jlogerr.FileRead, err)
			}
			if _, err := h.Pwrite(buf[:n], writeOff); err != nil {
				return 0, jlogerr.E(jlogerr.FileWrite, err)
			}
			readOff += int64(n)
			writeOff += int64(n)
		}
		if holeIdx < len(coalesced) {
			readOff = coalesced[holeIdx].end
			holeIdx++
		}
	}

	if err := h.Truncate(writeOff); err != nil {
		return 0, jlogerr.E(jlogerr.FileWrite, err)
	}
	return len(coalesced), nil
}
