// Package segstore implements segment and index file lifecycle: naming,
// handle caching, creation, rotation bookkeeping and mmap for readers. It
// is grounded on github.com/grailbio/base/file.File's "one handle per
// logical resource, Reader/Writer share a seek pointer" shape and
// stress/oom's mmap call shape, layered on internal/jfile.
package segstore

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/segmentlog/jlog/internal/jfile"
	"github.com/segmentlog/jlog/internal/jlogerr"
	"github.com/segmentlog/jlog/sync/multierror"
)

// LogID is a monotonic segment number; the directory file name is its
// lowercase 8-hex-digit representation.
type LogID uint32

// Marker is a 1-based record ordinal within a segment; 0 means "before
// first".
type Marker uint32

// Position is an opaque (LogID, Marker) pair, ordered lexically by
// (LogID, Marker).
type Position struct {
	Log    LogID
	Marker Marker
}

// Less reports whether p sorts before q.
func (p Position) Less(q Position) bool {
	if p.Log != q.Log {
		return p.Log < q.Log
	}
	return p.Marker < q.Marker
}

// Name returns the 8-hex-digit lowercase file name for id.
func (id LogID) Name() string { return fmt.Sprintf("%08x", uint32(id)) }

// ParseLogID parses an 8-hex-digit file name back into a LogID. It returns
// false if name is not a valid log file name.
func ParseLogID(name string) (LogID, bool) {
	if len(name) != 8 {
		return 0, false
	}
	v, err := strconv.ParseUint(name, 16, 32)
	if err != nil {
		return 0, false
	}
	return LogID(v), true
}

const segmentMode = 0640

// DataPath returns <dir>/<8-hex> for id.
func DataPath(dir string, id LogID) string { return dir + "/" + id.Name() }

// IndexPath returns <dir>/<8-hex>.idx for id.
func IndexPath(dir string, id LogID) string { return DataPath(dir, id) + ".idx" }

// Store caches the handles a directory needs live at once: the current
// reader data segment and its mmap, the current index handle, and the
// current writer data segment. Switching the reader's current log
// invalidates the reader and indexer caches together.
type Store struct {
	dir string

	mu sync.Mutex

	writerLog  LogID
	writerData *jfile.Handle

	readerLog  LogID
	readerData *jfile.Handle
	readerMap  []byte
	readerHave bool

	indexLog  LogID
	indexData *jfile.Handle
	indexHave bool
}

// New returns a Store rooted at dir.
func New(dir string) *Store { return &Store{dir: dir} }

// Dir returns the store's directory.
func (s *Store) Dir() string { return s.dir }

// WriterSegment returns the (possibly newly created) data file handle for
// id, caching it as the current writer segment.
func (s *Store) WriterSegment(id LogID) (*jfile.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writerData != nil && s.writerLog == id {
		return s.writerData, nil
	}
	if s.writerData != nil {
		_ = s.writerData.Close()
		s.writerData = nil
	}
	h, err := jfile.Open(DataPath(s.dir, id), os.O_CREATE|os.O_RDWR, segmentMode)
	if err != nil {
		return nil, jlogerr.E(jlogerr.FileOpen, err)
	}
	s.writerData = h
	s.writerLog = id
	return h, nil
}

// CreateSegment ensures an (empty, if new) data file exists for id, without
// making it the cached writer segment. Used by rotation to materialize the
// next segment.
func (s *Store) CreateSegment(id LogID) error {
	h, err := jfile.Open(DataPath(s.dir, id), os.O_CREATE|os.O_RDWR, segmentMode)
	if err != nil {
		return jlogerr.E(jlogerr.FileOpen, err)
	}
	return h.Close()
}

// ReaderData returns the cached reader data handle for id, opening (but not
// creating) it if necessary. Switching id invalidates the previous reader
// mapping and index handle together.
func (s *Store) ReaderData(id LogID) (*jfile.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readerDataLocked(id)
}

func (s *Store) readerDataLocked(id LogID) (*jfile.Handle, error) {
	if s.readerData != nil && s.readerLog == id {
		return s.readerData, nil
	}
	s.invalidateReaderLocked(id)
	h, err := jfile.Open(DataPath(s.dir, id), os.O_RDWR, segmentMode)
	if err != nil {
		return nil, jlogerr.E(jlogerr.FileOpen, err)
	}
	s.readerData = h
	s.readerLog = id
	return h, nil
}

// invalidateReaderLocked tears down the cached reader mapping/handle and
// the cached index handle together, as switching current_log requires. An
// index handle already open for id (the log being switched to) is kept.
func (s *Store) invalidateReaderLocked(id LogID) {
	if s.readerData != nil {
		_ = s.readerData.Munmap()
		_ = s.readerData.Close()
		s.readerData = nil
		s.readerMap = nil
		s.readerHave = false
	}
	if s.indexData != nil && s.indexLog != id {
		_ = s.indexData.Close()
		s.indexData = nil
		s.indexHave = false
	}
}

// ReaderMmap returns a read-only mapping of length bytes of id's data file,
// remapping whenever id changes or the requested length grows.
func (s *Store) ReaderMmap(id LogID, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, err := s.readerDataLocked(id)
	if err != nil {
		return nil, err
	}
	if s.readerHave && len(s.readerMap) >= length {
		return s.readerMap, nil
	}
	if s.readerHave {
		if err := h.Munmap(); err != nil {
			return nil, err
		}
		s.readerHave = false
		s.readerMap = nil
	}
	b, err := h.Mmap(length, jfile.MmapReadOnly)
	if err != nil {
		return nil, jlogerr.E(jlogerr.FileOpen, err)
	}
	s.readerMap = b
	s.readerHave = true
	return b, nil
}

// ReleaseReaderMmap unmaps the current reader mapping (if any) without
// closing the handle, so the next ReaderMmap call remaps with fresh data.
// Used by read_interval once it has decided how far a subscriber has read.
func (s *Store) ReleaseReaderMmap(id LogID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readerData == nil || s.readerLog != id || !s.readerHave {
		return nil
	}
	if err := s.readerData.Munmap(); err != nil {
		return err
	}
	s.readerHave = false
	s.readerMap = nil
	return nil
}

// IndexHandle returns the cached index handle for id, creating the file if
// it does not exist yet (the index is built lazily).
func (s *Store) IndexHandle(id LogID) (*jfile.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexData != nil && s.indexLog == id {
		return s.indexData, nil
	}
	if s.indexData != nil {
		_ = s.indexData.Close()
		s.indexData = nil
	}
	h, err := jfile.Open(IndexPath(s.dir, id), os.O_CREATE|os.O_RDWR, segmentMode)
	if err != nil {
		return nil, jlogerr.E(jlogerr.IndexOpen, err)
	}
	s.indexData = h
	s.indexLog = id
	s.indexHave = true
	return h, nil
}

// CloseIndexHandle closes and drops the cached index handle for id, forcing
// the next IndexHandle call to reopen from scratch. Used when a resync
// needs to fully truncate and restart (the caller's outer repair retry).
func (s *Store) CloseIndexHandle(id LogID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexData != nil && s.indexLog == id {
		_ = s.indexData.Close()
		s.indexData = nil
		s.indexHave = false
	}
}

// Close tears down every cached handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	errs := multierror.NewMultiError(4)
	if s.writerData != nil {
		errs.Add(s.writerData.Close())
		s.writerData = nil
	}
	if s.readerData != nil {
		errs.Add(s.readerData.Munmap())
		errs.Add(s.readerData.Close())
	}
	if s.indexData != nil {
		errs.Add(s.indexData.Close())
	}
	s.readerData, s.readerMap, s.readerHave = nil, nil, false
	s.indexData, s.indexHave = nil, false
	return errs.ErrorOrNil()
}

// Remove deletes the data and index files for id. ENOENT on either is
// ignored, matching the retention path's "best effort" unlink semantics.
func (s *Store) Remove(id LogID) error {
	if err := os.Remove(DataPath(s.dir, id)); err != nil && !os.IsNotExist(err) {
		return jlogerr.E(jlogerr.FileWrite, err)
	}
	if err := os.Remove(IndexPath(s.dir, id)); err != nil && !os.IsNotExist(err) {
		return jlogerr.E(jlogerr.IndexWrite, err)
	}
	return nil
}
