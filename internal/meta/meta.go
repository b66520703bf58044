// Package meta implements the metastore manager: the 16-byte file holding
// the directory's global parameters (current write segment, rotation
// threshold, safety mode, record magic). It is grounded on
// github.com/grailbio/base/state.File (one *os.File per logical resource,
// guarded by both a local mutex and an OS flock, with Marshal/Unmarshal
// writing through a temp-and-rename or, here, a fixed-size in-place mmap)
// combined with the mmap-mutation pattern from jfile.
package meta

import (
	"encoding/binary"
	"os"

	"github.com/segmentlog/jlog/internal/jfile"
	"github.com/segmentlog/jlog/internal/jlogerr"
)

// Safety mode constants.
const (
	Unsafe Safety = iota
	AlmostSafe
	Safe
)

type Safety uint32

// Defaults applied to a freshly created metastore.
const (
	DefaultUnitLimit = 4 << 20 // 4 MiB
	DefaultSafety    = AlmostSafe
	// DefaultHdrMagic is the record header magic new directories are
	// stamped with (originally perl -e 'print pack("IIII", $latest, 4<<20, 1, 0x663A7318)').
	DefaultHdrMagic = 0x663A7318

	legacySize  = 12
	currentSize = 16
)

// Data is the in-memory view of the 16-byte on-disk metastore struct:
// storage_log, unit_limit, safety, hdr_magic, each a little-endian uint32.
type Data struct {
	StorageLog uint32
	UnitLimit  uint32
	Safety     uint32
	HdrMagic   uint32
}

func (d Data) encode() []byte {
	b := make([]byte, currentSize)
	binary.LittleEndian.PutUint32(b[0:4], d.StorageLog)
	binary.LittleEndian.PutUint32(b[4:8], d.UnitLimit)
	binary.LittleEndian.PutUint32(b[8:12], d.Safety)
	binary.LittleEndian.PutUint32(b[12:16], d.HdrMagic)
	return b
}

func decode(b []byte) Data {
	var d Data
	d.StorageLog = binary.LittleEndian.Uint32(b[0:4])
	d.UnitLimit = binary.LittleEndian.Uint32(b[4:8])
	d.Safety = binary.LittleEndian.Uint32(b[8:12])
	if len(b) >= currentSize {
		d.HdrMagic = binary.LittleEndian.Uint32(b[12:16])
	}
	return d
}

// Store manages the metastore file at <dir>/metastore.
type Store struct {
	path string
	h    *jfile.Handle
	// mapped is true once Open has succeeded and the mapping is live.
	mapped bool
	// template holds the values that will be written out the first time the
	// metastore is created; AlterSafety/AlterUnitLimit before Open mutate
	// this instead of touching a file that doesn't exist yet.
	template Data
}

// New returns a Store bound to <dir>/metastore, with the default template
// values queued for use if the file does not yet exist.
func New(dir string) *Store {
	return &Store{
		path: dir + "/metastore",
		template: Data{
			UnitLimit: DefaultUnitLimit,
			Safety:    uint32(DefaultSafety),
			HdrMagic:  DefaultHdrMagic,
		},
	}
}

// Path returns the metastore's file path.
func (s *Store) Path() string { return s.path }

// Open opens or creates the metastore and maps it read-write. If the file
// is exactly the legacy 12-byte size, it is upgraded in place by appending
// a zero hdr_magic, which is then used as-is.
func (s *Store) Open() error {
	h, err := jfile.Open(s.path, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		return jlogerr.E(jlogerr.MetaOpen, err)
	}
	s.h = h

	size, err := h.Size()
	if err != nil {
		return jlogerr.E(jlogerr.MetaOpen, err)
	}

	switch {
	case size == 0:
		if err := s.writeThrough(s.template); err != nil {
			return jlogerr.E(jlogerr.CreateMeta, err)
		}
	case size == legacySize:
		if err := s.upgradeLegacy(); err != nil {
			return jlogerr.E(jlogerr.CreateMeta, err)
		}
	case size != currentSize:
		return jlogerr.E(jlogerr.MetaOpen, "unexpected metastore size")
	}

	b, err := h.Mmap(currentSize, jfile.MmapReadWrite)
	if err != nil {
		return jlogerr.E(jlogerr.MetaOpen, err)
	}
	_ = b
	s.mapped = true
	return nil
}

// upgradeLegacy appends a zero hdr_magic word to a 12-byte legacy metastore.
func (s *Store) upgradeLegacy() error {
	b := make([]byte, legacySize)
	if _, err := s.h.Pread(b, 0); err != nil {
		return err
	}
	b = append(b, 0, 0, 0, 0)
	_, err := s.h.Pwrite(b, 0)
	return err
}

func (s *Store) writeThrough(d Data) error {
	_, err := s.h.Pwrite(d.encode(), 0)
	if err != nil {
		return err
	}
	if d.Safety == uint32(Safe) {
		return s.h.Sync()
	}
	return nil
}

// Close unmaps and closes the metastore file.
func (s *Store) Close() error {
	if s.h == nil {
		return nil
	}
	return s.h.Close()
}

// Lock takes the metastore's advisory lock. This is the outermost lock in
// the metastore -> data -> index ordering.
func (s *Store) Lock() error {
	if s.h == nil {
		return jlogerr.E(jlogerr.MetaOpen, "metastore not open")
	}
	return s.h.Lock()
}

// Unlock releases the metastore lock.
func (s *Store) Unlock() error {
	if s.h == nil {
		return nil
	}
	return s.h.Unlock()
}

// Reload re-reads the metastore's current contents from its live mapping,
// picking up any rotation performed by another process or an aborted prior
// process.
func (s *Store) Reload() (Data, error) {
	if !s.mapped {
		b := make([]byte, currentSize)
		if _, err := s.h.Pread(b, 0); err != nil {
			return Data{}, jlogerr.E(jlogerr.MetaOpen, err)
		}
		return decode(b), nil
	}
	return decode(s.h.Mapping()), nil
}

// Save writes d back to the metastore. When mapped, it msyncs the mapping
// (MS_SYNC if Safety==Safe, else MS_ASYNC|MS_INVALIDATE); when not mapped
// (reopen paths before Open has mmap'd), it positional-writes and fsyncs
// iff safe. Callers must hold the metastore lock.
func (s *Store) Save(d Data) error {
	if s.mapped {
		copy(s.h.Mapping(), d.encode())
		return s.h.Msync(Safety(d.Safety) == Safe)
	}
	return s.writeThrough(d)
}

// AlterSafety mutates the safety mode. If the store is already open, the
// change is persisted immediately under the metastore lock; otherwise it is
// queued in the pre-init template.
func (s *Store) AlterSafety(v Safety) error {
	if s.h == nil {
		s.template.Safety = uint32(v)
		return nil
	}
	if err := s.Lock(); err != nil {
		return err
	}
	defer s.Unlock()
	d, err := s.Reload()
	if err != nil {
		return err
	}
	d.Safety = uint32(v)
	return s.Save(d)
}

// AlterUnitLimit mutates the rotation threshold, with the same queue-before-
// open semantics as AlterSafety.
func (s *Store) AlterUnitLimit(v uint32) error {
	if s.h == nil {
		s.template.UnitLimit = v
		return nil
	}
	if err := s.Lock(); err != nil {
		return err
	}
	defer s.Unlock()
	d, err := s.Reload()
	if err != nil {
		return err
	}
	d.UnitLimit = v
	return s.Save(d)
}
