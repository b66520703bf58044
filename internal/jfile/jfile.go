// Package jfile implements the file primitive the rest of jlog treats as
// given: positional read/write, advisory exclusive locking, read-write and
// read-only memory mapping, size, truncate and sync. It is grounded on
// github.com/grailbio/base/flock's syscall.Flock(LOCK_EX) retry-with-log
// loop and github.com/grailbio/base/stress/oom's golang.org/x/sys/unix.Mmap
// call shape.
//
// A Handle wraps exactly one *os.File. Locking is reentrant within a
// process only to the extent that a single goroutine holds the handle;
// concurrent goroutines in the same process attempting Lock will block on
// an internal mutex exactly as flock_unix.go serializes local callers
// before taking the OS lock.
package jfile

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/segmentlog/jlog/internal/jlogerr"
	"github.com/segmentlog/jlog/internal/jlogging"
)

// Handle is an open file plus whatever memory mapping currently backs it.
type Handle struct {
	f    *os.File
	path string

	mu     sync.Mutex // serializes local access before taking the OS flock
	locked bool

	mapMu sync.Mutex
	mapB  []byte
}

// Open opens (and, per flag, creates) the file at path.
func Open(path string, flag int, perm os.FileMode) (*Handle, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, jlogerr.E(jlogerr.Open, err.Error(), err)
	}
	return &Handle{f: f, path: path}, nil
}

// Path returns the path the handle was opened with.
func (h *Handle) Path() string { return h.path }

// File returns the underlying *os.File, for callers (e.g. os.ReadDir-style
// directory scans) that need raw os semantics jfile does not wrap.
func (h *Handle) File() *os.File { return h.f }

// Close unmaps (if mapped) and closes the underlying file.
func (h *Handle) Close() error {
	h.mapMu.Lock()
	if h.mapB != nil {
		_ = unix.Munmap(h.mapB)
		h.mapB = nil
	}
	h.mapMu.Unlock()
	return h.f.Close()
}

// Lock takes an exclusive advisory lock on the file, blocking until
// acquired. It logs while waiting, matching flock_unix.go's behavior of
// surfacing lock contention instead of blocking silently.
func (h *Handle) Lock() error {
	h.mu.Lock()
	fd := int(h.f.Fd())
	err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
	for err == unix.EWOULDBLOCK || err == unix.EAGAIN {
		jlogging.Debugf("jfile: waiting for lock %s", h.path)
		err = unix.Flock(fd, unix.LOCK_EX)
	}
	if err != nil {
		h.mu.Unlock()
		return jlogerr.E(jlogerr.Lock, h.path, err)
	}
	h.locked = true
	return nil
}

// Unlock releases the lock taken by Lock.
func (h *Handle) Unlock() error {
	defer h.mu.Unlock()
	if !h.locked {
		return nil
	}
	h.locked = false
	if err := unix.Flock(int(h.f.Fd()), unix.LOCK_UN); err != nil {
		return jlogerr.E(jlogerr.Lock, h.path, err)
	}
	return nil
}

// Size returns the current file size.
func (h *Handle) Size() (int64, error) {
	fi, err := h.f.Stat()
	if err != nil {
		return 0, jlogerr.E(jlogerr.FileSeek, h.path, err)
	}
	return fi.Size(), nil
}

// Truncate sets the file's size.
func (h *Handle) Truncate(size int64) error {
	if err := h.f.Truncate(size); err != nil {
		return jlogerr.E(jlogerr.FileWrite, h.path, err)
	}
	return nil
}

// Sync fsyncs the file.
func (h *Handle) Sync() error {
	if err := h.f.Sync(); err != nil {
		return jlogerr.E(jlogerr.FileWrite, h.path, err)
	}
	return nil
}

// Pread reads len(b) bytes at off.
func (h *Handle) Pread(b []byte, off int64) (int, error) {
	n, err := unix.Pread(int(h.f.Fd()), b, off)
	if err != nil {
		return n, jlogerr.E(jlogerr.FileRead, h.path, err)
	}
	return n, nil
}

// Pwrite writes b at off.
func (h *Handle) Pwrite(b []byte, off int64) (int, error) {
	n, err := unix.Pwrite(int(h.f.Fd()), b, off)
	if err != nil {
		return n, jlogerr.E(jlogerr.FileWrite, h.path, err)
	}
	return n, nil
}

// MmapMode selects the protection/sharing requested of Mmap.
type MmapMode int

const (
	// MmapReadOnly maps the file PROT_READ, MAP_SHARED.
	MmapReadOnly MmapMode = iota
	// MmapReadWrite maps the file PROT_READ|PROT_WRITE, MAP_SHARED.
	MmapReadWrite
)

// Mmap maps the first length bytes of the file and remembers the mapping so
// Close and Munmap can tear it down. Only one mapping may be live per
// Handle at a time.
func (h *Handle) Mmap(length int, mode MmapMode) ([]byte, error) {
	h.mapMu.Lock()
	defer h.mapMu.Unlock()
	if h.mapB != nil {
		return nil, jlogerr.E(jlogerr.FileOpen, h.path, "already mapped")
	}
	prot := unix.PROT_READ
	if mode == MmapReadWrite {
		prot |= unix.PROT_WRITE
	}
	b, err := unix.Mmap(int(h.f.Fd()), 0, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, jlogerr.E(jlogerr.FileOpen, h.path, err)
	}
	h.mapB = b
	return b, nil
}

// Munmap tears down the current mapping, if any. It must be called before
// any Truncate that shrinks the file out from under a live mapping (e.g.
// datafile repair).
func (h *Handle) Munmap() error {
	h.mapMu.Lock()
	defer h.mapMu.Unlock()
	if h.mapB == nil {
		return nil
	}
	err := unix.Munmap(h.mapB)
	h.mapB = nil
	if err != nil {
		return jlogerr.E(jlogerr.FileOpen, h.path, err)
	}
	return nil
}

// Msync flushes the current mapping. If sync is true it requests MS_SYNC
// (durable before return); otherwise MS_ASYNC|MS_INVALIDATE (scheduled, and
// any stale cached pages dropped), matching the SAFE vs ALMOST_SAFE split
// in the metastore's save path.
func (h *Handle) Msync(sync bool) error {
	h.mapMu.Lock()
	b := h.mapB
	h.mapMu.Unlock()
	if b == nil {
		return nil
	}
	flags := unix.MS_ASYNC | unix.MS_INVALIDATE
	if sync {
		flags = unix.MS_SYNC
	}
	if err := unix.Msync(b, flags); err != nil {
		return jlogerr.E(jlogerr.FileWrite, h.path, err)
	}
	return nil
}

// Mapping returns the currently live mapping, or nil.
func (h *Handle) Mapping() []byte {
	h.mapMu.Lock()
	defer h.mapMu.Unlock()
	return h.mapB
}
