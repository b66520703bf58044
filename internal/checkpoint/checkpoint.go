// Package checkpoint implements subscriber lifecycle, checkpoint
// persistence and the retention sweep that deletes segments every
// subscriber has passed. It is grounded on github.com/grailbio/base/state.File
// (one *os.File per logical resource, O_EXCL create-if-absent, advisory
// flock around read-modify-write) and uses golang.org/x/sync/errgroup
// (as in file/util.go's ReadFile/WriteFile helpers) to parallelize the
// directory scan pending_readers performs across every subscriber.
package checkpoint

import (
	"encoding/binary"
	"encoding/hex"
	"os"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/segmentlog/jlog/internal/jfile"
	"github.com/segmentlog/jlog/internal/jlogerr"
	"github.com/segmentlog/jlog/internal/segstore"
)

// Whence selects where a newly added subscriber starts reading from.
type Whence int

const (
	Begin Whence = iota
	End
)

const fileSize = 8 // LogId u32 + Marker u32, little-endian.

const prefix = "cp."

// EncodeName hex-encodes a subscriber name byte-by-byte, producing two
// lowercase hex digits per input byte.
func EncodeName(name string) string { return hex.EncodeToString([]byte(name)) }

// DecodeName reverses EncodeName.
func DecodeName(hexName string) (string, bool) {
	b, err := hex.DecodeString(hexName)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// Path returns <dir>/cp.<hex> for name.
func Path(dir, name string) string { return dir + "/" + prefix + EncodeName(name) }

func encodePosition(p segstore.Position) []byte {
	b := make([]byte, fileSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(p.Log))
	binary.LittleEndian.PutUint32(b[4:8], uint32(p.Marker))
	return b
}

func decodePosition(b []byte) segstore.Position {
	return segstore.Position{
		Log:    segstore.LogID(binary.LittleEndian.Uint32(b[0:4])),
		Marker: segstore.Marker(binary.LittleEndian.Uint32(b[4:8])),
	}
}

// Manager manages the checkpoint files of one log directory.
type Manager struct {
	dir string
}

// New returns a Manager rooted at dir.
func New(dir string) *Manager { return &Manager{dir: dir} }

// AddSubscriber creates cp.<hex of name> exclusively. If whence is End,
// endPos is invoked (by the caller, who alone knows how to resolve "the
// current end of the log") to obtain the initial checkpoint; for Begin, pos
// is firstLogID at marker 0.
func (m *Manager) AddSubscriber(name string, whence Whence, firstLogID segstore.LogID, endPos func() (segstore.Position, error)) error {
	path := Path(m.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0640)
	if err != nil {
		if os.IsExist(err) {
			return jlogerr.E(jlogerr.SubscriberExists, name)
		}
		return jlogerr.E(jlogerr.Checkpoint, err)
	}
	defer f.Close()

	var pos segstore.Position
	switch whence {
	case Begin:
		pos = segstore.Position{Log: firstLogID, Marker: 0}
	case End:
		pos, err = endPos()
		if err != nil {
			os.Remove(path)
			return err
		}
	default:
		os.Remove(path)
		return jlogerr.E(jlogerr.Checkpoint, "invalid whence")
	}
	if _, err := f.Write(encodePosition(pos)); err != nil {
		os.Remove(path)
		return jlogerr.E(jlogerr.Checkpoint, err)
	}
	return nil
}

// RemoveSubscriber unlinks name's checkpoint file.
func (m *Manager) RemoveSubscriber(name string) error {
	if err := os.Remove(Path(m.dir, name)); err != nil {
		if os.IsNotExist(err) {
			return jlogerr.E(jlogerr.InvalidSubscriber, name)
		}
		return jlogerr.E(jlogerr.Checkpoint, err)
	}
	return nil
}

// ListSubscribers returns every subscriber name with a checkpoint file,
// sorted lexically by decoded name for deterministic output -- a
// deliberate deviation from the original's directory-scan order.
func (m *Manager) ListSubscribers() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, jlogerr.E(jlogerr.Open, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		name, ok := DecodeName(strings.TrimPrefix(e.Name(), prefix))
		if !ok {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ReadCheckpoint returns name's current position. A nonexistent subscriber
// is reported as InvalidSubscriber.
func (m *Manager) ReadCheckpoint(name string) (segstore.Position, error) {
	h, err := jfile.Open(Path(m.dir, name), os.O_RDONLY, 0640)
	if err != nil {
		if os.IsNotExist(err) {
			return segstore.Position{}, jlogerr.E(jlogerr.InvalidSubscriber, name)
		}
		return segstore.Position{}, jlogerr.E(jlogerr.Checkpoint, err)
	}
	defer h.Close()
	return readLocked(h)
}

func readLocked(h *jfile.Handle) (segstore.Position, error) {
	size, err := h.Size()
	if err != nil {
		return segstore.Position{}, jlogerr.E(jlogerr.Checkpoint, err)
	}
	if size == 0 {
		return segstore.Position{}, nil
	}
	b := make([]byte, fileSize)
	if _, err := h.Pread(b, 0); err != nil {
		return segstore.Position{}, jlogerr.E(jlogerr.Checkpoint, err)
	}
	return decodePosition(b), nil
}

// SetCheckpoint writes pos as name's new checkpoint under lock, returning
// the previous position (or {pos.Log, 0} if the file was empty). It fsyncs
// iff safe.
func (m *Manager) SetCheckpoint(name string, pos segstore.Position, safe bool) (segstore.Position, error) {
	h, err := jfile.Open(Path(m.dir, name), os.O_RDWR, 0640)
	if err != nil {
		if os.IsNotExist(err) {
			return segstore.Position{}, jlogerr.E(jlogerr.InvalidSubscriber, name)
		}
		return segstore.Position{}, jlogerr.E(jlogerr.Checkpoint, err)
	}
	defer h.Close()
	if err := h.Lock(); err != nil {
		return segstore.Position{}, err
	}
	defer h.Unlock()

	old, err := readLocked(h)
	if err != nil {
		return segstore.Position{}, err
	}
	size, _ := h.Size()
	if size == 0 {
		old = segstore.Position{Log: pos.Log, Marker: 0}
	}
	if _, err := h.Pwrite(encodePosition(pos), 0); err != nil {
		return segstore.Position{}, jlogerr.E(jlogerr.Checkpoint, err)
	}
	if safe {
		if err := h.Sync(); err != nil {
			return segstore.Position{}, jlogerr.E(jlogerr.Checkpoint, err)
		}
	}
	return old, nil
}

// PendingReaders scans every subscriber's checkpoint file and returns how
// many have a LogId <= log, along with the minimum LogId observed across
// all of them. The per-file reads run concurrently via errgroup, matching
// file/util.go's ReadFile/WriteFile helper's use of golang.org/x/sync/errgroup
// for directory-wide fan-out.
func (m *Manager) PendingReaders(log segstore.LogID) (count int, earliest segstore.LogID, err error) {
	names, err := m.ListSubscribers()
	if err != nil {
		return 0, 0, err
	}
	if len(names) == 0 {
		return 0, 0, nil
	}

	positions := make([]segstore.Position, len(names))
	var g errgroup.Group
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			pos, err := m.ReadCheckpoint(name)
			if err != nil {
				return err
			}
			positions[i] = pos
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	earliest = positions[0].Log
	for _, pos := range positions {
		if pos.Log <= log {
			count++
		}
		if pos.Log < earliest {
			earliest = pos.Log
		}
	}
	return count, earliest, nil
}

// Advance performs the full set_checkpoint operation: it
// persists pos as name's new checkpoint, then for every segment LogId in
// [old.Log, pos.Log) removes the segment's data and index files once no
// subscriber (including name's own new position) still needs them.
func (m *Manager) Advance(store *segstore.Store, name string, pos segstore.Position, safe bool) error {
	old, err := m.SetCheckpoint(name, pos, safe)
	if err != nil {
		return err
	}
	for l := old.Log; l < pos.Log; l++ {
		n, _, err := m.PendingReaders(l)
		if err != nil {
			return err
		}
		if n == 0 {
			if err := store.Remove(l); err != nil {
				return err
			}
		}
	}
	return nil
}
