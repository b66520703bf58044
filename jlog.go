// Package jlog implements a journaled, append-only, multi-subscriber
// message log stored as a directory of segment files on a local
// filesystem. One writer appends variable-length records; independent
// subscribers read at their own pace behind durable checkpoints; segments
// are garbage-collected once every subscriber has advanced past them.
//
// The hard engineering -- on-disk format, segment/index lifecycle, the
// crash-consistent append and indexing protocol, checkpoint/retention
// logic and the repair paths -- lives in internal/meta, internal/segstore,
// internal/checkpoint and internal/repair. This package wires those
// together behind the public Context API, in the manner of
// github.com/grailbio/base/state.File's "single guarded handle" shape.
package jlog

import (
	"context"
	"os"
	"time"

	"github.com/segmentlog/jlog/internal/checkpoint"
	"github.com/segmentlog/jlog/internal/jlogerr"
	"github.com/segmentlog/jlog/internal/jlogging"
	"github.com/segmentlog/jlog/internal/meta"
	"github.com/segmentlog/jlog/internal/repair"
	"github.com/segmentlog/jlog/internal/segstore"
	"github.com/segmentlog/jlog/sync/ctxsync"
	"github.com/segmentlog/jlog/sync/multierror"
)

// Mode is the Context's lifecycle state: {NEW, INIT, APPEND, READ, INVALID}.
type Mode int

const (
	ModeNew Mode = iota
	ModeInit
	ModeAppend
	ModeRead
	ModeInvalid
)

func (m Mode) String() string {
	switch m {
	case ModeNew:
		return "new"
	case ModeInit:
		return "init"
	case ModeAppend:
		return "append"
	case ModeRead:
		return "read"
	default:
		return "invalid"
	}
}

// Whence selects where a newly added subscriber starts reading from.
type Whence = checkpoint.Whence

const (
	Begin = checkpoint.Begin
	End   = checkpoint.End
)

// Safety re-exports the metastore's durability mode.
type Safety = meta.Safety

const (
	Unsafe     = meta.Unsafe
	AlmostSafe = meta.AlmostSafe
	Safe       = meta.Safe
)

// LogID, Marker and Position re-export the segment store's wire types so
// callers never need to import internal/segstore directly.
type (
	LogID    = segstore.LogID
	Marker   = segstore.Marker
	Position = segstore.Position
)

const dirMode = 0750

// Option configures a Context's initial metastore template, applied before
// Init, in the style of a plain option-struct constructor rather than a
// flag/env parsing library -- there is no command-line surface in the
// core.
type Option func(*Context) error

// WithUnitLimit sets the rotation threshold in bytes.
func WithUnitLimit(v uint32) Option {
	return func(c *Context) error { return c.meta.AlterUnitLimit(v) }
}

// WithSafety sets the initial safety mode.
func WithSafety(v Safety) Option {
	return func(c *Context) error { return c.meta.AlterSafety(v) }
}

// Context is a single log directory's handle: one writer and/or one bound
// reader subscriber, backed by a metastore, a segment store and a
// checkpoint manager. A Context must not be used from multiple goroutines
// without the guard its methods take internally -- that guard serializes
// Go-level callers, it does not substitute for the cross-process flock
// discipline documented in internal/jfile.
type Context struct {
	dir  string
	mode Mode

	// guard is a context-aware mutex (sync/ctxsync)
	// protecting this single Context value from concurrent misuse by more
	// than one goroutine in the same process -- the C original achieved the
	// same property implicitly by being single-threaded per jlog_ctx.
	guard ctxsync.Mutex

	meta *meta.Store
	segs *segstore.Store
	cps  *checkpoint.Manager

	currentLog segstore.LogID
	subscriber string

	lastErr error
}

// New returns a Context bound to path, in ModeNew. Options mutate the
// metastore template that will be written out the first time Init creates
// the directory.
func New(path string, opts ...Option) (*Context, error) {
	c := &Context{
		dir:  path,
		mode: ModeNew,
		meta: meta.New(path),
		segs: segstore.New(path),
		cps:  checkpoint.New(path),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, c.fail(err)
		}
	}
	return c, nil
}

func (c *Context) lock() { _ = c.guard.Lock(context.Background()) }
func (c *Context) unlock() { c.guard.Unlock() }

func (c *Context) fail(err error) error {
	c.lastErr = err
	return err
}

// LastError returns the most recent error recorded on c, or nil.
func (c *Context) LastError() error { return c.lastErr }

// Dir returns the log directory path.
func (c *Context) Dir() string { return c.dir }

// Mode returns the Context's current lifecycle state.
func (c *Context) Mode() Mode { return c.mode }

// Init creates the log directory (if absent) and its metastore, moving the
// Context from ModeNew to ModeInit. Calling Init twice, or on a Context not
// in ModeNew, is an illegal transition.
func (c *Context) Init() error {
	c.lock()
	defer c.unlock()
	if c.mode != ModeNew {
		return c.fail(jlogerr.E(jlogerr.IllegalInit, "Init called outside ModeNew"))
	}
	if len(c.dir) > 4096 {
		return c.fail(jlogerr.E(jlogerr.PathTooLong, c.dir))
	}
	fi, err := os.Stat(c.dir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(c.dir, dirMode); err != nil {
			return c.fail(jlogerr.E(jlogerr.MkdirFailed, err))
		}
	case err != nil:
		return c.fail(jlogerr.E(jlogerr.Open, err))
	case !fi.IsDir():
		return c.fail(jlogerr.E(jlogerr.NotADirectory, c.dir))
	}
	if err := c.meta.Open(); err != nil {
		return c.fail(err)
	}
	c.mode = ModeInit
	jlogging.Printf("jlog: initialized %s", c.dir)
	return nil
}

// OpenWriter moves the Context from ModeInit to ModeAppend, adopting the
// metastore's current write segment as the one new writes append to.
func (c *Context) OpenWriter() error {
	c.lock()
	defer c.unlock()
	if c.mode != ModeInit {
		return c.fail(jlogerr.E(jlogerr.IllegalWrite, "OpenWriter requires ModeInit"))
	}
	if err := c.meta.Lock(); err != nil {
		return c.fail(err)
	}
	d, err := c.meta.Reload()
	c.meta.Unlock()
	if err != nil {
		return c.fail(err)
	}
	c.currentLog = segstore.LogID(d.StorageLog)
	if _, err := c.segs.WriterSegment(c.currentLog); err != nil {
		return c.fail(err)
	}
	c.mode = ModeAppend
	return nil
}

// OpenReader moves the Context from ModeInit to ModeRead, binding it to
// subscriber name for ReadInterval/ReadMessage/checkpoint calls.
func (c *Context) OpenReader(name string) error {
	c.lock()
	defer c.unlock()
	if c.mode != ModeInit {
		return c.fail(jlogerr.E(jlogerr.IllegalOpen, "OpenReader requires ModeInit"))
	}
	c.subscriber = name
	c.mode = ModeRead
	return nil
}

// Close tears down every open handle and moves the Context to ModeInvalid.
func (c *Context) Close() error {
	c.lock()
	defer c.unlock()
	errs := multierror.NewMultiError(2)
	errs.Add(c.segs.Close())
	errs.Add(c.meta.Close())
	c.mode = ModeInvalid
	return errs.ErrorOrNil()
}

// currentMetastore reloads the metastore under its lock.
func (c *Context) currentMetastore() (meta.Data, error) {
	if err := c.meta.Lock(); err != nil {
		return meta.Data{}, err
	}
	defer c.meta.Unlock()
	return c.meta.Reload()
}

// Write appends data to the log with the current time as its timestamp.
func (c *Context) Write(data []byte) error { return c.WriteMessage(data, time.Now()) }

// WriteMessage appends data as one record, rotating the writer segment
// when it has grown past the metastore's unit_limit.
func (c *Context) WriteMessage(data []byte, ts time.Time) error {
	c.lock()
	defer c.unlock()
	if c.mode != ModeAppend {
		return c.fail(jlogerr.E(jlogerr.IllegalWrite, "WriteMessage requires ModeAppend"))
	}

	d, err := c.currentMetastore()
	if err != nil {
		return c.fail(err)
	}

	for {
		h, err := c.segs.WriterSegment(c.currentLog)
		if err != nil {
			return c.fail(err)
		}
		if err := h.Lock(); err != nil {
			return c.fail(err)
		}
		off, err := h.Size()
		if err != nil {
			h.Unlock()
			return c.fail(err)
		}
		if off >= int64(d.UnitLimit) {
			h.Unlock()
			if err := c.rotate(&d); err != nil {
				return c.fail(err)
			}
			continue
		}

		hdr := segstore.RecordHeader{
			Magic:  d.HdrMagic,
			TvSec:  uint32(ts.Unix()),
			TvUsec: uint32(ts.Nanosecond() / 1000),
			Mlen:   uint32(len(data)),
		}
		if _, err := h.Pwrite(hdr.Encode(), off); err != nil {
			h.Unlock()
			return c.fail(jlogerr.E(jlogerr.FileWrite, err))
		}
		if len(data) > 0 {
			if _, err := h.Pwrite(data, off+segstore.HeaderSize); err != nil {
				h.Unlock()
				return c.fail(jlogerr.E(jlogerr.FileWrite, err))
			}
		}
		newOff := off + hdr.RecordSize()
		h.Unlock()

		if newOff >= int64(d.UnitLimit) {
			if err := c.rotate(&d); err != nil {
				return c.fail(err)
			}
		}
		return nil
	}
}

// rotate performs atomic rotation under the metastore lock: either this
// caller is first to rotate (storage_log still equals our segment) and
// increments it, or another process already rotated and we just adopt the
// newer storage_log.
func (c *Context) rotate(d *meta.Data) error {
	if err := c.meta.Lock(); err != nil {
		return err
	}
	defer c.meta.Unlock()
	cur, err := c.meta.Reload()
	if err != nil {
		return err
	}
	if segstore.LogID(cur.StorageLog) == c.currentLog {
		next := c.currentLog + 1
		if err := c.segs.CreateSegment(next); err != nil {
			return err
		}
		cur.StorageLog = uint32(next)
		if err := c.meta.Save(cur); err != nil {
			return err
		}
		c.currentLog = next
	} else {
		c.currentLog = segstore.LogID(cur.StorageLog)
	}
	*d = cur
	return nil
}

// resyncWithRepair retries a resync up to 4 times, invoking datafile
// repair and a full index truncate between attempts when the target
// segment is not the current writer segment.
func (c *Context) resyncWithRepair(id segstore.LogID, d meta.Data) (segstore.Position, bool, error) {
	var lastErr error
	for attempt := 0; attempt < 4; attempt++ {
		pos, closed, err := c.segs.ResyncIndex(id, d.HdrMagic, segstore.LogID(d.StorageLog))
		if err == nil {
			return pos, closed, nil
		}
		lastErr = err
		if !jlogerr.Is(err, jlogerr.IndexCorrupt) && !jlogerr.Is(err, jlogerr.FileCorrupt) {
			return segstore.Position{}, false, err
		}
		if id != segstore.LogID(d.StorageLog) {
			if _, rerr := repair.RepairDatafile(c.dir, id, d.HdrMagic); rerr != nil {
				jlogging.Errorf("jlog: repair_datafile(%s) failed: %v", id.Name(), rerr)
			}
		}
		c.segs.CloseIndexHandle(id)
		os.Remove(segstore.IndexPath(c.dir, id))
	}
	return segstore.Position{}, false, jlogerr.E(jlogerr.FileCorrupt, lastErr)
}

// findFirstLogAfter locates the first segment at or after cp with a
// non-empty index, without crossing past the writer's current segment.
func (c *Context) findFirstLogAfter(cp segstore.Position, d meta.Data) (start, finish segstore.Position, err error) {
	storageLog := segstore.LogID(d.StorageLog)
	for id := cp.Log; id <= storageLog; id++ {
		pos, _, rerr := c.resyncWithRepair(id, d)
		if rerr != nil {
			if jlogerr.Is(rerr, jlogerr.FileOpen) {
				// Segment does not exist (never written, or GC'd): nothing
				// more to find past here unless we haven't reached the
				// writer's segment yet.
				if id >= storageLog {
					break
				}
				continue
			}
			return segstore.Position{}, segstore.Position{}, rerr
		}
		if pos.Marker == 0 {
			// Empty segment: try the next one, unless this is the writer's
			// current segment (nothing further exists yet).
			if id >= storageLog {
				return cp, pos, nil
			}
			continue
		}
		if id == cp.Log {
			return cp, pos, nil
		}
		return segstore.Position{Log: id, Marker: 0}, pos, nil
	}
	return cp, segstore.Position{Log: cp.Log, Marker: cp.Marker}, nil
}

// ReadInterval resolves the bound subscriber's checkpoint to an unread
// interval [start, finish], persisting checkpoint advances along the way,
// and returns how many unread records remain.
func (c *Context) ReadInterval() (start, finish segstore.Position, count int, err error) {
	c.lock()
	defer c.unlock()
	if c.mode != ModeRead {
		return segstore.Position{}, segstore.Position{}, 0, c.fail(jlogerr.E(jlogerr.IllegalCheckpoint, "ReadInterval requires ModeRead"))
	}
	cp, err := c.cps.ReadCheckpoint(c.subscriber)
	if err != nil {
		return segstore.Position{}, segstore.Position{}, 0, c.fail(err)
	}
	d, err := c.currentMetastore()
	if err != nil {
		return segstore.Position{}, segstore.Position{}, 0, c.fail(err)
	}

	start, finish, err = c.findFirstLogAfter(cp, d)
	if err != nil {
		return segstore.Position{}, segstore.Position{}, 0, c.fail(err)
	}

	if start.Log != cp.Log {
		if _, err := c.cps.SetCheckpoint(c.subscriber, start, meta.Safety(d.Safety) == meta.Safe); err != nil {
			return segstore.Position{}, segstore.Position{}, 0, c.fail(err)
		}
	}

	n := int(finish.Marker) - int(start.Marker)
	switch {
	case n > 0:
		start.Marker++
		count = n
	case n < 0:
		if _, err := c.cps.SetCheckpoint(c.subscriber, finish, meta.Safety(d.Safety) == meta.Safe); err != nil {
			return segstore.Position{}, segstore.Position{}, 0, c.fail(err)
		}
		start = finish
		count = 0
	default:
		count = 0
	}

	if err := c.segs.ReleaseReaderMmap(start.Log); err != nil {
		return segstore.Position{}, segstore.Position{}, 0, c.fail(err)
	}
	return start, finish, count, nil
}

// ReadMessage returns the record at pos, retrying once via a forced
// resync if the index reports corruption.
func (c *Context) ReadMessage(pos segstore.Position) (segstore.RecordHeader, []byte, error) {
	c.lock()
	defer c.unlock()
	if c.mode != ModeRead {
		return segstore.RecordHeader{}, nil, c.fail(jlogerr.E(jlogerr.IllegalCheckpoint, "ReadMessage requires ModeRead"))
	}
	hdr, payload, err := c.segs.ReadMessage(pos.Log, pos.Marker)
	if err == nil || jlogerr.Is(err, jlogerr.CloseLogID) {
		return hdr, payload, err
	}
	if !jlogerr.Is(err, jlogerr.IndexCorrupt) {
		return segstore.RecordHeader{}, nil, c.fail(err)
	}
	d, merr := c.currentMetastore()
	if merr != nil {
		return segstore.RecordHeader{}, nil, c.fail(merr)
	}
	c.segs.CloseIndexHandle(pos.Log)
	if _, _, rerr := c.resyncWithRepair(pos.Log, d); rerr != nil {
		return segstore.RecordHeader{}, nil, c.fail(rerr)
	}
	hdr, payload, err = c.segs.ReadMessage(pos.Log, pos.Marker)
	if err != nil {
		return segstore.RecordHeader{}, nil, c.fail(err)
	}
	return hdr, payload, nil
}

// ReadCheckpoint returns the bound subscriber's current checkpoint.
func (c *Context) ReadCheckpoint() (segstore.Position, error) {
	c.lock()
	defer c.unlock()
	if c.mode != ModeRead {
		return segstore.Position{}, c.fail(jlogerr.E(jlogerr.IllegalCheckpoint, "ReadCheckpoint requires ModeRead"))
	}
	pos, err := c.cps.ReadCheckpoint(c.subscriber)
	if err != nil {
		return segstore.Position{}, c.fail(err)
	}
	return pos, nil
}

// AdvanceID persists pos as the bound subscriber's new checkpoint and runs
// the retention sweep over segments it leaves behind.
func (c *Context) AdvanceID(pos segstore.Position) error {
	c.lock()
	defer c.unlock()
	if c.mode != ModeRead {
		return c.fail(jlogerr.E(jlogerr.IllegalCheckpoint, "AdvanceID requires ModeRead"))
	}
	d, err := c.currentMetastore()
	if err != nil {
		return c.fail(err)
	}
	if err := c.cps.Advance(c.segs, c.subscriber, pos, meta.Safety(d.Safety) == meta.Safe); err != nil {
		return c.fail(err)
	}
	return nil
}

// currentEnd resolves the position of the last record written so far,
// by resyncing the metastore's current write segment -- the same
// throwaway-reader-and-resync technique JLOG_END uses for a live reader.
func (c *Context) currentEnd() (segstore.Position, error) {
	d, err := c.currentMetastore()
	if err != nil {
		return segstore.Position{}, err
	}
	pos, _, err := c.resyncWithRepair(segstore.LogID(d.StorageLog), d)
	if err != nil {
		return segstore.Position{}, err
	}
	return pos, nil
}

// firstLogIDLocked returns the smallest LogId present in the directory, or
// 0 if none exist.
func (c *Context) firstLogIDLocked() (segstore.LogID, error) {
	earliest, _, found, err := repair.ListSegments(c.dir)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return earliest, nil
}

// AddSubscriber creates a new checkpoint file for name, positioned at the
// start or current end of the log per whence.
func (c *Context) AddSubscriber(name string, whence Whence) error {
	c.lock()
	defer c.unlock()
	first, err := c.firstLogIDLocked()
	if err != nil {
		return c.fail(err)
	}
	if err := c.cps.AddSubscriber(name, whence, first, c.currentEnd); err != nil {
		return c.fail(err)
	}
	return nil
}

// RemoveSubscriber deletes name's checkpoint file.
func (c *Context) RemoveSubscriber(name string) error {
	c.lock()
	defer c.unlock()
	if err := c.cps.RemoveSubscriber(name); err != nil {
		return c.fail(err)
	}
	return nil
}

// ListSubscribers returns every subscriber with a checkpoint file, sorted
// lexically rather than in directory-scan order, for deterministic output.
func (c *Context) ListSubscribers() ([]string, error) {
	c.lock()
	defer c.unlock()
	names, err := c.cps.ListSubscribers()
	if err != nil {
		return nil, c.fail(err)
	}
	return names, nil
}

// FirstLogID returns the smallest LogId present in the directory, or 0 if
// the directory holds no segments.
func (c *Context) FirstLogID() (segstore.LogID, error) {
	c.lock()
	defer c.unlock()
	id, err := c.firstLogIDLocked()
	if err != nil {
		return 0, c.fail(err)
	}
	return id, nil
}

// LastLogID returns the metastore's current write segment id.
func (c *Context) LastLogID() (segstore.LogID, error) {
	c.lock()
	defer c.unlock()
	d, err := c.currentMetastore()
	if err != nil {
		return 0, c.fail(err)
	}
	return segstore.LogID(d.StorageLog), nil
}

// RawSize returns the total byte size of every non-directory entry in the
// directory: segments and indexes, and also the metastore and checkpoint
// files.
func (c *Context) RawSize() (int64, error) {
	c.lock()
	defer c.unlock()
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, c.fail(jlogerr.E(jlogerr.Open, err))
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		total += fi.Size()
	}
	return total, nil
}

// Clean sweeps every segment below the minimum subscriber checkpoint that
// has zero pending readers, without advancing any particular subscriber's
// checkpoint. This complements AdvanceID's sweep for callers that mutate
// checkpoints out of band (e.g. RemoveSubscriber) and want stale segments
// collected promptly rather than waiting for the next write.
func (c *Context) Clean() error {
	c.lock()
	defer c.unlock()
	first, err := c.firstLogIDLocked()
	if err != nil {
		return c.fail(err)
	}
	last, err := c.currentMetastore()
	if err != nil {
		return c.fail(err)
	}
	for id := first; id < segstore.LogID(last.StorageLog); id++ {
		n, _, err := c.cps.PendingReaders(id)
		if err != nil {
			return c.fail(err)
		}
		if n == 0 {
			if err := c.segs.Remove(id); err != nil {
				return c.fail(err)
			}
		}
	}
	return nil
}

// Repair runs the repair orchestrator. aggressive, if true, unlinks every
// file in the directory and removes it instead of rebuilding the
// metastore and first checkpoint file in place.
func (c *Context) Repair(aggressive bool) error {
	c.lock()
	defer c.unlock()
	if err := repair.Run(c.dir, aggressive); err != nil {
		return c.fail(err)
	}
	return nil
}

// AlterSafety changes the metastore's durability mode.
func (c *Context) AlterSafety(v Safety) error {
	c.lock()
	defer c.unlock()
	if err := c.meta.AlterSafety(v); err != nil {
		return c.fail(err)
	}
	return nil
}

// AlterJournalSize changes the rotation threshold in bytes.
func (c *Context) AlterJournalSize(v uint32) error {
	c.lock()
	defer c.unlock()
	if err := c.meta.AlterUnitLimit(v); err != nil {
		return c.fail(err)
	}
	return nil
}

// AlterMode always returns a NotSupported error and ignores mode: segment,
// index and checkpoint files are created with the fixed mode 0640 (see
// internal/segstore), and this method does not change it.
func (c *Context) AlterMode(mode os.FileMode) error {
	c.lock()
	defer c.unlock()
	// Segment/index/checkpoint creation mode is a fixed constant rather than
	// threaded through every open call; honoring a per-Context override here
	// would require plumbing a mode field through internal/segstore and
	// internal/checkpoint's create paths. Recorded as a known limitation
	// rather than silently ignored.
	return c.fail(jlogerr.E(jlogerr.NotSupported, "AlterMode: fixed 0640 mode is not yet configurable"))
}
