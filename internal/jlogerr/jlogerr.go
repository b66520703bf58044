// Package jlogerr implements a tagged error type carrying an interpretable
// error code plus an optional OS errno and chained cause, in the manner of
// github.com/grailbio/base/errors. Callers that need to react differently to
// different failure modes (e.g. retry on index corruption, surface
// everything else) should switch on Kind rather than comparing error
// strings.
package jlogerr

import (
	"bytes"
	"fmt"
	"syscall"
)

// Kind classifies a jlog error. The set mirrors the error taxonomy of the
// original C implementation: illegal state transitions, on-disk corruption,
// and the various lock/open/read/write failure points.
type Kind int

const (
	// Success is the zero value; it is never actually wrapped in an Error.
	Success Kind = iota
	IllegalInit
	IllegalOpen
	IllegalWrite
	IllegalCheckpoint
	Open
	NotADirectory
	PathTooLong
	AlreadyExists
	MkdirFailed
	CreateMeta
	Lock
	IndexOpen
	IndexSeek
	IndexRead
	IndexWrite
	IndexCorrupt
	FileOpen
	FileSeek
	FileRead
	FileWrite
	FileCorrupt
	MetaOpen
	InvalidSubscriber
	SubscriberExists
	IllegalLogID
	Checkpoint
	NotSupported
	// CloseLogID is the pseudo-error returned when a reader asks for the
	// record just past the end of a closed segment's index: "this segment
	// will never contain that record, move to the next one."
	CloseLogID
)

var names = map[Kind]string{
	Success:           "success",
	IllegalInit:       "illegal init",
	IllegalOpen:       "illegal open",
	IllegalWrite:      "illegal write",
	IllegalCheckpoint: "illegal checkpoint",
	Open:              "open failed",
	NotADirectory:     "not a directory",
	PathTooLong:       "path too long",
	AlreadyExists:     "already exists",
	MkdirFailed:       "mkdir failed",
	CreateMeta:        "failed to create metastore",
	Lock:              "lock failed",
	IndexOpen:         "index open failed",
	IndexSeek:         "index seek failed",
	IndexRead:         "index read failed",
	IndexWrite:        "index write failed",
	IndexCorrupt:      "index corrupt",
	FileOpen:          "data file open failed",
	FileSeek:          "data file seek failed",
	FileRead:          "data file read failed",
	FileWrite:         "data file write failed",
	FileCorrupt:       "data file corrupt",
	MetaOpen:          "metastore open failed",
	InvalidSubscriber: "invalid subscriber",
	SubscriberExists:  "subscriber already exists",
	IllegalLogID:      "illegal log id",
	Checkpoint:        "checkpoint failed",
	NotSupported:      "not supported",
	CloseLogID:        "closed log id",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return "unknown error"
}

// Error is the standard jlog error type: a Kind, an optional errno captured
// from the syscall that failed, an optional message, and an optional
// wrapped cause. Errors chain through Err so the full causal history can be
// printed.
type Error struct {
	Kind    Kind
	Errno   syscall.Errno
	Message string
	Err     error
}

// E constructs an Error from the supplied arguments, interpreted by type:
// a Kind sets Kind, a syscall.Errno sets Errno, a string is appended to the
// message, and any other error is chained as the cause. It mirrors
// errors.E's argument-sniffing convenience constructor.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("jlogerr.E: no args")
	}
	e := new(Error)
	var msg bytes.Buffer
	for _, arg := range args {
		switch a := arg.(type) {
		case Kind:
			e.Kind = a
		case syscall.Errno:
			e.Errno = a
		case string:
			if msg.Len() > 0 {
				msg.WriteByte(' ')
			}
			msg.WriteString(a)
		case *Error:
			cp := *a
			e.Err = &cp
		case error:
			e.Err = a
		default:
			return &Error{Kind: FileCorrupt, Message: fmt.Sprintf("jlogerr.E: unknown arg type %T", arg)}
		}
	}
	e.Message = msg.String()
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b bytes.Buffer
	if e.Message != "" {
		b.WriteString(e.Message)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Errno != 0 {
		fmt.Fprintf(&b, " (errno %d: %s)", e.Errno, e.Errno.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err is a *Error of the given kind, unwrapping chained
// causes along the way.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Err
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, else Success.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return Success
		}
		err = u.Unwrap()
	}
	return Success
}
