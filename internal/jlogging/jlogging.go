// Package jlogging provides simple level logging for the jlog package tree,
// in the manner of github.com/grailbio/base/log: a package-level outputter
// writing to Go's standard log package by default, with Off/Error/Info/Debug
// levels. It exists as its own package (rather than reusing the name "log")
// to avoid colliding with the standard library import in every call site.
package jlogging

import (
	"fmt"
	golog "log"
	"sync/atomic"
)

// Level is a log verbosity level. Lower levels are higher priority.
type Level int32

const (
	Off Level = iota - 1
	Error
	Info
	Debug
)

var level int32 = int32(Info)

// SetLevel sets the package-wide log level.
func SetLevel(l Level) { atomic.StoreInt32(&level, int32(l)) }

func at(l Level) bool { return Level(atomic.LoadInt32(&level)) >= l }

// Printf logs at Info level.
func Printf(format string, v ...interface{}) {
	if at(Info) {
		golog.Output(2, "INFO: "+sprintf(format, v...))
	}
}

// Debugf logs at Debug level.
func Debugf(format string, v ...interface{}) {
	if at(Debug) {
		golog.Output(2, "DEBUG: "+sprintf(format, v...))
	}
}

// Errorf logs at Error level.
func Errorf(format string, v ...interface{}) {
	if at(Error) {
		golog.Output(2, "ERROR: "+sprintf(format, v...))
	}
}

// Output writes a log entry at the given level with the given call depth
// (as golog.Output(calldepth, s)), for callers like must that need to
// attribute the log line to their own caller rather than to jlogging
// itself. Output is a no-op below the configured level; it takes log.Output's
// arguments plus a Level.
func Output(calldepth int, l Level, s string) error {
	if !at(l) {
		return nil
	}
	return golog.Output(calldepth+1, levelPrefix(l)+s)
}

func levelPrefix(l Level) string {
	switch l {
	case Debug:
		return "DEBUG: "
	case Info:
		return "INFO: "
	case Error:
		return "ERROR: "
	default:
		return ""
	}
}

func sprintf(format string, v ...interface{}) string {
	if len(v) == 0 {
		return format
	}
	return fmt.Sprintf(format, v...)
}
