// Package sklogimpl defines the interface for the actual logging
// implementation used by sklog.
package sklogimpl

import (
	"sync/atomic"
)

// Severity identifies the sort of log: info, warning etc.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
	Fatal
)

// Logger is implemented by anything that can sink sklog calls.
type Logger interface {
	// Log the given message. depth is the number of stack frames to skip when
	// reporting the file/line of the call site. If fmt is the empty string the
	// args are formatted as fmt.Sprint would, otherwise as fmt.Sprintf.
	// A severity of Fatal must exit the program after logging.
	Log(depth int, severity Severity, fmt string, args ...interface{})

	// Flush any buffered log lines.
	Flush()
}

var logger atomic.Value

// SetLogger changes the package to use the given Logger.
func SetLogger(l Logger) {
	logger.Store(&l)
}

// Log records one log line with the current Logger.
func Log(depth int, severity Severity, fmt string, args ...interface{}) {
	l := logger.Load().(*Logger)
	(*l).Log(depth+1, severity, fmt, args...)
}

// Flush flushes the current Logger.
func Flush() {
	l := logger.Load().(*Logger)
	(*l).Flush()
}
