// Package skerr provides a way to wrap errors with context about where they
// occurred. Use Wrap/Wrapf when propagating an error from a lower level and
// Fmt when creating a new error. Unwrap recovers the original error, e.g. for
// comparison against sentinel values.
package skerr

import (
	"fmt"
	"runtime"
	"strings"
)

// StackTrace identifies a filename (base filename only) and line number.
type StackTrace struct {
	File string
	Line int
}

func (st StackTrace) String() string {
	return fmt.Sprintf("%s:%d", st.File, st.Line)
}

// ErrorWithContext is an error plus the call stack at the point Wrap/Fmt was
// called and any additional context supplied by Wrapf.
type ErrorWithContext struct {
	// Wrapped is the original error, never nil.
	Wrapped error
	// CallStack is ordered from the point of the Wrap call outward.
	CallStack []StackTrace
	// Context messages, most recently added first.
	Context []string
}

func (err *ErrorWithContext) Error() string {
	var sb strings.Builder
	for _, c := range err.Context {
		sb.WriteString(c)
		sb.WriteString(": ")
	}
	sb.WriteString(err.Wrapped.Error())
	if len(err.CallStack) > 0 {
		sb.WriteString(" At")
		for _, st := range err.CallStack {
			sb.WriteString(" ")
			sb.WriteString(st.String())
		}
	}
	return sb.String()
}

// Unwrap supports errors.Is / errors.As.
func (err *ErrorWithContext) Unwrap() error {
	return err.Wrapped
}

// callStack returns the call stack, skipping the given number of frames.
func callStack(skip int) []StackTrace {
	var rv []StackTrace
	for i := skip; ; i++ {
		_, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		slash := strings.LastIndex(file, "/")
		if slash >= 0 {
			file = file[slash+1:]
		}
		rv = append(rv, StackTrace{File: file, Line: line})
	}
	return rv
}

// Wrap adds a call stack to an error. If err is already wrapped, it is
// returned as-is so the stack points at the original failure.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if existing, ok := err.(*ErrorWithContext); ok {
		return existing
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: callStack(2),
	}
}

// Unwrap returns the originally-wrapped error, or err itself if err was never
// wrapped.
func Unwrap(err error) error {
	if wrapped, ok := err.(*ErrorWithContext); ok {
		return wrapped.Wrapped
	}
	return err
}

// Fmt creates a new error with a call stack, formatting the message like
// fmt.Errorf.
func Fmt(fmtStr string, args ...interface{}) error {
	return &ErrorWithContext{
		Wrapped:   fmt.Errorf(fmtStr, args...),
		CallStack: callStack(2),
	}
}

// Wrapf adds context and a call stack to an error. The context message is
// prepended to the error text, e.g.
//
//	skerr.Wrapf(err, "reading file %s", path)
func Wrapf(err error, fmtStr string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	context := fmt.Sprintf(fmtStr, args...)
	if existing, ok := err.(*ErrorWithContext); ok {
		return &ErrorWithContext{
			Wrapped:   existing.Wrapped,
			CallStack: existing.CallStack,
			Context:   append([]string{context}, existing.Context...),
		}
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: callStack(2),
		Context:   []string{context},
	}
}
