package mp4

import (
	"fmt"
	"runtime"
	"strings"
)

// Code is the exported error taxonomy for this library's operations.
type Code int

const (
	Ok Code = iota
	InvalidInput
	InvalidData
	InvalidState
	InputRequired
	OutputRequired
	NullPointer
	NoMoreSamples
	Unsupported
	PositionMismatch
	Other
)

func (c Code) String() string {
	switch c {
	case Ok:
		return "Ok"
	case InvalidInput:
		return "InvalidInput"
	case InvalidData:
		return "InvalidData"
	case InvalidState:
		return "InvalidState"
	case InputRequired:
		return "InputRequired"
	case OutputRequired:
		return "OutputRequired"
	case NullPointer:
		return "NullPointer"
	case NoMoreSamples:
		return "NoMoreSamples"
	case Unsupported:
		return "Unsupported"
	case PositionMismatch:
		return "PositionMismatch"
	default:
		return "Other"
	}
}

// Error is the error type returned at every boundary of this library.
// It carries the taxonomy code, a breadcrumb of box types being decoded
// or encoded when the error arose, and the source location where it was
// raised.
type Error struct {
	Code       Code
	Msg        string
	Breadcrumb []BoxType
	File       string
	Line       int
	Cause      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	b.WriteString(": ")
	b.WriteString(e.Msg)
	if len(e.Breadcrumb) > 0 {
		b.WriteString(" (")
		b.WriteString("mp4")
		for _, t := range e.Breadcrumb {
			b.WriteString(" → ")
			b.WriteString(t.String())
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// newError raises an Error, capturing the call site of its caller.
func newError(code Code, msg string) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{Code: code, Msg: msg, File: file, Line: line}
}

func newErrorf(code Code, format string, args ...any) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), File: file, Line: line}
}

// NewError raises an Error on behalf of a sibling package (sampletable,
// demux, mux), capturing the call site of its caller.
func NewError(code Code, msg string) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{Code: code, Msg: msg, File: file, Line: line}
}

// NewErrorf is NewError with fmt.Sprintf-style formatting.
func NewErrorf(code Code, format string, args ...any) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), File: file, Line: line}
}

// withBox prepends t to err's breadcrumb if err is an *Error, preserving
// its original source location. Used by Decode to build a breadcrumb like
// "mp4 → moov → trak → mdia → minf" as the error propagates outward
// through nested boxes.
func withBox(t BoxType, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if ae, ok := err.(*Error); ok {
		e = ae
	} else {
		e = &Error{Code: Other, Msg: err.Error(), Cause: err}
	}
	bc := make([]BoxType, 0, len(e.Breadcrumb)+1)
	bc = append(bc, t)
	bc = append(bc, e.Breadcrumb...)
	return &Error{
		Code:       e.Code,
		Msg:        e.Msg,
		Breadcrumb: bc,
		File:       e.File,
		Line:       e.Line,
		Cause:      e.Cause,
	}
}

// CodeOf extracts the taxonomy Code of err, or Other if err is not an
// *Error produced by this package.
func CodeOf(err error) Code {
	if err == nil {
		return Ok
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return Other
}
