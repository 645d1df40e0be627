// Package errors defines the VM's fatal-error taxonomy. Every runtime
// failure aborts the current run and carries the instruction offset
// and opcode active at the time of failure.
package errors

import (
	"fmt"
)

// Kind identifies the category of a runtime failure.
type Kind string

const (
	Type         Kind = "Type"
	Bounds       Kind = "Bounds"
	Arithmetic   Kind = "Arithmetic"
	OutOfMemory  Kind = "OutOfMemory"
	Resolution   Kind = "Resolution"
	Assertion    Kind = "Assertion"
	IO           Kind = "IO"
	Parse        Kind = "Parse"
)

// VMError is a fatal error raised by the interpreter, GC, or loader.
// Offset and Opcode are zero when the error originates outside the
// instruction dispatch loop (e.g. during bytecode file parsing).
type VMError struct {
	Kind    Kind
	Message string
	Offset  int
	Opcode  byte
	Cause   error
}

func (e *VMError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (ip=%d op=0x%02X): %v", e.Kind, e.Message, e.Offset, e.Opcode, e.Cause)
	}
	return fmt.Sprintf("%s: %s (ip=%d op=0x%02X)", e.Kind, e.Message, e.Offset, e.Opcode)
}

func (e *VMError) Unwrap() error { return e.Cause }

// New creates a VMError carrying the current instruction context.
func New(kind Kind, offset int, opcode byte, format string, args ...interface{}) *VMError {
	return &VMError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Offset:  offset,
		Opcode:  opcode,
	}
}

// Wrap attaches an underlying cause, used by the bytecode reader when a
// malformed file fails to decode.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *VMError {
	return &VMError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}
