// Package diag is the small structured-logging wrapper every other
// package logs through, in place of calling the standard library's log
// package directly. Byte and other counts are rendered with
// github.com/dustin/go-humanize and cross-process correlation ids with
// github.com/google/uuid, matching how jit.Manager tags each
// optimization run.
package diag

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

// Logger is the sink every package that needs diagnostics depends on;
// it satisfies both the heap.Logger and jit.Logger interfaces without
// an import cycle.
type Logger struct {
	std *log.Logger
}

// New builds a Logger writing to w, prefixed per line with a short
// session id so interleaved VM/GC/JIT lines from one run can be told
// apart from another in aggregated output.
func New(w io.Writer) *Logger {
	sessionID := uuid.New().String()[:8]
	return &Logger{std: log.New(w, fmt.Sprintf("[umka %s] ", sessionID), log.LstdFlags)}
}

// Default writes to stderr, the interpreter's own diagnostic stream.
func Default() *Logger { return New(os.Stderr) }

// Logf writes one formatted diagnostic line.
func (l *Logger) Logf(format string, args ...interface{}) {
	l.std.Printf(format, args...)
}

// Bytes renders a byte count the way GC cycle diagnostics report
// reclaimed/live memory (e.g. "3.2 MB" rather than a raw integer).
func Bytes(n uint64) string { return humanize.Bytes(n) }

// Comma renders an integer with thousands separators, used for call and
// branch counts in profiler diagnostics.
func Comma(n int64) string { return humanize.Comma(n) }
