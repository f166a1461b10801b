// Package kfmt implements the kernel console: formatted output, an early ring
// buffer that captures output produced before a sink is attached, and a
// structured logger factory that writes through the same sink.
package kfmt

import (
	"fmt"
	"io"
	"sync"
)

var (
	// sinkMu serializes writes from different CPUs so that lines emitted by
	// concurrent scheduler loops do not interleave mid-line.
	sinkMu sync.Mutex

	// earlyPrintBuffer is a ring buffer that stores Printf output before a
	// console sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently attached output sink or nil if output
// is still being buffered.
func GetOutputSink() io.Writer {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	return outputSink
}

// Printf formats according to a format specifier and writes to the active
// console sink. If no sink is attached the output is kept in a ring buffer
// and replayed once SetOutputSink is called.
func Printf(format string, args ...interface{}) {
	Fprintf(nil, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer selects the active console sink.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		w = consoleWriter{}
	}
	_, _ = fmt.Fprintf(w, format, args...)
}

// consoleWriter adapts the console to io.Writer so that it can be handed to
// other writers (e.g. slog handlers) while always following the currently
// attached sink.
type consoleWriter struct{}

func (consoleWriter) Write(p []byte) (int, error) {
	sinkMu.Lock()
	defer sinkMu.Unlock()

	if outputSink != nil {
		return outputSink.Write(p)
	}
	return earlyPrintBuffer.Write(p)
}

// Console returns an io.Writer that forwards to the active console sink.
func Console() io.Writer {
	return consoleWriter{}
}
