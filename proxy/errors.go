package proxy

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// DefaultHeapExhaustionMarker is the output marker that classifies an
// unexpected close as an out-of-memory crash. Node.js workers print this
// exact text when the V8 heap is exhausted; override the marker set with
// WithHeapExhaustionMarkers for other runtimes.
const DefaultHeapExhaustionMarker = "JavaScript heap out of memory"

// outputExcerptLimit bounds the trailing output excerpt carried by crash
// errors.
const outputExcerptLimit = 4 * 1024

// ErrDisposed rejects calls issued after Dispose.
var ErrDisposed = errors.New("proxy is disposed")

// CrashError is the latched terminal error for a worker that exited
// unexpectedly or whose transport broke.
type CrashError struct {
	Pid      int
	ExitCode int

	// Signal is the SIGxxx name, or empty when the process was not signaled
	// or the exit was inferred from a transport failure.
	Signal string

	// Output is the trailing excerpt of the captured stdout/stderr, empty
	// when nothing was captured.
	Output string

	// Cause is the transport error the crash was inferred from, if any.
	Cause error
}

func (e *CrashError) Error() string {
	signal := e.Signal
	if signal == "" {
		signal = "no signal"
	}
	output := e.Output
	if output == "" {
		output = "(worker produced no output)"
	}
	msg := fmt.Sprintf("worker process %d crashed (exit code %d, %s): %s", e.Pid, e.ExitCode, signal, output)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Cause)
	}
	return msg
}

func (e *CrashError) Unwrap() error { return e.Cause }

// OutOfMemoryError is the latched terminal error for a worker whose captured
// output contained a heap-exhaustion marker before it closed.
type OutOfMemoryError struct {
	Pid      int
	ExitCode int
	Output   string
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("worker process %d ran out of memory (exit code %d): %s", e.Pid, e.ExitCode, e.Output)
}

// RejectionError settles the single call the worker explicitly rejected. It
// is never latched.
type RejectionError struct {
	Method string
	Reason string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("worker rejected call to %q: %s", e.Method, e.Reason)
}

// brokenTransport reports whether a transport error means the worker-side end
// of a pipe is gone, which is indistinguishable from a crash.
func brokenTransport(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}

func tailExcerpt(s string) string {
	if len(s) <= outputExcerptLimit {
		return s
	}
	return s[len(s)-outputExcerptLimit:]
}
