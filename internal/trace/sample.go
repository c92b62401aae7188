// Package trace decodes the native output of external profilers (Windows
// xperf dumper CSV, Linux perf script text, macOS xctrace XML exports) into a
// common stream of samples, and accumulates address-based samples into
// per-event multisets with symbol attribution.
package trace

import (
	"io"
	"time"

	"perfnorm-mcp/internal/symbols"
)

// Sample is one observed profiling event. Which fields are set depends on the
// format: line-oriented formats carry an address and symbol, table-based
// formats carry counter deltas and a trigger weight.
type Sample struct {
	Event string
	// Time is measured from the start of the recording.
	Time time.Duration
	// Addr is the sampled instruction address. Addresses that do not fit a
	// signed 64-bit integer (kernel space) are recorded as 0.
	Addr    int64
	HasAddr bool
	// Symbol is a fresh, not yet interned instance; nil when unattributed.
	Symbol   *symbols.Symbol
	Counters []int64
	Weight   int64
}

// Reader decodes one trace format into samples. fn is called once per sample
// that passes the reader's own filters; a non-nil error from fn stops the read
// and is returned. The sample passed to fn must not be retained.
type Reader interface {
	ReadSamples(r io.Reader, fn func(*Sample) error) error
}

// Window is a time range measured from the start of the recording.
type Window struct {
	From time.Duration
	To   time.Duration
}

// NewWindow returns the window starting at skip and lasting length.
func NewWindow(skip, length time.Duration) Window {
	return Window{From: skip, To: skip + length}
}

// Inside reports whether t lies strictly between From and To. Line-oriented
// formats window with this test.
func (w Window) Inside(t time.Duration) bool {
	return t > w.From && t < w.To
}

// Covers reports whether t lies in (From, To]. Table-based formats window with
// this test.
func (w Window) Covers(t time.Duration) bool {
	return t > w.From && t <= w.To
}
