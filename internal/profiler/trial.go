// Package profiler drives external profilers around a benchmark trial and
// turns their exported traces into per-operation results.
package profiler

import (
	"time"

	"github.com/pkg/errors"

	"perfnorm-mcp/internal/config"
	"perfnorm-mcp/internal/counters"
	"perfnorm-mcp/internal/result"
	"perfnorm-mcp/internal/trace"
)

// Trial is the timing of one measured fork as reported by the harness.
type Trial struct {
	// Start is when the profiled process was launched.
	Start time.Time
	// MeasurementStart is when the first measured iteration began.
	MeasurementStart time.Time
	// Stop is when the last measured iteration ended.
	Stop time.Time
	// Ops is the number of operations completed between MeasurementStart and Stop.
	Ops int64
}

// TrialFromMillis builds a Trial from epoch millisecond timestamps.
func TrialFromMillis(start, measurementStart, stop, ops int64) Trial {
	return Trial{
		Start:            time.UnixMilli(start),
		MeasurementStart: time.UnixMilli(measurementStart),
		Stop:             time.UnixMilli(stop),
		Ops:              ops,
	}
}

// Validate checks that the timestamps are ordered.
func (t Trial) Validate() error {
	if t.MeasurementStart.Before(t.Start) {
		return errors.New("measurement starts before the trial")
	}
	if t.Stop.Before(t.MeasurementStart) {
		return errors.New("measurement stops before it starts")
	}
	if t.Ops < 0 {
		return errors.New("negative operation count")
	}
	return nil
}

// MeasurementDelay is the time from launch to the first measured iteration.
func (t Trial) MeasurementDelay() time.Duration {
	return t.MeasurementStart.Sub(t.Start)
}

// MeasuredTime is the duration of the measured iterations.
func (t Trial) MeasuredTime() time.Duration {
	return t.Stop.Sub(t.MeasurementStart)
}

// Throughput returns operations per second over the measured time, or 0 when
// nothing was measured.
func (t Trial) Throughput() float64 {
	measured := t.MeasuredTime()
	if measured <= 0 {
		return 0
	}
	return float64(t.Ops) / measured.Seconds()
}

// window resolves the configured delay and length against the trial. The
// correction is subtracted from the delay and accounts for a recording that
// started later than the process.
func (t Trial) window(w config.Window, correction time.Duration) trace.Window {
	skip := t.MeasurementDelay()
	if w.DelayMs != config.Auto {
		skip = time.Duration(w.DelayMs) * time.Millisecond
	}
	length := t.MeasuredTime()
	if w.LengthMs != config.Auto {
		length = time.Duration(w.LengthMs) * time.Millisecond
	}
	return trace.NewWindow(skip-correction, length)
}

// Options tune the metrics produced by the drivers.
type Options struct {
	// Arch is the GOARCH of the profiled host; it gates architecture specific metrics.
	Arch string
	// Metrics are user defined expressions evaluated over per-operation values.
	Metrics []counters.ExpressionMetric
}

// Analysis is the outcome of one trial.
type Analysis struct {
	Window  trace.Window
	Samples int64
	Results []result.Result
	// Events holds the attributed in-window samples, if the format carries addresses.
	Events *trace.PerfEvents
	// Table describes the analysed table of a table-based trace.
	Table *trace.TableDesc
}
