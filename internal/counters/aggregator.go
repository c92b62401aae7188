// Package counters aggregates per-sample hardware counter deltas of a
// table-based trace and turns the totals into per-operation metrics.
package counters

import (
	"math"
	"slices"
	"time"

	"github.com/pkg/errors"

	"perfnorm-mcp/internal/trace"
)

// ErrZeroSpan is returned when normalizing an aggregate whose samples all
// share one timestamp.
var ErrZeroSpan = errors.New("min and max timestamps are the same")

// Aggregator sums counter deltas per event. The last slot holds the trigger
// pseudo-event, which is overwritten by each sample's weight instead of summed.
// Callers window samples before adding them.
type Aggregator struct {
	names   []string
	values  []float64
	count   int64
	minTime time.Duration
	maxTime time.Duration
}

// NewAggregator returns an empty aggregator for the events of desc.
func NewAggregator(desc *trace.TableDesc) *Aggregator {
	names := make([]string, 0, len(desc.PMCEvents)+1)
	names = append(names, desc.PMCEvents...)
	names = append(names, desc.TriggerEvent())
	return &Aggregator{
		names:   names,
		values:  make([]float64, len(names)),
		minTime: math.MaxInt64,
		maxTime: math.MinInt64,
	}
}

// Add accumulates one sample.
func (a *Aggregator) Add(s *trace.Sample) {
	n := min(len(s.Counters), len(a.values)-1)
	for i := 0; i < n; i++ {
		a.values[i] += float64(s.Counters[i])
	}
	a.values[len(a.values)-1] = float64(s.Weight)
	a.minTime = min(a.minTime, s.Time)
	a.maxTime = max(a.maxTime, s.Time)
	a.count++
}

// EventsCount returns the number of samples added.
func (a *Aggregator) EventsCount() int64 {
	return a.count
}

// Span returns the time between the earliest and latest sample.
func (a *Aggregator) Span() time.Duration {
	if a.count == 0 {
		return 0
	}
	return a.maxTime - a.minTime
}

// NormalizeByThroughput turns totals into per-operation values: each total is
// divided by the sample time span in seconds and then by throughput, given in
// operations per second.
func (a *Aggregator) NormalizeByThroughput(throughput float64) error {
	if a.Span() == 0 {
		return ErrZeroSpan
	}
	span := (a.maxTime - a.minTime).Seconds()
	for i := range a.values {
		a.values[i] = a.values[i] / span / throughput
	}
	return nil
}

// EventNames returns the event names in slot order, trigger event last.
func (a *Aggregator) EventNames() []string {
	return a.names
}

// Values returns the current value of each slot.
func (a *Aggregator) Values() []float64 {
	return a.values
}

// Value returns the current value of event.
func (a *Aggregator) Value(event string) (float64, bool) {
	i := slices.Index(a.names, event)
	if i == -1 {
		return 0, false
	}
	return a.values[i], true
}
