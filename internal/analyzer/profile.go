package analyzer

import (
	"io"
	"time"

	"github.com/google/pprof/profile"
	"github.com/pkg/errors"

	"perfnorm-mcp/internal/symbols"
	"perfnorm-mcp/internal/trace"
)

// BuildProfile converts attributed samples into a pprof profile with one
// sample type per event. Every distinct address becomes a location carrying
// the count of each event sampled there.
func BuildProfile(ev *trace.PerfEvents, duration time.Duration) *profile.Profile {
	p := &profile.Profile{
		DurationNanos: duration.Nanoseconds(),
	}
	for _, event := range ev.Events {
		p.SampleType = append(p.SampleType, &profile.ValueType{Type: event, Unit: "count"})
	}
	if len(ev.Events) > 0 {
		p.DefaultSampleType = ev.Events[0]
	}

	functions := make(map[*symbols.Symbol]*profile.Function)
	mappings := make(map[string]*profile.Mapping)
	locations := make(map[int64]*profile.Location)
	samples := make(map[int64]*profile.Sample)

	location := func(addr int64) *profile.Location {
		if l, ok := locations[addr]; ok {
			return l
		}
		sym := ev.Resolve(addr)
		f, ok := functions[sym]
		if !ok {
			f = &profile.Function{
				ID:         uint64(len(p.Function) + 1),
				Name:       sym.Name,
				SystemName: sym.Name,
				Filename:   sym.Module,
			}
			functions[sym] = f
			p.Function = append(p.Function, f)
		}
		m, ok := mappings[sym.Module]
		if !ok {
			m = &profile.Mapping{
				ID:   uint64(len(p.Mapping) + 1),
				File: sym.Module,
			}
			mappings[sym.Module] = m
			p.Mapping = append(p.Mapping, m)
		}
		l := &profile.Location{
			ID:      uint64(len(p.Location) + 1),
			Mapping: m,
			Address: uint64(addr),
			Line:    []profile.Line{{Function: f}},
		}
		locations[addr] = l
		p.Location = append(p.Location, l)
		return l
	}

	for i, event := range ev.Events {
		ms := ev.Counts[event]
		if ms == nil {
			continue
		}
		for _, addr := range ms.Values() {
			s, ok := samples[addr]
			if !ok {
				s = &profile.Sample{
					Location: []*profile.Location{location(addr)},
					Value:    make([]int64, len(ev.Events)),
				}
				samples[addr] = s
				p.Sample = append(p.Sample, s)
			}
			s.Value[i] = int64(ms.Count(addr))
		}
	}
	return p
}

// WriteProfile writes the gzipped pprof encoding of ev to w.
func WriteProfile(w io.Writer, ev *trace.PerfEvents, duration time.Duration) error {
	p := BuildProfile(ev, duration)
	if err := p.CheckValid(); err != nil {
		return errors.Wrap(err, "invalid profile")
	}
	if err := p.Write(w); err != nil {
		return errors.Wrap(err, "failed to write profile")
	}
	return nil
}
