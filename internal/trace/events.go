package trace

import (
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"perfnorm-mcp/internal/symbols"
)

// PerfEvents holds the in-window samples of an address-based trace.
type PerfEvents struct {
	// Events lists the requested event names in request order.
	Events []string
	// Counts holds the sampled addresses for each requested event.
	Counts map[string]*Multiset
	// Methods maps addresses back to the symbols they were sampled in.
	Methods *symbols.IntervalMap
}

// Count returns the number of samples recorded for event.
func (e *PerfEvents) Count(event string) int {
	if ms, ok := e.Counts[event]; ok {
		return ms.Size()
	}
	return 0
}

// Resolve returns the symbol attributed to addr. The zero address is the
// overflow sentinel and always resolves to the kernel bucket.
func (e *PerfEvents) Resolve(addr int64) *symbols.Symbol {
	if addr == 0 {
		return symbols.Kernel
	}
	if sym, ok := e.Methods.Lookup(addr); ok {
		return sym
	}
	return symbols.Unknown
}

type addrRange struct {
	low, high int64
}

// EventsBuilder accumulates samples into PerfEvents. It is threaded through a
// single parse pass and finished once.
type EventsBuilder struct {
	events  []string
	counts  map[string]*Multiset
	dedup   symbols.Deduplicator[symbols.Symbol]
	ranges  map[*symbols.Symbol]*addrRange
	order   []*symbols.Symbol
	ignored int
}

// NewEventsBuilder returns a builder accumulating the given events.
func NewEventsBuilder(events []string) *EventsBuilder {
	b := &EventsBuilder{
		events: append([]string(nil), events...),
		counts: make(map[string]*Multiset, len(events)),
		ranges: make(map[*symbols.Symbol]*addrRange),
	}
	for _, ev := range events {
		b.counts[ev] = NewMultiset()
	}
	return b
}

// Add records s. Samples for events that were not requested are ignored.
func (b *EventsBuilder) Add(s *Sample) {
	ms, ok := b.counts[s.Event]
	if !ok {
		b.ignored++
		return
	}
	ms.Add(s.Addr)
	if s.Symbol == nil || s.Addr == 0 {
		return
	}
	sym := b.dedup.Dedup(s.Symbol)
	r, ok := b.ranges[sym]
	if !ok {
		b.ranges[sym] = &addrRange{low: s.Addr, high: s.Addr}
		b.order = append(b.order, sym)
		return
	}
	r.low = min(r.low, s.Addr)
	r.high = max(r.high, s.Addr)
}

// Finish builds the interval map and returns the accumulated events. The
// builder must not be used afterwards.
func (b *EventsBuilder) Finish() *PerfEvents {
	methods := symbols.NewIntervalMap()
	for _, sym := range b.order {
		r := b.ranges[sym]
		methods.Add(sym, r.low, r.high)
	}
	if b.ignored > 0 {
		log.WithField("samples", b.ignored).Debug("ignored samples for events that were not requested")
	}
	return &PerfEvents{Events: b.events, Counts: b.counts, Methods: methods}
}

// CollectEvents reads all samples from r with rd and keeps those strictly inside w.
func CollectEvents(rd Reader, r io.Reader, events []string, w Window) (*PerfEvents, error) {
	b := NewEventsBuilder(events)
	var outside int
	err := rd.ReadSamples(r, func(s *Sample) error {
		if !w.Inside(s.Time) {
			outside++
			return nil
		}
		b.Add(s)
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to read samples")
	}
	log.WithFields(log.Fields{
		"outside": outside,
		"from":    w.From,
		"to":      w.To,
	}).Debug("windowed trace samples")
	return b.Finish(), nil
}
