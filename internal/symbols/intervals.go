package symbols

import "sort"

// Interval records that a symbol's observed addresses span [Low, High].
type Interval struct {
	Low    int64
	High   int64
	Symbol *Symbol
}

// IntervalMap maps addresses to symbols through observed address ranges.
//
// Ranges are coarse: they are built from the minimum and maximum sampled
// address of each symbol, so ranges of different symbols may overlap. When
// several intervals contain an address, the one with the greatest low bound
// wins, and among equal low bounds the first registered wins. Lookups are
// therefore deterministic for a given registration order.
type IntervalMap struct {
	entries []Interval // sorted by Low, registration order within equal Low
}

// NewIntervalMap returns an empty map.
func NewIntervalMap() *IntervalMap {
	return &IntervalMap{}
}

// Add registers [low, high] for sym. Bounds are swapped if given out of order.
func (m *IntervalMap) Add(sym *Symbol, low, high int64) {
	if low > high {
		low, high = high, low
	}
	e := Interval{Low: low, High: high, Symbol: sym}

	// insert after every entry with the same or lower bound
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Low > low })
	m.entries = append(m.entries, Interval{})
	copy(m.entries[i+1:], m.entries[i:])
	m.entries[i] = e
}

// Lookup returns the symbol whose interval contains addr.
func (m *IntervalMap) Lookup(addr int64) (*Symbol, bool) {
	// entries[:n] all have Low <= addr
	n := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Low > addr })
	for i := n - 1; i >= 0; i-- {
		if m.entries[i].High < addr {
			continue
		}
		// walk back to the first registered entry sharing this low bound
		low := m.entries[i].Low
		first := i
		for first > 0 && m.entries[first-1].Low == low {
			first--
		}
		for j := first; j <= i; j++ {
			if m.entries[j].High >= addr {
				return m.entries[j].Symbol, true
			}
		}
	}
	return nil, false
}

// Len returns the number of registered intervals.
func (m *IntervalMap) Len() int {
	return len(m.entries)
}

// Intervals returns the registered intervals ordered by low bound.
func (m *IntervalMap) Intervals() []Interval {
	out := make([]Interval, len(m.entries))
	copy(out, m.entries)
	return out
}
