package trace

import (
	"math"
	"sort"
)

// Multiset counts occurrences of integer values, typically sampled addresses.
type Multiset struct {
	counts map[int64]int
	size   int
	min    int64
	max    int64
}

// NewMultiset returns an empty multiset.
func NewMultiset() *Multiset {
	return &Multiset{counts: make(map[int64]int), min: math.MaxInt64, max: math.MinInt64}
}

// Add records one occurrence of v.
func (m *Multiset) Add(v int64) {
	m.counts[v]++
	m.size++
	m.min = min(m.min, v)
	m.max = max(m.max, v)
}

// Count returns the number of occurrences of v.
func (m *Multiset) Count(v int64) int {
	return m.counts[v]
}

// Size returns the total number of occurrences.
func (m *Multiset) Size() int {
	return m.size
}

// Min returns the smallest value, or false if the multiset is empty.
func (m *Multiset) Min() (int64, bool) {
	return m.min, m.size > 0
}

// Max returns the largest value, or false if the multiset is empty.
func (m *Multiset) Max() (int64, bool) {
	return m.max, m.size > 0
}

// Values returns the distinct values in ascending order.
func (m *Multiset) Values() []int64 {
	vals := make([]int64, 0, len(m.counts))
	for v := range m.counts {
		vals = append(vals, v)
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	return vals
}
