// Package analyzer reports where the samples of an address-based trace landed:
// hot symbols, per-module shares, overall statistics and heuristic findings.
package analyzer

import (
	"fmt"
	"sort"
	"strings"

	"perfnorm-mcp/internal/symbols"
	"perfnorm-mcp/internal/trace"
)

// Hotspot is a symbol that received a significant share of samples.
type Hotspot struct {
	Function    string
	Module      string
	SampleCount int
	Percentage  float64 // Percentage of the event's in-window samples
	// Lowest and highest sampled address attributed to the symbol.
	LowAddr  int64
	HighAddr int64
}

// Signature returns the "module!function" form.
func (h Hotspot) Signature() string {
	return symbols.Symbol{Module: h.Module, Name: h.Function}.String()
}

// attribution is the per-symbol sample count of one event.
type attribution struct {
	sym     *symbols.Symbol
	samples int
	low     int64
	high    int64
}

// attribute resolves every sampled address of event to a symbol. The result
// is ordered by first (lowest) address.
func attribute(ev *trace.PerfEvents, event string) ([]*attribution, int) {
	ms, ok := ev.Counts[event]
	if !ok {
		return nil, 0
	}
	bySym := make(map[*symbols.Symbol]*attribution)
	var order []*attribution
	for _, addr := range ms.Values() {
		sym := ev.Resolve(addr)
		a, exists := bySym[sym]
		if !exists {
			a = &attribution{sym: sym, low: addr, high: addr}
			bySym[sym] = a
			order = append(order, a)
		}
		a.samples += ms.Count(addr)
		a.low = min(a.low, addr)
		a.high = max(a.high, addr)
	}
	return order, ms.Size()
}

// FindHotSymbols returns the symbols with the most samples of event, sorted
// by sample count (descending). topN <= 0 returns all symbols.
func FindHotSymbols(ev *trace.PerfEvents, event string, topN int) []Hotspot {
	attrs, total := attribute(ev, event)

	hotspots := make([]Hotspot, 0, len(attrs))
	for _, a := range attrs {
		hs := Hotspot{
			Function:    a.sym.Name,
			Module:      a.sym.Module,
			SampleCount: a.samples,
			LowAddr:     a.low,
			HighAddr:    a.high,
		}
		if total > 0 {
			hs.Percentage = float64(a.samples) / float64(total) * 100.0
		}
		hotspots = append(hotspots, hs)
	}

	sort.SliceStable(hotspots, func(i, j int) bool {
		return hotspots[i].SampleCount > hotspots[j].SampleCount
	})

	if topN > 0 && topN < len(hotspots) {
		return hotspots[:topN]
	}
	return hotspots
}

// ModuleHotspot is the share of samples that landed in one module.
type ModuleHotspot struct {
	Module      string
	SampleCount int
	Percentage  float64
}

// FindModuleHotspots groups the samples of event by module, sorted by sample
// count (descending) and then by name.
func FindModuleHotspots(ev *trace.PerfEvents, event string) []ModuleHotspot {
	attrs, total := attribute(ev, event)

	byModule := make(map[string]int)
	for _, a := range attrs {
		module := a.sym.Module
		if module == "" || module == "?" {
			module = "[unknown]"
		}
		byModule[module] += a.samples
	}

	modules := make([]ModuleHotspot, 0, len(byModule))
	for module, count := range byModule {
		mh := ModuleHotspot{Module: module, SampleCount: count}
		if total > 0 {
			mh.Percentage = float64(count) / float64(total) * 100.0
		}
		modules = append(modules, mh)
	}
	sort.Slice(modules, func(i, j int) bool {
		if modules[i].SampleCount != modules[j].SampleCount {
			return modules[i].SampleCount > modules[j].SampleCount
		}
		return modules[i].Module < modules[j].Module
	})
	return modules
}

// FormatHotspot returns a human-readable string representation of a hotspot.
func FormatHotspot(hs Hotspot, rank int) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("#%d: %s\n", rank, hs.Signature()))
	sb.WriteString(fmt.Sprintf("    Samples: %d (%.2f%%)\n", hs.SampleCount, hs.Percentage))
	if hs.LowAddr != 0 {
		sb.WriteString(fmt.Sprintf("    Range: %#x-%#x\n", hs.LowAddr, hs.HighAddr))
	}

	return sb.String()
}
