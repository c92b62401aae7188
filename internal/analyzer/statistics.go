package analyzer

import (
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"perfnorm-mcp/internal/symbols"
	"perfnorm-mcp/internal/trace"
)

// EventStatistics summarizes the samples of one event.
type EventStatistics struct {
	Event             string
	Samples           int
	DistinctAddresses int
	KernelSamples     int
	UnknownSamples    int
}

// ProfileStatistics contains statistics about the in-window samples.
type ProfileStatistics struct {
	TotalSamples    int
	Events          []EventStatistics
	Intervals       int
	UniqueModules   int
	UniqueFunctions int
}

// ComputeStatistics calculates statistics over all requested events.
func ComputeStatistics(ev *trace.PerfEvents) ProfileStatistics {
	stats := ProfileStatistics{Intervals: ev.Methods.Len()}

	moduleSet := mapset.NewThreadUnsafeSet[string]()
	functionSet := mapset.NewThreadUnsafeSet[string]()

	for _, event := range ev.Events {
		es := EventStatistics{Event: event}
		attrs, total := attribute(ev, event)
		es.Samples = total
		if ms, ok := ev.Counts[event]; ok {
			es.DistinctAddresses = len(ms.Values())
		}
		for _, a := range attrs {
			switch a.sym {
			case symbols.Kernel:
				es.KernelSamples += a.samples
				continue
			case symbols.Unknown:
				es.UnknownSamples += a.samples
				continue
			}
			if a.sym.Module != "" {
				moduleSet.Add(a.sym.Module)
			}
			functionSet.Add(a.sym.String())
		}
		stats.TotalSamples += total
		stats.Events = append(stats.Events, es)
	}

	stats.UniqueModules = moduleSet.Cardinality()
	stats.UniqueFunctions = functionSet.Cardinality()
	return stats
}

// PerformanceIssue is a heuristic finding about the profile.
type PerformanceIssue struct {
	Severity    string // "Critical", "High", "Medium", "Low"
	Category    string // e.g., "CPU Hotspot", "Kernel Time"
	Description string
	Event       string
	Function    string
	Module      string
	Impact      float64 // % of the event's samples
}

// DetectPerformanceIssues flags dominant symbols and large shares of kernel or
// unattributed samples.
func DetectPerformanceIssues(ev *trace.PerfEvents) []PerformanceIssue {
	issues := []PerformanceIssue{}

	for _, es := range ComputeStatistics(ev).Events {
		if es.Samples == 0 {
			continue
		}
		kernelShare := float64(es.KernelSamples) / float64(es.Samples) * 100.0
		if kernelShare > 30.0 {
			issues = append(issues, PerformanceIssue{
				Severity:    "Medium",
				Category:    "Kernel Time",
				Description: fmt.Sprintf("%.2f%% of %s samples landed in the kernel", kernelShare, es.Event),
				Event:       es.Event,
				Impact:      kernelShare,
			})
		}
		unknownShare := float64(es.UnknownSamples) / float64(es.Samples) * 100.0
		if unknownShare > 20.0 {
			issues = append(issues, PerformanceIssue{
				Severity:    "Low",
				Category:    "Unresolved Samples",
				Description: fmt.Sprintf("%.2f%% of %s samples could not be attributed to a symbol; check symbol paths", unknownShare, es.Event),
				Event:       es.Event,
				Impact:      unknownShare,
			})
		}

		for _, hs := range FindHotSymbols(ev, es.Event, 10) {
			if hs.Function == symbols.Kernel.Name || hs.Function == symbols.Unknown.Name {
				continue
			}
			severity := ""
			switch {
			case hs.Percentage > 20.0:
				severity = "Critical"
			case hs.Percentage > 10.0:
				severity = "High"
			default:
				continue
			}
			issues = append(issues, PerformanceIssue{
				Severity:    severity,
				Category:    "CPU Hotspot",
				Description: fmt.Sprintf("Symbol receives %.2f%% of %s samples", hs.Percentage, es.Event),
				Event:       es.Event,
				Function:    hs.Function,
				Module:      hs.Module,
				Impact:      hs.Percentage,
			})
		}
	}

	// Sort by impact (descending)
	sort.SliceStable(issues, func(i, j int) bool {
		return issues[i].Impact > issues[j].Impact
	})

	return issues
}
