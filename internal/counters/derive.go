package counters

import (
	"slices"
	"strings"

	"perfnorm-mcp/internal/result"
	"perfnorm-mcp/internal/trace"
)

// Vendor specific names of the same counters, in lookup order.
var (
	CyclesEvents = []string{
		"CORE_ACTIVE_CYCLE", "Cycles", "FIXED_CYCLES",
		"CPU_CLK_UNHALTED.THREAD", "CPU_CLK_UNHALTED.THREAD_P",
	}
	InstructionsEvents = []string{
		"INST_ALL", "Instructions", "FIXED_INSTRUCTIONS",
		"INST_RETIRED.ANY", "INST_RETIRED.ANY_P",
	}
	BranchEvents = []string{
		"INST_BRANCH", "BR_INST_RETIRED.ALL_BRANCHES", "BR_INST_RETIRED.ALL_BRANCHES_PEBS",
	}
	BranchMissEvents = []string{
		"BRANCH_MISPRED_NONSPEC", "BR_MISP_RETIRED.ALL_BRANCHES", "BR_MISP_RETIRED.ALL_BRANCHES_PS",
	}
)

const (
	perOp = "#/op"

	instClassPrefix = "INST_"
	instTotal       = "INST_ALL"
)

type counterValue struct {
	name  string
	value float64
}

// anyOf returns the first alias present in a.
func anyOf(a *Aggregator, aliases []string) (counterValue, bool) {
	for _, name := range aliases {
		if v, ok := a.Value(name); ok {
			return counterValue{name, v}, true
		}
	}
	return counterValue{}, false
}

// anyNonZeroOf returns the first alias present in a with a nonzero value.
func anyNonZeroOf(a *Aggregator, aliases []string) (counterValue, bool) {
	for _, name := range aliases {
		if v, ok := a.Value(name); ok && v != 0 {
			return counterValue{name, v}, true
		}
	}
	return counterValue{}, false
}

// Derive computes ratio metrics from the aggregated counters. Metrics whose
// counters are missing or zero are omitted. Instruction density metrics are
// only defined for arm64 hosts.
func Derive(a *Aggregator, arch string) []result.Result {
	var results []result.Result

	cycles, okCycles := anyNonZeroOf(a, CyclesEvents)
	insts, okInsts := anyNonZeroOf(a, InstructionsEvents)
	if okCycles && okInsts {
		results = append(results,
			result.New("CPI", cycles.value/insts.value, cycles.name+"/"+insts.name, result.Avg),
			result.New("IPC", insts.value/cycles.value, insts.name+"/"+cycles.name, result.Avg),
		)
	}

	branches, okBranches := anyNonZeroOf(a, BranchEvents)
	misses, okMisses := anyOf(a, BranchMissEvents)
	if okBranches && okMisses {
		results = append(results,
			result.New("Branch miss ratio", misses.value/branches.value, misses.name+"/"+branches.name, result.Avg))
	}

	if arch == "arm64" && okInsts {
		results = append(results, densityMetrics(a, insts)...)
	}
	return results
}

// densityMetrics reports the share of every nonzero INST_* class counter in
// the total instruction count.
func densityMetrics(a *Aggregator, insts counterValue) []result.Result {
	var results []result.Result
	for i, name := range a.EventNames() {
		if !strings.HasPrefix(name, instClassPrefix) || name == instTotal {
			continue
		}
		// the trigger slot may repeat a counter name; the counter slot wins
		if slices.Index(a.EventNames(), name) != i {
			continue
		}
		v := a.Values()[i]
		if v == 0 {
			continue
		}
		results = append(results, result.New(name+" density (of instructions)", v/insts.value, name+"/"+insts.name, result.Avg))
	}
	return results
}

// EventResults reports every counter of desc as a per-operation value, plus
// the trigger event for interrupt-driven tables. A trigger event that is also
// a counter is reported as "<event> trigger". a must be normalized.
func EventResults(a *Aggregator, desc *trace.TableDesc) []result.Result {
	values := a.Values()
	results := make([]result.Result, 0, len(values))
	for i, event := range desc.PMCEvents {
		results = append(results, result.New(event, values[i], perOp, result.Avg))
	}
	if desc.Trigger == trace.TriggerPMI {
		name := desc.TriggerEvent()
		if slices.Contains(desc.PMCEvents, name) {
			name += " trigger"
		}
		results = append(results, result.New(name, values[len(values)-1], perOp, result.Avg))
	}
	return results
}
