// Package result holds the named scalar results produced by a profiling
// pass, combines them across forks and writes them out for a harness.
package result

import (
	"fmt"
	"strings"

	"golang.org/x/perf/benchunit"
)

// Policy tells how values from several forks are combined.
type Policy int

const (
	// Avg averages fork values.
	Avg Policy = iota
	// Sum adds fork values.
	Sum
	// Max keeps the largest fork value.
	Max
	// Min keeps the smallest fork value.
	Min
)

func (p Policy) String() string {
	switch p {
	case Sum:
		return "SUM"
	case Max:
		return "MAX"
	case Min:
		return "MIN"
	default:
		return "AVG"
	}
}

// Result is one derived metric.
type Result struct {
	Name   string
	Value  float64
	Unit   string
	Policy Policy
}

// New returns a result with the given fields.
func New(name string, value float64, unit string, policy Policy) Result {
	return Result{Name: name, Value: value, Unit: unit, Policy: policy}
}

// String renders the result as "name  value unit".
func (r Result) String() string {
	return fmt.Sprintf("%-40s %12s %s", r.Name, benchunit.Scale(r.Value, benchunit.Decimal), r.Unit)
}

// Format renders results one per line.
func Format(results []Result) string {
	var sb strings.Builder
	for _, r := range results {
		sb.WriteString(r.String())
		sb.WriteString("\n")
	}
	return sb.String()
}
