package result

import (
	"github.com/aclements/go-moremath/stats"
)

// Merge combines the results of several forks. Results are matched by name
// and combined according to the policy of the first occurrence; output order
// follows first appearance.
func Merge(forks ...[]Result) []Result {
	type group struct {
		first  Result
		values []float64
	}
	var order []string
	groups := make(map[string]*group)
	for _, fork := range forks {
		for _, r := range fork {
			g, ok := groups[r.Name]
			if !ok {
				g = &group{first: r}
				groups[r.Name] = g
				order = append(order, r.Name)
			}
			g.values = append(g.values, r.Value)
		}
	}

	merged := make([]Result, 0, len(order))
	for _, name := range order {
		g := groups[name]
		sample := stats.Sample{Xs: g.values}
		r := g.first
		switch r.Policy {
		case Sum:
			r.Value = sample.Sum()
		case Max:
			_, r.Value = sample.Bounds()
		case Min:
			r.Value, _ = sample.Bounds()
		default:
			r.Value = sample.Mean()
		}
		merged = append(merged, r)
	}
	return merged
}
