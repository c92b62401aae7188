package result

import (
	"io"
	"maps"
	"slices"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"golang.org/x/perf/benchfmt"
)

// BenchUnit returns the unit a result is reported under in the Go benchmark
// format. Per-operation event counts use "<event>/op"; other metrics use
// their name with whitespace replaced, since benchfmt units cannot contain spaces.
func (r Result) BenchUnit() string {
	if r.Unit == "#/op" {
		return sanitizeUnit(r.Name) + "/op"
	}
	return sanitizeUnit(r.Name)
}

func sanitizeUnit(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return '-'
		}
		return r
	}, s)
}

// WriteBenchfmt writes results as one Go benchmark result line named
// benchmark, preceded by the given file configuration (key: value) lines in
// key order. The "Benchmark" prefix is added when missing.
func WriteBenchfmt(w io.Writer, benchmark string, iters int, config map[string]string, results []Result) error {
	if len(results) == 0 {
		return nil
	}
	res := &benchfmt.Result{
		Name:  benchfmt.Name(sanitizeUnit(strings.TrimPrefix(benchmark, "Benchmark"))),
		Iters: max(iters, 1),
	}
	for _, k := range slices.Sorted(maps.Keys(config)) {
		res.Config = append(res.Config, benchfmt.Config{Key: k, Value: []byte(config[k]), File: true})
	}
	for _, r := range results {
		res.Values = append(res.Values, benchfmt.Value{Value: r.Value, Unit: r.BenchUnit()})
	}
	if err := benchfmt.NewWriter(w).Write(res); err != nil {
		return errors.Wrap(err, "failed to write benchmark results")
	}
	return nil
}
