package counters

import (
	"math"

	"github.com/casbin/govaluate"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"perfnorm-mcp/internal/result"
)

// MetricDefinition is a user defined metric over counter names. Event names
// containing dots or dashes must be bracketed, e.g.
// "[CPU_CLK_UNHALTED.THREAD] / [INST_RETIRED.ANY]".
type MetricDefinition struct {
	Name       string `yaml:"name"`
	Expression string `yaml:"expression"`
	Unit       string `yaml:"unit"`
}

// ExpressionMetric is a compiled MetricDefinition.
type ExpressionMetric struct {
	MetricDefinition
	evaluable *govaluate.EvaluableExpression
}

// CompileMetrics parses the expressions of defs.
func CompileMetrics(defs []MetricDefinition) ([]ExpressionMetric, error) {
	metrics := make([]ExpressionMetric, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, errors.Errorf("metric with expression %q has no name", def.Expression)
		}
		evaluable, err := govaluate.NewEvaluableExpressionWithFunctions(def.Expression, evaluatorFunctions())
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse expression of metric %s", def.Name)
		}
		metrics = append(metrics, ExpressionMetric{MetricDefinition: def, evaluable: evaluable})
	}
	return metrics, nil
}

// Evaluate computes the metric over the values in a. It reports false when a
// variable is not a counter of a or the result is not a finite number.
func (m ExpressionMetric) Evaluate(a *Aggregator) (result.Result, bool) {
	variables := make(map[string]any)
	for _, name := range m.evaluable.Vars() {
		v, ok := a.Value(name)
		if !ok {
			return result.Result{}, false
		}
		variables[name] = v
	}
	value, err := evaluateExpression(m, variables)
	if err != nil {
		log.WithError(err).WithField("metric", m.Name).Debug("failed to evaluate metric")
		return result.Result{}, false
	}
	f, ok := value.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return result.Result{}, false
	}
	return result.New(m.Name, f, m.Unit, result.Avg), true
}

// EvaluateAll evaluates every metric, skipping those that cannot be computed.
func EvaluateAll(metrics []ExpressionMetric, a *Aggregator) []result.Result {
	var results []result.Result
	for _, m := range metrics {
		if r, ok := m.Evaluate(a); ok {
			results = append(results, r)
		}
	}
	return results
}

// evaluateExpression recovers from panics raised inside the evaluator.
func evaluateExpression(m ExpressionMetric, variables map[string]any) (value any, err error) {
	defer func() {
		if errx := recover(); errx != nil {
			err = errors.Errorf("%v", errx)
		}
	}()
	if value, err = m.evaluable.Evaluate(variables); err != nil {
		err = errors.Wrapf(err, "%s : %s", m.Name, m.Expression)
	}
	return
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case int:
		return float64(t)
	case float64:
		return t
	}
	return 0
}

// evaluatorFunctions defines functions that can be called in metric expressions.
func evaluatorFunctions() map[string]govaluate.ExpressionFunction {
	return map[string]govaluate.ExpressionFunction{
		"max": func(args ...any) (any, error) {
			if len(args) != 2 {
				return nil, errors.New("max expects two arguments")
			}
			return max(toFloat(args[0]), toFloat(args[1])), nil
		},
		"min": func(args ...any) (any, error) {
			if len(args) != 2 {
				return nil, errors.New("min expects two arguments")
			}
			return min(toFloat(args[0]), toFloat(args[1])), nil
		},
	}
}
