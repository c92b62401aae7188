package counters

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perfnorm-mcp/internal/result"
	"perfnorm-mcp/internal/trace"
)

func pmiDesc(events ...string) *trace.TableDesc {
	return &trace.TableDesc{
		Type:         trace.CountersProfile,
		PMCEvents:    events,
		Trigger:      trace.TriggerPMI,
		PMIEvent:     "INST_BRANCH",
		PMIThreshold: 10000,
	}
}

func timeDesc(events ...string) *trace.TableDesc {
	return &trace.TableDesc{Type: trace.CountersProfile, PMCEvents: events, Trigger: trace.TriggerTime}
}

func sample(t time.Duration, weight int64, counters ...int64) *trace.Sample {
	return &trace.Sample{Time: t, Weight: weight, Counters: counters}
}

func TestAggregatorAdd(t *testing.T) {
	a := NewAggregator(pmiDesc("A", "B"))
	a.Add(sample(3*time.Millisecond, 7, 10, 1))
	a.Add(sample(1*time.Millisecond, 9, 20, 2))
	a.Add(sample(2*time.Millisecond, 4, 30, 3))

	assert.Equal(t, int64(3), a.EventsCount())
	assert.Equal(t, []string{"A", "B", "INST_BRANCH"}, a.EventNames())
	assert.Equal(t, []float64{60, 6, 4}, a.Values())
	assert.Equal(t, 2*time.Millisecond, a.Span())
}

func TestAggregatorTimeTrigger(t *testing.T) {
	a := NewAggregator(timeDesc("A"))
	assert.Equal(t, []string{"A", trace.TimeTriggerEvent}, a.EventNames())
	assert.Equal(t, int64(0), a.EventsCount())
	assert.Equal(t, time.Duration(0), a.Span())
}

func TestNormalizeByThroughput(t *testing.T) {
	a := NewAggregator(timeDesc("A", "B"))
	a.Add(sample(0, 0, 40, 20))
	a.Add(sample(2*time.Millisecond, 0, 60, 30))

	require.NoError(t, a.NormalizeByThroughput(10))
	values := a.Values()
	assert.InDelta(t, 5000, values[0], 1e-9)
	assert.InDelta(t, 2500, values[1], 1e-9)
}

func TestNormalizeZeroSpan(t *testing.T) {
	tests := []struct {
		name    string
		samples []*trace.Sample
	}{
		{"empty", nil},
		{"single", []*trace.Sample{sample(time.Second, 0, 1)}},
		{"same time", []*trace.Sample{sample(time.Second, 0, 1), sample(time.Second, 0, 2)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAggregator(timeDesc("A"))
			for _, s := range tt.samples {
				a.Add(s)
			}
			err := a.NormalizeByThroughput(1)
			require.ErrorIs(t, err, ErrZeroSpan)
		})
	}
}

func TestValue(t *testing.T) {
	a := NewAggregator(timeDesc("A"))
	a.Add(sample(0, 0, 5))
	v, ok := a.Value("A")
	assert.True(t, ok)
	assert.Equal(t, 5.0, v)
	_, ok = a.Value("missing")
	assert.False(t, ok)
}

func resultsByName(results []result.Result) map[string]result.Result {
	m := make(map[string]result.Result, len(results))
	for _, r := range results {
		m[r.Name] = r
	}
	return m
}

func TestDeriveCPI(t *testing.T) {
	a := NewAggregator(timeDesc("CPU_CLK_UNHALTED.THREAD", "INST_RETIRED.ANY"))
	a.Add(sample(0, 0, 400, 100))

	got := resultsByName(Derive(a, "amd64"))
	require.Contains(t, got, "CPI")
	require.Contains(t, got, "IPC")
	assert.InDelta(t, 4.0, got["CPI"].Value, 1e-12)
	assert.Equal(t, "CPU_CLK_UNHALTED.THREAD/INST_RETIRED.ANY", got["CPI"].Unit)
	assert.InDelta(t, 0.25, got["IPC"].Value, 1e-12)
	assert.Equal(t, "INST_RETIRED.ANY/CPU_CLK_UNHALTED.THREAD", got["IPC"].Unit)
	assert.Equal(t, result.Avg, got["CPI"].Policy)
	assert.NotContains(t, got, "Branch miss ratio")
}

func TestDeriveAliasOrder(t *testing.T) {
	tests := []struct {
		name      string
		events    []string
		counters  []int64
		wantCPI   bool
		wantUnit  string
		wantValue float64
	}{
		{
			name:      "first present wins",
			events:    []string{"Cycles", "CORE_ACTIVE_CYCLE", "INST_ALL"},
			counters:  []int64{100, 300, 100},
			wantCPI:   true,
			wantUnit:  "CORE_ACTIVE_CYCLE/INST_ALL",
			wantValue: 3,
		},
		{
			name:      "zero alias skipped",
			events:    []string{"CORE_ACTIVE_CYCLE", "FIXED_CYCLES", "INST_ALL"},
			counters:  []int64{0, 200, 100},
			wantCPI:   true,
			wantUnit:  "FIXED_CYCLES/INST_ALL",
			wantValue: 2,
		},
		{
			name:     "no instructions",
			events:   []string{"CORE_ACTIVE_CYCLE", "INST_ALL"},
			counters: []int64{10, 0},
			wantCPI:  false,
		},
		{
			name:     "no cycles",
			events:   []string{"INST_ALL"},
			counters: []int64{10},
			wantCPI:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAggregator(timeDesc(tt.events...))
			a.Add(sample(0, 0, tt.counters...))
			got := resultsByName(Derive(a, "amd64"))
			cpi, ok := got["CPI"]
			require.Equal(t, tt.wantCPI, ok)
			if !tt.wantCPI {
				return
			}
			assert.Equal(t, tt.wantUnit, cpi.Unit)
			assert.InDelta(t, tt.wantValue, cpi.Value, 1e-12)
		})
	}
}

func TestDeriveBranchMissRatio(t *testing.T) {
	tests := []struct {
		name     string
		events   []string
		counters []int64
		want     float64
		present  bool
	}{
		{"ratio", []string{"BR_INST_RETIRED.ALL_BRANCHES", "BR_MISP_RETIRED.ALL_BRANCHES"}, []int64{200, 10}, 0.05, true},
		{"zero misses", []string{"BR_INST_RETIRED.ALL_BRANCHES", "BR_MISP_RETIRED.ALL_BRANCHES"}, []int64{200, 0}, 0, true},
		{"zero branches", []string{"BR_INST_RETIRED.ALL_BRANCHES", "BR_MISP_RETIRED.ALL_BRANCHES"}, []int64{0, 10}, 0, false},
		{"no misses", []string{"BR_INST_RETIRED.ALL_BRANCHES"}, []int64{200}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAggregator(timeDesc(tt.events...))
			a.Add(sample(0, 0, tt.counters...))
			got := resultsByName(Derive(a, "amd64"))
			r, ok := got["Branch miss ratio"]
			require.Equal(t, tt.present, ok)
			if tt.present {
				assert.InDelta(t, tt.want, r.Value, 1e-12)
				assert.Equal(t, "BR_MISP_RETIRED.ALL_BRANCHES/BR_INST_RETIRED.ALL_BRANCHES", r.Unit)
			}
		})
	}
}

func TestDeriveDensity(t *testing.T) {
	a := NewAggregator(pmiDesc("INST_ALL", "CORE_ACTIVE_CYCLE", "INST_BRANCH", "BRANCH_MISPRED_NONSPEC", "INST_SIMD_LD", "INST_INT_ALU"))
	a.Add(sample(0, 10000, 1000, 2000, 100, 5, 250, 0))

	arm := resultsByName(Derive(a, "arm64"))
	require.Contains(t, arm, "INST_BRANCH density (of instructions)")
	require.Contains(t, arm, "INST_SIMD_LD density (of instructions)")
	assert.NotContains(t, arm, "INST_INT_ALU density (of instructions)")
	assert.NotContains(t, arm, "INST_ALL density (of instructions)")
	assert.InDelta(t, 0.1, arm["INST_BRANCH density (of instructions)"].Value, 1e-12)
	assert.InDelta(t, 0.25, arm["INST_SIMD_LD density (of instructions)"].Value, 1e-12)
	assert.Equal(t, "INST_SIMD_LD/INST_ALL", arm["INST_SIMD_LD density (of instructions)"].Unit)
	assert.InDelta(t, 0.05, arm["Branch miss ratio"].Value, 1e-12)

	var densities int
	for _, r := range Derive(a, "arm64") {
		if r.Name == "INST_BRANCH density (of instructions)" {
			densities++
		}
	}
	assert.Equal(t, 1, densities)

	amd := resultsByName(Derive(a, "amd64"))
	assert.NotContains(t, amd, "INST_BRANCH density (of instructions)")
	assert.Contains(t, amd, "CPI")
}

func TestEventResults(t *testing.T) {
	desc := pmiDesc("INST_ALL", "CORE_ACTIVE_CYCLE")
	a := NewAggregator(desc)
	a.Add(sample(0, 10, 100, 200))
	a.Add(sample(time.Second, 10, 100, 200))
	require.NoError(t, a.NormalizeByThroughput(2))

	got := EventResults(a, desc)
	require.Len(t, got, 3)
	assert.Equal(t, result.New("INST_ALL", 100, "#/op", result.Avg), got[0])
	assert.Equal(t, result.New("CORE_ACTIVE_CYCLE", 200, "#/op", result.Avg), got[1])
	assert.Equal(t, result.New("INST_BRANCH", 5, "#/op", result.Avg), got[2])

	timed := timeDesc("INST_ALL")
	b := NewAggregator(timed)
	b.Add(sample(0, 1, 1))
	b.Add(sample(time.Second, 1, 1))
	require.NoError(t, b.NormalizeByThroughput(1))
	assert.Len(t, EventResults(b, timed), 1)

	clash := pmiDesc("INST_ALL", "INST_BRANCH")
	c := NewAggregator(clash)
	c.Add(sample(0, 8, 1, 2))
	c.Add(sample(time.Second, 8, 1, 2))
	require.NoError(t, c.NormalizeByThroughput(1))
	got = EventResults(c, clash)
	require.Len(t, got, 3)
	assert.Equal(t, "INST_BRANCH", got[1].Name)
	assert.Equal(t, 4.0, got[1].Value)
	assert.Equal(t, "INST_BRANCH trigger", got[2].Name)
	assert.Equal(t, 8.0, got[2].Value)
}

func TestExpressionMetrics(t *testing.T) {
	metrics, err := CompileMetrics([]MetricDefinition{
		{Name: "cycles per branch", Expression: "[CPU_CLK_UNHALTED.THREAD] / [BR_INST_RETIRED.ALL_BRANCHES]", Unit: "cycles/branch"},
		{Name: "missing", Expression: "[NOT_THERE] * 2"},
		{Name: "division by zero", Expression: "[CPU_CLK_UNHALTED.THREAD] / [ZERO]"},
		{Name: "bounded", Expression: "max([CPU_CLK_UNHALTED.THREAD], 1000)"},
	})
	require.NoError(t, err)
	require.Len(t, metrics, 4)

	a := NewAggregator(timeDesc("CPU_CLK_UNHALTED.THREAD", "BR_INST_RETIRED.ALL_BRANCHES", "ZERO"))
	a.Add(sample(0, 0, 400, 50, 0))

	got := resultsByName(EvaluateAll(metrics, a))
	require.Len(t, got, 2)
	assert.InDelta(t, 8, got["cycles per branch"].Value, 1e-12)
	assert.Equal(t, "cycles/branch", got["cycles per branch"].Unit)
	assert.InDelta(t, 1000, got["bounded"].Value, 1e-12)
}

func TestCompileMetricsErrors(t *testing.T) {
	tests := []struct {
		name string
		def  MetricDefinition
	}{
		{"no name", MetricDefinition{Expression: "1 + 1"}},
		{"bad expression", MetricDefinition{Name: "bad", Expression: "(1 + "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileMetrics([]MetricDefinition{tt.def})
			assert.Error(t, err)
		})
	}
}
