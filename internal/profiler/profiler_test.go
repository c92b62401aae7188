package profiler

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perfnorm-mcp/internal/config"
	"perfnorm-mcp/internal/counters"
	"perfnorm-mcp/internal/result"
	"perfnorm-mcp/internal/trace"
)

// fakeRunner records invocations and writes canned output for commands whose
// arguments contain a key of outputs.
type fakeRunner struct {
	calls   [][]string
	envs    [][]string
	outputs map[string]string
	fail    string
}

func (f *fakeRunner) Run(_ context.Context, out io.Writer, env []string, name string, args ...string) error {
	call := append([]string{name}, args...)
	f.calls = append(f.calls, call)
	f.envs = append(f.envs, env)
	if f.fail != "" && slices.Contains(args, f.fail) {
		return assert.AnError
	}
	for key, content := range f.outputs {
		if slices.Contains(args, key) && out != nil {
			_, err := io.WriteString(out, content)
			return err
		}
	}
	return nil
}

func readTestdata(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return string(data)
}

func openTestdata(t *testing.T, name string) *os.File {
	t.Helper()
	f, err := os.Open(filepath.Join("testdata", name))
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func byName(results []result.Result) map[string]result.Result {
	m := make(map[string]result.Result, len(results))
	for _, r := range results {
		m[r.Name] = r
	}
	return m
}

// recordStart is the start-date of testdata/toc_pmi.xml.
var recordStart = time.Date(2026, 10, 5, 10, 11, 12, 500*int(time.Millisecond), time.FixedZone("", 2*60*60))

// xctraceTrial launches 600ms before the recording starts and measures
// 1000 ops in 2.5s, 1.5s after launch.
func xctraceTrial() Trial {
	start := recordStart.Add(-600 * time.Millisecond)
	measure := start.Add(1500 * time.Millisecond)
	return Trial{Start: start, MeasurementStart: measure, Stop: measure.Add(2500 * time.Millisecond), Ops: 1000}
}

func TestTrial(t *testing.T) {
	trial := TrialFromMillis(1000, 1600, 4100, 1000)
	require.NoError(t, trial.Validate())
	assert.Equal(t, 600*time.Millisecond, trial.MeasurementDelay())
	assert.Equal(t, 2500*time.Millisecond, trial.MeasuredTime())
	assert.InDelta(t, 400, trial.Throughput(), 1e-9)

	tests := []struct {
		name string
		w    config.Window
		corr time.Duration
		want trace.Window
	}{
		{"auto", config.Window{DelayMs: config.Auto, LengthMs: config.Auto}, 0, trace.Window{From: 600 * time.Millisecond, To: 3100 * time.Millisecond}},
		{"corrected", config.Window{DelayMs: config.Auto, LengthMs: config.Auto}, 100 * time.Millisecond, trace.Window{From: 500 * time.Millisecond, To: 3000 * time.Millisecond}},
		{"explicit", config.Window{DelayMs: 200, LengthMs: 1000}, 0, trace.Window{From: 200 * time.Millisecond, To: 1200 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, trial.window(tt.w, tt.corr))
		})
	}

	assert.Error(t, TrialFromMillis(1000, 900, 2000, 1).Validate())
	assert.Error(t, TrialFromMillis(1000, 1100, 1050, 1).Validate())
	assert.Equal(t, 0.0, TrialFromMillis(1000, 1000, 1000, 5).Throughput())
}

func parseTOC(t *testing.T) (*trace.TableOfContents, *trace.TableDesc) {
	t.Helper()
	toc, err := trace.ParseTableOfContents(openTestdata(t, "toc_pmi.xml"))
	require.NoError(t, err)
	desc, err := toc.FindTable(trace.CountersProfile)
	require.NoError(t, err)
	return toc, desc
}

func TestAnalyzeXCTrace(t *testing.T) {
	toc, desc := parseTOC(t)
	cfg := config.Default().XCTrace
	metrics, err := counters.CompileMetrics([]counters.MetricDefinition{
		{Name: "branches per cycle", Expression: "[INST_BRANCH] / [CORE_ACTIVE_CYCLE]"},
	})
	require.NoError(t, err)

	analysis, err := AnalyzeXCTrace(openTestdata(t, "counters_profile.xml"), xctraceTrial(), cfg, toc, desc,
		Options{Arch: "arm64", Metrics: metrics})
	require.NoError(t, err)

	assert.Equal(t, 900*time.Millisecond, analysis.Window.From)
	assert.Equal(t, 3400*time.Millisecond, analysis.Window.To)
	assert.Equal(t, int64(2), analysis.Samples)

	got := byName(analysis.Results)
	assert.InDelta(t, 1.6, got["CPI"].Value, 1e-9)
	assert.Equal(t, "CORE_ACTIVE_CYCLE/INST_ALL", got["CPI"].Unit)
	assert.InDelta(t, 0.625, got["IPC"].Value, 1e-9)
	assert.InDelta(t, 25.0/700.0, got["Branch miss ratio"].Value, 1e-9)
	assert.InDelta(t, 0.14, got["INST_BRANCH density (of instructions)"].Value, 1e-9)
	assert.InDelta(t, 0.03, got["INST_SIMD_LD density (of instructions)"].Value, 1e-9)
	assert.InDelta(t, 700.0/8000.0, got["branches per cycle"].Value, 1e-9)

	assert.InDelta(t, 12.5, got["INST_ALL"].Value, 1e-9)
	assert.Equal(t, "#/op", got["INST_ALL"].Unit)
	assert.InDelta(t, 20, got["CORE_ACTIVE_CYCLE"].Value, 1e-9)
	assert.InDelta(t, 1.75, got["INST_BRANCH"].Value, 1e-9)
	assert.InDelta(t, 0.0625, got["BRANCH_MISPRED_NONSPEC"].Value, 1e-9)
	assert.InDelta(t, 0.375, got["INST_SIMD_LD"].Value, 1e-9)
	assert.InDelta(t, 25, got["INST_BRANCH trigger"].Value, 1e-9)

	require.NotNil(t, analysis.Events)
	assert.Equal(t, 2, analysis.Events.Count("INST_BRANCH"))
}

func TestAnalyzeXCTraceWithoutStartFix(t *testing.T) {
	toc, desc := parseTOC(t)
	cfg := config.Default().XCTrace
	cfg.FixStartTime = false

	// the uncorrected window (1.5s, 4s] holds a single row, which spans no time
	_, err := AnalyzeXCTrace(openTestdata(t, "counters_profile.xml"), xctraceTrial(), cfg, toc, desc, Options{})
	require.ErrorIs(t, err, counters.ErrZeroSpan)
}

func TestAnalyzeXCTraceEmpty(t *testing.T) {
	toc, desc := parseTOC(t)
	cfg := config.Default().XCTrace

	tests := []struct {
		name  string
		trial Trial
		cfg   config.XCTrace
	}{
		{"no measured time", Trial{Start: recordStart, MeasurementStart: recordStart, Stop: recordStart, Ops: 10}, cfg},
		{"window past the recording", xctraceTrial(), config.XCTrace{Window: config.Window{DelayMs: 20000, LengthMs: 1000}, FixStartTime: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analysis, err := AnalyzeXCTrace(openTestdata(t, "counters_profile.xml"), tt.trial, tt.cfg, toc, desc, Options{})
			require.NoError(t, err)
			assert.Empty(t, analysis.Results)
			assert.Equal(t, int64(0), analysis.Samples)
		})
	}
}

func TestXCTraceAfterTrial(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "Launch_java.trace"), 0o755))
	runner := &fakeRunner{outputs: map[string]string{
		"--toc":   readTestdata(t, "toc_pmi.xml"),
		"--xpath": readTestdata(t, "counters_profile.xml"),
	}}
	x := &XCTrace{Config: config.Default().XCTrace, Runner: runner, Dir: dir}

	analysis, err := x.AfterTrial(context.Background(), xctraceTrial(), Options{Arch: "amd64"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), analysis.Samples)
	assert.Contains(t, byName(analysis.Results), "CPI")

	require.Len(t, runner.calls, 2)
	assert.Equal(t, []string{"xctrace", "export", "--input", filepath.Join(dir, "Launch_java.trace"), "--toc"}, runner.calls[0])
	assert.Equal(t, `/trace-toc/run[1]/data[1]/table[@schema="counters-profile"]`, runner.calls[1][len(runner.calls[1])-1])
}

func TestXCTraceAfterTrialErrors(t *testing.T) {
	t.Run("no recording", func(t *testing.T) {
		x := &XCTrace{Config: config.Default().XCTrace, Runner: &fakeRunner{}, Dir: t.TempDir()}
		_, err := x.AfterTrial(context.Background(), xctraceTrial(), Options{})
		assert.Error(t, err)
	})
	t.Run("missing table", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(dir, "a.trace"), 0o755))
		cfg := config.Default().XCTrace
		cfg.Table = string(trace.CPUProfile)
		runner := &fakeRunner{outputs: map[string]string{"--toc": readTestdata(t, "toc_pmi.xml")}}
		x := &XCTrace{Config: cfg, Runner: runner, Dir: dir}
		_, err := x.AfterTrial(context.Background(), xctraceTrial(), Options{})
		require.ErrorIs(t, err, trace.ErrTableNotFound)
	})
	t.Run("export fails", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.Mkdir(filepath.Join(dir, "a.trace"), 0o755))
		x := &XCTrace{Config: config.Default().XCTrace, Runner: &fakeRunner{fail: "--toc"}, Dir: dir}
		_, err := x.AfterTrial(context.Background(), xctraceTrial(), Options{})
		assert.Error(t, err)
	})
}

func TestXCTraceRecordCommand(t *testing.T) {
	cfg := config.Default().XCTrace
	cfg.Template = "cpu.tracetemplate"
	x := &XCTrace{Config: cfg, Dir: "/tmp/rec"}
	assert.Equal(t,
		[]string{"xctrace", "record", "--template", "cpu.tracetemplate", "--output", "/tmp/rec", "--target-stdout", "-", "--launch", "--"},
		x.RecordCommand())
}

func TestListTables(t *testing.T) {
	out, err := ListTables(openTestdata(t, "toc_pmi.xml"))
	require.NoError(t, err)
	assert.Contains(t, out, "counters-profile (trigger: pmi on INST_BRANCH every 10000)")
	assert.Contains(t, out, "events: INST_ALL, CORE_ACTIVE_CYCLE, INST_BRANCH, BRANCH_MISPRED_NONSPEC, INST_SIMD_LD")
}

// xperfTrial measures 4s starting 1s after launch.
func xperfTrial() Trial {
	return TrialFromMillis(0, 1000, 5000, 100)
}

func TestAnalyzeXperf(t *testing.T) {
	analysis, err := AnalyzeXperf(openTestdata(t, "xperf_dump.csv"), xperfTrial(), config.Default().Xperf, 4242)
	require.NoError(t, err)
	assert.Equal(t, int64(4), analysis.Samples)
	require.Len(t, analysis.Results, 1)
	assert.Equal(t, result.New("SampledProfile", 4, "samples", result.Sum), analysis.Results[0])
}

func TestAnalyzeXperfOtherProcess(t *testing.T) {
	analysis, err := AnalyzeXperf(openTestdata(t, "xperf_dump.csv"), xperfTrial(), config.Default().Xperf, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), analysis.Samples)
	assert.Empty(t, analysis.Results)
}

func TestXperfDriver(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default().Xperf
	cfg.SymbolDir = `C:\symbols`
	runner := &fakeRunner{outputs: map[string]string{"dumper": readTestdata(t, "xperf_dump.csv")}}
	x := &Xperf{Config: cfg, Runner: runner, Dir: dir}

	require.NoError(t, x.BeforeTrial(context.Background()))
	analysis, err := x.AfterTrial(context.Background(), xperfTrial(), 4242)
	require.NoError(t, err)
	assert.Equal(t, int64(4), analysis.Samples)

	require.Len(t, runner.calls, 3)
	assert.Equal(t, []string{"xperf", "-on", "loader+proc_thread+profile"}, runner.calls[0])
	assert.Equal(t, []string{"xperf", "-d", filepath.Join(dir, "xperf.etl")}, runner.calls[1])
	assert.Equal(t, []string{"_NT_SYMBOL_PATH=C:\\symbols"}, runner.envs[2])

	_, err = x.AfterTrial(context.Background(), xperfTrial(), 0)
	assert.Error(t, err)

	failing := &Xperf{Config: cfg, Runner: &fakeRunner{fail: "-on"}, Dir: dir}
	err = failing.BeforeTrial(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "Administrator"))
}

func TestAnalyzePerfScript(t *testing.T) {
	cfg := config.Default().Perf
	cfg.Events = []string{"cycles", "instructions"}
	trial := TrialFromMillis(0, 100, 4100, 10)

	analysis, err := AnalyzePerfScript(openTestdata(t, "perf_script.txt"), trial, cfg)
	require.NoError(t, err)
	got := byName(analysis.Results)
	assert.Equal(t, 3.0, got["cycles"].Value)
	assert.Equal(t, 1.0, got["instructions"].Value)
	assert.Equal(t, int64(4), analysis.Samples)
	assert.Equal(t, 1, analysis.Events.Count("instructions"))
}

func TestPerfDriver(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{outputs: map[string]string{"script": readTestdata(t, "perf_script.txt")}}
	p := &Perf{Config: config.Default().Perf, Runner: runner, Dir: dir}

	assert.Equal(t, []string{"perf", "record", "-e", "cycles", "-o", filepath.Join(dir, "perf.data"), "--"}, p.RecordCommand())

	analysis, err := p.AfterTrial(context.Background(), TrialFromMillis(0, 100, 4100, 10))
	require.NoError(t, err)
	assert.Equal(t, int64(3), analysis.Samples)
	assert.Equal(t, []string{"perf", "script", "-i", filepath.Join(dir, "perf.data"), "-F", trace.PerfScriptFields}, runner.calls[0])
}

func TestAnalyzeXCTraceFiles(t *testing.T) {
	cfg := config.Default().XCTrace
	toc := filepath.Join("testdata", "toc_pmi.xml")
	table := filepath.Join("testdata", "counters_profile.xml")

	analysis, err := AnalyzeXCTraceFiles(toc, table, xctraceTrial(), cfg, Options{Arch: "arm64"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), analysis.Samples)
	assert.InDelta(t, 1.6, byName(analysis.Results)["CPI"].Value, 1e-9)

	_, err = AnalyzeXCTraceFiles(toc, filepath.Join("testdata", "missing.xml"), xctraceTrial(), cfg, Options{})
	assert.Error(t, err)

	cfg.Table = "time-profile"
	_, err = AnalyzeXCTraceFiles(toc, table, xctraceTrial(), cfg, Options{})
	assert.ErrorIs(t, err, trace.ErrTableNotFound)
}

func TestExecRunner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "out.txt")
	err := runToFile(context.Background(), ExecRunner{}, path, []string{"PERFNORM_GREETING=hello"}, "sh", "-c", `echo "$PERFNORM_GREETING"; echo oops >&2`)
	require.NoError(t, err)
	assert.Equal(t, "hello\noops\n", readFile(t, path))

	err = ExecRunner{}.Run(context.Background(), nil, nil, "sh", "-c", "echo broken >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 3: broken")

	err = runToFile(context.Background(), ExecRunner{}, path, nil, "sh", "-c", "echo partial; exit 4")
	require.Error(t, err)
	assert.True(t, strings.HasSuffix(err.Error(), "exited with code 4"), err.Error())
	assert.Equal(t, "partial\n", readFile(t, path))
}

func TestAnalyzeXCTraceNotATable(t *testing.T) {
	toc, desc := parseTOC(t)
	tests := []struct {
		name string
		doc  string
	}{
		{name: "Empty", doc: ""},
		{name: "ErrorPage", doc: `<html><body>xctrace: export failed</body></html>`},
		{name: "TableOfContents", doc: readTestdata(t, "toc_pmi.xml")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			analysis, err := AnalyzeXCTrace(strings.NewReader(tt.doc), xctraceTrial(), config.Default().XCTrace, toc, desc, Options{})
			require.ErrorIs(t, err, trace.ErrMalformedTable)
			assert.Nil(t, analysis)
		})
	}
}

func TestAnalyzeXCTraceStartCorrectionMillis(t *testing.T) {
	toc, desc := parseTOC(t)
	toc.RecordStart = toc.RecordStart.Add(700 * time.Microsecond)

	analysis, err := AnalyzeXCTrace(openTestdata(t, "counters_profile.xml"), xctraceTrial(), config.Default().XCTrace, toc, desc, Options{})
	require.NoError(t, err)
	assert.Equal(t, 900*time.Millisecond, analysis.Window.From)
	assert.Equal(t, 3400*time.Millisecond, analysis.Window.To)
}

func TestXCTraceReusedDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "xctrace")
	runner := &fakeRunner{outputs: map[string]string{
		"--toc":   readTestdata(t, "toc_pmi.xml"),
		"--xpath": readTestdata(t, "counters_profile.xml"),
	}}
	x := &XCTrace{Config: config.Default().XCTrace, Runner: runner, Dir: dir}

	for _, recording := range []string{"first.trace", "second.trace"} {
		require.NoError(t, x.BeforeTrial(context.Background()))
		require.NoError(t, os.Mkdir(filepath.Join(dir, recording), 0o755))

		analysis, err := x.AfterTrial(context.Background(), xctraceTrial(), Options{})
		require.NoError(t, err, recording)
		assert.Equal(t, int64(2), analysis.Samples)

		_, err = os.Stat(filepath.Join(dir, recording))
		assert.True(t, os.IsNotExist(err), "%s was not removed", recording)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
