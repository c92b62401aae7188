package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	log "github.com/sirupsen/logrus"

	"perfnorm-mcp/internal/analyzer"
	"perfnorm-mcp/internal/config"
	"perfnorm-mcp/internal/counters"
	"perfnorm-mcp/internal/profiler"
	"perfnorm-mcp/internal/result"
	"perfnorm-mcp/internal/trace"
)

const rule = "═══════════════════════════════════════════════════\n\n"

// toolServer holds the configuration and the analyses of previously
// analysed traces, keyed by trace path.
type toolServer struct {
	cfg     *config.Config
	metrics []counters.ExpressionMetric

	mu       sync.Mutex
	analyses map[string]*profiler.Analysis
}

func newToolServer(cfg *config.Config) (*toolServer, error) {
	metrics, err := counters.CompileMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	return &toolServer{cfg: cfg, metrics: metrics, analyses: make(map[string]*profiler.Analysis)}, nil
}

func (t *toolServer) store(path string, a *profiler.Analysis) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.analyses[path] = a
}

func (t *toolServer) load(path string) (*profiler.Analysis, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.analyses[path]
	return a, ok
}

func trialOptions() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithNumber("start_ms",
			mcp.Required(),
			mcp.Description("Epoch milliseconds when the profiled process was launched"),
		),
		mcp.WithNumber("measurement_start_ms",
			mcp.Required(),
			mcp.Description("Epoch milliseconds when the first measured iteration began"),
		),
		mcp.WithNumber("stop_ms",
			mcp.Required(),
			mcp.Description("Epoch milliseconds when the last measured iteration ended"),
		),
		mcp.WithNumber("ops",
			mcp.Required(),
			mcp.Description("Operations completed during the measurement"),
		),
	}
}

func requireTrial(request mcp.CallToolRequest) (profiler.Trial, error) {
	var v [4]float64
	for i, key := range []string{"start_ms", "measurement_start_ms", "stop_ms", "ops"} {
		f, err := request.RequireFloat(key)
		if err != nil {
			return profiler.Trial{}, err
		}
		v[i] = f
	}
	trial := profiler.TrialFromMillis(int64(v[0]), int64(v[1]), int64(v[2]), int64(v[3]))
	return trial, trial.Validate()
}

func (t *toolServer) register(s *server.MCPServer) {
	// Tool 1: List tables of an xctrace recording
	s.AddTool(mcp.NewTool("list_trace_tables",
		mcp.WithDescription("List the tables, counters and trigger of an `xctrace export --toc` document."),
		mcp.WithString("toc_path",
			mcp.Required(),
			mcp.Description("Absolute path to the exported table of contents XML"),
		),
	), t.listTraceTables)

	// Tool 2: Analyze xctrace counters
	s.AddTool(mcp.NewTool("analyze_xctrace", append([]mcp.ToolOption{
		mcp.WithDescription("Compute per-operation hardware counter metrics (CPI, IPC, branch miss ratio, instruction densities, events per op) from an exported xctrace counters table."),
		mcp.WithString("toc_path",
			mcp.Required(),
			mcp.Description("Absolute path to the exported table of contents XML"),
		),
		mcp.WithString("table_path",
			mcp.Required(),
			mcp.Description("Absolute path to the exported table XML"),
		),
		mcp.WithString("arch",
			mcp.Description("Architecture of the profiled host, e.g. arm64 (default: this host)"),
		),
	}, trialOptions()...)...), t.analyzeXCTrace)

	// Tool 3: Analyze xperf dump
	s.AddTool(mcp.NewTool("analyze_xperf", append([]mcp.ToolOption{
		mcp.WithDescription("Window and attribute the samples of one process in an `xperf -a dumper` CSV."),
		mcp.WithString("dump_path",
			mcp.Required(),
			mcp.Description("Absolute path to the dumper CSV"),
		),
		mcp.WithNumber("pid",
			mcp.Required(),
			mcp.Description("Process id of the profiled process"),
		),
	}, trialOptions()...)...), t.analyzeXperf)

	// Tool 4: Analyze perf script output
	s.AddTool(mcp.NewTool("analyze_perf_script", append([]mcp.ToolOption{
		mcp.WithDescription("Window and attribute the samples in `perf script -F " + trace.PerfScriptFields + "` output."),
		mcp.WithString("script_path",
			mcp.Required(),
			mcp.Description("Absolute path to the perf script output"),
		),
		mcp.WithArray("events",
			mcp.Description("Events to collect (default: from configuration)"),
			mcp.WithStringItems(),
		),
	}, trialOptions()...)...), t.analyzePerfScript)

	// Tool 5: Find hot symbols
	s.AddTool(mcp.NewTool("find_hot_symbols",
		mcp.WithDescription("Find the symbols that received the most samples in an analysed trace. This is the most important tool for identifying performance bottlenecks."),
		mcp.WithString("trace_path",
			mcp.Required(),
			mcp.Description("Path of a trace analysed earlier"),
		),
		mcp.WithString("event",
			mcp.Description("Event to rank by (default: first event)"),
		),
		mcp.WithNumber("top_n",
			mcp.Description("Number of symbols to return (default: from configuration)"),
		),
	), t.findHotSymbols)

	// Tool 6: Analyze modules
	s.AddTool(mcp.NewTool("analyze_modules",
		mcp.WithDescription("Break the samples of an analysed trace down by module/library."),
		mcp.WithString("trace_path",
			mcp.Required(),
			mcp.Description("Path of a trace analysed earlier"),
		),
		mcp.WithString("event",
			mcp.Description("Event to break down (default: first event)"),
		),
	), t.analyzeModules)

	// Tool 7: Get statistics
	s.AddTool(mcp.NewTool("get_statistics",
		mcp.WithDescription("Get statistics about an analysed trace: samples per event, kernel and unresolved shares, unique symbols and modules."),
		mcp.WithString("trace_path",
			mcp.Required(),
			mcp.Description("Path of a trace analysed earlier"),
		),
	), t.getStatistics)

	// Tool 8: Detect performance issues
	s.AddTool(mcp.NewTool("detect_performance_issues",
		mcp.WithDescription("Automatically detect dominant symbols and large kernel or unresolved shares in an analysed trace."),
		mcp.WithString("trace_path",
			mcp.Required(),
			mcp.Description("Path of a trace analysed earlier"),
		),
	), t.detectPerformanceIssues)
}

func (t *toolServer) listTraceTables(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("toc_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return mcp.NewToolResultErrorf("Failed to open table of contents: %v", err), nil
	}
	defer f.Close()

	tables, err := profiler.ListTables(f)
	if err != nil {
		return mcp.NewToolResultErrorf("Failed to parse table of contents: %v", err), nil
	}

	var sb strings.Builder
	sb.WriteString("📋 TRACE TABLES\n")
	sb.WriteString(rule)
	sb.WriteString(tables)
	return mcp.NewToolResultText(sb.String()), nil
}

func (t *toolServer) analyzeXCTrace(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tocPath, err := request.RequireString("toc_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	tablePath, err := request.RequireString("table_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	trial, err := requireTrial(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	opts := profiler.Options{Arch: request.GetString("arch", runtime.GOARCH), Metrics: t.metrics}
	analysis, err := profiler.AnalyzeXCTraceFiles(tocPath, tablePath, trial, t.cfg.XCTrace, opts)
	if err != nil {
		log.WithError(err).WithField("table", tablePath).Warn("xctrace analysis failed")
		return mcp.NewToolResultErrorf("Failed to analyze xctrace export: %v", err), nil
	}
	t.store(tablePath, analysis)
	return mcp.NewToolResultText(formatAnalysis("📈 XCTRACE COUNTER METRICS", tablePath, analysis)), nil
}

func (t *toolServer) analyzeXperf(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("dump_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	pid, err := request.RequireInt("pid")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	trial, err := requireTrial(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return mcp.NewToolResultErrorf("Failed to open xperf dump: %v", err), nil
	}
	defer f.Close()
	analysis, err := profiler.AnalyzeXperf(f, trial, t.cfg.Xperf, pid)
	if err != nil {
		return mcp.NewToolResultErrorf("Failed to analyze xperf dump: %v", err), nil
	}
	t.store(path, analysis)
	return mcp.NewToolResultText(formatAnalysis("🪟 XPERF SAMPLES", path, analysis)), nil
}

func (t *toolServer) analyzePerfScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("script_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	trial, err := requireTrial(request)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cfg := t.cfg.Perf
	cfg.Events = request.GetStringSlice("events", cfg.Events)
	if len(cfg.Events) == 0 {
		return mcp.NewToolResultError("No events requested"), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return mcp.NewToolResultErrorf("Failed to open perf script output: %v", err), nil
	}
	defer f.Close()
	analysis, err := profiler.AnalyzePerfScript(f, trial, cfg)
	if err != nil {
		return mcp.NewToolResultErrorf("Failed to analyze perf script output: %v", err), nil
	}
	t.store(path, analysis)
	return mcp.NewToolResultText(formatAnalysis("🐧 PERF SAMPLES", path, analysis)), nil
}

func formatAnalysis(title, path string, a *profiler.Analysis) string {
	var sb strings.Builder
	sb.WriteString(title + "\n")
	sb.WriteString(rule)
	sb.WriteString(fmt.Sprintf("Trace: %s\n", path))
	sb.WriteString(fmt.Sprintf("Window: %v - %v\n", a.Window.From, a.Window.To))
	sb.WriteString(fmt.Sprintf("Samples in window: %d\n\n", a.Samples))

	if len(a.Results) == 0 {
		sb.WriteString("No samples in the measurement window; nothing to report.\n")
		return sb.String()
	}
	sb.WriteString(result.Format(a.Results))
	if a.Events != nil {
		sb.WriteString("\nUse find_hot_symbols, analyze_modules and get_statistics for attribution.\n")
	}
	return sb.String()
}

// lookupEvents returns the attributed events of a previously analysed trace
// and the event to report on.
func (t *toolServer) lookupEvents(request mcp.CallToolRequest) (*trace.PerfEvents, string, *mcp.CallToolResult) {
	path, err := request.RequireString("trace_path")
	if err != nil {
		return nil, "", mcp.NewToolResultError(err.Error())
	}
	analysis, ok := t.load(path)
	if !ok || analysis.Events == nil {
		return nil, "", mcp.NewToolResultError("Trace not analysed. Use analyze_xctrace, analyze_xperf or analyze_perf_script first")
	}
	ev := analysis.Events
	event := ""
	if len(ev.Events) > 0 {
		event = ev.Events[0]
	}
	event = request.GetString("event", event)
	if _, ok := ev.Counts[event]; !ok {
		return nil, "", mcp.NewToolResultErrorf("Event %q was not collected; available: %s", event, strings.Join(ev.Events, ", "))
	}
	return ev, event, nil
}

func (t *toolServer) findHotSymbols(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ev, event, errResult := t.lookupEvents(request)
	if errResult != nil {
		return errResult, nil
	}
	topN := request.GetInt("top_n", t.cfg.Hotspots.Top)

	hotspots := analyzer.FindHotSymbols(ev, event, topN)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🔥 TOP SYMBOLS BY %s SAMPLES\n", event))
	sb.WriteString(rule)
	if len(hotspots) == 0 {
		sb.WriteString("No samples found.\n")
	}
	for i, hs := range hotspots {
		sb.WriteString(analyzer.FormatHotspot(hs, i+1))
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (t *toolServer) analyzeModules(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ev, event, errResult := t.lookupEvents(request)
	if errResult != nil {
		return errResult, nil
	}

	var sb strings.Builder
	sb.WriteString("📦 MODULE SAMPLE ANALYSIS\n")
	sb.WriteString(rule)
	for i, m := range analyzer.FindModuleHotspots(ev, event) {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, m.Module))
		sb.WriteString(fmt.Sprintf("   Samples: %d (%.2f%%)\n", m.SampleCount, m.Percentage))
		barLength := min(int(m.Percentage/2), 50)
		sb.WriteString("   ")
		sb.WriteString(strings.Repeat("█", barLength))
		sb.WriteString("\n\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (t *toolServer) getStatistics(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ev, _, errResult := t.lookupEvents(request)
	if errResult != nil {
		return errResult, nil
	}
	stats := analyzer.ComputeStatistics(ev)

	var sb strings.Builder
	sb.WriteString("📊 TRACE STATISTICS\n")
	sb.WriteString(rule)
	sb.WriteString(fmt.Sprintf("Total Samples: %d\n", stats.TotalSamples))
	sb.WriteString(fmt.Sprintf("Symbol Ranges: %d\n\n", stats.Intervals))
	for _, es := range stats.Events {
		sb.WriteString(fmt.Sprintf("%s:\n", es.Event))
		sb.WriteString(fmt.Sprintf("  Samples: %d\n", es.Samples))
		sb.WriteString(fmt.Sprintf("  Distinct Addresses: %d\n", es.DistinctAddresses))
		sb.WriteString(fmt.Sprintf("  Kernel: %d\n", es.KernelSamples))
		sb.WriteString(fmt.Sprintf("  Unresolved: %d\n\n", es.UnknownSamples))
	}
	sb.WriteString("Unique Elements:\n")
	sb.WriteString(fmt.Sprintf("  Modules: %d\n", stats.UniqueModules))
	sb.WriteString(fmt.Sprintf("  Functions: %d\n", stats.UniqueFunctions))
	return mcp.NewToolResultText(sb.String()), nil
}

func (t *toolServer) detectPerformanceIssues(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ev, _, errResult := t.lookupEvents(request)
	if errResult != nil {
		return errResult, nil
	}
	issues := analyzer.DetectPerformanceIssues(ev)

	var sb strings.Builder
	sb.WriteString("⚠️  AUTOMATED PERFORMANCE ISSUE DETECTION\n")
	sb.WriteString(rule)
	if len(issues) == 0 {
		sb.WriteString("✅ No significant performance issues detected!\n")
		return mcp.NewToolResultText(sb.String()), nil
	}

	bySeverity := make(map[string][]analyzer.PerformanceIssue)
	for _, issue := range issues {
		bySeverity[issue.Severity] = append(bySeverity[issue.Severity], issue)
	}
	sections := []struct{ severity, title string }{
		{"Critical", "🔴 CRITICAL ISSUES:"},
		{"High", "🟠 HIGH PRIORITY ISSUES:"},
		{"Medium", "🟡 MEDIUM PRIORITY ISSUES:"},
		{"Low", "🔵 LOW PRIORITY ISSUES:"},
	}
	for _, section := range sections {
		list := bySeverity[section.severity]
		if len(list) == 0 {
			continue
		}
		sb.WriteString(section.title + "\n\n")
		for i, issue := range list {
			sb.WriteString(fmt.Sprintf("%d. [%s] %s\n", i+1, issue.Category, issue.Description))
			if issue.Function != "" {
				sb.WriteString(fmt.Sprintf("   Symbol: %s!%s\n", issue.Module, issue.Function))
			}
			sb.WriteString(fmt.Sprintf("   Impact: %.2f%% of %s samples\n\n", issue.Impact, issue.Event))
		}
	}

	sb.WriteString("📊 SUMMARY:\n")
	for _, section := range sections {
		sb.WriteString(fmt.Sprintf("   %s: %d\n", section.severity, len(bySeverity[section.severity])))
	}
	return mcp.NewToolResultText(sb.String()), nil
}
