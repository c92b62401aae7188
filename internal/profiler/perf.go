package profiler

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"perfnorm-mcp/internal/config"
	"perfnorm-mcp/internal/result"
	"perfnorm-mcp/internal/trace"
)

// Perf drives `perf record` and analyses the output of `perf script`.
type Perf struct {
	Config config.Perf
	Runner Runner
	// Dir receives perf.data and the script output.
	Dir string
}

func (p *Perf) dataPath() string {
	return filepath.Join(p.Dir, "perf.data")
}

// RecordCommand returns the command prefix that launches the benchmark under
// perf record.
func (p *Perf) RecordCommand() []string {
	return []string{p.Config.Path, "record", "-e", strings.Join(p.Config.Events, ","), "-o", p.dataPath(), "--"}
}

// AfterTrial converts the recording to text and analyses it.
func (p *Perf) AfterTrial(ctx context.Context, trial Trial) (*Analysis, error) {
	scriptPath := filepath.Join(p.Dir, "perf.script.txt")
	if err := runToFile(ctx, p.Runner, scriptPath, nil, p.Config.Path, "script", "-i", p.dataPath(), "-F", trace.PerfScriptFields); err != nil {
		return nil, errors.Wrap(err, "failed to convert perf recording")
	}
	f, err := os.Open(scriptPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open perf script output")
	}
	defer f.Close()
	return AnalyzePerfScript(f, trial, p.Config)
}

// AnalyzePerfScript collects the in-window samples of the configured events.
func AnalyzePerfScript(r io.Reader, trial Trial, cfg config.Perf) (*Analysis, error) {
	return analyzeLines(trace.PerfScriptReader{Events: cfg.Events}, r, trial, cfg.Window, cfg.Events)
}

// analyzeLines windows an address-based trace and reports the sample count of
// each event. An empty window yields no results.
func analyzeLines(rd trace.Reader, r io.Reader, trial Trial, w config.Window, events []string) (*Analysis, error) {
	analysis := &Analysis{}
	if trial.MeasuredTime() <= 0 {
		return analysis, nil
	}
	analysis.Window = trial.window(w, 0)

	ev, err := trace.CollectEvents(rd, r, events, analysis.Window)
	if err != nil {
		return nil, err
	}
	analysis.Events = ev
	for _, event := range ev.Events {
		n := ev.Count(event)
		analysis.Samples += int64(n)
		analysis.Results = append(analysis.Results, result.New(event, float64(n), "samples", result.Sum))
	}
	if analysis.Samples == 0 {
		analysis.Results = nil
	}
	log.WithFields(log.Fields{
		"events":  strings.Join(events, ","),
		"samples": analysis.Samples,
	}).Debug("collected line samples")
	return analysis, nil
}
