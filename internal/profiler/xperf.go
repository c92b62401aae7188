package profiler

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"perfnorm-mcp/internal/config"
	"perfnorm-mcp/internal/trace"
)

const (
	msgUnableStart = "unable to start the profiler; run as Administrator and stop any previous session with 'xperf -stop'"
	msgUnableStop  = "unable to stop the profiler; run as Administrator"
)

// Xperf drives a system-wide xperf session. xperf cannot follow a single
// process, so recording starts before the trial and samples are filtered by
// pid afterwards.
type Xperf struct {
	Config config.Xperf
	Runner Runner
	// Dir receives the .etl recording and the dumper output.
	Dir string
}

func (x *Xperf) path() string {
	if x.Config.Dir != "" {
		return filepath.Join(x.Config.Dir, "xperf")
	}
	return x.Config.Path
}

func (x *Xperf) etlPath() string {
	return filepath.Join(x.Dir, "xperf.etl")
}

// BeforeTrial starts recording with the configured providers.
func (x *Xperf) BeforeTrial(ctx context.Context) error {
	if err := x.Runner.Run(ctx, nil, nil, x.path(), "-on", x.Config.Providers); err != nil {
		return errors.Wrap(err, msgUnableStart)
	}
	return nil
}

// AfterTrial stops recording, converts the recording to text and analyses the
// samples of pid.
func (x *Xperf) AfterTrial(ctx context.Context, trial Trial, pid int) (*Analysis, error) {
	if pid == 0 {
		return nil, errors.New("xperf needs the pid of the profiled process")
	}
	if err := x.Runner.Run(ctx, nil, nil, x.path(), "-d", x.etlPath()); err != nil {
		return nil, errors.Wrap(err, msgUnableStop)
	}

	var env []string
	if x.Config.SymbolDir != "" {
		env = append(env, "_NT_SYMBOL_PATH="+x.Config.SymbolDir)
	}
	dumpPath := filepath.Join(x.Dir, "xperf.csv")
	if err := runToFile(ctx, x.Runner, dumpPath, env, x.path(), "-i", x.etlPath(), "-symbols", "-a", "dumper"); err != nil {
		return nil, errors.Wrap(err, "failed to convert xperf recording")
	}

	f, err := os.Open(dumpPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open xperf dump")
	}
	defer f.Close()
	return AnalyzeXperf(f, trial, x.Config, pid)
}

// AnalyzeXperf collects the in-window samples of pid from an xperf dump.
func AnalyzeXperf(r io.Reader, trial Trial, cfg config.Xperf, pid int) (*Analysis, error) {
	event := cfg.Event
	if event == "" {
		event = trace.XperfSampledProfile
	}
	return analyzeLines(trace.XperfReader{Event: event, PID: pid}, r, trial, cfg.Window, []string{event})
}
