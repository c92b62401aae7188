package profiler

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"perfnorm-mcp/internal/config"
	"perfnorm-mcp/internal/counters"
	"perfnorm-mcp/internal/trace"
)

// XCTrace drives `xctrace record` and analyses the counters table it exports.
type XCTrace struct {
	Config config.XCTrace
	Runner Runner
	// Dir receives the recording and the exported XML documents.
	Dir string
}

// RecordCommand returns the command prefix that launches the benchmark under
// xctrace.
func (x *XCTrace) RecordCommand() []string {
	cmd := []string{x.Config.Path, "record"}
	if x.Config.Template != "" {
		cmd = append(cmd, "--template", x.Config.Template)
	}
	return append(cmd, "--output", x.Dir, "--target-stdout", "-", "--launch", "--")
}

// FindTraceFile returns the single *.trace bundle in dir.
func FindTraceFile(dir string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.trace"))
	if err != nil {
		return "", errors.Wrap(err, "failed to list recordings")
	}
	switch len(matches) {
	case 0:
		return "", errors.Errorf("no *.trace recording in %s", dir)
	case 1:
		return matches[0], nil
	default:
		return "", errors.Errorf("more than one recording in %s", dir)
	}
}

// TableXPath selects a table of the first run in an xctrace export.
func TableXPath(tt trace.TableType) string {
	return fmt.Sprintf(`/trace-toc/run[1]/data[1]/table[@schema="%s"]`, tt)
}

// BeforeTrial creates the directory the recording is written to.
func (x *XCTrace) BeforeTrial(ctx context.Context) error {
	if err := os.MkdirAll(x.Dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create recording directory")
	}
	return nil
}

// AfterTrial exports the recording and analyses it. The recording is removed
// afterwards so that Dir can hold the next trial; the exported documents stay.
func (x *XCTrace) AfterTrial(ctx context.Context, trial Trial, opts Options) (*Analysis, error) {
	traceFile, err := FindTraceFile(x.Dir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := os.RemoveAll(traceFile); err != nil {
			log.WithError(err).WithField("trace", traceFile).Warn("failed to remove recording")
		}
	}()

	tocPath := filepath.Join(x.Dir, "toc.xml")
	if err := runToFile(ctx, x.Runner, tocPath, nil, x.Config.Path, "export", "--input", traceFile, "--toc"); err != nil {
		return nil, errors.Wrap(err, "failed to export table of contents")
	}
	toc, err := readTableOfContents(tocPath)
	if err != nil {
		return nil, err
	}
	desc, err := toc.FindTable(trace.TableType(x.Config.Table))
	if err != nil {
		return nil, err
	}

	tablePath := filepath.Join(x.Dir, "table.xml")
	if err := runToFile(ctx, x.Runner, tablePath, nil, x.Config.Path, "export", "--input", traceFile, "--xpath", TableXPath(desc.Type)); err != nil {
		return nil, errors.Wrap(err, "failed to export table")
	}
	f, err := os.Open(tablePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open exported table")
	}
	defer f.Close()

	return AnalyzeXCTrace(f, trial, x.Config, toc, desc, opts)
}

// AnalyzeXCTraceFiles analyses a table of contents and a table exported
// earlier.
func AnalyzeXCTraceFiles(tocPath, tablePath string, trial Trial, cfg config.XCTrace, opts Options) (*Analysis, error) {
	toc, err := readTableOfContents(tocPath)
	if err != nil {
		return nil, err
	}
	desc, err := toc.FindTable(trace.TableType(cfg.Table))
	if err != nil {
		return nil, err
	}
	f, err := os.Open(tablePath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open exported table")
	}
	defer f.Close()
	return AnalyzeXCTrace(f, trial, cfg, toc, desc, opts)
}

func readTableOfContents(path string) (*trace.TableOfContents, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open table of contents")
	}
	defer f.Close()
	return trace.ParseTableOfContents(f)
}

// AnalyzeXCTrace aggregates the in-window rows of an exported counters table.
// No measured time or no rows in the window yield an empty analysis.
func AnalyzeXCTrace(table io.Reader, trial Trial, cfg config.XCTrace, toc *trace.TableOfContents, desc *trace.TableDesc, opts Options) (*Analysis, error) {
	analysis := &Analysis{Table: desc}
	throughput := trial.Throughput()
	if throughput == 0 {
		return analysis, nil
	}

	// The harness measures its delay from process launch, but the recording
	// clock starts when xctrace actually began recording.
	var correction time.Duration
	if cfg.FixStartTime && !toc.RecordStart.IsZero() {
		correction = toc.RecordStart.Truncate(time.Millisecond).Sub(trial.Start)
	}
	analysis.Window = trial.window(cfg.Window, correction)

	agg := counters.NewAggregator(desc)
	builder := trace.NewEventsBuilder([]string{desc.TriggerEvent()})
	rd := trace.TableReader{Desc: desc}
	err := rd.ReadSamples(table, func(s *trace.Sample) error {
		if !analysis.Window.Covers(s.Time) {
			return nil
		}
		agg.Add(s)
		if s.HasAddr {
			builder.Add(s)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s table", desc.Type)
	}
	analysis.Events = builder.Finish()
	analysis.Samples = agg.EventsCount()

	log.WithFields(log.Fields{
		"table":      desc.Type,
		"trigger":    desc.Trigger,
		"samples":    analysis.Samples,
		"correction": correction,
		"window":     fmt.Sprintf("(%v, %v]", analysis.Window.From, analysis.Window.To),
	}).Debug("aggregated xctrace samples")

	if analysis.Samples == 0 {
		return analysis, nil
	}

	analysis.Results = counters.Derive(agg, opts.Arch)
	if err := agg.NormalizeByThroughput(throughput); err != nil {
		return nil, errors.Wrapf(err, "cannot normalize %d samples", analysis.Samples)
	}
	analysis.Results = append(analysis.Results, counters.EvaluateAll(opts.Metrics, agg)...)
	analysis.Results = append(analysis.Results, counters.EventResults(agg, desc)...)
	return analysis, nil
}

// ListTables parses an exported table of contents and describes its tables.
func ListTables(r io.Reader) (string, error) {
	toc, err := trace.ParseTableOfContents(r)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if !toc.RecordStart.IsZero() {
		sb.WriteString(fmt.Sprintf("Recording started: %s\n", toc.RecordStart.Format("2006-01-02 15:04:05.000 -0700")))
	}
	for _, t := range toc.Tables {
		sb.WriteString(fmt.Sprintf("- %s (trigger: %s", t.Type, t.Trigger))
		if t.Trigger == trace.TriggerPMI {
			sb.WriteString(fmt.Sprintf(" on %s every %d", t.PMIEvent, t.PMIThreshold))
		}
		sb.WriteString(")\n")
		if len(t.PMCEvents) > 0 {
			sb.WriteString(fmt.Sprintf("  events: %s\n", strings.Join(t.PMCEvents, ", ")))
		}
	}
	return sb.String(), nil
}
