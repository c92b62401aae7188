package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"perfnorm-mcp/internal/analyzer"
	"perfnorm-mcp/internal/profiler"
	"perfnorm-mcp/internal/result"
)

// trialFlags hold one timing per fork, in argument order.
type trialFlags struct {
	start   []int64
	measure []int64
	stop    []int64
	ops     []int64
}

func (f *trialFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64SliceVar(&f.start, "start", nil, "epoch ms when each fork was launched")
	cmd.Flags().Int64SliceVar(&f.measure, "measure", nil, "epoch ms when each fork began measuring")
	cmd.Flags().Int64SliceVar(&f.stop, "stop", nil, "epoch ms when each fork stopped measuring")
	cmd.Flags().Int64SliceVar(&f.ops, "ops", nil, "operations completed by each fork")
	for _, name := range []string{"start", "measure", "stop", "ops"} {
		_ = cmd.MarkFlagRequired(name)
	}
}

func (f *trialFlags) trials(forks int) ([]profiler.Trial, error) {
	for name, values := range map[string][]int64{"start": f.start, "measure": f.measure, "stop": f.stop, "ops": f.ops} {
		if len(values) != forks {
			return nil, errors.Errorf("--%s has %d values for %d forks", name, len(values), forks)
		}
	}
	trials := make([]profiler.Trial, forks)
	for i := range trials {
		trials[i] = profiler.TrialFromMillis(f.start[i], f.measure[i], f.stop[i], f.ops[i])
		if err := trials[i].Validate(); err != nil {
			return nil, errors.Wrapf(err, "fork %d", i+1)
		}
	}
	return trials, nil
}

func newTocCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toc TOC_XML",
		Short: "List the tables of an `xctrace export --toc` document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return errors.Wrap(err, "failed to open table of contents")
			}
			defer f.Close()
			tables, err := profiler.ListTables(f)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), tables)
			return nil
		},
	}
}

func newXCTraceCmd(g *globalFlags) *cobra.Command {
	tf := &trialFlags{}
	var arch string
	cmd := &cobra.Command{
		Use:   "xctrace EXPORT_DIR...",
		Short: "Analyse counters tables exported by xctrace, one directory per fork",
		Long:  "Each directory holds the toc.xml and table.xml exported for one fork.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, metrics, err := g.load()
			if err != nil {
				return err
			}
			trials, err := tf.trials(len(args))
			if err != nil {
				return err
			}
			opts := profiler.Options{Arch: arch, Metrics: metrics}
			analyses := make([]*profiler.Analysis, len(args))
			for i, dir := range args {
				analyses[i], err = profiler.AnalyzeXCTraceFiles(filepath.Join(dir, "toc.xml"), filepath.Join(dir, "table.xml"), trials[i], cfg.XCTrace, opts)
				if err != nil {
					return errors.Wrapf(err, "fork %d", i+1)
				}
			}
			return report(cmd, g, "xctrace", trials, analyses)
		},
	}
	tf.register(cmd)
	cmd.Flags().StringVar(&arch, "arch", runtime.GOARCH, "architecture of the profiled host")
	return cmd
}

func newXperfCmd(g *globalFlags) *cobra.Command {
	tf := &trialFlags{}
	var pids []int
	cmd := &cobra.Command{
		Use:   "xperf DUMP_CSV...",
		Short: "Analyse `xperf -a dumper` output, one file per fork",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			trials, err := tf.trials(len(args))
			if err != nil {
				return err
			}
			if len(pids) != len(args) {
				return errors.Errorf("--pid has %d values for %d forks", len(pids), len(args))
			}
			analyses := make([]*profiler.Analysis, len(args))
			for i, path := range args {
				analyses[i], err = analyzeFile(path, func(f *os.File) (*profiler.Analysis, error) {
					return profiler.AnalyzeXperf(f, trials[i], cfg.Xperf, pids[i])
				})
				if err != nil {
					return errors.Wrapf(err, "fork %d", i+1)
				}
			}
			return report(cmd, g, "xperf", trials, analyses)
		},
	}
	tf.register(cmd)
	cmd.Flags().IntSliceVar(&pids, "pid", nil, "pid of the profiled process in each fork")
	_ = cmd.MarkFlagRequired("pid")
	return cmd
}

func newPerfCmd(g *globalFlags) *cobra.Command {
	tf := &trialFlags{}
	var events []string
	cmd := &cobra.Command{
		Use:   "perf SCRIPT_OUTPUT...",
		Short: "Analyse `perf script` output, one file per fork",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			trials, err := tf.trials(len(args))
			if err != nil {
				return err
			}
			if len(events) > 0 {
				cfg.Perf.Events = events
			}
			analyses := make([]*profiler.Analysis, len(args))
			for i, path := range args {
				analyses[i], err = analyzeFile(path, func(f *os.File) (*profiler.Analysis, error) {
					return profiler.AnalyzePerfScript(f, trials[i], cfg.Perf)
				})
				if err != nil {
					return errors.Wrapf(err, "fork %d", i+1)
				}
			}
			return report(cmd, g, "perf", trials, analyses)
		},
	}
	tf.register(cmd)
	cmd.Flags().StringSliceVar(&events, "events", nil, "events to collect (default: from configuration)")
	return cmd
}

func analyzeFile(path string, analyze func(*os.File) (*profiler.Analysis, error)) (*profiler.Analysis, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open trace")
	}
	defer f.Close()
	return analyze(f)
}

// report merges the results of all forks and prints them.
func report(cmd *cobra.Command, g *globalFlags, name string, trials []profiler.Trial, analyses []*profiler.Analysis) error {
	forks := make([][]result.Result, len(analyses))
	var ops int64
	for i, a := range analyses {
		forks[i] = a.Results
		ops += trials[i].Ops
		if len(a.Results) == 0 {
			log.WithField("fork", i+1).Warn("no samples in the measurement window")
		}
	}
	merged := result.Merge(forks...)

	if g.pprof != "" {
		if err := writeProfiles(g.pprof, analyses); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if g.benchmark != "" {
		return result.WriteBenchfmt(out, g.benchmark, int(ops), map[string]string{"profiler": name}, merged)
	}
	fmt.Fprintf(out, "%s: %d fork(s)\n", name, len(analyses))
	fmt.Fprint(out, result.Format(merged))
	return nil
}

// writeProfiles writes one pprof profile per fork. With several forks the
// fork number is inserted before the extension.
func writeProfiles(path string, analyses []*profiler.Analysis) error {
	for i, a := range analyses {
		if a.Events == nil {
			continue
		}
		p := path
		if len(analyses) > 1 {
			ext := filepath.Ext(path)
			p = fmt.Sprintf("%s.%d%s", strings.TrimSuffix(path, ext), i+1, ext)
		}
		if err := writeProfile(p, a); err != nil {
			return err
		}
	}
	return nil
}

func writeProfile(path string, a *profiler.Analysis) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create profile")
	}
	if err := analyzer.WriteProfile(f, a.Events, a.Window.To-a.Window.From); err != nil {
		f.Close()
		return err
	}
	return errors.Wrap(f.Close(), "failed to write profile")
}
