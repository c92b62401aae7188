// Command perfnorm analyses exported profiler traces offline and prints
// per-operation results as text or benchfmt.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"perfnorm-mcp/internal/config"
	"perfnorm-mcp/internal/counters"
)

const appName = "perfnorm"

var examples = []string{
	fmt.Sprintf("  List tables of an export:     $ %s toc run/toc.xml", appName),
	fmt.Sprintf("  Counters of two forks:        $ %s xctrace fork1 fork2 --start 1,2 --measure 3,4 --stop 5,6 --ops 10,10", appName),
	fmt.Sprintf("  Samples as benchfmt:          $ %s perf perf.script.txt --start 0 --measure 100 --stop 4100 --ops 10 --benchmark BenchmarkParse", appName),
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	config    string
	benchmark string
	pprof     string
	debug     bool
}

func (g *globalFlags) load() (*config.Config, []counters.ExpressionMetric, error) {
	if g.debug {
		log.SetLevel(log.DebugLevel)
	}
	cfg, err := config.Load(g.config)
	if err != nil {
		return nil, nil, err
	}
	metrics, err := counters.CompileMetrics(cfg.Metrics)
	if err != nil {
		return nil, nil, err
	}
	return cfg, metrics, nil
}

func newRootCmd(out io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           appName,
		Short:         "Normalize hardware counter and sampling profiles by benchmark throughput",
		Example:       strings.Join(examples, "\n"),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&g.config, "config", os.Getenv("PERFNORM_CONFIG"), "YAML configuration file")
	root.PersistentFlags().StringVar(&g.benchmark, "benchmark", "", "print results as benchfmt under this benchmark name")
	root.PersistentFlags().StringVar(&g.pprof, "pprof", "", "write attributed samples as a pprof profile")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newTocCmd(),
		newXCTraceCmd(g),
		newXperfCmd(g),
		newPerfCmd(g),
	)
	return root
}

func main() {
	log.SetOutput(os.Stderr)
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
