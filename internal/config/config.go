// Package config loads the YAML settings of the profiler drivers.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"perfnorm-mcp/internal/counters"
)

// Auto asks a driver to derive the delay or length from the trial.
const Auto int64 = -1

// Window overrides the analysed part of a recording, in milliseconds.
type Window struct {
	DelayMs  int64 `yaml:"delay_ms"`
	LengthMs int64 `yaml:"length_ms"`
}

// XCTrace configures the macOS Instruments driver.
type XCTrace struct {
	Window       `yaml:",inline"`
	Path         string `yaml:"path"`
	Template     string `yaml:"template"`
	Table        string `yaml:"table"`
	FixStartTime bool   `yaml:"fix_start_time"`
}

// Xperf configures the Windows Performance Toolkit driver.
type Xperf struct {
	Window    `yaml:",inline"`
	Path      string `yaml:"path"`
	Dir       string `yaml:"dir"`
	Providers string `yaml:"providers"`
	SymbolDir string `yaml:"symbol_dir"`
	Event     string `yaml:"event"`
}

// Perf configures the Linux perf driver.
type Perf struct {
	Window `yaml:",inline"`
	Path   string   `yaml:"path"`
	Events []string `yaml:"events"`
}

// Hotspots configures the hot symbol report.
type Hotspots struct {
	Top int `yaml:"top"`
}

// Config is the complete configuration.
type Config struct {
	XCTrace  XCTrace                     `yaml:"xctrace"`
	Xperf    Xperf                       `yaml:"xperf"`
	Perf     Perf                        `yaml:"perf"`
	Hotspots Hotspots                    `yaml:"hotspots"`
	Metrics  []counters.MetricDefinition `yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	auto := Window{DelayMs: Auto, LengthMs: Auto}
	return &Config{
		XCTrace: XCTrace{
			Window:       auto,
			Path:         "xctrace",
			Table:        "counters-profile",
			FixStartTime: true,
		},
		Xperf: Xperf{
			Window:    auto,
			Path:      "xperf",
			Providers: "loader+proc_thread+profile",
			Event:     "SampledProfile",
		},
		Perf: Perf{
			Window: auto,
			Path:   "perf",
			Events: []string{"cycles"},
		},
		Hotspots: Hotspots{Top: 20},
	}
}

// Load reads the file at path over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	windows := map[string]Window{"xctrace": c.XCTrace.Window, "xperf": c.Xperf.Window, "perf": c.Perf.Window}
	for name, w := range windows {
		if w.DelayMs < Auto || w.LengthMs < Auto {
			return errors.Errorf("%s: delay and length must be -1 or non-negative", name)
		}
	}
	if c.Hotspots.Top <= 0 {
		return errors.New("hotspots: top must be positive")
	}
	if len(c.Perf.Events) == 0 {
		return errors.New("perf: no events")
	}
	if c.Xperf.Event == "" {
		return errors.New("xperf: no event")
	}
	if _, err := counters.CompileMetrics(c.Metrics); err != nil {
		return err
	}
	return nil
}
