package profiler

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Runner launches external profiler tools.
type Runner interface {
	// Run runs name with args and waits for it to exit. Both output streams
	// of the tool go to out; env entries are added to the inherited environment.
	Run(ctx context.Context, out io.Writer, env []string, name string, args ...string) error
}

// ExecRunner runs tools as local processes.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, out io.Writer, env []string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var errbuf strings.Builder
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	} else {
		cmd.Stderr = &errbuf
	}
	log.WithField("cmd", cmd.String()).Info("running profiler tool")
	if err := cmd.Run(); err != nil {
		exitError := &exec.ExitError{}
		if errors.As(err, &exitError) {
			if stderr := strings.TrimSpace(errbuf.String()); stderr != "" {
				return errors.Errorf("%s exited with code %d: %s", filepath.Base(name), exitError.ExitCode(), stderr)
			}
			return errors.Errorf("%s exited with code %d", filepath.Base(name), exitError.ExitCode())
		}
		return errors.Wrapf(err, "failed to run %s", name)
	}
	return nil
}

// runToFile runs a tool with its output drained into path.
func runToFile(ctx context.Context, r Runner, path string, env []string, name string, args ...string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create tool output file")
	}
	runErr := r.Run(ctx, f, env, name, args...)
	if err := f.Close(); err != nil && runErr == nil {
		runErr = errors.Wrap(err, "failed to close tool output file")
	}
	return runErr
}
