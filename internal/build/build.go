// Package build runs a project's install and build commands and reports a
// structured result for each step.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	defaultBuildCommand = "npm run build"
	maxCapturedOutput   = 64 * 1024
)

// Stream names passed to line handlers.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// LineHandler receives each output line of a running command. It may be called
// from several goroutines.
type LineHandler func(stream, line string)

// Runner executes a shell command inside dir and reports its exit code. A
// non-nil error means the command could not be run or waited for; a command
// that ran and exited non-zero returns its code and a nil error.
type Runner interface {
	Run(ctx context.Context, command, dir string, onLine LineHandler) (int, error)
}

// Config selects the commands the invoker runs.
type Config struct {
	// InstallCommand is derived from the project's package manager when empty.
	InstallCommand string
	BuildCommand   string
	Timeout        time.Duration
}

// Result describes one command execution.
type Result struct {
	Command  string
	Dir      string
	ExitCode int
	Output   string
	Duration time.Duration
	Err      error
}

// Succeeded reports whether the command ran and exited zero.
func (r Result) Succeeded() bool {
	return r.Err == nil && r.ExitCode == 0
}

// Error describes why the command failed, or returns nil on success.
func (r Result) Error() error {
	switch {
	case r.Err != nil:
		return fmt.Errorf("command %q: %w", r.Command, r.Err)
	case r.ExitCode != 0:
		return fmt.Errorf("command %q exited with code %d", r.Command, r.ExitCode)
	default:
		return nil
	}
}

// Report collects the steps of one BuildProject call in execution order.
type Report struct {
	Steps []Result
}

// Succeeded is true when every step ran and exited zero.
func (r Report) Succeeded() bool {
	if len(r.Steps) == 0 {
		return false
	}
	for _, step := range r.Steps {
		if !step.Succeeded() {
			return false
		}
	}
	return true
}

// Err returns the first failing step's error.
func (r Report) Err() error {
	if len(r.Steps) == 0 {
		return errors.New("no build steps ran")
	}
	for _, step := range r.Steps {
		if err := step.Error(); err != nil {
			return err
		}
	}
	return nil
}

// Duration sums the duration of every step.
func (r Report) Duration() time.Duration {
	var total time.Duration
	for _, step := range r.Steps {
		total += step.Duration
	}
	return total
}

// Invoker runs build commands through a Runner.
type Invoker struct {
	runner Runner
	cfg    Config
	logger *slog.Logger
}

// New creates an Invoker.
func New(runner Runner, cfg Config, logger *slog.Logger) *Invoker {
	if strings.TrimSpace(cfg.BuildCommand) == "" {
		cfg.BuildCommand = defaultBuildCommand
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{runner: runner, cfg: cfg, logger: logger}
}

// Run executes command in dir, logging every output line at debug level.
func (i *Invoker) Run(ctx context.Context, command, dir string) Result {
	res := Result{Command: command, Dir: dir}
	capture := newOutputBuffer(maxCapturedOutput)
	log := i.logger.With("command", command)

	start := time.Now()
	code, err := i.runner.Run(ctx, command, dir, func(stream, line string) {
		capture.add(line)
		log.Debug("build output", "stream", stream, "line", line)
	})
	res.Duration = time.Since(start)
	res.ExitCode = code
	res.Err = err
	res.Output = capture.String()

	switch {
	case err != nil:
		log.Error("command could not be run", "error", err, "elapsed", res.Duration)
	case code != 0:
		log.Error("command failed", "exit_code", code, "elapsed", res.Duration)
	default:
		log.Info("command completed", "elapsed", res.Duration)
	}
	return res
}

// BuildProject installs dependencies and builds the project in dir, stopping
// at the first failing step.
func (i *Invoker) BuildProject(ctx context.Context, dir string) Report {
	if i.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.cfg.Timeout)
		defer cancel()
	}

	install := strings.TrimSpace(i.cfg.InstallCommand)
	if install == "" {
		install = InstallCommand(DetectPackageManager(dir))
	}

	var report Report
	for _, command := range []string{install, i.cfg.BuildCommand} {
		i.logger.Info("running build step", "command", command, "dir", dir)
		res := i.Run(ctx, command, dir)
		report.Steps = append(report.Steps, res)
		if !res.Succeeded() {
			break
		}
	}
	return report
}

// outputBuffer keeps the tail of a command's output up to a byte limit.
type outputBuffer struct {
	mu    sync.Mutex
	limit int
	lines []string
	size  int
}

func newOutputBuffer(limit int) *outputBuffer {
	return &outputBuffer{limit: limit}
}

func (b *outputBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	b.size += len(line) + 1
	for b.size > b.limit && len(b.lines) > 1 {
		b.size -= len(b.lines[0]) + 1
		b.lines = b.lines[1:]
	}
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}
