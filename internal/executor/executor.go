// Package executor runs stacked shell commands against one logical
// working directory. Each OS process invocation is independent and cannot
// mutate a parent's directory, so directory-navigation commands (cd,
// pushd, popd) are interpreted locally and carried between invocations as
// virtual state.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/outpost-ops/outpost/internal/logging"
)

var log = logging.L("executor")

const (
	// DefaultTimeout is the default per-command timeout in seconds.
	DefaultTimeout = 300

	// MaxTimeout is the maximum allowed per-command timeout.
	MaxTimeout = 86400

	// MaxOutputSize is the maximum size of stdout/stderr captured per command.
	MaxOutputSize = 1024 * 1024 // 1MB

	// ExitTimeout marks a command killed by its timeout, distinct from
	// ordinary failure exit codes.
	ExitTimeout = 124

	// ExitBlocked marks a command refused by the local safety filter
	// ("cannot execute").
	ExitBlocked = 126
)

// CommandResult is the outcome of one command in a stack.
type CommandResult struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
	DirChange  bool   `json:"dirChange"`
	Error      string `json:"error,omitempty"`
}

// StackResult aggregates a whole command stack.
type StackResult struct {
	Results     []CommandResult `json:"results"`
	ExitCode    int             `json:"exitCode"`
	Stdout      string          `json:"stdout"`
	Stderr      string          `json:"stderr"`
	FinalDir    string          `json:"finalDir"`
	FirstFailed int             `json:"firstFailed"` // index into Results, -1 when none
	StartedAt   string          `json:"startedAt"`
	CompletedAt string          `json:"completedAt"`
}

// Options configures an Executor.
type Options struct {
	Shell          string // empty: /bin/sh, or cmd.exe on Windows
	TimeoutSeconds int    // per-command timeout, DefaultTimeout when <= 0
	StopOnError    bool
	WorkDir        string // initial directory, home dir when empty
}

// Executor tracks the virtual working directory and directory stack for a
// sequence of command batches. Not safe for concurrent Run calls from the
// same instance; callers running batches concurrently create one Executor
// per batch.
type Executor struct {
	mu          sync.Mutex
	shell       string
	timeout     int
	stopOnError bool
	workDir     string
	dirStack    []string
}

// New creates an Executor. The initial working directory falls back to
// the user home directory, then the OS temp directory, when opts.WorkDir
// is empty or unusable.
func New(opts Options) *Executor {
	shell := opts.Shell
	if shell == "" {
		shell = defaultShell()
	}

	timeout := opts.TimeoutSeconds
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	return &Executor{
		shell:       shell,
		timeout:     timeout,
		stopOnError: opts.StopOnError,
		workDir:     initialWorkDir(opts.WorkDir),
	}
}

func defaultShell() string {
	if runtime.GOOS == "windows" {
		if comspec := os.Getenv("ComSpec"); comspec != "" {
			return comspec
		}
		return "cmd.exe"
	}
	return "/bin/sh"
}

func initialWorkDir(dir string) string {
	if dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
		log.Warn("configured working directory unusable, falling back", "dir", dir)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.TempDir()
}

// WorkDir returns the current tracked directory.
func (e *Executor) WorkDir() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.workDir
}

// Run executes the command stack sequentially. Directory-navigation lines
// mutate tracked state without spawning a subprocess; everything else runs
// through the shell with the tracked directory as its working directory.
// A timeout or safety-filter rejection is recorded per command; the batch
// continues unless StopOnError is set.
func (e *Executor) Run(ctx context.Context, commands []string) *StackResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	started := time.Now()
	stack := &StackResult{
		Results:     make([]CommandResult, 0, len(commands)),
		FirstFailed: -1,
		StartedAt:   started.UTC().Format(time.RFC3339),
	}

	for _, raw := range commands {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		var res CommandResult
		switch {
		case isNavigation(line):
			res = e.navigate(line)
		default:
			if reason, blocked := blockReason(line); blocked {
				log.Warn("command refused by safety filter", "command", line, "reason", reason)
				res = CommandResult{
					Command:  line,
					ExitCode: ExitBlocked,
					Stderr:   "blocked by safety filter: " + reason,
					Error:    "blocked by safety filter",
				}
			} else {
				res = e.runShell(ctx, line)
			}
		}

		stack.Results = append(stack.Results, res)
		if res.ExitCode != 0 && stack.FirstFailed == -1 {
			stack.FirstFailed = len(stack.Results) - 1
		}
		if res.ExitCode != 0 && e.stopOnError {
			break
		}
	}

	stack.FinalDir = e.workDir
	stack.CompletedAt = time.Now().UTC().Format(time.RFC3339)
	stack.Stdout, stack.Stderr = aggregateOutput(stack.Results)
	stack.ExitCode = aggregateExitCode(stack, e.stopOnError)

	return stack
}

// aggregateExitCode is the first non-zero code when stopOnError, else the
// last command's code.
func aggregateExitCode(stack *StackResult, stopOnError bool) int {
	if len(stack.Results) == 0 {
		return 0
	}
	if stopOnError && stack.FirstFailed >= 0 {
		return stack.Results[stack.FirstFailed].ExitCode
	}
	return stack.Results[len(stack.Results)-1].ExitCode
}

func aggregateOutput(results []CommandResult) (string, string) {
	var out, errOut strings.Builder
	for _, r := range results {
		if r.Stdout != "" {
			fmt.Fprintf(&out, "$ %s\n%s", r.Command, r.Stdout)
			if !strings.HasSuffix(r.Stdout, "\n") {
				out.WriteString("\n")
			}
		}
		if r.Stderr != "" {
			fmt.Fprintf(&errOut, "$ %s\n%s", r.Command, r.Stderr)
			if !strings.HasSuffix(r.Stderr, "\n") {
				errOut.WriteString("\n")
			}
		}
	}
	return out.String(), errOut.String()
}

func (e *Executor) runShell(ctx context.Context, line string) CommandResult {
	res := CommandResult{Command: line}
	started := time.Now()

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(e.timeout)*time.Second)
	defer cancel()

	var args []string
	if runtime.GOOS == "windows" {
		args = []string{"/C", line}
	} else {
		args = []string{"-c", line}
	}

	cmd := exec.CommandContext(cmdCtx, e.shell, args...)
	cmd.Dir = e.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{buf: &stdout, limit: MaxOutputSize}
	cmd.Stderr = &limitedWriter{buf: &stderr, limit: MaxOutputSize}

	// Own process group so children are killed along with a timed-out shell
	setProcessGroup(cmd)

	err := cmd.Run()

	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.DurationMs = time.Since(started).Milliseconds()

	if err != nil {
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			if killErr := killProcessGroup(cmd); killErr != nil {
				log.Warn("failed to kill process group", "command", line, "error", killErr)
			}
			log.Warn("command timed out", "command", line, "timeoutSeconds", e.timeout)
			res.ExitCode = ExitTimeout
			res.Error = fmt.Sprintf("timed out after %d seconds", e.timeout)
			return res
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res
		}
		res.ExitCode = -1
		res.Error = err.Error()
		log.Error("command failed to start", "command", line, "error", err)
		return res
	}

	res.ExitCode = 0
	return res
}

// limitedWriter wraps a buffer with a size limit.
type limitedWriter struct {
	buf     *bytes.Buffer
	limit   int
	written int
}

func (w *limitedWriter) Write(p []byte) (n int, err error) {
	if w.written >= w.limit {
		// Discard additional data but don't error
		return len(p), nil
	}

	remaining := w.limit - w.written
	if len(p) > remaining {
		p = p[:remaining]
	}

	n, err = w.buf.Write(p)
	w.written += n
	return len(p), err // Return original length to avoid short write errors
}
