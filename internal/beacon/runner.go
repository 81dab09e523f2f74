package beacon

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/outpost-ops/outpost/internal/audit"
	"github.com/outpost-ops/outpost/internal/executor"
	"github.com/outpost-ops/outpost/internal/logging"
	"github.com/outpost-ops/outpost/pkg/api"
)

// SystemHandler executes a reserved lifecycle action ("persist-install",
// "update", ...) and returns its human-readable output. A true stop flag
// asks the caller to shut the beacon down after the result is reported,
// which is how a freshly applied update gets the process restarted. The
// shutdown action itself is handled by the Runner.
type SystemHandler func(ctx context.Context, action string) (string, bool, error)

// Outcome is what executing one pending command produced.
type Outcome struct {
	Result *api.ResultRequest
	// Duplicate is set when the command ID was already executed; the
	// result must not be reported again.
	Duplicate bool
	// StopRequested is set by the shutdown system command. The caller
	// reports the result first, then begins graceful shutdown.
	StopRequested bool
}

// Runner executes pending command batches. Both delivery paths (poll and
// push) share one Runner so deduplication and the tracked working
// directory behave identically no matter how a command arrived.
type Runner struct {
	opts     executor.Options
	system   SystemHandler
	auditLog *audit.Logger

	// carryDir keeps the final working directory of one batch as the
	// starting directory of the next. Only safe for strictly sequential
	// delivery (poll mode); concurrent push dispatch leaves it off.
	carryDir bool

	mu      sync.Mutex
	lastDir string
	seen    map[string]time.Time
}

// NewRunner builds a Runner. auditLog and system may be nil.
func NewRunner(opts executor.Options, carryDir bool, system SystemHandler, auditLog *audit.Logger) *Runner {
	return &Runner{
		opts:     opts,
		system:   system,
		auditLog: auditLog,
		carryDir: carryDir,
		seen:     make(map[string]time.Time),
	}
}

// RunPending executes one pending command and builds the result to
// report. Commands are deduplicated by ID: the server hands out
// unacknowledged work on every check-in (at-least-once delivery), and a
// pushed command can appear again on the next poll.
func (r *Runner) RunPending(ctx context.Context, pc api.PendingCommand) Outcome {
	if !r.markSeen(pc.ID) {
		log.Debug("skipping duplicate command", logging.KeyCommandID, pc.ID)
		return Outcome{Duplicate: true}
	}

	cmdLog := logging.WithCommand(log, pc.ID)
	cmdLog.Info("executing command", "lines", len(pc.Commands))

	if r.auditLog != nil {
		r.auditLog.Log(audit.EventCommandReceived, pc.ID, map[string]any{
			"lines": len(pc.Commands),
		})
	}

	if action, ok := systemAction(pc.Commands); ok {
		return r.runSystem(ctx, pc, action)
	}

	opts := r.opts
	if pc.TimeoutSeconds > 0 {
		opts.TimeoutSeconds = pc.TimeoutSeconds
	}
	if r.carryDir {
		r.mu.Lock()
		if r.lastDir != "" {
			opts.WorkDir = r.lastDir
		}
		r.mu.Unlock()
	}

	started := time.Now()
	stack := executor.New(opts).Run(ctx, pc.Commands)
	elapsed := time.Since(started)

	if r.carryDir {
		r.mu.Lock()
		r.lastDir = stack.FinalDir
		r.mu.Unlock()
	}

	if r.auditLog != nil {
		r.auditLog.Log(audit.EventCommandExecuted, pc.ID, map[string]any{
			"exitCode":   stack.ExitCode,
			"durationMs": elapsed.Milliseconds(),
		})
	}
	cmdLog.Info("command finished", "exitCode", stack.ExitCode, logging.KeyDuration, elapsed.Milliseconds())

	return Outcome{Result: buildResult(pc.ID, stack, elapsed)}
}

// runSystem maps a reserved command to a lifecycle action. Results are
// reported exactly like shell results so the operator sees the outcome.
func (r *Runner) runSystem(ctx context.Context, pc api.PendingCommand, action string) Outcome {
	log.Info("system command received", logging.KeyCommandID, pc.ID, "action", action)
	if r.auditLog != nil {
		r.auditLog.Log(audit.EventSystemCommand, pc.ID, map[string]any{"action": action})
	}

	started := time.Now()
	res := &api.ResultRequest{CommandID: pc.ID}
	stop := false

	switch {
	case action == "shutdown":
		res.Stdout = "beacon shutting down\n"
		res.ExecutionTimeMs = time.Since(started).Milliseconds()
		return Outcome{Result: res, StopRequested: true}

	case r.system == nil:
		res.ExitCode = 1
		res.ErrorMessage = "no handler for system command: " + action

	default:
		out, stopRequested, err := r.system(ctx, action)
		res.Stdout = out
		stop = stopRequested
		if err != nil {
			res.ExitCode = 1
			res.ErrorMessage = err.Error()
			stop = false
		}
	}

	res.ExecutionTimeMs = time.Since(started).Milliseconds()
	return Outcome{Result: res, StopRequested: stop}
}

// systemAction extracts the lifecycle action when the first non-empty
// line carries the reserved prefix. Any further lines are ignored; system
// commands are sent one per batch.
func systemAction(commands []string) (string, bool) {
	for _, raw := range commands {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if !api.IsSystemCommand(line) {
			return "", false
		}
		return strings.TrimPrefix(line, api.SystemCommandPrefix), true
	}
	return "", false
}

// markSeen returns true the first time a command ID is observed. Old
// entries are evicted so the map cannot grow without bound.
func (r *Runner) markSeen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.seen[id]; dup {
		return false
	}
	r.seen[id] = time.Now()

	if len(r.seen) > 100 {
		cutoff := time.Now().Add(-2 * time.Minute)
		for k, t := range r.seen {
			if t.Before(cutoff) {
				delete(r.seen, k)
			}
		}
	}
	return true
}

func buildResult(id string, stack *executor.StackResult, elapsed time.Duration) *api.ResultRequest {
	res := &api.ResultRequest{
		CommandID:       id,
		ExitCode:        stack.ExitCode,
		Stdout:          stack.Stdout,
		Stderr:          stack.Stderr,
		ExecutionTimeMs: elapsed.Milliseconds(),
		FinalWorkingDir: stack.FinalDir,
	}
	if stack.FirstFailed >= 0 && stack.FirstFailed < len(stack.Results) {
		res.ErrorMessage = stack.Results[stack.FirstFailed].Error
	}
	if full, err := json.Marshal(stack); err == nil {
		res.FullResultJSON = string(full)
	}
	return res
}
