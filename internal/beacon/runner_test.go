package beacon

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/outpost-ops/outpost/internal/executor"
	"github.com/outpost-ops/outpost/pkg/api"
)

func TestRunPendingDeduplicatesByID(t *testing.T) {
	r := NewRunner(executor.Options{WorkDir: t.TempDir()}, true, nil, nil)
	pc := api.PendingCommand{ID: "cmd-1", Commands: []string{"cd ."}}

	first := r.RunPending(context.Background(), pc)
	if first.Duplicate {
		t.Fatal("first delivery must not be a duplicate")
	}
	if first.Result == nil {
		t.Fatal("expected a result on first delivery")
	}

	second := r.RunPending(context.Background(), pc)
	if !second.Duplicate {
		t.Fatal("second delivery of the same ID must be deduplicated")
	}
	if second.Result != nil {
		t.Fatal("duplicate must not produce a result")
	}
}

func TestRunPendingCarriesWorkingDirAcrossBatches(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewRunner(executor.Options{WorkDir: root}, true, nil, nil)

	first := r.RunPending(context.Background(), api.PendingCommand{
		ID: "cmd-1", Commands: []string{"cd sub"},
	})
	if got := first.Result.FinalWorkingDir; got != filepath.Join(root, "sub") {
		t.Fatalf("first batch final dir = %q", got)
	}

	second := r.RunPending(context.Background(), api.PendingCommand{
		ID: "cmd-2", Commands: []string{"cd ."},
	})
	if got := second.Result.FinalWorkingDir; got != filepath.Join(root, "sub") {
		t.Fatalf("second batch should start where the first ended, final dir = %q", got)
	}
}

func TestRunPendingIsolatesDirWhenCarryDisabled(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewRunner(executor.Options{WorkDir: root}, false, nil, nil)

	r.RunPending(context.Background(), api.PendingCommand{
		ID: "cmd-1", Commands: []string{"cd sub"},
	})
	second := r.RunPending(context.Background(), api.PendingCommand{
		ID: "cmd-2", Commands: []string{"cd ."},
	})
	if got := second.Result.FinalWorkingDir; got != root {
		t.Fatalf("expected each batch to start fresh at %q, got %q", root, got)
	}
}

func TestRunPendingShutdownRequestsStop(t *testing.T) {
	r := NewRunner(executor.Options{WorkDir: t.TempDir()}, true, nil, nil)

	out := r.RunPending(context.Background(), api.PendingCommand{
		ID: "cmd-1", Commands: []string{api.SysShutdown},
	})

	if !out.StopRequested {
		t.Fatal("expected the shutdown command to request a stop")
	}
	if out.Result == nil || out.Result.ExitCode != 0 {
		t.Fatalf("expected a successful result to report, got %+v", out.Result)
	}
	if !strings.Contains(out.Result.Stdout, "shutting down") {
		t.Fatalf("unexpected stdout: %q", out.Result.Stdout)
	}
}

func TestRunPendingDelegatesSystemActions(t *testing.T) {
	var gotAction string
	handler := func(ctx context.Context, action string) (string, bool, error) {
		gotAction = action
		return "persistence: installed\n", false, nil
	}
	r := NewRunner(executor.Options{WorkDir: t.TempDir()}, true, handler, nil)

	out := r.RunPending(context.Background(), api.PendingCommand{
		ID: "cmd-1", Commands: []string{api.SysPersistStatus},
	})

	if gotAction != "persist-status" {
		t.Fatalf("handler received action %q", gotAction)
	}
	if out.Result.ExitCode != 0 || !strings.Contains(out.Result.Stdout, "installed") {
		t.Fatalf("unexpected result: %+v", out.Result)
	}
	if out.StopRequested {
		t.Fatal("persist-status must not request a stop")
	}
}

func TestRunPendingSystemHandlerError(t *testing.T) {
	handler := func(ctx context.Context, action string) (string, bool, error) {
		return "", false, errors.New("requires --system")
	}
	r := NewRunner(executor.Options{WorkDir: t.TempDir()}, true, handler, nil)

	out := r.RunPending(context.Background(), api.PendingCommand{
		ID: "cmd-1", Commands: []string{api.SysPersistInstall},
	})

	if out.Result.ExitCode != 1 {
		t.Fatalf("expected exit 1, got %d", out.Result.ExitCode)
	}
	if !strings.Contains(out.Result.ErrorMessage, "requires --system") {
		t.Fatalf("unexpected error message: %q", out.Result.ErrorMessage)
	}
	if out.StopRequested {
		t.Fatal("a failed action must not request a stop")
	}
}

func TestRunPendingSystemHandlerStopFlag(t *testing.T) {
	handler := func(ctx context.Context, action string) (string, bool, error) {
		return "updated to 2.0.0, restarting\n", true, nil
	}
	r := NewRunner(executor.Options{WorkDir: t.TempDir()}, true, handler, nil)

	out := r.RunPending(context.Background(), api.PendingCommand{
		ID: "cmd-1", Commands: []string{api.SysUpdate},
	})

	if out.Result.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", out.Result.ExitCode)
	}
	if !out.StopRequested {
		t.Fatal("handler stop flag was not propagated")
	}
}

func TestRunPendingSystemWithoutHandler(t *testing.T) {
	r := NewRunner(executor.Options{WorkDir: t.TempDir()}, true, nil, nil)

	out := r.RunPending(context.Background(), api.PendingCommand{
		ID: "cmd-1", Commands: []string{api.SysUpdate},
	})

	if out.Result.ExitCode != 1 {
		t.Fatalf("expected exit 1, got %d", out.Result.ExitCode)
	}
	if !strings.Contains(out.Result.ErrorMessage, "no handler") {
		t.Fatalf("unexpected error message: %q", out.Result.ErrorMessage)
	}
}

func TestRunPendingTimeoutOverride(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX sleep")
	}

	r := NewRunner(executor.Options{WorkDir: t.TempDir(), TimeoutSeconds: 300}, true, nil, nil)

	out := r.RunPending(context.Background(), api.PendingCommand{
		ID: "cmd-1", Commands: []string{"sleep 30"}, TimeoutSeconds: 1,
	})

	if out.Result.ExitCode != executor.ExitTimeout {
		t.Fatalf("expected exit %d from the per-command timeout, got %d",
			executor.ExitTimeout, out.Result.ExitCode)
	}
}

func TestRunPendingFullResultRoundTrips(t *testing.T) {
	r := NewRunner(executor.Options{WorkDir: t.TempDir()}, true, nil, nil)

	out := r.RunPending(context.Background(), api.PendingCommand{
		ID: "cmd-1", Commands: []string{"cd ."},
	})

	var stack executor.StackResult
	if err := json.Unmarshal([]byte(out.Result.FullResultJSON), &stack); err != nil {
		t.Fatalf("full result is not valid JSON: %v", err)
	}
	if len(stack.Results) != 1 {
		t.Fatalf("expected 1 per-command result, got %d", len(stack.Results))
	}
}

func TestSystemActionDetection(t *testing.T) {
	tests := []struct {
		commands []string
		action   string
		ok       bool
	}{
		{[]string{api.SysShutdown}, "shutdown", true},
		{[]string{"", "  ", api.SysPersistStatus}, "persist-status", true},
		{[]string{"echo hi"}, "", false},
		{[]string{"echo hi", api.SysShutdown}, "", false},
		{nil, "", false},
	}
	for _, tt := range tests {
		action, ok := systemAction(tt.commands)
		if action != tt.action || ok != tt.ok {
			t.Errorf("systemAction(%v) = %q,%v want %q,%v",
				tt.commands, action, ok, tt.action, tt.ok)
		}
	}
}
