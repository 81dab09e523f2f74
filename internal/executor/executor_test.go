package executor

import (
	"bytes"
	"context"
	"runtime"
	"strings"
	"testing"
	"time"
)

func TestBlankLinesAreSkipped(t *testing.T) {
	e := New(Options{WorkDir: t.TempDir()})

	res := e.Run(context.Background(), []string{"", "   ", "\t"})

	if len(res.Results) != 0 {
		t.Fatalf("expected no results, got %d", len(res.Results))
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0, got %d", res.ExitCode)
	}
	if res.FirstFailed != -1 {
		t.Fatalf("expected no failure index, got %d", res.FirstFailed)
	}
}

func TestStopOnErrorHaltsAndReportsFirstFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX shell")
	}

	e := New(Options{WorkDir: t.TempDir(), StopOnError: true})
	res := e.Run(context.Background(), []string{
		"echo one",
		"exit 3",
		"echo never",
	})

	if len(res.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res.Results))
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected exit 3, got %d", res.ExitCode)
	}
	if res.FirstFailed != 1 {
		t.Fatalf("expected first failure at index 1, got %d", res.FirstFailed)
	}
	if strings.Contains(res.Stdout, "never") {
		t.Fatal("expected execution to stop after the failure")
	}
}

func TestContinueOnErrorReportsLastExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX shell")
	}

	e := New(Options{WorkDir: t.TempDir()})
	res := e.Run(context.Background(), []string{
		"exit 3",
		"echo recovered",
	})

	if len(res.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res.Results))
	}
	if res.ExitCode != 0 {
		t.Fatalf("expected exit 0 from last command, got %d", res.ExitCode)
	}
	if res.FirstFailed != 0 {
		t.Fatalf("expected first failure recorded at index 0, got %d", res.FirstFailed)
	}
}

func TestAggregateOutputLabelsEachCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX shell")
	}

	e := New(Options{WorkDir: t.TempDir()})
	res := e.Run(context.Background(), []string{
		"echo first",
		"echo second",
	})

	if !strings.Contains(res.Stdout, "$ echo first\nfirst\n") {
		t.Fatalf("missing labelled section for first command: %q", res.Stdout)
	}
	if !strings.Contains(res.Stdout, "$ echo second\nsecond\n") {
		t.Fatalf("missing labelled section for second command: %q", res.Stdout)
	}
}

func TestTimeoutKillsCommandWithDistinguishedCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX sleep")
	}

	e := New(Options{WorkDir: t.TempDir(), TimeoutSeconds: 1})
	start := time.Now()
	res := e.Run(context.Background(), []string{"sleep 30"})

	if res.ExitCode != ExitTimeout {
		t.Fatalf("expected exit %d, got %d", ExitTimeout, res.ExitCode)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("expected the command to be killed near the 1s deadline, took %s", elapsed)
	}
	if res.Results[0].Error == "" {
		t.Fatal("expected a timeout error on the command result")
	}
}

func TestTimeoutAppliesPerCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX sleep")
	}

	e := New(Options{WorkDir: t.TempDir(), TimeoutSeconds: 2})
	res := e.Run(context.Background(), []string{
		"sleep 1",
		"sleep 1",
	})

	if res.ExitCode != 0 {
		t.Fatalf("expected both commands to finish within their own deadlines, got exit %d", res.ExitCode)
	}
}

func TestRunRecordsTimestampsAndFinalDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX shell")
	}

	root := t.TempDir()
	e := New(Options{WorkDir: root})
	res := e.Run(context.Background(), []string{"echo hi"})

	if res.StartedAt == "" || res.CompletedAt == "" {
		t.Fatal("expected start and completion timestamps")
	}
	if _, err := time.Parse(time.RFC3339, res.StartedAt); err != nil {
		t.Fatalf("bad start timestamp %q: %v", res.StartedAt, err)
	}
	if res.FinalDir != root {
		t.Fatalf("expected final dir %q, got %q", root, res.FinalDir)
	}
	if res.Results[0].DurationMs < 0 {
		t.Fatalf("expected non-negative duration, got %d", res.Results[0].DurationMs)
	}
}

func TestLimitedWriterTruncatesOversizedOutput(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{buf: &buf, limit: 8}

	if n, err := w.Write([]byte("12345")); err != nil || n != 5 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	if n, err := w.Write([]byte("67890")); err != nil || n != 5 {
		t.Fatalf("write past limit must report full length: n=%d err=%v", n, err)
	}
	if n, err := w.Write([]byte("more")); err != nil || n != 4 {
		t.Fatalf("write after limit must report full length: n=%d err=%v", n, err)
	}

	if got := buf.String(); got != "12345678" {
		t.Fatalf("expected output capped at limit, got %q", got)
	}
}
