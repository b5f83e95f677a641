package runner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cuedev/cued/internal/schema"
)

func TestExecRunnerCapturesOutput(t *testing.T) {
	r := &ExecRunner{Binary: "sh", Args: []string{"-c", `echo "got: $1"; echo oops >&2`, "runner"}}
	out, err := r.Run(context.Background(), Request{
		SessionRoot: t.TempDir(),
		Prompt:      "review the change",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.Stdout, "got: review the change") {
		t.Fatalf("stdout: %q", out.Stdout)
	}
	if !strings.Contains(out.Stderr, "oops") {
		t.Fatalf("stderr: %q", out.Stderr)
	}
	if out.ExitCode == nil || *out.ExitCode != 0 {
		t.Fatalf("exit code: %v", out.ExitCode)
	}
}

func TestExecRunnerEventOnStdin(t *testing.T) {
	r := &ExecRunner{Binary: "sh", Args: []string{"-c", "cat", "runner"}}
	event := schema.NewEvent(schema.KindFileChange, "on-save", map[string]any{"path": "main.go"})
	out, err := r.Run(context.Background(), Request{SessionRoot: t.TempDir(), Prompt: "p", Event: event})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.Stdout, event.ID) || !strings.Contains(out.Stdout, "on-save") {
		t.Fatalf("event json missing from stdin capture: %q", out.Stdout)
	}
}

func TestExecRunnerNonZeroExit(t *testing.T) {
	r := &ExecRunner{Binary: "sh", Args: []string{"-c", "echo partial; exit 3", "runner"}}
	out, err := r.Run(context.Background(), Request{SessionRoot: t.TempDir(), Prompt: "p"})
	if err == nil {
		t.Fatalf("expected exit error")
	}
	if out.ExitCode == nil || *out.ExitCode != 3 {
		t.Fatalf("exit code: %v", out.ExitCode)
	}
	if !strings.Contains(out.Stdout, "partial") {
		t.Fatalf("stdout should be captured on failure: %q", out.Stdout)
	}
}

func TestExecRunnerTimeout(t *testing.T) {
	r := &ExecRunner{
		Binary:    "sh",
		Args:      []string{"-c", "sleep 5", "runner"},
		Timeout:   100 * time.Millisecond,
		KillDelay: 100 * time.Millisecond,
	}
	start := time.Now()
	_, err := r.Run(context.Background(), Request{SessionRoot: t.TempDir(), Prompt: "p"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("kill escalation took too long")
	}
}

func TestExecRunnerCancellation(t *testing.T) {
	r := &ExecRunner{Binary: "sh", Args: []string{"-c", "sleep 5", "runner"}, KillDelay: 100 * time.Millisecond}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := r.Run(ctx, Request{SessionRoot: t.TempDir(), Prompt: "p"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}

func TestExecRunnerMissingBinary(t *testing.T) {
	r := &ExecRunner{Binary: "/nonexistent/agent-binary"}
	_, err := r.Run(context.Background(), Request{SessionRoot: t.TempDir(), Prompt: "p"})
	if err == nil {
		t.Fatalf("expected spawn error")
	}
}
