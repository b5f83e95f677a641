// Package runner executes agent prompts as external processes. The engine
// treats a Runner as an opaque unit of work: spawn, await, classify.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"time"

	"github.com/cuedev/cued/internal/schema"
)

// Request is one prompt dispatch against a session.
type Request struct {
	SessionID   string
	SessionRoot string
	Prompt      string
	Event       schema.Event
}

// Output is the captured result of a finished process. ExitCode is nil
// when the process never reported one (spawn failure, kill).
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode *int
}

// Runner runs one prompt to completion. Implementations must honor ctx
// cancellation: the engine cancels in-flight runs on stop.
type Runner interface {
	Run(ctx context.Context, req Request) (Output, error)
}

// ExecRunner spawns the configured agent binary in the session root with
// the prompt appended to Args and the trigger event as JSON on stdin. A
// run exceeding Timeout is cancelled; the process gets KillDelay to exit
// before the kill escalates.
type ExecRunner struct {
	Binary    string
	Args      []string
	Timeout   time.Duration
	KillDelay time.Duration
	Logger    *slog.Logger
}

func (r *ExecRunner) Run(ctx context.Context, req Request) (Output, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, r.Args...), req.Prompt)
	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Dir = req.SessionRoot
	if delay := r.KillDelay; delay > 0 {
		cmd.WaitDelay = delay
	} else {
		cmd.WaitDelay = 10 * time.Second
	}

	if eventJSON, err := json.Marshal(req.Event); err == nil {
		cmd.Stdin = bytes.NewReader(eventJSON)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			out.ExitCode = &code
		}
	}

	if err != nil {
		// Cancellation and deadline win over the exit error they caused.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		return out, err
	}
	return out, nil
}
