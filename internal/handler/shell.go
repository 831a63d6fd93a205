package handler

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/benfinklea/nofx/internal/runs"
)

// DefaultShellTimeout bounds a shell step that does not set inputs.timeout.
const DefaultShellTimeout = 30000 * time.Millisecond

// shellWaitDelay is the grace period between the polite stop signal and a
// hard kill.
const shellWaitDelay = 5 * time.Second

// Shell handles the "shell" tool and the "bash:" prefix. The command comes
// from inputs.command; inputs.timeout (milliseconds) bounds execution. On
// exceedance the child receives SIGTERM and the step fails with a timed_out
// error shape. Command failures mark the step failed without queue retries:
// a nonzero exit is an answer, not an infrastructure fault.
type Shell struct {
	Env *Env
}

// Match implements StepHandler.
func (h *Shell) Match(tool string) bool {
	return tool == "shell" || strings.HasPrefix(tool, "bash:")
}

// Run implements StepHandler.
func (h *Shell) Run(ctx context.Context, req Request) error {
	if err := h.Env.StartStep(ctx, req); err != nil {
		return err
	}

	command := stringInput(req.Step.Inputs, "command", "")
	if command == "" {
		return h.Env.FailStep(ctx, req, runs.JSON{
			"kind":   runs.KindValidation,
			"detail": "inputs.command is required",
		})
	}

	timeout := time.Duration(numberInput(req.Step.Inputs, "timeout", float64(DefaultShellTimeout.Milliseconds()))) * time.Millisecond
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(cctx, "bash", "-c", command)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = shellWaitDelay

	err := cmd.Run()

	if errors.Is(cctx.Err(), context.DeadlineExceeded) {
		h.Env.Log.Warn("shell step timed out", "stepId", req.Step.ID, "timeoutMs", timeout.Milliseconds())
		return h.Env.FailStep(ctx, req, runs.JSON{
			"kind":      "timed_out",
			"timeoutMs": timeout.Milliseconds(),
			"stdout":    truncate(stdout.String()),
			"stderr":    truncate(stderr.String()),
		})
	}
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return h.Env.FailStep(ctx, req, runs.JSON{
			"kind":     "exit",
			"exitCode": exitCode,
			"stdout":   truncate(stdout.String()),
			"stderr":   truncate(stderr.String()),
		})
	}

	return h.Env.FinishStep(ctx, req, runs.JSON{
		"stdout":   truncate(stdout.String()),
		"stderr":   truncate(stderr.String()),
		"exitCode": 0,
	})
}

// truncate caps captured output so step rows stay bounded.
func truncate(s string) string {
	const maxOutput = 64 * 1024
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput]
}

// Compile-time check.
var _ StepHandler = (*Shell)(nil)
