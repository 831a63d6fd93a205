package handler

import (
	"context"
	"errors"
)

// Echo handles the test:echo tool: it succeeds immediately, mirroring the
// step inputs back under an "echo" key. Used by smoke tests and as the
// canonical minimal handler.
type Echo struct {
	Env *Env
}

// Match implements StepHandler.
func (h *Echo) Match(tool string) bool { return tool == "test:echo" }

// Run implements StepHandler.
func (h *Echo) Run(ctx context.Context, req Request) error {
	if err := h.Env.StartStep(ctx, req); err != nil {
		return err
	}
	inputs := req.Step.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	return h.Env.FinishStep(ctx, req, map[string]any{"echo": inputs})
}

// Fail handles the test:fail tool: it always errors, exercising the queue's
// retry and dead-letter path. The step row is deliberately left in running;
// the DLQ is the record of permanent failure.
type Fail struct {
	Env *Env
}

// Match implements StepHandler.
func (h *Fail) Match(tool string) bool { return tool == "test:fail" }

// Run implements StepHandler.
func (h *Fail) Run(ctx context.Context, req Request) error {
	if err := h.Env.StartStep(ctx, req); err != nil {
		return err
	}
	return errors.New("test:fail always fails")
}

// Compile-time checks.
var (
	_ StepHandler = (*Echo)(nil)
	_ StepHandler = (*Fail)(nil)
)
