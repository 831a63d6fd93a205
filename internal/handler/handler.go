// Package handler defines the StepHandler port, the ordered registry the
// worker dispatches through, and the built-in handlers: echo/fail test tools,
// shell execution, manual approval gates, expression gates and the
// version-control commit handler.
package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/benfinklea/nofx/internal/events"
	"github.com/benfinklea/nofx/internal/queue"
	"github.com/benfinklea/nofx/internal/runs"
)

// Request is the unit of work handed to a handler: the owning run and the
// step row as last persisted.
type Request struct {
	RunID string
	Step  *runs.Step
}

// StepHandler executes one kind of step. Match must be pure; Run owns the
// step's lifecycle transitions and events. Errors returned from Run propagate
// to the queue layer, which decides retry versus DLQ.
type StepHandler interface {
	Match(tool string) bool
	Run(ctx context.Context, req Request) error
}

// Env bundles the collaborators every built-in handler needs.
type Env struct {
	Store  runs.Store
	Events *events.Recorder
	Queue  queue.Queue
	Log    *slog.Logger
}

// StartStep moves the step to running and emits step.started. Re-running an
// already-running step is allowed: retried jobs revisit the same row.
func (e *Env) StartStep(ctx context.Context, req Request) error {
	patch := runs.StepPatch{Status: statusPtr(runs.StepRunning)}
	if req.Step.StartedAt == nil {
		now := time.Now().UTC()
		patch.StartedAt = &now
	}
	if err := e.Store.UpdateStep(ctx, req.Step.ID, patch); err != nil {
		return err
	}
	return e.Events.Record(ctx, req.RunID, runs.EventStepStarted,
		runs.JSON{"name": req.Step.Name, "tool": req.Step.Tool}, req.Step.ID)
}

// FinishStep moves the step to succeeded with the given outputs and emits
// step.finished.
func (e *Env) FinishStep(ctx context.Context, req Request, outputs runs.JSON) error {
	if err := e.Store.UpdateStep(ctx, req.Step.ID, runs.StepPatch{
		Status:  statusPtr(runs.StepSucceeded),
		Outputs: outputs,
	}); err != nil {
		return err
	}
	return e.Events.Record(ctx, req.RunID, runs.EventStepFinished,
		runs.JSON{"name": req.Step.Name, "outputs": outputs}, req.Step.ID)
}

// FailStep moves the step to failed, stores the error blob in outputs and
// emits step.failed.
func (e *Env) FailStep(ctx context.Context, req Request, errBlob runs.JSON) error {
	if err := e.Store.UpdateStep(ctx, req.Step.ID, runs.StepPatch{
		Status:  statusPtr(runs.StepFailed),
		Outputs: runs.JSON{"error": errBlob},
	}); err != nil {
		return err
	}
	return e.Events.Record(ctx, req.RunID, runs.EventStepFailed,
		runs.JSON{"name": req.Step.Name, "tool": req.Step.Tool, "error": errBlob}, req.Step.ID)
}

// RequeueStep puts the step back on step.ready after a delay. Used by gate
// handlers for cooperative polling.
func (e *Env) RequeueStep(ctx context.Context, req Request, delay time.Duration) error {
	payload := map[string]any{"runId": req.RunID, "stepId": req.Step.ID}
	return e.Queue.Enqueue(ctx, runs.TopicStepReady, payload, queue.WithDelay(delay))
}

func statusPtr(s runs.StepStatus) *runs.StepStatus { return &s }

// stringInput reads a string field from step inputs with a fallback.
func stringInput(inputs runs.JSON, key, def string) string {
	if inputs == nil {
		return def
	}
	if v, ok := inputs[key].(string); ok && v != "" {
		return v
	}
	return def
}

// numberInput reads a numeric field from step inputs with a fallback.
// JSON numbers decode as float64; integers are accepted too.
func numberInput(inputs runs.JSON, key string, def float64) float64 {
	if inputs == nil {
		return def
	}
	switch v := inputs[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}
