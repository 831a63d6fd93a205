// Package worker runs the step dispatch loop: it subscribes to step.ready,
// resolves each step's handler by tool and lets handler errors flow back to
// the queue so retry and DLQ semantics apply.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/benfinklea/nofx/internal/events"
	"github.com/benfinklea/nofx/internal/handler"
	"github.com/benfinklea/nofx/internal/queue"
	"github.com/benfinklea/nofx/internal/runs"
)

const instrName = "github.com/benfinklea/nofx/internal/worker"

// Worker consumes step.ready jobs and dispatches them through the registry.
type Worker struct {
	store    runs.Store
	events   *events.Recorder
	queue    queue.Queue
	registry *handler.Registry
	log      *slog.Logger

	handlerDuration metric.Float64Histogram
}

// New creates a Worker.
func New(store runs.Store, recorder *events.Recorder, q queue.Queue, registry *handler.Registry, log *slog.Logger) *Worker {
	m := otel.Meter(instrName)
	handlerDuration, _ := m.Float64Histogram("nofx.handler.duration",
		metric.WithDescription("Step handler execution duration in milliseconds"),
		metric.WithUnit("ms"))

	return &Worker{
		store:           store,
		events:          recorder,
		queue:           q,
		registry:        registry,
		log:             log,
		handlerDuration: handlerDuration,
	}
}

// Start subscribes the worker to the step.ready topic.
func (w *Worker) Start() error {
	return w.queue.Subscribe(runs.TopicStepReady, w.Handle)
}

// Handle processes one {runId, stepId} job. Returning an error hands the job
// to the queue's retry/DLQ path; returning nil acknowledges it.
func (w *Worker) Handle(ctx context.Context, payload any) error {
	runID, stepID, err := parsePayload(payload)
	if err != nil {
		// Malformed jobs can never succeed; retrying them is pure churn.
		w.log.Error("dropping malformed step.ready job", "error", err, "payload", payload)
		return nil
	}

	step, err := w.store.GetStep(ctx, stepID)
	if runs.IsNotFound(err) {
		// Phantom job, likely a rolled-back transaction. Acknowledge it.
		w.log.Warn("step.ready job references missing step", "runId", runID, "stepId", stepID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load step %q: %w", stepID, err)
	}

	h, ok := w.registry.Resolve(step.Tool)
	if !ok {
		noHandler := runs.NoHandlerError{Tool: step.Tool}
		w.log.Error("no handler for step", "runId", runID, "stepId", stepID, "tool", step.Tool)
		failed := runs.StepFailed
		if err := w.store.UpdateStep(ctx, stepID, runs.StepPatch{
			Status:  &failed,
			Outputs: runs.JSON{"error": runs.JSON{"kind": runs.KindNoHandler, "tool": step.Tool}},
		}); err != nil {
			return fmt.Errorf("mark unhandled step failed: %w", err)
		}
		if err := w.events.Record(ctx, runID, runs.EventStepFailed,
			runs.JSON{"name": step.Name, "tool": step.Tool, "error": noHandler.Error()}, stepID); err != nil {
			return err
		}
		return nil
	}

	start := time.Now()
	err = h.Run(ctx, handler.Request{RunID: runID, Step: step})
	w.handlerDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("tool", step.Tool)))
	return err
}

func parsePayload(payload any) (runID, stepID string, err error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return "", "", fmt.Errorf("payload is %T, want object", payload)
	}
	runID, _ = m["runId"].(string)
	stepID, _ = m["stepId"].(string)
	if runID == "" || stepID == "" {
		return "", "", fmt.Errorf("payload missing runId or stepId")
	}
	return runID, stepID, nil
}
