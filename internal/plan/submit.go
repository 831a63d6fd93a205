package plan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benfinklea/nofx/internal/events"
	"github.com/benfinklea/nofx/internal/queue"
	"github.com/benfinklea/nofx/internal/runs"
)

// Submitter persists a plan as a run with queued steps and places a
// step.ready job for each.
type Submitter struct {
	Store  runs.Store
	Events *events.Recorder
	Queue  queue.Queue
	Log    *slog.Logger
}

// Submit creates the run and its steps, emits run.created and enqueues one
// step.ready job per step. Step creation uses a deterministic idempotency
// key, so resubmitting after a partial failure converges on the same rows.
func (s *Submitter) Submit(ctx context.Context, p *Plan) (*runs.Run, []runs.Step, error) {
	if err := p.Validate(); err != nil {
		return nil, nil, err
	}

	run, err := s.Store.CreateRun(ctx, p.document(), p.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create run: %w", err)
	}

	steps := make([]runs.Step, 0, len(p.Steps))
	for i, ps := range p.Steps {
		key := fmt.Sprintf("plan:%d:%s", i, ps.Name)
		step, err := s.Store.CreateStep(ctx, run.ID, ps.Name, ps.Tool, ps.Inputs, key)
		if err != nil {
			return nil, nil, fmt.Errorf("create step %q: %w", ps.Name, err)
		}
		steps = append(steps, *step)
	}

	if err := s.Events.Record(ctx, run.ID, runs.EventRunCreated,
		runs.JSON{"goal": p.Goal, "steps": len(steps)}, ""); err != nil {
		return nil, nil, err
	}

	for _, step := range steps {
		if err := s.Queue.Enqueue(ctx, runs.TopicStepReady,
			map[string]any{"runId": run.ID, "stepId": step.ID}); err != nil {
			return nil, nil, fmt.Errorf("enqueue step %q: %w", step.Name, err)
		}
	}

	s.Log.Info("plan submitted", "runId", run.ID, "steps", len(steps))
	return run, steps, nil
}

// MaybeFinishRun marks the run succeeded once no steps remain outstanding.
// Safe to call after every step transition; only the call that observes zero
// remaining performs the update.
func MaybeFinishRun(ctx context.Context, store runs.Store, rec *events.Recorder, runID string) (bool, error) {
	remaining, err := store.CountRemainingSteps(ctx, runID)
	if err != nil {
		return false, err
	}
	if remaining > 0 {
		return false, nil
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status.Terminal() {
		return false, nil
	}

	succeeded := runs.RunSucceeded
	now := time.Now().UTC()
	if err := store.UpdateRun(ctx, runID, runs.RunPatch{Status: &succeeded, EndedAt: &now}); err != nil {
		return false, err
	}
	return true, rec.Record(ctx, runID, runs.EventRunFinished, runs.JSON{"status": string(succeeded)}, "")
}
