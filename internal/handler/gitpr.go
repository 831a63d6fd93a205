package handler

import (
	"context"
	"fmt"

	"github.com/benfinklea/nofx/internal/runs"
)

// GitPRGateType is the embedded gate a git_pr step defaults to.
const GitPRGateType = "manual:git_pr"

// GitPR handles the "git_pr" tool: a version-control commit step guarded by
// an embedded manual gate. The first visit creates the gate and parks;
// subsequent visits see a terminal gate and, on a pass, publish the PR
// request through the outbox for the version-control collaborator to pick
// up. The inbox keys the side effect by step so a retried job after a crash
// never writes a second notification.
type GitPR struct {
	Env *Env

	// DefaultBase is the base branch when inputs.base is absent
	// (GIT_DEFAULT_BASE).
	DefaultBase string
}

// Match implements StepHandler.
func (h *GitPR) Match(tool string) bool { return tool == "git_pr" }

// Run implements StepHandler.
func (h *GitPR) Run(ctx context.Context, req Request) error {
	if err := h.Env.StartStep(ctx, req); err != nil {
		return err
	}

	gate, err := h.Env.Store.GetLatestGate(ctx, req.RunID, req.Step.ID)
	if err != nil {
		return fmt.Errorf("get latest gate: %w", err)
	}

	if gate == nil {
		gate, err = h.Env.Store.CreateOrGetGate(ctx, req.RunID, req.Step.ID, GitPRGateType)
		if err != nil {
			return fmt.Errorf("create gate: %w", err)
		}
		if err := h.Env.Events.Record(ctx, req.RunID, runs.EventGateCreated,
			runs.JSON{"gateId": gate.ID, "gateType": gate.GateType}, req.Step.ID); err != nil {
			return err
		}
		return h.wait(ctx, req, gate)
	}
	if gate.Status == runs.GatePending {
		return h.wait(ctx, req, gate)
	}
	if gate.Status.Denied() {
		if err := h.Env.FailStep(ctx, req, runs.JSON{
			"kind":   runs.KindGateDenied,
			"gateId": gate.ID,
			"status": string(gate.Status),
		}); err != nil {
			return err
		}
		return runs.GateDeniedError{RunID: req.RunID, StepID: req.Step.ID, Status: gate.Status}
	}

	return h.commit(ctx, req, gate)
}

// commit performs the actual work once the gate has passed.
func (h *GitPR) commit(ctx context.Context, req Request, gate *runs.Gate) error {
	branch := stringInput(req.Step.Inputs, "branch",
		fmt.Sprintf("nofx/%s/%s", req.RunID, req.Step.Name))
	base := stringInput(req.Step.Inputs, "base", h.DefaultBase)
	title := stringInput(req.Step.Inputs, "title",
		fmt.Sprintf("nofx: %s", req.Step.Name))

	pr := runs.JSON{
		"runId":  req.RunID,
		"stepId": req.Step.ID,
		"branch": branch,
		"base":   base,
		"title":  title,
	}

	fresh, err := h.Env.Store.InboxMarkIfNew(ctx, "git_pr:"+req.Step.ID)
	if err != nil {
		return fmt.Errorf("inbox mark: %w", err)
	}
	if fresh {
		if err := h.Env.Store.OutboxAdd(ctx, "git.pr", pr); err != nil {
			// Release the key so a retry can attempt the write again.
			_ = h.Env.Store.InboxDelete(ctx, "git_pr:"+req.Step.ID)
			return fmt.Errorf("outbox add: %w", err)
		}
	} else {
		h.Env.Log.Info("git_pr notification already published, skipping", "stepId", req.Step.ID)
	}

	return h.Env.FinishStep(ctx, req, runs.JSON{
		"pr":         pr,
		"approvedBy": gate.ApprovedBy,
	})
}

func (h *GitPR) wait(ctx context.Context, req Request, gate *runs.Gate) error {
	if err := h.Env.RequeueStep(ctx, req, GateCheckDelay); err != nil {
		return fmt.Errorf("requeue gated step: %w", err)
	}
	return h.Env.Events.Record(ctx, req.RunID, runs.EventGateWaiting,
		runs.JSON{"gateId": gate.ID, "gateType": gate.GateType, "delayMs": GateCheckDelay.Milliseconds()},
		req.Step.ID)
}

// Compile-time check.
var _ StepHandler = (*GitPR)(nil)
