package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benfinklea/nofx/internal/runs"
)

// GateCheckDelay is how long a step waits between polls of its pending gate.
const GateCheckDelay = 5 * time.Second

// ManualGate handles every tool with the "manual:" prefix. The step parks on
// a durable gate record and cooperatively re-polls until an operator
// resolves it.
type ManualGate struct {
	Env *Env
}

// Match implements StepHandler.
func (h *ManualGate) Match(tool string) bool {
	return strings.HasPrefix(tool, "manual:")
}

// Run implements StepHandler.
func (h *ManualGate) Run(ctx context.Context, req Request) error {
	if err := h.Env.StartStep(ctx, req); err != nil {
		return err
	}

	gate, err := h.Env.Store.GetLatestGate(ctx, req.RunID, req.Step.ID)
	if err != nil {
		return fmt.Errorf("get latest gate: %w", err)
	}

	if gate == nil {
		gate, err = h.Env.Store.CreateOrGetGate(ctx, req.RunID, req.Step.ID, req.Step.Tool)
		if err != nil {
			return fmt.Errorf("create gate: %w", err)
		}
		if err := h.Env.Events.Record(ctx, req.RunID, runs.EventGateCreated,
			runs.JSON{"gateId": gate.ID, "gateType": gate.GateType}, req.Step.ID); err != nil {
			return err
		}
		return h.waitOnGate(ctx, req, gate)
	}

	switch {
	case gate.Status == runs.GatePending:
		return h.waitOnGate(ctx, req, gate)
	case gate.Status.Passed() || gate.Status == runs.GateSucceeded:
		// succeeded is a legacy alias for approved written by older surfaces.
		return h.Env.FinishStep(ctx, req, runs.JSON{
			"gate":       gate.GateType,
			"status":     string(gate.Status),
			"approvedBy": gate.ApprovedBy,
		})
	case gate.Status.Denied():
		if err := h.Env.FailStep(ctx, req, runs.JSON{
			"kind":   runs.KindGateDenied,
			"gateId": gate.ID,
			"status": string(gate.Status),
		}); err != nil {
			return err
		}
		return runs.GateDeniedError{RunID: req.RunID, StepID: req.Step.ID, Status: gate.Status}
	default: // cancelled
		if err := h.Env.Store.UpdateStep(ctx, req.Step.ID, runs.StepPatch{
			Status: statusPtr(runs.StepCancelled),
		}); err != nil {
			return err
		}
		return nil
	}
}

// waitOnGate re-enqueues the step with the poll delay and records that it is
// blocked, without completing it.
func (h *ManualGate) waitOnGate(ctx context.Context, req Request, gate *runs.Gate) error {
	if err := h.Env.RequeueStep(ctx, req, GateCheckDelay); err != nil {
		return fmt.Errorf("requeue gated step: %w", err)
	}
	return h.Env.Events.Record(ctx, req.RunID, runs.EventGateWaiting,
		runs.JSON{"gateId": gate.ID, "gateType": gate.GateType, "delayMs": GateCheckDelay.Milliseconds()},
		req.Step.ID)
}

// Approve resolves a gate in the step's favour. ApprovedAt is stamped by the
// store when approvedBy transitions from empty.
func Approve(ctx context.Context, store runs.Store, gateID, approvedBy string) error {
	status := runs.GateApproved
	return store.UpdateGate(ctx, gateID, runs.GatePatch{Status: &status, ApprovedBy: &approvedBy})
}

// Reject resolves a gate against the step.
func Reject(ctx context.Context, store runs.Store, gateID, rejectedBy string) error {
	status := runs.GateRejected
	return store.UpdateGate(ctx, gateID, runs.GatePatch{Status: &status, ApprovedBy: &rejectedBy})
}

// Compile-time check.
var _ StepHandler = (*ManualGate)(nil)
