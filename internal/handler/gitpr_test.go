package handler_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benfinklea/nofx/internal/handler"
	"github.com/benfinklea/nofx/internal/runs"
)

func TestGitPR_ApprovalPublishesOnce(t *testing.T) {
	f := newFixture(t)
	h := &handler.GitPR{Env: f.env, DefaultBase: "main"}
	req := f.newStep(t, "git_pr", runs.JSON{"title": "ship feature"})
	ctx := context.Background()

	// First visit parks on the embedded gate.
	require.NoError(t, h.Run(ctx, req))
	gate, err := f.store.GetLatestGate(ctx, req.RunID, req.Step.ID)
	require.NoError(t, err)
	require.NotNil(t, gate)
	assert.Equal(t, handler.GitPRGateType, gate.GateType)

	require.NoError(t, handler.Approve(ctx, f.store, gate.ID, "alex"))
	require.NoError(t, h.Run(ctx, f.reload(t, req)))

	step, err := f.store.GetStep(ctx, req.Step.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StepSucceeded, step.Status)
	assert.Equal(t, "alex", step.Outputs["approvedBy"])

	pr := step.Outputs["pr"].(map[string]any)
	assert.Equal(t, "main", pr["base"])
	assert.Equal(t, "ship feature", pr["title"])
	assert.Equal(t, fmt.Sprintf("nofx/%s/%s", req.RunID, req.Step.Name), pr["branch"])

	unsent, err := f.store.OutboxListUnsent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unsent, 1)
	assert.Equal(t, "git.pr", unsent[0].Topic)

	// A replayed job after the gate passed must not publish a second entry.
	require.NoError(t, h.Run(ctx, f.reload(t, req)))
	unsent, err = f.store.OutboxListUnsent(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, unsent, 1)
}

func TestGitPR_RejectionFailsStep(t *testing.T) {
	f := newFixture(t)
	h := &handler.GitPR{Env: f.env, DefaultBase: "main"}
	req := f.newStep(t, "git_pr", nil)
	ctx := context.Background()

	require.NoError(t, h.Run(ctx, req))
	gate, err := f.store.GetLatestGate(ctx, req.RunID, req.Step.ID)
	require.NoError(t, err)

	require.NoError(t, handler.Reject(ctx, f.store, gate.ID, "alex"))

	err = h.Run(ctx, f.reload(t, req))
	var denied runs.GateDeniedError
	require.True(t, errors.As(err, &denied))

	unsent, err := f.store.OutboxListUnsent(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unsent)
}

func TestGitPR_InputOverridesBranchAndBase(t *testing.T) {
	f := newFixture(t)
	h := &handler.GitPR{Env: f.env, DefaultBase: "main"}
	req := f.newStep(t, "git_pr", runs.JSON{"branch": "feat/custom", "base": "develop"})
	ctx := context.Background()

	require.NoError(t, h.Run(ctx, req))
	gate, err := f.store.GetLatestGate(ctx, req.RunID, req.Step.ID)
	require.NoError(t, err)
	require.NoError(t, handler.Approve(ctx, f.store, gate.ID, "alex"))
	require.NoError(t, h.Run(ctx, f.reload(t, req)))

	step, err := f.store.GetStep(ctx, req.Step.ID)
	require.NoError(t, err)
	pr := step.Outputs["pr"].(map[string]any)
	assert.Equal(t, "feat/custom", pr["branch"])
	assert.Equal(t, "develop", pr["base"])
}
