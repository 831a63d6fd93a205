package fsstore_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benfinklea/nofx/internal/runs"
	"github.com/benfinklea/nofx/internal/store/fsstore"
	"github.com/benfinklea/nofx/pkg/logging"
)

func newStore(t *testing.T) *fsstore.Store {
	t.Helper()
	s, err := fsstore.New(t.TempDir(), logging.Discard())
	require.NoError(t, err)
	return s
}

func createRun(t *testing.T, s *fsstore.Store, goal string) *runs.Run {
	t.Helper()
	run, err := s.CreateRun(context.Background(), runs.JSON{"goal": goal}, "")
	require.NoError(t, err)
	return run
}

// ─── Runs ────────────────────────────────────────────────────────────────────

func TestCreateRun_Defaults(t *testing.T) {
	s := newStore(t)
	run := createRun(t, s, "ship it")

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, runs.RunQueued, run.Status)
	assert.Equal(t, "default", run.ProjectID)
	assert.Equal(t, "ship it", run.Title())

	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "ship it", got.Title())
}

func TestGetRun_NotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	assert.True(t, runs.IsNotFound(err))
}

func TestUpdateRun_TerminalStatusStampsEndedAt(t *testing.T) {
	s := newStore(t)
	run := createRun(t, s, "g")

	failed := runs.RunFailed
	require.NoError(t, s.UpdateRun(context.Background(), run.ID, runs.RunPatch{Status: &failed}))

	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.RunFailed, got.Status)
	require.NotNil(t, got.EndedAt)
}

func TestResetRun_ClearsEndedAt(t *testing.T) {
	s := newStore(t)
	run := createRun(t, s, "g")

	done := runs.RunSucceeded
	require.NoError(t, s.UpdateRun(context.Background(), run.ID, runs.RunPatch{Status: &done}))
	require.NoError(t, s.ResetRun(context.Background(), run.ID))

	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.RunQueued, got.Status)
	assert.Nil(t, got.EndedAt)
}

func TestListRuns_NewestFirstWithTitleAndLimit(t *testing.T) {
	s := newStore(t)
	first := createRun(t, s, "first")
	time.Sleep(5 * time.Millisecond)
	second := createRun(t, s, "second")
	time.Sleep(5 * time.Millisecond)
	third := createRun(t, s, "third")

	all, err := s.ListRuns(context.Background(), 0, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, third.ID, all[0].ID)
	assert.Equal(t, second.ID, all[1].ID)
	assert.Equal(t, first.ID, all[2].ID)
	assert.Equal(t, "third", all[0].Title)

	limited, err := s.ListRuns(context.Background(), 2, "")
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestListRuns_FiltersByProject(t *testing.T) {
	s := newStore(t)
	_, err := s.CreateRun(context.Background(), runs.JSON{"goal": "a"}, "alpha")
	require.NoError(t, err)
	_, err = s.CreateRun(context.Background(), runs.JSON{"goal": "b"}, "beta")
	require.NoError(t, err)

	got, err := s.ListRuns(context.Background(), 0, "alpha")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Title)
}

// ─── Steps ───────────────────────────────────────────────────────────────────

func TestCreateStep_IdempotencyKeyReturnsExisting(t *testing.T) {
	s := newStore(t)
	run := createRun(t, s, "g")
	ctx := context.Background()

	first, err := s.CreateStep(ctx, run.ID, "build", "shell", runs.JSON{"command": "make"}, "k1")
	require.NoError(t, err)

	replay, err := s.CreateStep(ctx, run.ID, "build", "shell", runs.JSON{"command": "make"}, "k1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)

	steps, err := s.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

func TestGetStepByIdempotencyKey_AbsenceIsNilNil(t *testing.T) {
	s := newStore(t)
	run := createRun(t, s, "g")

	step, err := s.GetStepByIdempotencyKey(context.Background(), run.ID, "nope")
	require.NoError(t, err)
	assert.Nil(t, step)
}

func TestUpdateStep_TerminalStatusStampsEndedAt(t *testing.T) {
	s := newStore(t)
	run := createRun(t, s, "g")
	ctx := context.Background()

	step, err := s.CreateStep(ctx, run.ID, "build", "shell", nil, "")
	require.NoError(t, err)

	done := runs.StepSucceeded
	require.NoError(t, s.UpdateStep(ctx, step.ID, runs.StepPatch{
		Status:  &done,
		Outputs: runs.JSON{"exitCode": 0},
	}))

	got, err := s.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StepSucceeded, got.Status)
	require.NotNil(t, got.EndedAt)
	assert.EqualValues(t, 0, got.Outputs["exitCode"])
}

func TestResetStep_ClearsLifecycleFields(t *testing.T) {
	s := newStore(t)
	run := createRun(t, s, "g")
	ctx := context.Background()

	step, err := s.CreateStep(ctx, run.ID, "build", "shell", nil, "")
	require.NoError(t, err)

	now := time.Now().UTC()
	failed := runs.StepFailed
	require.NoError(t, s.UpdateStep(ctx, step.ID, runs.StepPatch{
		Status: &failed, StartedAt: &now, Outputs: runs.JSON{"error": "x"},
	}))
	require.NoError(t, s.ResetStep(ctx, step.ID))

	got, err := s.GetStep(ctx, step.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StepQueued, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.EndedAt)
	assert.Empty(t, got.Outputs)
}

func TestCountRemainingSteps(t *testing.T) {
	s := newStore(t)
	run := createRun(t, s, "g")
	ctx := context.Background()

	a, err := s.CreateStep(ctx, run.ID, "a", "test:echo", nil, "")
	require.NoError(t, err)
	b, err := s.CreateStep(ctx, run.ID, "b", "test:echo", nil, "")
	require.NoError(t, err)
	_, err = s.CreateStep(ctx, run.ID, "c", "test:echo", nil, "")
	require.NoError(t, err)

	n, err := s.CountRemainingSteps(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	done := runs.StepSucceeded
	require.NoError(t, s.UpdateStep(ctx, a.ID, runs.StepPatch{Status: &done}))
	cancelled := runs.StepCancelled
	require.NoError(t, s.UpdateStep(ctx, b.ID, runs.StepPatch{Status: &cancelled}))

	n, err = s.CountRemainingSteps(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// ─── Events ──────────────────────────────────────────────────────────────────

func TestEvents_AppendAndChronology(t *testing.T) {
	s := newStore(t)
	run := createRun(t, s, "g")
	ctx := context.Background()

	for _, typ := range []string{"run.created", "step.started", "step.finished"} {
		require.NoError(t, s.RecordEvent(ctx, run.ID, typ, runs.JSON{"k": typ}, ""))
	}

	events, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "run.created", events[0].Type)
	assert.Equal(t, "step.started", events[1].Type)
	assert.Equal(t, "step.finished", events[2].Type)
}

func TestListEvents_MalformedFileDegradesToEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := fsstore.New(dir, logging.Discard())
	require.NoError(t, err)

	run, err := s.CreateRun(context.Background(), nil, "")
	require.NoError(t, err)

	eventsPath := filepath.Join(dir, "runs", run.ID, "events.json")
	require.NoError(t, os.WriteFile(eventsPath, []byte("{not json"), 0o644))

	events, err := s.ListEvents(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// ─── Gates ───────────────────────────────────────────────────────────────────

func TestCreateOrGetGate_Idempotent(t *testing.T) {
	s := newStore(t)
	run := createRun(t, s, "g")
	ctx := context.Background()

	step, err := s.CreateStep(ctx, run.ID, "review", "manual:approval", nil, "")
	require.NoError(t, err)

	first, err := s.CreateOrGetGate(ctx, run.ID, step.ID, "manual:approval")
	require.NoError(t, err)
	assert.Equal(t, runs.GatePending, first.Status)

	again, err := s.CreateOrGetGate(ctx, run.ID, step.ID, "manual:approval")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestGetLatestGate_LatestWins(t *testing.T) {
	s := newStore(t)
	run := createRun(t, s, "g")
	ctx := context.Background()

	step, err := s.CreateStep(ctx, run.ID, "review", "manual:approval", nil, "")
	require.NoError(t, err)

	none, err := s.GetLatestGate(ctx, run.ID, step.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	first, err := s.CreateOrGetGate(ctx, run.ID, step.ID, "manual:approval")
	require.NoError(t, err)

	// Resolve the first gate, then open a second round.
	rejected := runs.GateRejected
	require.NoError(t, s.UpdateGate(ctx, first.ID, runs.GatePatch{Status: &rejected}))
	second, err := s.CreateOrGetGate(ctx, run.ID, step.ID, "manual:approval")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	latest, err := s.GetLatestGate(ctx, run.ID, step.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
}

func TestUpdateGate_StampsApprovedAtOnce(t *testing.T) {
	s := newStore(t)
	run := createRun(t, s, "g")
	ctx := context.Background()

	step, err := s.CreateStep(ctx, run.ID, "review", "manual:approval", nil, "")
	require.NoError(t, err)
	gate, err := s.CreateOrGetGate(ctx, run.ID, step.ID, "manual:approval")
	require.NoError(t, err)

	approved := runs.GateApproved
	by := "alex"
	require.NoError(t, s.UpdateGate(ctx, gate.ID, runs.GatePatch{Status: &approved, ApprovedBy: &by}))

	got, err := s.GetLatestGate(ctx, run.ID, step.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.GateApproved, got.Status)
	assert.Equal(t, "alex", got.ApprovedBy)
	require.NotNil(t, got.ApprovedAt)
	stamped := *got.ApprovedAt

	// A second approver does not move the original timestamp.
	other := "sam"
	require.NoError(t, s.UpdateGate(ctx, gate.ID, runs.GatePatch{ApprovedBy: &other}))
	got, err = s.GetLatestGate(ctx, run.ID, step.ID)
	require.NoError(t, err)
	assert.Equal(t, stamped, *got.ApprovedAt)
}

func TestUpdateGate_UnknownIsNotFound(t *testing.T) {
	s := newStore(t)
	createRun(t, s, "g")

	approved := runs.GateApproved
	err := s.UpdateGate(context.Background(), "missing", runs.GatePatch{Status: &approved})
	assert.True(t, runs.IsNotFound(err))
}

// ─── Artifacts ───────────────────────────────────────────────────────────────

func TestAddArtifact_RejectsTraversal(t *testing.T) {
	s := newStore(t)
	run := createRun(t, s, "g")
	ctx := context.Background()

	step, err := s.CreateStep(ctx, run.ID, "build", "shell", nil, "")
	require.NoError(t, err)

	_, err = s.AddArtifact(ctx, step.ID, "text/plain", "../escape.txt", nil)
	assert.Equal(t, runs.KindPathTraversal, runs.ErrKind(err))

	_, err = s.AddArtifact(ctx, step.ID, "text/plain", "/etc/passwd", nil)
	assert.Equal(t, runs.KindPathTraversal, runs.ErrKind(err))
}

func TestListArtifactsByRun_CarriesStepName(t *testing.T) {
	s := newStore(t)
	run := createRun(t, s, "g")
	ctx := context.Background()

	step, err := s.CreateStep(ctx, run.ID, "build", "shell", nil, "")
	require.NoError(t, err)
	_, err = s.AddArtifact(ctx, step.ID, "text/plain", "logs/build.txt", runs.JSON{"bytes": 12})
	require.NoError(t, err)

	got, err := s.ListArtifactsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "build", got[0].StepName)
	assert.Equal(t, "logs/build.txt", got[0].Path)
}

// ─── Inbox / outbox ──────────────────────────────────────────────────────────

func TestInbox_MarkIfNewDeduplicates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	fresh, err := s.InboxMarkIfNew(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, fresh)

	dup, err := s.InboxMarkIfNew(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, dup)

	require.NoError(t, s.InboxDelete(ctx, "msg-1"))
	again, err := s.InboxMarkIfNew(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, again)
}

func TestOutbox_Lifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.OutboxAdd(ctx, "git.pr", runs.JSON{"branch": "b1"}))
	require.NoError(t, s.OutboxAdd(ctx, "git.pr", runs.JSON{"branch": "b2"}))

	unsent, err := s.OutboxListUnsent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unsent, 2)
	assert.Equal(t, "b1", unsent[0].Payload["branch"])

	require.NoError(t, s.OutboxMarkSent(ctx, unsent[0].ID))
	// Idempotent.
	require.NoError(t, s.OutboxMarkSent(ctx, unsent[0].ID))

	left, err := s.OutboxListUnsent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "b2", left[0].Payload["branch"])

	err = s.OutboxMarkSent(ctx, "missing")
	assert.True(t, runs.IsNotFound(err))
}
