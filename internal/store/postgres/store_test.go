package postgres_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benfinklea/nofx/internal/migrate"
	"github.com/benfinklea/nofx/internal/runs"
	"github.com/benfinklea/nofx/internal/store/postgres"
	"github.com/benfinklea/nofx/internal/store/postgres/schema"
	"github.com/benfinklea/nofx/pkg/logging"
)

// newStore connects to POSTGRES_URL, applies the bundled schema and truncates
// all tables so every test starts clean. Skips when POSTGRES_URL is unset.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	url := os.Getenv("POSTGRES_URL")
	if url == "" {
		t.Skip("POSTGRES_URL not set; skipping database test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	all, err := migrate.LoadDir(schema.Files)
	require.NoError(t, err)
	require.NoError(t, migrate.NewEngine(pool, logging.Discard()).Run(ctx, all))

	_, err = pool.Exec(ctx,
		`TRUNCATE runs, steps, events, gates, artifacts, inbox, outbox CASCADE`)
	require.NoError(t, err)

	db := postgres.NewDB(pool, logging.Discard(), false)
	return postgres.New(db, logging.Discard())
}

func createRun(t *testing.T, s *postgres.Store, goal string) *runs.Run {
	t.Helper()
	run, err := s.CreateRun(context.Background(), runs.JSON{"goal": goal}, "")
	require.NoError(t, err)
	return run
}

// ─── Runs ────────────────────────────────────────────────────────────────────

func TestStore_RunLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	run := createRun(t, s, "integration goal")
	assert.Equal(t, runs.RunQueued, run.Status)
	assert.Equal(t, "default", run.ProjectID)
	assert.False(t, run.CreatedAt.IsZero())

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "integration goal", got.Title())

	running := runs.RunRunning
	now := time.Now().UTC()
	require.NoError(t, s.UpdateRun(ctx, run.ID, runs.RunPatch{Status: &running, StartedAt: &now}))

	succeeded := runs.RunSucceeded
	require.NoError(t, s.UpdateRun(ctx, run.ID, runs.RunPatch{Status: &succeeded}))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.RunSucceeded, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.EndedAt) // terminal transition stamps the end time

	require.NoError(t, s.ResetRun(ctx, run.ID))
	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.RunQueued, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.EndedAt)
}

func TestStore_GetRunNotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.GetRun(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.True(t, runs.IsNotFound(err))
}

func TestStore_ListRunsNewestFirstWithProjectFilter(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.CreateRun(ctx, runs.JSON{"goal": "web work"}, "web")
	require.NoError(t, err)
	createRun(t, s, "older")
	newest := createRun(t, s, "newest")

	list, err := s.ListRuns(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, newest.ID, list[0].ID)
	assert.Equal(t, "newest", list[0].Title)

	web, err := s.ListRuns(ctx, 10, "web")
	require.NoError(t, err)
	require.Len(t, web, 1)
	assert.Equal(t, "web work", web[0].Title)
}

func TestStore_ListRunsNonStringGoalHasEmptyTitle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	numeric, err := s.CreateRun(ctx, runs.JSON{"goal": 42}, "")
	require.NoError(t, err)
	object, err := s.CreateRun(ctx, runs.JSON{"goal": runs.JSON{"text": "nested"}}, "")
	require.NoError(t, err)

	list, err := s.ListRuns(ctx, 10, "")
	require.NoError(t, err)
	titles := make(map[string]string, len(list))
	for _, r := range list {
		titles[r.ID] = r.Title
	}
	assert.Empty(t, titles[numeric.ID])
	assert.Empty(t, titles[object.ID])
}

// ─── Steps ───────────────────────────────────────────────────────────────────

func TestStore_StepIdempotencyUnderConcurrency(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	run := createRun(t, s, "g")

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			step, err := s.CreateStep(ctx, run.ID, "build", "shell", nil, "plan:0:build")
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = step.ID
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	steps, err := s.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 1)
}

func TestStore_StepUpdateAndRemainingCount(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	run := createRun(t, s, "g")

	a, err := s.CreateStep(ctx, run.ID, "a", "shell", runs.JSON{"command": "true"}, "")
	require.NoError(t, err)
	b, err := s.CreateStep(ctx, run.ID, "b", "shell", nil, "")
	require.NoError(t, err)

	remaining, err := s.CountRemainingSteps(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	succeeded := runs.StepSucceeded
	require.NoError(t, s.UpdateStep(ctx, a.ID, runs.StepPatch{
		Status: &succeeded, Outputs: runs.JSON{"exitCode": 0},
	}))
	cancelled := runs.StepCancelled
	require.NoError(t, s.UpdateStep(ctx, b.ID, runs.StepPatch{Status: &cancelled}))

	remaining, err = s.CountRemainingSteps(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	got, err := s.GetStep(ctx, a.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.EndedAt)
	assert.EqualValues(t, 0, got.Outputs["exitCode"])

	require.NoError(t, s.ResetStep(ctx, a.ID))
	got, err = s.GetStep(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StepQueued, got.Status)
	assert.Nil(t, got.EndedAt)
	assert.Empty(t, got.Outputs)
}

func TestStore_CreateStepForMissingRun(t *testing.T) {
	s := newStore(t)
	_, err := s.CreateStep(context.Background(),
		"00000000-0000-0000-0000-000000000000", "a", "shell", nil, "")
	assert.True(t, runs.IsNotFound(err))
}

func TestStore_GetStepByIdempotencyKeyAbsent(t *testing.T) {
	s := newStore(t)
	run := createRun(t, s, "g")
	step, err := s.GetStepByIdempotencyKey(context.Background(), run.ID, "nope")
	require.NoError(t, err)
	assert.Nil(t, step)
}

// ─── Events ──────────────────────────────────────────────────────────────────

func TestStore_EventsAppendInOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	run := createRun(t, s, "g")

	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordEvent(ctx, run.ID, fmt.Sprintf("custom.%d", i),
			runs.JSON{"seq": i}, ""))
	}

	evts, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, evts, 3)
	for i, e := range evts {
		assert.Equal(t, fmt.Sprintf("custom.%d", i), e.Type)
	}
}

func TestStore_EventsInOneTransactionKeepInsertionOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	run := createRun(t, s, "g")

	// Rows written in one transaction share a frozen now(), so created_at
	// cannot order them; insertion order must still hold.
	const n = 10
	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		for i := 0; i < n; i++ {
			if err := s.RecordEvent(ctx, run.ID, fmt.Sprintf("tx.%d", i), nil, ""); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	evts, err := s.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, evts, n)
	for i, e := range evts {
		assert.Equal(t, fmt.Sprintf("tx.%d", i), e.Type)
	}
}

// ─── Gates ───────────────────────────────────────────────────────────────────

func TestStore_PendingGateIsSingletonPerStep(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	run := createRun(t, s, "g")
	step, err := s.CreateStep(ctx, run.ID, "review", "manual:approval", nil, "")
	require.NoError(t, err)

	const workers = 6
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			gate, err := s.CreateOrGetGate(ctx, run.ID, step.ID, "manual:approval")
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = gate.ID
		}(i)
	}
	wg.Wait()
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
}

func TestStore_GateResolutionStampsApproval(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	run := createRun(t, s, "g")
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
	first := *got.ApprovedAt

	// A second resolve does not move the approval timestamp.
	require.NoError(t, s.UpdateGate(ctx, gate.ID, runs.GatePatch{ApprovedBy: &by}))
	got, err = s.GetLatestGate(ctx, run.ID, step.ID)
	require.NoError(t, err)
	assert.True(t, got.ApprovedAt.Equal(first))

	// Once resolved, a new pending gate may be created for the same step.
	next, err := s.CreateOrGetGate(ctx, run.ID, step.ID, "manual:approval")
	require.NoError(t, err)
	assert.NotEqual(t, gate.ID, next.ID)
	assert.Equal(t, runs.GatePending, next.Status)
}

func TestStore_GetLatestGateAbsent(t *testing.T) {
	s := newStore(t)
	run := createRun(t, s, "g")
	gate, err := s.GetLatestGate(context.Background(), run.ID, "00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.Nil(t, gate)
}

// ─── Artifacts ───────────────────────────────────────────────────────────────

func TestStore_ArtifactsJoinStepName(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	run := createRun(t, s, "g")
	step, err := s.CreateStep(ctx, run.ID, "build", "shell", nil, "")
	require.NoError(t, err)

	_, err = s.AddArtifact(ctx, step.ID, "log", "build/output.log", runs.JSON{"bytes": 42})
	require.NoError(t, err)

	_, err = s.AddArtifact(ctx, step.ID, "log", "../escape.log", nil)
	assert.Equal(t, runs.KindPathTraversal, runs.ErrKind(err))

	list, err := s.ListArtifactsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "build", list[0].StepName)
	assert.Equal(t, "build/output.log", list[0].Path)
}

// ─── Inbox / outbox ──────────────────────────────────────────────────────────

func TestStore_InboxDeduplicates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	fresh, err := s.InboxMarkIfNew(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.InboxMarkIfNew(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, fresh)

	require.NoError(t, s.InboxDelete(ctx, "evt-1"))
	fresh, err = s.InboxMarkIfNew(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestStore_OutboxLifecycle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.OutboxAdd(ctx, "git.pr", runs.JSON{"n": 1}))
	require.NoError(t, s.OutboxAdd(ctx, "git.pr", runs.JSON{"n": 2}))

	unsent, err := s.OutboxListUnsent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unsent, 2)
	assert.EqualValues(t, 1, unsent[0].Payload["n"])

	require.NoError(t, s.OutboxMarkSent(ctx, unsent[0].ID))
	// Marking twice stays idempotent.
	require.NoError(t, s.OutboxMarkSent(ctx, unsent[0].ID))

	unsent, err = s.OutboxListUnsent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unsent, 1)
	assert.EqualValues(t, 2, unsent[0].Payload["n"])

	err = s.OutboxMarkSent(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, runs.IsNotFound(err))
}

// ─── Transactions ────────────────────────────────────────────────────────────

func TestStore_WithTransactionRollsBackOnError(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	run := createRun(t, s, "g")

	sentinel := fmt.Errorf("abort")
	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.CreateStep(ctx, run.ID, "a", "shell", nil, ""); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	steps, err := s.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, steps)
}

func TestStore_WithTransactionCommits(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	run := createRun(t, s, "g")

	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.CreateStep(ctx, run.ID, "a", "shell", nil, ""); err != nil {
			return err
		}
		_, err := s.CreateStep(ctx, run.ID, "b", "shell", nil, "")
		return err
	})
	require.NoError(t, err)

	steps, err := s.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, steps, 2)
}
