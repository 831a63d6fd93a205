package plan_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benfinklea/nofx/internal/events"
	"github.com/benfinklea/nofx/internal/plan"
	"github.com/benfinklea/nofx/internal/queue"
	"github.com/benfinklea/nofx/internal/runs"
	"github.com/benfinklea/nofx/internal/store/fsstore"
	"github.com/benfinklea/nofx/pkg/logging"
)

// ─── Parsing ─────────────────────────────────────────────────────────────────

func TestParse_YAML(t *testing.T) {
	p, err := plan.Parse([]byte(`
goal: ship the feature
projectId: web
steps:
  - name: build
    tool: shell
    inputs:
      command: make build
  - name: review
    tool: manual:approval
`))
	require.NoError(t, err)
	assert.Equal(t, "ship the feature", p.Goal)
	assert.Equal(t, "web", p.ProjectID)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, "make build", p.Steps[0].Inputs["command"])
	assert.Equal(t, "manual:approval", p.Steps[1].Tool)
}

func TestParse_JSONIsAlsoYAML(t *testing.T) {
	p, err := plan.Parse([]byte(`{"goal":"g","steps":[{"name":"a","tool":"test:echo","inputs":{"msg":"hi"}}]}`))
	require.NoError(t, err)
	assert.Equal(t, "g", p.Goal)
	require.Len(t, p.Steps, 1)
	assert.Equal(t, "hi", p.Steps[0].Inputs["msg"])
}

func TestParse_Validation(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"no steps", `goal: g`},
		{"missing name", `{"steps":[{"tool":"shell"}]}`},
		{"missing tool", `{"steps":[{"name":"a"}]}`},
		{"duplicate names", `{"steps":[{"name":"a","tool":"x"},{"name":"a","tool":"y"}]}`},
		{"not yaml", `{{{`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := plan.Parse([]byte(c.doc))
			assert.Equal(t, runs.KindValidation, runs.ErrKind(err))
		})
	}
}

// ─── Submission ──────────────────────────────────────────────────────────────

func newSubmitter(t *testing.T) (*plan.Submitter, *fsstore.Store, *queue.Memory) {
	t.Helper()
	store, err := fsstore.New(t.TempDir(), logging.Discard())
	require.NoError(t, err)
	q := queue.NewMemory(1, nil, logging.Discard())
	t.Cleanup(func() { _ = q.Close() })

	return &plan.Submitter{
		Store:  store,
		Events: events.NewRecorder(store, logging.Discard()),
		Queue:  q,
		Log:    logging.Discard(),
	}, store, q
}

func TestSubmit_CreatesRunStepsAndJobs(t *testing.T) {
	s, store, q := newSubmitter(t)
	ctx := context.Background()

	p, err := plan.Parse([]byte(`
goal: two step plan
steps:
  - name: a
    tool: test:echo
  - name: b
    tool: test:echo
`))
	require.NoError(t, err)

	run, steps, err := s.Submit(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, runs.RunQueued, run.Status)
	assert.Equal(t, "two step plan", run.Title())
	require.Len(t, steps, 2)

	stored, err := store.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "a", stored[0].Name)
	assert.Equal(t, "b", stored[1].Name)

	evts, err := store.ListEvents(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, runs.EventRunCreated, evts[0].Type)

	// No subscriber yet, so both jobs wait on the queue.
	counts, err := q.GetCounts(ctx, runs.TopicStepReady)
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Waiting)
}

func TestSubmit_StepCreationIsIdempotent(t *testing.T) {
	s, store, _ := newSubmitter(t)
	ctx := context.Background()

	p, err := plan.Parse([]byte(`{"goal":"g","steps":[{"name":"a","tool":"test:echo"}]}`))
	require.NoError(t, err)

	run, _, err := s.Submit(ctx, p)
	require.NoError(t, err)

	// Re-creating the same step for the same run converges on one row.
	dup, err := store.CreateStep(ctx, run.ID, "a", "test:echo", nil, "plan:0:a")
	require.NoError(t, err)

	steps, err := store.ListStepsByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, steps[0].ID, dup.ID)
}

// ─── Run completion ──────────────────────────────────────────────────────────

func TestMaybeFinishRun(t *testing.T) {
	s, store, _ := newSubmitter(t)
	ctx := context.Background()

	p, err := plan.Parse([]byte(`{"goal":"g","steps":[{"name":"a","tool":"test:echo"},{"name":"b","tool":"test:echo"}]}`))
	require.NoError(t, err)
	run, steps, err := s.Submit(ctx, p)
	require.NoError(t, err)

	done, err := plan.MaybeFinishRun(ctx, store, s.Events, run.ID)
	require.NoError(t, err)
	assert.False(t, done)

	succeeded := runs.StepSucceeded
	require.NoError(t, store.UpdateStep(ctx, steps[0].ID, runs.StepPatch{Status: &succeeded}))
	cancelled := runs.StepCancelled
	require.NoError(t, store.UpdateStep(ctx, steps[1].ID, runs.StepPatch{Status: &cancelled}))

	done, err = plan.MaybeFinishRun(ctx, store, s.Events, run.ID)
	require.NoError(t, err)
	assert.True(t, done)

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.RunSucceeded, got.Status)
	require.NotNil(t, got.EndedAt)

	// Already terminal: a second check is a no-op.
	done, err = plan.MaybeFinishRun(ctx, store, s.Events, run.ID)
	require.NoError(t, err)
	assert.False(t, done)
}
