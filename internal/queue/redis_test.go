package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benfinklea/nofx/internal/queue"
	"github.com/benfinklea/nofx/pkg/logging"
)

func newRedisQueue(t *testing.T, concurrency int) *queue.Redis {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewRedis(client, concurrency, nil, logging.Discard())
	t.Cleanup(func() {
		_ = q.Close()
		_ = client.Close()
	})
	return q
}

func TestRedis_DeliversAndCounts(t *testing.T) {
	q := newRedisQueue(t, 2)

	got := make(chan map[string]any, 1)
	require.NoError(t, q.Subscribe("jobs", func(_ context.Context, payload any) error {
		got <- payload.(map[string]any)
		return nil
	}))

	require.NoError(t, q.Enqueue(context.Background(), "jobs",
		map[string]any{"runId": "r1", "stepId": "s1"}))

	select {
	case payload := <-got:
		assert.Equal(t, "r1", payload["runId"])
	case <-time.After(3 * time.Second):
		t.Fatal("job never delivered")
	}

	require.Eventually(t, func() bool {
		counts, err := q.GetCounts(context.Background(), "jobs")
		return err == nil && counts.Completed == 1 && counts.Waiting == 0
	}, 3*time.Second, 25*time.Millisecond)
}

func TestRedis_DelayedJobWaitsForRunAt(t *testing.T) {
	q := newRedisQueue(t, 1)

	delivered := make(chan time.Time, 1)
	require.NoError(t, q.Subscribe("jobs", func(context.Context, any) error {
		delivered <- time.Now()
		return nil
	}))

	start := time.Now()
	require.NoError(t, q.Enqueue(context.Background(), "jobs",
		map[string]any{"n": "1"}, queue.WithDelay(300*time.Millisecond)))

	counts, err := q.GetCounts(context.Background(), "jobs")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Delayed)

	select {
	case at := <-delivered:
		assert.GreaterOrEqual(t, at.Sub(start), 300*time.Millisecond)
	case <-time.After(3 * time.Second):
		t.Fatal("delayed job never delivered")
	}
}

func TestRedis_ExhaustedJobDivertsToDLQ(t *testing.T) {
	q := newRedisQueue(t, 1)

	require.NoError(t, q.Subscribe("step.ready", func(context.Context, any) error {
		return assert.AnError
	}))

	payload := queue.WithAttempt(map[string]any{"runId": "r1"}, 5)
	require.NoError(t, q.Enqueue(context.Background(), "step.ready", payload))

	require.Eventually(t, func() bool {
		jobs, err := q.ListDLQ(context.Background(), "step.ready")
		return err == nil && len(jobs) == 1
	}, 3*time.Second, 25*time.Millisecond)

	jobs, err := q.ListDLQ(context.Background(), "step.dlq")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "r1", jobs[0].(map[string]any)["runId"])
}

func TestRedis_RehydrateResetsAttempt(t *testing.T) {
	q := newRedisQueue(t, 1)
	ctx := context.Background()

	dead := queue.WithAttempt(map[string]any{"runId": "r1"}, 9)
	require.NoError(t, q.Enqueue(ctx, "step.dlq", dead))

	got := make(chan map[string]any, 1)
	require.NoError(t, q.Subscribe("step.ready", func(_ context.Context, payload any) error {
		got <- payload.(map[string]any)
		return nil
	}))

	moved, err := q.RehydrateDLQ(ctx, "step.dlq", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	select {
	case payload := <-got:
		assert.Equal(t, "r1", payload["runId"])
		assert.Equal(t, 1, queue.Attempt(payload))
	case <-time.After(3 * time.Second):
		t.Fatal("rehydrated job never delivered")
	}
}

func TestRedis_OldestAge(t *testing.T) {
	q := newRedisQueue(t, 1)
	ctx := context.Background()

	_, ok, err := q.OldestAge(ctx, "jobs")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.Enqueue(ctx, "jobs", map[string]any{"n": "1"}))
	time.Sleep(20 * time.Millisecond)

	age, ok, err := q.OldestAge(ctx, "jobs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, age, 20*time.Millisecond)
}
