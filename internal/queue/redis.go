package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/benfinklea/nofx/internal/runs"
)

const (
	redisKeyPrefix  = "nofx:queue:"
	redisPollPeriod = 250 * time.Millisecond
)

// envelope is the wire form of a job in redis. The payload stays opaque.
type envelope struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
	ReadyAt int64           `json:"readyAtMs"`
}

// Redis is the broker-backed queue variant. Ready jobs live on a list
// (RPUSH/LPOP keeps FIFO), delayed jobs on a sorted set scored by run-at
// time, and DLQs are the ready lists of their DLQ-named topics, mirroring
// the in-memory layout.
//
// Completed/failed/active counters are per-process: redis holds the jobs,
// each consumer accounts for its own dispatch.
type Redis struct {
	rdb *redis.Client

	mu     sync.Mutex
	states map[string]*redisTopicState

	maxConcurrent int
	sink          MetricSink
	log           *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type redisTopicState struct {
	handler   Handler
	active    int
	completed int
	failed    int
}

// NewRedis creates a redis-backed queue on an existing client.
func NewRedis(rdb *redis.Client, maxConcurrent int, sink MetricSink, log *slog.Logger) *Redis {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if sink == nil {
		sink = NopSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Redis{
		rdb:           rdb,
		states:        make(map[string]*redisTopicState),
		maxConcurrent: maxConcurrent,
		sink:          sink,
		log:           log,
		ctx:           ctx,
		cancel:        cancel,
	}
}

func readyKey(topic string) string   { return redisKeyPrefix + topic + ":ready" }
func delayedKey(topic string) string { return redisKeyPrefix + topic + ":delayed" }

func (q *Redis) state(topic string) *redisTopicState {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.states[topic]
	if !ok {
		st = &redisTopicState{}
		q.states[topic] = st
	}
	return st
}

// Enqueue implements Queue.
func (q *Redis) Enqueue(ctx context.Context, topic string, payload any, opts ...Option) error {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	now := time.Now()
	env := envelope{
		ID:      uuid.New().String(),
		Payload: raw,
		ReadyAt: now.Add(o.delay).UnixMilli(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if o.delay > 0 {
		err = q.rdb.ZAdd(ctx, delayedKey(topic), redis.Z{
			Score:  float64(env.ReadyAt),
			Member: string(data),
		}).Err()
	} else {
		err = q.rdb.RPush(ctx, readyKey(topic), string(data)).Err()
	}
	if err != nil {
		return runs.StorageUnavailableError{Op: "queue enqueue", Err: err}
	}

	q.publishGauges(topic)
	return nil
}

// Subscribe implements Queue. The first subscriber per topic starts the
// poll loop; later subscriptions are accepted and ignored.
func (q *Redis) Subscribe(topic string, h Handler) error {
	st := q.state(topic)
	q.mu.Lock()
	if st.handler != nil {
		q.mu.Unlock()
		return nil
	}
	st.handler = h
	q.mu.Unlock()

	q.wg.Add(1)
	go q.poll(topic, st, h)
	return nil
}

func (q *Redis) poll(topic string, st *redisTopicState, h Handler) {
	defer q.wg.Done()
	ticker := time.NewTicker(redisPollPeriod)
	defer ticker.Stop()
	for {
		q.dispatchReady(topic, st, h)
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (q *Redis) dispatchReady(topic string, st *redisTopicState, h Handler) {
	ctx := q.ctx
	q.promoteDue(ctx, topic)

	for {
		q.mu.Lock()
		if st.active >= q.maxConcurrent {
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		data, err := q.rdb.LPop(ctx, readyKey(topic)).Result()
		if err == redis.Nil {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				q.log.Warn("queue pop failed", "topic", topic, "error", err)
			}
			return
		}

		var env envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			q.log.Warn("dropping undecodable job", "topic", topic, "error", err)
			continue
		}
		var payload any
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			payload = nil
		}

		q.mu.Lock()
		st.active++
		q.mu.Unlock()
		q.publishGauges(topic)

		q.wg.Add(1)
		go q.run(topic, st, h, payload)
	}
}

func (q *Redis) run(topic string, st *redisTopicState, h Handler, payload any) {
	defer q.wg.Done()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		return h(q.ctx, payload)
	}()

	q.mu.Lock()
	st.active--
	if err == nil {
		st.completed++
	} else {
		st.failed++
	}
	q.mu.Unlock()
	q.publishGauges(topic)

	if err != nil {
		q.routeFailure(topic, payload, err)
	}
}

func (q *Redis) routeFailure(topic string, payload any, cause error) {
	ctx := context.Background()
	attempt := Attempt(payload)

	delay, ok := RetryDelay(attempt)
	if !ok {
		dlq := DLQTopic(topic)
		q.log.Error("job exhausted retries, moving to DLQ",
			"topic", topic, "dlq", dlq, "attempts", attempt, "error", cause)
		if err := q.Enqueue(ctx, dlq, payload); err != nil {
			q.log.Error("DLQ divert failed", "topic", topic, "error", err)
		}
		size, _ := q.rdb.LLen(ctx, readyKey(dlq)).Result()
		q.safeSink(func(s MetricSink) {
			s.JobExhausted(topic)
			s.DLQSize(topic, int(size))
		})
		return
	}

	q.log.Warn("job failed, retrying",
		"topic", topic, "attempt", attempt, "delay", delay, "error", cause)
	q.safeSink(func(s MetricSink) { s.RetryScheduled(topic, attempt) })

	next := WithAttempt(payload, attempt+1)
	if err := q.Enqueue(ctx, topic, next, WithDelay(delay)); err != nil {
		q.log.Error("retry enqueue failed", "topic", topic, "error", err)
	}
}

// promoteDue moves due delayed jobs onto the ready list.
func (q *Redis) promoteDue(ctx context.Context, topic string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, delayedKey(topic), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	for _, m := range members {
		// ZRem-then-push: a member removed by a racing consumer is theirs.
		removed, err := q.rdb.ZRem(ctx, delayedKey(topic), m).Result()
		if err != nil || removed == 0 {
			continue
		}
		if err := q.rdb.RPush(ctx, readyKey(topic), m).Err(); err != nil {
			q.log.Error("promote delayed job failed", "topic", topic, "error", err)
		}
	}
}

// GetCounts implements Queue.
func (q *Redis) GetCounts(ctx context.Context, topic string) (Counts, error) {
	waiting, err := q.rdb.LLen(ctx, readyKey(topic)).Result()
	if err != nil {
		return Counts{}, runs.StorageUnavailableError{Op: "queue counts", Err: err}
	}
	delayed, err := q.rdb.ZCard(ctx, delayedKey(topic)).Result()
	if err != nil {
		return Counts{}, runs.StorageUnavailableError{Op: "queue counts", Err: err}
	}
	st := q.state(topic)
	q.mu.Lock()
	defer q.mu.Unlock()
	return Counts{
		Waiting:   int(waiting),
		Active:    st.active,
		Completed: st.completed,
		Failed:    st.failed,
		Delayed:   int(delayed),
	}, nil
}

// HasSubscribers implements Queue.
func (q *Redis) HasSubscribers(topic string) bool {
	st := q.state(topic)
	q.mu.Lock()
	defer q.mu.Unlock()
	return st.handler != nil
}

// ListDLQ implements Queue.
func (q *Redis) ListDLQ(ctx context.Context, topic string) ([]any, error) {
	name := topic
	if !IsDLQTopic(name) {
		name = DLQTopic(name)
	}
	items, err := q.rdb.LRange(ctx, readyKey(name), 0, -1).Result()
	if err != nil {
		return nil, runs.StorageUnavailableError{Op: "queue list dlq", Err: err}
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		var env envelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			continue
		}
		var payload any
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			continue
		}
		out = append(out, payload)
	}
	return out, nil
}

// RehydrateDLQ implements Queue.
func (q *Redis) RehydrateDLQ(ctx context.Context, dlqTopic string, max int) (int, error) {
	target := ReadyTopic(dlqTopic)
	moved := 0
	for moved < max {
		data, err := q.rdb.LPop(ctx, readyKey(dlqTopic)).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return moved, runs.StorageUnavailableError{Op: "queue rehydrate", Err: err}
		}
		var env envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			continue
		}
		var payload any
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			continue
		}
		if err := q.Enqueue(ctx, target, WithAttempt(payload, 1)); err != nil {
			return moved, err
		}
		moved++
	}
	q.publishGauges(dlqTopic)
	return moved, nil
}

// OldestAge implements Queue.
func (q *Redis) OldestAge(ctx context.Context, topic string) (time.Duration, bool, error) {
	data, err := q.rdb.LIndex(ctx, readyKey(topic), 0).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, runs.StorageUnavailableError{Op: "queue oldest age", Err: err}
	}
	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return 0, false, nil
	}
	return time.Since(time.UnixMilli(env.ReadyAt)), true, nil
}

// Close implements Queue.
func (q *Redis) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}

func (q *Redis) publishGauges(topic string) {
	ctx := context.Background()
	waiting, err1 := q.rdb.LLen(ctx, readyKey(topic)).Result()
	delayed, err2 := q.rdb.ZCard(ctx, delayedKey(topic)).Result()
	if err1 != nil || err2 != nil {
		return
	}
	st := q.state(topic)
	q.mu.Lock()
	c := Counts{
		Waiting:   int(waiting),
		Active:    st.active,
		Completed: st.completed,
		Failed:    st.failed,
		Delayed:   int(delayed),
	}
	q.mu.Unlock()
	q.safeSink(func(s MetricSink) { s.CountsUpdated(topic, c) })
}

func (q *Redis) safeSink(fn func(MetricSink)) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Debug("metric sink panicked", "panic", r)
		}
	}()
	fn(q.sink)
}

// Compile-time check.
var _ Queue = (*Redis)(nil)
