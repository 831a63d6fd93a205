package queue

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/benfinklea/nofx/internal/runs"
)

// Memory is the in-process queue. Dead jobs live on the DLQ-named topic's
// ready list, so a DLQ is itself an ordinary topic without a subscriber;
// ListDLQ and RehydrateDLQ read and drain it like any other.
type Memory struct {
	mu     sync.Mutex
	topics map[string]*memTopic

	maxConcurrent int
	sink          MetricSink
	log           *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemory creates an in-memory queue with the given per-topic concurrency
// limit (minimum 1).
func NewMemory(maxConcurrent int, sink MetricSink, log *slog.Logger) *Memory {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if sink == nil {
		sink = NopSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Memory{
		topics:        make(map[string]*memTopic),
		maxConcurrent: maxConcurrent,
		sink:          sink,
		log:           log,
		ctx:           ctx,
		cancel:        cancel,
	}
}

type memJob struct {
	id      string
	payload any
	runAt   time.Time
	seq     uint64 // tie-break for equal runAt, preserves FIFO
}

type memTopic struct {
	mu sync.Mutex

	name    string
	ready   []*memJob
	delayed delayHeap
	timer   *time.Timer

	handler Handler
	active  int

	completed int
	failed    int

	seq uint64
}

func (q *Memory) topic(name string) *memTopic {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.topics[name]
	if !ok {
		t = &memTopic{name: name}
		q.topics[name] = t
	}
	return t
}

// Enqueue implements Queue.
func (q *Memory) Enqueue(_ context.Context, topic string, payload any, opts ...Option) error {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.delay < 0 {
		o.delay = 0
	}

	t := q.topic(topic)
	now := time.Now()

	t.mu.Lock()
	t.seq++
	j := &memJob{
		id:      uuid.New().String(),
		payload: payload,
		runAt:   now.Add(o.delay),
		seq:     t.seq,
	}
	if o.delay > 0 {
		heap.Push(&t.delayed, j)
		q.armTimerLocked(t)
	} else {
		t.ready = append(t.ready, j)
	}
	t.mu.Unlock()

	q.publish(t)
	if o.delay == 0 {
		q.drain(t)
	}
	return nil
}

// Subscribe implements Queue. The first handler per topic wins; later
// subscriptions are accepted and ignored.
func (q *Memory) Subscribe(topic string, h Handler) error {
	t := q.topic(topic)
	t.mu.Lock()
	if t.handler == nil {
		t.handler = h
	}
	t.mu.Unlock()
	q.drain(t)
	return nil
}

// GetCounts implements Queue.
func (q *Memory) GetCounts(_ context.Context, topic string) (Counts, error) {
	t := q.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countsLocked(), nil
}

func (t *memTopic) countsLocked() Counts {
	return Counts{
		Waiting:   len(t.ready),
		Active:    t.active,
		Completed: t.completed,
		Failed:    t.failed,
		Delayed:   t.delayed.Len(),
	}
}

// HasSubscribers implements Queue.
func (q *Memory) HasSubscribers(topic string) bool {
	t := q.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handler != nil
}

// ListDLQ implements Queue.
func (q *Memory) ListDLQ(_ context.Context, topic string) ([]any, error) {
	name := topic
	if !IsDLQTopic(name) {
		name = DLQTopic(name)
	}
	t := q.topic(name)
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]any, 0, len(t.ready))
	for _, j := range t.ready {
		out = append(out, j.payload)
	}
	return out, nil
}

// RehydrateDLQ implements Queue.
func (q *Memory) RehydrateDLQ(ctx context.Context, dlqTopic string, max int) (int, error) {
	target := ReadyTopic(dlqTopic)
	t := q.topic(dlqTopic)

	var payloads []any
	t.mu.Lock()
	n := max
	if n < 0 {
		n = 0
	}
	if n > len(t.ready) {
		n = len(t.ready)
	}
	for i := 0; i < n; i++ {
		payloads = append(payloads, WithAttempt(t.ready[i].payload, 1))
	}
	t.ready = t.ready[n:]
	t.mu.Unlock()
	q.publish(t)

	for _, p := range payloads {
		if err := q.Enqueue(ctx, target, p); err != nil {
			return len(payloads), err
		}
	}
	return len(payloads), nil
}

// OldestAge implements Queue.
func (q *Memory) OldestAge(_ context.Context, topic string) (time.Duration, bool, error) {
	t := q.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.ready) == 0 {
		return 0, false, nil
	}
	oldest := t.ready[0].runAt
	for _, j := range t.ready[1:] {
		if j.runAt.Before(oldest) {
			oldest = j.runAt
		}
	}
	return time.Since(oldest), true, nil
}

// Close implements Queue. In-flight handlers are allowed to finish.
func (q *Memory) Close() error {
	q.cancel()
	q.mu.Lock()
	for _, t := range q.topics {
		t.mu.Lock()
		if t.timer != nil {
			t.timer.Stop()
		}
		t.mu.Unlock()
	}
	q.mu.Unlock()
	q.wg.Wait()
	return nil
}

// drain admits ready jobs up to the concurrency limit. Selection and
// accounting happen under the topic mutex; handler execution does not.
func (q *Memory) drain(t *memTopic) {
	if q.ctx.Err() != nil {
		return
	}

	t.mu.Lock()
	q.promoteDueLocked(t)

	if t.handler == nil {
		q.armTimerLocked(t)
		t.mu.Unlock()
		return
	}

	now := time.Now()
	var launched []*memJob
	for t.active < q.maxConcurrent && len(t.ready) > 0 && !t.ready[0].runAt.After(now) {
		j := t.ready[0]
		t.ready = t.ready[1:]
		t.active++
		launched = append(launched, j)
	}
	handler := t.handler
	q.armTimerLocked(t)
	t.mu.Unlock()

	q.publish(t)

	for _, j := range launched {
		q.wg.Add(1)
		go q.run(t, handler, j)
	}
}

// run executes one job and routes the outcome: completion, retry with
// backoff, or DLQ divert once the schedule is exhausted.
func (q *Memory) run(t *memTopic, handler Handler, j *memJob) {
	defer q.wg.Done()

	err := q.invoke(handler, j.payload)

	t.mu.Lock()
	t.active--
	if err == nil {
		t.completed++
	} else {
		t.failed++
	}
	pending := len(t.ready) > 0 || t.delayed.Len() > 0
	t.mu.Unlock()
	q.publish(t)

	if err != nil {
		q.routeFailure(t, j, err)
	}
	if pending {
		q.drain(t)
	}
}

func (q *Memory) invoke(handler Handler, payload any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(q.ctx, payload)
}

func (q *Memory) routeFailure(t *memTopic, j *memJob, cause error) {
	attempt := Attempt(j.payload)

	delay, ok := RetryDelay(attempt)
	if !ok {
		dlq := DLQTopic(t.name)
		exhausted := runs.ExhaustedError{Topic: t.name, Attempts: attempt}
		q.log.Error("job exhausted retries, moving to DLQ",
			"topic", t.name, "dlq", dlq, "jobId", j.id, "error", cause, "exhausted", exhausted.Error())

		d := q.topic(dlq)
		d.mu.Lock()
		d.seq++
		d.ready = append(d.ready, &memJob{
			id:      uuid.New().String(),
			payload: j.payload,
			runAt:   time.Now(),
			seq:     d.seq,
		})
		size := len(d.ready)
		d.mu.Unlock()

		q.safeSink(func(s MetricSink) {
			s.JobExhausted(t.name)
			s.DLQSize(t.name, size)
		})
		q.publish(d)
		return
	}

	q.log.Warn("job failed, retrying",
		"topic", t.name, "jobId", j.id, "attempt", attempt, "delay", delay, "error", cause)
	q.safeSink(func(s MetricSink) { s.RetryScheduled(t.name, attempt) })

	next := WithAttempt(j.payload, attempt+1)
	_ = q.Enqueue(context.Background(), t.name, next, WithDelay(delay))
}

// promoteDueLocked moves due delayed jobs onto the ready list in runAt order.
func (q *Memory) promoteDueLocked(t *memTopic) {
	now := time.Now()
	for t.delayed.Len() > 0 && !t.delayed[0].runAt.After(now) {
		j := heap.Pop(&t.delayed).(*memJob)
		t.ready = append(t.ready, j)
	}
}

// armTimerLocked schedules the next drain no earlier than the soonest
// delayed job's run-at time.
func (q *Memory) armTimerLocked(t *memTopic) {
	if t.delayed.Len() == 0 {
		return
	}
	wait := time.Until(t.delayed[0].runAt)
	if wait < 0 {
		wait = 0
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(wait, func() { q.drain(t) })
}

// publish pushes the topic's gauges to the sink. Sink panics are swallowed.
func (q *Memory) publish(t *memTopic) {
	t.mu.Lock()
	c := t.countsLocked()
	var oldest time.Duration
	hasReady := len(t.ready) > 0
	if hasReady {
		oldest = time.Since(t.ready[0].runAt)
	}
	t.mu.Unlock()

	q.safeSink(func(s MetricSink) {
		s.CountsUpdated(t.name, c)
		if hasReady {
			s.OldestAge(t.name, oldest)
		}
	})
}

func (q *Memory) safeSink(fn func(MetricSink)) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Debug("metric sink panicked", "panic", r)
		}
	}()
	fn(q.sink)
}

// delayHeap is a min-heap of jobs ordered by runAt, then insertion order.
type delayHeap []*memJob

func (h delayHeap) Len() int { return len(h) }
func (h delayHeap) Less(i, j int) bool {
	if h[i].runAt.Equal(h[j].runAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].runAt.Before(h[j].runAt)
}
func (h delayHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *delayHeap) Push(x any) { *h = append(*h, x.(*memJob)) }

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

// Compile-time check.
var _ Queue = (*Memory)(nil)
