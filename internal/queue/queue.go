// Package queue provides the topic-addressed job buffer the worker loop runs
// on: delayed delivery, bounded per-topic concurrency, retry with a fixed
// backoff schedule and a dead-letter queue per topic.
//
// The in-memory implementation is authoritative; the redis implementation is
// interface-compatible for multi-process deployments.
package queue

import (
	"context"
	"strings"
	"time"
)

// AttemptKey is the sole payload field reserved by the queue layer. Handlers
// own every other key; retry and rehydration never touch anything else.
const AttemptKey = "__attempt"

// retrySchedule maps attempt number (1-based) to the delay before the next
// attempt. An attempt past the end of the schedule diverts the job to the DLQ.
var retrySchedule = []time.Duration{
	0,
	2000 * time.Millisecond,
	5000 * time.Millisecond,
	10000 * time.Millisecond,
}

// MaxAttempts is the number of handler invocations a job gets before the DLQ.
var MaxAttempts = len(retrySchedule) + 1

// RetryDelay returns the delay before re-running a job that failed on the
// given attempt, or ok=false when retries are exhausted.
func RetryDelay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > len(retrySchedule) {
		return 0, false
	}
	return retrySchedule[attempt-1], true
}

// DLQTopic returns the dead-letter topic for a topic. The reserved step.ready
// topic keeps its historical step.dlq name; everything else gets "<topic>.dlq".
func DLQTopic(topic string) string {
	if topic == "step.ready" {
		return "step.dlq"
	}
	return topic + ".dlq"
}

// IsDLQTopic reports whether the name addresses a dead-letter topic.
func IsDLQTopic(topic string) bool {
	return strings.HasSuffix(topic, ".dlq")
}

// ReadyTopic returns the live sibling a DLQ topic rehydrates into: the ".dlq"
// suffix is stripped and ".ready" appended. Names without the suffix are
// passed through untouched.
func ReadyTopic(dlqTopic string) string {
	if !IsDLQTopic(dlqTopic) {
		return dlqTopic
	}
	return strings.TrimSuffix(dlqTopic, ".dlq") + ".ready"
}

// Attempt reads the attempt counter out of a payload. Absent, malformed or
// non-object payloads count as attempt 1.
func Attempt(payload any) int {
	m, ok := payload.(map[string]any)
	if !ok {
		return 1
	}
	switch v := m[AttemptKey].(type) {
	case int:
		if v >= 1 {
			return v
		}
	case int64:
		if v >= 1 {
			return int(v)
		}
	case float64:
		if v >= 1 {
			return int(v)
		}
	}
	return 1
}

// WithAttempt returns a copy of the payload with the attempt counter set,
// preserving every user field. Non-object payloads are replaced by a bare
// attempt object, since there is nowhere to hang the counter.
func WithAttempt(payload any, attempt int) any {
	m, ok := payload.(map[string]any)
	if !ok {
		return map[string]any{AttemptKey: attempt}
	}
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	out[AttemptKey] = attempt
	return out
}

// Handler consumes one job. A non-nil error sends the job down the
// retry/DLQ path.
type Handler func(ctx context.Context, payload any) error

// Counts is the per-topic state snapshot exposed by GetCounts.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Delayed   int `json:"delayed"`
	Paused    int `json:"paused"`
}

// Option configures a single Enqueue call.
type Option func(*enqueueOptions)

type enqueueOptions struct {
	delay time.Duration
}

// WithDelay defers delivery by d.
func WithDelay(d time.Duration) Option {
	return func(o *enqueueOptions) { o.delay = d }
}

// Queue is the contract both backends satisfy.
type Queue interface {
	// Enqueue places a job on a topic, optionally delayed.
	Enqueue(ctx context.Context, topic string, payload any, opts ...Option) error

	// Subscribe registers a handler. Only the first subscriber per topic
	// dispatches; later ones are accepted and ignored.
	Subscribe(topic string, h Handler) error

	// GetCounts returns the topic's state counters.
	GetCounts(ctx context.Context, topic string) (Counts, error)

	// HasSubscribers reports whether a dispatching handler is registered.
	HasSubscribers(topic string) bool

	// ListDLQ returns the payloads parked in the topic's dead-letter queue.
	// Accepts either the live topic or the DLQ name itself.
	ListDLQ(ctx context.Context, topic string) ([]any, error)

	// RehydrateDLQ moves up to max jobs from a DLQ back to its ready
	// sibling with the attempt counter reset to 1. Returns the count moved.
	RehydrateDLQ(ctx context.Context, dlqTopic string, max int) (int, error)

	// OldestAge returns the age of the oldest ready (not delayed) job.
	// ok is false when the topic has no ready jobs.
	OldestAge(ctx context.Context, topic string) (age time.Duration, ok bool, err error)

	// Close stops dispatching and releases resources.
	Close() error
}
