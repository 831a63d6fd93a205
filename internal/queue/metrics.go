package queue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrName = "github.com/benfinklea/nofx/internal/queue"

// MetricSink receives queue gauge updates. Implementations must be safe for
// concurrent use; the queue swallows any panic a sink raises so observability
// can never mutate control flow.
type MetricSink interface {
	CountsUpdated(topic string, counts Counts)
	DLQSize(topic string, size int)
	OldestAge(topic string, age time.Duration)
	RetryScheduled(topic string, attempt int)
	JobExhausted(topic string)
}

// NopSink discards all updates.
type NopSink struct{}

// CountsUpdated implements MetricSink.
func (NopSink) CountsUpdated(string, Counts) {}

// DLQSize implements MetricSink.
func (NopSink) DLQSize(string, int) {}

// OldestAge implements MetricSink.
func (NopSink) OldestAge(string, time.Duration) {}

// RetryScheduled implements MetricSink.
func (NopSink) RetryScheduled(string, int) {}

// JobExhausted implements MetricSink.
func (NopSink) JobExhausted(string) {}

// OTelSink publishes queue gauges through the global OpenTelemetry meter.
type OTelSink struct {
	waiting     metric.Int64Gauge
	active      metric.Int64Gauge
	delayed     metric.Int64Gauge
	dlqSize     metric.Int64Gauge
	oldestAgeMs metric.Int64Gauge
	retriesTot  metric.Int64Counter
	exhausted   metric.Int64Counter
}

// NewOTelSink builds the sink against the globally registered meter provider.
// Instrument creation errors are ignored: a broken meter must not take the
// queue down with it.
func NewOTelSink() *OTelSink {
	m := otel.Meter(instrName)

	waiting, _ := m.Int64Gauge("nofx.queue.waiting",
		metric.WithDescription("Jobs ready for dispatch"))
	active, _ := m.Int64Gauge("nofx.queue.active",
		metric.WithDescription("Handlers currently in flight"))
	delayed, _ := m.Int64Gauge("nofx.queue.delayed",
		metric.WithDescription("Jobs waiting on their run-at time"))
	dlqSize, _ := m.Int64Gauge("nofx.queue.dlq_size",
		metric.WithDescription("Jobs parked in the dead-letter queue"))
	oldestAgeMs, _ := m.Int64Gauge("nofx.queue.oldest_age_ms",
		metric.WithDescription("Age of the oldest ready job"),
		metric.WithUnit("ms"))
	retriesTot, _ := m.Int64Counter("nofx.queue.retries_total",
		metric.WithDescription("Jobs re-enqueued after a handler failure"))
	exhausted, _ := m.Int64Counter("nofx.queue.exhausted_total",
		metric.WithDescription("Jobs diverted to the dead-letter queue"))

	return &OTelSink{
		waiting:     waiting,
		active:      active,
		delayed:     delayed,
		dlqSize:     dlqSize,
		oldestAgeMs: oldestAgeMs,
		retriesTot:  retriesTot,
		exhausted:   exhausted,
	}
}

func topicAttr(topic string) metric.RecordOption {
	return metric.WithAttributes(attribute.String("topic", topic))
}

func topicAddAttr(topic string) metric.AddOption {
	return metric.WithAttributes(attribute.String("topic", topic))
}

// CountsUpdated implements MetricSink.
func (s *OTelSink) CountsUpdated(topic string, c Counts) {
	ctx := context.Background()
	s.waiting.Record(ctx, int64(c.Waiting), topicAttr(topic))
	s.active.Record(ctx, int64(c.Active), topicAttr(topic))
	s.delayed.Record(ctx, int64(c.Delayed), topicAttr(topic))
}

// DLQSize implements MetricSink.
func (s *OTelSink) DLQSize(topic string, size int) {
	s.dlqSize.Record(context.Background(), int64(size), topicAttr(topic))
}

// OldestAge implements MetricSink.
func (s *OTelSink) OldestAge(topic string, age time.Duration) {
	s.oldestAgeMs.Record(context.Background(), age.Milliseconds(), topicAttr(topic))
}

// RetryScheduled implements MetricSink.
func (s *OTelSink) RetryScheduled(topic string, attempt int) {
	s.retriesTot.Add(context.Background(), 1, topicAddAttr(topic))
}

// JobExhausted implements MetricSink.
func (s *OTelSink) JobExhausted(topic string) {
	s.exhausted.Add(context.Background(), 1, topicAddAttr(topic))
}

// Compile-time checks.
var (
	_ MetricSink = NopSink{}
	_ MetricSink = (*OTelSink)(nil)
)
