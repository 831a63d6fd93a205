// Package events provides the append-only event journal: a thin recorder
// over the Store with observer fan-out and business metrics.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/benfinklea/nofx/internal/runs"
)

const instrName = "github.com/benfinklea/nofx/internal/events"

// Observer receives every recorded event after it is persisted. Observers
// run synchronously on the recording goroutine; panics are swallowed.
type Observer func(runID, eventType string, payload runs.JSON, stepID string)

// Recorder persists events and fans them out to observers.
type Recorder struct {
	store runs.Store
	log   *slog.Logger

	mu        sync.RWMutex
	observers []Observer

	eventsTotal metric.Int64Counter
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(store runs.Store, log *slog.Logger) *Recorder {
	m := otel.Meter(instrName)
	eventsTotal, _ := m.Int64Counter("nofx.events.recorded_total",
		metric.WithDescription("Events written to the journal"))

	return &Recorder{
		store:       store,
		log:         log,
		eventsTotal: eventsTotal,
	}
}

// Subscribe registers an observer for all future events.
func (r *Recorder) Subscribe(obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, obs)
}

// Record appends one event. Persistence failures propagate; observer and
// metric failures never do.
func (r *Recorder) Record(ctx context.Context, runID, eventType string, payload runs.JSON, stepID string) error {
	if err := r.store.RecordEvent(ctx, runID, eventType, payload, stepID); err != nil {
		return fmt.Errorf("record event %q: %w", eventType, err)
	}

	r.eventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))

	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()
	for _, obs := range observers {
		r.notify(obs, runID, eventType, payload, stepID)
	}
	return nil
}

// List returns a run's events in chronological order.
func (r *Recorder) List(ctx context.Context, runID string) ([]runs.Event, error) {
	return r.store.ListEvents(ctx, runID)
}

func (r *Recorder) notify(obs Observer, runID, eventType string, payload runs.JSON, stepID string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Warn("event observer panicked", "type", eventType, "panic", rec)
		}
	}()
	obs(runID, eventType, payload, stepID)
}
