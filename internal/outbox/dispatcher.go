// Package outbox drains the transactional outbox: unsent rows are handed to
// a Publisher and marked sent on success. Handlers write rows inside their
// own store transactions; this dispatcher is the only reader.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/benfinklea/nofx/internal/runs"
)

// Publisher delivers one outbox entry to the outside world. A returned error
// leaves the row unsent; it is retried on the next poll.
type Publisher interface {
	Publish(ctx context.Context, entry runs.OutboxEntry) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, entry runs.OutboxEntry) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, entry runs.OutboxEntry) error {
	return f(ctx, entry)
}

// LogPublisher logs each entry and succeeds. It is the default sink when no
// real transport is configured.
func LogPublisher(log *slog.Logger) Publisher {
	return PublisherFunc(func(_ context.Context, entry runs.OutboxEntry) error {
		log.Info("outbox entry published", "id", entry.ID, "topic", entry.Topic)
		return nil
	})
}

const (
	defaultInterval  = 2 * time.Second
	defaultBatchSize = 25
)

// Dispatcher polls for unsent entries and publishes them in order.
type Dispatcher struct {
	store     runs.Store
	publisher Publisher
	log       *slog.Logger

	interval  time.Duration
	batchSize int
}

// NewDispatcher creates a Dispatcher with default polling settings.
func NewDispatcher(store runs.Store, publisher Publisher, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		log:       log,
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
	}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Drain(ctx); err != nil {
				d.log.Error("outbox drain failed", "error", err)
			}
		}
	}
}

// Drain publishes one batch of unsent entries and returns how many were
// sent. A failing entry stops the batch so ordering per topic holds.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	entries, err := d.store.OutboxListUnsent(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, entry := range entries {
		if err := d.publisher.Publish(ctx, entry); err != nil {
			d.log.Warn("outbox publish failed, leaving entry unsent",
				"id", entry.ID, "topic", entry.Topic, "error", err)
			return sent, nil
		}
		if err := d.store.OutboxMarkSent(ctx, entry.ID); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
