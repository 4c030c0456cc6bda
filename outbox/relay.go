// Package outbox delivers committed escrow events to downstream sinks.
//
// Events are written to the store's outbox inside the same transaction as the
// state change. The Relay polls for unpublished events, hands them to an
// Emitter in append order and marks them published. Delivery is at least once.
package outbox

import (
	"context"
	"fmt"
	"log"
	"time"

	"courseescrow/escrow"
)

// Source is the read side of a transactional outbox.
type Source interface {
	Pending(ctx context.Context, limit int) ([]escrow.Event, error)
	MarkPublished(ctx context.Context, ids []string) error
}

// Emitter publishes one event to a downstream sink.
type Emitter interface {
	Emit(ctx context.Context, evt escrow.Event) error
}

type Relay struct {
	source   Source
	emitter  Emitter
	interval time.Duration
	batch    int
	logger   *log.Logger
}

func NewRelay(source Source, emitter Emitter) *Relay {
	return &Relay{
		source:   source,
		emitter:  emitter,
		interval: time.Second,
		batch:    100,
		logger:   log.Default(),
	}
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *Relay) WithBatchSize(n int) *Relay {
	if n > 0 {
		r.batch = n
	}
	return r
}

func (r *Relay) WithLogger(logger *log.Logger) *Relay {
	if logger != nil {
		r.logger = logger
	}
	return r
}

// Run flushes on every tick until ctx is cancelled. Flush errors are logged
// and retried on the next tick.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.logger.Printf("outbox: flush: %v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Flush publishes pending events until the outbox is drained or an emit
// fails. Events emitted before a failure are still marked published.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		events, err := r.source.Pending(ctx, r.batch)
		if err != nil {
			return total, fmt.Errorf("load pending: %w", err)
		}
		if len(events) == 0 {
			return total, nil
		}

		published := make([]string, 0, len(events))
		var emitErr error
		for _, evt := range events {
			if err := r.emitter.Emit(ctx, evt); err != nil {
				emitErr = fmt.Errorf("emit %s %s: %w", evt.Kind, evt.ID, err)
				break
			}
			published = append(published, evt.ID)
		}
		if err := r.source.MarkPublished(ctx, published); err != nil {
			return total, fmt.Errorf("mark published: %w", err)
		}
		total += len(published)
		if emitErr != nil {
			return total, emitErr
		}
		if len(events) < r.batch {
			return total, nil
		}
	}
}
