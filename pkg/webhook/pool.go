package webhook

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Reprocessor periodically sweeps events that were received but released
// after a transient failure and runs them through the pipeline again. It is
// the local safety net under the provider's own redelivery: even if the
// provider gives up, a recorded event is eventually applied.
type Reprocessor struct {
	processor *Processor
	store     EventStore
	interval  time.Duration
	minAge    time.Duration
	batch     int
	workers   int
	log       *slog.Logger
}

// NewReprocessor creates the redelivery sweep. interval is how often to
// scan; events younger than minAge are left for the provider's own retry.
func NewReprocessor(processor *Processor, store EventStore, interval time.Duration, log *slog.Logger) *Reprocessor {
	if processor == nil {
		panic("webhook: processor is required")
	}
	if store == nil {
		panic("webhook: event store is required")
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reprocessor{
		processor: processor,
		store:     store,
		interval:  interval,
		minAge:    time.Minute,
		batch:     100,
		workers:   4,
		log:       log,
	}
}

// Run sweeps on the interval until the context is canceled. The first sweep
// runs immediately so events stranded across a restart are picked up at
// startup.
func (r *Reprocessor) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep reprocesses one batch of stranded events across the worker pool.
func (r *Reprocessor) Sweep(ctx context.Context) {
	events, err := r.store.ListUnprocessed(ctx, time.Now().UTC().Add(-r.minAge), r.batch)
	if err != nil {
		r.log.ErrorContext(ctx, "failed to list unprocessed webhook events", "error", err)
		return
	}
	if len(events) == 0 {
		return
	}
	r.log.InfoContext(ctx, "reprocessing stranded webhook events", "count", len(events))

	jobs := make(chan Event)
	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range jobs {
				if _, err := r.processor.ProcessEvent(ctx, ev.providerEvent()); err != nil {
					r.log.WarnContext(ctx, "webhook reprocessing failed",
						"event_id", ev.ExternalID, "error", err)
				}
			}
		}()
	}
	for _, ev := range events {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case jobs <- ev:
		}
	}
	close(jobs)
	wg.Wait()
}
