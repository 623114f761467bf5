package subscription

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Sweep promotes subscriptions whose grace window elapsed while payment kept
// failing: past_due -> unpaid, then unpaid -> incomplete_expired. Each row
// moves through the same conditional write as every other transition, so a
// concurrently arriving invoice_paid webhook safely wins the race.
func (s *Service) Sweep(ctx context.Context) error {
	now := s.now()

	// Snapshot unpaid rows before promoting past_due ones, so a freshly
	// promoted subscription spends at least one sweep interval in unpaid
	// before it is finalized.
	unpaid, err := s.store.ListUnpaid(ctx)
	if err != nil {
		return err
	}

	lapsed, err := s.store.ListPastDueBefore(ctx, now)
	if err != nil {
		return err
	}
	for i := range lapsed {
		s.sweepOne(ctx, &lapsed[i], TriggerGraceElapsed)
	}

	for i := range unpaid {
		s.sweepOne(ctx, &unpaid[i], TriggerExpired)
	}
	return nil
}

func (s *Service) sweepOne(ctx context.Context, sub *Subscription, trigger Trigger) {
	from := sub.Status
	data := &transitionData{sub: sub, now: s.now(), graceWindow: s.graceWindow}
	if err := s.resolve(ctx, sub, trigger, data); err != nil {
		return // guard refused (e.g. deadline not actually elapsed), skip
	}
	sub.UpdatedAt = s.now()
	if err := s.store.UpdateFrom(ctx, sub, from); err != nil {
		if !errors.Is(err, ErrConflict) {
			s.log.ErrorContext(ctx, "sweep update failed",
				"subscription_id", sub.ID, "error", err)
		}
		return // lost to a webhook, next sweep re-evaluates
	}
	s.log.InfoContext(ctx, "subscription swept",
		"subscription_id", sub.ID, "from", from, "to", sub.Status)

	// Sweeper promotions have no webhook behind them, so the suspension
	// email is announced here. Best effort, same as the processor's side
	// effects.
	if s.notifier != nil {
		res := &ApplyResult{Sub: sub, From: from, To: sub.Status, Applied: true}
		if err := s.notifier.NotifyTransition(ctx, res, nil); err != nil {
			s.log.WarnContext(ctx, "sweep notification failed",
				"subscription_id", sub.ID, "error", err)
		}
	}
}

// Sweeper runs Sweep on a fixed interval until the context is canceled.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	log      *slog.Logger
}

// NewSweeper creates a grace-window sweeper. Interval defaults to one hour.
func NewSweeper(svc *Service, interval time.Duration, log *slog.Logger) *Sweeper {
	if svc == nil {
		panic("subscription: service is required")
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{svc: svc, interval: interval, log: log}
}

// Run blocks until ctx is canceled, sweeping once per interval.
func (w *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.InfoContext(ctx, "grace sweeper started", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.log.InfoContext(ctx, "grace sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := w.svc.Sweep(ctx); err != nil {
				w.log.ErrorContext(ctx, "sweep pass failed", "error", err)
			}
		}
	}
}
