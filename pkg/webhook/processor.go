package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cataloghq/billing/pkg/subscription"
)

// ErrInvalidPayload marks a delivery whose signature or body could not be
// verified. The handler answers 400; the processor will not redeliver a
// payload we reject as unauthentic.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// Parser verifies and normalizes a raw webhook delivery. Satisfied by every
// subscription.BillingProvider.
type Parser interface {
	ParseWebhook(payload []byte, signature string) (*subscription.ProviderEvent, error)
}

// Applier applies a normalized event to the subscription it references.
// Satisfied by subscription.Service.
type Applier interface {
	ApplyEvent(ctx context.Context, e *subscription.ProviderEvent) (*subscription.ApplyResult, error)
}

// Archiver stores the raw event document for audit. Failures are logged and
// never fail the delivery.
type Archiver interface {
	Archive(ctx context.Context, event *Event) error
}

// Notifier reacts to lifecycle transitions, e.g. sending a dunning email
// when a subscription enters past_due. Failures are logged and never fail
// the delivery.
type Notifier interface {
	NotifyTransition(ctx context.Context, result *subscription.ApplyResult, e *subscription.ProviderEvent) error
}

// DuplicateFilter is the advisory fast path in front of the durable event
// store. Implemented by SeenCache. The processor only marks an ID after the
// durable record exists, so a mark never outlives a failed insert.
type DuplicateFilter interface {
	Seen(ctx context.Context, externalID string) (bool, error)
	MarkSeen(ctx context.Context, externalID string) (alreadySeen bool, err error)
	Forget(ctx context.Context, externalID string) error
}

// Result reports what Process did with a delivery.
type Result struct {
	EventID   string
	Duplicate bool
	Discarded bool
	Apply     *subscription.ApplyResult
}

// Processor runs the webhook pipeline: verify, de-duplicate, claim, apply.
// Exactly one of two outcomes is acknowledged to the provider: nil (answer
// 200, the event is settled — applied, duplicate, or discarded) or an error
// (answer 5xx, the provider redelivers and the event stays claimable).
type Processor struct {
	parser  Parser
	applier Applier
	store   EventStore
	cache   DuplicateFilter
	archive Archiver
	notify  Notifier
	log     *slog.Logger
	now     func() time.Time
}

// ProcessorOption configures optional Processor collaborators.
type ProcessorOption func(*Processor)

// WithSeenCache adds the duplicate fast path, normally a Redis SeenCache.
func WithSeenCache(cache DuplicateFilter) ProcessorOption {
	return func(p *Processor) { p.cache = cache }
}

// WithArchiver enables raw payload archival.
func WithArchiver(a Archiver) ProcessorOption {
	return func(p *Processor) { p.archive = a }
}

// WithNotifier enables transition notifications.
func WithNotifier(n Notifier) ProcessorOption {
	return func(p *Processor) { p.notify = n }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if log != nil {
			p.log = log
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor creates the pipeline. Panics on missing required
// dependencies to fail fast during initialization.
func NewProcessor(parser Parser, applier Applier, store EventStore, opts ...ProcessorOption) *Processor {
	if parser == nil {
		panic("webhook: parser is required")
	}
	if applier == nil {
		panic("webhook: applier is required")
	}
	if store == nil {
		panic("webhook: event store is required")
	}

	p := &Processor{
		parser:  parser,
		applier: applier,
		store:   store,
		log:     slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one raw delivery from the HTTP handler.
func (p *Processor) Process(ctx context.Context, payload []byte, signature string) (*Result, error) {
	e, err := p.parser.ParseWebhook(payload, signature)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if e.ExternalID == "" {
		return nil, fmt.Errorf("%w: event without an ID", ErrInvalidPayload)
	}
	return p.ProcessEvent(ctx, e)
}

// ProcessEvent handles an already-verified event. Shared by Process and the
// redelivery pool.
func (p *Processor) ProcessEvent(ctx context.Context, e *subscription.ProviderEvent) (*Result, error) {
	res := &Result{EventID: e.ExternalID}

	// Advisory fast path. A mark is only ever written after the durable
	// record exists, so a hit plus a failed claim means the event is
	// settled; a hit plus a successful claim means a released event that
	// should be retried.
	if p.cache != nil {
		if seen, err := p.cache.Seen(ctx, e.ExternalID); err != nil {
			p.log.WarnContext(ctx, "webhook seen-cache unavailable, falling through",
				"event_id", e.ExternalID, "error", err)
		} else if seen {
			claimed, err := p.store.Claim(ctx, e.ExternalID)
			if err != nil {
				return nil, err
			}
			if !claimed {
				res.Duplicate = true
				return res, nil
			}
			return p.apply(ctx, e, res)
		}
	}

	if _, err := p.store.Insert(ctx, newEvent(e, p.now())); err != nil {
		return nil, err
	}
	if p.cache != nil {
		if _, err := p.cache.MarkSeen(ctx, e.ExternalID); err != nil {
			p.log.WarnContext(ctx, "failed to mark webhook seen-cache",
				"event_id", e.ExternalID, "error", err)
		}
	}
	claimed, err := p.store.Claim(ctx, e.ExternalID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		res.Duplicate = true
		return res, nil
	}

	return p.apply(ctx, e, res)
}

// apply runs the claimed event through the lifecycle service and the
// best-effort side effects. On transient failure the claim is released so
// redelivery can retry.
func (p *Processor) apply(ctx context.Context, e *subscription.ProviderEvent, res *Result) (*Result, error) {
	apply, err := p.applier.ApplyEvent(ctx, e)
	switch {
	case err == nil:
		res.Apply = apply
		res.Discarded = !apply.Applied

	case errors.Is(err, subscription.ErrUnknownSubscription),
		errors.Is(err, subscription.ErrStaleEvent):
		// The event is settled: it references nothing we own or contradicts
		// newer facts. Keep the claim so redeliveries no-op, answer 200.
		p.log.InfoContext(ctx, "webhook event discarded",
			"event_id", e.ExternalID, "type", e.Type, "reason", err)
		res.Discarded = true
		return res, nil

	default:
		if relErr := p.store.Release(ctx, e.ExternalID, err.Error()); relErr != nil {
			p.log.ErrorContext(ctx, "failed to release webhook claim",
				"event_id", e.ExternalID, "error", relErr)
		}
		if p.cache != nil {
			if cErr := p.cache.Forget(ctx, e.ExternalID); cErr != nil {
				p.log.WarnContext(ctx, "failed to clear webhook seen-cache",
					"event_id", e.ExternalID, "error", cErr)
			}
		}
		return nil, err
	}

	if p.archive != nil {
		if aErr := p.archive.Archive(ctx, newEvent(e, p.now())); aErr != nil {
			p.log.WarnContext(ctx, "webhook archive failed",
				"event_id", e.ExternalID, "error", aErr)
		}
	}
	if p.notify != nil && res.Apply != nil && res.Apply.Applied {
		if nErr := p.notify.NotifyTransition(ctx, res.Apply, e); nErr != nil {
			p.log.WarnContext(ctx, "webhook notification failed",
				"event_id", e.ExternalID, "error", nErr)
		}
	}
	return res, nil
}
