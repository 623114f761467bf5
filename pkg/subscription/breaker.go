package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerProvider wraps a BillingProvider with a circuit breaker so a
// struggling processor degrades into fast ErrProcessorUnavailable rejections
// instead of piling up blocked commands. Webhook parsing is local signature
// work and bypasses the breaker.
type BreakerProvider struct {
	inner   BillingProvider
	breaker *gobreaker.CircuitBreaker[any]
}

// NewBreakerProvider wraps the given provider. The breaker opens after five
// consecutive failures and probes again after 30 seconds.
func NewBreakerProvider(inner BillingProvider, name string) *BreakerProvider {
	if inner == nil {
		panic("subscription: billing provider is required")
	}
	return &BreakerProvider{
		inner: inner,
		breaker: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:    name,
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				// Only transport-level failures count against the breaker;
				// domain rejections mean the processor is perfectly healthy.
				return err == nil || !errors.Is(err, ErrProcessorUnavailable)
			},
		}),
	}
}

func (b *BreakerProvider) execute(fn func() error) error {
	_, err := b.breaker.Execute(func() (any, error) { return nil, fn() })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit breaker open", ErrProcessorUnavailable)
	}
	return err
}

func (b *BreakerProvider) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*ProviderSubscription, error) {
	var out *ProviderSubscription
	err := b.execute(func() error {
		var err error
		out, err = b.inner.CreateSubscription(ctx, req)
		return err
	})
	return out, err
}

func (b *BreakerProvider) CancelSubscription(ctx context.Context, providerSubID string, immediate bool) error {
	return b.execute(func() error {
		return b.inner.CancelSubscription(ctx, providerSubID, immediate)
	})
}

func (b *BreakerProvider) ResumeSubscription(ctx context.Context, providerSubID string) error {
	return b.execute(func() error {
		return b.inner.ResumeSubscription(ctx, providerSubID)
	})
}

func (b *BreakerProvider) ChangePlan(ctx context.Context, providerSubID, priceID string) error {
	return b.execute(func() error {
		return b.inner.ChangePlan(ctx, providerSubID, priceID)
	})
}

func (b *BreakerProvider) RetryPayment(ctx context.Context, providerSubID string) error {
	return b.execute(func() error {
		return b.inner.RetryPayment(ctx, providerSubID)
	})
}

func (b *BreakerProvider) ParseWebhook(payload []byte, signature string) (*ProviderEvent, error) {
	return b.inner.ParseWebhook(payload, signature)
}
