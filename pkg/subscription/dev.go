package subscription

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"
)

// DevProvider is a BillingProvider for local development: every intent
// succeeds locally without talking to a processor. Lifecycle facts are then
// driven by hand through the dev webhook endpoint, which keeps the
// command/webhook split identical to production.
type DevProvider struct {
	seq atomic.Int64
}

// NewDevProvider creates the local provider.
func NewDevProvider() *DevProvider {
	return &DevProvider{}
}

func (p *DevProvider) CreateSubscription(_ context.Context, req CreateSubscriptionRequest) (*ProviderSubscription, error) {
	n := p.seq.Add(1)
	now := time.Now().UTC()
	return &ProviderSubscription{
		ID:                 "sub_dev_" + strconv.FormatInt(n, 10),
		CustomerID:         "cus_dev_" + req.AccountID,
		Status:             "active",
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}, nil
}

func (p *DevProvider) CancelSubscription(context.Context, string, bool) error { return nil }
func (p *DevProvider) ResumeSubscription(context.Context, string) error       { return nil }
func (p *DevProvider) ChangePlan(context.Context, string, string) error       { return nil }
func (p *DevProvider) RetryPayment(context.Context, string) error             { return nil }

// ParseWebhook is not implemented; dev deliveries go through the dev parser
// with its shared-secret signature scheme.
func (p *DevProvider) ParseWebhook([]byte, string) (*ProviderEvent, error) {
	return nil, errors.New("dev provider does not parse webhooks")
}
