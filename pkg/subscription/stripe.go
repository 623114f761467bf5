package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

// StripeConfig holds configuration for the Stripe billing provider.
type StripeConfig struct {
	APIKey        string `env:"STRIPE_API_KEY,required"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET,required"`
}

// StripeProvider implements BillingProvider against the Stripe API. All
// calls are intents only: the resulting money facts come back through the
// webhook endpoint, never from the synchronous responses here.
type StripeProvider struct {
	client *client.API
	config StripeConfig
}

// NewStripeProvider creates a Stripe billing provider.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("stripe API key is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("stripe webhook secret is required")
	}

	sc := &client.API{}
	sc.Init(cfg.APIKey, nil)

	return &StripeProvider{client: sc, config: cfg}, nil
}

// CreateSubscription creates a customer and opens a subscription on the
// requested price. With allow_incomplete the subscription comes back in its
// provisional state and the first invoice settles asynchronously.
func (p *StripeProvider) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*ProviderSubscription, error) {
	if req.PriceID == "" {
		return nil, errors.New("price ID is required")
	}

	customerParams := &stripe.CustomerParams{
		Email: stripe.String(req.Email),
	}
	customerParams.Context = ctx
	customerParams.AddMetadata("account_id", req.AccountID)

	customer, err := p.client.Customers.New(customerParams)
	if err != nil {
		return nil, wrapStripeErr("create customer", err)
	}

	subParams := &stripe.SubscriptionParams{
		Customer: stripe.String(customer.ID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(req.PriceID)},
		},
		PaymentBehavior: stripe.String("allow_incomplete"),
	}
	subParams.Context = ctx
	subParams.AddMetadata("account_id", req.AccountID)
	if req.WithTrial && req.TrialDays > 0 {
		subParams.TrialPeriodDays = stripe.Int64(int64(req.TrialDays))
	}

	sub, err := p.client.Subscriptions.New(subParams)
	if err != nil {
		return nil, wrapStripeErr("create subscription", err)
	}

	out := &ProviderSubscription{
		ID:         sub.ID,
		CustomerID: customer.ID,
		Status:     string(sub.Status),
	}
	if len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		out.CurrentPeriodStart = time.Unix(item.CurrentPeriodStart, 0).UTC()
		out.CurrentPeriodEnd = time.Unix(item.CurrentPeriodEnd, 0).UTC()
	}
	return out, nil
}

func (p *StripeProvider) CancelSubscription(ctx context.Context, providerSubID string, immediate bool) error {
	if immediate {
		params := &stripe.SubscriptionCancelParams{}
		params.Context = ctx
		if _, err := p.client.Subscriptions.Cancel(providerSubID, params); err != nil {
			return wrapStripeErr("cancel subscription", err)
		}
		return nil
	}

	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	if _, err := p.client.Subscriptions.Update(providerSubID, params); err != nil {
		return wrapStripeErr("schedule cancellation", err)
	}
	return nil
}

func (p *StripeProvider) ResumeSubscription(ctx context.Context, providerSubID string) error {
	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(false)}
	params.Context = ctx
	if _, err := p.client.Subscriptions.Update(providerSubID, params); err != nil {
		return wrapStripeErr("resume subscription", err)
	}
	return nil
}

// ChangePlan swaps the subscription's single item to the new price. Stripe
// computes the proration; create_prorations keeps the default invoicing
// behavior.
func (p *StripeProvider) ChangePlan(ctx context.Context, providerSubID, priceID string) error {
	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx
	sub, err := p.client.Subscriptions.Get(providerSubID, getParams)
	if err != nil {
		return wrapStripeErr("load subscription", err)
	}
	if len(sub.Items.Data) == 0 {
		return fmt.Errorf("stripe subscription %s has no items", providerSubID)
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{
				ID:    stripe.String(sub.Items.Data[0].ID),
				Price: stripe.String(priceID),
			},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	params.Context = ctx
	if _, err := p.client.Subscriptions.Update(providerSubID, params); err != nil {
		return wrapStripeErr("change plan", err)
	}
	return nil
}

// RetryPayment pays the subscription's latest open invoice. A synchronous
// card decline still counts as a requested retry: the failure lands through
// the invoice.payment_failed webhook like any other.
func (p *StripeProvider) RetryPayment(ctx context.Context, providerSubID string) error {
	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx
	getParams.AddExpand("latest_invoice")
	getParams.AddExpand("default_payment_method")

	sub, err := p.client.Subscriptions.Get(providerSubID, getParams)
	if err != nil {
		return wrapStripeErr("load subscription", err)
	}
	if sub.DefaultPaymentMethod == nil {
		return fmt.Errorf("%w: subscription %s has no default payment method",
			ErrPaymentUpdateRequired, providerSubID)
	}
	if sub.LatestInvoice == nil {
		return fmt.Errorf("stripe subscription %s has no invoice to retry", providerSubID)
	}

	payParams := &stripe.InvoicePayParams{}
	payParams.Context = ctx
	if _, err := p.client.Invoices.Pay(sub.LatestInvoice.ID, payParams); err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			return nil // declined again; the webhook carries the verdict
		}
		return wrapStripeErr("pay invoice", err)
	}
	return nil
}

// ParseWebhook verifies the Stripe-Signature header and normalizes the
// event. Fields are read defensively from the raw object: Stripe's shapes
// vary across API versions and only a handful of fields matter here.
func (p *StripeProvider) ParseWebhook(payload []byte, signature string) (*ProviderEvent, error) {
	ev, err := stripewebhook.ConstructEvent(payload, signature, p.config.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("stripe webhook verification failed: %w", err)
	}

	var obj map[string]any
	if err := json.Unmarshal(ev.Data.Raw, &obj); err != nil {
		return nil, fmt.Errorf("failed to parse stripe event object: %w", err)
	}

	out := &ProviderEvent{
		ExternalID:    ev.ID,
		Provider:      "stripe",
		ProviderEvent: string(ev.Type),
		OccurredAt:    time.Unix(ev.Created, 0).UTC(),
		Raw:           payload,
	}

	switch ev.Type {
	case "invoice.paid", "invoice.payment_succeeded":
		out.Type = EventInvoicePaid
		out.SubscriptionID = stringField(obj, "subscription")
		if start, ok := intField(obj, "period_start"); ok {
			t := time.Unix(start, 0).UTC()
			out.PeriodStart = &t
		}
		if end, ok := intField(obj, "period_end"); ok {
			t := time.Unix(end, 0).UTC()
			out.PeriodEnd = &t
		}
	case "invoice.payment_failed":
		out.Type = EventInvoicePaymentFailed
		out.SubscriptionID = stringField(obj, "subscription")
		out.FailureReason = stripeFailureReason(obj)
	case "customer.subscription.trial_will_end":
		out.Type = EventTrialWillEnd
		out.SubscriptionID = stringField(obj, "id")
		out.HasPaymentMethod = obj["default_payment_method"] != nil
	case "customer.subscription.deleted":
		out.Type = EventSubscriptionDeleted
		out.SubscriptionID = stringField(obj, "id")
	case "customer.subscription.updated":
		out.Type = EventSubscriptionUpdated
		out.SubscriptionID = stringField(obj, "id")
	default:
		// Unmapped events stay informational; the processor records them as
		// processed without touching state.
		out.Type = EventType(ev.Type)
		out.SubscriptionID = stringField(obj, "subscription")
		if out.SubscriptionID == "" {
			out.SubscriptionID = stringField(obj, "id")
		}
	}

	return out, nil
}

func stringField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return v
	case map[string]any:
		// Expanded objects nest the ID.
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

func intField(obj map[string]any, key string) (int64, bool) {
	if v, ok := obj[key].(float64); ok {
		return int64(v), true
	}
	return 0, false
}

func stripeFailureReason(obj map[string]any) string {
	if e, ok := obj["last_finalization_error"].(map[string]any); ok {
		if msg, ok := e["message"].(string); ok && msg != "" {
			return msg
		}
	}
	if reason, ok := obj["billing_reason"].(string); ok && reason != "" {
		return "payment failed (" + reason + ")"
	}
	return "payment failed"
}

// wrapStripeErr classifies Stripe API failures: 5xx and connectivity issues
// are transient (retryable by the caller), everything else surfaces as-is.
func wrapStripeErr(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= 500 {
			return fmt.Errorf("%w: %s: %v", ErrProcessorUnavailable, op, err)
		}
		return fmt.Errorf("stripe: %s: %w", op, err)
	}
	// Non-API errors are network-level failures.
	return fmt.Errorf("%w: %s: %v", ErrProcessorUnavailable, op, err)
}
