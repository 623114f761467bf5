package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// PaddleConfig holds configuration for the Paddle billing provider.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY,required"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddleProvider implements BillingProvider for Paddle. Paddle opens
// subscriptions through hosted checkout rather than a direct API call, so
// CreateSubscription returns the checkout transaction; the durable
// subscription ID arrives via the subscription webhook once the customer
// completes checkout.
type PaddleProvider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
	config   PaddleConfig
}

// NewPaddleProvider creates a Paddle billing provider.
func NewPaddleProvider(cfg PaddleConfig) (*PaddleProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("paddle API key is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("paddle webhook secret is required")
	}

	var sdk *paddle.SDK
	var err error
	switch strings.ToLower(cfg.Environment) {
	case "sandbox":
		sdk, err = paddle.NewSandbox(cfg.APIKey)
	case "production", "":
		sdk, err = paddle.New(cfg.APIKey)
	default:
		return nil, fmt.Errorf("invalid paddle environment: %s", cfg.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleProvider{
		client:   sdk,
		verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret),
		config:   cfg,
	}, nil
}

func (p *PaddleProvider) CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*ProviderSubscription, error) {
	if req.PriceID == "" {
		return nil, errors.New("price ID is required")
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.PriceID,
		Quantity: 1,
	})
	txReq := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			"account_id": req.AccountID,
			"with_trial": fmt.Sprintf("%t", req.WithTrial),
		},
	}
	if req.Email != "" {
		txReq.CustomData["email"] = req.Email
	}

	tx, err := p.client.TransactionsClient.CreateTransaction(ctx, txReq)
	if err != nil {
		return nil, fmt.Errorf("%w: paddle create transaction: %v", ErrProcessorUnavailable, err)
	}

	now := time.Now().UTC()
	return &ProviderSubscription{
		ID:                 tx.ID,
		CustomerID:         req.AccountID,
		Status:             string(tx.Status),
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now,
	}, nil
}

func (p *PaddleProvider) CancelSubscription(ctx context.Context, providerSubID string, immediate bool) error {
	effective := paddle.EffectiveFromNextBillingPeriod
	if immediate {
		effective = paddle.EffectiveFromImmediately
	}
	_, err := p.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: providerSubID,
		EffectiveFrom:  paddle.PtrTo(effective),
	})
	if err != nil {
		return fmt.Errorf("%w: paddle cancel: %v", ErrProcessorUnavailable, err)
	}
	return nil
}

func (p *PaddleProvider) ResumeSubscription(ctx context.Context, providerSubID string) error {
	// Clearing the scheduled change undoes an at-period-end cancellation.
	_, err := p.client.SubscriptionsClient.UpdateSubscription(ctx, &paddle.UpdateSubscriptionRequest{
		SubscriptionID:  providerSubID,
		ScheduledChange: nil,
	})
	if err != nil {
		return fmt.Errorf("%w: paddle resume: %v", ErrProcessorUnavailable, err)
	}
	return nil
}

func (p *PaddleProvider) ChangePlan(ctx context.Context, providerSubID, priceID string) error {
	_, err := p.client.SubscriptionsClient.UpdateSubscription(ctx, &paddle.UpdateSubscriptionRequest{
		SubscriptionID: providerSubID,
		Items: paddle.NewPatchField([]paddle.UpdateSubscriptionItems{
			*paddle.NewUpdateSubscriptionItemsSubscriptionUpdateItemFromCatalog(&paddle.SubscriptionUpdateItemFromCatalog{
				PriceID:  priceID,
				Quantity: 1,
			}),
		}),
		ProrationBillingMode: paddle.NewPatchField(paddle.ProrationBillingModeProratedImmediately),
	})
	if err != nil {
		return fmt.Errorf("%w: paddle change plan: %v", ErrProcessorUnavailable, err)
	}
	return nil
}

// RetryPayment has no direct Paddle API; collection retries are managed by
// Paddle's own dunning. The customer-facing path is updating the payment
// method, so the retry always reports that requirement.
func (p *PaddleProvider) RetryPayment(ctx context.Context, providerSubID string) error {
	return fmt.Errorf("%w: paddle retries payment through its dunning schedule", ErrPaymentUpdateRequired)
}

// ParseWebhook verifies the Paddle-Signature header and normalizes the
// event into the lifecycle vocabulary.
func (p *PaddleProvider) ParseWebhook(payload []byte, signature string) (*ProviderEvent, error) {
	req, err := http.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for verification: %w", err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, fmt.Errorf("paddle webhook verification error: %w", err)
	}
	if !valid {
		return nil, errors.New("paddle webhook signature verification failed")
	}

	var ev struct {
		EventID    string         `json:"event_id"`
		EventType  string         `json:"event_type"`
		OccurredAt time.Time      `json:"occurred_at"`
		Data       map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse paddle webhook payload: %w", err)
	}

	out := &ProviderEvent{
		ExternalID:    ev.EventID,
		Provider:      "paddle",
		ProviderEvent: ev.EventType,
		OccurredAt:    ev.OccurredAt.UTC(),
		Raw:           payload,
	}

	// Transaction events carry the checkout transaction as data.id;
	// subscription events reference it as data.transaction_id. Either way
	// the link lets ApplyEvent resolve rows that still hold the checkout
	// transaction from CreateSubscription.
	switch ev.EventType {
	case "transaction.completed", "transaction.payment_succeeded":
		out.Type = EventInvoicePaid
		out.SubscriptionID = paddleString(ev.Data, "subscription_id")
		out.TransactionID = paddleString(ev.Data, "id")
	case "transaction.payment_failed":
		out.Type = EventInvoicePaymentFailed
		out.SubscriptionID = paddleString(ev.Data, "subscription_id")
		out.TransactionID = paddleString(ev.Data, "id")
		out.FailureReason = "payment failed"
	case "subscription.trialing":
		out.Type = EventSubscriptionUpdated
		out.SubscriptionID = paddleString(ev.Data, "id")
		out.TransactionID = paddleString(ev.Data, "transaction_id")
	case "subscription.canceled":
		out.Type = EventSubscriptionDeleted
		out.SubscriptionID = paddleString(ev.Data, "id")
		out.TransactionID = paddleString(ev.Data, "transaction_id")
	case "subscription.past_due":
		out.Type = EventInvoicePaymentFailed
		out.SubscriptionID = paddleString(ev.Data, "id")
		out.TransactionID = paddleString(ev.Data, "transaction_id")
		out.FailureReason = "payment failed"
	default:
		out.Type = EventType(ev.EventType)
		out.SubscriptionID = paddleString(ev.Data, "subscription_id")
		out.TransactionID = paddleString(ev.Data, "transaction_id")
		if out.SubscriptionID == "" {
			out.SubscriptionID = paddleString(ev.Data, "id")
		}
	}

	return out, nil
}

func paddleString(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}
