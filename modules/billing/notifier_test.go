package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cataloghq/billing/modules/billing"
	"github.com/cataloghq/billing/pkg/email"
	"github.com/cataloghq/billing/pkg/subscription"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []email.SendEmailParams
}

func (s *recordingSender) SendEmail(_ context.Context, params email.SendEmailParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, params)
	return nil
}

func TestDunningNotifier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	setup := func(t *testing.T) (*billing.DunningNotifier, *recordingSender, *subscription.Subscription) {
		t.Helper()
		sender := &recordingSender{}
		accounts := subscription.NewMemoryStore()
		accID := uuid.New()
		accounts.PutAccount(&subscription.Account{ID: accID, Email: "customer@example.com"})
		sub := &subscription.Subscription{ID: uuid.New(), AccountID: accID, PlanID: "pro"}
		return billing.NewDunningNotifier(sender, accounts, nil), sender, sub
	}

	t.Run("payment failure email carries the grace deadline", func(t *testing.T) {
		t.Parallel()
		notifier, sender, sub := setup(t)
		deadline := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
		sub.GraceDeadline = &deadline

		err := notifier.NotifyTransition(ctx, &subscription.ApplyResult{
			Sub: sub, From: subscription.StatusActive, To: subscription.StatusPastDue, Applied: true,
		}, &subscription.ProviderEvent{Type: subscription.EventInvoicePaymentFailed})
		require.NoError(t, err)

		require.Len(t, sender.sent, 1)
		assert.Equal(t, "customer@example.com", sender.sent[0].SendTo)
		assert.Equal(t, "payment-failed", sender.sent[0].Tag)
		assert.Contains(t, sender.sent[0].BodyHTML, "August 15, 2026")
	})

	t.Run("trial ending email on trial_will_end", func(t *testing.T) {
		t.Parallel()
		notifier, sender, sub := setup(t)

		err := notifier.NotifyTransition(ctx, &subscription.ApplyResult{
			Sub: sub, From: subscription.StatusTrialing, To: subscription.StatusPastDue, Applied: true,
		}, &subscription.ProviderEvent{Type: subscription.EventTrialWillEnd})
		require.NoError(t, err)

		require.Len(t, sender.sent, 1)
		assert.Equal(t, "trial-ending", sender.sent[0].Tag)
	})

	t.Run("suspension email for sweeper promotions without an event", func(t *testing.T) {
		t.Parallel()
		notifier, sender, sub := setup(t)

		err := notifier.NotifyTransition(ctx, &subscription.ApplyResult{
			Sub: sub, From: subscription.StatusPastDue, To: subscription.StatusUnpaid, Applied: true,
		}, nil)
		require.NoError(t, err)

		require.Len(t, sender.sent, 1)
		assert.Equal(t, "subscription-suspended", sender.sent[0].Tag)
	})

	t.Run("no email when the state did not change", func(t *testing.T) {
		t.Parallel()
		notifier, sender, sub := setup(t)

		err := notifier.NotifyTransition(ctx, &subscription.ApplyResult{
			Sub: sub, From: subscription.StatusActive, To: subscription.StatusActive, Applied: true,
		}, &subscription.ProviderEvent{Type: subscription.EventInvoicePaid})
		require.NoError(t, err)
		assert.Empty(t, sender.sent)
	})

	t.Run("no email on recovery transitions", func(t *testing.T) {
		t.Parallel()
		notifier, sender, sub := setup(t)

		err := notifier.NotifyTransition(ctx, &subscription.ApplyResult{
			Sub: sub, From: subscription.StatusPastDue, To: subscription.StatusActive, Applied: true,
		}, &subscription.ProviderEvent{Type: subscription.EventInvoicePaid})
		require.NoError(t, err)
		assert.Empty(t, sender.sent)
	})
}
