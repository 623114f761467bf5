package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cataloghq/billing/pkg/email"
	"github.com/cataloghq/billing/pkg/subscription"
	"github.com/cataloghq/billing/pkg/webhook"
)

// DunningNotifier emails the customer when a lifecycle transition needs
// their attention: a failed payment opening the grace window, a trial about
// to end without a payment method, or the grace sweeper suspending the
// subscription. Implements both webhook.Notifier and subscription.Notifier;
// failures are swallowed by the callers, email never blocks processing.
type DunningNotifier struct {
	sender   email.EmailSender
	accounts subscription.AccountStore
	log      *slog.Logger
}

var (
	_ webhook.Notifier      = (*DunningNotifier)(nil)
	_ subscription.Notifier = (*DunningNotifier)(nil)
)

// NewDunningNotifier creates the notifier.
func NewDunningNotifier(sender email.EmailSender, accounts subscription.AccountStore, log *slog.Logger) *DunningNotifier {
	if sender == nil {
		panic("billing: email sender is required")
	}
	if accounts == nil {
		panic("billing: account store is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &DunningNotifier{sender: sender, accounts: accounts, log: log}
}

func (n *DunningNotifier) NotifyTransition(ctx context.Context, result *subscription.ApplyResult, e *subscription.ProviderEvent) error {
	if result.Sub == nil || result.To == result.From {
		return nil
	}

	var subject, body, tag string
	switch {
	// e is nil for sweeper-originated transitions.
	case result.To == subscription.StatusPastDue && e != nil && e.Type == subscription.EventTrialWillEnd:
		subject = "Your trial is ending - add a payment method"
		body = trialEndingBody(result.Sub)
		tag = "trial-ending"
	case result.To == subscription.StatusPastDue:
		subject = "Payment failed - action required"
		body = paymentFailedBody(result.Sub)
		tag = "payment-failed"
	case result.To == subscription.StatusUnpaid:
		subject = "Your subscription is suspended"
		body = suspendedBody(result.Sub)
		tag = "subscription-suspended"
	default:
		return nil
	}

	account, err := n.accounts.GetAccount(ctx, result.Sub.AccountID)
	if err != nil {
		return fmt.Errorf("dunning notification: %w", err)
	}

	if err := n.sender.SendEmail(ctx, email.SendEmailParams{
		SendTo:   account.Email,
		Subject:  subject,
		BodyHTML: body,
		Tag:      tag,
	}); err != nil {
		return fmt.Errorf("dunning notification: %w", err)
	}

	n.log.InfoContext(ctx, "dunning notification sent",
		"account_id", result.Sub.AccountID, "tag", tag, "to_state", result.To)
	return nil
}

func paymentFailedBody(sub *subscription.Subscription) string {
	deadline := "soon"
	if sub.GraceDeadline != nil {
		deadline = sub.GraceDeadline.Format("January 2, 2006")
	}
	return fmt.Sprintf(
		`<p>We could not collect payment for your subscription.</p>
<p>Please update your payment method before <strong>%s</strong> to keep your access. We will retry automatically in the meantime.</p>`,
		deadline,
	)
}

func trialEndingBody(sub *subscription.Subscription) string {
	return `<p>Your trial is ending and we have no payment method on file.</p>
<p>Add a payment method now to keep your subscription running without interruption.</p>`
}

func suspendedBody(sub *subscription.Subscription) string {
	return `<p>Your subscription has been suspended after repeated failed payment attempts.</p>
<p>You can restore access at any time by updating your payment method and starting a new subscription.</p>`
}
