package billing

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/cataloghq/billing/pkg/plan"
	"github.com/cataloghq/billing/pkg/subscription"
	"github.com/cataloghq/billing/pkg/webhook"
)

// RouterOptions carries the collaborators mounted by the billing module.
// Service, Recovery, Catalog and Processor are required; Logger defaults to
// slog.Default.
type RouterOptions struct {
	Service   *subscription.Service
	Recovery  *subscription.Recovery
	Catalog   *plan.Catalog
	Processor *webhook.Processor
	Logger    *slog.Logger

	// SignatureHeader is the header the provider sends its signature in
	// (Stripe-Signature, Paddle-Signature, X-Webhook-Signature for dev).
	SignatureHeader string
}

// Router mounts the billing API. The caller mounts it under /api/subscription.
//
//	r := chi.NewRouter()
//	r.Mount("/api/subscription", billing.Router(billing.RouterOptions{...}))
func Router(opts RouterOptions) chi.Router {
	if opts.Service == nil {
		panic("billing: subscription service is required")
	}
	if opts.Recovery == nil {
		panic("billing: recovery manager is required")
	}
	if opts.Catalog == nil {
		panic("billing: plan catalog is required")
	}
	if opts.Processor == nil {
		panic("billing: webhook processor is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SignatureHeader == "" {
		opts.SignatureHeader = "Stripe-Signature"
	}

	h := &handler{
		svc:       opts.Service,
		recovery:  opts.Recovery,
		catalog:   opts.Catalog,
		processor: opts.Processor,
		log:       opts.Logger,
		sigHeader: opts.SignatureHeader,
	}

	r := chi.NewRouter()
	r.Post("/webhook", h.handleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(requireAccount)
		r.Post("/create", h.handleCreate)
		r.Post("/cancel", h.handleCancel)
		r.Post("/reactivate", h.handleReactivate)
		r.Post("/retry", h.handleRetry)
		r.Post("/new-after-failure", h.handleNewAfterFailure)
		r.Get("/status", h.handleStatus)
		r.Get("/trial-eligibility", h.handleTrialEligibility)
		r.Get("/incomplete", h.handleIncomplete)
	})

	r.Get("/plans", h.handlePlans)
	return r
}
