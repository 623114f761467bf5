package billing_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cataloghq/billing/modules/billing"
	"github.com/cataloghq/billing/pkg/plan"
	"github.com/cataloghq/billing/pkg/subscription"
	"github.com/cataloghq/billing/pkg/webhook"
)

type stubProvider struct {
	createErr error
}

func (p *stubProvider) CreateSubscription(_ context.Context, req subscription.CreateSubscriptionRequest) (*subscription.ProviderSubscription, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	now := time.Now().UTC()
	return &subscription.ProviderSubscription{
		ID:                 "sub_" + uuid.NewString(),
		CustomerID:         "cus_" + req.AccountID,
		Status:             "active",
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}, nil
}

func (p *stubProvider) CancelSubscription(context.Context, string, bool) error { return nil }
func (p *stubProvider) ResumeSubscription(context.Context, string) error       { return nil }
func (p *stubProvider) ChangePlan(context.Context, string, string) error       { return nil }
func (p *stubProvider) RetryPayment(context.Context, string) error             { return nil }
func (p *stubProvider) ParseWebhook(payload []byte, signature string) (*subscription.ProviderEvent, error) {
	return nil, nil
}

const devSecret = "test-secret"

type env struct {
	server  *httptest.Server
	store   *subscription.MemoryStore
	service *subscription.Service
	account uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()

	catalog, err := plan.NewCatalog(context.Background(), plan.NewStaticSource(
		plan.Plan{ID: "free", Name: "Gratuit", Interval: plan.IntervalNone, Public: true},
		plan.Plan{
			ID: "pro", Name: "Pro", Interval: plan.IntervalMonthly,
			Price: plan.Money{Amount: 1990, Currency: "EUR"}, TrialDays: 14,
			ProviderPriceID: "price_pro", Public: true,
		},
	))
	require.NoError(t, err)

	store := subscription.NewMemoryStore()
	svc := subscription.NewService(catalog, store, store, &stubProvider{})
	processor := webhook.NewProcessor(webhook.NewDevParser(devSecret), svc, webhook.NewMemoryEventStore())

	router := billing.Router(billing.RouterOptions{
		Service:         svc,
		Recovery:        subscription.NewRecovery(svc),
		Catalog:         catalog,
		Processor:       processor,
		SignatureHeader: "X-Webhook-Signature",
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	account := uuid.New()
	store.PutAccount(&subscription.Account{ID: account, Email: "c@example.com", CreatedAt: time.Now().UTC()})
	return &env{server: srv, store: store, service: svc, account: account}
}

func (e *env) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("X-Account-ID", e.account.String())
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.server.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestRouter_Commands(t *testing.T) {
	t.Parallel()

	t.Run("create and read status", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)

		resp, body := e.do(t, http.MethodPost, "/create", map[string]any{"plan_id": "pro", "with_trial": true})
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.Equal(t, "trialing", body["status"])
		assert.Equal(t, true, body["trial_used"])

		resp, body = e.do(t, http.MethodGet, "/status", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "trialing", body["status"])
	})

	t.Run("status without subscription", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		resp, body := e.do(t, http.MethodGet, "/status", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "none", body["status"])
	})

	t.Run("cancel and reactivate", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		_, _ = e.do(t, http.MethodPost, "/create", map[string]any{"plan_id": "pro"})

		resp, body := e.do(t, http.MethodPost, "/cancel", map[string]any{"immediate": false})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "canceled_scheduled", body["status"])

		resp, body = e.do(t, http.MethodPost, "/reactivate", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "active", body["status"])

		// Nothing left to reactivate: 409 with usable copy.
		resp, body = e.do(t, http.MethodPost, "/reactivate", nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		assert.NotEmpty(t, body["error"])
	})

	t.Run("trial eligibility endpoint", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)

		resp, body := e.do(t, http.MethodGet, "/trial-eligibility?plan_id=pro", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["eligible"])

		_, _ = e.do(t, http.MethodPost, "/create", map[string]any{"plan_id": "pro", "with_trial": true})

		resp, body = e.do(t, http.MethodGet, "/trial-eligibility?plan_id=pro", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, false, body["eligible"])
		assert.NotEmpty(t, body["reason"])
	})

	t.Run("ineligible trial create is 422 with reason", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		_, _ = e.do(t, http.MethodPost, "/create", map[string]any{"plan_id": "pro", "with_trial": true})
		_, _ = e.do(t, http.MethodPost, "/cancel", map[string]any{"immediate": true})

		resp, body := e.do(t, http.MethodPost, "/create", map[string]any{"plan_id": "pro", "with_trial": true})
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, string(subscription.ReasonAlreadyUsed), body["reason"])
	})

	t.Run("unknown plan is 404", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		resp, _ := e.do(t, http.MethodPost, "/create", map[string]any{"plan_id": "enterprise"})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("missing identity is 401", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		resp, err := e.server.Client().Post(e.server.URL+"/create", "application/json", bytes.NewBufferString(`{}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("plans endpoint needs no identity", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		resp, err := e.server.Client().Get(e.server.URL + "/plans")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Plans []plan.Plan `json:"plans"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		require.Len(t, body.Plans, 2)
		assert.Equal(t, "free", body.Plans[0].ID)
	})
}

func TestRouter_Webhook(t *testing.T) {
	t.Parallel()

	postEvent := func(t *testing.T, e *env, payload []byte) *http.Response {
		t.Helper()
		sig, err := webhook.SignPayload(devSecret, payload, time.Now())
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, e.server.URL+"/webhook", bytes.NewReader(payload))
		require.NoError(t, err)
		req.Header.Set("X-Webhook-Signature", sig)
		resp, err := e.server.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	t.Run("applies a payment failure and replays idempotently", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		_, created := e.do(t, http.MethodPost, "/create", map[string]any{"plan_id": "pro"})

		sub, err := e.service.Status(context.Background(), e.account)
		require.NoError(t, err)
		_ = created

		payload, err := json.Marshal(map[string]any{
			"id":              "evt_http_1",
			"type":            "invoice_payment_failed",
			"subscription_id": sub.ProviderSubID,
			"occurred_at":     time.Now().UTC().Format(time.RFC3339),
			"failure_reason":  "card_declined",
		})
		require.NoError(t, err)

		resp := postEvent(t, e, payload)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		current, err := e.service.Status(context.Background(), e.account)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusPastDue, current.Status)
		version := current.Version

		// Replay: still 200, no state change.
		resp = postEvent(t, e, payload)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		current, err = e.service.Status(context.Background(), e.account)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusPastDue, current.Status)
		assert.Equal(t, version, current.Version)
	})

	t.Run("unknown subscription reference still gets 200", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		payload, err := json.Marshal(map[string]any{
			"id":              "evt_http_2",
			"type":            "invoice_paid",
			"subscription_id": "sub_ghost",
			"occurred_at":     time.Now().UTC().Format(time.RFC3339),
		})
		require.NoError(t, err)
		resp := postEvent(t, e, payload)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("bad signature is 400", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		req, err := http.NewRequest(http.MethodPost, e.server.URL+"/webhook", bytes.NewBufferString(`{"id":"evt_x"}`))
		require.NoError(t, err)
		req.Header.Set("X-Webhook-Signature", "t=1,v1=bogus")
		resp, err := e.server.Client().Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestRouter_Recovery(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	_, _ = e.do(t, http.MethodPost, "/create", map[string]any{"plan_id": "pro"})
	sub, err := e.service.Status(context.Background(), e.account)
	require.NoError(t, err)

	// Push into past_due through the service directly.
	_, err = e.service.ApplyEvent(context.Background(), &subscription.ProviderEvent{
		ExternalID:     "evt_rec_1",
		Type:           subscription.EventInvoicePaymentFailed,
		SubscriptionID: sub.ProviderSubID,
		OccurredAt:     time.Now().UTC(),
		FailureReason:  "card_declined",
	})
	require.NoError(t, err)

	resp, body := e.do(t, http.MethodPost, "/retry", map[string]any{"subscription_id": sub.ID})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["requested"])
}
