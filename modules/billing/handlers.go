package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/cataloghq/billing/pkg/plan"
	"github.com/cataloghq/billing/pkg/subscription"
	"github.com/cataloghq/billing/pkg/webhook"
)

// accountHeader identifies the caller. Authentication happens upstream; the
// gateway injects the verified account ID here.
const accountHeader = "X-Account-ID"

const maxWebhookBody = 1 << 20 // 1 MiB, generous for any provider payload

type accountIDKey struct{}

// requireAccount rejects requests without a parseable account identity.
func requireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get(accountHeader))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "missing or invalid account identity")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountIDKey{}, id)))
	})
}

func accountID(r *http.Request) uuid.UUID {
	id, _ := r.Context().Value(accountIDKey{}).(uuid.UUID)
	return id
}

type handler struct {
	svc       *subscription.Service
	recovery  *subscription.Recovery
	catalog   *plan.Catalog
	processor *webhook.Processor
	log       *slog.Logger
	sigHeader string
}

// --- webhook ---

func (h *handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read payload")
		return
	}

	res, err := h.processor.Process(r.Context(), payload, r.Header.Get(h.sigHeader))
	if err != nil {
		if errors.Is(err, webhook.ErrInvalidPayload) {
			writeError(w, http.StatusBadRequest, "invalid payload or signature")
			return
		}
		// Transient: the claim was released, answer 5xx so the provider
		// redelivers.
		h.log.ErrorContext(r.Context(), "webhook processing failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unable to process event")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"received":  true,
		"duplicate": res.Duplicate,
	})
}

// --- commands ---

type createRequest struct {
	PlanID    string `json:"plan_id"`
	WithTrial bool   `json:"with_trial"`
}

func (h *handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !decode(w, r, &req) {
		return
	}
	sub, err := h.svc.Create(r.Context(), accountID(r), req.PlanID, req.WithTrial)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, subscriptionResponse(sub))
}

type cancelRequest struct {
	Immediate bool `json:"immediate"`
}

func (h *handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if !decode(w, r, &req) {
		return
	}
	sub, err := h.svc.Cancel(r.Context(), accountID(r), req.Immediate)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse(sub))
}

func (h *handler) handleReactivate(w http.ResponseWriter, r *http.Request) {
	sub, err := h.svc.Reactivate(r.Context(), accountID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse(sub))
}

type retryRequest struct {
	SubscriptionID uuid.UUID `json:"subscription_id"`
}

func (h *handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.recovery.Retry(r.Context(), req.SubscriptionID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subscription_id":         res.SubscriptionID,
		"requested":               res.Requested,
		"payment_update_required": res.PaymentUpdateRequired,
	})
}

type newAfterFailureRequest struct {
	PlanID string `json:"plan_id"`
}

func (h *handler) handleNewAfterFailure(w http.ResponseWriter, r *http.Request) {
	var req newAfterFailureRequest
	if !decode(w, r, &req) {
		return
	}
	sub, err := h.recovery.CreateNewAfterFailure(r.Context(), accountID(r), req.PlanID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, subscriptionResponse(sub))
}

// --- reads ---

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	sub, err := h.svc.Status(r.Context(), accountID(r))
	if err != nil {
		if errors.Is(err, subscription.ErrSubscriptionNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "none"})
			return
		}
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, subscriptionResponse(sub))
}

func (h *handler) handleTrialEligibility(w http.ResponseWriter, r *http.Request) {
	planID := r.URL.Query().Get("plan_id")
	if planID == "" {
		planID = r.URL.Query().Get("plan")
	}
	elig, err := h.svc.CheckEligibility(r.Context(), accountID(r), planID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"eligible": elig.Eligible,
		"reason":   elig.Reason,
	})
}

func (h *handler) handleIncomplete(w http.ResponseWriter, r *http.Request) {
	subs, err := h.recovery.ListIncomplete(r.Context(), accountID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(subs))
	for i := range subs {
		out = append(out, subscriptionResponse(&subs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": out})
}

func (h *handler) handlePlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"plans": h.catalog.ListPlans()})
}

// --- responses ---

func subscriptionResponse(sub *subscription.Subscription) map[string]any {
	out := map[string]any{
		"id":                   sub.ID,
		"plan_id":              sub.PlanID,
		"status":               sub.Status,
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
		"trial_used":           sub.TrialUsed,
	}
	if !sub.CurrentPeriodStart.IsZero() {
		out["current_period_start"] = sub.CurrentPeriodStart.Format(time.RFC3339)
		out["current_period_end"] = sub.CurrentPeriodEnd.Format(time.RFC3339)
	}
	if sub.TrialEndsAt != nil {
		out["trial_ends_at"] = sub.TrialEndsAt.Format(time.RFC3339)
	}
	if sub.LastFailureReason != nil {
		out["last_failure_reason"] = *sub.LastFailureReason
	}
	if sub.GraceDeadline != nil {
		out["grace_deadline"] = sub.GraceDeadline.Format(time.RFC3339)
	}
	return out
}

// writeDomainError maps domain rejections to HTTP statuses. Rejected
// transitions and eligibility refusals always carry a usable message.
func (h *handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var invalid *subscription.InvalidTransitionError
	var notEligible *subscription.NotEligibleError

	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": invalid.Reason,
			"state": invalid.From,
		})
	case errors.As(err, &notEligible):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "not eligible for a trial",
			"reason": notEligible.Reason,
		})
	case errors.Is(err, subscription.ErrConflict):
		writeError(w, http.StatusConflict, "subscription changed concurrently, reload and retry")
	case errors.Is(err, plan.ErrPlanNotFound):
		writeError(w, http.StatusNotFound, "unknown plan")
	case errors.Is(err, subscription.ErrSubscriptionNotFound):
		writeError(w, http.StatusNotFound, "no subscription found")
	case errors.Is(err, subscription.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, subscription.ErrAlreadySubscribed):
		writeError(w, http.StatusConflict, "you already have a subscription")
	case errors.Is(err, subscription.ErrProcessorUnavailable):
		writeError(w, http.StatusServiceUnavailable, "payment processor is temporarily unavailable, try again")
	default:
		h.log.ErrorContext(r.Context(), "billing request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
