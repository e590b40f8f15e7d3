package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/PortNumber53/credit-ledger/internal/billing"
	"github.com/PortNumber53/credit-ledger/internal/stripe"
)

const maxWebhookBody = 1 << 20

// EventHandler applies a verified processor event.
type EventHandler interface {
	HandleEvent(ctx context.Context, evt stripe.Event) (billing.Result, error)
}

// StripeHandler authenticates and applies processor webhooks.
type StripeHandler struct {
	Events        EventHandler
	WebhookSecret string
}

// NewStripeHandler creates a new StripeHandler.
func NewStripeHandler(events EventHandler, webhookSecret string) *StripeHandler {
	return &StripeHandler{
		Events:        events,
		WebhookSecret: webhookSecret,
	}
}

// RegisterRoutes registers the public webhook route.
func (h *StripeHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/webhooks/stripe", h.HandleWebhook())
}

// HandleWebhook verifies the signature over the raw body before anything is
// parsed. Authentication and validation failures are 4xx; internal failures
// are 5xx so the processor redelivers.
func (h *StripeHandler) HandleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger(r)

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}

		evt, err := stripe.VerifyAndNormalize(body, r.Header.Get(stripe.SignatureHeader), h.WebhookSecret)
		switch {
		case errors.Is(err, stripe.ErrSignature):
			log.Warn().Err(err).Msg("webhook signature rejected")
			writeError(w, http.StatusBadRequest, "invalid signature")
			return
		case errors.Is(err, stripe.ErrMalformedPayload):
			log.Warn().Err(err).Msg("webhook payload malformed")
			writeError(w, http.StatusUnprocessableEntity, "malformed event")
			return
		case err != nil:
			log.Warn().Err(err).Msg("webhook payload rejected")
			writeError(w, http.StatusBadRequest, "invalid webhook payload")
			return
		}

		res, err := h.Events.HandleEvent(r.Context(), evt)
		switch {
		case errors.Is(err, billing.ErrValidation), errors.Is(err, billing.ErrDerivation):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		case err != nil:
			writeError(w, http.StatusInternalServerError, "failed to process event")
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"outcome": string(res.Outcome),
		})
	}
}
