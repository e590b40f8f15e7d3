package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/credit-ledger/internal/models"
	"github.com/PortNumber53/credit-ledger/internal/stripe"
)

// HandleEvent routes an authenticated event to its handler, records the
// delivery and clears cached entitlements for the affected account. Each
// event is handled independently; an error here never affects another
// delivery.
func (s *Service) HandleEvent(ctx context.Context, evt stripe.Event) (Result, error) {
	res, err := s.dispatch(ctx, evt)

	rec := models.WebhookEventRecord{
		EventID:   evt.ID,
		Type:      evt.Type,
		AccountID: res.AccountID,
		Outcome:   res.Outcome,
	}
	switch {
	case err != nil && (errors.Is(err, ErrValidation) || errors.Is(err, ErrDerivation)):
		rec.Outcome = models.OutcomeRejected
		rec.Error = err.Error()
	case err != nil:
		rec.Outcome = models.OutcomeFailed
		rec.Error = err.Error()
	case res.Reason != "":
		rec.Error = res.Reason
	}
	if logErr := s.store.RecordWebhookEvent(ctx, rec); logErr != nil {
		s.logger.Warn().Err(logErr).Str("event_id", evt.ID).Msg("failed to record webhook delivery")
	}

	level := zerolog.InfoLevel
	if err != nil {
		level = zerolog.ErrorLevel
	}
	s.logger.WithLevel(level).
		Err(err).
		Str("event_id", evt.ID).
		Str("type", evt.Type).
		Str("account_id", res.AccountID).
		Str("outcome", string(rec.Outcome)).
		Str("reason", res.Reason).
		Msg("webhook handled")

	if err == nil && res.Outcome == models.OutcomeApplied {
		s.invalidate(ctx, res.AccountID)
	}
	return res, err
}

func (s *Service) dispatch(ctx context.Context, evt stripe.Event) (Result, error) {
	switch evt.Type {
	case stripe.EventCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, evt)
	case stripe.EventSubscriptionCreated:
		return s.handleSubscriptionCreated(ctx, evt)
	case stripe.EventSubscriptionUpdated:
		return s.handleSubscriptionUpdated(ctx, evt)
	case stripe.EventSubscriptionDeleted:
		return s.handleSubscriptionDeleted(ctx, evt)
	case stripe.EventSubscriptionPaused:
		return s.handleSubscriptionPaused(ctx, evt)
	case stripe.EventSubscriptionResumed:
		return s.handleSubscriptionResumed(ctx, evt)
	case stripe.EventInvoicePaymentFailed:
		return s.handleInvoicePaymentFailed(ctx, evt)
	case stripe.EventInvoicePaymentSucceeded:
		return s.handleInvoicePaymentSucceeded(ctx, evt)
	default:
		return ignored("", "unhandled event type"), nil
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, evt stripe.Event) (Result, error) {
	cs := evt.Checkout
	if cs == nil {
		return Result{}, fmt.Errorf("%w: checkout event without session", ErrValidation)
	}
	switch cs.Mode {
	case "payment":
		return s.applyCreditPurchase(ctx, cs)
	case "subscription":
		return s.activateFromCheckout(ctx, cs)
	default:
		return ignored("", fmt.Sprintf("checkout mode %q", cs.Mode)), nil
	}
}

func (s *Service) eventLogger(evt stripe.Event) zerolog.Logger {
	return s.logger.With().Str("event_id", evt.ID).Str("type", evt.Type).Logger()
}
