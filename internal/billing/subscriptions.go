package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/PortNumber53/credit-ledger/internal/models"
	"github.com/PortNumber53/credit-ledger/internal/period"
	"github.com/PortNumber53/credit-ledger/internal/stripe"
)

const billingReasonCycle = "subscription_cycle"

// MapStatus translates a processor subscription status. Statuses the service
// does not model become StatusUnknown so they are reviewed rather than
// treated as paying.
func MapStatus(raw string) models.Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active":
		return models.StatusActive
	case "past_due", "unpaid":
		return models.StatusPastDue
	case "canceled", "cancelled", "incomplete_expired":
		return models.StatusCanceled
	case "paused":
		return models.StatusInactive
	default:
		return models.StatusUnknown
	}
}

// activation is the input to activate.
type activation struct {
	accountID      string
	customerID     string
	subscriptionID string
	// payload is the event's own copy of the subscription, used when the
	// processor no longer has it.
	payload  *stripe.Subscription
	tierHint models.Tier
}

// activate marks the subscription active with a freshly derived period end.
// The canonical object is preferred; a vanished or unreachable one degrades
// to the payload and then to the resolver defaults. A canonical object that
// is no longer active is applied as is instead.
func (s *Service) activate(ctx context.Context, a activation) (Result, error) {
	src := a.payload
	lookup := s.fetch(ctx, a.subscriptionID)
	switch lookup.Status {
	case stripe.LookupFound:
		src = lookup.Subscription
		if MapStatus(src.Status) != models.StatusActive {
			return s.applyCanonical(ctx, a, src)
		}
	case stripe.LookupFatal:
		return Result{AccountID: a.accountID}, fmt.Errorf("%w: %v", ErrProcessor, lookup.Err)
	default:
		s.logger.Warn().
			Err(lookup.Err).
			Str("account_id", a.accountID).
			Str("subscription_id", a.subscriptionID).
			Msg("canonical subscription unavailable; using payload data")
	}

	var input period.Input
	if src != nil {
		input = src.PeriodInput()
	}
	end, err := period.Resolve(input, s.now())
	if err != nil {
		return Result{AccountID: a.accountID}, fmt.Errorf("%w: %v", ErrDerivation, err)
	}

	named := a.tierHint
	if src != nil && src.Tier.Paid() {
		named = src.Tier
	}
	tier, err := s.activeTier(ctx, a.accountID, named)
	if err != nil {
		return Result{AccountID: a.accountID}, err
	}

	customerID := a.customerID
	if customerID == "" && src != nil {
		customerID = src.CustomerID
	}

	patch := models.SubscriptionPatch{
		AccountID:            a.accountID,
		Status:               ptr(models.StatusActive),
		Tier:                 tier,
		StripeSubscriptionID: ptr(a.subscriptionID),
		CurrentPeriodEnd:     &end,
		CancelAtPeriodEnd:    ptr(false),
	}
	if customerID != "" {
		patch.StripeCustomerID = ptr(customerID)
	}
	if src != nil && src.CurrentPeriodStart != nil && period.Valid(*src.CurrentPeriodStart) {
		patch.CurrentPeriodStart = src.CurrentPeriodStart
	}

	if err := s.store.UpdateSubscription(ctx, patch); err != nil {
		return Result{AccountID: a.accountID}, fmt.Errorf("billing: activate subscription: %w", err)
	}
	return applied(a.accountID), nil
}

func (s *Service) applyCanonical(ctx context.Context, a activation, src *stripe.Subscription) (Result, error) {
	stale, err := s.staleSubscription(ctx, a.accountID, a.subscriptionID)
	if err != nil || stale {
		return ignored(a.accountID, "stale subscription id"), err
	}
	sub := *src
	if sub.ID == "" {
		sub.ID = a.subscriptionID
	}
	if sub.CustomerID == "" {
		sub.CustomerID = a.customerID
	}
	return s.applyDerived(ctx, a.accountID, &sub)
}

func (s *Service) fetch(ctx context.Context, subscriptionID string) stripe.SubscriptionLookup {
	if s.processor == nil {
		return stripe.SubscriptionLookup{Status: stripe.LookupDegraded, Err: fmt.Errorf("billing: no processor client")}
	}
	return s.processor.FetchSubscription(ctx, subscriptionID)
}

func (s *Service) activateFromCheckout(ctx context.Context, cs *stripe.CheckoutSession) (Result, error) {
	if cs.CustomerID == "" || cs.SubscriptionID == "" {
		return Result{}, fmt.Errorf("%w: subscription checkout %s missing customer or subscription id", ErrValidation, cs.ID)
	}

	accountID := metadataAccount(cs.Metadata)
	if accountID == "" {
		accountID = cs.ClientReferenceID
	}
	if accountID == "" {
		var err error
		accountID, err = s.resolveAccount(ctx, nil, cs.SubscriptionID, cs.CustomerID)
		if err != nil {
			return Result{}, fmt.Errorf("billing: resolve account: %w", err)
		}
	}
	if accountID == "" {
		return Result{}, fmt.Errorf("%w: checkout session %s", ErrUnknownAccount, cs.ID)
	}

	return s.activate(ctx, activation{
		accountID:      accountID,
		customerID:     cs.CustomerID,
		subscriptionID: cs.SubscriptionID,
		tierHint:       stripe.TierFromMetadata(cs.Metadata),
	})
}

// subscriptionAccount validates a subscription event and resolves its
// account. An empty account id means the event should be ignored.
func (s *Service) subscriptionAccount(ctx context.Context, evt stripe.Event) (*stripe.Subscription, string, error) {
	sub := evt.Subscription
	if sub == nil || sub.ID == "" {
		return nil, "", fmt.Errorf("%w: %s without subscription id", ErrValidation, evt.Type)
	}
	accountID, err := s.resolveAccount(ctx, sub.Metadata, sub.ID, sub.CustomerID)
	if err != nil {
		return nil, "", fmt.Errorf("billing: resolve account: %w", err)
	}
	return sub, accountID, nil
}

func (s *Service) handleSubscriptionCreated(ctx context.Context, evt stripe.Event) (Result, error) {
	sub, accountID, err := s.subscriptionAccount(ctx, evt)
	if err != nil || accountID == "" {
		return ignored("", "no account for subscription"), err
	}

	if MapStatus(sub.Status) != models.StatusActive {
		if stale, err := s.staleSubscription(ctx, accountID, sub.ID); err != nil || stale {
			return ignored(accountID, "stale subscription id"), err
		}
		return s.applyDerived(ctx, accountID, sub)
	}
	if sub.CustomerID == "" {
		return Result{AccountID: accountID}, fmt.Errorf("%w: subscription %s missing customer id", ErrValidation, sub.ID)
	}
	return s.activate(ctx, activation{
		accountID:      accountID,
		customerID:     sub.CustomerID,
		subscriptionID: sub.ID,
		payload:        sub,
		tierHint:       sub.Tier,
	})
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, evt stripe.Event) (Result, error) {
	sub, accountID, err := s.subscriptionAccount(ctx, evt)
	if err != nil || accountID == "" {
		return ignored("", "no account for subscription"), err
	}
	if stale, err := s.staleSubscription(ctx, accountID, sub.ID); err != nil || stale {
		return ignored(accountID, "stale subscription id"), err
	}
	return s.applyDerived(ctx, accountID, sub)
}

// applyDerived re-derives the stored state from the payload alone. A
// scheduled cancellation keeps status active; only a processor-confirmed
// cancellation moves to canceled.
func (s *Service) applyDerived(ctx context.Context, accountID string, sub *stripe.Subscription) (Result, error) {
	status := MapStatus(sub.Status)
	if status == models.StatusCanceled {
		return s.cancel(ctx, accountID)
	}

	patch := models.SubscriptionPatch{
		AccountID:            accountID,
		Status:               &status,
		StripeSubscriptionID: ptr(sub.ID),
		CancelAtPeriodEnd:    ptr(sub.CancelAtPeriodEnd),
	}
	if sub.CustomerID != "" {
		patch.StripeCustomerID = ptr(sub.CustomerID)
	}
	if status == models.StatusActive {
		tier, err := s.activeTier(ctx, accountID, sub.Tier)
		if err != nil {
			return Result{AccountID: accountID}, err
		}
		patch.Tier = tier
	}
	if sub.CurrentPeriodEnd != nil && period.Valid(*sub.CurrentPeriodEnd) {
		patch.CurrentPeriodEnd = sub.CurrentPeriodEnd
	}
	if sub.CurrentPeriodStart != nil && period.Valid(*sub.CurrentPeriodStart) {
		patch.CurrentPeriodStart = sub.CurrentPeriodStart
	}

	if status == models.StatusUnknown {
		s.logger.Warn().
			Str("account_id", accountID).
			Str("subscription_id", sub.ID).
			Str("processor_status", sub.Status).
			Msg("unrecognized subscription status; flagged for manual review")
	}

	if err := s.store.UpdateSubscription(ctx, patch); err != nil {
		return Result{AccountID: accountID}, fmt.Errorf("billing: update subscription: %w", err)
	}
	return applied(accountID), nil
}

// activeTier picks the tier for an active subscription: the named one, else
// the stored paid tier (nil, left unchanged), else pro.
func (s *Service) activeTier(ctx context.Context, accountID string, named models.Tier) (*models.Tier, error) {
	if named.Paid() {
		return &named, nil
	}
	current, err := s.store.GetSubscription(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("billing: load subscription: %w", err)
	}
	if current != nil && current.Tier.Paid() {
		return nil, nil
	}
	return ptr(models.TierPro), nil
}

// cancel moves the account to canceled/free and drops the subscription id.
func (s *Service) cancel(ctx context.Context, accountID string) (Result, error) {
	patch := models.SubscriptionPatch{
		AccountID:            accountID,
		Status:               ptr(models.StatusCanceled),
		Tier:                 ptr(models.TierFree),
		StripeSubscriptionID: ptr(""),
		CancelAtPeriodEnd:    ptr(false),
	}
	if err := s.store.UpdateSubscription(ctx, patch); err != nil {
		return Result{AccountID: accountID}, fmt.Errorf("billing: cancel subscription: %w", err)
	}
	return applied(accountID), nil
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, evt stripe.Event) (Result, error) {
	sub, accountID, err := s.subscriptionAccount(ctx, evt)
	if err != nil || accountID == "" {
		return ignored("", "no account for subscription"), err
	}
	if stale, err := s.staleSubscription(ctx, accountID, sub.ID); err != nil || stale {
		return ignored(accountID, "stale subscription id"), err
	}
	return s.cancel(ctx, accountID)
}

func (s *Service) handleSubscriptionPaused(ctx context.Context, evt stripe.Event) (Result, error) {
	sub, accountID, err := s.subscriptionAccount(ctx, evt)
	if err != nil || accountID == "" {
		return ignored("", "no account for subscription"), err
	}
	if stale, err := s.staleSubscription(ctx, accountID, sub.ID); err != nil || stale {
		return ignored(accountID, "stale subscription id"), err
	}
	patch := models.SubscriptionPatch{
		AccountID: accountID,
		Status:    ptr(models.StatusInactive),
	}
	if err := s.store.UpdateSubscription(ctx, patch); err != nil {
		return Result{AccountID: accountID}, fmt.Errorf("billing: pause subscription: %w", err)
	}
	return applied(accountID), nil
}

func (s *Service) handleSubscriptionResumed(ctx context.Context, evt stripe.Event) (Result, error) {
	sub, accountID, err := s.subscriptionAccount(ctx, evt)
	if err != nil || accountID == "" {
		return ignored("", "no account for subscription"), err
	}
	if stale, err := s.staleSubscription(ctx, accountID, sub.ID); err != nil || stale {
		return ignored(accountID, "stale subscription id"), err
	}
	return s.activate(ctx, activation{
		accountID:      accountID,
		customerID:     sub.CustomerID,
		subscriptionID: sub.ID,
		payload:        sub,
		tierHint:       sub.Tier,
	})
}

func (s *Service) invoiceAccount(ctx context.Context, evt stripe.Event) (*stripe.Invoice, string, error) {
	inv := evt.Invoice
	if inv == nil {
		return nil, "", fmt.Errorf("%w: %s without invoice", ErrValidation, evt.Type)
	}
	accountID, err := s.resolveAccount(ctx, nil, inv.SubscriptionID, inv.CustomerID)
	if err != nil {
		return nil, "", fmt.Errorf("billing: resolve account: %w", err)
	}
	return inv, accountID, nil
}

func (s *Service) handleInvoicePaymentFailed(ctx context.Context, evt stripe.Event) (Result, error) {
	inv, accountID, err := s.invoiceAccount(ctx, evt)
	if err != nil || accountID == "" {
		return ignored("", "no account for invoice"), err
	}
	if stale, err := s.staleSubscription(ctx, accountID, inv.SubscriptionID); err != nil || stale {
		return ignored(accountID, "stale subscription id"), err
	}
	patch := models.SubscriptionPatch{
		AccountID: accountID,
		Status:    ptr(models.StatusPastDue),
	}
	if err := s.store.UpdateSubscription(ctx, patch); err != nil {
		return Result{AccountID: accountID}, fmt.Errorf("billing: mark past due: %w", err)
	}
	return applied(accountID), nil
}

// handleInvoicePaymentSucceeded refreshes the period end on renewal. Any
// lookup or derivation failure leaves the stored row untouched.
func (s *Service) handleInvoicePaymentSucceeded(ctx context.Context, evt stripe.Event) (Result, error) {
	inv, accountID, err := s.invoiceAccount(ctx, evt)
	if err != nil || accountID == "" {
		return ignored("", "no account for invoice"), err
	}
	if inv.BillingReason != billingReasonCycle {
		return ignored(accountID, fmt.Sprintf("billing reason %q", inv.BillingReason)), nil
	}
	if inv.SubscriptionID == "" {
		return Result{AccountID: accountID}, fmt.Errorf("%w: renewal invoice %s without subscription", ErrValidation, inv.ID)
	}
	if stale, err := s.staleSubscription(ctx, accountID, inv.SubscriptionID); err != nil || stale {
		return ignored(accountID, "stale subscription id"), err
	}

	log := s.eventLogger(evt)
	lookup := s.fetch(ctx, inv.SubscriptionID)
	if lookup.Status != stripe.LookupFound {
		log.Warn().Err(lookup.Err).Str("account_id", accountID).Msg("renewal lookup failed; period end unchanged")
		return ignored(accountID, "renewal lookup "+lookup.Status.String()), nil
	}

	end, err := period.Resolve(lookup.Subscription.PeriodInput(), s.now())
	if err != nil {
		log.Warn().Err(err).Str("account_id", accountID).Msg("renewal period end invalid; period end unchanged")
		return ignored(accountID, "renewal period end invalid"), nil
	}

	patch := models.SubscriptionPatch{
		AccountID:        accountID,
		CurrentPeriodEnd: &end,
	}
	if start := lookup.Subscription.CurrentPeriodStart; start != nil && period.Valid(*start) {
		patch.CurrentPeriodStart = start
	}
	if err := s.store.UpdateSubscription(ctx, patch); err != nil {
		return Result{AccountID: accountID}, fmt.Errorf("billing: refresh period end: %w", err)
	}
	return applied(accountID), nil
}
