package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PortNumber53/credit-ledger/internal/models"
	"github.com/PortNumber53/credit-ledger/internal/period"
	"github.com/PortNumber53/credit-ledger/internal/store/memory"
	"github.com/PortNumber53/credit-ledger/internal/stripe"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeProcessor struct {
	mu      sync.Mutex
	lookups map[string]stripe.SubscriptionLookup
	calls   int
}

func (f *fakeProcessor) FetchSubscription(_ context.Context, id string) stripe.SubscriptionLookup {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if l, ok := f.lookups[id]; ok {
		return l
	}
	return stripe.SubscriptionLookup{Status: stripe.LookupDegraded, Err: errors.New("resource_missing")}
}

type recordingInvalidator struct {
	accounts []string
}

func (r *recordingInvalidator) Invalidate(_ context.Context, accountID string) error {
	r.accounts = append(r.accounts, accountID)
	return nil
}

type fixture struct {
	svc  *Service
	st   *memory.Store
	proc *fakeProcessor
	inv  *recordingInvalidator
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	st := memory.New()
	proc := &fakeProcessor{lookups: map[string]stripe.SubscriptionLookup{}}
	inv := &recordingInvalidator{}
	opts = append([]Option{WithClock(func() time.Time { return fixedNow }), WithInvalidator(inv)}, opts...)
	return fixture{
		svc:  NewService(st, proc, zerolog.Nop(), opts...),
		st:   st,
		proc: proc,
		inv:  inv,
	}
}

func (f fixture) subscription(t *testing.T, accountID string) models.Subscription {
	t.Helper()
	sub, err := f.st.GetSubscription(context.Background(), accountID)
	require.NoError(t, err)
	require.NotNil(t, sub, "no subscription row for %s", accountID)
	return *sub
}

func (f fixture) seed(t *testing.T, patch models.SubscriptionPatch) {
	t.Helper()
	require.NoError(t, f.st.UpdateSubscription(context.Background(), patch))
}

func date(y int, m time.Month, d int) *time.Time {
	v := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &v
}

func paymentCheckout(id string, md map[string]string) stripe.Event {
	return stripe.Event{
		ID:   "evt_" + id,
		Type: stripe.EventCheckoutCompleted,
		Checkout: &stripe.CheckoutSession{
			ID:            id,
			Mode:          "payment",
			PaymentStatus: "paid",
			AmountTotal:   999,
			Currency:      "usd",
			Metadata:      md,
		},
	}
}

func subscriptionEvent(eventType string, sub stripe.Subscription) stripe.Event {
	return stripe.Event{ID: "evt_" + eventType, Type: eventType, Subscription: &sub}
}

func TestPaymentCheckoutCreditsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	evt := paymentCheckout("cs_1", map[string]string{"account_id": "acct_1", "credits": "10"})

	res, err := f.svc.HandleEvent(ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, res.Outcome)

	res, err = f.svc.HandleEvent(ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeDuplicate, res.Outcome)

	b, err := f.st.GetBalance(ctx, "acct_1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, int64(10), b.Balance)

	purchases := f.st.Purchases()
	require.Len(t, purchases, 1)
	assert.Equal(t, "cs_1", purchases[0].SessionID)
	assert.Equal(t, int64(10), purchases[0].Credits)
	assert.Equal(t, "credits", purchases[0].PurchaseType)

	txs, err := f.st.ListTransactions(ctx, "acct_1", -1)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.NotNil(t, txs[0].ReferenceID)
	assert.Equal(t, "cs_1", *txs[0].ReferenceID)

	events := f.st.WebhookEvents()
	require.Len(t, events, 2)
	assert.Equal(t, models.OutcomeApplied, events[0].Outcome)
	assert.Equal(t, models.OutcomeDuplicate, events[1].Outcome)
	assert.Equal(t, []string{"acct_1"}, f.inv.accounts)
}

func TestPaymentCheckoutUsesClientReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	evt := paymentCheckout("cs_2", map[string]string{"tokens": "5", "purchase_type": "pack"})
	evt.Checkout.ClientReferenceID = "acct_2"

	res, err := f.svc.HandleEvent(ctx, evt)
	require.NoError(t, err)
	assert.Equal(t, "acct_2", res.AccountID)

	purchases := f.st.Purchases()
	require.Len(t, purchases, 1)
	assert.Equal(t, "pack", purchases[0].PurchaseType)
}

func TestPaymentCheckoutValidation(t *testing.T) {
	cases := []struct {
		name string
		md   map[string]string
	}{
		{name: "missing account", md: map[string]string{"credits": "10"}},
		{name: "missing credits", md: map[string]string{"account_id": "acct_1"}},
		{name: "zero credits", md: map[string]string{"account_id": "acct_1", "credits": "0"}},
		{name: "non numeric credits", md: map[string]string{"account_id": "acct_1", "credits": "ten"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t)

			_, err := f.svc.HandleEvent(ctx, paymentCheckout("cs_bad", tc.md))
			require.ErrorIs(t, err, ErrValidation)

			assert.Empty(t, f.st.Purchases())
			b, err := f.st.GetBalance(ctx, "acct_1")
			require.NoError(t, err)
			assert.Nil(t, b)

			events := f.st.WebhookEvents()
			require.Len(t, events, 1)
			assert.Equal(t, models.OutcomeRejected, events[0].Outcome)
			assert.NotEmpty(t, events[0].Error)
		})
	}
}

func TestUnpaidCheckoutIgnored(t *testing.T) {
	f := newFixture(t)
	evt := paymentCheckout("cs_3", map[string]string{"account_id": "acct_1", "credits": "10"})
	evt.Checkout.PaymentStatus = "unpaid"

	res, err := f.svc.HandleEvent(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeIgnored, res.Outcome)
	assert.Empty(t, f.st.Purchases())
}

func subscriptionCheckout(md map[string]string) stripe.Event {
	return stripe.Event{
		ID:   "evt_sub_checkout",
		Type: stripe.EventCheckoutCompleted,
		Checkout: &stripe.CheckoutSession{
			ID:             "cs_sub",
			Mode:           "subscription",
			CustomerID:     "cus_1",
			SubscriptionID: "sub_1",
			Metadata:       md,
		},
	}
}

func TestSubscriptionCheckoutUsesCanonicalSubscription(t *testing.T) {
	f := newFixture(t)
	f.proc.lookups["sub_1"] = stripe.SubscriptionLookup{
		Status: stripe.LookupFound,
		Subscription: &stripe.Subscription{
			ID:                 "sub_1",
			CustomerID:         "cus_1",
			Status:             "active",
			CurrentPeriodStart: date(2024, 1, 15),
			CurrentPeriodEnd:   date(2024, 2, 15),
			Tier:               models.TierUnlimited,
		},
	}

	res, err := f.svc.HandleEvent(context.Background(), subscriptionCheckout(map[string]string{"account_id": "acct_1"}))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, res.Outcome)

	sub := f.subscription(t, "acct_1")
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Equal(t, models.TierUnlimited, sub.Tier)
	assert.Equal(t, "cus_1", sub.StripeCustomerID)
	assert.Equal(t, "sub_1", sub.StripeSubscriptionID)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, sub.CurrentPeriodEnd.Equal(*date(2024, 2, 15)))
	assert.False(t, sub.CancelAtPeriodEnd)
}

func TestSubscriptionCheckoutDerivesEndFromInterval(t *testing.T) {
	f := newFixture(t)
	f.proc.lookups["sub_1"] = stripe.SubscriptionLookup{
		Status: stripe.LookupFound,
		Subscription: &stripe.Subscription{
			ID:            "sub_1",
			Status:        "active",
			Created:       date(2024, 1, 15),
			Interval:      period.Month,
			IntervalCount: 1,
			Tier:          models.TierPro,
		},
	}

	_, err := f.svc.HandleEvent(context.Background(), subscriptionCheckout(map[string]string{"account_id": "acct_1"}))
	require.NoError(t, err)

	sub := f.subscription(t, "acct_1")
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, sub.CurrentPeriodEnd.Equal(*date(2024, 2, 15)))
}

func TestSubscriptionCheckoutDegradedLookupUsesDefaultWindow(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleEvent(context.Background(), subscriptionCheckout(map[string]string{"account_id": "acct_1", "tier": "unlimited"}))
	require.NoError(t, err)

	sub := f.subscription(t, "acct_1")
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Equal(t, models.TierUnlimited, sub.Tier)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, sub.CurrentPeriodEnd.Equal(fixedNow.Add(period.DefaultWindow)))
}

func TestSubscriptionCheckoutFatalLookupFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.proc.lookups["sub_1"] = stripe.SubscriptionLookup{Status: stripe.LookupFatal, Err: errors.New("invalid api key")}

	_, err := f.svc.HandleEvent(ctx, subscriptionCheckout(map[string]string{"account_id": "acct_1"}))
	require.ErrorIs(t, err, ErrProcessor)

	sub, err := f.st.GetSubscription(ctx, "acct_1")
	require.NoError(t, err)
	assert.Nil(t, sub)

	events := f.st.WebhookEvents()
	require.Len(t, events, 1)
	assert.Equal(t, models.OutcomeFailed, events[0].Outcome)
	assert.Empty(t, f.inv.accounts)
}

func TestSubscriptionCheckoutRequiresIDs(t *testing.T) {
	f := newFixture(t)
	evt := subscriptionCheckout(map[string]string{"account_id": "acct_1"})
	evt.Checkout.CustomerID = ""

	_, err := f.svc.HandleEvent(context.Background(), evt)
	require.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, f.proc.calls)
}

func TestSubscriptionCheckoutTierFromMetadataWithCanonicalLookup(t *testing.T) {
	f := newFixture(t)
	f.proc.lookups["sub_1"] = stripe.SubscriptionLookup{
		Status:       stripe.LookupFound,
		Subscription: &stripe.Subscription{ID: "sub_1", Status: "active", CurrentPeriodEnd: date(2024, 4, 1)},
	}

	_, err := f.svc.HandleEvent(context.Background(), subscriptionCheckout(map[string]string{"account_id": "acct_1", "tier": "unlimited"}))
	require.NoError(t, err)
	assert.Equal(t, models.TierUnlimited, f.subscription(t, "acct_1").Tier)
}

func TestSubscriptionCheckoutWithoutAccountIsRetried(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleEvent(context.Background(), subscriptionCheckout(nil))
	require.ErrorIs(t, err, ErrUnknownAccount)

	events := f.st.WebhookEvents()
	require.Len(t, events, 1)
	assert.Equal(t, models.OutcomeFailed, events[0].Outcome)
	assert.Zero(t, f.proc.calls)
}

func TestCheckoutRedeliveredAfterCancellationStaysCanceled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, activeRow("acct_1", models.TierPro))

	_, err := f.svc.HandleEvent(ctx, subscriptionEvent(stripe.EventSubscriptionDeleted, stripe.Subscription{ID: "sub_1", CustomerID: "cus_1", Status: "canceled"}))
	require.NoError(t, err)

	f.proc.lookups["sub_1"] = stripe.SubscriptionLookup{
		Status:       stripe.LookupFound,
		Subscription: &stripe.Subscription{ID: "sub_1", CustomerID: "cus_1", Status: "canceled"},
	}
	_, err = f.svc.HandleEvent(ctx, subscriptionCheckout(map[string]string{"account_id": "acct_1"}))
	require.NoError(t, err)

	sub := f.subscription(t, "acct_1")
	assert.Equal(t, models.StatusCanceled, sub.Status)
	assert.Equal(t, models.TierFree, sub.Tier)
	assert.Empty(t, sub.StripeSubscriptionID)
}

func TestActivationFollowsCanonicalStatus(t *testing.T) {
	f := newFixture(t)
	f.proc.lookups["sub_1"] = stripe.SubscriptionLookup{
		Status:       stripe.LookupFound,
		Subscription: &stripe.Subscription{ID: "sub_1", CustomerID: "cus_1", Status: "past_due", CurrentPeriodEnd: date(2024, 3, 15)},
	}

	_, err := f.svc.HandleEvent(context.Background(), subscriptionCheckout(map[string]string{"account_id": "acct_1"}))
	require.NoError(t, err)

	sub := f.subscription(t, "acct_1")
	assert.Equal(t, models.StatusPastDue, sub.Status)
	assert.Equal(t, "sub_1", sub.StripeSubscriptionID)
	assert.False(t, sub.Tier.Paid())
}

func TestResumeFollowsCanonicalStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, activeRow("acct_1", models.TierUnlimited))
	f.seed(t, models.SubscriptionPatch{AccountID: "acct_1", Status: ptr(models.StatusInactive)})
	f.proc.lookups["sub_1"] = stripe.SubscriptionLookup{
		Status:       stripe.LookupFound,
		Subscription: &stripe.Subscription{ID: "sub_1", Status: "paused"},
	}

	_, err := f.svc.HandleEvent(ctx, subscriptionEvent(stripe.EventSubscriptionResumed, stripe.Subscription{ID: "sub_1", CustomerID: "cus_1"}))
	require.NoError(t, err)

	sub := f.subscription(t, "acct_1")
	assert.Equal(t, models.StatusInactive, sub.Status)
	assert.Equal(t, models.TierUnlimited, sub.Tier)
}

func activeRow(accountID string, tier models.Tier) models.SubscriptionPatch {
	return models.SubscriptionPatch{
		AccountID:            accountID,
		Status:               ptr(models.StatusActive),
		Tier:                 ptr(tier),
		StripeCustomerID:     ptr("cus_1"),
		StripeSubscriptionID: ptr("sub_1"),
		CurrentPeriodEnd:     date(2024, 2, 15),
	}
}

func TestScheduledCancellationStaysActive(t *testing.T) {
	f := newFixture(t)
	f.seed(t, activeRow("acct_1", models.TierUnlimited))

	_, err := f.svc.HandleEvent(context.Background(), subscriptionEvent(stripe.EventSubscriptionUpdated, stripe.Subscription{
		ID:                "sub_1",
		CustomerID:        "cus_1",
		Status:            "active",
		CancelAtPeriodEnd: true,
		CurrentPeriodEnd:  date(2024, 3, 15),
		Tier:              models.TierUnlimited,
	}))
	require.NoError(t, err)

	sub := f.subscription(t, "acct_1")
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Equal(t, models.TierUnlimited, sub.Tier)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.True(t, sub.CurrentPeriodEnd.Equal(*date(2024, 3, 15)))
}

func TestSubscriptionUpdatedStatuses(t *testing.T) {
	cases := []struct {
		processor string
		want      models.Status
		wantTier  models.Tier
	}{
		{processor: "past_due", want: models.StatusPastDue, wantTier: models.TierPro},
		{processor: "unpaid", want: models.StatusPastDue, wantTier: models.TierPro},
		{processor: "canceled", want: models.StatusCanceled, wantTier: models.TierFree},
		{processor: "paused", want: models.StatusInactive, wantTier: models.TierPro},
		{processor: "trialing", want: models.StatusUnknown, wantTier: models.TierPro},
		{processor: "incomplete", want: models.StatusUnknown, wantTier: models.TierPro},
	}
	for _, tc := range cases {
		t.Run(tc.processor, func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, activeRow("acct_1", models.TierPro))

			_, err := f.svc.HandleEvent(context.Background(), subscriptionEvent(stripe.EventSubscriptionUpdated, stripe.Subscription{
				ID:     "sub_1",
				Status: tc.processor,
				Tier:   models.TierUnlimited,
			}))
			require.NoError(t, err)

			sub := f.subscription(t, "acct_1")
			assert.Equal(t, tc.want, sub.Status)
			assert.Equal(t, tc.wantTier, sub.Tier)
		})
	}
}

func TestSubscriptionDeletedClearsState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, activeRow("acct_1", models.TierPro))

	res, err := f.svc.HandleEvent(ctx, subscriptionEvent(stripe.EventSubscriptionDeleted, stripe.Subscription{ID: "sub_1", Status: "canceled"}))
	require.NoError(t, err)
	assert.Equal(t, "acct_1", res.AccountID)

	sub := f.subscription(t, "acct_1")
	assert.Equal(t, models.StatusCanceled, sub.Status)
	assert.Equal(t, models.TierFree, sub.Tier)
	assert.Empty(t, sub.StripeSubscriptionID)
	assert.Equal(t, "cus_1", sub.StripeCustomerID)

	acct, err := f.st.FindAccountBySubscriptionID(ctx, "sub_1")
	require.NoError(t, err)
	assert.Empty(t, acct)
}

func TestSubscriptionEventWithoutAccountIgnored(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.HandleEvent(context.Background(), subscriptionEvent(stripe.EventSubscriptionDeleted, stripe.Subscription{ID: "sub_unknown"}))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeIgnored, res.Outcome)
}

func TestSubscriptionEventWithoutIDRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleEvent(context.Background(), subscriptionEvent(stripe.EventSubscriptionUpdated, stripe.Subscription{Status: "active"}))
	require.ErrorIs(t, err, ErrValidation)
}

func TestSubscriptionCreatedActiveUsesPayloadWhenVanished(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.HandleEvent(context.Background(), subscriptionEvent(stripe.EventSubscriptionCreated, stripe.Subscription{
		ID:               "sub_9",
		CustomerID:       "cus_9",
		Status:           "active",
		CurrentPeriodEnd: date(2024, 4, 1),
		Tier:             models.TierPro,
		Metadata:         map[string]string{"userId": "acct_9"},
	}))
	require.NoError(t, err)

	sub := f.subscription(t, "acct_9")
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Equal(t, "sub_9", sub.StripeSubscriptionID)
	assert.True(t, sub.CurrentPeriodEnd.Equal(*date(2024, 4, 1)))
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, activeRow("acct_1", models.TierPro))

	_, err := f.svc.HandleEvent(ctx, subscriptionEvent(stripe.EventSubscriptionPaused, stripe.Subscription{ID: "sub_1"}))
	require.NoError(t, err)
	assert.Equal(t, models.StatusInactive, f.subscription(t, "acct_1").Status)

	_, err = f.svc.HandleEvent(ctx, subscriptionEvent(stripe.EventSubscriptionResumed, stripe.Subscription{
		ID:               "sub_1",
		CustomerID:       "cus_1",
		CurrentPeriodEnd: date(2024, 5, 1),
		Tier:             models.TierPro,
	}))
	require.NoError(t, err)

	sub := f.subscription(t, "acct_1")
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.True(t, sub.CurrentPeriodEnd.Equal(*date(2024, 5, 1)))
}

func TestActiveUpdateWithoutTierKeepsStoredTier(t *testing.T) {
	f := newFixture(t)
	f.seed(t, activeRow("acct_1", models.TierUnlimited))
	f.seed(t, models.SubscriptionPatch{AccountID: "acct_1", Status: ptr(models.StatusPastDue)})

	_, err := f.svc.HandleEvent(context.Background(), subscriptionEvent(stripe.EventSubscriptionUpdated, stripe.Subscription{
		ID:     "sub_1",
		Status: "active",
	}))
	require.NoError(t, err)

	sub := f.subscription(t, "acct_1")
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Equal(t, models.TierUnlimited, sub.Tier)
}

func TestEventsForReplacedSubscriptionIgnored(t *testing.T) {
	events := []stripe.Event{
		subscriptionEvent(stripe.EventSubscriptionDeleted, stripe.Subscription{ID: "sub_old", CustomerID: "cus_1", Status: "canceled"}),
		subscriptionEvent(stripe.EventSubscriptionUpdated, stripe.Subscription{ID: "sub_old", CustomerID: "cus_1", Status: "past_due"}),
		subscriptionEvent(stripe.EventSubscriptionPaused, stripe.Subscription{ID: "sub_old", CustomerID: "cus_1"}),
		subscriptionEvent(stripe.EventSubscriptionResumed, stripe.Subscription{ID: "sub_old", CustomerID: "cus_1"}),
		subscriptionEvent(stripe.EventSubscriptionCreated, stripe.Subscription{ID: "sub_old", CustomerID: "cus_1", Status: "incomplete"}),
		{ID: "evt_inv", Type: stripe.EventInvoicePaymentFailed, Invoice: &stripe.Invoice{ID: "in_old", CustomerID: "cus_1", SubscriptionID: "sub_old"}},
		{ID: "evt_inv2", Type: stripe.EventInvoicePaymentSucceeded, Invoice: &stripe.Invoice{ID: "in_old", CustomerID: "cus_1", SubscriptionID: "sub_old", BillingReason: "subscription_cycle"}},
	}
	for _, evt := range events {
		t.Run(evt.Type, func(t *testing.T) {
			f := newFixture(t)
			current := activeRow("acct_1", models.TierPro)
			current.StripeSubscriptionID = ptr("sub_new")
			f.seed(t, current)
			before := f.subscription(t, "acct_1")

			res, err := f.svc.HandleEvent(context.Background(), evt)
			require.NoError(t, err)
			assert.Equal(t, models.OutcomeIgnored, res.Outcome)
			assert.Equal(t, "stale subscription id", res.Reason)
			assert.Equal(t, before, f.subscription(t, "acct_1"))
			assert.Zero(t, f.proc.calls)
			assert.Empty(t, f.inv.accounts)
		})
	}
}

func invoiceEvent(eventType, reason string) stripe.Event {
	return stripe.Event{
		ID:   "evt_" + eventType,
		Type: eventType,
		Invoice: &stripe.Invoice{
			ID:             "in_1",
			CustomerID:     "cus_1",
			SubscriptionID: "sub_1",
			BillingReason:  reason,
		},
	}
}

func TestInvoicePaymentFailedMarksPastDue(t *testing.T) {
	f := newFixture(t)
	f.seed(t, activeRow("acct_1", models.TierUnlimited))

	_, err := f.svc.HandleEvent(context.Background(), invoiceEvent(stripe.EventInvoicePaymentFailed, "subscription_cycle"))
	require.NoError(t, err)

	sub := f.subscription(t, "acct_1")
	assert.Equal(t, models.StatusPastDue, sub.Status)
	assert.Equal(t, models.TierUnlimited, sub.Tier)
}

func TestRenewalRefreshesPeriodEnd(t *testing.T) {
	f := newFixture(t)
	f.seed(t, activeRow("acct_1", models.TierPro))
	f.proc.lookups["sub_1"] = stripe.SubscriptionLookup{
		Status:       stripe.LookupFound,
		Subscription: &stripe.Subscription{ID: "sub_1", Status: "active", CurrentPeriodEnd: date(2024, 3, 15)},
	}

	res, err := f.svc.HandleEvent(context.Background(), invoiceEvent(stripe.EventInvoicePaymentSucceeded, "subscription_cycle"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeApplied, res.Outcome)

	sub := f.subscription(t, "acct_1")
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.True(t, sub.CurrentPeriodEnd.Equal(*date(2024, 3, 15)))
}

func TestRenewalLookupFailureLeavesStateUnchanged(t *testing.T) {
	for _, status := range []stripe.LookupStatus{stripe.LookupDegraded, stripe.LookupFatal} {
		t.Run(status.String(), func(t *testing.T) {
			f := newFixture(t)
			f.seed(t, activeRow("acct_1", models.TierPro))
			before := f.subscription(t, "acct_1")
			f.proc.lookups["sub_1"] = stripe.SubscriptionLookup{Status: status, Err: errors.New("lookup failed")}

			res, err := f.svc.HandleEvent(context.Background(), invoiceEvent(stripe.EventInvoicePaymentSucceeded, "subscription_cycle"))
			require.NoError(t, err)
			assert.Equal(t, models.OutcomeIgnored, res.Outcome)
			assert.Equal(t, before, f.subscription(t, "acct_1"))
		})
	}
}

func TestNonCycleInvoiceIgnored(t *testing.T) {
	f := newFixture(t)
	f.seed(t, activeRow("acct_1", models.TierPro))

	res, err := f.svc.HandleEvent(context.Background(), invoiceEvent(stripe.EventInvoicePaymentSucceeded, "subscription_create"))
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeIgnored, res.Outcome)
	assert.Zero(t, f.proc.calls)
}

func TestUnhandledEventIgnored(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.HandleEvent(context.Background(), stripe.Event{ID: "evt_x", Type: "charge.refunded"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeIgnored, res.Outcome)

	events := f.st.WebhookEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "charge.refunded", events[0].Type)
	assert.Empty(t, f.inv.accounts)
}

func TestEnsureAccountGrantsBonusOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithSignupBonus(3))

	created, err := f.svc.EnsureAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = f.svc.EnsureAccount(ctx, "acct_1")
	require.NoError(t, err)
	assert.False(t, created)

	b, err := f.st.GetBalance(ctx, "acct_1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), b.Balance)

	sub := f.subscription(t, "acct_1")
	assert.Equal(t, models.TierFree, sub.Tier)
	assert.Equal(t, models.StatusInactive, sub.Status)

	_, err = f.svc.EnsureAccount(ctx, " ")
	require.ErrorIs(t, err, ErrValidation)
}

func TestApplyStoreVerification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	expires := fixedNow.Add(time.Hour)

	err := f.svc.ApplyStoreVerification(ctx, models.StoreVerification{
		AccountID:             "acct_1",
		ProductID:             "com.example.pro.monthly",
		OriginalTransactionID: "1000000001",
		ExpiresAt:             expires,
		Active:                true,
	})
	require.NoError(t, err)

	sub := f.subscription(t, "acct_1")
	assert.Equal(t, models.SourceStore, sub.Source())
	assert.Equal(t, models.StatusActive, sub.Status)
	assert.Equal(t, models.TierPro, sub.Tier)
	require.NotNil(t, sub.StoreExpiresAt)
	assert.True(t, sub.StoreExpiresAt.Equal(expires))

	err = f.svc.ApplyStoreVerification(ctx, models.StoreVerification{
		AccountID:             "acct_1",
		ProductID:             "com.example.pro.monthly",
		OriginalTransactionID: "1000000001",
		ExpiresAt:             expires,
	})
	require.NoError(t, err)

	sub = f.subscription(t, "acct_1")
	assert.Equal(t, models.StatusInactive, sub.Status)
	assert.Equal(t, models.TierPro, sub.Tier)
	assert.Equal(t, []string{"acct_1", "acct_1"}, f.inv.accounts)

	err = f.svc.ApplyStoreVerification(ctx, models.StoreVerification{AccountID: "acct_1"})
	require.ErrorIs(t, err, ErrValidation)
}

func TestMapStatus(t *testing.T) {
	cases := map[string]models.Status{
		"active":             models.StatusActive,
		"past_due":           models.StatusPastDue,
		"unpaid":             models.StatusPastDue,
		"canceled":           models.StatusCanceled,
		"incomplete_expired": models.StatusCanceled,
		"paused":             models.StatusInactive,
		"trialing":           models.StatusUnknown,
		"":                   models.StatusUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, MapStatus(in), in)
	}
}
