package models

import "time"

// Tier is the paid level an account is on. It is orthogonal to Status.
type Tier string

const (
	TierFree      Tier = "free"
	TierPro       Tier = "pro"
	TierUnlimited Tier = "unlimited"
)

// Paid reports whether the tier unlocks the gated feature.
func (t Tier) Paid() bool {
	return t == TierPro || t == TierUnlimited
}

// Status is the billing lifecycle state of a subscription.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	// StatusUnknown marks a processor status this service does not model.
	// Rows in this state need manual review and never grant access.
	StatusUnknown Status = "unknown"
)

// Source identifies who bills the subscription.
type Source string

const (
	SourceProcessor Source = "processor"
	SourceStore     Source = "store"
)

// Subscription is the single per-account billing record. Empty string fields
// are stored as NULL.
type Subscription struct {
	AccountID             string     `json:"account_id"`
	Tier                  Tier       `json:"tier"`
	Status                Status     `json:"status"`
	StripeCustomerID      string     `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID  string     `json:"stripe_subscription_id,omitempty"`
	CurrentPeriodStart    *time.Time `json:"current_period_start,omitempty"`
	CurrentPeriodEnd      *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd     bool       `json:"cancel_at_period_end"`
	StoreProductID        string     `json:"store_product_id,omitempty"`
	OriginalTransactionID string     `json:"original_transaction_id,omitempty"`
	StoreExpiresAt        *time.Time `json:"store_expires_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Source infers the billing source from the presence of store product fields.
func (s Subscription) Source() Source {
	if s.StoreProductID != "" || s.OriginalTransactionID != "" {
		return SourceStore
	}
	return SourceProcessor
}

// SubscriptionPatch is a single-statement write to a subscription row. Nil
// fields keep the stored value and a pointer to "" clears a nullable text
// column.
type SubscriptionPatch struct {
	AccountID             string
	Status                *Status
	Tier                  *Tier
	StripeCustomerID      *string
	StripeSubscriptionID  *string
	CurrentPeriodStart    *time.Time
	CurrentPeriodEnd      *time.Time
	CancelAtPeriodEnd     *bool
	StoreProductID        *string
	OriginalTransactionID *string
	StoreExpiresAt        *time.Time
}

// Apply returns sub with the patch applied, using the same rules as the
// database write.
func (p SubscriptionPatch) Apply(sub Subscription) Subscription {
	sub.AccountID = p.AccountID
	if p.Status != nil {
		sub.Status = *p.Status
	}
	if p.Tier != nil {
		sub.Tier = *p.Tier
	}
	if p.StripeCustomerID != nil {
		sub.StripeCustomerID = *p.StripeCustomerID
	}
	if p.StripeSubscriptionID != nil {
		sub.StripeSubscriptionID = *p.StripeSubscriptionID
	}
	if p.CurrentPeriodStart != nil {
		v := *p.CurrentPeriodStart
		sub.CurrentPeriodStart = &v
	}
	if p.CurrentPeriodEnd != nil {
		v := *p.CurrentPeriodEnd
		sub.CurrentPeriodEnd = &v
	}
	if p.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *p.CancelAtPeriodEnd
	}
	if p.StoreProductID != nil {
		sub.StoreProductID = *p.StoreProductID
	}
	if p.OriginalTransactionID != nil {
		sub.OriginalTransactionID = *p.OriginalTransactionID
	}
	if p.StoreExpiresAt != nil {
		v := *p.StoreExpiresAt
		sub.StoreExpiresAt = &v
	}
	if sub.Tier == "" {
		sub.Tier = TierFree
	}
	if sub.Status == "" {
		sub.Status = StatusInactive
	}
	return sub
}

// StoreVerification is the outcome of a platform-store receipt check, handed
// to the billing service by the external verifier.
type StoreVerification struct {
	AccountID             string    `json:"account_id" validate:"required"`
	ProductID             string    `json:"product_id" validate:"required"`
	OriginalTransactionID string    `json:"original_transaction_id" validate:"required"`
	ExpiresAt             time.Time `json:"expires_at" validate:"required"`
	Active                bool      `json:"active"`
	Tier                  Tier      `json:"tier" validate:"omitempty,oneof=pro unlimited"`
}

// Purchase records that a one-time checkout session was applied. The session
// id is unique; the row existing means its credits were granted.
type Purchase struct {
	SessionID    string    `json:"session_id"`
	AccountID    string    `json:"account_id"`
	Credits      int64     `json:"credits"`
	PurchaseType string    `json:"purchase_type"`
	AmountTotal  int64     `json:"amount_total"`
	Currency     string    `json:"currency,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// WebhookOutcome is the result recorded for an authenticated delivery.
type WebhookOutcome string

const (
	OutcomeApplied   WebhookOutcome = "applied"
	OutcomeDuplicate WebhookOutcome = "duplicate"
	OutcomeIgnored   WebhookOutcome = "ignored"
	OutcomeRejected  WebhookOutcome = "rejected"
	OutcomeFailed    WebhookOutcome = "failed"
)

// WebhookEventRecord is an audit row for one delivery.
type WebhookEventRecord struct {
	EventID    string         `json:"event_id"`
	Type       string         `json:"type"`
	AccountID  string         `json:"account_id,omitempty"`
	Outcome    WebhookOutcome `json:"outcome"`
	Error      string         `json:"error,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}
