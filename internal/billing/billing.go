// Package billing reconciles processor events into subscription state and
// one-time purchase credits.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/credit-ledger/internal/models"
	"github.com/PortNumber53/credit-ledger/internal/stripe"
)

var (
	// ErrValidation rejects an event whose payload lacks required fields.
	// Nothing is written.
	ErrValidation = errors.New("billing: invalid event")
	// ErrDerivation rejects an event whose period end cannot be derived.
	ErrDerivation = errors.New("billing: cannot derive period end")
	// ErrProcessor fails an event because the processor call-back is
	// misconfigured; the delivery should be retried by the processor.
	ErrProcessor = errors.New("billing: processor lookup failed")
	// ErrUnknownAccount fails a paid activation that names no known account
	// yet, so the processor redelivers it after the account is bootstrapped.
	ErrUnknownAccount = errors.New("billing: no account for event")
)

// SubscriptionStore persists subscription rows.
type SubscriptionStore interface {
	EnsureAccount(ctx context.Context, accountID string) (bool, error)
	GetSubscription(ctx context.Context, accountID string) (*models.Subscription, error)
	FindAccountBySubscriptionID(ctx context.Context, subscriptionID string) (string, error)
	FindAccountByCustomerID(ctx context.Context, customerID string) (string, error)
	UpdateSubscription(ctx context.Context, patch models.SubscriptionPatch) error
}

// PurchaseStore applies one-time purchases behind a unique session id.
type PurchaseStore interface {
	ApplyPurchase(ctx context.Context, p models.Purchase, grant models.TokenTransaction) (bool, error)
}

// EventLog records every authenticated delivery.
type EventLog interface {
	RecordWebhookEvent(ctx context.Context, rec models.WebhookEventRecord) error
}

// Store is everything the billing service persists through.
type Store interface {
	SubscriptionStore
	PurchaseStore
	EventLog
}

// Processor fetches canonical objects from the payment processor.
type Processor interface {
	FetchSubscription(ctx context.Context, id string) stripe.SubscriptionLookup
}

// Invalidator is told when an account's entitlement inputs changed.
type Invalidator interface {
	Invalidate(ctx context.Context, accountID string) error
}

// Result reports what handling an event did.
type Result struct {
	Outcome   models.WebhookOutcome
	AccountID string
	Reason    string
}

func applied(accountID string) Result {
	return Result{Outcome: models.OutcomeApplied, AccountID: accountID}
}

func ignored(accountID, reason string) Result {
	return Result{Outcome: models.OutcomeIgnored, AccountID: accountID, Reason: reason}
}

// Service is the subscription state machine, the purchase idempotency guard
// and the event dispatcher.
type Service struct {
	store       Store
	processor   Processor
	invalidator Invalidator
	logger      zerolog.Logger
	signupBonus int64
	now         func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithSignupBonus sets the tokens granted once per bootstrapped account.
func WithSignupBonus(tokens int64) Option {
	return func(s *Service) {
		s.signupBonus = tokens
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithInvalidator registers a cache to clear after writes.
func WithInvalidator(inv Invalidator) Option {
	return func(s *Service) {
		s.invalidator = inv
	}
}

// NewService wires the billing service.
func NewService(store Store, processor Processor, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:     store,
		processor: processor,
		logger:    logger.With().Str("component", "billing").Logger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) invalidate(ctx context.Context, accountID string) {
	if s.invalidator == nil || accountID == "" {
		return
	}
	if err := s.invalidator.Invalidate(ctx, accountID); err != nil {
		s.logger.Warn().Err(err).Str("account_id", accountID).Msg("entitlement cache invalidation failed")
	}
}

var accountMetadataKeys = []string{"account_id", "accountId", "user_id", "userId"}

func metadataAccount(md map[string]string) string {
	for _, k := range accountMetadataKeys {
		if v := strings.TrimSpace(md[k]); v != "" {
			return v
		}
	}
	return ""
}

// resolveAccount finds the account an event belongs to: explicit metadata
// first, then the stored subscription id, then the stored customer id.
func (s *Service) resolveAccount(ctx context.Context, md map[string]string, subscriptionID, customerID string) (string, error) {
	if id := metadataAccount(md); id != "" {
		return id, nil
	}
	id, err := s.store.FindAccountBySubscriptionID(ctx, subscriptionID)
	if err != nil || id != "" {
		return id, err
	}
	return s.store.FindAccountByCustomerID(ctx, customerID)
}

// staleSubscription reports whether the account is already bound to a
// different subscription than the one an event names.
func (s *Service) staleSubscription(ctx context.Context, accountID, subscriptionID string) (bool, error) {
	if subscriptionID == "" {
		return false, nil
	}
	current, err := s.store.GetSubscription(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("billing: load subscription: %w", err)
	}
	if current == nil || current.StripeSubscriptionID == "" {
		return false, nil
	}
	return current.StripeSubscriptionID != subscriptionID, nil
}

func ptr[T any](v T) *T {
	return &v
}
