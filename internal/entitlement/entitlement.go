// Package entitlement answers whether an account may use the gated feature.
package entitlement

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/credit-ledger/internal/models"
)

// SubscriptionReader loads the subscription row for an account.
type SubscriptionReader interface {
	GetSubscription(ctx context.Context, accountID string) (*models.Subscription, error)
}

// BalanceReader loads the token balance row for an account.
type BalanceReader interface {
	GetBalance(ctx context.Context, accountID string) (*models.TokenBalance, error)
}

// Cache holds recent entitlement decisions. A miss is (zero, false, nil).
type Cache interface {
	Get(ctx context.Context, accountID string) (models.Entitlement, bool, error)
	Set(ctx context.Context, accountID string, e models.Entitlement) error
	Invalidate(ctx context.Context, accountID string) error
}

const generationSlots = 256

// Service combines the subscription row, the balance and the operator
// allow-list into one decision.
type Service struct {
	subs     SubscriptionReader
	balances BalanceReader
	admins   map[string]struct{}
	cache    Cache
	logger   zerolog.Logger
	now      func() time.Time

	// generations is bumped by Invalidate; a decision computed across a bump
	// is dropped from the cache. Accounts share slots by hash.
	generations [generationSlots]atomic.Uint64
}

// Option customizes a Service.
type Option func(*Service)

// WithCache enables decision caching.
func WithCache(c Cache) Option {
	return func(s *Service) {
		s.cache = c
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService builds the entitlement query. admins lists account ids that are
// always entitled.
func NewService(subs SubscriptionReader, balances BalanceReader, admins []string, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		subs:     subs,
		balances: balances,
		admins:   make(map[string]struct{}, len(admins)),
		logger:   logger.With().Str("component", "entitlement").Logger(),
		now:      time.Now,
	}
	for _, id := range admins {
		if id = strings.TrimSpace(id); id != "" {
			s.admins[id] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Entitled applies the paid-access rule to a subscription row. A nil row is
// not entitled.
func Entitled(sub *models.Subscription, now time.Time) bool {
	if sub == nil || !sub.Tier.Paid() {
		return false
	}
	switch sub.Source() {
	case models.SourceStore:
		if sub.Status == models.StatusActive {
			return true
		}
		return sub.StoreExpiresAt != nil && sub.StoreExpiresAt.After(now)
	default:
		return sub.Status == models.StatusActive
	}
}

// IsPro reports whether the account has paid access.
func (s *Service) IsPro(ctx context.Context, accountID string) (bool, error) {
	if _, ok := s.admins[accountID]; ok {
		return true, nil
	}
	sub, err := s.subs.GetSubscription(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("entitlement: load subscription: %w", err)
	}
	return Entitled(sub, s.now()), nil
}

// CheckEntitlement returns whether the account can create, its remaining
// tokens and whether it is pro. Pro accounts can always create.
func (s *Service) CheckEntitlement(ctx context.Context, accountID string) (models.Entitlement, error) {
	gen := s.generation(accountID).Load()
	if s.cache != nil {
		e, ok, err := s.cache.Get(ctx, accountID)
		if err != nil {
			s.logger.Warn().Err(err).Str("account_id", accountID).Msg("entitlement cache read failed")
		} else if ok {
			return e, nil
		}
	}

	isPro, err := s.IsPro(ctx, accountID)
	if err != nil {
		return models.Entitlement{}, err
	}

	var remaining int64
	b, err := s.balances.GetBalance(ctx, accountID)
	if err != nil {
		return models.Entitlement{}, fmt.Errorf("entitlement: load balance: %w", err)
	}
	if b != nil {
		remaining = b.Balance
	}

	e := models.Entitlement{
		CanCreate: isPro || remaining > 0,
		Remaining: remaining,
		IsPro:     isPro,
	}

	if s.cache != nil {
		s.cacheDecision(ctx, accountID, gen, e)
	}
	return e, nil
}

// cacheDecision stores e unless a write was invalidated while it was being
// computed. The generation is checked after Set so an Invalidate racing the
// Set is still honored.
func (s *Service) cacheDecision(ctx context.Context, accountID string, gen uint64, e models.Entitlement) {
	log := s.logger.With().Str("account_id", accountID).Logger()
	if err := s.cache.Set(ctx, accountID, e); err != nil {
		log.Warn().Err(err).Msg("entitlement cache write failed")
		return
	}
	if s.generation(accountID).Load() == gen {
		return
	}
	log.Debug().Msg("entitlement changed while computing; dropping cached decision")
	if err := s.cache.Invalidate(ctx, accountID); err != nil {
		log.Warn().Err(err).Msg("entitlement cache invalidation failed")
	}
}

func (s *Service) generation(accountID string) *atomic.Uint64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(accountID))
	return &s.generations[h.Sum32()%generationSlots]
}

// Invalidate drops any cached decision for the account, including one being
// computed concurrently in this process.
func (s *Service) Invalidate(ctx context.Context, accountID string) error {
	s.generation(accountID).Add(1)
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx, accountID)
}
