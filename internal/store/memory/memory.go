// Package memory is an in-process store with the same atomicity contract as
// the Postgres store. A single mutex serializes every mutation, which stands
// in for the row lock a conditional UPDATE takes.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PortNumber53/credit-ledger/internal/models"
)

const defaultPageSize = 200

// Store holds all state in maps guarded by one mutex.
type Store struct {
	mu            sync.Mutex
	subscriptions map[string]models.Subscription
	balances      map[string]models.TokenBalance
	transactions  map[string][]models.TokenTransaction
	purchases     map[string]models.Purchase
	events        []models.WebhookEventRecord
	now           func() time.Time
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		subscriptions: make(map[string]models.Subscription),
		balances:      make(map[string]models.TokenBalance),
		transactions:  make(map[string][]models.TokenTransaction),
		purchases:     make(map[string]models.Purchase),
		now:           time.Now,
	}
}

// EnsureAccount creates the free/inactive subscription and empty balance.
func (s *Store) EnsureAccount(_ context.Context, accountID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	_, exists := s.subscriptions[accountID]
	if !exists {
		s.subscriptions[accountID] = models.Subscription{
			AccountID: accountID,
			Tier:      models.TierFree,
			Status:    models.StatusInactive,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}
	if _, ok := s.balances[accountID]; !ok {
		s.balances[accountID] = models.TokenBalance{AccountID: accountID, UpdatedAt: now}
	}
	return !exists, nil
}

// GetSubscription returns a copy of the account's subscription, or nil.
func (s *Store) GetSubscription(_ context.Context, accountID string) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[accountID]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

// FindAccountBySubscriptionID resolves an account by processor subscription id.
func (s *Store) FindAccountBySubscriptionID(_ context.Context, subscriptionID string) (string, error) {
	return s.find(func(sub models.Subscription) bool {
		return subscriptionID != "" && sub.StripeSubscriptionID == subscriptionID
	}), nil
}

// FindAccountByCustomerID resolves an account by processor customer id.
func (s *Store) FindAccountByCustomerID(_ context.Context, customerID string) (string, error) {
	return s.find(func(sub models.Subscription) bool {
		return customerID != "" && sub.StripeCustomerID == customerID
	}), nil
}

func (s *Store) find(match func(models.Subscription) bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		found  string
		latest time.Time
	)
	for id, sub := range s.subscriptions {
		if match(sub) && (found == "" || sub.UpdatedAt.After(latest)) {
			found, latest = id, sub.UpdatedAt
		}
	}
	return found
}

// UpdateSubscription applies a patch, creating the row when absent.
func (s *Store) UpdateSubscription(_ context.Context, patch models.SubscriptionPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	current, ok := s.subscriptions[patch.AccountID]
	if !ok {
		current = models.Subscription{Tier: models.TierFree, CreatedAt: now}
	}
	next := patch.Apply(current)
	next.UpdatedAt = now
	s.subscriptions[patch.AccountID] = next
	return nil
}

// GetBalance returns a copy of the account's balance, or nil.
func (s *Store) GetBalance(_ context.Context, accountID string) (*models.TokenBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[accountID]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

// ConsumeToken debits one token when the balance is positive.
func (s *Store) ConsumeToken(_ context.Context, entry models.TokenTransaction) (models.TokenTransaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[entry.AccountID]
	if !ok || b.Balance <= 0 {
		return models.TokenTransaction{}, false, nil
	}

	b.Balance--
	b.LifetimeSpent++
	b.UpdatedAt = s.now().UTC()
	s.balances[entry.AccountID] = b

	entry.Amount = -1
	entry.Type = models.TransactionConsume
	entry.BalanceAfter = b.Balance
	return s.appendLocked(entry), true, nil
}

// GrantTokens credits entry.Amount tokens.
func (s *Store) GrantTokens(_ context.Context, entry models.TokenTransaction) (models.TokenTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.grantLocked(entry)
}

// ListTransactions returns entries newest first. A negative limit returns
// the whole log; zero uses the default page size.
func (s *Store) ListTransactions(_ context.Context, accountID string, limit int) ([]models.TokenTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit == 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	log := s.transactions[accountID]
	out := make([]models.TokenTransaction, 0, len(log))
	for i := len(log) - 1; i >= 0; i-- {
		out = append(out, log[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ApplyPurchase records the purchase and grants its credits unless the
// session id was already applied.
func (s *Store) ApplyPurchase(_ context.Context, p models.Purchase, grant models.TokenTransaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.purchases[p.SessionID]; dup {
		return false, nil
	}
	if p.Credits > 0 {
		grant.AccountID = p.AccountID
		grant.Amount = p.Credits
		if _, err := s.grantLocked(grant); err != nil {
			return false, err
		}
	}
	p.CreatedAt = s.now().UTC()
	s.purchases[p.SessionID] = p
	return true, nil
}

// RecordWebhookEvent appends a delivery record.
func (s *Store) RecordWebhookEvent(_ context.Context, rec models.WebhookEventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = s.now().UTC()
	}
	s.events = append(s.events, rec)
	return nil
}

// Purchases returns all recorded purchases ordered by session id.
func (s *Store) Purchases() []models.Purchase {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Purchase, 0, len(s.purchases))
	for _, p := range s.purchases {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// WebhookEvents returns the delivery log in arrival order.
func (s *Store) WebhookEvents() []models.WebhookEventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.WebhookEventRecord(nil), s.events...)
}

func (s *Store) grantLocked(entry models.TokenTransaction) (models.TokenTransaction, error) {
	if entry.Amount <= 0 {
		return models.TokenTransaction{}, fmt.Errorf("memory: grant: non-positive amount %d", entry.Amount)
	}

	b := s.balances[entry.AccountID]
	b.AccountID = entry.AccountID
	b.Balance += entry.Amount
	b.LifetimeEarned += entry.Amount
	b.UpdatedAt = s.now().UTC()
	s.balances[entry.AccountID] = b

	entry.Type = models.TransactionGrant
	entry.BalanceAfter = b.Balance
	return s.appendLocked(entry), nil
}

func (s *Store) appendLocked(entry models.TokenTransaction) models.TokenTransaction {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.CreatedAt = s.now().UTC()
	s.transactions[entry.AccountID] = append(s.transactions[entry.AccountID], entry)
	return entry
}
