// Package ledger is the token ledger: per-account balances with an
// append-only transaction log. Every mutation is a single atomic store call.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/credit-ledger/internal/models"
)

var (
	ErrInvalidAccount = errors.New("ledger: account id is required")
	ErrInvalidAmount  = errors.New("ledger: grant amount must be positive")
	ErrInvalidAction  = errors.New("ledger: action type is required")
	// ErrReplayMismatch means the transaction log does not reproduce the
	// stored balance.
	ErrReplayMismatch = errors.New("ledger: replay does not match balance")
)

// Store is the persistence the ledger needs.
type Store interface {
	GetBalance(ctx context.Context, accountID string) (*models.TokenBalance, error)
	ConsumeToken(ctx context.Context, entry models.TokenTransaction) (models.TokenTransaction, bool, error)
	GrantTokens(ctx context.Context, entry models.TokenTransaction) (models.TokenTransaction, error)
	ListTransactions(ctx context.Context, accountID string, limit int) ([]models.TokenTransaction, error)
}

// Invalidator is told when an account's balance changed.
type Invalidator interface {
	Invalidate(ctx context.Context, accountID string) error
}

// ConsumeStatus is the outcome of Consume.
type ConsumeStatus string

const (
	ConsumeSuccess      ConsumeStatus = "success"
	InsufficientBalance ConsumeStatus = "insufficient_balance"
)

// ConsumeResult carries the outcome of a consume. Transaction is set only on
// success.
type ConsumeResult struct {
	Status       ConsumeStatus            `json:"status"`
	BalanceAfter int64                    `json:"balance_after"`
	Transaction  *models.TokenTransaction `json:"transaction,omitempty"`
}

// Service exposes GetBalance, Consume and Grant over a Store.
type Service struct {
	store       Store
	invalidator Invalidator
	logger      zerolog.Logger
}

// NewService builds a ledger service. invalidator may be nil.
func NewService(store Store, invalidator Invalidator, logger zerolog.Logger) *Service {
	return &Service{
		store:       store,
		invalidator: invalidator,
		logger:      logger.With().Str("component", "ledger").Logger(),
	}
}

// GetBalance returns the account's balance. Accounts without a balance row
// have a zero balance.
func (s *Service) GetBalance(ctx context.Context, accountID string) (models.TokenBalance, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return models.TokenBalance{}, ErrInvalidAccount
	}

	b, err := s.store.GetBalance(ctx, accountID)
	if err != nil {
		return models.TokenBalance{}, fmt.Errorf("ledger: get balance: %w", err)
	}
	if b == nil {
		return models.TokenBalance{AccountID: accountID}, nil
	}
	return *b, nil
}

// Consume spends one token for actionType. Running out of tokens is a result,
// not an error.
func (s *Service) Consume(ctx context.Context, accountID, actionType string, referenceID *string) (ConsumeResult, error) {
	accountID = strings.TrimSpace(accountID)
	actionType = strings.TrimSpace(actionType)
	if accountID == "" {
		return ConsumeResult{}, ErrInvalidAccount
	}
	if actionType == "" {
		return ConsumeResult{}, ErrInvalidAction
	}

	entry, ok, err := s.store.ConsumeToken(ctx, models.TokenTransaction{
		AccountID:   accountID,
		ActionType:  actionType,
		ReferenceID: referenceID,
	})
	if err != nil {
		return ConsumeResult{}, fmt.Errorf("ledger: consume: %w", err)
	}
	if !ok {
		s.logger.Info().Str("account_id", accountID).Str("action_type", actionType).Msg("consume rejected: insufficient balance")
		return ConsumeResult{Status: InsufficientBalance}, nil
	}

	s.invalidate(ctx, accountID)
	return ConsumeResult{Status: ConsumeSuccess, BalanceAfter: entry.BalanceAfter, Transaction: &entry}, nil
}

// Grant credits amount tokens with the given grant type.
func (s *Service) Grant(ctx context.Context, accountID string, amount int64, grantType, description string) (models.TokenTransaction, error) {
	accountID = strings.TrimSpace(accountID)
	grantType = strings.TrimSpace(grantType)
	if accountID == "" {
		return models.TokenTransaction{}, ErrInvalidAccount
	}
	if amount <= 0 {
		return models.TokenTransaction{}, ErrInvalidAmount
	}
	if grantType == "" {
		return models.TokenTransaction{}, ErrInvalidAction
	}

	entry, err := s.store.GrantTokens(ctx, models.TokenTransaction{
		AccountID:   accountID,
		Amount:      amount,
		ActionType:  grantType,
		Description: description,
	})
	if err != nil {
		return models.TokenTransaction{}, fmt.Errorf("ledger: grant: %w", err)
	}

	s.logger.Info().
		Str("account_id", accountID).
		Int64("amount", amount).
		Str("grant_type", grantType).
		Int64("balance_after", entry.BalanceAfter).
		Msg("tokens granted")
	s.invalidate(ctx, accountID)
	return entry, nil
}

// History returns the newest limit entries for an account.
func (s *Service) History(ctx context.Context, accountID string, limit int) ([]models.TokenTransaction, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, ErrInvalidAccount
	}
	if limit < 0 {
		limit = 0
	}
	txs, err := s.store.ListTransactions(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: history: %w", err)
	}
	return txs, nil
}

// VerifyReplay replays the account's full log and compares the result with
// the stored balance.
func (s *Service) VerifyReplay(ctx context.Context, accountID string) error {
	balance, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return err
	}
	txs, err := s.store.ListTransactions(ctx, balance.AccountID, -1)
	if err != nil {
		return fmt.Errorf("ledger: replay: %w", err)
	}

	// ListTransactions is newest first.
	chrono := make([]models.TokenTransaction, len(txs))
	for i, t := range txs {
		chrono[len(txs)-1-i] = t
	}
	replayed, err := Replay(chrono)
	if err != nil {
		return err
	}
	if replayed.Balance != balance.Balance ||
		replayed.LifetimeEarned != balance.LifetimeEarned ||
		replayed.LifetimeSpent != balance.LifetimeSpent {
		return fmt.Errorf("%w: replayed %d/%d/%d, stored %d/%d/%d", ErrReplayMismatch,
			replayed.Balance, replayed.LifetimeEarned, replayed.LifetimeSpent,
			balance.Balance, balance.LifetimeEarned, balance.LifetimeSpent)
	}
	return nil
}

// Replay folds chronologically ordered entries into a balance, checking each
// entry's balance_after along the way.
func Replay(txs []models.TokenTransaction) (models.TokenBalance, error) {
	var b models.TokenBalance
	for i, t := range txs {
		if b.AccountID == "" {
			b.AccountID = t.AccountID
		}
		switch {
		case t.Amount > 0:
			b.LifetimeEarned += t.Amount
		case t.Amount < 0:
			b.LifetimeSpent -= t.Amount
		}
		b.Balance += t.Amount
		if b.Balance < 0 {
			return b, fmt.Errorf("%w: negative balance at entry %d", ErrReplayMismatch, i)
		}
		if b.Balance != t.BalanceAfter {
			return b, fmt.Errorf("%w: entry %d balance_after %d, replayed %d", ErrReplayMismatch, i, t.BalanceAfter, b.Balance)
		}
	}
	return b, nil
}

func (s *Service) invalidate(ctx context.Context, accountID string) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx, accountID); err != nil {
		s.logger.Warn().Err(err).Str("account_id", accountID).Msg("entitlement cache invalidation failed")
	}
}
