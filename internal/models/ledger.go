package models

import "time"

// TokenBalance is the per-account credit balance.
// Balance always equals LifetimeEarned - LifetimeSpent and is never negative.
type TokenBalance struct {
	AccountID      string    `json:"account_id"`
	Balance        int64     `json:"balance"`
	LifetimeEarned int64     `json:"lifetime_earned"`
	LifetimeSpent  int64     `json:"lifetime_spent"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TransactionType distinguishes ledger debits from credits.
type TransactionType string

const (
	TransactionConsume TransactionType = "consume"
	TransactionGrant   TransactionType = "grant"
)

// TokenTransaction is one append-only ledger entry. Amount is signed: negative
// for consume, positive for grant.
type TokenTransaction struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Amount       int64           `json:"amount"`
	Type         TransactionType `json:"transaction_type"`
	ActionType   string          `json:"action_type"`
	ReferenceID  *string         `json:"reference_id,omitempty"`
	Description  string          `json:"description,omitempty"`
	BalanceAfter int64           `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Entitlement is the answer feature code gets before doing metered work.
type Entitlement struct {
	CanCreate bool  `json:"can_create"`
	Remaining int64 `json:"remaining"`
	IsPro     bool  `json:"is_pro"`
}
