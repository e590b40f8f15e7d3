package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/PortNumber53/credit-ledger/internal/models"
)

// GetBalance returns the balance row for an account, or nil when none exists.
func (s *Store) GetBalance(ctx context.Context, accountID string) (*models.TokenBalance, error) {
	query := `
SELECT account_id, balance, lifetime_earned, lifetime_spent, updated_at
FROM token_balances
WHERE account_id = $1
	`

	var b models.TokenBalance
	err := s.db.QueryRowContext(ctx, query, accountID).Scan(
		&b.AccountID,
		&b.Balance,
		&b.LifetimeEarned,
		&b.LifetimeSpent,
		&b.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get balance: %w", err)
	}
	return &b, nil
}

// ConsumeToken debits one token and appends the consume entry in a single
// transaction. The debit is a conditional update, so concurrent callers
// serialize on the row and ok is false when the balance is already zero.
func (s *Store) ConsumeToken(ctx context.Context, entry models.TokenTransaction) (models.TokenTransaction, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.TokenTransaction{}, false, fmt.Errorf("store: consume: begin: %w", err)
	}
	defer tx.Rollback()

	var balanceAfter int64
	err = tx.QueryRowContext(ctx, `
UPDATE token_balances
SET balance = balance - 1,
	lifetime_spent = lifetime_spent + 1,
	updated_at = now()
WHERE account_id = $1 AND balance > 0
RETURNING balance
	`, entry.AccountID).Scan(&balanceAfter)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TokenTransaction{}, false, nil
	}
	if err != nil {
		return models.TokenTransaction{}, false, fmt.Errorf("store: consume: debit: %w", err)
	}

	entry.Amount = -1
	entry.Type = models.TransactionConsume
	entry.BalanceAfter = balanceAfter
	if err := insertTransaction(ctx, tx, &entry); err != nil {
		return models.TokenTransaction{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return models.TokenTransaction{}, false, fmt.Errorf("store: consume: commit: %w", err)
	}
	return entry, true, nil
}

// GrantTokens credits entry.Amount tokens and appends the grant entry in a
// single transaction, creating the balance row if needed.
func (s *Store) GrantTokens(ctx context.Context, entry models.TokenTransaction) (models.TokenTransaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.TokenTransaction{}, fmt.Errorf("store: grant: begin: %w", err)
	}
	defer tx.Rollback()

	if err := grantTx(ctx, tx, &entry); err != nil {
		return models.TokenTransaction{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.TokenTransaction{}, fmt.Errorf("store: grant: commit: %w", err)
	}
	return entry, nil
}

// ListTransactions returns an account's ledger entries, newest first. A
// negative limit returns the whole log.
func (s *Store) ListTransactions(ctx context.Context, accountID string, limit int) ([]models.TokenTransaction, error) {
	var pageSize any = clampLimit(limit)
	if limit < 0 {
		// LIMIT NULL is no limit in Postgres.
		pageSize = nil
	}

	query := `
SELECT id, account_id, amount, transaction_type, action_type, reference_id,
	description, balance_after, created_at
FROM token_transactions
WHERE account_id = $1
ORDER BY seq DESC
LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, accountID, pageSize)
	if err != nil {
		return nil, fmt.Errorf("store: list transactions: %w", err)
	}
	defer rows.Close()

	var out []models.TokenTransaction
	for rows.Next() {
		var (
			t         models.TokenTransaction
			txType    string
			reference sql.NullString
		)
		if err := rows.Scan(
			&t.ID,
			&t.AccountID,
			&t.Amount,
			&txType,
			&t.ActionType,
			&reference,
			&t.Description,
			&t.BalanceAfter,
			&t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan transaction: %w", err)
		}
		t.Type = models.TransactionType(txType)
		if reference.Valid {
			ref := reference.String
			t.ReferenceID = &ref
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate transactions: %w", err)
	}
	return out, nil
}

func grantTx(ctx context.Context, tx *sql.Tx, entry *models.TokenTransaction) error {
	if entry.Amount <= 0 {
		return fmt.Errorf("store: grant: non-positive amount %d", entry.Amount)
	}

	var balanceAfter int64
	err := tx.QueryRowContext(ctx, `
INSERT INTO token_balances (account_id, balance, lifetime_earned, lifetime_spent)
VALUES ($1, $2, $2, 0)
ON CONFLICT (account_id) DO UPDATE SET
	balance = token_balances.balance + EXCLUDED.balance,
	lifetime_earned = token_balances.lifetime_earned + EXCLUDED.lifetime_earned,
	updated_at = now()
RETURNING balance
	`, entry.AccountID, entry.Amount).Scan(&balanceAfter)
	if err != nil {
		return fmt.Errorf("store: grant: credit: %w", err)
	}

	entry.Type = models.TransactionGrant
	entry.BalanceAfter = balanceAfter
	return insertTransaction(ctx, tx, entry)
}

func insertTransaction(ctx context.Context, tx *sql.Tx, entry *models.TokenTransaction) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	err := tx.QueryRowContext(ctx, `
INSERT INTO token_transactions (
	id, account_id, amount, transaction_type, action_type, reference_id,
	description, balance_after
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING created_at
	`,
		entry.ID,
		entry.AccountID,
		entry.Amount,
		string(entry.Type),
		entry.ActionType,
		entry.ReferenceID,
		entry.Description,
		entry.BalanceAfter,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert transaction: %w", err)
	}
	return nil
}
