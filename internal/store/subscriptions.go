package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/PortNumber53/credit-ledger/internal/models"
)

const subscriptionColumns = `
	account_id, tier, status, stripe_customer_id, stripe_subscription_id,
	current_period_start, current_period_end, cancel_at_period_end,
	store_product_id, original_transaction_id, store_expires_at,
	created_at, updated_at`

// EnsureAccount creates the free/inactive subscription row and an empty
// balance row for an account. created reports whether the subscription row
// was new.
func (s *Store) EnsureAccount(ctx context.Context, accountID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: ensure account: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
INSERT INTO subscriptions (account_id, tier, status)
VALUES ($1, 'free', 'inactive')
ON CONFLICT (account_id) DO NOTHING
	`, accountID)
	if err != nil {
		return false, fmt.Errorf("store: ensure account: insert subscription: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: ensure account: rows affected: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO token_balances (account_id, balance, lifetime_earned, lifetime_spent)
VALUES ($1, 0, 0, 0)
ON CONFLICT (account_id) DO NOTHING
	`, accountID); err != nil {
		return false, fmt.Errorf("store: ensure account: insert balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: ensure account: commit: %w", err)
	}
	return affected == 1, nil
}

// GetSubscription returns the subscription row for an account, or nil when
// the account has none.
func (s *Store) GetSubscription(ctx context.Context, accountID string) (*models.Subscription, error) {
	query := `SELECT` + subscriptionColumns + `
FROM subscriptions
WHERE account_id = $1
	`

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get subscription: %w", err)
	}
	return sub, nil
}

// FindAccountBySubscriptionID resolves an account from the processor's
// subscription id. It returns "" when no row matches.
func (s *Store) FindAccountBySubscriptionID(ctx context.Context, subscriptionID string) (string, error) {
	return s.findAccount(ctx, "stripe_subscription_id", subscriptionID)
}

// FindAccountByCustomerID resolves an account from the processor's customer id.
func (s *Store) FindAccountByCustomerID(ctx context.Context, customerID string) (string, error) {
	return s.findAccount(ctx, "stripe_customer_id", customerID)
}

func (s *Store) findAccount(ctx context.Context, column, value string) (string, error) {
	if value == "" {
		return "", nil
	}
	query := fmt.Sprintf(`
SELECT account_id
FROM subscriptions
WHERE %s = $1
ORDER BY updated_at DESC
LIMIT 1
	`, column)

	var accountID string
	err := s.db.QueryRowContext(ctx, query, value).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: find account by %s: %w", column, err)
	}
	return accountID, nil
}

// UpdateSubscription applies a patch in one statement, creating the row if
// the account has none yet. Nil patch fields keep the stored value.
func (s *Store) UpdateSubscription(ctx context.Context, patch models.SubscriptionPatch) error {
	query := `
INSERT INTO subscriptions (
	account_id, tier, status, stripe_customer_id, stripe_subscription_id,
	current_period_start, current_period_end, cancel_at_period_end,
	store_product_id, original_transaction_id, store_expires_at
) VALUES (
	$1, COALESCE($2::text, 'free'), COALESCE($3::text, 'inactive'), NULLIF($4::text, ''), NULLIF($5::text, ''),
	$6::timestamptz, $7::timestamptz, COALESCE($8::boolean, false),
	NULLIF($9::text, ''), NULLIF($10::text, ''), $11::timestamptz
)
ON CONFLICT (account_id) DO UPDATE SET
	tier = COALESCE($2::text, subscriptions.tier),
	status = COALESCE($3::text, subscriptions.status),
	stripe_customer_id = CASE WHEN $4::text IS NULL THEN subscriptions.stripe_customer_id ELSE NULLIF($4::text, '') END,
	stripe_subscription_id = CASE WHEN $5::text IS NULL THEN subscriptions.stripe_subscription_id ELSE NULLIF($5::text, '') END,
	current_period_start = COALESCE($6::timestamptz, subscriptions.current_period_start),
	current_period_end = COALESCE($7::timestamptz, subscriptions.current_period_end),
	cancel_at_period_end = COALESCE($8::boolean, subscriptions.cancel_at_period_end),
	store_product_id = CASE WHEN $9::text IS NULL THEN subscriptions.store_product_id ELSE NULLIF($9::text, '') END,
	original_transaction_id = CASE WHEN $10::text IS NULL THEN subscriptions.original_transaction_id ELSE NULLIF($10::text, '') END,
	store_expires_at = COALESCE($11::timestamptz, subscriptions.store_expires_at),
	updated_at = now()
	`

	var tier, status *string
	if patch.Tier != nil {
		v := string(*patch.Tier)
		tier = &v
	}
	if patch.Status != nil {
		v := string(*patch.Status)
		status = &v
	}

	_, err := s.db.ExecContext(ctx, query,
		patch.AccountID,
		tier,
		status,
		patch.StripeCustomerID,
		patch.StripeSubscriptionID,
		patch.CurrentPeriodStart,
		patch.CurrentPeriodEnd,
		patch.CancelAtPeriodEnd,
		patch.StoreProductID,
		patch.OriginalTransactionID,
		patch.StoreExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("store: update subscription: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*models.Subscription, error) {
	var (
		sub                                  models.Subscription
		tier, status                         string
		customerID, subscriptionID           sql.NullString
		productID, originalTransactionID     sql.NullString
		periodStart, periodEnd, storeExpires sql.NullTime
	)

	if err := row.Scan(
		&sub.AccountID,
		&tier,
		&status,
		&customerID,
		&subscriptionID,
		&periodStart,
		&periodEnd,
		&sub.CancelAtPeriodEnd,
		&productID,
		&originalTransactionID,
		&storeExpires,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return nil, err
	}

	sub.Tier = models.Tier(tier)
	sub.Status = models.Status(status)
	sub.StripeCustomerID = nullString(customerID)
	sub.StripeSubscriptionID = nullString(subscriptionID)
	sub.CurrentPeriodStart = nullTimePtr(periodStart)
	sub.CurrentPeriodEnd = nullTimePtr(periodEnd)
	sub.StoreProductID = nullString(productID)
	sub.OriginalTransactionID = nullString(originalTransactionID)
	sub.StoreExpiresAt = nullTimePtr(storeExpires)
	return &sub, nil
}
