package store

import (
	"context"
	"fmt"

	"github.com/PortNumber53/credit-ledger/internal/models"
)

// ApplyPurchase records a one-time purchase and grants its credits in one
// transaction. The unique session id is the dedup key: when the row already
// exists nothing is granted and applied is false.
func (s *Store) ApplyPurchase(ctx context.Context, p models.Purchase, grant models.TokenTransaction) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: apply purchase: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
INSERT INTO purchases (session_id, account_id, credits, purchase_type, amount_total, currency)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id) DO NOTHING
	`,
		p.SessionID,
		p.AccountID,
		p.Credits,
		p.PurchaseType,
		p.AmountTotal,
		p.Currency,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: apply purchase: insert: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: apply purchase: rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if p.Credits > 0 {
		grant.AccountID = p.AccountID
		grant.Amount = p.Credits
		if err := grantTx(ctx, tx, &grant); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: apply purchase: commit: %w", err)
	}
	return true, nil
}
