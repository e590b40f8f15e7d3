package store

import (
	"context"
	"fmt"

	"github.com/PortNumber53/credit-ledger/internal/models"
)

// RecordWebhookEvent appends one delivery to the audit log. Redeliveries of
// the same event produce separate rows.
func (s *Store) RecordWebhookEvent(ctx context.Context, rec models.WebhookEventRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO webhook_events (event_id, event_type, account_id, outcome, error)
VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''))
	`,
		rec.EventID,
		rec.Type,
		rec.AccountID,
		string(rec.Outcome),
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("store: record webhook event: %w", err)
	}
	return nil
}
