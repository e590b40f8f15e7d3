package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/PortNumber53/credit-ledger/internal/models"
	"github.com/PortNumber53/credit-ledger/internal/period"
)

// ApplyStoreVerification records the result of a platform-store receipt
// check. The processor fields of the row are left alone.
func (s *Service) ApplyStoreVerification(ctx context.Context, v models.StoreVerification) error {
	accountID := strings.TrimSpace(v.AccountID)
	if accountID == "" || v.ProductID == "" || v.OriginalTransactionID == "" {
		return fmt.Errorf("%w: store verification missing account, product or transaction id", ErrValidation)
	}
	if !period.Valid(v.ExpiresAt) {
		return fmt.Errorf("%w: store expiry %s out of range", ErrDerivation, v.ExpiresAt)
	}

	expires := v.ExpiresAt.UTC()
	patch := models.SubscriptionPatch{
		AccountID:             accountID,
		StoreProductID:        ptr(v.ProductID),
		OriginalTransactionID: ptr(v.OriginalTransactionID),
		StoreExpiresAt:        &expires,
	}
	if v.Active {
		tier := models.TierPro
		if v.Tier.Paid() {
			tier = v.Tier
		}
		patch.Status = ptr(models.StatusActive)
		patch.Tier = &tier
	} else {
		patch.Status = ptr(models.StatusInactive)
	}

	if err := s.store.UpdateSubscription(ctx, patch); err != nil {
		return fmt.Errorf("billing: apply store verification: %w", err)
	}

	s.logger.Info().
		Str("account_id", accountID).
		Str("product_id", v.ProductID).
		Bool("active", v.Active).
		Time("expires_at", expires).
		Msg("store verification applied")
	s.invalidate(ctx, accountID)
	return nil
}
