package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/PortNumber53/credit-ledger/internal/billing"
	"github.com/PortNumber53/credit-ledger/internal/models"
)

// AccountService bootstraps accounts and records store verifications.
type AccountService interface {
	EnsureAccount(ctx context.Context, accountID string) (bool, error)
	ApplyStoreVerification(ctx context.Context, v models.StoreVerification) error
}

// EntitlementChecker answers the gated-feature question.
type EntitlementChecker interface {
	CheckEntitlement(ctx context.Context, accountID string) (models.Entitlement, error)
}

type storeVerificationPayload struct {
	ProductID             string    `json:"product_id" validate:"required,max=255"`
	OriginalTransactionID string    `json:"original_transaction_id" validate:"required,max=255"`
	ExpiresAt             time.Time `json:"expires_at" validate:"required"`
	Active                bool      `json:"active"`
	Tier                  string    `json:"tier" validate:"omitempty,oneof=pro unlimited"`
}

func billingStatus(err error) int {
	if errors.Is(err, billing.ErrValidation) || errors.Is(err, billing.ErrDerivation) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// Entitlement returns {can_create, remaining, is_pro} for the account.
func Entitlement(svc EntitlementChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := accountParam(r)
		if accountID == "" {
			writeError(w, http.StatusBadRequest, "account id is required")
			return
		}

		e, err := svc.CheckEntitlement(r.Context(), accountID)
		if err != nil {
			logger(r).Error().Err(err).Str("account_id", accountID).Msg("entitlement check failed")
			writeError(w, http.StatusInternalServerError, "failed to check entitlement")
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

// BootstrapAccount creates the account rows and grants the signup bonus on
// first call. Repeat calls are no-ops.
func BootstrapAccount(svc AccountService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := accountParam(r)
		created, err := svc.EnsureAccount(r.Context(), accountID)
		if err != nil {
			logger(r).Error().Err(err).Str("account_id", accountID).Msg("bootstrap failed")
			writeError(w, billingStatus(err), "failed to bootstrap account")
			return
		}

		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, map[string]any{"account_id": accountID, "created": created})
	}
}

// StoreVerification records a platform-store receipt result for the account.
func StoreVerification(svc AccountService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload storeVerificationPayload
		if err := decodeJSON(w, r, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		accountID := accountParam(r)
		err := svc.ApplyStoreVerification(r.Context(), models.StoreVerification{
			AccountID:             accountID,
			ProductID:             payload.ProductID,
			OriginalTransactionID: payload.OriginalTransactionID,
			ExpiresAt:             payload.ExpiresAt,
			Active:                payload.Active,
			Tier:                  models.Tier(payload.Tier),
		})
		if err != nil {
			logger(r).Error().Err(err).Str("account_id", accountID).Msg("store verification failed")
			writeError(w, billingStatus(err), "failed to apply store verification")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}
