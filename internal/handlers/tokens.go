package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/PortNumber53/credit-ledger/internal/ledger"
	"github.com/PortNumber53/credit-ledger/internal/models"
)

const defaultHistoryLimit = 50

// Ledger is the token ledger surface the HTTP API exposes.
type Ledger interface {
	GetBalance(ctx context.Context, accountID string) (models.TokenBalance, error)
	Consume(ctx context.Context, accountID, actionType string, referenceID *string) (ledger.ConsumeResult, error)
	Grant(ctx context.Context, accountID string, amount int64, grantType, description string) (models.TokenTransaction, error)
	History(ctx context.Context, accountID string, limit int) ([]models.TokenTransaction, error)
}

type consumePayload struct {
	ActionType  string  `json:"action_type" validate:"required,max=64"`
	ReferenceID *string `json:"reference_id" validate:"omitempty,max=255"`
}

type grantPayload struct {
	Amount      int64  `json:"amount" validate:"required,gt=0"`
	GrantType   string `json:"grant_type" validate:"required,max=64"`
	Description string `json:"description" validate:"max=500"`
}

func ledgerStatus(err error) int {
	if errors.Is(err, ledger.ErrInvalidAccount) || errors.Is(err, ledger.ErrInvalidAmount) || errors.Is(err, ledger.ErrInvalidAction) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// TokenBalance returns the account's balance row, zero when absent.
func TokenBalance(svc Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := svc.GetBalance(r.Context(), accountParam(r))
		if err != nil {
			logger(r).Error().Err(err).Msg("get balance failed")
			writeError(w, ledgerStatus(err), "failed to get balance")
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

// TokenTransactions lists the account's ledger entries newest first.
func TokenTransactions(svc Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := limitParam(r, defaultHistoryLimit)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		txs, err := svc.History(r.Context(), accountParam(r), limit)
		if err != nil {
			logger(r).Error().Err(err).Msg("list transactions failed")
			writeError(w, ledgerStatus(err), "failed to list transactions")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
	}
}

// ConsumeToken debits one token. An empty balance is 402 with the result body.
func ConsumeToken(svc Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload consumePayload
		if err := decodeJSON(w, r, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		res, err := svc.Consume(r.Context(), accountParam(r), payload.ActionType, payload.ReferenceID)
		if err != nil {
			logger(r).Error().Err(err).Msg("consume failed")
			writeError(w, ledgerStatus(err), "failed to consume token")
			return
		}

		status := http.StatusOK
		if res.Status == ledger.InsufficientBalance {
			status = http.StatusPaymentRequired
		}
		writeJSON(w, status, res)
	}
}

// GrantTokens credits tokens to the account.
func GrantTokens(svc Ledger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload grantPayload
		if err := decodeJSON(w, r, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		entry, err := svc.Grant(r.Context(), accountParam(r), payload.Amount, payload.GrantType, payload.Description)
		if err != nil {
			logger(r).Error().Err(err).Msg("grant failed")
			writeError(w, ledgerStatus(err), "failed to grant tokens")
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}
