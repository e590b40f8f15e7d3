package billing

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PortNumber53/credit-ledger/internal/models"
	"github.com/PortNumber53/credit-ledger/internal/stripe"
)

const (
	defaultPurchaseType = "credits"
	signupBonusType     = "signup_bonus"
	signupSessionPrefix = "signup:"
)

var creditMetadataKeys = []string{"credits", "tokens", "credit_count"}

// applyCreditPurchase grants the credits of a paid one-time checkout. The
// session id makes it exactly-once across redeliveries.
func (s *Service) applyCreditPurchase(ctx context.Context, cs *stripe.CheckoutSession) (Result, error) {
	if cs.ID == "" {
		return Result{}, fmt.Errorf("%w: payment checkout without session id", ErrValidation)
	}

	accountID := metadataAccount(cs.Metadata)
	if accountID == "" {
		accountID = strings.TrimSpace(cs.ClientReferenceID)
	}
	if accountID == "" {
		return Result{}, fmt.Errorf("%w: payment checkout %s without account", ErrValidation, cs.ID)
	}

	if cs.PaymentStatus != "" && cs.PaymentStatus != "paid" && cs.PaymentStatus != "no_payment_required" {
		return ignored(accountID, fmt.Sprintf("payment status %q", cs.PaymentStatus)), nil
	}

	credits, err := creditsFromMetadata(cs.Metadata)
	if err != nil {
		return Result{AccountID: accountID}, fmt.Errorf("%w: checkout %s: %v", ErrValidation, cs.ID, err)
	}

	purchaseType := strings.TrimSpace(cs.Metadata["purchase_type"])
	if purchaseType == "" {
		purchaseType = defaultPurchaseType
	}

	sessionID := cs.ID
	ok, err := s.store.ApplyPurchase(ctx, models.Purchase{
		SessionID:    sessionID,
		AccountID:    accountID,
		Credits:      credits,
		PurchaseType: purchaseType,
		AmountTotal:  cs.AmountTotal,
		Currency:     cs.Currency,
	}, models.TokenTransaction{
		ActionType:  "purchase",
		ReferenceID: &sessionID,
		Description: fmt.Sprintf("Purchased %d credits", credits),
	})
	if err != nil {
		return Result{AccountID: accountID}, fmt.Errorf("billing: apply purchase: %w", err)
	}
	if !ok {
		return Result{Outcome: models.OutcomeDuplicate, AccountID: accountID, Reason: "session already applied"}, nil
	}
	return applied(accountID), nil
}

func creditsFromMetadata(md map[string]string) (int64, error) {
	for _, k := range creditMetadataKeys {
		raw := strings.TrimSpace(md[k])
		if raw == "" {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid %s %q", k, raw)
		}
		return n, nil
	}
	return 0, fmt.Errorf("no credit count in metadata")
}

// EnsureAccount creates the account's subscription and balance rows and
// grants the signup bonus once. created reports whether the account is new.
func (s *Service) EnsureAccount(ctx context.Context, accountID string) (bool, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return false, fmt.Errorf("%w: account id is required", ErrValidation)
	}

	created, err := s.store.EnsureAccount(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("billing: ensure account: %w", err)
	}

	if s.signupBonus > 0 {
		sessionID := signupSessionPrefix + accountID
		granted, err := s.store.ApplyPurchase(ctx, models.Purchase{
			SessionID:    sessionID,
			AccountID:    accountID,
			Credits:      s.signupBonus,
			PurchaseType: signupBonusType,
		}, models.TokenTransaction{
			ActionType:  signupBonusType,
			ReferenceID: &sessionID,
			Description: "Signup bonus",
		})
		if err != nil {
			return created, fmt.Errorf("billing: signup bonus: %w", err)
		}
		if granted {
			s.logger.Info().Str("account_id", accountID).Int64("tokens", s.signupBonus).Msg("signup bonus granted")
		}
	}

	s.invalidate(ctx, accountID)
	return created, nil
}
