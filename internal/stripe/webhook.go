package stripe

import (
	"errors"
	"fmt"
	"strings"

	stripeapi "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
)

// SignatureHeader carries the processor's webhook signature.
const SignatureHeader = "Stripe-Signature"

var (
	// ErrSignature covers every authentication failure: missing secret,
	// missing header, bad signature and stale timestamps.
	ErrSignature     = errors.New("stripe: webhook signature verification failed")
	ErrMissingSecret = fmt.Errorf("%w: webhook secret not configured", ErrSignature)
	ErrMissingHeader = fmt.Errorf("%w: missing %s header", ErrSignature, SignatureHeader)
)

// VerifyEvent authenticates payload against sigHeader using secret and
// returns the parsed event. payload must be the exact request bytes.
func VerifyEvent(payload []byte, sigHeader, secret string) (stripeapi.Event, error) {
	if strings.TrimSpace(secret) == "" {
		return stripeapi.Event{}, ErrMissingSecret
	}
	if strings.TrimSpace(sigHeader) == "" {
		return stripeapi.Event{}, ErrMissingHeader
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripeapi.Event{}, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	return event, nil
}

// VerifyAndNormalize is VerifyEvent followed by Normalize.
func VerifyAndNormalize(payload []byte, sigHeader, secret string) (Event, error) {
	raw, err := VerifyEvent(payload, sigHeader, secret)
	if err != nil {
		return Event{}, err
	}
	return Normalize(raw)
}
