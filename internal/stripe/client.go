package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	stripeapi "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/PortNumber53/credit-ledger/internal/period"
)

// LookupStatus classifies the outcome of a processor call-back.
type LookupStatus int

const (
	// LookupFound means the canonical object was returned.
	LookupFound LookupStatus = iota
	// LookupDegraded means the object is gone or the processor could not be
	// reached in time; callers fall back to payload data.
	LookupDegraded
	// LookupFatal means the call-back is misconfigured (bad credentials or
	// permissions) and the event should fail so the processor redelivers it.
	LookupFatal
)

func (s LookupStatus) String() string {
	switch s {
	case LookupFound:
		return "found"
	case LookupDegraded:
		return "degraded"
	default:
		return "fatal"
	}
}

// SubscriptionLookup is the result of FetchSubscription.
type SubscriptionLookup struct {
	Status       LookupStatus
	Subscription *Subscription
	Err          error
}

type subscriptionGetter interface {
	Get(id string, params *stripeapi.SubscriptionParams) (*stripeapi.Subscription, error)
}

// Client fetches canonical objects from the processor API. A Client built
// without a secret key reports every lookup as degraded.
type Client struct {
	subscriptions subscriptionGetter
	timeout       time.Duration
	logger        zerolog.Logger
}

// NewClient creates a processor API client with a bounded per-call timeout.
func NewClient(secretKey string, timeout time.Duration, logger zerolog.Logger) *Client {
	c := &Client{
		timeout: timeout,
		logger:  logger.With().Str("component", "stripe").Logger(),
	}
	if strings.TrimSpace(secretKey) == "" {
		return c
	}

	httpClient := &http.Client{Timeout: timeout}
	backends := &stripeapi.Backends{
		API: stripeapi.GetBackendWithConfig(stripeapi.APIBackend, &stripeapi.BackendConfig{
			HTTPClient: httpClient,
		}),
		Connect: stripeapi.GetBackendWithConfig(stripeapi.ConnectBackend, &stripeapi.BackendConfig{
			HTTPClient: httpClient,
		}),
		Uploads: stripeapi.GetBackendWithConfig(stripeapi.UploadsBackend, &stripeapi.BackendConfig{
			HTTPClient: httpClient,
		}),
	}
	sc := &client.API{}
	sc.Init(secretKey, backends)
	c.subscriptions = sc.Subscriptions
	return c
}

// Configured reports whether call-backs are possible.
func (c *Client) Configured() bool {
	return c != nil && c.subscriptions != nil
}

// FetchSubscription retrieves the canonical subscription. It never returns a
// Go error; the outcome is carried in the lookup status.
func (c *Client) FetchSubscription(ctx context.Context, id string) SubscriptionLookup {
	if !c.Configured() {
		return SubscriptionLookup{Status: LookupDegraded, Err: errors.New("stripe: client not configured")}
	}
	if strings.TrimSpace(id) == "" {
		return SubscriptionLookup{Status: LookupDegraded, Err: errors.New("stripe: empty subscription id")}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	params := &stripeapi.SubscriptionParams{}
	params.Context = ctx
	sub, err := c.subscriptions.Get(id, params)
	if err != nil {
		status := classify(err)
		c.logger.Warn().
			Err(err).
			Str("subscription_id", id).
			Str("lookup", status.String()).
			Msg("subscription lookup failed")
		return SubscriptionLookup{Status: status, Err: fmt.Errorf("stripe: get subscription %s: %w", id, err)}
	}
	return SubscriptionLookup{Status: LookupFound, Subscription: FromAPISubscription(sub)}
}

func classify(err error) LookupStatus {
	var apiErr *stripeapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == stripeapi.ErrorCodeResourceMissing || apiErr.HTTPStatusCode == http.StatusNotFound {
			return LookupDegraded
		}
		if apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden {
			return LookupFatal
		}
	}
	return LookupDegraded
}

// FromAPISubscription converts an SDK subscription into the canonical shape.
func FromAPISubscription(s *stripeapi.Subscription) *Subscription {
	if s == nil {
		return nil
	}
	out := &Subscription{
		ID:                 s.ID,
		Status:             string(s.Status),
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		Created:            epoch(s.Created),
		CurrentPeriodStart: epoch(s.CurrentPeriodStart),
		CurrentPeriodEnd:   epoch(s.CurrentPeriodEnd),
		Metadata:           s.Metadata,
	}
	if s.Customer != nil {
		out.CustomerID = s.Customer.ID
	}

	var priceMetadata map[string]string
	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0] != nil {
		item := s.Items.Data[0]
		if price := item.Price; price != nil {
			out.PriceID = price.ID
			priceMetadata = price.Metadata
			if price.Recurring != nil {
				out.Interval = period.Interval(price.Recurring.Interval)
				out.IntervalCount = price.Recurring.IntervalCount
			}
		}
	}
	out.Tier = TierFromMetadata(priceMetadata, s.Metadata)
	return out
}

func epoch(secs int64) *time.Time {
	if secs <= 0 {
		return nil
	}
	t := time.Unix(secs, 0).UTC()
	return &t
}
