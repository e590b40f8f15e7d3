package stripe

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	stripeapi "github.com/stripe/stripe-go/v76"

	"github.com/PortNumber53/credit-ledger/internal/models"
	"github.com/PortNumber53/credit-ledger/internal/period"
)

// Event types the dispatcher routes.
const (
	EventCheckoutCompleted       = "checkout.session.completed"
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventSubscriptionPaused      = "customer.subscription.paused"
	EventSubscriptionResumed     = "customer.subscription.resumed"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
)

// ErrMalformedPayload is returned when an authenticated event cannot be
// decoded into the shape its type requires.
var ErrMalformedPayload = errors.New("stripe: malformed event payload")

// Event is the canonical internal shape of a processor event. Exactly one of
// the object pointers is set for a known type; all are nil otherwise.
type Event struct {
	ID           string
	Type         string
	Created      time.Time
	Checkout     *CheckoutSession
	Subscription *Subscription
	Invoice      *Invoice
}

// CheckoutSession is the subset of a checkout session the billing flows read.
type CheckoutSession struct {
	ID                string
	Mode              string
	PaymentStatus     string
	CustomerID        string
	SubscriptionID    string
	ClientReferenceID string
	AmountTotal       int64
	Currency          string
	Metadata          map[string]string
}

// Subscription is a processor subscription with period fields resolved from
// either the object or its first item.
type Subscription struct {
	ID                 string
	CustomerID         string
	Status             string
	CancelAtPeriodEnd  bool
	Created            *time.Time
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	Interval           period.Interval
	IntervalCount      int64
	PriceID            string
	Tier               models.Tier
	Metadata           map[string]string
}

// PeriodInput feeds the subscription's timing fields to the resolver.
func (s *Subscription) PeriodInput() period.Input {
	return period.Input{
		End:           s.CurrentPeriodEnd,
		Created:       s.Created,
		Interval:      s.Interval,
		IntervalCount: s.IntervalCount,
	}
}

// Invoice is the subset of an invoice the billing flows read.
type Invoice struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	BillingReason  string
}

// Normalize decodes the event payload into the canonical shape. Field names
// are accepted in snake_case and camelCase, and period fields are read from
// the subscription item when the object itself omits them.
func Normalize(evt stripeapi.Event) (Event, error) {
	out := Event{ID: evt.ID, Type: string(evt.Type)}
	if evt.Created > 0 {
		out.Created = time.Unix(evt.Created, 0).UTC()
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return out, fmt.Errorf("%w: missing data.object", ErrMalformedPayload)
	}

	payload, err := decodeObject(evt.Data.Raw)
	if err != nil {
		return out, err
	}

	switch out.Type {
	case EventCheckoutCompleted:
		out.Checkout = checkoutFromMap(payload)
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted,
		EventSubscriptionPaused, EventSubscriptionResumed:
		out.Subscription = subscriptionFromMap(payload)
	case EventInvoicePaymentFailed, EventInvoicePaymentSucceeded:
		out.Invoice = invoiceFromMap(payload)
	}
	return out, nil
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: data.object is not an object", ErrMalformedPayload)
	}
	return obj, nil
}

func checkoutFromMap(m map[string]any) *CheckoutSession {
	return &CheckoutSession{
		ID:                str(m, "id"),
		Mode:              str(m, "mode"),
		PaymentStatus:     str(m, "payment_status", "paymentStatus"),
		CustomerID:        ref(m, "customer", "customerId"),
		SubscriptionID:    ref(m, "subscription", "subscriptionId"),
		ClientReferenceID: str(m, "client_reference_id", "clientReferenceId"),
		AmountTotal:       integer(m, "amount_total", "amountTotal"),
		Currency:          str(m, "currency"),
		Metadata:          stringMap(m, "metadata"),
	}
}

func subscriptionFromMap(m map[string]any) *Subscription {
	sub := &Subscription{
		ID:                 str(m, "id"),
		CustomerID:         ref(m, "customer", "customerId"),
		Status:             str(m, "status"),
		CancelAtPeriodEnd:  boolean(m, "cancel_at_period_end", "cancelAtPeriodEnd"),
		Created:            unixTime(m, "created", "start_date", "startDate"),
		CurrentPeriodStart: unixTime(m, "current_period_start", "currentPeriodStart"),
		CurrentPeriodEnd:   unixTime(m, "current_period_end", "currentPeriodEnd"),
		Metadata:           stringMap(m, "metadata"),
	}

	item := firstItem(m)
	if item != nil {
		if sub.CurrentPeriodEnd == nil {
			sub.CurrentPeriodEnd = unixTime(item, "current_period_end", "currentPeriodEnd")
		}
		if sub.CurrentPeriodStart == nil {
			sub.CurrentPeriodStart = unixTime(item, "current_period_start", "currentPeriodStart")
		}
	}

	price := obj(item, "price")
	if price == nil {
		price = obj(m, "plan")
	}
	if price != nil {
		sub.PriceID = str(price, "id")
		recurring := obj(price, "recurring")
		if recurring == nil {
			// Legacy plan objects carry the interval at the top level.
			recurring = price
		}
		sub.Interval = period.Interval(str(recurring, "interval"))
		sub.IntervalCount = integer(recurring, "interval_count", "intervalCount")
	}

	sub.Tier = TierFromMetadata(stringMap(price, "metadata"), sub.Metadata)
	return sub
}

func invoiceFromMap(m map[string]any) *Invoice {
	inv := &Invoice{
		ID:             str(m, "id"),
		CustomerID:     ref(m, "customer", "customerId"),
		SubscriptionID: ref(m, "subscription", "subscriptionId"),
		BillingReason:  str(m, "billing_reason", "billingReason"),
	}
	if inv.SubscriptionID == "" {
		// Newer API versions move the link under parent.subscription_details.
		details := obj(obj(m, "parent"), "subscription_details")
		inv.SubscriptionID = ref(details, "subscription")
	}
	return inv
}

// TierFromMetadata returns unlimited when any metadata map says so, pro when
// one names pro, and "" when none names a paid tier.
func TierFromMetadata(maps ...map[string]string) models.Tier {
	var tier models.Tier
	for _, md := range maps {
		switch strings.ToLower(strings.TrimSpace(md["tier"])) {
		case string(models.TierUnlimited):
			return models.TierUnlimited
		case string(models.TierPro):
			tier = models.TierPro
		}
	}
	return tier
}

func firstItem(m map[string]any) map[string]any {
	items := obj(m, "items")
	if items == nil {
		return nil
	}
	data, ok := items["data"].([]any)
	if !ok || len(data) == 0 {
		return nil
	}
	first, _ := data[0].(map[string]any)
	return first
}

func lookup(m map[string]any, keys ...string) (any, bool) {
	if m == nil {
		return nil, false
	}
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func obj(m map[string]any, keys ...string) map[string]any {
	v, _ := lookup(m, keys...)
	out, _ := v.(map[string]any)
	return out
}

func str(m map[string]any, keys ...string) string {
	v, _ := lookup(m, keys...)
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// ref reads a field that is either an id string or an expanded object.
func ref(m map[string]any, keys ...string) string {
	v, _ := lookup(m, keys...)
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		return str(t, "id")
	}
	return ""
}

func boolean(m map[string]any, keys ...string) bool {
	v, _ := lookup(m, keys...)
	b, _ := v.(bool)
	return b
}

func integer(m map[string]any, keys ...string) int64 {
	v, _ := lookup(m, keys...)
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return int64(f)
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// unixTime reads epoch seconds or an RFC 3339 string. Zero and unparsable
// values are treated as absent.
func unixTime(m map[string]any, keys ...string) *time.Time {
	v, ok := lookup(m, keys...)
	if !ok {
		return nil
	}
	if s, isString := v.(string); isString {
		if t, err := time.Parse(time.RFC3339, strings.TrimSpace(s)); err == nil {
			t = t.UTC()
			return &t
		}
	}
	secs := integer(m, keys...)
	if secs <= 0 {
		return nil
	}
	t := time.Unix(secs, 0).UTC()
	return &t
}

func stringMap(m map[string]any, keys ...string) map[string]string {
	raw := obj(m, keys...)
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			out[k] = t
		case json.Number:
			out[k] = t.String()
		case bool:
			out[k] = strconv.FormatBool(t)
		}
	}
	return out
}
