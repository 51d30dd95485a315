package domain

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Status is the gateway's view of a checkout. The set is closed; adapters
// map provider vocabulary onto it.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusPaid       Status = "PAID"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusExpired    Status = "EXPIRED"
	StatusRefunded   Status = "REFUNDED"
)

// ParseStatus accepts any casing and reports whether the value is known.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case StatusPending, StatusProcessing, StatusPaid, StatusFailed, StatusCancelled, StatusExpired, StatusRefunded:
		return s, true
	}
	return "", false
}

type CreateCheckoutInput struct {
	Amount            int64
	Currency          string
	CheckoutReference string
	CustomerEmail     string
	Description       string
	ReturnURL         string
	CancelURL         string
}

type CheckoutSession struct {
	CheckoutID        string
	CheckoutReference string
	RedirectURL       string
}

type CheckoutStatus struct {
	CheckoutID        string
	CheckoutReference string
	Status            Status
	TransactionID     string
	Amount            int64
	Currency          string
	Method            string
	FailureReason     string
	ObservedAt        time.Time
	RawPayload        []byte
}

// Client is the outbound side of a payment gateway.
type Client interface {
	CreateCheckout(ctx context.Context, in CreateCheckoutInput) (CheckoutSession, error)
	GetCheckoutStatus(ctx context.Context, checkoutID string) (CheckoutStatus, error)
	CancelCheckout(ctx context.Context, checkoutID string) error
}

// Notification is a verified, parsed webhook delivery.
type Notification struct {
	EventID           string
	EventType         string
	CheckoutReference string
	CheckoutID        string
	TransactionID     string
	Status            Status
	Amount            int64
	Currency          string
	Method            string
	FailureReason     string
	RefundAmount      int64
	RefundReason      string
	// OccurredAt is zero when the gateway did not timestamp the event.
	OccurredAt        time.Time
	RawPayload        []byte
}

// WebhookHandler verifies and parses inbound notifications.
type WebhookHandler interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*Notification, error)
}

type Adapter interface {
	Client
	WebhookHandler
}

// AdapterConfig carries credentials for one adapter instance. Values come
// from configuration at startup and are never read from globals.
type AdapterConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	ReturnURL     string
	CancelURL     string
	HTTPClient    *http.Client
	Now           func() time.Time
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (Adapter, error)
}
