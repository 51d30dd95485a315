package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusPaid      Status = "paid"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Open reports whether the request can still be paid through a checkout.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusSent
}

const (
	GatewayCancelNone      = ""
	GatewayCancelPending   = "pending"
	GatewayCancelConfirmed = "confirmed"
	GatewayCancelFailed    = "failed"
)

// PaymentRequest is an amount owed by a customer, created by the booking or
// invoicing side and driven to a terminal status by reconciliation.
type PaymentRequest struct {
	ID                    snowflake.ID `json:"id" gorm:"primaryKey"`
	CustomerID            string       `json:"customer_id"`
	CustomerEmail         string       `json:"customer_email"`
	BookingID             *string      `json:"booking_id,omitempty"`
	InvoiceID             *string      `json:"invoice_id,omitempty"`
	Amount                int64        `json:"amount"`
	Currency              string       `json:"currency"`
	Description           string       `json:"description"`
	Status                Status       `json:"status"`
	GatewayProvider       string       `json:"gateway_provider,omitempty"`
	CheckoutID            *string      `json:"checkout_id,omitempty"`
	CheckoutReference     *string      `json:"checkout_reference,omitempty"`
	CheckoutURL           *string      `json:"checkout_url,omitempty"`
	DueAt                 time.Time    `json:"due_at"`
	WebhookFailureCount   int          `json:"webhook_failure_count"`
	NextPollAt            *time.Time   `json:"next_poll_at,omitempty"`
	CancelReason          *string      `json:"cancel_reason,omitempty"`
	CancelledAt           *time.Time   `json:"cancelled_at,omitempty"`
	GatewayCancelStatus   string       `json:"gateway_cancel_status,omitempty"`
	GatewayCancelAttempts int          `json:"gateway_cancel_attempts"`
	LastEmittedStatus     *string      `json:"-"`
	PaidAt                *time.Time   `json:"paid_at,omitempty"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

func (PaymentRequest) TableName() string { return "payment_requests" }

type SessionState string

const (
	SessionOpening  SessionState = "opening"
	SessionOpen     SessionState = "open"
	SessionRejected SessionState = "rejected"
)

// CheckoutSession is written before the gateway is called so a crash between
// the remote create and the local update can be resumed with the same
// reference, which the gateway treats as an idempotency key.
type CheckoutSession struct {
	ID                snowflake.ID `json:"id" gorm:"primaryKey"`
	PaymentRequestID  snowflake.ID `json:"payment_request_id"`
	Provider          string       `json:"provider"`
	CheckoutReference string       `json:"checkout_reference"`
	CheckoutID        *string      `json:"checkout_id,omitempty"`
	RedirectURL       *string      `json:"redirect_url,omitempty"`
	Amount            int64        `json:"amount"`
	Currency          string       `json:"currency"`
	ReturnURL         string       `json:"return_url"`
	CancelURL         string       `json:"cancel_url"`
	State             SessionState `json:"state"`
	Error             *string      `json:"error,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (CheckoutSession) TableName() string { return "checkout_sessions" }

type CustomerStatus string

const (
	CustomerPending   CustomerStatus = "pending"
	CustomerSucceeded CustomerStatus = "succeeded"
	CustomerFailed    CustomerStatus = "failed"
)

// StatusView is the customer-safe projection of a request. It never carries
// gateway error detail.
type StatusView struct {
	ID              snowflake.ID   `json:"id"`
	Status          Status         `json:"status"`
	CustomerStatus  CustomerStatus `json:"customer_status"`
	Message         string         `json:"message"`
	Amount          int64          `json:"amount"`
	Currency        string         `json:"currency"`
	DueAt           time.Time      `json:"due_at"`
	CheckoutURL     *string        `json:"checkout_url,omitempty"`
	BookingUnlocked bool           `json:"booking_unlocked"`
}

const (
	MessagePending   = "Payment pending"
	MessageSucceeded = "Payment succeeded"
	MessageFailed    = "Payment failed, please retry"
	MessageClosed    = "Payment request closed"
)
