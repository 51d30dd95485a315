package fanout

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"

	paymentdomain "github.com/smallbiznis/clinicpay/internal/payment/domain"
	prdomain "github.com/smallbiznis/clinicpay/internal/paymentrequest/domain"
	prservice "github.com/smallbiznis/clinicpay/internal/paymentrequest/service"
)

type Subject string

const (
	SubjectPayment        Subject = "payment"
	SubjectPaymentRequest Subject = "payment_request"
)

// StatusChanged is published once per terminal outcome of a payment or a
// payment request. Consumers on the booking side act on BookingUnlocked.
type StatusChanged struct {
	EventID           string                  `json:"event_id"`
	Subject           Subject                 `json:"subject"`
	PaymentRequestID  snowflake.ID            `json:"payment_request_id"`
	PaymentID         *snowflake.ID           `json:"payment_id,omitempty"`
	CheckoutReference string                  `json:"checkout_reference,omitempty"`
	Status            string                  `json:"status"`
	CustomerStatus    prdomain.CustomerStatus `json:"customer_status"`
	Message           string                  `json:"message"`
	BookingID         *string                 `json:"booking_id,omitempty"`
	InvoiceID         *string                 `json:"invoice_id,omitempty"`
	BookingUnlocked   bool                    `json:"booking_unlocked"`
	Amount            int64                   `json:"amount"`
	Currency          string                  `json:"currency"`
	OccurredAt        time.Time               `json:"occurred_at"`

	CustomerEmail  string     `json:"-"`
	Description    string     `json:"-"`
	PaidAt         *time.Time `json:"-"`
	NotifyCustomer bool       `json:"-"`
}

// Key is the partitioning key; all events of one request stay ordered.
func (e StatusChanged) Key() string {
	return e.PaymentRequestID.String()
}

// Sink delivers an emitted event to one transport.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev StatusChanged) error
}

// RequestEvent describes a request reaching a terminal status.
func RequestEvent(req *prdomain.PaymentRequest, latest *paymentdomain.Payment, at time.Time) StatusChanged {
	view := prservice.CustomerView(req, latest)
	return StatusChanged{
		EventID:           newEventID(),
		Subject:           SubjectPaymentRequest,
		PaymentRequestID:  req.ID,
		CheckoutReference: deref(req.CheckoutReference),
		Status:            string(req.Status),
		CustomerStatus:    view.CustomerStatus,
		Message:           view.Message,
		BookingID:         req.BookingID,
		InvoiceID:         req.InvoiceID,
		BookingUnlocked:   view.BookingUnlocked,
		Amount:            req.Amount,
		Currency:          req.Currency,
		OccurredAt:        at,
		CustomerEmail:     req.CustomerEmail,
		Description:       req.Description,
		PaidAt:            req.PaidAt,
		NotifyCustomer:    req.Status == prdomain.StatusPaid,
	}
}

// PaymentEvent describes a payment reaching a terminal status. A failed
// payment notifies the customer so they can retry.
func PaymentEvent(req *prdomain.PaymentRequest, p *paymentdomain.Payment, at time.Time) StatusChanged {
	view := prservice.CustomerView(req, p)
	id := p.ID
	return StatusChanged{
		EventID:           newEventID(),
		Subject:           SubjectPayment,
		PaymentRequestID:  req.ID,
		PaymentID:         &id,
		CheckoutReference: p.CheckoutReference,
		Status:            string(p.Status),
		CustomerStatus:    view.CustomerStatus,
		Message:           view.Message,
		BookingID:         req.BookingID,
		InvoiceID:         req.InvoiceID,
		BookingUnlocked:   view.BookingUnlocked,
		Amount:            p.Amount,
		Currency:          p.Currency,
		OccurredAt:        at,
		CustomerEmail:     req.CustomerEmail,
		NotifyCustomer:    p.Status == paymentdomain.StatusFailed,
	}
}

func newEventID() string {
	return "evt_" + strings.ToLower(ulid.Make().String())
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
