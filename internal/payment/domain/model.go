package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaid       Status = "paid"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
	StatusCancelled  Status = "cancelled"
)

// Terminal statuses are never left, except failed->paid and paid->refunded
// which the state machine allows explicitly.
func (s Status) Terminal() bool {
	switch s {
	case StatusPaid, StatusFailed, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Source identifies what produced an observation.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourcePoll    Source = "poll"
	SourceCancel  Source = "cancel"
	SourceManual  Source = "manual"
)

type StatusChange struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	At        time.Time `json:"at"`
	Source    Source    `json:"source"`
	EventType string    `json:"event_type,omitempty"`
}

// Payment is the single local record of money movement for one checkout
// reference. Rows without a payment request are orphans awaiting review.
type Payment struct {
	ID                snowflake.ID                      `json:"id" gorm:"primaryKey"`
	PaymentRequestID  *snowflake.ID                     `json:"payment_request_id"`
	CustomerID        string                            `json:"customer_id"`
	TransactionID     *string                           `json:"transaction_id"`
	CheckoutID        *string                           `json:"checkout_id"`
	CheckoutReference string                            `json:"checkout_reference"`
	Amount            int64                             `json:"amount"`
	Currency          string                            `json:"currency"`
	Status            Status                            `json:"status"`
	Method            *string                           `json:"method"`
	FailureReason     *string                           `json:"failure_reason"`
	RefundAmount      int64                             `json:"refund_amount"`
	RefundReason      *string                           `json:"refund_reason"`
	StatusHistory     datatypes.JSONSlice[StatusChange] `json:"status_history"`
	GatewayObservedAt *time.Time                        `json:"gateway_observed_at"`
	LastEmittedStatus *string                           `json:"-"`
	CreatedAt         time.Time                         `json:"created_at"`
	UpdatedAt         time.Time                         `json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

// AppendHistory records a transition unless it repeats the last entry.
func (p *Payment) AppendHistory(change StatusChange) {
	if n := len(p.StatusHistory); n > 0 {
		last := p.StatusHistory[n-1]
		if last.From == change.From && last.To == change.To {
			return
		}
	}
	p.StatusHistory = append(p.StatusHistory, change)
}
