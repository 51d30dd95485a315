package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// WebhookEvent is written before any processing runs. Afterwards only the
// parsed identifiers and the processing outcome change.
type WebhookEvent struct {
	ID                snowflake.ID `json:"id" gorm:"primaryKey"`
	Provider          string       `json:"provider"`
	EventID           *string      `json:"event_id,omitempty"`
	EventType         *string      `json:"event_type,omitempty"`
	CheckoutReference *string      `json:"checkout_reference,omitempty"`
	TransactionID     *string      `json:"transaction_id,omitempty"`
	Payload           string       `json:"payload"`
	SignatureValid    bool         `json:"signature_valid"`
	Processed         bool         `json:"processed"`
	ErrorMessage      *string      `json:"error_message,omitempty"`
	ReceivedAt        time.Time    `json:"received_at"`
	ProcessedAt       *time.Time   `json:"processed_at,omitempty"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

type FailureKind string

const (
	KindUnmatchedReference FailureKind = "unmatched_reference"
	KindMalformedPayload   FailureKind = "malformed_payload"
	KindProcessingError    FailureKind = "processing_error"
	KindPollExhausted      FailureKind = "poll_exhausted"
	KindLatePayment        FailureKind = "late_payment"
	KindCancelMismatch     FailureKind = "cancel_mismatch"
	KindIntegrityViolation FailureKind = "integrity_violation"
)

func (k FailureKind) Valid() bool {
	switch k {
	case KindUnmatchedReference, KindMalformedPayload, KindProcessingError, KindPollExhausted,
		KindLatePayment, KindCancelMismatch, KindIntegrityViolation:
		return true
	}
	return false
}

// ProcessingFailure is an operator-facing entry that stays until resolved.
type ProcessingFailure struct {
	ID                snowflake.ID  `json:"id" gorm:"primaryKey"`
	WebhookEventID    *snowflake.ID `json:"webhook_event_id,omitempty"`
	PaymentRequestID  *snowflake.ID `json:"payment_request_id,omitempty"`
	Kind              FailureKind   `json:"kind"`
	CheckoutReference string        `json:"checkout_reference"`
	Message           string        `json:"message"`
	RetryCount        int           `json:"retry_count"`
	MaxRetries        int           `json:"max_retries"`
	NextRetryAt       *time.Time    `json:"next_retry_at,omitempty"`
	Resolved          bool          `json:"resolved"`
	ResolvedAt        *time.Time    `json:"resolved_at,omitempty"`
	ResolutionNote    *string       `json:"resolution_note,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

func (ProcessingFailure) TableName() string { return "processing_failures" }

// Exhausted reports whether automatic retries are used up.
func (f ProcessingFailure) Exhausted() bool {
	return f.RetryCount >= f.MaxRetries
}
