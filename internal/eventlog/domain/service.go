package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/pkg/db/pagination"
)

// Annotation fills the identifiers of an event once its payload parsed.
type Annotation struct {
	EventID           string
	EventType         string
	CheckoutReference string
	TransactionID     string
	SignatureValid    bool
}

type FailureInput struct {
	WebhookEventID    *snowflake.ID
	PaymentRequestID  *snowflake.ID
	Kind              FailureKind
	CheckoutReference string
	Message           string
	MaxRetries        int
	NextRetryAt       *time.Time
}

type ListEventsRequest struct {
	pagination.Pagination
	Provider          string `form:"provider"`
	CheckoutReference string `form:"checkout_reference"`
	Processed         *bool  `form:"processed"`
}

type ListEventsResponse struct {
	pagination.PageInfo
	Events []WebhookEvent `json:"webhook_events"`
}

type ListFailuresRequest struct {
	pagination.Pagination
	Kind             string `form:"kind"`
	Resolved         *bool  `form:"resolved"`
	PaymentRequestID string `form:"payment_request_id"`
}

type ListFailuresResponse struct {
	pagination.PageInfo
	Failures []ProcessingFailure `json:"failures"`
}

type Service interface {
	RecordReceived(ctx context.Context, provider string, payload []byte) (*WebhookEvent, error)
	Annotate(ctx context.Context, id snowflake.ID, ann Annotation) error
	// MarkProcessed closes an event; note records why it was ignored, if it was.
	MarkProcessed(ctx context.Context, id snowflake.ID, note string) error
	MarkFailed(ctx context.Context, id snowflake.ID, message string) error
	GetEvent(ctx context.Context, id snowflake.ID) (*WebhookEvent, error)
	ListEvents(ctx context.Context, req ListEventsRequest) (ListEventsResponse, error)

	// RecordFailure creates a failure entry, or returns the open one for the
	// same event (or reference) and kind.
	RecordFailure(ctx context.Context, in FailureInput) (*ProcessingFailure, error)
	DueRetries(ctx context.Context, kind FailureKind, limit int) ([]ProcessingFailure, error)
	RecordRetry(ctx context.Context, failure ProcessingFailure, message string, next *time.Time) error
	Resolve(ctx context.Context, id snowflake.ID, note string) (*ProcessingFailure, error)
	ListFailures(ctx context.Context, req ListFailuresRequest) (ListFailuresResponse, error)
}
