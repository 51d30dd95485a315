package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type EventFilter struct {
	Provider          string
	CheckoutReference string
	Processed         *bool
	BeforeID          snowflake.ID
	Limit             int
}

type FailureFilter struct {
	Kind             FailureKind
	Resolved         *bool
	PaymentRequestID snowflake.ID
	BeforeID         snowflake.ID
	Limit            int
}

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *WebhookEvent) error
	AnnotateEvent(ctx context.Context, db *gorm.DB, id snowflake.ID, ann Annotation) error
	FinishEvent(ctx context.Context, db *gorm.DB, id snowflake.ID, processed bool, message *string, at time.Time) error
	FindEvent(ctx context.Context, db *gorm.DB, id snowflake.ID) (*WebhookEvent, error)
	ListEvents(ctx context.Context, db *gorm.DB, filter EventFilter) ([]WebhookEvent, error)

	InsertFailure(ctx context.Context, db *gorm.DB, failure *ProcessingFailure) error
	// FindOpenFailure returns the unresolved failure of kind for the event,
	// or for the reference when the failure has no event.
	FindOpenFailure(ctx context.Context, db *gorm.DB, kind FailureKind, eventID *snowflake.ID, reference string) (*ProcessingFailure, error)
	FindFailure(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ProcessingFailure, error)
	ListDueFailures(ctx context.Context, db *gorm.DB, kind FailureKind, now time.Time, limit int) ([]ProcessingFailure, error)
	UpdateRetry(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, next *time.Time, now time.Time) error
	Resolve(ctx context.Context, db *gorm.DB, id snowflake.ID, note string, now time.Time) (bool, error)
	ListFailures(ctx context.Context, db *gorm.DB, filter FailureFilter) ([]ProcessingFailure, error)
}
