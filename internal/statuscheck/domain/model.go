package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// PaymentStatusCheck drives polling of the gateway for one checkout when
// webhooks are late or missing. At most one check per request is active.
type PaymentStatusCheck struct {
	ID                snowflake.ID `json:"id" gorm:"primaryKey"`
	PaymentRequestID  snowflake.ID `json:"payment_request_id"`
	Provider          string       `json:"provider"`
	CheckoutID        string       `json:"checkout_id"`
	CheckoutReference string       `json:"checkout_reference"`
	AttemptCount      int          `json:"attempt_count"`
	MaxAttempts       int          `json:"max_attempts"`
	NextCheckAt       time.Time    `json:"next_check_at"`
	Status            Status       `json:"status"`
	LastGatewayStatus *string      `json:"last_gateway_status,omitempty"`
	LastError         *string      `json:"last_error,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

func (PaymentStatusCheck) TableName() string { return "payment_status_checks" }

// Attempt is the outcome of one poll written back to a claimed check.
type Attempt struct {
	GatewayStatus string
	Error         string
	NextCheckAt   time.Time
	At            time.Time
}

type Repository interface {
	Insert(ctx context.Context, tx *gorm.DB, check *PaymentStatusCheck) error
	// CloseActiveForRequest moves the active check, if any, to status.
	CloseActiveForRequest(ctx context.Context, tx *gorm.DB, requestID snowflake.ID, status Status, now time.Time) (int64, error)
	FindActiveByRequest(ctx context.Context, db *gorm.DB, requestID snowflake.ID) (*PaymentStatusCheck, error)
	ListByRequest(ctx context.Context, db *gorm.DB, requestID snowflake.ID) ([]PaymentStatusCheck, error)
	// ClaimDue leases up to limit due checks by pushing next_check_at to
	// leaseUntil. Returned checks carry the lease in NextCheckAt.
	ClaimDue(ctx context.Context, db *gorm.DB, now, leaseUntil time.Time, limit int) ([]PaymentStatusCheck, error)
	// RecordAttempt applies only while the caller still holds the lease.
	RecordAttempt(ctx context.Context, db *gorm.DB, check PaymentStatusCheck, attempt Attempt) (bool, error)
	// MarkFailed closes an exhausted check while the caller holds the lease.
	MarkFailed(ctx context.Context, db *gorm.DB, check PaymentStatusCheck, attempt Attempt) (bool, error)
}
