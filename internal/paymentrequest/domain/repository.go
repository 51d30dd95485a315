package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, req *PaymentRequest) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PaymentRequest, error)
	// Lock reads the request with a row lock held until tx ends.
	Lock(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*PaymentRequest, error)
	// LockByCheckoutReference resolves any historical checkout reference of a
	// request and locks the request row.
	LockByCheckoutReference(ctx context.Context, tx *gorm.DB, reference string) (*PaymentRequest, error)
	// Update writes req only if its stored status still equals expected.
	Update(ctx context.Context, tx *gorm.DB, req *PaymentRequest, expected Status) error
	IncrementWebhookFailures(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	SetNextPollAt(ctx context.Context, db *gorm.DB, id snowflake.ID, next *time.Time) error
	ClaimEmission(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status) (bool, error)
	ListUnemitted(ctx context.Context, db *gorm.DB, statuses []Status, updatedBefore time.Time, limit int) ([]PaymentRequest, error)
	ListExpirable(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error)
	ListCancellationsDue(ctx context.Context, db *gorm.DB, updatedBefore time.Time, limit int) ([]PaymentRequest, error)

	InsertSession(ctx context.Context, tx *gorm.DB, session *CheckoutSession) error
	FindSessionByReference(ctx context.Context, db *gorm.DB, reference string) (*CheckoutSession, error)
	FindOpeningSession(ctx context.Context, db *gorm.DB, requestID snowflake.ID) (*CheckoutSession, error)
	ListSessions(ctx context.Context, db *gorm.DB, requestID snowflake.ID) ([]CheckoutSession, error)
	// ListStaleOpeningSessions returns sessions stuck in opening whose last
	// attempt is older than updatedBefore.
	ListStaleOpeningSessions(ctx context.Context, db *gorm.DB, updatedBefore time.Time, limit int) ([]CheckoutSession, error)
	TouchSession(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	MarkSessionOpen(ctx context.Context, tx *gorm.DB, id snowflake.ID, checkoutID, redirectURL string, now time.Time) error
	MarkSessionRejected(ctx context.Context, db *gorm.DB, id snowflake.ID, message string, now time.Time) error
}
