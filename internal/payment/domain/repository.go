package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository methods take the handle to run on so callers can compose them
// inside one transaction.
type Repository interface {
	// Guard materialises at most one Payment per checkout reference and
	// returns it locked for the rest of tx. inserted reports whether the
	// candidate became the row.
	Guard(ctx context.Context, tx *gorm.DB, candidate *Payment) (*Payment, bool, error)
	// Update writes p only if its stored status still equals expected.
	Update(ctx context.Context, tx *gorm.DB, p *Payment, expected Status) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Payment, error)
	FindByReference(ctx context.Context, db *gorm.DB, reference string) (*Payment, error)
	ListByRequest(ctx context.Context, db *gorm.DB, requestID snowflake.ID) ([]Payment, error)
	// ClaimEmission records status as emitted and reports whether this
	// caller won the right to publish it.
	ClaimEmission(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status) (bool, error)
	// ListUnemitted returns request-bound payments in one of statuses whose
	// current status was never claimed for emission.
	ListUnemitted(ctx context.Context, db *gorm.DB, statuses []Status, updatedBefore time.Time, limit int) ([]Payment, error)
}
