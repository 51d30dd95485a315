package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/smallbiznis/clinicpay/internal/statuscheck/domain"
	"github.com/smallbiznis/clinicpay/internal/testutil"
)

var base = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func seedRequest(t *testing.T, conn *gorm.DB, id int64) {
	t.Helper()
	err := conn.Exec(`INSERT INTO payment_requests (id, customer_id, amount, currency, due_at, created_at, updated_at)
		VALUES (?, 'cust', 100, 'EUR', ?, ?, ?)`, id, base.Add(24*time.Hour), base, base).Error
	require.NoError(t, err)
}

func newCheck(id, requestID int64, next time.Time) *domain.PaymentStatusCheck {
	return &domain.PaymentStatusCheck{
		ID:                snowflake.ID(id),
		PaymentRequestID:  snowflake.ID(requestID),
		Provider:          "hosted",
		CheckoutID:        "co_1",
		CheckoutReference: "chk_1",
		MaxAttempts:       3,
		NextCheckAt:       next,
		Status:            domain.StatusActive,
		CreatedAt:         base,
		UpdatedAt:         base,
	}
}

func TestClaimDueLeasesOnlyDueChecks(t *testing.T) {
	ctx := context.Background()
	conn := testutil.NewDB(t)
	repo := Provide()
	seedRequest(t, conn, 1)
	seedRequest(t, conn, 2)

	require.NoError(t, repo.Insert(ctx, conn, newCheck(10, 1, base.Add(-time.Minute))))
	require.NoError(t, repo.Insert(ctx, conn, newCheck(11, 2, base.Add(time.Hour))))

	lease := base.Add(2 * time.Minute)
	claimed, err := repo.ClaimDue(ctx, conn, base, lease, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, snowflake.ID(10), claimed[0].ID)
	assert.True(t, claimed[0].NextCheckAt.Equal(lease))

	again, err := repo.ClaimDue(ctx, conn, base, lease, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "leased check must not be claimed twice")
}

func TestRecordAttemptRequiresLease(t *testing.T) {
	ctx := context.Background()
	conn := testutil.NewDB(t)
	repo := Provide()
	seedRequest(t, conn, 1)
	require.NoError(t, repo.Insert(ctx, conn, newCheck(10, 1, base)))

	claimed, err := repo.ClaimDue(ctx, conn, base, base.Add(time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	ok, err := repo.RecordAttempt(ctx, conn, claimed[0], domain.Attempt{GatewayStatus: "PENDING", NextCheckAt: base.Add(2 * time.Minute), At: base})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.RecordAttempt(ctx, conn, claimed[0], domain.Attempt{GatewayStatus: "PENDING", NextCheckAt: base.Add(4 * time.Minute), At: base})
	require.NoError(t, err)
	assert.False(t, ok, "stale lease must not write")

	active, err := repo.FindActiveByRequest(ctx, conn, 1)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 1, active.AttemptCount)
	require.NotNil(t, active.LastGatewayStatus)
	assert.Equal(t, "PENDING", *active.LastGatewayStatus)
}

func TestMarkFailedAndClose(t *testing.T) {
	ctx := context.Background()
	conn := testutil.NewDB(t)
	repo := Provide()
	seedRequest(t, conn, 1)
	require.NoError(t, repo.Insert(ctx, conn, newCheck(10, 1, base)))

	claimed, err := repo.ClaimDue(ctx, conn, base, base.Add(time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	ok, err := repo.MarkFailed(ctx, conn, claimed[0], domain.Attempt{Error: "gateway timeout", At: base})
	require.NoError(t, err)
	assert.True(t, ok)

	active, err := repo.FindActiveByRequest(ctx, conn, 1)
	require.NoError(t, err)
	assert.Nil(t, active)

	require.NoError(t, repo.Insert(ctx, conn, newCheck(11, 1, base)))
	closed, err := repo.CloseActiveForRequest(ctx, conn, 1, domain.StatusCancelled, base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), closed)

	checks, err := repo.ListByRequest(ctx, conn, 1)
	require.NoError(t, err)
	require.Len(t, checks, 2)
	assert.Equal(t, domain.StatusFailed, checks[0].Status)
	assert.Equal(t, domain.StatusCancelled, checks[1].Status)
}
