package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/clinicpay/internal/payment/domain"
	"github.com/smallbiznis/clinicpay/internal/testutil"
)

func newCandidate(t *testing.T, id int64, amount int64, reference string, status domain.Status) *domain.Payment {
	t.Helper()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &domain.Payment{
		ID:                snowflake.ID(id),
		CustomerID:        "cust_1",
		CheckoutReference: reference,
		Amount:            amount,
		Currency:          "EUR",
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestGuardCreatesOnePaymentPerReference(t *testing.T) {
	ctx := context.Background()
	conn := testutil.NewDB(t)
	repo := Provide()

	first, inserted, err := repo.Guard(ctx, conn, newCandidate(t, 1, 100, "chk_1", domain.StatusPending))
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, domain.StatusPending, first.Status)

	second, inserted, err := repo.Guard(ctx, conn, newCandidate(t, 2, 999, "chk_1", domain.StatusPaid))
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(100), second.Amount)

	if got := testutil.Count(t, conn, "payments", "checkout_reference = ?", "chk_1"); got != 1 {
		t.Fatalf("expected 1 payment, got %d", got)
	}
}

func TestGuardRejectsEmptyReference(t *testing.T) {
	_, _, err := Provide().Guard(context.Background(), testutil.NewDB(t), newCandidate(t, 1, 100, " ", domain.StatusPending))
	assert.ErrorIs(t, err, domain.ErrInvalidReference)
}

func TestUpdateIsConditionalOnStatus(t *testing.T) {
	ctx := context.Background()
	conn := testutil.NewDB(t)
	repo := Provide()

	p, _, err := repo.Guard(ctx, conn, newCandidate(t, 1, 100, "chk_2", domain.StatusPending))
	require.NoError(t, err)

	p.Status = domain.StatusPaid
	p.AppendHistory(domain.StatusChange{From: domain.StatusPending, To: domain.StatusPaid, At: time.Now().UTC(), Source: domain.SourceWebhook})
	require.NoError(t, repo.Update(ctx, conn, p, domain.StatusPending))

	p.Status = domain.StatusFailed
	err = repo.Update(ctx, conn, p, domain.StatusPending)
	assert.ErrorIs(t, err, domain.ErrConcurrentUpdate)

	stored, err := repo.FindByReference(ctx, conn, "chk_2")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.StatusPaid, stored.Status)
	require.Len(t, stored.StatusHistory, 1)
	assert.Equal(t, domain.SourceWebhook, stored.StatusHistory[0].Source)
}

func TestClaimEmissionOnlyOncePerStatus(t *testing.T) {
	ctx := context.Background()
	conn := testutil.NewDB(t)
	repo := Provide()

	p, _, err := repo.Guard(ctx, conn, newCandidate(t, 1, 100, "chk_3", domain.StatusPaid))
	require.NoError(t, err)

	won, err := repo.ClaimEmission(ctx, conn, p.ID, domain.StatusPaid)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = repo.ClaimEmission(ctx, conn, p.ID, domain.StatusPaid)
	require.NoError(t, err)
	assert.False(t, won)

	won, err = repo.ClaimEmission(ctx, conn, p.ID, domain.StatusRefunded)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestFindByReferenceMissing(t *testing.T) {
	p, err := Provide().FindByReference(context.Background(), testutil.NewDB(t), "nope")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestAppendHistorySkipsRepeats(t *testing.T) {
	var p domain.Payment
	change := domain.StatusChange{From: domain.StatusPending, To: domain.StatusPaid}
	p.AppendHistory(change)
	p.AppendHistory(change)
	assert.Len(t, p.StatusHistory, 1)
}
