package service

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/clinicpay/internal/clock"
	"github.com/smallbiznis/clinicpay/internal/eventlog/domain"
	"github.com/smallbiznis/clinicpay/internal/eventlog/repository"
	"github.com/smallbiznis/clinicpay/internal/testutil"
	"github.com/smallbiznis/clinicpay/pkg/db/pagination"
)

func newTestService(t *testing.T) (domain.Service, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    testutil.NewDB(t),
		Log:   zap.NewNop(),
		GenID: testutil.NewNode(t),
		Clock: clk,
		Repo:  repository.Provide(),
	})
	return svc, clk
}

func TestEventLifecycle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	event, err := svc.RecordReceived(ctx, "Hosted", []byte(`{"broken":`))
	require.NoError(t, err)
	assert.Equal(t, "hosted", event.Provider)

	require.NoError(t, svc.Annotate(ctx, event.ID, domain.Annotation{EventType: "checkout.completed", CheckoutReference: "chk_1", SignatureValid: true}))
	require.NoError(t, svc.MarkFailed(ctx, event.ID, "malformed payload"))

	stored, err := svc.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, `{"broken":`, stored.Payload)
	assert.True(t, stored.SignatureValid)
	assert.False(t, stored.Processed)
	require.NotNil(t, stored.CheckoutReference)
	assert.Equal(t, "chk_1", *stored.CheckoutReference)
	require.NotNil(t, stored.ErrorMessage)
	assert.Equal(t, "malformed payload", *stored.ErrorMessage)
	assert.NotNil(t, stored.ProcessedAt)

	_, err = svc.GetEvent(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestRecordReceivedKeepsBinaryPayload(t *testing.T) {
	svc, _ := newTestService(t)
	event, err := svc.RecordReceived(context.Background(), "hosted", []byte{0xff, 0x00, 'o', 'k'})
	require.NoError(t, err)
	assert.Equal(t, "�ok", event.Payload)
}

func TestRecordFailureDeduplicatesOpenEntries(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	event, err := svc.RecordReceived(ctx, "hosted", []byte(`{}`))
	require.NoError(t, err)

	first, err := svc.RecordFailure(ctx, domain.FailureInput{WebhookEventID: &event.ID, Kind: domain.KindUnmatchedReference, CheckoutReference: "chk_x", MaxRetries: 3})
	require.NoError(t, err)
	second, err := svc.RecordFailure(ctx, domain.FailureInput{WebhookEventID: &event.ID, Kind: domain.KindUnmatchedReference, CheckoutReference: "chk_x", MaxRetries: 3})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	other, err := svc.RecordFailure(ctx, domain.FailureInput{Kind: domain.KindPollExhausted, CheckoutReference: "chk_x"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)

	_, err = svc.RecordFailure(ctx, domain.FailureInput{Kind: "bogus"})
	assert.ErrorIs(t, err, domain.ErrInvalidKind)
}

func TestRetriesAndResolution(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	next := clk.Now().Add(time.Minute)
	failure, err := svc.RecordFailure(ctx, domain.FailureInput{Kind: domain.KindUnmatchedReference, CheckoutReference: "chk_r", MaxRetries: 2, NextRetryAt: &next})
	require.NoError(t, err)

	due, err := svc.DueRetries(ctx, domain.KindUnmatchedReference, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	clk.Advance(2 * time.Minute)
	due, err = svc.DueRetries(ctx, domain.KindUnmatchedReference, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, svc.RecordRetry(ctx, due[0], "still unmatched", nil))
	due, err = svc.DueRetries(ctx, domain.KindUnmatchedReference, 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	resolved, err := svc.Resolve(ctx, failure.ID, "refunded manually")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	assert.Equal(t, 1, resolved.RetryCount)
	require.NotNil(t, resolved.ResolutionNote)

	_, err = svc.Resolve(ctx, failure.ID, "again")
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
	_, err = svc.Resolve(ctx, snowflake.ID(42), "")
	assert.ErrorIs(t, err, domain.ErrFailureNotFound)
}

func TestUnresolvedFailureDoesNotBlockOtherReferences(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.RecordFailure(ctx, domain.FailureInput{Kind: domain.KindLatePayment, CheckoutReference: "chk_a"})
	require.NoError(t, err)
	b, err := svc.RecordFailure(ctx, domain.FailureInput{Kind: domain.KindLatePayment, CheckoutReference: "chk_b"})
	require.NoError(t, err)
	assert.Equal(t, "chk_b", b.CheckoutReference)

	unresolved := false
	resp, err := svc.ListFailures(ctx, domain.ListFailuresRequest{Resolved: &unresolved, Pagination: pagination.Pagination{PageSize: 1}})
	require.NoError(t, err)
	assert.Len(t, resp.Failures, 1)
	assert.True(t, resp.HasMore)

	next, err := svc.ListFailures(ctx, domain.ListFailuresRequest{Resolved: &unresolved, Pagination: pagination.Pagination{PageSize: 1, PageToken: resp.NextPageToken}})
	require.NoError(t, err)
	assert.Len(t, next.Failures, 1)
	assert.NotEqual(t, resp.Failures[0].ID, next.Failures[0].ID)
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	msg := strings.Repeat("x", maxMessageLength-1) + "é and more"
	got := truncate(msg)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("x", maxMessageLength-1), got)

	assert.Equal(t, "short", truncate("  short  "))
}
