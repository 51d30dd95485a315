package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/clinicpay/internal/clock"
	paymentdomain "github.com/smallbiznis/clinicpay/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/clinicpay/internal/payment/repository"
	prdomain "github.com/smallbiznis/clinicpay/internal/paymentrequest/domain"
	prrepo "github.com/smallbiznis/clinicpay/internal/paymentrequest/repository"
	"github.com/smallbiznis/clinicpay/internal/testutil"
)

var now = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	name   string
	err    error
	events []StatusChanged
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *recordingSink) Deliver(ctx context.Context, ev StatusChanged) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func seed(t *testing.T, conn *gorm.DB) (*prdomain.PaymentRequest, *paymentdomain.Payment) {
	t.Helper()
	ctx := context.Background()
	ref := "chk_emit"
	req := &prdomain.PaymentRequest{
		ID:                snowflake.ID(10),
		CustomerID:        "cust_1",
		CustomerEmail:     "patient@example.com",
		Amount:            5000,
		Currency:          "EUR",
		Status:            prdomain.StatusPaid,
		CheckoutReference: &ref,
		DueAt:             now.Add(24 * time.Hour),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, prrepo.Provide().Insert(ctx, conn, req))

	reqID := req.ID
	p, _, err := paymentrepo.Provide().Guard(ctx, conn, &paymentdomain.Payment{
		ID:                snowflake.ID(20),
		PaymentRequestID:  &reqID,
		CustomerID:        "cust_1",
		CheckoutReference: ref,
		Amount:            5000,
		Currency:          "EUR",
		Status:            paymentdomain.StatusPaid,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
	require.NoError(t, err)
	return req, p
}

func newEmitter(t *testing.T, conn *gorm.DB, sinks ...Sink) (*Emitter, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFakeClock(now)
	return NewEmitter(Params{
		DB:       conn,
		Log:      zap.NewNop(),
		GenID:    testutil.NewNode(t),
		Clock:    clk,
		Payments: paymentrepo.Provide(),
		Requests: prrepo.Provide(),
		Sinks:    append(sinks, nil),
	}), clk
}

func TestEmitPublishesOncePerStatus(t *testing.T) {
	conn := testutil.NewDB(t)
	req, p := seed(t, conn)
	sink := &recordingSink{name: "rec"}
	emitter, _ := newEmitter(t, conn, sink)
	ctx := context.Background()

	won, err := emitter.Emit(ctx, RequestEvent(req, p, now))
	require.NoError(t, err)
	assert.True(t, won)

	won, err = emitter.Emit(ctx, RequestEvent(req, p, now))
	require.NoError(t, err)
	assert.False(t, won)

	won, err = emitter.Emit(ctx, PaymentEvent(req, p, now))
	require.NoError(t, err)
	assert.True(t, won, "payment and request outcomes are claimed separately")

	require.Equal(t, 2, sink.count())
	assert.Equal(t, SubjectPaymentRequest, sink.events[0].Subject)
	assert.True(t, sink.events[0].BookingUnlocked)
	assert.True(t, sink.events[0].NotifyCustomer)
	assert.Equal(t, SubjectPayment, sink.events[1].Subject)
	assert.False(t, sink.events[1].NotifyCustomer)
}

func TestEmitConcurrentWritersPublishOnce(t *testing.T) {
	conn := testutil.NewDB(t)
	req, p := seed(t, conn)
	sink := &recordingSink{name: "rec"}
	emitter, _ := newEmitter(t, conn, sink)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := emitter.Emit(context.Background(), RequestEvent(req, p, now))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, sink.count())
}

func TestEmitSinkFailureIsRedeliveredAfterRecovery(t *testing.T) {
	conn := testutil.NewDB(t)
	req, p := seed(t, conn)
	broken := &recordingSink{name: "broken", err: errors.New("broker down")}
	healthy := &recordingSink{name: "healthy"}
	emitter, clk := newEmitter(t, conn, broken, healthy)
	ctx := context.Background()

	ev := RequestEvent(req, p, now)
	won, err := emitter.Emit(ctx, ev)
	assert.True(t, won)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, 1, healthy.count())

	deliveries, err := emitter.Deliveries(ctx, ev.EventID)
	require.NoError(t, err)
	require.Len(t, deliveries, 2)
	assert.Equal(t, "broken", deliveries[0].Sink)
	assert.Nil(t, deliveries[0].DeliveredAt)
	require.NotNil(t, deliveries[0].LastError)
	assert.Equal(t, "broker down", *deliveries[0].LastError)
	assert.Equal(t, "healthy", deliveries[1].Sink)
	assert.NotNil(t, deliveries[1].DeliveredAt)

	// The claim holds, a second writer does not publish again.
	won, err = emitter.Emit(ctx, RequestEvent(req, p, now))
	require.NoError(t, err)
	assert.False(t, won)

	delivered, err := emitter.Redeliver(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, delivered, "not due before the backoff")

	broken.fail(nil)
	clk.Advance(deliveryBackoff(1))
	delivered, err = emitter.Redeliver(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	require.Equal(t, 2, broken.count())
	assert.Equal(t, 1, healthy.count())
	redelivered := broken.events[1]
	assert.Equal(t, ev.EventID, redelivered.EventID)
	assert.Equal(t, "patient@example.com", redelivered.CustomerEmail)
	assert.True(t, redelivered.NotifyCustomer)
	assert.True(t, redelivered.BookingUnlocked)

	clk.Advance(deliveryBackoffMax)
	delivered, err = emitter.Redeliver(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, delivered)
	assert.Equal(t, 2, broken.count())
}

func TestRedeliverStopsAfterMaxAttempts(t *testing.T) {
	conn := testutil.NewDB(t)
	req, p := seed(t, conn)
	broken := &recordingSink{name: "broken", err: errors.New("connection refused")}
	emitter, clk := newEmitter(t, conn, broken)
	ctx := context.Background()

	ev := PaymentEvent(req, p, now)
	_, err := emitter.Emit(ctx, ev)
	require.Error(t, err)

	for i := 0; i < maxDeliveryAttempts+2; i++ {
		clk.Advance(deliveryBackoffMax)
		_, _ = emitter.Redeliver(ctx, 10)
	}
	assert.Equal(t, maxDeliveryAttempts, broken.count())

	deliveries, err := emitter.Deliveries(ctx, ev.EventID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, maxDeliveryAttempts, deliveries[0].Attempts)
	assert.Nil(t, deliveries[0].DeliveredAt, "abandoned deliveries stay visible")
}

func TestEmitMissedPublishesUnclaimedOutcomes(t *testing.T) {
	conn := testutil.NewDB(t)
	seed(t, conn)
	sink := &recordingSink{name: "rec"}
	emitter, clk := newEmitter(t, conn, sink)
	ctx := context.Background()

	// Rows committed moments ago may still be published by their writer.
	emitted, err := emitter.EmitMissed(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, emitted)

	clk.Advance(MissedEmissionGrace)
	emitted, err = emitter.EmitMissed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, emitted)
	require.Equal(t, 2, sink.count())
	assert.Equal(t, SubjectPayment, sink.events[0].Subject)
	assert.Equal(t, SubjectPaymentRequest, sink.events[1].Subject)
	assert.True(t, sink.events[1].BookingUnlocked)

	emitted, err = emitter.EmitMissed(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, emitted)
	assert.Equal(t, 2, sink.count())
}

func TestDeliveryBackoffIsCapped(t *testing.T) {
	assert.Equal(t, deliveryBackoffBase, deliveryBackoff(1))
	assert.Equal(t, 2*deliveryBackoffBase, deliveryBackoff(2))
	assert.Equal(t, deliveryBackoffMax, deliveryBackoff(30))
}

func TestEmitRejectsPaymentEventWithoutID(t *testing.T) {
	conn := testutil.NewDB(t)
	emitter, _ := newEmitter(t, conn)
	_, err := emitter.Emit(context.Background(), StatusChanged{Subject: SubjectPayment, Status: "paid"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestPaymentEventForFailedPaymentAsksForRetry(t *testing.T) {
	ref := "chk_f"
	url := "https://pay.example/co_f"
	req := &prdomain.PaymentRequest{ID: 1, Status: prdomain.StatusSent, CheckoutReference: &ref, CheckoutURL: &url, CustomerEmail: "a@example.com"}
	p := &paymentdomain.Payment{ID: 2, CheckoutReference: ref, Status: paymentdomain.StatusFailed}

	ev := PaymentEvent(req, p, now)
	assert.Equal(t, prdomain.CustomerFailed, ev.CustomerStatus)
	assert.Equal(t, prdomain.MessageFailed, ev.Message)
	assert.True(t, ev.NotifyCustomer)
	assert.False(t, ev.BookingUnlocked)
	assert.Equal(t, "1", ev.Key())
}
