package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/smallbiznis/clinicpay/internal/config"
	gatewaydomain "github.com/smallbiznis/clinicpay/internal/gateway/domain"
	paymentdomain "github.com/smallbiznis/clinicpay/internal/payment/domain"
	prdomain "github.com/smallbiznis/clinicpay/internal/paymentrequest/domain"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func sentRequest() *prdomain.PaymentRequest {
	return &prdomain.PaymentRequest{ID: 1, Amount: 5000, Currency: "EUR", Status: prdomain.StatusSent}
}

func paymentIn(status paymentdomain.Status, observed *time.Time) *paymentdomain.Payment {
	return &paymentdomain.Payment{ID: 2, CheckoutReference: "chk_1", Amount: 5000, Currency: "EUR", Status: status, GatewayObservedAt: observed}
}

func observe(source paymentdomain.Source, status gatewaydomain.Status, at time.Time) Observation {
	return Observation{Source: source, CheckoutReference: "chk_1", GatewayStatus: status, ObservedAt: at}
}

func TestReconcileTable(t *testing.T) {
	later := t0.Add(time.Minute)

	tests := []struct {
		name          string
		obs           Observation
		state         State
		action        Action
		paymentStatus paymentdomain.Status
		requestStatus prdomain.Status
		reason        string
		effects       []Effect
		integrity     bool
	}{
		{
			name:          "paid webhook on fresh payment",
			obs:           observe(paymentdomain.SourceWebhook, gatewaydomain.StatusPaid, t0),
			state:         State{Request: sentRequest(), Payment: paymentIn(paymentdomain.StatusPending, nil), Inserted: true},
			action:        ActionCreate,
			paymentStatus: paymentdomain.StatusPaid,
			requestStatus: prdomain.StatusPaid,
			effects:       []Effect{EffectCancelCheck, EffectEmitPayment, EffectEmitRequest},
		},
		{
			name:          "paid by polling completes the check",
			obs:           observe(paymentdomain.SourcePoll, gatewaydomain.StatusPaid, t0),
			state:         State{Request: sentRequest(), Payment: paymentIn(paymentdomain.StatusProcessing, nil)},
			action:        ActionUpdate,
			paymentStatus: paymentdomain.StatusPaid,
			requestStatus: prdomain.StatusPaid,
			effects:       []Effect{EffectCompleteCheck, EffectEmitPayment, EffectEmitRequest},
		},
		{
			name:          "failed keeps request open and notifies",
			obs:           observe(paymentdomain.SourceWebhook, gatewaydomain.StatusFailed, t0),
			state:         State{Request: sentRequest(), Payment: paymentIn(paymentdomain.StatusPending, nil), Inserted: true},
			action:        ActionCreate,
			paymentStatus: paymentdomain.StatusFailed,
			effects:       []Effect{EffectCancelCheck, EffectEmitPayment, EffectNotifyFailure},
		},
		{
			name:          "expired checkout is a failed payment",
			obs:           observe(paymentdomain.SourcePoll, gatewaydomain.StatusExpired, t0),
			state:         State{Request: sentRequest(), Payment: paymentIn(paymentdomain.StatusPending, nil), Inserted: true},
			action:        ActionCreate,
			paymentStatus: paymentdomain.StatusFailed,
			effects:       []Effect{EffectCompleteCheck, EffectEmitPayment, EffectNotifyFailure},
		},
		{
			name:          "paid after failed wins",
			obs:           observe(paymentdomain.SourceWebhook, gatewaydomain.StatusPaid, t0),
			state:         State{Request: sentRequest(), Payment: paymentIn(paymentdomain.StatusFailed, &later)},
			action:        ActionUpdate,
			paymentStatus: paymentdomain.StatusPaid,
			requestStatus: prdomain.StatusPaid,
			effects:       []Effect{EffectCancelCheck, EffectEmitPayment, EffectEmitRequest},
		},
		{
			name:   "failed never overwrites paid",
			obs:    observe(paymentdomain.SourceWebhook, gatewaydomain.StatusFailed, later),
			state:  State{Request: sentRequest(), Payment: paymentIn(paymentdomain.StatusPaid, &t0)},
			action: ActionIgnore,
			reason: ReasonTerminal,
		},
		{
			name:   "duplicate paid",
			obs:    observe(paymentdomain.SourceWebhook, gatewaydomain.StatusPaid, later),
			state:  State{Request: sentRequest(), Payment: paymentIn(paymentdomain.StatusPaid, &t0)},
			action: ActionIgnore,
			reason: ReasonDuplicate,
		},
		{
			name:   "pending placeholder is not materialised",
			obs:    observe(paymentdomain.SourcePoll, gatewaydomain.StatusPending, t0),
			state:  State{Request: sentRequest(), Payment: paymentIn(paymentdomain.StatusPending, nil), Inserted: true},
			action: ActionIgnore,
			reason: ReasonDuplicate,
		},
		{
			name:   "stale processing after newer observation",
			obs:    observe(paymentdomain.SourcePoll, gatewaydomain.StatusProcessing, t0),
			state:  State{Request: sentRequest(), Payment: paymentIn(paymentdomain.StatusFailed, &later)},
			action: ActionIgnore,
			reason: ReasonStale,
		},
		{
			name:   "processing cannot follow failed",
			obs:    observe(paymentdomain.SourcePoll, gatewaydomain.StatusProcessing, later.Add(time.Minute)),
			state:  State{Request: sentRequest(), Payment: paymentIn(paymentdomain.StatusFailed, &later)},
			action: ActionIgnore,
			reason: ReasonTerminal,
		},
		{
			name:          "refund after paid",
			obs:           observe(paymentdomain.SourceWebhook, gatewaydomain.StatusRefunded, later),
			state:         State{Request: &prdomain.PaymentRequest{ID: 1, Amount: 5000, Currency: "EUR", Status: prdomain.StatusPaid}, Payment: paymentIn(paymentdomain.StatusPaid, &t0)},
			action:        ActionUpdate,
			paymentStatus: paymentdomain.StatusRefunded,
			effects:       []Effect{EffectEmitPayment},
		},
		{
			name:          "late paid on cancelled request records the payment",
			obs:           observe(paymentdomain.SourceWebhook, gatewaydomain.StatusPaid, t0),
			state:         State{Request: &prdomain.PaymentRequest{ID: 1, Amount: 5000, Currency: "EUR", Status: prdomain.StatusCancelled}, Payment: paymentIn(paymentdomain.StatusPending, nil), Inserted: true},
			action:        ActionCreate,
			paymentStatus: paymentdomain.StatusPaid,
			reason:        ReasonRequestClosed,
			effects:       []Effect{EffectCancelCheck, EffectEmitPayment, EffectRecordLatePayment},
		},
		{
			name:          "late paid on processing payment of cancelled request",
			obs:           observe(paymentdomain.SourcePoll, gatewaydomain.StatusPaid, t0),
			state:         State{Request: &prdomain.PaymentRequest{ID: 1, Amount: 5000, Currency: "EUR", Status: prdomain.StatusCancelled}, Payment: paymentIn(paymentdomain.StatusProcessing, nil)},
			action:        ActionUpdate,
			paymentStatus: paymentdomain.StatusPaid,
			reason:        ReasonRequestClosed,
			effects:       []Effect{EffectCancelCheck, EffectEmitPayment, EffectRecordLatePayment},
		},
		{
			name:    "late paid does not revive a cancelled payment",
			obs:     observe(paymentdomain.SourceWebhook, gatewaydomain.StatusPaid, t0),
			state:   State{Request: &prdomain.PaymentRequest{ID: 1, Status: prdomain.StatusCancelled}, Payment: paymentIn(paymentdomain.StatusCancelled, nil)},
			action:  ActionIgnore,
			reason:  ReasonRequestClosed,
			effects: []Effect{EffectRecordLatePayment},
		},
		{
			name:   "repeated paid on cancelled request is a duplicate",
			obs:    observe(paymentdomain.SourceWebhook, gatewaydomain.StatusPaid, t0),
			state:  State{Request: &prdomain.PaymentRequest{ID: 1, Status: prdomain.StatusCancelled}, Payment: paymentIn(paymentdomain.StatusPaid, &t0)},
			action: ActionIgnore,
			reason: ReasonRequestClosed,
		},
		{
			name:   "late failure on cancelled request",
			obs:    observe(paymentdomain.SourceWebhook, gatewaydomain.StatusFailed, t0),
			state:  State{Request: &prdomain.PaymentRequest{ID: 1, Status: prdomain.StatusCancelled}, Payment: paymentIn(paymentdomain.StatusPending, nil)},
			action: ActionIgnore,
			reason: ReasonRequestClosed,
		},
		{
			name:          "local cancellation cancels open payment",
			obs:           observe(paymentdomain.SourceCancel, gatewaydomain.StatusCancelled, t0),
			state:         State{Request: &prdomain.PaymentRequest{ID: 1, Status: prdomain.StatusCancelled}, Payment: paymentIn(paymentdomain.StatusProcessing, nil)},
			action:        ActionUpdate,
			paymentStatus: paymentdomain.StatusCancelled,
			effects:       []Effect{EffectCancelCheck, EffectEmitPayment},
		},
		{
			name:          "paid after expiry still pays the request",
			obs:           observe(paymentdomain.SourceWebhook, gatewaydomain.StatusPaid, t0),
			state:         State{Request: &prdomain.PaymentRequest{ID: 1, Amount: 5000, Currency: "EUR", Status: prdomain.StatusExpired}, Payment: paymentIn(paymentdomain.StatusPending, nil), Inserted: true},
			action:        ActionCreate,
			paymentStatus: paymentdomain.StatusPaid,
			requestStatus: prdomain.StatusPaid,
			effects:       []Effect{EffectCancelCheck, EffectEmitPayment, EffectEmitRequest},
		},
		{
			name: "paid with wrong amount is flagged",
			obs: Observation{
				Source: paymentdomain.SourceWebhook, CheckoutReference: "chk_1", GatewayStatus: gatewaydomain.StatusPaid,
				Amount: 4000, Currency: "EUR", ObservedAt: t0,
			},
			state:         State{Request: sentRequest(), Payment: paymentIn(paymentdomain.StatusPending, nil), Inserted: true},
			action:        ActionCreate,
			paymentStatus: paymentdomain.StatusPaid,
			reason:        ReasonAmountMismatch,
			integrity:     true,
			effects:       []Effect{EffectCancelCheck, EffectEmitPayment},
		},
		{
			name:          "orphan paid",
			obs:           observe(paymentdomain.SourceWebhook, gatewaydomain.StatusPaid, t0),
			state:         State{Payment: paymentIn(paymentdomain.StatusPending, nil), Inserted: true},
			action:        ActionCreate,
			paymentStatus: paymentdomain.StatusPaid,
			effects:       []Effect{EffectCancelCheck, EffectEmitPayment},
		},
		{
			name:   "unknown status",
			obs:    observe(paymentdomain.SourceWebhook, gatewaydomain.Status("SETTLED"), t0),
			state:  State{Request: sentRequest(), Payment: paymentIn(paymentdomain.StatusPending, nil)},
			action: ActionIgnore,
			reason: ReasonUnknownStatus,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Reconcile(tt.obs, tt.state)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.paymentStatus, d.PaymentStatus)
			assert.Equal(t, tt.requestStatus, d.RequestStatus)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.integrity, d.Integrity)
			assert.ElementsMatch(t, tt.effects, d.Effects)
		})
	}
}

func TestReconcileFailureReason(t *testing.T) {
	d := Reconcile(observe(paymentdomain.SourcePoll, gatewaydomain.StatusExpired, t0), State{Request: sentRequest(), Payment: paymentIn(paymentdomain.StatusPending, nil)})
	assert.Equal(t, "checkout_expired", d.FailureReason)

	obs := observe(paymentdomain.SourceWebhook, gatewaydomain.StatusFailed, t0)
	obs.FailureReason = "card_declined"
	d = Reconcile(obs, State{Request: sentRequest(), Payment: paymentIn(paymentdomain.StatusPending, nil)})
	assert.Equal(t, "card_declined", d.FailureReason)
}

func TestReconcileIsDeterministic(t *testing.T) {
	obs := observe(paymentdomain.SourceWebhook, gatewaydomain.StatusPaid, t0)
	state := State{Request: sentRequest(), Payment: paymentIn(paymentdomain.StatusPending, nil)}
	first := Reconcile(obs, state)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Reconcile(obs, state))
	}
	assert.Equal(t, prdomain.StatusSent, state.Request.Status, "reconcile must not mutate its input")
}

func TestTransitionTables(t *testing.T) {
	assert.True(t, CanTransitionRequest(prdomain.StatusPending, prdomain.StatusSent))
	assert.True(t, CanTransitionRequest(prdomain.StatusExpired, prdomain.StatusPaid))
	assert.False(t, CanTransitionRequest(prdomain.StatusPaid, prdomain.StatusCancelled))
	assert.False(t, CanTransitionRequest(prdomain.StatusCancelled, prdomain.StatusPaid))
	assert.False(t, CanTransitionRequest(prdomain.StatusExpired, prdomain.StatusCancelled))

	assert.True(t, CanTransitionPayment(paymentdomain.StatusFailed, paymentdomain.StatusPaid))
	assert.True(t, CanTransitionPayment(paymentdomain.StatusPaid, paymentdomain.StatusRefunded))
	assert.False(t, CanTransitionPayment(paymentdomain.StatusPaid, paymentdomain.StatusFailed))
	assert.False(t, CanTransitionPayment(paymentdomain.StatusRefunded, paymentdomain.StatusPaid))
	assert.False(t, CanTransitionPayment(paymentdomain.StatusCancelled, paymentdomain.StatusPaid))
}

func TestPollDelay(t *testing.T) {
	policy := config.DefaultReconcilePolicy()
	policy.PollBaseInterval = time.Minute
	policy.PollMaxInterval = 10 * time.Minute

	assert.Equal(t, time.Minute, PollDelay(policy, 0))
	assert.Equal(t, 2*time.Minute, PollDelay(policy, 1))
	assert.Equal(t, 8*time.Minute, PollDelay(policy, 3))
	assert.Equal(t, 10*time.Minute, PollDelay(policy, 4))
	assert.Equal(t, 10*time.Minute, PollDelay(policy, 60))
}

func TestFromNotificationAppliesEventOverride(t *testing.T) {
	policy := config.DefaultReconcilePolicy()
	policy.EventStatus = []config.EventStatusMapping{{Event: "payment.settled", Status: "paid"}}

	obs := FromNotification(&gatewaydomain.Notification{
		EventType:         "payment.settled",
		CheckoutReference: " chk_1 ",
		Status:            gatewaydomain.StatusProcessing,
		OccurredAt:        t0,
	}, policy)
	assert.Equal(t, gatewaydomain.StatusPaid, obs.GatewayStatus)
	assert.Equal(t, "chk_1", obs.CheckoutReference)
	assert.Equal(t, paymentdomain.SourceWebhook, obs.Source)

	obs = FromStatus(gatewaydomain.CheckoutStatus{Status: gatewaydomain.StatusPaid}, "chk_2", paymentdomain.SourcePoll)
	assert.Equal(t, "chk_2", obs.CheckoutReference)
}
