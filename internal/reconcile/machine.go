package reconcile

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	gatewaydomain "github.com/smallbiznis/clinicpay/internal/gateway/domain"
	paymentdomain "github.com/smallbiznis/clinicpay/internal/payment/domain"
	prdomain "github.com/smallbiznis/clinicpay/internal/paymentrequest/domain"
)

// Observation is one statement from the gateway (or from a local
// cancellation) about the status of a checkout.
type Observation struct {
	Source            paymentdomain.Source
	EventType         string
	CheckoutReference string
	CheckoutID        string
	TransactionID     string
	GatewayStatus     gatewaydomain.Status
	Amount            int64
	Currency          string
	Method            string
	FailureReason     string
	RefundAmount      int64
	RefundReason      string
	ObservedAt        time.Time

	// WebhookEventID links failures recorded for this observation.
	WebhookEventID *snowflake.ID
	// AllowOrphan materialises a Payment even when no request owns the
	// reference.
	AllowOrphan bool
}

type State struct {
	Request *prdomain.PaymentRequest
	Payment *paymentdomain.Payment
	// Inserted is set when Payment is the placeholder the guard just wrote.
	Inserted bool
}

type Action string

const (
	ActionIgnore Action = "ignore"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

type Effect string

const (
	EffectCancelCheck       Effect = "cancel_status_check"
	EffectCompleteCheck     Effect = "complete_status_check"
	EffectEmitPayment       Effect = "emit_payment_status"
	EffectEmitRequest       Effect = "emit_request_status"
	EffectNotifyFailure     Effect = "notify_failure"
	EffectRecordLatePayment Effect = "record_late_payment"
)

const (
	ReasonUnknownStatus  = "unknown_status"
	ReasonDuplicate      = "duplicate_status"
	ReasonStale          = "stale_observation"
	ReasonTerminal       = "terminal_status"
	ReasonIllegal        = "illegal_transition"
	ReasonRequestClosed  = "request_closed"
	ReasonAmountMismatch = "amount_mismatch"
)

type Decision struct {
	Action        Action
	PaymentStatus paymentdomain.Status
	// RequestStatus is empty when the request does not move.
	RequestStatus prdomain.Status
	FailureReason string
	Effects       []Effect
	Reason        string
	// Integrity flags money that arrived but does not match the request.
	Integrity bool
}

func (d Decision) Has(effect Effect) bool {
	for _, e := range d.Effects {
		if e == effect {
			return true
		}
	}
	return false
}

func ignore(reason string, effects ...Effect) Decision {
	return Decision{Action: ActionIgnore, Reason: reason, Effects: effects}
}

// Reconcile decides what an observation does to the stored state. It has no
// side effects; the engine applies the decision.
func Reconcile(obs Observation, state State) Decision {
	target, defaultReason, ok := paymentStatusFor(obs.GatewayStatus)
	if !ok {
		return ignore(ReasonUnknownStatus)
	}

	current := paymentdomain.StatusPending
	if state.Payment != nil {
		current = state.Payment.Status
	}
	req := state.Request

	if req != nil && req.Status == prdomain.StatusCancelled && obs.Source != paymentdomain.SourceCancel {
		// Money moved after cancellation: the payment records it, the request
		// stays cancelled and an operator refunds. A terminal payment does
		// not regress, so only the refund note is kept.
		if target == paymentdomain.StatusPaid && current != paymentdomain.StatusPaid {
			if !CanTransitionPayment(current, target) {
				return ignore(ReasonRequestClosed, EffectRecordLatePayment)
			}
			d := Decision{
				Action:        ActionUpdate,
				PaymentStatus: paymentdomain.StatusPaid,
				Reason:        ReasonRequestClosed,
				Effects:       []Effect{EffectCancelCheck, EffectEmitPayment, EffectRecordLatePayment},
			}
			if state.Inserted || state.Payment == nil {
				d.Action = ActionCreate
			}
			return d
		}
		return ignore(ReasonRequestClosed)
	}

	if current == target {
		return ignore(ReasonDuplicate)
	}

	if !target.Terminal() && state.Payment != nil && state.Payment.GatewayObservedAt != nil &&
		obs.ObservedAt.Before(*state.Payment.GatewayObservedAt) {
		return ignore(ReasonStale)
	}

	if !CanTransitionPayment(current, target) {
		if current.Terminal() {
			return ignore(ReasonTerminal)
		}
		return ignore(ReasonIllegal)
	}

	d := Decision{Action: ActionUpdate, PaymentStatus: target}
	if state.Inserted || state.Payment == nil {
		d.Action = ActionCreate
	}

	closeCheck := EffectCancelCheck
	if obs.Source == paymentdomain.SourcePoll {
		closeCheck = EffectCompleteCheck
	}

	switch target {
	case paymentdomain.StatusPaid:
		d.Effects = append(d.Effects, closeCheck, EffectEmitPayment)
		if req == nil {
			break
		}
		if amountMismatch(obs, req) {
			d.Integrity = true
			d.Reason = ReasonAmountMismatch
			break
		}
		if CanTransitionRequest(req.Status, prdomain.StatusPaid) {
			d.RequestStatus = prdomain.StatusPaid
			d.Effects = append(d.Effects, EffectEmitRequest)
		}
	case paymentdomain.StatusFailed:
		d.FailureReason = firstNonEmpty(obs.FailureReason, defaultReason)
		d.Effects = append(d.Effects, closeCheck, EffectEmitPayment)
		if req != nil && req.Status.Open() {
			d.Effects = append(d.Effects, EffectNotifyFailure)
		}
	case paymentdomain.StatusCancelled:
		d.Effects = append(d.Effects, EffectCancelCheck, EffectEmitPayment)
	case paymentdomain.StatusRefunded:
		d.Effects = append(d.Effects, EffectEmitPayment)
	}
	return d
}

func amountMismatch(obs Observation, req *prdomain.PaymentRequest) bool {
	if obs.Amount > 0 && obs.Amount != req.Amount {
		return true
	}
	currency := strings.TrimSpace(obs.Currency)
	return currency != "" && !strings.EqualFold(currency, req.Currency)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
