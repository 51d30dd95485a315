package reconcile

import (
	"strings"
	"time"

	"github.com/smallbiznis/clinicpay/internal/config"
	gatewaydomain "github.com/smallbiznis/clinicpay/internal/gateway/domain"
	paymentdomain "github.com/smallbiznis/clinicpay/internal/payment/domain"
)

const reasonCheckoutExpired = "checkout_expired"

// paymentStatusFor maps the gateway vocabulary onto payment statuses. An
// expired checkout is a failed payment the customer can retry.
func paymentStatusFor(s gatewaydomain.Status) (paymentdomain.Status, string, bool) {
	switch s {
	case gatewaydomain.StatusPending:
		return paymentdomain.StatusPending, "", true
	case gatewaydomain.StatusProcessing:
		return paymentdomain.StatusProcessing, "", true
	case gatewaydomain.StatusPaid:
		return paymentdomain.StatusPaid, "", true
	case gatewaydomain.StatusFailed:
		return paymentdomain.StatusFailed, "", true
	case gatewaydomain.StatusExpired:
		return paymentdomain.StatusFailed, reasonCheckoutExpired, true
	case gatewaydomain.StatusCancelled:
		return paymentdomain.StatusCancelled, "", true
	case gatewaydomain.StatusRefunded:
		return paymentdomain.StatusRefunded, "", true
	}
	return "", "", false
}

// FromNotification builds an observation from a verified webhook. A policy
// mapping for the event type overrides the adapter's status.
func FromNotification(n *gatewaydomain.Notification, policy config.ReconcilePolicy) Observation {
	status := n.Status
	if mapped, ok := policy.StatusForEvent(n.EventType); ok {
		if s, ok := gatewaydomain.ParseStatus(mapped); ok {
			status = s
		}
	}
	return Observation{
		Source:            paymentdomain.SourceWebhook,
		EventType:         n.EventType,
		CheckoutReference: strings.TrimSpace(n.CheckoutReference),
		CheckoutID:        n.CheckoutID,
		TransactionID:     n.TransactionID,
		GatewayStatus:     status,
		Amount:            n.Amount,
		Currency:          n.Currency,
		Method:            n.Method,
		FailureReason:     n.FailureReason,
		RefundAmount:      n.RefundAmount,
		RefundReason:      n.RefundReason,
		ObservedAt:        n.OccurredAt,
	}
}

// FromStatus builds an observation from a status query. reference is used
// when the gateway does not echo it back.
func FromStatus(st gatewaydomain.CheckoutStatus, reference string, source paymentdomain.Source) Observation {
	if ref := strings.TrimSpace(st.CheckoutReference); ref != "" {
		reference = ref
	}
	return Observation{
		Source:            source,
		EventType:         "status_check",
		CheckoutReference: reference,
		CheckoutID:        st.CheckoutID,
		TransactionID:     st.TransactionID,
		GatewayStatus:     st.Status,
		Amount:            st.Amount,
		Currency:          st.Currency,
		Method:            st.Method,
		FailureReason:     st.FailureReason,
		ObservedAt:        st.ObservedAt,
	}
}

// PollDelay is the wait after the attempt with zero-based index n:
// min(base * 2^n, max).
func PollDelay(policy config.ReconcilePolicy, n int) time.Duration {
	delay := policy.PollBaseInterval
	for i := 0; i < n; i++ {
		if delay >= policy.PollMaxInterval {
			break
		}
		delay *= 2
	}
	if delay > policy.PollMaxInterval {
		return policy.PollMaxInterval
	}
	return delay
}
