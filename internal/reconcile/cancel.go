package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/clinicpay/internal/audit/domain"
	eventlogdomain "github.com/smallbiznis/clinicpay/internal/eventlog/domain"
	"github.com/smallbiznis/clinicpay/internal/fanout"
	gatewaydomain "github.com/smallbiznis/clinicpay/internal/gateway/domain"
	paymentdomain "github.com/smallbiznis/clinicpay/internal/payment/domain"
	prdomain "github.com/smallbiznis/clinicpay/internal/paymentrequest/domain"
	checkdomain "github.com/smallbiznis/clinicpay/internal/statuscheck/domain"
)

const eventTypeCancelled = "payment_request.cancelled"

type CancelInput struct {
	RequestID snowflake.ID
	Reason    string
	ActorType string
	ActorID   string
}

// Cancel closes a request locally. The live checkout, if any, is cancelled
// at the gateway later by SyncGatewayCancellation. Cancelling a cancelled
// request is a no-op; a paid or expired request cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, in CancelInput) (*prdomain.PaymentRequest, error) {
	if in.RequestID == 0 {
		return nil, prdomain.ErrInvalidID
	}

	var (
		req     *prdomain.PaymentRequest
		changed bool
		payment *Result
	)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		req, err = e.requests.Lock(ctx, tx, in.RequestID)
		if err != nil {
			return err
		}
		if req == nil {
			return prdomain.ErrNotFound
		}
		if req.Status == prdomain.StatusCancelled {
			return nil
		}
		if !CanTransitionRequest(req.Status, prdomain.StatusCancelled) {
			return prdomain.ErrInvalidState
		}

		now := e.clock.Now()
		from := req.Status
		reason := strings.TrimSpace(in.Reason)
		if reason == "" {
			reason = "cancelled"
		}
		req.Status = prdomain.StatusCancelled
		req.CancelReason = &reason
		req.CancelledAt = &now
		req.NextPollAt = nil
		req.UpdatedAt = now
		if req.CheckoutID != nil {
			req.GatewayCancelStatus = prdomain.GatewayCancelPending
			req.GatewayCancelAttempts = 0
		}
		if err := e.requests.Update(ctx, tx, req, from); err != nil {
			return err
		}
		if _, err := e.statusChecks.CloseActiveForRequest(ctx, tx, req.ID, checkdomain.StatusCancelled, now); err != nil {
			return err
		}
		changed = true

		if req.CheckoutReference == nil {
			return nil
		}
		p, err := e.payments.FindByReference(ctx, tx, *req.CheckoutReference)
		if err != nil || p == nil || p.Status.Terminal() {
			return err
		}
		obs := Observation{
			Source:            paymentdomain.SourceCancel,
			EventType:         eventTypeCancelled,
			CheckoutReference: p.CheckoutReference,
			GatewayStatus:     gatewaydomain.StatusCancelled,
			ObservedAt:        now,
		}
		d := Reconcile(obs, State{Request: req, Payment: p})
		if d.Action == ActionIgnore {
			return nil
		}
		payment = &Result{Observation: obs, Decision: d, Request: req, Payment: p}
		return e.applyDecision(ctx, tx, payment, now)
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return req, nil
	}

	e.log.Info("payment request cancelled",
		zap.String("payment_request_id", req.ID.String()),
		zap.String("reason", *req.CancelReason),
		zap.String("gateway_cancel_status", req.GatewayCancelStatus),
	)
	e.auditAs(ctx, in.ActorType, in.ActorID, auditdomain.ActionPaymentRequestCancelled, auditdomain.TargetPaymentRequest, req.ID, map[string]any{
		"reason":             *req.CancelReason,
		"checkout_reference": deref(req.CheckoutReference),
	})
	if payment != nil {
		e.afterCommit(ctx, payment)
	}
	var latest *paymentdomain.Payment
	if payment != nil {
		latest = payment.Payment
	}
	e.publish(ctx, fanout.RequestEvent(req, latest, e.clock.Now()))
	return req, nil
}

// SyncGatewayCancellation asks the gateway to cancel the checkout of a
// cancelled request. A gateway that reports the checkout as paid leaves a
// cancel_mismatch failure for an operator.
func (e *Engine) SyncGatewayCancellation(ctx context.Context, req prdomain.PaymentRequest) error {
	if req.GatewayCancelStatus != prdomain.GatewayCancelPending {
		return nil
	}
	if req.CheckoutID == nil {
		return e.settleCancellation(ctx, req.ID, prdomain.GatewayCancelConfirmed, req.GatewayCancelAttempts)
	}

	log := e.log.With(
		zap.String("payment_request_id", req.ID.String()),
		zap.String("checkout_id", *req.CheckoutID),
	)
	client, err := e.gateway.Client(req.GatewayProvider)
	if err != nil {
		return err
	}

	cancelErr := client.CancelCheckout(ctx, *req.CheckoutID)
	if cancelErr == nil {
		return e.settleCancellation(ctx, req.ID, prdomain.GatewayCancelConfirmed, req.GatewayCancelAttempts+1)
	}

	if errors.Is(cancelErr, gatewaydomain.ErrRejected) {
		// The checkout may already be closed; ask what it is.
		st, err := client.GetCheckoutStatus(ctx, *req.CheckoutID)
		if err == nil {
			switch st.Status {
			case gatewaydomain.StatusCancelled, gatewaydomain.StatusExpired, gatewaydomain.StatusFailed:
				return e.settleCancellation(ctx, req.ID, prdomain.GatewayCancelConfirmed, req.GatewayCancelAttempts+1)
			case gatewaydomain.StatusPaid:
				log.Warn("gateway reports cancelled request as paid")
				if _, err := e.Apply(ctx, FromStatus(st, deref(req.CheckoutReference), paymentdomain.SourcePoll)); err != nil {
					log.Warn("record late payment failed", zap.Error(err))
				}
				e.recordFailure(ctx, Observation{CheckoutReference: deref(req.CheckoutReference)}, &req,
					eventlogdomain.KindCancelMismatch, "gateway reports checkout paid after local cancellation")
				return e.settleCancellation(ctx, req.ID, prdomain.GatewayCancelFailed, req.GatewayCancelAttempts+1)
			}
		}
	}

	attempts := req.GatewayCancelAttempts + 1
	if attempts >= e.policy.Get().CancelSyncMaxAttempts {
		log.Warn("gateway cancellation abandoned", zap.Int("attempts", attempts), zap.Error(cancelErr))
		e.recordFailure(ctx, Observation{CheckoutReference: deref(req.CheckoutReference)}, &req,
			eventlogdomain.KindCancelMismatch, fmt.Sprintf("gateway cancel failed after %d attempts: %v", attempts, cancelErr))
		if err := e.settleCancellation(ctx, req.ID, prdomain.GatewayCancelFailed, attempts); err != nil {
			return errors.Join(cancelErr, err)
		}
		return cancelErr
	}
	if err := e.settleCancellation(ctx, req.ID, prdomain.GatewayCancelPending, attempts); err != nil {
		return errors.Join(cancelErr, err)
	}
	return cancelErr
}

func (e *Engine) settleCancellation(ctx context.Context, id snowflake.ID, status string, attempts int) error {
	var settled bool
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		req, err := e.requests.Lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if req == nil {
			return prdomain.ErrNotFound
		}
		if req.GatewayCancelStatus != prdomain.GatewayCancelPending {
			return nil
		}
		req.GatewayCancelStatus = status
		req.GatewayCancelAttempts = attempts
		req.UpdatedAt = e.clock.Now()
		settled = status != prdomain.GatewayCancelPending
		return e.requests.Update(ctx, tx, req, req.Status)
	})
	if err != nil || !settled {
		return err
	}

	action := auditdomain.ActionGatewayCancelConfirmed
	if status == prdomain.GatewayCancelFailed {
		action = auditdomain.ActionGatewayCancelFailed
	}
	e.auditLog(ctx, action, auditdomain.TargetPaymentRequest, id, map[string]any{"attempts": attempts})
	return nil
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
