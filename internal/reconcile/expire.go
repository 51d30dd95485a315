package reconcile

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/smallbiznis/clinicpay/internal/audit/domain"
	"github.com/smallbiznis/clinicpay/internal/fanout"
	paymentdomain "github.com/smallbiznis/clinicpay/internal/payment/domain"
	prdomain "github.com/smallbiznis/clinicpay/internal/paymentrequest/domain"
	checkdomain "github.com/smallbiznis/clinicpay/internal/statuscheck/domain"
)

// Expire moves an open request past its due date to expired. A request
// with a live checkout gets one last status query first so a payment that
// landed just before the deadline is not lost. It reports whether the
// request was expired.
func (e *Engine) Expire(ctx context.Context, id snowflake.ID) (bool, error) {
	req, err := e.requests.FindByID(ctx, e.db, id)
	if err != nil {
		return false, err
	}
	if req == nil {
		return false, prdomain.ErrNotFound
	}
	if !req.Status.Open() || req.DueAt.After(e.clock.Now()) {
		return false, nil
	}

	if req.Status == prdomain.StatusSent && req.CheckoutID != nil {
		if paid := e.finalCheck(ctx, req); paid {
			return false, nil
		}
	}

	var expired bool
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := e.requests.Lock(ctx, tx, id)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		if locked == nil || !locked.Status.Open() || locked.DueAt.After(now) {
			return nil
		}
		from := locked.Status
		locked.Status = prdomain.StatusExpired
		locked.NextPollAt = nil
		locked.UpdatedAt = now
		if err := e.requests.Update(ctx, tx, locked, from); err != nil {
			return err
		}
		if _, err := e.statusChecks.CloseActiveForRequest(ctx, tx, locked.ID, checkdomain.StatusCancelled, now); err != nil {
			return err
		}
		req = locked
		expired = true
		return nil
	})
	if err != nil || !expired {
		return false, err
	}

	e.log.Info("payment request expired", zap.String("payment_request_id", req.ID.String()))
	e.auditLog(ctx, auditdomain.ActionPaymentRequestExpired, auditdomain.TargetPaymentRequest, req.ID, map[string]any{
		"due_at": req.DueAt,
	})

	var latest *paymentdomain.Payment
	if req.CheckoutReference != nil {
		latest, err = e.payments.FindByReference(ctx, e.db, *req.CheckoutReference)
		if err != nil {
			e.log.Warn("load payment for expiry event", zap.Error(err))
		}
	}
	e.publish(ctx, fanout.RequestEvent(req, latest, e.clock.Now()))
	return true, nil
}

// finalCheck reports whether the gateway says the current checkout is paid.
func (e *Engine) finalCheck(ctx context.Context, req *prdomain.PaymentRequest) bool {
	log := e.log.With(zap.String("payment_request_id", req.ID.String()))
	client, err := e.gateway.Client(req.GatewayProvider)
	if err != nil {
		log.Warn("final status check skipped", zap.Error(err))
		return false
	}
	st, err := client.GetCheckoutStatus(ctx, *req.CheckoutID)
	if err != nil {
		log.Warn("final status check failed, expiring anyway", zap.Error(err))
		return false
	}
	res, err := e.Apply(ctx, FromStatus(st, deref(req.CheckoutReference), paymentdomain.SourcePoll))
	if err != nil {
		log.Warn("apply final status failed", zap.Error(err))
		return false
	}
	return res.Request != nil && res.Request.Status == prdomain.StatusPaid
}
