package fanout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	paymentdomain "github.com/smallbiznis/clinicpay/internal/payment/domain"
	prdomain "github.com/smallbiznis/clinicpay/internal/paymentrequest/domain"
)

// MissedEmissionGrace keeps the sweep away from rows whose writer is still
// between commit and publish.
const MissedEmissionGrace = 2 * time.Minute

var (
	emittedPaymentStatuses = []paymentdomain.Status{
		paymentdomain.StatusPaid,
		paymentdomain.StatusFailed,
		paymentdomain.StatusCancelled,
		paymentdomain.StatusRefunded,
	}
	emittedRequestStatuses = []prdomain.Status{
		prdomain.StatusPaid,
		prdomain.StatusCancelled,
		prdomain.StatusExpired,
	}
)

// EmitMissed publishes terminal statuses that were committed but never
// claimed, which happens when the process stops between the two. Payments
// go first so consumers see them before the request outcome.
func (e *Emitter) EmitMissed(ctx context.Context, limit int) (int, error) {
	before := e.clock.Now().Add(-MissedEmissionGrace)

	payments, err := e.payments.ListUnemitted(ctx, e.db, emittedPaymentStatuses, before, limit)
	if err != nil {
		return 0, fmt.Errorf("list unemitted payments: %w", err)
	}
	var (
		emitted int
		errs    []error
	)
	for i := range payments {
		p := &payments[i]
		req, err := e.requests.FindByID(ctx, e.db, *p.PaymentRequestID)
		if err != nil {
			errs = append(errs, fmt.Errorf("payment %s: %w", p.ID, err))
			continue
		}
		if req == nil {
			continue
		}
		ev := PaymentEvent(req, p, e.clock.Now())
		ev.NotifyCustomer = p.Status == paymentdomain.StatusFailed && req.Status.Open()
		won, err := e.Emit(ctx, ev)
		if won {
			emitted++
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("payment %s: %w", p.ID, err))
		}
	}

	requests, err := e.requests.ListUnemitted(ctx, e.db, emittedRequestStatuses, before, limit)
	if err != nil {
		return emitted, errors.Join(append(errs, fmt.Errorf("list unemitted requests: %w", err))...)
	}
	for i := range requests {
		req := &requests[i]
		var latest *paymentdomain.Payment
		if req.CheckoutReference != nil {
			latest, err = e.payments.FindByReference(ctx, e.db, *req.CheckoutReference)
			if err != nil {
				errs = append(errs, fmt.Errorf("payment request %s: %w", req.ID, err))
				continue
			}
		}
		won, err := e.Emit(ctx, RequestEvent(req, latest, e.clock.Now()))
		if won {
			emitted++
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("payment request %s: %w", req.ID, err))
		}
	}
	if emitted > 0 {
		e.log.Warn("published missed status events", zap.Int("count", emitted))
	}
	return emitted, errors.Join(errs...)
}
