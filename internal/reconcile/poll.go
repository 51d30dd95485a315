package reconcile

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	eventlogdomain "github.com/smallbiznis/clinicpay/internal/eventlog/domain"
	gatewaydomain "github.com/smallbiznis/clinicpay/internal/gateway/domain"
	paymentdomain "github.com/smallbiznis/clinicpay/internal/payment/domain"
	checkdomain "github.com/smallbiznis/clinicpay/internal/statuscheck/domain"
)

type PollOutcome string

const (
	// PollResolved means the check was closed, by this poll or meanwhile.
	PollResolved    PollOutcome = "resolved"
	PollRescheduled PollOutcome = "rescheduled"
	PollExhausted   PollOutcome = "exhausted"
)

const maxErrorLength = 512

// Poll queries the gateway for a leased check and applies what it reports.
// The returned error is the gateway or apply failure of this attempt; the
// check is rescheduled or failed regardless.
func (e *Engine) Poll(ctx context.Context, check checkdomain.PaymentStatusCheck) (PollOutcome, error) {
	log := e.log.With(
		zap.String("payment_request_id", check.PaymentRequestID.String()),
		zap.String("checkout_reference", check.CheckoutReference),
		zap.Int("attempt", check.AttemptCount+1),
	)

	var (
		status  gatewaydomain.CheckoutStatus
		pollErr error
	)
	client, err := e.gateway.Client(check.Provider)
	if err == nil {
		status, err = client.GetCheckoutStatus(ctx, check.CheckoutID)
	}
	if err != nil {
		pollErr = err
	} else if _, err := e.Apply(ctx, FromStatus(status, check.CheckoutReference, paymentdomain.SourcePoll)); err != nil {
		pollErr = fmt.Errorf("apply polled status: %w", err)
	}

	now := e.clock.Now()
	attempt := checkdomain.Attempt{GatewayStatus: string(status.Status), At: now}
	if pollErr != nil {
		attempt.Error = clip(pollErr.Error())
		log.Warn("status check attempt failed", zap.Error(pollErr))
	}

	if check.AttemptCount+1 >= check.MaxAttempts {
		failed, err := e.statusChecks.MarkFailed(ctx, e.db, check, attempt)
		if err != nil {
			return "", err
		}
		if !failed {
			return PollResolved, pollErr
		}
		if err := e.requests.SetNextPollAt(ctx, e.db, check.PaymentRequestID, nil); err != nil {
			return "", err
		}
		log.Warn("status checks exhausted, waiting for webhook or operator")
		requestID := check.PaymentRequestID
		if _, err := e.events.RecordFailure(ctx, eventlogdomain.FailureInput{
			PaymentRequestID:  &requestID,
			Kind:              eventlogdomain.KindPollExhausted,
			CheckoutReference: check.CheckoutReference,
			Message:           fmt.Sprintf("no final status after %d checks (last %q)", check.MaxAttempts, status.Status),
		}); err != nil {
			log.Error("record poll exhaustion", zap.Error(err))
		}
		return PollExhausted, pollErr
	}

	next := now.Add(PollDelay(e.policy.Get(), check.AttemptCount))
	attempt.NextCheckAt = next
	recorded, err := e.statusChecks.RecordAttempt(ctx, e.db, check, attempt)
	if err != nil {
		return "", err
	}
	if !recorded {
		return PollResolved, pollErr
	}
	if err := e.requests.SetNextPollAt(ctx, e.db, check.PaymentRequestID, &next); err != nil {
		return "", err
	}
	return PollRescheduled, pollErr
}

// clip bounds s without splitting a multi-byte rune.
func clip(s string) string {
	if len(s) <= maxErrorLength {
		return s
	}
	cut := maxErrorLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
