package scheduler

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	obsmetrics "github.com/smallbiznis/clinicpay/internal/observability/metrics"
	"github.com/smallbiznis/clinicpay/internal/reconcile"
)

const (
	JobPollStatusChecks  = "poll_status_checks"
	JobRetryUnmatched    = "retry_unmatched"
	JobExpireRequests    = "expire_requests"
	JobSyncCancellations = "sync_cancellations"
	JobResumeCheckouts   = "resume_checkouts"
	JobDeliverStatus     = "deliver_status_events"
)

// PollStatusChecksJob leases due status checks and asks the gateway about
// each one. Gateway failures are recorded on the check and do not fail the
// job; the check is rescheduled by the engine.
func (s *Scheduler) PollStatusChecksJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobPollStatusChecks, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()

	now := s.clock.Now()
	lockStart := time.Now()
	checks, err := s.statusChecks.ClaimDue(ctx, s.db, now, now.Add(s.cfg.StatusCheckLease), s.cfg.BatchSize)
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceStatusChecksDue, time.Since(lockStart))
	if err != nil {
		return err
	}
	if len(checks) == 0 {
		schedMetrics.IncBatchDeferred(JobPollStatusChecks, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
		return nil
	}

	var (
		jobErr    error
		processed int
	)
	for _, check := range checks {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}

		lease, ok, err := s.locker.TryLockStatusCheck(ctx, check.ID.String(), s.cfg.PollLockTTL)
		if err != nil {
			// the database lease still guards the check
			s.logger(ctx).Warn("status check lock unavailable", zap.String("status_check_id", check.ID.String()), zap.Error(err))
			ok = true
		}
		if !ok {
			schedMetrics.IncBatchDeferred(JobPollStatusChecks, obsmetrics.SchedulerBatchDeferredReasonLockHeld)
			continue
		}

		outcome, pollErr := s.engine.Poll(ctx, check)
		if releaseErr := s.locker.Release(ctx, lease); releaseErr != nil {
			s.logger(ctx).Warn("release status check lock failed", zap.Error(releaseErr))
		}

		switch {
		case outcome == "":
			schedMetrics.IncStatusCheck(obsmetrics.StatusCheckOutcomeError)
			s.logSchedulerError(ctx, run, "scheduler.status_check.failed", JobPollStatusChecks, check.PaymentRequestID, pollErr)
			jobErr = errors.Join(jobErr, pollErr)
			continue
		case pollErr != nil:
			s.logSchedulerError(ctx, run, "scheduler.status_check.attempt_failed", JobPollStatusChecks, check.PaymentRequestID, pollErr,
				zap.String("outcome", string(outcome)))
		}
		schedMetrics.IncStatusCheck(string(outcome))
		if outcome == reconcile.PollExhausted {
			s.logger(ctx).Warn("scheduler.status_check.exhausted",
				zap.String("payment_request_id", check.PaymentRequestID.String()),
				zap.String("checkout_reference", check.CheckoutReference),
				zap.Int("attempts", check.AttemptCount+1),
			)
		}
		processed++
	}

	run.AddProcessed(processed)
	schedMetrics.AddBatchProcessed(JobPollStatusChecks, obsmetrics.LockResourceStatusChecksDue, processed)
	return jobErr
}

// RetryUnmatchedJob replays webhooks whose checkout reference was unknown
// when they arrived.
func (s *Scheduler) RetryUnmatchedJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRetryUnmatched, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	processed, err := s.webhooks.RetryUnmatched(ctx, s.cfg.BatchSize)
	run.AddProcessed(processed)
	obsmetrics.Scheduler().AddBatchProcessed(JobRetryUnmatched, obsmetrics.LockResourceFailuresDue, processed)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.webhook_retry.failed", JobRetryUnmatched, 0, err)
	}
	return err
}

// ExpireRequestsJob closes open requests past their due date.
func (s *Scheduler) ExpireRequestsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobExpireRequests, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()

	lockStart := time.Now()
	ids, err := s.requests.ListExpirable(ctx, s.db, s.clock.Now(), s.cfg.BatchSize)
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceRequestsDue, time.Since(lockStart))
	if err != nil {
		return err
	}

	var (
		jobErr  error
		expired int
	)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		ok, err := s.engine.Expire(ctx, id)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.expire.failed", JobExpireRequests, id, err)
			jobErr = errors.Join(jobErr, err)
			continue
		}
		if ok {
			expired++
		}
	}

	run.AddProcessed(expired)
	schedMetrics.AddBatchProcessed(JobExpireRequests, obsmetrics.LockResourceRequestsDue, expired)
	return jobErr
}

// SyncCancellationsJob pushes local cancellations to the gateway. Gateway
// refusals count against the request's cancellation attempts and are not
// job failures.
func (s *Scheduler) SyncCancellationsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobSyncCancellations, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()

	now := s.clock.Now()
	lockStart := time.Now()
	due, err := s.requests.ListCancellationsDue(ctx, s.db, now.Add(-s.cfg.CancelSyncBackoff), s.cfg.BatchSize)
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceCancellationsDue, time.Since(lockStart))
	if err != nil {
		return err
	}

	var (
		jobErr    error
		processed int
	)
	for _, req := range due {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		processed++
		if err := s.engine.SyncGatewayCancellation(ctx, req); err != nil {
			s.logSchedulerError(ctx, run, "scheduler.cancel_sync.failed", JobSyncCancellations, req.ID, err)
			if !isGatewayError(err) {
				jobErr = errors.Join(jobErr, err)
			}
		}
	}

	run.AddProcessed(processed)
	schedMetrics.AddBatchProcessed(JobSyncCancellations, obsmetrics.LockResourceCancellationsDue, processed)
	return jobErr
}

// ResumeCheckoutsJob retries checkout creation for sessions whose gateway
// call never completed.
func (s *Scheduler) ResumeCheckoutsJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobResumeCheckouts, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()

	staleBefore := s.clock.Now().Add(-s.policy.Get().ResumeCheckoutAfter)
	lockStart := time.Now()
	sessions, err := s.requests.ListStaleOpeningSessions(ctx, s.db, staleBefore, s.cfg.BatchSize)
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceCheckoutsOpening, time.Since(lockStart))
	if err != nil {
		return err
	}

	var (
		jobErr    error
		processed int
	)
	for _, session := range sessions {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		processed++
		if err := s.checkouts.ResumeCheckout(ctx, session); err != nil {
			s.logSchedulerError(ctx, run, "scheduler.checkout_resume.failed", JobResumeCheckouts, session.PaymentRequestID, err,
				zap.String("checkout_reference", session.CheckoutReference))
			if !isGatewayError(err) {
				jobErr = errors.Join(jobErr, err)
			}
		}
	}

	run.AddProcessed(processed)
	schedMetrics.AddBatchProcessed(JobResumeCheckouts, obsmetrics.LockResourceCheckoutsOpening, processed)
	return jobErr
}

// DeliverStatusJob publishes committed outcomes that never got emitted and
// retries sink deliveries that failed.
func (s *Scheduler) DeliverStatusJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobDeliverStatus, s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()

	missed, missedErr := s.fanout.EmitMissed(ctx, s.cfg.BatchSize)
	if missedErr != nil {
		s.logSchedulerError(ctx, run, "scheduler.status_emit.failed", JobDeliverStatus, 0, missedErr)
	}

	lockStart := time.Now()
	delivered, deliverErr := s.fanout.Redeliver(ctx, s.cfg.BatchSize)
	schedMetrics.ObserveDBLockWait(obsmetrics.LockResourceDeliveriesDue, time.Since(lockStart))
	if deliverErr != nil {
		s.logSchedulerError(ctx, run, "scheduler.status_delivery.failed", JobDeliverStatus, 0, deliverErr)
	}

	run.AddProcessed(missed + delivered)
	schedMetrics.AddBatchProcessed(JobDeliverStatus, obsmetrics.LockResourceDeliveriesDue, missed+delivered)
	return errors.Join(missedErr, deliverErr)
}

func isGatewayError(err error) bool {
	return obsmetrics.ClassifySchedulerErrorType(err) == obsmetrics.SchedulerErrorTypeGateway
}
