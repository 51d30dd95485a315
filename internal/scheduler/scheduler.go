package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/clinicpay/internal/clock"
	"github.com/smallbiznis/clinicpay/internal/config"
	"github.com/smallbiznis/clinicpay/internal/fanout"
	obscontext "github.com/smallbiznis/clinicpay/internal/observability/context"
	obsmetrics "github.com/smallbiznis/clinicpay/internal/observability/metrics"
	prdomain "github.com/smallbiznis/clinicpay/internal/paymentrequest/domain"
	prservice "github.com/smallbiznis/clinicpay/internal/paymentrequest/service"
	"github.com/smallbiznis/clinicpay/internal/ratelimit"
	"github.com/smallbiznis/clinicpay/internal/reconcile"
	checkdomain "github.com/smallbiznis/clinicpay/internal/statuscheck/domain"
	"github.com/smallbiznis/clinicpay/internal/webhook"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Requests     prdomain.Repository
	StatusChecks checkdomain.Repository
	Engine       *reconcile.Engine
	Webhooks     *webhook.Service
	Checkouts    *prservice.Service
	Fanout       *fanout.Emitter
	Policy       *config.ReconcilePolicyHolder
	Locker       *ratelimit.Locker `optional:"true"`
	Config       Config            `optional:"true"`
}

// Scheduler runs the reconciliation sweeps: polling overdue checkouts,
// retrying unmatched webhooks, expiring requests, syncing cancellations to
// the gateway, resuming interrupted checkouts and redelivering status events.
type Scheduler struct {
	db           *gorm.DB
	log          *zap.Logger
	cfg          Config
	genID        *snowflake.Node
	clock        clock.Clock
	requests     prdomain.Repository
	statusChecks checkdomain.Repository
	engine       *reconcile.Engine
	webhooks     *webhook.Service
	checkouts    *prservice.Service
	fanout       *fanout.Emitter
	policy       *config.ReconcilePolicyHolder
	locker       *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Requests == nil || p.StatusChecks == nil || p.Engine == nil || p.Webhooks == nil || p.Checkouts == nil || p.Fanout == nil || p.Policy == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:           p.DB,
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		genID:        p.GenID,
		clock:        p.Clock,
		requests:     p.Requests,
		statusChecks: p.StatusChecks,
		engine:       p.Engine,
		webhooks:     p.Webhooks,
		checkouts:    p.Checkouts,
		fanout:       p.Fanout,
		policy:       p.Policy,
		locker:       p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx = obscontext.WithActor(ctx, obscontext.ActorSystem, "scheduler")
	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout, the next tick picks up the rest
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{JobPollStatusChecks, s.PollStatusChecksJob},
		{JobRetryUnmatched, s.RetryUnmatchedJob},
		{JobResumeCheckouts, s.ResumeCheckoutsJob},
		{JobSyncCancellations, s.SyncCancellationsJob},
		{JobExpireRequests, s.ExpireRequestsJob},
		{JobDeliverStatus, s.DeliverStatusJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty means every job runs in this process.
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
