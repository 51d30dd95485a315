package metricspush

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/smallbiznis/clinicpay/internal/config"
)

var Module = fx.Module("metrics.push",
	fx.Provide(NewPusher),
	fx.Invoke(Register),
)

// Register starts the push loop when a pusher is configured. The backlog
// gauges live in their own registry so the HTTP /metrics endpoint of the API
// process never runs the count queries.
func Register(lc fx.Lifecycle, cfg config.Config, pusher Pusher, db *gorm.DB, logger *zap.Logger) {
	if pusher == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("metrics.push")

	registry := prometheus.NewRegistry()
	backlog := NewBacklog(db, registry)
	loop := &pushLoop{
		pusher:   pusher,
		backlog:  backlog,
		gatherer: prometheus.Gatherers{prometheus.DefaultGatherer, registry},
		interval: cfg.Push.Interval,
		log:      logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting metrics push", zap.String("exporter", cfg.Push.Exporter), zap.Duration("interval", loop.interval))
			go func() {
				defer close(done)
				loop.run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
			// Final push so short-lived workers leave their last counters behind.
			flushCtx, flushCancel := context.WithTimeout(stopCtx, defaultPushTimeout)
			defer flushCancel()
			loop.pushOnce(flushCtx)
			return nil
		},
	})
}

type pushLoop struct {
	pusher   Pusher
	backlog  *Backlog
	gatherer prometheus.Gatherer
	interval time.Duration
	log      *zap.Logger
}

func (l *pushLoop) run(ctx context.Context) {
	interval := l.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.pushOnce(ctx)
	for {
		select {
		case <-ticker.C:
			l.pushOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (l *pushLoop) pushOnce(ctx context.Context) {
	if err := l.backlog.Refresh(ctx); err != nil {
		l.log.Warn("refresh backlog gauges failed", zap.Error(err))
	}
	pushCtx, cancel := context.WithTimeout(ctx, defaultPushTimeout)
	defer cancel()
	if err := l.pusher.Push(pushCtx, l.gatherer); err != nil {
		l.log.Error("metrics push failed", zap.Error(err))
	}
}
