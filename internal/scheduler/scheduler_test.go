package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/clinicpay/internal/clock"
	gatewaydomain "github.com/smallbiznis/clinicpay/internal/gateway/domain"
	obsmetrics "github.com/smallbiznis/clinicpay/internal/observability/metrics"
)

func TestRunJobOutcomes(t *testing.T) {
	cases := []struct {
		name        string
		fn          func(ctx context.Context) error
		wantErr     error
		wantTimeout float64
		wantReason  string
	}{
		{
			name: "success",
			fn:   func(context.Context) error { return nil },
		},
		{
			name: "deadline is swallowed",
			fn: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
			wantTimeout: 1,
			wantReason:  obsmetrics.SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "gateway failure is returned",
			fn: func(context.Context) error {
				return fmt.Errorf("poll: %w", gatewaydomain.ErrTransient)
			},
			wantErr:    gatewaydomain.ErrTransient,
			wantReason: obsmetrics.SchedulerJobReasonGatewayTransient,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			registry := useRegistry(t)
			s := newBareScheduler(t)

			err := s.runJob(context.Background(), "sweep", 0, 5*time.Millisecond, tc.fn)
			if tc.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tc.wantErr))
				assert.Contains(t, err.Error(), "sweep: ")
			} else {
				require.NoError(t, err)
			}

			labels := map[string]string{"service": "clinicpay", "env": "test", "job": "sweep"}
			assert.Equal(t, float64(1), counterValue(t, registry, "clinicpay_scheduler_job_runs_total", labels))
			assert.Equal(t, tc.wantTimeout, counterValue(t, registry, "clinicpay_scheduler_job_timeouts_total", labels))

			if tc.wantReason != "" {
				errLabels := map[string]string{"service": "clinicpay", "env": "test", "job": "sweep", "reason": tc.wantReason}
				assert.Equal(t, float64(1), counterValue(t, registry, "clinicpay_scheduler_job_errors_total", errLabels))
			}
		})
	}
}

func TestIsJobEnabled(t *testing.T) {
	s := &Scheduler{}
	assert.True(t, s.isJobEnabled(JobExpireRequests))

	s.cfg.EnabledJobs = []string{"POLL_STATUS_CHECKS"}
	assert.True(t, s.isJobEnabled(JobPollStatusChecks))
	assert.False(t, s.isJobEnabled(JobExpireRequests))
}

func newBareScheduler(t *testing.T) *Scheduler {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
}

// useRegistry points the scheduler metrics singleton at a fresh registry.
// The singleton is left on that registry afterwards so later tests never
// register twice on the default one.
func useRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	registry := prometheus.NewRegistry()
	oldRegisterer, oldGatherer := prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "clinicpay", Environment: "test"})

	t.Cleanup(func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
	})
	return registry
}

// counterValue returns 0 when no series matches.
func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if sameLabels(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func sameLabels(m *dto.Metric, labels map[string]string) bool {
	if len(m.GetLabel()) != len(labels) {
		return false
	}
	for _, l := range m.GetLabel() {
		if labels[l.GetName()] != l.GetValue() {
			return false
		}
	}
	return true
}
