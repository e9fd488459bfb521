package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/tenancy/internal/authorization"
	"github.com/smallbiznis/tenancy/internal/clock"
	obsmetrics "github.com/smallbiznis/tenancy/internal/observability/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newMeteredScheduler points the scheduler metrics singleton at a private
// registry for the duration of the test.
func newMeteredScheduler(t *testing.T) (*Scheduler, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	oldRegisterer := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = registry
	obsmetrics.ResetSchedulerMetricsForTest()
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = oldRegisterer
		obsmetrics.ResetSchedulerMetricsForTest()
	})

	m := obsmetrics.SchedulerWithConfig(obsmetrics.Config{ServiceName: "tenancy", Environment: "test"})
	return &Scheduler{
		log:     zap.NewNop(),
		clock:   clock.NewFakeClock(time.Time{}),
		metrics: m,
	}, registry
}

func TestRunJobOutcomes(t *testing.T) {
	cases := []struct {
		name     string
		job      func(ctx context.Context, run *jobRun) error
		wantErr  bool
		timeouts float64
		reason   string
	}{
		{
			name: "timeout is swallowed",
			job: func(ctx context.Context, _ *jobRun) error {
				<-ctx.Done()
				return ctx.Err()
			},
			timeouts: 1,
			reason:   obsmetrics.SchedulerJobReasonDeadlineExceeded,
		},
		{
			name: "forbidden is reported",
			job: func(context.Context, *jobRun) error {
				return authorization.ErrForbidden
			},
			wantErr: true,
			reason:  obsmetrics.SchedulerJobReasonForbidden,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, registry := newMeteredScheduler(t)

			err := s.runJob(context.Background(), "sweep", 10, 5*time.Millisecond, tc.job)
			if tc.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "sweep: ")
			} else {
				require.NoError(t, err)
			}

			base := map[string]string{"service": "tenancy", "env": "test", "job": "sweep"}
			assert.Equal(t, float64(1), counterValue(t, registry, "tenancy_scheduler_job_runs_total", base))
			if tc.timeouts > 0 {
				assert.Equal(t, tc.timeouts, counterValue(t, registry, "tenancy_scheduler_job_timeouts_total", base))
			}
			assert.Equal(t, float64(1), counterValue(t, registry, "tenancy_scheduler_job_errors_total", withLabel(base, "reason", tc.reason)))
		})
	}
}

func TestRunJobCountsProcessedRows(t *testing.T) {
	s, registry := newMeteredScheduler(t)

	err := s.runJob(context.Background(), "pending_invoices", 10, time.Second, func(_ context.Context, run *jobRun) error {
		run.AddProcessed(3)
		run.AddProcessed(4)
		return nil
	})
	require.NoError(t, err)

	labels := map[string]string{"service": "tenancy", "env": "test", "job": "pending_invoices", "resource": "pending_invoices"}
	assert.Equal(t, float64(7), counterValue(t, registry, "tenancy_scheduler_batch_processed_total", labels))
}

func TestRunOnceJoinsJobErrors(t *testing.T) {
	s, _ := newMeteredScheduler(t)
	s.cfg = Config{EnabledJobs: []string{JobSubscriptionSweep}, BatchSize: 5, JobTimeout: time.Second}

	// Without an authorization service every job is refused.
	err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, authorization.ErrForbidden))
}

func withLabel(labels map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	out[key] = value
	return out
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if labelsMatch(metric, labels) {
				require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
				return metric.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
