package scheduler

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	obscontext "github.com/smallbiznis/tenancy/internal/observability/context"
	obslogger "github.com/smallbiznis/tenancy/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tenancy/internal/observability/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// jobRun accumulates counters for a single execution of one job.
type jobRun struct {
	job            string
	runID          string
	batchSize      int
	startedAt      time.Time
	processedCount int
	errorCount     int
}

func (r *jobRun) AddProcessed(count int) {
	if r != nil && count > 0 {
		r.processedCount += count
	}
}

func (r *jobRun) IncError() {
	if r != nil {
		r.errorCount++
	}
}

func (r *jobRun) fields() []zap.Field {
	return []zap.Field{
		zap.String("job", r.job),
		zap.String("run_id", r.runID),
	}
}

// startJobRun tags ctx with the scheduler as system actor so audit rows and
// log lines written by services attribute the change.
func (s *Scheduler) startJobRun(ctx context.Context, job string, batchSize int) (context.Context, *jobRun) {
	if ctx == nil {
		ctx = context.Background()
	}
	run := &jobRun{
		job:       job,
		runID:     ulid.Make().String(),
		batchSize: batchSize,
		startedAt: time.Now(),
	}
	return obscontext.WithActor(ctx, "system", "scheduler"), run
}

func (s *Scheduler) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Scheduler) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.logger(ctx).Debug("scheduler.job.start", append(run.fields(), zap.Int("batch_size", run.batchSize))...)
}

func (s *Scheduler) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	level := zapcore.DebugLevel
	if run.errorCount > 0 {
		level = zapcore.WarnLevel
	} else if run.processedCount > 0 {
		level = zapcore.InfoLevel
	}
	if ce := s.logger(ctx).Check(level, "scheduler.job.finish"); ce != nil {
		ce.Write(append(run.fields(),
			zap.Duration("duration", time.Since(run.startedAt)),
			zap.Int("processed_count", run.processedCount),
			zap.Int("error_count", run.errorCount),
		)...)
	}
}

// logSchedulerError records a failed step and counts it against the run.
func (s *Scheduler) logSchedulerError(ctx context.Context, run *jobRun, msg string, job string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	run.IncError()
	fields = append([]zap.Field{
		zap.String("job", job),
		zap.String("error_type", obsmetrics.ClassifySchedulerErrorType(err)),
		zap.Bool("retryable", obsmetrics.IsSchedulerErrorRetryable(err)),
		zap.Error(err),
	}, fields...)
	s.logger(ctx).Error(msg, fields...)
}
