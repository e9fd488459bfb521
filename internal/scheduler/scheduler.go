package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/tenancy/internal/authorization"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/events"
	invoicedomain "github.com/smallbiznis/tenancy/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/tenancy/internal/observability/metrics"
	provisioningdomain "github.com/smallbiznis/tenancy/internal/provisioning/domain"
	subscriptiondomain "github.com/smallbiznis/tenancy/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobSubscriptionSweep  = "subscription_sweep"
	JobPendingInvoices    = "pending_invoices"
	JobProvisioningStuck  = "provisioning_stuck"
	JobProvisioningRetry  = "provisioning_retry"
	JobProvisioningVerify = "provisioning_verify"
	JobOutboxDispatch     = "outbox_dispatch"
)

// maxBatchesPerRun bounds how many batches one job drains in a single run.
const maxBatchesPerRun = 20

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

type Params struct {
	fx.In

	Log             *zap.Logger
	Clock           clock.Clock
	SubscriptionSvc subscriptiondomain.Service
	InvoiceSvc      invoicedomain.Service
	ProvisioningSvc provisioningdomain.Service
	AuthzSvc        authorization.Service
	Dispatcher      *events.Dispatcher           `optional:"true"`
	Metrics         *obsmetrics.SchedulerMetrics `optional:"true"`
	Config          Config                       `optional:"true"`
}

type Scheduler struct {
	log             *zap.Logger
	cfg             Config
	clock           clock.Clock
	subscriptionSvc subscriptiondomain.Service
	invoiceSvc      invoicedomain.Service
	provisioningSvc provisioningdomain.Service
	authzSvc        authorization.Service
	dispatcher      *events.Dispatcher
	metrics         *obsmetrics.SchedulerMetrics

	mu         sync.Mutex
	lastVerify time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.SubscriptionSvc == nil || p.InvoiceSvc == nil || p.ProvisioningSvc == nil || p.AuthzSvc == nil {
		return nil, ErrInvalidConfig
	}
	metrics := p.Metrics
	if metrics == nil {
		metrics = obsmetrics.Scheduler()
	}
	return &Scheduler{
		log:             p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:             p.Config.withDefaults(),
		clock:           p.Clock,
		subscriptionSvc: p.SubscriptionSvc,
		invoiceSvc:      p.InvoiceSvc,
		provisioningSvc: p.ProvisioningSvc,
		authzSvc:        p.AuthzSvc,
		dispatcher:      p.Dispatcher,
		metrics:         metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context, run *jobRun) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.startJobRun(ctx, name, batchSize)
	s.logJobStart(ctx, run)
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx, run)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	s.metrics.AddBatchProcessed(name, name, run.processedCount)
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		// A soft deadline; the next run picks up where this one stopped.
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
		Name    string
		Enabled bool
		Run     func(context.Context, *jobRun) error
	}{
		{JobSubscriptionSweep, s.isJobEnabled(JobSubscriptionSweep), s.SubscriptionSweepJob},
		{JobPendingInvoices, s.isJobEnabled(JobPendingInvoices), s.PendingInvoicesJob},
		{JobProvisioningStuck, s.isJobEnabled(JobProvisioningStuck), s.ProvisioningStuckJob},
		{JobProvisioningRetry, s.cfg.RetryFailedProvisioning && s.isJobEnabled(JobProvisioningRetry), s.ProvisioningRetryJob},
		{JobProvisioningVerify, s.isJobEnabled(JobProvisioningVerify) && s.verifyDue(), s.ProvisioningVerifyJob},
		{JobOutboxDispatch, s.dispatcher != nil && s.isJobEnabled(JobOutboxDispatch), s.OutboxDispatchJob},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, s.runJob(parent, job.Name, s.cfg.BatchSize, s.cfg.JobTimeout, job.Run))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
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
	// An empty list enables every job.
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

// verifyDue gates the verification sweep to once per VerifyInterval.
func (s *Scheduler) verifyDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if !s.lastVerify.IsZero() && now.Sub(s.lastVerify) < s.cfg.VerifyInterval {
		return false
	}
	s.lastVerify = now
	return true
}

func (s *Scheduler) SubscriptionSweepJob(ctx context.Context, run *jobRun) error {
	if err := s.authorizeSystem(ctx, authorization.ObjectSubscription, authorization.ActionSubscriptionSweep); err != nil {
		return err
	}

	var jobErr error
	for i := 0; i < maxBatchesPerRun; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		result, err := s.subscriptionSvc.Sweep(ctx, run.batchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.subscription_sweep.failed", JobSubscriptionSweep, err)
			return errors.Join(jobErr, err)
		}
		run.AddProcessed(result.Processed())
		if result.Failed > 0 {
			run.errorCount += result.Failed
			jobErr = errors.Join(jobErr, fmt.Errorf("%d subscriptions failed to transition", result.Failed))
		}
		if result.Suspended > 0 {
			s.logger(ctx).Info("scheduler.tenants.suspended",
				zap.Int("count", result.Suspended),
				zap.String("run_id", run.runID),
			)
		}
		// Failed rows stay due; stop instead of re-reading them.
		if result.Scanned < run.batchSize || result.Failed > 0 {
			break
		}
	}
	return jobErr
}

func (s *Scheduler) PendingInvoicesJob(ctx context.Context, run *jobRun) error {
	if err := s.authorizeSystem(ctx, authorization.ObjectInvoice, authorization.ActionInvoiceGenerate); err != nil {
		return err
	}

	var jobErr error
	for i := 0; i < maxBatchesPerRun; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		summary, err := s.invoiceSvc.GeneratePendingInvoices(ctx, run.batchSize)
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.pending_invoices.failed", JobPendingInvoices, err)
			return errors.Join(jobErr, err)
		}
		run.AddProcessed(summary.Generated)
		if summary.Failed > 0 {
			run.errorCount += summary.Failed
			jobErr = errors.Join(jobErr, fmt.Errorf("%d invoices failed to generate", summary.Failed))
		}
		if summary.Processed < run.batchSize || summary.Failed > 0 {
			break
		}
	}
	return jobErr
}

func (s *Scheduler) ProvisioningStuckJob(ctx context.Context, run *jobRun) error {
	if err := s.authorizeSystem(ctx, authorization.ObjectProvisioning, authorization.ActionProvisioningOperate); err != nil {
		return err
	}
	swept, err := s.provisioningSvc.SweepStuck(ctx, s.cfg.StuckThreshold)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.provisioning_stuck.failed", JobProvisioningStuck, err)
		return err
	}
	run.AddProcessed(swept)
	if swept > 0 {
		s.logger(ctx).Warn("scheduler.provisioning.stuck_failed",
			zap.Int("count", swept),
			zap.Duration("threshold", s.cfg.StuckThreshold),
		)
	}

	recovered, err := s.provisioningSvc.RecoverPending(ctx, s.cfg.StuckThreshold, run.batchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.provisioning_recover.failed", JobProvisioningStuck, err)
		return err
	}
	run.AddProcessed(recovered.Processed)
	if recovered.Processed > 0 {
		s.logger(ctx).Info("scheduler.provisioning.recovered_pending",
			zap.Int("count", recovered.Processed),
			zap.Int("failed", recovered.Failed),
		)
	}
	return nil
}

func (s *Scheduler) ProvisioningRetryJob(ctx context.Context, run *jobRun) error {
	if err := s.authorizeSystem(ctx, authorization.ObjectProvisioning, authorization.ActionProvisioningOperate); err != nil {
		return err
	}
	result, err := s.provisioningSvc.RetryFailed(ctx, run.batchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.provisioning_retry.failed", JobProvisioningRetry, err)
		return err
	}
	run.AddProcessed(result.Processed)
	run.errorCount += result.Failed
	return nil
}

func (s *Scheduler) ProvisioningVerifyJob(ctx context.Context, run *jobRun) error {
	if err := s.authorizeSystem(ctx, authorization.ObjectProvisioning, authorization.ActionProvisioningOperate); err != nil {
		return err
	}
	result, err := s.provisioningSvc.VerifyProvisioned(ctx, run.batchSize)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.provisioning_verify.failed", JobProvisioningVerify, err)
		return err
	}
	run.AddProcessed(result.Processed)
	if result.Failed > 0 {
		run.errorCount += result.Failed
		s.logger(ctx).Warn("scheduler.provisioning.verify_failed", zap.Int("count", result.Failed))
	}
	return nil
}

func (s *Scheduler) OutboxDispatchJob(ctx context.Context, run *jobRun) error {
	if err := s.authorizeSystem(ctx, authorization.ObjectOutbox, authorization.ActionOutboxDispatch); err != nil {
		return err
	}
	for i := 0; i < maxBatchesPerRun; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lockStart := time.Now()
		result, err := s.dispatcher.Dispatch(ctx, run.batchSize)
		s.metrics.ObserveDBLockWait(obsmetrics.LockResourceOutbox, time.Since(lockStart))
		if err != nil {
			s.logSchedulerError(ctx, run, "scheduler.outbox_dispatch.failed", JobOutboxDispatch, err)
			return err
		}
		run.AddProcessed(result.Delivered)
		run.errorCount += result.Failed
		if result.Claimed == 0 {
			s.metrics.IncBatchDeferred(JobOutboxDispatch, obsmetrics.SchedulerBatchDeferredReasonSkipLockedEmpty)
		}
		if result.Claimed < run.batchSize {
			break
		}
	}
	return nil
}

func (s *Scheduler) authorizeSystem(ctx context.Context, object string, action string) error {
	if s.authzSvc == nil {
		return authorization.ErrForbidden
	}
	return s.authzSvc.Authorize(ctx, "system", authorization.RoleSystem, object, action)
}
