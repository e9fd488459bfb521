package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/tenancy/internal/authorization"
	"gorm.io/gorm"
)

const (
	SchedulerErrorTypeDeadlineExceeded = "deadline_exceeded"
	SchedulerErrorTypeAuthorization    = "authorization"
	SchedulerErrorTypeBusinessRule     = "business_rule"
	SchedulerErrorTypeDB               = "db"
	SchedulerErrorTypeUnknown          = "unknown"
)

const (
	SchedulerJobReasonDeadlineExceeded     = "deadline_exceeded"
	SchedulerJobReasonDBLockTimeout        = "db_lock_timeout"
	SchedulerJobReasonSerializationFailure = "serialization_failure"
	SchedulerJobReasonUniqueViolation      = "unique_violation"
	SchedulerJobReasonForbidden            = "forbidden"
	SchedulerJobReasonUnknown              = "unknown"

	SchedulerBatchDeferredReasonSkipLockedEmpty = "skip_locked_empty"
	SchedulerBatchDeferredReasonLockHeld        = "lock_held"
)

const (
	LockResourceSubscriptionsForSweep = "subscriptions_for_sweep"
	LockResourceStuckDatabases        = "tenant_databases_stuck"
	LockResourceFailedDatabases       = "tenant_databases_failed"
	LockResourceOutbox                = "tenant_events_outbox"
	LockResourceInvoiceSequence       = "invoice_sequence"
)

// SchedulerMetrics captures scheduler health signals.
type SchedulerMetrics struct {
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	jobTimeouts      *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	batchProcessed   *prometheus.CounterVec
	batchDeferred    *prometheus.CounterVec
	runLoopLag       prometheus.Observer
	dbLockWait       *prometheus.HistogramVec
	lockWaitObserver map[string]prometheus.Observer
}

var (
	schedulerMetricsOnce sync.Once
	schedulerMetrics     *SchedulerMetrics
)

// Scheduler returns the singleton scheduler metrics registry.
func Scheduler() *SchedulerMetrics {
	return SchedulerWithConfig(Config{})
}

// SchedulerWithConfig returns the singleton scheduler metrics registry using config labels.
func SchedulerWithConfig(cfg Config) *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerMetrics = newSchedulerMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return schedulerMetrics
}

// ResetSchedulerMetricsForTest resets the scheduler metrics singleton for tests.
func ResetSchedulerMetricsForTest() {
	schedulerMetricsOnce = sync.Once{}
	schedulerMetrics = nil
}

func newSchedulerMetrics(registerer prometheus.Registerer, cfg Config) *SchedulerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "tenancy"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	jobRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tenancy_scheduler_job_runs_total",
		Help:        "Scheduler job runs by name.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "tenancy_scheduler_job_duration_seconds",
		Help:        "Scheduler job latency.",
		Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120, 300, 600},
		ConstLabels: constLabels,
	}, []string{"job"})
	jobTimeouts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tenancy_scheduler_job_timeouts_total",
		Help:        "Scheduler jobs that hit their soft deadline.",
		ConstLabels: constLabels,
	}, []string{"job"})
	jobErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tenancy_scheduler_job_errors_total",
		Help:        "Scheduler job errors by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	batchProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tenancy_scheduler_batch_processed_total",
		Help:        "Scheduler batch items processed by resource.",
		ConstLabels: constLabels,
	}, []string{"job", "resource"})
	batchDeferred := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "tenancy_scheduler_batch_deferred_total",
		Help:        "Scheduler batch deferrals by low-cardinality reason.",
		ConstLabels: constLabels,
	}, []string{"job", "reason"})
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "tenancy_scheduler_runloop_lag_seconds",
		Help:        "Scheduler run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		ConstLabels: constLabels,
	})
	dbLockWait := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        "tenancy_scheduler_db_lock_wait_seconds",
		Help:        "Scheduler DB lock wait time for SELECT FOR UPDATE contention.",
		Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		ConstLabels: constLabels,
	}, []string{"resource"})

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		jobTimeouts,
		jobErrors,
		batchProcessed,
		batchDeferred,
		runLoopLag,
		dbLockWait,
	)

	lockWaitObserver := map[string]prometheus.Observer{}
	for _, resource := range []string{
		LockResourceSubscriptionsForSweep,
		LockResourceStuckDatabases,
		LockResourceFailedDatabases,
		LockResourceOutbox,
		LockResourceInvoiceSequence,
	} {
		lockWaitObserver[resource] = dbLockWait.WithLabelValues(resource)
	}

	return &SchedulerMetrics{
		jobRuns:          jobRuns,
		jobDuration:      jobDuration,
		jobTimeouts:      jobTimeouts,
		jobErrors:        jobErrors,
		batchProcessed:   batchProcessed,
		batchDeferred:    batchDeferred,
		runLoopLag:       runLoopLag,
		dbLockWait:       dbLockWait,
		lockWaitObserver: lockWaitObserver,
	}
}

func (m *SchedulerMetrics) IncJobRun(job string) {
	if m != nil && m.jobRuns != nil {
		m.jobRuns.WithLabelValues(job).Inc()
	}
}

func (m *SchedulerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m != nil && m.jobDuration != nil {
		m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	}
}

func (m *SchedulerMetrics) IncJobTimeout(job string) {
	if m != nil && m.jobTimeouts != nil {
		m.jobTimeouts.WithLabelValues(job).Inc()
	}
}

// IncJobError counts a failed run under its classified reason.
func (m *SchedulerMetrics) IncJobError(job string, err error) {
	if m != nil && m.jobErrors != nil && err != nil {
		m.jobErrors.WithLabelValues(job, ClassifySchedulerJobReason(err)).Inc()
	}
}

// AddBatchProcessed adds count rows handled by job for resource.
func (m *SchedulerMetrics) AddBatchProcessed(job, resource string, count int) {
	if m != nil && m.batchProcessed != nil && count > 0 {
		m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
	}
}

func (m *SchedulerMetrics) IncBatchDeferred(job, reason string) {
	if m != nil && m.batchDeferred != nil {
		m.batchDeferred.WithLabelValues(job, reason).Inc()
	}
}

// ObserveRunLoopLag records how late a tick started relative to its schedule.
func (m *SchedulerMetrics) ObserveRunLoopLag(duration time.Duration) {
	if m == nil || m.runLoopLag == nil {
		return
	}
	m.runLoopLag.Observe(max(duration, 0).Seconds())
}

// ObserveDBLockWait records time spent acquiring row locks on resource.
func (m *SchedulerMetrics) ObserveDBLockWait(resource string, duration time.Duration) {
	if m == nil || m.dbLockWait == nil {
		return
	}
	observer, ok := m.lockWaitObserver[resource]
	if !ok {
		observer = m.dbLockWait.WithLabelValues(resource)
	}
	observer.Observe(duration.Seconds())
}

// Driver error codes for lock and constraint failures on the control-plane
// dialects.
const (
	pgLockNotAvailable     = "55P03"
	pgSerializationFailure = "40001"
	pgUniqueViolation      = "23505"

	mysqlDuplicateEntry = 1062
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock       = 1213
)

// ClassifySchedulerErrorType returns the log-facing error category.
func ClassifySchedulerErrorType(err error) string {
	switch {
	case err == nil:
		return SchedulerErrorTypeUnknown
	case isDeadline(err):
		return SchedulerErrorTypeDeadlineExceeded
	case isAuthorizationError(err):
		return SchedulerErrorTypeAuthorization
	case isDBError(err):
		return SchedulerErrorTypeDB
	default:
		return SchedulerErrorTypeBusinessRule
	}
}

// IsSchedulerErrorRetryable reports whether the next tick may succeed where
// this one failed. Business rule failures repeat until data changes.
func IsSchedulerErrorRetryable(err error) bool {
	return err != nil && (isDeadline(err) || isDBError(err))
}

// ClassifySchedulerJobReason maps a job error to a metric label.
func ClassifySchedulerJobReason(err error) string {
	switch {
	case err == nil:
		return SchedulerJobReasonUnknown
	case isDeadline(err):
		return SchedulerJobReasonDeadlineExceeded
	case isAuthorizationError(err):
		return SchedulerJobReasonForbidden
	case hasPGCode(err, pgLockNotAvailable), hasMySQLCode(err, mysqlLockWaitTimeout):
		return SchedulerJobReasonDBLockTimeout
	case hasPGCode(err, pgSerializationFailure), hasMySQLCode(err, mysqlDeadlock):
		return SchedulerJobReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey), hasPGCode(err, pgUniqueViolation), hasMySQLCode(err, mysqlDuplicateEntry):
		return SchedulerJobReasonUniqueViolation
	default:
		return SchedulerJobReasonUnknown
	}
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

func hasMySQLCode(err error, code uint16) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == code
}

func isAuthorizationError(err error) bool {
	for _, target := range []error{
		authorization.ErrForbidden,
		authorization.ErrInvalidActor,
		authorization.ErrInvalidObject,
		authorization.ErrInvalidAction,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// isDBError treats driver errors and gorm misuse as infrastructure failures.
// A missing row is a business outcome.
func isDBError(err error) bool {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false
	}
	for _, target := range []error{
		gorm.ErrInvalidDB,
		gorm.ErrInvalidTransaction,
		gorm.ErrInvalidField,
		gorm.ErrInvalidData,
		gorm.ErrMissingWhereClause,
		gorm.ErrInvalidValue,
		gorm.ErrDuplicatedKey,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	var pgErr *pgconn.PgError
	var myErr *mysql.MySQLError
	return errors.As(err, &pgErr) || errors.As(err, &myErr)
}
