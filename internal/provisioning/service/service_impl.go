package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/internal/events"
	"github.com/smallbiznis/tenancy/internal/observability/metrics"
	provisioningdomain "github.com/smallbiznis/tenancy/internal/provisioning/domain"
	"github.com/smallbiznis/tenancy/internal/ratelimit"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/pkg/credential"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	verifyTimeout   = 5 * time.Second
	sweepBatchLimit = 100
	maxErrorLength  = 1000
)

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	cfg       config.Config
	cipher    *credential.Cipher
	allocator provisioningdomain.Allocator
	connector provisioningdomain.Connector
	migrator  provisioningdomain.SchemaMigrator
	repo      provisioningdomain.Repository
	tenants   tenantdomain.Repository
	outbox    *events.Outbox
	lock      *ratelimit.ProvisionLock
	metrics   *metrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     config.Config
	Cipher     *credential.Cipher
	Allocator  provisioningdomain.Allocator
	Connector  provisioningdomain.Connector
	Migrator   provisioningdomain.SchemaMigrator
	Repo       provisioningdomain.Repository
	TenantRepo tenantdomain.Repository
	Outbox     *events.Outbox
	Lock       *ratelimit.ProvisionLock `optional:"true"`
	Metrics    *metrics.Metrics         `optional:"true"`
}

func NewService(p ServiceParam) provisioningdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("provisioning.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		cfg:       p.Config,
		cipher:    p.Cipher,
		allocator: p.Allocator,
		connector: p.Connector,
		migrator:  p.Migrator,
		repo:      p.Repo,
		tenants:   p.TenantRepo,
		outbox:    p.Outbox,
		lock:      p.Lock,
		metrics:   p.Metrics,
	}
}

func (s *Service) Provision(ctx context.Context, tenantID snowflake.ID) (*provisioningdomain.Result, error) {
	if tenantID == 0 {
		return nil, tenantdomain.ErrInvalidTenantID
	}

	release, err := s.lock.Acquire(ctx, tenantID.String())
	if err != nil {
		if errors.Is(err, ratelimit.ErrLockHeld) {
			return nil, provisioningdomain.ErrProvisioningInFlight
		}
		return nil, err
	}
	defer release()

	startedAt := s.clock.Now()
	mode := s.mode()

	row, existing, err := s.begin(ctx, tenantID, mode)
	if err != nil {
		return nil, err
	}
	if existing {
		s.metrics.RecordProvisioning(ctx, string(row.ProvisioningMode), "existing", 0)
		return provisioningdomain.ResultFromDatabase(row, true), nil
	}

	cred, script, allocErr := s.allocate(ctx, row, mode)
	elapsed := s.clock.Now().Sub(startedAt)
	if allocErr != nil {
		s.log.Error("tenant database provisioning failed",
			zap.String("tenant_id", tenantID.String()),
			zap.String("mode", string(mode)),
			zap.String("dialect", row.Dialect),
			zap.String("database", row.DatabaseName),
			zap.Int("attempt", row.Attempts+1),
			zap.Error(allocErr),
		)
		if err := s.fail(ctx, tenantID, allocErr.Error()); err != nil {
			s.log.Error("failed to record provisioning failure",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err),
			)
		}
		s.metrics.RecordProvisioning(ctx, string(mode), "failure", elapsed)
		return nil, fmt.Errorf("%w: %w", provisioningdomain.ErrProvisioningFailure, allocErr)
	}

	row, err = s.complete(ctx, tenantID, mode, cred, script)
	if err != nil {
		s.metrics.RecordProvisioning(ctx, string(mode), "failure", elapsed)
		return nil, err
	}

	s.metrics.RecordProvisioning(ctx, string(mode), "success", elapsed)
	s.log.Info("tenant database provisioned",
		zap.String("tenant_id", tenantID.String()),
		zap.String("mode", string(mode)),
		zap.String("database", row.DatabaseName),
	)
	return provisioningdomain.ResultFromDatabase(row, false), nil
}

// begin claims the tenant and moves its database row to provisioning. It
// reports existing=true when there is nothing left to do.
func (s *Service) begin(ctx context.Context, tenantID snowflake.ID, mode provisioningdomain.Mode) (*provisioningdomain.TenantDatabase, bool, error) {
	var (
		row      *provisioningdomain.TenantDatabase
		existing bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tenant, err := s.tenants.FindByIDForUpdate(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if tenant == nil {
			return tenantdomain.ErrTenantNotFound
		}

		current, err := s.repo.FindByTenantIDForUpdate(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		if current != nil {
			switch current.ProvisioningStatus {
			case tenantdomain.ProvisioningProvisioned, tenantdomain.ProvisioningManual:
				row, existing = current, true
				return nil
			case tenantdomain.ProvisioningInProgress:
				if current.ProvisioningStartedAt != nil && now.Sub(*current.ProvisioningStartedAt) < s.stuckThreshold() {
					return provisioningdomain.ErrProvisioningInFlight
				}
			}
		}

		name := databaseName(s.cfg.Provisioning.DatabasePrefix, tenant.ID, tenant.Subdomain)
		isNew := current == nil
		if isNew {
			current = &provisioningdomain.TenantDatabase{
				ID:        s.genID.Generate(),
				TenantID:  tenant.ID,
				CreatedAt: now,
			}
		}
		current.Dialect = s.allocator.Dialect()
		current.Host = s.cfg.Provisioning.TenantDBHost
		current.Port = s.cfg.Provisioning.TenantDBPort
		current.DatabaseName = name
		current.Username = name
		current.ProvisioningStatus = tenantdomain.ProvisioningInProgress
		current.ProvisioningMode = mode
		current.ProvisioningStartedAt = &now
		current.ProvisioningError = nil
		current.UpdatedAt = now

		if isNew {
			err = s.repo.Insert(ctx, tx, current)
		} else {
			err = s.repo.Save(ctx, tx, current)
		}
		if err != nil {
			return err
		}
		if err := s.tenants.UpdateProvisioningStatus(ctx, tx, tenantID, tenantdomain.ProvisioningInProgress, now); err != nil {
			return err
		}
		row = current
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return row, existing, nil
}

// allocate runs outside any transaction. The password exists in plaintext
// only here and is sealed before anything is written.
func (s *Service) allocate(ctx context.Context, row *provisioningdomain.TenantDatabase, mode provisioningdomain.Mode) (credential.Credential, *string, error) {
	plaintext, err := generatePassword()
	if err != nil {
		return credential.Credential{}, nil, fmt.Errorf("generate password: %w", err)
	}
	cred, err := credential.Seal(s.cipher, plaintext)
	if err != nil {
		return credential.Credential{}, nil, fmt.Errorf("seal password: %w", err)
	}

	if mode == provisioningdomain.ModeManual {
		script := s.allocator.ManualScript(row.DatabaseName, row.Username)
		return cred, &script, nil
	}

	timeout := s.cfg.Provisioning.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	allocCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = s.allocator.Allocate(allocCtx, provisioningdomain.AllocateRequest{
		DatabaseName: row.DatabaseName,
		Username:     row.Username,
		Password:     plaintext,
	})
	if err != nil {
		if errors.Is(allocCtx.Err(), context.DeadlineExceeded) {
			return credential.Credential{}, nil, fmt.Errorf("provisioning timed out after %s: %w", timeout, err)
		}
		return credential.Credential{}, nil, err
	}
	return cred, nil, nil
}

func (s *Service) complete(ctx context.Context, tenantID snowflake.ID, mode provisioningdomain.Mode, cred credential.Credential, script *string) (*provisioningdomain.TenantDatabase, error) {
	var row *provisioningdomain.TenantDatabase
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByTenantIDForUpdate(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if current == nil {
			return provisioningdomain.ErrDatabaseNotFound
		}

		now := s.clock.Now()
		status := tenantdomain.ProvisioningProvisioned
		if mode == provisioningdomain.ModeManual {
			status = tenantdomain.ProvisioningManual
		} else {
			current.ProvisionedAt = &now
		}
		current.ProvisioningStatus = status
		current.EncryptedPassword = cred
		current.ManualScript = script
		current.ProvisioningError = nil
		current.UpdatedAt = now
		if err := s.repo.Save(ctx, tx, current); err != nil {
			return err
		}
		if err := s.tenants.UpdateProvisioningStatus(ctx, tx, tenantID, status, now); err != nil {
			return err
		}

		tid := tenantID
		if err := s.outbox.Append(ctx, tx, events.Event{
			Type:          events.TypeProvisioningSucceeded,
			AggregateType: events.AggregateDatabase,
			AggregateID:   current.ID.String(),
			TenantID:      &tid,
			Payload: map[string]any{
				"mode":          string(mode),
				"status":        string(status),
				"dialect":       current.Dialect,
				"database_name": current.DatabaseName,
			},
		}); err != nil {
			return err
		}
		row = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

// fail leaves the stored credential untouched.
func (s *Service) fail(ctx context.Context, tenantID snowflake.ID, message string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.repo.FindByTenantIDForUpdate(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if current == nil {
			return provisioningdomain.ErrDatabaseNotFound
		}
		return s.markFailed(ctx, tx, current, message)
	})
}

func (s *Service) markFailed(ctx context.Context, tx *gorm.DB, row *provisioningdomain.TenantDatabase, message string) error {
	now := s.clock.Now()
	message = truncate(message, maxErrorLength)
	row.ProvisioningStatus = tenantdomain.ProvisioningFailed
	row.ProvisioningError = &message
	row.Attempts++
	row.UpdatedAt = now
	if err := s.repo.Save(ctx, tx, row); err != nil {
		return err
	}
	if err := s.tenants.UpdateProvisioningStatus(ctx, tx, row.TenantID, tenantdomain.ProvisioningFailed, now); err != nil {
		return err
	}
	tid := row.TenantID
	return s.outbox.Append(ctx, tx, events.Event{
		Type:          events.TypeProvisioningFailed,
		AggregateType: events.AggregateDatabase,
		AggregateID:   row.ID.String(),
		TenantID:      &tid,
		Payload: map[string]any{
			"error":    message,
			"attempts": row.Attempts,
		},
	})
}

func (s *Service) MigrateAndSeed(ctx context.Context, tenantID snowflake.ID, seedDemo bool) error {
	if seedDemo && (s.cfg.IsProduction() || !s.cfg.Provisioning.AllowDemoSeed) {
		return provisioningdomain.ErrDemoSeedForbidden
	}
	if _, err := s.ready(ctx, tenantID); err != nil {
		return err
	}

	conn, dialect, err := s.connector.Open(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("open tenant database: %w", err)
	}
	defer conn.Close()

	if err := s.migrator.Migrate(ctx, conn, dialect); err != nil {
		s.log.Error("tenant schema migration failed",
			zap.String("tenant_id", tenantID.String()),
			zap.String("dialect", dialect),
			zap.Error(err),
		)
		return err
	}
	now := s.clock.Now()
	fields := map[string]any{"migrated_at": now, "updated_at": now}

	if seedDemo {
		if err := s.migrator.SeedDemo(ctx, conn, dialect); err != nil {
			return err
		}
		fields["seeded_at"] = now
	}

	if err := s.repo.UpdateFields(ctx, s.db, tenantID, fields); err != nil {
		return err
	}
	s.log.Info("tenant database migrated",
		zap.String("tenant_id", tenantID.String()),
		zap.Bool("seeded", seedDemo),
	)
	return nil
}

func (s *Service) Verify(ctx context.Context, tenantID snowflake.ID) (bool, error) {
	if _, err := s.ready(ctx, tenantID); err != nil {
		return false, err
	}

	verifyCtx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	conn, _, err := s.connector.Open(verifyCtx, tenantID)
	if err != nil {
		s.log.Warn("tenant database unreachable",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
		return false, nil
	}
	defer conn.Close()

	if err := conn.PingContext(verifyCtx); err != nil {
		s.log.Warn("tenant database ping failed",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
		return false, nil
	}

	now := s.clock.Now()
	if err := s.repo.UpdateFields(ctx, s.db, tenantID, map[string]any{
		"last_verified_at": now,
		"updated_at":       now,
	}); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) Retry(ctx context.Context, tenantID snowflake.ID) (*provisioningdomain.Result, error) {
	tenant, err := s.tenants.FindByID(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if tenant == nil {
		return nil, tenantdomain.ErrTenantNotFound
	}
	status := tenant.DatabaseProvisioningStatus
	row, err := s.repo.FindByTenantID(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if row != nil {
		status = row.ProvisioningStatus
	}
	switch status {
	case tenantdomain.ProvisioningFailed, tenantdomain.ProvisioningPending:
	default:
		return nil, provisioningdomain.ErrRetryNotAllowed
	}
	return s.ProvisionAndMigrate(ctx, tenantID)
}

func (s *Service) Get(ctx context.Context, tenantID snowflake.ID) (*provisioningdomain.TenantDatabase, error) {
	row, err := s.repo.FindByTenantID(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, provisioningdomain.ErrDatabaseNotFound
	}
	return row, nil
}

func (s *Service) SweepStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = s.stuckThreshold()
	}
	cutoff := s.clock.Now().Add(-olderThan)
	message := fmt.Sprintf("provisioning timed out after %s", olderThan)

	ids, err := s.repo.ListStartedBefore(ctx, s.db, cutoff, sweepBatchLimit)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		failed, err := s.sweepOne(ctx, id, cutoff, message)
		if err != nil {
			s.log.Warn("stuck provisioning sweep failed",
				zap.String("tenant_id", id.String()),
				zap.Error(err),
			)
			continue
		}
		if failed {
			s.log.Warn("tenant database provisioning timed out",
				zap.String("tenant_id", id.String()),
				zap.Duration("older_than", olderThan),
			)
			swept++
		}
	}
	return swept, nil
}

// sweepOne rechecks the row under lock; a run that finished since the listing
// is left alone.
func (s *Service) sweepOne(ctx context.Context, tenantID snowflake.ID, cutoff time.Time, message string) (bool, error) {
	failed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.repo.FindByTenantIDForUpdate(ctx, tx, tenantID)
		if err != nil || row == nil {
			return err
		}
		if row.ProvisioningStatus != tenantdomain.ProvisioningInProgress ||
			row.ProvisioningStartedAt == nil || !row.ProvisioningStartedAt.Before(cutoff) {
			return nil
		}
		failed = true
		return s.markFailed(ctx, tx, row, message)
	})
	return failed, err
}

// RecoverPending provisions pending tenants whose request never produced a
// tenant_databases row, such as when the worker died after claiming the event.
func (s *Service) RecoverPending(ctx context.Context, olderThan time.Duration, limit int) (provisioningdomain.BatchResult, error) {
	var result provisioningdomain.BatchResult
	if olderThan <= 0 {
		olderThan = s.stuckThreshold()
	}
	ids, err := s.repo.ListPendingWithoutDatabase(ctx, s.db, s.clock.Now().Add(-olderThan), normalizeLimit(limit))
	if err != nil {
		return result, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		_, err := s.ProvisionAndMigrate(ctx, id)
		if errors.Is(err, provisioningdomain.ErrProvisioningInFlight) {
			continue
		}
		result.Processed++
		if err != nil {
			result.Failed++
			s.log.Warn("pending provisioning recovery failed",
				zap.String("tenant_id", id.String()),
				zap.Error(err),
			)
		}
	}
	return result, nil
}

func (s *Service) RetryFailed(ctx context.Context, limit int) (provisioningdomain.BatchResult, error) {
	var result provisioningdomain.BatchResult
	ids, err := s.repo.ListByStatus(ctx, s.db, tenantdomain.ProvisioningFailed, normalizeLimit(limit))
	if err != nil {
		return result, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Processed++
		if _, err := s.ProvisionAndMigrate(ctx, id); err != nil {
			result.Failed++
			s.log.Warn("provisioning retry failed",
				zap.String("tenant_id", id.String()),
				zap.Error(err),
			)
		}
	}
	return result, nil
}

func (s *Service) VerifyProvisioned(ctx context.Context, limit int) (provisioningdomain.BatchResult, error) {
	var result provisioningdomain.BatchResult
	ids, err := s.repo.ListByStatus(ctx, s.db, tenantdomain.ProvisioningProvisioned, normalizeLimit(limit))
	if err != nil {
		return result, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Processed++
		ok, err := s.Verify(ctx, id)
		if err != nil || !ok {
			result.Failed++
		}
	}
	return result, nil
}

// ProvisionAndMigrate provisions and, when auto migration is on, applies the
// tenant schema. Migration only follows a fresh allocation.
func (s *Service) ProvisionAndMigrate(ctx context.Context, tenantID snowflake.ID) (*provisioningdomain.Result, error) {
	result, err := s.Provision(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !s.cfg.Provisioning.AutoMigrate || result.Existing || result.Status != tenantdomain.ProvisioningProvisioned {
		return result, nil
	}
	if err := s.MigrateAndSeed(ctx, tenantID, false); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Service) ready(ctx context.Context, tenantID snowflake.ID) (*provisioningdomain.TenantDatabase, error) {
	row, err := s.repo.FindByTenantID(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, provisioningdomain.ErrDatabaseNotFound
	}
	switch row.ProvisioningStatus {
	case tenantdomain.ProvisioningProvisioned, tenantdomain.ProvisioningManual:
		return row, nil
	default:
		return nil, provisioningdomain.ErrNotProvisioned
	}
}

func (s *Service) mode() provisioningdomain.Mode {
	if s.cfg.Provisioning.IsManual() {
		return provisioningdomain.ModeManual
	}
	return provisioningdomain.ModeAutomatic
}

func (s *Service) stuckThreshold() time.Duration {
	if s.cfg.Provisioning.StuckThreshold > 0 {
		return s.cfg.Provisioning.StuckThreshold
	}
	return 15 * time.Minute
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > sweepBatchLimit {
		return sweepBatchLimit
	}
	return limit
}
