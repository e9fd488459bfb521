package service

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/internal/events"
	provisioningdomain "github.com/smallbiznis/tenancy/internal/provisioning/domain"
	"github.com/smallbiznis/tenancy/internal/provisioning/repository"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	tenantrepository "github.com/smallbiznis/tenancy/internal/tenant/repository"
	"github.com/smallbiznis/tenancy/pkg/credential"
	"github.com/smallbiznis/tenancy/pkg/db"
	"github.com/smallbiznis/tenancy/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fakeAllocator struct {
	mu    sync.Mutex
	reqs  []provisioningdomain.AllocateRequest
	err   error
	block bool
}

func (f *fakeAllocator) Dialect() string { return db.TypePostgres }

func (f *fakeAllocator) Allocate(ctx context.Context, req provisioningdomain.AllocateRequest) error {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	block, err := f.block, f.err
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (f *fakeAllocator) ManualScript(databaseName, username string) string {
	return "CREATE DATABASE " + databaseName + "; CREATE ROLE " + username + " PASSWORD '<password from secret store>';"
}

func (f *fakeAllocator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type fakeMigrator struct {
	migrated int
	seeded   int
	err      error
}

func (f *fakeMigrator) Migrate(context.Context, *sql.DB, string) error {
	f.migrated++
	return f.err
}

func (f *fakeMigrator) SeedDemo(context.Context, *sql.DB, string) error {
	f.seeded++
	return nil
}

type fixture struct {
	db        *gorm.DB
	svc       *Service
	allocator *fakeAllocator
	migrator  *fakeMigrator
	cipher    *credential.Cipher
	clock     *clock.FakeClock
	node      *snowflake.Node
	openErr   error
}

func testConfig() config.Config {
	return config.Config{
		Environment: "test",
		Provisioning: config.ProvisioningConfig{
			Mode:           config.ProvisioningModeAutomatic,
			AutoMigrate:    true,
			AllowDemoSeed:  true,
			Timeout:        time.Second,
			StuckThreshold: 15 * time.Minute,
			DatabasePrefix: "tenant",
			TenantDBHost:   "tenants.db.internal",
			TenantDBPort:   "5432",
		},
	}
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	database := dbtest.Open(t,
		&tenantdomain.Tenant{},
		&tenantdomain.TenantUser{},
		&provisioningdomain.TenantDatabase{},
		&events.TenantEvent{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	cipher, err := credential.NewCipher(base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)))
	require.NoError(t, err)

	f := &fixture{
		db:        database,
		allocator: &fakeAllocator{},
		migrator:  &fakeMigrator{},
		cipher:    cipher,
		clock:     clock.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)),
		node:      node,
	}
	repo := repository.Provide()
	connector := NewConnector(ConnectorParam{
		DB:     database,
		Repo:   repo,
		Cipher: cipher,
		Config: cfg,
		Opener: func(db.Config) (*sql.DB, error) {
			if f.openErr != nil {
				return nil, f.openErr
			}
			return dbtest.Open(t).DB()
		},
	})
	f.svc = NewService(ServiceParam{
		DB:         database,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      f.clock,
		Config:     cfg,
		Cipher:     cipher,
		Allocator:  f.allocator,
		Connector:  connector,
		Migrator:   f.migrator,
		Repo:       repo,
		TenantRepo: tenantrepository.Provide(),
		Outbox:     events.NewOutbox(f.clock),
	}).(*Service)
	return f
}

func (f *fixture) seedTenant(t *testing.T, subdomain string) *tenantdomain.Tenant {
	t.Helper()
	now := f.clock.Now()
	tenant := &tenantdomain.Tenant{
		ID:                         f.node.Generate(),
		UUID:                       "uuid-" + subdomain,
		Name:                       "Tenant " + subdomain,
		Email:                      subdomain + "@example.com",
		Subdomain:                  subdomain,
		Status:                     tenantdomain.StatusPending,
		DatabaseProvisioningStatus: tenantdomain.ProvisioningPending,
		Metadata:                   datatypes.JSONMap{},
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}
	require.NoError(t, f.db.Create(tenant).Error)
	return tenant
}

func (f *fixture) tenant(t *testing.T, id snowflake.ID) tenantdomain.Tenant {
	t.Helper()
	var tenant tenantdomain.Tenant
	require.NoError(t, f.db.First(&tenant, "id = ?", id).Error)
	return tenant
}

func (f *fixture) row(t *testing.T, tenantID snowflake.ID) provisioningdomain.TenantDatabase {
	t.Helper()
	var row provisioningdomain.TenantDatabase
	require.NoError(t, f.db.First(&row, "tenant_id = ?", tenantID).Error)
	return row
}

func (f *fixture) eventTypes(t *testing.T) []string {
	t.Helper()
	var rows []events.TenantEvent
	require.NoError(t, f.db.Order("id ASC").Find(&rows).Error)
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.EventType)
	}
	return out
}

func TestProvisionAllocatesAndSealsPassword(t *testing.T) {
	f := newFixture(t, testConfig())
	tenant := f.seedTenant(t, "acme-corp")

	result, err := f.svc.Provision(context.Background(), tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenantdomain.ProvisioningProvisioned, result.Status)
	assert.False(t, result.Existing)

	expectedName := databaseName("tenant", tenant.ID, "acme-corp")
	assert.Equal(t, expectedName, result.DatabaseName)
	assert.Equal(t, expectedName, result.Username)
	assert.Equal(t, "tenants.db.internal", result.Host)

	require.Equal(t, 1, f.allocator.calls())
	req := f.allocator.reqs[0]
	assert.Len(t, req.Password, 43)

	row := f.row(t, tenant.ID)
	assert.Equal(t, tenantdomain.ProvisioningProvisioned, row.ProvisioningStatus)
	require.NotNil(t, row.ProvisionedAt)
	assert.Nil(t, row.ProvisioningError)
	assert.Nil(t, row.ManualScript)
	revealed, err := row.EncryptedPassword.Reveal(f.cipher)
	require.NoError(t, err)
	assert.Equal(t, req.Password, revealed)

	var raw string
	require.NoError(t, f.db.Raw("SELECT encrypted_password FROM tenant_databases WHERE tenant_id = ?", tenant.ID).Scan(&raw).Error)
	assert.NotContains(t, raw, req.Password)

	assert.Equal(t, tenantdomain.ProvisioningProvisioned, f.tenant(t, tenant.ID).DatabaseProvisioningStatus)
	assert.Equal(t, []string{events.TypeProvisioningSucceeded}, f.eventTypes(t))
}

func TestProvisionIsIdempotentOnceProvisioned(t *testing.T) {
	f := newFixture(t, testConfig())
	tenant := f.seedTenant(t, "acme")
	ctx := context.Background()

	_, err := f.svc.Provision(ctx, tenant.ID)
	require.NoError(t, err)
	before := f.row(t, tenant.ID)

	result, err := f.svc.Provision(ctx, tenant.ID)
	require.NoError(t, err)
	assert.True(t, result.Existing)
	assert.Equal(t, 1, f.allocator.calls())

	after := f.row(t, tenant.ID)
	beforeSecret, err := before.EncryptedPassword.Reveal(f.cipher)
	require.NoError(t, err)
	afterSecret, err := after.EncryptedPassword.Reveal(f.cipher)
	require.NoError(t, err)
	assert.Equal(t, beforeSecret, afterSecret)
}

func TestProvisionFailureRecordsErrorAndAllowsRetry(t *testing.T) {
	f := newFixture(t, testConfig())
	tenant := f.seedTenant(t, "acme")
	ctx := context.Background()
	f.allocator.err = errors.New("permission denied to create database")

	_, err := f.svc.Provision(ctx, tenant.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, provisioningdomain.ErrProvisioningFailure))

	row := f.row(t, tenant.ID)
	assert.Equal(t, tenantdomain.ProvisioningFailed, row.ProvisioningStatus)
	assert.Equal(t, 1, row.Attempts)
	require.NotNil(t, row.ProvisioningError)
	assert.Contains(t, *row.ProvisioningError, "permission denied")
	assert.True(t, row.EncryptedPassword.IsZero())
	assert.Equal(t, tenantdomain.ProvisioningFailed, f.tenant(t, tenant.ID).DatabaseProvisioningStatus)
	assert.Equal(t, []string{events.TypeProvisioningFailed}, f.eventTypes(t))

	f.allocator.err = nil
	result, err := f.svc.Retry(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenantdomain.ProvisioningProvisioned, result.Status)
	assert.Equal(t, 1, f.migrator.migrated)

	row = f.row(t, tenant.ID)
	assert.Equal(t, 1, row.Attempts)
	assert.Nil(t, row.ProvisioningError)
	assert.NotNil(t, row.MigratedAt)
}

func TestProvisionTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.Provisioning.Timeout = 20 * time.Millisecond
	f := newFixture(t, cfg)
	tenant := f.seedTenant(t, "slow")
	f.allocator.block = true

	_, err := f.svc.Provision(context.Background(), tenant.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, provisioningdomain.ErrProvisioningFailure))

	row := f.row(t, tenant.ID)
	assert.Equal(t, tenantdomain.ProvisioningFailed, row.ProvisioningStatus)
	require.NotNil(t, row.ProvisioningError)
	assert.Contains(t, *row.ProvisioningError, "timed out")
}

func TestProvisionRejectsConcurrentAttempt(t *testing.T) {
	f := newFixture(t, testConfig())
	tenant := f.seedTenant(t, "busy")
	started := f.clock.Now()
	require.NoError(t, f.db.Create(&provisioningdomain.TenantDatabase{
		ID:                    f.node.Generate(),
		TenantID:              tenant.ID,
		Dialect:               db.TypePostgres,
		Host:                  "h",
		Port:                  "5432",
		DatabaseName:          "tenant_busy",
		Username:              "tenant_busy",
		ProvisioningStatus:    tenantdomain.ProvisioningInProgress,
		ProvisioningMode:      provisioningdomain.ModeAutomatic,
		ProvisioningStartedAt: &started,
		CreatedAt:             started,
		UpdatedAt:             started,
	}).Error)

	_, err := f.svc.Provision(context.Background(), tenant.ID)
	assert.True(t, errors.Is(err, provisioningdomain.ErrProvisioningInFlight))
	assert.Equal(t, 0, f.allocator.calls())
}

func TestProvisionUnknownTenant(t *testing.T) {
	f := newFixture(t, testConfig())
	_, err := f.svc.Provision(context.Background(), f.node.Generate())
	assert.True(t, errors.Is(err, tenantdomain.ErrTenantNotFound))
}

func TestManualModeStoresScriptWithoutPlaintext(t *testing.T) {
	cfg := testConfig()
	cfg.Provisioning.Mode = config.ProvisioningModeManual
	f := newFixture(t, cfg)
	tenant := f.seedTenant(t, "manual-co")

	result, err := f.svc.Provision(context.Background(), tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenantdomain.ProvisioningManual, result.Status)
	assert.Equal(t, provisioningdomain.ModeManual, result.Mode)
	assert.Equal(t, 0, f.allocator.calls())

	row := f.row(t, tenant.ID)
	require.NotNil(t, row.ManualScript)
	assert.Contains(t, *row.ManualScript, "<password from secret store>")
	assert.Nil(t, row.ProvisionedAt)

	secret, err := row.EncryptedPassword.Reveal(f.cipher)
	require.NoError(t, err)
	assert.NotContains(t, *row.ManualScript, secret)
	assert.Equal(t, tenantdomain.ProvisioningManual, f.tenant(t, tenant.ID).DatabaseProvisioningStatus)
}

func TestMigrateAndSeed(t *testing.T) {
	f := newFixture(t, testConfig())
	tenant := f.seedTenant(t, "acme")
	ctx := context.Background()

	err := f.svc.MigrateAndSeed(ctx, tenant.ID, false)
	assert.True(t, errors.Is(err, provisioningdomain.ErrDatabaseNotFound))

	_, err = f.svc.Provision(ctx, tenant.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.MigrateAndSeed(ctx, tenant.ID, true))
	assert.Equal(t, 1, f.migrator.migrated)
	assert.Equal(t, 1, f.migrator.seeded)

	row := f.row(t, tenant.ID)
	assert.NotNil(t, row.MigratedAt)
	assert.NotNil(t, row.SeededAt)
}

func TestDemoSeedForbidden(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{name: "production", mutate: func(c *config.Config) { c.Environment = "production" }},
		{name: "disabled", mutate: func(c *config.Config) { c.Provisioning.AllowDemoSeed = false }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mutate(&cfg)
			f := newFixture(t, cfg)
			tenant := f.seedTenant(t, "acme")

			err := f.svc.MigrateAndSeed(context.Background(), tenant.ID, true)
			assert.True(t, errors.Is(err, provisioningdomain.ErrDemoSeedForbidden))
			assert.Equal(t, 0, f.migrator.migrated)
		})
	}
}

func TestVerify(t *testing.T) {
	f := newFixture(t, testConfig())
	tenant := f.seedTenant(t, "acme")
	ctx := context.Background()

	_, err := f.svc.Verify(ctx, tenant.ID)
	assert.True(t, errors.Is(err, provisioningdomain.ErrDatabaseNotFound))

	_, err = f.svc.Provision(ctx, tenant.ID)
	require.NoError(t, err)

	ok, err := f.svc.Verify(ctx, tenant.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotNil(t, f.row(t, tenant.ID).LastVerifiedAt)

	f.openErr = errors.New("connection refused")
	ok, err = f.svc.Verify(ctx, tenant.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, tenantdomain.ProvisioningProvisioned, f.row(t, tenant.ID).ProvisioningStatus)
}

func TestRetryOnlyFromFailedOrPending(t *testing.T) {
	f := newFixture(t, testConfig())
	tenant := f.seedTenant(t, "acme")
	ctx := context.Background()

	_, err := f.svc.Retry(ctx, tenant.ID)
	require.NoError(t, err)

	_, err = f.svc.Retry(ctx, tenant.ID)
	assert.True(t, errors.Is(err, provisioningdomain.ErrRetryNotAllowed))
}

func TestSweepStuckMarksTimedOutRowsFailed(t *testing.T) {
	f := newFixture(t, testConfig())
	stuck := f.seedTenant(t, "stuck")
	fresh := f.seedTenant(t, "fresh")

	old := f.clock.Now().Add(-20 * time.Minute)
	recent := f.clock.Now().Add(-time.Minute)
	for tenantID, started := range map[snowflake.ID]time.Time{stuck.ID: old, fresh.ID: recent} {
		startedAt := started
		require.NoError(t, f.db.Create(&provisioningdomain.TenantDatabase{
			ID:                    f.node.Generate(),
			TenantID:              tenantID,
			Dialect:               db.TypePostgres,
			Host:                  "h",
			Port:                  "5432",
			DatabaseName:          "tenant_" + tenantID.String(),
			Username:              "tenant_" + tenantID.String(),
			ProvisioningStatus:    tenantdomain.ProvisioningInProgress,
			ProvisioningMode:      provisioningdomain.ModeAutomatic,
			ProvisioningStartedAt: &startedAt,
			CreatedAt:             startedAt,
			UpdatedAt:             startedAt,
		}).Error)
	}

	swept, err := f.svc.SweepStuck(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	row := f.row(t, stuck.ID)
	assert.Equal(t, tenantdomain.ProvisioningFailed, row.ProvisioningStatus)
	require.NotNil(t, row.ProvisioningError)
	assert.Equal(t, "provisioning timed out after 15m0s", *row.ProvisioningError)
	assert.Equal(t, tenantdomain.ProvisioningFailed, f.tenant(t, stuck.ID).DatabaseProvisioningStatus)
	assert.Equal(t, tenantdomain.ProvisioningInProgress, f.row(t, fresh.ID).ProvisioningStatus)
}

func TestRecoverPendingProvisionsTenantsWithoutDatabaseRow(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	orphan := f.seedTenant(t, "orphan")
	cancelled := f.seedTenant(t, "gone")
	require.NoError(t, f.db.Model(&tenantdomain.Tenant{}).Where("id = ?", cancelled.ID).
		Update("status", tenantdomain.StatusCancelled).Error)

	f.clock.Advance(48 * time.Hour)
	fresh := f.seedTenant(t, "fresh")

	// Neither sweep sees a tenant that has no row yet.
	swept, err := f.svc.SweepStuck(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, swept)
	retried, err := f.svc.RetryFailed(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, retried.Processed)

	result, err := f.svc.RecoverPending(ctx, 0, 100)
	require.NoError(t, err)
	assert.Equal(t, provisioningdomain.BatchResult{Processed: 1}, result)

	row := f.row(t, orphan.ID)
	assert.Equal(t, tenantdomain.ProvisioningProvisioned, row.ProvisioningStatus)
	assert.NotNil(t, row.MigratedAt)
	assert.Equal(t, tenantdomain.ProvisioningProvisioned, f.tenant(t, orphan.ID).DatabaseProvisioningStatus)
	assert.Equal(t, tenantdomain.ProvisioningPending, f.tenant(t, fresh.ID).DatabaseProvisioningStatus)
	assert.Equal(t, tenantdomain.ProvisioningPending, f.tenant(t, cancelled.ID).DatabaseProvisioningStatus)
	assert.Equal(t, 1, f.allocator.calls())

	again, err := f.svc.RecoverPending(ctx, 0, 100)
	require.NoError(t, err)
	assert.Zero(t, again.Processed)
}

func TestBatchSweepsIsolateFailures(t *testing.T) {
	f := newFixture(t, testConfig())
	ctx := context.Background()
	first := f.seedTenant(t, "first")
	second := f.seedTenant(t, "second")

	f.allocator.err = errors.New("boom")
	_, _ = f.svc.Provision(ctx, first.ID)
	_, _ = f.svc.Provision(ctx, second.ID)

	f.allocator.err = nil
	result, err := f.svc.RetryFailed(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, provisioningdomain.BatchResult{Processed: 2, Failed: 0}, result)

	f.openErr = errors.New("unreachable")
	verified, err := f.svc.VerifyProvisioned(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, verified.Processed)
	assert.Equal(t, 2, verified.Failed)
}

func TestDatabaseName(t *testing.T) {
	id := snowflake.ID(1234567890123)
	name := databaseName("tenant", id, "Acme-Corp")
	assert.Equal(t, "tenant_acme_corp_"+strings.ToLower(id.Base36()), name)

	long := databaseName("tenant", id, strings.Repeat("very-long-subdomain-", 10))
	assert.LessOrEqual(t, len(long), maxIdentifierLength)
	assert.True(t, strings.HasSuffix(long, "_"+strings.ToLower(id.Base36())))

	pw, err := generatePassword()
	require.NoError(t, err)
	assert.Len(t, pw, 43)
}
