package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/internal/events"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
	planservice "github.com/smallbiznis/tenancy/internal/plan/service"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/internal/tenant/repository"
	"github.com/smallbiznis/tenancy/pkg/db/dbtest"
	"github.com/smallbiznis/tenancy/pkg/db/pagination"
	"github.com/smallbiznis/tenancy/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeProvisioner struct {
	calls []snowflake.ID
	err   error
}

func (f *fakeProvisioner) Provision(_ context.Context, tenantID snowflake.ID) error {
	f.calls = append(f.calls, tenantID)
	return f.err
}

// lookupFailingRepo fails the named uniqueness lookup.
type lookupFailingRepo struct {
	tenantdomain.Repository
	failing string
}

var errLookup = errors.New("connection reset")

func (r lookupFailingRepo) IsReserved(ctx context.Context, db *gorm.DB, subdomain string) (bool, error) {
	if r.failing == "reserved" {
		return false, errLookup
	}
	return r.Repository.IsReserved(ctx, db, subdomain)
}

func (r lookupFailingRepo) SubdomainTaken(ctx context.Context, db *gorm.DB, subdomain string) (bool, error) {
	if r.failing == "subdomain" {
		return false, errLookup
	}
	return r.Repository.SubdomainTaken(ctx, db, subdomain)
}

func (r lookupFailingRepo) EmailTaken(ctx context.Context, db *gorm.DB, email string) (bool, error) {
	if r.failing == "email" {
		return false, errLookup
	}
	return r.Repository.EmailTaken(ctx, db, email)
}

func (r lookupFailingRepo) CustomDomainTaken(ctx context.Context, db *gorm.DB, domain string) (bool, error) {
	if r.failing == "custom_domain" {
		return false, errLookup
	}
	return r.Repository.CustomDomainTaken(ctx, db, domain)
}

type fixture struct {
	db    *gorm.DB
	svc   tenantdomain.Service
	plans plandomain.Service
	clock *clock.FakeClock
}

func newFixture(t *testing.T, async bool, provisioner tenantdomain.Provisioner) fixture {
	t.Helper()
	return newFixtureWithRepo(t, async, provisioner, repository.Provide())
}

func newFixtureWithRepo(t *testing.T, async bool, provisioner tenantdomain.Provisioner, repo tenantdomain.Repository) fixture {
	t.Helper()
	db := dbtest.Open(t,
		&tenantdomain.Tenant{},
		&tenantdomain.TenantUser{},
		&tenantdomain.ReservedSubdomain{},
		&plandomain.Plan{},
		&events.TenantEvent{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	tenancy := config.NewStaticTenancyConfigHolder(config.DefaultTenancyConfig())

	plans := planservice.NewService(planservice.ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fake,
		Tenancy: tenancy,
	})
	svc := NewService(ServiceParam{
		DB:          db,
		Log:         zap.NewNop(),
		GenID:       node,
		Clock:       fake,
		Config:      config.Config{Provisioning: config.ProvisioningConfig{Async: async}},
		Tenancy:     tenancy,
		Repo:        repo,
		Outbox:      events.NewOutbox(fake),
		Plans:       plans,
		Provisioner: provisioner,
	})
	return fixture{db: db, svc: svc, plans: plans, clock: fake}
}

func registration(subdomain, email string) tenantdomain.Registration {
	return tenantdomain.Registration{
		Name:      "Acme Corp",
		Email:     email,
		Subdomain: subdomain,
		AdminName: "Jordan",
		Password:  "s3cret-pass",
	}
}

func eventTypes(t *testing.T, db *gorm.DB) []string {
	t.Helper()
	var rows []events.TenantEvent
	require.NoError(t, db.Order("id ASC").Find(&rows).Error)
	types := make([]string, 0, len(rows))
	for _, row := range rows {
		types = append(types, row.EventType)
	}
	return types
}

func fieldCodes(t *testing.T, err error) map[string]string {
	t.Helper()
	verrs, ok := validation.As(err)
	require.True(t, ok, "expected validation errors, got %v", err)
	out := map[string]string{}
	for _, fe := range verrs {
		out[fe.Field] = fe.Code
	}
	return out
}

func TestRegisterNormalisesAndQueuesProvisioning(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()

	tenant, err := f.svc.Register(ctx, registration("Acme-Corp ", " Owner@Acme.COM "))
	require.NoError(t, err)
	assert.Equal(t, "acme-corp", tenant.Subdomain)
	assert.Equal(t, "owner@acme.com", tenant.Email)
	assert.Equal(t, tenantdomain.StatusPending, tenant.Status)
	assert.Equal(t, tenantdomain.ProvisioningPending, tenant.DatabaseProvisioningStatus)
	assert.NotEmpty(t, tenant.UUID)

	var admin tenantdomain.TenantUser
	require.NoError(t, f.db.Where("tenant_id = ?", tenant.ID).First(&admin).Error)
	assert.Equal(t, "owner@acme.com", admin.Email)
	assert.Equal(t, tenantdomain.RoleTenantAdmin, admin.Role)
	assert.NotContains(t, admin.PasswordHash, "s3cret-pass")

	assert.Equal(t, []string{events.TypeTenantRegistered, events.TypeTenantProvisioningRequested}, eventTypes(t, f.db))
}

func TestRegisterSyncModeProvisionsInline(t *testing.T) {
	provisioner := &fakeProvisioner{err: errors.New("allocator down")}
	f := newFixture(t, false, provisioner)

	tenant, err := f.svc.Register(context.Background(), registration("globex", "ops@globex.io"))
	require.NoError(t, err)
	require.Len(t, provisioner.calls, 1)
	assert.Equal(t, tenant.ID, provisioner.calls[0])
	assert.Equal(t, []string{events.TypeTenantRegistered}, eventTypes(t, f.db))
}

func TestRegisterRejectsDuplicateSubdomainCaseInsensitive(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()

	_, err := f.svc.Register(ctx, registration("initech", "a@initech.com"))
	require.NoError(t, err)

	_, err = f.svc.Register(ctx, registration(" INITECH", "b@initech.com"))
	codes := fieldCodes(t, err)
	assert.Equal(t, validation.CodeTaken, codes["subdomain"])

	var count int64
	require.NoError(t, f.db.Model(&tenantdomain.Tenant{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestRegisterCollectsAllFieldErrors(t *testing.T) {
	f := newFixture(t, true, nil)

	_, err := f.svc.Register(context.Background(), tenantdomain.Registration{
		Name:         "",
		Email:        "not-an-email",
		Subdomain:    "-bad-",
		CustomDomain: "nope",
		Password:     "short",
		PlanSlug:     "platinum",
	})
	codes := fieldCodes(t, err)
	assert.Equal(t, validation.CodeRequired, codes["name"])
	assert.Equal(t, validation.CodeInvalid, codes["email"])
	assert.Equal(t, validation.CodeInvalid, codes["subdomain"])
	assert.Equal(t, validation.CodeInvalid, codes["custom_domain"])
	assert.Equal(t, validation.CodeTooShort, codes["password"])
	assert.Equal(t, validation.CodeNotFound, codes["plan"])
}

func TestRegisterRejectsReservedSubdomains(t *testing.T) {
	f := newFixture(t, true, nil)
	require.NoError(t, f.db.Create(&tenantdomain.ReservedSubdomain{Subdomain: "payroll", Reason: "product"}).Error)

	_, err := f.svc.Register(context.Background(), registration("admin", "a@x.com"))
	assert.Equal(t, validation.CodeReserved, fieldCodes(t, err)["subdomain"])

	_, err = f.svc.Register(context.Background(), registration("payroll", "b@x.com"))
	assert.Equal(t, validation.CodeReserved, fieldCodes(t, err)["subdomain"])
}

func TestRegisterFailsWhenUniquenessLookupFails(t *testing.T) {
	for _, failing := range []string{"reserved", "subdomain", "email", "custom_domain"} {
		t.Run(failing, func(t *testing.T) {
			f := newFixtureWithRepo(t, true, nil, lookupFailingRepo{Repository: repository.Provide(), failing: failing})
			req := registration("acme", "owner@acme.com")
			req.CustomDomain = "erp.acme.com"

			_, err := f.svc.Register(context.Background(), req)
			require.Error(t, err)
			assert.ErrorIs(t, err, errLookup)
			_, isValidation := validation.As(err)
			assert.False(t, isValidation)

			var count int64
			require.NoError(t, f.db.Model(&tenantdomain.Tenant{}).Count(&count).Error)
			assert.Zero(t, count)
			assert.Empty(t, eventTypes(t, f.db))
		})
	}
}

func TestRegisterEmailUniqueAcrossTenantUsers(t *testing.T) {
	f := newFixture(t, true, nil)
	require.NoError(t, f.db.Create(&tenantdomain.TenantUser{
		ID:        99, TenantID: 1, Name: "Existing", Email: "shared@corp.com", PasswordHash: "x", Role: tenantdomain.RoleTenantAdmin,
		CreatedAt: f.clock.Now(), UpdatedAt: f.clock.Now(),
	}).Error)

	_, err := f.svc.Register(context.Background(), registration("corp", "Shared@corp.com"))
	assert.Equal(t, validation.CodeTaken, fieldCodes(t, err)["email"])
}

func TestRegisterWithInactivePlan(t *testing.T) {
	f := newFixture(t, true, nil)
	inactive := false
	_, err := f.plans.Create(context.Background(), plandomain.CreateRequest{
		Name:          "Legacy",
		Price:         decimal.NewFromInt(10),
		Currency:      "USD",
		BillingPeriod: plandomain.BillingPeriodMonthly,
		IsActive:      &inactive,
		Restrictions: plandomain.Restrictions{
			MaxUsers: -1, MaxEmployees: -1, MaxStorageGB: -1,
			Modules:  plandomain.UnrestrictedModules(),
		},
	})
	require.NoError(t, err)

	req := registration("legacy", "l@legacy.com")
	req.PlanSlug = "legacy"
	_, err = f.svc.Register(context.Background(), req)
	assert.Equal(t, validation.CodeInvalid, fieldCodes(t, err)["plan"])
}

func TestTransitions(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()
	tenant, err := f.svc.Register(ctx, registration("umbrella", "u@umbrella.com"))
	require.NoError(t, err)
	id := tenant.ID.String()

	_, err = f.svc.Activate(ctx, id)
	assert.ErrorIs(t, err, tenantdomain.ErrInvalidStateTransition)

	approved, err := f.svc.Approve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tenantdomain.StatusApproved, approved.Status)

	before := len(eventTypes(t, f.db))
	again, err := f.svc.Approve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, tenantdomain.StatusApproved, again.Status)
	assert.Len(t, eventTypes(t, f.db), before, "same-status transition must not emit events")

	suspended, err := f.svc.Suspend(ctx, id, "<b>unpaid</b> invoice")
	require.NoError(t, err)
	assert.Equal(t, "unpaid invoice", suspended.Metadata["status_reason"])

	_, err = f.svc.Activate(ctx, id)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, id, "customer left")
	require.NoError(t, err)
	_, err = f.svc.Activate(ctx, id)
	assert.ErrorIs(t, err, tenantdomain.ErrInvalidStateTransition)

	types := eventTypes(t, f.db)
	assert.Equal(t, "tenant.cancelled", types[len(types)-1])

	_, err = f.svc.Approve(ctx, "12345")
	assert.ErrorIs(t, err, tenantdomain.ErrTenantNotFound)
	_, err = f.svc.Approve(ctx, "abc")
	assert.ErrorIs(t, err, tenantdomain.ErrInvalidTenantID)
}

func TestSuspendIfAllowedTx(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()
	tenant, err := f.svc.Register(ctx, registration("wayne", "w@wayne.com"))
	require.NoError(t, err)

	var suspended bool
	err = f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		suspended, err = f.svc.SuspendIfAllowedTx(ctx, tx, tenant.ID, "subscription expired")
		return err
	})
	require.NoError(t, err)
	assert.False(t, suspended, "pending tenants cannot be suspended")

	_, err = f.svc.Approve(ctx, tenant.ID.String())
	require.NoError(t, err)
	err = f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		suspended, err = f.svc.SuspendIfAllowedTx(ctx, tx, tenant.ID, "subscription expired")
		return err
	})
	require.NoError(t, err)
	assert.True(t, suspended)
}

func TestMarkTrialUsed(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()
	tenant, err := f.svc.Register(ctx, registration("stark", "s@stark.com"))
	require.NoError(t, err)
	require.False(t, tenant.HasUsedTrial)

	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		return f.svc.MarkTrialUsed(ctx, tx, tenant.ID)
	}))
	reloaded, err := f.svc.GetByID(ctx, tenant.ID.String())
	require.NoError(t, err)
	assert.True(t, reloaded.HasUsedTrial)
}

func TestSoftDeleteAndPurge(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()
	tenant, err := f.svc.Register(ctx, registration("oscorp", "o@oscorp.com"))
	require.NoError(t, err)
	id := tenant.ID.String()

	assert.ErrorIs(t, f.svc.Purge(ctx, id), tenantdomain.ErrTenantNotDeleted)

	require.NoError(t, f.svc.SoftDelete(ctx, id))
	_, err = f.svc.GetByID(ctx, id)
	assert.ErrorIs(t, err, tenantdomain.ErrTenantNotFound)
	assert.ErrorIs(t, f.svc.SoftDelete(ctx, id), tenantdomain.ErrTenantNotFound)

	_, err = f.svc.Register(ctx, registration("oscorp", "other@oscorp.com"))
	assert.Equal(t, validation.CodeTaken, fieldCodes(t, err)["subdomain"], "soft-deleted subdomains stay taken")

	require.NoError(t, f.svc.Purge(ctx, id))
	var count int64
	require.NoError(t, f.db.Unscoped().Model(&tenantdomain.Tenant{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestLookups(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()
	req := registration("hooli", "h@hooli.com")
	req.CustomDomain = "Portal.Hooli.com."
	tenant, err := f.svc.Register(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, tenant.CustomDomain)
	assert.Equal(t, "portal.hooli.com", *tenant.CustomDomain)

	byUUID, err := f.svc.GetByUUID(ctx, tenant.UUID)
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, byUUID.ID)

	byHost, err := f.svc.GetByHost(ctx, "hooli.tenancy.test:8443")
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, byHost.ID)

	byDomain, err := f.svc.GetByHost(ctx, "portal.hooli.com")
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, byDomain.ID)

	_, err = f.svc.GetByHost(ctx, "localhost")
	assert.ErrorIs(t, err, tenantdomain.ErrTenantNotFound)
	_, err = f.svc.GetByUUID(ctx, "not-a-uuid")
	assert.ErrorIs(t, err, tenantdomain.ErrInvalidTenantID)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	f := newFixture(t, true, nil)
	ctx := context.Background()
	for _, sub := range []string{"alpha", "bravo", "charlie"} {
		_, err := f.svc.Register(ctx, registration(sub, sub+"@example.com"))
		require.NoError(t, err)
	}

	first, err := f.svc.List(ctx, tenantdomain.ListRequest{Pagination: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, first.Tenants, 2)
	assert.Equal(t, "charlie", first.Tenants[0].Subdomain)
	assert.True(t, first.PageInfo.HasMore)

	second, err := f.svc.List(ctx, tenantdomain.ListRequest{Pagination: pagination.Pagination{PageSize: 2, PageToken: first.PageInfo.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, second.Tenants, 1)
	assert.Equal(t, "alpha", second.Tenants[0].Subdomain)
	assert.False(t, second.PageInfo.HasMore)

	filtered, err := f.svc.List(ctx, tenantdomain.ListRequest{Query: "BRAV"})
	require.NoError(t, err)
	require.Len(t, filtered.Tenants, 1)
	assert.Equal(t, "bravo", filtered.Tenants[0].Subdomain)
}
