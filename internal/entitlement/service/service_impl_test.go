package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tenancy/internal/cache"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/config"
	entitlementdomain "github.com/smallbiznis/tenancy/internal/entitlement/domain"
	"github.com/smallbiznis/tenancy/internal/entitlement/repository"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/tenancy/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	tenantrepository "github.com/smallbiznis/tenancy/internal/tenant/repository"
	"github.com/smallbiznis/tenancy/internal/testutil"
	"github.com/smallbiznis/tenancy/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	svc   entitlementdomain.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := dbtest.Open(t, append(testutil.Models(), &entitlementdomain.TenantUsage{})...)
	fake := clock.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	svc := NewService(ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		Clock:   fake,
		Tenancy: config.NewStaticTenancyConfigHolder(config.TenancyConfig{CoreModules: []string{"Settings", "AccountingCore"}}),
		Repo:    repository.Provide(),
		Tenants: tenantrepository.Provide(),
		Cache:   cache.NewRestrictionsCache(fake),
	})
	return fixture{db: db, node: testutil.Node(t), clock: fake, svc: svc}
}

func (f fixture) subscribe(t *testing.T, tenantID snowflake.ID, plan *plandomain.Plan, status subscriptiondomain.Status) *subscriptiondomain.Subscription {
	t.Helper()
	now := f.clock.Now()
	sub := &subscriptiondomain.Subscription{
		ID:        f.node.Generate(),
		TenantID:  tenantID,
		PlanID:    plan.ID,
		Status:    status,
		StartsAt:  now,
		Amount:    decimal.Zero,
		Currency:  plan.Currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.db.Create(sub).Error)
	return sub
}

func TestGetAllowedModules(t *testing.T) {
	f := newFixture(t)

	explicit := testutil.Plan(t, f.db, f.node, "starter", testutil.WithRestrictions(plandomain.Restrictions{
		Modules: plandomain.ExplicitModules("Payroll", "settings", "Inventory"),
	}))
	names, unrestricted := f.svc.GetAllowedModules(explicit)
	assert.False(t, unrestricted)
	assert.Equal(t, []string{"AccountingCore", "Inventory", "Payroll", "Settings"}, names)

	open := testutil.Plan(t, f.db, f.node, "enterprise", testutil.WithRestrictions(plandomain.Restrictions{
		Modules: plandomain.UnrestrictedModules(),
	}))
	names, unrestricted = f.svc.GetAllowedModules(open)
	assert.True(t, unrestricted)
	assert.Nil(t, names)

	unset := testutil.Plan(t, f.db, f.node, "legacy", testutil.WithRestrictions(plandomain.Restrictions{}))
	names, unrestricted = f.svc.GetAllowedModules(unset)
	assert.False(t, unrestricted)
	assert.Equal(t, []string{"AccountingCore", "Settings"}, names)
}

func TestIsModuleEnabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	plan := testutil.Plan(t, f.db, f.node, "starter")

	enabled, err := f.svc.IsModuleEnabled(ctx, tenant.ID, "settings")
	require.NoError(t, err)
	assert.True(t, enabled, "core modules need no subscription")

	_, err = f.svc.IsModuleEnabled(ctx, tenant.ID, "Payroll")
	assert.ErrorIs(t, err, entitlementdomain.ErrNoActiveSubscription)

	f.subscribe(t, tenant.ID, plan, subscriptiondomain.StatusTrial)
	enabled, err = f.svc.IsModuleEnabled(ctx, tenant.ID, "PAYROLL")
	require.NoError(t, err)
	assert.True(t, enabled)

	enabled, err = f.svc.IsModuleEnabled(ctx, tenant.ID, "Inventory")
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestCheckLimitSources(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	plan := testutil.Plan(t, f.db, f.node, "starter", testutil.WithRestrictions(plandomain.Restrictions{
		MaxUsers:     2,
		MaxEmployees: 10,
		MaxStorageGB: plandomain.Unlimited,
		Modules:      plandomain.UnrestrictedModules(),
	}))

	_, err := f.svc.CheckLimit(ctx, tenant.ID, plandomain.ResourceUsers, 1)
	assert.ErrorIs(t, err, entitlementdomain.ErrNoActiveSubscription)

	f.subscribe(t, tenant.ID, plan, subscriptiondomain.StatusActive)
	for i := 0; i < 2; i++ {
		require.NoError(t, f.db.Create(&tenantdomain.TenantUser{
			ID:           f.node.Generate(),
			TenantID:     tenant.ID,
			Name:         "user",
			Email:        f.node.Generate().String() + "@acme.test",
			PasswordHash: "x",
			Role:         tenantdomain.RoleTenantAdmin,
			CreatedAt:    f.clock.Now(),
			UpdatedAt:    f.clock.Now(),
		}).Error)
	}

	decision, err := f.svc.CheckLimit(ctx, tenant.ID, plandomain.ResourceUsers, 0)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.EqualValues(t, 2, decision.Usage)

	decision, err = f.svc.CheckLimit(ctx, tenant.ID, plandomain.ResourceUsers, 1)
	assert.ErrorIs(t, err, entitlementdomain.ErrPlanLimitExceeded)
	assert.EqualValues(t, 2, decision.Usage)
	assert.Equal(t, 2, decision.Cap)
	assert.False(t, decision.Allowed)

	_, err = f.svc.RecordUsage(ctx, tenant.ID, plandomain.ResourceEmployees, 8)
	require.NoError(t, err)
	_, err = f.svc.RecordUsage(ctx, tenant.ID, plandomain.ResourceEmployees, 9)
	require.NoError(t, err)
	decision, err = f.svc.CheckLimit(ctx, tenant.ID, plandomain.ResourceEmployees, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 9, decision.Usage)
	_, err = f.svc.CheckLimit(ctx, tenant.ID, plandomain.ResourceEmployees, 2)
	assert.ErrorIs(t, err, entitlementdomain.ErrPlanLimitExceeded)

	decision, err = f.svc.CheckLimit(ctx, tenant.ID, plandomain.ResourceStorageGB, 1_000_000)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Equal(t, plandomain.Unlimited, decision.Cap)

	_, err = f.svc.RecordUsage(ctx, tenant.ID, plandomain.ResourceUsers, 3)
	assert.ErrorIs(t, err, entitlementdomain.ErrInvalidResource)
	_, err = f.svc.RecordUsage(ctx, tenant.ID, plandomain.ResourceStorageGB, -1)
	assert.ErrorIs(t, err, entitlementdomain.ErrInvalidQuantity)
}

func TestResolvedPlanIsCachedUntilInvalidated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	plan := testutil.Plan(t, f.db, f.node, "starter")
	sub := f.subscribe(t, tenant.ID, plan, subscriptiondomain.StatusActive)

	enabled, err := f.svc.IsModuleEnabled(ctx, tenant.ID, "Payroll")
	require.NoError(t, err)
	assert.True(t, enabled)

	require.NoError(t, f.db.Model(&subscriptiondomain.Subscription{}).Where("id = ?", sub.ID).Update("status", subscriptiondomain.StatusExpired).Error)
	enabled, err = f.svc.IsModuleEnabled(ctx, tenant.ID, "Payroll")
	require.NoError(t, err)
	assert.True(t, enabled, "served from cache")

	f.svc.Invalidate(tenant.ID)
	_, err = f.svc.IsModuleEnabled(ctx, tenant.ID, "Payroll")
	assert.ErrorIs(t, err, entitlementdomain.ErrNoActiveSubscription)
}

func TestUnpaidManualSubscriptionGrantsNothing(t *testing.T) {
	f := newFixture(t)
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	plan := testutil.Plan(t, f.db, f.node, "enterprise", testutil.WithRestrictions(plandomain.Restrictions{
		Modules: plandomain.UnrestrictedModules(),
	}))
	sub := f.subscribe(t, tenant.ID, plan, subscriptiondomain.StatusTrial)
	require.NoError(t, f.db.Model(sub).Update("metadata", datatypes.JSONMap{subscriptiondomain.MetadataAwaitingPayment: true}).Error)

	_, err := f.svc.IsModuleEnabled(context.Background(), tenant.ID, "Recruitment")
	assert.ErrorIs(t, err, entitlementdomain.ErrNoActiveSubscription)

	// Core modules stay reachable so the tenant can still pay.
	enabled, err := f.svc.IsModuleEnabled(context.Background(), tenant.ID, "Settings")
	require.NoError(t, err)
	assert.True(t, enabled)
}
