package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tenancy/internal/cache"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/internal/events"
	paymentdomain "github.com/smallbiznis/tenancy/internal/payment/domain"
	paymentrepository "github.com/smallbiznis/tenancy/internal/payment/repository"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
	planservice "github.com/smallbiznis/tenancy/internal/plan/service"
	subscriptiondomain "github.com/smallbiznis/tenancy/internal/subscription/domain"
	"github.com/smallbiznis/tenancy/internal/subscription/repository"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	tenantrepository "github.com/smallbiznis/tenancy/internal/tenant/repository"
	tenantservice "github.com/smallbiznis/tenancy/internal/tenant/service"
	"github.com/smallbiznis/tenancy/internal/testutil"
	"github.com/smallbiznis/tenancy/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	cache cache.RestrictionsCache
	svc   subscriptiondomain.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := dbtest.Open(t, testutil.Models()...)
	node := testutil.Node(t)
	fake := clock.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	outbox := events.NewOutbox(fake)
	tenancy := config.NewStaticTenancyConfigHolder(config.DefaultTenancyConfig())
	restrictions := cache.NewRestrictionsCache(fake)

	plans := planservice.NewService(planservice.ServiceParam{DB: db, Log: zap.NewNop(), GenID: node, Clock: fake, Tenancy: tenancy})
	tenants := tenantservice.NewService(tenantservice.ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fake,
		Tenancy: tenancy,
		Repo:    tenantrepository.Provide(),
		Outbox:  outbox,
		Plans:   plans,
	})
	svc := NewService(ServiceParam{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fake,
		Config:   config.Config{Subscription: config.SubscriptionConfig{GracePeriod: 72 * time.Hour}},
		Repo:     repository.Provide(),
		Payments: paymentrepository.Provide(),
		Tenants:  tenants,
		Outbox:   outbox,
		Cache:    restrictions,
	})
	return fixture{db: db, node: node, clock: fake, cache: restrictions, svc: svc}
}

func (f fixture) reload(t *testing.T, id snowflake.ID) subscriptiondomain.Subscription {
	t.Helper()
	var sub subscriptiondomain.Subscription
	require.NoError(t, f.db.First(&sub, "id = ?", id).Error)
	return sub
}

func (f fixture) tenantStatus(t *testing.T, id snowflake.ID) tenantdomain.Tenant {
	t.Helper()
	var tenant tenantdomain.Tenant
	require.NoError(t, f.db.First(&tenant, "id = ?", id).Error)
	return tenant
}

func TestStartTrialOncePerTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	plan := testutil.Plan(t, f.db, f.node, "starter")

	sub, err := f.svc.StartTrial(ctx, tenant.ID.String(), plan.ID.String())
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusTrial, sub.Status)
	wantEnd := f.clock.Now().AddDate(0, 0, 14)
	require.NotNil(t, sub.TrialEndsAt)
	assert.True(t, sub.TrialEndsAt.Equal(wantEnd))
	assert.True(t, sub.EndsAt.Equal(wantEnd))
	assert.True(t, f.tenantStatus(t, tenant.ID).HasUsedTrial)

	_, err = f.svc.StartTrial(ctx, tenant.ID.String(), plan.ID.String())
	assert.ErrorIs(t, err, subscriptiondomain.ErrTrialAlreadyUsed)

	other := testutil.Tenant(t, f.db, f.node, "globex")
	_, err = f.svc.CreateManual(ctx, other.ID.String(), plan.ID.String(), paymentdomain.MethodBankTransfer)
	require.NoError(t, err)
	_, err = f.svc.StartTrial(ctx, other.ID.String(), plan.ID.String())
	assert.ErrorIs(t, err, subscriptiondomain.ErrCurrentSubscriptionExists)
	assert.False(t, f.tenantStatus(t, other.ID).HasUsedTrial)

	assert.Equal(t, []string{events.TypeSubscriptionStarted, events.TypeSubscriptionStarted}, testutil.EventTypes(t, f.db))
}

func TestStartTrialRejectsPlansWithoutTrial(t *testing.T) {
	f := newFixture(t)
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	plan := testutil.Plan(t, f.db, f.node, "pro", testutil.WithTrialDays(0))
	inactive := testutil.Plan(t, f.db, f.node, "legacy", testutil.Inactive())

	_, err := f.svc.StartTrial(context.Background(), tenant.ID.String(), plan.ID.String())
	assert.ErrorIs(t, err, subscriptiondomain.ErrTrialNotOffered)
	_, err = f.svc.StartTrial(context.Background(), tenant.ID.String(), inactive.ID.String())
	assert.ErrorIs(t, err, plandomain.ErrPlanInactive)
	_, err = f.svc.StartTrial(context.Background(), "nope", plan.ID.String())
	assert.ErrorIs(t, err, tenantdomain.ErrInvalidTenantID)
}

func TestActivateRequiresApprovedPaymentOfTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	stranger := testutil.Tenant(t, f.db, f.node, "globex")
	plan := testutil.Plan(t, f.db, f.node, "starter")

	sub, err := f.svc.CreateManual(ctx, tenant.ID.String(), plan.ID.String(), paymentdomain.MethodBankTransfer)
	require.NoError(t, err)
	assert.Equal(t, true, sub.Metadata["awaiting_payment"])

	_, err = f.svc.Activate(ctx, sub.ID.String(), "")
	assert.ErrorIs(t, err, subscriptiondomain.ErrPaymentRequired)

	pending := testutil.Payment(t, f.db, f.node, tenant.ID, paymentdomain.StatusPending)
	_, err = f.svc.Activate(ctx, sub.ID.String(), pending.ID.String())
	assert.ErrorIs(t, err, subscriptiondomain.ErrPaymentRequired)

	foreign := testutil.Payment(t, f.db, f.node, stranger.ID, paymentdomain.StatusApproved)
	_, err = f.svc.Activate(ctx, sub.ID.String(), foreign.ID.String())
	assert.ErrorIs(t, err, subscriptiondomain.ErrPaymentTenantMismatch)

	approved := testutil.Payment(t, f.db, f.node, tenant.ID, paymentdomain.StatusApproved, func(p *paymentdomain.Payment) {
		p.Amount = decimal.RequireFromString("45.50")
	})
	f.cache.Set(tenant.ID, cache.ResolvedPlan{PlanID: plan.ID})

	active, err := f.svc.Activate(ctx, sub.ID.String(), approved.ID.String())
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, active.Status)
	assert.True(t, active.StartsAt.Equal(f.clock.Now()))
	require.NotNil(t, active.EndsAt)
	assert.True(t, active.EndsAt.Equal(f.clock.Now().AddDate(0, 1, 0)))
	assert.True(t, active.Amount.Equal(decimal.RequireFromString("45.50")))
	assert.NotContains(t, active.Metadata, "awaiting_payment")

	_, cached := f.cache.Get(tenant.ID)
	assert.False(t, cached, "activation invalidates resolved restrictions")

	_, err = f.svc.Activate(ctx, sub.ID.String(), approved.ID.String())
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidStateTransition)
}

func TestActivateLifetimePlanHasNoEnd(t *testing.T) {
	f := newFixture(t)
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	plan := testutil.Plan(t, f.db, f.node, "forever", testutil.WithPeriod(plandomain.BillingPeriodLifetime))

	sub, err := f.svc.CreateManual(context.Background(), tenant.ID.String(), plan.ID.String(), paymentdomain.MethodCash)
	require.NoError(t, err)
	payment := testutil.Payment(t, f.db, f.node, tenant.ID, paymentdomain.StatusApproved)

	active, err := f.svc.Activate(context.Background(), sub.ID.String(), payment.ID.String())
	require.NoError(t, err)
	assert.Nil(t, active.EndsAt)
}

func TestRenewExtendsFromLaterOfNowAndEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	plan := testutil.Plan(t, f.db, f.node, "starter")
	payment := testutil.Payment(t, f.db, f.node, tenant.ID, paymentdomain.StatusApproved)

	var sub *subscriptiondomain.Subscription
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		sub, err = f.svc.CreateAndActivateTx(ctx, tx, tenant.ID, plan.ID, payment)
		return err
	}))
	firstEnd := *sub.EndsAt

	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		sub, err = f.svc.RenewTx(ctx, tx, sub.ID, payment)
		return err
	}))
	assert.True(t, sub.EndsAt.Equal(firstEnd.AddDate(0, 1, 0)))

	f.clock.Set(firstEnd.AddDate(0, 3, 0))
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		var err error
		sub, err = f.svc.RenewTx(ctx, tx, sub.ID, payment)
		return err
	}))
	assert.True(t, sub.EndsAt.Equal(f.clock.Now().AddDate(0, 1, 0)))

	assert.Equal(t, []string{
		events.TypeSubscriptionActivated,
		events.TypeSubscriptionRenewed,
		events.TypeSubscriptionRenewed,
	}, testutil.EventTypes(t, f.db))
}

func TestCreateAndActivateReplacesTrialOnOtherPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	starter := testutil.Plan(t, f.db, f.node, "starter")
	pro := testutil.Plan(t, f.db, f.node, "pro")

	trial, err := f.svc.StartTrial(ctx, tenant.ID.String(), starter.ID.String())
	require.NoError(t, err)
	payment := testutil.Payment(t, f.db, f.node, tenant.ID, paymentdomain.StatusApproved)

	var paid *subscriptiondomain.Subscription
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		paid, err = f.svc.CreateAndActivateTx(ctx, tx, tenant.ID, pro.ID, payment)
		return err
	}))
	assert.NotEqual(t, trial.ID, paid.ID)
	assert.Equal(t, subscriptiondomain.StatusActive, paid.Status)
	assert.Equal(t, subscriptiondomain.StatusCancelled, f.reload(t, trial.ID).Status)

	err = f.db.Transaction(func(tx *gorm.DB) error {
		_, err := f.svc.CreateAndActivateTx(ctx, tx, tenant.ID, starter.ID, payment)
		return err
	})
	assert.ErrorIs(t, err, subscriptiondomain.ErrCurrentSubscriptionExists)
}

func TestCancelImmediateAndAtPeriodEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	plan := testutil.Plan(t, f.db, f.node, "starter")

	trial, err := f.svc.StartTrial(ctx, tenant.ID.String(), plan.ID.String())
	require.NoError(t, err)

	scheduled, err := f.svc.Cancel(ctx, trial.ID.String(), "<b>too</b> expensive", true)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusTrial, scheduled.Status)
	assert.True(t, scheduled.CancelAtPeriodEnd)
	require.NotNil(t, scheduled.CancellationReason)
	assert.Equal(t, "too expensive", *scheduled.CancellationReason)

	cancelled, err := f.svc.Cancel(ctx, trial.ID.String(), "now", false)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	again, err := f.svc.Cancel(ctx, trial.ID.String(), "", false)
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCancelled, again.Status)

	_, err = f.svc.GetCurrent(ctx, tenant.ID.String())
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
}

func TestSweepWalksLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	trialTenant := testutil.Tenant(t, f.db, f.node, "trialco")
	paidTenant := testutil.Tenant(t, f.db, f.node, "paidco")
	leaving := testutil.Tenant(t, f.db, f.node, "leaving", testutil.WithTenantStatus(tenantdomain.StatusPending))
	plan := testutil.Plan(t, f.db, f.node, "starter")

	trial, err := f.svc.StartTrial(ctx, trialTenant.ID.String(), plan.ID.String())
	require.NoError(t, err)

	payment := testutil.Payment(t, f.db, f.node, paidTenant.ID, paymentdomain.StatusApproved)
	var paid *subscriptiondomain.Subscription
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		paid, err = f.svc.CreateAndActivateTx(ctx, tx, paidTenant.ID, plan.ID, payment)
		return err
	}))

	leavingPayment := testutil.Payment(t, f.db, f.node, leaving.ID, paymentdomain.StatusApproved)
	var leavingSub *subscriptiondomain.Subscription
	require.NoError(t, f.db.Transaction(func(tx *gorm.DB) error {
		leavingSub, err = f.svc.CreateAndActivateTx(ctx, tx, leaving.ID, plan.ID, leavingPayment)
		return err
	}))
	_, err = f.svc.Cancel(ctx, leavingSub.ID.String(), "closing", true)
	require.NoError(t, err)

	result, err := f.svc.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Scanned)

	f.clock.Advance(15 * 24 * time.Hour)
	result, err = f.svc.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, 1, result.Suspended)
	assert.Equal(t, subscriptiondomain.StatusExpired, f.reload(t, trial.ID).Status)
	assert.Equal(t, tenantdomain.StatusSuspended, f.tenantStatus(t, trialTenant.ID).Status)

	f.clock.Set(paid.EndsAt.Add(time.Minute))
	result, err = f.svc.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.PastDue)
	assert.Equal(t, 1, result.Cancelled)
	assert.Equal(t, 0, result.Suspended, "pending tenants cannot be suspended")
	assert.Equal(t, subscriptiondomain.StatusPastDue, f.reload(t, paid.ID).Status)
	assert.Equal(t, tenantdomain.StatusActive, f.tenantStatus(t, paidTenant.ID).Status)
	left := f.reload(t, leavingSub.ID)
	assert.Equal(t, subscriptiondomain.StatusCancelled, left.Status)
	require.NotNil(t, left.CancellationReason)
	assert.Equal(t, "closing", *left.CancellationReason)

	result, err = f.svc.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed(), "sweep is idempotent")

	f.clock.Advance(72 * time.Hour)
	result, err = f.svc.Sweep(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, 1, result.Suspended)
	assert.Equal(t, subscriptiondomain.StatusExpired, f.reload(t, paid.ID).Status)
	assert.Equal(t, tenantdomain.StatusSuspended, f.tenantStatus(t, paidTenant.ID).Status)
}

func TestSweepLapsesUnpaidManualSubscription(t *testing.T) {
	f := newFixture(t)
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	plan := testutil.Plan(t, f.db, f.node, "starter")

	sub, err := f.svc.CreateManual(context.Background(), tenant.ID.String(), plan.ID.String(), paymentdomain.MethodCheque)
	require.NoError(t, err)
	require.NotNil(t, sub.TrialEndsAt)
	assert.True(t, sub.TrialEndsAt.Equal(f.clock.Now()), "manual subscriptions carry a zero-day trial")
	assert.True(t, sub.AwaitingPayment())

	f.clock.Advance(time.Minute)
	result, err := f.svc.Sweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	assert.Equal(t, subscriptiondomain.StatusExpired, f.reload(t, sub.ID).Status)
}

func TestCachedPlanDroppedOnlyAfterCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	plan := testutil.Plan(t, f.db, f.node, "starter")
	payment := testutil.Payment(t, f.db, f.node, tenant.ID, paymentdomain.StatusApproved)
	f.cache.Set(tenant.ID, cache.ResolvedPlan{PlanID: plan.ID})

	rollback := errors.New("rollback")
	err := f.db.Transaction(func(tx *gorm.DB) error {
		if _, err := f.svc.CreateAndActivateTx(ctx, tx, tenant.ID, plan.ID, payment); err != nil {
			return err
		}
		_, cached := f.cache.Get(tenant.ID)
		assert.True(t, cached, "uncommitted changes leave the cache alone")
		return rollback
	})
	require.ErrorIs(t, err, rollback)
	_, cached := f.cache.Get(tenant.ID)
	assert.True(t, cached)

	f.svc.Invalidate(tenant.ID)
	_, cached = f.cache.Get(tenant.ID)
	assert.False(t, cached)

	trial, err := f.svc.StartTrial(ctx, tenant.ID.String(), plan.ID.String())
	require.NoError(t, err)
	f.clock.Set(trial.TrialEndsAt.Add(time.Minute))
	f.cache.Set(tenant.ID, cache.ResolvedPlan{PlanID: plan.ID, SubscriptionID: trial.ID})
	result, err := f.svc.Sweep(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)
	_, cached = f.cache.Get(tenant.ID)
	assert.False(t, cached, "a committed sweep drops the tenant's cached plan")
}
