package service

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tenancy/internal/cache"
	"github.com/smallbiznis/tenancy/internal/clock"
	"github.com/smallbiznis/tenancy/internal/config"
	"github.com/smallbiznis/tenancy/internal/events"
	invoicedomain "github.com/smallbiznis/tenancy/internal/invoice/domain"
	invoicerepository "github.com/smallbiznis/tenancy/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/tenancy/internal/invoice/service"
	paymentdomain "github.com/smallbiznis/tenancy/internal/payment/domain"
	"github.com/smallbiznis/tenancy/internal/payment/repository"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
	planservice "github.com/smallbiznis/tenancy/internal/plan/service"
	subscriptiondomain "github.com/smallbiznis/tenancy/internal/subscription/domain"
	subscriptionrepository "github.com/smallbiznis/tenancy/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/tenancy/internal/subscription/service"
	tenantrepository "github.com/smallbiznis/tenancy/internal/tenant/repository"
	tenantservice "github.com/smallbiznis/tenancy/internal/tenant/service"
	"github.com/smallbiznis/tenancy/internal/testutil"
	"github.com/smallbiznis/tenancy/pkg/db/dbtest"
	"github.com/smallbiznis/tenancy/pkg/db/pagination"
	"github.com/smallbiznis/tenancy/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db            *gorm.DB
	node          *snowflake.Node
	clock         *clock.FakeClock
	cache         cache.RestrictionsCache
	subscriptions subscriptiondomain.Service
	svc           paymentdomain.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := dbtest.Open(t, append(testutil.Models(), &invoicedomain.InvoiceSequence{})...)
	node := testutil.Node(t)
	fake := clock.NewFakeClock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	outbox := events.NewOutbox(fake)
	tenancy := config.NewStaticTenancyConfigHolder(config.DefaultTenancyConfig())
	payments := repository.Provide()
	tenantRepo := tenantrepository.Provide()
	subscriptionRepo := subscriptionrepository.Provide()
	restrictions := cache.NewRestrictionsCache(fake)

	plans := planservice.NewService(planservice.ServiceParam{DB: db, Log: zap.NewNop(), GenID: node, Clock: fake, Tenancy: tenancy})
	tenants := tenantservice.NewService(tenantservice.ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   fake,
		Tenancy: tenancy,
		Repo:    tenantRepo,
		Outbox:  outbox,
		Plans:   plans,
	})
	subscriptions := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fake,
		Repo:     subscriptionRepo,
		Payments: payments,
		Tenants:  tenants,
		Outbox:   outbox,
		Cache:    restrictions,
	})
	invoices := invoiceservice.NewService(invoiceservice.ServiceParam{
		DB:            db,
		Log:           zap.NewNop(),
		Clock:         fake,
		Repo:          invoicerepository.Provide(),
		Payments:      payments,
		Tenants:       tenantRepo,
		Subscriptions: subscriptionRepo,
		Outbox:        outbox,
	})
	svc := NewService(ServiceParam{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         fake,
		Repo:          payments,
		Tenants:       tenantRepo,
		Plans:         plans,
		Subscriptions: subscriptions,
		Invoices:      invoices,
		Outbox:        outbox,
	})
	return fixture{db: db, node: node, clock: fake, cache: restrictions, subscriptions: subscriptions, svc: svc}
}

func (f fixture) reload(t *testing.T, id snowflake.ID) paymentdomain.Payment {
	t.Helper()
	var payment paymentdomain.Payment
	require.NoError(t, f.db.First(&payment, "id = ?", id).Error)
	return payment
}

func (f fixture) submit(t *testing.T, tenantID snowflake.ID, planID snowflake.ID) *paymentdomain.Payment {
	t.Helper()
	payment, err := f.svc.Submit(context.Background(), paymentdomain.SubmitRequest{
		TenantID:        tenantID.String(),
		PlanID:          planID.String(),
		Amount:          decimal.RequireFromString("49.00"),
		Currency:        "usd",
		PaymentMethod:   paymentdomain.MethodBankTransfer,
		ReferenceNumber: "TRX-001",
	})
	require.NoError(t, err)
	return payment
}

func TestSubmitValidatesRequest(t *testing.T) {
	f := newFixture(t)
	tenant := testutil.Tenant(t, f.db, f.node, "acme")

	_, err := f.svc.Submit(context.Background(), paymentdomain.SubmitRequest{
		TenantID:      tenant.ID.String(),
		Amount:        decimal.Zero,
		Currency:      "dollars",
		PaymentMethod: "crypto",
	})
	errs, ok := validation.As(err)
	require.True(t, ok)
	assert.True(t, errs.Has("amount"))
	assert.True(t, errs.Has("currency"))
	assert.True(t, errs.Has("payment_method"))
	assert.True(t, errs.Has("plan_id"))

	_, err = f.svc.Submit(context.Background(), paymentdomain.SubmitRequest{TenantID: "0"})
	assert.Error(t, err)
	assert.Empty(t, testutil.EventTypes(t, f.db))
}

func TestSubmitRejectsForeignSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	other := testutil.Tenant(t, f.db, f.node, "globex")
	plan := testutil.Plan(t, f.db, f.node, "starter")

	sub, err := f.subscriptions.CreateManual(ctx, other.ID.String(), plan.ID.String(), paymentdomain.MethodBankTransfer)
	require.NoError(t, err)

	_, err = f.svc.Submit(ctx, paymentdomain.SubmitRequest{
		TenantID:       tenant.ID.String(),
		SubscriptionID: sub.ID.String(),
		Amount:         decimal.RequireFromString("49.00"),
		Currency:       "USD",
		PaymentMethod:  paymentdomain.MethodCash,
	})
	errs, ok := validation.As(err)
	require.True(t, ok)
	assert.True(t, errs.Has("subscription_id"))
}

func TestSubmitFallsBackToCurrentSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	plan := testutil.Plan(t, f.db, f.node, "starter")
	sub, err := f.subscriptions.StartTrial(ctx, tenant.ID.String(), plan.ID.String())
	require.NoError(t, err)

	payment, err := f.svc.Submit(ctx, paymentdomain.SubmitRequest{
		TenantID:      tenant.ID.String(),
		Amount:        decimal.RequireFromString("49.00"),
		Currency:      "USD",
		PaymentMethod: paymentdomain.MethodCheque,
		Notes:         "<b>cheque</b> #42",
	})
	require.NoError(t, err)
	require.NotNil(t, payment.SubscriptionID)
	assert.Equal(t, sub.ID, *payment.SubscriptionID)
	require.NotNil(t, payment.PlanID)
	assert.Equal(t, plan.ID, *payment.PlanID)
	require.NotNil(t, payment.Notes)
	assert.Equal(t, "cheque #42", *payment.Notes)
	assert.Equal(t, paymentdomain.StatusPending, payment.Status)
}

func TestApproveCreatesSubscriptionAndInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	plan := testutil.Plan(t, f.db, f.node, "starter")
	payment := f.submit(t, tenant.ID, plan.ID)
	assert.Equal(t, "USD", payment.Currency)
	f.cache.Set(tenant.ID, cache.ResolvedPlan{PlanID: plan.ID})

	approved, err := f.svc.Approve(ctx, payment.ID.String(), "ops@example.com", "matched bank statement")
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusApproved, approved.Status)
	require.NotNil(t, approved.InvoiceNumber)
	assert.Equal(t, "INV-202503-00001", *approved.InvoiceNumber)
	require.NotNil(t, approved.SubscriptionID)
	_, cached := f.cache.Get(tenant.ID)
	assert.False(t, cached)

	stored := f.reload(t, payment.ID)
	require.NotNil(t, stored.ApprovedBy)
	assert.Equal(t, "ops@example.com", *stored.ApprovedBy)
	assert.Equal(t, approved.SubscriptionID, stored.SubscriptionID)

	sub, err := f.subscriptions.GetCurrent(ctx, tenant.ID.String())
	require.NoError(t, err)
	assert.Equal(t, *approved.SubscriptionID, sub.ID)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)
	require.NotNil(t, sub.EndsAt)
	assert.True(t, sub.EndsAt.Equal(f.clock.Now().AddDate(0, 1, 0)))

	types := testutil.EventTypes(t, f.db)
	assert.Contains(t, types, events.TypePaymentSubmitted)
	assert.Contains(t, types, events.TypeSubscriptionActivated)
	assert.Contains(t, types, events.TypePaymentApproved)
	assert.Contains(t, types, events.TypeInvoiceGenerated)

	_, err = f.svc.Approve(ctx, payment.ID.String(), "ops@example.com", "")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidStateTransition)
}

func TestApproveActivatesManualSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	plan := testutil.Plan(t, f.db, f.node, "starter")
	sub, err := f.subscriptions.CreateManual(ctx, tenant.ID.String(), plan.ID.String(), paymentdomain.MethodBankTransfer)
	require.NoError(t, err)

	payment, err := f.svc.Submit(ctx, paymentdomain.SubmitRequest{
		TenantID:       tenant.ID.String(),
		SubscriptionID: sub.ID.String(),
		Amount:         decimal.RequireFromString("49.00"),
		Currency:       "USD",
		PaymentMethod:  paymentdomain.MethodBankTransfer,
	})
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, payment.ID.String(), "ops", "")
	require.NoError(t, err)

	activated, err := f.subscriptions.GetByID(ctx, sub.ID.String())
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, activated.Status)
	assert.NotContains(t, activated.Metadata, "awaiting_payment")
}

func TestApproveRenewsActiveSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	plan := testutil.Plan(t, f.db, f.node, "starter")

	first := f.submit(t, tenant.ID, plan.ID)
	_, err := f.svc.Approve(ctx, first.ID.String(), "ops", "")
	require.NoError(t, err)
	sub, err := f.subscriptions.GetCurrent(ctx, tenant.ID.String())
	require.NoError(t, err)
	firstEnd := *sub.EndsAt

	f.clock.Advance(24 * time.Hour)
	second := f.submit(t, tenant.ID, plan.ID)
	approved, err := f.svc.Approve(ctx, second.ID.String(), "ops", "")
	require.NoError(t, err)
	assert.Equal(t, "INV-202503-00002", *approved.InvoiceNumber)

	renewed, err := f.subscriptions.GetByID(ctx, sub.ID.String())
	require.NoError(t, err)
	assert.True(t, renewed.EndsAt.Equal(firstEnd.AddDate(0, 1, 0)))
}

func TestApproveRollsBackWhenSubscriptionFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	plan := testutil.Plan(t, f.db, f.node, "starter")
	payment := f.submit(t, tenant.ID, plan.ID)
	require.NoError(t, f.db.Model(&plandomain.Plan{}).Where("id = ?", plan.ID).Update("is_active", false).Error)

	_, err := f.svc.Approve(ctx, payment.ID.String(), "ops", "")
	assert.ErrorIs(t, err, plandomain.ErrPlanInactive)

	stored := f.reload(t, payment.ID)
	assert.Equal(t, paymentdomain.StatusPending, stored.Status)
	assert.Nil(t, stored.ApprovedAt)
	assert.Nil(t, stored.InvoiceNumber)
	assert.Nil(t, stored.SubscriptionID)

	var sequences int64
	require.NoError(t, f.db.Model(&invoicedomain.InvoiceSequence{}).Count(&sequences).Error)
	assert.Zero(t, sequences)
	assert.Equal(t, []string{events.TypePaymentSubmitted}, testutil.EventTypes(t, f.db))
}

func TestApproveWithoutPurchaseFails(t *testing.T) {
	f := newFixture(t)
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	payment := testutil.Payment(t, f.db, f.node, tenant.ID, paymentdomain.StatusPending)

	_, err := f.svc.Approve(context.Background(), payment.ID.String(), "ops", "")
	assert.ErrorIs(t, err, paymentdomain.ErrNothingToPurchase)
	assert.Equal(t, paymentdomain.StatusPending, f.reload(t, payment.ID).Status)
}

func TestRejectRequiresReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	payment := testutil.Payment(t, f.db, f.node, tenant.ID, paymentdomain.StatusPending)

	_, err := f.svc.Reject(ctx, payment.ID.String(), "  ")
	_, ok := validation.As(err)
	assert.True(t, ok)

	rejected, err := f.svc.Reject(ctx, payment.ID.String(), "reference does not match")
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.RejectedAt)
	require.NotNil(t, rejected.RejectionReason)
	assert.Equal(t, "reference does not match", *rejected.RejectionReason)

	_, err = f.svc.Approve(ctx, payment.ID.String(), "ops", "")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidStateTransition)
	_, err = f.svc.Reject(ctx, "12", "again")
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentNotFound)
}

func TestApproveAfterRejectLeavesLinkedSubscriptionUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	plan := testutil.Plan(t, f.db, f.node, "starter")
	trial, err := f.subscriptions.StartTrial(ctx, tenant.ID.String(), plan.ID.String())
	require.NoError(t, err)

	payment, err := f.svc.Submit(ctx, paymentdomain.SubmitRequest{
		TenantID:       tenant.ID.String(),
		SubscriptionID: trial.ID.String(),
		Amount:         decimal.RequireFromString("49.00"),
		Currency:       "USD",
		PaymentMethod:  paymentdomain.MethodBankTransfer,
	})
	require.NoError(t, err)
	_, err = f.svc.Reject(ctx, payment.ID.String(), "amount does not match")
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.svc.Approve(ctx, payment.ID.String(), "ops", "")
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidStateTransition)

	after, err := f.subscriptions.GetByID(ctx, trial.ID.String())
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusTrial, after.Status)
	require.NotNil(t, trial.EndsAt)
	require.NotNil(t, after.EndsAt)
	assert.True(t, after.EndsAt.Equal(*trial.EndsAt))
	assert.Equal(t, paymentdomain.StatusRejected, f.reload(t, payment.ID).Status)
	assert.NotContains(t, testutil.EventTypes(t, f.db), events.TypePaymentApproved)
	assert.NotContains(t, testutil.EventTypes(t, f.db), events.TypeSubscriptionActivated)
}

func TestCancelChecksOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	other := testutil.Tenant(t, f.db, f.node, "globex")
	payment := testutil.Payment(t, f.db, f.node, tenant.ID, paymentdomain.StatusPending)

	_, err := f.svc.Cancel(ctx, payment.ID.String(), other.ID.String())
	assert.ErrorIs(t, err, paymentdomain.ErrPaymentNotFound)

	cancelled, err := f.svc.Cancel(ctx, payment.ID.String(), tenant.ID.String())
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusCancelled, cancelled.Status)
	assert.Equal(t, []string{events.TypePaymentCancelled}, testutil.EventTypes(t, f.db))

	_, err = f.svc.Cancel(ctx, payment.ID.String(), tenant.ID.String())
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidStateTransition)
}

func TestRecordGatewayResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	plan := testutil.Plan(t, f.db, f.node, "starter")
	manual := testutil.Payment(t, f.db, f.node, tenant.ID, paymentdomain.StatusPending)
	card := testutil.Payment(t, f.db, f.node, tenant.ID, paymentdomain.StatusPending, func(p *paymentdomain.Payment) {
		p.PaymentMethod = paymentdomain.MethodCard
		p.PlanID = &plan.ID
	})

	_, err := f.svc.RecordGatewayResult(ctx, manual.ID.String(), "ch_1", true)
	assert.ErrorIs(t, err, paymentdomain.ErrNotGatewayPayment)

	completed, err := f.svc.RecordGatewayResult(ctx, card.ID.String(), "ch_2", true)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusCompleted, completed.Status)
	require.NotNil(t, completed.GatewayTransactionID)
	assert.Equal(t, "ch_2", *completed.GatewayTransactionID)
	assert.Nil(t, completed.InvoiceNumber)

	sub, err := f.subscriptions.GetCurrent(ctx, tenant.ID.String())
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusActive, sub.Status)

	again, err := f.svc.RecordGatewayResult(ctx, card.ID.String(), "ch_2", true)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.StatusCompleted, again.Status)

	_, err = f.svc.RecordGatewayResult(ctx, card.ID.String(), "ch_2", false)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidStateTransition)
}

func TestStatistics(t *testing.T) {
	f := newFixture(t)
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	now := f.clock.Now()
	at := func(ts time.Time) func(*paymentdomain.Payment) {
		return func(p *paymentdomain.Payment) { p.ApprovedAt = &ts }
	}
	testutil.Payment(t, f.db, f.node, tenant.ID, paymentdomain.StatusPending)
	testutil.Payment(t, f.db, f.node, tenant.ID, paymentdomain.StatusPending, func(p *paymentdomain.Payment) {
		p.Amount = decimal.RequireFromString("10.50")
	})
	testutil.Payment(t, f.db, f.node, tenant.ID, paymentdomain.StatusApproved, at(now.Add(-time.Hour)))
	testutil.Payment(t, f.db, f.node, tenant.ID, paymentdomain.StatusApproved, at(now.Add(-30*time.Hour)))
	testutil.Payment(t, f.db, f.node, tenant.ID, paymentdomain.StatusApproved, at(now.AddDate(0, -1, 0)))
	testutil.Payment(t, f.db, f.node, tenant.ID, paymentdomain.StatusRejected)

	stats, err := f.svc.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.PendingCount)
	assert.True(t, stats.PendingAmount.Equal(decimal.RequireFromString("59.50")))
	// 2025-03-01 09:00 is the first day of the month; 30h earlier is February.
	assert.Equal(t, int64(1), stats.ApprovedTodayCount)
	assert.True(t, stats.ApprovedTodayAmount.Equal(decimal.RequireFromString("49")))
	assert.Equal(t, int64(1), stats.ApprovedMonthCount)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	other := testutil.Tenant(t, f.db, f.node, "globex")
	var ids []snowflake.ID
	for i := 0; i < 3; i++ {
		ids = append(ids, testutil.Payment(t, f.db, f.node, tenant.ID, paymentdomain.StatusPending).ID)
	}
	testutil.Payment(t, f.db, f.node, other.ID, paymentdomain.StatusPending)

	page, err := f.svc.List(ctx, paymentdomain.ListRequest{
		Pagination: pagination.Pagination{PageSize: 2},
		TenantID:   tenant.ID.String(),
	})
	require.NoError(t, err)
	require.Len(t, page.Payments, 2)
	assert.Equal(t, ids[2], page.Payments[0].ID)
	assert.Equal(t, ids[1], page.Payments[1].ID)
	require.NotEmpty(t, page.PageInfo.NextPageToken)

	next, err := f.svc.List(ctx, paymentdomain.ListRequest{
		Pagination: pagination.Pagination{PageSize: 2, PageToken: page.PageInfo.NextPageToken},
		TenantID:   tenant.ID.String(),
	})
	require.NoError(t, err)
	require.Len(t, next.Payments, 1)
	assert.Equal(t, ids[0], next.Payments[0].ID)

	_, err = f.svc.List(ctx, paymentdomain.ListRequest{Status: "paid"})
	_, ok := validation.As(err)
	assert.True(t, ok)
}

func TestExportXLSX(t *testing.T) {
	f := newFixture(t)
	tenant := testutil.Tenant(t, f.db, f.node, "acme")
	testutil.Payment(t, f.db, f.node, tenant.ID, paymentdomain.StatusPending)
	invoiced := testutil.Payment(t, f.db, f.node, tenant.ID, paymentdomain.StatusApproved, func(p *paymentdomain.Payment) {
		number := "INV-202503-00007"
		p.InvoiceNumber = &number
	})

	var buf bytes.Buffer
	require.NoError(t, f.svc.ExportXLSX(context.Background(), paymentdomain.ListRequest{}, &buf))

	book, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer book.Close()
	rows, err := book.GetRows("Payments")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Payment ID", rows[0][0])
	assert.Equal(t, invoiced.ID.String(), rows[1][0])
	assert.Equal(t, "INV-202503-00007", rows[1][9])
	assert.Equal(t, "pending", rows[2][8])
}
