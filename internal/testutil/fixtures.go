// Package testutil seeds platform rows for package tests.
package testutil

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tenancy/internal/events"
	paymentdomain "github.com/smallbiznis/tenancy/internal/payment/domain"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/tenancy/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Models lists the platform tables tests usually need.
func Models() []any {
	return []any{
		&tenantdomain.Tenant{},
		&tenantdomain.TenantUser{},
		&tenantdomain.ReservedSubdomain{},
		&plandomain.Plan{},
		&subscriptiondomain.Subscription{},
		&paymentdomain.Payment{},
		&events.TenantEvent{},
	}
}

func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	return node
}

type TenantOption func(*tenantdomain.Tenant)

func WithTenantStatus(status tenantdomain.Status) TenantOption {
	return func(t *tenantdomain.Tenant) { t.Status = status }
}

func WithTrialUsed() TenantOption {
	return func(t *tenantdomain.Tenant) { t.HasUsedTrial = true }
}

// Tenant inserts an active tenant named after subdomain.
func Tenant(t testing.TB, db *gorm.DB, node *snowflake.Node, subdomain string, opts ...TenantOption) *tenantdomain.Tenant {
	t.Helper()
	now := time.Now().UTC()
	tenant := &tenantdomain.Tenant{
		ID:                         node.Generate(),
		UUID:                       uuid.NewString(),
		Name:                       subdomain,
		Email:                      subdomain + "@example.com",
		Subdomain:                  subdomain,
		Status:                     tenantdomain.StatusActive,
		DatabaseProvisioningStatus: tenantdomain.ProvisioningProvisioned,
		Metadata:                   datatypes.JSONMap{},
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}
	for _, opt := range opts {
		opt(tenant)
	}
	if err := db.Create(tenant).Error; err != nil {
		t.Fatalf("insert tenant: %v", err)
	}
	return tenant
}

type PlanOption func(*plandomain.Plan)

func WithTrialDays(days int) PlanOption {
	return func(p *plandomain.Plan) { p.TrialDays = days }
}

func WithPeriod(period plandomain.BillingPeriod) PlanOption {
	return func(p *plandomain.Plan) { p.BillingPeriod = period }
}

func WithRestrictions(r plandomain.Restrictions) PlanOption {
	return func(p *plandomain.Plan) { p.Restrictions = datatypes.NewJSONType(r) }
}

func Inactive() PlanOption {
	return func(p *plandomain.Plan) { p.IsActive = false }
}

// Plan inserts an active monthly plan priced at 49.00 USD with a 14 day trial.
func Plan(t testing.TB, db *gorm.DB, node *snowflake.Node, slug string, opts ...PlanOption) *plandomain.Plan {
	t.Helper()
	now := time.Now().UTC()
	plan := &plandomain.Plan{
		ID:            node.Generate(),
		Name:          slug,
		Slug:          slug,
		Price:         decimal.RequireFromString("49.00"),
		Currency:      "USD",
		BillingPeriod: plandomain.BillingPeriodMonthly,
		TrialDays:     14,
		IsActive:      true,
		Restrictions: datatypes.NewJSONType(plandomain.Restrictions{
			MaxUsers:     5,
			MaxEmployees: 25,
			MaxStorageGB: 10,
			Modules:      plandomain.ExplicitModules("Payroll"),
		}),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, opt := range opts {
		opt(plan)
	}
	if err := db.Create(plan).Error; err != nil {
		t.Fatalf("insert plan: %v", err)
	}
	return plan
}

// Payment inserts a payment row in the given status.
func Payment(t testing.TB, db *gorm.DB, node *snowflake.Node, tenantID snowflake.ID, status paymentdomain.Status, mutate ...func(*paymentdomain.Payment)) *paymentdomain.Payment {
	t.Helper()
	now := time.Now().UTC()
	payment := &paymentdomain.Payment{
		ID:            node.Generate(),
		TenantID:      tenantID,
		Amount:        decimal.RequireFromString("49.00"),
		Currency:      "USD",
		PaymentMethod: paymentdomain.MethodBankTransfer,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if status == paymentdomain.StatusApproved {
		payment.ApprovedAt = &now
	}
	for _, fn := range mutate {
		fn(payment)
	}
	if err := db.Create(payment).Error; err != nil {
		t.Fatalf("insert payment: %v", err)
	}
	return payment
}

// EventTypes returns outbox event types in insertion order.
func EventTypes(t testing.TB, db *gorm.DB) []string {
	t.Helper()
	var rows []events.TenantEvent
	if err := db.Order("id ASC").Find(&rows).Error; err != nil {
		t.Fatalf("load events: %v", err)
	}
	types := make([]string, 0, len(rows))
	for _, row := range rows {
		types = append(types, row.EventType)
	}
	return types
}
