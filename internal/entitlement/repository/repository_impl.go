package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/smallbiznis/tenancy/internal/entitlement/domain"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/tenancy/internal/subscription/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() entitlementdomain.Repository {
	return &repo{}
}

func (r *repo) FindCurrentPlan(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*entitlementdomain.CurrentPlan, error) {
	var current subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT id, plan_id, metadata FROM subscriptions
		 WHERE tenant_id = ? AND status IN ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		tenantID, subscriptiondomain.CurrentStatuses,
	).Scan(&current).Error
	if err != nil {
		return nil, err
	}
	// An unpaid manual subscription holds the tenant's slot but grants nothing.
	if current.ID == 0 || current.AwaitingPayment() {
		return nil, nil
	}

	var plan plandomain.Plan
	if err := db.WithContext(ctx).Raw(`SELECT * FROM plans WHERE id = ?`, current.PlanID).Scan(&plan).Error; err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &entitlementdomain.CurrentPlan{SubscriptionID: current.ID, Plan: plan}, nil
}

func (r *repo) Usage(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, resource plandomain.Resource) (int64, error) {
	var quantity int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(quantity), 0) FROM tenant_usage WHERE tenant_id = ? AND resource = ?`,
		tenantID, resource,
	).Scan(&quantity).Error
	return quantity, err
}

func (r *repo) UpsertUsage(ctx context.Context, db *gorm.DB, usage *entitlementdomain.TenantUsage) error {
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "resource"}},
		DoUpdates: clause.AssignmentColumns([]string{"quantity", "updated_at"}),
	}).Create(usage).Error
}
