package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
	subscriptiondomain "github.com/smallbiznis/tenancy/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Save(subscription).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, `id = ?`, id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db, `id = ? FOR UPDATE`, id)
}

func (r *repo) FindCurrentByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findOne(ctx, db,
		`tenant_id = ? AND status IN ? ORDER BY created_at DESC LIMIT 1`,
		tenantID, subscriptiondomain.CurrentStatuses,
	)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, args ...any) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions WHERE `+where,
		args...,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) ListByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) CountCurrentByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, excludeID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM subscriptions WHERE tenant_id = ? AND id <> ? AND status IN ?`,
		tenantID, excludeID, subscriptiondomain.CurrentStatuses,
	).Scan(&count).Error
	return count, err
}

// ListDue only selects candidates; the sweep re-checks each row under its lock.
func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, grace time.Duration, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM subscriptions
		 WHERE (status = ? AND trial_ends_at IS NOT NULL AND trial_ends_at <= ?)
		    OR (status = ? AND ends_at IS NOT NULL AND ends_at <= ?)
		    OR (status = ? AND ends_at IS NOT NULL AND ends_at <= ?)
		 ORDER BY id ASC
		 LIMIT ?`,
		subscriptiondomain.StatusTrial, now,
		subscriptiondomain.StatusActive, now,
		subscriptiondomain.StatusPastDue, now.Add(-grace),
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) FindPlan(ctx context.Context, db *gorm.DB, planID snowflake.ID) (*plandomain.Plan, error) {
	var plan plandomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM plans WHERE id = ? AND deleted_at IS NULL`,
		planID,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}
