// Package testing moves lifecycle deadlines into the past so scheduler jobs
// can be exercised without waiting for real time to pass.
package testing

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/tenancy/internal/subscription/domain"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"gorm.io/gorm"
)

// TimeAccelerator rewrites deadlines relative to now.
type TimeAccelerator struct {
	db  *gorm.DB
	now func() time.Time
}

func NewTimeAccelerator(db *gorm.DB, now func() time.Time) *TimeAccelerator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &TimeAccelerator{db: db, now: now}
}

// ExpireTrial moves the trial end of a trialing subscription one minute into the past.
func (ta *TimeAccelerator) ExpireTrial(ctx context.Context, subscriptionID snowflake.ID) error {
	now := ta.now()
	past := now.Add(-time.Minute)
	return ta.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET trial_ends_at = ?, ends_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		past,
		past,
		now,
		subscriptionID,
		subscriptiondomain.StatusTrial,
	).Error
}

// EndPeriod moves ends_at of a subscription back by ago.
func (ta *TimeAccelerator) EndPeriod(ctx context.Context, subscriptionID snowflake.ID, ago time.Duration) error {
	now := ta.now()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET ends_at = ?, updated_at = ?
		 WHERE id = ?`,
		now.Add(-ago),
		now,
		subscriptionID,
	).Error
}

// StallProvisioning backdates provisioning_started_at so the stuck sweep sees it.
func (ta *TimeAccelerator) StallProvisioning(ctx context.Context, tenantID snowflake.ID, ago time.Duration) error {
	now := ta.now()
	return ta.db.WithContext(ctx).Exec(
		`UPDATE tenant_databases
		 SET provisioning_started_at = ?, updated_at = ?
		 WHERE tenant_id = ? AND provisioning_status = ?`,
		now.Add(-ago),
		now,
		tenantID,
		tenantdomain.ProvisioningInProgress,
	).Error
}

// SubscriptionInfo shows the lifecycle state of one subscription.
type SubscriptionInfo struct {
	ID           snowflake.ID
	Status       subscriptiondomain.Status
	EndsAt       *time.Time
	TimeUntilEnd time.Duration
	Due          bool
}

func (ta *TimeAccelerator) GetSubscriptionInfo(ctx context.Context, subscriptionID snowflake.ID) (*SubscriptionInfo, error) {
	var row struct {
		ID     snowflake.ID
		Status subscriptiondomain.Status
		EndsAt *time.Time
	}
	err := ta.db.WithContext(ctx).Raw(
		`SELECT id, status, ends_at
		 FROM subscriptions
		 WHERE id = ?`,
		subscriptionID,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}

	info := &SubscriptionInfo{ID: row.ID, Status: row.Status, EndsAt: row.EndsAt}
	if row.EndsAt != nil {
		info.TimeUntilEnd = row.EndsAt.Sub(ta.now())
		info.Due = row.Status.IsCurrent() && info.TimeUntilEnd <= 0
	}
	return info, nil
}
