package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindCurrentByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*Subscription, error)
	ListByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]Subscription, error)
	// CountCurrentByTenant counts current subscriptions other than excludeID.
	CountCurrentByTenant(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, excludeID snowflake.ID) (int64, error)
	// ListDue returns ids of subscriptions whose period has lapsed as of now.
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, grace time.Duration, limit int) ([]snowflake.ID, error)
	FindPlan(ctx context.Context, db *gorm.DB, planID snowflake.ID) (*plandomain.Plan, error)
}
