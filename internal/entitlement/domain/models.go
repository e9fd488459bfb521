// Package domain contains entitlement decisions and reported tenant usage.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/tenancy/internal/plan/domain"
	"gorm.io/gorm"
)

// TenantUsage is a usage counter reported by a tenant application.
type TenantUsage struct {
	TenantID  snowflake.ID        `gorm:"primaryKey" json:"tenant_id"`
	Resource  plandomain.Resource `gorm:"primaryKey;type:varchar(32)" json:"resource"`
	Quantity  int64               `gorm:"not null" json:"quantity"`
	UpdatedAt time.Time           `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (TenantUsage) TableName() string { return "tenant_usage" }

type LimitDecision struct {
	Resource  plandomain.Resource `json:"resource"`
	Usage     int64               `json:"usage"`
	Increment int64               `json:"increment"`
	Cap       int                 `json:"cap"`
	Allowed   bool                `json:"allowed"`
}

// CurrentPlan is a tenant's plan as seen through its current subscription.
type CurrentPlan struct {
	SubscriptionID snowflake.ID
	Plan           plandomain.Plan
}

type Service interface {
	// GetAllowedModules returns nil, true when the plan allows every module.
	GetAllowedModules(plan *plandomain.Plan) ([]string, bool)
	TenantModules(ctx context.Context, tenantID snowflake.ID) ([]string, bool, error)
	IsModuleEnabled(ctx context.Context, tenantID snowflake.ID, module string) (bool, error)
	CheckLimit(ctx context.Context, tenantID snowflake.ID, resource plandomain.Resource, increment int64) (LimitDecision, error)
	RecordUsage(ctx context.Context, tenantID snowflake.ID, resource plandomain.Resource, quantity int64) (*TenantUsage, error)
	Invalidate(tenantID snowflake.ID)
}

type Repository interface {
	FindCurrentPlan(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*CurrentPlan, error)
	Usage(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, resource plandomain.Resource) (int64, error)
	UpsertUsage(ctx context.Context, db *gorm.DB, usage *TenantUsage) error
}

var (
	ErrPlanLimitExceeded    = errors.New("plan_limit_exceeded")
	ErrNoActiveSubscription = errors.New("no_active_subscription")
	ErrInvalidResource      = errors.New("invalid_resource")
	ErrInvalidQuantity      = errors.New("invalid_quantity")
)
