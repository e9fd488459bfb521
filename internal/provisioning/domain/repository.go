package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, row *TenantDatabase) error
	Save(ctx context.Context, db *gorm.DB, row *TenantDatabase) error
	// UpdateFields writes a partial update for the tenant's row.
	UpdateFields(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, fields map[string]any) error
	FindByTenantID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*TenantDatabase, error)
	FindByTenantIDForUpdate(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*TenantDatabase, error)
	// ListByStatus returns tenant ids oldest first.
	ListByStatus(ctx context.Context, db *gorm.DB, status tenantdomain.ProvisioningStatus, limit int) ([]snowflake.ID, error)
	// ListStartedBefore returns tenant ids whose provisioning started before
	// the cutoff and never finished.
	ListStartedBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]snowflake.ID, error)
	// ListPendingWithoutDatabase returns pending tenants created before the
	// cutoff that never got a tenant_databases row.
	ListPendingWithoutDatabase(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]snowflake.ID, error)
}
