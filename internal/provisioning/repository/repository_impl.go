package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	provisioningdomain "github.com/smallbiznis/tenancy/internal/provisioning/domain"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() provisioningdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, row *provisioningdomain.TenantDatabase) error {
	return db.WithContext(ctx).Create(row).Error
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, row *provisioningdomain.TenantDatabase) error {
	return db.WithContext(ctx).Save(row).Error
}

func (r *repo) UpdateFields(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, fields map[string]any) error {
	return db.WithContext(ctx).
		Model(&provisioningdomain.TenantDatabase{}).
		Where("tenant_id = ?", tenantID).
		Updates(fields).Error
}

func (r *repo) FindByTenantID(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*provisioningdomain.TenantDatabase, error) {
	return r.findOne(ctx, db,
		`SELECT * FROM tenant_databases WHERE tenant_id = ? LIMIT 1`,
		tenantID,
	)
}

func (r *repo) FindByTenantIDForUpdate(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*provisioningdomain.TenantDatabase, error) {
	return r.findOne(ctx, db,
		`SELECT * FROM tenant_databases WHERE tenant_id = ? LIMIT 1 FOR UPDATE`,
		tenantID,
	)
}

func (r *repo) ListByStatus(ctx context.Context, db *gorm.DB, status tenantdomain.ProvisioningStatus, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT tenant_id FROM tenant_databases
		WHERE provisioning_status = ?
		ORDER BY updated_at ASC, tenant_id ASC
		LIMIT ?`,
		status, limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) ListStartedBefore(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT tenant_id FROM tenant_databases
		WHERE provisioning_status = ? AND provisioning_started_at < ?
		ORDER BY provisioning_started_at ASC
		LIMIT ?`,
		tenantdomain.ProvisioningInProgress, before, limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) ListPendingWithoutDatabase(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT t.id FROM tenants t
		WHERE t.database_provisioning_status = ?
		AND t.status <> ?
		AND t.deleted_at IS NULL
		AND t.created_at < ?
		AND NOT EXISTS (SELECT 1 FROM tenant_databases d WHERE d.tenant_id = t.id)
		ORDER BY t.created_at ASC, t.id ASC
		LIMIT ?`,
		tenantdomain.ProvisioningPending, tenantdomain.StatusCancelled, before, limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*provisioningdomain.TenantDatabase, error) {
	var row provisioningdomain.TenantDatabase
	err := db.WithContext(ctx).Raw(query, args...).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}
