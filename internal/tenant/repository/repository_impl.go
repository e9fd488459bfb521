package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const tenantColumns = `id, uuid, name, email, phone, subdomain, custom_domain, status,
	 database_provisioning_status, plan_id, trial_ends_at, has_used_trial, metadata,
	 created_at, updated_at, deleted_at`

type repo struct{}

func Provide() tenantdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, tenant *tenantdomain.Tenant) error {
	return db.WithContext(ctx).Create(tenant).Error
}

func (r *repo) InsertUser(ctx context.Context, db *gorm.DB, user *tenantdomain.TenantUser) error {
	return db.WithContext(ctx).Create(user).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*tenantdomain.Tenant, error) {
	return r.findOne(ctx, db, `id = ? AND deleted_at IS NULL`, id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*tenantdomain.Tenant, error) {
	return r.findOne(ctx, db, `id = ? AND deleted_at IS NULL FOR UPDATE`, id)
}

func (r *repo) FindByIDIncludingDeleted(ctx context.Context, db *gorm.DB, id snowflake.ID) (*tenantdomain.Tenant, error) {
	return r.findOne(ctx, db, `id = ?`, id)
}

func (r *repo) FindByUUID(ctx context.Context, db *gorm.DB, uuid string) (*tenantdomain.Tenant, error) {
	return r.findOne(ctx, db, `uuid = ? AND deleted_at IS NULL`, uuid)
}

func (r *repo) FindBySubdomain(ctx context.Context, db *gorm.DB, subdomain string) (*tenantdomain.Tenant, error) {
	return r.findOne(ctx, db, `subdomain = ? AND deleted_at IS NULL`, subdomain)
}

func (r *repo) FindByCustomDomain(ctx context.Context, db *gorm.DB, domain string) (*tenantdomain.Tenant, error) {
	return r.findOne(ctx, db, `custom_domain = ? AND deleted_at IS NULL`, domain)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, where string, args ...any) (*tenantdomain.Tenant, error) {
	var tenant tenantdomain.Tenant
	err := db.WithContext(ctx).Raw(
		`SELECT `+tenantColumns+` FROM tenants WHERE `+where,
		args...,
	).Scan(&tenant).Error
	if err != nil {
		return nil, err
	}
	if tenant.ID == 0 {
		return nil, nil
	}
	return &tenant, nil
}

// List returns tenants newest first. Snowflake ids are time ordered, so the
// id doubles as the cursor.
func (r *repo) List(ctx context.Context, db *gorm.DB, filter tenantdomain.ListFilter) ([]tenantdomain.Tenant, error) {
	query := db.WithContext(ctx).Model(&tenantdomain.Tenant{}).Where("deleted_at IS NULL")
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.ProvisioningStatus != "" {
		query = query.Where("database_provisioning_status = ?", filter.ProvisioningStatus)
	}
	if q := strings.ToLower(strings.TrimSpace(filter.Query)); q != "" {
		like := "%" + q + "%"
		query = query.Where("(LOWER(name) LIKE ? OR email LIKE ? OR subdomain LIKE ?)", like, like, like)
	}
	if filter.AfterID != 0 {
		query = query.Where("id < ?", filter.AfterID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var tenants []tenantdomain.Tenant
	if err := query.Order("id DESC").Find(&tenants).Error; err != nil {
		return nil, err
	}
	return tenants, nil
}

// Uniqueness checks include soft-deleted tenants; their identifiers stay reserved.
func (r *repo) SubdomainTaken(ctx context.Context, db *gorm.DB, subdomain string) (bool, error) {
	return r.exists(ctx, db, `SELECT COUNT(1) FROM tenants WHERE subdomain = ?`, subdomain)
}

func (r *repo) CustomDomainTaken(ctx context.Context, db *gorm.DB, domain string) (bool, error) {
	return r.exists(ctx, db, `SELECT COUNT(1) FROM tenants WHERE custom_domain = ?`, domain)
}

func (r *repo) EmailTaken(ctx context.Context, db *gorm.DB, email string) (bool, error) {
	return r.exists(ctx, db,
		`SELECT (SELECT COUNT(1) FROM tenants WHERE email = ?) + (SELECT COUNT(1) FROM tenant_users WHERE email = ?)`,
		email, email,
	)
}

func (r *repo) IsReserved(ctx context.Context, db *gorm.DB, subdomain string) (bool, error) {
	return r.exists(ctx, db, `SELECT COUNT(1) FROM reserved_subdomains WHERE subdomain = ?`, subdomain)
}

func (r *repo) exists(ctx context.Context, db *gorm.DB, query string, args ...any) (bool, error) {
	var count int64
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status tenantdomain.Status, metadata map[string]any, at time.Time) error {
	updates := map[string]any{
		"status":     status,
		"updated_at": at,
	}
	if metadata != nil {
		updates["metadata"] = datatypes.JSONMap(metadata)
	}
	return db.WithContext(ctx).Model(&tenantdomain.Tenant{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Updates(updates).Error
}

func (r *repo) UpdateProvisioningStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status tenantdomain.ProvisioningStatus, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE tenants SET database_provisioning_status = ?, updated_at = ? WHERE id = ?`,
		status,
		at,
		id,
	).Error
}

// MarkTrialUsed only ever sets the flag.
func (r *repo) MarkTrialUsed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE tenants SET has_used_trial = ?, updated_at = ? WHERE id = ?`,
		true,
		at,
		id,
	).Error
}

func (r *repo) SoftDelete(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE tenants SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		at,
		at,
		id,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) Purge(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	if err := db.WithContext(ctx).Exec(`DELETE FROM tenant_users WHERE tenant_id = ?`, id).Error; err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(`DELETE FROM tenants WHERE id = ? AND deleted_at IS NOT NULL`, id).Error
}

func (r *repo) CountUsers(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM tenant_users WHERE tenant_id = ? AND deleted_at IS NULL`,
		tenantID,
	).Scan(&count).Error
	return count, err
}
