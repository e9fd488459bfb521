package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListFilter struct {
	Status             Status
	ProvisioningStatus ProvisioningStatus
	Query              string
	AfterID            snowflake.ID
	Limit              int
}

// Repository reads and writes tenants. Lookups exclude soft-deleted rows
// unless the method name says otherwise.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, tenant *Tenant) error
	InsertUser(ctx context.Context, db *gorm.DB, user *TenantUser) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Tenant, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Tenant, error)
	FindByIDIncludingDeleted(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Tenant, error)
	FindByUUID(ctx context.Context, db *gorm.DB, uuid string) (*Tenant, error)
	FindBySubdomain(ctx context.Context, db *gorm.DB, subdomain string) (*Tenant, error)
	FindByCustomDomain(ctx context.Context, db *gorm.DB, domain string) (*Tenant, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Tenant, error)

	SubdomainTaken(ctx context.Context, db *gorm.DB, subdomain string) (bool, error)
	CustomDomainTaken(ctx context.Context, db *gorm.DB, domain string) (bool, error)
	EmailTaken(ctx context.Context, db *gorm.DB, email string) (bool, error)
	IsReserved(ctx context.Context, db *gorm.DB, subdomain string) (bool, error)

	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status, metadata map[string]any, at time.Time) error
	UpdateProvisioningStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status ProvisioningStatus, at time.Time) error
	MarkTrialUsed(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
	SoftDelete(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (int64, error)
	Purge(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	CountUsers(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (int64, error)
}
