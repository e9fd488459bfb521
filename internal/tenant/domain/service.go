package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tenancy/pkg/db/pagination"
	"gorm.io/gorm"
)

type Registration struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	Subdomain    string `json:"subdomain"`
	CustomDomain string `json:"custom_domain"`
	AdminName    string `json:"admin_name"`
	Password     string `json:"password"`
	PlanSlug     string `json:"plan"`
}

type ListRequest struct {
	pagination.Pagination
	Status             Status
	ProvisioningStatus ProvisioningStatus
	Query              string
}

type ListResponse struct {
	Tenants  []Tenant            `json:"tenants"`
	PageInfo pagination.PageInfo `json:"page_info"`
}

type Service interface {
	Register(ctx context.Context, req Registration) (*Tenant, error)
	Approve(ctx context.Context, id string) (*Tenant, error)
	Activate(ctx context.Context, id string) (*Tenant, error)
	Suspend(ctx context.Context, id string, reason string) (*Tenant, error)
	Cancel(ctx context.Context, id string, reason string) (*Tenant, error)

	GetByID(ctx context.Context, id string) (*Tenant, error)
	GetByUUID(ctx context.Context, uuid string) (*Tenant, error)
	GetBySubdomain(ctx context.Context, subdomain string) (*Tenant, error)
	GetByHost(ctx context.Context, host string) (*Tenant, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)

	SoftDelete(ctx context.Context, id string) error
	Purge(ctx context.Context, id string) error

	// LockTx loads the tenant with a row lock inside the caller's transaction.
	LockTx(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*Tenant, error)
	MarkTrialUsed(ctx context.Context, tx *gorm.DB, id snowflake.ID) error
	// SuspendIfAllowedTx suspends the tenant when its current status permits it.
	SuspendIfAllowedTx(ctx context.Context, tx *gorm.DB, id snowflake.ID, reason string) (bool, error)
}

// Provisioner creates the tenant database once registration commits.
type Provisioner interface {
	Provision(ctx context.Context, tenantID snowflake.ID) error
}

var (
	ErrTenantNotFound          = errors.New("tenant_not_found")
	ErrInvalidTenantID         = errors.New("invalid_tenant_id")
	ErrInvalidStateTransition  = errors.New("invalid_state_transition")
	ErrTenantNotDeleted        = errors.New("tenant_not_deleted")
	ErrRegistrationRateLimited = errors.New("registration_rate_limited")
)
