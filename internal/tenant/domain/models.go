// Package domain contains persistence models for the tenant registry.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusActive, StatusSuspended, StatusCancelled:
		return true
	}
	return false
}

// ProvisioningStatus is shared by tenants and tenant_databases.
type ProvisioningStatus string

const (
	ProvisioningPending     ProvisioningStatus = "pending"
	ProvisioningInProgress  ProvisioningStatus = "provisioning"
	ProvisioningProvisioned ProvisioningStatus = "provisioned"
	ProvisioningFailed      ProvisioningStatus = "failed"
	ProvisioningManual      ProvisioningStatus = "manual"
)

func (s ProvisioningStatus) Valid() bool {
	switch s {
	case ProvisioningPending, ProvisioningInProgress, ProvisioningProvisioned, ProvisioningFailed, ProvisioningManual:
		return true
	}
	return false
}

// Tenant is a customer organisation with its own database.
type Tenant struct {
	ID                         snowflake.ID       `gorm:"primaryKey" json:"id"`
	UUID                       string             `gorm:"type:varchar(36);not null;uniqueIndex:ux_tenants_uuid" json:"uuid"`
	Name                       string             `gorm:"type:varchar(255);not null" json:"name"`
	Email                      string             `gorm:"type:varchar(255);not null;uniqueIndex:ux_tenants_email" json:"email"`
	Phone                      string             `gorm:"type:varchar(32)" json:"phone,omitempty"`
	Subdomain                  string             `gorm:"type:varchar(63);not null;uniqueIndex:ux_tenants_subdomain" json:"subdomain"`
	CustomDomain               *string            `gorm:"type:varchar(255);uniqueIndex:ux_tenants_custom_domain" json:"custom_domain,omitempty"`
	Status                     Status             `gorm:"type:varchar(16);not null;index" json:"status"`
	DatabaseProvisioningStatus ProvisioningStatus `gorm:"type:varchar(16);not null;index" json:"database_provisioning_status"`
	PlanID                     *snowflake.ID      `gorm:"index" json:"plan_id,omitempty"`
	TrialEndsAt                *time.Time         `json:"trial_ends_at,omitempty"`
	HasUsedTrial               bool               `gorm:"not null" json:"has_used_trial"`
	Metadata                   datatypes.JSONMap  `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt                  time.Time          `gorm:"not null" json:"created_at"`
	UpdatedAt                  time.Time          `gorm:"not null" json:"updated_at"`
	DeletedAt                  gorm.DeletedAt     `gorm:"index" json:"deleted_at,omitempty"`
}

// TableName sets the database table name.
func (Tenant) TableName() string { return "tenants" }

const RoleTenantAdmin = "tenant_admin"

// TenantUser is a platform-level login created for the tenant's administrator.
type TenantUser struct {
	ID           snowflake.ID   `gorm:"primaryKey" json:"id"`
	TenantID     snowflake.ID   `gorm:"not null;index" json:"tenant_id"`
	Name         string         `gorm:"type:varchar(255);not null" json:"name"`
	Email        string         `gorm:"type:varchar(255);not null;uniqueIndex:ux_tenant_users_email" json:"email"`
	PasswordHash string         `gorm:"type:text;not null" json:"-"`
	Role         string         `gorm:"type:varchar(32);not null" json:"role"`
	CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName sets the database table name.
func (TenantUser) TableName() string { return "tenant_users" }

type ReservedSubdomain struct {
	Subdomain string `gorm:"primaryKey;type:varchar(63)" json:"subdomain"`
	Reason    string `gorm:"type:varchar(255)" json:"reason"`
}

// TableName sets the database table name.
func (ReservedSubdomain) TableName() string { return "reserved_subdomains" }
