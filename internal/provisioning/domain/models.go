// Package domain contains persistence models for tenant database provisioning.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	tenantdomain "github.com/smallbiznis/tenancy/internal/tenant/domain"
	"github.com/smallbiznis/tenancy/pkg/credential"
)

type Mode string

const (
	ModeAutomatic Mode = "automatic"
	ModeManual    Mode = "manual"
)

// TenantDatabase records where a tenant's data lives. The password is only
// ever held sealed.
type TenantDatabase struct {
	ID                    snowflake.ID                    `gorm:"primaryKey" json:"id"`
	TenantID              snowflake.ID                    `gorm:"not null;uniqueIndex:ux_tenant_databases_tenant" json:"tenant_id"`
	Dialect               string                          `gorm:"type:varchar(16);not null" json:"dialect"`
	Host                  string                          `gorm:"type:varchar(255);not null" json:"host"`
	Port                  string                          `gorm:"type:varchar(8);not null" json:"port"`
	DatabaseName          string                          `gorm:"type:varchar(63);not null" json:"database_name"`
	Username              string                          `gorm:"type:varchar(63);not null" json:"username"`
	EncryptedPassword     credential.Credential           `gorm:"column:encrypted_password;type:text" json:"-"`
	ProvisioningStatus    tenantdomain.ProvisioningStatus `gorm:"type:varchar(16);not null;index" json:"provisioning_status"`
	ProvisioningMode      Mode                            `gorm:"type:varchar(16);not null" json:"provisioning_mode"`
	ManualScript          *string                         `gorm:"type:text" json:"manual_script,omitempty"`
	ProvisioningStartedAt *time.Time                      `json:"provisioning_started_at,omitempty"`
	ProvisionedAt         *time.Time                      `json:"provisioned_at,omitempty"`
	LastVerifiedAt        *time.Time                      `json:"last_verified_at,omitempty"`
	ProvisioningError     *string                         `gorm:"type:text" json:"provisioning_error,omitempty"`
	Attempts              int                             `gorm:"not null" json:"attempts"`
	MigratedAt            *time.Time                      `json:"migrated_at,omitempty"`
	SeededAt              *time.Time                      `json:"seeded_at,omitempty"`
	CreatedAt             time.Time                       `gorm:"not null" json:"created_at"`
	UpdatedAt             time.Time                       `gorm:"not null" json:"updated_at"`
}

// TableName sets the database table name.
func (TenantDatabase) TableName() string { return "tenant_databases" }

// Result is what callers see after a provisioning attempt.
type Result struct {
	TenantID     snowflake.ID                    `json:"tenant_id"`
	Status       tenantdomain.ProvisioningStatus `json:"status"`
	Mode         Mode                            `json:"mode"`
	Dialect      string                          `json:"dialect"`
	Host         string                          `json:"host"`
	Port         string                          `json:"port"`
	DatabaseName string                          `json:"database_name"`
	Username     string                          `json:"username"`
	ManualScript *string                         `json:"manual_script,omitempty"`
	// Existing is true when the database was already provisioned and left untouched.
	Existing bool `json:"existing"`
}

func ResultFromDatabase(row *TenantDatabase, existing bool) *Result {
	return &Result{
		TenantID:     row.TenantID,
		Status:       row.ProvisioningStatus,
		Mode:         row.ProvisioningMode,
		Dialect:      row.Dialect,
		Host:         row.Host,
		Port:         row.Port,
		DatabaseName: row.DatabaseName,
		Username:     row.Username,
		ManualScript: row.ManualScript,
		Existing:     existing,
	}
}

type BatchResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}
